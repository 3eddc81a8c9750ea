// Copyright 2025 Tether Device Management
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package codec moves resource values over the wire. A scalar travels as a
// 1-byte kind tag followed by a fixed-width little-endian payload or a
// length-prefixed byte run. A group of leaves travels as nested maps keyed
// by path segment: map pairs are a length-prefixed label followed by a
// tagged value, which may itself be a map. The grammar is self-describing,
// so the decoder needs no schema.
//
// Wire layout:
//
//	none    0x00
//	bool    0x01  1 byte, 0 or 1
//	int     0x02  8 bytes, little-endian two's complement
//	float   0x03  8 bytes, little-endian IEEE 754
//	string  0x04  u32 length + bytes
//	bytes   0x05  u32 length + bytes
//	map     0x06  u32 pair count + pairs of (u32 label length + label, value)
package codec

import (
	"encoding/binary"
	"fmt"
	"math"
	"sort"
	"strings"

	"github.com/tetherdm/tether-agent/pkg/constants"
	"github.com/tetherdm/tether-agent/pkg/resources"
	"github.com/tetherdm/tether-agent/pkg/standarderrors"
)

const (
	tagNone byte = iota
	tagBool
	tagInt
	tagFloat
	tagString
	tagBytes
	tagMap
)

// EncodeValue renders one scalar value.
func EncodeValue(v resources.Value) ([]byte, error) {
	w := &writer{limit: constants.MaxPayloadBytes}
	if err := w.value(v); err != nil {
		return nil, err
	}
	return w.buf, nil
}

type encodeItem struct {
	rel  string
	segs []string
	val  resources.Value
}

// Encode renders a group of leaves as nested maps. Paths are relative,
// slash-separated; leaves sharing a leading segment end up in the same
// nested map. The output is canonical: leaves are grouped in lexicographic
// path order, so any permutation of the same entries encodes to the same
// bytes.
func Encode(entries []resources.Leaf) ([]byte, error) {
	if len(entries) > constants.MaxDecodedEntries {
		return nil, fmt.Errorf("%d leaves exceed the %d entry bound: %w",
			len(entries), constants.MaxDecodedEntries, standarderrors.ErrOverflow)
	}
	items := make([]encodeItem, 0, len(entries))
	for _, e := range entries {
		rel := strings.TrimPrefix(e.Path, "/")
		segs := strings.Split(rel, "/")
		if len(segs) > constants.MaxPathDepth {
			return nil, fmt.Errorf("path %q exceeds %d segments: %w",
				e.Path, constants.MaxPathDepth, standarderrors.ErrOverflow)
		}
		for _, seg := range segs {
			if seg == "" {
				return nil, fmt.Errorf("path %q holds an empty segment: %w",
					e.Path, standarderrors.ErrBadParameter)
			}
		}
		items = append(items, encodeItem{rel: rel, segs: segs, val: e.Value})
	}
	sort.SliceStable(items, func(i, j int) bool { return items[i].rel < items[j].rel })

	w := &writer{limit: constants.MaxPayloadBytes}
	if err := w.group(items, 0); err != nil {
		return nil, err
	}
	return w.buf, nil
}

type writer struct {
	buf   []byte
	limit int
}

func (w *writer) grow(n int) error {
	if len(w.buf)+n > w.limit {
		return fmt.Errorf("payload exceeds %d bytes: %w", w.limit, standarderrors.ErrOverflow)
	}
	return nil
}

func (w *writer) tag(t byte) error {
	if err := w.grow(1); err != nil {
		return err
	}
	w.buf = append(w.buf, t)
	return nil
}

func (w *writer) u32(v uint32) error {
	if err := w.grow(4); err != nil {
		return err
	}
	w.buf = binary.LittleEndian.AppendUint32(w.buf, v)
	return nil
}

func (w *writer) u64(v uint64) error {
	if err := w.grow(8); err != nil {
		return err
	}
	w.buf = binary.LittleEndian.AppendUint64(w.buf, v)
	return nil
}

func (w *writer) blob(b []byte) error {
	if err := w.grow(4 + len(b)); err != nil {
		return err
	}
	w.buf = binary.LittleEndian.AppendUint32(w.buf, uint32(len(b)))
	w.buf = append(w.buf, b...)
	return nil
}

func (w *writer) value(v resources.Value) error {
	switch v.Kind() {
	case resources.KindNone:
		return w.tag(tagNone)
	case resources.KindBool:
		b, _ := v.AsBool()
		if err := w.tag(tagBool); err != nil {
			return err
		}
		if err := w.grow(1); err != nil {
			return err
		}
		if b {
			w.buf = append(w.buf, 1)
		} else {
			w.buf = append(w.buf, 0)
		}
		return nil
	case resources.KindInt:
		i, _ := v.AsInt()
		if err := w.tag(tagInt); err != nil {
			return err
		}
		return w.u64(uint64(i))
	case resources.KindFloat:
		f, _ := v.AsFloat()
		if err := w.tag(tagFloat); err != nil {
			return err
		}
		return w.u64(math.Float64bits(f))
	case resources.KindString:
		s, _ := v.AsString()
		if err := w.tag(tagString); err != nil {
			return err
		}
		return w.blob([]byte(s))
	case resources.KindBytes:
		b, _ := v.AsBytes()
		if err := w.tag(tagBytes); err != nil {
			return err
		}
		return w.blob(b)
	default:
		return fmt.Errorf("unknown value kind %s: %w", v.Kind(), standarderrors.ErrBadParameter)
	}
}

// group writes one map level. items all agree on segments before depth and
// are sorted, so equal segments at this depth sit in one contiguous run.
func (w *writer) group(items []encodeItem, depth int) error {
	if depth >= constants.MaxPathDepth {
		return fmt.Errorf("nesting exceeds %d levels: %w",
			constants.MaxPathDepth, standarderrors.ErrOverflow)
	}
	distinct := 0
	for i := 0; i < len(items); {
		j := i
		for j < len(items) && items[j].segs[depth] == items[i].segs[depth] {
			j++
		}
		distinct++
		i = j
	}
	if err := w.tag(tagMap); err != nil {
		return err
	}
	if err := w.u32(uint32(distinct)); err != nil {
		return err
	}
	for i := 0; i < len(items); {
		label := items[i].segs[depth]
		j := i
		for j < len(items) && items[j].segs[depth] == label {
			j++
		}
		if err := w.blob([]byte(label)); err != nil {
			return err
		}
		sub := items[i:j]
		if len(sub) == 1 && len(sub[0].segs) == depth+1 {
			if err := w.value(sub[0].val); err != nil {
				return err
			}
		} else {
			for _, s := range sub {
				if len(s.segs) == depth+1 {
					return fmt.Errorf("%q is both a leaf and a branch: %w",
						s.rel, standarderrors.ErrBadParameter)
				}
			}
			if err := w.group(sub, depth+1); err != nil {
				return err
			}
		}
		i = j
	}
	return nil
}

// DecodeOption adjusts how a payload is decoded.
type DecodeOption func(*decoder)

// WithYield makes the decoder call fn after every `every` decoded leaves,
// so long payloads can kick the watchdog or checkpoint storage mid-walk.
func WithYield(every int, fn func()) DecodeOption {
	return func(d *decoder) {
		if every > 0 && fn != nil {
			d.yieldEvery = every
			d.yieldFn = fn
		}
	}
}

type decoder struct {
	data       []byte
	off        int
	leaves     int
	yieldEvery int
	yieldFn    func()
}

func newDecoder(data []byte, opts []DecodeOption) *decoder {
	d := &decoder{data: data}
	for _, o := range opts {
		o(d)
	}
	return d
}

// Decode parses a nested map payload into leaves with relative paths, in
// payload order. Anything but well-nested maps of scalars is rejected with
// ErrBadParameter; depth, entry count and truncation are bounded.
func Decode(data []byte, opts ...DecodeOption) ([]resources.Leaf, error) {
	d := newDecoder(data, opts)
	t, err := d.tag()
	if err != nil {
		return nil, err
	}
	if t != tagMap {
		return nil, fmt.Errorf("payload must start with a map, found tag %#02x: %w",
			t, standarderrors.ErrBadParameter)
	}
	var out []resources.Leaf
	if err := d.walkMap(nil, 1, &out); err != nil {
		return nil, err
	}
	if err := d.end(); err != nil {
		return nil, err
	}
	return out, nil
}

// DecodeValue parses a single scalar payload.
func DecodeValue(data []byte) (resources.Value, error) {
	d := newDecoder(data, nil)
	t, err := d.tag()
	if err != nil {
		return resources.Value{}, err
	}
	if t == tagMap {
		return resources.Value{}, fmt.Errorf("expected a scalar, found a map: %w",
			standarderrors.ErrBadParameter)
	}
	v, err := d.scalar(t)
	if err != nil {
		return resources.Value{}, err
	}
	if err := d.end(); err != nil {
		return resources.Value{}, err
	}
	return v, nil
}

// DecodeArguments parses a flat map of named scalars, the form command
// arguments travel in. Nested maps are rejected. An empty payload is an
// empty argument list.
func DecodeArguments(data []byte, opts ...DecodeOption) (resources.Arguments, error) {
	if len(data) == 0 {
		return nil, nil
	}
	d := newDecoder(data, opts)
	t, err := d.tag()
	if err != nil {
		return nil, err
	}
	if t != tagMap {
		return nil, fmt.Errorf("arguments must be a map, found tag %#02x: %w",
			t, standarderrors.ErrBadParameter)
	}
	count, err := d.u32()
	if err != nil {
		return nil, err
	}
	var args resources.Arguments
	for i := uint32(0); i < count; i++ {
		label, err := d.label()
		if err != nil {
			return nil, err
		}
		t, err := d.tag()
		if err != nil {
			return nil, err
		}
		if t == tagMap {
			return nil, fmt.Errorf("argument %q must be a scalar: %w",
				label, standarderrors.ErrBadParameter)
		}
		v, err := d.scalar(t)
		if err != nil {
			return nil, err
		}
		if err := d.countLeaf(); err != nil {
			return nil, err
		}
		args = append(args, resources.Argument{Name: label, Value: v})
	}
	if err := d.end(); err != nil {
		return nil, err
	}
	return args, nil
}

func (d *decoder) walkMap(segs []string, depth int, out *[]resources.Leaf) error {
	if depth > constants.MaxPathDepth {
		return fmt.Errorf("nesting exceeds %d levels: %w",
			constants.MaxPathDepth, standarderrors.ErrOverflow)
	}
	count, err := d.u32()
	if err != nil {
		return err
	}
	for i := uint32(0); i < count; i++ {
		label, err := d.label()
		if err != nil {
			return err
		}
		// Full-slice append: the child stack never aliases a sibling's
		// backing array.
		child := append(segs[:len(segs):len(segs)], label)
		t, err := d.tag()
		if err != nil {
			return err
		}
		if t == tagMap {
			if err := d.walkMap(child, depth+1, out); err != nil {
				return err
			}
			continue
		}
		v, err := d.scalar(t)
		if err != nil {
			return err
		}
		if err := d.countLeaf(); err != nil {
			return err
		}
		*out = append(*out, resources.Leaf{Path: strings.Join(child, "/"), Value: v})
	}
	return nil
}

func (d *decoder) countLeaf() error {
	d.leaves++
	if d.leaves > constants.MaxDecodedEntries {
		return fmt.Errorf("payload exceeds %d leaves: %w",
			constants.MaxDecodedEntries, standarderrors.ErrOverflow)
	}
	if d.yieldEvery > 0 && d.leaves%d.yieldEvery == 0 {
		d.yieldFn()
	}
	return nil
}

func (d *decoder) scalar(t byte) (resources.Value, error) {
	switch t {
	case tagNone:
		return resources.None(), nil
	case tagBool:
		b, err := d.take(1)
		if err != nil {
			return resources.Value{}, err
		}
		switch b[0] {
		case 0:
			return resources.BoolValue(false), nil
		case 1:
			return resources.BoolValue(true), nil
		default:
			return resources.Value{}, fmt.Errorf("bool byte %#02x: %w",
				b[0], standarderrors.ErrBadParameter)
		}
	case tagInt:
		u, err := d.u64()
		if err != nil {
			return resources.Value{}, err
		}
		return resources.IntValue(int64(u)), nil
	case tagFloat:
		u, err := d.u64()
		if err != nil {
			return resources.Value{}, err
		}
		return resources.FloatValue(math.Float64frombits(u)), nil
	case tagString:
		b, err := d.lengthPrefixed()
		if err != nil {
			return resources.Value{}, err
		}
		return resources.StringValue(string(b)), nil
	case tagBytes:
		b, err := d.lengthPrefixed()
		if err != nil {
			return resources.Value{}, err
		}
		return resources.BytesValue(b), nil
	default:
		return resources.Value{}, fmt.Errorf("unknown kind tag %#02x: %w",
			t, standarderrors.ErrBadParameter)
	}
}

func (d *decoder) label() (string, error) {
	b, err := d.lengthPrefixed()
	if err != nil {
		return "", err
	}
	label := string(b)
	if label == "" || strings.ContainsRune(label, '/') {
		return "", fmt.Errorf("map label %q: %w", label, standarderrors.ErrBadParameter)
	}
	return label, nil
}

func (d *decoder) take(n int) ([]byte, error) {
	if n < 0 || d.off+n > len(d.data) {
		return nil, fmt.Errorf("payload truncated at byte %d: %w",
			d.off, standarderrors.ErrBadParameter)
	}
	b := d.data[d.off : d.off+n]
	d.off += n
	return b, nil
}

func (d *decoder) tag() (byte, error) {
	b, err := d.take(1)
	if err != nil {
		return 0, err
	}
	return b[0], nil
}

func (d *decoder) u32() (uint32, error) {
	b, err := d.take(4)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint32(b), nil
}

func (d *decoder) u64() (uint64, error) {
	b, err := d.take(8)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint64(b), nil
}

func (d *decoder) lengthPrefixed() ([]byte, error) {
	n, err := d.u32()
	if err != nil {
		return nil, err
	}
	if n > uint32(len(d.data)) {
		return nil, fmt.Errorf("declared length %d exceeds payload: %w",
			n, standarderrors.ErrBadParameter)
	}
	return d.take(int(n))
}

func (d *decoder) end() error {
	if d.off != len(d.data) {
		return fmt.Errorf("%d trailing bytes after payload: %w",
			len(d.data)-d.off, standarderrors.ErrBadParameter)
	}
	return nil
}
