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

package resources

import (
	"fmt"

	"github.com/tetherdm/tether-agent/pkg/standarderrors"
)

// Kind identifies which variant a Value holds.
type Kind uint8

const (
	// KindNone is a value that has never been set.
	KindNone Kind = iota
	KindBool
	KindInt
	KindFloat
	KindString
	KindBytes
)

// String returns the kind name used in logs and in persisted records.
func (k Kind) String() string {
	switch k {
	case KindNone:
		return "none"
	case KindBool:
		return "bool"
	case KindInt:
		return "int"
	case KindFloat:
		return "float"
	case KindString:
		return "string"
	case KindBytes:
		return "bytes"
	default:
		return fmt.Sprintf("kind(%d)", uint8(k))
	}
}

// Value is the tagged union stored at a resource leaf. The zero Value is
// the none value. Values are immutable once constructed; byte payloads are
// copied on the way in and on the way out.
type Value struct {
	kind Kind
	b    bool
	i    int64
	f    float64
	s    string
	raw  []byte
}

// None returns the unset value.
func None() Value { return Value{} }

// BoolValue wraps a bool.
func BoolValue(v bool) Value { return Value{kind: KindBool, b: v} }

// IntValue wraps an int64.
func IntValue(v int64) Value { return Value{kind: KindInt, i: v} }

// FloatValue wraps a float64.
func FloatValue(v float64) Value { return Value{kind: KindFloat, f: v} }

// StringValue wraps a string.
func StringValue(v string) Value { return Value{kind: KindString, s: v} }

// BytesValue wraps an opaque byte payload. The slice is copied.
func BytesValue(v []byte) Value {
	return Value{kind: KindBytes, raw: append([]byte(nil), v...)}
}

// Kind returns the variant the value holds.
func (v Value) Kind() Kind { return v.kind }

// IsNone reports whether the value has never been set.
func (v Value) IsNone() bool { return v.kind == KindNone }

// AsBool returns the bool variant. It returns ErrUnavailable for a never-set
// value and ErrBadParameter for any other kind.
func (v Value) AsBool() (bool, error) {
	if err := v.check(KindBool); err != nil {
		return false, err
	}
	return v.b, nil
}

// AsInt returns the int variant.
func (v Value) AsInt() (int64, error) {
	if err := v.check(KindInt); err != nil {
		return 0, err
	}
	return v.i, nil
}

// AsFloat returns the float variant.
func (v Value) AsFloat() (float64, error) {
	if err := v.check(KindFloat); err != nil {
		return 0, err
	}
	return v.f, nil
}

// AsString returns the string variant.
func (v Value) AsString() (string, error) {
	if err := v.check(KindString); err != nil {
		return "", err
	}
	return v.s, nil
}

// AsBytes returns a copy of the bytes variant.
func (v Value) AsBytes() ([]byte, error) {
	if err := v.check(KindBytes); err != nil {
		return nil, err
	}
	return append([]byte(nil), v.raw...), nil
}

func (v Value) check(want Kind) error {
	if v.kind == KindNone {
		return standarderrors.ErrUnavailable
	}
	if v.kind != want {
		return fmt.Errorf("value is %s, not %s: %w", v.kind, want, standarderrors.ErrBadParameter)
	}
	return nil
}

// String renders the value for logs. Byte payloads print their length only.
func (v Value) String() string {
	switch v.kind {
	case KindNone:
		return "none"
	case KindBool:
		return fmt.Sprintf("bool(%t)", v.b)
	case KindInt:
		return fmt.Sprintf("int(%d)", v.i)
	case KindFloat:
		return fmt.Sprintf("float(%g)", v.f)
	case KindString:
		return fmt.Sprintf("string(%q)", v.s)
	case KindBytes:
		return fmt.Sprintf("bytes(%d)", len(v.raw))
	default:
		return v.kind.String()
	}
}

// Argument is one named command argument.
type Argument struct {
	Name  string
	Value Value
}

// Arguments carries the decoded arguments of one command execution, in
// payload order. Argument lists are transient: they live for the duration
// of the handler call and the work it schedules.
type Arguments []Argument

// Get returns the argument named name.
func (a Arguments) Get(name string) (Value, bool) {
	for _, arg := range a {
		if arg.Name == name {
			return arg.Value, true
		}
	}
	return Value{}, false
}

// Bool returns the named bool argument, or ErrNotFound if absent.
func (a Arguments) Bool(name string) (bool, error) {
	v, ok := a.Get(name)
	if !ok {
		return false, fmt.Errorf("argument %q: %w", name, standarderrors.ErrNotFound)
	}
	return v.AsBool()
}

// Int returns the named int argument, or ErrNotFound if absent.
func (a Arguments) Int(name string) (int64, error) {
	v, ok := a.Get(name)
	if !ok {
		return 0, fmt.Errorf("argument %q: %w", name, standarderrors.ErrNotFound)
	}
	return v.AsInt()
}

// Float returns the named float argument, or ErrNotFound if absent.
func (a Arguments) Float(name string) (float64, error) {
	v, ok := a.Get(name)
	if !ok {
		return 0, fmt.Errorf("argument %q: %w", name, standarderrors.ErrNotFound)
	}
	return v.AsFloat()
}

// String returns the named string argument, or ErrNotFound if absent.
func (a Arguments) String(name string) (string, error) {
	v, ok := a.Get(name)
	if !ok {
		return "", fmt.Errorf("argument %q: %w", name, standarderrors.ErrNotFound)
	}
	return v.AsString()
}
