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

// Package resources implements the device resource tree: a namespaced
// path-to-value store through which applications publish data points,
// accept configuration and expose commands to the management server.
//
// Applications attach through a Client, which scopes their paths under the
// application name. The management server reaches the tree through the
// dispatcher, which uses the Server entry points. Access is governed by the
// resource mode: variables are written by the application and read by the
// server, settings are writable from both sides and survive reboots,
// commands are executed by the server only.
package resources

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"go.uber.org/zap"

	"github.com/tetherdm/tether-agent/pkg/logger"
	"github.com/tetherdm/tether-agent/pkg/metrics"
	"github.com/tetherdm/tether-agent/pkg/settings"
	"github.com/tetherdm/tether-agent/pkg/standarderrors"
)

// Mode is the access mode of a resource.
type Mode uint8

const (
	// ModeVariable is application data the server may read.
	ModeVariable Mode = iota + 1
	// ModeSetting is configuration both sides may read and write. Setting
	// values persist across reboots.
	ModeSetting
	// ModeCommand is an action the server may execute. Commands hold no
	// value.
	ModeCommand
)

// String returns the mode name.
func (m Mode) String() string {
	switch m {
	case ModeVariable:
		return "variable"
	case ModeSetting:
		return "setting"
	case ModeCommand:
		return "command"
	default:
		return fmt.Sprintf("mode(%d)", uint8(m))
	}
}

// EventType says why a resource handler runs.
type EventType uint8

const (
	// EventRead fires before the server reads the value, giving the owner a
	// chance to refresh it.
	EventRead EventType = iota + 1
	// EventWrite fires after the server wrote the value.
	EventWrite
	// EventExec fires when the server executes a command.
	EventExec
)

// String returns the event name.
func (t EventType) String() string {
	switch t {
	case EventRead:
		return "read"
	case EventWrite:
		return "write"
	case EventExec:
		return "exec"
	default:
		return fmt.Sprintf("event(%d)", uint8(t))
	}
}

// AccessEvent describes one server access to a resource. Path is the path
// as the owning client addresses it.
type AccessEvent struct {
	Path string
	Type EventType
	// Args carries the decoded command arguments. Set for EventExec only.
	Args Arguments
	// Reply finishes a command execution. Set for EventExec only; the
	// handler must call it exactly once, from any goroutine.
	Reply func(error)
}

// Handler observes server access to one resource. Handlers always run
// outside the store lock and may call back into the tree.
type Handler func(AccessEvent)

// Leaf is one readable resource and its current value.
type Leaf struct {
	Path  string
	Value Value
}

// ValueStore persists setting values across reboots. LoadResourceValue
// reports a never-written path with standarderrors.ErrNotFound.
type ValueStore interface {
	SaveResourceValue(ctx context.Context, value settings.StoredValue) error
	LoadResourceValue(ctx context.Context, path string) (settings.StoredValue, error)
	DeleteResourceValue(ctx context.Context, path string) error
}

// BatchValueStore persists a group of values in one shot. Stores that
// implement it get multi-writes handed over as a single batch.
type BatchValueStore interface {
	SaveResourceValues(ctx context.Context, values []settings.StoredValue) error
}

type node struct {
	global string // resolved absolute path, the map key
	owned  string // path as the owner addresses it
	mode   Mode
	owner  *Client

	value Value
	// restored is set once the persisted value (if any) has been looked up.
	// A write marks it too: after an explicit write the stored state no
	// longer matters.
	restored bool
	handler  Handler
}

// Store is the process-wide resource tree.
type Store struct {
	logger *zap.SugaredLogger
	values ValueStore // nil disables persistence

	mu    sync.Mutex
	nodes map[string]*node
}

// NewStore returns an empty tree. values may be nil, in which case setting
// resources live in RAM only.
func NewStore(values ValueStore) *Store {
	return &Store{
		logger: logger.For(logger.ComponentResourceStore),
		values: values,
		nodes:  map[string]*node{},
	}
}

// lookupRestoredLocked returns the node at path with any persisted setting
// value already materialized. Call with s.mu held; the lock is dropped
// around the storage read and held again on return, so the caller must not
// carry node pointers across the call.
func (s *Store) lookupRestoredLocked(ctx context.Context, path string) (*node, error) {
	n := s.nodes[path]
	if n == nil {
		return nil, standarderrors.ErrNotFound
	}
	if n.mode != ModeSetting || n.restored {
		return n, nil
	}
	if s.values == nil {
		n.restored = true
		return n, nil
	}

	s.mu.Unlock()
	stored, err := s.values.LoadResourceValue(ctx, path)
	s.mu.Lock()

	n = s.nodes[path]
	if n == nil {
		return nil, standarderrors.ErrNotFound
	}
	if n.restored {
		// Another touch completed the restore, or a write beat us to it.
		return n, nil
	}
	n.restored = true
	if err != nil {
		if !errors.Is(err, standarderrors.ErrNotFound) {
			s.logger.Warnf("restoring %s failed, value starts unset: %v", path, err)
			metrics.IncErrorCount(logger.ComponentResourceStore, "restore")
		}
		return n, nil
	}
	v, err := valueFromStored(stored)
	if err != nil {
		s.logger.Warnf("stored value for %s is unusable, value starts unset: %v", path, err)
		metrics.IncErrorCount(logger.ComponentResourceStore, "restore")
		return n, nil
	}
	n.value = v
	return n, nil
}

// ServerGet reads one leaf on behalf of the management server. A read
// handler registered by the owning client runs first, outside the lock, so
// the client can refresh the value before it is reported.
func (s *Store) ServerGet(ctx context.Context, path string) (Value, error) {
	s.mu.Lock()
	n, err := s.lookupRestoredLocked(ctx, path)
	if err != nil {
		s.mu.Unlock()
		return Value{}, err
	}
	if n.mode == ModeCommand {
		s.mu.Unlock()
		return Value{}, fmt.Errorf("%s is a command: %w", path, standarderrors.ErrNotPermitted)
	}
	handler, owned := n.handler, n.owned
	v := n.value
	s.mu.Unlock()

	if handler == nil {
		return v, nil
	}
	handler(AccessEvent{Path: owned, Type: EventRead})

	s.mu.Lock()
	defer s.mu.Unlock()
	n = s.nodes[path]
	if n == nil {
		return Value{}, standarderrors.ErrNotFound
	}
	return n.value, nil
}

// CheckServerSet validates a server write without applying it: the target
// must exist, be a setting, and the incoming kind must match what the
// setting already holds. Nothing is mutated and no handler runs.
func (s *Store) CheckServerSet(ctx context.Context, path string, v Value) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	n, err := s.lookupRestoredLocked(ctx, path)
	if err != nil {
		return err
	}
	return checkServerSetLocked(n, v)
}

func checkServerSetLocked(n *node, v Value) error {
	if n.mode != ModeSetting {
		return fmt.Errorf("%s is not server-writable: %w", n.global, standarderrors.ErrNotPermitted)
	}
	if v.IsNone() {
		return fmt.Errorf("cannot write an unset value to %s: %w", n.global, standarderrors.ErrBadParameter)
	}
	if !n.value.IsNone() && n.value.Kind() != v.Kind() {
		return fmt.Errorf("%s holds %s, cannot write %s: %w",
			n.global, n.value.Kind(), v.Kind(), standarderrors.ErrBadParameter)
	}
	return nil
}

// ServerSet applies one server write: validate, apply, persist, then notify
// the owner's write handler.
func (s *Store) ServerSet(ctx context.Context, path string, v Value) error {
	s.mu.Lock()
	n, err := s.lookupRestoredLocked(ctx, path)
	if err != nil {
		s.mu.Unlock()
		return err
	}
	if err := checkServerSetLocked(n, v); err != nil {
		s.mu.Unlock()
		return err
	}
	n.value = v
	stored := storedValue(path, v)
	handler, owned := n.handler, n.owned
	s.mu.Unlock()

	s.persistOne(ctx, stored)
	if handler != nil {
		handler(AccessEvent{Path: owned, Type: EventWrite})
	}
	return nil
}

// ServerSetMulti applies a batch of server writes with all-or-nothing
// semantics: every target is validated before the first one is touched, so
// a partially invalid batch changes nothing. The values persist as one
// batch and write handlers run afterwards in input order.
func (s *Store) ServerSetMulti(ctx context.Context, leaves []Leaf) error {
	if len(leaves) == 0 {
		return fmt.Errorf("empty write batch: %w", standarderrors.ErrBadParameter)
	}
	s.mu.Lock()
	// Materialize stored setting values first. Restores may drop the lock,
	// so nothing observed in this pass carries into the next one.
	for _, l := range leaves {
		if _, err := s.lookupRestoredLocked(ctx, l.Path); err != nil {
			s.mu.Unlock()
			return fmt.Errorf("%s: %w", l.Path, err)
		}
	}

	// Validate and apply under one continuous lock hold, so a leaf that a
	// client destroys concurrently fails the whole batch instead of leaving
	// it half applied.
	for _, l := range leaves {
		n := s.nodes[l.Path]
		if n == nil {
			s.mu.Unlock()
			return fmt.Errorf("%s: %w", l.Path, standarderrors.ErrNotFound)
		}
		if err := checkServerSetLocked(n, l.Value); err != nil {
			s.mu.Unlock()
			return err
		}
	}

	type notification struct {
		handler Handler
		owned   string
	}
	stored := make([]settings.StoredValue, 0, len(leaves))
	notify := make([]notification, 0, len(leaves))
	for _, l := range leaves {
		n := s.nodes[l.Path]
		n.value = l.Value
		n.restored = true
		stored = append(stored, storedValue(l.Path, l.Value))
		if n.handler != nil {
			notify = append(notify, notification{n.handler, n.owned})
		}
	}
	s.mu.Unlock()

	s.persistBatch(ctx, stored)
	for _, nt := range notify {
		nt.handler(AccessEvent{Path: nt.owned, Type: EventWrite})
	}
	return nil
}

// ServerExec runs the command at path. The owner's handler receives the
// arguments and the reply callback and must call reply exactly once, from
// any goroutine, when the command finishes.
func (s *Store) ServerExec(path string, args Arguments, reply func(error)) error {
	s.mu.Lock()
	n := s.nodes[path]
	if n == nil {
		s.mu.Unlock()
		return standarderrors.ErrNotFound
	}
	if n.mode != ModeCommand {
		s.mu.Unlock()
		return fmt.Errorf("%s is not executable: %w", path, standarderrors.ErrNotPermitted)
	}
	handler, owned := n.handler, n.owned
	s.mu.Unlock()

	if handler == nil {
		return fmt.Errorf("%s has no executor attached: %w", path, standarderrors.ErrUnavailable)
	}
	handler(AccessEvent{Path: owned, Type: EventExec, Args: args, Reply: reply})
	return nil
}

// ReadSubtree collects every readable leaf at or under path, refreshing
// values through read handlers first. Leaves come back sorted by path.
// Command resources carry no value and are skipped; a path matching nothing
// readable returns ErrNotFound.
func (s *Store) ReadSubtree(ctx context.Context, path string) ([]Leaf, error) {
	s.mu.Lock()
	targets := s.collectLocked(path)
	if len(targets) == 0 {
		s.mu.Unlock()
		return nil, standarderrors.ErrNotFound
	}
	// Materialize stored setting values before any handler runs. A node
	// vanishing during a restore just drops out of the result.
	for _, p := range targets {
		if _, err := s.lookupRestoredLocked(ctx, p); err != nil {
			continue
		}
	}
	type pending struct {
		handler Handler
		owned   string
	}
	var handlers []pending
	for _, p := range targets {
		if n := s.nodes[p]; n != nil && n.handler != nil {
			handlers = append(handlers, pending{n.handler, n.owned})
		}
	}
	s.mu.Unlock()

	for _, h := range handlers {
		h.handler(AccessEvent{Path: h.owned, Type: EventRead})
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	// Handlers may have created or destroyed leaves; collect again.
	leaves := make([]Leaf, 0, len(targets))
	for _, p := range s.collectLocked(path) {
		leaves = append(leaves, Leaf{Path: p, Value: s.nodes[p].value})
	}
	if len(leaves) == 0 {
		return nil, standarderrors.ErrNotFound
	}
	sort.Slice(leaves, func(i, j int) bool { return leaves[i].Path < leaves[j].Path })
	return leaves, nil
}

// collectLocked returns the readable leaf paths at or under path.
func (s *Store) collectLocked(path string) []string {
	var out []string
	if n := s.nodes[path]; n != nil && n.mode != ModeCommand {
		out = append(out, path)
	}
	for p, n := range s.nodes {
		if n.mode != ModeCommand && isAncestor(path, p) {
			out = append(out, p)
		}
	}
	return out
}

// PathKind classifies what lives at a path.
type PathKind uint8

const (
	// PathUnknown matches nothing in the tree.
	PathUnknown PathKind = iota
	// PathLeaf is an existing resource.
	PathLeaf
	// PathAncestor has resources below it but none at it.
	PathAncestor
)

// Classify reports what path addresses. For a leaf the resource mode is
// returned as well.
func (s *Store) Classify(path string) (PathKind, Mode) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if n := s.nodes[path]; n != nil {
		return PathLeaf, n.mode
	}
	for p := range s.nodes {
		if isAncestor(path, p) {
			return PathAncestor, 0
		}
	}
	return PathUnknown, 0
}

// create inserts a node, enforcing that paths stay prefix-free and that
// all-digit root segments stay reserved.
func (s *Store) create(owner *Client, owned, global string, mode Mode) error {
	if root := firstSegment(global); allDigits(root) {
		return fmt.Errorf("root segment %q is reserved for the standardized object space: %w",
			root, standarderrors.ErrDuplicate)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.nodes[global]; ok {
		return fmt.Errorf("%s already exists: %w", global, standarderrors.ErrDuplicate)
	}
	for p := range s.nodes {
		if isAncestor(p, global) || isAncestor(global, p) {
			return fmt.Errorf("%s collides with existing resource %s: %w",
				global, p, standarderrors.ErrDuplicate)
		}
	}
	s.nodes[global] = &node{global: global, owned: owned, mode: mode, owner: owner}
	metrics.SetResourceNodeCount(len(s.nodes))
	s.logger.Debugf("created %s as %s", global, mode)
	return nil
}

func (s *Store) setHandler(owner *Client, global string, h Handler) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := s.nodes[global]
	if n == nil {
		return standarderrors.ErrNotFound
	}
	if n.owner != owner {
		return fmt.Errorf("%s belongs to another client: %w", global, standarderrors.ErrNotPermitted)
	}
	n.handler = h
	return nil
}

func (s *Store) destroyOwned(owner *Client) {
	s.mu.Lock()
	defer s.mu.Unlock()
	removed := 0
	for p, n := range s.nodes {
		if n.owner == owner {
			delete(s.nodes, p)
			removed++
		}
	}
	metrics.SetResourceNodeCount(len(s.nodes))
	s.logger.Debugf("destroyed %d resources of %s", removed, owner.appName)
}

func (s *Store) clientGet(ctx context.Context, global string) (Value, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n, err := s.lookupRestoredLocked(ctx, global)
	if err != nil {
		return Value{}, err
	}
	if n.mode == ModeCommand {
		return Value{}, fmt.Errorf("%s holds no value: %w", global, standarderrors.ErrNotPermitted)
	}
	return n.value, nil
}

func (s *Store) clientSet(ctx context.Context, global string, v Value) error {
	s.mu.Lock()
	n := s.nodes[global]
	if n == nil {
		s.mu.Unlock()
		return standarderrors.ErrNotFound
	}
	if n.mode == ModeCommand {
		s.mu.Unlock()
		return fmt.Errorf("%s holds no value: %w", global, standarderrors.ErrNotPermitted)
	}
	n.value = v
	// The write supersedes whatever storage holds; skip the restore.
	n.restored = true
	mode := n.mode
	s.mu.Unlock()

	if mode == ModeSetting {
		if v.IsNone() {
			s.unpersist(ctx, global)
		} else {
			s.persistOne(ctx, storedValue(global, v))
		}
	}
	return nil
}

// persistOne mirrors one applied write to storage. Storage failures do not
// fail the write: the value is live in the tree, the failure is logged and
// counted.
func (s *Store) persistOne(ctx context.Context, v settings.StoredValue) {
	if s.values == nil {
		return
	}
	if err := s.values.SaveResourceValue(ctx, v); err != nil {
		s.logger.Warnf("persisting %s failed: %v", v.Path, err)
		metrics.IncErrorCount(logger.ComponentResourceStore, "persist")
	}
}

func (s *Store) persistBatch(ctx context.Context, vs []settings.StoredValue) {
	if s.values == nil || len(vs) == 0 {
		return
	}
	if batch, ok := s.values.(BatchValueStore); ok {
		if err := batch.SaveResourceValues(ctx, vs); err != nil {
			s.logger.Warnf("persisting %d values failed: %v", len(vs), err)
			metrics.IncErrorCount(logger.ComponentResourceStore, "persist")
		}
		return
	}
	for _, v := range vs {
		s.persistOne(ctx, v)
	}
}

func (s *Store) unpersist(ctx context.Context, path string) {
	if s.values == nil {
		return
	}
	if err := s.values.DeleteResourceValue(ctx, path); err != nil && !errors.Is(err, standarderrors.ErrNotFound) {
		s.logger.Warnf("clearing stored value of %s failed: %v", path, err)
		metrics.IncErrorCount(logger.ComponentResourceStore, "persist")
	}
}

// storedValue converts a live value into its persisted form.
func storedValue(path string, v Value) settings.StoredValue {
	sv := settings.StoredValue{Path: path, Kind: v.kind.String()}
	switch v.kind {
	case KindBool:
		sv.Bool = v.b
	case KindInt:
		sv.Int = v.i
	case KindFloat:
		sv.Float = v.f
	case KindString:
		sv.Str = v.s
	case KindBytes:
		sv.Bytes = append([]byte(nil), v.raw...)
	}
	return sv
}

// valueFromStored converts a persisted record back into a live value.
func valueFromStored(sv settings.StoredValue) (Value, error) {
	switch sv.Kind {
	case "bool":
		return BoolValue(sv.Bool), nil
	case "int":
		return IntValue(sv.Int), nil
	case "float":
		return FloatValue(sv.Float), nil
	case "string":
		return StringValue(sv.Str), nil
	case "bytes":
		return BytesValue(sv.Bytes), nil
	case "none", "":
		return Value{}, nil
	default:
		return Value{}, fmt.Errorf("unknown stored kind %q: %w", sv.Kind, standarderrors.ErrBadParameter)
	}
}
