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

package basic

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"

	"github.com/tetherdm/tether-agent/pkg/tools/safejson"
)

// memoryStore keeps collections in nested maps guarded by a RWMutex.
// Documents round-trip through JSON on every read and write, which both
// isolates them from caller mutation and makes their value shapes match
// what the SQLite backend returns.
type memoryStore struct {
	mu          sync.RWMutex
	collections map[string]map[string]Document
	closed      bool
}

// NewMemoryStore returns a Store keeping everything in process memory.
// It backs tests and diskless deployments; nothing survives a restart.
func NewMemoryStore() Store {
	return &memoryStore{
		collections: make(map[string]map[string]Document),
	}
}

func (s *memoryStore) CreateCollection(ctx context.Context, name string, schema *Schema) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	if err := validateCollectionName(name); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrClosed
	}

	if _, ok := s.collections[name]; !ok {
		s.collections[name] = make(map[string]Document)
	}

	return nil
}

func (s *memoryStore) DropCollection(ctx context.Context, name string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	if err := validateCollectionName(name); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrClosed
	}

	delete(s.collections, name)

	return nil
}

func (s *memoryStore) Insert(ctx context.Context, collection string, doc Document) (string, error) {
	id := uuid.New().String()
	if err := s.put(ctx, collection, id, doc, false); err != nil {
		return "", err
	}

	return id, nil
}

func (s *memoryStore) Upsert(ctx context.Context, collection string, id string, doc Document) error {
	if id == "" {
		return fmt.Errorf("document id cannot be empty")
	}

	return s.put(ctx, collection, id, doc, false)
}

func (s *memoryStore) Update(ctx context.Context, collection string, id string, doc Document) error {
	return s.put(ctx, collection, id, doc, true)
}

// put stores a clone of doc under id. With mustExist set it fails with
// ErrNotFound instead of creating the document.
func (s *memoryStore) put(ctx context.Context, collection string, id string, doc Document, mustExist bool) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	clone, err := cloneDocument(doc)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrClosed
	}

	coll, err := s.collection(collection)
	if err != nil {
		return err
	}

	if mustExist {
		if _, ok := coll[id]; !ok {
			return ErrNotFound
		}
	}

	coll[id] = clone

	return nil
}

func (s *memoryStore) Get(ctx context.Context, collection string, id string) (Document, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, ErrClosed
	}

	coll, err := s.collection(collection)
	if err != nil {
		return nil, err
	}

	doc, ok := coll[id]
	if !ok {
		return nil, ErrNotFound
	}

	return cloneDocument(doc)
}

func (s *memoryStore) Delete(ctx context.Context, collection string, id string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrClosed
	}

	coll, err := s.collection(collection)
	if err != nil {
		return err
	}

	if _, ok := coll[id]; !ok {
		return ErrNotFound
	}

	delete(coll, id)

	return nil
}

func (s *memoryStore) Find(ctx context.Context, collection string, query Query) ([]Document, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, ErrClosed
	}

	coll, err := s.collection(collection)
	if err != nil {
		return nil, err
	}

	var documents []Document

	for _, doc := range coll {
		if !matchesFilter(doc, query.Filter) {
			continue
		}

		clone, err := cloneDocument(doc)
		if err != nil {
			return nil, err
		}

		documents = append(documents, clone)
		if query.Limit > 0 && len(documents) == query.Limit {
			break
		}
	}

	return documents, nil
}

func (s *memoryStore) Maintenance(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return ErrClosed
	}

	return nil
}

func (s *memoryStore) BeginTx(ctx context.Context) (Tx, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, ErrClosed
	}

	return &memoryTx{
		store:   s,
		created: make(map[string]bool),
		dropped: make(map[string]bool),
		sets:    make(map[string]map[string]Document),
		deletes: make(map[string]map[string]bool),
	}, nil
}

func (s *memoryStore) Close(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrClosed
	}

	s.closed = true
	s.collections = nil

	return nil
}

// collection must be called with s.mu held.
func (s *memoryStore) collection(name string) (map[string]Document, error) {
	coll, ok := s.collections[name]
	if !ok {
		return nil, fmt.Errorf("unknown collection %q", name)
	}

	return coll, nil
}

// memoryTx buffers writes and applies them to the store atomically on
// Commit. Reads within the transaction see its own uncommitted writes
// overlaid on the committed state.
type memoryTx struct {
	store *memoryStore
	done  bool

	created map[string]bool
	dropped map[string]bool
	sets    map[string]map[string]Document
	deletes map[string]map[string]bool
}

func (t *memoryTx) CreateCollection(ctx context.Context, name string, schema *Schema) error {
	if t.done {
		return ErrTxDone
	}

	if err := ctx.Err(); err != nil {
		return err
	}

	if err := validateCollectionName(name); err != nil {
		return err
	}

	delete(t.dropped, name)
	t.created[name] = true

	return nil
}

func (t *memoryTx) DropCollection(ctx context.Context, name string) error {
	if t.done {
		return ErrTxDone
	}

	if err := ctx.Err(); err != nil {
		return err
	}

	if err := validateCollectionName(name); err != nil {
		return err
	}

	t.dropped[name] = true
	delete(t.created, name)
	delete(t.sets, name)
	delete(t.deletes, name)

	return nil
}

func (t *memoryTx) Insert(ctx context.Context, collection string, doc Document) (string, error) {
	id := uuid.New().String()
	if err := t.Upsert(ctx, collection, id, doc); err != nil {
		return "", err
	}

	return id, nil
}

func (t *memoryTx) Upsert(ctx context.Context, collection string, id string, doc Document) error {
	if t.done {
		return ErrTxDone
	}

	if err := ctx.Err(); err != nil {
		return err
	}

	if id == "" {
		return fmt.Errorf("document id cannot be empty")
	}

	if !t.collectionExists(collection) {
		return fmt.Errorf("unknown collection %q", collection)
	}

	clone, err := cloneDocument(doc)
	if err != nil {
		return err
	}

	if t.sets[collection] == nil {
		t.sets[collection] = make(map[string]Document)
	}

	t.sets[collection][id] = clone
	if t.deletes[collection] != nil {
		delete(t.deletes[collection], id)
	}

	return nil
}

func (t *memoryTx) Get(ctx context.Context, collection string, id string) (Document, error) {
	if t.done {
		return nil, ErrTxDone
	}

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	if !t.collectionExists(collection) {
		return nil, fmt.Errorf("unknown collection %q", collection)
	}

	if t.deletes[collection][id] {
		return nil, ErrNotFound
	}

	if doc, ok := t.sets[collection][id]; ok {
		return cloneDocument(doc)
	}

	t.store.mu.RLock()
	defer t.store.mu.RUnlock()

	coll, ok := t.store.collections[collection]
	if !ok {
		return nil, ErrNotFound
	}

	doc, ok := coll[id]
	if !ok {
		return nil, ErrNotFound
	}

	return cloneDocument(doc)
}

func (t *memoryTx) Update(ctx context.Context, collection string, id string, doc Document) error {
	if _, err := t.Get(ctx, collection, id); err != nil {
		return err
	}

	return t.Upsert(ctx, collection, id, doc)
}

func (t *memoryTx) Delete(ctx context.Context, collection string, id string) error {
	if _, err := t.Get(ctx, collection, id); err != nil {
		return err
	}

	if t.sets[collection] != nil {
		delete(t.sets[collection], id)
	}

	if t.deletes[collection] == nil {
		t.deletes[collection] = make(map[string]bool)
	}

	t.deletes[collection][id] = true

	return nil
}

func (t *memoryTx) Find(ctx context.Context, collection string, query Query) ([]Document, error) {
	if t.done {
		return nil, ErrTxDone
	}

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	if !t.collectionExists(collection) {
		return nil, fmt.Errorf("unknown collection %q", collection)
	}

	// Stored documents are only ever replaced whole, never mutated in
	// place, so holding references past the unlock is safe.
	merged := make(map[string]Document)

	t.store.mu.RLock()
	if coll, ok := t.store.collections[collection]; ok {
		for id, doc := range coll {
			merged[id] = doc
		}
	}
	t.store.mu.RUnlock()

	for id := range t.deletes[collection] {
		delete(merged, id)
	}

	for id, doc := range t.sets[collection] {
		merged[id] = doc
	}

	var documents []Document

	for _, doc := range merged {
		if !matchesFilter(doc, query.Filter) {
			continue
		}

		clone, err := cloneDocument(doc)
		if err != nil {
			return nil, err
		}

		documents = append(documents, clone)
		if query.Limit > 0 && len(documents) == query.Limit {
			break
		}
	}

	return documents, nil
}

func (t *memoryTx) Maintenance(ctx context.Context) error {
	return errTxMaintenance
}

func (t *memoryTx) BeginTx(ctx context.Context) (Tx, error) {
	return nil, errNestedTx
}

func (t *memoryTx) Close(ctx context.Context) error {
	return errTxClose
}

func (t *memoryTx) Commit() error {
	if t.done {
		return ErrTxDone
	}

	t.done = true

	s := t.store
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrClosed
	}

	for name := range t.dropped {
		delete(s.collections, name)
	}

	for name := range t.created {
		if _, ok := s.collections[name]; !ok {
			s.collections[name] = make(map[string]Document)
		}
	}

	for name, docs := range t.sets {
		coll, ok := s.collections[name]
		if !ok {
			coll = make(map[string]Document)
			s.collections[name] = coll
		}

		for id, doc := range docs {
			coll[id] = doc
		}
	}

	for name, ids := range t.deletes {
		coll, ok := s.collections[name]
		if !ok {
			continue
		}

		for id := range ids {
			delete(coll, id)
		}
	}

	return nil
}

func (t *memoryTx) Rollback() error {
	if t.done {
		return nil
	}

	t.done = true
	t.created = nil
	t.dropped = nil
	t.sets = nil
	t.deletes = nil

	return nil
}

// collectionExists resolves a collection name against the transaction
// overlay first, then the committed state.
func (t *memoryTx) collectionExists(name string) bool {
	if t.dropped[name] {
		return false
	}

	if t.created[name] {
		return true
	}

	t.store.mu.RLock()
	defer t.store.mu.RUnlock()

	_, ok := t.store.collections[name]

	return ok
}

// cloneDocument copies doc through a JSON round trip. The copy is
// isolated from the caller and its values carry JSON shapes.
func cloneDocument(doc Document) (Document, error) {
	if doc == nil {
		return nil, nil
	}

	data, err := safejson.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal document: %w", err)
	}

	var out Document
	if err := safejson.Unmarshal(data, &out); err != nil {
		return nil, fmt.Errorf("failed to unmarshal document: %w", err)
	}

	return out, nil
}
