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

// Package basic provides the document store the agent uses to keep state
// across restarts and power loss.
//
// Documents are schemaless JSON objects grouped into named collections.
// Two backends implement the same Store interface: a SQLite-backed store
// for devices and an in-memory store for tests and diskless deployments.
// Both round documents through JSON, so readers observe the same value
// shapes on either backend: numbers come back as float64, nested objects
// as map[string]interface{}.
package basic

import (
	"context"
	"reflect"
)

// Document is a single schemaless record.
type Document map[string]interface{}

// Schema reserves room for per-collection constraints. Both backends
// accept a nil schema and enforce nothing today.
type Schema struct{}

// Query narrows Find results.
//
// Filter matches documents whose fields equal every filter value.
// Numeric filter values compare by value rather than type, so an int 3
// matches a stored 3.0. Limit caps the number of returned documents;
// zero means no cap.
type Query struct {
	Filter Document
	Limit  int
}

// Store is a collection-oriented document store.
//
// Implementations are safe for concurrent use. Every method returns
// ErrClosed once Close has been called.
type Store interface {
	// CreateCollection makes a collection available for reads and writes.
	// Creating an existing collection is a no-op.
	CreateCollection(ctx context.Context, name string, schema *Schema) error

	// DropCollection removes a collection together with its documents.
	// Dropping an unknown collection is a no-op.
	DropCollection(ctx context.Context, name string) error

	// Insert stores a new document under a generated id and returns the id.
	Insert(ctx context.Context, collection string, doc Document) (string, error)

	// Upsert stores doc under the given id, replacing any existing
	// document with that id.
	Upsert(ctx context.Context, collection string, id string, doc Document) error

	// Get returns the document stored under id, or ErrNotFound.
	Get(ctx context.Context, collection string, id string) (Document, error)

	// Update replaces the document stored under id as a whole. It returns
	// ErrNotFound when no such document exists.
	Update(ctx context.Context, collection string, id string, doc Document) error

	// Delete removes the document stored under id. It returns ErrNotFound
	// when no such document exists.
	Delete(ctx context.Context, collection string, id string) error

	// Find returns the documents of a collection matching query. Result
	// order is unspecified.
	Find(ctx context.Context, collection string, query Query) ([]Document, error)

	// Maintenance compacts the underlying storage. Call it from a
	// housekeeping loop, never from a hot path.
	Maintenance(ctx context.Context) error

	// BeginTx starts a transaction. Writes inside the transaction become
	// visible to other readers only after Commit.
	BeginTx(ctx context.Context) (Tx, error)

	// Close flushes and releases the store.
	Close(ctx context.Context) error
}

// Tx is a transaction over a Store. It supports the same operations and
// applies them atomically on Commit.
//
// A Tx must not be shared across goroutines. Maintenance, nested BeginTx
// and Close are not available inside a transaction.
type Tx interface {
	Store

	// Commit applies all buffered changes. The transaction is done
	// afterwards; further use returns ErrTxDone.
	Commit() error

	// Rollback discards all buffered changes. Rollback after Commit is a
	// no-op, which keeps the usual defer tx.Rollback() pattern safe.
	Rollback() error
}

// matchesFilter reports whether doc satisfies every equality constraint
// in filter. A nil or empty filter matches everything.
func matchesFilter(doc Document, filter Document) bool {
	for key, want := range filter {
		got, ok := doc[key]
		if !ok || !equalValues(got, want) {
			return false
		}
	}

	return true
}

// equalValues compares two document values, treating all numeric types
// as a single domain so callers can filter with int literals against
// values that round-tripped through JSON as float64.
func equalValues(got, want interface{}) bool {
	gf, gok := asFloat(got)
	wf, wok := asFloat(want)

	if gok && wok {
		return gf == wf
	}

	return reflect.DeepEqual(got, want)
}

func asFloat(v interface{}) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint:
		return float64(n), true
	case uint32:
		return float64(n), true
	case uint64:
		return float64(n), true
	default:
		return 0, false
	}
}
