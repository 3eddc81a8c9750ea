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
	"database/sql"
	"errors"
	"fmt"
	"regexp"
	"sync/atomic"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"

	"github.com/tetherdm/tether-agent/pkg/tools/safejson"
)

var collectionNamePattern = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

// validateCollectionName guards every statement that interpolates the
// collection name into SQL.
func validateCollectionName(name string) error {
	if name == "" {
		return errors.New("collection name cannot be empty")
	}

	if !collectionNamePattern.MatchString(name) {
		return fmt.Errorf("invalid collection name %q: only letters, digits and underscores are allowed, starting with a letter or underscore", name)
	}

	return nil
}

// dbConn is the statement surface shared by *sql.DB and *sql.Tx, letting
// the store and its transactions run the same operations.
type dbConn interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
}

type sqliteStore struct {
	db     *sql.DB
	closed atomic.Bool
}

// NewSQLiteStore opens, or creates, the database file at dbPath.
//
// The connection runs in WAL mode with synchronous=FULL so committed
// writes survive sudden power loss, the failure mode that matters on
// battery powered devices. The pool is pinned to a single connection;
// SQLite allows one writer at a time anyway.
func NewSQLiteStore(dbPath string) (Store, error) {
	connStr := dbPath + "?mode=rwc&_journal_mode=WAL&_synchronous=FULL&_busy_timeout=5000&_cache_size=-8000"

	db, err := sql.Open("sqlite3", connStr)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	if err := db.Ping(); err != nil {
		_ = db.Close()

		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return &sqliteStore{db: db}, nil
}

func (s *sqliteStore) CreateCollection(ctx context.Context, name string, schema *Schema) error {
	if s.closed.Load() {
		return ErrClosed
	}

	return createCollection(ctx, s.db, name)
}

func (s *sqliteStore) DropCollection(ctx context.Context, name string) error {
	if s.closed.Load() {
		return ErrClosed
	}

	return dropCollection(ctx, s.db, name)
}

func (s *sqliteStore) Insert(ctx context.Context, collection string, doc Document) (string, error) {
	if s.closed.Load() {
		return "", ErrClosed
	}

	return insertDocument(ctx, s.db, collection, doc)
}

func (s *sqliteStore) Upsert(ctx context.Context, collection string, id string, doc Document) error {
	if s.closed.Load() {
		return ErrClosed
	}

	return upsertDocument(ctx, s.db, collection, id, doc)
}

func (s *sqliteStore) Get(ctx context.Context, collection string, id string) (Document, error) {
	if s.closed.Load() {
		return nil, ErrClosed
	}

	return getDocument(ctx, s.db, collection, id)
}

func (s *sqliteStore) Update(ctx context.Context, collection string, id string, doc Document) error {
	if s.closed.Load() {
		return ErrClosed
	}

	return updateDocument(ctx, s.db, collection, id, doc)
}

func (s *sqliteStore) Delete(ctx context.Context, collection string, id string) error {
	if s.closed.Load() {
		return ErrClosed
	}

	return deleteDocument(ctx, s.db, collection, id)
}

func (s *sqliteStore) Find(ctx context.Context, collection string, query Query) ([]Document, error) {
	if s.closed.Load() {
		return nil, ErrClosed
	}

	return findDocuments(ctx, s.db, collection, query)
}

func (s *sqliteStore) Maintenance(ctx context.Context) error {
	if s.closed.Load() {
		return ErrClosed
	}

	if _, err := s.db.ExecContext(ctx, `PRAGMA wal_checkpoint(TRUNCATE)`); err != nil {
		return fmt.Errorf("failed to checkpoint wal: %w", err)
	}

	if _, err := s.db.ExecContext(ctx, `PRAGMA optimize`); err != nil {
		return fmt.Errorf("failed to optimize database: %w", err)
	}

	return nil
}

// BeginTx starts a write transaction. The store is pinned to a single
// connection, so other store calls block until Commit or Rollback.
func (s *sqliteStore) BeginTx(ctx context.Context) (Tx, error) {
	if s.closed.Load() {
		return nil, ErrClosed
	}

	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelDefault})
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}

	return &sqliteTx{tx: tx}, nil
}

func (s *sqliteStore) Close(ctx context.Context) error {
	if !s.closed.CompareAndSwap(false, true) {
		return ErrClosed
	}

	// The final checkpoint is best effort; the database stays consistent
	// without it, WAL recovery just takes longer on next open.
	if _, err := s.db.ExecContext(ctx, `PRAGMA wal_checkpoint(TRUNCATE)`); err != nil {
		_ = s.db.Close()

		return fmt.Errorf("failed to checkpoint wal: %w", err)
	}

	if err := s.db.Close(); err != nil {
		return fmt.Errorf("failed to close database: %w", err)
	}

	return nil
}

type sqliteTx struct {
	tx   *sql.Tx
	done bool
}

func (t *sqliteTx) CreateCollection(ctx context.Context, name string, schema *Schema) error {
	if t.done {
		return ErrTxDone
	}

	return createCollection(ctx, t.tx, name)
}

func (t *sqliteTx) DropCollection(ctx context.Context, name string) error {
	if t.done {
		return ErrTxDone
	}

	return dropCollection(ctx, t.tx, name)
}

func (t *sqliteTx) Insert(ctx context.Context, collection string, doc Document) (string, error) {
	if t.done {
		return "", ErrTxDone
	}

	return insertDocument(ctx, t.tx, collection, doc)
}

func (t *sqliteTx) Upsert(ctx context.Context, collection string, id string, doc Document) error {
	if t.done {
		return ErrTxDone
	}

	return upsertDocument(ctx, t.tx, collection, id, doc)
}

func (t *sqliteTx) Get(ctx context.Context, collection string, id string) (Document, error) {
	if t.done {
		return nil, ErrTxDone
	}

	return getDocument(ctx, t.tx, collection, id)
}

func (t *sqliteTx) Update(ctx context.Context, collection string, id string, doc Document) error {
	if t.done {
		return ErrTxDone
	}

	return updateDocument(ctx, t.tx, collection, id, doc)
}

func (t *sqliteTx) Delete(ctx context.Context, collection string, id string) error {
	if t.done {
		return ErrTxDone
	}

	return deleteDocument(ctx, t.tx, collection, id)
}

func (t *sqliteTx) Find(ctx context.Context, collection string, query Query) ([]Document, error) {
	if t.done {
		return nil, ErrTxDone
	}

	return findDocuments(ctx, t.tx, collection, query)
}

func (t *sqliteTx) Maintenance(ctx context.Context) error {
	return errTxMaintenance
}

func (t *sqliteTx) BeginTx(ctx context.Context) (Tx, error) {
	return nil, errNestedTx
}

func (t *sqliteTx) Close(ctx context.Context) error {
	return errTxClose
}

func (t *sqliteTx) Commit() error {
	if t.done {
		return ErrTxDone
	}

	t.done = true
	if err := t.tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}

	return nil
}

func (t *sqliteTx) Rollback() error {
	if t.done {
		return nil
	}

	t.done = true
	if err := t.tx.Rollback(); err != nil {
		return fmt.Errorf("failed to rollback transaction: %w", err)
	}

	return nil
}

func createCollection(ctx context.Context, conn dbConn, name string) error {
	if err := validateCollectionName(name); err != nil {
		return err
	}

	stmt := fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
		id   TEXT PRIMARY KEY,
		data BLOB NOT NULL
	)`, name)

	if _, err := conn.ExecContext(ctx, stmt); err != nil {
		return fmt.Errorf("failed to create collection %q: %w", name, err)
	}

	return nil
}

func dropCollection(ctx context.Context, conn dbConn, name string) error {
	if err := validateCollectionName(name); err != nil {
		return err
	}

	if _, err := conn.ExecContext(ctx, `DROP TABLE IF EXISTS `+name); err != nil {
		return fmt.Errorf("failed to drop collection %q: %w", name, err)
	}

	return nil
}

func insertDocument(ctx context.Context, conn dbConn, collection string, doc Document) (string, error) {
	if err := validateCollectionName(collection); err != nil {
		return "", err
	}

	data, err := marshalDocument(doc)
	if err != nil {
		return "", err
	}

	id := uuid.New().String()
	stmt := fmt.Sprintf(`INSERT INTO %s (id, data) VALUES (?, ?)`, collection)

	if _, err := conn.ExecContext(ctx, stmt, id, data); err != nil {
		return "", fmt.Errorf("failed to insert document: %w", err)
	}

	return id, nil
}

func upsertDocument(ctx context.Context, conn dbConn, collection string, id string, doc Document) error {
	if err := validateCollectionName(collection); err != nil {
		return err
	}

	if id == "" {
		return errors.New("document id cannot be empty")
	}

	data, err := marshalDocument(doc)
	if err != nil {
		return err
	}

	stmt := fmt.Sprintf(`INSERT INTO %s (id, data) VALUES (?, ?)
		ON CONFLICT(id) DO UPDATE SET data = excluded.data`, collection)

	if _, err := conn.ExecContext(ctx, stmt, id, data); err != nil {
		return fmt.Errorf("failed to upsert document: %w", err)
	}

	return nil
}

func getDocument(ctx context.Context, conn dbConn, collection string, id string) (Document, error) {
	if err := validateCollectionName(collection); err != nil {
		return nil, err
	}

	stmt := fmt.Sprintf(`SELECT data FROM %s WHERE id = ?`, collection)

	var data []byte

	err := conn.QueryRowContext(ctx, stmt, id).Scan(&data)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}

		return nil, fmt.Errorf("failed to get document: %w", err)
	}

	return unmarshalDocument(data)
}

func updateDocument(ctx context.Context, conn dbConn, collection string, id string, doc Document) error {
	if err := validateCollectionName(collection); err != nil {
		return err
	}

	data, err := marshalDocument(doc)
	if err != nil {
		return err
	}

	stmt := fmt.Sprintf(`UPDATE %s SET data = ? WHERE id = ?`, collection)

	result, err := conn.ExecContext(ctx, stmt, data, id)
	if err != nil {
		return fmt.Errorf("failed to update document: %w", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}

	if affected == 0 {
		return ErrNotFound
	}

	return nil
}

func deleteDocument(ctx context.Context, conn dbConn, collection string, id string) error {
	if err := validateCollectionName(collection); err != nil {
		return err
	}

	stmt := fmt.Sprintf(`DELETE FROM %s WHERE id = ?`, collection)

	result, err := conn.ExecContext(ctx, stmt, id)
	if err != nil {
		return fmt.Errorf("failed to delete document: %w", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}

	if affected == 0 {
		return ErrNotFound
	}

	return nil
}

func findDocuments(ctx context.Context, conn dbConn, collection string, query Query) ([]Document, error) {
	if err := validateCollectionName(collection); err != nil {
		return nil, err
	}

	rows, err := conn.QueryContext(ctx, `SELECT data FROM `+collection)
	if err != nil {
		return nil, fmt.Errorf("failed to find documents: %w", err)
	}

	defer func() { _ = rows.Close() }()

	var documents []Document

	for rows.Next() {
		var data []byte
		if err := rows.Scan(&data); err != nil {
			return nil, fmt.Errorf("failed to scan row: %w", err)
		}

		doc, err := unmarshalDocument(data)
		if err != nil {
			return nil, err
		}

		if !matchesFilter(doc, query.Filter) {
			continue
		}

		documents = append(documents, doc)
		if query.Limit > 0 && len(documents) == query.Limit {
			break
		}
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	return documents, nil
}

func marshalDocument(doc Document) ([]byte, error) {
	data, err := safejson.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal document: %w", err)
	}

	return data, nil
}

func unmarshalDocument(data []byte) (Document, error) {
	var doc Document
	if err := safejson.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("failed to unmarshal document: %w", err)
	}

	return doc, nil
}
