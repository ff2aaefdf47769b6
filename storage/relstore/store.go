// Copyright 2026 The firma-sign Authors
// This file is part of the firma-sign library.
//
// The firma-sign library is free software: you can redistribute it and/or modify
// it under the terms of the GNU Lesser General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// The firma-sign library is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU Lesser General Public License for more details.
//
// You should have received a copy of the GNU Lesser General Public License
// along with the firma-sign library. If not, see <http://www.gnu.org/licenses/>.

// Package relstore is the durable relational record of transfers, documents
// and recipients, backed by SQLite. The engine is single-writer; callers
// serialize mutations per transfer above this layer.
package relstore

import (
	"context"
	"database/sql"
	"errors"
	"time"

	sqlite3 "github.com/mattn/go-sqlite3"
	log "github.com/sirupsen/logrus"

	"github.com/firma-sign/go-firma-sign/errs"
)

const schema = `
CREATE TABLE IF NOT EXISTS transfers (
	id                  TEXT PRIMARY KEY,
	type                TEXT NOT NULL,
	status              TEXT NOT NULL,
	sender_id           TEXT,
	sender_name         TEXT,
	sender_email        TEXT,
	sender_public_key   TEXT,
	sender_timestamp    INTEGER,
	sender_verification TEXT,
	transport_type      TEXT NOT NULL,
	transport_config    TEXT,
	metadata            TEXT,
	created_at          INTEGER NOT NULL,
	updated_at          INTEGER NOT NULL
);
CREATE TABLE IF NOT EXISTS documents (
	id                     TEXT PRIMARY KEY,
	transfer_id            TEXT NOT NULL REFERENCES transfers(id) ON DELETE CASCADE,
	file_name              TEXT NOT NULL,
	file_size              INTEGER NOT NULL,
	file_hash              TEXT NOT NULL,
	status                 TEXT NOT NULL,
	original_document_id   TEXT,
	signed_at              INTEGER,
	signed_by              TEXT,
	blockchain_tx_original TEXT,
	blockchain_tx_signed   TEXT,
	created_at             INTEGER NOT NULL
);
CREATE TABLE IF NOT EXISTS recipients (
	id          TEXT PRIMARY KEY,
	transfer_id TEXT NOT NULL REFERENCES transfers(id) ON DELETE CASCADE,
	identifier  TEXT NOT NULL,
	transport   TEXT NOT NULL,
	status      TEXT NOT NULL,
	preferences TEXT,
	notified_at INTEGER,
	viewed_at   INTEGER,
	signed_at   INTEGER,
	created_at  INTEGER NOT NULL,
	UNIQUE (transfer_id, identifier, transport)
);
CREATE INDEX IF NOT EXISTS idx_transfers_type ON transfers(type);
CREATE INDEX IF NOT EXISTS idx_transfers_status ON transfers(status);
CREATE INDEX IF NOT EXISTS idx_transfers_created_at ON transfers(created_at);
CREATE INDEX IF NOT EXISTS idx_documents_transfer_id ON documents(transfer_id);
CREATE INDEX IF NOT EXISTS idx_documents_status ON documents(status);
CREATE INDEX IF NOT EXISTS idx_recipients_transfer_id ON recipients(transfer_id);
CREATE INDEX IF NOT EXISTS idx_recipients_status ON recipients(status);
`

// Store owns the SQLite handle.
type Store struct {
	db   *sql.DB
	path string
}

// Open creates or opens the database at path. ":memory:" works for tests.
// Foreign keys are always enforced.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite3", path+"?_foreign_keys=on&_busy_timeout=5000")
	if err != nil {
		return nil, errs.Wrap(errs.OperationFailed, "relstore.Open", err)
	}
	// go-sqlite3 is fickle about raced opens of a fresh database; a single
	// connection also gives us the single-writer property we assume.
	db.SetMaxOpenConns(1)
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, errs.Wrap(errs.OperationFailed, "relstore.Open", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, errs.Wrap(errs.OperationFailed, "relstore.Open", err)
	}
	log.WithField("path", path).Info("relational store opened")
	return &Store{db: db, path: path}, nil
}

// Close releases the database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

// querier abstracts over the bare handle and a transaction.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
}

// Tx is one ACID transaction over the three tables. Nested transactions are
// not supported.
type Tx struct {
	q querier
}

// WithTx runs fn inside a transaction, committing on nil and rolling back on
// error or panic.
func (s *Store) WithTx(ctx context.Context, fn func(tx *Tx) error) error {
	raw, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return errs.Wrap(errs.OperationFailed, "relstore.WithTx", err)
	}
	tx := &Tx{q: raw}
	defer func() {
		if p := recover(); p != nil {
			raw.Rollback()
			panic(p)
		}
	}()
	if err := fn(tx); err != nil {
		raw.Rollback()
		return err
	}
	if err := raw.Commit(); err != nil {
		return errs.Wrap(errs.OperationFailed, "relstore.WithTx", err)
	}
	return nil
}

// WithTx on a live transaction is a programming error and fails with
// NestedTransaction.
func (tx *Tx) WithTx(ctx context.Context, fn func(tx *Tx) error) error {
	return errs.New(errs.NestedTransaction, "relstore.WithTx", "transaction already open")
}

// View gives ad-hoc read/write access outside an explicit transaction.
func (s *Store) View() *Tx {
	return &Tx{q: s.db}
}

func now() int64 { return time.Now().Unix() }

// notFound maps sql.ErrNoRows onto the taxonomy.
func notFound(op string, err error) error {
	if errors.Is(err, sql.ErrNoRows) {
		return errs.Wrap(errs.NotFound, op, err)
	}
	return errs.Wrap(errs.OperationFailed, op, err)
}

func isUniqueViolation(err error) bool {
	var serr sqlite3.Error
	if errors.As(err, &serr) {
		return serr.Code == sqlite3.ErrConstraint
	}
	return false
}
