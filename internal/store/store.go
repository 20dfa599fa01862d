// Package store is the authoritative SQLite store: lookups, objects, routes,
// postings, the per-kind compiler queues and the compiled chunk tables.
//
// Writes are serialized on a single-connection pool; reads use a separate
// pool so status polling and sync reconciliation never wait on a writer.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"sync"
	"time"

	cerrors "github.com/arkilian/chunkindex/internal/errors"
	_ "github.com/mattn/go-sqlite3"
)

// maxInArgs bounds the number of bound parameters in one IN clause.
const maxInArgs = 500

// Store owns the database handles.
type Store struct {
	db     *sql.DB // write connection (single writer)
	readDB *sql.DB // read connection pool
	path   string
	mu     sync.Mutex // serializes write transactions
}

// Open opens (creating if needed) the store at path.
func Open(path string) (*Store, error) {
	dsn := path + "?_journal_mode=WAL&_busy_timeout=5000"

	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("store: failed to open database: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	readDB, err := sql.Open("sqlite3", dsn)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("store: failed to open read database: %w", err)
	}
	readDB.SetMaxOpenConns(4)
	readDB.SetMaxIdleConns(4)
	readDB.SetConnMaxLifetime(5 * time.Minute)

	s := &Store{db: db, readDB: readDB, path: path}
	if err := s.initSchema(); err != nil {
		readDB.Close()
		db.Close()
		return nil, fmt.Errorf("store: failed to initialize schema: %w", err)
	}
	return s, nil
}

func (s *Store) initSchema() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, stmt := range allSchemaSQL() {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("failed to execute schema statement: %w", err)
		}
	}
	return nil
}

// Path returns the database file path.
func (s *Store) Path() string { return s.path }

// Close closes both connection pools.
func (s *Store) Close() error {
	rerr := s.readDB.Close()
	if err := s.db.Close(); err != nil {
		return err
	}
	return rerr
}

// Update runs fn inside one write transaction. The transaction commits only
// if fn returns nil; any error rolls back every write fn made.
func (s *Store) Update(ctx context.Context, fn func(*Tx) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return classify("begin transaction", err)
	}
	defer tx.Rollback()

	if err := fn(&Tx{tx: tx}); err != nil {
		return classify("transaction aborted", err)
	}
	if err := tx.Commit(); err != nil {
		return classify("commit transaction", err)
	}
	return nil
}

// View runs fn inside a read-only transaction on the read pool.
func (s *Store) View(ctx context.Context, fn func(*Tx) error) error {
	tx, err := s.readDB.BeginTx(ctx, &sql.TxOptions{ReadOnly: true})
	if err != nil {
		return classify("begin read transaction", err)
	}
	defer tx.Rollback()

	if err := fn(&Tx{tx: tx}); err != nil {
		return classify("read aborted", err)
	}
	return nil
}

// classify keeps structured errors as they are and wraps everything else as
// a retryable store error.
func classify(op string, err error) error {
	if cerrors.GetCategory(err) != "" {
		return err
	}
	code := cerrors.CodeTxFailed
	if strings.Contains(err.Error(), "database is locked") {
		code = cerrors.CodeLocked
	}
	return cerrors.NewStoreError(code, "store: "+op, err)
}

// Tx is a store transaction handed to Update and View callbacks.
type Tx struct {
	tx *sql.Tx
}

// placeholders returns "?,?,...,?" with n markers.
func placeholders(n int) string {
	if n <= 0 {
		return ""
	}
	return strings.Repeat("?,", n-1) + "?"
}

// batches splits n items into [lo, hi) windows of at most maxInArgs.
func batches(n int, fn func(lo, hi int) error) error {
	for lo := 0; lo < n; lo += maxInArgs {
		hi := lo + maxInArgs
		if hi > n {
			hi = n
		}
		if err := fn(lo, hi); err != nil {
			return err
		}
	}
	return nil
}

func stringArgs(vals []string) []interface{} {
	args := make([]interface{}, len(vals))
	for i, v := range vals {
		args[i] = v
	}
	return args
}

func int64Args(vals []int64) []interface{} {
	args := make([]interface{}, len(vals))
	for i, v := range vals {
		args[i] = v
	}
	return args
}
