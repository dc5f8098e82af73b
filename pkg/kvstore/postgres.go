package kvstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

// PostgresStore keeps documents in the kv_documents table. Each update runs
// in its own transaction guarded by a transaction-scoped advisory lock on the
// key, so missing rows are serialized too.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a store on an already migrated database.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const (
	pgSelectDoc  = `SELECT doc FROM kv_documents WHERE key = $1`
	pgLockKey    = `SELECT pg_advisory_xact_lock(hashtext($1))`
	pgUpsertDoc  = `INSERT INTO kv_documents (key, doc, updated_at) VALUES ($1, $2::jsonb, now()) ON CONFLICT (key) DO UPDATE SET doc = EXCLUDED.doc, updated_at = EXCLUDED.updated_at`
	pgDeleteDoc  = `DELETE FROM kv_documents WHERE key = $1`
	pgListPrefix = `SELECT key FROM kv_documents WHERE left(key, length($1)) = $1 ORDER BY key`
)

// Get returns the document stored at key.
func (s *PostgresStore) Get(ctx context.Context, key string) ([]byte, error) {
	var doc []byte
	err := s.db.QueryRowContext(ctx, pgSelectDoc, key).Scan(&doc)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("kvstore: postgres get %q: %w", key, err)
	}
	return doc, nil
}

// Update locks key, reads it, applies fn and writes the result in one
// transaction.
func (s *PostgresStore) Update(ctx context.Context, key string, fn UpdateFunc) (err error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("kvstore: postgres begin %q: %w", key, err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	if _, err = tx.ExecContext(ctx, pgLockKey, key); err != nil {
		return fmt.Errorf("kvstore: postgres lock %q: %w", key, err)
	}

	var current []byte
	err = tx.QueryRowContext(ctx, pgSelectDoc, key).Scan(&current)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		current = nil
	case err != nil:
		return fmt.Errorf("kvstore: postgres read %q: %w", key, err)
	}

	next, write, err := fn(current)
	if err != nil {
		return err
	}

	if write {
		if next == nil {
			_, err = tx.ExecContext(ctx, pgDeleteDoc, key)
		} else {
			_, err = tx.ExecContext(ctx, pgUpsertDoc, key, string(next))
		}
		if err != nil {
			return fmt.Errorf("kvstore: postgres write %q: %w", key, err)
		}
	}

	if err = tx.Commit(); err != nil {
		return fmt.Errorf("kvstore: postgres commit %q: %w", key, err)
	}
	return nil
}

// Delete removes key.
func (s *PostgresStore) Delete(ctx context.Context, key string) error {
	if _, err := s.db.ExecContext(ctx, pgDeleteDoc, key); err != nil {
		return fmt.Errorf("kvstore: postgres delete %q: %w", key, err)
	}
	return nil
}

// Keys lists keys sharing prefix.
func (s *PostgresStore) Keys(ctx context.Context, prefix string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, pgListPrefix, prefix)
	if err != nil {
		return nil, fmt.Errorf("kvstore: postgres list %q: %w", prefix, err)
	}
	defer rows.Close()

	keys := make([]string, 0)
	for rows.Next() {
		var k string
		if err := rows.Scan(&k); err != nil {
			return nil, fmt.Errorf("kvstore: postgres list %q: %w", prefix, err)
		}
		keys = append(keys, k)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("kvstore: postgres list %q: %w", prefix, err)
	}
	return keys, nil
}
