// Package store implements the key-value repository of the demo daemon.
// Every statement goes through the serialized queue, so the store is safe
// to call from any number of handler goroutines.
package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/edwardaux/fmdb/pkg/fmdb"
)

// ErrNotFound indicates that the requested key does not exist.
var ErrNotFound = errors.New("store: key not found")

// ErrEmptyKey indicates a rejected entry with an empty key.
var ErrEmptyKey = errors.New("store: empty key")

// Entry is one stored key-value pair.
type Entry struct {
	Key   string `json:"key"`
	Value string `json:"value"`
}

// Store persists entries through a serialized database queue.
type Store struct {
	q *fmdb.Queue
}

// New creates a store over the given queue. The schema is expected to be
// migrated already (see migrations/).
func New(q *fmdb.Queue) *Store {
	return &Store{q: q}
}

const upsertSQL = `INSERT INTO kv (key, value) VALUES (?, ?)
ON CONFLICT(key) DO UPDATE SET value = excluded.value`

// Put inserts or replaces the value for key.
func (s *Store) Put(ctx context.Context, key, value string) error {
	if key == "" {
		return ErrEmptyKey
	}
	var opErr error
	err := s.q.WithinTx(ctx, func(ctx context.Context, db *fmdb.DB, rollback *bool) {
		if _, err := db.Exec(ctx, upsertSQL, key, value); err != nil {
			opErr = err
			*rollback = true
		}
	})
	if err != nil {
		return err
	}
	return opErr
}

// Get returns the entry for key, or ErrNotFound.
func (s *Store) Get(ctx context.Context, key string) (Entry, error) {
	entry := Entry{Key: key}
	found := false
	var opErr error

	err := s.q.Within(ctx, func(ctx context.Context, db *fmdb.DB) {
		rows, err := db.Query(ctx, "SELECT value FROM kv WHERE key = ?", key)
		if err != nil {
			return // surfaces through the handle's error flag
		}
		defer rows.Close()
		if rows.Next() {
			if opErr = rows.Scan(&entry.Value); opErr == nil {
				found = true
			}
		}
	})
	if err != nil {
		return Entry{}, err
	}
	if opErr != nil {
		return Entry{}, opErr
	}
	if !found {
		return Entry{}, fmt.Errorf("%w: %s", ErrNotFound, key)
	}
	return entry, nil
}

// List returns all entries ordered by key.
func (s *Store) List(ctx context.Context) ([]Entry, error) {
	var entries []Entry
	var opErr error

	err := s.q.Within(ctx, func(ctx context.Context, db *fmdb.DB) {
		rows, err := db.Query(ctx, "SELECT key, value FROM kv ORDER BY key")
		if err != nil {
			return
		}
		defer rows.Close()
		for rows.Next() {
			var e Entry
			if opErr = rows.Scan(&e.Key, &e.Value); opErr != nil {
				return
			}
			entries = append(entries, e)
		}
		opErr = rows.Err()
	})
	if err != nil {
		return nil, err
	}
	if opErr != nil {
		return nil, opErr
	}
	return entries, nil
}

// Delete removes key, reporting ErrNotFound for a missing key.
func (s *Store) Delete(ctx context.Context, key string) error {
	var affected int64
	var opErr error

	err := s.q.WithinTx(ctx, func(ctx context.Context, db *fmdb.DB, rollback *bool) {
		res, err := db.Exec(ctx, "DELETE FROM kv WHERE key = ?", key)
		if err != nil {
			opErr = err
			*rollback = true
			return
		}
		affected, _ = res.RowsAffected()
	})
	if err != nil {
		return err
	}
	if opErr != nil {
		return opErr
	}
	if affected == 0 {
		return fmt.Errorf("%w: %s", ErrNotFound, key)
	}
	return nil
}

// PutBatch stores entries inside one transaction, wrapping each entry in a
// savepoint: a bad entry is rolled back alone while the rest of the batch
// still commits. Returns the number of applied entries.
func (s *Store) PutBatch(ctx context.Context, entries []Entry) (int, error) {
	applied := 0
	var opErr error

	err := s.q.WithinTx(ctx, func(ctx context.Context, db *fmdb.DB, rollback *bool) {
		for _, e := range entries {
			e := e
			spErr := s.q.WithinSavepoint(ctx, func(ctx context.Context, db *fmdb.DB, spRollback *bool) {
				if e.Key == "" {
					*spRollback = true
					return
				}
				if _, err := db.Exec(ctx, upsertSQL, e.Key, e.Value); err != nil {
					*spRollback = true
					return
				}
				applied++
			})
			if spErr != nil {
				// Savepoint bookkeeping failed; abandon the whole batch.
				opErr = spErr
				*rollback = true
				return
			}
		}
	})
	if err != nil {
		return 0, err
	}
	if opErr != nil {
		return 0, opErr
	}
	return applied, nil
}

// Ping verifies that the database answers through the queue.
func (s *Store) Ping(ctx context.Context) error {
	return s.q.Within(ctx, func(ctx context.Context, db *fmdb.DB) {
		rows, err := db.Query(ctx, "SELECT 1")
		if err != nil {
			return
		}
		_ = rows.Close()
	})
}
