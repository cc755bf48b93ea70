/*
Copyright 2026 Chainguard, Inc.
SPDX-License-Identifier: Apache-2.0
*/

package prstate

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	bolt "go.etcd.io/bbolt"
)

// ErrNotFound is returned when no record exists under a key.
var ErrNotFound = errors.New("pull request record not found")

// Store persists one Record per migration attempt per feedstock. Records are
// created on first publish and mutated in place; they are never deleted, so
// closed records persist as history. Update exposes the store's
// open → mutate → commit transactional scope.
type Store interface {
	Get(ctx context.Context, key string) (Record, error)
	Put(ctx context.Context, key string, rec Record) error
	Update(ctx context.Context, key string, fn func(rec Record) (Record, error)) error
	Keys(ctx context.Context) ([]string, error)
	Close() error
}

var prBucket = []byte("pull_requests")

// BoltStore is a Store backed by a local bbolt database.
type BoltStore struct {
	db *bolt.DB
}

// OpenBolt opens (creating if needed) the record database at path.
func OpenBolt(path string) (*BoltStore, error) {
	db, err := bolt.Open(path, 0o600, nil)
	if err != nil {
		return nil, fmt.Errorf("opening record store: %w", err)
	}
	if err := db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(prBucket)
		return err
	}); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating bucket: %w", err)
	}
	return &BoltStore{db: db}, nil
}

// Get returns the record stored under key.
func (s *BoltStore) Get(_ context.Context, key string) (Record, error) {
	var rec Record
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(prBucket).Get([]byte(key))
		if data == nil {
			return ErrNotFound
		}
		var err error
		rec, err = FromJSON(data)
		return err
	})
	return rec, err
}

// Put writes the trimmed record under key.
func (s *BoltStore) Put(_ context.Context, key string, rec Record) error {
	data, err := json.Marshal(rec.Trim())
	if err != nil {
		return fmt.Errorf("encoding record: %w", err)
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(prBucket).Put([]byte(key), data)
	})
}

// Update reads the record under key, applies fn, and commits the trimmed
// result within a single transaction. The whole record is read and the whole
// record written back; there is no partial-write concurrency.
func (s *BoltStore) Update(_ context.Context, key string, fn func(rec Record) (Record, error)) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(prBucket)
		data := bucket.Get([]byte(key))
		if data == nil {
			return ErrNotFound
		}
		rec, err := FromJSON(data)
		if err != nil {
			return err
		}
		updated, err := fn(rec)
		if err != nil {
			return err
		}
		out, err := json.Marshal(updated.Trim())
		if err != nil {
			return fmt.Errorf("encoding record: %w", err)
		}
		return bucket.Put([]byte(key), out)
	})
}

// Keys lists every record key in the store.
func (s *BoltStore) Keys(_ context.Context) ([]string, error) {
	var keys []string
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(prBucket).ForEach(func(k, _ []byte) error {
			keys = append(keys, string(k))
			return nil
		})
	})
	return keys, err
}

// Close releases the underlying database.
func (s *BoltStore) Close() error {
	return s.db.Close()
}
