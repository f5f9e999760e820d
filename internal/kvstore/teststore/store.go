// Copyright (C) 2024 Bazaar Labs, Inc.
// See LICENSE for copying information.

// Package teststore implements an in-memory kvstore.Store for testing and
// single-process deployments.
package teststore

import (
	"context"
	"strconv"
	"sync"

	"bazaar.io/bazaar/internal/kvstore"
)

// Store implements kvstore.Store in memory.
type Store struct {
	mu   sync.Mutex
	data map[string][]byte
}

// New creates a new in-memory store.
func New() *Store {
	return &Store{data: map[string][]byte{}}
}

// Put adds a value to the store.
func (store *Store) Put(ctx context.Context, key kvstore.Key, value kvstore.Value) error {
	if key.IsZero() {
		return kvstore.ErrEmptyKey.New("")
	}
	store.mu.Lock()
	defer store.mu.Unlock()
	store.data[key.String()] = append([]byte(nil), value...)
	return nil
}

// Get gets a value from the store.
func (store *Store) Get(ctx context.Context, key kvstore.Key) (kvstore.Value, error) {
	if key.IsZero() {
		return nil, kvstore.ErrEmptyKey.New("")
	}
	store.mu.Lock()
	defer store.mu.Unlock()
	value, ok := store.data[key.String()]
	if !ok {
		return nil, kvstore.ErrKeyNotFound.New("%q", key)
	}
	return append([]byte(nil), value...), nil
}

// IncrBy atomically increments the integer stored at key.
func (store *Store) IncrBy(ctx context.Context, key kvstore.Key, delta int64) (int64, error) {
	if key.IsZero() {
		return 0, kvstore.ErrEmptyKey.New("")
	}
	store.mu.Lock()
	defer store.mu.Unlock()

	current := int64(0)
	if raw, ok := store.data[key.String()]; ok {
		parsed, err := strconv.ParseInt(string(raw), 10, 64)
		if err != nil {
			return 0, kvstore.ErrKeyNotFound.Wrap(err)
		}
		current = parsed
	}
	current += delta
	store.data[key.String()] = []byte(strconv.FormatInt(current, 10))
	return current, nil
}

// Delete deletes the key and its value.
func (store *Store) Delete(ctx context.Context, key kvstore.Key) error {
	if key.IsZero() {
		return kvstore.ErrEmptyKey.New("")
	}
	store.mu.Lock()
	defer store.mu.Unlock()
	delete(store.data, key.String())
	return nil
}

// Range iterates over all items in unspecified order.
func (store *Store) Range(ctx context.Context, fn func(context.Context, kvstore.Key, kvstore.Value) error) error {
	store.mu.Lock()
	snapshot := make(map[string][]byte, len(store.data))
	for k, v := range store.data {
		snapshot[k] = append([]byte(nil), v...)
	}
	store.mu.Unlock()

	for k, v := range snapshot {
		if err := fn(ctx, kvstore.Key(k), kvstore.Value(v)); err != nil {
			return err
		}
	}
	return nil
}

// Close closes the store.
func (store *Store) Close() error { return nil }
