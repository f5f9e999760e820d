// Copyright (C) 2024 Bazaar Labs, Inc.
// See LICENSE for copying information.

// Package kvstore describes key/value stores like redis and the in-memory
// test store.
package kvstore

import (
	"context"

	"github.com/zeebo/errs"
)

var (
	// ErrKeyNotFound is used when a key doesn't exist.
	ErrKeyNotFound = errs.Class("key not found")

	// ErrEmptyKey is returned when an empty key is used.
	ErrEmptyKey = errs.Class("empty key")
)

// Key is the type for keys in a Store.
type Key []byte

// Value is the type for values in a Store.
type Value []byte

// Store describes a key/value store.
type Store interface {
	// Put adds a value to the store.
	Put(ctx context.Context, key Key, value Value) error
	// Get gets a value from the store.
	Get(ctx context.Context, key Key) (Value, error)
	// IncrBy atomically increments the integer stored at key.
	IncrBy(ctx context.Context, key Key, delta int64) (int64, error)
	// Delete deletes the key and its value.
	Delete(ctx context.Context, key Key) error
	// Range iterates over all items in unspecified order.
	Range(ctx context.Context, fn func(ctx context.Context, key Key, value Value) error) error
	// Close closes the store.
	Close() error
}

// IsZero returns true if the key is empty.
func (key Key) IsZero() bool { return len(key) == 0 }

// String implements the Stringer interface.
func (key Key) String() string { return string(key) }
