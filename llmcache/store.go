// Copyright (C) 2024 Bazaar Labs, Inc.
// See LICENSE for copying information.

// Package llmcache implements the semantic response cache: per-model
// cached LLM answers indexed in a bbolt store, with an append-only
// insert log that a refresh job folds in off the serving path.
package llmcache

import (
	"bytes"
	"encoding/json"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/spacemonkeygo/monkit/v3"
	"github.com/zeebo/errs"
	bolt "go.etcd.io/bbolt"
)

var mon = monkit.Package()

var (
	// Error is the default llmcache errs class.
	Error = errs.Class("llmcache")

	// ErrUnauthorized is returned on missing or invalid tokens.
	ErrUnauthorized = errs.Class("cache unauthorized")

	// ErrValidation is returned on malformed requests.
	ErrValidation = errs.Class("cache validation")
)

// metaBucket holds per-model invalidation watermarks.
var metaBucket = []byte("_meta")

// Entry is one cached response.
type Entry struct {
	ID         string    `json:"id"`
	Query      string    `json:"query"`
	Tokens     []string  `json:"tokens"`
	ChunkID    string    `json:"chunk_id,omitempty"`
	Response   string    `json:"response"`
	InsertedAt time.Time `json:"inserted_at"`
}

func marshalEntry(entry Entry) ([]byte, error) {
	data, err := json.Marshal(entry)
	return data, Error.Wrap(err)
}

// Store is the bbolt-backed cache index, one bucket per model. The
// refresh job replaces the file atomically; reads notice the swap by
// mtime and reopen before touching the database.
type Store struct {
	mu    sync.Mutex
	path  string
	db    *bolt.DB
	mtime time.Time
}

// OpenStore opens or creates the store file.
func OpenStore(path string) (*Store, error) {
	store := &Store{path: path}
	if err := store.reopen(); err != nil {
		return nil, err
	}
	return store, nil
}

// Close closes the underlying database.
func (store *Store) Close() error {
	store.mu.Lock()
	defer store.mu.Unlock()
	if store.db == nil {
		return nil
	}
	err := store.db.Close()
	store.db = nil
	return Error.Wrap(err)
}

func (store *Store) reopen() error {
	if store.db != nil {
		if err := store.db.Close(); err != nil {
			return Error.Wrap(err)
		}
		store.db = nil
	}
	db, err := bolt.Open(store.path, 0644, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return Error.Wrap(err)
	}
	store.db = db
	if info, err := os.Stat(store.path); err == nil {
		store.mtime = info.ModTime()
	}
	return nil
}

// fresh returns the open database, reopening it when the file was
// swapped underneath by a refresh.
func (store *Store) fresh() (*bolt.DB, error) {
	store.mu.Lock()
	defer store.mu.Unlock()

	if store.db == nil {
		return nil, Error.New("store is closed")
	}
	info, err := os.Stat(store.path)
	if err == nil && !info.ModTime().Equal(store.mtime) {
		if err := store.reopen(); err != nil {
			return nil, err
		}
	}
	return store.db, nil
}

// Put stores an entry under its model bucket.
func (store *Store) Put(modelID uuid.UUID, entry Entry) error {
	db, err := store.fresh()
	if err != nil {
		return err
	}
	data, err := json.Marshal(entry)
	if err != nil {
		return Error.Wrap(err)
	}
	return Error.Wrap(db.Update(func(tx *bolt.Tx) error {
		bucket, err := tx.CreateBucketIfNotExists(modelID[:])
		if err != nil {
			return err
		}
		return bucket.Put([]byte(entry.ID), data)
	}))
}

// Suggest returns up to limit cached queries starting with prefix.
func (store *Store) Suggest(modelID uuid.UUID, prefix string, limit int) ([]string, error) {
	db, err := store.fresh()
	if err != nil {
		return nil, err
	}
	prefix = strings.ToLower(strings.TrimSpace(prefix))

	var suggestions []string
	err = db.View(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(modelID[:])
		if bucket == nil {
			return nil
		}
		return bucket.ForEach(func(_, value []byte) error {
			if len(suggestions) >= limit {
				return nil
			}
			var entry Entry
			if err := json.Unmarshal(value, &entry); err != nil {
				return nil
			}
			if strings.HasPrefix(strings.ToLower(entry.Query), prefix) {
				suggestions = append(suggestions, entry.Query)
			}
			return nil
		})
	})
	return suggestions, Error.Wrap(err)
}

// Candidates returns up to limit entries whose query contains, or is
// contained in, the query text. The caller reranks them.
func (store *Store) Candidates(modelID uuid.UUID, query string, limit int) ([]Entry, error) {
	db, err := store.fresh()
	if err != nil {
		return nil, err
	}
	needle := strings.ToLower(strings.TrimSpace(query))

	var candidates []Entry
	err = db.View(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(modelID[:])
		if bucket == nil {
			return nil
		}
		return bucket.ForEach(func(_, value []byte) error {
			if len(candidates) >= limit {
				return nil
			}
			var entry Entry
			if err := json.Unmarshal(value, &entry); err != nil {
				return nil
			}
			cached := strings.ToLower(entry.Query)
			if strings.Contains(cached, needle) || strings.Contains(needle, cached) {
				candidates = append(candidates, entry)
			}
			return nil
		})
	})
	return candidates, Error.Wrap(err)
}

// DropModel removes all cached entries of a model.
func (store *Store) DropModel(modelID uuid.UUID) error {
	db, err := store.fresh()
	if err != nil {
		return err
	}
	return Error.Wrap(db.Update(func(tx *bolt.Tx) error {
		if tx.Bucket(modelID[:]) == nil {
			return nil
		}
		return tx.DeleteBucket(modelID[:])
	}))
}

// SetWatermark records the invalidation time of a model. Buffered log
// entries inserted before it are discarded at the next refresh.
func (store *Store) SetWatermark(modelID uuid.UUID, at time.Time) error {
	db, err := store.fresh()
	if err != nil {
		return err
	}
	value, err := at.UTC().MarshalText()
	if err != nil {
		return Error.Wrap(err)
	}
	return Error.Wrap(db.Update(func(tx *bolt.Tx) error {
		bucket, err := tx.CreateBucketIfNotExists(metaBucket)
		if err != nil {
			return err
		}
		return bucket.Put(modelID[:], value)
	}))
}

// Watermark returns the invalidation time of a model, zero when never
// invalidated.
func (store *Store) Watermark(modelID uuid.UUID) (at time.Time, err error) {
	db, err := store.fresh()
	if err != nil {
		return time.Time{}, err
	}
	err = db.View(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(metaBucket)
		if bucket == nil {
			return nil
		}
		value := bucket.Get(modelID[:])
		if value == nil {
			return nil
		}
		return at.UnmarshalText(bytes.TrimSpace(value))
	})
	return at, Error.Wrap(err)
}
