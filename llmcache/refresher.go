// Copyright (C) 2024 Bazaar Labs, Inc.
// See LICENSE for copying information.

package llmcache

import (
	"context"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/zeebo/errs"
	bolt "go.etcd.io/bbolt"
	"go.uber.org/zap"

	"bazaar.io/bazaar/internal/sync2"
)

// Refresher folds the insert log into the store off the serving path:
// it copies the store file aside, replays buffered inserts into the
// copy and renames it over the original. Readers pick the new file up
// on their next request. Inserts older than a model's invalidation
// watermark are discarded instead of replayed.
type Refresher struct {
	log     *zap.Logger
	store   *Store
	logPath string
	ptrPath string

	Loop *sync2.Cycle
}

// NewRefresher creates a refresher for the store and insert log.
func NewRefresher(log *zap.Logger, store *Store, logPath string, interval time.Duration) *Refresher {
	return &Refresher{
		log:     log,
		store:   store,
		logPath: logPath,
		ptrPath: logPath + ".ptr",
		Loop:    sync2.NewCycle(interval),
	}
}

// Run refreshes on the configured interval until ctx is canceled.
func (refresher *Refresher) Run(ctx context.Context) (err error) {
	defer mon.Task()(&ctx)(&err)
	return refresher.Loop.Run(ctx, refresher.Refresh)
}

// Close stops the loop.
func (refresher *Refresher) Close() error {
	refresher.Loop.Close()
	return nil
}

// Refresh performs one fold. The pointer file advances only after the
// swap, so a crash mid-refresh replays the same entries again, which
// keyed puts tolerate.
func (refresher *Refresher) Refresh(ctx context.Context) (err error) {
	defer mon.Task()(&ctx)(&err)

	offset, err := refresher.readPointer()
	if err != nil {
		return err
	}
	entries, next, err := scanInserts(refresher.logPath, offset)
	if err != nil {
		return err
	}
	if len(entries) == 0 {
		return nil
	}

	rebuildPath := refresher.store.path + ".rebuild"
	if err := copyFile(refresher.store.path, rebuildPath); err != nil {
		return err
	}
	defer func() { _ = os.Remove(rebuildPath) }()

	db, err := bolt.Open(rebuildPath, 0644, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return Error.Wrap(err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		for _, logged := range entries {
			watermark := watermarkIn(tx, logged)
			if !watermark.IsZero() && logged.Entry.InsertedAt.Before(watermark) {
				continue
			}
			bucket, err := tx.CreateBucketIfNotExists(logged.ModelID[:])
			if err != nil {
				return err
			}
			data, err := marshalEntry(logged.Entry)
			if err != nil {
				return err
			}
			if err := bucket.Put([]byte(logged.Entry.ID), data); err != nil {
				return err
			}
		}
		return nil
	})
	err = errs.Combine(err, db.Close())
	if err != nil {
		return Error.Wrap(err)
	}

	if err := os.Rename(rebuildPath, refresher.store.path); err != nil {
		return Error.Wrap(err)
	}
	refresher.log.Debug("cache refreshed", zap.Int("entries", len(entries)))
	return refresher.writePointer(next)
}

func watermarkIn(tx *bolt.Tx, logged LoggedEntry) time.Time {
	bucket := tx.Bucket(metaBucket)
	if bucket == nil {
		return time.Time{}
	}
	value := bucket.Get(logged.ModelID[:])
	if value == nil {
		return time.Time{}
	}
	var at time.Time
	if err := at.UnmarshalText(value); err != nil {
		return time.Time{}
	}
	return at
}

func (refresher *Refresher) readPointer() (int64, error) {
	data, err := os.ReadFile(refresher.ptrPath)
	if os.IsNotExist(err) {
		return 0, nil
	}
	if err != nil {
		return 0, Error.Wrap(err)
	}
	offset, err := strconv.ParseInt(strings.TrimSpace(string(data)), 10, 64)
	if err != nil {
		return 0, Error.Wrap(err)
	}
	return offset, nil
}

func (refresher *Refresher) writePointer(offset int64) error {
	tmp := refresher.ptrPath + ".tmp"
	if err := os.WriteFile(tmp, []byte(strconv.FormatInt(offset, 10)), 0644); err != nil {
		return Error.Wrap(err)
	}
	return Error.Wrap(os.Rename(tmp, refresher.ptrPath))
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return Error.Wrap(err)
	}
	defer func() { _ = in.Close() }()

	out, err := os.Create(dst)
	if err != nil {
		return Error.Wrap(err)
	}
	_, err = io.Copy(out, in)
	return Error.Wrap(errs.Combine(err, out.Close()))
}
