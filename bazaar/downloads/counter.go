// Copyright (C) 2024 Bazaar Labs, Inc.
// See LICENSE for copying information.

// Package downloads tracks model download counts in a live key/value
// cache and periodically flushes them into the catalog.
package downloads

import (
	"context"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/spacemonkeygo/monkit/v3"
	"github.com/zeebo/errs"
	"go.uber.org/zap"

	"bazaar.io/bazaar/bazaar/catalog"
	"bazaar.io/bazaar/internal/kvstore"
	"bazaar.io/bazaar/internal/sync2"
)

var mon = monkit.Package()

// Error is the default downloads errs class.
var Error = errs.Class("downloads")

// Config holds download counter configuration.
type Config struct {
	RedisURL      string        `help:"redis url for the live counter cache, empty for in-memory" default:""`
	FlushInterval time.Duration `help:"how often live counts are flushed to the catalog" default:"1m"`
}

const keyPrefix = "downloads:"

// Counter accumulates download events in a kvstore and flushes them to
// the catalog on a cycle. Counts survive a control plane restart when
// backed by redis; the in-memory backend trades that for zero setup.
//
// architecture: Service
type Counter struct {
	log    *zap.Logger
	cache  kvstore.Store
	models catalog.Models

	Loop *sync2.Cycle
}

// NewCounter creates a download counter on the given cache backend.
func NewCounter(log *zap.Logger, cache kvstore.Store, models catalog.Models, config Config) *Counter {
	return &Counter{
		log:    log,
		cache:  cache,
		models: models,
		Loop:   sync2.NewCycle(config.FlushInterval),
	}
}

// Run starts the flush loop and blocks until ctx is canceled. The
// final flush runs on shutdown so counts are not lost.
func (counter *Counter) Run(ctx context.Context) (err error) {
	defer mon.Task()(&ctx)(&err)

	err = counter.Loop.Run(ctx, counter.Flush)
	flushCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return errs.Combine(err, counter.Flush(flushCtx))
}

// Close stops the flush loop and the cache backend.
func (counter *Counter) Close() error {
	counter.Loop.Close()
	return counter.cache.Close()
}

// Record counts one download of a model.
func (counter *Counter) Record(ctx context.Context, modelID uuid.UUID) (err error) {
	defer mon.Task()(&ctx)(&err)

	_, err = counter.cache.IncrBy(ctx, kvstore.Key(keyPrefix+modelID.String()), 1)
	return Error.Wrap(err)
}

// Pending returns the not yet flushed count for a model.
func (counter *Counter) Pending(ctx context.Context, modelID uuid.UUID) (int64, error) {
	value, err := counter.cache.Get(ctx, kvstore.Key(keyPrefix+modelID.String()))
	if kvstore.ErrKeyNotFound.Has(err) {
		return 0, nil
	}
	if err != nil {
		return 0, Error.Wrap(err)
	}
	count, err := strconv.ParseInt(string(value), 10, 64)
	return count, Error.Wrap(err)
}

// Flush moves accumulated counts into the catalog and resets the cache
// keys it drained. A key is deleted before the catalog write would be
// retried, so a crash between the two loses at most one interval of
// counts rather than double counting.
func (counter *Counter) Flush(ctx context.Context) (err error) {
	defer mon.Task()(&ctx)(&err)

	type pending struct {
		modelID uuid.UUID
		count   int64
	}
	var drained []pending

	err = counter.cache.Range(ctx, func(ctx context.Context, key kvstore.Key, value kvstore.Value) error {
		name := key.String()
		if !strings.HasPrefix(name, keyPrefix) {
			return nil
		}
		modelID, err := uuid.Parse(strings.TrimPrefix(name, keyPrefix))
		if err != nil {
			counter.log.Warn("dropping malformed counter key", zap.String("key", name))
			return counter.cache.Delete(ctx, key)
		}
		count, err := strconv.ParseInt(string(value), 10, 64)
		if err != nil || count == 0 {
			return counter.cache.Delete(ctx, key)
		}
		if err := counter.cache.Delete(ctx, key); err != nil {
			return err
		}
		drained = append(drained, pending{modelID: modelID, count: count})
		return nil
	})
	if err != nil {
		return Error.Wrap(err)
	}

	var group errs.Group
	for _, item := range drained {
		err := counter.models.AddDownloads(ctx, item.modelID, item.count)
		if catalog.ErrNotFound.Has(err) {
			// model deleted since the download, drop the count
			continue
		}
		group.Add(err)
	}
	return Error.Wrap(group.Err())
}
