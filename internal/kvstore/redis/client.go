// Copyright (C) 2024 Bazaar Labs, Inc.
// See LICENSE for copying information.

// Package redis implements a redis backed kvstore.Store.
package redis

import (
	"context"
	"errors"
	"net/url"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/spacemonkeygo/monkit/v3"
	"github.com/zeebo/errs"

	"bazaar.io/bazaar/internal/kvstore"
)

var (
	// Error is a redis error class.
	Error = errs.Class("redis")

	mon = monkit.Package()
)

// Client is the entrypoint into redis.
type Client struct {
	db  *redis.Client
	TTL time.Duration
}

// OpenClient returns a configured Client instance, verifying a successful
// connection to redis.
func OpenClient(ctx context.Context, address, password string, db int) (*Client, error) {
	client := &Client{
		db: redis.NewClient(&redis.Options{
			Addr:     address,
			Password: password,
			DB:       db,
		}),
	}

	if err := client.db.Ping(ctx).Err(); err != nil {
		return nil, Error.New("ping failed: %v", err)
	}
	return client, nil
}

// OpenClientFrom returns a configured Client instance parsed from a
// redis:// address.
func OpenClientFrom(ctx context.Context, address string) (*Client, error) {
	redisurl, err := url.Parse(address)
	if err != nil {
		return nil, Error.Wrap(err)
	}
	if redisurl.Scheme != "redis" {
		return nil, Error.New("not a redis:// formatted address")
	}

	q := redisurl.Query()
	db := 0
	if dbs := q.Get("db"); dbs != "" {
		db, err = strconv.Atoi(dbs)
		if err != nil {
			return nil, Error.Wrap(err)
		}
	}

	return OpenClient(ctx, redisurl.Host, q.Get("password"), db)
}

// Get looks up the provided key from redis.
func (client *Client) Get(ctx context.Context, key kvstore.Key) (_ kvstore.Value, err error) {
	defer mon.Task()(&ctx)(&err)
	if key.IsZero() {
		return nil, kvstore.ErrEmptyKey.New("")
	}

	value, err := client.db.Get(ctx, key.String()).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, kvstore.ErrKeyNotFound.New("%q", key)
	}
	if err != nil {
		return nil, Error.New("get error: %v", err)
	}
	return value, nil
}

// Put adds a value to the provided key in redis.
func (client *Client) Put(ctx context.Context, key kvstore.Key, value kvstore.Value) (err error) {
	defer mon.Task()(&ctx)(&err)
	if key.IsZero() {
		return kvstore.ErrEmptyKey.New("")
	}
	return Error.Wrap(client.db.Set(ctx, key.String(), []byte(value), client.TTL).Err())
}

// IncrBy increments the value stored at key by delta.
func (client *Client) IncrBy(ctx context.Context, key kvstore.Key, delta int64) (_ int64, err error) {
	defer mon.Task()(&ctx)(&err)
	if key.IsZero() {
		return 0, kvstore.ErrEmptyKey.New("")
	}
	res, err := client.db.IncrBy(ctx, key.String(), delta).Result()
	return res, Error.Wrap(err)
}

// Delete deletes a key/value pair from redis.
func (client *Client) Delete(ctx context.Context, key kvstore.Key) (err error) {
	defer mon.Task()(&ctx)(&err)
	if key.IsZero() {
		return kvstore.ErrEmptyKey.New("")
	}
	return Error.Wrap(client.db.Del(ctx, key.String()).Err())
}

// Range iterates over all items in unspecified order.
func (client *Client) Range(ctx context.Context, fn func(context.Context, kvstore.Key, kvstore.Value) error) (err error) {
	defer mon.Task()(&ctx)(&err)

	var cursor uint64
	for {
		keys, next, err := client.db.Scan(ctx, cursor, "", 100).Result()
		if err != nil {
			return Error.New("scan error: %v", err)
		}
		for _, key := range keys {
			value, err := client.db.Get(ctx, key).Bytes()
			if errors.Is(err, redis.Nil) {
				continue
			}
			if err != nil {
				return Error.New("get error: %v", err)
			}
			if err := fn(ctx, kvstore.Key(key), kvstore.Value(value)); err != nil {
				return err
			}
		}
		cursor = next
		if cursor == 0 {
			return nil
		}
	}
}

// Close closes the connection to redis.
func (client *Client) Close() error {
	return client.db.Close()
}
