// Copyright (C) 2024 Bazaar Labs, Inc.
// See LICENSE for copying information.

package permcache_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/zeebo/errs"

	"bazaar.io/bazaar/internal/testcontext"
	"bazaar.io/bazaar/replica/permcache"
)

type countingSource struct {
	calls    int
	decision permcache.Decision
	err      error
}

func (source *countingSource) Permissions(ctx context.Context, token string) (permcache.Decision, error) {
	source.calls++
	return source.decision, source.err
}

func TestCacheHitsAndExpiry(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	source := &countingSource{decision: permcache.Decision{Read: true}}
	cache := permcache.New(source, 50*time.Millisecond)

	first, err := cache.Get(ctx, "token")
	require.NoError(t, err)
	require.True(t, first.Read)
	require.Equal(t, 1, source.calls)

	// a warm entry never touches the source
	_, err = cache.Get(ctx, "token")
	require.NoError(t, err)
	require.Equal(t, 1, source.calls)

	// expiry forces a refresh
	time.Sleep(60 * time.Millisecond)
	_, err = cache.Get(ctx, "token")
	require.NoError(t, err)
	require.Equal(t, 2, source.calls)

	cache.Invalidate("token")
	_, err = cache.Get(ctx, "token")
	require.NoError(t, err)
	require.Equal(t, 3, source.calls)
}

func TestCacheErrorsNotCached(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	source := &countingSource{err: errs.New("down")}
	cache := permcache.New(source, time.Minute)

	_, err := cache.Get(ctx, "token")
	require.Error(t, err)
	_, err = cache.Get(ctx, "token")
	require.Error(t, err)
	require.Equal(t, 2, source.calls)
}
