// Copyright (C) 2024 Bazaar Labs, Inc.
// See LICENSE for copying information.

package llmdispatch_test

import (
	"context"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"github.com/zeebo/errs"
	"go.uber.org/zap/zaptest"

	"bazaar.io/bazaar/internal/testcontext"
	"bazaar.io/bazaar/internal/testrand"
	"bazaar.io/bazaar/llmdispatch"
)

type scriptedProvider struct {
	tokens []string
	err    error
}

func (provider *scriptedProvider) Generate(ctx context.Context, prompt string, out chan<- string) error {
	for _, token := range provider.tokens {
		select {
		case out <- token:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return provider.err
}

type recordingInserter struct {
	query    string
	response string
	err      error
	calls    int
}

func (inserter *recordingInserter) Insert(ctx context.Context, modelID uuid.UUID, query, response string) error {
	inserter.calls++
	inserter.query = query
	inserter.response = response
	return inserter.err
}

func TestDispatchStreamsAndCaches(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	provider := &scriptedProvider{tokens: []string{"Refunds ", "take ", "five ", "days."}}
	inserter := &recordingInserter{}
	dispatcher := llmdispatch.NewDispatcher(zaptest.NewLogger(t), provider, inserter, testrand.UUID())

	var streamed []string
	response, err := dispatcher.Dispatch(ctx, "refund policy?", func(token string) error {
		streamed = append(streamed, token)
		return nil
	})
	require.NoError(t, err)
	require.Equal(t, "Refunds take five days.", response)
	require.Equal(t, provider.tokens, streamed)

	require.Equal(t, 1, inserter.calls)
	require.Equal(t, "refund policy?", inserter.query)
	require.Equal(t, "Refunds take five days.", inserter.response)
}

func TestDispatchCacheFailureIsSwallowed(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	provider := &scriptedProvider{tokens: []string{"answer"}}
	inserter := &recordingInserter{err: errs.New("cache down")}
	dispatcher := llmdispatch.NewDispatcher(zaptest.NewLogger(t), provider, inserter, testrand.UUID())

	response, err := dispatcher.Dispatch(ctx, "q", nil)
	require.NoError(t, err)
	require.Equal(t, "answer", response)
	require.Equal(t, 1, inserter.calls)
}

func TestDispatchProviderErrorSkipsCache(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	provider := &scriptedProvider{tokens: []string{"partial "}, err: errs.New("model crashed")}
	inserter := &recordingInserter{}
	dispatcher := llmdispatch.NewDispatcher(zaptest.NewLogger(t), provider, inserter, testrand.UUID())

	_, err := dispatcher.Dispatch(ctx, "q", nil)
	require.Error(t, err)
	require.Zero(t, inserter.calls)
}

func TestDispatchSinkErrorCancelsProvider(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	provider := &scriptedProvider{tokens: make([]string, 1000)}
	for i := range provider.tokens {
		provider.tokens[i] = "x"
	}
	dispatcher := llmdispatch.NewDispatcher(zaptest.NewLogger(t), provider, nil, testrand.UUID())

	_, err := dispatcher.Dispatch(ctx, "q", func(string) error {
		return errs.New("client went away")
	})
	require.Error(t, err)
}
