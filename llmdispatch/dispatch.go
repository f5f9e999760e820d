// Copyright (C) 2024 Bazaar Labs, Inc.
// See LICENSE for copying information.

// Package llmdispatch streams provider tokens to the client and feeds
// finished responses into the semantic cache. Cache writes are best
// effort: a cache outage never degrades the answer.
package llmdispatch

import (
	"context"
	"strings"

	"github.com/google/uuid"
	"github.com/spacemonkeygo/monkit/v3"
	"github.com/zeebo/errs"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

var mon = monkit.Package()

// Error is the default llmdispatch errs class.
var Error = errs.Class("llmdispatch")

// tokenBuffer bounds how far the provider may run ahead of a slow
// consumer before it blocks.
const tokenBuffer = 64

// Provider generates a response as a stream of tokens. It must close
// over out only by sending; the dispatcher owns the channel lifecycle
// and cancels ctx when the consumer fails.
type Provider interface {
	Generate(ctx context.Context, prompt string, out chan<- string) error
}

// Inserter posts a finished response to the cache.
type Inserter interface {
	Insert(ctx context.Context, modelID uuid.UUID, query, response string) error
}

// Dispatcher fans provider output to the caller and the cache.
type Dispatcher struct {
	log      *zap.Logger
	provider Provider
	cache    Inserter
	modelID  uuid.UUID
}

// NewDispatcher creates a dispatcher; cache may be nil to disable
// caching entirely.
func NewDispatcher(log *zap.Logger, provider Provider, cache Inserter, modelID uuid.UUID) *Dispatcher {
	return &Dispatcher{
		log:      log,
		provider: provider,
		cache:    cache,
		modelID:  modelID,
	}
}

// Dispatch streams the response for query into sink token by token and
// returns the assembled response. After a successful stream the
// response is posted to the cache; failures there are logged and
// swallowed.
func (dispatcher *Dispatcher) Dispatch(ctx context.Context, query string, sink func(token string) error) (_ string, err error) {
	defer mon.Task()(&ctx)(&err)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	out := make(chan string, tokenBuffer)

	var response strings.Builder
	group, groupCtx := errgroup.WithContext(ctx)
	group.Go(func() error {
		defer close(out)
		return dispatcher.provider.Generate(groupCtx, query, out)
	})
	group.Go(func() error {
		for token := range out {
			response.WriteString(token)
			if sink != nil {
				if err := sink(token); err != nil {
					cancel()
					return Error.Wrap(err)
				}
			}
		}
		return nil
	})
	if err := group.Wait(); err != nil {
		return "", err
	}

	final := response.String()
	if dispatcher.cache != nil && final != "" {
		if err := dispatcher.cache.Insert(ctx, dispatcher.modelID, query, final); err != nil {
			dispatcher.log.Warn("cache insert failed",
				zap.Stringer("model", dispatcher.modelID), zap.Error(err))
		}
	}
	return final, nil
}
