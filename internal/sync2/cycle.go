// Copyright (C) 2024 Bazaar Labs, Inc.
// See LICENSE for copying information.

// Package sync2 provides synchronization primitives for recurring jobs.
package sync2

import (
	"context"
	"sync"
	"sync/atomic"
	"time"
)

// Cycle implements a controllable recurring event. It runs the given
// function once immediately and then on every tick until stopped or the
// context is canceled. Close is safe to call even if Run never started.
type Cycle struct {
	interval time.Duration

	ticker   *time.Ticker
	control  chan interface{}
	stopping chan struct{}
	stopped  chan struct{}

	stopsent int32
	init     sync.Once
}

type (
	cyclePause   struct{}
	cycleResume  struct{}
	cycleTrigger struct {
		done chan struct{}
	}
)

// NewCycle creates a new cycle with the specified interval.
func NewCycle(interval time.Duration) *Cycle {
	return &Cycle{interval: interval}
}

// SetInterval allows changing the interval before starting.
func (cycle *Cycle) SetInterval(interval time.Duration) {
	cycle.interval = interval
}

func (cycle *Cycle) initialize() {
	cycle.init.Do(func() {
		cycle.control = make(chan interface{})
		cycle.stopping = make(chan struct{})
		cycle.stopped = make(chan struct{})
	})
}

func (cycle *Cycle) sendControl(message interface{}) {
	cycle.initialize()
	select {
	case cycle.control <- message:
	case <-cycle.stopping:
	case <-cycle.stopped:
	}
}

// Run runs fn on the cycle's schedule. It returns the first error fn
// returns, or ctx.Err once the context is canceled. Run may be called
// at most once.
func (cycle *Cycle) Run(ctx context.Context, fn func(ctx context.Context) error) error {
	cycle.initialize()
	defer close(cycle.stopped)

	cycle.ticker = time.NewTicker(cycle.interval)
	defer cycle.ticker.Stop()

	if err := fn(ctx); err != nil {
		return err
	}
	for {
		select {
		case <-cycle.ticker.C:
			if err := fn(ctx); err != nil {
				return err
			}

		case message := <-cycle.control:
			switch message := message.(type) {
			case cyclePause:
				cycle.ticker.Stop()
				select {
				case <-cycle.ticker.C:
				default:
				}

			case cycleResume:
				cycle.ticker.Stop()
				cycle.ticker = time.NewTicker(cycle.interval)

			case cycleTrigger:
				if err := fn(ctx); err != nil {
					return err
				}
				if message.done != nil {
					close(message.done)
				}
			}

		case <-cycle.stopping:
			return nil

		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// Close stops the cycle permanently. It never blocks, even when Run was
// never started.
func (cycle *Cycle) Close() {
	cycle.initialize()
	if atomic.CompareAndSwapInt32(&cycle.stopsent, 0, 1) {
		close(cycle.stopping)
	}
}

// Pause pauses the cycle until Resume is called.
func (cycle *Cycle) Pause() {
	cycle.sendControl(cyclePause{})
}

// Resume restarts the ticker from zero.
func (cycle *Cycle) Resume() {
	cycle.sendControl(cycleResume{})
}

// TriggerWait runs the loop out of schedule and waits for completion.
func (cycle *Cycle) TriggerWait() {
	done := make(chan struct{})
	cycle.sendControl(cycleTrigger{done})
	select {
	case <-done:
	case <-cycle.stopping:
	case <-cycle.stopped:
	}
}
