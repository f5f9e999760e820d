// Copyright (C) 2024 Bazaar Labs, Inc.
// See LICENSE for copying information.

package writelog

import (
	"context"
	"encoding/json"
	"os"
	"time"

	"github.com/zeebo/errs"
)

// ErrLeaseHeld is returned when another writer holds a live lease.
var ErrLeaseHeld = errs.Class("lease held")

// leaseState is the on-disk shape of a writer lease.
type leaseState struct {
	Owner     string    `json:"owner"`
	ExpiresAt time.Time `json:"expires_at"`
}

// Lease is a file-backed single-writer lease on the log. A lease that
// expired is reclaimed only after twice the lease period has passed, so
// a paused writer that wakes up inside the grace window never collides
// with a new one.
type Lease struct {
	path   string
	owner  string
	period time.Duration
}

// NewLease prepares a lease handle; nothing is acquired yet.
func NewLease(path, owner string, period time.Duration) *Lease {
	return &Lease{path: path, owner: owner, period: period}
}

// Acquire takes the lease. It fails with ErrLeaseHeld while another
// owner's lease is live or inside the reclaim grace window.
func (lease *Lease) Acquire(ctx context.Context) (err error) {
	defer mon.Task()(&ctx)(&err)

	state, err := lease.read()
	if err != nil {
		return err
	}
	now := time.Now()
	if state != nil && state.Owner != lease.owner {
		reclaimAt := state.ExpiresAt.Add(lease.period)
		if now.Before(reclaimAt) {
			return ErrLeaseHeld.New("%s holds the lease until %s", state.Owner, reclaimAt)
		}
	}
	return lease.write(now.Add(lease.period))
}

// Renew extends an acquired lease. It fails when the lease was lost.
func (lease *Lease) Renew(ctx context.Context) (err error) {
	defer mon.Task()(&ctx)(&err)

	state, err := lease.read()
	if err != nil {
		return err
	}
	if state == nil || state.Owner != lease.owner {
		return ErrLeaseHeld.New("lease lost")
	}
	return lease.write(time.Now().Add(lease.period))
}

// Release drops the lease when still held by this owner.
func (lease *Lease) Release(ctx context.Context) (err error) {
	defer mon.Task()(&ctx)(&err)

	state, err := lease.read()
	if err != nil {
		return err
	}
	if state == nil || state.Owner != lease.owner {
		return nil
	}
	return Error.Wrap(os.Remove(lease.path))
}

func (lease *Lease) read() (*leaseState, error) {
	data, err := os.ReadFile(lease.path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, Error.Wrap(err)
	}
	var state leaseState
	if err := json.Unmarshal(data, &state); err != nil {
		// unreadable lease files count as expired long ago
		return nil, nil
	}
	return &state, nil
}

func (lease *Lease) write(expires time.Time) error {
	data, err := json.Marshal(leaseState{Owner: lease.owner, ExpiresAt: expires})
	if err != nil {
		return Error.Wrap(err)
	}
	tmp := lease.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return Error.Wrap(err)
	}
	return Error.Wrap(os.Rename(tmp, lease.path))
}
