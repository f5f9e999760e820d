// Copyright (C) 2024 Bazaar Labs, Inc.
// See LICENSE for copying information.

// Package artifacts implements the chunk-addressed large-object store
// holding model artifacts.
package artifacts

import (
	"context"
	"io"

	"github.com/google/uuid"
	"github.com/zeebo/errs"
)

var (
	// Error is the default artifacts errs class.
	Error = errs.Class("artifacts")

	// ErrNotReserved is returned for chunk writes without a reserve.
	ErrNotReserved = errs.Class("model dir not reserved")

	// ErrMissingChunk is returned by Commit when chunks are absent. The
	// present chunk files are kept so the client can retry.
	ErrMissingChunk = errs.Class("missing chunk")

	// ErrNoArtifact is returned when no committed artifact exists.
	ErrNoArtifact = errs.Class("no artifact")
)

// Store is the chunk-addressed artifact interface. Implementations must
// make Commit atomic with respect to Stream: a reader either sees no
// artifact or the fully committed one.
type Store interface {
	// Reserve idempotently ensures a dedicated directory for the model.
	Reserve(ctx context.Context, modelID uuid.UUID) error
	// PutChunk writes one chunk (index >= 1). Out-of-order and retried
	// writes are legal; a retry replaces the prior bytes atomically.
	PutChunk(ctx context.Context, modelID uuid.UUID, index int, data io.Reader) (int64, error)
	// Commit concatenates chunks 1..total into the final artifact and
	// removes the chunk parts. Only Commit makes the artifact visible.
	Commit(ctx context.Context, modelID uuid.UUID, kind string, total int, compressed bool) (int64, error)
	// PrepareDownload ensures the requested form exists, building the
	// compressed form from the stored one when needed.
	PrepareDownload(ctx context.Context, modelID uuid.UUID, kind string, compressed bool) error
	// Stream opens the committed artifact for reading from offset 0.
	Stream(ctx context.Context, modelID uuid.UUID, kind string, compressed bool) (io.ReadCloser, int64, error)
	// Delete removes artifacts and any per-model data dir.
	Delete(ctx context.Context, modelID uuid.UUID) error
	// DataDir returns the per-model working directory, creating it when
	// absent. Replica logs and job configs live under it.
	DataDir(modelID uuid.UUID) (string, error)
}
