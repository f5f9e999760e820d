// Copyright (C) 2024 Bazaar Labs, Inc.
// See LICENSE for copying information.

package catalog

import (
	"context"

	"github.com/google/uuid"
)

// ModelMetadata is the 1:1 child record of a model. The back-link is an
// id for lookup only, never navigated as ownership.
type ModelMetadata struct {
	ModelID uuid.UUID
	General map[string]string
	Train   map[string]string
}

// Metadata exposes methods to manage model metadata.
//
// architecture: Database
type Metadata interface {
	// Get returns the metadata for a model, empty maps when absent.
	Get(ctx context.Context, modelID uuid.UUID) (*ModelMetadata, error)
	// Merge upserts the record, merging the provided maps over the
	// stored ones key by key.
	Merge(ctx context.Context, meta ModelMetadata) error
	// Delete removes the record.
	Delete(ctx context.Context, modelID uuid.UUID) error
}
