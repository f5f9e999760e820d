// Copyright (C) 2024 Bazaar Labs, Inc.
// See LICENSE for copying information.

package catalog

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Deployment is a running replica set serving a committed model. The row
// points back at its source model so that deleting the source refuses
// while deployments exist.
type Deployment struct {
	ID        uuid.UUID
	Name      string
	OwnerID   uuid.UUID
	ModelID   uuid.UUID
	State     TrainState // same machine as training
	JobID     string
	Replicas  int
	CreatedAt time.Time
}

// Deployments exposes methods to manage deployment rows.
//
// architecture: Database
type Deployments interface {
	// Insert adds a deployment row. It fails with ErrNameTaken when the
	// (owner, name) pair is in use.
	Insert(ctx context.Context, dep *Deployment) (*Deployment, error)
	// Get returns a deployment by id.
	Get(ctx context.Context, id uuid.UUID) (*Deployment, error)
	// GetByOwnerAndName returns a deployment by its reserved pair.
	GetByOwnerAndName(ctx context.Context, ownerID uuid.UUID, name string) (*Deployment, error)
	// ListByModel returns deployments of a model.
	ListByModel(ctx context.Context, modelID uuid.UUID) ([]Deployment, error)
	// ListActive returns deployments with a live job.
	ListActive(ctx context.Context) ([]Deployment, error)
	// Transition performs a guarded state transition.
	Transition(ctx context.Context, id uuid.UUID, to TrainState, jobID string) error
	// Delete removes the row.
	Delete(ctx context.Context, id uuid.UUID) error
}
