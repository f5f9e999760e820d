// Copyright (C) 2024 Bazaar Labs, Inc.
// See LICENSE for copying information.

package catalog

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Message levels.
const (
	LevelWarning = "warning"
	LevelError   = "error"
)

// JobMessage is an append-only diagnostic attached to a model's train or
// deploy job.
type JobMessage struct {
	ID        int64
	ModelID   uuid.UUID
	CreatedAt time.Time
	Kind      string // train or deploy
	Level     string
	Text      string
}

// JobMessages exposes methods to manage the append-only job message log.
//
// architecture: Database
type JobMessages interface {
	// Add appends a message.
	Add(ctx context.Context, msg JobMessage) error
	// ListByModel returns all messages for a model ordered by time.
	ListByModel(ctx context.Context, modelID uuid.UUID) ([]JobMessage, error)
}
