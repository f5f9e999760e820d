// Copyright (C) 2024 Bazaar Labs, Inc.
// See LICENSE for copying information.

package console

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// ResetCode is a single-use, time-limited password reset code. Only its
// hash is stored; a user holds at most one active code.
type ResetCode struct {
	UserID    uuid.UUID
	CodeHash  []byte
	ExpiresAt time.Time
}

// ResetCodes exposes methods to manage password reset codes.
//
// architecture: Database
type ResetCodes interface {
	// Replace stores the code for a user, discarding any previous one.
	Replace(ctx context.Context, code ResetCode) error
	// Get returns the active code for a user, nil when absent.
	Get(ctx context.Context, userID uuid.UUID) (*ResetCode, error)
	// Delete consumes the code.
	Delete(ctx context.Context, userID uuid.UUID) error
}
