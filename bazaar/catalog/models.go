// Copyright (C) 2024 Bazaar Labs, Inc.
// See LICENSE for copying information.

// Package catalog defines the durable model catalog: model rows, their
// metadata, permissions, dependency links and job messages.
package catalog

import (
	"context"
	"regexp"
	"time"

	"github.com/google/uuid"
	"github.com/zeebo/errs"
)

var (
	// Error is the default catalog errs class.
	Error = errs.Class("catalog")

	// ErrNotFound is returned when an entity does not exist.
	ErrNotFound = errs.Class("catalog not found")

	// ErrNameTaken is returned when an (owner, name) pair is already
	// reserved.
	ErrNameTaken = errs.Class("model name taken")

	// ErrInvalidTransition is returned on a disallowed state change.
	ErrInvalidTransition = errs.Class("invalid state transition")
)

// TrainState is the lifecycle state of a model's training job.
type TrainState string

// Train states.
const (
	NotStarted TrainState = "not_started"
	Starting   TrainState = "starting"
	InProgress TrainState = "in_progress"
	Complete   TrainState = "complete"
	Failed     TrainState = "failed"
	Stopped    TrainState = "stopped"
)

// Valid reports whether the state is a known value.
func (s TrainState) Valid() bool {
	switch s {
	case NotStarted, Starting, InProgress, Complete, Failed, Stopped:
		return true
	}
	return false
}

// Terminal reports whether the state can never transition again.
func (s TrainState) Terminal() bool {
	switch s {
	case Complete, Failed, Stopped:
		return true
	}
	return false
}

// ValidTransition reports whether from may transition to to. Terminal
// states absorb every further report.
func ValidTransition(from, to TrainState) bool {
	if from.Terminal() {
		return false
	}
	switch from {
	case NotStarted:
		// a direct jump to complete happens for uploaded artifacts,
		// which never run a training job
		return to == Starting || to == Complete || to == Failed
	case Starting:
		return to == InProgress || to == Complete || to == Failed || to == Stopped
	case InProgress:
		return to == Complete || to == Failed || to == Stopped
	}
	return false
}

// Access is the visibility level of a model.
type Access string

// Access levels.
const (
	AccessPrivate   Access = "private"
	AccessProtected Access = "protected"
	AccessPublic    Access = "public"
)

// Valid reports whether the access level is one of the known values.
func (a Access) Valid() bool {
	switch a {
	case AccessPrivate, AccessProtected, AccessPublic:
		return true
	}
	return false
}

// Model is a single catalog row. The row exists from the moment a train
// or upload is initiated, irrespective of whether artifact bytes exist.
type Model struct {
	ID                uuid.UUID
	Name              string
	OwnerID           uuid.UUID
	TeamID            *uuid.UUID
	Access            Access
	DefaultPermission Permission
	Kind              string
	SubKind           string
	TrainState        TrainState
	ParentID          *uuid.UUID
	JobID             string
	PublishedAt       time.Time
	SizeBytes         int64
	Downloads         int64
}

var nameRx = regexp.MustCompile(`^[A-Za-z0-9_-]+$`)

// ValidName reports whether name is usable as a model or deployment name.
func ValidName(name string) bool {
	return name != "" && len(name) <= 255 && nameRx.MatchString(name)
}

// ListFilter narrows List results. Zero values match everything.
type ListFilter struct {
	Name    string
	Kind    string
	SubKind string
	Access  Access
}

// Viewer identifies who is asking in visibility-filtered queries.
type Viewer struct {
	UserID uuid.UUID
	Admin  bool
	Public bool // synthetic unauthenticated principal
}

// Models exposes methods to manage the models table.
//
// architecture: Database
type Models interface {
	// Insert adds a model row. It fails with ErrNameTaken when the
	// (owner, name) pair is already reserved.
	Insert(ctx context.Context, model *Model) (*Model, error)
	// Get returns a model by id.
	Get(ctx context.Context, id uuid.UUID) (*Model, error)
	// GetByOwnerAndName returns a model by its reserved pair.
	GetByOwnerAndName(ctx context.Context, ownerID uuid.UUID, name string) (*Model, error)
	// List returns models visible to viewer matching filter.
	List(ctx context.Context, viewer Viewer, filter ListFilter) ([]Model, error)
	// ListActive returns models whose train state is not terminal and
	// not not_started, i.e. the ones with a live job.
	ListActive(ctx context.Context) ([]Model, error)
	// TotalSize returns the sum of committed artifact sizes.
	TotalSize(ctx context.Context) (int64, error)
	// Transition performs a guarded state transition and records the
	// job id when provided. It fails with ErrInvalidTransition when the
	// current state does not allow it.
	Transition(ctx context.Context, id uuid.UUID, to TrainState, jobID string) error
	// UpdateAccess changes the access level and team binding.
	UpdateAccess(ctx context.Context, id uuid.UUID, access Access, teamID *uuid.UUID) error
	// UpdateDefaultPermission changes the default permission.
	UpdateDefaultPermission(ctx context.Context, id uuid.UUID, perm Permission) error
	// SetSize records the committed artifact size.
	SetSize(ctx context.Context, id uuid.UUID, sizeBytes int64) error
	// AddDownloads increments the download counter.
	AddDownloads(ctx context.Context, id uuid.UUID, delta int64) error
	// Delete removes the row, cascading to metadata and permissions and
	// re-parenting children to null.
	Delete(ctx context.Context, id uuid.UUID) error
}
