// Copyright (C) 2024 Bazaar Labs, Inc.
// See LICENSE for copying information.

package catalog

import (
	"context"

	"github.com/google/uuid"
)

// Permission is an effective access right on a model.
type Permission int

// Permission levels, ordered so that comparisons are meaningful.
const (
	PermNone Permission = iota
	PermRead
	PermWrite
)

// String implements the Stringer interface.
func (p Permission) String() string {
	switch p {
	case PermRead:
		return "read"
	case PermWrite:
		return "write"
	}
	return "none"
}

// ParsePermission parses "read" or "write".
func ParsePermission(s string) (Permission, bool) {
	switch s {
	case "read":
		return PermRead, true
	case "write":
		return PermWrite, true
	}
	return PermNone, false
}

// ModelPermission is an explicit per-user grant overriding the model's
// default permission.
type ModelPermission struct {
	UserID  uuid.UUID
	ModelID uuid.UUID
	Perm    Permission
}

// TeamStanding is the caller's relation to the model's team.
type TeamStanding int

// Team standings.
const (
	NotMember TeamStanding = iota
	Member
	TeamAdmin
)

// Decision is the resolver output.
type Decision struct {
	Perm  Permission
	Owner bool
}

// Resolve computes the effective permission of caller on model. It is a
// pure function; the caller supplies the explicit grant and team standing
// looked up from the catalog.
//
// An explicit grant wins over ownership only when more permissive: an
// owner always keeps at least write.
func Resolve(caller Viewer, model Model, standing TeamStanding, override *Permission) Decision {
	owner := !caller.Public && (caller.Admin || caller.UserID == model.OwnerID)

	if override != nil && !caller.Public {
		perm := *override
		if owner && perm < PermWrite {
			perm = PermWrite
		}
		return Decision{Perm: perm, Owner: owner}
	}

	if owner {
		return Decision{Perm: PermWrite, Owner: true}
	}

	if model.Access == AccessProtected && !caller.Public {
		switch standing {
		case TeamAdmin:
			return Decision{Perm: PermWrite, Owner: true}
		case Member:
			return Decision{Perm: model.DefaultPermission}
		}
	}

	if model.Access == AccessPublic {
		return Decision{Perm: model.DefaultPermission}
	}

	return Decision{Perm: PermNone}
}

// Permissions exposes methods to manage explicit model grants.
//
// architecture: Database
type Permissions interface {
	// Get returns the explicit grant for (user, model), nil when absent.
	Get(ctx context.Context, userID, modelID uuid.UUID) (*ModelPermission, error)
	// Upsert sets the explicit grant for (user, model).
	Upsert(ctx context.Context, perm ModelPermission) error
	// Delete removes the explicit grant.
	Delete(ctx context.Context, userID, modelID uuid.UUID) error
	// ListByModel returns all grants on a model.
	ListByModel(ctx context.Context, modelID uuid.UUID) ([]ModelPermission, error)
}
