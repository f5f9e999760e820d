// Copyright (C) 2024 Bazaar Labs, Inc.
// See LICENSE for copying information.

package console

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// TeamRole is the role of a user within a team.
type TeamRole string

// Team roles.
const (
	RoleMember    TeamRole = "member"
	RoleTeamAdmin TeamRole = "team_admin"
)

// Valid reports whether the role is a known value.
func (r TeamRole) Valid() bool {
	return r == RoleMember || r == RoleTeamAdmin
}

// Team is a named group of users sharing protected models.
type Team struct {
	ID        uuid.UUID
	Name      string
	CreatedAt time.Time
}

// TeamMembership links a user to a team with a role. The pair
// (user, team) is unique.
type TeamMembership struct {
	UserID    uuid.UUID
	TeamID    uuid.UUID
	Role      TeamRole
	CreatedAt time.Time
}

// Teams exposes methods to manage the teams table.
//
// architecture: Database
type Teams interface {
	// Insert adds a team. Team names are unique.
	Insert(ctx context.Context, team *Team) (*Team, error)
	// Get returns a team by id.
	Get(ctx context.Context, id uuid.UUID) (*Team, error)
	// GetByName returns a team by name.
	GetByName(ctx context.Context, name string) (*Team, error)
	// List returns all teams.
	List(ctx context.Context) ([]Team, error)
	// Delete removes a team and its memberships.
	Delete(ctx context.Context, id uuid.UUID) error
}

// TeamMembers exposes methods to manage team memberships.
//
// architecture: Database
type TeamMembers interface {
	// Upsert inserts a membership or updates its role.
	Upsert(ctx context.Context, membership TeamMembership) error
	// Get returns the membership of (user, team), nil when absent.
	Get(ctx context.Context, userID, teamID uuid.UUID) (*TeamMembership, error)
	// GetByTeam returns all memberships of a team.
	GetByTeam(ctx context.Context, teamID uuid.UUID) ([]TeamMembership, error)
	// GetByUser returns all memberships of a user.
	GetByUser(ctx context.Context, userID uuid.UUID) ([]TeamMembership, error)
	// Delete removes a membership.
	Delete(ctx context.Context, userID, teamID uuid.UUID) error
}
