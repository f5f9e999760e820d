// Copyright (C) 2024 Bazaar Labs, Inc.
// See LICENSE for copying information.

package catalog

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"bazaar.io/bazaar/internal/testrand"
)

func perm(p Permission) *Permission { return &p }

func TestResolve(t *testing.T) {
	owner := testrand.UUID()
	stranger := testrand.UUID()

	model := Model{
		ID:                testrand.UUID(),
		OwnerID:           owner,
		Access:            AccessPrivate,
		DefaultPermission: PermRead,
	}

	tests := []struct {
		name     string
		caller   Viewer
		model    Model
		standing TeamStanding
		override *Permission
		want     Decision
	}{
		{
			name:   "owner floor on private",
			caller: Viewer{UserID: owner},
			model:  model,
			want:   Decision{Perm: PermWrite, Owner: true},
		},
		{
			name:   "global admin",
			caller: Viewer{UserID: stranger, Admin: true},
			model:  model,
			want:   Decision{Perm: PermWrite, Owner: true},
		},
		{
			name:   "stranger on private",
			caller: Viewer{UserID: stranger},
			model:  model,
			want:   Decision{Perm: PermNone},
		},
		{
			name:     "explicit grant beats default",
			caller:   Viewer{UserID: stranger},
			model:    model,
			override: perm(PermWrite),
			want:     Decision{Perm: PermWrite},
		},
		{
			name:     "explicit read on own model keeps write",
			caller:   Viewer{UserID: owner},
			model:    model,
			override: perm(PermRead),
			want:     Decision{Perm: PermWrite, Owner: true},
		},
		{
			name:     "protected member gets default",
			caller:   Viewer{UserID: stranger},
			model:    withAccess(model, AccessProtected),
			standing: Member,
			want:     Decision{Perm: PermRead},
		},
		{
			name:     "protected team admin gets write and owner flag",
			caller:   Viewer{UserID: stranger},
			model:    withAccess(model, AccessProtected),
			standing: TeamAdmin,
			want:     Decision{Perm: PermWrite, Owner: true},
		},
		{
			name:   "protected non-member gets none",
			caller: Viewer{UserID: stranger},
			model:  withAccess(model, AccessProtected),
			want:   Decision{Perm: PermNone},
		},
		{
			name:   "public stranger gets default",
			caller: Viewer{UserID: stranger},
			model:  withAccess(model, AccessPublic),
			want:   Decision{Perm: PermRead},
		},
		{
			name:   "public synthetic principal gets default",
			caller: Viewer{Public: true},
			model:  withAccess(model, AccessPublic),
			want:   Decision{Perm: PermRead},
		},
		{
			name:   "public synthetic principal on private gets none",
			caller: Viewer{Public: true},
			model:  model,
			want:   Decision{Perm: PermNone},
		},
		{
			name:     "public synthetic principal ignores overrides",
			caller:   Viewer{Public: true},
			model:    model,
			override: perm(PermWrite),
			want:     Decision{Perm: PermNone},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Resolve(tt.caller, tt.model, tt.standing, tt.override)
			assert.Equal(t, tt.want, got)
		})
	}
}

func withAccess(m Model, a Access) Model {
	m.Access = a
	return m
}

// every (caller, model) pair resolves to exactly one of none/read/write
func TestResolveTotality(t *testing.T) {
	callers := []Viewer{
		{Public: true},
		{UserID: testrand.UUID()},
		{UserID: testrand.UUID(), Admin: true},
	}
	accesses := []Access{AccessPrivate, AccessProtected, AccessPublic}
	standings := []TeamStanding{NotMember, Member, TeamAdmin}
	overrides := []*Permission{nil, perm(PermRead), perm(PermWrite)}

	for _, caller := range callers {
		for _, access := range accesses {
			for _, standing := range standings {
				for _, override := range overrides {
					model := Model{OwnerID: testrand.UUID(), Access: access, DefaultPermission: PermWrite}
					got := Resolve(caller, model, standing, override)
					require.Contains(t, []Permission{PermNone, PermRead, PermWrite}, got.Perm)
				}
			}
		}
	}
}

func TestValidTransition(t *testing.T) {
	require.True(t, ValidTransition(NotStarted, Starting))
	require.True(t, ValidTransition(NotStarted, Failed))
	require.True(t, ValidTransition(Starting, InProgress))
	require.True(t, ValidTransition(Starting, Failed))
	require.True(t, ValidTransition(InProgress, Complete))
	require.True(t, ValidTransition(InProgress, Stopped))

	// terminal states absorb
	for _, terminal := range []TrainState{Complete, Failed, Stopped} {
		for _, to := range []TrainState{NotStarted, Starting, InProgress, Complete, Failed, Stopped} {
			require.False(t, ValidTransition(terminal, to), "%v -> %v", terminal, to)
		}
	}

	// uploaded artifacts jump straight to complete
	require.True(t, ValidTransition(NotStarted, Complete))
	require.False(t, ValidTransition(NotStarted, InProgress))
}

func TestWouldCycle(t *testing.T) {
	// exercised against the real repository in bazaardb tests; here only
	// the self-edge short circuit
	id := testrand.UUID()
	cyclic, err := WouldCycle(nil, nil, id, id)
	require.NoError(t, err)
	require.True(t, cyclic)
}
