// Copyright (C) 2024 Bazaar Labs, Inc.
// See LICENSE for copying information.

package bazaardb

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"bazaar.io/bazaar/bazaar/catalog"
	"bazaar.io/bazaar/bazaar/console"
	"bazaar.io/bazaar/internal/testcontext"
	"bazaar.io/bazaar/internal/testrand"
)

func openTestDB(t *testing.T, ctx *testcontext.Context) *DB {
	db, err := Open(ctx, zaptest.NewLogger(t), ctx.File("db", "bazaar.db"))
	require.NoError(t, err)
	require.NoError(t, db.MigrateToLatest(ctx))
	return db
}

func TestUsersRepository(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()
	db := openTestDB(t, ctx)
	defer ctx.Check(db.Close)

	users := db.Console().Users()

	created, err := users.Insert(ctx, &console.User{
		ID:           testrand.UUID(),
		Username:     "alice",
		Email:        "alice@example.com",
		FullName:     "Alice",
		PasswordHash: []byte("$2a$04$hash"),
	})
	require.NoError(t, err)
	require.False(t, created.CreatedAt.IsZero())

	_, err = users.Insert(ctx, &console.User{
		ID:       testrand.UUID(),
		Username: "alice",
		Email:    "other@example.com",
	})
	require.True(t, console.ErrConflict.Has(err))

	byEmail, err := users.GetByEmail(ctx, "alice@example.com")
	require.NoError(t, err)
	require.Equal(t, created.ID, byEmail.ID)

	byEmail.Verified = true
	require.NoError(t, users.Update(ctx, byEmail))

	fetched, err := users.Get(ctx, created.ID)
	require.NoError(t, err)
	require.True(t, fetched.Verified)
	require.Equal(t, []byte("$2a$04$hash"), fetched.PasswordHash)

	_, err = users.GetByUsername(ctx, "nobody")
	require.True(t, console.ErrNotFound.Has(err))
}

func TestTeamsAndMembers(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()
	db := openTestDB(t, ctx)
	defer ctx.Check(db.Close)

	store := db.Console()

	user, err := store.Users().Insert(ctx, &console.User{
		ID: testrand.UUID(), Username: "bob", Email: "bob@example.com",
	})
	require.NoError(t, err)

	team, err := store.Teams().Insert(ctx, &console.Team{ID: testrand.UUID(), Name: "research"})
	require.NoError(t, err)

	_, err = store.Teams().Insert(ctx, &console.Team{ID: testrand.UUID(), Name: "research"})
	require.True(t, console.ErrConflict.Has(err))

	require.NoError(t, store.TeamMembers().Upsert(ctx, console.TeamMembership{
		UserID: user.ID, TeamID: team.ID, Role: console.RoleMember,
	}))
	// upsert updates the role in place
	require.NoError(t, store.TeamMembers().Upsert(ctx, console.TeamMembership{
		UserID: user.ID, TeamID: team.ID, Role: console.RoleTeamAdmin,
	}))

	membership, err := store.TeamMembers().Get(ctx, user.ID, team.ID)
	require.NoError(t, err)
	require.NotNil(t, membership)
	require.Equal(t, console.RoleTeamAdmin, membership.Role)

	require.NoError(t, store.Teams().Delete(ctx, team.ID))
	membership, err = store.TeamMembers().Get(ctx, user.ID, team.ID)
	require.NoError(t, err)
	require.Nil(t, membership)
}

func TestModelsRepository(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()
	db := openTestDB(t, ctx)
	defer ctx.Check(db.Close)

	models := db.Catalog().Models()
	owner := testrand.UUID()

	created, err := models.Insert(ctx, &catalog.Model{
		ID: testrand.UUID(), Name: "sentiment", OwnerID: owner, Kind: "ndb",
	})
	require.NoError(t, err)
	require.Equal(t, catalog.NotStarted, created.TrainState)

	_, err = models.Insert(ctx, &catalog.Model{
		ID: testrand.UUID(), Name: "sentiment", OwnerID: owner, Kind: "ndb",
	})
	require.True(t, catalog.ErrNameTaken.Has(err))

	// same name under a different owner is fine
	_, err = models.Insert(ctx, &catalog.Model{
		ID: testrand.UUID(), Name: "sentiment", OwnerID: testrand.UUID(), Kind: "ndb",
	})
	require.NoError(t, err)

	require.NoError(t, models.Transition(ctx, created.ID, catalog.Starting, "job-1"))
	require.NoError(t, models.Transition(ctx, created.ID, catalog.InProgress, ""))
	require.NoError(t, models.Transition(ctx, created.ID, catalog.Complete, ""))

	// terminal states absorb further reports
	err = models.Transition(ctx, created.ID, catalog.InProgress, "")
	require.True(t, catalog.ErrInvalidTransition.Has(err))

	fetched, err := models.Get(ctx, created.ID)
	require.NoError(t, err)
	require.Equal(t, catalog.Complete, fetched.TrainState)
	require.Equal(t, "job-1", fetched.JobID)

	require.NoError(t, models.SetSize(ctx, created.ID, 4096))
	require.NoError(t, models.AddDownloads(ctx, created.ID, 2))

	total, err := models.TotalSize(ctx)
	require.NoError(t, err)
	require.Equal(t, int64(4096), total)

	err = models.AddDownloads(ctx, testrand.UUID(), 1)
	require.True(t, catalog.ErrNotFound.Has(err))
}

func TestModelsListVisibility(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()
	db := openTestDB(t, ctx)
	defer ctx.Check(db.Close)

	store := db.Console()
	models := db.Catalog().Models()

	owner, stranger, teammate := testrand.UUID(), testrand.UUID(), testrand.UUID()

	team, err := store.Teams().Insert(ctx, &console.Team{ID: testrand.UUID(), Name: "ml"})
	require.NoError(t, err)
	require.NoError(t, store.TeamMembers().Upsert(ctx, console.TeamMembership{
		UserID: teammate, TeamID: team.ID, Role: console.RoleMember,
	}))

	private, err := models.Insert(ctx, &catalog.Model{
		ID: testrand.UUID(), Name: "private", OwnerID: owner, Kind: "ndb",
	})
	require.NoError(t, err)

	_, err = models.Insert(ctx, &catalog.Model{
		ID: testrand.UUID(), Name: "public", OwnerID: owner, Kind: "ndb",
		Access: catalog.AccessPublic,
	})
	require.NoError(t, err)

	teamID := team.ID
	_, err = models.Insert(ctx, &catalog.Model{
		ID: testrand.UUID(), Name: "protected", OwnerID: owner, Kind: "ndb",
		Access: catalog.AccessProtected, TeamID: &teamID,
	})
	require.NoError(t, err)

	names := func(list []catalog.Model) map[string]bool {
		out := map[string]bool{}
		for _, model := range list {
			out[model.Name] = true
		}
		return out
	}

	list, err := models.List(ctx, catalog.Viewer{UserID: owner}, catalog.ListFilter{})
	require.NoError(t, err)
	require.Equal(t, map[string]bool{"private": true, "public": true, "protected": true}, names(list))

	list, err = models.List(ctx, catalog.Viewer{UserID: stranger}, catalog.ListFilter{})
	require.NoError(t, err)
	require.Equal(t, map[string]bool{"public": true}, names(list))

	list, err = models.List(ctx, catalog.Viewer{UserID: teammate}, catalog.ListFilter{})
	require.NoError(t, err)
	require.Equal(t, map[string]bool{"public": true, "protected": true}, names(list))

	list, err = models.List(ctx, catalog.Viewer{Public: true}, catalog.ListFilter{})
	require.NoError(t, err)
	require.Equal(t, map[string]bool{"public": true}, names(list))

	// an explicit grant opens a private model
	require.NoError(t, db.Catalog().Permissions().Upsert(ctx, catalog.ModelPermission{
		UserID: stranger, ModelID: private.ID, Perm: catalog.PermRead,
	}))
	list, err = models.List(ctx, catalog.Viewer{UserID: stranger}, catalog.ListFilter{})
	require.NoError(t, err)
	require.Equal(t, map[string]bool{"public": true, "private": true}, names(list))
}

func TestMetadataMerge(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()
	db := openTestDB(t, ctx)
	defer ctx.Check(db.Close)

	meta := db.Catalog().Metadata()
	modelID := testrand.UUID()

	// absent record reads as empty maps
	current, err := meta.Get(ctx, modelID)
	require.NoError(t, err)
	require.Empty(t, current.General)

	require.NoError(t, meta.Merge(ctx, catalog.ModelMetadata{
		ModelID: modelID,
		General: map[string]string{"author": "alice"},
		Train:   map[string]string{"epochs": "5"},
	}))
	require.NoError(t, meta.Merge(ctx, catalog.ModelMetadata{
		ModelID: modelID,
		Train:   map[string]string{"epochs": "10", "loss": "0.01"},
	}))

	current, err = meta.Get(ctx, modelID)
	require.NoError(t, err)
	require.Equal(t, map[string]string{"author": "alice"}, current.General)
	require.Equal(t, map[string]string{"epochs": "10", "loss": "0.01"}, current.Train)
}

func TestModelDeleteCascades(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()
	db := openTestDB(t, ctx)
	defer ctx.Check(db.Close)

	cat := db.Catalog()
	owner := testrand.UUID()

	parent, err := cat.Models().Insert(ctx, &catalog.Model{
		ID: testrand.UUID(), Name: "base", OwnerID: owner, Kind: "ndb",
	})
	require.NoError(t, err)
	child, err := cat.Models().Insert(ctx, &catalog.Model{
		ID: testrand.UUID(), Name: "derived", OwnerID: owner, Kind: "ndb",
		ParentID: &parent.ID,
	})
	require.NoError(t, err)

	require.NoError(t, cat.Metadata().Merge(ctx, catalog.ModelMetadata{
		ModelID: parent.ID, General: map[string]string{"k": "v"},
	}))
	require.NoError(t, cat.Dependencies().Add(ctx, catalog.ModelDependency{
		ModelID: child.ID, DependsOnID: parent.ID,
	}))

	require.NoError(t, cat.Models().Delete(ctx, parent.ID))

	// child survives with its parent link cleared
	fetched, err := cat.Models().Get(ctx, child.ID)
	require.NoError(t, err)
	require.Nil(t, fetched.ParentID)

	deps, err := cat.Dependencies().ListForModel(ctx, child.ID)
	require.NoError(t, err)
	require.Empty(t, deps)
}

func TestWithTxRollback(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()
	db := openTestDB(t, ctx)
	defer ctx.Check(db.Close)

	cat := db.Catalog()
	owner := testrand.UUID()

	boom := catalog.Error.New("boom")
	err := cat.WithTx(ctx, func(ctx context.Context, tx catalog.DB) error {
		_, err := tx.Models().Insert(ctx, &catalog.Model{
			ID: testrand.UUID(), Name: "rolled-back", OwnerID: owner, Kind: "ndb",
		})
		require.NoError(t, err)
		return boom
	})
	require.ErrorIs(t, err, boom)

	_, err = cat.Models().GetByOwnerAndName(ctx, owner, "rolled-back")
	require.True(t, catalog.ErrNotFound.Has(err))
}

func TestDeploymentsRepository(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()
	db := openTestDB(t, ctx)
	defer ctx.Check(db.Close)

	cat := db.Catalog()
	owner := testrand.UUID()

	model, err := cat.Models().Insert(ctx, &catalog.Model{
		ID: testrand.UUID(), Name: "served", OwnerID: owner, Kind: "ndb",
	})
	require.NoError(t, err)

	dep, err := cat.Deployments().Insert(ctx, &catalog.Deployment{
		ID: testrand.UUID(), Name: "served-prod", OwnerID: owner, ModelID: model.ID,
	})
	require.NoError(t, err)
	require.Equal(t, 1, dep.Replicas)

	require.NoError(t, cat.Deployments().Transition(ctx, dep.ID, catalog.Starting, "job-9"))

	active, err := cat.Deployments().ListActive(ctx)
	require.NoError(t, err)
	require.Len(t, active, 1)
	require.Equal(t, "job-9", active[0].JobID)

	byModel, err := cat.Deployments().ListByModel(ctx, model.ID)
	require.NoError(t, err)
	require.Len(t, byModel, 1)

	require.NoError(t, cat.Deployments().Delete(ctx, dep.ID))
	_, err = cat.Deployments().Get(ctx, dep.ID)
	require.True(t, catalog.ErrNotFound.Has(err))
}
