// Copyright (C) 2024 Bazaar Labs, Inc.
// See LICENSE for copying information.

package console_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"bazaar.io/bazaar/bazaar/bazaardb"
	"bazaar.io/bazaar/bazaar/catalog"
	"bazaar.io/bazaar/bazaar/console"
	"bazaar.io/bazaar/bazaar/console/consoleauth"
	"bazaar.io/bazaar/internal/testcontext"
	"bazaar.io/bazaar/internal/testrand"
)

func newTestService(t *testing.T, ctx *testcontext.Context) (*console.Service, *bazaardb.DB) {
	db, err := bazaardb.Open(ctx, zaptest.NewLogger(t), ctx.File("db", "bazaar.db"))
	require.NoError(t, err)
	require.NoError(t, db.MigrateToLatest(ctx))

	service, err := console.NewService(zaptest.NewLogger(t),
		&consoleauth.Hmac{Secret: testrand.BytesN(32)},
		db.Console(), db.Catalog(),
		console.Config{PasswordCost: console.TestPasswordCost})
	require.NoError(t, err)
	return service, db
}

func registerUser(t *testing.T, ctx *testcontext.Context, service *console.Service, username, email string) *console.User {
	user, activation, err := service.CreateUser(ctx, console.CreateUser{
		Username: username,
		Email:    email,
		FullName: username,
		Password: "password123",
	})
	require.NoError(t, err)
	require.NoError(t, service.ActivateAccount(ctx, activation))
	return user
}

func TestCreateUserAndLogin(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()
	service, db := newTestService(t, ctx)
	defer ctx.Check(db.Close)

	user, activation, err := service.CreateUser(ctx, console.CreateUser{
		Username: "alice",
		Email:    "Alice@Example.com",
		FullName: "Alice",
		Password: "password123",
	})
	require.NoError(t, err)
	require.Equal(t, "alice@example.com", user.Email)

	// login refuses before activation
	_, err = service.Token(ctx, "alice@example.com", "password123")
	require.True(t, console.ErrUnverified.Has(err))

	require.NoError(t, service.ActivateAccount(ctx, activation))

	// wrong password
	_, err = service.Token(ctx, "alice@example.com", "wrong")
	require.True(t, console.ErrUnauthorized.Has(err))

	token, err := service.Token(ctx, "alice@example.com", "password123")
	require.NoError(t, err)

	auth, err := service.Authorize(ctx, token)
	require.NoError(t, err)
	require.Equal(t, user.ID, auth.User.ID)
	require.Equal(t, consoleauth.ScopeSession, auth.Claims.Scope)
}

func TestCreateUserValidation(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()
	service, db := newTestService(t, ctx)
	defer ctx.Check(db.Close)

	_, _, err := service.CreateUser(ctx, console.CreateUser{
		Username: "bad name!",
		Email:    "not-an-email",
		Password: "x",
	})
	require.True(t, console.ErrValidation.Has(err))

	registerUser(t, ctx, service, "bob", "bob@example.com")
	_, _, err = service.CreateUser(ctx, console.CreateUser{
		Username: "bob2",
		Email:    "bob@example.com",
		Password: "password123",
	})
	require.True(t, console.ErrConflict.Has(err))
}

func TestPasswordReset(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()
	service, db := newTestService(t, ctx)
	defer ctx.Check(db.Close)

	registerUser(t, ctx, service, "carol", "carol@example.com")

	code, err := service.RequestPasswordReset(ctx, "carol@example.com")
	require.NoError(t, err)

	require.True(t, console.ErrUnauthorized.Has(
		service.ResetPassword(ctx, "carol@example.com", "wrong-code", "newpassword")))

	require.NoError(t, service.ResetPassword(ctx, "carol@example.com", code, "newpassword"))

	_, err = service.Token(ctx, "carol@example.com", "password123")
	require.True(t, console.ErrUnauthorized.Has(err))
	_, err = service.Token(ctx, "carol@example.com", "newpassword")
	require.NoError(t, err)

	// the code is single use
	require.True(t, console.ErrUnauthorized.Has(
		service.ResetPassword(ctx, "carol@example.com", code, "another")))
}

func TestUploadTokenLifetime(t *testing.T) {
	require.Equal(t, 15*time.Minute, console.UploadTokenLifetime(0))
	require.Equal(t, 15*time.Minute+100*time.Second, console.UploadTokenLifetime(100<<20))
	require.Equal(t, 24*time.Hour, console.UploadTokenLifetime(1<<50))
}

func TestIssueUploadTokenReservesName(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()
	service, db := newTestService(t, ctx)
	defer ctx.Check(db.Close)

	user := registerUser(t, ctx, service, "dave", "dave@example.com")
	authed := console.WithAuth(ctx, console.Authorization{User: *user})

	token, modelID, err := service.IssueUploadToken(authed, "classifier", "ndb", 10<<20)
	require.NoError(t, err)

	claims, err := service.AuthorizeUploadToken(ctx, token)
	require.NoError(t, err)
	require.Equal(t, modelID, claims.ModelID)
	require.Equal(t, "classifier", claims.ModelName)

	// the row is reserved before any bytes arrive
	model, err := db.Catalog().Models().Get(ctx, modelID)
	require.NoError(t, err)
	require.Equal(t, catalog.NotStarted, model.TrainState)

	// second issue for the same pair fails
	_, _, err = service.IssueUploadToken(authed, "classifier", "ndb", 0)
	require.True(t, catalog.ErrNameTaken.Has(err))

	// a session token is not an upload token
	session, err := service.Token(ctx, "dave@example.com", "password123")
	require.NoError(t, err)
	_, err = service.AuthorizeUploadToken(ctx, session)
	require.True(t, console.ErrUnauthorized.Has(err))
}

func TestTeamLifecycle(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()
	service, db := newTestService(t, ctx)
	defer ctx.Check(db.Close)

	admin := registerUser(t, ctx, service, "erin", "erin@example.com")
	member := registerUser(t, ctx, service, "frank", "frank@example.com")
	outsider := registerUser(t, ctx, service, "grace", "grace@example.com")

	adminCtx := console.WithAuth(ctx, console.Authorization{User: *admin})
	outsiderCtx := console.WithAuth(ctx, console.Authorization{User: *outsider})

	team, err := service.CreateTeam(adminCtx, "platform")
	require.NoError(t, err)

	// creator is team admin
	membership, err := db.Console().TeamMembers().Get(ctx, admin.ID, team.ID)
	require.NoError(t, err)
	require.Equal(t, console.RoleTeamAdmin, membership.Role)

	require.NoError(t, service.AddTeamMember(adminCtx, team.ID, "frank@example.com", console.RoleMember))

	// non-admins cannot manage the team
	err = service.AddTeamMember(outsiderCtx, team.ID, "grace@example.com", console.RoleMember)
	require.True(t, console.ErrForbidden.Has(err))

	require.NoError(t, service.AssignTeamAdmin(adminCtx, team.ID, member.ID))

	members, err := service.TeamMemberships(adminCtx, team.ID)
	require.NoError(t, err)
	require.Len(t, members, 2)

	// only global admins delete teams
	err = service.DeleteTeam(adminCtx, team.ID)
	require.True(t, console.ErrForbidden.Has(err))
}

func TestResolveModelPermission(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()
	service, db := newTestService(t, ctx)
	defer ctx.Check(db.Close)

	owner := registerUser(t, ctx, service, "henry", "henry@example.com")
	member := registerUser(t, ctx, service, "iris", "iris@example.com")

	ownerCtx := console.WithAuth(ctx, console.Authorization{User: *owner})
	team, err := service.CreateTeam(ownerCtx, "vision")
	require.NoError(t, err)
	require.NoError(t, service.AddTeamMember(ownerCtx, team.ID, "iris@example.com", console.RoleMember))

	teamID := team.ID
	model, err := db.Catalog().Models().Insert(ctx, &catalog.Model{
		ID: testrand.UUID(), Name: "detector", OwnerID: owner.ID, Kind: "ndb",
		Access: catalog.AccessProtected, TeamID: &teamID,
		DefaultPermission: catalog.PermRead,
	})
	require.NoError(t, err)

	decision, err := service.ResolveModelPermission(ctx, catalog.Viewer{UserID: owner.ID}, *model)
	require.NoError(t, err)
	require.True(t, decision.Owner)
	require.Equal(t, catalog.PermWrite, decision.Perm)

	decision, err = service.ResolveModelPermission(ctx, catalog.Viewer{UserID: member.ID}, *model)
	require.NoError(t, err)
	require.False(t, decision.Owner)
	require.Equal(t, catalog.PermRead, decision.Perm)

	// explicit grant raises the member to write
	require.NoError(t, db.Catalog().Permissions().Upsert(ctx, catalog.ModelPermission{
		UserID: member.ID, ModelID: model.ID, Perm: catalog.PermWrite,
	}))
	decision, err = service.ResolveModelPermission(ctx, catalog.Viewer{UserID: member.ID}, *model)
	require.NoError(t, err)
	require.Equal(t, catalog.PermWrite, decision.Perm)

	// the synthetic public principal never sees a protected model
	decision, err = service.ResolveModelPermission(ctx, catalog.Viewer{Public: true}, *model)
	require.NoError(t, err)
	require.Equal(t, catalog.PermNone, decision.Perm)
}
