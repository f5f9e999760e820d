// Copyright (C) 2024 Bazaar Labs, Inc.
// See LICENSE for copying information.

package console

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"time"

	"github.com/google/uuid"
	"github.com/spacemonkeygo/monkit/v3"
	"github.com/zeebo/errs"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"

	"bazaar.io/bazaar/bazaar/catalog"
	"bazaar.io/bazaar/bazaar/console/consoleauth"
)

var mon = monkit.Package()

var (
	// Error is the default console errs class.
	Error = errs.Class("console")

	// ErrUnauthorized is returned on credential and token failures.
	ErrUnauthorized = errs.Class("unauthorized")

	// ErrForbidden is returned when the caller lacks permission.
	ErrForbidden = errs.Class("forbidden")

	// ErrUnverified is returned when logging into an unverified account.
	ErrUnverified = errs.Class("account not verified")

	// ErrConflict is returned on unique constraint violations.
	ErrConflict = errs.Class("conflict")
)

const (
	sessionTokenLifetime    = 24 * time.Hour
	activationTokenLifetime = 24 * time.Hour
	resetCodeLifetime       = 30 * time.Minute

	uploadTokenMinimum = 15 * time.Minute
	uploadTokenMaximum = 24 * time.Hour
	uploadTokenPerMB   = time.Second

	// DefaultPasswordCost is the bcrypt hashing complexity.
	DefaultPasswordCost = bcrypt.DefaultCost
	// TestPasswordCost is the hashing complexity to use for testing.
	TestPasswordCost = bcrypt.MinCost
)

// Config holds console service configuration.
type Config struct {
	PasswordCost int `help:"bcrypt cost for password hashing, 0 means default" default:"0"`
}

// Service handles accounts, teams and token issuance.
//
// architecture: Service
type Service struct {
	log    *zap.Logger
	signer consoleauth.Signer

	store   DB
	catalog catalog.DB

	passwordCost int
}

// NewService returns a new instance of Service.
func NewService(log *zap.Logger, signer consoleauth.Signer, store DB, catalogDB catalog.DB, config Config) (*Service, error) {
	if log == nil {
		return nil, Error.New("log can't be nil")
	}
	if signer == nil {
		return nil, Error.New("signer can't be nil")
	}
	if store == nil {
		return nil, Error.New("store can't be nil")
	}
	if catalogDB == nil {
		return nil, Error.New("catalog can't be nil")
	}

	cost := config.PasswordCost
	if cost == 0 {
		cost = DefaultPasswordCost
	}

	return &Service{
		log:          log,
		signer:       signer,
		store:        store,
		catalog:      catalogDB,
		passwordCost: cost,
	}, nil
}

// CreateUser hashes the password and creates a new unverified user. It
// returns the user together with an activation token for the
// verification email.
func (s *Service) CreateUser(ctx context.Context, create CreateUser) (u *User, activationToken string, err error) {
	defer mon.Task()(&ctx)(&err)

	if err := create.IsValid(); err != nil {
		return nil, "", err
	}

	email := NormalizeEmail(create.Email)

	if existing, _ := s.store.Users().GetByEmail(ctx, email); existing != nil {
		return nil, "", ErrConflict.New("%s is already in use", email)
	}
	if existing, _ := s.store.Users().GetByUsername(ctx, create.Username); existing != nil {
		return nil, "", ErrConflict.New("username %s is already in use", create.Username)
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(create.Password), s.passwordCost)
	if err != nil {
		return nil, "", Error.Wrap(err)
	}

	u, err = s.store.Users().Insert(ctx, &User{
		ID:           uuid.New(),
		Username:     create.Username,
		Email:        email,
		FullName:     create.FullName,
		PasswordHash: hash,
	})
	if err != nil {
		return nil, "", Error.Wrap(err)
	}

	activationToken, err = consoleauth.CreateToken(&consoleauth.Claims{
		ID:         u.ID,
		Email:      email,
		Scope:      consoleauth.ScopeSession,
		Expiration: time.Now().Add(activationTokenLifetime),
	}, s.signer)
	if err != nil {
		return nil, "", Error.Wrap(err)
	}

	return u, activationToken, nil
}

// ActivateAccount marks the account verified using an activation token.
func (s *Service) ActivateAccount(ctx context.Context, activationToken string) (err error) {
	defer mon.Task()(&ctx)(&err)

	claims, err := consoleauth.ValidateToken(activationToken, s.signer, time.Now())
	if err != nil {
		return ErrUnauthorized.Wrap(err)
	}

	user, err := s.store.Users().Get(ctx, claims.ID)
	if err != nil {
		return ErrUnauthorized.New("no user for activation token")
	}
	if user.Verified {
		return nil
	}

	user.Verified = true
	return Error.Wrap(s.store.Users().Update(ctx, user))
}

// Token authenticates a user by credentials and returns a session token.
func (s *Service) Token(ctx context.Context, email, password string) (token string, err error) {
	defer mon.Task()(&ctx)(&err)

	user, err := s.store.Users().GetByEmail(ctx, NormalizeEmail(email))
	if err != nil {
		return "", ErrUnauthorized.New("invalid credentials")
	}

	if err := bcrypt.CompareHashAndPassword(user.PasswordHash, []byte(password)); err != nil {
		return "", ErrUnauthorized.New("invalid credentials")
	}

	if !user.Verified {
		return "", ErrUnverified.New("account %s is not verified", user.Email)
	}

	return consoleauth.CreateToken(&consoleauth.Claims{
		ID:         user.ID,
		Email:      user.Email,
		Scope:      consoleauth.ScopeSession,
		Expiration: time.Now().Add(sessionTokenLifetime),
	}, s.signer)
}

// Authorize validates a session token and returns the Authorization.
func (s *Service) Authorize(ctx context.Context, token string) (a Authorization, err error) {
	defer mon.Task()(&ctx)(&err)

	claims, err := consoleauth.ValidateToken(token, s.signer, time.Now())
	if err != nil {
		return Authorization{}, ErrUnauthorized.Wrap(err)
	}
	if claims.Scope != consoleauth.ScopeSession {
		return Authorization{}, ErrUnauthorized.New("not a session token")
	}

	user, err := s.store.Users().Get(ctx, claims.ID)
	if err != nil {
		return Authorization{}, ErrUnauthorized.New("no user with id %s", claims.ID)
	}

	return Authorization{User: *user, Claims: *claims}, nil
}

// RequestPasswordReset issues a reset code for the account, replacing any
// previous one. The plain code is returned for the reset email.
func (s *Service) RequestPasswordReset(ctx context.Context, email string) (code string, err error) {
	defer mon.Task()(&ctx)(&err)

	user, err := s.store.Users().GetByEmail(ctx, NormalizeEmail(email))
	if err != nil {
		return "", ErrUnauthorized.New("no account for %s", email)
	}

	raw := make([]byte, 16)
	if _, err := rand.Read(raw); err != nil {
		return "", Error.Wrap(err)
	}
	code = hex.EncodeToString(raw)

	hash, err := bcrypt.GenerateFromPassword([]byte(code), s.passwordCost)
	if err != nil {
		return "", Error.Wrap(err)
	}

	err = s.store.ResetCodes().Replace(ctx, ResetCode{
		UserID:    user.ID,
		CodeHash:  hash,
		ExpiresAt: time.Now().Add(resetCodeLifetime),
	})
	return code, Error.Wrap(err)
}

// ResetPassword consumes a reset code and sets a new password.
func (s *Service) ResetPassword(ctx context.Context, email, code, newPassword string) (err error) {
	defer mon.Task()(&ctx)(&err)

	if len(newPassword) < passwordMinLength {
		return ErrValidation.New("password must be at least %d characters", passwordMinLength)
	}

	user, err := s.store.Users().GetByEmail(ctx, NormalizeEmail(email))
	if err != nil {
		return ErrUnauthorized.New("no account for %s", email)
	}

	stored, err := s.store.ResetCodes().Get(ctx, user.ID)
	if err != nil || stored == nil {
		return ErrUnauthorized.New("no active reset code")
	}
	if time.Now().After(stored.ExpiresAt) {
		return ErrUnauthorized.New("reset code expired")
	}
	if err := bcrypt.CompareHashAndPassword(stored.CodeHash, []byte(code)); err != nil {
		return ErrUnauthorized.New("reset code mismatch")
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(newPassword), s.passwordCost)
	if err != nil {
		return Error.Wrap(err)
	}

	user.PasswordHash = hash
	if err := s.store.Users().Update(ctx, user); err != nil {
		return Error.Wrap(err)
	}
	return Error.Wrap(s.store.ResetCodes().Delete(ctx, user.ID))
}

// UploadTokenLifetime computes the token expiry for a declared upload
// size: a floor of 15 minutes plus a linear term per megabyte, capped at
// 24 hours.
func UploadTokenLifetime(sizeBytes int64) time.Duration {
	lifetime := uploadTokenMinimum + time.Duration(sizeBytes/(1<<20))*uploadTokenPerMB
	if lifetime > uploadTokenMaximum {
		lifetime = uploadTokenMaximum
	}
	return lifetime
}

// IssueUploadToken reserves the (owner, name) pair by creating the model
// row and issues a narrowly scoped upload token, as one transactional
// step. It fails when the pair already maps to a model row.
func (s *Service) IssueUploadToken(ctx context.Context, modelName, kind string, sizeBytes int64) (token string, modelID uuid.UUID, err error) {
	defer mon.Task()(&ctx)(&err)

	auth, err := GetAuth(ctx)
	if err != nil {
		return "", uuid.Nil, err
	}

	if !catalog.ValidName(modelName) {
		return "", uuid.Nil, ErrValidation.New("invalid model name %q", modelName)
	}

	model := &catalog.Model{
		ID:                uuid.New(),
		Name:              modelName,
		OwnerID:           auth.User.ID,
		Access:            catalog.AccessPrivate,
		DefaultPermission: catalog.PermRead,
		Kind:              kind,
		TrainState:        catalog.NotStarted,
	}

	err = s.catalog.WithTx(ctx, func(ctx context.Context, tx catalog.DB) error {
		if existing, _ := tx.Models().GetByOwnerAndName(ctx, auth.User.ID, modelName); existing != nil {
			return catalog.ErrNameTaken.New("%s/%s", auth.User.Username, modelName)
		}
		_, err := tx.Models().Insert(ctx, model)
		return err
	})
	if err != nil {
		return "", uuid.Nil, err
	}

	token, err = consoleauth.CreateToken(&consoleauth.Claims{
		ID:         auth.User.ID,
		Scope:      consoleauth.ScopeUpload,
		ModelID:    model.ID,
		ModelName:  modelName,
		Expiration: time.Now().Add(UploadTokenLifetime(sizeBytes)),
	}, s.signer)
	if err != nil {
		return "", uuid.Nil, Error.Wrap(err)
	}

	return token, model.ID, nil
}

// IssueJobToken issues a token for a runner job to report progress on a
// model. Its lifetime covers the longest plausible job run.
func (s *Service) IssueJobToken(ctx context.Context, modelID uuid.UUID, lifetime time.Duration) (token string, err error) {
	defer mon.Task()(&ctx)(&err)

	return consoleauth.CreateToken(&consoleauth.Claims{
		ID:         modelID,
		Scope:      consoleauth.ScopeJob,
		ModelID:    modelID,
		Expiration: time.Now().Add(lifetime),
	}, s.signer)
}

// AuthorizeJobToken validates a job token and returns its claims.
func (s *Service) AuthorizeJobToken(ctx context.Context, token string) (*consoleauth.Claims, error) {
	claims, err := consoleauth.ValidateToken(token, s.signer, time.Now())
	if err != nil {
		return nil, ErrUnauthorized.Wrap(err)
	}
	if claims.Scope != consoleauth.ScopeJob {
		return nil, ErrUnauthorized.New("not a job token")
	}
	return claims, nil
}

// AuthorizeUploadToken validates an upload token and returns its claims.
func (s *Service) AuthorizeUploadToken(ctx context.Context, token string) (*consoleauth.Claims, error) {
	claims, err := consoleauth.ValidateToken(token, s.signer, time.Now())
	if err != nil {
		return nil, ErrUnauthorized.Wrap(err)
	}
	if claims.Scope != consoleauth.ScopeUpload {
		return nil, ErrUnauthorized.New("not an upload token")
	}
	return claims, nil
}

// ResolveModelPermission returns the effective permission of viewer on
// model, consulting team membership and explicit grants.
func (s *Service) ResolveModelPermission(ctx context.Context, viewer catalog.Viewer, model catalog.Model) (d catalog.Decision, err error) {
	defer mon.Task()(&ctx)(&err)

	var override *catalog.Permission
	if !viewer.Public {
		grant, err := s.catalog.Permissions().Get(ctx, viewer.UserID, model.ID)
		if err != nil {
			return catalog.Decision{}, Error.Wrap(err)
		}
		if grant != nil {
			override = &grant.Perm
		}
	}

	standing := catalog.NotMember
	if !viewer.Public && model.Access == catalog.AccessProtected && model.TeamID != nil {
		membership, err := s.store.TeamMembers().Get(ctx, viewer.UserID, *model.TeamID)
		if err != nil {
			return catalog.Decision{}, Error.Wrap(err)
		}
		if membership != nil {
			standing = catalog.Member
			if membership.Role == RoleTeamAdmin {
				standing = catalog.TeamAdmin
			}
		}
	}

	return catalog.Resolve(viewer, model, standing, override), nil
}

// CreateTeam creates a team and makes the caller its team admin.
func (s *Service) CreateTeam(ctx context.Context, name string) (t *Team, err error) {
	defer mon.Task()(&ctx)(&err)

	auth, err := GetAuth(ctx)
	if err != nil {
		return nil, err
	}
	if name == "" {
		return nil, ErrValidation.New("team name is required")
	}

	err = s.store.WithTx(ctx, func(ctx context.Context, tx DB) error {
		if existing, _ := tx.Teams().GetByName(ctx, name); existing != nil {
			return ErrConflict.New("team %s already exists", name)
		}

		t, err = tx.Teams().Insert(ctx, &Team{ID: uuid.New(), Name: name})
		if err != nil {
			return err
		}
		return tx.TeamMembers().Upsert(ctx, TeamMembership{
			UserID: auth.User.ID,
			TeamID: t.ID,
			Role:   RoleTeamAdmin,
		})
	})
	if err != nil {
		return nil, err
	}
	return t, nil
}

// AddTeamMember adds a user to a team. The caller must be a global admin
// or a team admin of the team.
func (s *Service) AddTeamMember(ctx context.Context, teamID uuid.UUID, email string, role TeamRole) (err error) {
	defer mon.Task()(&ctx)(&err)

	if !role.Valid() {
		return ErrValidation.New("invalid role %q", role)
	}
	if err := s.requireTeamAdmin(ctx, teamID); err != nil {
		return err
	}

	user, err := s.store.Users().GetByEmail(ctx, NormalizeEmail(email))
	if err != nil {
		return Error.New("no user with email %s", email)
	}

	return Error.Wrap(s.store.TeamMembers().Upsert(ctx, TeamMembership{
		UserID: user.ID,
		TeamID: teamID,
		Role:   role,
	}))
}

// AssignTeamAdmin promotes an existing member to team admin.
func (s *Service) AssignTeamAdmin(ctx context.Context, teamID, userID uuid.UUID) (err error) {
	defer mon.Task()(&ctx)(&err)

	if err := s.requireTeamAdmin(ctx, teamID); err != nil {
		return err
	}

	membership, err := s.store.TeamMembers().Get(ctx, userID, teamID)
	if err != nil {
		return Error.Wrap(err)
	}
	if membership == nil {
		return Error.New("user %s is not a member of team %s", userID, teamID)
	}

	membership.Role = RoleTeamAdmin
	return Error.Wrap(s.store.TeamMembers().Upsert(ctx, *membership))
}

// RemoveTeamMember removes a user from a team.
func (s *Service) RemoveTeamMember(ctx context.Context, teamID, userID uuid.UUID) (err error) {
	defer mon.Task()(&ctx)(&err)

	if err := s.requireTeamAdmin(ctx, teamID); err != nil {
		return err
	}
	return Error.Wrap(s.store.TeamMembers().Delete(ctx, userID, teamID))
}

// DeleteTeam removes a team. Only global admins may delete teams.
func (s *Service) DeleteTeam(ctx context.Context, teamID uuid.UUID) (err error) {
	defer mon.Task()(&ctx)(&err)

	auth, err := GetAuth(ctx)
	if err != nil {
		return err
	}
	if !auth.User.Admin {
		return ErrForbidden.New("only global admins may delete teams")
	}
	return Error.Wrap(s.store.Teams().Delete(ctx, teamID))
}

// ListTeams returns all teams.
func (s *Service) ListTeams(ctx context.Context) (teams []Team, err error) {
	defer mon.Task()(&ctx)(&err)

	if _, err := GetAuth(ctx); err != nil {
		return nil, err
	}
	return s.store.Teams().List(ctx)
}

// TeamMemberships returns the memberships of a team.
func (s *Service) TeamMemberships(ctx context.Context, teamID uuid.UUID) (members []TeamMembership, err error) {
	defer mon.Task()(&ctx)(&err)

	if _, err := GetAuth(ctx); err != nil {
		return nil, err
	}
	return s.store.TeamMembers().GetByTeam(ctx, teamID)
}

func (s *Service) requireTeamAdmin(ctx context.Context, teamID uuid.UUID) error {
	auth, err := GetAuth(ctx)
	if err != nil {
		return err
	}
	if auth.User.Admin {
		return nil
	}

	membership, err := s.store.TeamMembers().Get(ctx, auth.User.ID, teamID)
	if err != nil {
		return Error.Wrap(err)
	}
	if membership == nil || membership.Role != RoleTeamAdmin {
		return ErrForbidden.New("caller is not an admin of team %s", teamID)
	}
	return nil
}
