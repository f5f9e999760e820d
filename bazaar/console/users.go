// Copyright (C) 2024 Bazaar Labs, Inc.
// See LICENSE for copying information.

// Package console implements accounts, teams and token issuance for the
// bazaar control plane.
package console

import (
	"context"
	"net/mail"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/zeebo/errs"
)

// ErrValidation is returned for malformed user input.
var ErrValidation = errs.Class("validation")

// ErrNotFound is returned when a console entity does not exist.
var ErrNotFound = errs.Class("console not found")

var usernameRx = regexp.MustCompile(`^[A-Za-z0-9_-]+$`)

const passwordMinLength = 6

// User is a registered account.
type User struct {
	ID           uuid.UUID
	Username     string
	Email        string
	FullName     string
	PasswordHash []byte
	Verified     bool
	Admin        bool
	CreatedAt    time.Time
}

// CreateUser is the input of Service.CreateUser.
type CreateUser struct {
	Username string `json:"username"`
	Email    string `json:"email"`
	FullName string `json:"full_name"`
	Password string `json:"password"`
}

// IsValid checks CreateUser validity and returns an error describing
// whats wrong with it.
func (user *CreateUser) IsValid() error {
	var group errs.Group

	if !usernameRx.MatchString(user.Username) {
		group.Add(ErrValidation.New("username may only contain letters, digits, '_' and '-'"))
	}
	if _, err := mail.ParseAddress(user.Email); err != nil {
		group.Add(ErrValidation.New("invalid email address"))
	}
	if len(user.Password) < passwordMinLength {
		group.Add(ErrValidation.New("password must be at least %d characters", passwordMinLength))
	}

	return group.Err()
}

// NormalizeEmail brings an email to its canonical comparison form.
func NormalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

// Users exposes methods to manage the users table.
//
// architecture: Database
type Users interface {
	// Get is a method for querying user from the database by id.
	Get(ctx context.Context, id uuid.UUID) (*User, error)
	// GetByEmail is a method for querying user by email.
	GetByEmail(ctx context.Context, email string) (*User, error)
	// GetByUsername is a method for querying user by username.
	GetByUsername(ctx context.Context, username string) (*User, error)
	// Insert is a method for inserting a user into the database.
	Insert(ctx context.Context, user *User) (*User, error)
	// Update is a method for updating a user entity.
	Update(ctx context.Context, user *User) error
	// Delete is a method for deleting a user by id.
	Delete(ctx context.Context, id uuid.UUID) error
	// List returns all users.
	List(ctx context.Context) ([]User, error)
}
