// Copyright (C) 2024 Bazaar Labs, Inc.
// See LICENSE for copying information.

package bazaardb

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/google/uuid"

	"bazaar.io/bazaar/bazaar/console"
)

type users struct{ base *base }

type userRow struct {
	ID           uuid.UUID `db:"id"`
	Username     string    `db:"username"`
	Email        string    `db:"email"`
	FullName     string    `db:"full_name"`
	PasswordHash string    `db:"password_hash"`
	Verified     bool      `db:"verified"`
	Admin        bool      `db:"admin"`
	CreatedAt    time.Time `db:"created_at"`
}

func (row userRow) toUser() *console.User {
	return &console.User{
		ID:           row.ID,
		Username:     row.Username,
		Email:        row.Email,
		FullName:     row.FullName,
		PasswordHash: []byte(row.PasswordHash),
		Verified:     row.Verified,
		Admin:        row.Admin,
		CreatedAt:    row.CreatedAt,
	}
}

const userColumns = `id, username, email, full_name, password_hash, verified, admin, created_at`

func (repo *users) getWhere(ctx context.Context, where string, arg interface{}) (*console.User, error) {
	var row userRow
	err := repo.base.db.GetContext(ctx, &row,
		repo.base.rebind(`SELECT `+userColumns+` FROM users WHERE `+where), arg)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, console.ErrNotFound.New("user")
	}
	if err != nil {
		return nil, Error.Wrap(err)
	}
	return row.toUser(), nil
}

func (repo *users) Get(ctx context.Context, id uuid.UUID) (*console.User, error) {
	return repo.getWhere(ctx, `id = ?`, id)
}

func (repo *users) GetByEmail(ctx context.Context, email string) (*console.User, error) {
	return repo.getWhere(ctx, `email = ?`, email)
}

func (repo *users) GetByUsername(ctx context.Context, username string) (*console.User, error) {
	return repo.getWhere(ctx, `username = ?`, username)
}

func (repo *users) Insert(ctx context.Context, user *console.User) (*console.User, error) {
	created := *user
	if created.CreatedAt.IsZero() {
		created.CreatedAt = time.Now().UTC()
	}

	_, err := repo.base.db.ExecContext(ctx, repo.base.rebind(
		`INSERT INTO users ( `+userColumns+` ) VALUES ( ?, ?, ?, ?, ?, ?, ?, ? )`),
		created.ID, created.Username, created.Email, created.FullName,
		string(created.PasswordHash), created.Verified, created.Admin, created.CreatedAt)
	if isConstraintError(err) {
		return nil, console.ErrConflict.New("username or email already in use")
	}
	if err != nil {
		return nil, Error.Wrap(err)
	}
	return &created, nil
}

func (repo *users) Update(ctx context.Context, user *console.User) error {
	result, err := repo.base.db.ExecContext(ctx, repo.base.rebind(
		`UPDATE users SET full_name = ?, password_hash = ?, verified = ?, admin = ? WHERE id = ?`),
		user.FullName, string(user.PasswordHash), user.Verified, user.Admin, user.ID)
	if err != nil {
		return Error.Wrap(err)
	}
	return affectedOne(result, "user")
}

func (repo *users) Delete(ctx context.Context, id uuid.UUID) error {
	_, err := repo.base.db.ExecContext(ctx,
		repo.base.rebind(`DELETE FROM users WHERE id = ?`), id)
	return Error.Wrap(err)
}

func (repo *users) List(ctx context.Context) ([]console.User, error) {
	var rows []userRow
	err := repo.base.db.SelectContext(ctx, &rows,
		`SELECT `+userColumns+` FROM users ORDER BY username`)
	if err != nil {
		return nil, Error.Wrap(err)
	}
	out := make([]console.User, 0, len(rows))
	for _, row := range rows {
		out = append(out, *row.toUser())
	}
	return out, nil
}

func affectedOne(result sql.Result, entity string) error {
	count, err := result.RowsAffected()
	if err != nil {
		return Error.Wrap(err)
	}
	if count == 0 {
		return console.ErrNotFound.New("%s", entity)
	}
	return nil
}
