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

type teams struct{ base *base }

type teamRow struct {
	ID        uuid.UUID `db:"id"`
	Name      string    `db:"name"`
	CreatedAt time.Time `db:"created_at"`
}

func (row teamRow) toTeam() *console.Team {
	return &console.Team{ID: row.ID, Name: row.Name, CreatedAt: row.CreatedAt}
}

func (repo *teams) Insert(ctx context.Context, team *console.Team) (*console.Team, error) {
	created := *team
	if created.CreatedAt.IsZero() {
		created.CreatedAt = time.Now().UTC()
	}

	_, err := repo.base.db.ExecContext(ctx, repo.base.rebind(
		`INSERT INTO teams ( id, name, created_at ) VALUES ( ?, ?, ? )`),
		created.ID, created.Name, created.CreatedAt)
	if isConstraintError(err) {
		return nil, console.ErrConflict.New("team %s already exists", created.Name)
	}
	if err != nil {
		return nil, Error.Wrap(err)
	}
	return &created, nil
}

func (repo *teams) Get(ctx context.Context, id uuid.UUID) (*console.Team, error) {
	var row teamRow
	err := repo.base.db.GetContext(ctx, &row, repo.base.rebind(
		`SELECT id, name, created_at FROM teams WHERE id = ?`), id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, console.ErrNotFound.New("team")
	}
	if err != nil {
		return nil, Error.Wrap(err)
	}
	return row.toTeam(), nil
}

func (repo *teams) GetByName(ctx context.Context, name string) (*console.Team, error) {
	var row teamRow
	err := repo.base.db.GetContext(ctx, &row, repo.base.rebind(
		`SELECT id, name, created_at FROM teams WHERE name = ?`), name)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, console.ErrNotFound.New("team")
	}
	if err != nil {
		return nil, Error.Wrap(err)
	}
	return row.toTeam(), nil
}

func (repo *teams) List(ctx context.Context) ([]console.Team, error) {
	var rows []teamRow
	err := repo.base.db.SelectContext(ctx, &rows,
		`SELECT id, name, created_at FROM teams ORDER BY name`)
	if err != nil {
		return nil, Error.Wrap(err)
	}
	out := make([]console.Team, 0, len(rows))
	for _, row := range rows {
		out = append(out, *row.toTeam())
	}
	return out, nil
}

func (repo *teams) Delete(ctx context.Context, id uuid.UUID) error {
	return repo.base.withTx(ctx, func(ctx context.Context, tx *base) error {
		if _, err := tx.db.ExecContext(ctx,
			tx.rebind(`DELETE FROM team_members WHERE team_id = ?`), id); err != nil {
			return Error.Wrap(err)
		}
		_, err := tx.db.ExecContext(ctx, tx.rebind(`DELETE FROM teams WHERE id = ?`), id)
		return Error.Wrap(err)
	})
}

type teamMembers struct{ base *base }

type membershipRow struct {
	UserID    uuid.UUID `db:"user_id"`
	TeamID    uuid.UUID `db:"team_id"`
	Role      string    `db:"role"`
	CreatedAt time.Time `db:"created_at"`
}

func (row membershipRow) toMembership() console.TeamMembership {
	return console.TeamMembership{
		UserID:    row.UserID,
		TeamID:    row.TeamID,
		Role:      console.TeamRole(row.Role),
		CreatedAt: row.CreatedAt,
	}
}

func (repo *teamMembers) Upsert(ctx context.Context, membership console.TeamMembership) error {
	if membership.CreatedAt.IsZero() {
		membership.CreatedAt = time.Now().UTC()
	}

	// both backends support the standard conflict clause
	_, err := repo.base.db.ExecContext(ctx, repo.base.rebind(
		`INSERT INTO team_members ( user_id, team_id, role, created_at ) VALUES ( ?, ?, ?, ? )
		 ON CONFLICT ( user_id, team_id ) DO UPDATE SET role = EXCLUDED.role`),
		membership.UserID, membership.TeamID, string(membership.Role), membership.CreatedAt)
	return Error.Wrap(err)
}

func (repo *teamMembers) Get(ctx context.Context, userID, teamID uuid.UUID) (*console.TeamMembership, error) {
	var row membershipRow
	err := repo.base.db.GetContext(ctx, &row, repo.base.rebind(
		`SELECT user_id, team_id, role, created_at FROM team_members WHERE user_id = ? AND team_id = ?`),
		userID, teamID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, Error.Wrap(err)
	}
	membership := row.toMembership()
	return &membership, nil
}

func (repo *teamMembers) GetByTeam(ctx context.Context, teamID uuid.UUID) ([]console.TeamMembership, error) {
	return repo.selectWhere(ctx, `team_id = ?`, teamID)
}

func (repo *teamMembers) GetByUser(ctx context.Context, userID uuid.UUID) ([]console.TeamMembership, error) {
	return repo.selectWhere(ctx, `user_id = ?`, userID)
}

func (repo *teamMembers) selectWhere(ctx context.Context, where string, arg interface{}) ([]console.TeamMembership, error) {
	var rows []membershipRow
	err := repo.base.db.SelectContext(ctx, &rows, repo.base.rebind(
		`SELECT user_id, team_id, role, created_at FROM team_members WHERE `+where+` ORDER BY created_at`), arg)
	if err != nil {
		return nil, Error.Wrap(err)
	}
	out := make([]console.TeamMembership, 0, len(rows))
	for _, row := range rows {
		out = append(out, row.toMembership())
	}
	return out, nil
}

func (repo *teamMembers) Delete(ctx context.Context, userID, teamID uuid.UUID) error {
	_, err := repo.base.db.ExecContext(ctx, repo.base.rebind(
		`DELETE FROM team_members WHERE user_id = ? AND team_id = ?`), userID, teamID)
	return Error.Wrap(err)
}
