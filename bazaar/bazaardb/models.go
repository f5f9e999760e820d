// Copyright (C) 2024 Bazaar Labs, Inc.
// See LICENSE for copying information.

package bazaardb

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"

	"bazaar.io/bazaar/bazaar/catalog"
)

type models struct{ base *base }

type modelRow struct {
	ID          uuid.UUID     `db:"id"`
	Name        string        `db:"name"`
	OwnerID     uuid.UUID     `db:"owner_id"`
	TeamID      uuid.NullUUID `db:"team_id"`
	Access      string        `db:"access"`
	DefaultPerm int           `db:"default_perm"`
	Kind        string        `db:"kind"`
	SubKind     string        `db:"sub_kind"`
	TrainState  string        `db:"train_state"`
	ParentID    uuid.NullUUID `db:"parent_id"`
	JobID       string        `db:"job_id"`
	PublishedAt time.Time     `db:"published_at"`
	SizeBytes   int64         `db:"size_bytes"`
	Downloads   int64         `db:"downloads"`
}

func (row modelRow) toModel() *catalog.Model {
	model := &catalog.Model{
		ID:                row.ID,
		Name:              row.Name,
		OwnerID:           row.OwnerID,
		Access:            catalog.Access(row.Access),
		DefaultPermission: catalog.Permission(row.DefaultPerm),
		Kind:              row.Kind,
		SubKind:           row.SubKind,
		TrainState:        catalog.TrainState(row.TrainState),
		JobID:             row.JobID,
		PublishedAt:       row.PublishedAt,
		SizeBytes:         row.SizeBytes,
		Downloads:         row.Downloads,
	}
	if row.TeamID.Valid {
		teamID := row.TeamID.UUID
		model.TeamID = &teamID
	}
	if row.ParentID.Valid {
		parentID := row.ParentID.UUID
		model.ParentID = &parentID
	}
	return model
}

func nullable(id *uuid.UUID) uuid.NullUUID {
	if id == nil {
		return uuid.NullUUID{}
	}
	return uuid.NullUUID{UUID: *id, Valid: true}
}

const modelColumns = `id, name, owner_id, team_id, access, default_perm, kind, sub_kind,
	train_state, parent_id, job_id, published_at, size_bytes, downloads`

func (repo *models) Insert(ctx context.Context, model *catalog.Model) (*catalog.Model, error) {
	created := *model
	if created.PublishedAt.IsZero() {
		created.PublishedAt = time.Now().UTC()
	}
	if created.Access == "" {
		created.Access = catalog.AccessPrivate
	}
	if created.TrainState == "" {
		created.TrainState = catalog.NotStarted
	}

	_, err := repo.base.db.ExecContext(ctx, repo.base.rebind(
		`INSERT INTO models ( `+modelColumns+` ) VALUES ( ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ? )`),
		created.ID, created.Name, created.OwnerID, nullable(created.TeamID),
		string(created.Access), int(created.DefaultPermission), created.Kind, created.SubKind,
		string(created.TrainState), nullable(created.ParentID), created.JobID,
		created.PublishedAt, created.SizeBytes, created.Downloads)
	if isConstraintError(err) {
		return nil, catalog.ErrNameTaken.New("%s", created.Name)
	}
	if err != nil {
		return nil, Error.Wrap(err)
	}
	return &created, nil
}

func (repo *models) Get(ctx context.Context, id uuid.UUID) (*catalog.Model, error) {
	var row modelRow
	err := repo.base.db.GetContext(ctx, &row, repo.base.rebind(
		`SELECT `+modelColumns+` FROM models WHERE id = ?`), id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, catalog.ErrNotFound.New("model %s", id)
	}
	if err != nil {
		return nil, Error.Wrap(err)
	}
	return row.toModel(), nil
}

func (repo *models) GetByOwnerAndName(ctx context.Context, ownerID uuid.UUID, name string) (*catalog.Model, error) {
	var row modelRow
	err := repo.base.db.GetContext(ctx, &row, repo.base.rebind(
		`SELECT `+modelColumns+` FROM models WHERE owner_id = ? AND name = ?`), ownerID, name)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, catalog.ErrNotFound.New("model %s", name)
	}
	if err != nil {
		return nil, Error.Wrap(err)
	}
	return row.toModel(), nil
}

func (repo *models) List(ctx context.Context, viewer catalog.Viewer, filter catalog.ListFilter) ([]catalog.Model, error) {
	var conditions []string
	var args []interface{}

	switch {
	case viewer.Public:
		conditions = append(conditions, `access = 'public'`)
	case viewer.Admin:
		// admins see everything
	default:
		conditions = append(conditions, `( owner_id = ?
			OR access = 'public'
			OR ( access = 'protected' AND team_id IN (
				SELECT team_id FROM team_members WHERE user_id = ? ) )
			OR id IN (
				SELECT model_id FROM model_permissions WHERE user_id = ? AND perm > 0 ) )`)
		args = append(args, viewer.UserID, viewer.UserID, viewer.UserID)
	}

	if filter.Name != "" {
		conditions = append(conditions, `name = ?`)
		args = append(args, filter.Name)
	}
	if filter.Kind != "" {
		conditions = append(conditions, `kind = ?`)
		args = append(args, filter.Kind)
	}
	if filter.SubKind != "" {
		conditions = append(conditions, `sub_kind = ?`)
		args = append(args, filter.SubKind)
	}
	if filter.Access != "" {
		conditions = append(conditions, `access = ?`)
		args = append(args, string(filter.Access))
	}

	query := `SELECT ` + modelColumns + ` FROM models`
	if len(conditions) > 0 {
		query += ` WHERE ` + strings.Join(conditions, ` AND `)
	}
	query += ` ORDER BY published_at DESC`

	var rows []modelRow
	err := repo.base.db.SelectContext(ctx, &rows, repo.base.rebind(query), args...)
	if err != nil {
		return nil, Error.Wrap(err)
	}
	out := make([]catalog.Model, 0, len(rows))
	for _, row := range rows {
		out = append(out, *row.toModel())
	}
	return out, nil
}

func (repo *models) ListActive(ctx context.Context) ([]catalog.Model, error) {
	var rows []modelRow
	err := repo.base.db.SelectContext(ctx, &rows,
		`SELECT `+modelColumns+` FROM models WHERE train_state IN ( 'starting', 'in_progress' )`)
	if err != nil {
		return nil, Error.Wrap(err)
	}
	out := make([]catalog.Model, 0, len(rows))
	for _, row := range rows {
		out = append(out, *row.toModel())
	}
	return out, nil
}

func (repo *models) TotalSize(ctx context.Context) (int64, error) {
	var total int64
	err := repo.base.db.GetContext(ctx, &total, `SELECT COALESCE(SUM(size_bytes), 0) FROM models`)
	return total, Error.Wrap(err)
}

// Transition reads the current state inside a transaction, checks the
// state machine and applies the change, so that concurrent reports
// cannot race past a terminal state.
func (repo *models) Transition(ctx context.Context, id uuid.UUID, to catalog.TrainState, jobID string) error {
	return repo.base.withTx(ctx, func(ctx context.Context, tx *base) error {
		var current string
		err := tx.db.GetContext(ctx, &current,
			tx.rebind(`SELECT train_state FROM models WHERE id = ?`), id)
		if errors.Is(err, sql.ErrNoRows) {
			return catalog.ErrNotFound.New("model %s", id)
		}
		if err != nil {
			return Error.Wrap(err)
		}

		if !catalog.ValidTransition(catalog.TrainState(current), to) {
			return catalog.ErrInvalidTransition.New("%s -> %s", current, to)
		}

		if jobID != "" {
			_, err = tx.db.ExecContext(ctx,
				tx.rebind(`UPDATE models SET train_state = ?, job_id = ? WHERE id = ?`),
				string(to), jobID, id)
		} else {
			_, err = tx.db.ExecContext(ctx,
				tx.rebind(`UPDATE models SET train_state = ? WHERE id = ?`),
				string(to), id)
		}
		return Error.Wrap(err)
	})
}

func (repo *models) UpdateAccess(ctx context.Context, id uuid.UUID, access catalog.Access, teamID *uuid.UUID) error {
	result, err := repo.base.db.ExecContext(ctx, repo.base.rebind(
		`UPDATE models SET access = ?, team_id = ? WHERE id = ?`),
		string(access), nullable(teamID), id)
	if err != nil {
		return Error.Wrap(err)
	}
	return affectedModel(result, id)
}

func (repo *models) UpdateDefaultPermission(ctx context.Context, id uuid.UUID, perm catalog.Permission) error {
	result, err := repo.base.db.ExecContext(ctx, repo.base.rebind(
		`UPDATE models SET default_perm = ? WHERE id = ?`), int(perm), id)
	if err != nil {
		return Error.Wrap(err)
	}
	return affectedModel(result, id)
}

func (repo *models) SetSize(ctx context.Context, id uuid.UUID, sizeBytes int64) error {
	result, err := repo.base.db.ExecContext(ctx, repo.base.rebind(
		`UPDATE models SET size_bytes = ? WHERE id = ?`), sizeBytes, id)
	if err != nil {
		return Error.Wrap(err)
	}
	return affectedModel(result, id)
}

func (repo *models) AddDownloads(ctx context.Context, id uuid.UUID, delta int64) error {
	result, err := repo.base.db.ExecContext(ctx, repo.base.rebind(
		`UPDATE models SET downloads = downloads + ? WHERE id = ?`), delta, id)
	if err != nil {
		return Error.Wrap(err)
	}
	return affectedModel(result, id)
}

func (repo *models) Delete(ctx context.Context, id uuid.UUID) error {
	return repo.base.withTx(ctx, func(ctx context.Context, tx *base) error {
		for _, query := range []string{
			`DELETE FROM model_metadata WHERE model_id = ?`,
			`DELETE FROM model_permissions WHERE model_id = ?`,
			`DELETE FROM model_dependencies WHERE model_id = ?`,
			`DELETE FROM model_dependencies WHERE depends_on_id = ?`,
			`DELETE FROM job_messages WHERE model_id = ?`,
			`UPDATE models SET parent_id = NULL WHERE parent_id = ?`,
		} {
			if _, err := tx.db.ExecContext(ctx, tx.rebind(query), id); err != nil {
				return Error.Wrap(err)
			}
		}

		result, err := tx.db.ExecContext(ctx, tx.rebind(`DELETE FROM models WHERE id = ?`), id)
		if err != nil {
			return Error.Wrap(err)
		}
		return affectedModel(result, id)
	})
}

func affectedModel(result sql.Result, id uuid.UUID) error {
	count, err := result.RowsAffected()
	if err != nil {
		return Error.Wrap(err)
	}
	if count == 0 {
		return catalog.ErrNotFound.New("model %s", id)
	}
	return nil
}
