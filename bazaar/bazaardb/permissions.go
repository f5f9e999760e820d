// Copyright (C) 2024 Bazaar Labs, Inc.
// See LICENSE for copying information.

package bazaardb

import (
	"context"
	"database/sql"
	"errors"

	"github.com/google/uuid"

	"bazaar.io/bazaar/bazaar/catalog"
)

type permissions struct{ base *base }

type permissionRow struct {
	UserID  uuid.UUID `db:"user_id"`
	ModelID uuid.UUID `db:"model_id"`
	Perm    int       `db:"perm"`
}

func (repo *permissions) Get(ctx context.Context, userID, modelID uuid.UUID) (*catalog.ModelPermission, error) {
	var row permissionRow
	err := repo.base.db.GetContext(ctx, &row, repo.base.rebind(
		`SELECT user_id, model_id, perm FROM model_permissions WHERE user_id = ? AND model_id = ?`),
		userID, modelID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, Error.Wrap(err)
	}
	return &catalog.ModelPermission{
		UserID:  row.UserID,
		ModelID: row.ModelID,
		Perm:    catalog.Permission(row.Perm),
	}, nil
}

func (repo *permissions) Upsert(ctx context.Context, perm catalog.ModelPermission) error {
	_, err := repo.base.db.ExecContext(ctx, repo.base.rebind(
		`INSERT INTO model_permissions ( user_id, model_id, perm ) VALUES ( ?, ?, ? )
		 ON CONFLICT ( user_id, model_id ) DO UPDATE SET perm = EXCLUDED.perm`),
		perm.UserID, perm.ModelID, int(perm.Perm))
	return Error.Wrap(err)
}

func (repo *permissions) Delete(ctx context.Context, userID, modelID uuid.UUID) error {
	_, err := repo.base.db.ExecContext(ctx, repo.base.rebind(
		`DELETE FROM model_permissions WHERE user_id = ? AND model_id = ?`), userID, modelID)
	return Error.Wrap(err)
}

func (repo *permissions) ListByModel(ctx context.Context, modelID uuid.UUID) ([]catalog.ModelPermission, error) {
	var rows []permissionRow
	err := repo.base.db.SelectContext(ctx, &rows, repo.base.rebind(
		`SELECT user_id, model_id, perm FROM model_permissions WHERE model_id = ?`), modelID)
	if err != nil {
		return nil, Error.Wrap(err)
	}
	out := make([]catalog.ModelPermission, 0, len(rows))
	for _, row := range rows {
		out = append(out, catalog.ModelPermission{
			UserID:  row.UserID,
			ModelID: row.ModelID,
			Perm:    catalog.Permission(row.Perm),
		})
	}
	return out, nil
}
