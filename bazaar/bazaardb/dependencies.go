// Copyright (C) 2024 Bazaar Labs, Inc.
// See LICENSE for copying information.

package bazaardb

import (
	"context"

	"github.com/google/uuid"

	"bazaar.io/bazaar/bazaar/catalog"
)

type dependencies struct{ base *base }

type dependencyRow struct {
	ModelID     uuid.UUID `db:"model_id"`
	DependsOnID uuid.UUID `db:"depends_on_id"`
}

func (repo *dependencies) Add(ctx context.Context, dep catalog.ModelDependency) error {
	_, err := repo.base.db.ExecContext(ctx, repo.base.rebind(
		`INSERT INTO model_dependencies ( model_id, depends_on_id ) VALUES ( ?, ? )
		 ON CONFLICT ( model_id, depends_on_id ) DO NOTHING`),
		dep.ModelID, dep.DependsOnID)
	return Error.Wrap(err)
}

func (repo *dependencies) ListForModel(ctx context.Context, modelID uuid.UUID) ([]catalog.ModelDependency, error) {
	var rows []dependencyRow
	err := repo.base.db.SelectContext(ctx, &rows, repo.base.rebind(
		`SELECT model_id, depends_on_id FROM model_dependencies WHERE model_id = ?`), modelID)
	if err != nil {
		return nil, Error.Wrap(err)
	}
	out := make([]catalog.ModelDependency, 0, len(rows))
	for _, row := range rows {
		out = append(out, catalog.ModelDependency{
			ModelID:     row.ModelID,
			DependsOnID: row.DependsOnID,
		})
	}
	return out, nil
}

func (repo *dependencies) DeleteForModel(ctx context.Context, modelID uuid.UUID) error {
	_, err := repo.base.db.ExecContext(ctx, repo.base.rebind(
		`DELETE FROM model_dependencies WHERE model_id = ? OR depends_on_id = ?`), modelID, modelID)
	return Error.Wrap(err)
}
