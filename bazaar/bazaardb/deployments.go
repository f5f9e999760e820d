// Copyright (C) 2024 Bazaar Labs, Inc.
// See LICENSE for copying information.

package bazaardb

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/google/uuid"

	"bazaar.io/bazaar/bazaar/catalog"
)

type deployments struct{ base *base }

type deploymentRow struct {
	ID        uuid.UUID `db:"id"`
	Name      string    `db:"name"`
	OwnerID   uuid.UUID `db:"owner_id"`
	ModelID   uuid.UUID `db:"model_id"`
	State     string    `db:"state"`
	JobID     string    `db:"job_id"`
	Replicas  int       `db:"replicas"`
	CreatedAt time.Time `db:"created_at"`
}

func (row deploymentRow) toDeployment() *catalog.Deployment {
	return &catalog.Deployment{
		ID:        row.ID,
		Name:      row.Name,
		OwnerID:   row.OwnerID,
		ModelID:   row.ModelID,
		State:     catalog.TrainState(row.State),
		JobID:     row.JobID,
		Replicas:  row.Replicas,
		CreatedAt: row.CreatedAt,
	}
}

const deploymentColumns = `id, name, owner_id, model_id, state, job_id, replicas, created_at`

func (repo *deployments) Insert(ctx context.Context, dep *catalog.Deployment) (*catalog.Deployment, error) {
	created := *dep
	if created.CreatedAt.IsZero() {
		created.CreatedAt = time.Now().UTC()
	}
	if created.State == "" {
		created.State = catalog.NotStarted
	}
	if created.Replicas < 1 {
		created.Replicas = 1
	}

	_, err := repo.base.db.ExecContext(ctx, repo.base.rebind(
		`INSERT INTO deployments ( `+deploymentColumns+` ) VALUES ( ?, ?, ?, ?, ?, ?, ?, ? )`),
		created.ID, created.Name, created.OwnerID, created.ModelID,
		string(created.State), created.JobID, created.Replicas, created.CreatedAt)
	if isConstraintError(err) {
		return nil, catalog.ErrNameTaken.New("%s", created.Name)
	}
	if err != nil {
		return nil, Error.Wrap(err)
	}
	return &created, nil
}

func (repo *deployments) Get(ctx context.Context, id uuid.UUID) (*catalog.Deployment, error) {
	var row deploymentRow
	err := repo.base.db.GetContext(ctx, &row, repo.base.rebind(
		`SELECT `+deploymentColumns+` FROM deployments WHERE id = ?`), id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, catalog.ErrNotFound.New("deployment %s", id)
	}
	if err != nil {
		return nil, Error.Wrap(err)
	}
	return row.toDeployment(), nil
}

func (repo *deployments) GetByOwnerAndName(ctx context.Context, ownerID uuid.UUID, name string) (*catalog.Deployment, error) {
	var row deploymentRow
	err := repo.base.db.GetContext(ctx, &row, repo.base.rebind(
		`SELECT `+deploymentColumns+` FROM deployments WHERE owner_id = ? AND name = ?`), ownerID, name)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, catalog.ErrNotFound.New("deployment %s", name)
	}
	if err != nil {
		return nil, Error.Wrap(err)
	}
	return row.toDeployment(), nil
}

func (repo *deployments) ListByModel(ctx context.Context, modelID uuid.UUID) ([]catalog.Deployment, error) {
	return repo.selectWhere(ctx, `model_id = ?`, modelID)
}

func (repo *deployments) ListActive(ctx context.Context) ([]catalog.Deployment, error) {
	var rows []deploymentRow
	err := repo.base.db.SelectContext(ctx, &rows,
		`SELECT `+deploymentColumns+` FROM deployments WHERE state IN ( 'starting', 'in_progress' )`)
	if err != nil {
		return nil, Error.Wrap(err)
	}
	return rowsToDeployments(rows), nil
}

func (repo *deployments) selectWhere(ctx context.Context, where string, arg interface{}) ([]catalog.Deployment, error) {
	var rows []deploymentRow
	err := repo.base.db.SelectContext(ctx, &rows, repo.base.rebind(
		`SELECT `+deploymentColumns+` FROM deployments WHERE `+where+` ORDER BY created_at`), arg)
	if err != nil {
		return nil, Error.Wrap(err)
	}
	return rowsToDeployments(rows), nil
}

func rowsToDeployments(rows []deploymentRow) []catalog.Deployment {
	out := make([]catalog.Deployment, 0, len(rows))
	for _, row := range rows {
		out = append(out, *row.toDeployment())
	}
	return out
}

func (repo *deployments) Transition(ctx context.Context, id uuid.UUID, to catalog.TrainState, jobID string) error {
	return repo.base.withTx(ctx, func(ctx context.Context, tx *base) error {
		var current string
		err := tx.db.GetContext(ctx, &current,
			tx.rebind(`SELECT state FROM deployments WHERE id = ?`), id)
		if errors.Is(err, sql.ErrNoRows) {
			return catalog.ErrNotFound.New("deployment %s", id)
		}
		if err != nil {
			return Error.Wrap(err)
		}

		if !catalog.ValidTransition(catalog.TrainState(current), to) {
			return catalog.ErrInvalidTransition.New("%s -> %s", current, to)
		}

		if jobID != "" {
			_, err = tx.db.ExecContext(ctx,
				tx.rebind(`UPDATE deployments SET state = ?, job_id = ? WHERE id = ?`),
				string(to), jobID, id)
		} else {
			_, err = tx.db.ExecContext(ctx,
				tx.rebind(`UPDATE deployments SET state = ? WHERE id = ?`),
				string(to), id)
		}
		return Error.Wrap(err)
	})
}

func (repo *deployments) Delete(ctx context.Context, id uuid.UUID) error {
	_, err := repo.base.db.ExecContext(ctx,
		repo.base.rebind(`DELETE FROM deployments WHERE id = ?`), id)
	return Error.Wrap(err)
}
