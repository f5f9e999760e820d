// Copyright (C) 2024 Bazaar Labs, Inc.
// See LICENSE for copying information.

package bazaardb

import (
	"context"
	"time"

	"github.com/google/uuid"

	"bazaar.io/bazaar/bazaar/catalog"
)

type jobMessages struct{ base *base }

type jobMessageRow struct {
	ID        int64     `db:"id"`
	ModelID   uuid.UUID `db:"model_id"`
	CreatedAt time.Time `db:"created_at"`
	Kind      string    `db:"kind"`
	Level     string    `db:"level"`
	Text      string    `db:"text"`
}

func (repo *jobMessages) Add(ctx context.Context, msg catalog.JobMessage) error {
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now().UTC()
	}
	_, err := repo.base.db.ExecContext(ctx, repo.base.rebind(
		`INSERT INTO job_messages ( model_id, created_at, kind, level, text ) VALUES ( ?, ?, ?, ?, ? )`),
		msg.ModelID, msg.CreatedAt, msg.Kind, msg.Level, msg.Text)
	return Error.Wrap(err)
}

func (repo *jobMessages) ListByModel(ctx context.Context, modelID uuid.UUID) ([]catalog.JobMessage, error) {
	var rows []jobMessageRow
	err := repo.base.db.SelectContext(ctx, &rows, repo.base.rebind(
		`SELECT id, model_id, created_at, kind, level, text FROM job_messages
		 WHERE model_id = ? ORDER BY id`), modelID)
	if err != nil {
		return nil, Error.Wrap(err)
	}
	out := make([]catalog.JobMessage, 0, len(rows))
	for _, row := range rows {
		out = append(out, catalog.JobMessage{
			ID:        row.ID,
			ModelID:   row.ModelID,
			CreatedAt: row.CreatedAt,
			Kind:      row.Kind,
			Level:     row.Level,
			Text:      row.Text,
		})
	}
	return out, nil
}
