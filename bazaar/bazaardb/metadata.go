// Copyright (C) 2024 Bazaar Labs, Inc.
// See LICENSE for copying information.

package bazaardb

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"

	"github.com/google/uuid"

	"bazaar.io/bazaar/bazaar/catalog"
)

type metadata struct{ base *base }

type metadataRow struct {
	ModelID uuid.UUID `db:"model_id"`
	General string    `db:"general"`
	Train   string    `db:"train"`
}

func (repo *metadata) Get(ctx context.Context, modelID uuid.UUID) (*catalog.ModelMetadata, error) {
	var row metadataRow
	err := repo.base.db.GetContext(ctx, &row, repo.base.rebind(
		`SELECT model_id, general, train FROM model_metadata WHERE model_id = ?`), modelID)
	if errors.Is(err, sql.ErrNoRows) {
		return &catalog.ModelMetadata{
			ModelID: modelID,
			General: map[string]string{},
			Train:   map[string]string{},
		}, nil
	}
	if err != nil {
		return nil, Error.Wrap(err)
	}

	meta := &catalog.ModelMetadata{ModelID: modelID}
	if err := json.Unmarshal([]byte(row.General), &meta.General); err != nil {
		return nil, Error.Wrap(err)
	}
	if err := json.Unmarshal([]byte(row.Train), &meta.Train); err != nil {
		return nil, Error.Wrap(err)
	}
	return meta, nil
}

// Merge upserts the record key by key inside a transaction, so two
// concurrent merges both land.
func (repo *metadata) Merge(ctx context.Context, update catalog.ModelMetadata) error {
	return repo.base.withTx(ctx, func(ctx context.Context, tx *base) error {
		repo := &metadata{base: tx}
		current, err := repo.Get(ctx, update.ModelID)
		if err != nil {
			return err
		}
		for key, value := range update.General {
			current.General[key] = value
		}
		for key, value := range update.Train {
			current.Train[key] = value
		}

		general, err := json.Marshal(current.General)
		if err != nil {
			return Error.Wrap(err)
		}
		train, err := json.Marshal(current.Train)
		if err != nil {
			return Error.Wrap(err)
		}

		_, err = tx.db.ExecContext(ctx, tx.rebind(
			`INSERT INTO model_metadata ( model_id, general, train ) VALUES ( ?, ?, ? )
			 ON CONFLICT ( model_id ) DO UPDATE SET general = EXCLUDED.general, train = EXCLUDED.train`),
			update.ModelID, string(general), string(train))
		return Error.Wrap(err)
	})
}

func (repo *metadata) Delete(ctx context.Context, modelID uuid.UUID) error {
	_, err := repo.base.db.ExecContext(ctx,
		repo.base.rebind(`DELETE FROM model_metadata WHERE model_id = ?`), modelID)
	return Error.Wrap(err)
}
