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

type resetCodes struct{ base *base }

type resetCodeRow struct {
	UserID    uuid.UUID `db:"user_id"`
	CodeHash  string    `db:"code_hash"`
	ExpiresAt time.Time `db:"expires_at"`
}

func (repo *resetCodes) Replace(ctx context.Context, code console.ResetCode) error {
	_, err := repo.base.db.ExecContext(ctx, repo.base.rebind(
		`INSERT INTO reset_codes ( user_id, code_hash, expires_at ) VALUES ( ?, ?, ? )
		 ON CONFLICT ( user_id ) DO UPDATE SET code_hash = EXCLUDED.code_hash, expires_at = EXCLUDED.expires_at`),
		code.UserID, string(code.CodeHash), code.ExpiresAt)
	return Error.Wrap(err)
}

func (repo *resetCodes) Get(ctx context.Context, userID uuid.UUID) (*console.ResetCode, error) {
	var row resetCodeRow
	err := repo.base.db.GetContext(ctx, &row, repo.base.rebind(
		`SELECT user_id, code_hash, expires_at FROM reset_codes WHERE user_id = ?`), userID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, Error.Wrap(err)
	}
	return &console.ResetCode{
		UserID:    row.UserID,
		CodeHash:  []byte(row.CodeHash),
		ExpiresAt: row.ExpiresAt,
	}, nil
}

func (repo *resetCodes) Delete(ctx context.Context, userID uuid.UUID) error {
	_, err := repo.base.db.ExecContext(ctx,
		repo.base.rebind(`DELETE FROM reset_codes WHERE user_id = ?`), userID)
	return Error.Wrap(err)
}
