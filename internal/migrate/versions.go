// Copyright (C) 2024 Bazaar Labs, Inc.
// See LICENSE for copying information.

// Package migrate implements versioned schema migrations.
package migrate

import (
	"context"
	"database/sql"
	"regexp"
	"sort"
	"strconv"
	"time"

	"github.com/zeebo/errs"
	"go.uber.org/zap"
)

// Error is the default migrate errs class.
var Error = errs.Class("migrate")

// DB is the minimal database interface migrations run against.
type DB interface {
	BeginTx(ctx context.Context, opts *sql.TxOptions) (*sql.Tx, error)
}

// Migration describes migration steps for a database.
type Migration struct {
	Table string
	Steps []*Step
}

// Step describes a single step in a migration.
type Step struct {
	DB          DB
	Description string
	Version     int // versions start at 0
	Action      Action
}

// Action is something that needs to be done inside a migration step.
type Action interface {
	Run(ctx context.Context, log *zap.Logger, tx *sql.Tx) error
}

// SQL is an action running a list of statements in order.
type SQL []string

// Run executes the SQL statements.
func (statements SQL) Run(ctx context.Context, log *zap.Logger, tx *sql.Tx) error {
	for _, query := range statements {
		if _, err := tx.ExecContext(ctx, query); err != nil {
			return errs.Wrap(err)
		}
	}
	return nil
}

// Func is an arbitrary migration operation.
type Func func(ctx context.Context, log *zap.Logger, tx *sql.Tx) error

// Run implements Action.
func (fn Func) Run(ctx context.Context, log *zap.Logger, tx *sql.Tx) error {
	return fn(ctx, log, tx)
}

// ValidTableName checks whether the version table name is valid.
func (migration *Migration) ValidTableName() error {
	matched, err := regexp.MatchString(`^[a-z_]+$`, migration.Table)
	if !matched || err != nil {
		return Error.New("invalid table name: %v", migration.Table)
	}
	return nil
}

// ValidateSteps checks that the steps are sorted by version.
func (migration *Migration) ValidateSteps() error {
	sorted := sort.SliceIsSorted(migration.Steps, func(i, j int) bool {
		return migration.Steps[i].Version <= migration.Steps[j].Version
	})
	if !sorted {
		return Error.New("steps have incorrect order")
	}
	return nil
}

// Run runs all pending migration steps.
func (migration *Migration) Run(ctx context.Context, log *zap.Logger) error {
	if err := migration.ValidTableName(); err != nil {
		return err
	}
	if err := migration.ValidateSteps(); err != nil {
		return err
	}

	initialSetup := false
	for i, step := range migration.Steps {
		if step.DB == nil {
			return Error.New("step.DB is nil for step %d", step.Version)
		}

		if err := migration.ensureVersionTable(ctx, step.DB); err != nil {
			return Error.New("creating version table failed: %v", err)
		}

		version, err := migration.getLatestVersion(ctx, step.DB)
		if err != nil {
			return Error.Wrap(err)
		}
		if i == 0 && version < 0 {
			initialSetup = true
		}

		if step.Version <= version {
			continue
		}

		stepLog := log.Named(strconv.Itoa(step.Version))
		if !initialSetup {
			stepLog.Info(step.Description)
		}

		err = withTx(ctx, step.DB, func(tx *sql.Tx) error {
			if err := step.Action.Run(ctx, stepLog, tx); err != nil {
				return err
			}
			return migration.addVersion(ctx, tx, step.Version)
		})
		if err != nil {
			return Error.Wrap(err)
		}
	}

	if len(migration.Steps) > 0 {
		last := migration.Steps[len(migration.Steps)-1]
		if initialSetup {
			log.Info("Database Created", zap.Int("version", last.Version))
		} else {
			log.Info("Database Version", zap.Int("version", last.Version))
		}
	}

	return nil
}

// CurrentVersion finds the latest applied version for the db.
// It returns -1 when no migration has been applied.
func (migration *Migration) CurrentVersion(ctx context.Context, db DB) (int, error) {
	if err := migration.ensureVersionTable(ctx, db); err != nil {
		return -1, Error.Wrap(err)
	}
	return migration.getLatestVersion(ctx, db)
}

func (migration *Migration) ensureVersionTable(ctx context.Context, db DB) error {
	return withTx(ctx, db, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS `+migration.Table+` (version int, committed_at text)`)
		return err
	})
}

func (migration *Migration) getLatestVersion(ctx context.Context, db DB) (int, error) {
	var version sql.NullInt64
	err := withTx(ctx, db, func(tx *sql.Tx) error {
		err := tx.QueryRowContext(ctx, `SELECT MAX(version) FROM `+migration.Table).Scan(&version)
		if err == sql.ErrNoRows || !version.Valid {
			version.Int64 = -1
			return nil
		}
		return err
	})
	return int(version.Int64), Error.Wrap(err)
}

func (migration *Migration) addVersion(ctx context.Context, tx *sql.Tx, version int) error {
	// placeholder syntax differs between drivers, and both values are
	// trusted, so the statement is assembled directly
	_, err := tx.ExecContext(ctx, `INSERT INTO `+migration.Table+` (version, committed_at) VALUES (`+
		strconv.Itoa(version)+`, '`+time.Now().UTC().Format(time.RFC3339Nano)+`')`)
	return err
}

func withTx(ctx context.Context, db DB, fn func(tx *sql.Tx) error) (err error) {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			err = errs.Combine(err, tx.Rollback())
			return
		}
		err = tx.Commit()
	}()
	return fn(tx)
}
