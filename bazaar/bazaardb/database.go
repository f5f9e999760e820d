// Copyright (C) 2024 Bazaar Labs, Inc.
// See LICENSE for copying information.

// Package bazaardb implements the console and catalog repositories on a
// SQL database, either postgres or sqlite.
package bazaardb

import (
	"context"
	"errors"
	"strings"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	sqlite3 "github.com/mattn/go-sqlite3"
	"github.com/zeebo/errs"
	"go.uber.org/zap"

	"bazaar.io/bazaar/bazaar/catalog"
	"bazaar.io/bazaar/bazaar/console"
)

// Error is the default bazaardb errs class.
var Error = errs.Class("bazaardb")

type implementation int

const (
	implPostgres implementation = iota
	implSQLite
)

// queryer is satisfied by both *sqlx.DB and *sqlx.Tx.
type queryer interface {
	sqlx.ExtContext
	GetContext(ctx context.Context, dest interface{}, query string, args ...interface{}) error
	SelectContext(ctx context.Context, dest interface{}, query string, args ...interface{}) error
}

// base carries the handle shared by all repositories. Inside a
// transaction db is the *sqlx.Tx and sdb stays the root handle.
type base struct {
	log  *zap.Logger
	db   queryer
	sdb  *sqlx.DB
	impl implementation
	inTx bool
}

// DB is the root database object.
//
// architecture: Database
type DB struct {
	base *base
}

// Open connects to the database at url. Supported schemes are
// postgres:// and sqlite3://; anything else is treated as a sqlite
// file path.
func Open(ctx context.Context, log *zap.Logger, url string) (*DB, error) {
	driver, source := driverFor(url)
	db, err := sqlx.ConnectContext(ctx, driver, source)
	if err != nil {
		return nil, Error.Wrap(err)
	}
	impl := implPostgres
	if driver == "sqlite3" {
		impl = implSQLite
		// sqlite serializes writers; a single connection avoids
		// SQLITE_BUSY under concurrent transactions
		db.SetMaxOpenConns(1)
	}
	return &DB{base: &base{log: log, db: db, sdb: db, impl: impl}}, nil
}

func driverFor(url string) (driver, source string) {
	switch {
	case strings.HasPrefix(url, "postgres://"), strings.HasPrefix(url, "postgresql://"):
		return "postgres", url
	case strings.HasPrefix(url, "sqlite3://"):
		return "sqlite3", strings.TrimPrefix(url, "sqlite3://")
	default:
		return "sqlite3", url
	}
}

// Close closes the underlying connection pool.
func (db *DB) Close() error {
	return Error.Wrap(db.base.sdb.Close())
}

// Console returns the console repositories.
func (db *DB) Console() console.DB { return &consoleDB{base: db.base} }

// Catalog returns the catalog repositories.
func (db *DB) Catalog() catalog.DB { return &catalogDB{base: db.base} }

// rebind converts ?-style placeholders to the driver's form.
func (b *base) rebind(query string) string {
	if b.impl == implPostgres {
		return sqlx.Rebind(sqlx.DOLLAR, query)
	}
	return query
}

// withTx runs fn inside a transaction. Nested calls join the enclosing
// transaction.
func (b *base) withTx(ctx context.Context, fn func(ctx context.Context, tx *base) error) (err error) {
	if b.inTx {
		return fn(ctx, b)
	}

	tx, err := b.sdb.BeginTxx(ctx, nil)
	if err != nil {
		return Error.Wrap(err)
	}
	defer func() {
		if err != nil {
			err = errs.Combine(err, tx.Rollback())
			return
		}
		err = Error.Wrap(tx.Commit())
	}()

	return fn(ctx, &base{log: b.log, db: tx, sdb: b.sdb, impl: b.impl, inTx: true})
}

// isConstraintError reports whether err is a unique or primary key
// violation on either backend.
func isConstraintError(err error) bool {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Code.Class() == "23"
	}
	var liteErr sqlite3.Error
	if errors.As(err, &liteErr) {
		return liteErr.Code == sqlite3.ErrConstraint
	}
	return false
}

type consoleDB struct{ base *base }

func (db *consoleDB) Users() console.Users             { return &users{db.base} }
func (db *consoleDB) Teams() console.Teams             { return &teams{db.base} }
func (db *consoleDB) TeamMembers() console.TeamMembers { return &teamMembers{db.base} }
func (db *consoleDB) ResetCodes() console.ResetCodes   { return &resetCodes{db.base} }

func (db *consoleDB) WithTx(ctx context.Context, fn func(ctx context.Context, tx console.DB) error) error {
	return db.base.withTx(ctx, func(ctx context.Context, tx *base) error {
		return fn(ctx, &consoleDB{base: tx})
	})
}

type catalogDB struct{ base *base }

func (db *catalogDB) Models() catalog.Models             { return &models{db.base} }
func (db *catalogDB) Metadata() catalog.Metadata         { return &metadata{db.base} }
func (db *catalogDB) Permissions() catalog.Permissions   { return &permissions{db.base} }
func (db *catalogDB) Dependencies() catalog.Dependencies { return &dependencies{db.base} }
func (db *catalogDB) JobMessages() catalog.JobMessages   { return &jobMessages{db.base} }
func (db *catalogDB) Deployments() catalog.Deployments   { return &deployments{db.base} }

func (db *catalogDB) WithTx(ctx context.Context, fn func(ctx context.Context, tx catalog.DB) error) error {
	return db.base.withTx(ctx, func(ctx context.Context, tx *base) error {
		return fn(ctx, &catalogDB{base: tx})
	})
}
