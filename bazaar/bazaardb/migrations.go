// Copyright (C) 2024 Bazaar Labs, Inc.
// See LICENSE for copying information.

package bazaardb

import (
	"context"

	"bazaar.io/bazaar/internal/migrate"
)

// MigrateToLatest applies all pending schema migrations.
func (db *DB) MigrateToLatest(ctx context.Context) error {
	migration := db.migration()
	return Error.Wrap(migration.Run(ctx, db.base.log.Named("migrate")))
}

func (db *DB) migration() *migrate.Migration {
	serial := "BIGSERIAL PRIMARY KEY"
	if db.base.impl == implSQLite {
		serial = "INTEGER PRIMARY KEY AUTOINCREMENT"
	}

	return &migrate.Migration{
		Table: "versions",
		Steps: []*migrate.Step{
			{
				DB:          db.base.sdb.DB,
				Description: "initial schema",
				Version:     0,
				Action: migrate.SQL{
					`CREATE TABLE users (
						id text NOT NULL,
						username text NOT NULL,
						email text NOT NULL,
						full_name text NOT NULL,
						password_hash text NOT NULL,
						verified boolean NOT NULL DEFAULT false,
						admin boolean NOT NULL DEFAULT false,
						created_at timestamp NOT NULL,
						PRIMARY KEY ( id ),
						UNIQUE ( username ),
						UNIQUE ( email )
					)`,
					`CREATE TABLE teams (
						id text NOT NULL,
						name text NOT NULL,
						created_at timestamp NOT NULL,
						PRIMARY KEY ( id ),
						UNIQUE ( name )
					)`,
					`CREATE TABLE team_members (
						user_id text NOT NULL REFERENCES users( id ) ON DELETE CASCADE,
						team_id text NOT NULL REFERENCES teams( id ) ON DELETE CASCADE,
						role text NOT NULL,
						created_at timestamp NOT NULL,
						PRIMARY KEY ( user_id, team_id )
					)`,
					`CREATE TABLE reset_codes (
						user_id text NOT NULL REFERENCES users( id ) ON DELETE CASCADE,
						code_hash text NOT NULL,
						expires_at timestamp NOT NULL,
						PRIMARY KEY ( user_id )
					)`,
					`CREATE TABLE models (
						id text NOT NULL,
						name text NOT NULL,
						owner_id text NOT NULL,
						team_id text,
						access text NOT NULL,
						default_perm integer NOT NULL DEFAULT 0,
						kind text NOT NULL,
						sub_kind text NOT NULL DEFAULT '',
						train_state text NOT NULL,
						parent_id text,
						job_id text NOT NULL DEFAULT '',
						published_at timestamp NOT NULL,
						size_bytes bigint NOT NULL DEFAULT 0,
						downloads bigint NOT NULL DEFAULT 0,
						PRIMARY KEY ( id ),
						UNIQUE ( owner_id, name )
					)`,
					`CREATE TABLE model_metadata (
						model_id text NOT NULL REFERENCES models( id ) ON DELETE CASCADE,
						general text NOT NULL DEFAULT '{}',
						train text NOT NULL DEFAULT '{}',
						PRIMARY KEY ( model_id )
					)`,
					`CREATE TABLE model_permissions (
						user_id text NOT NULL,
						model_id text NOT NULL REFERENCES models( id ) ON DELETE CASCADE,
						perm integer NOT NULL,
						PRIMARY KEY ( user_id, model_id )
					)`,
					`CREATE TABLE model_dependencies (
						model_id text NOT NULL REFERENCES models( id ) ON DELETE CASCADE,
						depends_on_id text NOT NULL,
						PRIMARY KEY ( model_id, depends_on_id )
					)`,
					`CREATE TABLE job_messages (
						id ` + serial + `,
						model_id text NOT NULL,
						created_at timestamp NOT NULL,
						kind text NOT NULL,
						level text NOT NULL,
						text text NOT NULL
					)`,
					`CREATE TABLE deployments (
						id text NOT NULL,
						name text NOT NULL,
						owner_id text NOT NULL,
						model_id text NOT NULL REFERENCES models( id ),
						state text NOT NULL,
						job_id text NOT NULL DEFAULT '',
						replicas integer NOT NULL DEFAULT 1,
						created_at timestamp NOT NULL,
						PRIMARY KEY ( id ),
						UNIQUE ( owner_id, name )
					)`,
					`CREATE INDEX job_messages_model_id_index ON job_messages ( model_id )`,
					`CREATE INDEX deployments_model_id_index ON deployments ( model_id )`,
				},
			},
		},
	}
}
