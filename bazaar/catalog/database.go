// Copyright (C) 2024 Bazaar Labs, Inc.
// See LICENSE for copying information.

package catalog

import "context"

// DB contains access to the different catalog repositories.
//
// architecture: Database
type DB interface {
	// Models is a getter for the Models repository.
	Models() Models
	// Metadata is a getter for the Metadata repository.
	Metadata() Metadata
	// Permissions is a getter for the Permissions repository.
	Permissions() Permissions
	// Dependencies is a getter for the Dependencies repository.
	Dependencies() Dependencies
	// JobMessages is a getter for the JobMessages repository.
	JobMessages() JobMessages
	// Deployments is a getter for the Deployments repository.
	Deployments() Deployments

	// WithTx runs fn inside a single database transaction. The
	// repositories of the DB passed to fn operate on that transaction.
	WithTx(ctx context.Context, fn func(ctx context.Context, tx DB) error) error
}
