// Copyright (C) 2024 Bazaar Labs, Inc.
// See LICENSE for copying information.

package console

import "context"

// DB contains access to the different console repositories.
//
// architecture: Database
type DB interface {
	// Users is a getter for the Users repository.
	Users() Users
	// Teams is a getter for the Teams repository.
	Teams() Teams
	// TeamMembers is a getter for the TeamMembers repository.
	TeamMembers() TeamMembers
	// ResetCodes is a getter for the ResetCodes repository.
	ResetCodes() ResetCodes

	// WithTx runs fn inside a single database transaction.
	WithTx(ctx context.Context, fn func(ctx context.Context, tx DB) error) error
}
