// Copyright (C) 2024 Bazaar Labs, Inc.
// See LICENSE for copying information.

package console

import (
	"context"

	"bazaar.io/bazaar/bazaar/console/consoleauth"
)

// Authorization contains the authenticated user and its token claims.
type Authorization struct {
	User   User
	Claims consoleauth.Claims
}

type authKey int

const authCtxKey authKey = 0

// WithAuth creates a new context with Authorization.
func WithAuth(ctx context.Context, auth Authorization) context.Context {
	return context.WithValue(ctx, authCtxKey, auth)
}

// GetAuth returns the Authorization from context.
func GetAuth(ctx context.Context) (Authorization, error) {
	value := ctx.Value(authCtxKey)
	if auth, ok := value.(Authorization); ok {
		return auth, nil
	}
	return Authorization{}, ErrUnauthorized.New("missing authorization")
}
