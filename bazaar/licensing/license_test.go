// Copyright (C) 2024 Bazaar Labs, Inc.
// See LICENSE for copying information.

package licensing

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"bazaar.io/bazaar/internal/testrand"
)

func TestSignVerify(t *testing.T) {
	key := testrand.BytesN(32)
	license := License{
		ID:            testrand.UUID(),
		IssuedTo:      "acme",
		ExpiresAt:     time.Now().Add(24 * time.Hour).UTC().Truncate(time.Second),
		MaxModelBytes: 1 << 30,
	}

	data, err := Sign(license, key)
	require.NoError(t, err)

	verified, err := Verify(data, key)
	require.NoError(t, err)
	require.Equal(t, license, verified)

	_, err = Verify(data, testrand.BytesN(32))
	require.True(t, ErrSignature.Has(err))
}

func TestCheckValid(t *testing.T) {
	now := time.Now()
	service := NewServiceWith(License{ExpiresAt: now.Add(time.Hour)})
	require.NoError(t, service.CheckValid(now))
	require.True(t, ErrExpired.Has(service.CheckValid(now.Add(2*time.Hour))))
}

func TestCheckCapacity(t *testing.T) {
	service := NewServiceWith(License{MaxModelBytes: 1000})
	require.NoError(t, service.CheckCapacity(400, 600))
	require.True(t, ErrCapacity.Has(service.CheckCapacity(400, 601)))

	unlimited := NewServiceWith(License{})
	require.NoError(t, unlimited.CheckCapacity(1<<40, 1<<40))
}
