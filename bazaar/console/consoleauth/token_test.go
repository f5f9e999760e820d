// Copyright (C) 2024 Bazaar Labs, Inc.
// See LICENSE for copying information.

package consoleauth

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"bazaar.io/bazaar/internal/testrand"
)

func TestToken(t *testing.T) {
	token := Token{
		Payload:   []byte{1, 2, 3},
		Signature: []byte{4, 5, 6},
	}

	tokenString := token.String()
	assert.True(t, len(tokenString) > 0)

	tokenFromString, err := FromBase64URLString(tokenString)
	assert.NoError(t, err)
	assert.Equal(t, token.Payload, tokenFromString.Payload)
	assert.Equal(t, token.Signature, tokenFromString.Signature)
}

func TestClaims(t *testing.T) {
	claims := Claims{
		ID:         testrand.UUID(),
		Email:      "alice@mail.test",
		Scope:      ScopeSession,
		Expiration: time.Now(),
	}

	claimsBytes, err := claims.JSON()
	assert.NoError(t, err)
	assert.NotNil(t, claimsBytes)

	parsed, err := FromJSON(claimsBytes)
	assert.NoError(t, err)
	assert.Equal(t, claims.ID, parsed.ID)
	assert.Equal(t, claims.Email, parsed.Email)
	assert.Equal(t, claims.Scope, parsed.Scope)
	assert.Equal(t, claims.Expiration.Unix(), parsed.Expiration.Unix())
}

func TestHmacSignerByValue(t *testing.T) {
	// callers pass Hmac both by value and by pointer
	var signer Signer = Hmac{Secret: testrand.BytesN(32)}

	serialized, err := CreateToken(&Claims{
		ID:         testrand.UUID(),
		Scope:      ScopeSession,
		Expiration: time.Now().Add(time.Hour),
	}, signer)
	require.NoError(t, err)

	_, err = ValidateToken(serialized, signer, time.Now())
	require.NoError(t, err)
}

func TestCreateValidateToken(t *testing.T) {
	signer := &Hmac{Secret: testrand.BytesN(32)}

	claims := &Claims{
		ID:         testrand.UUID(),
		Scope:      ScopeUpload,
		ModelID:    testrand.UUID(),
		ModelName:  "foo",
		Expiration: time.Now().Add(time.Hour),
	}

	serialized, err := CreateToken(claims, signer)
	require.NoError(t, err)

	parsed, err := ValidateToken(serialized, signer, time.Now())
	require.NoError(t, err)
	require.Equal(t, claims.ID, parsed.ID)
	require.Equal(t, claims.ModelID, parsed.ModelID)
	require.Equal(t, ScopeUpload, parsed.Scope)

	// expired token
	_, err = ValidateToken(serialized, signer, time.Now().Add(2*time.Hour))
	require.Error(t, err)

	// wrong signer
	other := &Hmac{Secret: testrand.BytesN(32)}
	_, err = ValidateToken(serialized, other, time.Now())
	require.Error(t, err)

	// tampered payload
	tampered, err := FromBase64URLString(serialized)
	require.NoError(t, err)
	tampered.Payload[0] ^= 0xff
	_, err = ValidateToken(tampered.String(), signer, time.Now())
	require.Error(t, err)
}
