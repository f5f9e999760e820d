// Copyright (C) 2024 Bazaar Labs, Inc.
// See LICENSE for copying information.

package consoleauth

import (
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"time"
)

// Signer creates signatures for provided data.
type Signer interface {
	Sign(data []byte) ([]byte, error)
}

// Hmac is an HMAC-SHA256 implementation of Signer.
type Hmac struct {
	Secret []byte
}

// Sign implements Signer.
func (a Hmac) Sign(data []byte) ([]byte, error) {
	mac := hmac.New(sha256.New, a.Secret)
	if _, err := mac.Write(data); err != nil {
		return nil, err
	}
	return mac.Sum(nil), nil
}

// SignToken signs the token's payload, replacing its signature.
func SignToken(token *Token, signer Signer) error {
	signature, err := signer.Sign(token.Payload)
	if err != nil {
		return err
	}
	token.Signature = signature
	return nil
}

// CreateToken signs claims and returns the serialized token.
func CreateToken(claims *Claims, signer Signer) (string, error) {
	payload, err := claims.JSON()
	if err != nil {
		return "", err
	}

	token := Token{Payload: payload}
	if err := SignToken(&token, signer); err != nil {
		return "", err
	}
	return token.String(), nil
}

// ValidateToken verifies the serialized token's signature against signer
// and returns its claims. Expiration is checked against now.
func ValidateToken(serialized string, signer Signer, now time.Time) (*Claims, error) {
	token, err := FromBase64URLString(serialized)
	if err != nil {
		return nil, err
	}

	signature := token.Signature
	if err := SignToken(&token, signer); err != nil {
		return nil, err
	}
	if subtle.ConstantTimeCompare(signature, token.Signature) != 1 {
		return nil, Error.New("incorrect signature")
	}

	claims, err := FromJSON(token.Payload)
	if err != nil {
		return nil, err
	}
	if !claims.Expiration.IsZero() && claims.Expiration.Before(now) {
		return nil, Error.New("token is outdated")
	}
	return claims, nil
}
