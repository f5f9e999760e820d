// Copyright (C) 2024 Bazaar Labs, Inc.
// See LICENSE for copying information.

// Package licensing verifies platform license files and enforces the
// storage capacity they grant.
package licensing

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/spacemonkeygo/monkit/v3"
	"github.com/zeebo/errs"
)

var mon = monkit.Package()

var (
	// Error is the default licensing errs class.
	Error = errs.Class("licensing")

	// ErrExpired is returned for licenses past their expiry.
	ErrExpired = errs.Class("license expired")

	// ErrCapacity is returned when an operation would exceed the
	// licensed storage capacity.
	ErrCapacity = errs.Class("license capacity exceeded")

	// ErrSignature is returned for invalid license signatures.
	ErrSignature = errs.Class("license signature")
)

// Config holds licensing configuration.
type Config struct {
	File string `help:"path to the platform license file" default:"$CONFDIR/license.json"`
	Key  string `help:"base64 key used to verify license signatures"`
}

// License is the verified payload of a license file.
type License struct {
	ID        uuid.UUID `json:"id"`
	IssuedTo  string    `json:"issued_to"`
	ExpiresAt time.Time `json:"expires_at"`
	// MaxModelBytes bounds the total committed artifact size across the
	// platform. Zero means unlimited.
	MaxModelBytes int64 `json:"max_model_bytes"`
}

// file is the on-disk envelope: a JSON payload plus its signature.
type file struct {
	Payload   json.RawMessage `json:"payload"`
	Signature string          `json:"signature"`
}

// Sign produces the on-disk license envelope for a payload. It is used
// by tests and the license issuing tool.
func Sign(license License, key []byte) ([]byte, error) {
	payload, err := json.Marshal(license)
	if err != nil {
		return nil, Error.Wrap(err)
	}
	mac := hmac.New(sha256.New, key)
	_, _ = mac.Write(payload)
	out, err := json.Marshal(file{
		Payload:   payload,
		Signature: base64.StdEncoding.EncodeToString(mac.Sum(nil)),
	})
	return out, Error.Wrap(err)
}

// Verify checks the signature of a license envelope and returns the
// payload. Expiry is not checked here; callers check it against their
// own clock.
func Verify(data, key []byte) (License, error) {
	var envelope file
	if err := json.Unmarshal(data, &envelope); err != nil {
		return License{}, Error.Wrap(err)
	}
	signature, err := base64.StdEncoding.DecodeString(envelope.Signature)
	if err != nil {
		return License{}, ErrSignature.Wrap(err)
	}
	mac := hmac.New(sha256.New, key)
	_, _ = mac.Write(envelope.Payload)
	if !hmac.Equal(signature, mac.Sum(nil)) {
		return License{}, ErrSignature.New("mismatch")
	}
	var license License
	if err := json.Unmarshal(envelope.Payload, &license); err != nil {
		return License{}, Error.Wrap(err)
	}
	return license, nil
}

// Service holds a verified license and answers capacity questions.
//
// architecture: Service
type Service struct {
	license License
}

// NewService loads and verifies the license at path.
func NewService(path string, key []byte) (*Service, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, Error.Wrap(err)
	}
	license, err := Verify(data, key)
	if err != nil {
		return nil, err
	}
	return &Service{license: license}, nil
}

// NewServiceWith wraps an already verified license.
func NewServiceWith(license License) *Service {
	return &Service{license: license}
}

// License returns the verified license payload.
func (service *Service) License() License { return service.license }

// CheckValid fails when the license has expired.
func (service *Service) CheckValid(now time.Time) error {
	if now.After(service.license.ExpiresAt) {
		return ErrExpired.New("expired at %s", service.license.ExpiresAt.Format(time.RFC3339))
	}
	return nil
}

// CheckCapacity fails when adding more bytes to the current total would
// exceed the licensed capacity.
func (service *Service) CheckCapacity(currentBytes, addedBytes int64) error {
	if service.license.MaxModelBytes == 0 {
		return nil
	}
	if currentBytes+addedBytes > service.license.MaxModelBytes {
		return ErrCapacity.New("%d + %d exceeds %d bytes",
			currentBytes, addedBytes, service.license.MaxModelBytes)
	}
	return nil
}
