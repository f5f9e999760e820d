// Copyright (C) 2024 Bazaar Labs, Inc.
// See LICENSE for copying information.

package consoleauth

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Token scopes. A token is only accepted by endpoints expecting its
// exact scope.
const (
	ScopeSession     = "session"
	ScopeUpload      = "upload"
	ScopeJob         = "job"
	ScopeCacheInsert = "cache-insert"
)

// Claims represents the data signed into a token.
type Claims struct {
	ID         uuid.UUID `json:"id"`
	Email      string    `json:"email,omitempty"`
	Scope      string    `json:"scope,omitempty"`
	ModelID    uuid.UUID `json:"model_id,omitempty"`
	ModelName  string    `json:"model_name,omitempty"`
	Expiration time.Time `json:"expires,omitempty"`
}

// JSON returns the json serialization of the claims.
func (c *Claims) JSON() ([]byte, error) {
	buffer := new(json.RawMessage)
	data, err := json.Marshal(c)
	if err != nil {
		return nil, err
	}
	*buffer = data
	return *buffer, nil
}

// FromJSON returns the claims parsed from a json serialization.
func FromJSON(data []byte) (*Claims, error) {
	claims := new(Claims)
	if err := json.Unmarshal(data, claims); err != nil {
		return nil, err
	}
	return claims, nil
}
