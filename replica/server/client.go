// Copyright (C) 2024 Bazaar Labs, Inc.
// See LICENSE for copying information.

package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/zeebo/errs"

	"bazaar.io/bazaar/replica/permcache"
)

// ErrControlPlane is returned on control plane request failures.
var ErrControlPlane = errs.Class("control plane")

// ControlPlane talks to the bazaar API on behalf of a replica: it
// resolves caller permissions and uploads saved snapshots as new
// models.
type ControlPlane struct {
	baseURL      string
	deploymentID uuid.UUID
	client       *http.Client
}

// NewControlPlane creates a client bound to one deployment.
func NewControlPlane(baseURL string, deploymentID uuid.UUID) *ControlPlane {
	return &ControlPlane{
		baseURL:      baseURL,
		deploymentID: deploymentID,
		client:       &http.Client{Timeout: 10 * time.Second},
	}
}

// Permissions resolves what the holder of token may do against this
// deployment's model.
func (cp *ControlPlane) Permissions(ctx context.Context, token string) (permcache.Decision, error) {
	var decision permcache.Decision
	err := cp.do(ctx, http.MethodGet,
		"/api/deploy/permissions/"+cp.deploymentID.String(), token, nil, &decision)
	return decision, err
}

// SaveSnapshot uploads the snapshot bytes as a new committed model and
// returns the new model id.
func (cp *ControlPlane) SaveSnapshot(ctx context.Context, token, name string, snapshot []byte) (string, error) {
	var issued struct {
		Token   string `json:"token"`
		ModelID string `json:"model_id"`
	}
	target := "/api/model/upload-token?" + url.Values{
		"model_name": {name},
		"size":       {strconv.Itoa(len(snapshot))},
		"type":       {"ndb"},
	}.Encode()
	if err := cp.do(ctx, http.MethodGet, target, token, nil, &issued); err != nil {
		return "", err
	}

	err := cp.do(ctx, http.MethodPost,
		"/api/model/upload-chunk?chunk_number=1", issued.Token, snapshot, nil)
	if err != nil {
		return "", err
	}

	commit, err := json.Marshal(map[string]interface{}{"type": "ndb"})
	if err != nil {
		return "", ErrControlPlane.Wrap(err)
	}
	err = cp.do(ctx, http.MethodPost,
		"/api/model/upload-commit?total_chunks=1", issued.Token, commit, nil)
	if err != nil {
		return "", err
	}
	return issued.ModelID, nil
}

func (cp *ControlPlane) do(ctx context.Context, method, target, token string, body []byte, out interface{}) error {
	var reader *bytes.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	} else {
		reader = bytes.NewReader(nil)
	}
	req, err := http.NewRequestWithContext(ctx, method, cp.baseURL+target, reader)
	if err != nil {
		return ErrControlPlane.Wrap(err)
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := cp.client.Do(req)
	if err != nil {
		return ErrControlPlane.Wrap(err)
	}
	defer func() { _ = resp.Body.Close() }()

	var envelope struct {
		Message string          `json:"message"`
		Data    json.RawMessage `json:"data"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&envelope); err != nil {
		return ErrControlPlane.New("%s %s: status %d", method, target, resp.StatusCode)
	}
	if resp.StatusCode != http.StatusOK {
		return controlPlaneStatus(resp.StatusCode, envelope.Message)
	}
	if out == nil {
		return nil
	}
	return ErrControlPlane.Wrap(json.Unmarshal(envelope.Data, out))
}

func controlPlaneStatus(status int, message string) error {
	err := fmt.Errorf("%s", message)
	switch status {
	case http.StatusUnauthorized:
		return ErrUnauthorized.Wrap(err)
	case http.StatusForbidden:
		return ErrForbidden.Wrap(err)
	case http.StatusConflict:
		return ErrConflict.Wrap(err)
	}
	return ErrControlPlane.Wrap(err)
}
