// Copyright (C) 2024 Bazaar Labs, Inc.
// See LICENSE for copying information.

package llmdispatch

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/google/uuid"
)

// CacheClient posts finished responses to the llmcache HTTP API. It
// exchanges its platform token for short-lived insert tokens on demand
// and refreshes them when they age out.
type CacheClient struct {
	baseURL       string
	platformToken string
	client        *http.Client

	mu          sync.Mutex
	insertToken string
	tokenTaken  time.Time
}

// insertTokenMaxAge forces a token refresh well before the cache-side
// lifetime runs out.
const insertTokenMaxAge = 4 * time.Minute

// NewCacheClient creates a client for the cache at baseURL.
func NewCacheClient(baseURL, platformToken string) *CacheClient {
	return &CacheClient{
		baseURL:       baseURL,
		platformToken: platformToken,
		client:        &http.Client{Timeout: 5 * time.Second},
	}
}

// Insert posts one response to the cache.
func (cc *CacheClient) Insert(ctx context.Context, modelID uuid.UUID, query, response string) (err error) {
	defer mon.Task()(&ctx)(&err)

	token, err := cc.freshInsertToken(ctx, modelID)
	if err != nil {
		return err
	}

	body, err := json.Marshal(map[string]interface{}{
		"model_id": modelID,
		"query":    query,
		"response": response,
	})
	if err != nil {
		return Error.Wrap(err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		cc.baseURL+"/cache/insert", bytes.NewReader(body))
	if err != nil {
		return Error.Wrap(err)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Content-Type", "application/json")

	resp, err := cc.client.Do(req)
	if err != nil {
		return Error.Wrap(err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusAccepted && resp.StatusCode != http.StatusOK {
		return Error.New("cache insert: status %d", resp.StatusCode)
	}
	return nil
}

func (cc *CacheClient) freshInsertToken(ctx context.Context, modelID uuid.UUID) (string, error) {
	cc.mu.Lock()
	defer cc.mu.Unlock()

	if cc.insertToken != "" && time.Since(cc.tokenTaken) < insertTokenMaxAge {
		return cc.insertToken, nil
	}

	target := cc.baseURL + "/cache/token?" + url.Values{"model_id": {modelID.String()}}.Encode()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return "", Error.Wrap(err)
	}
	req.Header.Set("Authorization", "Bearer "+cc.platformToken)

	resp, err := cc.client.Do(req)
	if err != nil {
		return "", Error.Wrap(err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return "", Error.New("cache token exchange: status %d", resp.StatusCode)
	}
	var envelope struct {
		Data struct {
			Token string `json:"token"`
		} `json:"data"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&envelope); err != nil {
		return "", Error.Wrap(err)
	}

	cc.insertToken = envelope.Data.Token
	cc.tokenTaken = time.Now()
	return cc.insertToken, nil
}
