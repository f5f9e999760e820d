// Copyright (C) 2024 Bazaar Labs, Inc.
// See LICENSE for copying information.

package llmcache

import (
	"context"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"bazaar.io/bazaar/bazaar/console/consoleauth"
)

// Config holds cache service configuration.
type Config struct {
	Address   string  `help:"address to listen on" default:":8095"`
	StorePath string  `help:"path of the bbolt store" default:"llmcache.db"`
	LogPath   string  `help:"path of the insert log" default:"llmcache.log"`
	Threshold float64 `help:"similarity threshold for a cache hit" default:"0.95"`

	InsertTokenLifetime time.Duration `help:"lifetime of issued cache-insert tokens" default:"5m"`
	RefreshInterval     time.Duration `help:"how often the insert log is folded into the store" default:"1m"`
}

// maxCandidates caps the rerank set per lookup.
const maxCandidates = 5

// maxSuggestions caps the suggestion list.
const maxSuggestions = 5

// Service answers cache lookups and buffers inserts.
//
// architecture: Service
type Service struct {
	log    *zap.Logger
	store  *Store
	buffer *InsertLog
	signer consoleauth.Signer
	config Config
}

// NewService creates a cache service.
func NewService(log *zap.Logger, store *Store, buffer *InsertLog, signer consoleauth.Signer, config Config) *Service {
	if config.Threshold == 0 {
		config.Threshold = 0.95
	}
	return &Service{
		log:    log,
		store:  store,
		buffer: buffer,
		signer: signer,
		config: config,
	}
}

// Suggest returns cached queries completing the prefix.
func (service *Service) Suggest(ctx context.Context, modelID uuid.UUID, prefix string) (_ []string, err error) {
	defer mon.Task()(&ctx)(&err)
	return service.store.Suggest(modelID, prefix, maxSuggestions)
}

// LookupResult is a cache hit.
type LookupResult struct {
	Query    string  `json:"query"`
	Response string  `json:"response"`
	ChunkID  string  `json:"chunk_id,omitempty"`
	Score    float64 `json:"score"`
}

// Lookup scans a small candidate set and reranks it by token overlap.
// It returns nil without error on a miss.
func (service *Service) Lookup(ctx context.Context, modelID uuid.UUID, query string) (_ *LookupResult, err error) {
	defer mon.Task()(&ctx)(&err)

	candidates, err := service.store.Candidates(modelID, query, maxCandidates)
	if err != nil {
		return nil, err
	}

	queryTokens := Tokenize(query)
	var best *LookupResult
	for _, candidate := range candidates {
		tokens := candidate.Tokens
		if len(tokens) == 0 {
			tokens = Tokenize(candidate.Query)
		}
		score := similarity(queryTokens, tokens)
		if score < service.config.Threshold {
			continue
		}
		if best == nil || score > best.Score {
			best = &LookupResult{
				Query:    candidate.Query,
				Response: candidate.Response,
				ChunkID:  candidate.ChunkID,
				Score:    score,
			}
		}
	}
	return best, nil
}

// Insert buffers a new cache entry; it becomes visible after the next
// refresh. The token must be a cache-insert token scoped to the model.
func (service *Service) Insert(ctx context.Context, token string, modelID uuid.UUID, query, chunkID, response string) (err error) {
	defer mon.Task()(&ctx)(&err)

	if err := service.authorizeInsert(token, modelID); err != nil {
		return err
	}
	if strings.TrimSpace(query) == "" || response == "" {
		return ErrValidation.New("query and response are required")
	}

	return service.buffer.Append(ctx, LoggedEntry{
		ModelID: modelID,
		Entry: Entry{
			ID:         uuid.NewString(),
			Query:      query,
			Tokens:     Tokenize(query),
			ChunkID:    chunkID,
			Response:   response,
			InsertedAt: time.Now().UTC(),
		},
	})
}

// Invalidate drops a model's cached entries and stamps a watermark so
// buffered inserts from before the invalidation never resurface.
func (service *Service) Invalidate(ctx context.Context, modelID uuid.UUID) (err error) {
	defer mon.Task()(&ctx)(&err)

	if err := service.store.SetWatermark(modelID, time.Now().UTC()); err != nil {
		return err
	}
	return service.store.DropModel(modelID)
}

// IssueInsertToken exchanges a session token for a short-lived insert
// token scoped to one model.
func (service *Service) IssueInsertToken(ctx context.Context, sessionToken string, modelID uuid.UUID) (_ string, err error) {
	defer mon.Task()(&ctx)(&err)

	claims, err := consoleauth.ValidateToken(sessionToken, service.signer, time.Now())
	if err != nil {
		return "", ErrUnauthorized.Wrap(err)
	}
	if claims.Scope != consoleauth.ScopeSession && claims.Scope != consoleauth.ScopeJob {
		return "", ErrUnauthorized.New("session or job token required")
	}

	return consoleauth.CreateToken(&consoleauth.Claims{
		ID:         claims.ID,
		Scope:      consoleauth.ScopeCacheInsert,
		ModelID:    modelID,
		Expiration: time.Now().Add(service.config.InsertTokenLifetime),
	}, service.signer)
}

func (service *Service) authorizeInsert(token string, modelID uuid.UUID) error {
	claims, err := consoleauth.ValidateToken(token, service.signer, time.Now())
	if err != nil {
		return ErrUnauthorized.Wrap(err)
	}
	if claims.Scope != consoleauth.ScopeCacheInsert {
		return ErrUnauthorized.New("not a cache-insert token")
	}
	if claims.ModelID != modelID {
		return ErrUnauthorized.New("token is scoped to another model")
	}
	return nil
}

// Tokenize lowercases and splits a query into comparison tokens.
func Tokenize(s string) []string {
	fields := strings.FieldsFunc(strings.ToLower(s), func(r rune) bool {
		return !('a' <= r && r <= 'z' || '0' <= r && r <= '9')
	})
	return fields
}

// similarity is the token containment coefficient of two queries: the
// shared token count over the smaller token set. A short cached query
// fully contained in a longer lookup query scores 1.0, so "capital of
// france" matches "what is the capital of france".
func similarity(a, b []string) float64 {
	if len(a) == 0 && len(b) == 0 {
		return 1
	}
	setA := map[string]bool{}
	for _, token := range a {
		setA[token] = true
	}
	setB := map[string]bool{}
	for _, token := range b {
		setB[token] = true
	}
	var intersection int
	for token := range setA {
		if setB[token] {
			intersection++
		}
	}
	smaller := len(setA)
	if len(setB) < smaller {
		smaller = len(setB)
	}
	if smaller == 0 {
		return 0
	}
	return float64(intersection) / float64(smaller)
}
