// Copyright (C) 2024 Bazaar Labs, Inc.
// See LICENSE for copying information.

package llmcache

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// Server exposes the cache over HTTP.
//
// architecture: Endpoint
type Server struct {
	log     *zap.Logger
	config  Config
	service *Service

	server http.Server
}

// NewServer wires the cache endpoints.
func NewServer(log *zap.Logger, config Config, service *Service) *Server {
	server := &Server{
		log:     log,
		config:  config,
		service: service,
	}

	router := mux.NewRouter()
	router.HandleFunc("/cache/token", server.handleToken).Methods(http.MethodGet)
	router.HandleFunc("/cache/suggestions", server.handleSuggestions).Methods(http.MethodGet)
	router.HandleFunc("/cache/query", server.handleQuery).Methods(http.MethodGet, http.MethodPost)
	router.HandleFunc("/cache/insert", server.handleInsert).Methods(http.MethodPost)
	router.HandleFunc("/cache/invalidate", server.handleInvalidate).Methods(http.MethodPost)
	router.HandleFunc("/health", server.handleHealth).Methods(http.MethodGet)

	server.server = http.Server{
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return server
}

// Handler exposes the router for tests.
func (server *Server) Handler() http.Handler { return server.server.Handler }

// Run serves until ctx is canceled.
func (server *Server) Run(ctx context.Context) (err error) {
	defer mon.Task()(&ctx)(&err)

	listener, err := net.Listen("tcp", server.config.Address)
	if err != nil {
		return Error.Wrap(err)
	}

	ctx, cancel := context.WithCancel(ctx)
	var group errgroup.Group
	group.Go(func() error {
		<-ctx.Done()
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutdownCancel()
		return Error.Wrap(server.server.Shutdown(shutdownCtx))
	})
	group.Go(func() error {
		defer cancel()
		err := server.server.Serve(listener)
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return Error.Wrap(err)
	})
	return group.Wait()
}

// Close shuts the server down.
func (server *Server) Close() error {
	return Error.Wrap(server.server.Close())
}

func serveJSON(w http.ResponseWriter, status int, message string, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]interface{}{
		"status_code": status,
		"message":     message,
		"data":        data,
	})
}

func (server *Server) serveError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case ErrUnauthorized.Has(err):
		status = http.StatusUnauthorized
	case ErrValidation.Has(err):
		status = http.StatusBadRequest
	}
	if status == http.StatusInternalServerError {
		server.log.Error("internal error", zap.Error(err))
		serveJSON(w, status, "internal server error", nil)
		return
	}
	serveJSON(w, status, err.Error(), nil)
}

func bearerToken(r *http.Request) (string, bool) {
	header := r.Header.Get("Authorization")
	if !strings.HasPrefix(header, "Bearer ") {
		return "", false
	}
	token := strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
	return token, token != ""
}

func queryModelID(r *http.Request) (uuid.UUID, error) {
	id, err := uuid.Parse(r.URL.Query().Get("model_id"))
	if err != nil {
		return uuid.Nil, ErrValidation.New("invalid model_id")
	}
	return id, nil
}

func (server *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	serveJSON(w, http.StatusOK, "ok", nil)
}

func (server *Server) handleToken(w http.ResponseWriter, r *http.Request) {
	token, ok := bearerToken(r)
	if !ok {
		server.serveError(w, ErrUnauthorized.New("missing bearer token"))
		return
	}
	modelID, err := queryModelID(r)
	if err != nil {
		server.serveError(w, err)
		return
	}

	insertToken, err := server.service.IssueInsertToken(r.Context(), token, modelID)
	if err != nil {
		server.serveError(w, err)
		return
	}
	serveJSON(w, http.StatusOK, "insert token issued", map[string]interface{}{
		"token": insertToken,
	})
}

func (server *Server) handleSuggestions(w http.ResponseWriter, r *http.Request) {
	modelID, err := queryModelID(r)
	if err != nil {
		server.serveError(w, err)
		return
	}

	suggestions, err := server.service.Suggest(r.Context(), modelID, r.URL.Query().Get("query"))
	if err != nil {
		server.serveError(w, err)
		return
	}
	serveJSON(w, http.StatusOK, "ok", map[string]interface{}{
		"suggestions": suggestions,
	})
}

func (server *Server) handleQuery(w http.ResponseWriter, r *http.Request) {
	var body struct {
		ModelID uuid.UUID `json:"model_id"`
		Query   string    `json:"query"`
	}
	if r.Method == http.MethodGet {
		modelID, err := queryModelID(r)
		if err != nil {
			server.serveError(w, err)
			return
		}
		body.ModelID = modelID
		body.Query = r.URL.Query().Get("query")
	} else if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		server.serveError(w, ErrValidation.New("malformed json body: %v", err))
		return
	}
	if body.Query == "" {
		server.serveError(w, ErrValidation.New("query is required"))
		return
	}

	result, err := server.service.Lookup(r.Context(), body.ModelID, body.Query)
	if err != nil {
		server.serveError(w, err)
		return
	}
	serveJSON(w, http.StatusOK, "ok", map[string]interface{}{
		"hit":    result != nil,
		"result": result,
	})
}

func (server *Server) handleInsert(w http.ResponseWriter, r *http.Request) {
	token, ok := bearerToken(r)
	if !ok {
		server.serveError(w, ErrUnauthorized.New("missing insert token"))
		return
	}
	var body struct {
		ModelID  uuid.UUID `json:"model_id"`
		Query    string    `json:"query"`
		ChunkID  string    `json:"chunk_id,omitempty"`
		Response string    `json:"response"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		server.serveError(w, ErrValidation.New("malformed json body: %v", err))
		return
	}

	err := server.service.Insert(r.Context(), token, body.ModelID, body.Query, body.ChunkID, body.Response)
	if err != nil {
		server.serveError(w, err)
		return
	}
	serveJSON(w, http.StatusAccepted, "insert buffered", nil)
}

func (server *Server) handleInvalidate(w http.ResponseWriter, r *http.Request) {
	token, ok := bearerToken(r)
	if !ok {
		server.serveError(w, ErrUnauthorized.New("missing bearer token"))
		return
	}
	// any holder of a valid platform token may invalidate; issuing an
	// insert token performs the same validation
	var body struct {
		ModelID uuid.UUID `json:"model_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		server.serveError(w, ErrValidation.New("malformed json body: %v", err))
		return
	}
	if _, err := server.service.IssueInsertToken(r.Context(), token, body.ModelID); err != nil {
		server.serveError(w, err)
		return
	}

	if err := server.service.Invalidate(r.Context(), body.ModelID); err != nil {
		server.serveError(w, err)
		return
	}
	serveJSON(w, http.StatusOK, "cache invalidated", nil)
}
