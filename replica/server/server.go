// Copyright (C) 2024 Bazaar Labs, Inc.
// See LICENSE for copying information.

// Package server implements the per-replica HTTP API. Reads are served
// from the in-memory index; writes are durably appended to the write
// log and folded in by the rebuilder. In dev mode writes are applied
// synchronously instead, so a single-process setup behaves read-your-
// writes.
package server

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
	"github.com/spacemonkeygo/monkit/v3"
	"github.com/zeebo/errs"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"bazaar.io/bazaar/internal/sync2"
	"bazaar.io/bazaar/replica/index"
	"bazaar.io/bazaar/replica/permcache"
	"bazaar.io/bazaar/replica/writelog"
)

var mon = monkit.Package()

var (
	// Error is the default replica server errs class.
	Error = errs.Class("replica")

	// ErrUnauthorized is returned on missing or invalid tokens.
	ErrUnauthorized = errs.Class("unauthorized")

	// ErrForbidden is returned when the caller lacks permission.
	ErrForbidden = errs.Class("forbidden")

	// ErrConflict is returned on name collisions during save.
	ErrConflict = errs.Class("conflict")

	// ErrValidation is returned on malformed requests.
	ErrValidation = errs.Class("validation")
)

// Modes of write handling.
const (
	ModeDev        = "dev"
	ModeProduction = "production"
)

// Config holds replica server configuration.
type Config struct {
	Address string `help:"address to listen on" default:":8090"`
	Mode    string `help:"write mode, dev applies synchronously, production defers to the rebuilder" default:"production"`

	LeaseOwner    string        `help:"writer identity for the log lease, defaults to the hostname" default:""`
	LeasePeriod   time.Duration `help:"writer lease period" default:"30s"`
	PermissionTTL time.Duration `help:"how long permission decisions are cached" default:"1m"`
}

// Saver uploads a snapshot as a new model.
type Saver interface {
	SaveSnapshot(ctx context.Context, token, name string, snapshot []byte) (string, error)
}

// Server serves one deployed replica.
type Server struct {
	log    *zap.Logger
	config Config

	index *index.Index
	wlog  *writelog.Log
	lease *writelog.Lease
	perms *permcache.Cache
	saver Saver

	server http.Server
}

// NewServer wires the replica endpoints.
func NewServer(log *zap.Logger, config Config, ix *index.Index, wlog *writelog.Log,
	lease *writelog.Lease, perms *permcache.Cache, saver Saver) *Server {

	server := &Server{
		log:    log,
		config: config,
		index:  ix,
		wlog:   wlog,
		lease:  lease,
		perms:  perms,
		saver:  saver,
	}

	router := mux.NewRouter()
	router.HandleFunc("/search", server.withPermission(permRead, server.handleSearch)).Methods(http.MethodPost)
	router.HandleFunc("/predict", server.withPermission(permRead, server.handlePredict)).Methods(http.MethodPost)
	router.HandleFunc("/insert", server.withPermission(permWrite, server.handleInsert)).Methods(http.MethodPost)
	router.HandleFunc("/delete", server.withPermission(permWrite, server.handleDelete)).Methods(http.MethodPost)
	router.HandleFunc("/upvote", server.withPermission(permRead, server.handleUpvote)).Methods(http.MethodPost)
	router.HandleFunc("/associate", server.withPermission(permRead, server.handleAssociate)).Methods(http.MethodPost)
	router.HandleFunc("/implicit-feedback", server.withPermission(permRead, server.handleImplicitFeedback)).Methods(http.MethodPost)
	router.HandleFunc("/save", server.withPermission(permWrite, server.handleSave)).Methods(http.MethodPost)
	router.HandleFunc("/health", server.handleHealth).Methods(http.MethodGet)

	server.server = http.Server{
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return server
}

// Handler exposes the router for tests.
func (server *Server) Handler() http.Handler { return server.server.Handler }

// Run serves until ctx is canceled, renewing the writer lease in the
// background. A lease held elsewhere does not stop the replica: writes
// keep landing in the local log and are reconciled later.
func (server *Server) Run(ctx context.Context) (err error) {
	defer mon.Task()(&ctx)(&err)

	if server.lease != nil {
		if err := server.lease.Acquire(ctx); err != nil {
			if !writelog.ErrLeaseHeld.Has(err) {
				return err
			}
			server.log.Warn("write lease held elsewhere, buffering locally", zap.Error(err))
		}
	}

	listener, err := net.Listen("tcp", server.config.Address)
	if err != nil {
		return Error.Wrap(err)
	}

	ctx, cancel := context.WithCancel(ctx)
	var group errgroup.Group
	if server.lease != nil {
		renew := sync2.NewCycle(server.config.LeasePeriod / 2)
		group.Go(func() error {
			return renew.Run(ctx, func(ctx context.Context) error {
				if err := server.lease.Renew(ctx); err != nil {
					server.log.Warn("lease renew failed", zap.Error(err))
				}
				return nil
			})
		})
	}
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

type permLevel int

const (
	permRead permLevel = iota
	permWrite
)

type callerKey int

const callerCtxKey callerKey = 0

func callerFrom(ctx context.Context) permcache.Decision {
	decision, _ := ctx.Value(callerCtxKey).(permcache.Decision)
	return decision
}

// withPermission resolves the bearer token through the permission cache
// and refuses callers below the wanted level.
func (server *Server) withPermission(want permLevel, handler http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		header := r.Header.Get("Authorization")
		if !strings.HasPrefix(header, "Bearer ") {
			server.serveError(w, ErrUnauthorized.New("missing bearer token"))
			return
		}
		token := strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))

		decision, err := server.perms.Get(r.Context(), token)
		if err != nil {
			server.serveError(w, err)
			return
		}
		switch {
		case want == permRead && !decision.Read:
			server.serveError(w, ErrForbidden.New("read access required"))
			return
		case want == permWrite && !decision.Write:
			server.serveError(w, ErrForbidden.New("write access required"))
			return
		}
		handler(w, r.WithContext(context.WithValue(r.Context(), callerCtxKey, decision)))
	}
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
	case ErrForbidden.Has(err):
		status = http.StatusForbidden
	case ErrConflict.Has(err):
		status = http.StatusConflict
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

func decodeJSON(r *http.Request, out interface{}) error {
	if err := json.NewDecoder(r.Body).Decode(out); err != nil {
		return ErrValidation.New("malformed json body: %v", err)
	}
	return nil
}

func (server *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	serveJSON(w, http.StatusOK, "ok", map[string]interface{}{
		"documents": server.index.Len(),
	})
}

func (server *Server) handleSearch(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Query string `json:"query"`
		TopK  int    `json:"top_k,omitempty"`
	}
	if err := decodeJSON(r, &body); err != nil {
		server.serveError(w, err)
		return
	}
	if body.Query == "" {
		server.serveError(w, ErrValidation.New("query is required"))
		return
	}
	serveJSON(w, http.StatusOK, "ok", map[string]interface{}{
		"results": server.index.Search(body.Query, body.TopK),
	})
}

func (server *Server) handlePredict(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Query string `json:"query"`
	}
	if err := decodeJSON(r, &body); err != nil {
		server.serveError(w, err)
		return
	}
	results := server.index.Search(body.Query, 1)
	var top interface{}
	if len(results) > 0 {
		top = results[0]
	}
	serveJSON(w, http.StatusOK, "ok", map[string]interface{}{
		"prediction": top,
	})
}

// appendWrite logs the mutation and, in dev mode, applies it
// immediately. Production callers get 202: the write is durable but
// not yet visible.
func (server *Server) appendWrite(w http.ResponseWriter, r *http.Request, op writelog.Op, payload interface{}) {
	ctx := r.Context()

	raw, err := json.Marshal(payload)
	if err != nil {
		server.serveError(w, Error.Wrap(err))
		return
	}
	rec := writelog.Record{
		Op:        op,
		Timestamp: time.Now(),
		Caller:    callerFrom(ctx).UserID,
		Payload:   raw,
	}
	if err := server.wlog.Append(ctx, rec); err != nil {
		server.serveError(w, err)
		return
	}

	if server.config.Mode == ModeDev {
		if err := server.index.Apply(rec); err != nil {
			server.serveError(w, err)
			return
		}
		serveJSON(w, http.StatusOK, "applied", nil)
		return
	}
	serveJSON(w, http.StatusAccepted, "accepted", nil)
}

func (server *Server) handleInsert(w http.ResponseWriter, r *http.Request) {
	var payload index.InsertPayload
	if err := decodeJSON(r, &payload); err != nil {
		server.serveError(w, err)
		return
	}
	if len(payload.Documents) == 0 {
		server.serveError(w, ErrValidation.New("documents are required"))
		return
	}
	for i := range payload.Documents {
		if payload.Documents[i].ID == "" {
			payload.Documents[i].ID = uuid.NewString()
		}
	}
	server.appendWrite(w, r, writelog.OpInsert, payload)
}

func (server *Server) handleDelete(w http.ResponseWriter, r *http.Request) {
	var payload index.DeletePayload
	if err := decodeJSON(r, &payload); err != nil {
		server.serveError(w, err)
		return
	}
	if len(payload.IDs) == 0 {
		server.serveError(w, ErrValidation.New("ids are required"))
		return
	}
	server.appendWrite(w, r, writelog.OpDelete, payload)
}

func (server *Server) handleUpvote(w http.ResponseWriter, r *http.Request) {
	var payload index.UpvotePayload
	if err := decodeJSON(r, &payload); err != nil {
		server.serveError(w, err)
		return
	}
	if payload.Query == "" || payload.DocumentID == "" {
		server.serveError(w, ErrValidation.New("query and document_id are required"))
		return
	}
	server.appendWrite(w, r, writelog.OpUpvote, payload)
}

func (server *Server) handleImplicitFeedback(w http.ResponseWriter, r *http.Request) {
	var payload index.UpvotePayload
	if err := decodeJSON(r, &payload); err != nil {
		server.serveError(w, err)
		return
	}
	if payload.Query == "" || payload.DocumentID == "" {
		server.serveError(w, ErrValidation.New("query and document_id are required"))
		return
	}
	server.appendWrite(w, r, writelog.OpImplicitFeedback, payload)
}

func (server *Server) handleAssociate(w http.ResponseWriter, r *http.Request) {
	var payload index.AssociatePayload
	if err := decodeJSON(r, &payload); err != nil {
		server.serveError(w, err)
		return
	}
	if payload.Source == "" || payload.Target == "" {
		server.serveError(w, ErrValidation.New("source and target are required"))
		return
	}
	server.appendWrite(w, r, writelog.OpAssociate, payload)
}

// handleSave snapshots the current index and uploads it as a new model
// through the control plane. Overriding the deployed model is reserved
// for its owner; everyone else saves under a fresh name.
func (server *Server) handleSave(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var body struct {
		ModelName string `json:"model_name"`
		Override  bool   `json:"override,omitempty"`
	}
	if err := decodeJSON(r, &body); err != nil {
		server.serveError(w, err)
		return
	}
	if body.ModelName == "" {
		server.serveError(w, ErrValidation.New("model_name is required"))
		return
	}
	if body.Override && !callerFrom(ctx).Owner {
		server.serveError(w, ErrForbidden.New("only the owner may override"))
		return
	}

	snapshot, err := server.index.Snapshot()
	if err != nil {
		server.serveError(w, err)
		return
	}
	token := strings.TrimSpace(strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer "))
	modelID, err := server.saver.SaveSnapshot(ctx, token, body.ModelName, snapshot)
	if err != nil {
		server.serveError(w, err)
		return
	}
	serveJSON(w, http.StatusOK, "model saved", map[string]interface{}{
		"model_id": modelID,
		"name":     body.ModelName,
	})
}
