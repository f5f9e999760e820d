// Copyright (C) 2024 Bazaar Labs, Inc.
// See LICENSE for copying information.

package bazaarweb

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"bazaar.io/bazaar/bazaar/artifacts"
	"bazaar.io/bazaar/bazaar/catalog"
	"bazaar.io/bazaar/bazaar/console"
	"bazaar.io/bazaar/bazaar/licensing"
	"bazaar.io/bazaar/bazaar/orchestrator"
	"bazaar.io/bazaar/bazaar/runner"
)

// envelope is the uniform response shape of every JSON endpoint.
type envelope struct {
	StatusCode int         `json:"status_code"`
	Message    string      `json:"message"`
	Data       interface{} `json:"data,omitempty"`
}

func serveJSON(w http.ResponseWriter, status int, message string, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(envelope{
		StatusCode: status,
		Message:    message,
		Data:       data,
	})
}

// statusFor maps error classes onto HTTP statuses.
func statusFor(err error) int {
	switch {
	case console.ErrUnauthorized.Has(err), console.ErrUnverified.Has(err):
		return http.StatusUnauthorized
	case console.ErrForbidden.Has(err), licensing.ErrExpired.Has(err), licensing.ErrCapacity.Has(err):
		return http.StatusForbidden
	case console.ErrNotFound.Has(err), catalog.ErrNotFound.Has(err), artifacts.ErrNoArtifact.Has(err):
		return http.StatusNotFound
	case console.ErrConflict.Has(err), catalog.ErrNameTaken.Has(err):
		return http.StatusConflict
	case console.ErrValidation.Has(err), catalog.ErrInvalidTransition.Has(err),
		orchestrator.ErrPrecondition.Has(err), artifacts.ErrMissingChunk.Has(err),
		artifacts.ErrNotReserved.Has(err):
		return http.StatusBadRequest
	case runner.ErrUnavailable.Has(err):
		return http.StatusBadGateway
	}
	return http.StatusInternalServerError
}

func (server *Server) serveError(w http.ResponseWriter, err error) {
	status := statusFor(err)
	if status == http.StatusInternalServerError {
		server.log.Error("internal error", zap.Error(err))
		serveJSON(w, status, "internal server error", nil)
		return
	}
	serveJSON(w, status, err.Error(), nil)
}

// withUser requires a valid session bearer token and stores the
// Authorization in the request context.
func (server *Server) withUser(handler http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		token, ok := bearerToken(r)
		if !ok {
			server.serveError(w, console.ErrUnauthorized.New("missing bearer token"))
			return
		}
		auth, err := server.console.Authorize(r.Context(), token)
		if err != nil {
			server.serveError(w, err)
			return
		}
		handler(w, r.WithContext(console.WithAuth(r.Context(), auth)))
	}
}

func bearerToken(r *http.Request) (string, bool) {
	header := r.Header.Get("Authorization")
	if !strings.HasPrefix(header, "Bearer ") {
		return "", false
	}
	token := strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
	return token, token != ""
}

// viewerFrom builds the catalog viewer of an authenticated request.
func viewerFrom(auth console.Authorization) catalog.Viewer {
	return catalog.Viewer{UserID: auth.User.ID, Admin: auth.User.Admin}
}

// publicViewer is the synthetic principal for tokenless endpoints.
var publicViewer = catalog.Viewer{Public: true}

// resolveModelIdentifier accepts either a model id or an owner/name
// pair like "alice/classifier".
func (server *Server) resolveModelIdentifier(r *http.Request, identifier string) (*catalog.Model, error) {
	ctx := r.Context()

	if owner, name, found := strings.Cut(identifier, "/"); found {
		user, err := server.consoleDB.Users().GetByUsername(ctx, owner)
		if err != nil {
			return nil, catalog.ErrNotFound.New("model %s", identifier)
		}
		return server.catalog.Models().GetByOwnerAndName(ctx, user.ID, name)
	}

	id, err := uuid.Parse(identifier)
	if err != nil {
		return nil, console.ErrValidation.New("invalid model identifier %q", identifier)
	}
	return server.catalog.Models().Get(ctx, id)
}

// requireModelPermission loads the model and checks the caller reaches
// the wanted permission level.
func (server *Server) requireModelPermission(r *http.Request, viewer catalog.Viewer, identifier string, want catalog.Permission) (*catalog.Model, error) {
	model, err := server.resolveModelIdentifier(r, identifier)
	if err != nil {
		return nil, err
	}
	decision, err := server.console.ResolveModelPermission(r.Context(), viewer, *model)
	if err != nil {
		return nil, err
	}
	if decision.Perm < want {
		return nil, console.ErrForbidden.New("%s access required", want)
	}
	return model, nil
}

func decodeJSON(r *http.Request, out interface{}) error {
	if err := json.NewDecoder(r.Body).Decode(out); err != nil {
		return console.ErrValidation.New("malformed json body: %v", err)
	}
	return nil
}

func queryUUID(r *http.Request, key string) (uuid.UUID, error) {
	id, err := uuid.Parse(r.URL.Query().Get(key))
	if err != nil {
		return uuid.Nil, console.ErrValidation.New("invalid %s", key)
	}
	return id, nil
}
