// Copyright (C) 2024 Bazaar Labs, Inc.
// See LICENSE for copying information.

package bazaarweb

import (
	"net/http"
	"time"

	"github.com/google/uuid"

	"bazaar.io/bazaar/bazaar/catalog"
	"bazaar.io/bazaar/bazaar/console"
)

// modelView is the JSON shape of a catalog model.
type modelView struct {
	ModelID     uuid.UUID  `json:"model_id"`
	Name        string     `json:"name"`
	OwnerID     uuid.UUID  `json:"owner_id"`
	TeamID      *uuid.UUID `json:"team_id,omitempty"`
	AccessLevel string     `json:"access_level"`
	Kind        string     `json:"type"`
	SubKind     string     `json:"sub_type,omitempty"`
	TrainStatus string     `json:"train_status"`
	SizeBytes   int64      `json:"size_bytes"`
	Downloads   int64      `json:"downloads"`
	PublishedAt time.Time  `json:"published_at"`
}

func toModelView(model catalog.Model) modelView {
	return modelView{
		ModelID:     model.ID,
		Name:        model.Name,
		OwnerID:     model.OwnerID,
		TeamID:      model.TeamID,
		AccessLevel: string(model.Access),
		Kind:        model.Kind,
		SubKind:     model.SubKind,
		TrainStatus: string(model.TrainState),
		SizeBytes:   model.SizeBytes,
		Downloads:   model.Downloads,
		PublishedAt: model.PublishedAt,
	}
}

func filterFrom(r *http.Request) catalog.ListFilter {
	query := r.URL.Query()
	return catalog.ListFilter{
		Name:    query.Get("name"),
		Kind:    query.Get("type"),
		SubKind: query.Get("sub_type"),
		Access:  catalog.Access(query.Get("access_level")),
	}
}

func (server *Server) serveModelList(w http.ResponseWriter, r *http.Request, viewer catalog.Viewer) {
	models, err := server.catalog.Models().List(r.Context(), viewer, filterFrom(r))
	if err != nil {
		server.serveError(w, err)
		return
	}
	views := make([]modelView, 0, len(models))
	for _, model := range models {
		views = append(views, toModelView(model))
	}
	serveJSON(w, http.StatusOK, "ok", views)
}

func (server *Server) handleModelList(w http.ResponseWriter, r *http.Request) {
	auth, err := console.GetAuth(r.Context())
	if err != nil {
		server.serveError(w, err)
		return
	}
	server.serveModelList(w, r, viewerFrom(auth))
}

func (server *Server) handlePublicModelList(w http.ResponseWriter, r *http.Request) {
	server.serveModelList(w, r, publicViewer)
}

func (server *Server) handleModelInfo(w http.ResponseWriter, r *http.Request) {
	auth, err := console.GetAuth(r.Context())
	if err != nil {
		server.serveError(w, err)
		return
	}

	model, err := server.requireModelPermission(r, viewerFrom(auth),
		r.URL.Query().Get("model_identifier"), catalog.PermRead)
	if err != nil {
		server.serveError(w, err)
		return
	}

	meta, err := server.catalog.Metadata().Get(r.Context(), model.ID)
	if err != nil {
		server.serveError(w, err)
		return
	}

	serveJSON(w, http.StatusOK, "ok", map[string]interface{}{
		"model":    toModelView(*model),
		"metadata": meta,
	})
}

func (server *Server) handleNameCheck(w http.ResponseWriter, r *http.Request) {
	auth, err := console.GetAuth(r.Context())
	if err != nil {
		server.serveError(w, err)
		return
	}

	name := r.URL.Query().Get("name")
	if !catalog.ValidName(name) {
		server.serveError(w, console.ErrValidation.New("invalid model name %q", name))
		return
	}

	_, err = server.catalog.Models().GetByOwnerAndName(r.Context(), auth.User.ID, name)
	taken := err == nil
	if err != nil && !catalog.ErrNotFound.Has(err) {
		server.serveError(w, err)
		return
	}
	serveJSON(w, http.StatusOK, "ok", map[string]interface{}{
		"name":  name,
		"taken": taken,
	})
}

// requireOwner loads the model and refuses callers without the owner
// bit, which covers the owner itself, global admins and team admins of
// protected models.
func (server *Server) requireOwner(r *http.Request, identifier string) (*catalog.Model, error) {
	auth, err := console.GetAuth(r.Context())
	if err != nil {
		return nil, err
	}
	model, err := server.resolveModelIdentifier(r, identifier)
	if err != nil {
		return nil, err
	}
	decision, err := server.console.ResolveModelPermission(r.Context(), viewerFrom(auth), *model)
	if err != nil {
		return nil, err
	}
	if !decision.Owner {
		return nil, console.ErrForbidden.New("owner access required")
	}
	return model, nil
}

func (server *Server) handleUpdateAccess(w http.ResponseWriter, r *http.Request) {
	model, err := server.requireOwner(r, r.URL.Query().Get("model_identifier"))
	if err != nil {
		server.serveError(w, err)
		return
	}

	access := catalog.Access(r.URL.Query().Get("access_level"))
	if !access.Valid() {
		server.serveError(w, console.ErrValidation.New("invalid access level %q", access))
		return
	}

	teamID := model.TeamID
	if raw := r.URL.Query().Get("team_id"); raw != "" {
		id, err := uuid.Parse(raw)
		if err != nil {
			server.serveError(w, console.ErrValidation.New("invalid team_id"))
			return
		}
		teamID = &id
	}
	if access == catalog.AccessProtected && teamID == nil {
		server.serveError(w, console.ErrValidation.New("protected access requires a team"))
		return
	}
	if access != catalog.AccessProtected {
		teamID = nil
	}

	if err := server.catalog.Models().UpdateAccess(r.Context(), model.ID, access, teamID); err != nil {
		server.serveError(w, err)
		return
	}
	serveJSON(w, http.StatusOK, "access level updated", nil)
}

func (server *Server) handleUpdateDefaultPermission(w http.ResponseWriter, r *http.Request) {
	model, err := server.requireOwner(r, r.URL.Query().Get("model_identifier"))
	if err != nil {
		server.serveError(w, err)
		return
	}

	perm, ok := catalog.ParsePermission(r.URL.Query().Get("permission"))
	if !ok {
		server.serveError(w, console.ErrValidation.New("permission must be read or write"))
		return
	}

	if err := server.catalog.Models().UpdateDefaultPermission(r.Context(), model.ID, perm); err != nil {
		server.serveError(w, err)
		return
	}
	serveJSON(w, http.StatusOK, "default permission updated", nil)
}

func (server *Server) handleUpdateModelPermission(w http.ResponseWriter, r *http.Request) {
	model, err := server.requireOwner(r, r.URL.Query().Get("model_identifier"))
	if err != nil {
		server.serveError(w, err)
		return
	}

	email := r.URL.Query().Get("email")
	user, err := server.consoleDB.Users().GetByEmail(r.Context(), console.NormalizeEmail(email))
	if err != nil {
		server.serveError(w, err)
		return
	}

	raw := r.URL.Query().Get("permission")
	if raw == "none" {
		err = server.catalog.Permissions().Delete(r.Context(), user.ID, model.ID)
	} else {
		perm, ok := catalog.ParsePermission(raw)
		if !ok {
			server.serveError(w, console.ErrValidation.New("permission must be read, write or none"))
			return
		}
		err = server.catalog.Permissions().Upsert(r.Context(), catalog.ModelPermission{
			UserID:  user.ID,
			ModelID: model.ID,
			Perm:    perm,
		})
	}
	if err != nil {
		server.serveError(w, err)
		return
	}
	serveJSON(w, http.StatusOK, "model permission updated", nil)
}

func (server *Server) handleModelDelete(w http.ResponseWriter, r *http.Request) {
	model, err := server.requireOwner(r, r.URL.Query().Get("model_identifier"))
	if err != nil {
		server.serveError(w, err)
		return
	}
	if err := server.orchestrator.DeleteModel(r.Context(), model.ID); err != nil {
		server.serveError(w, err)
		return
	}
	serveJSON(w, http.StatusOK, "model deleted", nil)
}
