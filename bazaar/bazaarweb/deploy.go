// Copyright (C) 2024 Bazaar Labs, Inc.
// See LICENSE for copying information.

package bazaarweb

import (
	"net/http"
	"strconv"

	"github.com/google/uuid"
	"github.com/gorilla/mux"

	"bazaar.io/bazaar/bazaar/catalog"
	"bazaar.io/bazaar/bazaar/console"
)

type deploymentView struct {
	DeploymentID uuid.UUID `json:"deployment_id"`
	Name         string    `json:"name"`
	ModelID      uuid.UUID `json:"model_id"`
	Status       string    `json:"status"`
	Replicas     int       `json:"replicas"`
}

func viewDeployment(dep *catalog.Deployment) deploymentView {
	return deploymentView{
		DeploymentID: dep.ID,
		Name:         dep.Name,
		ModelID:      dep.ModelID,
		Status:       string(dep.State),
		Replicas:     dep.Replicas,
	}
}

func (server *Server) handleDeployRun(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	query := r.URL.Query()

	auth, err := console.GetAuth(ctx)
	if err != nil {
		server.serveError(w, err)
		return
	}
	model, err := server.requireModelPermission(r, viewerFrom(auth),
		query.Get("model_identifier"), catalog.PermRead)
	if err != nil {
		server.serveError(w, err)
		return
	}

	replicas := 1
	if raw := query.Get("replicas"); raw != "" {
		replicas, err = strconv.Atoi(raw)
		if err != nil || replicas < 1 {
			server.serveError(w, console.ErrValidation.New("invalid replicas"))
			return
		}
	}

	dep, err := server.orchestrator.Deploy(ctx, auth.User.ID, model.ID,
		query.Get("deployment_name"), replicas)
	if err != nil {
		server.serveError(w, err)
		return
	}
	serveJSON(w, http.StatusOK, "deployment started", viewDeployment(dep))
}

// resolveDeployment accepts either a deployment id or the caller's own
// deployment name.
func (server *Server) resolveDeployment(r *http.Request, auth console.Authorization) (*catalog.Deployment, error) {
	ctx := r.Context()
	query := r.URL.Query()

	if raw := query.Get("deployment_id"); raw != "" {
		id, err := uuid.Parse(raw)
		if err != nil {
			return nil, console.ErrValidation.New("invalid deployment_id")
		}
		return server.catalog.Deployments().Get(ctx, id)
	}
	if name := query.Get("deployment_name"); name != "" {
		return server.catalog.Deployments().GetByOwnerAndName(ctx, auth.User.ID, name)
	}
	return nil, console.ErrValidation.New("deployment_id or deployment_name required")
}

// requireDeploymentOwner refuses callers that neither own the
// deployment nor hold the global admin bit.
func (server *Server) requireDeploymentOwner(r *http.Request) (*catalog.Deployment, error) {
	auth, err := console.GetAuth(r.Context())
	if err != nil {
		return nil, err
	}
	dep, err := server.resolveDeployment(r, auth)
	if err != nil {
		return nil, err
	}
	if dep.OwnerID != auth.User.ID && !auth.User.Admin {
		return nil, console.ErrForbidden.New("owner access required")
	}
	return dep, nil
}

func (server *Server) handleDeployStop(w http.ResponseWriter, r *http.Request) {
	dep, err := server.requireDeploymentOwner(r)
	if err != nil {
		server.serveError(w, err)
		return
	}
	if err := server.orchestrator.StopDeployment(r.Context(), dep.ID); err != nil {
		server.serveError(w, err)
		return
	}
	serveJSON(w, http.StatusOK, "deployment stopped", nil)
}

func (server *Server) handleDeployStatus(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	auth, err := console.GetAuth(ctx)
	if err != nil {
		server.serveError(w, err)
		return
	}
	dep, err := server.resolveDeployment(r, auth)
	if err != nil {
		server.serveError(w, err)
		return
	}

	model, err := server.catalog.Models().Get(ctx, dep.ModelID)
	if err != nil {
		server.serveError(w, err)
		return
	}
	decision, err := server.console.ResolveModelPermission(ctx, viewerFrom(auth), *model)
	if err != nil {
		server.serveError(w, err)
		return
	}
	if decision.Perm < catalog.PermRead {
		server.serveError(w, console.ErrForbidden.New("read access required"))
		return
	}
	serveJSON(w, http.StatusOK, "deployment status", viewDeployment(dep))
}

func (server *Server) handleDeployUpdateStatus(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var body struct {
		DeploymentID uuid.UUID `json:"deployment_id"`
		Status       string    `json:"status"`
	}
	if err := decodeJSON(r, &body); err != nil {
		server.serveError(w, err)
		return
	}

	dep, err := server.catalog.Deployments().Get(ctx, body.DeploymentID)
	if err != nil {
		server.serveError(w, err)
		return
	}
	if _, err := server.jobClaims(r, dep.ModelID); err != nil {
		server.serveError(w, err)
		return
	}

	state := catalog.TrainState(body.Status)
	if !state.Valid() {
		server.serveError(w, console.ErrValidation.New("unknown status %q", body.Status))
		return
	}
	if err := server.orchestrator.UpdateDeploymentStatus(ctx, dep.ID, state); err != nil {
		server.serveError(w, err)
		return
	}
	serveJSON(w, http.StatusOK, "status updated", nil)
}

// handleDeployPermissions answers a replica's question: what may the
// calling user do against this deployment's model. Replicas cache the
// answer until the returned expiry.
func (server *Server) handleDeployPermissions(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	auth, err := console.GetAuth(ctx)
	if err != nil {
		server.serveError(w, err)
		return
	}
	depID, err := uuid.Parse(mux.Vars(r)["deployment_id"])
	if err != nil {
		server.serveError(w, console.ErrValidation.New("invalid deployment_id"))
		return
	}
	dep, err := server.catalog.Deployments().Get(ctx, depID)
	if err != nil {
		server.serveError(w, err)
		return
	}
	model, err := server.catalog.Models().Get(ctx, dep.ModelID)
	if err != nil {
		server.serveError(w, err)
		return
	}
	decision, err := server.console.ResolveModelPermission(ctx, viewerFrom(auth), *model)
	if err != nil {
		server.serveError(w, err)
		return
	}

	serveJSON(w, http.StatusOK, "deployment permissions", map[string]interface{}{
		"deployment_id": dep.ID,
		"model_id":      model.ID,
		"user_id":       auth.User.ID,
		"read":          decision.Perm >= catalog.PermRead,
		"write":         decision.Perm >= catalog.PermWrite,
		"owner":         decision.Owner,
		"exp":           auth.Claims.Expiration,
	})
}
