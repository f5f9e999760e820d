// Copyright (C) 2024 Bazaar Labs, Inc.
// See LICENSE for copying information.

package bazaarweb

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/google/uuid"

	"bazaar.io/bazaar/bazaar/catalog"
	"bazaar.io/bazaar/bazaar/console"
	"bazaar.io/bazaar/bazaar/console/consoleauth"
	"bazaar.io/bazaar/bazaar/orchestrator"
)

// trainFormLimit bounds the in-memory part of a training submission;
// larger file parts spill to disk.
const trainFormLimit = 32 << 20

func (server *Server) handleTrainNDB(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	auth, err := console.GetAuth(ctx)
	if err != nil {
		server.serveError(w, err)
		return
	}

	if err := r.ParseMultipartForm(trainFormLimit); err != nil {
		server.serveError(w, console.ErrValidation.New("malformed multipart form: %v", err))
		return
	}

	req := orchestrator.TrainRequest{
		OwnerID:   auth.User.ID,
		ModelName: r.FormValue("model_name"),
		Kind:      "ndb",
		SubKind:   r.FormValue("sub_type"),
	}

	if base := r.FormValue("base_model_identifier"); base != "" {
		baseModel, err := server.requireModelPermission(r, viewerFrom(auth), base, catalog.PermRead)
		if err != nil {
			server.serveError(w, err)
			return
		}
		req.BaseModelID = &baseModel.ID
	}

	if options := r.FormValue("options"); options != "" {
		if err := json.Unmarshal([]byte(options), &req.Options); err != nil {
			server.serveError(w, console.ErrValidation.New("malformed options: %v", err))
			return
		}
	}

	if r.MultipartForm != nil {
		for _, headers := range r.MultipartForm.File {
			for _, header := range headers {
				file, err := header.Open()
				if err != nil {
					server.serveError(w, Error.Wrap(err))
					return
				}
				defer func() { _ = file.Close() }()
				req.Files = append(req.Files, orchestrator.TrainFile{
					Name: header.Filename,
					Data: file,
				})
				req.EstimatedBytes += header.Size
			}
		}
	}

	model, err := server.orchestrator.StartTraining(ctx, req)
	if err != nil {
		server.serveError(w, err)
		return
	}

	serveJSON(w, http.StatusOK, "training started", map[string]interface{}{
		"model_id":     model.ID,
		"train_status": string(model.TrainState),
	})
}

// jobClaims validates the job token carried by runner callbacks and
// checks it is scoped to the reported model.
func (server *Server) jobClaims(r *http.Request, modelID uuid.UUID) (*consoleauth.Claims, error) {
	token, ok := bearerToken(r)
	if !ok {
		return nil, console.ErrUnauthorized.New("missing job token")
	}
	claims, err := server.console.AuthorizeJobToken(r.Context(), token)
	if err != nil {
		return nil, err
	}
	if claims.ModelID != modelID {
		return nil, console.ErrForbidden.New("job token is scoped to another model")
	}
	return claims, nil
}

func (server *Server) handleTrainComplete(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var body struct {
		ModelID  uuid.UUID         `json:"model_id"`
		Metadata map[string]string `json:"metadata"`
	}
	if err := decodeJSON(r, &body); err != nil {
		server.serveError(w, err)
		return
	}
	if _, err := server.jobClaims(r, body.ModelID); err != nil {
		server.serveError(w, err)
		return
	}

	if err := server.orchestrator.UpdateStatus(ctx, body.ModelID, catalog.Complete, body.Metadata); err != nil {
		server.serveError(w, err)
		return
	}
	serveJSON(w, http.StatusOK, "training complete", nil)
}

func (server *Server) handleTrainUpdateStatus(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var body struct {
		ModelID uuid.UUID `json:"model_id"`
		Status  string    `json:"status"`
		Message string    `json:"message,omitempty"`
		Level   string    `json:"level,omitempty"`
	}
	if err := decodeJSON(r, &body); err != nil {
		server.serveError(w, err)
		return
	}
	if _, err := server.jobClaims(r, body.ModelID); err != nil {
		server.serveError(w, err)
		return
	}

	state := catalog.TrainState(body.Status)
	if !state.Valid() {
		server.serveError(w, console.ErrValidation.New("unknown status %q", body.Status))
		return
	}

	if body.Message != "" {
		level := body.Level
		if level == "" {
			level = catalog.LevelWarning
			if state == catalog.Failed {
				level = catalog.LevelError
			}
		}
		if err := server.orchestrator.ReportMessage(ctx, body.ModelID, "train", level, body.Message); err != nil {
			server.serveError(w, err)
			return
		}
	}

	if err := server.orchestrator.UpdateStatus(ctx, body.ModelID, state, nil); err != nil {
		server.serveError(w, err)
		return
	}
	serveJSON(w, http.StatusOK, "status updated", nil)
}

func (server *Server) handleTrainStop(w http.ResponseWriter, r *http.Request) {
	model, err := server.requireOwner(r, r.URL.Query().Get("model_identifier"))
	if err != nil {
		server.serveError(w, err)
		return
	}
	if err := server.orchestrator.StopTraining(r.Context(), model.ID); err != nil {
		server.serveError(w, err)
		return
	}
	serveJSON(w, http.StatusOK, "training stopped", nil)
}

type jobMessageView struct {
	CreatedAt time.Time `json:"created_at"`
	Kind      string    `json:"kind"`
	Level     string    `json:"level"`
	Text      string    `json:"text"`
}

func (server *Server) handleTrainMessages(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	auth, err := console.GetAuth(ctx)
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

	messages, err := server.catalog.JobMessages().ListByModel(ctx, model.ID)
	if err != nil {
		server.serveError(w, err)
		return
	}
	views := make([]jobMessageView, 0, len(messages))
	for _, msg := range messages {
		views = append(views, jobMessageView{
			CreatedAt: msg.CreatedAt,
			Kind:      msg.Kind,
			Level:     msg.Level,
			Text:      msg.Text,
		})
	}
	serveJSON(w, http.StatusOK, "job messages", map[string]interface{}{
		"model_id": model.ID,
		"messages": views,
	})
}
