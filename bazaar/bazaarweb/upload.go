// Copyright (C) 2024 Bazaar Labs, Inc.
// See LICENSE for copying information.

package bazaarweb

import (
	"context"
	"io"
	"net/http"
	"strconv"

	"bazaar.io/bazaar/bazaar/catalog"
	"bazaar.io/bazaar/bazaar/console"
	"bazaar.io/bazaar/bazaar/console/consoleauth"
)

// uploadChunkLimit bounds a single chunk body.
const uploadChunkLimit = 256 << 20

func (server *Server) handleUploadToken(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	query := r.URL.Query()

	size, err := strconv.ParseInt(query.Get("size"), 10, 64)
	if err != nil || size < 0 {
		server.serveError(w, console.ErrValidation.New("invalid size"))
		return
	}
	kind := query.Get("type")
	if kind == "" {
		kind = "ndb"
	}

	token, modelID, err := server.console.IssueUploadToken(ctx, query.Get("model_name"), kind, size)
	if err != nil {
		server.serveError(w, err)
		return
	}
	if err := server.artifacts.Reserve(ctx, modelID); err != nil {
		server.serveError(w, err)
		return
	}

	serveJSON(w, http.StatusOK, "upload token issued", map[string]interface{}{
		"token":    token,
		"model_id": modelID,
	})
}

// uploadClaims validates the upload token carried by chunk and commit
// requests.
func (server *Server) uploadClaims(r *http.Request) (*consoleauth.Claims, error) {
	token, ok := bearerToken(r)
	if !ok {
		return nil, console.ErrUnauthorized.New("missing upload token")
	}
	return server.console.AuthorizeUploadToken(r.Context(), token)
}

func (server *Server) handleUploadChunk(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	claims, err := server.uploadClaims(r)
	if err != nil {
		server.serveError(w, err)
		return
	}

	chunkNumber, err := strconv.Atoi(r.URL.Query().Get("chunk_number"))
	if err != nil || chunkNumber < 1 {
		server.serveError(w, console.ErrValidation.New("invalid chunk_number"))
		return
	}

	var body io.Reader = http.MaxBytesReader(w, r.Body, uploadChunkLimit)
	if file, _, err := r.FormFile("chunk"); err == nil {
		defer func() { _ = file.Close() }()
		body = file
	}

	written, err := server.artifacts.PutChunk(ctx, claims.ModelID, chunkNumber, body)
	if err != nil {
		server.serveError(w, err)
		return
	}
	serveJSON(w, http.StatusOK, "chunk stored", map[string]interface{}{
		"chunk_number": chunkNumber,
		"bytes":        written,
	})
}

func (server *Server) handleUploadCommit(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	claims, err := server.uploadClaims(r)
	if err != nil {
		server.serveError(w, err)
		return
	}

	total, err := strconv.Atoi(r.URL.Query().Get("total_chunks"))
	if err != nil || total < 1 {
		server.serveError(w, console.ErrValidation.New("invalid total_chunks"))
		return
	}

	var body struct {
		Kind        string `json:"type"`
		AccessLevel string `json:"access_level"`
		Compressed  bool   `json:"compressed"`
	}
	if err := decodeJSON(r, &body); err != nil {
		server.serveError(w, err)
		return
	}
	if body.Kind == "" {
		body.Kind = "ndb"
	}

	size, err := server.artifacts.Commit(ctx, claims.ModelID, body.Kind, total, body.Compressed)
	if err != nil {
		server.serveError(w, err)
		return
	}

	err = server.catalog.WithTx(ctx, func(ctx context.Context, tx catalog.DB) error {
		if err := tx.Models().SetSize(ctx, claims.ModelID, size); err != nil {
			return err
		}
		if body.AccessLevel != "" {
			access := catalog.Access(body.AccessLevel)
			if !access.Valid() {
				return console.ErrValidation.New("invalid access level %q", body.AccessLevel)
			}
			if access == catalog.AccessProtected {
				return console.ErrValidation.New("protected access requires a team, set it separately")
			}
			if err := tx.Models().UpdateAccess(ctx, claims.ModelID, access, nil); err != nil {
				return err
			}
		}
		return tx.Models().Transition(ctx, claims.ModelID, catalog.Complete, "")
	})
	if err != nil {
		server.serveError(w, err)
		return
	}

	serveJSON(w, http.StatusOK, "upload committed", map[string]interface{}{
		"model_id":   claims.ModelID,
		"size_bytes": size,
	})
}
