// Copyright (C) 2024 Bazaar Labs, Inc.
// See LICENSE for copying information.

package bazaarweb

import (
	"io"
	"net/http"
	"strconv"

	"go.uber.org/zap"

	"bazaar.io/bazaar/bazaar/catalog"
	"bazaar.io/bazaar/bazaar/console"
)

func (server *Server) handleDownload(w http.ResponseWriter, r *http.Request) {
	auth, err := console.GetAuth(r.Context())
	if err != nil {
		server.serveError(w, err)
		return
	}
	server.serveDownload(w, r, viewerFrom(auth))
}

func (server *Server) handlePublicDownload(w http.ResponseWriter, r *http.Request) {
	server.serveDownload(w, r, publicViewer)
}

func (server *Server) serveDownload(w http.ResponseWriter, r *http.Request, viewer catalog.Viewer) {
	ctx := r.Context()

	model, err := server.requireModelPermission(r, viewer,
		r.URL.Query().Get("model_identifier"), catalog.PermRead)
	if err != nil {
		server.serveError(w, err)
		return
	}
	if model.TrainState != catalog.Complete {
		server.serveError(w, catalog.ErrNotFound.New("model %s has no committed artifact", model.ID))
		return
	}

	compressed := r.URL.Query().Get("compressed") == "true"
	if err := server.artifacts.PrepareDownload(ctx, model.ID, model.Kind, compressed); err != nil {
		server.serveError(w, err)
		return
	}
	reader, size, err := server.artifacts.Stream(ctx, model.ID, model.Kind, compressed)
	if err != nil {
		server.serveError(w, err)
		return
	}
	defer func() { _ = reader.Close() }()

	filename := model.Name + "." + model.Kind
	if compressed {
		filename += ".zip"
	}
	w.Header().Set("Content-Type", "application/octet-stream")
	w.Header().Set("Content-Length", strconv.FormatInt(size, 10))
	w.Header().Set("Content-Disposition", `attachment; filename="`+filename+`"`)

	if _, err := io.Copy(w, reader); err != nil {
		// headers are gone, just log the broken transfer
		server.log.Debug("download interrupted",
			zap.Stringer("model", model.ID), zap.Error(err))
		return
	}

	if server.downloads != nil {
		if err := server.downloads.Record(ctx, model.ID); err != nil {
			server.log.Warn("download count failed",
				zap.Stringer("model", model.ID), zap.Error(err))
		}
	}
}
