// Copyright (C) 2024 Bazaar Labs, Inc.
// See LICENSE for copying information.

// Package bazaarweb implements the control plane HTTP API.
package bazaarweb

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/spacemonkeygo/monkit/v3"
	"github.com/zeebo/errs"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"bazaar.io/bazaar/bazaar/artifacts"
	"bazaar.io/bazaar/bazaar/catalog"
	"bazaar.io/bazaar/bazaar/console"
	"bazaar.io/bazaar/bazaar/downloads"
	"bazaar.io/bazaar/bazaar/mailservice"
	"bazaar.io/bazaar/bazaar/orchestrator"
)

var mon = monkit.Package()

// Error is the default bazaarweb errs class.
var Error = errs.Class("bazaarweb")

// Config holds HTTP server configuration.
type Config struct {
	Address string `help:"address to listen on" default:":8080"`
	// ExternalAddress is the public URL used in verification emails.
	ExternalAddress string `help:"external address of the api" default:"http://localhost:8080"`
}

// Server implements the control plane API.
//
// architecture: Endpoint
type Server struct {
	log    *zap.Logger
	config Config

	console      *console.Service
	consoleDB    console.DB
	catalog      catalog.DB
	artifacts    artifacts.Store
	orchestrator *orchestrator.Service
	downloads    *downloads.Counter
	mail         *mailservice.Service

	server http.Server
}

// NewServer creates a new API server.
func NewServer(log *zap.Logger, config Config,
	consoleService *console.Service, consoleDB console.DB, catalogDB catalog.DB,
	store artifacts.Store, orch *orchestrator.Service, counter *downloads.Counter,
	mail *mailservice.Service) *Server {

	server := &Server{
		log:          log,
		config:       config,
		console:      consoleService,
		consoleDB:    consoleDB,
		catalog:      catalogDB,
		artifacts:    store,
		orchestrator: orch,
		downloads:    counter,
		mail:         mail,
	}

	router := mux.NewRouter()
	router.HandleFunc("/api/user/signup", server.handleSignup).Methods(http.MethodPost)
	router.HandleFunc("/api/user/login", server.handleLogin).Methods(http.MethodGet)
	router.HandleFunc("/api/user/verify", server.handleVerify).Methods(http.MethodPost)
	router.HandleFunc("/api/user/reset-password", server.handleResetRequest).Methods(http.MethodPost)
	router.HandleFunc("/api/user/new-password", server.handleNewPassword).Methods(http.MethodPost)
	router.HandleFunc("/api/user/info", server.withUser(server.handleUserInfo)).Methods(http.MethodGet)

	router.HandleFunc("/api/model/list", server.withUser(server.handleModelList)).Methods(http.MethodGet)
	router.HandleFunc("/api/model/public-list", server.handlePublicModelList).Methods(http.MethodGet)
	router.HandleFunc("/api/model/info", server.withUser(server.handleModelInfo)).Methods(http.MethodGet)
	router.HandleFunc("/api/model/name-check", server.withUser(server.handleNameCheck)).Methods(http.MethodGet)
	router.HandleFunc("/api/model/update-access-level", server.withUser(server.handleUpdateAccess)).Methods(http.MethodPost)
	router.HandleFunc("/api/model/update-default-permission", server.withUser(server.handleUpdateDefaultPermission)).Methods(http.MethodPost)
	router.HandleFunc("/api/model/update-model-permission", server.withUser(server.handleUpdateModelPermission)).Methods(http.MethodPost)
	router.HandleFunc("/api/model/delete", server.withUser(server.handleModelDelete)).Methods(http.MethodPost)

	router.HandleFunc("/api/model/upload-token", server.withUser(server.handleUploadToken)).Methods(http.MethodGet)
	router.HandleFunc("/api/model/upload-chunk", server.handleUploadChunk).Methods(http.MethodPost)
	router.HandleFunc("/api/model/upload-commit", server.handleUploadCommit).Methods(http.MethodPost)
	router.HandleFunc("/api/model/download", server.withUser(server.handleDownload)).Methods(http.MethodGet)
	router.HandleFunc("/api/model/public-download", server.handlePublicDownload).Methods(http.MethodGet)

	router.HandleFunc("/api/train/ndb", server.withUser(server.handleTrainNDB)).Methods(http.MethodPost)
	router.HandleFunc("/api/train/complete", server.handleTrainComplete).Methods(http.MethodPost)
	router.HandleFunc("/api/train/update-status", server.handleTrainUpdateStatus).Methods(http.MethodPost)
	router.HandleFunc("/api/train/stop", server.withUser(server.handleTrainStop)).Methods(http.MethodPost)
	router.HandleFunc("/api/train/messages", server.withUser(server.handleTrainMessages)).Methods(http.MethodGet)

	router.HandleFunc("/api/deploy/run", server.withUser(server.handleDeployRun)).Methods(http.MethodPost)
	router.HandleFunc("/api/deploy/stop", server.withUser(server.handleDeployStop)).Methods(http.MethodPost)
	router.HandleFunc("/api/deploy/status", server.withUser(server.handleDeployStatus)).Methods(http.MethodGet)
	router.HandleFunc("/api/deploy/update-status", server.handleDeployUpdateStatus).Methods(http.MethodPost)
	router.HandleFunc("/api/deploy/permissions/{deployment_id}", server.withUser(server.handleDeployPermissions)).Methods(http.MethodGet)

	router.HandleFunc("/api/team/create-team", server.withUser(server.handleTeamCreate)).Methods(http.MethodPost)
	router.HandleFunc("/api/team/add-user-to-team", server.withUser(server.handleTeamAddUser)).Methods(http.MethodPost)
	router.HandleFunc("/api/team/assign-team-admin", server.withUser(server.handleTeamAssignAdmin)).Methods(http.MethodPost)
	router.HandleFunc("/api/team/remove-user-from-team", server.withUser(server.handleTeamRemoveUser)).Methods(http.MethodPost)
	router.HandleFunc("/api/team/delete-team", server.withUser(server.handleTeamDelete)).Methods(http.MethodDelete)
	router.HandleFunc("/api/team/list", server.withUser(server.handleTeamList)).Methods(http.MethodGet)
	router.HandleFunc("/api/team/team-users", server.withUser(server.handleTeamUsers)).Methods(http.MethodGet)

	router.HandleFunc("/api/health", server.handleHealth).Methods(http.MethodGet)

	server.server = http.Server{
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return server
}

// Handler exposes the router for tests.
func (server *Server) Handler() http.Handler { return server.server.Handler }

// Run starts the server and blocks until ctx is canceled.
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

func (server *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	serveJSON(w, http.StatusOK, "ok", nil)
}
