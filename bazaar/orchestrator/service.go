// Copyright (C) 2024 Bazaar Labs, Inc.
// See LICENSE for copying information.

// Package orchestrator drives the lifecycle of training and deployment
// jobs: it validates preconditions, hands workloads to the runner and
// keeps catalog state in step with what the runner reports.
package orchestrator

import (
	"context"
	"encoding/json"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/spacemonkeygo/monkit/v3"
	"github.com/zeebo/errs"
	"go.uber.org/zap"

	"bazaar.io/bazaar/bazaar/artifacts"
	"bazaar.io/bazaar/bazaar/catalog"
	"bazaar.io/bazaar/bazaar/licensing"
	"bazaar.io/bazaar/bazaar/runner"
	"bazaar.io/bazaar/internal/sync2"
)

var mon = monkit.Package()

var (
	// Error is the default orchestrator errs class.
	Error = errs.Class("orchestrator")

	// ErrPrecondition is returned when a lifecycle operation is not
	// allowed in the current state.
	ErrPrecondition = errs.Class("precondition failed")
)

// Config holds orchestrator configuration.
type Config struct {
	ReconcileInterval time.Duration `help:"how often to poll the runner for job state" default:"30s"`
	TrainCPUMillis    int           `help:"cpu reservation for training jobs" default:"4000"`
	TrainMemoryMB     int           `help:"memory reservation for training jobs" default:"8192"`
	DeployCPUMillis   int           `help:"cpu reservation per deployment replica" default:"2000"`
	DeployMemoryMB    int           `help:"memory reservation per deployment replica" default:"4096"`
	// CallbackAddress is handed to jobs so they can report back.
	CallbackAddress string `help:"external address jobs use for status callbacks" default:""`
}

// jobTokenLifetime bounds how long a runner job can keep reporting.
const jobTokenLifetime = 72 * time.Hour

// JobTokens issues report-back tokens for runner jobs.
type JobTokens interface {
	IssueJobToken(ctx context.Context, modelID uuid.UUID, lifetime time.Duration) (string, error)
}

// Runner is the slice of the runner client the orchestrator needs.
type Runner interface {
	SubmitJob(ctx context.Context, spec runner.JobSpec) (string, error)
	StopJob(ctx context.Context, jobID string) error
	Status(ctx context.Context, jobID string) (runner.JobStatus, error)
}

// TrainRequest asks for a new training job.
type TrainRequest struct {
	OwnerID   uuid.UUID
	ModelName string
	Kind      string
	SubKind   string
	// BaseModelID, when set, trains on top of an existing completed
	// model and records a dependency edge.
	BaseModelID *uuid.UUID
	// Options are opaque trainer options written into the job config.
	Options map[string]string
	// Env is passed through to the runner job, e.g. the job token and
	// callback address.
	Env map[string]string
	// Files are training inputs stored under the model's data dir
	// before the job is submitted.
	Files []TrainFile
	// EstimatedBytes feeds the license capacity check.
	EstimatedBytes int64
}

// TrainFile is a named training input.
type TrainFile struct {
	Name string
	Data io.Reader
}

// Service coordinates job lifecycles.
//
// architecture: Service
type Service struct {
	log       *zap.Logger
	catalog   catalog.DB
	artifacts artifacts.Store
	runner    Runner
	license   *licensing.Service
	config    Config

	// Tokens, when set, stamps jobs with a report-back token.
	Tokens JobTokens

	Loop *sync2.Cycle
}

// jobEnv merges the base environment with the callback address and a
// job token for the given model.
func (service *Service) jobEnv(ctx context.Context, modelID uuid.UUID, base map[string]string) (map[string]string, error) {
	env := make(map[string]string, len(base)+2)
	for k, v := range base {
		env[k] = v
	}
	if service.config.CallbackAddress != "" {
		env["BAZAAR_CALLBACK_URL"] = service.config.CallbackAddress
	}
	if service.Tokens != nil {
		token, err := service.Tokens.IssueJobToken(ctx, modelID, jobTokenLifetime)
		if err != nil {
			return nil, Error.Wrap(err)
		}
		env["BAZAAR_JOB_TOKEN"] = token
	}
	return env, nil
}

// NewService creates an orchestrator.
func NewService(log *zap.Logger, catalogDB catalog.DB, store artifacts.Store, run Runner, license *licensing.Service, config Config) *Service {
	return &Service{
		log:       log,
		catalog:   catalogDB,
		artifacts: store,
		runner:    run,
		license:   license,
		config:    config,
		Loop:      sync2.NewCycle(config.ReconcileInterval),
	}
}

// Run starts the reconcile loop and blocks until ctx is canceled.
func (service *Service) Run(ctx context.Context) (err error) {
	defer mon.Task()(&ctx)(&err)
	return service.Loop.Run(ctx, service.Reconcile)
}

// Close stops the reconcile loop.
func (service *Service) Close() error {
	service.Loop.Close()
	return nil
}

// trainConfig is the JSON document handed to the trainer process.
type trainConfig struct {
	ModelID     string            `json:"model_id"`
	ModelName   string            `json:"model_name"`
	Kind        string            `json:"kind"`
	SubKind     string            `json:"sub_kind,omitempty"`
	BaseModelID string            `json:"base_model_id,omitempty"`
	Options     map[string]string `json:"options,omitempty"`
}

// StartTraining reserves the catalog row, writes the job config and
// submits the training job. The row is visible in state starting before
// any trainer byte runs.
func (service *Service) StartTraining(ctx context.Context, req TrainRequest) (model *catalog.Model, err error) {
	defer mon.Task()(&ctx)(&err)

	if !catalog.ValidName(req.ModelName) {
		return nil, ErrPrecondition.New("invalid model name %q", req.ModelName)
	}
	if err := service.license.CheckValid(time.Now()); err != nil {
		return nil, err
	}
	total, err := service.catalog.Models().TotalSize(ctx)
	if err != nil {
		return nil, Error.Wrap(err)
	}
	if err := service.license.CheckCapacity(total, req.EstimatedBytes); err != nil {
		return nil, err
	}

	if req.BaseModelID != nil {
		base, err := service.catalog.Models().Get(ctx, *req.BaseModelID)
		if err != nil {
			return nil, err
		}
		if base.TrainState != catalog.Complete {
			return nil, ErrPrecondition.New("base model %s is %s, want %s",
				base.ID, base.TrainState, catalog.Complete)
		}
	}

	err = service.catalog.WithTx(ctx, func(ctx context.Context, tx catalog.DB) error {
		model, err = tx.Models().Insert(ctx, &catalog.Model{
			ID:         uuid.New(),
			Name:       req.ModelName,
			OwnerID:    req.OwnerID,
			Access:     catalog.AccessPrivate,
			Kind:       req.Kind,
			SubKind:    req.SubKind,
			TrainState: catalog.NotStarted,
			ParentID:   req.BaseModelID,
		})
		if err != nil {
			return err
		}
		if req.BaseModelID != nil {
			return tx.Dependencies().Add(ctx, catalog.ModelDependency{
				ModelID:     model.ID,
				DependsOnID: *req.BaseModelID,
			})
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	if err := service.artifacts.Reserve(ctx, model.ID); err != nil {
		service.failModel(ctx, model.ID, "train", "reserving artifact space failed: "+err.Error())
		return nil, err
	}
	configPath, err := service.writeTrainConfig(model, req)
	if err != nil {
		service.failModel(ctx, model.ID, "train", "writing train config failed: "+err.Error())
		return nil, err
	}
	if err := service.writeTrainFiles(model.ID, req.Files); err != nil {
		service.failModel(ctx, model.ID, "train", "storing training input failed: "+err.Error())
		return nil, err
	}

	env, err := service.jobEnv(ctx, model.ID, req.Env)
	if err != nil {
		service.failModel(ctx, model.ID, "train", "issuing job token failed: "+err.Error())
		return nil, err
	}
	jobID, err := service.runner.SubmitJob(ctx, runner.JobSpec{
		Name:       runner.TrainJobName(model.ID),
		Kind:       runner.KindTrain,
		ConfigPath: configPath,
		Env:        env,
		CPUMillis:  service.config.TrainCPUMillis,
		MemoryMB:   service.config.TrainMemoryMB,
	})
	if err != nil {
		service.failModel(ctx, model.ID, "train", "job submission failed: "+err.Error())
		return nil, err
	}

	if err := service.catalog.Models().Transition(ctx, model.ID, catalog.Starting, jobID); err != nil {
		return nil, err
	}
	model.TrainState = catalog.Starting
	model.JobID = jobID
	service.log.Info("training started",
		zap.Stringer("model", model.ID), zap.String("job", jobID))
	return model, nil
}

func (service *Service) writeTrainConfig(model *catalog.Model, req TrainRequest) (string, error) {
	dataDir, err := service.artifacts.DataDir(model.ID)
	if err != nil {
		return "", err
	}
	cfg := trainConfig{
		ModelID:   model.ID.String(),
		ModelName: model.Name,
		Kind:      model.Kind,
		SubKind:   model.SubKind,
		Options:   req.Options,
	}
	if req.BaseModelID != nil {
		cfg.BaseModelID = req.BaseModelID.String()
	}
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return "", Error.Wrap(err)
	}
	path := filepath.Join(dataDir, "train.json")
	return path, Error.Wrap(os.WriteFile(path, data, 0644))
}

// writeTrainFiles stores the training inputs next to the job config so
// the trainer finds everything under one directory.
func (service *Service) writeTrainFiles(modelID uuid.UUID, files []TrainFile) error {
	if len(files) == 0 {
		return nil
	}
	dataDir, err := service.artifacts.DataDir(modelID)
	if err != nil {
		return err
	}
	for _, file := range files {
		name := filepath.Base(file.Name)
		if name == "." || name == string(filepath.Separator) {
			return Error.New("invalid training file name %q", file.Name)
		}
		dst, err := os.Create(filepath.Join(dataDir, name))
		if err != nil {
			return Error.Wrap(err)
		}
		_, err = io.Copy(dst, file.Data)
		err = errs.Combine(err, dst.Close())
		if err != nil {
			return Error.Wrap(err)
		}
	}
	return nil
}

// StopTraining stops the running job and marks the model stopped.
func (service *Service) StopTraining(ctx context.Context, modelID uuid.UUID) (err error) {
	defer mon.Task()(&ctx)(&err)

	model, err := service.catalog.Models().Get(ctx, modelID)
	if err != nil {
		return err
	}
	if model.TrainState.Terminal() {
		return ErrPrecondition.New("model %s already %s", modelID, model.TrainState)
	}
	if model.JobID != "" {
		if err := service.runner.StopJob(ctx, model.JobID); err != nil {
			return err
		}
	}
	return service.catalog.Models().Transition(ctx, modelID, catalog.Stopped, model.JobID)
}

// UpdateStatus applies a status report from a trainer. Reports are
// duplicate-tolerant: re-reporting the current state succeeds, and any
// report after a terminal state is ignored.
func (service *Service) UpdateStatus(ctx context.Context, modelID uuid.UUID, to catalog.TrainState, metadata map[string]string) (err error) {
	defer mon.Task()(&ctx)(&err)

	model, err := service.catalog.Models().Get(ctx, modelID)
	if err != nil {
		return err
	}
	if model.TrainState == to {
		return nil
	}
	if model.TrainState.Terminal() {
		service.log.Debug("ignoring late status report",
			zap.Stringer("model", modelID),
			zap.String("current", string(model.TrainState)),
			zap.String("reported", string(to)))
		return nil
	}

	return service.catalog.WithTx(ctx, func(ctx context.Context, tx catalog.DB) error {
		if err := tx.Models().Transition(ctx, modelID, to, model.JobID); err != nil {
			return err
		}
		if len(metadata) == 0 {
			return nil
		}
		return tx.Metadata().Merge(ctx, catalog.ModelMetadata{
			ModelID: modelID,
			Train:   metadata,
		})
	})
}

// ReportMessage appends a warning or error from a running job.
func (service *Service) ReportMessage(ctx context.Context, modelID uuid.UUID, kind, level, text string) (err error) {
	defer mon.Task()(&ctx)(&err)

	if level != catalog.LevelWarning && level != catalog.LevelError {
		return Error.New("unknown message level %q", level)
	}
	return service.catalog.JobMessages().Add(ctx, catalog.JobMessage{
		ModelID:   modelID,
		CreatedAt: time.Now(),
		Kind:      kind,
		Level:     level,
		Text:      text,
	})
}

// Deploy creates a replica set serving a completed model.
func (service *Service) Deploy(ctx context.Context, ownerID, modelID uuid.UUID, name string, replicas int) (dep *catalog.Deployment, err error) {
	defer mon.Task()(&ctx)(&err)

	if !catalog.ValidName(name) {
		return nil, ErrPrecondition.New("invalid deployment name %q", name)
	}
	if replicas < 1 {
		replicas = 1
	}
	if err := service.license.CheckValid(time.Now()); err != nil {
		return nil, err
	}

	model, err := service.catalog.Models().Get(ctx, modelID)
	if err != nil {
		return nil, err
	}
	if model.TrainState != catalog.Complete {
		return nil, ErrPrecondition.New("model %s is %s, want %s",
			modelID, model.TrainState, catalog.Complete)
	}

	dep, err = service.catalog.Deployments().Insert(ctx, &catalog.Deployment{
		ID:        uuid.New(),
		Name:      name,
		OwnerID:   ownerID,
		ModelID:   modelID,
		State:     catalog.NotStarted,
		Replicas:  replicas,
		CreatedAt: time.Now(),
	})
	if err != nil {
		return nil, err
	}

	dataDir, err := service.artifacts.DataDir(modelID)
	if err != nil {
		return nil, err
	}
	env, err := service.jobEnv(ctx, modelID, map[string]string{
		"BAZAAR_MODEL_ID":      modelID.String(),
		"BAZAAR_DEPLOYMENT_ID": dep.ID.String(),
	})
	if err != nil {
		return nil, err
	}
	jobID, err := service.runner.SubmitJob(ctx, runner.JobSpec{
		Name:       runner.DeployJobName(dep.ID),
		Kind:       runner.KindDeploy,
		ConfigPath: filepath.Join(dataDir, "train.json"),
		Env:        env,
		CPUMillis:  service.config.DeployCPUMillis,
		MemoryMB:   service.config.DeployMemoryMB,
		Replicas:   replicas,
	})
	if err != nil {
		if txErr := service.catalog.Deployments().Transition(ctx, dep.ID, catalog.Failed, ""); txErr != nil {
			err = errs.Combine(err, txErr)
		}
		return nil, err
	}

	if err := service.catalog.Deployments().Transition(ctx, dep.ID, catalog.Starting, jobID); err != nil {
		return nil, err
	}
	dep.State = catalog.Starting
	dep.JobID = jobID
	return dep, nil
}

// UpdateDeploymentStatus applies a status report from a deployment job,
// with the same duplicate tolerance as UpdateStatus.
func (service *Service) UpdateDeploymentStatus(ctx context.Context, deploymentID uuid.UUID, to catalog.TrainState) (err error) {
	defer mon.Task()(&ctx)(&err)

	dep, err := service.catalog.Deployments().Get(ctx, deploymentID)
	if err != nil {
		return err
	}
	if dep.State == to || dep.State.Terminal() {
		return nil
	}
	return service.catalog.Deployments().Transition(ctx, deploymentID, to, dep.JobID)
}

// StopDeployment stops the replica set and removes the row.
func (service *Service) StopDeployment(ctx context.Context, deploymentID uuid.UUID) (err error) {
	defer mon.Task()(&ctx)(&err)

	dep, err := service.catalog.Deployments().Get(ctx, deploymentID)
	if err != nil {
		return err
	}
	if dep.JobID != "" {
		if err := service.runner.StopJob(ctx, dep.JobID); err != nil {
			return err
		}
	}
	return service.catalog.Deployments().Delete(ctx, deploymentID)
}

// DeleteModel removes a model, its artifacts and catalog children. It
// refuses while deployments of the model exist.
func (service *Service) DeleteModel(ctx context.Context, modelID uuid.UUID) (err error) {
	defer mon.Task()(&ctx)(&err)

	deps, err := service.catalog.Deployments().ListByModel(ctx, modelID)
	if err != nil {
		return err
	}
	if len(deps) > 0 {
		return ErrPrecondition.New("model %s has %d active deployments", modelID, len(deps))
	}

	model, err := service.catalog.Models().Get(ctx, modelID)
	if err != nil {
		return err
	}
	if !model.TrainState.Terminal() && model.TrainState != catalog.NotStarted && model.JobID != "" {
		if err := service.runner.StopJob(ctx, model.JobID); err != nil {
			return err
		}
	}

	if err := service.catalog.Models().Delete(ctx, modelID); err != nil {
		return err
	}
	return service.artifacts.Delete(ctx, modelID)
}

// Reconcile polls the runner for every live job and repairs catalog
// state that drifted, e.g. a trainer that died without reporting.
func (service *Service) Reconcile(ctx context.Context) (err error) {
	defer mon.Task()(&ctx)(&err)

	models, err := service.catalog.Models().ListActive(ctx)
	if err != nil {
		return Error.Wrap(err)
	}
	for _, model := range models {
		if model.JobID == "" {
			continue
		}
		status, err := service.runner.Status(ctx, model.JobID)
		switch {
		case runner.ErrJobNotFound.Has(err):
			service.failModel(ctx, model.ID, "train", "job disappeared from runner")
			continue
		case err != nil:
			service.log.Warn("reconcile: runner status failed",
				zap.Stringer("model", model.ID), zap.Error(err))
			continue
		}
		if to, ok := runnerStateToTrainState(status.State); ok && to != model.TrainState {
			if err := service.UpdateStatus(ctx, model.ID, to, nil); err != nil {
				service.log.Warn("reconcile: transition failed",
					zap.Stringer("model", model.ID), zap.Error(err))
			}
		}
	}

	deployments, err := service.catalog.Deployments().ListActive(ctx)
	if err != nil {
		return Error.Wrap(err)
	}
	for _, dep := range deployments {
		if dep.JobID == "" {
			continue
		}
		status, err := service.runner.Status(ctx, dep.JobID)
		switch {
		case runner.ErrJobNotFound.Has(err):
			if err := service.UpdateDeploymentStatus(ctx, dep.ID, catalog.Failed); err != nil {
				service.log.Warn("reconcile: deployment transition failed",
					zap.Stringer("deployment", dep.ID), zap.Error(err))
			}
			continue
		case err != nil:
			continue
		}
		if to, ok := runnerStateToTrainState(status.State); ok && to != dep.State {
			if err := service.UpdateDeploymentStatus(ctx, dep.ID, to); err != nil {
				service.log.Warn("reconcile: deployment transition failed",
					zap.Stringer("deployment", dep.ID), zap.Error(err))
			}
		}
	}
	return nil
}

func (service *Service) failModel(ctx context.Context, modelID uuid.UUID, kind, reason string) {
	if err := service.catalog.Models().Transition(ctx, modelID, catalog.Failed, ""); err != nil {
		service.log.Error("failed to mark model failed",
			zap.Stringer("model", modelID), zap.Error(err))
	}
	if err := service.ReportMessage(ctx, modelID, kind, catalog.LevelError, reason); err != nil {
		service.log.Error("failed to record job message",
			zap.Stringer("model", modelID), zap.Error(err))
	}
}

func runnerStateToTrainState(state string) (catalog.TrainState, bool) {
	switch state {
	case "pending":
		return catalog.Starting, true
	case "running":
		return catalog.InProgress, true
	case "complete":
		return catalog.Complete, true
	case "failed":
		return catalog.Failed, true
	case "stopped":
		return catalog.Stopped, true
	}
	return "", false
}
