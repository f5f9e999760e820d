// Copyright (C) 2024 Bazaar Labs, Inc.
// See LICENSE for copying information.

// Package runner talks to the external job runner that executes
// training and deployment workloads.
package runner

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/spacemonkeygo/monkit/v3"
	"github.com/zeebo/errs"
	"go.uber.org/zap"
)

var mon = monkit.Package()

var (
	// Error is the default runner errs class.
	Error = errs.Class("runner")

	// ErrUnavailable is returned when the runner cannot be reached.
	ErrUnavailable = errs.Class("runner unavailable")

	// ErrJobNotFound is returned for operations on unknown jobs.
	ErrJobNotFound = errs.Class("job not found")
)

// Config holds runner client configuration.
type Config struct {
	Address       string        `help:"base URL of the job runner API" default:"http://localhost:4646"`
	SubmitTimeout time.Duration `help:"timeout for job submissions" default:"60s"`
	Timeout       time.Duration `help:"timeout for status and stop calls" default:"5s"`
}

// JobKind distinguishes training jobs from deployment jobs.
type JobKind string

const (
	// KindTrain is a one-shot training job.
	KindTrain JobKind = "train"
	// KindDeploy is a long-running deployment job.
	KindDeploy JobKind = "deploy"
)

// JobSpec describes a workload for the runner. Name doubles as the
// idempotency key: submitting the same name twice updates the job
// instead of starting a second copy.
type JobSpec struct {
	Name       string            `json:"name"`
	Kind       JobKind           `json:"kind"`
	ConfigPath string            `json:"config_path"`
	Env        map[string]string `json:"env,omitempty"`
	CPUMillis  int               `json:"cpu_millis,omitempty"`
	MemoryMB   int               `json:"memory_mb,omitempty"`
	Replicas   int               `json:"replicas,omitempty"`
}

// JobStatus is the runner's view of a job.
type JobStatus struct {
	ID      string `json:"id"`
	State   string `json:"state"`
	Message string `json:"message,omitempty"`
}

// Client is an HTTP client for the runner API.
//
// architecture: Service
type Client struct {
	log    *zap.Logger
	base   *url.URL
	config Config
	submit *http.Client
	quick  *http.Client
}

// NewClient creates a runner client.
func NewClient(log *zap.Logger, config Config) (*Client, error) {
	base, err := url.Parse(config.Address)
	if err != nil {
		return nil, Error.Wrap(err)
	}
	return &Client{
		log:    log,
		base:   base,
		config: config,
		submit: &http.Client{Timeout: config.SubmitTimeout},
		quick:  &http.Client{Timeout: config.Timeout},
	}, nil
}

func (client *Client) endpoint(parts ...string) string {
	ref := &url.URL{Path: "/v1/jobs"}
	for _, part := range parts {
		ref.Path += "/" + part
	}
	return client.base.ResolveReference(ref).String()
}

// SubmitJob registers a job with the runner and returns its id.
// Submission is idempotent on the spec name, so one retry after a
// transport failure is safe.
func (client *Client) SubmitJob(ctx context.Context, spec JobSpec) (jobID string, err error) {
	defer mon.Task()(&ctx)(&err)

	body, err := json.Marshal(spec)
	if err != nil {
		return "", Error.Wrap(err)
	}

	var status JobStatus
	err = client.do(ctx, client.submit, http.MethodPost, client.endpoint(), body, &status)
	if ErrUnavailable.Has(err) {
		client.log.Warn("job submission failed, retrying once",
			zap.String("job", spec.Name), zap.Error(err))
		err = client.do(ctx, client.submit, http.MethodPost, client.endpoint(), body, &status)
	}
	if err != nil {
		return "", err
	}
	return status.ID, nil
}

// StopJob asks the runner to stop a job. Stopping an already stopped
// job succeeds.
func (client *Client) StopJob(ctx context.Context, jobID string) (err error) {
	defer mon.Task()(&ctx)(&err)

	err = client.do(ctx, client.quick, http.MethodDelete, client.endpoint(jobID), nil, nil)
	if ErrUnavailable.Has(err) {
		err = client.do(ctx, client.quick, http.MethodDelete, client.endpoint(jobID), nil, nil)
	}
	if ErrJobNotFound.Has(err) {
		return nil
	}
	return err
}

// Status fetches the runner's current view of a job.
func (client *Client) Status(ctx context.Context, jobID string) (status JobStatus, err error) {
	defer mon.Task()(&ctx)(&err)
	err = client.do(ctx, client.quick, http.MethodGet, client.endpoint(jobID), nil, &status)
	return status, err
}

func (client *Client) do(ctx context.Context, hc *http.Client, method, endpoint string, body []byte, out interface{}) error {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, endpoint, reader)
	if err != nil {
		return Error.Wrap(err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := hc.Do(req)
	if err != nil {
		return ErrUnavailable.Wrap(err)
	}
	defer func() { _ = resp.Body.Close() }()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return ErrJobNotFound.New("%s %s", method, endpoint)
	case resp.StatusCode >= 500:
		return ErrUnavailable.New("%s %s: %s", method, endpoint, resp.Status)
	case resp.StatusCode >= 400:
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return Error.New("%s %s: %s: %s", method, endpoint, resp.Status, string(data))
	}

	if out == nil {
		return nil
	}
	return Error.Wrap(json.NewDecoder(resp.Body).Decode(out))
}

// TrainJobName derives the runner job name for a model's training job.
func TrainJobName(modelID fmt.Stringer) string {
	return "train-" + modelID.String()
}

// DeployJobName derives the runner job name for a deployment.
func DeployJobName(deploymentID fmt.Stringer) string {
	return "deploy-" + deploymentID.String()
}
