// Copyright (C) 2024 Bazaar Labs, Inc.
// See LICENSE for copying information.

// bazaar-replica serves one deployed model replica: search and predict
// over the in-memory index, durable write-log appends, and save-back to
// the control plane.
package main

import (
	"context"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"github.com/zeebo/errs"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"bazaar.io/bazaar/pkg/process"
	"bazaar.io/bazaar/replica/index"
	"bazaar.io/bazaar/replica/permcache"
	"bazaar.io/bazaar/replica/server"
	"bazaar.io/bazaar/replica/writelog"
)

var (
	rootCmd = &cobra.Command{
		Use:   "bazaar-replica",
		Short: "bazaar deployed replica server",
	}
	runCmd = &cobra.Command{
		Use:   "run",
		Short: "run the replica",
		RunE:  cmdRun,
	}

	config struct {
		ControlPlaneURL string
		DeploymentID    string
		WriteLogPath    string
		SnapshotPath    string
		RebuildInterval time.Duration

		Server server.Config
	}
)

func init() {
	rootCmd.AddCommand(runCmd)

	flags := rootCmd.PersistentFlags()
	flags.StringVar(&config.ControlPlaneURL, "control-plane-url", "http://localhost:8080", "base url of the control plane api")
	flags.StringVar(&config.DeploymentID, "deployment-id", os.Getenv("BAZAAR_DEPLOYMENT_ID"), "deployment this replica belongs to")
	flags.StringVar(&config.WriteLogPath, "write-log", "replica.wlog", "path to the durable write log")
	flags.StringVar(&config.SnapshotPath, "snapshot", "", "optional index snapshot to load on start")
	flags.DurationVar(&config.RebuildInterval, "rebuild-interval", 5*time.Second, "how often the rebuilder drains the write log")

	flags.StringVar(&config.Server.Address, "address", ":8090", "address to listen on")
	flags.StringVar(&config.Server.Mode, "mode", server.ModeProduction, "write mode, dev or production")
	flags.StringVar(&config.Server.LeaseOwner, "lease-owner", "", "writer identity for the log lease, defaults to the hostname")
	flags.DurationVar(&config.Server.LeasePeriod, "lease-period", 30*time.Second, "writer lease period")
	flags.DurationVar(&config.Server.PermissionTTL, "permission-ttl", time.Minute, "permission decision cache ttl")
}

func main() {
	process.Execute(rootCmd)
}

func cmdRun(cmd *cobra.Command, args []string) (err error) {
	ctx, cancel := process.Ctx(cmd)
	defer cancel()

	log, err := process.NewLogger()
	if err != nil {
		return err
	}
	defer func() { _ = log.Sync() }()

	deploymentID, err := uuid.Parse(config.DeploymentID)
	if err != nil {
		return errs.New("deployment-id must be a uuid: %v", err)
	}

	wlog, err := writelog.Open(config.WriteLogPath)
	if err != nil {
		return err
	}
	defer func() { err = errs.Combine(err, wlog.Close()) }()

	ix := index.New()
	if config.SnapshotPath != "" {
		data, err := os.ReadFile(config.SnapshotPath)
		if err != nil {
			return errs.Wrap(err)
		}
		if err := ix.LoadSnapshot(data); err != nil {
			return err
		}
	}

	owner := config.Server.LeaseOwner
	if owner == "" {
		owner, err = os.Hostname()
		if err != nil {
			return errs.Wrap(err)
		}
		config.Server.LeaseOwner = owner
	}
	lease := writelog.NewLease(config.WriteLogPath+".lease", owner, config.Server.LeasePeriod)

	controlPlane := server.NewControlPlane(config.ControlPlaneURL, deploymentID)
	perms := permcache.New(controlPlane, config.Server.PermissionTTL)

	replica := server.NewServer(log.Named("server"), config.Server, ix, wlog, lease, perms, controlPlane)
	defer func() { err = errs.Combine(err, replica.Close()) }()

	group, groupCtx := errgroup.WithContext(ctx)
	group.Go(func() error { return ignoreCancel(replica.Run(groupCtx)) })
	if config.Server.Mode == server.ModeProduction {
		rebuilder := index.NewRebuilder(log.Named("rebuilder"), ix, config.WriteLogPath, config.RebuildInterval)
		group.Go(func() error { return ignoreCancel(rebuilder.Run(groupCtx)) })
	}

	log.Info("replica started",
		zap.String("address", config.Server.Address),
		zap.Stringer("deployment", deploymentID),
		zap.String("mode", config.Server.Mode))
	return group.Wait()
}

func ignoreCancel(err error) error {
	if errs.IsFunc(err, func(err error) bool { return err == context.Canceled }) {
		return nil
	}
	return err
}
