// Copyright (C) 2024 Bazaar Labs, Inc.
// See LICENSE for copying information.

// bazaar runs the control plane: accounts, catalog, artifacts, job
// orchestration and the public HTTP API.
package main

import (
	"context"
	"encoding/hex"
	"time"

	"github.com/spf13/cobra"
	"github.com/zeebo/errs"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"bazaar.io/bazaar/bazaar/artifacts"
	"bazaar.io/bazaar/bazaar/bazaardb"
	"bazaar.io/bazaar/bazaar/bazaarweb"
	"bazaar.io/bazaar/bazaar/console"
	"bazaar.io/bazaar/bazaar/console/consoleauth"
	"bazaar.io/bazaar/bazaar/downloads"
	"bazaar.io/bazaar/bazaar/licensing"
	"bazaar.io/bazaar/bazaar/mailservice"
	"bazaar.io/bazaar/bazaar/orchestrator"
	"bazaar.io/bazaar/bazaar/runner"
	"bazaar.io/bazaar/internal/kvstore/redis"
	"bazaar.io/bazaar/internal/post"
	"bazaar.io/bazaar/pkg/process"
)

var (
	rootCmd = &cobra.Command{
		Use:   "bazaar",
		Short: "bazaar model platform control plane",
	}
	runCmd = &cobra.Command{
		Use:   "run",
		Short: "run the control plane",
		RunE:  cmdRun,
	}
	migrateCmd = &cobra.Command{
		Use:   "migrate",
		Short: "apply pending database migrations and exit",
		RunE:  cmdMigrate,
	}

	config struct {
		DatabaseURL  string
		AuthSecret   string
		ArtifactsDir string
		LicensePath  string

		RedisAddress  string
		RedisPassword string
		RedisDB       int

		SMTPAddress   string
		SMTPFrom      string
		MailTemplates string

		Web          bazaarweb.Config
		Console      console.Config
		Runner       runner.Config
		Orchestrator orchestrator.Config

		DownloadFlushInterval time.Duration
	}
)

func init() {
	rootCmd.AddCommand(runCmd, migrateCmd)

	flags := rootCmd.PersistentFlags()
	flags.StringVar(&config.DatabaseURL, "database-url", "bazaar.db", "database url, sqlite3 path or postgres:// url")
	flags.StringVar(&config.AuthSecret, "auth-secret", "", "hex encoded hmac secret for tokens")
	flags.StringVar(&config.ArtifactsDir, "artifacts-dir", "artifacts", "directory for model artifacts")
	flags.StringVar(&config.LicensePath, "license-path", "", "path to the signed license file")

	flags.StringVar(&config.RedisAddress, "redis-address", "", "redis address for the download counter, empty disables it")
	flags.StringVar(&config.RedisPassword, "redis-password", "", "redis password")
	flags.IntVar(&config.RedisDB, "redis-db", 0, "redis database number")

	flags.StringVar(&config.SMTPAddress, "smtp-address", "", "smtp host:port for outgoing mail, empty simulates sends")
	flags.StringVar(&config.SMTPFrom, "smtp-from", "noreply@bazaar.local", "from address for outgoing mail")
	flags.StringVar(&config.MailTemplates, "mail-templates", "web/mail", "directory of email templates")

	flags.StringVar(&config.Web.Address, "address", ":8080", "address to listen on")
	flags.StringVar(&config.Web.ExternalAddress, "external-address", "http://localhost:8080", "public url of the api")
	flags.IntVar(&config.Console.PasswordCost, "password-cost", 0, "bcrypt cost, 0 means default")
	flags.StringVar(&config.Runner.Address, "runner-address", "http://localhost:4646", "job runner address")
	flags.DurationVar(&config.Orchestrator.ReconcileInterval, "reconcile-interval", 30*time.Second, "runner reconcile interval")
	flags.StringVar(&config.Orchestrator.CallbackAddress, "callback-address", "", "address jobs use for callbacks, defaults to the external address")

	flags.DurationVar(&config.DownloadFlushInterval, "download-flush-interval", time.Minute, "download counter flush interval")
}

func main() {
	process.Execute(rootCmd)
}

func cmdMigrate(cmd *cobra.Command, args []string) (err error) {
	ctx, cancel := process.Ctx(cmd)
	defer cancel()

	log, err := process.NewLogger()
	if err != nil {
		return err
	}
	defer func() { _ = log.Sync() }()

	db, err := bazaardb.Open(ctx, log.Named("db"), config.DatabaseURL)
	if err != nil {
		return err
	}
	defer func() { err = errs.Combine(err, db.Close()) }()

	return db.MigrateToLatest(ctx)
}

func cmdRun(cmd *cobra.Command, args []string) (err error) {
	ctx, cancel := process.Ctx(cmd)
	defer cancel()

	log, err := process.NewLogger()
	if err != nil {
		return err
	}
	defer func() { _ = log.Sync() }()

	secret, err := hex.DecodeString(config.AuthSecret)
	if err != nil || len(secret) == 0 {
		return errs.New("auth-secret must be non-empty hex")
	}
	signer := consoleauth.Hmac{Secret: secret}

	db, err := bazaardb.Open(ctx, log.Named("db"), config.DatabaseURL)
	if err != nil {
		return err
	}
	defer func() { err = errs.Combine(err, db.Close()) }()
	if err := db.MigrateToLatest(ctx); err != nil {
		return err
	}

	consoleService, err := console.NewService(log.Named("console"),
		signer, db.Console(), db.Catalog(), config.Console)
	if err != nil {
		return err
	}

	store, err := artifacts.NewDir(config.ArtifactsDir)
	if err != nil {
		return err
	}

	var license *licensing.Service
	if config.LicensePath != "" {
		license, err = licensing.NewService(config.LicensePath, secret)
		if err != nil {
			return err
		}
	} else {
		// unlicensed dev installs run without capacity limits
		license = licensing.NewServiceWith(licensing.License{
			IssuedTo:  "development",
			ExpiresAt: time.Now().AddDate(100, 0, 0),
		})
	}

	runnerClient, err := runner.NewClient(log.Named("runner"), config.Runner)
	if err != nil {
		return err
	}

	if config.Orchestrator.CallbackAddress == "" {
		config.Orchestrator.CallbackAddress = config.Web.ExternalAddress
	}
	orch := orchestrator.NewService(log.Named("orchestrator"),
		db.Catalog(), store, runnerClient, license, config.Orchestrator)
	orch.Tokens = consoleService
	defer func() { err = errs.Combine(err, orch.Close()) }()

	var counter *downloads.Counter
	if config.RedisAddress != "" {
		cache, err := redis.OpenClient(ctx, config.RedisAddress, config.RedisPassword, config.RedisDB)
		if err != nil {
			return err
		}
		defer func() { err = errs.Combine(err, cache.Close()) }()
		counter = downloads.NewCounter(log.Named("downloads"), cache, db.Catalog().Models(),
			downloads.Config{FlushInterval: config.DownloadFlushInterval})
		defer func() { err = errs.Combine(err, counter.Close()) }()
	}

	var sender mailservice.Sender
	if config.SMTPAddress != "" {
		sender = &post.SMTPSender{
			ServerAddress: config.SMTPAddress,
			From:          post.Address{Address: config.SMTPFrom},
		}
	} else {
		sender = mailservice.NewSimulatedSender(log.Named("mail"))
	}
	mail, err := mailservice.New(log.Named("mail"), sender, config.MailTemplates)
	if err != nil {
		log.Warn("mail templates unavailable, emails disabled", zap.Error(err))
		mail = nil
	}

	server := bazaarweb.NewServer(log.Named("web"), config.Web,
		consoleService, db.Console(), db.Catalog(), store, orch, counter, mail)
	defer func() { err = errs.Combine(err, server.Close()) }()

	group, groupCtx := errgroup.WithContext(ctx)
	group.Go(func() error { return ignoreCancel(server.Run(groupCtx)) })
	group.Go(func() error { return ignoreCancel(orch.Run(groupCtx)) })
	if counter != nil {
		group.Go(func() error { return ignoreCancel(counter.Run(groupCtx)) })
	}

	log.Info("control plane started", zap.String("address", config.Web.Address))
	return group.Wait()
}

func ignoreCancel(err error) error {
	if errs.IsFunc(err, func(err error) bool { return err == context.Canceled }) {
		return nil
	}
	return err
}
