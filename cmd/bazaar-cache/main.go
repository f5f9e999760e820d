// Copyright (C) 2024 Bazaar Labs, Inc.
// See LICENSE for copying information.

// bazaar-cache runs the semantic response cache: suggestion and lookup
// reads over a bolt store, buffered inserts, and a background refresher
// that folds the insert log into the store.
package main

import (
	"context"
	"encoding/hex"
	"time"

	"github.com/spf13/cobra"
	"github.com/zeebo/errs"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"bazaar.io/bazaar/bazaar/console/consoleauth"
	"bazaar.io/bazaar/llmcache"
	"bazaar.io/bazaar/pkg/process"
)

var (
	rootCmd = &cobra.Command{
		Use:   "bazaar-cache",
		Short: "bazaar semantic response cache",
	}
	runCmd = &cobra.Command{
		Use:   "run",
		Short: "run the cache",
		RunE:  cmdRun,
	}

	authSecret string
	config     llmcache.Config
)

func init() {
	rootCmd.AddCommand(runCmd)

	flags := rootCmd.PersistentFlags()
	flags.StringVar(&authSecret, "auth-secret", "", "hex encoded hmac secret, must match the control plane")
	flags.StringVar(&config.Address, "address", ":8070", "address to listen on")
	flags.StringVar(&config.StorePath, "store-path", "llmcache.db", "path to the cache store")
	flags.StringVar(&config.LogPath, "log-path", "llmcache.log", "path to the insert log")
	flags.Float64Var(&config.Threshold, "threshold", 0.95, "similarity threshold for cache hits")
	flags.DurationVar(&config.InsertTokenLifetime, "insert-token-lifetime", 5*time.Minute, "lifetime of issued insert tokens")
	flags.DurationVar(&config.RefreshInterval, "refresh-interval", time.Minute, "how often buffered inserts are folded into the store")
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

	secret, err := hex.DecodeString(authSecret)
	if err != nil || len(secret) == 0 {
		return errs.New("auth-secret must be non-empty hex")
	}
	signer := consoleauth.Hmac{Secret: secret}

	store, err := llmcache.OpenStore(config.StorePath)
	if err != nil {
		return err
	}
	defer func() { err = errs.Combine(err, store.Close()) }()

	buffer, err := llmcache.OpenInsertLog(config.LogPath)
	if err != nil {
		return err
	}
	defer func() { err = errs.Combine(err, buffer.Close()) }()

	service := llmcache.NewService(log.Named("service"), store, buffer, signer, config)
	server := llmcache.NewServer(log.Named("server"), config, service)
	defer func() { err = errs.Combine(err, server.Close()) }()
	refresher := llmcache.NewRefresher(log.Named("refresher"), store, config.LogPath, config.RefreshInterval)

	group, groupCtx := errgroup.WithContext(ctx)
	group.Go(func() error { return ignoreCancel(server.Run(groupCtx)) })
	group.Go(func() error { return ignoreCancel(refresher.Run(groupCtx)) })

	log.Info("cache started", zap.String("address", config.Address))
	return group.Wait()
}

func ignoreCancel(err error) error {
	if errs.IsFunc(err, func(err error) bool { return err == context.Canceled }) {
		return nil
	}
	return err
}
