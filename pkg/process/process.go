// Copyright (C) 2024 Bazaar Labs, Inc.
// See LICENSE for copying information.

// Package process sets up process-wide configuration, logging and signal
// handling for bazaar binaries.
package process

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"github.com/zeebo/errs"
	"go.uber.org/zap"
)

// Error is the process error class.
var Error = errs.Class("process")

var logDisposition = flag.String("log.disp", "prod", "switch to 'dev' to get more output")

// Execute runs a *cobra.Command and sets up bazaar-wide process
// configuration like the configuration file and environment binding.
func Execute(cmd *cobra.Command) {
	pflag.CommandLine.AddGoFlagSet(flag.CommandLine)

	cobra.OnInitialize(func() {
		_ = viper.BindPFlags(cmd.Flags())
		viper.SetEnvPrefix("bazaar")
		viper.AutomaticEnv()
		if cfgFile := viper.GetString("config"); cfgFile != "" {
			viper.SetConfigFile(cfgFile)
			_ = viper.ReadInConfig()
		}
	})

	Must(cmd.Execute())
}

// Ctx returns a context that is canceled on interrupt or termination
// signals.
func Ctx(cmd *cobra.Command) (context.Context, context.CancelFunc) {
	ctx := context.Background()
	ctx, cancel := context.WithCancel(ctx)

	signals := make(chan os.Signal, 1)
	signal.Notify(signals, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		select {
		case <-signals:
			cancel()
		case <-ctx.Done():
		}
	}()

	return ctx, cancel
}

// NewLogger creates a zap logger based on the log.disp flag.
func NewLogger() (*zap.Logger, error) {
	if *logDisposition == "dev" {
		return zap.NewDevelopment()
	}
	return zap.NewProduction()
}

// Must exits the process on error.
func Must(err error) {
	if err != nil {
		log, _ := zap.NewProduction()
		if log != nil {
			log.Fatal("process failure", zap.Error(err))
		}
		os.Exit(1)
	}
}
