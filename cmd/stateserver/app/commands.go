// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package app provides the commands of the stateserver binary.
package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"golang.org/x/sync/errgroup"

	"github.com/stacklok/statestore/pkg/config"
	"github.com/stacklok/statestore/pkg/logger"
	"github.com/stacklok/statestore/pkg/sessionstate/provider"
	"github.com/stacklok/statestore/pkg/sessionstate/stateserver"
	"github.com/stacklok/statestore/pkg/telemetry"
	"github.com/stacklok/statestore/pkg/versions"
)

const (
	envPrefix       = "STATESTORE"
	serviceName     = "statestore"
	shutdownTimeout = 10 * time.Second
	readTimeout     = 10 * time.Second
)

// NewRootCmd creates the root command of the stateserver CLI.
func NewRootCmd() *cobra.Command {
	v := viper.GetViper()
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	rootCmd := &cobra.Command{
		Use:               "stateserver",
		DisableAutoGenTag: true,
		Short:             "Session state service",
		Long: `stateserver keeps session records for a fleet of web front ends and
coordinates exclusive access to them through lock cookies.`,
		SilenceUsage: true,
		Run: func(cmd *cobra.Command, _ []string) {
			if err := cmd.Help(); err != nil {
				logger.Errorf("Error displaying help: %v", err)
			}
		},
		PersistentPreRun: func(_ *cobra.Command, _ []string) {
			logger.Initialize()
		},
	}

	rootCmd.PersistentFlags().Bool("debug", false, "Enable debug logging")
	rootCmd.PersistentFlags().StringP("config", "c", "", "Path to the configuration file")
	for _, name := range []string{"debug", "config"} {
		if err := v.BindPFlag(name, rootCmd.PersistentFlags().Lookup(name)); err != nil {
			logger.Errorf("Error binding %s flag: %v", name, err)
		}
	}

	rootCmd.AddCommand(newServeCmd(v))
	rootCmd.AddCommand(newValidateCmd())
	rootCmd.AddCommand(newVersionCmd())
	return rootCmd
}

func newServeCmd(v *viper.Viper) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the state service",
		RunE:  runServe,
	}
	cmd.Flags().String("listen", "", "Address of the session API (overrides the config file)")
	cmd.Flags().String("metrics-listen", "", "Serve metrics on a separate address (overrides the config file)")
	for _, name := range []string{"listen", "metrics-listen"} {
		if err := v.BindPFlag(name, cmd.Flags().Lookup(name)); err != nil {
			logger.Errorf("Error binding %s flag: %v", name, err)
		}
	}
	return cmd
}

func newValidateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "Validate the configuration file",
		RunE: func(_ *cobra.Command, _ []string) error {
			path := viper.GetString("config")
			if path == "" {
				return errors.New("no configuration file specified, use --config flag")
			}
			if _, err := loadConfig(); err != nil {
				return err
			}
			logger.Infof("Configuration %s is valid", path)
			return nil
		},
	}
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(_ *cobra.Command, _ []string) {
			info := versions.GetVersionInfo()
			logger.Infow("stateserver version",
				"version", info.Version,
				"commit", info.Commit,
				"build_date", info.BuildDate,
				"go_version", info.GoVersion,
				"platform", info.Platform)
		},
	}
}

// loadConfig reads the configuration file, applies flag and environment
// overrides and validates the result.
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(viper.GetString("config"))
	if err != nil {
		return nil, err
	}
	if listen := viper.GetString("listen"); listen != "" {
		cfg.Listen = listen
	}
	if listen := viper.GetString("metrics-listen"); listen != "" {
		cfg.MetricsListen = listen
	}
	if err := config.NewValidator().Validate(cfg); err != nil {
		return nil, fmt.Errorf("validation failed: %w", err)
	}
	return cfg, nil
}

func runServe(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()
	log := logger.Get()

	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	tp, err := telemetry.NewProvider(ctx, telemetry.Config{
		ServiceName:           serviceName,
		ServiceVersion:        versions.GetVersionInfo().Version,
		IncludeRuntimeMetrics: true,
	})
	if err != nil {
		return fmt.Errorf("failed to set up telemetry: %w", err)
	}
	defer func() {
		if err := tp.Shutdown(context.Background()); err != nil {
			log.Warn("telemetry shutdown failed", "error", err)
		}
	}()

	store, err := provider.New(ctx, cfg.Store, provider.WithLogger(log))
	if err != nil {
		return fmt.Errorf("failed to open store: %w", err)
	}
	defer func() {
		if err := store.Close(); err != nil {
			log.Warn("store close failed", "error", err)
		}
	}()

	opts := []stateserver.Option{
		stateserver.WithLogger(log.With("component", "stateserver")),
		stateserver.WithMaxRecordSize(cfg.MaxRecordSize),
		stateserver.WithMeterProvider(tp),
	}
	servers := []*http.Server{}
	if cfg.MetricsListen == "" {
		opts = append(opts, stateserver.WithMetricsHandler(tp.Handler()))
	} else {
		mux := http.NewServeMux()
		mux.Handle("/metrics", tp.Handler())
		servers = append(servers, &http.Server{Addr: cfg.MetricsListen, Handler: mux, ReadHeaderTimeout: readTimeout})
	}
	srv := stateserver.New(store, opts...)
	servers = append(servers, &http.Server{Addr: cfg.Listen, Handler: srv.Routes(), ReadHeaderTimeout: readTimeout})

	g, gctx := errgroup.WithContext(ctx)
	for _, s := range servers {
		g.Go(func() error {
			log.Info("listening", "addr", s.Addr, "mode", cfg.Store.Mode)
			if err := s.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("server on %s: %w", s.Addr, err)
			}
			return nil
		})
	}
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		var errs []error
		for _, s := range servers {
			if err := s.Shutdown(shutdownCtx); err != nil {
				errs = append(errs, err)
			}
		}
		return errors.Join(errs...)
	})
	return g.Wait()
}
