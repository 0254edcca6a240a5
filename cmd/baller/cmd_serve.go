// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/spf13/cobra"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"

	"github.com/AleutianAI/baller/services/config"
	"github.com/AleutianAI/baller/services/server"
)

// servePort holds the --port flag; zero means the configured port.
var servePort int

func newServeCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP API server",
		Args:  cobra.NoArgs,
		RunE:  runServeCommand,
	}
	cmd.Flags().IntVar(&servePort, "port", 0, "Listen port (overrides config)")
	return cmd
}

func runServeCommand(_ *cobra.Command, _ []string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	if servePort != 0 {
		cfg.Server.Port = servePort
	}

	if cfg.Server.Debug {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}

	// W3C TraceContext so spans join traces started by upstream callers.
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))

	logger := slog.Default()
	a, err := buildApp(cfg, logger)
	if err != nil {
		return err
	}

	// Roster warming competes with startup for the rate budget; run it in
	// the background so the listener comes up immediately.
	warmCtx, cancelWarm := context.WithTimeout(context.Background(), 2*time.Minute)
	go func() {
		defer cancelWarm()
		a.warmTeamDictionary(warmCtx)
	}()

	router := server.NewRouter(server.NewHandlers(a.orch, a.convos, a.tracker, logger), cfg.Server.Debug)

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-quit
		logger.Info("Shutting down")
		cancelWarm()
		a.close()
		os.Exit(0)
	}()

	addr := fmt.Sprintf(":%d", cfg.Server.Port)
	logger.Info("Starting server",
		slog.String("address", addr),
		slog.String("provider", cfg.Provider.Name),
		slog.Bool("live_data", a.sports != nil),
		slog.Bool("persistence", a.db != nil),
	)
	if err := router.Run(addr); err != nil {
		return fmt.Errorf("starting server: %w", err)
	}
	return nil
}
