// Copyright (c) 2023-2025 RapidaAI
// Author: Prashant Srivastav <prashant@rapida.ai>
//
// Licensed under GPL-2.0 with Rapida Additional Terms.
// See LICENSE.md or contact sales@rapida.ai for commercial usage.

package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rapidaai/sttproxy/internal/boundary"
	"github.com/rapidaai/sttproxy/internal/config"
	"github.com/rapidaai/sttproxy/internal/logging"
	"github.com/rapidaai/sttproxy/internal/metrics"
	"github.com/rapidaai/sttproxy/internal/session"
	"github.com/rapidaai/sttproxy/internal/tracedump"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "sttproxy: config: %v\n", err)
		os.Exit(1)
	}

	logger, err := logging.New(cfg.LogLevel, cfg.Debug)
	if err != nil {
		fmt.Fprintf(os.Stderr, "sttproxy: logging: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	if len(cfg.AvailableProviders()) == 0 {
		logger.Fatalw("no provider has credentials configured, refusing to start")
	}

	var dump *tracedump.Dump
	if cfg.Debug {
		dump = tracedump.New("sttproxy-trace.jsonl", 50, 7, logger)
		defer dump.Close()
	}

	registry := session.NewRegistry(cfg.SessionResumeEnabled, time.Duration(cfg.SessionResumeGracePeriod)*time.Second, logger)
	srv := boundary.NewServer(cfg, registry, metrics.Noop{}, logger, dump)

	if !cfg.Debug {
		gin.SetMode(gin.ReleaseMode)
	}
	engine := gin.New()
	engine.Use(gin.Recovery())
	srv.Routes(engine)

	httpSrv := &http.Server{
		Addr:    fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Handler: engine,
	}

	go func() {
		logger.Infow("sttproxy listening", "addr", httpSrv.Addr, "providers", cfg.AvailableProviders())
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatalw("listen failed", "error", err)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	logger.Infow("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		logger.Warnw("http shutdown error", "error", err)
	}
	registry.Shutdown()
}
