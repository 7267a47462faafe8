// Command wes-httpd is the Run Manager's HTTP service: it bootstraps
// every component (RunStore, Authenticator, Supervisor, Indexer,
// Router) and serves the GA4GH WES API until SIGINT/SIGTERM.
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

	"apex-build/internal/auth"
	"apex-build/internal/config"
	"apex-build/internal/indexer"
	"apex-build/internal/logging"
	"apex-build/internal/metrics"
	"apex-build/internal/middleware"
	"apex-build/internal/router"
	"apex-build/internal/runstore"
	"apex-build/internal/supervisor"
)

const shutdownDrainTimeout = 30 * time.Second

func main() {
	cfg, err := config.Load(os.Args[1:])
	if err != nil {
		fmt.Fprintln(os.Stderr, "config:", err)
		os.Exit(1)
	}

	logging.Init(cfg.Debug)
	defer logging.Sync()

	store, err := runstore.New(cfg.RunDir)
	if err != nil {
		logging.S().Fatalw("failed to initialize run store", "error", err)
	}

	authenticator, err := auth.New(cfg.AuthConfig, cfg.AllowInsecureIdp)
	if err != nil {
		logging.S().Fatalw("failed to initialize authenticator", "error", err)
	}

	containers, err := supervisor.NewContainerObserver()
	if err != nil {
		logging.S().Warnw("docker container introspection unavailable, falling back to PID-only cancellation", "error", err)
		containers = nil
	}

	dispatcherPath := cfg.RunShPath
	if dispatcherPath == "" {
		dispatcherPath = "run.sh"
	}
	sv := supervisor.New(dispatcherPath, store, containers)

	ix := indexer.New(store, time.Duration(cfg.SnapshotIntervalMin)*time.Minute)
	indexerCtx, indexerCancel := context.WithCancel(context.Background())
	ix.Start(indexerCtx)

	if cfg.RunRemoveOlderThanDays > 0 {
		ix.SweepAged(time.Duration(cfg.RunRemoveOlderThanDays) * 24 * time.Hour)
	}

	if cfg.Debug {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}

	engine := gin.New()
	engine.Use(middleware.Recovery(), middleware.RequestID(), middleware.Logger(), middleware.CORS(cfg.AllowOrigin))
	engine.Use(metrics.PrometheusMiddleware())

	srv := router.New(cfg, store, authenticator, sv, containers)
	router.RegisterRoutes(engine, srv)

	httpServer := &http.Server{
		Addr:    fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Handler: engine,
	}

	serverErrors := make(chan error, 1)
	go func() {
		logging.S().Infow("wes-httpd listening", "addr", httpServer.Addr, "run_dir", cfg.RunDir)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			serverErrors <- err
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-serverErrors:
		logging.S().Fatalw("http server failed to start", "error", err)
	case sig := <-quit:
		logging.S().Infow("received signal, starting graceful shutdown", "signal", sig.String())
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownDrainTimeout)
	defer shutdownCancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logging.S().Errorw("http server shutdown error", "error", err)
	}

	ix.Stop()
	indexerCancel()

	logging.S().Infow("graceful shutdown complete")
}
