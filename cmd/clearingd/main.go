// Package main runs the clearing engine API server.
package main

import (
	"context"
	"database/sql"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	_ "github.com/lib/pq"

	"github.com/SwapGraph-Network/clearing_engine/internal/app"
	"github.com/SwapGraph-Network/clearing_engine/internal/app/metrics"
	"github.com/SwapGraph-Network/clearing_engine/internal/app/storage"
	"github.com/SwapGraph-Network/clearing_engine/internal/app/storage/postgres"
	"github.com/SwapGraph-Network/clearing_engine/internal/config"
	"github.com/SwapGraph-Network/clearing_engine/internal/middleware"
	"github.com/SwapGraph-Network/clearing_engine/pkg/logger"
)

func main() {
	log := logger.NewDefault("clearingd")

	cfg, err := config.Load()
	if err != nil {
		log.WithError(err).Error("load configuration")
		os.Exit(1)
	}

	var store storage.Store
	storeKind := "memory"
	if cfg.Postgres.DSN != "" {
		db, err := sql.Open("postgres", cfg.Postgres.DSN)
		if err != nil {
			log.WithError(err).Error("open postgres")
			os.Exit(1)
		}
		defer db.Close()
		if err := db.Ping(); err != nil {
			log.WithError(err).Error("ping postgres")
			os.Exit(1)
		}
		if err := postgres.Migrate(db); err != nil {
			log.WithError(err).Error("apply migrations")
			os.Exit(1)
		}
		store = postgres.New(db)
		storeKind = "postgres"
	}

	application, err := app.New(cfg, store, storeKind, log)
	if err != nil {
		log.WithError(err).Error("build application")
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := application.Start(ctx); err != nil {
		log.WithError(err).Error("start application")
		os.Exit(1)
	}

	limiter := middleware.NewRateLimiter(cfg.HTTP.RateLimitRPS, cfg.HTTP.RateLimitBurst, log)
	limiter.StartCleanup(5 * time.Minute)
	cors := middleware.NewCORSMiddleware([]string{"*"})
	correlation := middleware.NewCorrelationMiddleware(log)

	root := mux.NewRouter()
	root.Handle("/metrics", metrics.Handler()).Methods(http.MethodGet)
	root.PathPrefix("/").Handler(application.Handler())

	var handler http.Handler = root
	handler = metrics.InstrumentHandler(handler)
	handler = cors.Handler(handler)
	handler = limiter.Handler(handler)
	handler = correlation.Handler(handler)

	server := &http.Server{
		Addr:         cfg.HTTP.Addr,
		Handler:      handler,
		ReadTimeout:  cfg.HTTP.ReadTimeout,
		WriteTimeout: cfg.HTTP.WriteTimeout,
	}

	go func() {
		log.WithField("addr", cfg.HTTP.Addr).Infof("listening on %s (store=%s)", cfg.HTTP.Addr, storeKind)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.WithError(err).Error("server error")
			cancel()
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	select {
	case sig := <-sigCh:
		log.Infof("received %s, shutting down", sig)
	case <-ctx.Done():
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.HTTP.ShutdownTimeout)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.WithError(err).Warn("server shutdown")
	}
	if err := application.Stop(shutdownCtx); err != nil {
		log.WithError(err).Warn("application stop")
	}
	log.Info("stopped")
}
