// Package app wires the clearing engine's services, storage, and lifecycle
// into one application.
package app

import (
	"context"
	"fmt"
	"net/http"

	"github.com/SwapGraph-Network/clearing_engine/internal/app/httpapi"
	commitsvc "github.com/SwapGraph-Network/clearing_engine/internal/app/services/commits"
	custodysvc "github.com/SwapGraph-Network/clearing_engine/internal/app/services/custody"
	"github.com/SwapGraph-Network/clearing_engine/internal/app/services/events"
	intentsvc "github.com/SwapGraph-Network/clearing_engine/internal/app/services/intents"
	matchingsvc "github.com/SwapGraph-Network/clearing_engine/internal/app/services/matching"
	settlementsvc "github.com/SwapGraph-Network/clearing_engine/internal/app/services/settlement"
	"github.com/SwapGraph-Network/clearing_engine/internal/app/storage"
	"github.com/SwapGraph-Network/clearing_engine/internal/app/storage/memory"
	"github.com/SwapGraph-Network/clearing_engine/internal/app/system"
	"github.com/SwapGraph-Network/clearing_engine/internal/config"
	"github.com/SwapGraph-Network/clearing_engine/internal/idempotency"
	"github.com/SwapGraph-Network/clearing_engine/internal/signing"
	"github.com/SwapGraph-Network/clearing_engine/pkg/logger"
)

// Application ties domain services together and manages their lifecycle.
type Application struct {
	manager   *system.Manager
	log       *logger.Logger
	store     storage.Store
	storeKind string
	cfg       config.Config

	Signer     *signing.Signer
	Events     *events.Log
	Intents    *intentsvc.Service
	Matching   *matchingsvc.Service
	Commits    *commitsvc.Service
	Settlement *settlementsvc.Service
	Custody    *custodysvc.Service
	Idem       *idempotency.Registry
}

// New builds a fully initialised application. A nil store defaults to the
// in-memory implementation.
func New(cfg config.Config, store storage.Store, storeKind string, log *logger.Logger) (*Application, error) {
	if log == nil {
		log = logger.NewDefault("app")
	}
	if store == nil {
		store = memory.New()
		storeKind = "memory"
	}

	signer := signing.New(cfg.Signing.KeyID, []byte(cfg.Signing.Secret))
	eventLog := events.NewLog(store, signer, log)

	tuning := matchingsvc.DefaultTuning()
	if cfg.Matching.TuningPath != "" {
		loaded, err := matchingsvc.LoadTuning(cfg.Matching.TuningPath)
		if err != nil {
			return nil, fmt.Errorf("load matching tuning: %w", err)
		}
		tuning = loaded
	}

	intentService := intentsvc.New(store, eventLog, log)
	matchingService := matchingsvc.New(store, store, tuning, log)
	commitService := commitsvc.New(store, store, store, eventLog, log)
	settlementService := settlementsvc.New(store, store, store, store, store, eventLog, signer, log)
	custodyService := custodysvc.New(store, log)

	manager := system.NewManager()
	for _, name := range []string{"intents", "matching", "commits", "custody"} {
		if err := manager.Register(system.NoopService{ServiceName: name}); err != nil {
			return nil, fmt.Errorf("register %s service: %w", name, err)
		}
	}

	interval, err := cfg.Sweeper.Interval()
	if err != nil {
		return nil, err
	}
	sweeper := settlementsvc.NewEscrowSweeper(settlementService, interval, log)
	if err := manager.Register(sweeper); err != nil {
		return nil, fmt.Errorf("register %s: %w", sweeper.Name(), err)
	}

	return &Application{
		manager:    manager,
		log:        log,
		store:      store,
		storeKind:  storeKind,
		cfg:        cfg,
		Signer:     signer,
		Events:     eventLog,
		Intents:    intentService,
		Matching:   matchingService,
		Commits:    commitService,
		Settlement: settlementService,
		Custody:    custodyService,
		Idem:       idempotency.New(store),
	}, nil
}

// Handler returns the REST API for this application.
func (a *Application) Handler() http.Handler {
	var exporter storage.Exporter
	if exp, ok := a.store.(storage.Exporter); ok {
		exporter = exp
	}
	return httpapi.NewHandler(httpapi.Services{
		Intents:    a.Intents,
		Matching:   a.Matching,
		Commits:    a.Commits,
		Settlement: a.Settlement,
		Custody:    a.Custody,
		Events:     a.Events,
		Idem:       a.Idem,
		Exporter:   exporter,
		StoreKind:  a.storeKind,
		JWTSecret:  a.cfg.Auth.JWTSecret,
		Log:        a.log,
	})
}

// Attach registers an additional lifecycle-managed service. Call before
// Start.
func (a *Application) Attach(service system.Service) error {
	return a.manager.Register(service)
}

// Start begins all registered services.
func (a *Application) Start(ctx context.Context) error {
	return a.manager.Start(ctx)
}

// Stop stops all services.
func (a *Application) Stop(ctx context.Context) error {
	return a.manager.Stop(ctx)
}
