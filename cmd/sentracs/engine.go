package main

import (
	"context"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/whoismuhd/S3NTRACS/internal/checks"
	"github.com/whoismuhd/S3NTRACS/internal/config"
	"github.com/whoismuhd/S3NTRACS/internal/credentials"
	"github.com/whoismuhd/S3NTRACS/internal/notify"
	"github.com/whoismuhd/S3NTRACS/internal/scan"
	"github.com/whoismuhd/S3NTRACS/internal/secrets"
	"github.com/whoismuhd/S3NTRACS/internal/store"
)

// scanEngine bundles the wired scan pipeline shared by serve, worker, and
// the one-shot scan command.
type scanEngine struct {
	Store        *store.Store
	Orchestrator *scan.Orchestrator
	Hub          *notify.Hub
	Checks       *checks.Registry
}

func buildScanEngine(ctx context.Context, cfg config.Config, pool *pgxpool.Pool) (*scanEngine, error) {
	st, err := store.New(pool)
	if err != nil {
		return nil, err
	}
	locks, err := store.NewAdvisoryLockManager(pool)
	if err != nil {
		return nil, err
	}
	creds, err := credentials.New(ctx, credentials.Options{
		Region:  cfg.AWSRegion,
		Timeout: cfg.CredentialTimeout,
	})
	if err != nil {
		return nil, err
	}
	resolver, err := secrets.New(secrets.Options{Addr: cfg.VaultAddr, Token: cfg.VaultToken})
	if err != nil {
		return nil, err
	}

	hub := notify.NewHub(0)
	registry := checks.NewRegistry()
	orch, err := scan.NewOrchestrator(scan.Options{
		Store:        st,
		Checks:       registry,
		Credentials:  creds,
		Locks:        locks,
		Secrets:      resolver,
		Broadcaster:  notify.Fanout{hub, notify.NewRecorder(st)},
		CheckTimeout: cfg.CheckTimeout,
		CheckWorkers: cfg.CheckWorkers,
	})
	if err != nil {
		return nil, err
	}

	return &scanEngine{Store: st, Orchestrator: orch, Hub: hub, Checks: registry}, nil
}
