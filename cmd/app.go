package cmd

import (
	"context"
	"fmt"

	"github.com/ortelius/pdvd-vulncorr/alerts"
	"github.com/ortelius/pdvd-vulncorr/database"
	"github.com/ortelius/pdvd-vulncorr/feed"
	"github.com/ortelius/pdvd-vulncorr/internal/config"
	"github.com/ortelius/pdvd-vulncorr/internal/metrics"
	"github.com/ortelius/pdvd-vulncorr/snapshot"
	"github.com/ortelius/pdvd-vulncorr/store"
	"go.uber.org/zap"
)

// app holds the components every command is built from
type app struct {
	cfg        *config.Config
	logger     *zap.Logger
	metrics    *metrics.Metrics
	store      store.Store
	importer   *feed.Importer
	fetcher    *feed.Fetcher
	snapshots  *snapshot.Service
	calculator *alerts.Calculator
}

func newApp(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*app, error) {
	s, err := openStore(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}

	overrides, err := alerts.LoadOverrides(cfg.Alerts.OverridesFile)
	if err != nil {
		return nil, err
	}
	if len(overrides) > 0 {
		logger.Sugar().Infof("Loaded %d curated advisories from %s", len(overrides), cfg.Alerts.OverridesFile)
	}

	m := metrics.NewMetrics()
	importer := feed.NewImporter(s, cfg.FeedOptions(), logger, m)

	return &app{
		cfg:        cfg,
		logger:     logger,
		metrics:    m,
		store:      s,
		importer:   importer,
		fetcher:    feed.NewFetcher(cfg.Feed.Source, importer, s, nil, cfg.Feed.Timeout, logger),
		snapshots:  snapshot.NewService(s, logger, m),
		calculator: alerts.NewCalculator(s, cfg.AlertOptions(overrides), logger, m),
	}, nil
}

func openStore(ctx context.Context, cfg *config.Config, logger *zap.Logger) (store.Store, error) {
	switch cfg.Store.Backend {
	case config.BackendArango:
		conn, err := database.InitializeDatabase(ctx, cfg.Database(), logger)
		if err != nil {
			return nil, fmt.Errorf("failed to connect to ArangoDB: %w", err)
		}
		return store.NewArango(conn), nil
	case config.BackendMemory:
		logger.Sugar().Warn("Using the in-memory store; nothing survives a restart")
		return store.NewMemory(), nil
	default:
		return nil, fmt.Errorf("unknown store backend %q", cfg.Store.Backend)
	}
}
