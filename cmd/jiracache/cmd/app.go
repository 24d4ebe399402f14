package cmd

import (
	"context"
	"fmt"

	"github.com/jhgg/jeev-jiracache/internal/index"
	"github.com/jhgg/jeev-jiracache/internal/jira"
	"github.com/jhgg/jeev-jiracache/internal/live"
	"github.com/jhgg/jeev-jiracache/internal/syncer"
	"github.com/jhgg/jeev-jiracache/pkg/config"
	"github.com/jhgg/jeev-jiracache/pkg/metrics"
	pkgredis "github.com/jhgg/jeev-jiracache/pkg/redis"
)

// app holds the collaborators shared by the commands.
type app struct {
	cfg     *config.Config
	metrics *metrics.Metrics
	redis   *pkgredis.Client
	store   *index.Store
	live    *live.Registry
}

func openApp(cfg *config.Config, m *metrics.Metrics) (*app, error) {
	if m == nil {
		m = metrics.New(nil)
	}
	rdb, err := pkgredis.NewClient(cfg.Redis)
	if err != nil {
		return nil, fmt.Errorf("connecting to redis at %s: %w", cfg.Redis.Addr, err)
	}
	store := index.New(rdb.Universal(), cfg.Index, m)
	return &app{
		cfg:     cfg,
		metrics: m,
		redis:   rdb,
		store:   store,
		live:    live.NewRegistry(store, m),
	}, nil
}

// driver builds the sync driver against the configured upstream.
func (a *app) driver() (*syncer.Driver, error) {
	client, err := jira.NewClient(a.cfg.Jira, nil, a.metrics)
	if err != nil {
		return nil, err
	}
	return syncer.New(client, a.store, a.live, a.cfg.Sync, a.metrics), nil
}

func (a *app) Close(context.Context) error {
	a.live.CloseAll()
	return a.redis.Close()
}
