package cmd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"github.com/jhgg/jeev-jiracache/internal/chatbot"
	"github.com/jhgg/jeev-jiracache/internal/handler"
	"github.com/jhgg/jeev-jiracache/internal/syncer"
	"github.com/jhgg/jeev-jiracache/pkg/config"
	"github.com/jhgg/jeev-jiracache/pkg/health"
	"github.com/jhgg/jeev-jiracache/pkg/kafka"
	"github.com/jhgg/jeev-jiracache/pkg/metrics"
	"github.com/jhgg/jeev-jiracache/pkg/middleware"
)

func newServeCmd() *cobra.Command {
	var resyncOnStart bool

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP, websocket and webhook server",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runServe(cmd.Context(), configFrom(cmd.Context()), resyncOnStart)
		},
	}

	cmd.Flags().BoolVar(&resyncOnStart, "resync", false, "Start a full resync once the server is up")
	return cmd
}

func runServe(ctx context.Context, cfg *config.Config, resyncOnStart bool) error {
	slog.Info("starting jiracache", "addr", cfg.Server.Addr(), "prefix", cfg.Index.Prefix)

	m := metrics.New(prometheus.DefaultRegisterer)
	if cfg.Metrics.Enabled {
		shutdown := metrics.StartServer(cfg.Metrics.Port)
		defer shutdown(context.Background())
	}

	a, err := openApp(cfg, m)
	if err != nil {
		return err
	}
	defer a.Close(context.Background())

	driver, err := a.driver()
	if err != nil {
		return err
	}

	checker := health.NewChecker()
	checker.Register("redis", health.Ping(a.redis.Ping, true))

	reporters := syncer.MultiReporter{syncer.LogReporter{}}
	opts := []handler.Option{handler.WithBaseContext(ctx)}

	hist, pg, err := openHistory(ctx, cfg.Postgres)
	switch {
	case err != nil:
		slog.Warn("resync history unavailable", "error", err)
		checker.Register("postgres", func(context.Context) health.ComponentHealth {
			return health.ComponentHealth{Status: health.StatusDegraded, Message: "not connected"}
		})
	case pg != nil:
		defer pg.Close()
		reporters = append(reporters, hist)
		opts = append(opts, handler.WithHistory(hist))
		checker.Register("postgres", health.Ping(pg.Ping, false))
		slog.Info("resync history enabled", "host", cfg.Postgres.Host, "database", cfg.Postgres.Database)
	}

	var background sync.WaitGroup
	if cfg.Kafka.Enabled() {
		producer := kafka.NewProducer(cfg.Kafka, cfg.Kafka.Topics.Webhook)
		defer producer.Close()
		opts = append(opts, handler.WithPublisher(producer))

		consumer := kafka.NewConsumer(cfg.Kafka, cfg.Kafka.Topics.Webhook, driver.HandleMessage)
		background.Go(func() {
			if err := consumer.Start(ctx); err != nil {
				slog.Error("webhook consumer stopped", "error", err)
			}
		})
		slog.Info("webhooks queued through kafka", "topic", cfg.Kafka.Topics.Webhook, "brokers", cfg.Kafka.Brokers)
	}

	chat := chatbot.NewRegistry(
		chatbot.IssueCommand(a.store, cfg.Jira.Server),
		chatbot.ResyncCommand(driver, &background, reporters...),
	)

	h := handler.New(a.store, driver, a.live, chat, opts...)
	mux := http.NewServeMux()
	h.Register(mux)
	mux.HandleFunc("GET /health/live", checker.LiveHandler())
	mux.HandleFunc("GET /health/ready", checker.ReadyHandler())

	var chain http.Handler = mux
	chain = middleware.Timeout(cfg.Server.WriteTimeout)(chain)
	chain = middleware.Metrics(m)(chain)
	chain = middleware.RequestID(chain)

	// No WriteTimeout: websocket connections are long lived, and the Timeout
	// middleware bounds ordinary requests.
	server := &http.Server{
		Addr:        cfg.Server.Addr(),
		Handler:     chain,
		ReadTimeout: cfg.Server.ReadTimeout,
	}

	if resyncOnStart {
		background.Go(func() {
			if _, err := driver.Resync(ctx, reporters); err != nil {
				slog.Error("startup resync failed", "error", err)
			}
		})
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("jiracache listening", "addr", server.Addr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("http server: %w", err)
		}
	case <-ctx.Done():
		slog.Info("shutdown signal received")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	a.live.CloseAll()
	if err := server.Shutdown(shutdownCtx); err != nil {
		slog.Error("server shutdown error", "error", err)
	}
	h.Wait()
	waitTimeout(&background, cfg.Server.ShutdownTimeout)

	slog.Info("jiracache stopped")
	return nil
}

// waitTimeout waits for wg, giving up after d. A resync cannot be
// cancelled, so shutdown does not wait for it forever.
func waitTimeout(wg *sync.WaitGroup, d time.Duration) {
	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(d):
		slog.Warn("background work still running at shutdown", "waited", d)
	}
}
