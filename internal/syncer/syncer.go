// Package syncer keeps the index in step with the upstream tracker: single
// issues are refreshed on webhook events, and a guarded full resync rebuilds
// the index page by page.
package syncer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync/atomic"

	"github.com/jhgg/jeev-jiracache/internal/issue"
	"github.com/jhgg/jeev-jiracache/pkg/config"
	apperrors "github.com/jhgg/jeev-jiracache/pkg/errors"
	"github.com/jhgg/jeev-jiracache/pkg/metrics"
	"github.com/jhgg/jeev-jiracache/pkg/tracing"
)

// Expand is the upstream field expansion requested for every fetch.
const Expand = "renderedFields"

const defaultPageSize = 250

// Source is the upstream issue tracker.
type Source interface {
	FetchOne(ctx context.Context, key, expand string) (*issue.Issue, error)
	SearchPage(ctx context.Context, jql string, pageSize, startAt int, expand string) ([]*issue.Issue, error)
}

// Index is the part of the store the driver writes to.
type Index interface {
	Index(ctx context.Context, iss *issue.Issue) error
	Remove(ctx context.Context, key string) error
	Boost(ctx context.Context, key string, multiplier float64, negative bool) (float64, error)
	Flush(ctx context.Context, everything bool) error
}

// Broadcaster pushes index changes to live clients.
type Broadcaster interface {
	PublishUpdate(raw json.RawMessage, small issue.Small)
	TriggerUpdate(ctx context.Context)
}

type Driver struct {
	source   Source
	index    Index
	live     Broadcaster
	pageSize int
	boost    float64
	jql      string
	metrics  *metrics.Metrics
	logger   *slog.Logger

	syncing atomic.Bool
}

func New(source Source, idx Index, live Broadcaster, cfg config.SyncConfig, m *metrics.Metrics) *Driver {
	pageSize := cfg.PageSize
	if pageSize <= 0 {
		pageSize = defaultPageSize
	}
	boost := cfg.BoostMultiplier
	if boost <= 0 {
		boost = 1.1
	}
	if m == nil {
		m = metrics.New(nil)
	}
	return &Driver{
		source:   source,
		index:    idx,
		live:     live,
		pageSize: pageSize,
		boost:    boost,
		jql:      cfg.JQL,
		metrics:  m,
		logger:   slog.Default().With("component", "syncer"),
	}
}

// Syncing reports whether a full resync is running.
func (d *Driver) Syncing() bool {
	return d.syncing.Load()
}

// UpdateOne refetches one issue, re-indexes it, boosts it as recently
// active and pushes the change to live clients. An issue the upstream no
// longer has is removed from the index.
func (d *Driver) UpdateOne(ctx context.Context, key string) error {
	key = strings.ToUpper(key)
	iss, err := d.source.FetchOne(ctx, key, Expand)
	if errors.Is(err, apperrors.ErrIssueNotFound) {
		d.logger.Info("issue gone upstream, removing", "key", key)
		return d.RemoveOne(ctx, key)
	}
	if err != nil {
		return fmt.Errorf("fetching %s: %w", key, err)
	}

	if err := d.index.Index(ctx, iss); err != nil {
		return fmt.Errorf("indexing %s: %w", key, err)
	}
	if _, err := d.index.Boost(ctx, iss.Key, d.boost, false); err != nil {
		return fmt.Errorf("boosting %s: %w", key, err)
	}
	d.live.PublishUpdate(iss.Raw, iss.Small())
	d.live.TriggerUpdate(ctx)
	d.logger.Debug("issue updated", "key", iss.Key)
	return nil
}

// RemoveOne drops an issue from the index and refreshes open searches.
func (d *Driver) RemoveOne(ctx context.Context, key string) error {
	if err := d.index.Remove(ctx, key); err != nil {
		return fmt.Errorf("removing %s: %w", key, err)
	}
	d.live.TriggerUpdate(ctx)
	return nil
}

// Resync wipes the store and re-indexes every upstream issue page by page,
// refreshing live searches before the first page and after each one. Only
// one resync runs at a time; a second call while one is running returns
// ErrResyncInProgress without touching rep. It returns the number of issues
// indexed.
func (d *Driver) Resync(ctx context.Context, rep Reporter) (count int, err error) {
	if rep == nil {
		rep = NopReporter{}
	}
	if !d.syncing.CompareAndSwap(false, true) {
		d.metrics.ResyncsTotal.WithLabelValues("rejected").Inc()
		return 0, apperrors.ErrResyncInProgress
	}
	d.metrics.ResyncInProgress.Set(1)

	ctx, span := tracing.Start(ctx, "resync")
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: resync panicked: %v", apperrors.ErrInternal, r)
		}
		d.syncing.Store(false)
		d.metrics.ResyncInProgress.Set(0)
		span.Set("indexed", count)
		span.End()
		span.Log(d.logger)
		if err != nil {
			d.metrics.ResyncsTotal.WithLabelValues("failed").Inc()
			d.logger.Error("resync failed", "indexed", count, "error", err)
			rep.Failed(ctx, count, err)
			return
		}
		d.metrics.ResyncsTotal.WithLabelValues("done").Inc()
		d.logger.Info("resync complete", "indexed", count)
		rep.Done(ctx, count)
	}()

	d.logger.Info("resync started", "page_size", d.pageSize)
	rep.Started(ctx)

	if err := d.index.Flush(ctx, true); err != nil {
		return 0, fmt.Errorf("flushing before resync: %w", err)
	}
	d.live.TriggerUpdate(ctx)

	for startAt := 0; ; startAt += d.pageSize {
		n, err := d.resyncPage(ctx, startAt)
		count += n
		if err != nil {
			return count, err
		}
		if n == 0 {
			return count, nil
		}
		d.logger.Debug("resync page indexed", "start_at", startAt, "size", n, "total", count)
		rep.Progress(ctx, count)
	}
}

// resyncPage indexes the page at startAt and refreshes live searches,
// returning how many issues it indexed.
func (d *Driver) resyncPage(ctx context.Context, startAt int) (n int, err error) {
	ctx, span := tracing.Start(ctx, "resync.page")
	span.Set("start_at", startAt)
	defer func() {
		span.Set("issues", n)
		span.End()
	}()

	page, err := d.source.SearchPage(ctx, d.jql, d.pageSize, startAt, Expand)
	if err != nil {
		return 0, fmt.Errorf("fetching page at %d: %w", startAt, err)
	}
	if len(page) == 0 {
		return 0, nil
	}
	for _, iss := range page {
		if err := d.index.Index(ctx, iss); err != nil {
			return n, fmt.Errorf("indexing %s: %w", iss.Key, err)
		}
		n++
	}
	d.live.TriggerUpdate(ctx)
	return n, nil
}
