package syncer

import (
	"context"
	"log/slog"
)

// Reporter receives resync progress. Every accepted resync calls Started,
// then Progress after each page, then exactly one of Done or Failed.
type Reporter interface {
	Started(ctx context.Context)
	Progress(ctx context.Context, count int)
	Done(ctx context.Context, count int)
	Failed(ctx context.Context, count int, err error)
}

type NopReporter struct{}

func (NopReporter) Started(context.Context)            {}
func (NopReporter) Progress(context.Context, int)      {}
func (NopReporter) Done(context.Context, int)          {}
func (NopReporter) Failed(context.Context, int, error) {}

// MultiReporter fans every call out to each reporter in order.
type MultiReporter []Reporter

func (m MultiReporter) Started(ctx context.Context) {
	for _, r := range m {
		r.Started(ctx)
	}
}

func (m MultiReporter) Progress(ctx context.Context, count int) {
	for _, r := range m {
		r.Progress(ctx, count)
	}
}

func (m MultiReporter) Done(ctx context.Context, count int) {
	for _, r := range m {
		r.Done(ctx, count)
	}
}

func (m MultiReporter) Failed(ctx context.Context, count int, err error) {
	for _, r := range m {
		r.Failed(ctx, count, err)
	}
}

// LogReporter writes progress to a structured logger.
type LogReporter struct {
	Logger *slog.Logger
}

func (l LogReporter) log() *slog.Logger {
	if l.Logger == nil {
		return slog.Default().With("component", "resync")
	}
	return l.Logger
}

func (l LogReporter) Started(ctx context.Context) {
	l.log().InfoContext(ctx, "resync starting")
}

func (l LogReporter) Progress(ctx context.Context, count int) {
	l.log().InfoContext(ctx, "resync progress", "indexed", count)
}

func (l LogReporter) Done(ctx context.Context, count int) {
	l.log().InfoContext(ctx, "resync done", "indexed", count)
}

func (l LogReporter) Failed(ctx context.Context, count int, err error) {
	l.log().ErrorContext(ctx, "resync failed", "indexed", count, "error", err)
}
