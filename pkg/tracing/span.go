// Package tracing times nested operations through a context and logs the
// whole tree once the root span ends.
package tracing

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"log/slog"
	"sync"
	"time"
)

type contextKey struct{}

// Span is one timed operation. Children started from its context are
// attached to it.
type Span struct {
	Name    string
	TraceID string

	mu       sync.Mutex
	start    time.Time
	duration time.Duration
	children []*Span
	attrs    []any
}

// Start begins a span under the span in ctx, or a new trace when there is
// none.
func Start(ctx context.Context, name string) (context.Context, *Span) {
	span := &Span{Name: name, start: time.Now()}
	if parent := FromContext(ctx); parent != nil {
		span.TraceID = parent.TraceID
		parent.mu.Lock()
		parent.children = append(parent.children, span)
		parent.mu.Unlock()
	} else {
		span.TraceID = newTraceID()
	}
	return context.WithValue(ctx, contextKey{}, span), span
}

// FromContext returns the current span, or nil.
func FromContext(ctx context.Context) *Span {
	span, _ := ctx.Value(contextKey{}).(*Span)
	return span
}

// Set attaches an attribute that is logged with the span.
func (s *Span) Set(key string, value any) {
	s.mu.Lock()
	s.attrs = append(s.attrs, key, value)
	s.mu.Unlock()
}

// End stops the clock. Calling it again has no effect.
func (s *Span) End() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.duration == 0 {
		s.duration = max(time.Since(s.start), time.Nanosecond)
	}
}

func (s *Span) Duration() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.duration
}

// Children returns the spans started under s so far.
func (s *Span) Children() []*Span {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*Span(nil), s.children...)
}

// Log writes s and its descendants at debug level, depth first.
func (s *Span) Log(logger *slog.Logger) {
	s.log(logger, 0)
}

func (s *Span) log(logger *slog.Logger, depth int) {
	s.mu.Lock()
	attrs := append([]any{
		"trace_id", s.TraceID,
		"span", s.Name,
		"duration_ms", s.duration.Milliseconds(),
		"depth", depth,
	}, s.attrs...)
	children := append([]*Span(nil), s.children...)
	s.mu.Unlock()

	logger.Debug("span", attrs...)
	for _, child := range children {
		child.log(logger, depth+1)
	}
}

func newTraceID() string {
	var b [8]byte
	if _, err := rand.Read(b[:]); err != nil {
		return "0000000000000000"
	}
	return hex.EncodeToString(b[:])
}
