package middleware

import (
	"context"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"
)

// Timeout cancels the request context after timeout and answers 504 if the
// handler has not written anything by then. Websocket upgrades pass through
// untouched since they outlive any request deadline.
func Timeout(timeout time.Duration) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if strings.EqualFold(r.Header.Get("Upgrade"), "websocket") {
				next.ServeHTTP(w, r)
				return
			}
			ctx, cancel := context.WithTimeout(r.Context(), timeout)
			defer cancel()
			done := make(chan struct{})
			tw := &timeoutWriter{ResponseWriter: w, header: make(http.Header)}
			go func() {
				next.ServeHTTP(tw, r.WithContext(ctx))
				close(done)
			}()
			select {
			case <-done:
				tw.mu.Lock()
				defer tw.mu.Unlock()
				if !tw.written {
					tw.copyHeader()
				}
			case <-ctx.Done():
				tw.mu.Lock()
				defer tw.mu.Unlock()
				tw.timedOut = true
				if !tw.written {
					slog.Warn("request timed out", "method", r.Method, "path", r.URL.Path, "timeout", timeout)
					w.Header().Set("Content-Type", "application/json")
					w.WriteHeader(http.StatusGatewayTimeout)
					w.Write([]byte(`{"error":"request timeout"}` + "\n"))
				}
			}
		})
	}
}

// timeoutWriter drops writes made after the deadline answered for the
// handler. The handler gets its own header map, copied out on its first
// write, so a late handler never touches the headers of the 504.
type timeoutWriter struct {
	http.ResponseWriter
	header   http.Header
	mu       sync.Mutex
	written  bool
	timedOut bool
}

func (tw *timeoutWriter) Header() http.Header {
	return tw.header
}

// copyHeader must be called with mu held.
func (tw *timeoutWriter) copyHeader() {
	dst := tw.ResponseWriter.Header()
	for k, v := range tw.header {
		dst[k] = v
	}
}

func (tw *timeoutWriter) WriteHeader(code int) {
	tw.mu.Lock()
	defer tw.mu.Unlock()
	if tw.timedOut || tw.written {
		return
	}
	tw.written = true
	tw.copyHeader()
	tw.ResponseWriter.WriteHeader(code)
}

func (tw *timeoutWriter) Write(b []byte) (int, error) {
	tw.mu.Lock()
	defer tw.mu.Unlock()
	if tw.timedOut {
		return 0, http.ErrHandlerTimeout
	}
	if !tw.written {
		tw.written = true
		tw.copyHeader()
	}
	return tw.ResponseWriter.Write(b)
}
