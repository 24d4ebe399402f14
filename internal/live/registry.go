// Package live tracks connected websocket clients and pushes index changes to
// them. Each client only ever receives a full payload for an issue once;
// later changes arrive as compact deltas, and open searches are re-run when
// the index changes underneath them.
package live

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/jhgg/jeev-jiracache/internal/index"
	"github.com/jhgg/jeev-jiracache/internal/issue"
	apperrors "github.com/jhgg/jeev-jiracache/pkg/errors"
	"github.com/jhgg/jeev-jiracache/pkg/metrics"
)

// QueryLimit caps the number of results a live query resolves.
const QueryLimit = 50

const defaultWriteTimeout = 10 * time.Second

// errSend marks a query whose reply could not be written; the connection
// is already gone.
var errSend = errors.New("sending live reply")

// Searcher is the part of the index the registry reads from.
type Searcher interface {
	SearchIDs(ctx context.Context, phrase string, opts index.SearchOptions) ([]string, error)
	LoadMap(ctx context.Context, ids []string, kind issue.Kind) (map[string]json.RawMessage, error)
	GetByKey(ctx context.Context, key string, kind issue.Kind) (json.RawMessage, error)
}

// Registry is the set of live connections.
type Registry struct {
	store        Searcher
	metrics      *metrics.Metrics
	writeTimeout time.Duration
	logger       *slog.Logger

	mu    sync.RWMutex
	conns map[*Conn]struct{}
}

func NewRegistry(store Searcher, m *metrics.Metrics) *Registry {
	if m == nil {
		m = metrics.New(nil)
	}
	return &Registry{
		store:        store,
		metrics:      m,
		writeTimeout: defaultWriteTimeout,
		logger:       slog.Default().With("component", "live"),
		conns:        make(map[*Conn]struct{}),
	}
}

// Add registers a new connection over sock.
func (r *Registry) Add(sock Socket) *Conn {
	c := newConn(sock, r)
	r.mu.Lock()
	r.conns[c] = struct{}{}
	r.mu.Unlock()
	r.metrics.LiveConnections.Inc()
	return c
}

// Remove unregisters c. Removing an unknown connection is a no-op.
func (r *Registry) Remove(c *Conn) bool {
	r.mu.Lock()
	_, ok := r.conns[c]
	delete(r.conns, c)
	r.mu.Unlock()
	if ok {
		r.metrics.LiveConnections.Dec()
	}
	return ok
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.conns)
}

// CloseAll closes and unregisters every connection.
func (r *Registry) CloseAll() {
	for _, c := range r.snapshot() {
		if r.Remove(c) {
			c.sock.Close()
		}
	}
}

func (r *Registry) snapshot() []*Conn {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Conn, 0, len(r.conns))
	for c := range r.conns {
		out = append(out, c)
	}
	return out
}

func (r *Registry) drop(c *Conn, err error) {
	if r.Remove(c) {
		r.logger.Debug("dropping live connection", "error", err)
		c.sock.Close()
	}
}

type reply struct {
	R any  `json:"r"`
	S *int `json:"s"`
}

type event struct {
	C string `json:"c"`
	I any    `json:"i"`
}

type searchEvent struct {
	C string `json:"c"`
	I []any  `json:"i"`
	Q string `json:"q"`
}

// Query runs q for c and resolves up to QueryLimit ranked results. Issues c
// has already been sent appear as their bare key; the rest appear as full
// payloads and are marked sent. q becomes c's last query. With a non-nil seq
// the result is also sent to c as a reply.
func (r *Registry) Query(ctx context.Context, c *Conn, q string, kind issue.Kind, seq *int) ([]any, error) {
	ids, err := r.store.SearchIDs(ctx, q, index.SearchOptions{Limit: QueryLimit, AutoBoost: true, Kind: kind})
	if err != nil {
		return nil, fmt.Errorf("live query %q: %w", q, err)
	}

	unsent := make([]string, 0, len(ids))
	for _, id := range ids {
		if !c.HasSent(id) {
			unsent = append(unsent, id)
		}
	}
	docs, err := r.store.LoadMap(ctx, unsent, kind)
	if err != nil {
		return nil, fmt.Errorf("live query %q: %w", q, err)
	}

	result := make([]any, 0, len(ids))
	c.mu.Lock()
	for _, id := range ids {
		if _, ok := c.sent[id]; ok {
			result = append(result, id)
		} else if doc, ok := docs[id]; ok {
			result = append(result, doc)
			c.sent[id] = struct{}{}
		}
	}
	c.lastQuery = q
	c.mu.Unlock()

	if seq != nil {
		if err := c.Send(reply{R: result, S: seq}); err != nil {
			return result, fmt.Errorf("%w: %w", errSend, err)
		}
	}
	return result, nil
}

// PublishUpdate tells every connection about a changed issue. Connections
// that were sent the issue get an "update" frame with the projection, encoded
// once for all of them. A connection whose last requested issue this is also
// gets the full payload as "updateraw".
func (r *Registry) PublishUpdate(raw json.RawMessage, small issue.Small) {
	key := small.Key
	var delta []byte
	for _, c := range r.snapshot() {
		if c.HasSent(key) {
			if delta == nil {
				var err error
				delta, err = json.Marshal(event{C: "update", I: small})
				if err != nil {
					r.logger.Error("encoding update", "key", key, "error", err)
					return
				}
			}
			if c.SendRaw(delta) == nil {
				r.metrics.BroadcastsTotal.WithLabelValues("update").Inc()
			}
		}
		if c.IsLastRequested(key) {
			if c.Send(event{C: "updateraw", I: raw}) == nil {
				r.metrics.BroadcastsTotal.WithLabelValues("updateraw").Inc()
			}
		}
	}
}

// TriggerUpdate re-runs the last query of every connection that has one and
// pushes the result as "updatesearch".
func (r *Registry) TriggerUpdate(ctx context.Context) {
	for _, c := range r.snapshot() {
		q := c.LastQuery()
		if q == "" {
			continue
		}
		result, err := r.Query(ctx, c, q, issue.Projected, nil)
		if err != nil {
			r.logger.Warn("replaying live query", "query", q, "error", err)
			continue
		}
		if c.Send(searchEvent{C: "updatesearch", I: result, Q: q}) == nil {
			r.metrics.BroadcastsTotal.WithLabelValues("updatesearch").Inc()
		}
	}
}

type frame struct {
	C    string `json:"c"`
	Q    string `json:"q"`
	Key  string `json:"key"`
	Full flag   `json:"full"`
	S    *int   `json:"s"`
}

// flag decodes any JSON value by truthiness: false, null, zero, "" and
// empty arrays or objects are false, everything else is true.
type flag bool

func (f *flag) UnmarshalJSON(data []byte) error {
	var v any
	if err := json.Unmarshal(data, &v); err != nil {
		return err
	}
	switch v := v.(type) {
	case nil:
		*f = false
	case bool:
		*f = flag(v)
	case float64:
		*f = v != 0
	case string:
		*f = v != ""
	case []any:
		*f = len(v) > 0
	case map[string]any:
		*f = len(v) > 0
	}
	return nil
}

// Serve registers sock and handles its frames until the peer goes away or
// ctx is cancelled.
func (r *Registry) Serve(ctx context.Context, sock Socket) error {
	c := r.Add(sock)
	defer r.Remove(c)

	stop := context.AfterFunc(ctx, func() { sock.Close() })
	defer stop()

	for {
		_, data, err := sock.ReadMessage()
		if err != nil {
			if ctx.Err() != nil || websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return nil
			}
			return fmt.Errorf("reading live frame: %w", err)
		}

		var f frame
		if err := json.Unmarshal(data, &f); err != nil {
			r.logger.Debug("ignoring malformed frame", "error", err)
			continue
		}

		switch f.C {
		case "query":
			if _, err := r.Query(ctx, c, f.Q, issue.KindOf(bool(f.Full)), f.S); err != nil {
				r.logger.Warn("live query failed", "query", f.Q, "error", err)
				if f.S != nil && !errors.Is(err, errSend) {
					c.Send(reply{R: []any{}, S: f.S})
				}
			}
		case "get":
			r.get(ctx, c, f)
		default:
			r.logger.Debug("ignoring unknown frame", "c", f.C)
		}
	}
}

func (r *Registry) get(ctx context.Context, c *Conn, f frame) {
	key := strings.ToUpper(f.Key)
	doc, err := r.store.GetByKey(ctx, key, issue.KindOf(bool(f.Full)))
	if err != nil && !errors.Is(err, apperrors.ErrIssueNotFound) {
		r.logger.Warn("live get failed", "key", key, "error", err)
	}
	c.setLastRequested(key)

	var result any
	if doc != nil {
		result = doc
	}
	c.Send(reply{R: result, S: f.S})
}
