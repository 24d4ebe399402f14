// Package handler exposes the index, the live registry and the chat
// commands over HTTP.
package handler

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"sync"

	"github.com/gorilla/websocket"
	"github.com/jhgg/jeev-jiracache/internal/chatbot"
	"github.com/jhgg/jeev-jiracache/internal/history"
	"github.com/jhgg/jeev-jiracache/internal/index"
	"github.com/jhgg/jeev-jiracache/internal/issue"
	"github.com/jhgg/jeev-jiracache/internal/live"
	"github.com/jhgg/jeev-jiracache/internal/syncer"
	apperrors "github.com/jhgg/jeev-jiracache/pkg/errors"
	"github.com/jhgg/jeev-jiracache/pkg/kafka"
	"github.com/jhgg/jeev-jiracache/pkg/logger"
	"github.com/jhgg/jeev-jiracache/pkg/middleware"
)

const (
	maxLimit     = 50
	maxBodyBytes = 1 << 20
	recentRuns   = 10
)

// Store is the read side of the index.
type Store interface {
	SearchByKey(ctx context.Context, prefix string, kind issue.Kind, limit int) ([]json.RawMessage, error)
	Search(ctx context.Context, phrase string, opts index.SearchOptions) ([]json.RawMessage, error)
	GetByKey(ctx context.Context, key string, kind issue.Kind) (json.RawMessage, error)
	Stats(ctx context.Context) (index.Stats, error)
}

// Updater applies webhook events.
type Updater interface {
	HandleEvent(ctx context.Context, ev syncer.WebhookEvent) error
}

// Publisher queues webhook events for a consumer to apply.
type Publisher interface {
	Publish(ctx context.Context, ev kafka.Event) error
}

// History lists past resync runs.
type History interface {
	Recent(ctx context.Context, limit int) ([]history.Run, error)
}

// LiveServer serves one duplex connection until it closes.
type LiveServer interface {
	Serve(ctx context.Context, sock live.Socket) error
}

// Dispatcher runs chat commands.
type Dispatcher interface {
	Dispatch(ctx context.Context, msg chatbot.Message) bool
}

type Handler struct {
	store     Store
	updater   Updater
	publisher Publisher
	history   History
	live      LiveServer
	chat      Dispatcher
	upgrader  websocket.Upgrader
	logger    *slog.Logger

	// base outlives single requests; background updates and live sockets
	// hang off it so shutdown can cancel them.
	base    context.Context
	pending sync.WaitGroup
}

// Option configures optional collaborators.
type Option func(*Handler)

// WithPublisher routes webhooks through a queue instead of applying them in
// process.
func WithPublisher(p Publisher) Option {
	return func(h *Handler) { h.publisher = p }
}

func WithHistory(hist History) Option {
	return func(h *Handler) { h.history = hist }
}

// WithBaseContext sets the context background work derives from.
func WithBaseContext(ctx context.Context) Option {
	return func(h *Handler) { h.base = ctx }
}

func New(store Store, updater Updater, liveServer LiveServer, chat Dispatcher, opts ...Option) *Handler {
	h := &Handler{
		store:   store,
		updater: updater,
		live:    liveServer,
		chat:    chat,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		logger: slog.Default().With("component", "http-handler"),
		base:   context.Background(),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Register mounts every route on mux.
func (h *Handler) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /search/key/{key}", h.SearchKey)
	mux.HandleFunc("GET /search/summary", h.SearchSummary)
	mux.HandleFunc("GET /issue/{key}", h.GetIssue)
	mux.HandleFunc("POST /webhook", h.Webhook)
	mux.HandleFunc("POST /chat", h.Chat)
	mux.HandleFunc("GET /ws", h.WS)
	mux.HandleFunc("GET /stats", h.Stats)
}

// Wait blocks until background webhook updates have finished.
func (h *Handler) Wait() {
	h.pending.Wait()
}

// kindOf treats ?full as a presence flag.
func kindOf(r *http.Request) issue.Kind {
	return issue.KindOf(r.URL.Query().Has("full"))
}

// parseLimit clamps ?limit to 1..50; anything unparseable means 50.
func parseLimit(raw string) int {
	n, err := strconv.Atoi(raw)
	if err != nil {
		return maxLimit
	}
	return max(1, min(maxLimit, n))
}

func (h *Handler) SearchKey(w http.ResponseWriter, r *http.Request) {
	limit := parseLimit(r.URL.Query().Get("limit"))
	results, err := h.store.SearchByKey(r.Context(), strings.ToLower(r.PathValue("key")), kindOf(r), limit)
	if err != nil {
		h.fail(w, r, "key search failed", err)
		return
	}
	h.writeResults(w, results)
}

func (h *Handler) SearchSummary(w http.ResponseWriter, r *http.Request) {
	results, err := h.store.Search(r.Context(), r.URL.Query().Get("q"), index.SearchOptions{
		Limit: maxLimit,
		Kind:  kindOf(r),
	})
	if err != nil {
		h.fail(w, r, "search failed", err)
		return
	}
	h.writeResults(w, results)
}

func (h *Handler) GetIssue(w http.ResponseWriter, r *http.Request) {
	doc, err := h.store.GetByKey(r.Context(), strings.ToUpper(r.PathValue("key")), kindOf(r))
	if err != nil {
		h.fail(w, r, "issue lookup failed", err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	w.Write(doc)
}

// Webhook accepts an upstream change notification. It answers before the
// issue is refetched.
func (h *Handler) Webhook(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "unreadable body")
		return
	}
	var ev syncer.WebhookEvent
	if err := json.Unmarshal(body, &ev); err != nil {
		h.writeError(w, http.StatusBadRequest, "malformed webhook body")
		return
	}
	key, err := ev.Key()
	if err != nil {
		h.writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	log := logger.FromContext(r.Context())
	if h.publisher != nil {
		if err := h.publisher.Publish(r.Context(), kafka.Event{Key: strings.ToUpper(key), Value: json.RawMessage(body)}); err != nil {
			h.fail(w, r, "queueing webhook failed", err)
			return
		}
		log.Debug("webhook queued", "key", key, "event", ev.Event)
		w.WriteHeader(http.StatusOK)
		return
	}

	requestID := middleware.GetRequestID(r.Context())
	h.pending.Go(func() {
		ctx := logger.WithRequestID(h.base, requestID)
		if err := h.updater.HandleEvent(ctx, ev); err != nil {
			logger.FromContext(ctx).Error("webhook update failed", "key", key, "error", err)
		}
	})
	log.Debug("webhook accepted", "key", key, "event", ev.Event)
	w.WriteHeader(http.StatusOK)
}

type chatRequest struct {
	Text string `json:"text"`
}

type chatResponse struct {
	Replies     []string             `json:"replies"`
	Attachments []chatbot.Attachment `json:"attachments,omitempty"`
}

// Chat runs a chat command and returns the replies it produced before
// returning. Later replies, such as resync progress, are logged.
func (h *Handler) Chat(w http.ResponseWriter, r *http.Request) {
	var req chatRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "malformed chat body")
		return
	}
	msg := &httpMessage{text: req.Text, logger: logger.FromContext(r.Context()).With("component", "chat")}
	h.chat.Dispatch(logger.WithRequestID(h.base, middleware.GetRequestID(r.Context())), msg)
	h.writeJSON(w, http.StatusOK, msg.close())
}

// WS upgrades to a websocket and hands it to the live registry.
func (h *Handler) WS(w http.ResponseWriter, r *http.Request) {
	ws, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Debug("websocket upgrade failed", "error", err)
		return
	}
	if err := h.live.Serve(h.base, ws); err != nil {
		h.logger.Debug("live connection ended", "error", err)
	}
}

type statsResponse struct {
	Index   index.Stats   `json:"index"`
	Resyncs []history.Run `json:"resyncs,omitempty"`
}

func (h *Handler) Stats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.store.Stats(r.Context())
	if err != nil {
		h.fail(w, r, "reading stats failed", err)
		return
	}
	resp := statsResponse{Index: stats}
	if h.history != nil {
		runs, err := h.history.Recent(r.Context(), recentRuns)
		if err != nil {
			logger.FromContext(r.Context()).Warn("reading resync history failed", "error", err)
		}
		resp.Resyncs = runs
	}
	h.writeJSON(w, http.StatusOK, resp)
}

func (h *Handler) writeResults(w http.ResponseWriter, results []json.RawMessage) {
	if results == nil {
		results = []json.RawMessage{}
	}
	h.writeJSON(w, http.StatusOK, map[string]any{"results": results})
}

func (h *Handler) fail(w http.ResponseWriter, r *http.Request, what string, err error) {
	status := apperrors.HTTPStatusCode(err)
	if status >= http.StatusInternalServerError {
		logger.FromContext(r.Context()).Error(what, "error", err)
	}
	msg := http.StatusText(status)
	if errors.Is(err, apperrors.ErrIssueNotFound) {
		msg = "issue not found"
	}
	h.writeError(w, status, msg)
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		h.logger.Error("failed to write response", "error", err)
	}
}

func (h *Handler) writeError(w http.ResponseWriter, status int, message string) {
	h.writeJSON(w, status, map[string]string{"error": message})
}

// httpMessage buffers chat replies until the response is written.
type httpMessage struct {
	text   string
	logger *slog.Logger

	mu          sync.Mutex
	closed      bool
	replies     []string
	attachments []chatbot.Attachment
}

func (m *httpMessage) Text() string { return m.text }

func (m *httpMessage) Reply(text string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		m.logger.Info("chat reply", "text", text)
		return
	}
	m.replies = append(m.replies, text)
}

func (m *httpMessage) ReplyAttachment(a chatbot.Attachment) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		m.logger.Info("chat attachment", "link", a.Link)
		return
	}
	m.attachments = append(m.attachments, a)
}

func (m *httpMessage) close() chatResponse {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	replies := m.replies
	if replies == nil {
		replies = []string{}
	}
	return chatResponse{Replies: replies, Attachments: m.attachments}
}
