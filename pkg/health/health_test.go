package health

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func up(context.Context) error { return nil }

func failing(context.Context) error { return errors.New("connection refused") }

func TestRunAggregatesWorstStatus(t *testing.T) {
	c := NewChecker()
	c.Register("redis", Ping(up, true))
	assert.Equal(t, StatusUp, c.Run(context.Background()).Status)

	c.Register("postgres", Ping(failing, false))
	report := c.Run(context.Background())
	assert.Equal(t, StatusDegraded, report.Status)
	assert.Equal(t, "connection refused", report.Components["postgres"].Message)

	c.Register("jira", Ping(failing, true))
	assert.Equal(t, StatusDown, c.Run(context.Background()).Status)
}

func TestReadyHandler(t *testing.T) {
	c := NewChecker()
	c.Register("redis", Ping(up, true))

	rec := httptest.NewRecorder()
	c.ReadyHandler()(rec, httptest.NewRequest(http.MethodGet, "/health/ready", nil))
	assert.Equal(t, http.StatusOK, rec.Code)

	var report Report
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &report))
	assert.Contains(t, report.Components, "redis")

	c.Register("postgres", Ping(failing, false))
	rec = httptest.NewRecorder()
	c.ReadyHandler()(rec, httptest.NewRequest(http.MethodGet, "/health/ready", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestLiveHandlerIgnoresChecks(t *testing.T) {
	c := NewChecker()
	c.Register("redis", Ping(failing, true))
	rec := httptest.NewRecorder()
	c.LiveHandler()(rec, httptest.NewRequest(http.MethodGet, "/health/live", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"alive"}`, rec.Body.String())
}
