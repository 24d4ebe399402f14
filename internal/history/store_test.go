package history

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type execCall struct {
	query string
	args  []any
}

type fakeDB struct {
	mu    sync.Mutex
	calls []execCall
	err   error
}

func (f *fakeDB) ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}
	f.calls = append(f.calls, execCall{query: query, args: args})
	return nil, f.err
}

func (f *fakeDB) QueryContext(context.Context, string, ...any) (*sql.Rows, error) {
	return nil, errors.New("not supported")
}

func newTestStore(db DB) *Store {
	s := NewStore(db)
	at := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	s.now = func() time.Time { return at }
	return s
}

func TestStoreRecordsRun(t *testing.T) {
	db := &fakeDB{}
	s := newTestStore(db)
	ctx := context.Background()

	s.Started(ctx)
	s.Progress(ctx, 250)
	s.Done(ctx, 300)

	require.Len(t, db.calls, 3)
	assert.True(t, strings.HasPrefix(db.calls[0].query, "INSERT INTO resync_runs"))
	id := db.calls[0].args[0]
	assert.Equal(t, StatusRunning, db.calls[0].args[2])

	assert.Equal(t, []any{id, 250}, db.calls[1].args)

	end := db.calls[2].args
	assert.Equal(t, id, end[0])
	assert.Equal(t, StatusDone, end[1])
	assert.Equal(t, 300, end[2])
	assert.Equal(t, "", end[3])
}

func TestStoreRecordsFailureAfterCancel(t *testing.T) {
	db := &fakeDB{}
	s := newTestStore(db)
	ctx, cancel := context.WithCancel(context.Background())

	s.Started(ctx)
	cancel()
	s.Failed(ctx, 10, errors.New("upstream fetch failed: boom"))

	require.Len(t, db.calls, 2)
	assert.Equal(t, StatusFailed, db.calls[1].args[1])
	assert.Equal(t, "upstream fetch failed: boom", db.calls[1].args[3])
}

func TestStoreIgnoresCallsOutsideRun(t *testing.T) {
	db := &fakeDB{}
	s := newTestStore(db)

	s.Progress(context.Background(), 5)
	s.Done(context.Background(), 5)
	assert.Empty(t, db.calls)
}

func TestStoreSurvivesWriteErrors(t *testing.T) {
	db := &fakeDB{err: errors.New("connection refused")}
	s := newTestStore(db)
	ctx := context.Background()

	assert.NotPanics(t, func() {
		s.Started(ctx)
		s.Progress(ctx, 1)
		s.Done(ctx, 1)
	})
	assert.Len(t, db.calls, 3)
}
