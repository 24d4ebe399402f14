package chatbot

import (
	"context"
	"encoding/json"
	"errors"
	"regexp"
	"sync"
	"testing"

	"github.com/jhgg/jeev-jiracache/internal/issue"
	"github.com/jhgg/jeev-jiracache/internal/issue/issuetest"
	"github.com/jhgg/jeev-jiracache/internal/syncer"
	apperrors "github.com/jhgg/jeev-jiracache/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeMessage struct {
	text string

	mu          sync.Mutex
	replies     []string
	attachments []Attachment
}

func (m *fakeMessage) Text() string { return m.text }

func (m *fakeMessage) Reply(text string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.replies = append(m.replies, text)
}

func (m *fakeMessage) ReplyAttachment(a Attachment) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.attachments = append(m.attachments, a)
}

func (m *fakeMessage) Replies() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.replies...)
}

type fakeLookup map[string]json.RawMessage

func (f fakeLookup) GetByKey(_ context.Context, key string, kind issue.Kind) (json.RawMessage, error) {
	if kind != issue.Full {
		return nil, errors.New("expected a full lookup")
	}
	raw, ok := f[key]
	if !ok {
		return nil, apperrors.ErrIssueNotFound
	}
	return raw, nil
}

func TestDispatchFirstMatchWins(t *testing.T) {
	var ran []string
	handler := func(name string) Handler {
		return func(context.Context, Message, []string) { ran = append(ran, name) }
	}
	r := NewRegistry(
		Command{Name: "a", Pattern: regexp.MustCompile(`hello`), Handler: handler("a")},
		Command{Name: "b", Pattern: regexp.MustCompile(`hel+o`), Handler: handler("b")},
	)
	r.Register(Command{Name: "phrase", Phrase: "hello there", Handler: handler("phrase")})

	assert.True(t, r.Dispatch(context.Background(), &fakeMessage{text: "well hello"}))
	assert.True(t, r.Dispatch(context.Background(), &fakeMessage{text: "  Hello There "}))
	assert.False(t, r.Dispatch(context.Background(), &fakeMessage{text: "goodbye"}))
	assert.Equal(t, []string{"a", "phrase"}, ran)
}

func TestIssueCommandRepliesWithCard(t *testing.T) {
	lookup := fakeLookup{"FOO-12": issuetest.Payload("FOO-12", "alice", "In Progress", "fix the thing")}
	r := NewRegistry(IssueCommand(lookup, issuetest.Server))

	msg := &fakeMessage{text: "can someone look at foo-12 please"}
	require.True(t, r.Dispatch(context.Background(), msg))

	require.Len(t, msg.attachments, 1)
	a := msg.attachments[0]
	assert.Equal(t, issuetest.Server+"/browse/FOO-12", a.Link)
	assert.Equal(t, issuetest.Server+"/images/bug.png", a.Icon)
	assert.Equal(t, "#14892c", a.Color)
	assert.Equal(t, "jiracache", a.Name)
	assert.Equal(t, []Field{
		{Title: "Summary", Value: "fix the thing"},
		{Title: "Status", Value: "In Progress", Short: true},
		{Title: "Assignee", Value: "alice display", Short: true},
	}, a.Fields)
}

func TestIssueCommandIgnoresUnknownKeys(t *testing.T) {
	r := NewRegistry(IssueCommand(fakeLookup{}, issuetest.Server))
	msg := &fakeMessage{text: "BAR-1"}
	assert.True(t, r.Dispatch(context.Background(), msg))
	assert.Empty(t, msg.attachments)
	assert.Empty(t, msg.Replies())
}

func TestIssueAttachmentDefaults(t *testing.T) {
	iss := issuetest.New(t, "FOO-1", "", "Open", "unowned")
	iss.Fields.Status.StatusCategory.ColorName = "purple"

	a := IssueAttachment(iss)
	assert.Equal(t, "good", a.Color)
	assert.Equal(t, "Unassigned", a.Fields[2].Value)
}

type fakeResyncer struct {
	busy  bool
	err   error
	pages []int
}

func (f *fakeResyncer) Syncing() bool { return f.busy }

func (f *fakeResyncer) Resync(ctx context.Context, rep syncer.Reporter) (int, error) {
	if errors.Is(f.err, apperrors.ErrResyncInProgress) {
		return 0, f.err
	}
	rep.Started(ctx)
	count := 0
	for _, n := range f.pages {
		count = n
		rep.Progress(ctx, n)
	}
	if f.err != nil {
		rep.Failed(ctx, count, f.err)
		return count, f.err
	}
	rep.Done(ctx, count)
	return count, nil
}

type countingReporter struct {
	syncer.NopReporter
	done int
}

func (c *countingReporter) Done(context.Context, int) { c.done++ }

func TestResyncCommandNarrates(t *testing.T) {
	var wg sync.WaitGroup
	extra := &countingReporter{}
	r := NewRegistry(ResyncCommand(&fakeResyncer{pages: []int{250, 300}}, &wg, extra))

	msg := &fakeMessage{text: "resync jiracache cache"}
	require.True(t, r.Dispatch(context.Background(), msg))
	wg.Wait()

	assert.Equal(t, []string{
		"Starting jiracache cache sync.",
		"Synced 250 issues so far.",
		"Synced 300 issues so far.",
		"Done syncing!",
	}, msg.Replies())
	assert.Equal(t, 1, extra.done)
}

func TestResyncCommandReportsFailure(t *testing.T) {
	var wg sync.WaitGroup
	r := NewRegistry(ResyncCommand(&fakeResyncer{err: errors.New("boom")}, &wg))

	msg := &fakeMessage{text: ResyncPhrase}
	r.Dispatch(context.Background(), msg)
	wg.Wait()

	assert.Equal(t, []string{"Starting jiracache cache sync.", "An error happened! boom"}, msg.Replies())
}

func TestResyncCommandWhenBusy(t *testing.T) {
	var wg sync.WaitGroup
	r := NewRegistry(ResyncCommand(&fakeResyncer{busy: true}, &wg))

	msg := &fakeMessage{text: ResyncPhrase}
	r.Dispatch(context.Background(), msg)
	wg.Wait()
	assert.Equal(t, []string{"I'm already syncing!"}, msg.Replies())

	// Lost the race between the check and the run.
	r = NewRegistry(ResyncCommand(&fakeResyncer{err: apperrors.ErrResyncInProgress}, &wg))
	msg = &fakeMessage{text: ResyncPhrase}
	r.Dispatch(context.Background(), msg)
	wg.Wait()
	assert.Equal(t, []string{"Starting jiracache cache sync.", "I'm already syncing!"}, msg.Replies())
}
