package chatbot

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"sync"

	"github.com/jhgg/jeev-jiracache/internal/issue"
	"github.com/jhgg/jeev-jiracache/internal/syncer"
	apperrors "github.com/jhgg/jeev-jiracache/pkg/errors"
)

// statusColors maps Jira status category colours to attachment colours.
var statusColors = map[string]string{
	"green":       "#14892c",
	"yellow":      "#ffd351",
	"brown":       "#815b3a",
	"warm-red":    "#d04437",
	"blue-gray":   "#4a6785",
	"medium-gray": "#cccccc",
}

const defaultColor = "good"

var issueKeyPattern = regexp.MustCompile(`([A-Za-z]+-\d+)`)

// Lookup finds a stored issue payload.
type Lookup interface {
	GetByKey(ctx context.Context, key string, kind issue.Kind) (json.RawMessage, error)
}

// IssueCommand answers any message mentioning an issue key with a card for
// that issue. Keys that are not indexed get no reply.
func IssueCommand(store Lookup, server string) Command {
	logger := slog.Default().With("component", "chatbot", "command", "issue")
	return Command{
		Name:    "issue",
		Pattern: issueKeyPattern,
		Handler: func(ctx context.Context, msg Message, match []string) {
			key := strings.ToUpper(match[1])
			raw, err := store.GetByKey(ctx, key, issue.Full)
			if err != nil {
				if !errors.Is(err, apperrors.ErrIssueNotFound) {
					logger.Warn("issue lookup failed", "key", key, "error", err)
				}
				return
			}
			iss, err := issue.Parse(raw, server)
			if err != nil {
				logger.Warn("stored payload unreadable", "key", key, "error", err)
				return
			}
			msg.ReplyAttachment(IssueAttachment(iss))
		},
	}
}

// IssueAttachment renders iss as a chat card.
func IssueAttachment(iss *issue.Issue) Attachment {
	color, ok := statusColors[iss.Fields.Status.StatusCategory.ColorName]
	if !ok {
		color = defaultColor
	}
	assignee := "Unassigned"
	if iss.Fields.Assignee != nil {
		assignee = iss.Fields.Assignee.DisplayName
	}
	return Attachment{
		Link:  iss.Permalink(),
		Icon:  iss.Fields.IssueType.IconURL,
		Color: color,
		Name:  "jiracache",
	}.
		WithField("Summary", iss.Fields.Summary, false).
		WithField("Status", iss.Fields.Status.Name, true).
		WithField("Assignee", assignee, true)
}

// ResyncPhrase triggers a full resync.
const ResyncPhrase = "resync jiracache cache"

// Resyncer runs full resyncs.
type Resyncer interface {
	Resync(ctx context.Context, rep syncer.Reporter) (int, error)
	Syncing() bool
}

// ResyncCommand starts a full resync in the background and narrates its
// progress back to the requester. extra reporters also see the run. wg, if
// non-nil, tracks the background run.
func ResyncCommand(r Resyncer, wg *sync.WaitGroup, extra ...syncer.Reporter) Command {
	return Command{
		Name:   "resync",
		Phrase: ResyncPhrase,
		Handler: func(ctx context.Context, msg Message, _ []string) {
			if r.Syncing() {
				msg.Reply("I'm already syncing!")
				return
			}
			msg.Reply("Starting jiracache cache sync.")

			rep := append(syncer.MultiReporter{chatReporter{msg}}, extra...)
			run := func() {
				_, err := r.Resync(context.WithoutCancel(ctx), rep)
				if errors.Is(err, apperrors.ErrResyncInProgress) {
					msg.Reply("I'm already syncing!")
				}
			}
			if wg != nil {
				wg.Add(1)
				go func() {
					defer wg.Done()
					run()
				}()
				return
			}
			go run()
		},
	}
}

// chatReporter narrates resync progress as chat replies.
type chatReporter struct {
	msg Message
}

func (c chatReporter) Started(context.Context) {}

func (c chatReporter) Progress(_ context.Context, count int) {
	c.msg.Reply(fmt.Sprintf("Synced %d issues so far.", count))
}

func (c chatReporter) Done(context.Context, int) {
	c.msg.Reply("Done syncing!")
}

func (c chatReporter) Failed(_ context.Context, _ int, err error) {
	c.msg.Reply(fmt.Sprintf("An error happened! %v", err))
}
