package syncer

import (
	"context"
	"fmt"

	apperrors "github.com/jhgg/jeev-jiracache/pkg/errors"
	"github.com/jhgg/jeev-jiracache/pkg/kafka"
)

// WebhookEvent is the part of an upstream webhook body the driver reads.
type WebhookEvent struct {
	Event string `json:"webhookEvent,omitempty"`
	Issue struct {
		Key string `json:"key"`
	} `json:"issue"`
}

const issueDeleted = "jira:issue_deleted"

// Key returns the issue key, or an ErrInvalidInput error when the body has
// none.
func (e WebhookEvent) Key() (string, error) {
	if e.Issue.Key == "" {
		return "", fmt.Errorf("%w: webhook event has no issue key", apperrors.ErrInvalidInput)
	}
	return e.Issue.Key, nil
}

// HandleEvent applies one webhook event: deletions remove the issue, anything
// else refetches it.
func (d *Driver) HandleEvent(ctx context.Context, ev WebhookEvent) error {
	key, err := ev.Key()
	if err != nil {
		return err
	}
	if ev.Event == issueDeleted {
		return d.RemoveOne(ctx, key)
	}
	return d.UpdateOne(ctx, key)
}

// HandleMessage is a kafka.MessageHandler for the webhook topic.
func (d *Driver) HandleMessage(ctx context.Context, _ []byte, value []byte) error {
	ev, err := kafka.DecodeJSON[WebhookEvent](value)
	if err != nil {
		d.logger.Warn("dropping undecodable webhook event", "error", err)
		return nil
	}
	if err := d.HandleEvent(ctx, ev); err != nil {
		return fmt.Errorf("handling webhook event: %w", err)
	}
	return nil
}
