// Package notify delivers targeted user notifications. Producers enqueue onto a
// shared outbox log; a consumer-group worker drains it and republishes each entry on
// the recipient's notification channel, so delivery survives the producing request
// and is load-balanced across server instances.
package notify

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/hearth-app/hearth-server/internal/event"
	"github.com/hearth-app/hearth-server/internal/kv"
)

const (
	// OutboxKey is the shared notification outbox log.
	OutboxKey = "notifications:outbox"

	// Group is the consumer group draining the outbox. All instances share it;
	// each entry is delivered by exactly one consumer.
	Group = "notifier"

	outboxMaxLen = 10000
)

// Outbox enqueues notifications for asynchronous delivery.
type Outbox struct {
	kv *kv.Client
}

// NewOutbox creates an outbox over the KV client.
func NewOutbox(kvc *kv.Client) *Outbox {
	return &Outbox{kv: kvc}
}

// Enqueue appends a notification to the outbox. A zero timestamp is stamped with the
// current time.
func (o *Outbox) Enqueue(ctx context.Context, n event.NotificationData) (string, error) {
	if n.UserID == "" {
		return "", fmt.Errorf("enqueue notification: missing user_id")
	}
	if n.Timestamp == 0 {
		n.Timestamp = time.Now().UnixMilli()
	}
	id, err := o.kv.Append(ctx, OutboxKey, map[string]any{
		"user_id":   n.UserID,
		"kind":      n.Kind,
		"title":     n.Title,
		"body":      n.Body,
		"timestamp": strconv.FormatInt(n.Timestamp, 10),
	})
	if err != nil {
		return "", fmt.Errorf("enqueue notification: %w", err)
	}
	return id, nil
}

func fromEntry(e kv.Entry) (event.NotificationData, error) {
	n := event.NotificationData{
		UserID: e.Fields["user_id"],
		Kind:   e.Fields["kind"],
		Title:  e.Fields["title"],
		Body:   e.Fields["body"],
	}
	if n.UserID == "" {
		return event.NotificationData{}, fmt.Errorf("notification entry %s missing user_id", e.ID)
	}
	if v, err := strconv.ParseInt(e.Fields["timestamp"], 10, 64); err == nil {
		n.Timestamp = v
	}
	return n, nil
}
