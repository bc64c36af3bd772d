package kv

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// LogStart is the cursor meaning "read from the beginning of the log".
const LogStart = "-"

// Entry is a single record read from an append-only log. The ID is the server-assigned
// monotonic stream ID; Fields hold the record values as strings.
type Entry struct {
	ID     string
	Fields map[string]string
}

// Append adds a record to the named log and returns its server-generated monotonic ID.
func (c *Client) Append(ctx context.Context, logKey string, fields map[string]any) (string, error) {
	id, err := c.cmd.XAdd(ctx, &redis.XAddArgs{
		Stream: logKey,
		Values: fields,
	}).Result()
	if err != nil {
		return "", fmt.Errorf("append to %s: %w", logKey, err)
	}
	return id, nil
}

// ReadLog returns up to count entries strictly after afterID. Pass LogStart to read
// from the beginning.
func (c *Client) ReadLog(ctx context.Context, logKey, afterID string, count int64) ([]Entry, error) {
	start := afterID
	if start != LogStart {
		// "(" makes the range start exclusive, so the cursor entry itself is skipped.
		start = "(" + start
	}
	msgs, err := c.cmd.XRangeN(ctx, logKey, start, "+", count).Result()
	if err != nil {
		return nil, fmt.Errorf("read log %s: %w", logKey, err)
	}
	return toEntries(msgs), nil
}

// ReadLogReverse returns up to count entries newest first.
func (c *Client) ReadLogReverse(ctx context.Context, logKey string, count int64) ([]Entry, error) {
	msgs, err := c.cmd.XRevRangeN(ctx, logKey, "+", "-", count).Result()
	if err != nil {
		return nil, fmt.Errorf("read log %s reversed: %w", logKey, err)
	}
	return toEntries(msgs), nil
}

// LogLen returns the number of entries currently in the log.
func (c *Client) LogLen(ctx context.Context, logKey string) (int64, error) {
	n, err := c.cmd.XLen(ctx, logKey).Result()
	if err != nil {
		return 0, fmt.Errorf("log length %s: %w", logKey, err)
	}
	return n, nil
}

// Trim soft-caps the log to approximately maxLen entries, dropping the oldest.
func (c *Client) Trim(ctx context.Context, logKey string, maxLen int64) error {
	if err := c.cmd.XTrimMaxLen(ctx, logKey, maxLen).Err(); err != nil {
		return fmt.Errorf("trim %s: %w", logKey, err)
	}
	return nil
}

// CreateGroup creates a consumer group on the log starting after startID. Creating a
// group that already exists succeeds silently. The log is created if missing.
func (c *Client) CreateGroup(ctx context.Context, logKey, group, startID string) error {
	err := c.cmd.XGroupCreateMkStream(ctx, logKey, group, startID).Err()
	if err != nil && !strings.Contains(err.Error(), "BUSYGROUP") {
		return fmt.Errorf("create group %s on %s: %w", group, logKey, err)
	}
	return nil
}

// ReadGroup reads up to count new entries for the given consumer within the group,
// blocking up to block when no entries are pending. A nil slice with no error means
// the block timed out.
func (c *Client) ReadGroup(ctx context.Context, logKey, group, consumer string, count int64, block time.Duration) ([]Entry, error) {
	streams, err := c.cmd.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    group,
		Consumer: consumer,
		Streams:  []string{logKey, ">"},
		Count:    count,
		Block:    block,
	}).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read group %s on %s: %w", group, logKey, err)
	}
	var entries []Entry
	for _, s := range streams {
		entries = append(entries, toEntries(s.Messages)...)
	}
	return entries, nil
}

// Ack acknowledges processed entries for the group.
func (c *Client) Ack(ctx context.Context, logKey, group string, ids ...string) error {
	if len(ids) == 0 {
		return nil
	}
	if err := c.cmd.XAck(ctx, logKey, group, ids...).Err(); err != nil {
		return fmt.Errorf("ack on %s: %w", logKey, err)
	}
	return nil
}

func toEntries(msgs []redis.XMessage) []Entry {
	entries := make([]Entry, 0, len(msgs))
	for _, m := range msgs {
		fields := make(map[string]string, len(m.Values))
		for k, v := range m.Values {
			if s, ok := v.(string); ok {
				fields[k] = s
			} else {
				fields[k] = fmt.Sprint(v)
			}
		}
		entries = append(entries, Entry{ID: m.ID, Fields: fields})
	}
	return entries
}
