// Package kv wraps the Redis connections used for caching, per-family location logs
// (streams), and the pub/sub fan-out bus. A subscribed connection cannot issue regular
// commands, so the client holds three independent connections: one for commands, one
// dedicated to publishing, and one dedicated to subscriptions.
package kv

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// Client is the typed wrapper over the KV/stream/bus backend.
type Client struct {
	cmd *redis.Client
	pub *redis.Client
	sub *redis.Client
	bus *Bus
	log zerolog.Logger
}

// Connect opens the three underlying connections and pings each. Any ping failure
// closes whatever was opened and fails startup: readiness of all three connections is
// a service readiness requirement.
func Connect(ctx context.Context, rawURL string, dialTimeout time.Duration, logger zerolog.Logger) (*Client, error) {
	opts, err := redis.ParseURL(rawURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis URL: %w", err)
	}
	opts.DialTimeout = dialTimeout
	opts.MaxRetries = 3

	c := &Client{log: logger.With().Str("component", "kv").Logger()}
	for _, conn := range []struct {
		name   string
		target **redis.Client
	}{
		{"commands", &c.cmd},
		{"publisher", &c.pub},
		{"subscriber", &c.sub},
	} {
		cl := redis.NewClient(opts)
		if err := cl.Ping(ctx).Err(); err != nil {
			_ = cl.Close()
			_ = c.Close()
			return nil, fmt.Errorf("ping redis (%s): %w", conn.name, err)
		}
		*conn.target = cl
	}

	c.bus = newBus(c.sub, c.log)
	return c, nil
}

// Close quits all underlying connections.
func (c *Client) Close() error {
	var first error
	for _, cl := range []*redis.Client{c.cmd, c.pub, c.sub} {
		if cl == nil {
			continue
		}
		if err := cl.Close(); err != nil && first == nil {
			first = err
		}
	}
	return first
}

// Ping verifies all three connections are alive.
func (c *Client) Ping(ctx context.Context) error {
	for _, cl := range []*redis.Client{c.cmd, c.pub, c.sub} {
		if err := cl.Ping(ctx).Err(); err != nil {
			return err
		}
	}
	return nil
}

// encode turns a value into the wire representation stored in Redis. Strings and byte
// slices pass through untouched; everything else is JSON-encoded.
func encode(value any) (any, error) {
	switch v := value.(type) {
	case string, []byte:
		return v, nil
	default:
		data, err := json.Marshal(value)
		if err != nil {
			return nil, fmt.Errorf("encode value: %w", err)
		}
		return data, nil
	}
}

// Set stores a value under the key with the given TTL. A zero TTL means no expiry.
func (c *Client) Set(ctx context.Context, key string, value any, ttl time.Duration) error {
	data, err := encode(value)
	if err != nil {
		return err
	}
	if err := c.cmd.Set(ctx, key, data, ttl).Err(); err != nil {
		return fmt.Errorf("set %s: %w", key, err)
	}
	return nil
}

// GetString returns the raw string value of a key. The second return value is false
// when the key does not exist.
func (c *Client) GetString(ctx context.Context, key string) (string, bool, error) {
	val, err := c.cmd.Get(ctx, key).Result()
	if err == redis.Nil {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("get %s: %w", key, err)
	}
	return val, true, nil
}

// GetJSON decodes the value of a key into dest. Returns false when the key does not
// exist; a stored value that is not valid JSON for dest is an error.
func (c *Client) GetJSON(ctx context.Context, key string, dest any) (bool, error) {
	raw, err := c.cmd.Get(ctx, key).Bytes()
	if err == redis.Nil {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("get %s: %w", key, err)
	}
	if err := json.Unmarshal(raw, dest); err != nil {
		return false, fmt.Errorf("decode %s: %w", key, err)
	}
	return true, nil
}

// Del removes the given keys. Missing keys are not an error.
func (c *Client) Del(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	if err := c.cmd.Del(ctx, keys...).Err(); err != nil {
		return fmt.Errorf("del: %w", err)
	}
	return nil
}

// Exists reports whether the key exists.
func (c *Client) Exists(ctx context.Context, key string) (bool, error) {
	n, err := c.cmd.Exists(ctx, key).Result()
	if err != nil {
		return false, fmt.Errorf("exists %s: %w", key, err)
	}
	return n > 0, nil
}

// Incr atomically increments the integer value of a key and returns the new value.
func (c *Client) Incr(ctx context.Context, key string) (int64, error) {
	n, err := c.cmd.Incr(ctx, key).Result()
	if err != nil {
		return 0, fmt.Errorf("incr %s: %w", key, err)
	}
	return n, nil
}

// Expire sets the TTL on an existing key.
func (c *Client) Expire(ctx context.Context, key string, ttl time.Duration) error {
	if err := c.cmd.Expire(ctx, key, ttl).Err(); err != nil {
		return fmt.Errorf("expire %s: %w", key, err)
	}
	return nil
}

// SetNX stores a value only if the key does not exist. Returns true when the key was
// newly created.
func (c *Client) SetNX(ctx context.Context, key string, value any, ttl time.Duration) (bool, error) {
	data, err := encode(value)
	if err != nil {
		return false, err
	}
	ok, err := c.cmd.SetNX(ctx, key, data, ttl).Result()
	if err != nil {
		return false, fmt.Errorf("setnx %s: %w", key, err)
	}
	return ok, nil
}

// MGet returns the values of the given keys. Missing keys yield empty strings with
// found=false at the matching index.
func (c *Client) MGet(ctx context.Context, keys ...string) ([]string, []bool, error) {
	if len(keys) == 0 {
		return nil, nil, nil
	}
	vals, err := c.cmd.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, nil, fmt.Errorf("mget: %w", err)
	}
	out := make([]string, len(vals))
	found := make([]bool, len(vals))
	for i, v := range vals {
		if v == nil {
			continue
		}
		if s, ok := v.(string); ok {
			out[i] = s
			found[i] = true
		}
	}
	return out, found, nil
}

// MSet stores multiple key/value pairs in a single round trip. TTLs cannot be attached
// to MSET; callers needing per-key expiry should use Set.
func (c *Client) MSet(ctx context.Context, pairs map[string]any) error {
	if len(pairs) == 0 {
		return nil
	}
	args := make([]any, 0, len(pairs)*2)
	for k, v := range pairs {
		data, err := encode(v)
		if err != nil {
			return err
		}
		args = append(args, k, data)
	}
	if err := c.cmd.MSet(ctx, args...).Err(); err != nil {
		return fmt.Errorf("mset: %w", err)
	}
	return nil
}

// ScanDel deletes all keys matching the given glob pattern using cursor iteration.
func (c *Client) ScanDel(ctx context.Context, pattern string) error {
	var cursor uint64
	for {
		keys, next, err := c.cmd.Scan(ctx, cursor, pattern, 100).Result()
		if err != nil {
			return fmt.Errorf("scan %q: %w", pattern, err)
		}
		if len(keys) > 0 {
			if err := c.cmd.Del(ctx, keys...).Err(); err != nil {
				return fmt.Errorf("delete scanned keys: %w", err)
			}
		}
		cursor = next
		if cursor == 0 {
			return nil
		}
	}
}

// Publish sends a single fire-and-forget message on the given channel using the
// dedicated publisher connection.
func (c *Client) Publish(ctx context.Context, channel string, payload any) error {
	data, err := encode(payload)
	if err != nil {
		return err
	}
	if err := c.pub.Publish(ctx, channel, data).Err(); err != nil {
		return fmt.Errorf("publish %s: %w", channel, err)
	}
	return nil
}
