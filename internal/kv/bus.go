package kv

import (
	"context"
	"sync"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// Handler is invoked once per message delivered on a subscribed channel or pattern.
// Handlers may run concurrently with each other and must not block for long.
type Handler func(channel string, payload []byte)

// Bus manages pub/sub subscriptions on the dedicated subscriber connection. Handlers
// are registered under an internal lock and copied out before delivery, so a handler
// may itself subscribe or unsubscribe without deadlocking.
type Bus struct {
	client *redis.Client
	log    zerolog.Logger

	mu     sync.Mutex
	nextID uint64
	subs   map[string]map[uint64]Handler // exact channel -> handlers
	psubs  map[string]map[uint64]Handler // pattern -> handlers
	pubsub *redis.PubSub
}

func newBus(client *redis.Client, logger zerolog.Logger) *Bus {
	return &Bus{
		client: client,
		log:    logger,
		subs:   make(map[string]map[uint64]Handler),
		psubs:  make(map[string]map[uint64]Handler),
	}
}

// Subscription identifies a single registered handler so it can be removed without
// affecting other handlers on the same channel.
type Subscription struct {
	bus     *Bus
	name    string
	pattern bool
	id      uint64
}

// Close removes the handler. The underlying channel subscription is released when the
// last handler is removed.
func (s *Subscription) Close() {
	if s == nil {
		return
	}
	s.bus.remove(s)
}

// Subscribe registers a handler for messages on an exact channel.
func (c *Client) Subscribe(ctx context.Context, channel string, h Handler) (*Subscription, error) {
	return c.bus.add(ctx, channel, false, h)
}

// PSubscribe registers a handler for messages on a glob-style channel pattern.
func (c *Client) PSubscribe(ctx context.Context, pattern string, h Handler) (*Subscription, error) {
	return c.bus.add(ctx, pattern, true, h)
}

// Unsubscribe removes every handler registered for the channel.
func (c *Client) Unsubscribe(ctx context.Context, channel string) error {
	return c.bus.removeAll(ctx, channel)
}

// RunBus receives messages on the subscriber connection and dispatches them to
// registered handlers. It blocks until the context is cancelled. The underlying
// go-redis PubSub reconnects transparently on connection drops.
func (c *Client) RunBus(ctx context.Context) error {
	return c.bus.run(ctx)
}

func (b *Bus) add(ctx context.Context, name string, pattern bool, h Handler) (*Subscription, error) {
	b.mu.Lock()
	reg := b.subs
	if pattern {
		reg = b.psubs
	}
	first := len(reg[name]) == 0
	if reg[name] == nil {
		reg[name] = make(map[uint64]Handler)
	}
	b.nextID++
	id := b.nextID
	reg[name][id] = h
	pubsub := b.pubsub
	b.mu.Unlock()

	if first && pubsub != nil {
		var err error
		if pattern {
			err = pubsub.PSubscribe(ctx, name)
		} else {
			err = pubsub.Subscribe(ctx, name)
		}
		if err != nil {
			b.mu.Lock()
			delete(reg[name], id)
			b.mu.Unlock()
			return nil, err
		}
	}

	return &Subscription{bus: b, name: name, pattern: pattern, id: id}, nil
}

func (b *Bus) remove(s *Subscription) {
	b.mu.Lock()
	reg := b.subs
	if s.pattern {
		reg = b.psubs
	}
	delete(reg[s.name], s.id)
	last := len(reg[s.name]) == 0
	if last {
		delete(reg, s.name)
	}
	pubsub := b.pubsub
	b.mu.Unlock()

	if last && pubsub != nil {
		ctx := context.Background()
		var err error
		if s.pattern {
			err = pubsub.PUnsubscribe(ctx, s.name)
		} else {
			err = pubsub.Unsubscribe(ctx, s.name)
		}
		if err != nil {
			b.log.Warn().Err(err).Str("channel", s.name).Msg("Failed to release subscription")
		}
	}
}

func (b *Bus) removeAll(ctx context.Context, channel string) error {
	b.mu.Lock()
	delete(b.subs, channel)
	pubsub := b.pubsub
	b.mu.Unlock()

	if pubsub != nil {
		return pubsub.Unsubscribe(ctx, channel)
	}
	return nil
}

func (b *Bus) run(ctx context.Context) error {
	b.mu.Lock()
	pubsub := b.client.Subscribe(ctx)
	b.pubsub = pubsub
	channels := make([]string, 0, len(b.subs))
	for ch := range b.subs {
		channels = append(channels, ch)
	}
	patterns := make([]string, 0, len(b.psubs))
	for p := range b.psubs {
		patterns = append(patterns, p)
	}
	b.mu.Unlock()

	defer func() {
		b.mu.Lock()
		b.pubsub = nil
		b.mu.Unlock()
		_ = pubsub.Close()
	}()

	if len(channels) > 0 {
		if err := pubsub.Subscribe(ctx, channels...); err != nil {
			return err
		}
	}
	if len(patterns) > 0 {
		if err := pubsub.PSubscribe(ctx, patterns...); err != nil {
			return err
		}
	}

	ch := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			b.dispatch(msg)
		}
	}
}

// dispatch invokes every handler registered for the message's channel or pattern. A
// failing handler is logged and must not affect other subscriptions.
func (b *Bus) dispatch(msg *redis.Message) {
	b.mu.Lock()
	var handlers []Handler
	if msg.Pattern != "" {
		for _, h := range b.psubs[msg.Pattern] {
			handlers = append(handlers, h)
		}
	} else {
		for _, h := range b.subs[msg.Channel] {
			handlers = append(handlers, h)
		}
	}
	b.mu.Unlock()

	for _, h := range handlers {
		b.invoke(h, msg.Channel, []byte(msg.Payload))
	}
}

func (b *Bus) invoke(h Handler, channel string, payload []byte) {
	defer func() {
		if r := recover(); r != nil {
			b.log.Error().Interface("panic", r).Str("channel", channel).Msg("Subscriber handler panicked")
		}
	}()
	h(channel, payload)
}
