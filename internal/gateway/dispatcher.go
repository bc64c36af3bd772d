package gateway

import (
	"context"
	"encoding/json"
	"time"

	"github.com/rs/zerolog"

	"github.com/hearth-app/hearth-server/internal/event"
	"github.com/hearth-app/hearth-server/internal/kv"
)

// Dispatcher bridges the shared bus to the local hub. It pattern-subscribes the
// family and user channels and forwards each envelope to the matching room or user
// socket set as a gateway frame. Delivery is at least once; forwarding the same
// payload twice is harmless.
type Dispatcher struct {
	kv  *kv.Client
	hub *Hub
	log zerolog.Logger

	subs []*kv.Subscription
}

// NewDispatcher creates the dispatcher for a hub.
func NewDispatcher(kvc *kv.Client, hub *Hub, logger zerolog.Logger) *Dispatcher {
	return &Dispatcher{
		kv:  kvc,
		hub: hub,
		log: logger.With().Str("component", "dispatcher").Logger(),
	}
}

// Start registers the pattern subscriptions. The delivery loop itself is driven by
// the KV client's bus.
func (d *Dispatcher) Start(ctx context.Context) error {
	for _, p := range []struct {
		pattern string
		handler kv.Handler
	}{
		{event.LocationPattern, d.onFamilyMessage},
		{event.AlertsPattern, d.onFamilyMessage},
		{event.NotificationPattern, d.onUserMessage},
	} {
		sub, err := d.kv.PSubscribe(ctx, p.pattern, p.handler)
		if err != nil {
			d.Stop()
			return err
		}
		d.subs = append(d.subs, sub)
	}
	d.log.Info().Msg("Dispatcher subscribed to bus patterns")
	return nil
}

// Stop removes the pattern subscriptions.
func (d *Dispatcher) Stop() {
	for _, sub := range d.subs {
		sub.Close()
	}
	d.subs = nil
}

func (d *Dispatcher) onFamilyMessage(channel string, payload []byte) {
	familyID, ok := event.ParseFamilyChannel(channel)
	if !ok {
		d.log.Warn().Str("channel", channel).Msg("Unroutable family channel")
		return
	}

	env, frame, ok := d.decode(channel, payload)
	if !ok {
		return
	}

	d.applySideEffects(familyID, env)
	d.hub.broadcastRoom(familyID, frame)
}

func (d *Dispatcher) onUserMessage(channel string, payload []byte) {
	userID, ok := event.ParseUserChannel(channel)
	if !ok {
		d.log.Warn().Str("channel", channel).Msg("Unroutable user channel")
		return
	}

	_, frame, ok := d.decode(channel, payload)
	if !ok {
		return
	}
	d.hub.sendToUser(userID, frame)
}

// decode unwraps a bus envelope and re-frames it for socket delivery.
func (d *Dispatcher) decode(channel string, payload []byte) (event.Envelope, []byte, bool) {
	var env event.Envelope
	if err := json.Unmarshal(payload, &env); err != nil || env.Type == "" {
		d.log.Warn().Err(err).Str("channel", channel).Msg("Invalid bus envelope")
		return event.Envelope{}, nil, false
	}

	frame, err := json.Marshal(Frame{Event: string(env.Type), Data: env.Data})
	if err != nil {
		d.log.Error().Err(err).Str("channel", channel).Msg("Frame encode failed")
		return event.Envelope{}, nil, false
	}
	return env, frame, true
}

// applySideEffects converges local socket state on membership-shaped events before
// the broadcast goes out, so a removed user's sockets never see the frames that
// follow their removal.
func (d *Dispatcher) applySideEffects(familyID string, env event.Envelope) {
	switch env.Type {
	case event.FamilyMemberAdded, event.FamilyMemberRemoved:
		var change event.MemberChangeData
		if err := json.Unmarshal(env.Data, &change); err != nil || change.UserID == "" {
			d.log.Warn().Err(err).Msg("Invalid membership change payload")
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if env.Type == event.FamilyMemberAdded {
			d.hub.applyMemberAdded(ctx, change.UserID, familyID)
		} else {
			d.hub.applyMemberRemoved(ctx, change.UserID, familyID)
		}
	case event.FamilyDeleted:
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		d.hub.applyFamilyDeleted(ctx, familyID)
	}
}
