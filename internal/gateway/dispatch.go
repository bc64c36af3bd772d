package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/hearth-app/hearth-server/internal/ghost"
	"github.com/hearth-app/hearth-server/internal/location"
)

// dispatchTimeout bounds the backend work of a single inbound verb.
const dispatchTimeout = 10 * time.Second

// dispatch routes one inbound frame. Verbs are processed in arrival order because
// dispatch runs on the read pump. A verb naming a family outside the socket's
// membership set is acked with an error; the socket stays open.
func (c *Client) dispatch(frame Frame) {
	if frame.Event == VerbPing {
		c.handlePing()
		return
	}
	if !c.IsAuthenticated() {
		c.ack(frame.Event, Ack{Success: false, Error: "not authenticated"})
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), dispatchTimeout)
	defer cancel()

	switch frame.Event {
	case VerbLocation:
		c.handleLocation(ctx, frame.Data)
	case VerbJoinFamily:
		c.handleJoinFamily(ctx, frame.Data)
	case VerbLeaveFamily:
		c.handleLeaveFamily(ctx, frame.Data)
	case VerbGhostMode:
		c.handleGhostMode(ctx, frame.Data)
	case VerbUserAdded:
		c.handleUserAdded(ctx, frame.Data)
	case VerbUserRemoved:
		c.handleUserRemoved(ctx, frame.Data)
	case VerbFamilyDeleted:
		c.handleFamilyDeleted(ctx, frame.Data)
	case VerbRoleUpdated:
		c.handleRoleUpdated(ctx, frame.Data)
	case VerbRefreshCache:
		c.handleRefreshCache(ctx, frame.Data)
	default:
		c.ack(frame.Event, Ack{Success: false, Error: "unknown event"})
	}
}

// handlePing answers the heartbeat and re-arms the caller's presence keys. SetOnline
// rather than a bare TTL extension, so a key that expired while the socket sat quiet
// comes back.
func (c *Client) handlePing() {
	if c.IsAuthenticated() {
		ctx, cancel := context.WithTimeout(context.Background(), dispatchTimeout)
		defer cancel()
		uid := c.UserID()
		for _, fid := range c.FamilyIDs() {
			if err := c.hub.presence.SetOnline(ctx, uid, fid); err != nil {
				c.log.Warn().Err(err).Str("family_id", fid).Msg("Presence refresh failed")
			}
		}
	}

	frame, err := NewFrame(EventPong, PongData{ServerTimestamp: time.Now().UnixMilli()})
	if err != nil {
		c.log.Error().Err(err).Msg("Failed to build pong frame")
		return
	}
	c.enqueue(frame)
}

func (c *Client) handleLocation(ctx context.Context, data json.RawMessage) {
	var payload LocationData
	if err := json.Unmarshal(data, &payload); err != nil {
		c.ack(VerbLocation, Ack{Success: false, Error: "invalid payload"})
		return
	}
	if !c.InFamily(payload.FamilyID) {
		c.ack(VerbLocation, Ack{Success: false, Error: ErrUnauthorizedFamily})
		return
	}

	result, err := c.hub.locations.Ingest(ctx, location.Sample{
		UserID:       c.UserID(),
		FamilyID:     payload.FamilyID,
		Latitude:     payload.Latitude,
		Longitude:    payload.Longitude,
		Accuracy:     payload.Accuracy,
		Altitude:     payload.Altitude,
		Bearing:      payload.Bearing,
		Speed:        payload.Speed,
		Timestamp:    payload.Timestamp,
		BatteryLevel: payload.BatteryLevel,
		BatteryState: payload.BatteryState,
	})
	if err != nil {
		if errors.Is(err, location.ErrBadSample) {
			c.ack(VerbLocation, Ack{Success: false, Error: "invalid location sample"})
		} else {
			c.log.Warn().Err(err).Msg("Location ingest failed")
			c.ack(VerbLocation, Ack{Success: false, Error: "ingest failed"})
		}
		return
	}
	// A moving client is evidently online; extend the key without rewriting it.
	if err := c.hub.presence.Refresh(ctx, c.UserID(), payload.FamilyID); err != nil {
		c.log.Warn().Err(err).Msg("Presence refresh failed")
	}
	c.ack(VerbLocation, Ack{Success: true, MessageID: result.MessageID, ServerTimestamp: result.ServerTimestamp})
}

func (c *Client) handleJoinFamily(ctx context.Context, data json.RawMessage) {
	var payload FamilyRefData
	if err := json.Unmarshal(data, &payload); err != nil || payload.FamilyID == "" {
		c.ack(VerbJoinFamily, Ack{Success: false, Error: "invalid payload"})
		return
	}
	if !c.InFamily(payload.FamilyID) {
		c.ack(VerbJoinFamily, Ack{Success: false, Error: ErrUnauthorizedFamily})
		return
	}
	c.hub.joinFamily(ctx, c, payload.FamilyID)
	c.ack(VerbJoinFamily, Ack{Success: true, FamilyID: payload.FamilyID})
}

func (c *Client) handleLeaveFamily(ctx context.Context, data json.RawMessage) {
	var payload FamilyRefData
	if err := json.Unmarshal(data, &payload); err != nil || payload.FamilyID == "" {
		c.ack(VerbLeaveFamily, Ack{Success: false, Error: "invalid payload"})
		return
	}
	c.hub.leaveFamily(ctx, c, payload.FamilyID)
	c.ack(VerbLeaveFamily, Ack{Success: true, FamilyID: payload.FamilyID})
}

func (c *Client) handleGhostMode(ctx context.Context, data json.RawMessage) {
	var payload GhostModeRequest
	if err := json.Unmarshal(data, &payload); err != nil {
		c.ack(VerbGhostMode, Ack{Success: false, Error: "invalid payload"})
		return
	}

	uid := c.UserID()
	switch payload.Scope {
	case string(ghost.ScopeGlobal):
		if err := c.hub.ghosts.SetGlobal(ctx, uid, payload.Enabled); err != nil {
			c.log.Warn().Err(err).Msg("Global ghost toggle failed")
			c.ack(VerbGhostMode, Ack{Success: false, Error: "ghost mode update failed"})
			return
		}
		// A global toggle affects every family the user belongs to.
		for _, fid := range c.FamilyIDs() {
			c.hub.publishGhostMode(ctx, uid, fid, payload.Enabled, payload.Scope)
		}
	case string(ghost.ScopeFamily):
		if payload.FamilyID == "" || !c.InFamily(payload.FamilyID) {
			c.ack(VerbGhostMode, Ack{Success: false, Error: ErrUnauthorizedFamily})
			return
		}
		if err := c.hub.ghosts.SetFamily(ctx, uid, payload.FamilyID, payload.Enabled); err != nil {
			c.log.Warn().Err(err).Msg("Family ghost toggle failed")
			c.ack(VerbGhostMode, Ack{Success: false, Error: "ghost mode update failed"})
			return
		}
		c.hub.publishGhostMode(ctx, uid, payload.FamilyID, payload.Enabled, payload.Scope)
	default:
		c.ack(VerbGhostMode, Ack{Success: false, Error: "invalid scope"})
		return
	}
	c.ack(VerbGhostMode, Ack{Success: true})
}
