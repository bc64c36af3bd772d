package gateway

import (
	"context"
	"encoding/json"
	"time"

	"github.com/hearth-app/hearth-server/internal/event"
	"github.com/hearth-app/hearth-server/internal/family"
)

// Membership mutation verbs. Each handler authorizes the requester against its own
// membership set, writes through to the record of truth with the matching composite
// cache invalidation, broadcasts on the family's alerts channel, and queues a
// targeted notification. Out-of-band database edits are bounded by the cache TTL
// instead.

func (c *Client) handleUserAdded(ctx context.Context, data json.RawMessage) {
	var payload MemberAddData
	if err := json.Unmarshal(data, &payload); err != nil || payload.FamilyID == "" || payload.AddedUserID == "" {
		c.ack(VerbUserAdded, Ack{Success: false, Error: "invalid payload"})
		return
	}
	if !c.InFamily(payload.FamilyID) {
		c.ack(VerbUserAdded, Ack{Success: false, Error: ErrUnauthorizedFamily})
		return
	}
	if payload.Role != "" && !family.ValidRole(payload.Role) {
		c.ack(VerbUserAdded, Ack{Success: false, Error: "invalid role"})
		return
	}
	role := family.Role(payload.Role)
	if role == "" {
		role = family.RoleMember
	}

	if err := c.hub.families.AddMember(ctx, payload.FamilyID, payload.AddedUserID, role); err != nil {
		c.log.Warn().Err(err).Msg("Member add failed")
		c.ack(VerbUserAdded, Ack{Success: false, Error: "member add failed"})
		return
	}

	c.hub.publishAlert(ctx, payload.FamilyID, event.FamilyMemberAdded, event.MemberChangeData{
		UserID:   payload.AddedUserID,
		FamilyID: payload.FamilyID,
		Role:     payload.Role,
	})
	c.hub.notifyUser(ctx, payload.AddedUserID, "family_member_added", "You have been added to a family")

	c.ack(VerbUserAdded, Ack{Success: true, Message: "member added", FamilyID: payload.FamilyID})
}

func (c *Client) handleUserRemoved(ctx context.Context, data json.RawMessage) {
	var payload MemberRemoveData
	if err := json.Unmarshal(data, &payload); err != nil || payload.FamilyID == "" || payload.RemovedUserID == "" {
		c.ack(VerbUserRemoved, Ack{Success: false, Error: "invalid payload"})
		return
	}
	if !c.InFamily(payload.FamilyID) {
		c.ack(VerbUserRemoved, Ack{Success: false, Error: ErrUnauthorizedFamily})
		return
	}

	if err := c.hub.families.RemoveMember(ctx, payload.FamilyID, payload.RemovedUserID); err != nil {
		c.log.Warn().Err(err).Msg("Member removal failed")
		c.ack(VerbUserRemoved, Ack{Success: false, Error: "member removal failed"})
		return
	}

	// The broadcast reaches every instance; each applies the force-leave to its
	// local sockets of the removed user.
	c.hub.publishAlert(ctx, payload.FamilyID, event.FamilyMemberRemoved, event.MemberChangeData{
		UserID:   payload.RemovedUserID,
		FamilyID: payload.FamilyID,
	})
	c.hub.notifyUser(ctx, payload.RemovedUserID, "family_member_removed", "You have been removed from a family")

	c.ack(VerbUserRemoved, Ack{Success: true, FamilyID: payload.FamilyID})
}

func (c *Client) handleFamilyDeleted(ctx context.Context, data json.RawMessage) {
	var payload FamilyRefData
	if err := json.Unmarshal(data, &payload); err != nil || payload.FamilyID == "" {
		c.ack(VerbFamilyDeleted, Ack{Success: false, Error: "invalid payload"})
		return
	}
	if !c.InFamily(payload.FamilyID) {
		c.ack(VerbFamilyDeleted, Ack{Success: false, Error: ErrUnauthorizedFamily})
		return
	}

	// Snapshot members before the delete; the snapshot drives the per-member key
	// cleanup and ghost invalidation.
	members, err := c.hub.families.MembersOf(ctx, payload.FamilyID)
	if err != nil {
		c.log.Warn().Err(err).Msg("Member snapshot failed before family deletion")
	}
	if err := c.hub.families.DeleteFamily(ctx, payload.FamilyID, members); err != nil {
		c.log.Warn().Err(err).Msg("Family deletion failed")
		c.ack(VerbFamilyDeleted, Ack{Success: false, Error: "family deletion failed"})
		return
	}
	memberIDs := make([]string, len(members))
	for i, m := range members {
		memberIDs[i] = m.UserID
	}
	if err := c.hub.ghosts.InvalidateFamily(ctx, payload.FamilyID, memberIDs); err != nil {
		c.log.Warn().Err(err).Msg("Ghost invalidation failed")
	}

	c.hub.publishAlert(ctx, payload.FamilyID, event.FamilyDeleted, event.FamilyDeletedData{
		FamilyID: payload.FamilyID,
	})

	c.ack(VerbFamilyDeleted, Ack{Success: true, FamilyID: payload.FamilyID})
}

func (c *Client) handleRoleUpdated(ctx context.Context, data json.RawMessage) {
	var payload RoleUpdateData
	if err := json.Unmarshal(data, &payload); err != nil || payload.FamilyID == "" || payload.UserID == "" {
		c.ack(VerbRoleUpdated, Ack{Success: false, Error: "invalid payload"})
		return
	}
	if !c.InFamily(payload.FamilyID) {
		c.ack(VerbRoleUpdated, Ack{Success: false, Error: ErrUnauthorizedFamily})
		return
	}
	if !family.ValidRole(payload.NewRole) {
		c.ack(VerbRoleUpdated, Ack{Success: false, Error: "invalid role"})
		return
	}

	if err := c.hub.families.UpdateRole(ctx, payload.FamilyID, payload.UserID, family.Role(payload.NewRole)); err != nil {
		c.log.Warn().Err(err).Msg("Role update failed")
		c.ack(VerbRoleUpdated, Ack{Success: false, Error: "role update failed"})
		return
	}

	c.hub.publishAlert(ctx, payload.FamilyID, event.MemberRoleUpdated, event.MemberChangeData{
		UserID:   payload.UserID,
		FamilyID: payload.FamilyID,
		Role:     payload.NewRole,
	})
	c.hub.notifyUser(ctx, payload.UserID, "member_role_updated", "Your family role was changed to "+payload.NewRole)

	c.ack(VerbRoleUpdated, Ack{Success: true, FamilyID: payload.FamilyID})
}

func (c *Client) handleRefreshCache(ctx context.Context, data json.RawMessage) {
	var payload FamilyRefData
	if err := json.Unmarshal(data, &payload); err != nil || payload.FamilyID == "" {
		c.ack(VerbRefreshCache, Ack{Success: false, Error: "invalid payload"})
		return
	}
	if !c.InFamily(payload.FamilyID) {
		c.ack(VerbRefreshCache, Ack{Success: false, Error: ErrUnauthorizedFamily})
		return
	}

	if _, err := c.hub.families.RefreshFamily(ctx, payload.FamilyID); err != nil {
		c.log.Warn().Err(err).Msg("Family cache refresh failed")
		c.ack(VerbRefreshCache, Ack{Success: false, Error: "refresh failed"})
		return
	}

	c.hub.publishAlert(ctx, payload.FamilyID, event.CacheRefreshed, event.CacheRefreshedData{
		FamilyID: payload.FamilyID,
	})
	c.ack(VerbRefreshCache, Ack{Success: true, FamilyID: payload.FamilyID})
}

// publishAlert publishes an event on the family's alerts channel.
func (h *Hub) publishAlert(ctx context.Context, familyID string, eventType event.Type, data any) {
	env, err := event.NewEnvelope(eventType, data)
	if err != nil {
		h.log.Error().Err(err).Str("event", string(eventType)).Msg("Alert encode failed")
		return
	}
	if err := h.kv.Publish(ctx, event.AlertsChannel(familyID), env); err != nil {
		h.log.Warn().Err(err).Str("event", string(eventType)).Msg("Alert publish failed")
	}
}

// publishGhostMode announces a ghost-mode toggle on the family's alerts channel.
func (h *Hub) publishGhostMode(ctx context.Context, userID, familyID string, enabled bool, scope string) {
	h.publishAlert(ctx, familyID, event.GhostMode, event.GhostModeData{
		UserID:   userID,
		FamilyID: familyID,
		Enabled:  enabled,
		Scope:    scope,
	})
}

// notifyUser queues a targeted notification through the outbox.
func (h *Hub) notifyUser(ctx context.Context, userID, kind, title string) {
	if _, err := h.outbox.Enqueue(ctx, event.NotificationData{
		UserID:    userID,
		Kind:      kind,
		Title:     title,
		Timestamp: time.Now().UnixMilli(),
	}); err != nil {
		h.log.Warn().Err(err).Str("user_id", userID).Msg("Notification enqueue failed")
	}
}

// Local membership maintenance, applied by the bus dispatcher on every instance so
// connected sockets converge on the new membership shape.

// applyMemberAdded extends the membership set of the added user's local sockets and
// joins them to the room.
func (h *Hub) applyMemberAdded(ctx context.Context, userID, familyID string) {
	for _, c := range h.socketsOf(userID) {
		c.addFamily(familyID)
		h.joinFamily(ctx, c, familyID)
	}
}

// applyMemberRemoved force-leaves the removed user's local sockets from the room and
// shrinks their membership sets.
func (h *Hub) applyMemberRemoved(ctx context.Context, userID, familyID string) {
	for _, c := range h.socketsOf(userID) {
		c.removeFamily(familyID)
		h.leaveFamily(ctx, c, familyID)
	}
}

// applyFamilyDeleted force-leaves every local socket from the deleted family's room.
func (h *Hub) applyFamilyDeleted(ctx context.Context, familyID string) {
	for _, c := range h.roomSockets(familyID) {
		c.removeFamily(familyID)
		h.leaveFamily(ctx, c, familyID)
	}
}
