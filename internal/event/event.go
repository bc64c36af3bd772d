// Package event defines the fan-out bus channels, the dispatch event types, and the
// payloads carried on them. One message published on a family or user channel is
// delivered to every server instance, which forwards it to the locally connected
// sockets of the matching room or user.
package event

import (
	"encoding/json"
	"strings"
)

// Type identifies a dispatch event.
type Type string

const (
	Connected           Type = "connected"
	LocationUpdate      Type = "location_update"
	PresenceUpdate      Type = "presence_update"
	GeofenceAlert       Type = "geofence_alert"
	GhostMode           Type = "ghost_mode"
	FamilyMemberAdded   Type = "family_member_added"
	FamilyMemberRemoved Type = "family_member_removed"
	FamilyDeleted       Type = "family_deleted"
	MemberRoleUpdated   Type = "member_role_updated"
	CacheRefreshed      Type = "cache_refreshed"
	Notification        Type = "notification"
)

// Channel kinds routed by the bus dispatcher. Patterns use a single wildcard on the
// ID segment; the other segments match literally.
const (
	LocationPattern     = "family:*:location"
	AlertsPattern       = "family:*:alerts"
	NotificationPattern = "user:*:notifications"
)

// LocationChannel carries location_update events for one family.
func LocationChannel(familyID string) string { return "family:" + familyID + ":location" }

// AlertsChannel carries geofence alerts, presence transitions, membership mutations,
// and ghost-mode toggles for one family.
func AlertsChannel(familyID string) string { return "family:" + familyID + ":alerts" }

// NotificationChannel carries targeted notifications for one user, delivered to all
// of that user's sockets.
func NotificationChannel(userID string) string { return "user:" + userID + ":notifications" }

// ParseFamilyChannel extracts the family ID from a "family:<fid>:location" or
// "family:<fid>:alerts" channel name.
func ParseFamilyChannel(channel string) (familyID string, ok bool) {
	rest, found := strings.CutPrefix(channel, "family:")
	if !found {
		return "", false
	}
	fid, suffix, found := strings.Cut(rest, ":")
	if !found || fid == "" || (suffix != "location" && suffix != "alerts") {
		return "", false
	}
	return fid, true
}

// ParseUserChannel extracts the user ID from a "user:<uid>:notifications" channel
// name.
func ParseUserChannel(channel string) (userID string, ok bool) {
	rest, found := strings.CutPrefix(channel, "user:")
	if !found {
		return "", false
	}
	uid, suffix, found := strings.Cut(rest, ":")
	if !found || uid == "" || suffix != "notifications" {
		return "", false
	}
	return uid, true
}

// Envelope is the JSON structure published on bus channels.
type Envelope struct {
	Type Type            `json:"t"`
	Data json.RawMessage `json:"d"`
}

// NewEnvelope serialises an event for publication.
func NewEnvelope(eventType Type, data any) ([]byte, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return nil, err
	}
	return json.Marshal(Envelope{Type: eventType, Data: raw})
}
