package gateway

import (
	"encoding/json"
)

// Inbound verbs. Everything except ping and authenticate requires an authenticated
// socket.
const (
	VerbAuthenticate  = "authenticate"
	VerbLocation      = "location_update"
	VerbPing          = "ping"
	VerbJoinFamily    = "join_family"
	VerbLeaveFamily   = "leave_family"
	VerbGhostMode     = "ghost_mode"
	VerbUserAdded     = "user_added_to_family"
	VerbUserRemoved   = "user_removed_from_family"
	VerbFamilyDeleted = "family_deleted"
	VerbRoleUpdated   = "member_role_updated"
	VerbRefreshCache  = "refresh_family_cache"
)

// Outbound-only event names. Broadcast events reuse the verb names; these are the
// direct replies.
const (
	EventConnected = "connected"
	EventPong      = "pong"
)

// ErrUnauthorizedFamily is the ack error for a verb naming a family the socket does
// not belong to. The socket stays open.
const ErrUnauthorizedFamily = "Unauthorized family access"

// Frame is the JSON message exchanged on the socket, both directions.
type Frame struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// NewFrame serialises an outbound frame.
func NewFrame(eventName string, data any) ([]byte, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return nil, err
	}
	return json.Marshal(Frame{Event: eventName, Data: raw})
}

// Ack is the reply to an inbound verb. The verb's ack event name is the verb with an
// "_ack" suffix.
type Ack struct {
	Success         bool   `json:"success"`
	Error           string `json:"error,omitempty"`
	FamilyID        string `json:"family_id,omitempty"`
	Message         string `json:"message,omitempty"`
	MessageID       string `json:"message_id,omitempty"`
	ServerTimestamp int64  `json:"server_ts_ms,omitempty"`
}

func ackEvent(verb string) string { return verb + "_ack" }

// ConnectedData is sent once after successful authentication.
type ConnectedData struct {
	UserID    string   `json:"user_id"`
	FamilyIDs []string `json:"family_ids"`
}

// PongData answers a ping.
type PongData struct {
	ServerTimestamp int64 `json:"server_ts_ms"`
}

// Inbound payloads.

type AuthenticateData struct {
	Token string `json:"token"`
}

type LocationData struct {
	FamilyID     string   `json:"family_id"`
	Latitude     float64  `json:"latitude"`
	Longitude    float64  `json:"longitude"`
	Accuracy     float64  `json:"accuracy"`
	Altitude     *float64 `json:"altitude,omitempty"`
	Bearing      *float64 `json:"bearing,omitempty"`
	Speed        *float64 `json:"speed,omitempty"`
	Timestamp    int64    `json:"client_ts_ms"`
	BatteryLevel int      `json:"battery_pct"`
	BatteryState string   `json:"battery_state,omitempty"`
}

type FamilyRefData struct {
	FamilyID string `json:"family_id"`
}

type GhostModeRequest struct {
	Enabled  bool   `json:"enabled"`
	Scope    string `json:"scope"`
	FamilyID string `json:"family_id,omitempty"`
}

type MemberAddData struct {
	FamilyID    string `json:"family_id"`
	AddedUserID string `json:"added_user_id"`
	Role        string `json:"role"`
}

type MemberRemoveData struct {
	FamilyID      string `json:"family_id"`
	RemovedUserID string `json:"removed_user_id"`
}

type RoleUpdateData struct {
	FamilyID string `json:"family_id"`
	UserID   string `json:"user_id"`
	NewRole  string `json:"new_role"`
}
