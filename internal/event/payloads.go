package event

// LocationUpdateData is broadcast on a family's location channel for every accepted
// sample. Coordinates are already masked for hidden users before publication.
type LocationUpdateData struct {
	UserID          string   `json:"user_id"`
	FamilyID        string   `json:"family_id"`
	Latitude        float64  `json:"latitude"`
	Longitude       float64  `json:"longitude"`
	Accuracy        float64  `json:"accuracy"`
	Altitude        *float64 `json:"altitude,omitempty"`
	Bearing         *float64 `json:"bearing,omitempty"`
	Speed           *float64 `json:"speed,omitempty"`
	Timestamp       int64    `json:"timestamp"`
	ServerTimestamp int64    `json:"server_timestamp"`
	BatteryLevel    int      `json:"battery_level"`
	BatteryState    string   `json:"battery_state,omitempty"`
	Ghost           bool     `json:"ghost,omitempty"`
}

// PresenceUpdateData is broadcast on the family's alerts channel when a member's
// online status changes.
type PresenceUpdateData struct {
	UserID    string `json:"user_id"`
	FamilyID  string `json:"family_id"`
	Status    string `json:"status"`
	Timestamp int64  `json:"timestamp"`
	LastSeen  int64  `json:"last_seen,omitempty"`
}

// GeofenceAlertData is broadcast on the family's alerts channel when a member crosses
// a geofence boundary. Transition is "enter" or "exit".
type GeofenceAlertData struct {
	UserID       string  `json:"user_id"`
	FamilyID     string  `json:"family_id"`
	GeofenceID   string  `json:"geofence_id"`
	GeofenceName string  `json:"geofence_name"`
	Transition   string  `json:"transition"`
	Latitude     float64 `json:"latitude"`
	Longitude    float64 `json:"longitude"`
	Timestamp    int64   `json:"timestamp"`
}

// GhostModeData is broadcast on the family's alerts channel when a member toggles
// ghost mode for that family or globally.
type GhostModeData struct {
	UserID   string `json:"user_id"`
	FamilyID string `json:"family_id,omitempty"`
	Enabled  bool   `json:"enabled"`
	Scope    string `json:"scope"`
}

// MemberChangeData describes a membership mutation: add, remove, or role update.
type MemberChangeData struct {
	UserID   string `json:"user_id"`
	FamilyID string `json:"family_id"`
	Role     string `json:"role,omitempty"`
}

// FamilyDeletedData announces the deletion of a whole family.
type FamilyDeletedData struct {
	FamilyID string `json:"family_id"`
}

// CacheRefreshedData announces that a family's cached views were force-refreshed.
type CacheRefreshedData struct {
	FamilyID string `json:"family_id"`
}

// NotificationData is delivered on a user's notification channel.
type NotificationData struct {
	UserID    string `json:"user_id"`
	Kind      string `json:"kind"`
	Title     string `json:"title"`
	Body      string `json:"body,omitempty"`
	Timestamp int64  `json:"timestamp"`
}
