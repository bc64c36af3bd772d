// Package presence provides ephemeral per-(user, family) online state. Presence keys
// expire after 2 minutes as a heartbeat safety net; the gateway refreshes them on
// heartbeats and clears them when a user's last socket leaves a family room.
package presence

import (
	"context"
	"fmt"
	"time"

	"github.com/hearth-app/hearth-server/internal/kv"
)

const (
	// TTL is the lifetime of an online key between heartbeats.
	TTL = 2 * time.Minute

	// StatusOnline marks an active connection joined to the family room.
	StatusOnline = "online"
	// StatusOffline is implied by a missing key. It is never stored.
	StatusOffline = "offline"
)

// Key is the cache key marking a user online within a family.
func Key(userID, familyID string) string {
	return "user:" + userID + ":family:" + familyID + ":online"
}

// Store reads and writes online state. Presence is derived per (user, family); a user
// with several concurrent sockets is online while at least one remains.
type Store struct {
	kv *kv.Client
}

// NewStore creates a presence store over the KV client.
func NewStore(kvc *kv.Client) *Store {
	return &Store{kv: kvc}
}

// SetOnline marks the user online within the family.
func (s *Store) SetOnline(ctx context.Context, userID, familyID string) error {
	if err := s.kv.Set(ctx, Key(userID, familyID), StatusOnline, TTL); err != nil {
		return fmt.Errorf("set presence for %s in %s: %w", userID, familyID, err)
	}
	return nil
}

// Refresh extends the TTL of an existing online key without rewriting it.
func (s *Store) Refresh(ctx context.Context, userID, familyID string) error {
	if err := s.kv.Expire(ctx, Key(userID, familyID), TTL); err != nil {
		return fmt.Errorf("refresh presence for %s in %s: %w", userID, familyID, err)
	}
	return nil
}

// Clear removes the online key. After clearing, the user is considered offline in
// that family.
func (s *Store) Clear(ctx context.Context, userID, familyID string) error {
	if err := s.kv.Del(ctx, Key(userID, familyID)); err != nil {
		return fmt.Errorf("clear presence for %s in %s: %w", userID, familyID, err)
	}
	return nil
}

// IsOnline reports whether the user currently holds an online key in the family.
func (s *Store) IsOnline(ctx context.Context, userID, familyID string) (bool, error) {
	ok, err := s.kv.Exists(ctx, Key(userID, familyID))
	if err != nil {
		return false, fmt.Errorf("check presence for %s in %s: %w", userID, familyID, err)
	}
	return ok, nil
}

// OnlineMembers returns the subset of memberIDs currently online in the family, in a
// single MGET round trip.
func (s *Store) OnlineMembers(ctx context.Context, familyID string, memberIDs []string) ([]string, error) {
	if len(memberIDs) == 0 {
		return nil, nil
	}
	keys := make([]string, len(memberIDs))
	for i, uid := range memberIDs {
		keys[i] = Key(uid, familyID)
	}
	_, found, err := s.kv.MGet(ctx, keys...)
	if err != nil {
		return nil, fmt.Errorf("mget presence: %w", err)
	}
	var online []string
	for i, ok := range found {
		if ok {
			online = append(online, memberIDs[i])
		}
	}
	return online, nil
}
