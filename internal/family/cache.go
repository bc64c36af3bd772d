package family

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/hearth-app/hearth-server/internal/geofence"
	"github.com/hearth-app/hearth-server/internal/ghost"
	"github.com/hearth-app/hearth-server/internal/kv"
	"github.com/hearth-app/hearth-server/internal/location"
	"github.com/hearth-app/hearth-server/internal/presence"
)

// membershipTTL bounds the staleness of cached membership views. Mutations initiated
// through the gateway invalidate explicitly; out-of-band database edits are only
// bounded by this TTL.
const membershipTTL = time.Hour

// MembersKey is the cache key holding a family's member list.
func MembersKey(familyID string) string { return "family:" + familyID + ":members" }

// FamiliesKey is the cache key holding the list of family IDs a user belongs to.
func FamiliesKey(userID string) string { return "user:" + userID + ":families" }

// RoleKey is the cache key holding a user's role within a family.
func RoleKey(userID, familyID string) string {
	return "user:" + userID + ":family:" + familyID + ":role"
}

// Cache is the read-through membership cache. Getters check Redis first and fall back
// to the repository via the admin handle, writing successful results back. On a
// repository error the getter logs and returns an empty result; errors are never
// cached and fake data is never minted. With the cache disabled every call goes
// straight to the repository.
type Cache struct {
	kv      *kv.Client
	repo    Repository
	enabled bool
	log     zerolog.Logger
}

// NewCache creates the membership cache over the given repository (admin handle).
func NewCache(kvc *kv.Client, repo Repository, enabled bool, logger zerolog.Logger) *Cache {
	return &Cache{
		kv:      kvc,
		repo:    repo,
		enabled: enabled,
		log:     logger.With().Str("component", "family-cache").Logger(),
	}
}

// MembersOf returns the family's member list.
func (c *Cache) MembersOf(ctx context.Context, familyID string) ([]Member, error) {
	if c.enabled {
		var members []Member
		found, err := c.kv.GetJSON(ctx, MembersKey(familyID), &members)
		if err != nil {
			c.log.Warn().Err(err).Str("family_id", familyID).Msg("Member cache read failed")
		} else if found {
			return members, nil
		}
	}

	members, err := c.repo.MembersOf(ctx, familyID)
	if err != nil {
		c.log.Warn().Err(err).Str("family_id", familyID).Msg("Member lookup failed, returning empty")
		return nil, nil
	}

	if c.enabled {
		if err := c.kv.Set(ctx, MembersKey(familyID), members, membershipTTL); err != nil {
			c.log.Warn().Err(err).Str("family_id", familyID).Msg("Member cache write failed")
		}
	}
	return members, nil
}

// FamiliesOf returns the IDs of every family the user belongs to.
func (c *Cache) FamiliesOf(ctx context.Context, userID string) ([]string, error) {
	if c.enabled {
		var familyIDs []string
		found, err := c.kv.GetJSON(ctx, FamiliesKey(userID), &familyIDs)
		if err != nil {
			c.log.Warn().Err(err).Str("user_id", userID).Msg("Family list cache read failed")
		} else if found {
			return familyIDs, nil
		}
	}

	familyIDs, err := c.repo.FamiliesOf(ctx, userID)
	if err != nil {
		c.log.Warn().Err(err).Str("user_id", userID).Msg("Family list lookup failed, returning empty")
		return nil, nil
	}

	if c.enabled {
		if err := c.kv.Set(ctx, FamiliesKey(userID), familyIDs, membershipTTL); err != nil {
			c.log.Warn().Err(err).Str("user_id", userID).Msg("Family list cache write failed")
		}
	}
	return familyIDs, nil
}

// MemberIDs returns the user IDs of the family's members.
func (c *Cache) MemberIDs(ctx context.Context, familyID string) ([]string, error) {
	members, err := c.MembersOf(ctx, familyID)
	if err != nil {
		return nil, err
	}
	ids := make([]string, len(members))
	for i, m := range members {
		ids[i] = m.UserID
	}
	return ids, nil
}

// RoleOf returns the user's role within the family. The second return value is false
// when the user is not a member.
func (c *Cache) RoleOf(ctx context.Context, userID, familyID string) (Role, bool, error) {
	if c.enabled {
		val, found, err := c.kv.GetString(ctx, RoleKey(userID, familyID))
		if err != nil {
			c.log.Warn().Err(err).Str("user_id", userID).Msg("Role cache read failed")
		} else if found {
			return Role(val), true, nil
		}
	}

	role, err := c.repo.RoleOf(ctx, userID, familyID)
	if err != nil {
		// ErrNotFound is a definitive "not a member". Any other failure means
		// membership could not be determined, and callers must not treat it as a
		// denial.
		if errors.Is(err, ErrNotFound) {
			return "", false, nil
		}
		return "", false, fmt.Errorf("resolve member role: %w", err)
	}

	if c.enabled {
		if err := c.kv.Set(ctx, RoleKey(userID, familyID), string(role), membershipTTL); err != nil {
			c.log.Warn().Err(err).Str("user_id", userID).Msg("Role cache write failed")
		}
	}
	return role, true, nil
}

// Mutations write through to the repository (tenant handle) first, then apply the
// matching composite invalidation. Two repository outcomes are tolerated rather than
// surfaced: ErrUnavailable, because a cache-only deployment keeps the record of truth
// out of band, and the idempotency sentinels (ErrAlreadyMember, ErrNotFound), because
// membership events may be delivered more than once.

// AddMember persists a new membership row and drops the affected cached views.
func (c *Cache) AddMember(ctx context.Context, familyID, userID string, role Role) error {
	if err := c.repo.AddMember(ctx, familyID, userID, role); err != nil {
		switch {
		case errors.Is(err, ErrAlreadyMember):
			c.log.Debug().Str("user_id", userID).Str("family_id", familyID).Msg("Member already present, invalidating anyway")
		case errors.Is(err, ErrUnavailable):
			c.log.Warn().Str("user_id", userID).Str("family_id", familyID).Msg("Membership write skipped, repository unavailable")
		default:
			return err
		}
	}
	return c.OnUserJoined(ctx, userID, familyID)
}

// RemoveMember deletes a membership row and drops the user's cached views in the
// family, including the derived location and presence keys.
func (c *Cache) RemoveMember(ctx context.Context, familyID, userID string) error {
	if err := c.repo.RemoveMember(ctx, familyID, userID); err != nil {
		switch {
		case errors.Is(err, ErrNotFound):
			c.log.Debug().Str("user_id", userID).Str("family_id", familyID).Msg("Member already gone, invalidating anyway")
		case errors.Is(err, ErrUnavailable):
			c.log.Warn().Str("user_id", userID).Str("family_id", familyID).Msg("Membership delete skipped, repository unavailable")
		default:
			return err
		}
	}
	return c.OnUserLeft(ctx, userID, familyID)
}

// UpdateRole persists a role change and drops the cached role and member list.
func (c *Cache) UpdateRole(ctx context.Context, familyID, userID string, role Role) error {
	if err := c.repo.UpdateRole(ctx, familyID, userID, role); err != nil {
		switch {
		case errors.Is(err, ErrNotFound):
			c.log.Debug().Str("user_id", userID).Str("family_id", familyID).Msg("Role update for unknown member, invalidating anyway")
		case errors.Is(err, ErrUnavailable):
			c.log.Warn().Str("user_id", userID).Str("family_id", familyID).Msg("Role update skipped, repository unavailable")
		default:
			return err
		}
	}
	if err := c.InvalidateRole(ctx, userID, familyID); err != nil {
		return err
	}
	return c.InvalidateMembers(ctx, familyID)
}

// DeleteFamily removes the family row (memberships cascade) and drops every cached
// view tied to it. The member snapshot must be taken by the caller before the delete.
func (c *Cache) DeleteFamily(ctx context.Context, familyID string, members []Member) error {
	if err := c.repo.DeleteFamily(ctx, familyID); err != nil {
		switch {
		case errors.Is(err, ErrNotFound):
			c.log.Debug().Str("family_id", familyID).Msg("Family already gone, invalidating anyway")
		case errors.Is(err, ErrUnavailable):
			c.log.Warn().Str("family_id", familyID).Msg("Family delete skipped, repository unavailable")
		default:
			return err
		}
	}
	return c.OnFamilyDeleted(ctx, familyID, members)
}

// Invalidate drops individual cached views.

func (c *Cache) InvalidateMembers(ctx context.Context, familyID string) error {
	if !c.enabled {
		return nil
	}
	return c.kv.Del(ctx, MembersKey(familyID))
}

func (c *Cache) InvalidateFamilies(ctx context.Context, userID string) error {
	if !c.enabled {
		return nil
	}
	return c.kv.Del(ctx, FamiliesKey(userID))
}

func (c *Cache) InvalidateRole(ctx context.Context, userID, familyID string) error {
	if !c.enabled {
		return nil
	}
	return c.kv.Del(ctx, RoleKey(userID, familyID))
}

// OnUserJoined applies the composite invalidation for a user joining a family.
func (c *Cache) OnUserJoined(ctx context.Context, userID, familyID string) error {
	if !c.enabled {
		return nil
	}
	return c.kv.Del(ctx, FamiliesKey(userID), MembersKey(familyID))
}

// OnUserLeft applies the composite invalidation for a user leaving a family: the
// membership views plus the user's per-family role, latest location, and presence.
func (c *Cache) OnUserLeft(ctx context.Context, userID, familyID string) error {
	if !c.enabled {
		return nil
	}
	return c.kv.Del(ctx,
		FamiliesKey(userID),
		MembersKey(familyID),
		RoleKey(userID, familyID),
		location.LastKey(userID, familyID),
		presence.Key(userID, familyID),
	)
}

// OnFamilyDeleted drops every cached view tied to the family. The member snapshot must
// be taken by the caller before the repository delete; it drives the per-member keys.
func (c *Cache) OnFamilyDeleted(ctx context.Context, familyID string, members []Member) error {
	if !c.enabled {
		return nil
	}
	keys := []string{MembersKey(familyID), geofence.CacheKey(familyID)}
	for _, m := range members {
		keys = append(keys,
			RoleKey(m.UserID, familyID),
			location.LastKey(m.UserID, familyID),
			presence.Key(m.UserID, familyID),
			FamiliesKey(m.UserID),
			ghost.FamilyKey(familyID, m.UserID),
		)
	}
	return c.kv.Del(ctx, keys...)
}

// OnUserDeleted drops every cached view tied to the user across the given families.
func (c *Cache) OnUserDeleted(ctx context.Context, userID string, familyIDs []string) error {
	if !c.enabled {
		return nil
	}
	keys := []string{FamiliesKey(userID), ghost.GlobalKey(userID)}
	for _, fid := range familyIDs {
		keys = append(keys,
			RoleKey(userID, fid),
			location.LastKey(userID, fid),
			presence.Key(userID, fid),
			ghost.FamilyKey(fid, userID),
			MembersKey(fid),
		)
	}
	return c.kv.Del(ctx, keys...)
}

// RefreshFamily drops and immediately re-populates the family's member list, for
// callers that need fresh data on the next read without a miss round-trip.
func (c *Cache) RefreshFamily(ctx context.Context, familyID string) ([]Member, error) {
	if err := c.InvalidateMembers(ctx, familyID); err != nil {
		c.log.Warn().Err(err).Str("family_id", familyID).Msg("Member cache invalidation failed")
	}
	return c.MembersOf(ctx, familyID)
}
