package geofence

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/hearth-app/hearth-server/internal/kv"
)

// cacheTTL bounds the staleness of cached geofence lists.
const cacheTTL = time.Hour

// Cache is the read-through geofence cache over the admin repository handle. Repo
// errors degrade to an empty fence list and are never cached.
type Cache struct {
	kv      *kv.Client
	repo    Repository
	enabled bool
	log     zerolog.Logger
}

// NewCache creates the geofence cache.
func NewCache(kvc *kv.Client, repo Repository, enabled bool, logger zerolog.Logger) *Cache {
	return &Cache{
		kv:      kvc,
		repo:    repo,
		enabled: enabled,
		log:     logger.With().Str("component", "geofence-cache").Logger(),
	}
}

// GeofencesOf returns the family's enabled geofences.
func (c *Cache) GeofencesOf(ctx context.Context, familyID string) ([]Geofence, error) {
	if c.enabled {
		var fences []Geofence
		found, err := c.kv.GetJSON(ctx, CacheKey(familyID), &fences)
		if err != nil {
			c.log.Warn().Err(err).Str("family_id", familyID).Msg("Geofence cache read failed")
		} else if found {
			return fences, nil
		}
	}

	fences, err := c.repo.GeofencesOf(ctx, familyID)
	if err != nil {
		c.log.Warn().Err(err).Str("family_id", familyID).Msg("Geofence lookup failed, returning empty")
		return nil, nil
	}

	if c.enabled {
		if err := c.kv.Set(ctx, CacheKey(familyID), fences, cacheTTL); err != nil {
			c.log.Warn().Err(err).Str("family_id", familyID).Msg("Geofence cache write failed")
		}
	}
	return fences, nil
}

// Invalidate drops the family's cached geofence list.
func (c *Cache) Invalidate(ctx context.Context, familyID string) error {
	if !c.enabled {
		return nil
	}
	return c.kv.Del(ctx, CacheKey(familyID))
}
