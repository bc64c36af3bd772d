package ghost

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/hearth-app/hearth-server/internal/kv"
)

// cacheTTL is the lifetime of cached ghost flags. Flags change rarely; explicit
// invalidation on change keeps the long TTL safe.
const cacheTTL = 30 * 24 * time.Hour

// FamilySource resolves the families a user belongs to, for cross-family
// invalidation. Satisfied by the membership cache.
type FamilySource interface {
	FamiliesOf(ctx context.Context, userID string) ([]string, error)
}

// Service answers effective-ghost queries and applies ghost-mode writes. Flags are
// cached as "1"/"0" strings under the 30-day TTL and invalidated on every change.
type Service struct {
	kv           *kv.Client
	repo         Repository
	families     FamilySource
	cacheEnabled bool
	log          zerolog.Logger
}

// NewService creates the ghost-mode service.
func NewService(kvc *kv.Client, repo Repository, families FamilySource, cacheEnabled bool, logger zerolog.Logger) *Service {
	return &Service{
		kv:           kvc,
		repo:         repo,
		families:     families,
		cacheEnabled: cacheEnabled,
		log:          logger.With().Str("component", "ghost").Logger(),
	}
}

// IsGhost returns whether the user is hidden from the family and which flag caused
// it. Cache checks run global first, then per-family; a full miss falls back to the
// repository and writes the answer back when it is affirmative.
func (s *Service) IsGhost(ctx context.Context, userID, familyID string) (State, error) {
	if s.cacheEnabled {
		if val, found, err := s.kv.GetString(ctx, GlobalKey(userID)); err != nil {
			s.log.Warn().Err(err).Str("user_id", userID).Msg("Global ghost cache read failed")
		} else if found && val == "1" {
			return State{Enabled: true, Scope: ScopeGlobal}, nil
		}

		if val, found, err := s.kv.GetString(ctx, FamilyKey(familyID, userID)); err != nil {
			s.log.Warn().Err(err).Str("user_id", userID).Msg("Family ghost cache read failed")
		} else if found && val == "1" {
			return State{Enabled: true, Scope: ScopeFamily}, nil
		}
	}

	state, err := s.repo.IsGhost(ctx, userID, familyID)
	if err != nil {
		// Fail open to visible: a privacy flag we cannot read must not block the
		// broadcast path, and the TTL-bounded cache self-heals once the repository
		// recovers.
		s.log.Warn().Err(err).Str("user_id", userID).Msg("Ghost lookup failed, treating as visible")
		return State{Enabled: false, Scope: ScopeNone}, nil
	}

	if state.Enabled && s.cacheEnabled {
		s.writeBack(ctx, userID, familyID, state)
	}
	return state, nil
}

// writeBack probes the full configuration so both flags land in the cache with the
// right values, not just the one that happened to answer.
func (s *Service) writeBack(ctx context.Context, userID, familyID string, state State) {
	modes, err := s.repo.GhostModesOf(ctx, userID)
	if err != nil {
		// Cache at least the effective answer under the scope we know.
		key := FamilyKey(familyID, userID)
		if state.Scope == ScopeGlobal {
			key = GlobalKey(userID)
		}
		if err := s.kv.Set(ctx, key, "1", cacheTTL); err != nil {
			s.log.Warn().Err(err).Str("user_id", userID).Msg("Ghost cache write failed")
		}
		return
	}

	if err := s.kv.Set(ctx, GlobalKey(userID), flag(modes.Global), cacheTTL); err != nil {
		s.log.Warn().Err(err).Str("user_id", userID).Msg("Ghost cache write failed")
	}
	if err := s.kv.Set(ctx, FamilyKey(familyID, userID), flag(modes.PerFamily[familyID]), cacheTTL); err != nil {
		s.log.Warn().Err(err).Str("user_id", userID).Msg("Ghost cache write failed")
	}
}

// GhostModesOf returns the user's full ghost configuration straight from the
// repository.
func (s *Service) GhostModesOf(ctx context.Context, userID string) (Modes, error) {
	return s.repo.GhostModesOf(ctx, userID)
}

// SetGlobal writes the global flag to the repository and refreshes the cache. The
// repository write is the durable contract: its failure fails the operation.
func (s *Service) SetGlobal(ctx context.Context, userID string, enabled bool) error {
	if err := s.repo.SetGlobal(ctx, userID, enabled); err != nil {
		return fmt.Errorf("persist global ghost mode: %w", err)
	}
	if s.cacheEnabled {
		if err := s.kv.Set(ctx, GlobalKey(userID), flag(enabled), cacheTTL); err != nil {
			s.log.Warn().Err(err).Str("user_id", userID).Msg("Ghost cache write failed")
		}
	}
	return nil
}

// SetFamily writes a per-family flag to the repository and refreshes the cache.
func (s *Service) SetFamily(ctx context.Context, userID, familyID string, enabled bool) error {
	if err := s.repo.SetFamily(ctx, userID, familyID, enabled); err != nil {
		return fmt.Errorf("persist family ghost mode: %w", err)
	}
	if s.cacheEnabled {
		if err := s.kv.Set(ctx, FamilyKey(familyID, userID), flag(enabled), cacheTTL); err != nil {
			s.log.Warn().Err(err).Str("user_id", userID).Msg("Ghost cache write failed")
		}
	}
	return nil
}

// InvalidateUser drops the user's cached flags across every family they belong to.
func (s *Service) InvalidateUser(ctx context.Context, userID string) error {
	if !s.cacheEnabled {
		return nil
	}
	familyIDs, err := s.families.FamiliesOf(ctx, userID)
	if err != nil {
		return fmt.Errorf("resolve families for ghost invalidation: %w", err)
	}
	keys := []string{GlobalKey(userID)}
	for _, fid := range familyIDs {
		keys = append(keys, FamilyKey(fid, userID))
	}
	return s.kv.Del(ctx, keys...)
}

// InvalidateFamily drops the family-scoped flags of the given members.
func (s *Service) InvalidateFamily(ctx context.Context, familyID string, memberIDs []string) error {
	if !s.cacheEnabled || len(memberIDs) == 0 {
		return nil
	}
	keys := make([]string, 0, len(memberIDs))
	for _, uid := range memberIDs {
		keys = append(keys, FamilyKey(familyID, uid))
	}
	return s.kv.Del(ctx, keys...)
}

func flag(b bool) string {
	if b {
		return "1"
	}
	return "0"
}
