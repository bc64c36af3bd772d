package ghost

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"
)

// Repository is the ghost-mode persistence surface. The tenant handle serves these
// queries because every ghost-mode operation is initiated by the user it concerns.
type Repository interface {
	IsGhost(ctx context.Context, userID, familyID string) (State, error)
	GhostModesOf(ctx context.Context, userID string) (Modes, error)
	SetGlobal(ctx context.Context, userID string, enabled bool) error
	SetFamily(ctx context.Context, userID, familyID string, enabled bool) error
}

// Unavailable is the Repository used when no record-of-truth DSN is configured.
type Unavailable struct{}

func (Unavailable) IsGhost(context.Context, string, string) (State, error) {
	return State{}, ErrUnavailable
}
func (Unavailable) GhostModesOf(context.Context, string) (Modes, error) {
	return Modes{}, ErrUnavailable
}
func (Unavailable) SetGlobal(context.Context, string, bool) error        { return ErrUnavailable }
func (Unavailable) SetFamily(context.Context, string, string, bool) error { return ErrUnavailable }

// PGRepository implements Repository using PostgreSQL. Global flags are rows with a
// NULL family_id; per-family flags carry the family ID.
type PGRepository struct {
	db  *pgxpool.Pool
	log zerolog.Logger
}

// NewPGRepository creates a new PostgreSQL-backed ghost-mode repository.
func NewPGRepository(db *pgxpool.Pool, logger zerolog.Logger) *PGRepository {
	return &PGRepository{db: db, log: logger}
}

// IsGhost returns the effective ghost state for the pair: global wins over family.
func (r *PGRepository) IsGhost(ctx context.Context, userID, familyID string) (State, error) {
	modes, err := r.GhostModesOf(ctx, userID)
	if err != nil {
		return State{}, err
	}
	if modes.Global {
		return State{Enabled: true, Scope: ScopeGlobal}, nil
	}
	if modes.PerFamily[familyID] {
		return State{Enabled: true, Scope: ScopeFamily}, nil
	}
	return State{Enabled: false, Scope: ScopeNone}, nil
}

// GhostModesOf returns the user's full ghost configuration.
func (r *PGRepository) GhostModesOf(ctx context.Context, userID string) (Modes, error) {
	rows, err := r.db.Query(ctx,
		"SELECT family_id, enabled FROM ghost_modes WHERE user_id = $1", userID)
	if err != nil {
		return Modes{}, fmt.Errorf("query ghost modes: %w", err)
	}
	defer rows.Close()

	modes := Modes{PerFamily: make(map[string]bool)}
	for rows.Next() {
		var familyID *string
		var enabled bool
		if err := rows.Scan(&familyID, &enabled); err != nil {
			return Modes{}, fmt.Errorf("scan ghost mode: %w", err)
		}
		if familyID == nil {
			modes.Global = enabled
		} else {
			modes.PerFamily[*familyID] = enabled
		}
	}
	if err := rows.Err(); err != nil {
		return Modes{}, fmt.Errorf("iterate ghost modes: %w", err)
	}
	return modes, nil
}

// SetGlobal upserts the user's global ghost flag.
func (r *PGRepository) SetGlobal(ctx context.Context, userID string, enabled bool) error {
	_, err := r.db.Exec(ctx,
		`INSERT INTO ghost_modes (user_id, family_id, enabled) VALUES ($1, NULL, $2)
		 ON CONFLICT (user_id) WHERE family_id IS NULL
		 DO UPDATE SET enabled = EXCLUDED.enabled, updated_at = NOW()`,
		userID, enabled)
	if err != nil {
		return fmt.Errorf("set global ghost mode: %w", err)
	}
	return nil
}

// SetFamily upserts the user's per-family ghost flag.
func (r *PGRepository) SetFamily(ctx context.Context, userID, familyID string, enabled bool) error {
	_, err := r.db.Exec(ctx,
		`INSERT INTO ghost_modes (user_id, family_id, enabled) VALUES ($1, $2, $3)
		 ON CONFLICT (user_id, family_id) WHERE family_id IS NOT NULL
		 DO UPDATE SET enabled = EXCLUDED.enabled, updated_at = NOW()`,
		userID, familyID, enabled)
	if err != nil {
		return fmt.Errorf("set family ghost mode: %w", err)
	}
	return nil
}
