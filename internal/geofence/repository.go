package geofence

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"
)

// PGRepository implements Repository using PostgreSQL.
type PGRepository struct {
	db  *pgxpool.Pool
	log zerolog.Logger
}

// NewPGRepository creates a new PostgreSQL-backed geofence repository.
func NewPGRepository(db *pgxpool.Pool, logger zerolog.Logger) *PGRepository {
	return &PGRepository{db: db, log: logger}
}

// GeofencesOf returns the enabled geofences of a family.
func (r *PGRepository) GeofencesOf(ctx context.Context, familyID string) ([]Geofence, error) {
	rows, err := r.db.Query(ctx,
		`SELECT id, family_id, name, center_lat, center_lon, radius_m, enabled
		 FROM geofences
		 WHERE family_id = $1 AND enabled = TRUE
		 ORDER BY created_at`, familyID)
	if err != nil {
		return nil, fmt.Errorf("query geofences: %w", err)
	}
	defer rows.Close()

	var fences []Geofence
	for rows.Next() {
		var g Geofence
		if err := rows.Scan(&g.ID, &g.FamilyID, &g.Name, &g.CenterLat, &g.CenterLon, &g.RadiusM, &g.Enabled); err != nil {
			return nil, fmt.Errorf("scan geofence: %w", err)
		}
		fences = append(fences, g)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate geofences: %w", err)
	}
	return fences, nil
}
