// Package geofence holds per-family circular geofences and their cache. Fences are
// authoritative in PostgreSQL; the ingest path evaluates them against incoming
// location samples to produce enter/exit alerts.
package geofence

import (
	"context"
	"errors"
	"math"
)

// ErrUnavailable indicates the record of truth is not configured or unreachable.
var ErrUnavailable = errors.New("geofence repository unavailable")

// earthRadiusM is the mean Earth radius used for haversine distances.
const earthRadiusM = 6371000.0

// Geofence is a circular region attached to a family.
type Geofence struct {
	ID        string  `json:"id"`
	FamilyID  string  `json:"family_id"`
	Name      string  `json:"name"`
	CenterLat float64 `json:"center_lat"`
	CenterLon float64 `json:"center_lon"`
	RadiusM   float64 `json:"radius_m"`
	Enabled   bool    `json:"enabled"`
}

// Contains reports whether the point lies within the fence radius.
func (g *Geofence) Contains(lat, lon float64) bool {
	return haversineM(g.CenterLat, g.CenterLon, lat, lon) <= g.RadiusM
}

// haversineM returns the great-circle distance between two points in metres.
func haversineM(lat1, lon1, lat2, lon2 float64) float64 {
	const degToRad = math.Pi / 180
	phi1 := lat1 * degToRad
	phi2 := lat2 * degToRad
	dPhi := (lat2 - lat1) * degToRad
	dLambda := (lon2 - lon1) * degToRad

	a := math.Sin(dPhi/2)*math.Sin(dPhi/2) +
		math.Cos(phi1)*math.Cos(phi2)*math.Sin(dLambda/2)*math.Sin(dLambda/2)
	return 2 * earthRadiusM * math.Asin(math.Sqrt(a))
}

// CacheKey is the cache key holding a family's enabled geofences.
func CacheKey(familyID string) string { return "geofence:" + familyID }

// Repository is the geofence query surface consumed by the core.
type Repository interface {
	GeofencesOf(ctx context.Context, familyID string) ([]Geofence, error)
}

// Unavailable is the Repository used when no record-of-truth DSN is configured.
type Unavailable struct{}

func (Unavailable) GeofencesOf(context.Context, string) ([]Geofence, error) {
	return nil, ErrUnavailable
}
