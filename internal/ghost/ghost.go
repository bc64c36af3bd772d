// Package ghost implements per-user location privacy. A user may hide from all
// families (global flag) or from individual families; the effective rule is a logical
// OR. Hidden users still have raw samples written to the family log, but broadcast and
// read-egress coordinates are coarsened by Mask.
package ghost

import (
	"errors"
	"math"
	"math/rand/v2"
)

// Scope identifies which flag made a user hidden.
type Scope string

const (
	ScopeGlobal Scope = "global"
	ScopeFamily Scope = "family"
	ScopeNone   Scope = "none"
)

// ErrUnavailable indicates the record of truth is not configured or unreachable.
var ErrUnavailable = errors.New("ghost-mode repository unavailable")

// State is the effective ghost-mode answer for a (user, family) pair.
type State struct {
	Enabled bool  `json:"enabled"`
	Scope   Scope `json:"scope"`
}

// Modes is the full ghost-mode configuration of a user.
type Modes struct {
	Global    bool            `json:"global"`
	PerFamily map[string]bool `json:"per_family"`
}

// GlobalKey is the cache key for a user's global ghost flag ("1" or "0").
func GlobalKey(userID string) string { return "ghost:global:" + userID }

// FamilyKey is the cache key for a user's per-family ghost flag ("1" or "0").
func FamilyKey(familyID, userID string) string {
	return "ghost:family:" + familyID + ":" + userID
}

// Masking displaces broadcast coordinates by 500–1000 m, approximated as
// 0.005–0.010 degrees with an isotropic angle, and forces the reported accuracy
// to MaskedAccuracyM.
const (
	MaskedAccuracyM = 1000.0
	minMaskDeg      = 0.005
	maxMaskDeg      = 0.010
)

// Mask returns the coarsened coordinates and the accuracy to report for a hidden
// user's broadcast.
func Mask(lat, lon float64) (maskedLat, maskedLon, accuracyM float64) {
	r := minMaskDeg + rand.Float64()*(maxMaskDeg-minMaskDeg)
	theta := rand.Float64() * 2 * math.Pi
	return lat + r*math.Sin(theta), lon + r*math.Cos(theta), MaskedAccuracyM
}
