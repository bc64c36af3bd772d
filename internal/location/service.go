package location

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/hearth-app/hearth-server/internal/event"
	"github.com/hearth-app/hearth-server/internal/geofence"
	"github.com/hearth-app/hearth-server/internal/ghost"
	"github.com/hearth-app/hearth-server/internal/kv"
)

// geofenceStateTTL bounds how long a remembered inside/outside state survives
// without fresh samples. An expired state suppresses the next alert instead of
// guessing a transition.
const geofenceStateTTL = 24 * time.Hour

// MemberSource resolves the member IDs of a family. Satisfied by the membership
// cache.
type MemberSource interface {
	MemberIDs(ctx context.Context, familyID string) ([]string, error)
}

// Service runs the location pipeline. Ingest appends to the family log first; the
// append is the one step whose failure fails the call. Cache refresh, broadcast, and
// geofence evaluation degrade to warnings so a fan-out hiccup never loses a sample.
type Service struct {
	kv           *kv.Client
	members      MemberSource
	ghosts       *ghost.Service
	fences       *geofence.Cache
	cacheEnabled bool
	maxLogLen    int64
	log          zerolog.Logger

	mu      sync.Mutex
	appends map[string]int
}

// NewService creates the location service.
func NewService(kvc *kv.Client, members MemberSource, ghosts *ghost.Service, fences *geofence.Cache, cacheEnabled bool, maxLogLen int64, logger zerolog.Logger) *Service {
	return &Service{
		kv:           kvc,
		members:      members,
		ghosts:       ghosts,
		fences:       fences,
		cacheEnabled: cacheEnabled,
		maxLogLen:    maxLogLen,
		log:          logger.With().Str("component", "location").Logger(),
		appends:      make(map[string]int),
	}
}

// IngestResult reports the log position assigned to an accepted sample.
type IngestResult struct {
	MessageID       string `json:"message_id"`
	ServerTimestamp int64  `json:"server_timestamp"`
}

// Ingest validates and persists one sample, refreshes the latest-location cache,
// broadcasts a location_update on the family channel, and evaluates geofence
// transitions. Broadcast coordinates are masked when the sender is hidden from the
// family; the log always holds the raw sample.
func (s *Service) Ingest(ctx context.Context, sample Sample) (*IngestResult, error) {
	if err := sample.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %s", ErrBadSample, err)
	}
	sample.ServerTimestamp = time.Now().UnixMilli()

	id, err := s.kv.Append(ctx, LogKey(sample.FamilyID), sample.fields())
	if err != nil {
		return nil, fmt.Errorf("append location: %w", err)
	}
	s.maybeTrim(ctx, sample.FamilyID)

	if s.cacheEnabled {
		if err := s.kv.Set(ctx, LastKey(sample.UserID, sample.FamilyID), sample, lastLocationTTL); err != nil {
			s.log.Warn().Err(err).Str("user_id", sample.UserID).Msg("Latest-location cache write failed")
		}
	}

	state, err := s.ghosts.IsGhost(ctx, sample.UserID, sample.FamilyID)
	if err != nil {
		s.log.Warn().Err(err).Str("user_id", sample.UserID).Msg("Ghost check failed, broadcasting unmasked")
	}
	s.broadcast(ctx, sample, state.Enabled)
	s.evaluateGeofences(ctx, sample, state.Enabled)

	return &IngestResult{MessageID: id, ServerTimestamp: sample.ServerTimestamp}, nil
}

func (s *Service) broadcast(ctx context.Context, sample Sample, hidden bool) {
	out := sample
	if hidden {
		out.Latitude, out.Longitude, out.Accuracy = ghost.Mask(sample.Latitude, sample.Longitude)
		out.Altitude, out.Bearing, out.Speed = nil, nil, nil
	}
	payload := event.LocationUpdateData{
		UserID:          out.UserID,
		FamilyID:        out.FamilyID,
		Latitude:        out.Latitude,
		Longitude:       out.Longitude,
		Accuracy:        out.Accuracy,
		Altitude:        out.Altitude,
		Bearing:         out.Bearing,
		Speed:           out.Speed,
		Timestamp:       out.Timestamp,
		ServerTimestamp: out.ServerTimestamp,
		BatteryLevel:    out.BatteryLevel,
		BatteryState:    out.BatteryState,
		Ghost:           hidden,
	}
	env, err := event.NewEnvelope(event.LocationUpdate, payload)
	if err != nil {
		s.log.Error().Err(err).Msg("Location broadcast encode failed")
		return
	}
	if err := s.kv.Publish(ctx, event.LocationChannel(sample.FamilyID), env); err != nil {
		s.log.Warn().Err(err).Str("family_id", sample.FamilyID).Msg("Location broadcast failed")
	}
}

// evaluateGeofences compares the raw coordinates against the family's fences and
// publishes an alert on every inside/outside flip. Alerts are suppressed while the
// sender is hidden so masked broadcasts cannot be sharpened by boundary events. A
// fence first seen for the pair records state without alerting.
func (s *Service) evaluateGeofences(ctx context.Context, sample Sample, hidden bool) {
	fences, err := s.fences.GeofencesOf(ctx, sample.FamilyID)
	if err != nil || len(fences) == 0 {
		return
	}
	for _, fence := range fences {
		inside := fence.Contains(sample.Latitude, sample.Longitude)
		now := stateValue(inside)

		key := geofenceStateKey(sample.FamilyID, fence.ID, sample.UserID)
		prev, found, err := s.kv.GetString(ctx, key)
		if err != nil {
			s.log.Warn().Err(err).Str("geofence_id", fence.ID).Msg("Geofence state read failed")
			continue
		}
		if err := s.kv.Set(ctx, key, now, geofenceStateTTL); err != nil {
			s.log.Warn().Err(err).Str("geofence_id", fence.ID).Msg("Geofence state write failed")
		}
		if !found || prev == now || hidden {
			continue
		}

		transition := "exit"
		if inside {
			transition = "enter"
		}
		env, err := event.NewEnvelope(event.GeofenceAlert, event.GeofenceAlertData{
			UserID:       sample.UserID,
			FamilyID:     sample.FamilyID,
			GeofenceID:   fence.ID,
			GeofenceName: fence.Name,
			Transition:   transition,
			Latitude:     sample.Latitude,
			Longitude:    sample.Longitude,
			Timestamp:    sample.ServerTimestamp,
		})
		if err != nil {
			s.log.Error().Err(err).Msg("Geofence alert encode failed")
			continue
		}
		if err := s.kv.Publish(ctx, event.AlertsChannel(sample.FamilyID), env); err != nil {
			s.log.Warn().Err(err).Str("geofence_id", fence.ID).Msg("Geofence alert publish failed")
		}
	}
}

func geofenceStateKey(familyID, fenceID, userID string) string {
	return "geofence:state:" + familyID + ":" + fenceID + ":" + userID
}

func stateValue(inside bool) string {
	if inside {
		return "in"
	}
	return "out"
}

// maybeTrim trims the family log back to its soft cap every trimEvery appends. The
// counter is per process; with several instances the cadence tightens, which only
// trims more often.
func (s *Service) maybeTrim(ctx context.Context, familyID string) {
	s.mu.Lock()
	s.appends[familyID]++
	due := s.appends[familyID]%trimEvery == 0
	s.mu.Unlock()
	if !due {
		return
	}
	if err := s.kv.Trim(ctx, LogKey(familyID), s.maxLogLen); err != nil {
		s.log.Warn().Err(err).Str("family_id", familyID).Msg("Location log trim failed")
	}
}

// Page is one history read. LastID is the cursor for the next page; an empty LastID
// means the log end was reached within this read.
type Page struct {
	Samples []Sample `json:"locations"`
	LastID  string   `json:"last_id,omitempty"`
	Count   int      `json:"count"`
}

// History reads the family log strictly after afterID, oldest first. A non-empty
// userID filters to that member's samples; the cursor still advances over the whole
// log so pagination never stalls on a quiet member. Coordinates of hidden members
// are masked on egress.
func (s *Service) History(ctx context.Context, familyID, userID string, limit int, afterID string) (Page, error) {
	if limit <= 0 {
		limit = DefaultHistoryLimit
	}
	if limit > MaxHistoryLimit {
		limit = MaxHistoryLimit
	}
	if afterID == "" {
		afterID = kv.LogStart
	}

	entries, err := s.kv.ReadLog(ctx, LogKey(familyID), afterID, int64(limit))
	if err != nil {
		return Page{}, fmt.Errorf("read location history: %w", err)
	}

	page := Page{Samples: make([]Sample, 0, len(entries))}
	hidden := make(map[string]bool)
	for _, e := range entries {
		page.LastID = e.ID
		sample, err := sampleFromEntry(e)
		if err != nil {
			s.log.Warn().Err(err).Str("entry_id", e.ID).Msg("Skipping undecodable location record")
			continue
		}
		if userID != "" && sample.UserID != userID {
			continue
		}
		page.Samples = append(page.Samples, s.maskForEgress(ctx, sample, hidden))
	}
	page.Count = len(page.Samples)
	return page, nil
}

// AllCurrent returns the latest known location of every family member, cache first.
// Members missing from the cache are recovered by a newest-first scan of the log and
// re-cached. Members with no record at all are omitted.
func (s *Service) AllCurrent(ctx context.Context, familyID string) ([]Sample, error) {
	memberIDs, err := s.members.MemberIDs(ctx, familyID)
	if err != nil {
		return nil, fmt.Errorf("resolve members: %w", err)
	}
	if len(memberIDs) == 0 {
		return nil, nil
	}

	latest := make(map[string]Sample, len(memberIDs))
	missing := memberIDs
	if s.cacheEnabled {
		missing = missing[:0:0]
		keys := make([]string, len(memberIDs))
		for i, uid := range memberIDs {
			keys[i] = LastKey(uid, familyID)
		}
		vals, found, err := s.kv.MGet(ctx, keys...)
		if err != nil {
			s.log.Warn().Err(err).Str("family_id", familyID).Msg("Latest-location cache read failed")
			missing = memberIDs
		} else {
			for i, uid := range memberIDs {
				if !found[i] {
					missing = append(missing, uid)
					continue
				}
				var sample Sample
				if err := unmarshalSample(vals[i], &sample); err != nil {
					s.log.Warn().Err(err).Str("user_id", uid).Msg("Dropping corrupt cached location")
					missing = append(missing, uid)
					continue
				}
				latest[uid] = sample
			}
		}
	}

	if len(missing) > 0 {
		s.recoverFromLog(ctx, familyID, missing, latest)
	}

	hidden := make(map[string]bool)
	out := make([]Sample, 0, len(latest))
	for _, uid := range memberIDs {
		sample, ok := latest[uid]
		if !ok {
			continue
		}
		out = append(out, s.maskForEgress(ctx, sample, hidden))
	}
	return out, nil
}

// recoverFromLog scans the family log newest first and fills latest for the wanted
// members, re-caching what it finds.
func (s *Service) recoverFromLog(ctx context.Context, familyID string, wanted []string, latest map[string]Sample) {
	want := make(map[string]bool, len(wanted))
	for _, uid := range wanted {
		want[uid] = true
	}

	entries, err := s.kv.ReadLogReverse(ctx, LogKey(familyID), recoverScan)
	if err != nil {
		s.log.Warn().Err(err).Str("family_id", familyID).Msg("Latest-location log recovery failed")
		return
	}
	for _, e := range entries {
		if len(want) == 0 {
			break
		}
		sample, err := sampleFromEntry(e)
		if err != nil || !want[sample.UserID] {
			continue
		}
		delete(want, sample.UserID)
		latest[sample.UserID] = sample
		if s.cacheEnabled {
			if err := s.kv.Set(ctx, LastKey(sample.UserID, familyID), sample, lastLocationTTL); err != nil {
				s.log.Warn().Err(err).Str("user_id", sample.UserID).Msg("Latest-location cache write failed")
			}
		}
	}
}

// maskForEgress coarsens a sample when its owner is hidden from the family. The
// hidden map memoises ghost checks per user within one read.
func (s *Service) maskForEgress(ctx context.Context, sample Sample, hidden map[string]bool) Sample {
	isHidden, checked := hidden[sample.UserID]
	if !checked {
		state, err := s.ghosts.IsGhost(ctx, sample.UserID, sample.FamilyID)
		if err != nil {
			s.log.Warn().Err(err).Str("user_id", sample.UserID).Msg("Ghost check failed on egress")
		}
		isHidden = state.Enabled
		hidden[sample.UserID] = isHidden
	}
	if !isHidden {
		return sample
	}
	sample.Latitude, sample.Longitude, sample.Accuracy = ghost.Mask(sample.Latitude, sample.Longitude)
	sample.Altitude, sample.Bearing, sample.Speed = nil, nil, nil
	return sample
}
