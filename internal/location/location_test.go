package location

import (
	"context"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/rs/zerolog"

	"github.com/hearth-app/hearth-server/internal/geofence"
	"github.com/hearth-app/hearth-server/internal/ghost"
	"github.com/hearth-app/hearth-server/internal/kv"
)

type staticMembers map[string][]string

func (s staticMembers) MemberIDs(_ context.Context, familyID string) ([]string, error) {
	return s[familyID], nil
}

type staticFamilies []string

func (s staticFamilies) FamiliesOf(context.Context, string) ([]string, error) { return s, nil }

// ghostRepo marks listed users globally hidden.
type ghostRepo struct{ hidden map[string]bool }

func (g ghostRepo) IsGhost(_ context.Context, userID, _ string) (ghost.State, error) {
	if g.hidden[userID] {
		return ghost.State{Enabled: true, Scope: ghost.ScopeGlobal}, nil
	}
	return ghost.State{Enabled: false, Scope: ghost.ScopeNone}, nil
}

func (g ghostRepo) GhostModesOf(_ context.Context, userID string) (ghost.Modes, error) {
	return ghost.Modes{Global: g.hidden[userID], PerFamily: map[string]bool{}}, nil
}

func (ghostRepo) SetGlobal(context.Context, string, bool) error        { return nil }
func (ghostRepo) SetFamily(context.Context, string, string, bool) error { return nil }

type fenceRepo struct{ fences []geofence.Geofence }

func (f fenceRepo) GeofencesOf(context.Context, string) ([]geofence.Geofence, error) {
	return f.fences, nil
}

type testEnv struct {
	svc *Service
	kv  *kv.Client
	mr  *miniredis.Miniredis
}

func newTestEnv(t *testing.T, hidden map[string]bool, fences []geofence.Geofence, members map[string][]string) testEnv {
	t.Helper()
	mr := miniredis.RunT(t)
	kvc, err := kv.Connect(context.Background(), "redis://"+mr.Addr(), 5*time.Second, zerolog.Nop())
	if err != nil {
		t.Fatalf("kv.Connect() error = %v", err)
	}
	t.Cleanup(func() { _ = kvc.Close() })

	ghosts := ghost.NewService(kvc, ghostRepo{hidden: hidden}, staticFamilies{"f1"}, false, zerolog.Nop())
	fenceCache := geofence.NewCache(kvc, fenceRepo{fences: fences}, true, zerolog.Nop())
	svc := NewService(kvc, staticMembers(members), ghosts, fenceCache, true, 10000, zerolog.Nop())
	return testEnv{svc: svc, kv: kvc, mr: mr}
}

func validSample(userID string) Sample {
	return Sample{
		UserID:       userID,
		FamilyID:     "f1",
		Latitude:     48.2082,
		Longitude:    16.3738,
		Accuracy:     12.5,
		Timestamp:    1700000000000,
		BatteryLevel: 80,
	}
}

func TestSampleValidate(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name   string
		mutate func(*Sample)
		wantOK bool
	}{
		{"valid", func(*Sample) {}, true},
		{"missing user", func(s *Sample) { s.UserID = "" }, false},
		{"missing family", func(s *Sample) { s.FamilyID = "" }, false},
		{"latitude too high", func(s *Sample) { s.Latitude = 90.1 }, false},
		{"latitude too low", func(s *Sample) { s.Latitude = -90.1 }, false},
		{"longitude too high", func(s *Sample) { s.Longitude = 181 }, false},
		{"negative accuracy", func(s *Sample) { s.Accuracy = -1 }, false},
		{"battery over 100", func(s *Sample) { s.BatteryLevel = 101 }, false},
		{"battery negative", func(s *Sample) { s.BatteryLevel = -1 }, false},
		{"boundary coordinates", func(s *Sample) { s.Latitude, s.Longitude = -90, 180 }, true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			s := validSample("u1")
			tc.mutate(&s)
			err := s.Validate()
			if tc.wantOK && err != nil {
				t.Errorf("Validate() error = %v, want nil", err)
			}
			if !tc.wantOK && err == nil {
				t.Error("Validate() = nil, want error")
			}
		})
	}
}

func TestIngestThenHistory(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t, nil, nil, nil)
	ctx := context.Background()

	result, err := env.svc.Ingest(ctx, validSample("u1"))
	if err != nil {
		t.Fatalf("Ingest() error = %v", err)
	}
	if result.MessageID == "" || result.ServerTimestamp == 0 {
		t.Fatalf("Ingest() result = %+v", result)
	}

	page, err := env.svc.History(ctx, "f1", "", 0, "")
	if err != nil {
		t.Fatalf("History() error = %v", err)
	}
	if page.Count != 1 {
		t.Fatalf("History() count = %d, want 1", page.Count)
	}
	got := page.Samples[0]
	if got.UserID != "u1" || got.Latitude != 48.2082 || got.Longitude != 16.3738 {
		t.Fatalf("History() sample = %+v", got)
	}
	if got.Accuracy != 12.5 || got.BatteryLevel != 80 || got.Timestamp != 1700000000000 {
		t.Fatalf("History() sample fields = %+v", got)
	}
	if got.ServerTimestamp != result.ServerTimestamp {
		t.Fatalf("server timestamp = %d, want %d", got.ServerTimestamp, result.ServerTimestamp)
	}
	if page.LastID != result.MessageID {
		t.Fatalf("LastID = %s, want %s", page.LastID, result.MessageID)
	}
}

func TestIngest_RejectsBadSample(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t, nil, nil, nil)

	s := validSample("u1")
	s.Latitude = 91
	if _, err := env.svc.Ingest(context.Background(), s); err == nil {
		t.Fatal("Ingest() accepted an out-of-range sample")
	}

	n, err := env.kv.LogLen(context.Background(), LogKey("f1"))
	if err != nil || n != 0 {
		t.Fatalf("log length = (%d, %v), want (0, nil)", n, err)
	}
}

func TestHistory_CursorPagination(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t, nil, nil, nil)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		if _, err := env.svc.Ingest(ctx, validSample("u1")); err != nil {
			t.Fatalf("Ingest() error = %v", err)
		}
	}

	first, err := env.svc.History(ctx, "f1", "", 2, "")
	if err != nil || first.Count != 2 {
		t.Fatalf("History() first page = (%+v, %v)", first, err)
	}

	second, err := env.svc.History(ctx, "f1", "", 10, first.LastID)
	if err != nil {
		t.Fatalf("History() second page error = %v", err)
	}
	if second.Count != 3 {
		t.Fatalf("History() second page count = %d, want 3", second.Count)
	}

	// The cursor is exclusive; no entry appears on both pages.
	done, err := env.svc.History(ctx, "f1", "", 10, second.LastID)
	if err != nil || done.Count != 0 {
		t.Fatalf("History() past the end = (%+v, %v), want empty", done, err)
	}
}

func TestHistory_UserFilterAdvancesCursor(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t, nil, nil, nil)
	ctx := context.Background()

	for _, uid := range []string{"u1", "u2", "u2", "u1"} {
		if _, err := env.svc.Ingest(ctx, validSample(uid)); err != nil {
			t.Fatalf("Ingest() error = %v", err)
		}
	}

	page, err := env.svc.History(ctx, "f1", "u2", 10, "")
	if err != nil {
		t.Fatalf("History() error = %v", err)
	}
	if page.Count != 2 {
		t.Fatalf("History() filtered count = %d, want 2", page.Count)
	}
	for _, s := range page.Samples {
		if s.UserID != "u2" {
			t.Fatalf("filtered page contains %s", s.UserID)
		}
	}
	// The cursor tracks the raw log, not the filtered view.
	tail, err := env.svc.History(ctx, "f1", "u2", 10, page.LastID)
	if err != nil || tail.Count != 0 {
		t.Fatalf("History() after cursor = (%+v, %v), want empty", tail, err)
	}
}

func TestHistory_BatteryDefaultsForLegacyRecords(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t, nil, nil, nil)
	ctx := context.Background()

	// A record written before battery tracking existed.
	if _, err := env.kv.Append(ctx, LogKey("f1"), map[string]any{
		"user_id":   "u1",
		"family_id": "f1",
		"latitude":  "48.2",
		"longitude": "16.4",
	}); err != nil {
		t.Fatalf("Append() error = %v", err)
	}

	page, err := env.svc.History(ctx, "f1", "", 10, "")
	if err != nil || page.Count != 1 {
		t.Fatalf("History() = (%+v, %v)", page, err)
	}
	if page.Samples[0].BatteryLevel != 100 {
		t.Fatalf("battery level = %d, want default 100", page.Samples[0].BatteryLevel)
	}
}

func TestHistory_SkipsUndecodableRecords(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t, nil, nil, nil)
	ctx := context.Background()

	if _, err := env.kv.Append(ctx, LogKey("f1"), map[string]any{
		"user_id":  "u1",
		"latitude": "not-a-number",
	}); err != nil {
		t.Fatalf("Append() error = %v", err)
	}
	if _, err := env.svc.Ingest(ctx, validSample("u2")); err != nil {
		t.Fatalf("Ingest() error = %v", err)
	}

	page, err := env.svc.History(ctx, "f1", "", 10, "")
	if err != nil {
		t.Fatalf("History() error = %v", err)
	}
	if page.Count != 1 || page.Samples[0].UserID != "u2" {
		t.Fatalf("History() = %+v, want only the decodable record", page)
	}
}

func TestIngest_ConcurrentAppendsGetDistinctIDs(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t, nil, nil, nil)

	const n = 20
	ids := make([]string, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			result, err := env.svc.Ingest(context.Background(), validSample("u"+strconv.Itoa(i)))
			if err != nil {
				t.Errorf("Ingest() error = %v", err)
				return
			}
			ids[i] = result.MessageID
		}(i)
	}
	wg.Wait()

	seen := make(map[string]bool, n)
	for _, id := range ids {
		if id == "" {
			t.Fatal("missing message ID")
		}
		if seen[id] {
			t.Fatalf("duplicate message ID %s", id)
		}
		seen[id] = true
	}

	count, err := env.kv.LogLen(context.Background(), LogKey("f1"))
	if err != nil || count != n {
		t.Fatalf("log length = (%d, %v), want (%d, nil)", count, err, n)
	}
}

func TestIngest_CachesLatestLocation(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t, nil, nil, nil)
	ctx := context.Background()

	if _, err := env.svc.Ingest(ctx, validSample("u1")); err != nil {
		t.Fatalf("Ingest() error = %v", err)
	}
	if !env.mr.Exists(LastKey("u1", "f1")) {
		t.Fatal("latest location was not cached")
	}

	// The cache entry is TTL-bounded.
	env.mr.FastForward(lastLocationTTL + time.Second)
	if env.mr.Exists(LastKey("u1", "f1")) {
		t.Fatal("latest location survived its TTL")
	}
}

func TestAllCurrent(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t, nil, nil, map[string][]string{"f1": {"u1", "u2", "u3"}})
	ctx := context.Background()

	for _, uid := range []string{"u1", "u2"} {
		if _, err := env.svc.Ingest(ctx, validSample(uid)); err != nil {
			t.Fatalf("Ingest() error = %v", err)
		}
	}

	samples, err := env.svc.AllCurrent(ctx, "f1")
	if err != nil {
		t.Fatalf("AllCurrent() error = %v", err)
	}
	// u3 has never reported and is omitted.
	if len(samples) != 2 {
		t.Fatalf("AllCurrent() = %d samples, want 2", len(samples))
	}
	if samples[0].UserID != "u1" || samples[1].UserID != "u2" {
		t.Fatalf("AllCurrent() = %+v", samples)
	}
}

func TestAllCurrent_RecoversFromLogAfterCacheExpiry(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t, nil, nil, map[string][]string{"f1": {"u1"}})
	ctx := context.Background()

	if _, err := env.svc.Ingest(ctx, validSample("u1")); err != nil {
		t.Fatalf("Ingest() error = %v", err)
	}

	env.mr.FastForward(lastLocationTTL + time.Second)

	samples, err := env.svc.AllCurrent(ctx, "f1")
	if err != nil {
		t.Fatalf("AllCurrent() error = %v", err)
	}
	if len(samples) != 1 || samples[0].UserID != "u1" {
		t.Fatalf("AllCurrent() after expiry = %+v, want the log-recovered sample", samples)
	}
	// Recovery re-caches the entry.
	if !env.mr.Exists(LastKey("u1", "f1")) {
		t.Error("recovered location was not re-cached")
	}
}

func TestEgressMasking_HiddenUser(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t, map[string]bool{"u1": true}, nil, map[string][]string{"f1": {"u1", "u2"}})
	ctx := context.Background()

	alt := 170.0
	hidden := validSample("u1")
	hidden.Altitude = &alt
	if _, err := env.svc.Ingest(ctx, hidden); err != nil {
		t.Fatalf("Ingest() error = %v", err)
	}
	if _, err := env.svc.Ingest(ctx, validSample("u2")); err != nil {
		t.Fatalf("Ingest() error = %v", err)
	}

	samples, err := env.svc.AllCurrent(ctx, "f1")
	if err != nil || len(samples) != 2 {
		t.Fatalf("AllCurrent() = (%d, %v)", len(samples), err)
	}

	for _, s := range samples {
		switch s.UserID {
		case "u1":
			if s.Latitude == 48.2082 && s.Longitude == 16.3738 {
				t.Error("hidden user's coordinates were not masked")
			}
			if s.Accuracy != ghost.MaskedAccuracyM {
				t.Errorf("hidden user's accuracy = %v, want %v", s.Accuracy, ghost.MaskedAccuracyM)
			}
			if s.Altitude != nil {
				t.Error("hidden user's altitude leaked through masking")
			}
		case "u2":
			if s.Latitude != 48.2082 || s.Accuracy != 12.5 {
				t.Errorf("visible user's sample altered: %+v", s)
			}
		}
	}

	// The log itself keeps the raw coordinates.
	page, err := env.svc.History(ctx, "f1", "u1", 10, "")
	if err != nil || page.Count != 1 {
		t.Fatalf("History() = (%+v, %v)", page, err)
	}
	if page.Samples[0].Accuracy != ghost.MaskedAccuracyM {
		t.Error("history egress for a hidden user must be masked too")
	}
	entries, err := env.kv.ReadLog(ctx, LogKey("f1"), kv.LogStart, 10)
	if err != nil {
		t.Fatalf("ReadLog() error = %v", err)
	}
	if entries[0].Fields["latitude"] != "48.2082" {
		t.Errorf("raw log latitude = %q, want the unmasked value", entries[0].Fields["latitude"])
	}
}

func TestIngest_TrimsLogAtCadence(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t, nil, nil, nil)
	env.svc.maxLogLen = 10
	ctx := context.Background()

	for i := 0; i < trimEvery; i++ {
		if _, err := env.svc.Ingest(ctx, validSample("u1")); err != nil {
			t.Fatalf("Ingest() error = %v", err)
		}
	}

	n, err := env.kv.LogLen(ctx, LogKey("f1"))
	if err != nil {
		t.Fatalf("LogLen() error = %v", err)
	}
	if n != 10 {
		t.Fatalf("log length = %d, want 10 after trim", n)
	}
}

func TestIngest_GeofenceStateTracksTransitions(t *testing.T) {
	t.Parallel()
	fence := geofence.Geofence{
		ID: "g1", FamilyID: "f1", Name: "Home",
		CenterLat: 48.2082, CenterLon: 16.3738, RadiusM: 200, Enabled: true,
	}
	env := newTestEnv(t, nil, []geofence.Geofence{fence}, nil)
	ctx := context.Background()

	// First sample far outside records state without alerting.
	outside := validSample("u1")
	outside.Latitude = 48.30
	if _, err := env.svc.Ingest(ctx, outside); err != nil {
		t.Fatalf("Ingest() error = %v", err)
	}
	if got, _ := env.mr.Get(geofenceStateKey("f1", "g1", "u1")); got != "out" {
		t.Fatalf("state after outside sample = %q, want \"out\"", got)
	}

	// Moving inside flips the state.
	if _, err := env.svc.Ingest(ctx, validSample("u1")); err != nil {
		t.Fatalf("Ingest() error = %v", err)
	}
	if got, _ := env.mr.Get(geofenceStateKey("f1", "g1", "u1")); got != "in" {
		t.Fatalf("state after inside sample = %q, want \"in\"", got)
	}
}
