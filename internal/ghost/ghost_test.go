package ghost

import (
	"context"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/rs/zerolog"

	"github.com/hearth-app/hearth-server/internal/kv"
)

func TestMask_DisplacementWithinBand(t *testing.T) {
	t.Parallel()

	const lat, lon = 48.2082, 16.3738
	for i := 0; i < 1000; i++ {
		mLat, mLon, acc := Mask(lat, lon)
		if acc != MaskedAccuracyM {
			t.Fatalf("accuracy = %v, want %v", acc, MaskedAccuracyM)
		}
		r := math.Hypot(mLat-lat, mLon-lon)
		if r < minMaskDeg || r >= maxMaskDeg {
			t.Fatalf("displacement %v degrees outside [%v, %v)", r, minMaskDeg, maxMaskDeg)
		}
	}
}

func TestMask_AngularSpread(t *testing.T) {
	t.Parallel()

	// The displacement direction must not be biased to one quadrant.
	var quadrants [4]int
	for i := 0; i < 4000; i++ {
		mLat, mLon, _ := Mask(0, 0)
		q := 0
		if mLat < 0 {
			q += 2
		}
		if mLon < 0 {
			q++
		}
		quadrants[q]++
	}
	for q, n := range quadrants {
		if n < 500 {
			t.Fatalf("quadrant %d hit only %d of 4000 times", q, n)
		}
	}
}

type fakeRepo struct {
	mu    sync.Mutex
	modes map[string]Modes
	calls int
	fail  bool
}

func newFakeRepo() *fakeRepo { return &fakeRepo{modes: make(map[string]Modes)} }

func (f *fakeRepo) GhostModesOf(_ context.Context, userID string) (Modes, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.fail {
		return Modes{}, ErrUnavailable
	}
	m, ok := f.modes[userID]
	if !ok {
		return Modes{PerFamily: map[string]bool{}}, nil
	}
	return m, nil
}

func (f *fakeRepo) IsGhost(ctx context.Context, userID, familyID string) (State, error) {
	modes, err := f.GhostModesOf(ctx, userID)
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

func (f *fakeRepo) SetGlobal(_ context.Context, userID string, enabled bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail {
		return ErrUnavailable
	}
	m := f.modes[userID]
	if m.PerFamily == nil {
		m.PerFamily = map[string]bool{}
	}
	m.Global = enabled
	f.modes[userID] = m
	return nil
}

func (f *fakeRepo) SetFamily(_ context.Context, userID, familyID string, enabled bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail {
		return ErrUnavailable
	}
	m := f.modes[userID]
	if m.PerFamily == nil {
		m.PerFamily = map[string]bool{}
	}
	m.PerFamily[familyID] = enabled
	f.modes[userID] = m
	return nil
}

type staticFamilies map[string][]string

func (s staticFamilies) FamiliesOf(_ context.Context, userID string) ([]string, error) {
	return s[userID], nil
}

func testService(t *testing.T, repo Repository, enabled bool) (*Service, *kv.Client, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	kvc, err := kv.Connect(context.Background(), "redis://"+mr.Addr(), 5*time.Second, zerolog.Nop())
	if err != nil {
		t.Fatalf("kv.Connect() error = %v", err)
	}
	t.Cleanup(func() { _ = kvc.Close() })
	families := staticFamilies{"u1": {"f1", "f2"}}
	return NewService(kvc, repo, families, enabled, zerolog.Nop()), kvc, mr
}

func TestIsGhost_CachedGlobalFlagShortCircuits(t *testing.T) {
	t.Parallel()
	repo := newFakeRepo()
	svc, kvc, _ := testService(t, repo, true)
	ctx := context.Background()

	if err := kvc.Set(ctx, GlobalKey("u1"), "1", time.Hour); err != nil {
		t.Fatalf("Set() error = %v", err)
	}

	state, err := svc.IsGhost(ctx, "u1", "f1")
	if err != nil {
		t.Fatalf("IsGhost() error = %v", err)
	}
	if !state.Enabled || state.Scope != ScopeGlobal {
		t.Fatalf("IsGhost() = %+v, want global ghost", state)
	}
	repo.mu.Lock()
	calls := repo.calls
	repo.mu.Unlock()
	if calls != 0 {
		t.Errorf("repository hit %d times, want 0 on cache hit", calls)
	}
}

func TestIsGhost_FamilyFlagFromRepositoryWithWriteBack(t *testing.T) {
	t.Parallel()
	repo := newFakeRepo()
	repo.modes["u1"] = Modes{PerFamily: map[string]bool{"f1": true}}
	svc, _, mr := testService(t, repo, true)
	ctx := context.Background()

	state, err := svc.IsGhost(ctx, "u1", "f1")
	if err != nil {
		t.Fatalf("IsGhost() error = %v", err)
	}
	if !state.Enabled || state.Scope != ScopeFamily {
		t.Fatalf("IsGhost() = %+v, want family ghost", state)
	}

	// The write-back caches both flags with their true values.
	if got, _ := mr.Get(GlobalKey("u1")); got != "0" {
		t.Errorf("cached global flag = %q, want \"0\"", got)
	}
	if got, _ := mr.Get(FamilyKey("f1", "u1")); got != "1" {
		t.Errorf("cached family flag = %q, want \"1\"", got)
	}
}

func TestIsGhost_RepositoryErrorFailsOpenToVisible(t *testing.T) {
	t.Parallel()
	repo := newFakeRepo()
	repo.fail = true
	svc, _, _ := testService(t, repo, true)

	state, err := svc.IsGhost(context.Background(), "u1", "f1")
	if err != nil {
		t.Fatalf("IsGhost() error = %v", err)
	}
	if state.Enabled {
		t.Fatal("IsGhost() = hidden on repository error, want visible")
	}
}

func TestSetGlobal_PersistsAndCaches(t *testing.T) {
	t.Parallel()
	repo := newFakeRepo()
	svc, _, mr := testService(t, repo, true)
	ctx := context.Background()

	if err := svc.SetGlobal(ctx, "u1", true); err != nil {
		t.Fatalf("SetGlobal() error = %v", err)
	}

	repo.mu.Lock()
	global := repo.modes["u1"].Global
	repo.mu.Unlock()
	if !global {
		t.Error("global flag not persisted")
	}
	if got, _ := mr.Get(GlobalKey("u1")); got != "1" {
		t.Errorf("cached global flag = %q, want \"1\"", got)
	}
}

func TestSetGlobal_RepositoryFailureFailsOperation(t *testing.T) {
	t.Parallel()
	repo := newFakeRepo()
	repo.fail = true
	svc, _, mr := testService(t, repo, true)

	if err := svc.SetGlobal(context.Background(), "u1", true); err == nil {
		t.Fatal("SetGlobal() expected error when the repository write fails")
	}
	if mr.Exists(GlobalKey("u1")) {
		t.Error("cache written despite failed repository write")
	}
}

func TestSetFamily_PersistsAndCaches(t *testing.T) {
	t.Parallel()
	repo := newFakeRepo()
	svc, _, mr := testService(t, repo, true)
	ctx := context.Background()

	if err := svc.SetFamily(ctx, "u1", "f1", true); err != nil {
		t.Fatalf("SetFamily() error = %v", err)
	}
	if got, _ := mr.Get(FamilyKey("f1", "u1")); got != "1" {
		t.Errorf("cached family flag = %q, want \"1\"", got)
	}

	state, err := svc.IsGhost(ctx, "u1", "f1")
	if err != nil || !state.Enabled || state.Scope != ScopeFamily {
		t.Fatalf("IsGhost() after SetFamily = (%+v, %v)", state, err)
	}

	// The flag is scoped to f1 only.
	state, err = svc.IsGhost(ctx, "u1", "f2")
	if err != nil || state.Enabled {
		t.Fatalf("IsGhost() in other family = (%+v, %v), want visible", state, err)
	}
}

func TestInvalidateUser_DropsAllFlags(t *testing.T) {
	t.Parallel()
	repo := newFakeRepo()
	svc, kvc, mr := testService(t, repo, true)
	ctx := context.Background()

	keys := []string{GlobalKey("u1"), FamilyKey("f1", "u1"), FamilyKey("f2", "u1")}
	for _, k := range keys {
		if err := kvc.Set(ctx, k, "1", time.Hour); err != nil {
			t.Fatalf("Set(%s) error = %v", k, err)
		}
	}

	if err := svc.InvalidateUser(ctx, "u1"); err != nil {
		t.Fatalf("InvalidateUser() error = %v", err)
	}
	for _, k := range keys {
		if mr.Exists(k) {
			t.Errorf("key %s survived invalidation", k)
		}
	}
}

func TestIsGhost_CacheDisabledHitsRepository(t *testing.T) {
	t.Parallel()
	repo := newFakeRepo()
	repo.modes["u1"] = Modes{Global: true, PerFamily: map[string]bool{}}
	svc, _, mr := testService(t, repo, false)

	state, err := svc.IsGhost(context.Background(), "u1", "f1")
	if err != nil || !state.Enabled {
		t.Fatalf("IsGhost() = (%+v, %v), want global ghost", state, err)
	}
	if mr.Exists(GlobalKey("u1")) {
		t.Error("cache written with caching disabled")
	}
}
