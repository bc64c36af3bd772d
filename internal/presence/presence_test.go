package presence

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/rs/zerolog"

	"github.com/hearth-app/hearth-server/internal/kv"
)

func testStore(t *testing.T) (*Store, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	kvc, err := kv.Connect(context.Background(), "redis://"+mr.Addr(), 5*time.Second, zerolog.Nop())
	if err != nil {
		t.Fatalf("kv.Connect() error = %v", err)
	}
	t.Cleanup(func() { _ = kvc.Close() })
	return NewStore(kvc), mr
}

func TestSetOnlineIsOnline(t *testing.T) {
	t.Parallel()
	store, _ := testStore(t)
	ctx := context.Background()

	online, err := store.IsOnline(ctx, "u1", "f1")
	if err != nil || online {
		t.Fatalf("IsOnline() before SetOnline = (%v, %v), want (false, nil)", online, err)
	}

	if err := store.SetOnline(ctx, "u1", "f1"); err != nil {
		t.Fatalf("SetOnline() error = %v", err)
	}
	online, err = store.IsOnline(ctx, "u1", "f1")
	if err != nil || !online {
		t.Fatalf("IsOnline() = (%v, %v), want (true, nil)", online, err)
	}

	// Scoped per family.
	online, err = store.IsOnline(ctx, "u1", "f2")
	if err != nil || online {
		t.Fatalf("IsOnline() in other family = (%v, %v), want (false, nil)", online, err)
	}
}

func TestOnlineKeyExpires(t *testing.T) {
	t.Parallel()
	store, mr := testStore(t)
	ctx := context.Background()

	if err := store.SetOnline(ctx, "u1", "f1"); err != nil {
		t.Fatalf("SetOnline() error = %v", err)
	}

	mr.FastForward(TTL + time.Second)

	online, err := store.IsOnline(ctx, "u1", "f1")
	if err != nil || online {
		t.Fatalf("IsOnline() after TTL = (%v, %v), want (false, nil)", online, err)
	}
}

func TestRefresh_ExtendsTTL(t *testing.T) {
	t.Parallel()
	store, mr := testStore(t)
	ctx := context.Background()

	if err := store.SetOnline(ctx, "u1", "f1"); err != nil {
		t.Fatalf("SetOnline() error = %v", err)
	}

	mr.FastForward(TTL - 10*time.Second)
	if err := store.Refresh(ctx, "u1", "f1"); err != nil {
		t.Fatalf("Refresh() error = %v", err)
	}
	mr.FastForward(TTL - 10*time.Second)

	online, err := store.IsOnline(ctx, "u1", "f1")
	if err != nil || !online {
		t.Fatalf("IsOnline() after refresh = (%v, %v), want (true, nil)", online, err)
	}
}

func TestClear(t *testing.T) {
	t.Parallel()
	store, _ := testStore(t)
	ctx := context.Background()

	if err := store.SetOnline(ctx, "u1", "f1"); err != nil {
		t.Fatalf("SetOnline() error = %v", err)
	}
	if err := store.Clear(ctx, "u1", "f1"); err != nil {
		t.Fatalf("Clear() error = %v", err)
	}

	online, err := store.IsOnline(ctx, "u1", "f1")
	if err != nil || online {
		t.Fatalf("IsOnline() after Clear = (%v, %v), want (false, nil)", online, err)
	}
}

func TestOnlineMembers(t *testing.T) {
	t.Parallel()
	store, _ := testStore(t)
	ctx := context.Background()

	for _, uid := range []string{"u1", "u3"} {
		if err := store.SetOnline(ctx, uid, "f1"); err != nil {
			t.Fatalf("SetOnline(%s) error = %v", uid, err)
		}
	}

	online, err := store.OnlineMembers(ctx, "f1", []string{"u1", "u2", "u3", "u4"})
	if err != nil {
		t.Fatalf("OnlineMembers() error = %v", err)
	}
	if len(online) != 2 || online[0] != "u1" || online[1] != "u3" {
		t.Fatalf("OnlineMembers() = %v, want [u1 u3]", online)
	}

	online, err = store.OnlineMembers(ctx, "f1", nil)
	if err != nil || online != nil {
		t.Fatalf("OnlineMembers() with no members = (%v, %v), want (nil, nil)", online, err)
	}
}
