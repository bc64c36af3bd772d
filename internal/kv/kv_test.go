package kv

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/rs/zerolog"
)

func testClient(t *testing.T) (*Client, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client, err := Connect(context.Background(), "redis://"+mr.Addr(), 5*time.Second, zerolog.Nop())
	if err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	t.Cleanup(func() { _ = client.Close() })
	return client, mr
}

func TestConnect(t *testing.T) {
	t.Parallel()
	client, _ := testClient(t)

	if err := client.Ping(context.Background()); err != nil {
		t.Fatalf("Ping() error = %v", err)
	}
}

func TestConnect_InvalidURL(t *testing.T) {
	t.Parallel()

	_, err := Connect(context.Background(), "://missing-scheme", 5*time.Second, zerolog.Nop())
	if err == nil {
		t.Fatal("Connect() expected error for invalid URL, got nil")
	}
}

func TestConnect_UnreachableHost(t *testing.T) {
	t.Parallel()

	_, err := Connect(context.Background(), "redis://localhost:1", 100*time.Millisecond, zerolog.Nop())
	if err == nil {
		t.Fatal("Connect() expected error for unreachable host, got nil")
	}
}

func TestSetGetString(t *testing.T) {
	t.Parallel()
	client, _ := testClient(t)
	ctx := context.Background()

	if err := client.Set(ctx, "k", "v", time.Minute); err != nil {
		t.Fatalf("Set() error = %v", err)
	}

	val, found, err := client.GetString(ctx, "k")
	if err != nil {
		t.Fatalf("GetString() error = %v", err)
	}
	if !found || val != "v" {
		t.Fatalf("GetString() = (%q, %v), want (\"v\", true)", val, found)
	}

	_, found, err = client.GetString(ctx, "absent")
	if err != nil {
		t.Fatalf("GetString() error = %v", err)
	}
	if found {
		t.Fatal("GetString() found = true for absent key")
	}
}

func TestSetGetJSON(t *testing.T) {
	t.Parallel()
	client, _ := testClient(t)
	ctx := context.Background()

	type record struct {
		Name  string `json:"name"`
		Count int    `json:"count"`
	}

	if err := client.Set(ctx, "rec", record{Name: "a", Count: 3}, time.Minute); err != nil {
		t.Fatalf("Set() error = %v", err)
	}

	var got record
	found, err := client.GetJSON(ctx, "rec", &got)
	if err != nil {
		t.Fatalf("GetJSON() error = %v", err)
	}
	if !found {
		t.Fatal("GetJSON() found = false")
	}
	if got.Name != "a" || got.Count != 3 {
		t.Fatalf("GetJSON() = %+v, want {a 3}", got)
	}

	found, err = client.GetJSON(ctx, "absent", &got)
	if err != nil {
		t.Fatalf("GetJSON() error = %v", err)
	}
	if found {
		t.Fatal("GetJSON() found = true for absent key")
	}
}

func TestSet_TTLExpiry(t *testing.T) {
	t.Parallel()
	client, mr := testClient(t)
	ctx := context.Background()

	if err := client.Set(ctx, "k", "v", time.Minute); err != nil {
		t.Fatalf("Set() error = %v", err)
	}

	mr.FastForward(2 * time.Minute)

	_, found, err := client.GetString(ctx, "k")
	if err != nil {
		t.Fatalf("GetString() error = %v", err)
	}
	if found {
		t.Fatal("key survived its TTL")
	}
}

func TestDelExists(t *testing.T) {
	t.Parallel()
	client, _ := testClient(t)
	ctx := context.Background()

	if err := client.Set(ctx, "k", "v", time.Minute); err != nil {
		t.Fatalf("Set() error = %v", err)
	}
	ok, err := client.Exists(ctx, "k")
	if err != nil || !ok {
		t.Fatalf("Exists() = (%v, %v), want (true, nil)", ok, err)
	}

	if err := client.Del(ctx, "k", "also-absent"); err != nil {
		t.Fatalf("Del() error = %v", err)
	}
	ok, err = client.Exists(ctx, "k")
	if err != nil || ok {
		t.Fatalf("Exists() after Del = (%v, %v), want (false, nil)", ok, err)
	}
}

func TestIncr(t *testing.T) {
	t.Parallel()
	client, _ := testClient(t)
	ctx := context.Background()

	for want := int64(1); want <= 3; want++ {
		n, err := client.Incr(ctx, "counter")
		if err != nil {
			t.Fatalf("Incr() error = %v", err)
		}
		if n != want {
			t.Fatalf("Incr() = %d, want %d", n, want)
		}
	}
}

func TestSetNX(t *testing.T) {
	t.Parallel()
	client, _ := testClient(t)
	ctx := context.Background()

	ok, err := client.SetNX(ctx, "lock", "1", time.Minute)
	if err != nil || !ok {
		t.Fatalf("SetNX() first = (%v, %v), want (true, nil)", ok, err)
	}
	ok, err = client.SetNX(ctx, "lock", "2", time.Minute)
	if err != nil || ok {
		t.Fatalf("SetNX() second = (%v, %v), want (false, nil)", ok, err)
	}
}

func TestMGetMSet(t *testing.T) {
	t.Parallel()
	client, _ := testClient(t)
	ctx := context.Background()

	if err := client.MSet(ctx, map[string]any{"a": "1", "b": "2"}); err != nil {
		t.Fatalf("MSet() error = %v", err)
	}

	vals, found, err := client.MGet(ctx, "a", "missing", "b")
	if err != nil {
		t.Fatalf("MGet() error = %v", err)
	}
	if !found[0] || found[1] || !found[2] {
		t.Fatalf("MGet() found = %v, want [true false true]", found)
	}
	if vals[0] != "1" || vals[2] != "2" {
		t.Fatalf("MGet() vals = %v", vals)
	}
}

func TestExpire(t *testing.T) {
	t.Parallel()
	client, mr := testClient(t)
	ctx := context.Background()

	if err := client.Set(ctx, "k", "v", time.Minute); err != nil {
		t.Fatalf("Set() error = %v", err)
	}
	if err := client.Expire(ctx, "k", time.Hour); err != nil {
		t.Fatalf("Expire() error = %v", err)
	}

	mr.FastForward(30 * time.Minute)
	ok, err := client.Exists(ctx, "k")
	if err != nil || !ok {
		t.Fatalf("key expired despite extended TTL: (%v, %v)", ok, err)
	}
}

func TestScanDel(t *testing.T) {
	t.Parallel()
	client, _ := testClient(t)
	ctx := context.Background()

	for _, k := range []string{"pre:a", "pre:b", "other"} {
		if err := client.Set(ctx, k, "v", time.Minute); err != nil {
			t.Fatalf("Set() error = %v", err)
		}
	}

	if err := client.ScanDel(ctx, "pre:*"); err != nil {
		t.Fatalf("ScanDel() error = %v", err)
	}

	for k, want := range map[string]bool{"pre:a": false, "pre:b": false, "other": true} {
		ok, err := client.Exists(ctx, k)
		if err != nil {
			t.Fatalf("Exists(%s) error = %v", k, err)
		}
		if ok != want {
			t.Fatalf("Exists(%s) = %v, want %v", k, ok, want)
		}
	}
}
