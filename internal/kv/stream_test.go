package kv

import (
	"context"
	"strconv"
	"testing"
)

func appendN(t *testing.T, client *Client, logKey string, n int) []string {
	t.Helper()
	ids := make([]string, n)
	for i := range ids {
		id, err := client.Append(context.Background(), logKey, map[string]any{
			"seq": strconv.Itoa(i),
		})
		if err != nil {
			t.Fatalf("Append() error = %v", err)
		}
		ids[i] = id
	}
	return ids
}

func TestAppendReadLog(t *testing.T) {
	t.Parallel()
	client, _ := testClient(t)
	ctx := context.Background()

	ids := appendN(t, client, "log", 5)

	entries, err := client.ReadLog(ctx, "log", LogStart, 10)
	if err != nil {
		t.Fatalf("ReadLog() error = %v", err)
	}
	if len(entries) != 5 {
		t.Fatalf("ReadLog() returned %d entries, want 5", len(entries))
	}
	for i, e := range entries {
		if e.ID != ids[i] {
			t.Fatalf("entry %d ID = %s, want %s", i, e.ID, ids[i])
		}
		if e.Fields["seq"] != strconv.Itoa(i) {
			t.Fatalf("entry %d seq = %q", i, e.Fields["seq"])
		}
	}
}

func TestReadLog_CursorIsExclusive(t *testing.T) {
	t.Parallel()
	client, _ := testClient(t)
	ctx := context.Background()

	ids := appendN(t, client, "log", 5)

	entries, err := client.ReadLog(ctx, "log", ids[1], 10)
	if err != nil {
		t.Fatalf("ReadLog() error = %v", err)
	}
	if len(entries) != 3 {
		t.Fatalf("ReadLog() after %s returned %d entries, want 3", ids[1], len(entries))
	}
	if entries[0].ID != ids[2] {
		t.Fatalf("first entry = %s, want %s", entries[0].ID, ids[2])
	}
}

func TestReadLog_Limit(t *testing.T) {
	t.Parallel()
	client, _ := testClient(t)
	ctx := context.Background()

	appendN(t, client, "log", 5)

	entries, err := client.ReadLog(ctx, "log", LogStart, 2)
	if err != nil {
		t.Fatalf("ReadLog() error = %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("ReadLog() returned %d entries, want 2", len(entries))
	}
}

func TestReadLogReverse(t *testing.T) {
	t.Parallel()
	client, _ := testClient(t)
	ctx := context.Background()

	ids := appendN(t, client, "log", 5)

	entries, err := client.ReadLogReverse(ctx, "log", 2)
	if err != nil {
		t.Fatalf("ReadLogReverse() error = %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("ReadLogReverse() returned %d entries, want 2", len(entries))
	}
	if entries[0].ID != ids[4] || entries[1].ID != ids[3] {
		t.Fatalf("ReadLogReverse() order = [%s %s], want [%s %s]",
			entries[0].ID, entries[1].ID, ids[4], ids[3])
	}
}

func TestLogLenTrim(t *testing.T) {
	t.Parallel()
	client, _ := testClient(t)
	ctx := context.Background()

	appendN(t, client, "log", 10)

	n, err := client.LogLen(ctx, "log")
	if err != nil || n != 10 {
		t.Fatalf("LogLen() = (%d, %v), want (10, nil)", n, err)
	}

	if err := client.Trim(ctx, "log", 4); err != nil {
		t.Fatalf("Trim() error = %v", err)
	}
	n, err = client.LogLen(ctx, "log")
	if err != nil || n != 4 {
		t.Fatalf("LogLen() after Trim = (%d, %v), want (4, nil)", n, err)
	}

	// The oldest entries are dropped, not the newest.
	entries, err := client.ReadLog(ctx, "log", LogStart, 10)
	if err != nil {
		t.Fatalf("ReadLog() error = %v", err)
	}
	if entries[0].Fields["seq"] != "6" {
		t.Fatalf("oldest surviving seq = %q, want \"6\"", entries[0].Fields["seq"])
	}
}

func TestCreateGroup_Idempotent(t *testing.T) {
	t.Parallel()
	client, _ := testClient(t)
	ctx := context.Background()

	if err := client.CreateGroup(ctx, "log", "g", "$"); err != nil {
		t.Fatalf("CreateGroup() error = %v", err)
	}
	if err := client.CreateGroup(ctx, "log", "g", "$"); err != nil {
		t.Fatalf("CreateGroup() second call error = %v", err)
	}
}

func TestReadGroupAck(t *testing.T) {
	t.Parallel()
	client, _ := testClient(t)
	ctx := context.Background()

	if err := client.CreateGroup(ctx, "log", "g", "$"); err != nil {
		t.Fatalf("CreateGroup() error = %v", err)
	}
	ids := appendN(t, client, "log", 3)

	entries, err := client.ReadGroup(ctx, "log", "g", "c1", 10, -1)
	if err != nil {
		t.Fatalf("ReadGroup() error = %v", err)
	}
	if len(entries) != 3 {
		t.Fatalf("ReadGroup() returned %d entries, want 3", len(entries))
	}
	if entries[0].ID != ids[0] {
		t.Fatalf("first entry = %s, want %s", entries[0].ID, ids[0])
	}

	if err := client.Ack(ctx, "log", "g", ids[0], ids[1], ids[2]); err != nil {
		t.Fatalf("Ack() error = %v", err)
	}

	// Everything delivered and acknowledged; a fresh read yields nothing new.
	entries, err = client.ReadGroup(ctx, "log", "g", "c1", 10, -1)
	if err != nil {
		t.Fatalf("ReadGroup() error = %v", err)
	}
	if len(entries) != 0 {
		t.Fatalf("ReadGroup() after Ack returned %d entries, want 0", len(entries))
	}
}

func TestAck_NoIDs(t *testing.T) {
	t.Parallel()
	client, _ := testClient(t)

	if err := client.Ack(context.Background(), "log", "g"); err != nil {
		t.Fatalf("Ack() with no IDs error = %v", err)
	}
}
