package cache

import (
	"context"
	"errors"
	"testing"
	"time"

	"row-to-column/models"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/vmihailenco/msgpack/v5"
)

func setupTestStore(t *testing.T) (*StatusStore, *redis.Client, *miniredis.Miniredis) {
	t.Helper()

	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("failed to start miniredis: %v", err)
	}
	t.Cleanup(mr.Close)

	client := redis.NewClient(&redis.Options{
		Addr: mr.Addr(),
	})
	t.Cleanup(func() { client.Close() })

	return NewStatusStore(client), client, mr
}

func TestStatusStore_Report(t *testing.T) {
	store, _, mr := setupTestStore(t)
	ctx := context.Background()

	at := time.Unix(1700000000, 0)
	status := models.WorkerStatus{
		Slot:               "row_to_column",
		State:              models.StateRunning,
		LastCycleAt:        at,
		LastAckLSN:         "0/108",
		StatementsReplayed: 3,
	}
	if err := store.Report(ctx, status); err != nil {
		t.Fatalf("Report failed: %v", err)
	}

	if got := mr.HGet(HealthKey, "last_heartbeat"); got != "1700000000" {
		t.Errorf("expected last_heartbeat 1700000000, got %q", got)
	}
	if got := mr.HGet(HealthKey, "state"); got != models.StateRunning {
		t.Errorf("expected state %q, got %q", models.StateRunning, got)
	}

	hb, err := store.Heartbeat(ctx)
	if err != nil {
		t.Fatalf("Heartbeat failed: %v", err)
	}
	if hb.LastLSN != "0/108" {
		t.Errorf("expected last_lsn 0/108, got %q", hb.LastLSN)
	}
	if age := hb.Age(at.Add(5 * time.Second)); age != 5*time.Second {
		t.Errorf("expected age 5s, got %s", age)
	}

	got, err := store.Status(ctx, "row_to_column")
	if err != nil {
		t.Fatalf("Status failed: %v", err)
	}
	if got.StatementsReplayed != 3 || got.LastAckLSN != "0/108" {
		t.Errorf("unexpected status: %+v", got)
	}
	if !got.LastCycleAt.Equal(at) {
		t.Errorf("expected last cycle %s, got %s", at, got.LastCycleAt)
	}
}

func TestStatusStore_Missing(t *testing.T) {
	store, _, _ := setupTestStore(t)
	ctx := context.Background()

	if _, err := store.Heartbeat(ctx); !errors.Is(err, ErrNoHeartbeat) {
		t.Errorf("expected ErrNoHeartbeat, got %v", err)
	}
	if _, err := store.Status(ctx, "nope"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestStatusStore_BadHeartbeat(t *testing.T) {
	store, _, mr := setupTestStore(t)
	mr.HSet(HealthKey, "last_heartbeat", "soon")

	if _, err := store.Heartbeat(context.Background()); err == nil {
		t.Fatal("expected error for malformed heartbeat")
	}
}

func TestStatusStore_Notify(t *testing.T) {
	store, client, _ := setupTestStore(t)
	ctx := context.Background()

	sub := client.Subscribe(ctx, ReplayChannel)
	defer sub.Close()
	if _, err := sub.Receive(ctx); err != nil {
		t.Fatalf("subscribe failed: %v", err)
	}

	notice := models.ReplayNotice{Slot: "row_to_column", AckLSN: "0/208", Transactions: 2, Statements: 4, DDL: 1}
	if err := store.Notify(ctx, notice); err != nil {
		t.Fatalf("Notify failed: %v", err)
	}

	select {
	case msg := <-sub.Channel():
		var got models.ReplayNotice
		if err := msgpack.Unmarshal([]byte(msg.Payload), &got); err != nil {
			t.Fatalf("decode notice: %v", err)
		}
		if got != notice {
			t.Errorf("expected %+v, got %+v", notice, got)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for notice")
	}
}

func TestSnapshots_PutLoad(t *testing.T) {
	_, client, mr := setupTestStore(t)
	ctx := context.Background()

	snaps := NewSnapshots[models.ReplayNotice](client, "notice")
	pipe := client.Pipeline()
	if err := snaps.Put(ctx, pipe, "a", models.ReplayNotice{Slot: "a", DDL: 1}, 0); err != nil {
		t.Fatalf("Put failed: %v", err)
	}
	if mr.Exists("notice:a") {
		t.Error("key written before pipeline Exec")
	}
	if _, err := pipe.Exec(ctx); err != nil {
		t.Fatalf("Exec failed: %v", err)
	}

	got, err := snaps.Load(ctx, "a")
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if got.DDL != 1 {
		t.Errorf("expected DDL 1, got %d", got.DDL)
	}

	if _, err := snaps.Load(ctx, "b"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound for unknown name, got %v", err)
	}
}

func TestSnapshots_Corrupt(t *testing.T) {
	_, client, mr := setupTestStore(t)
	mr.Set("status:row_to_column", "\xc1")

	snaps := NewSnapshots[models.WorkerStatus](client, statusPrefix)
	if _, err := snaps.Load(context.Background(), "row_to_column"); !errors.Is(err, ErrDecodeFailed) {
		t.Errorf("expected ErrDecodeFailed, got %v", err)
	}
}
