package redis

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/runledger/internal/config"
	"github.com/runledger/internal/domain"
)

func newTestClient(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	t.Cleanup(mr.Close)

	client, err := NewClient(context.Background(), &config.RedisConfig{Addr: mr.Addr()})
	if err != nil {
		t.Fatalf("NewClient() error = %v", err)
	}
	t.Cleanup(func() { client.Close() })
	return mr, client
}

func newTestSessions(t *testing.T) (*miniredis.Miniredis, *SessionStore) {
	mr, client := newTestClient(t)
	cfg := &config.SessionConfig{TTL: time.Hour, LockTTL: 5 * time.Second}
	return mr, NewSessionStore(client, cfg, slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func testSession(id string, userID int64) *domain.Session {
	return &domain.Session{
		ID:        id,
		UserID:    userID,
		MapID:     7,
		TrackNum:  1,
		ZoneNum:   0,
		CreatedAt: time.Date(2024, 7, 10, 11, 0, 0, 0, time.UTC),
	}
}

func TestSessionReplaceAndGet(t *testing.T) {
	_, store := newTestSessions(t)
	ctx := context.Background()

	want := testSession("a", 42)
	if err := store.Replace(ctx, want); err != nil {
		t.Fatalf("Replace() error = %v", err)
	}

	got, err := store.Get(ctx, "a")
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if got.UserID != 42 || got.MapID != 7 || got.TrackNum != 1 || got.ZoneNum != 0 || !got.CreatedAt.Equal(want.CreatedAt) {
		t.Fatalf("Get() = %+v, want %+v", got, want)
	}

	byUser, err := store.ForUser(ctx, 42)
	if err != nil || byUser.ID != "a" {
		t.Fatalf("ForUser() = %v, %v, want session a", byUser, err)
	}
}

func TestSessionReplaceDropsPrevious(t *testing.T) {
	mr, store := newTestSessions(t)
	ctx := context.Background()

	if err := store.Replace(ctx, testSession("a", 42)); err != nil {
		t.Fatalf("Replace(a) error = %v", err)
	}
	if _, err := store.AddTimestamp(ctx, "a", domain.ZoneTimestamp{Zone: 2, Tick: 100}); err != nil {
		t.Fatalf("AddTimestamp() error = %v", err)
	}
	if err := store.Replace(ctx, testSession("b", 42)); err != nil {
		t.Fatalf("Replace(b) error = %v", err)
	}

	if _, err := store.Get(ctx, "a"); !errors.Is(err, domain.ErrNoSession) {
		t.Fatalf("Get(a) error = %v, want %v", err, domain.ErrNoSession)
	}
	if mr.Exists("session:a:timestamps") {
		t.Fatal("timestamps of replaced session still exist")
	}
	if got, err := store.ForUser(ctx, 42); err != nil || got.ID != "b" {
		t.Fatalf("ForUser() = %v, %v, want session b", got, err)
	}
}

func TestSessionTimestamps(t *testing.T) {
	_, store := newTestSessions(t)
	ctx := context.Background()
	if err := store.Replace(ctx, testSession("a", 42)); err != nil {
		t.Fatalf("Replace() error = %v", err)
	}

	for _, ts := range []domain.ZoneTimestamp{{Zone: 3, Tick: 500}, {Zone: 2, Tick: 200}} {
		added, err := store.AddTimestamp(ctx, "a", ts)
		if err != nil || !added {
			t.Fatalf("AddTimestamp(%+v) = %v, %v, want added", ts, added, err)
		}
	}
	added, err := store.AddTimestamp(ctx, "a", domain.ZoneTimestamp{Zone: 2, Tick: 999})
	if err != nil || added {
		t.Fatalf("AddTimestamp(duplicate) = %v, %v, want not added", added, err)
	}

	got, err := store.Get(ctx, "a")
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	want := []domain.ZoneTimestamp{{Zone: 2, Tick: 200}, {Zone: 3, Tick: 500}}
	if len(got.Timestamps) != len(want) {
		t.Fatalf("timestamps = %v, want %v", got.Timestamps, want)
	}
	for i := range want {
		if got.Timestamps[i] != want[i] {
			t.Fatalf("timestamps = %v, want %v", got.Timestamps, want)
		}
	}
}

func TestSessionDelete(t *testing.T) {
	_, store := newTestSessions(t)
	ctx := context.Background()

	old := testSession("a", 42)
	if err := store.Replace(ctx, old); err != nil {
		t.Fatalf("Replace(a) error = %v", err)
	}
	if err := store.Replace(ctx, testSession("b", 42)); err != nil {
		t.Fatalf("Replace(b) error = %v", err)
	}

	// deleting a stale session must not unlink the current one
	if err := store.Delete(ctx, old); err != nil {
		t.Fatalf("Delete(a) error = %v", err)
	}
	cur, err := store.ForUser(ctx, 42)
	if err != nil || cur.ID != "b" {
		t.Fatalf("ForUser() = %v, %v, want session b", cur, err)
	}

	if err := store.Delete(ctx, cur); err != nil {
		t.Fatalf("Delete(b) error = %v", err)
	}
	if _, err := store.ForUser(ctx, 42); !errors.Is(err, domain.ErrNoSession) {
		t.Fatalf("ForUser() error = %v, want %v", err, domain.ErrNoSession)
	}
}

func TestSessionExpires(t *testing.T) {
	mr, store := newTestSessions(t)
	ctx := context.Background()
	if err := store.Replace(ctx, testSession("a", 42)); err != nil {
		t.Fatalf("Replace() error = %v", err)
	}

	mr.FastForward(2 * time.Hour)

	if _, err := store.ForUser(ctx, 42); !errors.Is(err, domain.ErrNoSession) {
		t.Fatalf("ForUser() error = %v, want %v", err, domain.ErrNoSession)
	}
}

func TestSessionLock(t *testing.T) {
	mr, store := newTestSessions(t)
	ctx := context.Background()

	release, err := store.Lock(ctx, 42)
	if err != nil {
		t.Fatalf("Lock() error = %v", err)
	}
	if _, err := store.Lock(ctx, 42); !errors.Is(err, domain.ErrSessionBusy) {
		t.Fatalf("second Lock() error = %v, want %v", err, domain.ErrSessionBusy)
	}
	if _, err := store.Lock(ctx, 43); err != nil {
		t.Fatalf("Lock(other user) error = %v", err)
	}

	release()
	again, err := store.Lock(ctx, 42)
	if err != nil {
		t.Fatalf("Lock() after release error = %v", err)
	}

	// an expired holder must not release a lock taken after it
	mr.FastForward(10 * time.Second)
	current, err := store.Lock(ctx, 42)
	if err != nil {
		t.Fatalf("Lock() after expiry error = %v", err)
	}
	again()
	if _, err := store.Lock(ctx, 42); !errors.Is(err, domain.ErrSessionBusy) {
		t.Fatalf("Lock() error = %v, want %v", err, domain.ErrSessionBusy)
	}
	current()
}

func TestMirrorApplyAndRead(t *testing.T) {
	_, client := newTestClient(t)
	mirror := NewMirror(client, slog.New(slog.NewTextHandler(io.Discard, nil)))
	ctx := context.Background()
	p := domain.Partition{MapID: 7, GameMode: domain.GameModeSurf}

	applied, err := mirror.Replace(ctx, &domain.RankSnapshot{Partition: p, Version: 3, Entries: []domain.RankEntry{
		{Partition: p, UserID: 1, Rank: 1, Time: 10},
		{Partition: p, UserID: 2, Rank: 2, Time: 20},
		{Partition: p, UserID: 3, Rank: 3, Time: 30},
	}})
	if err != nil || !applied {
		t.Fatalf("Replace() = %v, %v, want applied", applied, err)
	}

	applied, err = mirror.Apply(ctx, 4,
		domain.RankEntry{Partition: p, UserID: 4, Rank: 2, Time: 15.5},
		[]domain.RankEntry{{Partition: p, UserID: 2, Rank: 3}, {Partition: p, UserID: 3, Rank: 4}},
	)
	if err != nil || !applied {
		t.Fatalf("Apply() = %v, %v, want applied", applied, err)
	}

	top, err := mirror.GetTopN(ctx, p, 10)
	if err != nil {
		t.Fatalf("GetTopN() error = %v", err)
	}
	want := []domain.LeaderboardEntry{
		{Rank: 1, UserID: 1, Time: 10},
		{Rank: 2, UserID: 4, Time: 15.5},
		{Rank: 3, UserID: 2, Time: 20},
		{Rank: 4, UserID: 3, Time: 30},
	}
	if len(top) != len(want) {
		t.Fatalf("GetTopN() = %v, want %v", top, want)
	}
	for i := range want {
		if top[i] != want[i] {
			t.Fatalf("GetTopN()[%d] = %+v, want %+v", i, top[i], want[i])
		}
	}

	entry, err := mirror.GetUserRank(ctx, p, 4)
	if err != nil || entry.Rank != 2 || entry.Time != 15.5 {
		t.Fatalf("GetUserRank() = %+v, %v, want rank 2 at 15.5", entry, err)
	}
	if _, err := mirror.GetUserRank(ctx, p, 99); !errors.Is(err, domain.ErrEntryNotFound) {
		t.Fatalf("GetUserRank(unranked) error = %v, want %v", err, domain.ErrEntryNotFound)
	}
	if n, err := mirror.GetCount(ctx, p); err != nil || n != 4 {
		t.Fatalf("GetCount() = %d, %v, want 4", n, err)
	}

	if _, err := mirror.Replace(ctx, &domain.RankSnapshot{Partition: p, Version: 4}); err != nil {
		t.Fatalf("Replace(empty) error = %v", err)
	}
	if top, _ := mirror.GetTopN(ctx, p, 10); len(top) != 0 {
		t.Fatalf("GetTopN() after reset = %v, want empty", top)
	}
}

func TestMirrorRejectsOutOfOrderChanges(t *testing.T) {
	_, client := newTestClient(t)
	mirror := NewMirror(client, slog.New(slog.NewTextHandler(io.Discard, nil)))
	ctx := context.Background()
	p := domain.Partition{MapID: 7, GameMode: domain.GameModeSurf}

	// Two submissions commit in order: user 1 at 20s (v1), then user 2 at
	// 10s (v2) displacing user 1. Their mirror writes arrive reversed.
	first := domain.RankEntry{Partition: p, UserID: 1, Rank: 1, Time: 20}
	second := domain.RankEntry{Partition: p, UserID: 2, Rank: 1, Time: 10}
	displaced := []domain.RankEntry{{Partition: p, UserID: 1, Rank: 2, Time: 20}}

	if applied, err := mirror.Apply(ctx, 2, second, displaced); err != nil || applied {
		t.Fatalf("Apply(v2 before v1) = %v, %v, want refused", applied, err)
	}
	if applied, err := mirror.Apply(ctx, 1, first, nil); err != nil || !applied {
		t.Fatalf("Apply(v1) = %v, %v, want applied", applied, err)
	}
	if applied, err := mirror.Apply(ctx, 1, first, nil); err != nil || applied {
		t.Fatalf("Apply(v1 again) = %v, %v, want refused", applied, err)
	}

	current := &domain.RankSnapshot{Partition: p, Version: 2, Entries: []domain.RankEntry{second, displaced[0]}}
	if applied, err := mirror.Replace(ctx, current); err != nil || !applied {
		t.Fatalf("Replace(v2) = %v, %v, want applied", applied, err)
	}

	stale := &domain.RankSnapshot{Partition: p, Version: 1, Entries: []domain.RankEntry{first}}
	if applied, err := mirror.Replace(ctx, stale); err != nil || applied {
		t.Fatalf("Replace(v1) = %v, %v, want ignored", applied, err)
	}

	top, err := mirror.GetTopN(ctx, p, 10)
	if err != nil {
		t.Fatalf("GetTopN() error = %v", err)
	}
	want := []domain.LeaderboardEntry{
		{Rank: 1, UserID: 2, Time: 10},
		{Rank: 2, UserID: 1, Time: 20},
	}
	if len(top) != len(want) {
		t.Fatalf("GetTopN() = %v, want %v", top, want)
	}
	for i := range want {
		if top[i] != want[i] {
			t.Fatalf("GetTopN()[%d] = %+v, want %+v", i, top[i], want[i])
		}
	}

	if applied, err := mirror.Apply(ctx, 3, domain.RankEntry{Partition: p, UserID: 3, Rank: 3, Time: 30}, nil); err != nil || !applied {
		t.Fatalf("Apply(v3) = %v, %v, want applied", applied, err)
	}
}

func TestMirrorReset(t *testing.T) {
	mr, client := newTestClient(t)
	mirror := NewMirror(client, slog.New(slog.NewTextHandler(io.Discard, nil)))
	ctx := context.Background()
	p := domain.Partition{MapID: 7, GameMode: domain.GameModeSurf}

	snap := &domain.RankSnapshot{Partition: p, Version: 9, Entries: []domain.RankEntry{{Partition: p, UserID: 1, Rank: 1, Time: 10}}}
	if _, err := mirror.Replace(ctx, snap); err != nil {
		t.Fatalf("Replace() error = %v", err)
	}
	if err := mirror.Reset(ctx); err != nil {
		t.Fatalf("Reset() error = %v", err)
	}
	if keys := mr.Keys(); len(keys) != 0 {
		t.Fatalf("keys after Reset() = %v, want none", keys)
	}
	if applied, err := mirror.Apply(ctx, 1, snap.Entries[0], nil); err != nil || !applied {
		t.Fatalf("Apply(v1) after Reset() = %v, %v, want applied", applied, err)
	}
}
