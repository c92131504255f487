package service

import (
	"context"
	"encoding/hex"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/runledger/internal/blob"
	"github.com/runledger/internal/config"
	"github.com/runledger/internal/domain"
	"github.com/runledger/internal/ledger"
	"github.com/runledger/internal/memstore"
	"github.com/runledger/internal/redis"
	"github.com/runledger/internal/replay"
	"github.com/runledger/internal/xp"
)

var (
	testStart   = time.Date(2024, 7, 10, 11, 0, 0, 0, time.UTC)
	testMapHash = [replay.HashSize]byte{0xde, 0xad, 0xbe, 0xef, 1, 2, 3, 4, 5, 6, 7, 8, 9, 10, 11, 12, 13, 14, 15, 16}
	testSteamID = uint64(76561198000000001)
)

type capturePublisher struct {
	mu         sync.Mutex
	activities []domain.Activity
}

func (p *capturePublisher) Publish(ctx context.Context, a domain.Activity) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.activities = append(p.activities, a)
	return nil
}

type fixture struct {
	svc       *RunService
	store     *memstore.Store
	sessions  *redis.SessionStore
	mirror    *redis.Mirror
	published *capturePublisher
	blobDir   string
	now       time.Time
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	cfg := config.DefaultConfig()

	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	t.Cleanup(mr.Close)
	client, err := redis.NewClient(context.Background(), &config.RedisConfig{Addr: mr.Addr()})
	if err != nil {
		t.Fatalf("NewClient() error = %v", err)
	}
	t.Cleanup(func() { client.Close() })

	blobDir := filepath.Join(t.TempDir(), "replays")
	blobs, err := blob.NewStore(blobDir)
	if err != nil {
		t.Fatalf("NewStore() error = %v", err)
	}

	store := memstore.New()
	store.PutMap(domain.MapInfo{
		ID:       7,
		Name:     "surf_utopia",
		Hash:     hex.EncodeToString(testMapHash[:]),
		GameMode: domain.GameModeSurf,
		Tracks: []domain.MapTrack{
			{MapID: 7, TrackNum: 0, NumZones: 4, Tier: 3},
			{MapID: 7, TrackNum: 1, NumZones: 1, IsLinear: true, Tier: 2},
		},
	})
	store.PutUser(domain.User{ID: 1, SteamID: testSteamID, Alias: "stamen"})
	store.PutUser(domain.User{ID: 2, SteamID: testSteamID + 1, Alias: "other"})

	f := &fixture{
		store:     store,
		sessions:  redis.NewSessionStore(client, &cfg.Sessions, logger),
		mirror:    redis.NewMirror(client, logger),
		published: &capturePublisher{},
		blobDir:   blobDir,
		now:       testStart,
	}
	f.svc = NewRunService(Dependencies{
		Maps:       store,
		Users:      store,
		Sessions:   f.sessions,
		Blobs:      blobs,
		Ledger:     ledger.New(store, xp.New(cfg.XP), logger),
		Mirror:     f.mirror,
		Snapshots:  store,
		Publisher:  f.published,
		Activities: store,
	}, &cfg.Runs, &cfg.Leaderboard, logger)
	f.svc.now = func() time.Time { return f.now }
	return f
}

func (f *fixture) start(t *testing.T, userID int64, track, zone int) *domain.Session {
	t.Helper()
	sess, err := f.svc.StartSession(context.Background(), userID, domain.StartSessionRequest{MapID: 7, TrackNum: track, ZoneNum: zone})
	if err != nil {
		t.Fatalf("StartSession() error = %v", err)
	}
	return sess
}

func (f *fixture) stamp(t *testing.T, sess *domain.Session, zones ...int) {
	t.Helper()
	for _, z := range zones {
		_, err := f.svc.RecordTimestamp(context.Background(), sess.UserID, sess.ID, domain.TimestampRequest{Zone: z, Tick: int64(z * 100)})
		if err != nil {
			t.Fatalf("RecordTimestamp(zone %d) error = %v", z, err)
		}
	}
}

func encodeReplay(t *testing.T, ticks int32) []byte {
	t.Helper()
	buf, err := replay.Encode(replay.Synthesize(replay.SynthOptions{
		MapName:    "surf_utopia",
		MapHash:    testMapHash,
		PlayerName: "stamen",
		SteamID:    testSteamID,
		TickRate:   0.015,
		Ticks:      ticks,
		PreTicks:   10,
		Zones:      4,
		RunDate:    testStart.Add(30 * time.Minute),
	}))
	if err != nil {
		t.Fatalf("Encode() error = %v", err)
	}
	return buf
}

func TestStartSessionReplacesPrevious(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	first := f.start(t, 1, 0, 0)
	second := f.start(t, 1, 1, 1)

	cur, err := f.sessions.ForUser(ctx, 1)
	if err != nil {
		t.Fatalf("ForUser() error = %v", err)
	}
	if cur.ID != second.ID || cur.TrackNum != 1 || cur.ZoneNum != 1 {
		t.Fatalf("current session = %+v, want second start %+v", cur, second)
	}
	if _, err := f.sessions.Get(ctx, first.ID); !errors.Is(err, domain.ErrNoSession) {
		t.Fatalf("Get(first) error = %v, want %v", err, domain.ErrNoSession)
	}
}

func TestStartSessionInvalid(t *testing.T) {
	f := newFixture(t)
	tests := []struct {
		name string
		req  domain.StartSessionRequest
		want error
	}{
		{"unknown map", domain.StartSessionRequest{MapID: 99}, domain.ErrMapNotFound},
		{"unknown track", domain.StartSessionRequest{MapID: 7, TrackNum: 4}, domain.ErrInvalidTrack},
		{"zone past track end", domain.StartSessionRequest{MapID: 7, TrackNum: 0, ZoneNum: 5}, domain.ErrInvalidTrack},
		{"negative zone", domain.StartSessionRequest{MapID: 7, TrackNum: 0, ZoneNum: -1}, domain.ErrInvalidTrack},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.svc.StartSession(context.Background(), 1, tt.req)
			if !errors.Is(err, tt.want) {
				t.Fatalf("StartSession() error = %v, want %v", err, tt.want)
			}
		})
	}
}

func TestRecordTimestamp(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	sess := f.start(t, 1, 0, 0)

	ts, err := f.svc.RecordTimestamp(ctx, 1, sess.ID, domain.TimestampRequest{Zone: 2, Tick: 150})
	if err != nil || ts.Zone != 2 || ts.Tick != 150 {
		t.Fatalf("RecordTimestamp() = %v, %v, want zone 2 tick 150", ts, err)
	}

	if _, err := f.svc.RecordTimestamp(ctx, 1, sess.ID, domain.TimestampRequest{Zone: 2, Tick: 160}); !errors.Is(err, domain.ErrDuplicateTimestamp) {
		t.Fatalf("duplicate error = %v, want %v", err, domain.ErrDuplicateTimestamp)
	}
	if _, err := f.svc.RecordTimestamp(ctx, 2, sess.ID, domain.TimestampRequest{Zone: 3, Tick: 300}); !errors.Is(err, domain.ErrNotOwner) {
		t.Fatalf("other user error = %v, want %v", err, domain.ErrNotOwner)
	}
	if _, err := f.svc.RecordTimestamp(ctx, 1, "not-a-session", domain.TimestampRequest{Zone: 3, Tick: 300}); !errors.Is(err, domain.ErrNoSession) {
		t.Fatalf("unknown session error = %v, want %v", err, domain.ErrNoSession)
	}

	il := f.start(t, 1, 0, 2)
	if _, err := f.svc.RecordTimestamp(ctx, 1, il.ID, domain.TimestampRequest{Zone: 2, Tick: 10}); !errors.Is(err, domain.ErrFullTrackRunsCannotTimestamp) {
		t.Fatalf("zone run error = %v, want %v", err, domain.ErrFullTrackRunsCannotTimestamp)
	}
}

func TestInvalidateSession(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	if err := f.svc.InvalidateSession(ctx, 1); !errors.Is(err, domain.ErrNoSession) {
		t.Fatalf("InvalidateSession() error = %v, want %v", err, domain.ErrNoSession)
	}
	f.start(t, 1, 0, 0)
	if err := f.svc.InvalidateSession(ctx, 1); err != nil {
		t.Fatalf("InvalidateSession() error = %v", err)
	}
	if err := f.svc.InvalidateSession(ctx, 1); !errors.Is(err, domain.ErrNoSession) {
		t.Fatalf("second InvalidateSession() error = %v, want %v", err, domain.ErrNoSession)
	}
}

func TestCompleteSessionAccepted(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	sess := f.start(t, 1, 0, 0)
	f.stamp(t, sess, 2, 3, 4)
	f.now = testStart.Add(time.Hour)

	res, err := f.svc.CompleteSession(ctx, 1, sess.ID, encodeReplay(t, 1000))
	if err != nil {
		t.Fatalf("CompleteSession() error = %v", err)
	}
	if !res.IsNewPersonalBest || !res.IsNewWorldRecord {
		t.Fatalf("flags = pb %v wr %v, want both", res.IsNewPersonalBest, res.IsNewWorldRecord)
	}
	if res.Rank == nil || res.Rank.Rank != 1 || res.XP.RankXP != res.Rank.RankXP {
		t.Fatalf("rank = %+v, xp = %+v, want rank 1", res.Rank, res.XP)
	}
	if res.XP.Cosmetic.Gain <= 0 {
		t.Fatalf("cosmetic gain = %d, want positive", res.XP.Cosmetic.Gain)
	}

	if _, err := f.sessions.ForUser(ctx, 1); !errors.Is(err, domain.ErrNoSession) {
		t.Fatalf("session not consumed: %v", err)
	}
	if _, err := os.Stat(filepath.Join(f.blobDir, filepath.FromSlash(res.Run.ReplayKey))); err != nil {
		t.Fatalf("replay blob missing: %v", err)
	}
	if len(res.Run.ReplayHash) != 40 {
		t.Fatalf("replay hash = %q, want sha1 hex", res.Run.ReplayHash)
	}

	top, err := f.svc.Leaderboard(ctx, 7, LeaderboardQuery{})
	if err != nil {
		t.Fatalf("Leaderboard() error = %v", err)
	}
	if len(top) != 1 || top[0].UserID != 1 || top[0].Rank != 1 || top[0].Time != res.Run.Time {
		t.Fatalf("Leaderboard() = %+v, want user 1 at rank 1", top)
	}

	acts := f.store.Activities()
	if len(acts) != 1 || acts[0].Type != domain.ActivityWorldRecord || acts[0].RunID != res.Run.ID {
		t.Fatalf("recorded activities = %+v, want one world record", acts)
	}
	if len(f.published.activities) != 1 {
		t.Fatalf("published %d activities, want 1", len(f.published.activities))
	}

	stats, err := f.svc.UserStats(ctx, 1)
	if err != nil || stats.RunsSubmitted != 1 || stats.MapsCompleted != 1 {
		t.Fatalf("UserStats() = %+v, %v, want one submitted and completed", stats, err)
	}
}

func TestCompleteSessionSlowerRun(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	for _, ticks := range []int32{1000, 1200} {
		sess := f.start(t, 1, 0, 0)
		f.stamp(t, sess, 2, 3, 4)
		f.now = testStart.Add(time.Hour)
		res, err := f.svc.CompleteSession(ctx, 1, sess.ID, encodeReplay(t, ticks))
		if err != nil {
			t.Fatalf("CompleteSession(%d ticks) error = %v", ticks, err)
		}
		if ticks == 1200 && (res.IsNewPersonalBest || res.Rank != nil || res.XP.RankXP != 0) {
			t.Fatalf("slower run = %+v, want no rank change", res)
		}
		f.now = testStart
	}

	if got := len(f.store.Runs()); got != 2 {
		t.Fatalf("runs = %d, want 2", got)
	}
	if got := len(f.store.Activities()); got != 1 {
		t.Fatalf("activities = %d, want 1", got)
	}
}

func TestCompleteSessionRejected(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	sess := f.start(t, 1, 0, 0)
	f.stamp(t, sess, 2, 3)
	f.now = testStart.Add(time.Hour)

	_, err := f.svc.CompleteSession(ctx, 1, sess.ID, []byte("garbage"))
	if !errors.Is(err, domain.ErrBadTimestamps) {
		t.Fatalf("CompleteSession() error = %v, want %v", err, domain.ErrBadTimestamps)
	}

	if _, err := f.sessions.ForUser(ctx, 1); !errors.Is(err, domain.ErrNoSession) {
		t.Fatalf("rejected session not consumed: %v", err)
	}
	if _, err := f.svc.CompleteSession(ctx, 1, sess.ID, encodeReplay(t, 1000)); !errors.Is(err, domain.ErrNoSession) {
		t.Fatalf("resubmitting consumed session error = %v, want %v", err, domain.ErrNoSession)
	}
	if n := len(f.store.Runs()); n != 0 {
		t.Fatalf("runs = %d, want 0", n)
	}
	if entries, _ := os.ReadDir(f.blobDir); len(entries) != 0 {
		t.Fatalf("blob dir holds %d entries, want 0", len(entries))
	}
}

func TestCompleteSessionForeign(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	sess := f.start(t, 1, 0, 0)

	if _, err := f.svc.CompleteSession(ctx, 2, sess.ID, encodeReplay(t, 1000)); !errors.Is(err, domain.ErrNotOwner) {
		t.Fatalf("CompleteSession() error = %v, want %v", err, domain.ErrNotOwner)
	}
	if _, err := f.sessions.Get(ctx, sess.ID); err != nil {
		t.Fatalf("foreign completion consumed the session: %v", err)
	}
}

func TestSessionOperationsBusy(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	sess := f.start(t, 1, 0, 0)

	release, err := f.sessions.Lock(ctx, 1)
	if err != nil {
		t.Fatalf("Lock() error = %v", err)
	}
	defer release()

	if _, err := f.svc.CompleteSession(ctx, 1, sess.ID, nil); !errors.Is(err, domain.ErrSessionBusy) {
		t.Fatalf("CompleteSession() error = %v, want %v", err, domain.ErrSessionBusy)
	}
	if _, err := f.svc.StartSession(ctx, 1, domain.StartSessionRequest{MapID: 7}); !errors.Is(err, domain.ErrSessionBusy) {
		t.Fatalf("StartSession() error = %v, want %v", err, domain.ErrSessionBusy)
	}
}

func TestLeaderboardLimits(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	p := domain.Partition{MapID: 7, GameMode: domain.GameModeSurf}

	var entries []domain.RankEntry
	for i := 1; i <= 150; i++ {
		entries = append(entries, domain.RankEntry{Partition: p, UserID: int64(i), Rank: i, Time: float64(i)})
	}
	if _, err := f.mirror.Replace(ctx, &domain.RankSnapshot{Partition: p, Version: 150, Entries: entries}); err != nil {
		t.Fatalf("Replace() error = %v", err)
	}

	top, err := f.svc.Leaderboard(ctx, 7, LeaderboardQuery{})
	if err != nil || len(top) != config.DefaultConfig().Leaderboard.DefaultLimit {
		t.Fatalf("Leaderboard() = %d entries, %v, want default limit", len(top), err)
	}
	top, err = f.svc.Leaderboard(ctx, 7, LeaderboardQuery{Limit: 5})
	if err != nil || len(top) != 5 || top[4].Rank != 5 {
		t.Fatalf("Leaderboard(5) = %+v, %v", top, err)
	}
	if _, err := f.svc.Leaderboard(ctx, 7, LeaderboardQuery{TrackNum: 9}); !errors.Is(err, domain.ErrInvalidTrack) {
		t.Fatalf("Leaderboard(bad track) error = %v, want %v", err, domain.ErrInvalidTrack)
	}
}

func TestLeaderboardRank(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	p := domain.Partition{MapID: 7, GameMode: domain.GameModeSurf, TrackNum: 1}

	_, err := f.mirror.Replace(ctx, &domain.RankSnapshot{Partition: p, Version: 2, Entries: []domain.RankEntry{
		{Partition: p, UserID: 2, Rank: 1, Time: 12.5},
		{Partition: p, UserID: 1, Rank: 2, Time: 14},
	}})
	if err != nil {
		t.Fatalf("Replace() error = %v", err)
	}

	entry, err := f.svc.LeaderboardRank(ctx, 7, 1, LeaderboardQuery{TrackNum: 1})
	if err != nil || entry.Rank != 2 || entry.Time != 14 {
		t.Fatalf("LeaderboardRank() = %+v, %v, want rank 2 time 14", entry, err)
	}
	if _, err := f.svc.LeaderboardRank(ctx, 7, 1, LeaderboardQuery{}); !errors.Is(err, domain.ErrEntryNotFound) {
		t.Fatalf("LeaderboardRank(main) error = %v, want %v", err, domain.ErrEntryNotFound)
	}
}

func TestMirrorRepairedAfterReversedCommits(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	track := domain.MapTrack{MapID: 7, TrackNum: 0, NumZones: 4, Tier: 3}
	submit := func(userID int64, time float64) *ledger.Outcome {
		t.Helper()
		out, err := f.svc.deps.Ledger.Submit(ctx, ledger.Submission{
			Run: &domain.ProcessedRun{
				UserID:   userID,
				MapID:    7,
				GameMode: domain.GameModeSurf,
				Ticks:    int64(time / 0.015),
				TickRate: 0.015,
				Time:     time,
			},
			Track: track,
			Now:   f.now,
		})
		if err != nil {
			t.Fatalf("Submit(user %d) error = %v", userID, err)
		}
		return out
	}

	// user 2 commits second but overtakes user 1; its mirror write lands first
	first := submit(1, 20)
	second := submit(2, 10)
	if first.Version != 1 || second.Version != 2 {
		t.Fatalf("versions = %d, %d, want 1, 2", first.Version, second.Version)
	}
	f.svc.afterCommit(ctx, second)
	f.svc.afterCommit(ctx, first)

	p := domain.Partition{MapID: 7, GameMode: domain.GameModeSurf}
	top, err := f.mirror.GetTopN(ctx, p, 10)
	if err != nil {
		t.Fatalf("GetTopN() error = %v", err)
	}
	want := []domain.LeaderboardEntry{
		{Rank: 1, UserID: 2, Time: 10},
		{Rank: 2, UserID: 1, Time: 20},
	}
	if len(top) != len(want) {
		t.Fatalf("GetTopN() = %+v, want %+v", top, want)
	}
	for i := range want {
		if top[i] != want[i] {
			t.Fatalf("GetTopN()[%d] = %+v, want %+v", i, top[i], want[i])
		}
	}

	// the mirror is back in sequence, so the next change applies directly
	third := submit(1, 5)
	if applied, err := f.mirror.Apply(ctx, third.Version, *third.Entry, third.Shifted); err != nil || !applied {
		t.Fatalf("Apply(v%d) = %v, %v, want applied", third.Version, applied, err)
	}
}
