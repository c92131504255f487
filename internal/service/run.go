// Package service implements the run session protocol: a user opens a
// session on a map track, records zone crossings, then completes it with a
// replay that is validated and merged into the leaderboards.
package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/runledger/internal/config"
	"github.com/runledger/internal/domain"
	"github.com/runledger/internal/ledger"
	"github.com/runledger/internal/validation"
)

// Dependencies are the collaborators a RunService drives
type Dependencies struct {
	Maps       MapStore
	Users      UserStore
	Sessions   SessionStore
	Blobs      BlobStore
	Ledger     *ledger.Ledger
	Mirror     Mirror
	Snapshots  SnapshotSource
	Publisher  ActivityPublisher
	Activities ActivityRecorder
}

// RunService provides the session protocol operations
type RunService struct {
	deps   Dependencies
	rules  validation.Rules
	runs   *config.RunConfig
	limits *config.LeaderboardConfig
	now    func() time.Time
	logger *slog.Logger
}

// NewRunService creates a run service
func NewRunService(deps Dependencies, runs *config.RunConfig, limits *config.LeaderboardConfig, logger *slog.Logger) *RunService {
	return &RunService{
		deps:   deps,
		rules:  validation.NewRules(*runs),
		runs:   runs,
		limits: limits,
		now:    time.Now,
		logger: logger,
	}
}

// StartSession opens a session, replacing any the user already had
func (s *RunService) StartSession(ctx context.Context, userID int64, req domain.StartSessionRequest) (*domain.Session, error) {
	release, err := s.deps.Sessions.Lock(ctx, userID)
	if err != nil {
		return nil, err
	}
	defer release()

	m, err := s.deps.Maps.GetMap(ctx, req.MapID)
	if err != nil {
		return nil, err
	}
	track, ok := m.Track(req.TrackNum)
	if !ok || req.ZoneNum < 0 || req.ZoneNum > track.NumZones {
		return nil, domain.ErrInvalidTrack
	}

	sess := &domain.Session{
		ID:        uuid.NewString(),
		UserID:    userID,
		MapID:     m.ID,
		TrackNum:  req.TrackNum,
		ZoneNum:   req.ZoneNum,
		CreatedAt: s.now().UTC(),
	}
	if err := s.deps.Sessions.Replace(ctx, sess); err != nil {
		return nil, fmt.Errorf("storing session: %w", err)
	}

	s.logger.Debug("session started",
		"session_id", sess.ID,
		"user_id", userID,
		"map_id", sess.MapID,
		"track_num", sess.TrackNum,
		"zone_num", sess.ZoneNum,
	)
	return sess, nil
}

// RecordTimestamp stores the tick at which the user entered a zone
func (s *RunService) RecordTimestamp(ctx context.Context, userID int64, sessionID string, req domain.TimestampRequest) (*domain.ZoneTimestamp, error) {
	release, err := s.deps.Sessions.Lock(ctx, userID)
	if err != nil {
		return nil, err
	}
	defer release()

	sess, err := s.ownedSession(ctx, userID, sessionID)
	if err != nil {
		return nil, err
	}
	if !sess.IsFullTrack() {
		return nil, domain.ErrFullTrackRunsCannotTimestamp
	}

	ts := domain.ZoneTimestamp{Zone: req.Zone, Tick: req.Tick}
	added, err := s.deps.Sessions.AddTimestamp(ctx, sess.ID, ts)
	if err != nil {
		return nil, fmt.Errorf("recording timestamp: %w", err)
	}
	if !added {
		return nil, domain.ErrDuplicateTimestamp
	}
	return &ts, nil
}

// InvalidateSession abandons the user's session
func (s *RunService) InvalidateSession(ctx context.Context, userID int64) error {
	release, err := s.deps.Sessions.Lock(ctx, userID)
	if err != nil {
		return err
	}
	defer release()

	sess, err := s.deps.Sessions.ForUser(ctx, userID)
	if err != nil {
		return err
	}
	if err := s.deps.Sessions.Delete(ctx, sess); err != nil {
		return fmt.Errorf("deleting session: %w", err)
	}
	return nil
}

// CompleteSession consumes the session and submits its replay. Any error
// before the ledger commit leaves leaderboards untouched.
func (s *RunService) CompleteSession(ctx context.Context, userID int64, sessionID string, replay []byte) (*domain.CompletedRun, error) {
	release, err := s.deps.Sessions.Lock(ctx, userID)
	if err != nil {
		return nil, err
	}
	defer release()

	sess, err := s.ownedSession(ctx, userID, sessionID)
	if err != nil {
		return nil, err
	}
	if err := s.deps.Sessions.Delete(ctx, sess); err != nil {
		return nil, fmt.Errorf("consuming session: %w", err)
	}

	if s.runs.MaxReplaySize > 0 && int64(len(replay)) > s.runs.MaxReplaySize {
		return nil, domain.ErrReplayTooLarge
	}

	m, err := s.deps.Maps.GetMap(ctx, sess.MapID)
	if err != nil {
		return nil, fmt.Errorf("loading map: %w", err)
	}
	track, ok := m.Track(sess.TrackNum)
	if !ok {
		return nil, domain.ErrInvalidTrack
	}
	user, err := s.deps.Users.GetUser(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("loading user: %w", err)
	}

	now := s.now()
	run, err := s.rules.Validate(validation.Input{
		Replay:    replay,
		Session:   *sess,
		Map:       *m,
		Track:     track,
		Submitter: *user,
		Now:       now,
	})
	if err != nil {
		if rej, ok := domain.IsRejection(err); ok {
			s.logger.Info("run rejected",
				"user_id", userID,
				"map_id", sess.MapID,
				"reason", rej.Reason,
				"detail", rej.Detail,
			)
		}
		return nil, err
	}

	key := "runs/" + uuid.NewString()
	hash, err := s.deps.Blobs.Put(ctx, key, replay)
	if err != nil {
		return nil, fmt.Errorf("storing replay: %w", err)
	}

	outcome, err := s.deps.Ledger.Submit(ctx, ledger.Submission{
		Run:        run,
		Track:      track,
		ReplayKey:  key,
		ReplayHash: hash,
		Now:        now.UTC(),
	})
	if err != nil {
		if derr := s.deps.Blobs.Delete(context.Background(), key); derr != nil {
			s.logger.Warn("failed to delete orphaned replay", "key", key, "error", derr)
		}
		return nil, err
	}

	s.afterCommit(ctx, outcome)

	s.logger.Info("run submitted",
		"user_id", userID,
		"map_id", run.MapID,
		"run_id", outcome.Run.ID,
		"time", run.Time,
		"personal_best", outcome.IsPersonalBest,
		"world_record", outcome.IsWorldRecord,
	)

	return &domain.CompletedRun{
		IsNewPersonalBest: outcome.IsPersonalBest,
		IsNewWorldRecord:  outcome.IsWorldRecord,
		Run:               outcome.Run,
		Rank:              outcome.Entry,
		XP:                outcome.XP,
	}, nil
}

// afterCommit propagates a committed personal best. The ledger is the
// source of truth, so failures here are logged and the mirror is repaired by
// the sync worker.
func (s *RunService) afterCommit(ctx context.Context, out *ledger.Outcome) {
	if !out.IsPersonalBest {
		return
	}

	p := out.Entry.Partition
	applied, err := s.deps.Mirror.Apply(ctx, out.Version, *out.Entry, out.Shifted)
	if err != nil {
		s.logger.Warn("failed to mirror leaderboard entry", "partition", p.Key(), "error", err)
	} else if !applied {
		s.resync(ctx, p)
	}

	activity := domain.Activity{
		Type:      domain.ActivityPersonalBest,
		UserID:    out.Run.UserID,
		MapID:     out.Run.MapID,
		TrackNum:  out.Run.TrackNum,
		ZoneNum:   out.Run.ZoneNum,
		RunID:     out.Run.ID,
		Rank:      out.Entry.Rank,
		Time:      out.Run.Time,
		CreatedAt: out.Run.CreatedAt,
	}
	if out.IsWorldRecord {
		activity.Type = domain.ActivityWorldRecord
	}

	if err := s.deps.Activities.RecordActivity(ctx, activity); err != nil {
		s.logger.Warn("failed to record activity", "run_id", activity.RunID, "error", err)
	}
	if s.deps.Publisher != nil {
		if err := s.deps.Publisher.Publish(ctx, activity); err != nil {
			s.logger.Warn("failed to publish activity", "run_id", activity.RunID, "error", err)
		}
	}
}

// resync replaces a partition's mirror after an out of sequence change.
// Submissions to one partition commit in version order but may reach the
// mirror in any order.
func (s *RunService) resync(ctx context.Context, p domain.Partition) {
	snap, err := s.deps.Snapshots.Snapshot(ctx, p)
	if err != nil {
		s.logger.Warn("failed to read partition snapshot", "partition", p.Key(), "error", err)
		return
	}
	applied, err := s.deps.Mirror.Replace(ctx, snap)
	if err != nil {
		s.logger.Warn("failed to resync mirror", "partition", p.Key(), "error", err)
		return
	}
	s.logger.Debug("resynced mirror", "partition", p.Key(), "version", snap.Version, "applied", applied)
}

func (s *RunService) ownedSession(ctx context.Context, userID int64, sessionID string) (*domain.Session, error) {
	if _, err := uuid.Parse(sessionID); err != nil {
		return nil, domain.ErrNoSession
	}
	sess, err := s.deps.Sessions.Get(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if sess.UserID != userID {
		return nil, domain.ErrNotOwner
	}
	return sess, nil
}

// LeaderboardQuery selects one partition of a map
type LeaderboardQuery struct {
	TrackNum int
	ZoneNum  int
	Flags    uint32
	Limit    int
}

// Leaderboard returns the top of one of a map's leaderboards
func (s *RunService) Leaderboard(ctx context.Context, mapID int64, q LeaderboardQuery) ([]domain.LeaderboardEntry, error) {
	p, err := s.partition(ctx, mapID, q)
	if err != nil {
		return nil, err
	}

	limit := q.Limit
	if limit <= 0 {
		limit = s.limits.DefaultLimit
	}
	if limit > s.limits.MaxLimit {
		limit = s.limits.MaxLimit
	}

	entries, err := s.deps.Mirror.GetTopN(ctx, p, limit)
	if err != nil {
		return nil, fmt.Errorf("getting top n from mirror: %w", err)
	}
	return entries, nil
}

// LeaderboardRank returns a user's row in one of a map's leaderboards
func (s *RunService) LeaderboardRank(ctx context.Context, mapID, userID int64, q LeaderboardQuery) (*domain.LeaderboardEntry, error) {
	p, err := s.partition(ctx, mapID, q)
	if err != nil {
		return nil, err
	}
	entry, err := s.deps.Mirror.GetUserRank(ctx, p, userID)
	if err != nil {
		if errors.Is(err, domain.ErrEntryNotFound) {
			return nil, err
		}
		return nil, fmt.Errorf("getting user rank from mirror: %w", err)
	}
	return entry, nil
}

func (s *RunService) partition(ctx context.Context, mapID int64, q LeaderboardQuery) (domain.Partition, error) {
	m, err := s.deps.Maps.GetMap(ctx, mapID)
	if err != nil {
		return domain.Partition{}, err
	}
	track, ok := m.Track(q.TrackNum)
	if !ok || q.ZoneNum < 0 || q.ZoneNum > track.NumZones {
		return domain.Partition{}, domain.ErrInvalidTrack
	}
	return domain.Partition{
		MapID:    m.ID,
		GameMode: m.GameMode,
		Flags:    q.Flags,
		TrackNum: q.TrackNum,
		ZoneNum:  q.ZoneNum,
	}, nil
}

// UserStats returns a user's running totals
func (s *RunService) UserStats(ctx context.Context, userID int64) (domain.UserStats, error) {
	if _, err := s.deps.Users.GetUser(ctx, userID); err != nil {
		if errors.Is(err, domain.ErrUserNotFound) {
			return domain.UserStats{}, err
		}
		return domain.UserStats{}, fmt.Errorf("loading user: %w", err)
	}
	return s.deps.Users.GetUserStats(ctx, userID)
}
