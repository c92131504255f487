// Package ledger merges accepted runs into leaderboards.
//
// Every partition keeps the ranks of its entries dense: exactly 1..N, in
// time order. Submit preserves this by shifting only the window of entries
// the new time overtakes, inside a single partition transaction.
package ledger

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/runledger/internal/domain"
	"github.com/runledger/internal/xp"
)

// Ledger applies runs to a Store
type Ledger struct {
	store  Store
	xp     *xp.System
	logger *slog.Logger
}

// New creates a ledger
func New(store Store, xpSystem *xp.System, logger *slog.Logger) *Ledger {
	return &Ledger{
		store:  store,
		xp:     xpSystem,
		logger: logger,
	}
}

// Submission is a validated run ready to be recorded
type Submission struct {
	Run        *domain.ProcessedRun
	Track      domain.MapTrack
	ReplayKey  string
	ReplayHash string
	Now        time.Time
}

// Outcome describes what a submission changed
type Outcome struct {
	Run              *domain.Run
	IsPersonalBest   bool
	IsWorldRecord    bool
	Entry            *domain.RankEntry
	Shifted          []domain.RankEntry
	TotalCompetitors int
	XP               domain.XPGain
	// Version is the partition version the ranking change produced, zero
	// when the run was not a personal best
	Version int64
}

// Submit records the run, updates completion counters and user stats, and
// when the run is a personal best moves the user into position.
func (l *Ledger) Submit(ctx context.Context, sub Submission) (*Outcome, error) {
	p := sub.Run.Partition()
	var out *Outcome

	err := l.store.InPartition(ctx, p, func(tx Tx) error {
		var err error
		out, err = l.apply(ctx, tx, p, sub)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("submitting run to %s: %w", p.Key(), err)
	}

	l.logger.Debug("run recorded",
		"partition", p.Key(),
		"user_id", sub.Run.UserID,
		"run_id", out.Run.ID,
		"personal_best", out.IsPersonalBest,
		"world_record", out.IsWorldRecord,
		"shifted", len(out.Shifted),
		"version", out.Version,
	)
	return out, nil
}

func (l *Ledger) apply(ctx context.Context, tx Tx, p domain.Partition, sub Submission) (*Outcome, error) {
	run := sub.Run
	out := &Outcome{}

	existing, err := tx.Entry(ctx, p, run.UserID)
	if err != nil {
		return nil, fmt.Errorf("loading entry: %w", err)
	}

	out.IsPersonalBest = existing == nil || existing.Time > run.Time
	if out.IsPersonalBest {
		wr, err := tx.RankOne(ctx, p)
		if err != nil {
			return nil, fmt.Errorf("loading rank one: %w", err)
		}
		out.IsWorldRecord = wr == nil || wr.Time > run.Time
	}

	unique, err := l.countCompletions(ctx, tx, sub)
	if err != nil {
		return nil, err
	}

	out.Run = &domain.Run{
		UserID:     run.UserID,
		MapID:      run.MapID,
		GameMode:   run.GameMode,
		Flags:      run.Flags,
		TrackNum:   run.TrackNum,
		ZoneNum:    run.ZoneNum,
		Ticks:      run.Ticks,
		TickRate:   run.TickRate,
		Time:       run.Time,
		Stats:      run.Stats,
		ZoneStats:  run.ZoneStats,
		ReplayKey:  sub.ReplayKey,
		ReplayHash: sub.ReplayHash,
		CreatedAt:  sub.Now,
	}
	if err := tx.InsertRun(ctx, out.Run); err != nil {
		return nil, fmt.Errorf("inserting run: %w", err)
	}

	if out.IsPersonalBest {
		if err := l.rank(ctx, tx, p, existing, out, sub.Now); err != nil {
			return nil, err
		}
	}

	cosmetic, err := l.awardCosmetic(ctx, tx, sub, unique)
	if err != nil {
		return nil, err
	}
	out.XP.Cosmetic = cosmetic
	return out, nil
}

// rank places a personal best. A new entrant grows the table, so everything
// from the new rank down moves. An improving entrant reuses its old slot, so
// only the ranks between the new and old position move.
func (l *Ledger) rank(ctx context.Context, tx Tx, p domain.Partition, existing *domain.RankEntry, out *Outcome, now time.Time) error {
	total, err := tx.CountEntries(ctx, p)
	if err != nil {
		return fmt.Errorf("counting entries: %w", err)
	}
	if existing == nil {
		total++
	}

	faster, err := tx.CountAtOrFaster(ctx, p, out.Run.Time)
	if err != nil {
		return fmt.Errorf("counting faster entries: %w", err)
	}
	newRank := faster + 1

	to := 0
	if existing != nil {
		to = existing.Rank
	}
	if existing == nil || newRank < existing.Rank {
		shifted, err := tx.ShiftRanks(ctx, p, newRank, to)
		if err != nil {
			return fmt.Errorf("shifting ranks: %w", err)
		}
		if len(shifted) > 0 {
			rankXP := make(map[int64]int, len(shifted))
			for i := range shifted {
				shifted[i].RankXP = l.xp.RankXP(shifted[i].Rank, total)
				rankXP[shifted[i].UserID] = shifted[i].RankXP
			}
			if err := tx.SetRankXP(ctx, p, rankXP); err != nil {
				return fmt.Errorf("rewriting rank xp: %w", err)
			}
		}
		out.Shifted = shifted
	}

	entry := &domain.RankEntry{
		Partition: p,
		UserID:    out.Run.UserID,
		Rank:      newRank,
		RunID:     out.Run.ID,
		Time:      out.Run.Time,
		RankXP:    l.xp.RankXP(newRank, total),
		UpdatedAt: now,
	}
	if existing != nil {
		err = tx.UpdateEntry(ctx, entry)
	} else {
		err = tx.InsertEntry(ctx, entry)
	}
	if err != nil {
		return fmt.Errorf("saving entry: %w", err)
	}

	version, err := tx.BumpVersion(ctx, p)
	if err != nil {
		return fmt.Errorf("bumping version: %w", err)
	}

	out.Entry = entry
	out.Version = version
	out.TotalCompetitors = total
	out.XP.RankXP = entry.RankXP
	return nil
}

// countCompletions bumps every counter the run covers and reports whether it
// was the user's first completion at the run's own granularity.
func (l *Ledger) countCompletions(ctx context.Context, tx Tx, sub Submission) (bool, error) {
	run := sub.Run

	if run.ZoneNum > 0 {
		done, err := tx.HasCompletedZone(ctx, run.UserID, run.MapID, run.TrackNum, run.ZoneNum)
		if err != nil {
			return false, fmt.Errorf("checking zone completion: %w", err)
		}
		err = tx.AddCompletion(ctx, Completion{
			MapID:    run.MapID,
			Scope:    ScopeZone,
			TrackNum: run.TrackNum,
			ZoneNum:  run.ZoneNum,
			Unique:   !done,
			Stats:    run.Stats,
			Time:     run.Time,
		})
		if err != nil {
			return false, fmt.Errorf("counting zone completion: %w", err)
		}
		return !done, nil
	}

	trackDone, err := tx.HasCompletedTrack(ctx, run.UserID, run.MapID, run.TrackNum)
	if err != nil {
		return false, fmt.Errorf("checking track completion: %w", err)
	}

	completions := []Completion{{
		MapID:    run.MapID,
		Scope:    ScopeTrack,
		TrackNum: run.TrackNum,
		Unique:   !trackDone,
		Stats:    run.Stats,
		Time:     run.Time,
	}}

	for zone := 1; zone <= sub.Track.NumZones; zone++ {
		zoneDone, err := tx.HasCompletedZone(ctx, run.UserID, run.MapID, run.TrackNum, zone)
		if err != nil {
			return false, fmt.Errorf("checking zone completion: %w", err)
		}
		c := Completion{
			MapID:    run.MapID,
			Scope:    ScopeZone,
			TrackNum: run.TrackNum,
			ZoneNum:  zone,
			Unique:   !zoneDone,
		}
		if zone <= len(run.ZoneStats) {
			c.Stats = run.ZoneStats[zone-1]
			c.Time = float64(run.ZoneStats[zone-1].TotalTime)
		}
		completions = append(completions, c)
	}

	if run.TrackNum == domain.MainTrack {
		completions = append(completions, Completion{
			MapID:  run.MapID,
			Scope:  ScopeMap,
			Unique: !trackDone,
			Stats:  run.Stats,
			Time:   run.Time,
		})
	}

	for _, c := range completions {
		if err := tx.AddCompletion(ctx, c); err != nil {
			return false, fmt.Errorf("counting %s completion: %w", c.Scope, err)
		}
	}
	return !trackDone, nil
}

func (l *Ledger) awardCosmetic(ctx context.Context, tx Tx, sub Submission, unique bool) (domain.CosmeticXPGain, error) {
	run := sub.Run

	stats, err := tx.UserStats(ctx, run.UserID)
	if err != nil {
		return domain.CosmeticXPGain{}, fmt.Errorf("loading user stats: %w", err)
	}
	if stats.Level < 1 {
		stats.Level = 1
	}

	gain := l.xp.CosmeticXP(xp.Completion{
		Tier:         sub.Track.Tier,
		IsLinear:     sub.Track.IsLinear,
		IsBonus:      sub.Track.IsBonus(),
		IsUnique:     unique,
		IsSingleZone: run.ZoneNum > 0,
	})
	result := domain.CosmeticXPGain{
		Gain:     gain,
		OldXP:    stats.CosmeticXP,
		OldLevel: stats.Level,
	}

	stats.Level += l.xp.LevelsGained(stats.Level, stats.CosmeticXP, gain)
	stats.CosmeticXP += gain
	stats.TotalJumps += int64(run.Stats.Jumps)
	stats.TotalStrafes += int64(run.Stats.Strafes)
	stats.RunsSubmitted++
	if unique && run.TrackNum == domain.MainTrack && run.ZoneNum == 0 {
		stats.MapsCompleted++
	}
	if err := tx.SaveUserStats(ctx, stats); err != nil {
		return domain.CosmeticXPGain{}, fmt.Errorf("saving user stats: %w", err)
	}

	result.NewLevel = stats.Level
	return result, nil
}
