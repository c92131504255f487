package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/runledger/internal/domain"
	"github.com/runledger/internal/ledger"
)

const (
	partitionWhere = "map_id = $1 AND game_mode = $2 AND flags = $3 AND track_num = $4 AND zone_num = $5"
	entryColumns   = "user_id, rank, run_id, time, rank_xp, updated_at"
)

func partitionArgs(p domain.Partition, extra ...any) []any {
	args := []any{p.MapID, string(p.GameMode), int64(p.Flags), p.TrackNum, p.ZoneNum}
	return append(args, extra...)
}

func scanEntry(row pgx.Row, p domain.Partition) (domain.RankEntry, error) {
	e := domain.RankEntry{Partition: p}
	err := row.Scan(&e.UserID, &e.Rank, &e.RunID, &e.Time, &e.RankXP, &e.UpdatedAt)
	return e, err
}

type querier interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

func getUserStats(ctx context.Context, q querier, userID int64) (domain.UserStats, error) {
	s := domain.UserStats{UserID: userID}
	err := q.QueryRow(ctx, `
		SELECT cosmetic_xp, level, total_jumps, total_strafes, runs_submitted, maps_completed
		FROM user_stats
		WHERE user_id = $1
	`, userID).Scan(&s.CosmeticXP, &s.Level, &s.TotalJumps, &s.TotalStrafes, &s.RunsSubmitted, &s.MapsCompleted)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			s.Level = 1
			return s, nil
		}
		return s, fmt.Errorf("getting user stats: %w", err)
	}
	return s, nil
}

// InPartition runs fn inside a transaction holding the partition's advisory
// lock. The lock is released on commit or rollback.
func (r *Repository) InPartition(ctx context.Context, p domain.Partition, fn func(tx ledger.Tx) error) error {
	return pgx.BeginTxFunc(ctx, r.pool, pgx.TxOptions{}, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtextextended($1, 0))`, p.Key()); err != nil {
			return fmt.Errorf("locking partition: %w", err)
		}
		return fn(&partitionTx{tx: tx})
	})
}

// partitionTx implements ledger.Tx over a pgx transaction
type partitionTx struct {
	tx pgx.Tx
}

func (t *partitionTx) queryEntry(ctx context.Context, p domain.Partition, cond string, arg any) (*domain.RankEntry, error) {
	row := t.tx.QueryRow(ctx,
		`SELECT `+entryColumns+` FROM leaderboard_runs WHERE `+partitionWhere+` AND `+cond,
		partitionArgs(p, arg)...,
	)
	e, err := scanEntry(row, p)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return &e, nil
}

func (t *partitionTx) Entry(ctx context.Context, p domain.Partition, userID int64) (*domain.RankEntry, error) {
	e, err := t.queryEntry(ctx, p, "user_id = $6", userID)
	if err != nil {
		return nil, fmt.Errorf("getting entry: %w", err)
	}
	return e, nil
}

func (t *partitionTx) RankOne(ctx context.Context, p domain.Partition) (*domain.RankEntry, error) {
	e, err := t.queryEntry(ctx, p, "rank = $6", 1)
	if err != nil {
		return nil, fmt.Errorf("getting rank one: %w", err)
	}
	return e, nil
}

func (t *partitionTx) CountEntries(ctx context.Context, p domain.Partition) (int, error) {
	var n int
	err := t.tx.QueryRow(ctx,
		`SELECT COUNT(*) FROM leaderboard_runs WHERE `+partitionWhere,
		partitionArgs(p)...,
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("counting entries: %w", err)
	}
	return n, nil
}

func (t *partitionTx) CountAtOrFaster(ctx context.Context, p domain.Partition, time float64) (int, error) {
	var n int
	err := t.tx.QueryRow(ctx,
		`SELECT COUNT(*) FROM leaderboard_runs WHERE `+partitionWhere+` AND time <= $6`,
		partitionArgs(p, time)...,
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("counting faster entries: %w", err)
	}
	return n, nil
}

func (t *partitionTx) HasCompletedTrack(ctx context.Context, userID, mapID int64, trackNum int) (bool, error) {
	var exists bool
	err := t.tx.QueryRow(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM past_runs
			WHERE user_id = $1 AND map_id = $2 AND track_num = $3 AND zone_num = 0
		)
	`, userID, mapID, trackNum).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("checking track completion: %w", err)
	}
	return exists, nil
}

func (t *partitionTx) HasCompletedZone(ctx context.Context, userID, mapID int64, trackNum, zoneNum int) (bool, error) {
	var exists bool
	err := t.tx.QueryRow(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM past_runs
			WHERE user_id = $1 AND map_id = $2 AND track_num = $3 AND zone_num IN (0, $4)
		)
	`, userID, mapID, trackNum, zoneNum).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("checking zone completion: %w", err)
	}
	return exists, nil
}

func (t *partitionTx) InsertRun(ctx context.Context, run *domain.Run) error {
	statsJSON, err := json.Marshal(run.Stats)
	if err != nil {
		return fmt.Errorf("marshaling stats: %w", err)
	}
	var zoneStatsJSON []byte
	if len(run.ZoneStats) > 0 {
		if zoneStatsJSON, err = json.Marshal(run.ZoneStats); err != nil {
			return fmt.Errorf("marshaling zone stats: %w", err)
		}
	}

	err = t.tx.QueryRow(ctx, `
		INSERT INTO past_runs (user_id, map_id, game_mode, flags, track_num, zone_num, ticks,
			tick_rate, time, stats, zone_stats, replay_key, replay_hash, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
		RETURNING id
	`,
		run.UserID,
		run.MapID,
		string(run.GameMode),
		int64(run.Flags),
		run.TrackNum,
		run.ZoneNum,
		run.Ticks,
		run.TickRate,
		run.Time,
		statsJSON,
		zoneStatsJSON,
		run.ReplayKey,
		run.ReplayHash,
		run.CreatedAt,
	).Scan(&run.ID)
	if err != nil {
		return fmt.Errorf("inserting run: %w", err)
	}
	return nil
}

func (t *partitionTx) AddCompletion(ctx context.Context, c ledger.Completion) error {
	unique := 0
	if c.Unique {
		unique = 1
	}
	_, err := t.tx.Exec(ctx, `
		INSERT INTO completion_stats (map_id, scope, track_num, zone_num, completions,
			unique_completions, total_time, total_jumps, total_strafes)
		VALUES ($1, $2, $3, $4, 1, $5, $6, $7, $8)
		ON CONFLICT (map_id, scope, track_num, zone_num)
		DO UPDATE SET
			completions = completion_stats.completions + 1,
			unique_completions = completion_stats.unique_completions + EXCLUDED.unique_completions,
			total_time = completion_stats.total_time + EXCLUDED.total_time,
			total_jumps = completion_stats.total_jumps + EXCLUDED.total_jumps,
			total_strafes = completion_stats.total_strafes + EXCLUDED.total_strafes
	`,
		c.MapID,
		string(c.Scope),
		c.TrackNum,
		c.ZoneNum,
		unique,
		c.Time,
		int64(c.Stats.Jumps),
		int64(c.Stats.Strafes),
	)
	if err != nil {
		return fmt.Errorf("adding %s completion: %w", c.Scope, err)
	}
	return nil
}

// ShiftRanks relies on the rank uniqueness constraint being deferred to
// commit, since rows pass through duplicate ranks mid-update.
func (t *partitionTx) ShiftRanks(ctx context.Context, p domain.Partition, from, to int) ([]domain.RankEntry, error) {
	rows, err := t.tx.Query(ctx,
		`UPDATE leaderboard_runs SET rank = rank + 1
		WHERE `+partitionWhere+` AND rank >= $6 AND ($7::int <= 0 OR rank < $7::int)
		RETURNING `+entryColumns,
		partitionArgs(p, from, to)...,
	)
	if err != nil {
		return nil, fmt.Errorf("shifting ranks: %w", err)
	}
	shifted, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (domain.RankEntry, error) {
		return scanEntry(row, p)
	})
	if err != nil {
		return nil, fmt.Errorf("scanning shifted ranks: %w", err)
	}
	return shifted, nil
}

func (t *partitionTx) SetRankXP(ctx context.Context, p domain.Partition, xp map[int64]int) error {
	if len(xp) == 0 {
		return nil
	}

	batch := &pgx.Batch{}
	for userID, rankXP := range xp {
		batch.Queue(
			`UPDATE leaderboard_runs SET rank_xp = $7 WHERE `+partitionWhere+` AND user_id = $6`,
			partitionArgs(p, userID, rankXP)...,
		)
	}

	br := t.tx.SendBatch(ctx, batch)
	for range xp {
		if _, err := br.Exec(); err != nil {
			br.Close()
			return fmt.Errorf("updating rank xp: %w", err)
		}
	}
	return br.Close()
}

func (t *partitionTx) InsertEntry(ctx context.Context, e *domain.RankEntry) error {
	_, err := t.tx.Exec(ctx, `
		INSERT INTO leaderboard_runs (map_id, game_mode, flags, track_num, zone_num,
			user_id, rank, run_id, time, rank_xp, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
	`, partitionArgs(e.Partition, e.UserID, e.Rank, e.RunID, e.Time, e.RankXP, e.UpdatedAt)...)
	if err != nil {
		return fmt.Errorf("inserting entry: %w", err)
	}
	return nil
}

func (t *partitionTx) UpdateEntry(ctx context.Context, e *domain.RankEntry) error {
	tag, err := t.tx.Exec(ctx,
		`UPDATE leaderboard_runs SET rank = $7, run_id = $8, time = $9, rank_xp = $10, updated_at = $11
		WHERE `+partitionWhere+` AND user_id = $6`,
		partitionArgs(e.Partition, e.UserID, e.Rank, e.RunID, e.Time, e.RankXP, e.UpdatedAt)...,
	)
	if err != nil {
		return fmt.Errorf("updating entry: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrEntryNotFound
	}
	return nil
}

func (t *partitionTx) BumpVersion(ctx context.Context, p domain.Partition) (int64, error) {
	var version int64
	err := t.tx.QueryRow(ctx, `
		INSERT INTO partition_versions (map_id, game_mode, flags, track_num, zone_num, version)
		VALUES ($1, $2, $3, $4, $5, 1)
		ON CONFLICT (map_id, game_mode, flags, track_num, zone_num)
		DO UPDATE SET version = partition_versions.version + 1
		RETURNING version
	`, partitionArgs(p)...).Scan(&version)
	if err != nil {
		return 0, fmt.Errorf("bumping partition version: %w", err)
	}
	return version, nil
}

// UserStats locks the user's row until the transaction ends. Runs on other
// partitions update the same row, and SaveUserStats writes the totals back.
func (t *partitionTx) UserStats(ctx context.Context, userID int64) (domain.UserStats, error) {
	if _, err := t.tx.Exec(ctx,
		`INSERT INTO user_stats (user_id) VALUES ($1) ON CONFLICT (user_id) DO NOTHING`, userID,
	); err != nil {
		return domain.UserStats{}, fmt.Errorf("creating user stats: %w", err)
	}
	s := domain.UserStats{UserID: userID}
	err := t.tx.QueryRow(ctx, `
		SELECT cosmetic_xp, level, total_jumps, total_strafes, runs_submitted, maps_completed
		FROM user_stats
		WHERE user_id = $1
		FOR UPDATE
	`, userID).Scan(&s.CosmeticXP, &s.Level, &s.TotalJumps, &s.TotalStrafes, &s.RunsSubmitted, &s.MapsCompleted)
	if err != nil {
		return s, fmt.Errorf("locking user stats: %w", err)
	}
	return s, nil
}

func (t *partitionTx) SaveUserStats(ctx context.Context, s domain.UserStats) error {
	_, err := t.tx.Exec(ctx, `
		INSERT INTO user_stats (user_id, cosmetic_xp, level, total_jumps, total_strafes,
			runs_submitted, maps_completed, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, CURRENT_TIMESTAMP)
		ON CONFLICT (user_id)
		DO UPDATE SET
			cosmetic_xp = EXCLUDED.cosmetic_xp,
			level = EXCLUDED.level,
			total_jumps = EXCLUDED.total_jumps,
			total_strafes = EXCLUDED.total_strafes,
			runs_submitted = EXCLUDED.runs_submitted,
			maps_completed = EXCLUDED.maps_completed,
			updated_at = CURRENT_TIMESTAMP
	`, s.UserID, s.CosmeticXP, s.Level, s.TotalJumps, s.TotalStrafes, s.RunsSubmitted, s.MapsCompleted)
	if err != nil {
		return fmt.Errorf("saving user stats: %w", err)
	}
	return nil
}
