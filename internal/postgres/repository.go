package postgres

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/runledger/internal/config"
	"github.com/runledger/internal/domain"
)

// Repository provides PostgreSQL-based data access
type Repository struct {
	pool   *pgxpool.Pool
	logger *slog.Logger
}

// NewRepository creates a new PostgreSQL repository
func NewRepository(ctx context.Context, cfg *config.PostgresConfig, logger *slog.Logger) (*Repository, error) {
	poolConfig, err := pgxpool.ParseConfig(cfg.ConnectionString())
	if err != nil {
		return nil, fmt.Errorf("parsing connection string: %w", err)
	}

	poolConfig.MaxConns = int32(cfg.MaxConnections)
	poolConfig.MinConns = int32(cfg.MinConnections)
	poolConfig.MaxConnLifetime = cfg.MaxConnLifetime
	poolConfig.MaxConnIdleTime = cfg.MaxConnIdleTime

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("creating connection pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("connecting to database: %w", err)
	}

	return &Repository{
		pool:   pool,
		logger: logger,
	}, nil
}

// Close closes the database connection pool
func (r *Repository) Close() {
	r.pool.Close()
}

// Ping checks the database is reachable
func (r *Repository) Ping(ctx context.Context) error {
	return r.pool.Ping(ctx)
}

// RunMigrations executes database migrations
func (r *Repository) RunMigrations(ctx context.Context) error {
	for _, migration := range migrations {
		if _, err := r.pool.Exec(ctx, migration); err != nil {
			return fmt.Errorf("executing migration: %w", err)
		}
	}

	r.logger.Info("database migrations completed")
	return nil
}

// GetMap retrieves a map and its tracks
func (r *Repository) GetMap(ctx context.Context, mapID int64) (*domain.MapInfo, error) {
	var m domain.MapInfo
	err := r.pool.QueryRow(ctx,
		`SELECT id, name, hash, game_mode FROM maps WHERE id = $1`,
		mapID,
	).Scan(&m.ID, &m.Name, &m.Hash, &m.GameMode)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrMapNotFound
		}
		return nil, fmt.Errorf("getting map: %w", err)
	}

	rows, err := r.pool.Query(ctx, `
		SELECT map_id, track_num, num_zones, is_linear, tier
		FROM map_tracks
		WHERE map_id = $1
		ORDER BY track_num
	`, mapID)
	if err != nil {
		return nil, fmt.Errorf("getting map tracks: %w", err)
	}
	m.Tracks, err = pgx.CollectRows(rows, func(row pgx.CollectableRow) (domain.MapTrack, error) {
		var t domain.MapTrack
		err := row.Scan(&t.MapID, &t.TrackNum, &t.NumZones, &t.IsLinear, &t.Tier)
		return t, err
	})
	if err != nil {
		return nil, fmt.Errorf("scanning map tracks: %w", err)
	}
	return &m, nil
}

// UpsertMap inserts or replaces a map and its tracks
func (r *Repository) UpsertMap(ctx context.Context, m domain.MapInfo) error {
	return pgx.BeginFunc(ctx, r.pool, func(tx pgx.Tx) error {
		_, err := tx.Exec(ctx, `
			INSERT INTO maps (id, name, hash, game_mode)
			VALUES ($1, $2, $3, $4)
			ON CONFLICT (id)
			DO UPDATE SET name = $2, hash = $3, game_mode = $4
		`, m.ID, m.Name, m.Hash, string(m.GameMode))
		if err != nil {
			return fmt.Errorf("upserting map: %w", err)
		}

		if _, err := tx.Exec(ctx, `DELETE FROM map_tracks WHERE map_id = $1`, m.ID); err != nil {
			return fmt.Errorf("clearing map tracks: %w", err)
		}
		rows := make([][]any, len(m.Tracks))
		for i, t := range m.Tracks {
			rows[i] = []any{m.ID, t.TrackNum, t.NumZones, t.IsLinear, t.Tier}
		}
		_, err = tx.CopyFrom(ctx,
			pgx.Identifier{"map_tracks"},
			[]string{"map_id", "track_num", "num_zones", "is_linear", "tier"},
			pgx.CopyFromRows(rows),
		)
		if err != nil {
			return fmt.Errorf("copying map tracks: %w", err)
		}
		return nil
	})
}

// GetUser retrieves a user by ID
func (r *Repository) GetUser(ctx context.Context, userID int64) (*domain.User, error) {
	var u domain.User
	var steamID int64
	err := r.pool.QueryRow(ctx,
		`SELECT id, steam_id, alias FROM users WHERE id = $1`,
		userID,
	).Scan(&u.ID, &steamID, &u.Alias)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrUserNotFound
		}
		return nil, fmt.Errorf("getting user: %w", err)
	}
	u.SteamID = uint64(steamID)
	return &u, nil
}

// UpsertUser inserts or replaces a user
func (r *Repository) UpsertUser(ctx context.Context, u domain.User) error {
	_, err := r.pool.Exec(ctx, `
		INSERT INTO users (id, steam_id, alias)
		VALUES ($1, $2, $3)
		ON CONFLICT (id)
		DO UPDATE SET steam_id = $2, alias = $3
	`, u.ID, int64(u.SteamID), u.Alias)
	if err != nil {
		return fmt.Errorf("upserting user: %w", err)
	}
	return nil
}

// GetUserStats retrieves a user's running totals
func (r *Repository) GetUserStats(ctx context.Context, userID int64) (domain.UserStats, error) {
	return getUserStats(ctx, r.pool, userID)
}

// RecordActivity records an activity for auditing
func (r *Repository) RecordActivity(ctx context.Context, a domain.Activity) error {
	_, err := r.pool.Exec(ctx, `
		INSERT INTO activities (type, user_id, map_id, track_num, zone_num, run_id, rank, time, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`,
		string(a.Type),
		a.UserID,
		a.MapID,
		a.TrackNum,
		a.ZoneNum,
		a.RunID,
		a.Rank,
		a.Time,
		a.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("recording activity: %w", err)
	}
	return nil
}

// Partitions lists every partition holding at least one entry
func (r *Repository) Partitions(ctx context.Context) ([]domain.Partition, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT DISTINCT map_id, game_mode, flags, track_num, zone_num
		FROM leaderboard_runs
		ORDER BY map_id, game_mode, flags, track_num, zone_num
	`)
	if err != nil {
		return nil, fmt.Errorf("listing partitions: %w", err)
	}
	parts, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (domain.Partition, error) {
		var p domain.Partition
		var flags int64
		err := row.Scan(&p.MapID, &p.GameMode, &flags, &p.TrackNum, &p.ZoneNum)
		p.Flags = uint32(flags)
		return p, err
	})
	if err != nil {
		return nil, fmt.Errorf("scanning partitions: %w", err)
	}
	return parts, nil
}

// Snapshot reads a partition's entries and version from one consistent view
func (r *Repository) Snapshot(ctx context.Context, p domain.Partition) (*domain.RankSnapshot, error) {
	snap := &domain.RankSnapshot{Partition: p}
	opts := pgx.TxOptions{IsoLevel: pgx.RepeatableRead, AccessMode: pgx.ReadOnly}
	err := pgx.BeginTxFunc(ctx, r.pool, opts, func(tx pgx.Tx) error {
		err := tx.QueryRow(ctx,
			`SELECT version FROM partition_versions WHERE `+partitionWhere,
			partitionArgs(p)...,
		).Scan(&snap.Version)
		if err != nil && !errors.Is(err, pgx.ErrNoRows) {
			return fmt.Errorf("getting partition version: %w", err)
		}
		snap.Entries, err = queryEntries(ctx, tx, p)
		return err
	})
	if err != nil {
		return nil, err
	}
	return snap, nil
}

func queryEntries(ctx context.Context, tx pgx.Tx, p domain.Partition) ([]domain.RankEntry, error) {
	rows, err := tx.Query(ctx,
		`SELECT `+entryColumns+` FROM leaderboard_runs WHERE `+partitionWhere+` ORDER BY rank`,
		partitionArgs(p)...,
	)
	if err != nil {
		return nil, fmt.Errorf("getting entries: %w", err)
	}
	entries, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (domain.RankEntry, error) {
		return scanEntry(row, p)
	})
	if err != nil {
		return nil, fmt.Errorf("scanning entries: %w", err)
	}
	return entries, nil
}
