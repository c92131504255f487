package postgres

var migrations = []string{
	`CREATE TABLE IF NOT EXISTS users (
		id BIGSERIAL PRIMARY KEY,
		steam_id BIGINT NOT NULL UNIQUE,
		alias VARCHAR(64) NOT NULL,
		created_at TIMESTAMPTZ DEFAULT CURRENT_TIMESTAMP
	)`,
	`CREATE TABLE IF NOT EXISTS user_stats (
		user_id BIGINT PRIMARY KEY REFERENCES users(id) ON DELETE CASCADE,
		cosmetic_xp BIGINT NOT NULL DEFAULT 0,
		level INT NOT NULL DEFAULT 1,
		total_jumps BIGINT NOT NULL DEFAULT 0,
		total_strafes BIGINT NOT NULL DEFAULT 0,
		runs_submitted BIGINT NOT NULL DEFAULT 0,
		maps_completed BIGINT NOT NULL DEFAULT 0,
		updated_at TIMESTAMPTZ DEFAULT CURRENT_TIMESTAMP
	)`,
	`CREATE TABLE IF NOT EXISTS maps (
		id BIGSERIAL PRIMARY KEY,
		name VARCHAR(64) NOT NULL UNIQUE,
		hash CHAR(40) NOT NULL,
		game_mode VARCHAR(16) NOT NULL,
		created_at TIMESTAMPTZ DEFAULT CURRENT_TIMESTAMP
	)`,
	`CREATE TABLE IF NOT EXISTS map_tracks (
		map_id BIGINT NOT NULL REFERENCES maps(id) ON DELETE CASCADE,
		track_num SMALLINT NOT NULL,
		num_zones SMALLINT NOT NULL,
		is_linear BOOLEAN NOT NULL DEFAULT FALSE,
		tier SMALLINT NOT NULL,
		PRIMARY KEY (map_id, track_num)
	)`,
	`CREATE TABLE IF NOT EXISTS past_runs (
		id BIGSERIAL PRIMARY KEY,
		user_id BIGINT NOT NULL REFERENCES users(id),
		map_id BIGINT NOT NULL REFERENCES maps(id),
		game_mode VARCHAR(16) NOT NULL,
		flags BIGINT NOT NULL,
		track_num SMALLINT NOT NULL,
		zone_num SMALLINT NOT NULL,
		ticks BIGINT NOT NULL,
		tick_rate DOUBLE PRECISION NOT NULL,
		time DOUBLE PRECISION NOT NULL,
		stats JSONB NOT NULL,
		zone_stats JSONB,
		replay_key VARCHAR(128) NOT NULL,
		replay_hash CHAR(40) NOT NULL,
		created_at TIMESTAMPTZ NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS leaderboard_runs (
		map_id BIGINT NOT NULL REFERENCES maps(id) ON DELETE CASCADE,
		game_mode VARCHAR(16) NOT NULL,
		flags BIGINT NOT NULL,
		track_num SMALLINT NOT NULL,
		zone_num SMALLINT NOT NULL,
		user_id BIGINT NOT NULL REFERENCES users(id),
		rank INT NOT NULL CHECK (rank > 0),
		run_id BIGINT NOT NULL REFERENCES past_runs(id),
		time DOUBLE PRECISION NOT NULL,
		rank_xp INT NOT NULL DEFAULT 0,
		updated_at TIMESTAMPTZ NOT NULL,
		PRIMARY KEY (map_id, game_mode, flags, track_num, zone_num, user_id),
		CONSTRAINT leaderboard_runs_rank_key UNIQUE (map_id, game_mode, flags, track_num, zone_num, rank)
			DEFERRABLE INITIALLY DEFERRED
	)`,
	`CREATE TABLE IF NOT EXISTS completion_stats (
		map_id BIGINT NOT NULL REFERENCES maps(id) ON DELETE CASCADE,
		scope VARCHAR(8) NOT NULL,
		track_num SMALLINT NOT NULL,
		zone_num SMALLINT NOT NULL,
		completions BIGINT NOT NULL DEFAULT 0,
		unique_completions BIGINT NOT NULL DEFAULT 0,
		total_time DOUBLE PRECISION NOT NULL DEFAULT 0,
		total_jumps BIGINT NOT NULL DEFAULT 0,
		total_strafes BIGINT NOT NULL DEFAULT 0,
		PRIMARY KEY (map_id, scope, track_num, zone_num)
	)`,
	`CREATE TABLE IF NOT EXISTS partition_versions (
		map_id BIGINT NOT NULL,
		game_mode VARCHAR(16) NOT NULL,
		flags BIGINT NOT NULL,
		track_num SMALLINT NOT NULL,
		zone_num SMALLINT NOT NULL,
		version BIGINT NOT NULL,
		PRIMARY KEY (map_id, game_mode, flags, track_num, zone_num)
	)`,
	`CREATE TABLE IF NOT EXISTS activities (
		id BIGSERIAL PRIMARY KEY,
		type VARCHAR(20) NOT NULL,
		user_id BIGINT NOT NULL,
		map_id BIGINT NOT NULL,
		track_num SMALLINT NOT NULL,
		zone_num SMALLINT NOT NULL,
		run_id BIGINT NOT NULL,
		rank INT NOT NULL,
		time DOUBLE PRECISION NOT NULL,
		created_at TIMESTAMPTZ NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_past_runs_user_map ON past_runs(user_id, map_id, track_num, zone_num)`,
	`CREATE INDEX IF NOT EXISTS idx_leaderboard_runs_time ON leaderboard_runs(map_id, game_mode, flags, track_num, zone_num, time)`,
	`CREATE INDEX IF NOT EXISTS idx_activities_map ON activities(map_id, created_at DESC)`,
}
