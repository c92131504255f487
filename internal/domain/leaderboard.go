package domain

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Partition identifies one independent leaderboard
type Partition struct {
	MapID    int64    `json:"map_id"`
	GameMode GameMode `json:"game_mode"`
	Flags    uint32   `json:"flags"`
	TrackNum int      `json:"track_num"`
	ZoneNum  int      `json:"zone_num"`
}

// Key returns a stable string form used for lock and cache keys
func (p Partition) Key() string {
	return fmt.Sprintf("%d:%s:%d:%d:%d", p.MapID, p.GameMode, p.Flags, p.TrackNum, p.ZoneNum)
}

// ParsePartitionKey is the inverse of Partition.Key
func ParsePartitionKey(key string) (Partition, error) {
	parts := strings.Split(key, ":")
	if len(parts) != 5 {
		return Partition{}, fmt.Errorf("parsing partition key %q: want 5 fields, got %d", key, len(parts))
	}
	mapID, err := strconv.ParseInt(parts[0], 10, 64)
	if err != nil {
		return Partition{}, fmt.Errorf("parsing partition key %q: %w", key, err)
	}
	flags, err := strconv.ParseUint(parts[2], 10, 32)
	if err != nil {
		return Partition{}, fmt.Errorf("parsing partition key %q: %w", key, err)
	}
	track, err := strconv.Atoi(parts[3])
	if err != nil {
		return Partition{}, fmt.Errorf("parsing partition key %q: %w", key, err)
	}
	zone, err := strconv.Atoi(parts[4])
	if err != nil {
		return Partition{}, fmt.Errorf("parsing partition key %q: %w", key, err)
	}
	return Partition{
		MapID:    mapID,
		GameMode: GameMode(parts[1]),
		Flags:    uint32(flags),
		TrackNum: track,
		ZoneNum:  zone,
	}, nil
}

// RankEntry is the durable leaderboard row of one user in one partition.
// Ranks in a partition are always exactly 1..N.
type RankEntry struct {
	Partition
	UserID    int64     `json:"user_id"`
	Rank      int       `json:"rank"`
	RunID     int64     `json:"run_id"`
	Time      float64   `json:"time"`
	RankXP    int       `json:"rank_xp"`
	UpdatedAt time.Time `json:"updated_at"`
}

// RankSnapshot is a partition's entries as of one version, read atomically
type RankSnapshot struct {
	Partition Partition
	Version   int64
	Entries   []RankEntry
}

// LeaderboardEntry is one row of the realtime leaderboard mirror
type LeaderboardEntry struct {
	Rank   int64   `json:"rank"`
	UserID int64   `json:"user_id"`
	Time   float64 `json:"time"`
}

// ActivityType classifies activities emitted on notable completions
type ActivityType string

const (
	ActivityPersonalBest ActivityType = "pb_achieved"
	ActivityWorldRecord  ActivityType = "wr_achieved"
)

// Activity is emitted when a submission yields a new PB or WR
type Activity struct {
	Type      ActivityType `json:"type"`
	UserID    int64        `json:"user_id"`
	MapID     int64        `json:"map_id"`
	TrackNum  int          `json:"track_num"`
	ZoneNum   int          `json:"zone_num"`
	RunID     int64        `json:"run_id"`
	Rank      int          `json:"rank"`
	Time      float64      `json:"time"`
	CreatedAt time.Time    `json:"created_at"`
}
