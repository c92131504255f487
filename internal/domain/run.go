package domain

import "time"

// RunStats are the aggregate movement statistics stored in a replay, either
// for the whole run or for one zone of it.
type RunStats struct {
	Jumps          uint32  `json:"jumps"`
	Strafes        uint32  `json:"strafes"`
	AvgStrafeSync  float32 `json:"avg_strafe_sync"`
	AvgStrafeSync2 float32 `json:"avg_strafe_sync2"`
	EnterTime      float32 `json:"enter_time"`
	TotalTime      float32 `json:"total_time"`
	VelMax3D       float32 `json:"vel_max_3d"`
	VelMax2D       float32 `json:"vel_max_2d"`
	VelAvg3D       float32 `json:"vel_avg_3d"`
	VelAvg2D       float32 `json:"vel_avg_2d"`
	VelEnter3D     float32 `json:"vel_enter_3d"`
	VelEnter2D     float32 `json:"vel_enter_2d"`
	VelExit3D      float32 `json:"vel_exit_3d"`
	VelExit2D      float32 `json:"vel_exit_2d"`
}

// ProcessedRun is a replay that passed validation, normalised for the ledger
type ProcessedRun struct {
	UserID    int64      `json:"user_id"`
	MapID     int64      `json:"map_id"`
	GameMode  GameMode   `json:"game_mode"`
	TrackNum  int        `json:"track_num"`
	ZoneNum   int        `json:"zone_num"`
	Ticks     int64      `json:"ticks"`
	TickRate  float64    `json:"tick_rate"`
	Flags     uint32     `json:"flags"`
	Time      float64    `json:"time"`
	Stats     RunStats   `json:"stats"`
	ZoneStats []RunStats `json:"zone_stats,omitempty"`
}

// Partition returns the leaderboard the run competes on
func (r *ProcessedRun) Partition() Partition {
	return Partition{
		MapID:    r.MapID,
		GameMode: r.GameMode,
		Flags:    r.Flags,
		TrackNum: r.TrackNum,
		ZoneNum:  r.ZoneNum,
	}
}

// Run is an immutable record of one accepted attempt
type Run struct {
	ID         int64      `json:"id"`
	UserID     int64      `json:"user_id"`
	MapID      int64      `json:"map_id"`
	GameMode   GameMode   `json:"game_mode"`
	Flags      uint32     `json:"flags"`
	TrackNum   int        `json:"track_num"`
	ZoneNum    int        `json:"zone_num"`
	Ticks      int64      `json:"ticks"`
	TickRate   float64    `json:"tick_rate"`
	Time       float64    `json:"time"`
	Stats      RunStats   `json:"stats"`
	ZoneStats  []RunStats `json:"zone_stats,omitempty"`
	ReplayKey  string     `json:"replay_key"`
	ReplayHash string     `json:"replay_hash"`
	CreatedAt  time.Time  `json:"created_at"`
}

// CosmeticXPGain describes the level progression caused by one completion
type CosmeticXPGain struct {
	Gain     int64 `json:"gain"`
	OldXP    int64 `json:"old_xp"`
	OldLevel int   `json:"old_level"`
	NewLevel int   `json:"new_level"`
}

// XPGain is the XP breakdown of a completed run
type XPGain struct {
	RankXP   int            `json:"rank_xp"`
	Cosmetic CosmeticXPGain `json:"cosmetic"`
}

// CompletedRun is the result of a successful session completion
type CompletedRun struct {
	IsNewPersonalBest bool       `json:"is_new_personal_best"`
	IsNewWorldRecord  bool       `json:"is_new_world_record"`
	Run               *Run       `json:"run"`
	Rank              *RankEntry `json:"rank,omitempty"`
	XP                XPGain     `json:"xp"`
}
