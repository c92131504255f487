package domain

// GameMode is the movement ruleset a map is built for
type GameMode string

const (
	GameModeSurf   GameMode = "surf"
	GameModeBhop   GameMode = "bhop"
	GameModeClimb  GameMode = "climb"
	GameModeRJ     GameMode = "rj"
	GameModeSJ     GameMode = "sj"
	GameModeAhop   GameMode = "ahop"
	GameModeConc   GameMode = "conc"
	GameModeDefrag GameMode = "defrag"
)

// MainTrack is the track number of a map's primary track. Every other track
// is a bonus.
const MainTrack = 0

// MapTrack describes one track of a map
type MapTrack struct {
	MapID    int64 `json:"map_id"`
	TrackNum int   `json:"track_num"`
	NumZones int   `json:"num_zones"`
	IsLinear bool  `json:"is_linear"`
	Tier     int   `json:"tier"`
}

// IsBonus reports whether the track is a bonus track
func (t MapTrack) IsBonus() bool {
	return t.TrackNum != MainTrack
}

// MapInfo is the subset of a map the run engine needs
type MapInfo struct {
	ID       int64      `json:"id"`
	Name     string     `json:"name"`
	Hash     string     `json:"hash"`
	GameMode GameMode   `json:"game_mode"`
	Tracks   []MapTrack `json:"tracks"`
}

// Track returns the track with the given number
func (m *MapInfo) Track(trackNum int) (MapTrack, bool) {
	for _, t := range m.Tracks {
		if t.TrackNum == trackNum {
			return t, true
		}
	}
	return MapTrack{}, false
}

// User is the identity the engine cross-checks replays against
type User struct {
	ID      int64  `json:"id"`
	SteamID uint64 `json:"steam_id"`
	Alias   string `json:"alias"`
}

// UserStats holds per-user running totals mutated by completed runs
type UserStats struct {
	UserID        int64 `json:"user_id"`
	CosmeticXP    int64 `json:"cosmetic_xp"`
	Level         int   `json:"level"`
	TotalJumps    int64 `json:"total_jumps"`
	TotalStrafes  int64 `json:"total_strafes"`
	RunsSubmitted int64 `json:"runs_submitted"`
	MapsCompleted int64 `json:"maps_completed"`
}
