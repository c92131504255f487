package domain

import (
	"sort"
	"time"
)

// Session brackets one run attempt. A user owns at most one at a time.
type Session struct {
	ID         string          `json:"id"`
	UserID     int64           `json:"user_id"`
	MapID      int64           `json:"map_id"`
	TrackNum   int             `json:"track_num"`
	ZoneNum    int             `json:"zone_num"`
	CreatedAt  time.Time       `json:"created_at"`
	Timestamps []ZoneTimestamp `json:"timestamps,omitempty"`
}

// IsFullTrack reports whether the session covers a whole track
func (s *Session) IsFullTrack() bool {
	return s.ZoneNum == 0
}

// SortedTimestamps returns the timestamps ordered by zone index
func (s *Session) SortedTimestamps() []ZoneTimestamp {
	out := make([]ZoneTimestamp, len(s.Timestamps))
	copy(out, s.Timestamps)
	sort.Slice(out, func(i, j int) bool { return out[i].Zone < out[j].Zone })
	return out
}

// ZoneTimestamp records the tick at which a zone boundary was crossed
type ZoneTimestamp struct {
	Zone int   `json:"zone"`
	Tick int64 `json:"tick"`
}

// StartSessionRequest opens a run attempt
type StartSessionRequest struct {
	MapID    int64 `json:"map_id"`
	TrackNum int   `json:"track_num"`
	ZoneNum  int   `json:"zone_num"`
}

// TimestampRequest records a zone crossing
type TimestampRequest struct {
	Zone int   `json:"zone"`
	Tick int64 `json:"tick"`
}
