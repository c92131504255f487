package ledger

import (
	"context"

	"github.com/runledger/internal/domain"
)

// Store runs ledger transactions. InPartition must hold an exclusive lock on
// p for the lifetime of fn and commit only if fn returns nil; any error rolls
// back every write fn made. Transactions on different partitions may run
// concurrently.
type Store interface {
	InPartition(ctx context.Context, p domain.Partition, fn func(tx Tx) error) error
}

// Scope is the granularity a completion counter is kept at
type Scope string

const (
	ScopeMap   Scope = "map"
	ScopeTrack Scope = "track"
	ScopeZone  Scope = "zone"
)

// Completion is one increment of a completion counter
type Completion struct {
	MapID    int64
	Scope    Scope
	TrackNum int
	ZoneNum  int
	Unique   bool
	Stats    domain.RunStats
	Time     float64
}

// Tx is the set of reads and writes the ledger performs inside one
// partition transaction.
type Tx interface {
	// Entry returns the user's entry, or nil when the user is unranked
	Entry(ctx context.Context, p domain.Partition, userID int64) (*domain.RankEntry, error)
	// RankOne returns the partition's rank 1 entry, or nil when empty
	RankOne(ctx context.Context, p domain.Partition) (*domain.RankEntry, error)
	CountEntries(ctx context.Context, p domain.Partition) (int, error)
	// CountAtOrFaster counts entries whose time is <= t
	CountAtOrFaster(ctx context.Context, p domain.Partition, t float64) (int, error)

	// HasCompletedTrack reports a prior full-track run on the track
	HasCompletedTrack(ctx context.Context, userID, mapID int64, trackNum int) (bool, error)
	// HasCompletedZone reports a prior run covering the zone, either an
	// individual-zone run of it or a full run of its track
	HasCompletedZone(ctx context.Context, userID, mapID int64, trackNum, zoneNum int) (bool, error)

	InsertRun(ctx context.Context, run *domain.Run) error
	AddCompletion(ctx context.Context, c Completion) error

	// ShiftRanks moves every entry with rank >= from, and rank < to when
	// to > 0, down one position and returns them with their new ranks.
	ShiftRanks(ctx context.Context, p domain.Partition, from, to int) ([]domain.RankEntry, error)
	// SetRankXP rewrites rank XP keyed by user ID
	SetRankXP(ctx context.Context, p domain.Partition, xp map[int64]int) error
	InsertEntry(ctx context.Context, e *domain.RankEntry) error
	UpdateEntry(ctx context.Context, e *domain.RankEntry) error
	// BumpVersion advances the partition's ranking version and returns the
	// new value. Versions start at 1 and grow by one per ranking change.
	BumpVersion(ctx context.Context, p domain.Partition) (int64, error)

	UserStats(ctx context.Context, userID int64) (domain.UserStats, error)
	SaveUserStats(ctx context.Context, s domain.UserStats) error
}

// CompletionTotals are the running counters kept per completion scope
type CompletionTotals struct {
	Completions       int64
	UniqueCompletions int64
	TotalTime         float64
	TotalJumps        int64
	TotalStrafes      int64
}

// Add folds one completion into the totals
func (t *CompletionTotals) Add(c Completion) {
	t.Completions++
	if c.Unique {
		t.UniqueCompletions++
	}
	t.TotalTime += c.Time
	t.TotalJumps += int64(c.Stats.Jumps)
	t.TotalStrafes += int64(c.Stats.Strafes)
}
