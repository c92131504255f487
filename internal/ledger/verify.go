package ledger

import (
	"fmt"
	"sort"

	"github.com/runledger/internal/domain"
)

// Verify checks that entries, all from one partition, hold ranks exactly
// 1..N with times non-decreasing by rank.
func Verify(entries []domain.RankEntry) error {
	sorted := make([]domain.RankEntry, len(entries))
	copy(sorted, entries)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Rank < sorted[j].Rank })

	for i, e := range sorted {
		if e.Rank != i+1 {
			return fmt.Errorf("rank %d found where %d expected (user %d)", e.Rank, i+1, e.UserID)
		}
		if i > 0 && e.Time < sorted[i-1].Time {
			return fmt.Errorf("rank %d (%.3f) is faster than rank %d (%.3f)", e.Rank, e.Time, sorted[i-1].Rank, sorted[i-1].Time)
		}
	}
	return nil
}
