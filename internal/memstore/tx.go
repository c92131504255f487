package memstore

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/runledger/internal/domain"
	"github.com/runledger/internal/ledger"
)

// tx buffers every write until commit. Entries are copied per partition on
// first write, so readers outside the transaction keep seeing the committed
// table. User stats are locked per user from first read to the end of the
// transaction.
type tx struct {
	s *Store

	entries     map[domain.Partition]map[int64]*domain.RankEntry
	runs        []domain.Run
	completions map[completionKey]*ledger.CompletionTotals
	stats       map[int64]domain.UserStats
	versions    map[domain.Partition]int64
	userLocks   map[int64]*sync.Mutex
}

func newTx(s *Store) *tx {
	return &tx{
		s:           s,
		entries:     make(map[domain.Partition]map[int64]*domain.RankEntry),
		completions: make(map[completionKey]*ledger.CompletionTotals),
		stats:       make(map[int64]domain.UserStats),
		versions:    make(map[domain.Partition]int64),
		userLocks:   make(map[int64]*sync.Mutex),
	}
}

// commit publishes the buffered writes in one step under the store mutex
func (t *tx) commit() {
	t.s.mu.Lock()
	defer t.s.mu.Unlock()

	for p, byUser := range t.entries {
		t.s.entries[p] = byUser
	}
	t.s.runs = append(t.s.runs, t.runs...)
	for key, delta := range t.completions {
		next := ledger.CompletionTotals{}
		if cur, ok := t.s.completions[key]; ok {
			next = *cur
		}
		next.Completions += delta.Completions
		next.UniqueCompletions += delta.UniqueCompletions
		next.TotalTime += delta.TotalTime
		next.TotalJumps += delta.TotalJumps
		next.TotalStrafes += delta.TotalStrafes
		t.s.completions[key] = &next
	}
	for userID, st := range t.stats {
		t.s.stats[userID] = st
	}
	for p, v := range t.versions {
		t.s.versions[p] = v
	}
}

// release drops the user locks taken during the transaction
func (t *tx) release() {
	for _, l := range t.userLocks {
		l.Unlock()
	}
	t.userLocks = nil
}

// view returns the partition as this transaction sees it. Callers must not
// modify the result.
func (t *tx) view(p domain.Partition) map[int64]*domain.RankEntry {
	if byUser, ok := t.entries[p]; ok {
		return byUser
	}
	t.s.mu.Lock()
	defer t.s.mu.Unlock()
	return t.s.entries[p]
}

// writable returns this transaction's private copy of the partition
func (t *tx) writable(p domain.Partition) map[int64]*domain.RankEntry {
	if byUser, ok := t.entries[p]; ok {
		return byUser
	}
	t.s.mu.Lock()
	committed := t.s.entries[p]
	byUser := make(map[int64]*domain.RankEntry, len(committed)+1)
	for userID, e := range committed {
		cp := *e
		byUser[userID] = &cp
	}
	t.s.mu.Unlock()
	t.entries[p] = byUser
	return byUser
}

func (t *tx) lockUser(userID int64) {
	if _, held := t.userLocks[userID]; held {
		return
	}
	l := t.s.userLock(userID)
	l.Lock()
	t.userLocks[userID] = l
}

func (t *tx) Entry(ctx context.Context, p domain.Partition, userID int64) (*domain.RankEntry, error) {
	e, ok := t.view(p)[userID]
	if !ok {
		return nil, nil
	}
	cp := *e
	return &cp, nil
}

func (t *tx) RankOne(ctx context.Context, p domain.Partition) (*domain.RankEntry, error) {
	for _, e := range t.view(p) {
		if e.Rank == 1 {
			cp := *e
			return &cp, nil
		}
	}
	return nil, nil
}

func (t *tx) CountEntries(ctx context.Context, p domain.Partition) (int, error) {
	return len(t.view(p)), nil
}

func (t *tx) CountAtOrFaster(ctx context.Context, p domain.Partition, time float64) (int, error) {
	n := 0
	for _, e := range t.view(p) {
		if e.Time <= time {
			n++
		}
	}
	return n, nil
}

// visibleRuns returns committed runs followed by this transaction's own
func (t *tx) visibleRuns() []domain.Run {
	t.s.mu.Lock()
	runs := append([]domain.Run(nil), t.s.runs...)
	t.s.mu.Unlock()
	return append(runs, t.runs...)
}

func (t *tx) HasCompletedTrack(ctx context.Context, userID, mapID int64, trackNum int) (bool, error) {
	for _, r := range t.visibleRuns() {
		if r.UserID == userID && r.MapID == mapID && r.TrackNum == trackNum && r.ZoneNum == 0 {
			return true, nil
		}
	}
	return false, nil
}

func (t *tx) HasCompletedZone(ctx context.Context, userID, mapID int64, trackNum, zoneNum int) (bool, error) {
	for _, r := range t.visibleRuns() {
		if r.UserID != userID || r.MapID != mapID || r.TrackNum != trackNum {
			continue
		}
		if r.ZoneNum == 0 || r.ZoneNum == zoneNum {
			return true, nil
		}
	}
	return false, nil
}

// InsertRun assigns the next run ID. IDs taken by a transaction that later
// fails are not reused.
func (t *tx) InsertRun(ctx context.Context, run *domain.Run) error {
	t.s.mu.Lock()
	t.s.lastRunID++
	run.ID = t.s.lastRunID
	t.s.mu.Unlock()
	t.runs = append(t.runs, *run)
	return nil
}

func (t *tx) AddCompletion(ctx context.Context, c ledger.Completion) error {
	key := completionKey{c.MapID, c.Scope, c.TrackNum, c.ZoneNum}
	delta, ok := t.completions[key]
	if !ok {
		delta = &ledger.CompletionTotals{}
		t.completions[key] = delta
	}
	delta.Add(c)
	return nil
}

func (t *tx) ShiftRanks(ctx context.Context, p domain.Partition, from, to int) ([]domain.RankEntry, error) {
	byUser := t.writable(p)
	var shifted []domain.RankEntry
	for _, e := range byUser {
		if e.Rank < from || (to > 0 && e.Rank >= to) {
			continue
		}
		e.Rank++
		shifted = append(shifted, *e)
	}
	sort.Slice(shifted, func(i, j int) bool { return shifted[i].Rank < shifted[j].Rank })
	return shifted, nil
}

func (t *tx) SetRankXP(ctx context.Context, p domain.Partition, xp map[int64]int) error {
	byUser := t.writable(p)
	for userID := range xp {
		if _, ok := byUser[userID]; !ok {
			return fmt.Errorf("no entry for user %d in %s", userID, p.Key())
		}
	}
	for userID, points := range xp {
		byUser[userID].RankXP = points
	}
	return nil
}

func (t *tx) InsertEntry(ctx context.Context, e *domain.RankEntry) error {
	byUser := t.writable(e.Partition)
	if _, dup := byUser[e.UserID]; dup {
		return fmt.Errorf("user %d already ranked in %s", e.UserID, e.Partition.Key())
	}
	cp := *e
	byUser[e.UserID] = &cp
	return nil
}

func (t *tx) UpdateEntry(ctx context.Context, e *domain.RankEntry) error {
	byUser := t.writable(e.Partition)
	cur, ok := byUser[e.UserID]
	if !ok {
		return domain.ErrEntryNotFound
	}
	*cur = *e
	return nil
}

func (t *tx) BumpVersion(ctx context.Context, p domain.Partition) (int64, error) {
	v, ok := t.versions[p]
	if !ok {
		t.s.mu.Lock()
		v = t.s.versions[p]
		t.s.mu.Unlock()
	}
	v++
	t.versions[p] = v
	return v, nil
}

// UserStats returns the user's totals and holds the user until the
// transaction ends, so a later SaveUserStats cannot lose a concurrent update.
func (t *tx) UserStats(ctx context.Context, userID int64) (domain.UserStats, error) {
	t.lockUser(userID)
	if st, ok := t.stats[userID]; ok {
		return st, nil
	}
	t.s.mu.Lock()
	defer t.s.mu.Unlock()
	return t.s.userStats(userID), nil
}

func (t *tx) SaveUserStats(ctx context.Context, st domain.UserStats) error {
	t.lockUser(st.UserID)
	t.stats[st.UserID] = st
	return nil
}
