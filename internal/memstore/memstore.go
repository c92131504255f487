// Package memstore keeps maps, users, runs and leaderboards in process memory.
// It backs the memory storage driver and the tests of the packages above it.
package memstore

import (
	"context"
	"sort"
	"sync"

	"github.com/runledger/internal/domain"
	"github.com/runledger/internal/ledger"
)

type completionKey struct {
	mapID    int64
	scope    ledger.Scope
	trackNum int
	zoneNum  int
}

// Store is an in-memory implementation of the ledger, lookup and audit stores
type Store struct {
	mu          sync.Mutex
	maps        map[int64]domain.MapInfo
	users       map[int64]domain.User
	stats       map[int64]domain.UserStats
	runs        []domain.Run
	lastRunID   int64
	entries     map[domain.Partition]map[int64]*domain.RankEntry
	completions map[completionKey]*ledger.CompletionTotals
	versions    map[domain.Partition]int64
	activities  []domain.Activity

	locksMu   sync.Mutex
	locks     map[domain.Partition]*sync.Mutex
	userLocks map[int64]*sync.Mutex
}

// New creates an empty store
func New() *Store {
	return &Store{
		maps:        make(map[int64]domain.MapInfo),
		users:       make(map[int64]domain.User),
		stats:       make(map[int64]domain.UserStats),
		entries:     make(map[domain.Partition]map[int64]*domain.RankEntry),
		completions: make(map[completionKey]*ledger.CompletionTotals),
		versions:    make(map[domain.Partition]int64),
		locks:       make(map[domain.Partition]*sync.Mutex),
		userLocks:   make(map[int64]*sync.Mutex),
	}
}

// PutMap adds or replaces a map
func (s *Store) PutMap(m domain.MapInfo) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.maps[m.ID] = m
}

// PutUser adds or replaces a user
func (s *Store) PutUser(u domain.User) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.users[u.ID] = u
}

// GetMap returns a map with its tracks
func (s *Store) GetMap(ctx context.Context, mapID int64) (*domain.MapInfo, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.maps[mapID]
	if !ok {
		return nil, domain.ErrMapNotFound
	}
	m.Tracks = append([]domain.MapTrack(nil), m.Tracks...)
	return &m, nil
}

// GetUser returns a user by ID
func (s *Store) GetUser(ctx context.Context, userID int64) (*domain.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[userID]
	if !ok {
		return nil, domain.ErrUserNotFound
	}
	return &u, nil
}

// GetUserStats returns a user's totals, zero valued at level 1 if none are stored
func (s *Store) GetUserStats(ctx context.Context, userID int64) (domain.UserStats, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.userStats(userID), nil
}

func (s *Store) userStats(userID int64) domain.UserStats {
	st, ok := s.stats[userID]
	if !ok {
		return domain.UserStats{UserID: userID, Level: 1}
	}
	return st
}

// RecordActivity appends to the activity log
func (s *Store) RecordActivity(ctx context.Context, a domain.Activity) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.activities = append(s.activities, a)
	return nil
}

// Activities returns a copy of the activity log
func (s *Store) Activities() []domain.Activity {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]domain.Activity(nil), s.activities...)
}

// Runs returns a copy of every stored run in insertion order
func (s *Store) Runs() []domain.Run {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]domain.Run(nil), s.runs...)
}

// Completions returns the counters for one scope
func (s *Store) Completions(mapID int64, scope ledger.Scope, trackNum, zoneNum int) ledger.CompletionTotals {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.completions[completionKey{mapID, scope, trackNum, zoneNum}]
	if !ok {
		return ledger.CompletionTotals{}
	}
	return *t
}

// Partitions lists every partition holding at least one entry
func (s *Store) Partitions(ctx context.Context) ([]domain.Partition, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	parts := make([]domain.Partition, 0, len(s.entries))
	for p, byUser := range s.entries {
		if len(byUser) > 0 {
			parts = append(parts, p)
		}
	}
	sort.Slice(parts, func(i, j int) bool { return parts[i].Key() < parts[j].Key() })
	return parts, nil
}

// Entries returns a partition's committed entries ordered by rank
func (s *Store) Entries(ctx context.Context, p domain.Partition) ([]domain.RankEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sortedEntries(p), nil
}

// Snapshot returns a partition's committed entries with their version
func (s *Store) Snapshot(ctx context.Context, p domain.Partition) (*domain.RankSnapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return &domain.RankSnapshot{
		Partition: p,
		Version:   s.versions[p],
		Entries:   s.sortedEntries(p),
	}, nil
}

func (s *Store) sortedEntries(p domain.Partition) []domain.RankEntry {
	out := make([]domain.RankEntry, 0, len(s.entries[p]))
	for _, e := range s.entries[p] {
		out = append(out, *e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Rank < out[j].Rank })
	return out
}

// InPartition runs fn holding p's lock. Writes stay private to fn until it
// returns nil, then become visible together; an error discards them.
func (s *Store) InPartition(ctx context.Context, p domain.Partition, fn func(tx ledger.Tx) error) error {
	lock := s.partitionLock(p)
	lock.Lock()
	defer lock.Unlock()

	if err := ctx.Err(); err != nil {
		return err
	}

	t := newTx(s)
	defer t.release()
	if err := fn(t); err != nil {
		return err
	}
	t.commit()
	return nil
}

func (s *Store) partitionLock(p domain.Partition) *sync.Mutex {
	s.locksMu.Lock()
	defer s.locksMu.Unlock()
	l, ok := s.locks[p]
	if !ok {
		l = &sync.Mutex{}
		s.locks[p] = l
	}
	return l
}

func (s *Store) userLock(userID int64) *sync.Mutex {
	s.locksMu.Lock()
	defer s.locksMu.Unlock()
	l, ok := s.userLocks[userID]
	if !ok {
		l = &sync.Mutex{}
		s.userLocks[userID] = l
	}
	return l
}
