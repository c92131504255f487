package service

import (
	"context"

	"github.com/runledger/internal/domain"
)

// MapStore looks up maps and their tracks
type MapStore interface {
	GetMap(ctx context.Context, mapID int64) (*domain.MapInfo, error)
}

// UserStore looks up users and their running totals
type UserStore interface {
	GetUser(ctx context.Context, userID int64) (*domain.User, error)
	GetUserStats(ctx context.Context, userID int64) (domain.UserStats, error)
}

// SessionStore persists run sessions
type SessionStore interface {
	Lock(ctx context.Context, userID int64) (release func(), err error)
	Replace(ctx context.Context, sess *domain.Session) error
	Get(ctx context.Context, id string) (*domain.Session, error)
	ForUser(ctx context.Context, userID int64) (*domain.Session, error)
	AddTimestamp(ctx context.Context, id string, ts domain.ZoneTimestamp) (bool, error)
	Delete(ctx context.Context, sess *domain.Session) error
}

// BlobStore holds replay files
type BlobStore interface {
	Put(ctx context.Context, key string, data []byte) (string, error)
	Delete(ctx context.Context, key string) error
}

// Mirror is the realtime leaderboard copy reads are served from. Writes
// carry the partition version; Apply refuses a change that does not follow
// the mirrored version and Replace refuses an older snapshot.
type Mirror interface {
	Apply(ctx context.Context, version int64, entry domain.RankEntry, shifted []domain.RankEntry) (bool, error)
	Replace(ctx context.Context, snap *domain.RankSnapshot) (bool, error)
	GetTopN(ctx context.Context, p domain.Partition, n int) ([]domain.LeaderboardEntry, error)
	GetUserRank(ctx context.Context, p domain.Partition, userID int64) (*domain.LeaderboardEntry, error)
}

// SnapshotSource reads a partition's committed ranking
type SnapshotSource interface {
	Snapshot(ctx context.Context, p domain.Partition) (*domain.RankSnapshot, error)
}

// ActivityPublisher pushes activities to live subscribers
type ActivityPublisher interface {
	Publish(ctx context.Context, a domain.Activity) error
}

// ActivityRecorder keeps the durable activity log
type ActivityRecorder interface {
	RecordActivity(ctx context.Context, a domain.Activity) error
}
