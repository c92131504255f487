package redis

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"

	"github.com/redis/go-redis/v9"
	"github.com/runledger/internal/domain"
)

// Mirror keeps a realtime copy of ledger ranks in Redis. Each partition is a
// sorted set of user IDs scored by rank, with a companion hash of times.
type Mirror struct {
	client *redis.Client
	logger *slog.Logger
}

// NewMirror creates a leaderboard mirror
func NewMirror(client *redis.Client, logger *slog.Logger) *Mirror {
	return &Mirror{
		client: client,
		logger: logger,
	}
}

// leaderboardKey returns the Redis key for a partition's sorted set
func (m *Mirror) leaderboardKey(p domain.Partition) string {
	return fmt.Sprintf("leaderboard:%s:realtime", p.Key())
}

// timesKey returns the Redis key for a partition's user times
func (m *Mirror) timesKey(p domain.Partition) string {
	return fmt.Sprintf("leaderboard:%s:times", p.Key())
}

// versionKey returns the Redis key for the ledger version a partition's
// mirror reflects
func (m *Mirror) versionKey(p domain.Partition) string {
	return fmt.Sprintf("leaderboard:%s:version", p.Key())
}

func (m *Mirror) keys(p domain.Partition) []string {
	return []string{m.leaderboardKey(p), m.timesKey(p), m.versionKey(p)}
}

// applyEntry writes one ranking change only when it directly follows the
// mirrored version. ARGV holds the version, the placed member with its rank
// and time, then a member and rank for each displaced entry.
var applyEntry = redis.NewScript(`
local cur = tonumber(redis.call("GET", KEYS[3]) or "0")
if tonumber(ARGV[1]) ~= cur + 1 then
	return 0
end
redis.call("ZADD", KEYS[1], ARGV[3], ARGV[2])
redis.call("HSET", KEYS[2], ARGV[2], ARGV[4])
for i = 5, #ARGV, 2 do
	redis.call("ZADD", KEYS[1], ARGV[i + 1], ARGV[i])
end
redis.call("SET", KEYS[3], ARGV[1])
return 1
`)

// replaceAll rewrites a partition unless the mirror already holds a newer
// version. ARGV holds the version, then member, rank and time per entry.
var replaceAll = redis.NewScript(`
local cur = tonumber(redis.call("GET", KEYS[3]) or "0")
if tonumber(ARGV[1]) < cur then
	return 0
end
redis.call("DEL", KEYS[1], KEYS[2])
for i = 2, #ARGV, 3 do
	redis.call("ZADD", KEYS[1], ARGV[i + 1], ARGV[i])
	redis.call("HSET", KEYS[2], ARGV[i], ARGV[i + 2])
end
redis.call("SET", KEYS[3], ARGV[1])
return 1
`)

// Apply writes a placed entry and every entry it displaced, as the ranking
// change that produced version. It reports false without writing when the
// mirror is not at version-1; the caller must then Replace the partition.
func (m *Mirror) Apply(ctx context.Context, version int64, entry domain.RankEntry, shifted []domain.RankEntry) (bool, error) {
	args := make([]interface{}, 0, 4+2*len(shifted))
	args = append(args, version, userMember(entry.UserID), entry.Rank, formatTime(entry.Time))
	for _, e := range shifted {
		args = append(args, userMember(e.UserID), e.Rank)
	}

	applied, err := applyEntry.Run(ctx, m.client, m.keys(entry.Partition), args...).Int()
	if err != nil {
		return false, fmt.Errorf("mirroring entry: %w", err)
	}
	if applied == 0 {
		m.logger.Debug("mirror out of sequence",
			"partition", entry.Partition.Key(),
			"version", version,
		)
	}
	return applied == 1, nil
}

// Replace rewrites a partition from a snapshot. A snapshot older than the
// mirrored version is ignored and reported as false.
func (m *Mirror) Replace(ctx context.Context, snap *domain.RankSnapshot) (bool, error) {
	args := make([]interface{}, 0, 1+3*len(snap.Entries))
	args = append(args, snap.Version)
	for _, e := range snap.Entries {
		args = append(args, userMember(e.UserID), e.Rank, formatTime(e.Time))
	}

	applied, err := replaceAll.Run(ctx, m.client, m.keys(snap.Partition), args...).Int()
	if err != nil {
		return false, fmt.Errorf("replacing leaderboard %s: %w", snap.Partition.Key(), err)
	}
	return applied == 1, nil
}

// Reset deletes every mirrored partition
func (m *Mirror) Reset(ctx context.Context) error {
	iter := m.client.Scan(ctx, 0, "leaderboard:*", 100).Iterator()
	var keys []string
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	if err := iter.Err(); err != nil {
		return fmt.Errorf("scanning mirror keys: %w", err)
	}
	if len(keys) == 0 {
		return nil
	}
	if err := m.client.Del(ctx, keys...).Err(); err != nil {
		return fmt.Errorf("deleting mirror keys: %w", err)
	}
	return nil
}

// GetTopN returns the n best ranked entries
func (m *Mirror) GetTopN(ctx context.Context, p domain.Partition, n int) ([]domain.LeaderboardEntry, error) {
	return m.GetRange(ctx, p, 0, n-1)
}

// GetRange returns entries within a 0-indexed position range
func (m *Mirror) GetRange(ctx context.Context, p domain.Partition, start, end int) ([]domain.LeaderboardEntry, error) {
	results, err := m.client.ZRangeWithScores(ctx, m.leaderboardKey(p), int64(start), int64(end)).Result()
	if err != nil {
		return nil, fmt.Errorf("getting range: %w", err)
	}
	if len(results) == 0 {
		return []domain.LeaderboardEntry{}, nil
	}

	fields := make([]string, len(results))
	for i, r := range results {
		fields[i] = r.Member.(string)
	}
	times, err := m.client.HMGet(ctx, m.timesKey(p), fields...).Result()
	if err != nil {
		return nil, fmt.Errorf("getting times: %w", err)
	}

	entries := make([]domain.LeaderboardEntry, len(results))
	for i, r := range results {
		userID, err := strconv.ParseInt(fields[i], 10, 64)
		if err != nil {
			return nil, fmt.Errorf("parsing member %q: %w", fields[i], err)
		}
		entries[i] = domain.LeaderboardEntry{
			Rank:   int64(r.Score),
			UserID: userID,
		}
		if s, ok := times[i].(string); ok {
			entries[i].Time, _ = strconv.ParseFloat(s, 64)
		}
	}
	return entries, nil
}

// GetUserRank returns a user's mirrored entry
func (m *Mirror) GetUserRank(ctx context.Context, p domain.Partition, userID int64) (*domain.LeaderboardEntry, error) {
	member := userMember(userID)

	pipe := m.client.Pipeline()
	rankCmd := pipe.ZScore(ctx, m.leaderboardKey(p), member)
	timeCmd := pipe.HGet(ctx, m.timesKey(p), member)
	_, err := pipe.Exec(ctx)
	if err != nil {
		if err == redis.Nil {
			return nil, domain.ErrEntryNotFound
		}
		return nil, fmt.Errorf("getting user rank: %w", err)
	}

	time, err := timeCmd.Float64()
	if err != nil {
		return nil, fmt.Errorf("getting time result: %w", err)
	}
	return &domain.LeaderboardEntry{
		Rank:   int64(rankCmd.Val()),
		UserID: userID,
		Time:   time,
	}, nil
}

// GetCount returns the number of mirrored entries
func (m *Mirror) GetCount(ctx context.Context, p domain.Partition) (int64, error) {
	count, err := m.client.ZCard(ctx, m.leaderboardKey(p)).Result()
	if err != nil {
		return 0, fmt.Errorf("getting count: %w", err)
	}
	return count, nil
}

func userMember(userID int64) string {
	return strconv.FormatInt(userID, 10)
}

func formatTime(t float64) string {
	return strconv.FormatFloat(t, 'f', -1, 64)
}
