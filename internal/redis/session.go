package redis

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/runledger/internal/config"
	"github.com/runledger/internal/domain"
)

// SessionStore persists run sessions. A user owns at most one session,
// indexed by user so a new start can find and replace the old one.
type SessionStore struct {
	client  *redis.Client
	ttl     time.Duration
	lockTTL time.Duration
	logger  *slog.Logger
}

// NewSessionStore creates a session store
func NewSessionStore(client *redis.Client, cfg *config.SessionConfig, logger *slog.Logger) *SessionStore {
	return &SessionStore{
		client:  client,
		ttl:     cfg.TTL,
		lockTTL: cfg.LockTTL,
		logger:  logger,
	}
}

func (s *SessionStore) keySession(id string) string { return "session:" + id }
func (s *SessionStore) keyTimestamps(id string) string { return s.keySession(id) + ":timestamps" }
func (s *SessionStore) keyUserIdx(userID int64) string { return "session:user:" + strconv.FormatInt(userID, 10) }
func (s *SessionStore) keyUserLock(userID int64) string { return "session:lock:" + strconv.FormatInt(userID, 10) }

// Lock marks the user busy until release is called or the lock TTL passes.
// It fails with ErrSessionBusy while another holder has it.
func (s *SessionStore) Lock(ctx context.Context, userID int64) (release func(), err error) {
	key := s.keyUserLock(userID)
	token := uuid.NewString()

	ok, err := s.client.SetNX(ctx, key, token, s.lockTTL).Result()
	if err != nil {
		return nil, fmt.Errorf("acquiring session lock: %w", err)
	}
	if !ok {
		return nil, domain.ErrSessionBusy
	}

	return func() {
		if err := compareAndDelete.Run(context.Background(), s.client, []string{key}, token).Err(); err != nil {
			s.logger.Warn("failed to release session lock", "user_id", userID, "error", err)
		}
	}, nil
}

// Replace stores sess as the user's only session, deleting any previous one
func (s *SessionStore) Replace(ctx context.Context, sess *domain.Session) error {
	idx := s.keyUserIdx(sess.UserID)

	prev, err := s.client.Get(ctx, idx).Result()
	if err != nil && err != redis.Nil {
		return fmt.Errorf("loading user session index: %w", err)
	}

	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		if prev != "" {
			pipe.Del(ctx, s.keySession(prev), s.keyTimestamps(prev))
		}
		key := s.keySession(sess.ID)
		pipe.HSet(ctx, key,
			"user_id", sess.UserID,
			"map_id", sess.MapID,
			"track_num", sess.TrackNum,
			"zone_num", sess.ZoneNum,
			"created_at", sess.CreatedAt.UnixMilli(),
		)
		pipe.Expire(ctx, key, s.ttl)
		pipe.Set(ctx, idx, sess.ID, s.ttl)
		return nil
	})
	if err != nil {
		return fmt.Errorf("storing session: %w", err)
	}
	return nil
}

// Get loads a session and its timestamps
func (s *SessionStore) Get(ctx context.Context, id string) (*domain.Session, error) {
	pipe := s.client.Pipeline()
	fieldsCmd := pipe.HGetAll(ctx, s.keySession(id))
	stampsCmd := pipe.HGetAll(ctx, s.keyTimestamps(id))
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, fmt.Errorf("loading session: %w", err)
	}

	fields := fieldsCmd.Val()
	if len(fields) == 0 {
		return nil, domain.ErrNoSession
	}

	sess, err := parseSession(id, fields)
	if err != nil {
		return nil, err
	}
	for zone, tick := range stampsCmd.Val() {
		z, err := strconv.Atoi(zone)
		if err != nil {
			return nil, fmt.Errorf("parsing timestamp zone %q: %w", zone, err)
		}
		t, err := strconv.ParseInt(tick, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("parsing timestamp tick %q: %w", tick, err)
		}
		sess.Timestamps = append(sess.Timestamps, domain.ZoneTimestamp{Zone: z, Tick: t})
	}
	sess.Timestamps = sess.SortedTimestamps()
	return sess, nil
}

// ForUser loads the user's current session
func (s *SessionStore) ForUser(ctx context.Context, userID int64) (*domain.Session, error) {
	id, err := s.client.Get(ctx, s.keyUserIdx(userID)).Result()
	if err == redis.Nil {
		return nil, domain.ErrNoSession
	}
	if err != nil {
		return nil, fmt.Errorf("loading user session index: %w", err)
	}
	return s.Get(ctx, id)
}

// AddTimestamp records the tick a zone was entered at. It reports false when
// the zone already has one.
func (s *SessionStore) AddTimestamp(ctx context.Context, id string, ts domain.ZoneTimestamp) (bool, error) {
	key := s.keyTimestamps(id)

	var added *redis.BoolCmd
	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		added = pipe.HSetNX(ctx, key, strconv.Itoa(ts.Zone), ts.Tick)
		pipe.Expire(ctx, key, s.ttl)
		return nil
	})
	if err != nil {
		return false, fmt.Errorf("adding timestamp: %w", err)
	}
	return added.Val(), nil
}

// Delete removes a session, and the owner's index while it still points at it
func (s *SessionStore) Delete(ctx context.Context, sess *domain.Session) error {
	if err := s.client.Del(ctx, s.keySession(sess.ID), s.keyTimestamps(sess.ID)).Err(); err != nil {
		return fmt.Errorf("deleting session: %w", err)
	}
	err := compareAndDelete.Run(ctx, s.client, []string{s.keyUserIdx(sess.UserID)}, sess.ID).Err()
	if err != nil && err != redis.Nil {
		return fmt.Errorf("deleting user session index: %w", err)
	}
	return nil
}

func parseSession(id string, fields map[string]string) (*domain.Session, error) {
	ints := make(map[string]int64, 5)
	for _, name := range []string{"user_id", "map_id", "track_num", "zone_num", "created_at"} {
		v, err := strconv.ParseInt(fields[name], 10, 64)
		if err != nil {
			return nil, fmt.Errorf("parsing session %s field %s: %w", id, name, err)
		}
		ints[name] = v
	}
	return &domain.Session{
		ID:        id,
		UserID:    ints["user_id"],
		MapID:     ints["map_id"],
		TrackNum:  int(ints["track_num"]),
		ZoneNum:   int(ints["zone_num"]),
		CreatedAt: time.UnixMilli(ints["created_at"]).UTC(),
	}, nil
}
