package presence

import (
	"context"
	"log"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// Tracker records which users are currently inside a tutoring session.
// Each heartbeat refreshes the member's score in a per-session sorted set;
// members whose score falls outside the liveness window count as offline.
type Tracker struct {
	client *redis.Client
	window time.Duration
}

// NewTracker connects to Redis and verifies the connection.
func NewTracker(addr, password string, window time.Duration) (*Tracker, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         addr,
		Password:     password,
		DB:           0,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
		PoolSize:     10,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, err
	}

	log.Printf("[Presence] Connected to %s", addr)
	return &Tracker{client: client, window: window}, nil
}

func sessionKey(sessionID string) string {
	return "session:" + sessionID + ":online"
}

// Heartbeat marks a user as present in a session right now.
func (t *Tracker) Heartbeat(ctx context.Context, sessionID string, userID int64) error {
	key := sessionKey(sessionID)
	now := float64(time.Now().UnixMilli())

	err := t.client.ZAdd(ctx, key, redis.Z{
		Score:  now,
		Member: strconv.FormatInt(userID, 10),
	}).Err()
	if err != nil {
		log.Printf("[Presence] Heartbeat failed: session=%s user=%d err=%v", sessionID, userID, err)
		return err
	}

	// Let an abandoned session's set expire on its own.
	t.client.Expire(ctx, key, t.window*2)
	return nil
}

// Leave removes a user from a session's presence set immediately.
func (t *Tracker) Leave(ctx context.Context, sessionID string, userID int64) error {
	return t.client.ZRem(ctx, sessionKey(sessionID), strconv.FormatInt(userID, 10)).Err()
}

// Online returns the users whose last heartbeat falls inside the liveness
// window. Stale members are pruned as a side effect.
func (t *Tracker) Online(ctx context.Context, sessionID string) ([]int64, error) {
	key := sessionKey(sessionID)
	cutoff := time.Now().Add(-t.window).UnixMilli()

	t.client.ZRemRangeByScore(ctx, key, "-inf", strconv.FormatInt(cutoff, 10))

	members, err := t.client.ZRangeByScore(ctx, key, &redis.ZRangeBy{
		Min: strconv.FormatInt(cutoff, 10),
		Max: "+inf",
	}).Result()
	if err != nil {
		return nil, err
	}

	ids := make([]int64, 0, len(members))
	for _, m := range members {
		id, err := strconv.ParseInt(m, 10, 64)
		if err != nil {
			continue
		}
		ids = append(ids, id)
	}
	return ids, nil
}

// Close releases the Redis connection.
func (t *Tracker) Close() error {
	return t.client.Close()
}
