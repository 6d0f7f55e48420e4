package realtime

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	redisEventKeyPrefix = "livery:events:"
	redisEventTTL       = 24 * time.Hour
	redisPingTimeout    = 5 * time.Second
)

// RedisEventLog keeps each scheme's replay window in a sorted set scored by sequence, so
// every API instance sharing the Redis server can serve a reconnect.
type RedisEventLog struct {
	client *redis.Client
	window int
	ttl    time.Duration
}

// NewRedisEventLog connects to redisURL and verifies the server responds.
func NewRedisEventLog(redisURL string, window int) (*RedisEventLog, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), redisPingTimeout)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("connect to redis: %w", err)
	}
	return NewRedisEventLogWithClient(client, window), nil
}

// NewRedisEventLogWithClient wraps an existing client.
func NewRedisEventLogWithClient(client *redis.Client, window int) *RedisEventLog {
	if window <= 0 {
		window = defaultReplayWindow
	}
	return &RedisEventLog{client: client, window: window, ttl: redisEventTTL}
}

func (l *RedisEventLog) key(schemeID string) string {
	return redisEventKeyPrefix + schemeID
}

func (l *RedisEventLog) Append(ctx context.Context, event Event) error {
	member, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	key := l.key(event.SchemeID)
	pipe := l.client.TxPipeline()
	pipe.ZRemRangeByScore(ctx, key, strconv.FormatInt(event.Sequence, 10), strconv.FormatInt(event.Sequence, 10))
	pipe.ZAdd(ctx, key, redis.Z{Score: float64(event.Sequence), Member: member})
	pipe.ZRemRangeByRank(ctx, key, 0, int64(-l.window-1))
	pipe.Expire(ctx, key, l.ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("append event: %w", err)
	}
	return nil
}

func (l *RedisEventLog) Since(ctx context.Context, schemeID string, afterSequence int64) ([]Event, error) {
	members, err := l.client.ZRangeByScore(ctx, l.key(schemeID), &redis.ZRangeBy{
		Min: "(" + strconv.FormatInt(afterSequence, 10),
		Max: "+inf",
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("read events: %w", err)
	}
	events := make([]Event, 0, len(members))
	for _, member := range members {
		var event Event
		if err := json.Unmarshal([]byte(member), &event); err != nil {
			return nil, fmt.Errorf("unmarshal event: %w", err)
		}
		events = append(events, event)
	}
	return events, nil
}

func (l *RedisEventLog) Drop(ctx context.Context, schemeID string) error {
	if err := l.client.Del(ctx, l.key(schemeID)).Err(); err != nil {
		return fmt.Errorf("drop events: %w", err)
	}
	return nil
}

// Close releases the client.
func (l *RedisEventLog) Close() error {
	return l.client.Close()
}
