package cache

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/goccy/go-json"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/sony/gobreaker/v2"

	"github.com/actuallystonmai/track-recommender/internal/domain"
)

const scanBatch = 100

// RedisStore is a shared second tier. Every call goes through a circuit
// breaker so a struggling Redis degrades to in-process caching only.
type RedisStore struct {
	client  *redis.Client
	ttl     time.Duration
	breaker *gobreaker.CircuitBreaker[any]
}

func NewRedisStore(client *redis.Client, ttl time.Duration, logger zerolog.Logger) *RedisStore {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	log := logger.With().Str("component", "redis_cache").Logger()
	breaker := gobreaker.NewCircuitBreaker[any](gobreaker.Settings{
		Name:        "redis-cache",
		MaxRequests: 3,
		Interval:    time.Minute,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.Warn().Str("breaker", name).Str("from", from.String()).Str("to", to.String()).
				Msg("circuit breaker state changed")
		},
	})
	return &RedisStore{client: client, ttl: ttl, breaker: breaker}
}

var _ Tier = (*RedisStore)(nil)

func userPattern(userID int64) string {
	return fmt.Sprintf("rec:*:u:%d:*", userID)
}

func seedPattern(trackID int64) string {
	return fmt.Sprintf("rec:%s:%d:*", domain.ContextSeed, trackID)
}

// Get recommendations from redis
func (s *RedisStore) Get(ctx context.Context, key Key) (*domain.RecommendationResult, bool, error) {
	k := key.String()
	v, err := s.breaker.Execute(func() (any, error) {
		val, err := s.client.Get(ctx, k).Bytes()
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return val, err
	})
	if err != nil {
		return nil, false, fmt.Errorf("get recommendations from cache: %w", err)
	}
	raw, _ := v.([]byte)
	if raw == nil {
		return nil, false, nil
	}

	var res domain.RecommendationResult
	if err := json.Unmarshal(raw, &res); err != nil {
		return nil, false, fmt.Errorf("unmarshal recommendations %s: %w", k, err)
	}
	return &res, true, nil
}

func (s *RedisStore) Set(ctx context.Context, key Key, res *domain.RecommendationResult) error {
	val, err := json.Marshal(res)
	if err != nil {
		return fmt.Errorf("marshal recommendations: %w", err)
	}
	_, err = s.breaker.Execute(func() (any, error) {
		return nil, s.client.Set(ctx, key.String(), val, s.ttl).Err()
	})
	if err != nil {
		return fmt.Errorf("set recommendations in cache: %w", err)
	}
	return nil
}

func (s *RedisStore) InvalidateUser(ctx context.Context, userID int64) error {
	return s.deleteMatching(ctx, userPattern(userID))
}

func (s *RedisStore) InvalidateSeed(ctx context.Context, trackID int64) error {
	return s.deleteMatching(ctx, seedPattern(trackID))
}

func (s *RedisStore) deleteMatching(ctx context.Context, pattern string) error {
	_, err := s.breaker.Execute(func() (any, error) {
		iter := s.client.Scan(ctx, 0, pattern, scanBatch).Iterator()
		for iter.Next(ctx) {
			if err := s.client.Del(ctx, iter.Val()).Err(); err != nil {
				return nil, fmt.Errorf("cache delete %s: %w", iter.Val(), err)
			}
		}
		return nil, iter.Err()
	})
	return err
}

// Ping reports an open breaker as unhealthy even when Redis answers.
func (s *RedisStore) Ping(ctx context.Context) error {
	if state := s.breaker.State(); state == gobreaker.StateOpen {
		return fmt.Errorf("circuit breaker %s", state)
	}
	return s.client.Ping(ctx).Err()
}
