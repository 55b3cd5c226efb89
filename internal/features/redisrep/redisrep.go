// Package redisrep provides a features.ReputationSource backed by Redis, where
// a threat-intel feed publishes per-address scores as plain string keys.
package redisrep

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/linnemanlabs/threatwatch/internal/features"
)

// DefaultPrefix namespaces reputation keys.
const DefaultPrefix = "threatwatch:reputation:"

// DefaultTimeout bounds a single lookup so a slow feed cannot stall a batch.
const DefaultTimeout = 100 * time.Millisecond

// Source reads reputation scores from Redis. A missing key yields
// features.ErrNoScore.
type Source struct {
	rdb     redis.Cmdable
	prefix  string
	timeout time.Duration
}

// New wraps rdb. An empty prefix uses DefaultPrefix.
func New(rdb redis.Cmdable, prefix string) *Source {
	if prefix == "" {
		prefix = DefaultPrefix
	}
	return &Source{rdb: rdb, prefix: prefix, timeout: DefaultTimeout}
}

// Dial connects to addr and verifies the server is reachable.
func Dial(ctx context.Context, addr string) (*redis.Client, error) {
	rdb := redis.NewClient(&redis.Options{Addr: addr})
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis ping %s: %w", addr, err)
	}
	return rdb, nil
}

// Score implements features.ReputationSource.
func (s *Source) Score(ctx context.Context, ip string) (float64, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	val, err := s.rdb.Get(ctx, s.prefix+ip).Result()
	if errors.Is(err, redis.Nil) {
		return 0, features.ErrNoScore
	}
	if err != nil {
		return 0, fmt.Errorf("redis get reputation: %w", err)
	}
	f, err := strconv.ParseFloat(val, 64)
	if err != nil {
		return 0, fmt.Errorf("parse reputation %q for %s: %w", val, ip, err)
	}
	return f, nil
}

// Put records a score for ip with the given TTL (zero keeps it forever).
func (s *Source) Put(ctx context.Context, ip string, score float64, ttl time.Duration) error {
	v := strconv.FormatFloat(score, 'f', -1, 64)
	if err := s.rdb.Set(ctx, s.prefix+ip, v, ttl).Err(); err != nil {
		return fmt.Errorf("redis set reputation: %w", err)
	}
	return nil
}
