package features

import (
	"context"
	"errors"

	lru "github.com/hashicorp/golang-lru/v2"
)

// ErrNoScore is returned by a ReputationSource that has no opinion on an
// address. The extractor falls back to the heuristic score.
var ErrNoScore = errors.New("no reputation score")

// ReputationSource scores an IP address in [0,1], higher meaning more trusted.
type ReputationSource interface {
	Score(ctx context.Context, ip string) (float64, error)
}

// Heuristic is the built-in ReputationSource: private addresses score 0.9,
// everything else is neutral.
type Heuristic struct{}

// Score implements ReputationSource.
func (Heuristic) Score(_ context.Context, ip string) (float64, error) {
	return heuristicScore(ip), nil
}

func heuristicScore(ip string) float64 {
	if privateIP(ip) {
		return 0.9
	}
	return 0.5
}

// DefaultCacheSize bounds the reputation cache when none is configured.
const DefaultCacheSize = 4096

type reputationCache struct {
	src   ReputationSource
	cache *lru.Cache[string, float64]
}

func newReputationCache(src ReputationSource, size int) (*reputationCache, error) {
	if size <= 0 {
		size = DefaultCacheSize
	}
	c, err := lru.New[string, float64](size)
	if err != nil {
		return nil, err
	}
	if src == nil {
		src = Heuristic{}
	}
	return &reputationCache{src: src, cache: c}, nil
}

// lookup returns the cached score for ip, asking the source on a miss. Source
// errors other than ErrNoScore are returned with the heuristic score and are
// not cached.
func (r *reputationCache) lookup(ctx context.Context, ip string) (float64, error) {
	if s, ok := r.cache.Get(ip); ok {
		return s, nil
	}
	s, err := r.src.Score(ctx, ip)
	switch {
	case errors.Is(err, ErrNoScore):
		s = heuristicScore(ip)
	case err != nil:
		return heuristicScore(ip), err
	}
	s = clamp01(s)
	r.cache.Add(ip, s)
	return s, nil
}

func clamp01(f float64) float64 {
	switch {
	case f != f, f < 0:
		return 0
	case f > 1:
		return 1
	}
	return f
}
