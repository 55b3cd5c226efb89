package classifier

import (
	"math/rand/v2"

	"github.com/linnemanlabs/threatwatch/internal/features"
)

// Dataset is a labelled feature matrix with its column names.
type Dataset struct {
	Features []string
	X        [][]float64
	Y        []int
}

// Synthetic generates a shuffled bootstrap training set: normal traffic during
// business hours from reputable addresses, and suspicious off-hours traffic
// with injection patterns and noisy payloads. Columns follow features.Names().
func Synthetic(normal, suspicious int, seed uint64) Dataset {
	rng := rand.New(rand.NewPCG(seed, seed+1))
	names := features.Names()

	ds := Dataset{
		Features: names,
		X:        make([][]float64, 0, normal+suspicious),
		Y:        make([]int, 0, normal+suspicious),
	}
	for range normal {
		ds.X = append(ds.X, row(names, normalSample(rng)))
		ds.Y = append(ds.Y, Normal)
	}
	for range suspicious {
		ds.X = append(ds.X, row(names, suspiciousSample(rng)))
		ds.Y = append(ds.Y, Suspicious)
	}
	rng.Shuffle(len(ds.X), func(i, j int) {
		ds.X[i], ds.X[j] = ds.X[j], ds.X[i]
		ds.Y[i], ds.Y[j] = ds.Y[j], ds.Y[i]
	})
	return ds
}

func row(names []string, s features.Set) []float64 {
	out := make([]float64, len(names))
	for i, n := range names {
		out[i] = s[n]
	}
	return out
}

func normalSample(rng *rand.Rand) features.Set {
	return features.Set{
		features.Hour:              float64(intRange(rng, 8, 18)),
		features.DayOfWeek:         float64(intRange(rng, 0, 5)),
		features.IsWeekend:         0,
		features.IsBusinessHours:   1,
		features.IsNight:           0,
		features.IPAddressHash:     hashBucket(rng),
		features.IsPrivateIP:       bernoulli(rng, 0.1),
		features.IPReputationScore: uniform(rng, 0.7, 1.0),
		features.IsSuspiciousAgent: 0,
		features.UserAgentLength:   float64(intRange(rng, 0, 200)),

		features.EventIDHash:  hashBucket(rng),
		features.ActivityHash: hashBucket(rng),
		features.CategoryHash: hashBucket(rng),
		features.IsFailure:    bernoulli(rng, 0.05),
		features.IsSuccess:    bernoulli(rng, 0.95),
		features.IdentityHash: hashBucket(rng),
		features.HasIdentity:  1,

		features.MessageLength:   float64(intRange(rng, 20, 500)),
		features.NumSpecialChars: float64(intRange(rng, 5, 60)),
		features.Entropy:         uniform(rng, 2.0, 4.6),
		features.NumFields:       float64(intRange(rng, 1, 10)),
	}
}

func suspiciousSample(rng *rand.Rand) features.Set {
	hour := intRange(rng, 0, 6)
	if rng.IntN(2) == 1 {
		hour = intRange(rng, 22, 24)
	}
	s := features.Set{
		features.Hour:              float64(hour),
		features.DayOfWeek:         float64(intRange(rng, 0, 7)),
		features.IsWeekend:         bernoulli(rng, 0.5),
		features.IsBusinessHours:   0,
		features.IsNight:           1,
		features.IPAddressHash:     hashBucket(rng),
		features.IsPrivateIP:       bernoulli(rng, 0.7),
		features.IPReputationScore: uniform(rng, 0.1, 0.4),
		features.IsSuspiciousAgent: bernoulli(rng, 0.7),
		features.UserAgentLength:   float64(intRange(rng, 20, 100)),

		features.EventIDHash:  hashBucket(rng),
		features.ActivityHash: hashBucket(rng),
		features.CategoryHash: hashBucket(rng),
		features.IsFailure:    bernoulli(rng, 0.7),
		features.IsSuccess:    bernoulli(rng, 0.3),
		features.IdentityHash: hashBucket(rng),
		features.HasIdentity:  bernoulli(rng, 0.7),

		features.SQLInjectionScore:     uniform(rng, 0, 0.8),
		features.XSSScore:              uniform(rng, 0, 0.7),
		features.PathTraversalScore:    uniform(rng, 0, 0.6),
		features.CommandInjectionScore: uniform(rng, 0, 0.7),
		features.CodeExecutionScore:    uniform(rng, 0, 0.6),
		features.OverallMaliciousScore: uniform(rng, 0.3, 0.9),

		features.MessageLength:   float64(intRange(rng, 200, 1000)),
		features.NumSpecialChars: float64(intRange(rng, 50, 200)),
		features.Entropy:         uniform(rng, 4.5, 7.0),
		features.NumFields:       float64(intRange(rng, 5, 30)),
	}
	return s
}

// intRange returns an int in [lo, hi).
func intRange(rng *rand.Rand, lo, hi int) int { return lo + rng.IntN(hi-lo) }

func uniform(rng *rand.Rand, lo, hi float64) float64 { return lo + rng.Float64()*(hi-lo) }

func bernoulli(rng *rand.Rand, p float64) float64 {
	if rng.Float64() < p {
		return 1
	}
	return 0
}

func hashBucket(rng *rand.Rand) float64 { return float64(rng.IntN(1_000_000)) }
