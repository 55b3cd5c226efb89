package classifier

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"math"
	"os"
	"path/filepath"
	"time"
)

const artifactVersion = 1

// artifact is the on-disk form of a trained Logistic model.
type artifact struct {
	Version   int       `json:"version"`
	Kind      string    `json:"kind"`
	TrainedAt time.Time `json:"trained_at"`
	Features  []string  `json:"features"`
	Mean      []float64 `json:"mean"`
	Scale     []float64 `json:"scale"`
	Weights   []float64 `json:"weights"`
	Bias      float64   `json:"bias"`
	Metrics   Metrics   `json:"metrics"`
	Config    struct {
		Epochs       int     `json:"epochs"`
		LearningRate float64 `json:"learning_rate"`
		L2           float64 `json:"l2"`
		TestSize     float64 `json:"test_size"`
		Seed         uint64  `json:"seed"`
	} `json:"config"`
}

// Save writes the trained model to path atomically, creating parent
// directories as needed.
func (l *Logistic) Save(path string) error {
	l.mu.RLock()
	if !l.trained {
		l.mu.RUnlock()
		return errors.New("classifier: cannot save an untrained model")
	}
	a := artifact{
		Version:   artifactVersion,
		Kind:      "logistic",
		TrainedAt: l.trainedAt,
		Features:  append([]string(nil), l.features...),
		Mean:      append([]float64(nil), l.mean...),
		Scale:     append([]float64(nil), l.scale...),
		Weights:   append([]float64(nil), l.weights...),
		Bias:      l.bias,
		Metrics:   l.metrics,
	}
	a.Config.Epochs = l.cfg.Epochs
	a.Config.LearningRate = l.cfg.LearningRate
	a.Config.L2 = l.cfg.L2
	a.Config.TestSize = l.cfg.TestSize
	a.Config.Seed = l.cfg.Seed
	l.mu.RUnlock()

	data, err := json.MarshalIndent(a, "", "  ")
	if err != nil {
		return fmt.Errorf("classifier: encode artifact: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return fmt.Errorf("classifier: create model dir: %w", err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), ".model-*.json")
	if err != nil {
		return fmt.Errorf("classifier: create temp artifact: %w", err)
	}
	defer os.Remove(tmp.Name()) //nolint:errcheck // no-op after rename

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("classifier: write artifact: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("classifier: close artifact: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("classifier: install artifact: %w", err)
	}
	return nil
}

// Load reads a model written by Save. A missing file is reported with an
// error wrapping fs.ErrNotExist; any other problem means the artifact is
// unusable.
func Load(path string) (*Logistic, error) {
	data, err := os.ReadFile(path) //nolint:gosec // G304: path comes from operator config
	if err != nil {
		return nil, fmt.Errorf("classifier: read artifact: %w", err)
	}
	var a artifact
	if err := json.Unmarshal(data, &a); err != nil {
		return nil, fmt.Errorf("classifier: decode artifact %s: %w", path, err)
	}
	if err := a.validate(); err != nil {
		return nil, fmt.Errorf("classifier: artifact %s: %w", path, err)
	}

	l := NewLogistic(LogisticConfig{
		Epochs:       a.Config.Epochs,
		LearningRate: a.Config.LearningRate,
		L2:           a.Config.L2,
		TestSize:     a.Config.TestSize,
		Seed:         a.Config.Seed,
	}, a.Features)
	l.mean, l.scale, l.weights, l.bias = a.Mean, a.Scale, a.Weights, a.Bias
	l.trainedAt = a.TrainedAt
	l.metrics = a.Metrics
	l.trained = true
	return l, nil
}

func (a *artifact) validate() error {
	if a.Version != artifactVersion {
		return fmt.Errorf("unsupported version %d", a.Version)
	}
	if a.Kind != "logistic" {
		return fmt.Errorf("unsupported kind %q", a.Kind)
	}
	n := len(a.Weights)
	if n == 0 {
		return errors.New("no weights")
	}
	if len(a.Features) != n || len(a.Mean) != n || len(a.Scale) != n {
		return fmt.Errorf("inconsistent shapes: %d features, %d mean, %d scale, %d weights",
			len(a.Features), len(a.Mean), len(a.Scale), n)
	}
	for i := range n {
		if !finite(a.Weights[i]) || !finite(a.Mean[i]) || !finite(a.Scale[i]) || a.Scale[i] <= 0 {
			return fmt.Errorf("invalid parameters for feature %q", a.Features[i])
		}
	}
	if !finite(a.Bias) {
		return errors.New("invalid bias")
	}
	return nil
}

// Stale reports whether the artifact at path is missing or older than
// maxAge.
func Stale(path string, maxAge time.Duration) (bool, error) {
	info, err := os.Stat(path)
	if errors.Is(err, fs.ErrNotExist) {
		return true, nil
	}
	if err != nil {
		return false, fmt.Errorf("classifier: stat artifact: %w", err)
	}
	return time.Since(info.ModTime()) > maxAge, nil
}

func finite(f float64) bool { return !math.IsNaN(f) && !math.IsInf(f, 0) }
