package pipeline

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/linnemanlabs/go-core/log"

	"github.com/linnemanlabs/threatwatch/internal/classifier"
)

// ModelConfig controls how the startup model is obtained.
type ModelConfig struct {
	// Path of the persisted artifact. Empty trains in memory only.
	Path string
	// MaxAge after which the artifact is retrained. Zero never retrains.
	MaxAge time.Duration
	// Synthetic training set sizes.
	Normal     int
	Suspicious int
	Seed       uint64
}

// LoadOrTrain returns the persisted model when it is present and fresh, and
// otherwise trains one on synthetic data and saves it. A present but
// unreadable artifact is an error.
func LoadOrTrain(ctx context.Context, cfg ModelConfig, logger log.Logger) (*classifier.Logistic, error) {
	if logger == nil {
		logger = log.Nop()
	}

	if cfg.Path != "" {
		maxAge := cfg.MaxAge
		if maxAge <= 0 {
			maxAge = time.Duration(math.MaxInt64)
		}
		stale, err := classifier.Stale(cfg.Path, maxAge)
		if err != nil {
			return nil, fmt.Errorf("check model %s: %w", cfg.Path, err)
		}
		if !stale {
			m, err := classifier.Load(cfg.Path)
			if err != nil {
				return nil, fmt.Errorf("load model %s: %w", cfg.Path, err)
			}
			logger.Info(ctx, "loaded model",
				"path", cfg.Path,
				"trained_at", m.TrainedAt(),
				"features", len(m.FeatureNames()),
			)
			return m, nil
		}
	}

	if cfg.Normal <= 0 {
		cfg.Normal = 2000
	}
	if cfg.Suspicious <= 0 {
		cfg.Suspicious = 1000
	}
	if cfg.Seed == 0 {
		cfg.Seed = classifier.DefaultLogisticConfig().Seed
	}

	logger.Info(ctx, "training model on synthetic data",
		"normal", cfg.Normal,
		"suspicious", cfg.Suspicious,
	)
	ds := classifier.Synthetic(cfg.Normal, cfg.Suspicious, cfg.Seed)
	m := classifier.NewLogistic(classifier.DefaultLogisticConfig(), ds.Features)
	metrics, err := m.Train(ctx, ds.X, ds.Y)
	if err != nil {
		return nil, fmt.Errorf("train model: %w", err)
	}
	logger.Info(ctx, "model trained",
		"accuracy", metrics.Accuracy,
		"train_samples", metrics.TrainSamples,
		"test_samples", metrics.TestSamples,
		"suspicious_recall", metrics.Suspicious.Recall,
	)

	if cfg.Path != "" {
		if err := m.Save(cfg.Path); err != nil {
			// a model that cannot be saved still works for this run
			logger.Error(ctx, err, "failed to save model", "path", cfg.Path)
		}
	}
	return m, nil
}
