package classifier

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand/v2"
	"sort"
	"sync"
	"time"
)

// LogisticConfig tunes training.
type LogisticConfig struct {
	Epochs       int
	LearningRate float64
	L2           float64
	TestSize     float64 // fraction held out for evaluation
	Seed         uint64
}

// DefaultLogisticConfig returns the settings used by the service.
func DefaultLogisticConfig() LogisticConfig {
	return LogisticConfig{
		Epochs:       400,
		LearningRate: 0.2,
		L2:           0.001,
		TestSize:     0.2,
		Seed:         42,
	}
}

// Logistic is a class-balanced logistic regression over standardized
// features.
type Logistic struct {
	cfg LogisticConfig

	mu        sync.RWMutex
	features  []string
	mean      []float64
	scale     []float64
	weights   []float64
	bias      float64
	trained   bool
	trainedAt time.Time
	metrics   Metrics
}

// NewLogistic returns an untrained model. featureNames labels the columns and
// is persisted with the model.
func NewLogistic(cfg LogisticConfig, featureNames []string) *Logistic {
	def := DefaultLogisticConfig()
	if cfg.Epochs <= 0 {
		cfg.Epochs = def.Epochs
	}
	if cfg.LearningRate <= 0 {
		cfg.LearningRate = def.LearningRate
	}
	if cfg.L2 < 0 {
		cfg.L2 = def.L2
	}
	if cfg.TestSize <= 0 || cfg.TestSize >= 1 {
		cfg.TestSize = def.TestSize
	}
	names := make([]string, len(featureNames))
	copy(names, featureNames)
	return &Logistic{cfg: cfg, features: names}
}

var _ Classifier = (*Logistic)(nil)

// Train fits the model on a stratified split of X/y and evaluates it on the
// held-out part.
func (l *Logistic) Train(ctx context.Context, X [][]float64, y []int) (Metrics, error) {
	if err := validateTraining(X, y, len(l.FeatureNames())); err != nil {
		return Metrics{}, err
	}

	trainIdx, testIdx := stratifiedSplit(y, l.cfg.TestSize, l.cfg.Seed)
	width := len(X[0])

	mean, scale := standardize(X, trainIdx, width)
	weights, bias, err := fit(ctx, X, y, trainIdx, mean, scale, l.cfg)
	if err != nil {
		return Metrics{}, err
	}

	testX := make([][]float64, len(testIdx))
	testY := make([]int, len(testIdx))
	for i, idx := range testIdx {
		testX[i] = X[idx]
		testY[i] = y[idx]
	}

	l.mu.Lock()
	l.mean, l.scale, l.weights, l.bias = mean, scale, weights, bias
	l.trained = true
	l.trainedAt = time.Now().UTC()
	if len(l.features) != width {
		l.features = columnNames(width)
	}
	l.mu.Unlock()

	m := Evaluate(testY, l.Predict(testX))
	m.TrainSamples = len(trainIdx)
	m.TestSamples = len(testIdx)

	l.mu.Lock()
	l.metrics = m
	l.mu.Unlock()
	return m, nil
}

// PredictProba implements Classifier.
func (l *Logistic) PredictProba(X [][]float64) []float64 {
	out := make([]float64, len(X))
	l.mu.RLock()
	defer l.mu.RUnlock()
	for i, row := range X {
		if !l.trained {
			out[i] = 0.5
			continue
		}
		out[i] = l.probLocked(row)
	}
	return out
}

// Predict implements Classifier.
func (l *Logistic) Predict(X [][]float64) []int {
	out := make([]int, len(X))
	l.mu.RLock()
	defer l.mu.RUnlock()
	if !l.trained {
		return out
	}
	for i, row := range X {
		if l.probLocked(row) >= 0.5 {
			out[i] = Suspicious
		}
	}
	return out
}

// Trained implements Classifier.
func (l *Logistic) Trained() bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.trained
}

// TrainedAt returns when the model was fitted, zero if untrained.
func (l *Logistic) TrainedAt() time.Time {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.trainedAt
}

// LastMetrics returns the evaluation from the most recent training run.
func (l *Logistic) LastMetrics() Metrics {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.metrics
}

// FeatureNames returns the column labels the model was built with.
func (l *Logistic) FeatureNames() []string {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]string, len(l.features))
	copy(out, l.features)
	return out
}

// Importance is one feature's share of the model's total absolute weight.
type Importance struct {
	Name  string  `json:"name"`
	Score float64 `json:"score"`
}

// FeatureImportance ranks features by normalized absolute weight, highest
// first. It is empty for an untrained model.
func (l *Logistic) FeatureImportance() []Importance {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if !l.trained {
		return nil
	}
	var total float64
	for _, w := range l.weights {
		total += math.Abs(w)
	}
	out := make([]Importance, len(l.weights))
	for i, w := range l.weights {
		name := fmt.Sprintf("feature_%d", i)
		if i < len(l.features) {
			name = l.features[i]
		}
		score := 0.0
		if total > 0 {
			score = math.Abs(w) / total
		}
		out[i] = Importance{Name: name, Score: score}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Score > out[j].Score })
	return out
}

// probLocked scores one row. Missing trailing columns count as the training
// mean; extra columns are ignored.
func (l *Logistic) probLocked(row []float64) float64 {
	z := l.bias
	for j, w := range l.weights {
		if j >= len(row) {
			break
		}
		v := row[j]
		if math.IsNaN(v) || math.IsInf(v, 0) {
			v = 0
		}
		z += w * (v - l.mean[j]) / l.scale[j]
	}
	return sigmoid(z)
}

func validateTraining(X [][]float64, y []int, declared int) error {
	if len(X) == 0 {
		return errors.New("no training samples")
	}
	if len(X) != len(y) {
		return fmt.Errorf("sample/label count mismatch: %d vs %d", len(X), len(y))
	}
	width := len(X[0])
	if width == 0 {
		return errors.New("training samples have no features")
	}
	if declared > 0 && declared != width {
		return fmt.Errorf("samples have %d features, model declares %d", width, declared)
	}
	var counts [2]int
	for i, row := range X {
		if len(row) != width {
			return fmt.Errorf("sample %d has %d features, want %d", i, len(row), width)
		}
		if y[i] != Normal && y[i] != Suspicious {
			return fmt.Errorf("sample %d has label %d, want 0 or 1", i, y[i])
		}
		counts[y[i]]++
	}
	if counts[Normal] < 2 || counts[Suspicious] < 2 {
		return fmt.Errorf("need at least two samples per class, have %d normal and %d suspicious", counts[Normal], counts[Suspicious])
	}
	return nil
}

// stratifiedSplit shuffles each class with a fixed seed and holds out
// testSize of it, at least one sample per class.
func stratifiedSplit(y []int, testSize float64, seed uint64) (train, test []int) {
	rng := rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15))
	var byClass [2][]int
	for i, label := range y {
		byClass[label] = append(byClass[label], i)
	}
	for _, idx := range byClass {
		rng.Shuffle(len(idx), func(i, j int) { idx[i], idx[j] = idx[j], idx[i] })
		n := int(math.Round(float64(len(idx)) * testSize))
		n = max(1, min(n, len(idx)-1))
		test = append(test, idx[:n]...)
		train = append(train, idx[n:]...)
	}
	sort.Ints(train)
	sort.Ints(test)
	return train, test
}

func standardize(X [][]float64, idx []int, width int) (mean, scale []float64) {
	mean = make([]float64, width)
	scale = make([]float64, width)
	n := float64(len(idx))
	for _, i := range idx {
		for j, v := range X[i] {
			mean[j] += v
		}
	}
	for j := range mean {
		mean[j] /= n
	}
	for _, i := range idx {
		for j, v := range X[i] {
			d := v - mean[j]
			scale[j] += d * d
		}
	}
	for j := range scale {
		scale[j] = math.Sqrt(scale[j] / n)
		if scale[j] < 1e-12 {
			scale[j] = 1
		}
	}
	return mean, scale
}

// fit runs full-batch gradient descent with balanced class weights.
func fit(ctx context.Context, X [][]float64, y []int, idx []int, mean, scale []float64, cfg LogisticConfig) ([]float64, float64, error) {
	width := len(mean)
	var counts [2]float64
	for _, i := range idx {
		counts[y[i]]++
	}
	n := float64(len(idx))
	classWeight := [2]float64{n / (2 * counts[0]), n / (2 * counts[1])}

	z := make([][]float64, len(idx))
	for k, i := range idx {
		row := make([]float64, width)
		for j, v := range X[i] {
			row[j] = (v - mean[j]) / scale[j]
		}
		z[k] = row
	}

	weights := make([]float64, width)
	grad := make([]float64, width)
	var bias float64
	for epoch := range cfg.Epochs {
		if epoch%50 == 0 {
			if err := ctx.Err(); err != nil {
				return nil, 0, fmt.Errorf("training canceled: %w", err)
			}
		}
		clear(grad)
		var gb float64
		for k, i := range idx {
			s := bias
			for j, v := range z[k] {
				s += weights[j] * v
			}
			diff := (sigmoid(s) - float64(y[i])) * classWeight[y[i]]
			for j, v := range z[k] {
				grad[j] += diff * v
			}
			gb += diff
		}
		for j := range weights {
			weights[j] -= cfg.LearningRate * (grad[j]/n + cfg.L2*weights[j])
		}
		bias -= cfg.LearningRate * gb / n
	}
	return weights, bias, nil
}

func sigmoid(z float64) float64 {
	if z >= 0 {
		return 1 / (1 + math.Exp(-z))
	}
	e := math.Exp(z)
	return e / (1 + e)
}

func columnNames(n int) []string {
	out := make([]string, n)
	for i := range out {
		out[i] = fmt.Sprintf("feature_%d", i)
	}
	return out
}
