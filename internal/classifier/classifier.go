// Package classifier defines the threat-scoring contract used by the pipeline,
// a logistic-regression implementation of it, and the synthetic training set
// used to bootstrap a model.
package classifier

import (
	"context"
	"math"
)

// Labels.
const (
	Normal     = 0
	Suspicious = 1
)

// DefaultThreshold is the confidence at which a result is flagged regardless
// of its predicted label.
const DefaultThreshold = 0.7

// Classifier scores feature matrices. Column order is fixed by the schema the
// model was trained with. Implementations must be safe for concurrent use.
type Classifier interface {
	// Train fits the model and reports evaluation on a held-out split.
	Train(ctx context.Context, X [][]float64, y []int) (Metrics, error)
	// PredictProba returns P(suspicious) per row; 0.5 for every row when the
	// model is untrained.
	PredictProba(X [][]float64) []float64
	// Predict returns a label per row; Normal for every row when untrained.
	Predict(X [][]float64) []int
	// Trained reports whether the model has been fitted or loaded.
	Trained() bool
}

// Result is the verdict for one row of a batch.
type Result struct {
	Index            int     `json:"index"`
	Probability      float64 `json:"confidence"`
	Label            int     `json:"prediction"`
	IsThreat         bool    `json:"is_threat"`
	ExceedsThreshold bool    `json:"exceeds_threshold"`
}

// Alertable reports whether the result should raise an alert.
func (r Result) Alertable() bool { return r.IsThreat || r.ExceedsThreshold }

// Detect scores a batch with one PredictProba and one Predict call.
func Detect(c Classifier, X [][]float64, threshold float64) []Result {
	if len(X) == 0 {
		return nil
	}
	probs := c.PredictProba(X)
	labels := c.Predict(X)

	out := make([]Result, len(X))
	for i := range X {
		p := 0.5
		if i < len(probs) && !math.IsNaN(probs[i]) {
			p = probs[i]
		}
		label := Normal
		if i < len(labels) {
			label = labels[i]
		}
		out[i] = Result{
			Index:            i,
			Probability:      p,
			Label:            label,
			IsThreat:         label == Suspicious,
			ExceedsThreshold: p >= threshold,
		}
	}
	return out
}

// ClassReport holds per-class evaluation scores.
type ClassReport struct {
	Precision float64 `json:"precision"`
	Recall    float64 `json:"recall"`
	F1        float64 `json:"f1"`
	Support   int     `json:"support"`
}

// Metrics summarizes a training run on its held-out split.
type Metrics struct {
	Accuracy        float64     `json:"accuracy"`
	Normal          ClassReport `json:"normal"`
	Suspicious      ClassReport `json:"suspicious"`
	ConfusionMatrix [2][2]int   `json:"confusion_matrix"` // [actual][predicted]
	TrainSamples    int         `json:"train_samples"`
	TestSamples     int         `json:"test_samples"`
}

// Evaluate compares predictions against the truth.
func Evaluate(truth, pred []int) Metrics {
	var m Metrics
	n := min(len(truth), len(pred))
	if n == 0 {
		return m
	}
	var correct int
	for i := range n {
		a, p := clampLabel(truth[i]), clampLabel(pred[i])
		m.ConfusionMatrix[a][p]++
		if a == p {
			correct++
		}
	}
	m.Accuracy = float64(correct) / float64(n)
	m.Normal = report(m.ConfusionMatrix, Normal)
	m.Suspicious = report(m.ConfusionMatrix, Suspicious)
	m.TestSamples = n
	return m
}

func report(cm [2][2]int, class int) ClassReport {
	other := 1 - class
	tp := float64(cm[class][class])
	fp := float64(cm[other][class])
	fn := float64(cm[class][other])

	r := ClassReport{Support: cm[class][class] + cm[class][other]}
	if tp+fp > 0 {
		r.Precision = tp / (tp + fp)
	}
	if tp+fn > 0 {
		r.Recall = tp / (tp + fn)
	}
	if r.Precision+r.Recall > 0 {
		r.F1 = 2 * r.Precision * r.Recall / (r.Precision + r.Recall)
	}
	return r
}

func clampLabel(l int) int {
	if l == Suspicious {
		return Suspicious
	}
	return Normal
}
