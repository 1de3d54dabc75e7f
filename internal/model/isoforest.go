package model

import (
	"fmt"
	"math"

	"github.com/opensource-finance/kestrel/internal/domain"
)

// IsolationForest evaluates an isolation forest artifact. Anomalies
// isolate in few splits, so short average path lengths mean a
// negative decision-function value and a -1 verdict.
type IsolationForest struct {
	art *Artifact

	// cNorm is c(subsampleSize), the path-length normalizer.
	cNorm float64
}

// NewIsolationForest wraps an anomaly-detector-family artifact.
func NewIsolationForest(art *Artifact) *IsolationForest {
	return &IsolationForest{
		art:   art,
		cNorm: averagePathLength(art.SubsampleSize),
	}
}

// Family returns domain.FamilyAnomalyDetector.
func (f *IsolationForest) Family() domain.ModelFamily { return domain.FamilyAnomalyDetector }

// Version returns the artifact's model version.
func (f *IsolationForest) Version() string { return f.art.Version }

// FeatureNames returns the feature order the model was trained on.
func (f *IsolationForest) FeatureNames() []string { return f.art.FeatureNames }

// DecisionFunction returns the signed anomaly score: negative means
// anomalous, positive means normal.
func (f *IsolationForest) DecisionFunction(values []float64) (float64, error) {
	if len(values) != len(f.art.FeatureNames) {
		return 0, fmt.Errorf("vector has %d features, model expects %d",
			len(values), len(f.art.FeatureNames))
	}
	var total float64
	for i := range f.art.Trees {
		total += f.art.Trees[i].PathLength(values)
	}
	avgPath := total / float64(len(f.art.Trees))
	scoreSamples := -math.Pow(2, -avgPath/f.cNorm)
	return scoreSamples - f.art.Offset, nil
}

// Predict maps the detector's native verdict onto the fraud label:
// -1 (anomalous) becomes fraud, +1 (normal) becomes legitimate. The
// family has no probability notion, so the probabilities are a 0/1
// encoding of the verdict.
func (f *IsolationForest) Predict(v *domain.FeatureVector) (*domain.RawPrediction, error) {
	decision, err := f.DecisionFunction(v.Values)
	if err != nil {
		return nil, err
	}

	label := 0
	if decision < 0 {
		label = 1
	}

	return &domain.RawPrediction{
		Label:        label,
		ProbFraud:    float64(label),
		ProbNonFraud: float64(1 - label),
		AnomalyScore: decision,
		Family:       domain.FamilyAnomalyDetector,
		ModelVersion: f.art.Version,
	}, nil
}
