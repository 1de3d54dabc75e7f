package model

import (
	"fmt"
	"math"

	"github.com/opensource-finance/kestrel/internal/domain"
)

// Classifier evaluates a gradient-boosted tree ensemble. The raw
// score is the base score plus the sum of leaf values; the sigmoid
// maps it to P(fraud).
type Classifier struct {
	art *Artifact
}

// NewClassifier wraps a classifier-family artifact.
func NewClassifier(art *Artifact) *Classifier {
	return &Classifier{art: art}
}

// Family returns domain.FamilyClassifier.
func (c *Classifier) Family() domain.ModelFamily { return domain.FamilyClassifier }

// Version returns the artifact's model version.
func (c *Classifier) Version() string { return c.art.Version }

// FeatureNames returns the feature order the model was trained on.
func (c *Classifier) FeatureNames() []string { return c.art.FeatureNames }

// Predict returns the label and both class probabilities. Label 1
// means the fraud probability crossed 0.5.
func (c *Classifier) Predict(v *domain.FeatureVector) (*domain.RawPrediction, error) {
	if len(v.Values) != len(c.art.FeatureNames) {
		return nil, fmt.Errorf("vector has %d features, model expects %d",
			len(v.Values), len(c.art.FeatureNames))
	}

	raw := c.art.BaseScore
	for i := range c.art.Trees {
		raw += c.art.Trees[i].Evaluate(v.Values)
	}
	probFraud := sigmoid(raw)

	label := 0
	if probFraud >= 0.5 {
		label = 1
	}

	return &domain.RawPrediction{
		Label:        label,
		ProbFraud:    probFraud,
		ProbNonFraud: 1 - probFraud,
		Family:       domain.FamilyClassifier,
		ModelVersion: c.art.Version,
	}, nil
}

// Contributions returns per-feature additive contributions to the raw
// fraud score, indexed by feature position. The sum of contributions
// plus the returned baseline equals the ensemble's raw score.
func (c *Classifier) Contributions(values []float64) (contrib []float64, baseline float64, err error) {
	if len(values) != len(c.art.FeatureNames) {
		return nil, 0, fmt.Errorf("vector has %d features, model expects %d",
			len(values), len(c.art.FeatureNames))
	}
	contrib = make([]float64, len(values))
	baseline = c.art.BaseScore
	for i := range c.art.Trees {
		baseline += c.art.Trees[i].Contributions(values, contrib)
	}
	return contrib, baseline, nil
}

func sigmoid(x float64) float64 {
	return 1 / (1 + math.Exp(-x))
}
