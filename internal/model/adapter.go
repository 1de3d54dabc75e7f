package model

import (
	"fmt"

	"github.com/opensource-finance/kestrel/internal/domain"
)

// Predictor is the family-neutral model surface. Dispatch on family
// happens once, in Load; callers never branch on model kind again.
type Predictor interface {
	Family() domain.ModelFamily
	Version() string
	FeatureNames() []string
	Predict(v *domain.FeatureVector) (*domain.RawPrediction, error)
}

// Load reads an artifact, checks it against the registry-derived
// schema, and returns the family-specific predictor.
func Load(path string, schema []string) (Predictor, error) {
	art, err := LoadArtifact(path)
	if err != nil {
		return nil, err
	}
	if err := art.ValidateSchema(schema); err != nil {
		return nil, fmt.Errorf("artifact %q: %w", path, err)
	}
	switch art.Family {
	case domain.FamilyClassifier:
		return NewClassifier(art), nil
	case domain.FamilyAnomalyDetector:
		return NewIsolationForest(art), nil
	default:
		// validate() already rejects unknown families.
		return nil, fmt.Errorf("unknown model family %q", art.Family)
	}
}
