// Package model loads trained model artifacts and evaluates them
// in-process. An artifact is a JSON export of a tree ensemble: either
// a gradient-boosted classifier or an isolation forest, tagged with
// its family so dispatch happens exactly once at load time.
package model

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"

	"github.com/opensource-finance/kestrel/internal/domain"
)

// ErrUnavailable is returned when scoring is attempted without a
// loaded model. The service stays up; callers surface the error.
var ErrUnavailable = errors.New("model unavailable")

// Artifact is the on-disk model format produced by the training
// pipeline's export step.
type Artifact struct {
	Family       domain.ModelFamily `json:"family"`
	Version      string             `json:"version"`
	FeatureNames []string           `json:"featureNames"`
	Trees        []Tree             `json:"trees"`

	// Classifier: additive raw score before the sigmoid.
	BaseScore float64 `json:"baseScore,omitempty"`

	// Isolation forest: decision_function offset and the training
	// subsample size used to normalize path lengths.
	Offset        float64 `json:"offset,omitempty"`
	SubsampleSize int     `json:"subsampleSize,omitempty"`
}

// LoadArtifact reads and structurally validates an artifact file.
func LoadArtifact(path string) (*Artifact, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read model artifact: %w", err)
	}
	var art Artifact
	if err := json.Unmarshal(data, &art); err != nil {
		return nil, fmt.Errorf("parse model artifact: %w", err)
	}
	if err := art.validate(); err != nil {
		return nil, fmt.Errorf("artifact %q: %w", path, err)
	}
	return &art, nil
}

func (a *Artifact) validate() error {
	switch a.Family {
	case domain.FamilyClassifier, domain.FamilyAnomalyDetector:
	default:
		return fmt.Errorf("unknown model family %q", a.Family)
	}
	if a.Version == "" {
		return errors.New("missing model version")
	}
	if len(a.FeatureNames) == 0 {
		return errors.New("missing featureNames")
	}
	if len(a.Trees) == 0 {
		return errors.New("artifact has no trees")
	}
	for i := range a.Trees {
		if err := a.Trees[i].validate(len(a.FeatureNames)); err != nil {
			return fmt.Errorf("tree %d: %w", i, err)
		}
	}
	if a.Family == domain.FamilyAnomalyDetector && a.SubsampleSize < 2 {
		return errors.New("anomaly detector requires subsampleSize >= 2")
	}
	return nil
}

// ValidateSchema checks the artifact against the registry-derived
// feature schema. Names must match position for position; a mismatch
// means the model was trained against a different registry version
// and is a fatal configuration error, never a per-request concern.
func (a *Artifact) ValidateSchema(schema []string) error {
	if len(a.FeatureNames) != len(schema) {
		return fmt.Errorf("model expects %d features, registry produces %d",
			len(a.FeatureNames), len(schema))
	}
	for i, name := range a.FeatureNames {
		if name != schema[i] {
			return fmt.Errorf("feature %d: model trained on %q, registry produces %q",
				i, name, schema[i])
		}
	}
	return nil
}
