// Package explain ranks per-feature attributions for predictions.
// Classifiers get tree-path contributions read out of the ensemble;
// anomaly detectors have no per-feature signal to walk, so they get a
// magnitude heuristic that is labeled as such.
package explain

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"

	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/metrics"
	"github.com/opensource-finance/kestrel/internal/model"
)

// ErrUnavailable is returned when the explainer could not be built.
// Predictions are unaffected; only the explanation is missing.
var ErrUnavailable = errors.New("explanation unavailable")

type explainer interface {
	method() string
	attribute(ctx context.Context, v *domain.FeatureVector, raw *domain.RawPrediction) ([]domain.AttributionEntry, error)
}

// Engine builds the family-appropriate explainer lazily, at most once
// per process. Construction failure is remembered and degrades every
// call to ErrUnavailable rather than being retried per request.
type Engine struct {
	predictor model.Predictor
	cache     domain.Cache
	topK      int
	ttl       time.Duration
	logger    *slog.Logger

	once     sync.Once
	expl     explainer
	buildErr error
}

// New creates an attribution engine for a loaded predictor. The cache
// is optional; nil disables attribution caching.
func New(p model.Predictor, cache domain.Cache, topK int, ttl time.Duration, logger *slog.Logger) *Engine {
	if topK <= 0 {
		topK = 10
	}
	return &Engine{
		predictor: p,
		cache:     cache,
		topK:      topK,
		ttl:       ttl,
		logger:    logger,
	}
}

func (e *Engine) build() {
	switch e.predictor.Family() {
	case domain.FamilyClassifier:
		c, ok := e.predictor.(*model.Classifier)
		if !ok {
			e.buildErr = fmt.Errorf("classifier %T does not expose tree contributions", e.predictor)
			return
		}
		e.expl = &treeExplainer{model: c}
	case domain.FamilyAnomalyDetector:
		e.expl = &magnitudeExplainer{}
	default:
		e.buildErr = fmt.Errorf("no explainer for family %q", e.predictor.Family())
	}
}

// Explain returns the ranked top-K attributions for an encoded
// vector and its prediction. The heuristic explainer labels direction
// by the verdict, so the prediction is part of the contract. Cache
// faults are absorbed: a cache miss or error just means the
// attributions are recomputed.
func (e *Engine) Explain(ctx context.Context, tenantID string, v *domain.FeatureVector, raw *domain.RawPrediction) (*domain.Explanation, error) {
	e.once.Do(e.build)
	if e.buildErr != nil {
		metrics.Explanations.WithLabelValues("none", "unavailable").Inc()
		return nil, fmt.Errorf("%w: %s", ErrUnavailable, e.buildErr)
	}

	key := e.cacheKey(v)
	if e.cache != nil {
		if cached, err := e.cache.GetExplanation(ctx, tenantID, key); err == nil && cached != nil {
			metrics.Explanations.WithLabelValues(cached.Method, "cache_hit").Inc()
			return cached, nil
		}
	}

	entries, err := e.expl.attribute(ctx, v, raw)
	if err != nil {
		metrics.Explanations.WithLabelValues(e.expl.method(), "error").Inc()
		return nil, fmt.Errorf("%w: %s", ErrUnavailable, err)
	}

	// The caller's timeout bounds the whole computation, ranking
	// included.
	if err := ctx.Err(); err != nil {
		metrics.Explanations.WithLabelValues(e.expl.method(), "timeout").Inc()
		return nil, fmt.Errorf("%w: %s", ErrUnavailable, err)
	}

	sort.SliceStable(entries, func(i, j int) bool {
		return math.Abs(entries[i].Contribution) > math.Abs(entries[j].Contribution)
	})
	if len(entries) > e.topK {
		entries = entries[:e.topK]
	}

	expl := &domain.Explanation{Method: e.expl.method(), Attributions: entries}

	if e.cache != nil {
		if err := e.cache.SetExplanation(ctx, tenantID, key, expl, e.ttl); err != nil {
			e.logger.Warn("attribution cache write failed", "error", err)
		}
	}

	metrics.Explanations.WithLabelValues(expl.Method, "computed").Inc()
	return expl, nil
}

// cacheKey combines model version and vector contents, so a model
// reload can never serve attributions computed by its predecessor.
func (e *Engine) cacheKey(v *domain.FeatureVector) string {
	h := xxhash.New()
	var buf [8]byte
	for _, x := range v.Values {
		binary.LittleEndian.PutUint64(buf[:], math.Float64bits(x))
		h.Write(buf[:])
	}
	return fmt.Sprintf("expl:%s:%x", e.predictor.Version(), h.Sum64())
}

// treeExplainer attributes the raw fraud score to features by walking
// every tree path and crediting each split's value change to the
// feature split on.
type treeExplainer struct {
	model *model.Classifier
}

func (t *treeExplainer) method() string { return domain.MethodTreePath }

func (t *treeExplainer) attribute(ctx context.Context, v *domain.FeatureVector, _ *domain.RawPrediction) ([]domain.AttributionEntry, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	contrib, _, err := t.model.Contributions(v.Values)
	if err != nil {
		return nil, err
	}
	entries := make([]domain.AttributionEntry, 0, len(contrib))
	for i, c := range contrib {
		if c == 0 {
			continue
		}
		entries = append(entries, domain.AttributionEntry{
			Feature:      v.Names[i],
			Value:        v.Values[i],
			Contribution: c,
			Direction:    direction(c),
		})
	}
	return entries, nil
}

// magnitudeExplainer ranks features by the size of their encoded
// values. It knows nothing about the model; the method label keeps
// consumers from treating it as a model-grounded explanation.
type magnitudeExplainer struct{}

func (m *magnitudeExplainer) method() string { return domain.MethodMagnitudeHeuristic }

func (m *magnitudeExplainer) attribute(ctx context.Context, v *domain.FeatureVector, raw *domain.RawPrediction) ([]domain.AttributionEntry, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if raw == nil {
		return nil, errors.New("magnitude heuristic needs the prediction to label directions")
	}

	// The heuristic has no per-feature signal, so every entry takes
	// the verdict's direction: large values on an anomalous prediction
	// read as driving the anomaly, on a normal one as typical.
	dir := domain.DirectionDecreasesRisk
	if raw.Label == 1 {
		dir = domain.DirectionIncreasesRisk
	}

	entries := make([]domain.AttributionEntry, 0, len(v.Values))
	for i, x := range v.Values {
		if x == 0 {
			continue
		}
		entries = append(entries, domain.AttributionEntry{
			Feature:      v.Names[i],
			Value:        x,
			Contribution: math.Abs(x),
			Direction:    dir,
		})
	}
	return entries, nil
}

func direction(c float64) string {
	if c > 0 {
		return domain.DirectionIncreasesRisk
	}
	return domain.DirectionDecreasesRisk
}
