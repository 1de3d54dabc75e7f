// Package inference is the scoring pipeline: encode, predict,
// optionally explain. Single and batch scoring share the same path;
// batch rows are isolated so one bad record never aborts the rest.
package inference

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/encoder"
	"github.com/opensource-finance/kestrel/internal/explain"
	"github.com/opensource-finance/kestrel/internal/metrics"
	"github.com/opensource-finance/kestrel/internal/model"
)

// ErrEmptyBatch is returned for a batch with no rows.
var ErrEmptyBatch = errors.New("empty batch")

// ErrBatchTooLarge is returned when a batch exceeds the configured cap.
var ErrBatchTooLarge = errors.New("batch too large")

// Engine orchestrates the scoring pipeline. The predictor may be nil
// when the model artifact failed to load; the engine then stays up
// and reports every inference as model-unavailable.
type Engine struct {
	encoder   *encoder.Encoder
	predictor model.Predictor
	explainer *explain.Engine
	cfg       domain.InferenceConfig
	logger    *slog.Logger
	tracer    trace.Tracer
}

// New creates a scoring engine. predictor and explainer may be nil.
func New(enc *encoder.Encoder, predictor model.Predictor, explainer *explain.Engine, cfg domain.InferenceConfig, logger *slog.Logger) *Engine {
	return &Engine{
		encoder:   enc,
		predictor: predictor,
		explainer: explainer,
		cfg:       cfg,
		logger:    logger,
		tracer:    otel.Tracer("kestrel/inference"),
	}
}

// ModelLoaded reports whether a model is available for scoring.
func (e *Engine) ModelLoaded() bool {
	return e.predictor != nil
}

// ModelVersion returns the loaded model's version, or "" when no
// model is available.
func (e *Engine) ModelVersion() string {
	if e.predictor == nil {
		return ""
	}
	return e.predictor.Version()
}

// Score runs the full pipeline for one record. The result is either
// complete or an error; there are no partial successes. Explanation
// failures are the one exception: they degrade to a result without
// attributions, since the prediction itself is unaffected.
func (e *Engine) Score(ctx context.Context, tenantID string, record domain.TransactionRecord) (*domain.PredictionResult, error) {
	start := time.Now()
	defer func() {
		metrics.PredictLatency.Observe(time.Since(start).Seconds())
	}()

	result, err := e.score(ctx, tenantID, record, e.cfg.ExplainEnabled)
	if err != nil {
		return nil, err
	}
	return result, nil
}

func (e *Engine) score(ctx context.Context, tenantID string, record domain.TransactionRecord, withExplanation bool) (*domain.PredictionResult, error) {
	ctx, span := e.tracer.Start(ctx, "inference.score",
		trace.WithAttributes(attribute.String("tenant.id", tenantID)))
	defer span.End()

	if e.predictor == nil {
		metrics.PredictionErrors.WithLabelValues("model").Inc()
		return nil, model.ErrUnavailable
	}

	encodeStart := time.Now()
	vector, err := e.encoder.Encode(record)
	if err != nil {
		metrics.PredictionErrors.WithLabelValues("encode").Inc()
		return nil, fmt.Errorf("encode: %w", err)
	}
	encodeMs := time.Since(encodeStart).Milliseconds()

	predictStart := time.Now()
	raw, err := e.predictor.Predict(vector)
	if err != nil {
		metrics.PredictionErrors.WithLabelValues("predict").Inc()
		return nil, fmt.Errorf("predict: %w", err)
	}
	predictMs := time.Since(predictStart).Milliseconds()

	result := &domain.PredictionResult{
		ID:                  uuid.New().String(),
		TenantID:            tenantID,
		Prediction:          raw.Label,
		IsFraud:             raw.Label == 1,
		ProbabilityFraud:    raw.ProbFraud,
		ProbabilityNonFraud: raw.ProbNonFraud,
		AnomalyScore:        raw.AnomalyScore,
		ModelFamily:         raw.Family,
		ModelVersion:        raw.ModelVersion,
		Timestamp:           time.Now().UTC(),
		EncodeMs:            encodeMs,
		PredictMs:           predictMs,
	}

	if withExplanation && e.explainer != nil {
		explainStart := time.Now()
		explainCtx := ctx
		var cancel context.CancelFunc
		if e.cfg.ExplainTimeout > 0 {
			explainCtx, cancel = context.WithTimeout(ctx, e.cfg.ExplainTimeout)
		}
		expl, err := e.explainer.Explain(explainCtx, tenantID, vector, raw)
		if cancel != nil {
			cancel()
		}
		if err != nil {
			// Attributions are advisory. The prediction stands.
			e.logger.Debug("explanation skipped", "error", err)
		} else {
			result.Explanation = expl
		}
		result.ExplainMs = time.Since(explainStart).Milliseconds()
	}

	verdict := "legitimate"
	if result.IsFraud {
		verdict = "fraud"
	}
	metrics.Predictions.WithLabelValues(string(raw.Family), verdict).Inc()
	span.SetAttributes(
		attribute.String("model.family", string(raw.Family)),
		attribute.Bool("prediction.is_fraud", result.IsFraud),
	)

	return result, nil
}

// ScoreBatch scores rows independently. Failed rows come back as
// error entries keyed to the original input; surviving rows are
// unaffected. A missing model fails the whole batch, since no row
// could succeed.
func (e *Engine) ScoreBatch(ctx context.Context, tenantID string, records []domain.TransactionRecord) (*domain.BatchResult, error) {
	if e.predictor == nil {
		metrics.PredictionErrors.WithLabelValues("model").Inc()
		return nil, model.ErrUnavailable
	}
	if len(records) == 0 {
		return nil, ErrEmptyBatch
	}
	if e.cfg.MaxBatchSize > 0 && len(records) > e.cfg.MaxBatchSize {
		return nil, fmt.Errorf("%w: %d rows, cap is %d", ErrBatchTooLarge, len(records), e.cfg.MaxBatchSize)
	}

	ctx, span := e.tracer.Start(ctx, "inference.score_batch",
		trace.WithAttributes(
			attribute.String("tenant.id", tenantID),
			attribute.Int("batch.size", len(records)),
		))
	defer span.End()

	result := &domain.BatchResult{Total: len(records)}
	for i, record := range records {
		pred, err := e.scoreRow(ctx, tenantID, record)
		if err != nil {
			metrics.BatchRows.WithLabelValues("error").Inc()
			result.Errors = append(result.Errors, domain.BatchRowError{
				Row:     i,
				Input:   record,
				Error:   "prediction failed",
				Message: err.Error(),
			})
			result.Failed++
			continue
		}
		metrics.BatchRows.WithLabelValues("ok").Inc()
		result.Predictions = append(result.Predictions, &domain.BatchPrediction{Row: i, PredictionResult: pred})
		result.Succeeded++
	}
	return result, nil
}

// scoreRow wraps one batch row so that a panic in scoring poisons
// only its own row. Batch rows skip attributions; the batch path
// exists for throughput.
func (e *Engine) scoreRow(ctx context.Context, tenantID string, record domain.TransactionRecord) (pred *domain.PredictionResult, err error) {
	defer func() {
		if r := recover(); r != nil {
			e.logger.Error("row scoring panicked", "panic", r)
			pred, err = nil, fmt.Errorf("row scoring panicked: %v", r)
		}
	}()
	return e.score(ctx, tenantID, record, false)
}
