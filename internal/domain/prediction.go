package domain

import (
	"time"
)

// ModelFamily identifies the kind of model an artifact carries.
// The family is read once at load time; nothing downstream inspects
// the model again to decide how to call it.
type ModelFamily string

const (
	// FamilyClassifier is a supervised classifier exposing a label
	// and class probabilities (e.g. a gradient-boosted ensemble).
	FamilyClassifier ModelFamily = "classifier"

	// FamilyAnomalyDetector is an unsupervised detector exposing an
	// anomaly score and a native +1/-1 verdict (isolation forest).
	FamilyAnomalyDetector ModelFamily = "anomaly_detector"
)

// RawPrediction is the family-neutral output of the model adapter,
// before attributions are attached.
type RawPrediction struct {
	// Label is 1 for fraud, 0 for legitimate, for both families.
	Label int

	// ProbFraud and ProbNonFraud are calibrated class probabilities
	// for classifiers. For anomaly detectors they are a 0/1 encoding
	// of the verdict, since the family has no probability notion.
	ProbFraud    float64
	ProbNonFraud float64

	// AnomalyScore is the decision-function value for anomaly
	// detectors (negative means anomalous). Zero for classifiers.
	AnomalyScore float64

	Family       ModelFamily
	ModelVersion string
}

// Attribution direction labels.
const (
	DirectionIncreasesRisk = "increases risk"
	DirectionDecreasesRisk = "decreases risk"
)

// Attribution methods. Consumers must be able to tell a model-grounded
// explanation from a heuristic one.
const (
	MethodTreePath           = "tree-path"
	MethodMagnitudeHeuristic = "magnitude-heuristic"
)

// AttributionEntry is one feature's contribution to the verdict.
type AttributionEntry struct {
	Feature      string  `json:"feature"`
	Value        float64 `json:"value"`
	Contribution float64 `json:"contribution"`
	Direction    string  `json:"direction"`
}

// Explanation is the ranked attribution set for one prediction.
type Explanation struct {
	Method       string             `json:"method"`
	Attributions []AttributionEntry `json:"attributions"`
}

// PredictionResult is the normalized scoring output returned by the
// API and persisted per tenant.
type PredictionResult struct {
	ID       string `json:"id"`
	TenantID string `json:"tenantId"`
	TxID     string `json:"txId,omitempty"`

	Prediction          int     `json:"prediction"`
	IsFraud             bool    `json:"is_fraud"`
	ProbabilityFraud    float64 `json:"probability_fraud"`
	ProbabilityNonFraud float64 `json:"probability_non_fraud"`
	AnomalyScore        float64 `json:"anomaly_score,omitempty"`

	ModelFamily  ModelFamily `json:"model_family"`
	ModelVersion string      `json:"model_version"`

	Explanation *Explanation `json:"explanation,omitempty"`

	Timestamp time.Time `json:"timestamp"`

	// Processing metadata
	EncodeMs  int64 `json:"encodeMs"`
	PredictMs int64 `json:"predictMs"`
	ExplainMs int64 `json:"explainMs,omitempty"`
}

// BatchRowError reports a failed row within a batch, keyed to the
// original input so callers can repair and resubmit it.
type BatchRowError struct {
	Row     int               `json:"row"`
	Input   TransactionRecord `json:"input"`
	Error   string            `json:"error"`
	Message string            `json:"message"`
}

// BatchPrediction is a successful batch row, tagged with the input
// row index so callers can line results up with what they submitted
// without reconstructing the order around the failed rows.
type BatchPrediction struct {
	Row int `json:"row"`
	*PredictionResult
}

// BatchResult is the outcome of scoring a batch: successful rows and
// failed rows side by side, never a partial abort. Both kinds carry
// their input row index.
type BatchResult struct {
	Predictions []*BatchPrediction `json:"predictions"`
	Errors      []BatchRowError    `json:"errors,omitempty"`
	Total       int                `json:"total"`
	Succeeded   int                `json:"succeeded"`
	Failed      int                `json:"failed"`
}
