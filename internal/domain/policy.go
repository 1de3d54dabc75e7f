package domain

import "time"

// AlertPolicy defines a CEL condition evaluated against every scored
// transaction. A triggered policy publishes an alert on the event bus.
type AlertPolicy struct {
	ID          string `json:"id"`
	TenantID    string `json:"tenantId"`
	Name        string `json:"name"`
	Description string `json:"description"`
	Version     string `json:"version"`

	// CEL expression over the prediction and the original record,
	// e.g. `probability_fraud > 0.9 && amount > 1000.0`
	Expression string `json:"expression"`

	// Severity attached to alerts this policy raises
	Severity string `json:"severity"`

	// Whether policy is active
	Enabled bool `json:"enabled"`

	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// Policy severities.
const (
	SeverityLow      = "low"
	SeverityMedium   = "medium"
	SeverityHigh     = "high"
	SeverityCritical = "critical"
)

// Alert is raised when a policy matches a prediction.
type Alert struct {
	ID           string    `json:"id"`
	TenantID     string    `json:"tenantId"`
	PolicyID     string    `json:"policyId"`
	PolicyName   string    `json:"policyName"`
	PredictionID string    `json:"predictionId"`
	TxID         string    `json:"txId,omitempty"`
	Severity     string    `json:"severity"`
	Reason       string    `json:"reason"`
	Timestamp    time.Time `json:"timestamp"`
}
