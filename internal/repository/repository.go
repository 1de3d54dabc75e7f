// Package repository provides data persistence implementations.
package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/opensource-finance/kestrel/internal/domain"
)

var (
	ErrNotFound     = errors.New("record not found")
	ErrInvalidInput = errors.New("invalid input")
)

// SQLRepository implements domain.Repository using database/sql.
// Works with both SQLite and PostgreSQL drivers.
type SQLRepository struct {
	db     *sql.DB
	driver string
}

// New creates a new repository based on configuration.
func New(cfg domain.RepositoryConfig) (domain.Repository, error) {
	var db *sql.DB
	var err error

	switch cfg.Driver {
	case "sqlite":
		db, err = openSQLite(cfg)
	case "postgres":
		db, err = openPostgres(cfg)
	default:
		return nil, fmt.Errorf("unsupported driver: %s", cfg.Driver)
	}

	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Configure connection pool
	if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		db.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	if cfg.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	}

	repo := &SQLRepository{
		db:     db,
		driver: cfg.Driver,
	}

	// Run migrations
	if err := repo.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	return repo, nil
}

func (r *SQLRepository) migrate() error {
	for _, schema := range AllSchemas() {
		if _, err := r.db.Exec(schema); err != nil {
			return err
		}
	}
	return nil
}

// SaveTransaction stores a raw scored record with tenant isolation.
// The record is kept verbatim so a failed row can be replayed against
// a newer model or registry.
func (r *SQLRepository) SaveTransaction(ctx context.Context, tenantID string, txID string, record domain.TransactionRecord) error {
	if tenantID == "" {
		return fmt.Errorf("%w: tenantID is required", ErrInvalidInput)
	}
	if txID == "" {
		return fmt.Errorf("%w: txID is required", ErrInvalidInput)
	}

	payload, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("%w: record not serializable: %v", ErrInvalidInput, err)
	}

	query := `
		INSERT INTO transactions (id, tenant_id, record, created_at)
		VALUES (?, ?, ?, ?)
	`

	_, err = r.db.ExecContext(ctx, r.rebind(query),
		txID, tenantID, string(payload), time.Now().UTC(),
	)
	return err
}

// GetTransaction retrieves a raw record by ID with tenant isolation.
func (r *SQLRepository) GetTransaction(ctx context.Context, tenantID string, txID string) (domain.TransactionRecord, error) {
	if tenantID == "" {
		return nil, fmt.Errorf("%w: tenantID is required", ErrInvalidInput)
	}

	query := `
		SELECT record
		FROM transactions
		WHERE tenant_id = ? AND id = ?
	`

	var payload string
	err := r.db.QueryRowContext(ctx, r.rebind(query), tenantID, txID).Scan(&payload)

	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	var record domain.TransactionRecord
	if err := json.Unmarshal([]byte(payload), &record); err != nil {
		return nil, fmt.Errorf("failed to parse stored record %s: %w", txID, err)
	}

	return record, nil
}

// SavePrediction stores a prediction result with tenant isolation.
func (r *SQLRepository) SavePrediction(ctx context.Context, tenantID string, pred *domain.PredictionResult) error {
	if tenantID == "" {
		return fmt.Errorf("%w: tenantID is required", ErrInvalidInput)
	}

	var explanation string
	if pred.Explanation != nil {
		data, _ := json.Marshal(pred.Explanation)
		explanation = string(data)
	}

	isFraud := 0
	if pred.IsFraud {
		isFraud = 1
	}

	query := `
		INSERT INTO predictions (
			id, tenant_id, tx_id, prediction, is_fraud,
			probability_fraud, probability_non_fraud, anomaly_score,
			model_family, model_version, explanation, timestamp,
			encode_ms, predict_ms, explain_ms
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	_, err := r.db.ExecContext(ctx, r.rebind(query),
		pred.ID, tenantID, pred.TxID, pred.Prediction, isFraud,
		pred.ProbabilityFraud, pred.ProbabilityNonFraud, pred.AnomalyScore,
		string(pred.ModelFamily), pred.ModelVersion, explanation, pred.Timestamp,
		pred.EncodeMs, pred.PredictMs, pred.ExplainMs,
	)
	return err
}

// GetPrediction retrieves a prediction by ID with tenant isolation.
func (r *SQLRepository) GetPrediction(ctx context.Context, tenantID string, predID string) (*domain.PredictionResult, error) {
	if tenantID == "" {
		return nil, fmt.Errorf("%w: tenantID is required", ErrInvalidInput)
	}

	query := `
		SELECT id, tenant_id, tx_id, prediction, is_fraud,
			   probability_fraud, probability_non_fraud, anomaly_score,
			   model_family, model_version, explanation, timestamp,
			   encode_ms, predict_ms, explain_ms
		FROM predictions
		WHERE tenant_id = ? AND id = ?
	`

	pred, err := r.scanPrediction(r.db.QueryRowContext(ctx, r.rebind(query), tenantID, predID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return pred, err
}

// ListPredictions retrieves the most recent predictions for a tenant.
func (r *SQLRepository) ListPredictions(ctx context.Context, tenantID string, limit int) ([]*domain.PredictionResult, error) {
	if tenantID == "" {
		return nil, fmt.Errorf("%w: tenantID is required", ErrInvalidInput)
	}
	if limit <= 0 {
		limit = 100
	}

	query := `
		SELECT id, tenant_id, tx_id, prediction, is_fraud,
			   probability_fraud, probability_non_fraud, anomaly_score,
			   model_family, model_version, explanation, timestamp,
			   encode_ms, predict_ms, explain_ms
		FROM predictions
		WHERE tenant_id = ?
		ORDER BY timestamp DESC
		LIMIT ?
	`

	rows, err := r.db.QueryContext(ctx, r.rebind(query), tenantID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var preds []*domain.PredictionResult
	for rows.Next() {
		pred, err := r.scanPrediction(rows)
		if err != nil {
			return nil, err
		}
		preds = append(preds, pred)
	}

	return preds, rows.Err()
}

// scanner is satisfied by both *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...any) error
}

func (r *SQLRepository) scanPrediction(s scanner) (*domain.PredictionResult, error) {
	var pred domain.PredictionResult
	var isFraud int
	var family, explanation string

	err := s.Scan(
		&pred.ID, &pred.TenantID, &pred.TxID, &pred.Prediction, &isFraud,
		&pred.ProbabilityFraud, &pred.ProbabilityNonFraud, &pred.AnomalyScore,
		&family, &pred.ModelVersion, &explanation, &pred.Timestamp,
		&pred.EncodeMs, &pred.PredictMs, &pred.ExplainMs,
	)
	if err != nil {
		return nil, err
	}

	pred.IsFraud = isFraud == 1
	pred.ModelFamily = domain.ModelFamily(family)
	if explanation != "" {
		var expl domain.Explanation
		if err := json.Unmarshal([]byte(explanation), &expl); err == nil {
			pred.Explanation = &expl
		}
	}

	return &pred, nil
}

// SavePolicy stores an alert policy with tenant isolation.
func (r *SQLRepository) SavePolicy(ctx context.Context, tenantID string, policy *domain.AlertPolicy) error {
	if tenantID == "" {
		return fmt.Errorf("%w: tenantID is required", ErrInvalidInput)
	}

	enabled := 0
	if policy.Enabled {
		enabled = 1
	}

	now := time.Now().UTC()

	query := `
		INSERT INTO alert_policies (
			id, tenant_id, name, description, version, expression, severity, enabled, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id, tenant_id, version) DO UPDATE SET
			name = excluded.name,
			description = excluded.description,
			expression = excluded.expression,
			severity = excluded.severity,
			enabled = excluded.enabled,
			updated_at = excluded.updated_at
	`

	_, err := r.db.ExecContext(ctx, r.rebind(query),
		policy.ID, tenantID, policy.Name, policy.Description,
		policy.Version, policy.Expression, policy.Severity, enabled,
		now, now,
	)
	return err
}

// GetPolicy retrieves an alert policy with tenant isolation.
func (r *SQLRepository) GetPolicy(ctx context.Context, tenantID string, policyID string) (*domain.AlertPolicy, error) {
	if tenantID == "" {
		return nil, fmt.Errorf("%w: tenantID is required", ErrInvalidInput)
	}

	query := `
		SELECT id, tenant_id, name, description, version, expression, severity, enabled, created_at, updated_at
		FROM alert_policies
		WHERE tenant_id = ? AND id = ? AND enabled = 1
		ORDER BY version DESC
		LIMIT 1
	`

	var p domain.AlertPolicy
	var enabled int

	err := r.db.QueryRowContext(ctx, r.rebind(query), tenantID, policyID).Scan(
		&p.ID, &p.TenantID, &p.Name, &p.Description,
		&p.Version, &p.Expression, &p.Severity, &enabled,
		&p.CreatedAt, &p.UpdatedAt,
	)

	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	p.Enabled = enabled == 1

	return &p, nil
}

// ListPolicies retrieves all active alert policies for a tenant.
func (r *SQLRepository) ListPolicies(ctx context.Context, tenantID string) ([]*domain.AlertPolicy, error) {
	if tenantID == "" {
		return nil, fmt.Errorf("%w: tenantID is required", ErrInvalidInput)
	}

	query := `
		SELECT id, tenant_id, name, description, version, expression, severity, enabled, created_at, updated_at
		FROM alert_policies
		WHERE tenant_id = ? AND enabled = 1
		ORDER BY name
	`

	rows, err := r.db.QueryContext(ctx, r.rebind(query), tenantID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var policies []*domain.AlertPolicy
	for rows.Next() {
		var p domain.AlertPolicy
		var enabled int

		if err := rows.Scan(
			&p.ID, &p.TenantID, &p.Name, &p.Description,
			&p.Version, &p.Expression, &p.Severity, &enabled,
			&p.CreatedAt, &p.UpdatedAt,
		); err != nil {
			return nil, err
		}

		p.Enabled = enabled == 1
		policies = append(policies, &p)
	}

	return policies, rows.Err()
}

// DeletePolicy soft-deletes an alert policy by setting enabled = 0.
func (r *SQLRepository) DeletePolicy(ctx context.Context, tenantID string, policyID string) error {
	if tenantID == "" {
		return fmt.Errorf("%w: tenantID is required", ErrInvalidInput)
	}

	query := `
		UPDATE alert_policies
		SET enabled = 0, updated_at = ?
		WHERE tenant_id = ? AND id = ?
	`

	result, err := r.db.ExecContext(ctx, r.rebind(query), time.Now().UTC(), tenantID, policyID)
	if err != nil {
		return err
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return ErrNotFound
	}

	return nil
}

// Ping checks database connectivity.
func (r *SQLRepository) Ping(ctx context.Context) error {
	return r.db.PingContext(ctx)
}

// Close closes the database connection.
func (r *SQLRepository) Close() error {
	return r.db.Close()
}

// rebind converts ? placeholders to $1, $2, etc. for PostgreSQL.
func (r *SQLRepository) rebind(query string) string {
	if r.driver != "postgres" {
		return query
	}

	// Convert ? to $1, $2, etc.
	var result []byte
	n := 1
	for i := 0; i < len(query); i++ {
		if query[i] == '?' {
			result = append(result, '$')
			result = append(result, fmt.Sprintf("%d", n)...)
			n++
		} else {
			result = append(result, query[i])
		}
	}
	return string(result)
}
