// Package policy provides the CEL-Go based alert policy engine.
// Policies are boolean conditions over a finished prediction; a
// triggered policy raises an alert without ever touching the verdict.
package policy

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/cel-go/cel"
	"github.com/google/cel-go/common/types"
	"github.com/google/cel-go/common/types/ref"
	"github.com/google/uuid"

	"github.com/opensource-finance/kestrel/internal/domain"
)

// Engine is the CEL-based policy evaluation engine.
type Engine struct {
	mu               sync.RWMutex
	env              *cel.Env
	compiledPolicies map[string]*CompiledPolicy
	maxWorkers       int
}

// CompiledPolicy holds a pre-compiled CEL program.
type CompiledPolicy struct {
	Config  *domain.AlertPolicy
	Program cel.Program
}

// NewEngine creates a new policy evaluation engine.
func NewEngine(maxWorkers int) (*Engine, error) {
	if maxWorkers <= 0 {
		maxWorkers = 10
	}

	// CEL environment with prediction and record variables
	env, err := cel.NewEnv(
		cel.Variable("record", cel.MapType(cel.StringType, cel.DynType)),
		cel.Variable("prediction", cel.IntType),
		cel.Variable("is_fraud", cel.BoolType),
		cel.Variable("probability_fraud", cel.DoubleType),
		cel.Variable("probability_non_fraud", cel.DoubleType),
		cel.Variable("anomaly_score", cel.DoubleType),
		cel.Variable("model_family", cel.StringType),
		cel.Variable("amount", cel.DoubleType),
		cel.Variable("merchant_country", cel.StringType),
		cel.Variable("transaction_type", cel.StringType),
		cel.Variable("card_present", cel.BoolType),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create CEL environment: %w", err)
	}

	return &Engine{
		env:              env,
		compiledPolicies: make(map[string]*CompiledPolicy),
		maxWorkers:       maxWorkers,
	}, nil
}

// ValidatePolicy compiles a policy without mutating loaded policies.
func (e *Engine) ValidatePolicy(cfg *domain.AlertPolicy) error {
	if cfg == nil {
		return fmt.Errorf("policy config is required")
	}

	e.mu.RLock()
	defer e.mu.RUnlock()

	_, err := e.compilePolicy(cfg)
	return err
}

// LoadPolicy compiles and loads a policy into the engine.
func (e *Engine) LoadPolicy(cfg *domain.AlertPolicy) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	compiled, err := e.compilePolicy(cfg)
	if err != nil {
		return err
	}

	e.compiledPolicies[cfg.ID] = compiled

	return nil
}

// LoadPolicies compiles and loads multiple policies.
func (e *Engine) LoadPolicies(configs []*domain.AlertPolicy) error {
	for _, cfg := range configs {
		if cfg.Enabled {
			if err := e.LoadPolicy(cfg); err != nil {
				return err
			}
		}
	}
	return nil
}

// EvaluateAll evaluates every loaded policy against a prediction and
// returns the alerts for those that triggered. A policy whose
// expression faults is skipped; alerting must never fail scoring.
func (e *Engine) EvaluateAll(ctx context.Context, pred *domain.PredictionResult, record domain.TransactionRecord) ([]*domain.Alert, error) {
	e.mu.RLock()
	policies := make([]*CompiledPolicy, 0, len(e.compiledPolicies))
	for _, p := range e.compiledPolicies {
		policies = append(policies, p)
	}
	e.mu.RUnlock()

	if len(policies) == 0 {
		return nil, nil
	}

	amount, _ := record.Float(domain.FieldTransactionAmount)
	cardPresent, _ := record.Float(domain.FieldCardPresent)

	activation := map[string]any{
		"record":                map[string]any(record),
		"prediction":            pred.Prediction,
		"is_fraud":              pred.IsFraud,
		"probability_fraud":     pred.ProbabilityFraud,
		"probability_non_fraud": pred.ProbabilityNonFraud,
		"anomaly_score":         pred.AnomalyScore,
		"model_family":          string(pred.ModelFamily),
		"amount":                amount,
		"merchant_country":      record.String(domain.FieldMerchantCountryCode),
		"transaction_type":      record.String(domain.FieldTransactionType),
		"card_present":          cardPresent == 1,
	}

	// Parallel evaluation using worker pool pattern
	triggered := make([]*domain.Alert, len(policies))
	var wg sync.WaitGroup

	sem := make(chan struct{}, e.maxWorkers)

	for i, p := range policies {
		wg.Add(1)
		go func(idx int, cp *CompiledPolicy) {
			defer wg.Done()

			sem <- struct{}{}        // Acquire
			defer func() { <-sem }() // Release

			triggered[idx] = e.evaluatePolicy(cp, activation, pred)
		}(i, p)
	}

	wg.Wait()

	alerts := make([]*domain.Alert, 0, len(triggered))
	for _, a := range triggered {
		if a != nil {
			alerts = append(alerts, a)
		}
	}
	return alerts, nil
}

// evaluatePolicy runs one policy and returns an alert if it matched.
func (e *Engine) evaluatePolicy(p *CompiledPolicy, activation map[string]any, pred *domain.PredictionResult) *domain.Alert {
	out, _, err := p.Program.Eval(activation)
	if err != nil {
		return nil
	}
	if !toBool(out) {
		return nil
	}

	return &domain.Alert{
		ID:           uuid.New().String(),
		TenantID:     pred.TenantID,
		PolicyID:     p.Config.ID,
		PolicyName:   p.Config.Name,
		PredictionID: pred.ID,
		TxID:         pred.TxID,
		Severity:     p.Config.Severity,
		Reason:       p.Config.Description,
		Timestamp:    time.Now().UTC(),
	}
}

// toBool converts a CEL value to a trigger decision.
func toBool(val ref.Val) bool {
	if b, ok := val.(types.Bool); ok {
		return bool(b)
	}
	return false
}

// PoliciesCount returns the number of loaded policies.
func (e *Engine) PoliciesCount() int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return len(e.compiledPolicies)
}

// ReloadPolicies clears all existing policies and loads new ones.
// This enables hot-reloading of policies from the database.
func (e *Engine) ReloadPolicies(configs []*domain.AlertPolicy) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	newPolicies := make(map[string]*CompiledPolicy)

	for _, cfg := range configs {
		if !cfg.Enabled {
			continue
		}

		compiled, err := e.compilePolicy(cfg)
		if err != nil {
			return err
		}
		newPolicies[cfg.ID] = compiled
	}

	e.compiledPolicies = newPolicies

	return nil
}

// GetLoadedPolicies returns the currently loaded policy configurations.
func (e *Engine) GetLoadedPolicies() []*domain.AlertPolicy {
	e.mu.RLock()
	defer e.mu.RUnlock()

	policies := make([]*domain.AlertPolicy, 0, len(e.compiledPolicies))
	for _, compiled := range e.compiledPolicies {
		policies = append(policies, compiled.Config)
	}
	return policies
}

// Close cleans up the engine.
func (e *Engine) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.compiledPolicies = make(map[string]*CompiledPolicy)
	return nil
}

func (e *Engine) compilePolicy(cfg *domain.AlertPolicy) (*CompiledPolicy, error) {
	ast, issues := e.env.Compile(cfg.Expression)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("failed to compile policy %s: %w", cfg.ID, issues.Err())
	}

	if ast.OutputType() != cel.BoolType {
		return nil, fmt.Errorf("policy %s: expression must return bool, got %s", cfg.ID, ast.OutputType())
	}

	program, err := e.env.Program(ast)
	if err != nil {
		return nil, fmt.Errorf("failed to create program for policy %s: %w", cfg.ID, err)
	}

	return &CompiledPolicy{
		Config:  cfg,
		Program: program,
	}, nil
}
