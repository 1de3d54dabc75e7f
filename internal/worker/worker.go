// Package worker provides async message processing for the Pro tier.
package worker

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/inference"
	"github.com/opensource-finance/kestrel/internal/policy"
)

// Worker scores transactions asynchronously from the EventBus.
type Worker struct {
	bus      domain.EventBus
	repo     domain.Repository
	engine   *inference.Engine
	policies *policy.Engine
	cache    domain.Cache

	subscriptions []domain.Subscription
	wg            sync.WaitGroup
	ctx           context.Context
	cancel        context.CancelFunc
}

// Config holds worker configuration.
type Config struct {
	// TenantIDs is the list of tenants to process (empty = all via wildcard if supported)
	TenantIDs []string

	// WorkerCount is the number of concurrent workers per tenant
	WorkerCount int

	// AlertBurst caps alerts per policy within AlertWindow (0 = no throttle)
	AlertBurst int64

	// AlertWindow is the throttle window for alert publishing
	AlertWindow time.Duration
}

var defaultAlertWindow = time.Minute

// NewWorker creates a new async worker. policies and cache may be nil.
func NewWorker(bus domain.EventBus, repo domain.Repository, engine *inference.Engine, policies *policy.Engine, cache domain.Cache) *Worker {
	ctx, cancel := context.WithCancel(context.Background())
	return &Worker{
		bus:      bus,
		repo:     repo,
		engine:   engine,
		policies: policies,
		cache:    cache,
		ctx:      ctx,
		cancel:   cancel,
	}
}

// Start begins processing messages for the given tenants.
func (w *Worker) Start(cfg Config) error {
	if len(cfg.TenantIDs) == 0 {
		return w.startGlobalWorker(cfg)
	}

	for _, tenantID := range cfg.TenantIDs {
		if err := w.startTenantWorker(tenantID, cfg); err != nil {
			slog.Error("failed to start worker for tenant",
				"tenant_id", tenantID,
				"error", err,
			)
			continue
		}
	}

	slog.Info("workers started",
		"tenant_count", len(cfg.TenantIDs),
	)

	return nil
}

// startGlobalWorker starts a worker that processes all tenants (for testing/dev).
func (w *Worker) startGlobalWorker(cfg Config) error {
	// Subscribe using a special "global" tenant ID
	// In production, you'd want to subscribe with wildcards or JetStream
	sub, err := w.bus.Subscribe(w.ctx, "_global", domain.TopicTransactionIngested, func(ctx context.Context, msg *domain.Message) error {
		return w.processTransaction(ctx, msg.TenantID, msg, cfg)
	})
	if err != nil {
		return err
	}
	w.subscriptions = append(w.subscriptions, sub)

	slog.Info("global worker started")
	return nil
}

// startTenantWorker starts workers for a specific tenant.
func (w *Worker) startTenantWorker(tenantID string, cfg Config) error {
	// Subscribe to transaction ingested topic
	sub, err := w.bus.Subscribe(w.ctx, tenantID, domain.TopicTransactionIngested, func(ctx context.Context, msg *domain.Message) error {
		return w.processTransaction(ctx, tenantID, msg, cfg)
	})
	if err != nil {
		return err
	}
	w.subscriptions = append(w.subscriptions, sub)

	slog.Info("tenant worker started",
		"tenant_id", tenantID,
		"topic", domain.TopicTransactionIngested,
	)

	return nil
}

// TransactionMessage is the message payload for transaction scoring.
type TransactionMessage struct {
	TxID     string                   `json:"txId"`
	TenantID string                   `json:"tenantId"`
	TraceID  string                   `json:"traceId"`
	Record   domain.TransactionRecord `json:"record"`
}

// processTransaction scores a transaction through the pipeline.
func (w *Worker) processTransaction(ctx context.Context, tenantID string, msg *domain.Message, cfg Config) error {
	start := time.Now()

	// Parse message
	var txMsg TransactionMessage
	if err := json.Unmarshal(msg.Payload, &txMsg); err != nil {
		slog.Error("failed to parse transaction message",
			"message_id", msg.ID,
			"error", err,
		)
		return err
	}

	// Use message tenant if provided
	if txMsg.TenantID != "" {
		tenantID = txMsg.TenantID
	}

	traceID := txMsg.TraceID
	if traceID == "" {
		traceID = msg.ID
	}

	slog.Debug("scoring transaction",
		"tx_id", txMsg.TxID,
		"tenant_id", tenantID,
		"trace_id", traceID,
	)

	// 1. Persist the raw record so a failed row can be replayed
	if w.repo != nil && txMsg.TxID != "" {
		if err := w.repo.SaveTransaction(ctx, tenantID, txMsg.TxID, txMsg.Record); err != nil {
			slog.Error("failed to save transaction",
				"tx_id", txMsg.TxID,
				"error", err,
			)
		}
	}

	// 2. Score
	result, err := w.engine.Score(ctx, tenantID, txMsg.Record)
	if err != nil {
		slog.Error("scoring failed",
			"tx_id", txMsg.TxID,
			"error", err,
		)
		return err
	}
	result.TxID = txMsg.TxID

	// 3. Save prediction
	if w.repo != nil {
		if err := w.repo.SavePrediction(ctx, tenantID, result); err != nil {
			slog.Error("failed to save prediction",
				"tx_id", txMsg.TxID,
				"error", err,
			)
		}
	}

	// 4. Publish prediction
	resultPayload, _ := json.Marshal(result)
	if err := w.bus.Publish(ctx, tenantID, domain.TopicPrediction, resultPayload); err != nil {
		slog.Error("failed to publish prediction",
			"tx_id", txMsg.TxID,
			"error", err,
		)
	}

	// 5. Evaluate alert policies and publish triggered alerts
	if w.policies != nil && w.policies.PoliciesCount() > 0 {
		alerts, err := w.policies.EvaluateAll(ctx, result, txMsg.Record)
		if err != nil {
			slog.Error("policy evaluation failed",
				"tx_id", txMsg.TxID,
				"error", err,
			)
		}
		for _, alert := range alerts {
			if w.throttled(ctx, tenantID, alert.PolicyID, cfg) {
				slog.Debug("alert throttled",
					"policy_id", alert.PolicyID,
					"tenant_id", tenantID,
				)
				continue
			}
			alertPayload, _ := json.Marshal(alert)
			if err := w.bus.Publish(ctx, tenantID, domain.TopicAlert, alertPayload); err != nil {
				slog.Error("failed to publish alert",
					"tx_id", txMsg.TxID,
					"policy_id", alert.PolicyID,
					"error", err,
				)
			}
		}
	}

	slog.Info("transaction scored",
		"tx_id", txMsg.TxID,
		"tenant_id", tenantID,
		"is_fraud", result.IsFraud,
		"model_family", result.ModelFamily,
		"duration_ms", time.Since(start).Milliseconds(),
	)

	return nil
}

// throttled checks the per-policy alert counter against the burst cap.
// Counter faults never suppress an alert.
func (w *Worker) throttled(ctx context.Context, tenantID, policyID string, cfg Config) bool {
	if w.cache == nil || cfg.AlertBurst <= 0 {
		return false
	}

	window := cfg.AlertWindow
	if window <= 0 {
		window = defaultAlertWindow
	}

	count, err := w.cache.IncrementCounter(ctx, tenantID, "alerts:"+policyID, window)
	if err != nil {
		slog.Warn("alert counter unavailable", "error", err)
		return false
	}
	return count > cfg.AlertBurst
}

// Stop gracefully stops all workers.
func (w *Worker) Stop() error {
	w.cancel()

	// Unsubscribe all
	for _, sub := range w.subscriptions {
		if err := sub.Unsubscribe(); err != nil {
			slog.Error("failed to unsubscribe",
				"topic", sub.Topic(),
				"error", err,
			)
		}
	}
	w.subscriptions = nil

	w.wg.Wait()

	slog.Info("workers stopped")
	return nil
}

// Stats returns worker statistics.
type Stats struct {
	SubscriptionCount int      `json:"subscriptionCount"`
	Topics            []string `json:"topics"`
}

// GetStats returns current worker statistics.
func (w *Worker) GetStats() Stats {
	topics := make([]string, len(w.subscriptions))
	for i, sub := range w.subscriptions {
		topics[i] = sub.Topic()
	}
	return Stats{
		SubscriptionCount: len(w.subscriptions),
		Topics:            topics,
	}
}
