package api

import (
	"encoding/csv"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/inference"
	"github.com/opensource-finance/kestrel/internal/model"
	"github.com/opensource-finance/kestrel/internal/policy"
)

// Handler holds dependencies for API handlers.
type Handler struct {
	repo     domain.Repository
	cache    domain.Cache
	bus      domain.EventBus
	engine   *inference.Engine
	policies *policy.Engine
	version  string
}

// NewHandler creates a new API handler.
func NewHandler(repo domain.Repository, cache domain.Cache, bus domain.EventBus, engine *inference.Engine, policies *policy.Engine, version string) *Handler {
	return &Handler{
		repo:     repo,
		cache:    cache,
		bus:      bus,
		engine:   engine,
		policies: policies,
		version:  version,
	}
}

// Predict handles POST /predict requests. The body is a single raw
// transaction record; the response is the full prediction result.
func (h *Handler) Predict(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tenantID := GetTenantID(ctx)

	if r.Body == nil || r.ContentLength == 0 {
		writeError(w, http.StatusBadRequest, "empty_body", "request body is required")
		return
	}

	var record domain.TransactionRecord
	if err := json.NewDecoder(r.Body).Decode(&record); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_json", "request body must be a JSON transaction record")
		return
	}
	if len(record) == 0 {
		writeError(w, http.StatusBadRequest, "empty_record", "transaction record has no fields")
		return
	}

	txID := uuid.New().String()

	// Save the raw record so the prediction can be traced back
	if h.repo != nil {
		if err := h.repo.SaveTransaction(ctx, tenantID, txID, record); err != nil {
			slog.Error("failed to save transaction", "tx_id", txID, "error", err)
		}
	}

	result, err := h.engine.Score(ctx, tenantID, record)
	if err != nil {
		if errors.Is(err, model.ErrUnavailable) {
			writeError(w, http.StatusInternalServerError, "model_unavailable", "no model is loaded for scoring")
			return
		}
		slog.Error("scoring failed", "tx_id", txID, "error", err)
		writeError(w, http.StatusInternalServerError, "prediction_failed", err.Error())
		return
	}
	result.TxID = txID

	if h.repo != nil {
		if err := h.repo.SavePrediction(ctx, tenantID, result); err != nil {
			slog.Error("failed to save prediction", "prediction_id", result.ID, "error", err)
		}
	}

	h.raiseAlerts(r, tenantID, result, record)

	writeJSON(w, http.StatusOK, result)
}

// PredictBatch handles POST /predict/batch requests. Accepts either a
// JSON array of transaction records or a multipart CSV upload. Row
// failures come back inside the 200 response, never as a batch error.
func (h *Handler) PredictBatch(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tenantID := GetTenantID(ctx)

	var records []domain.TransactionRecord
	var err error

	contentType := r.Header.Get("Content-Type")
	if strings.HasPrefix(contentType, "multipart/form-data") {
		records, err = parseCSVUpload(r)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid_upload", err.Error())
			return
		}
	} else {
		if err := json.NewDecoder(r.Body).Decode(&records); err != nil {
			writeError(w, http.StatusBadRequest, "invalid_json", "request body must be a JSON array of transaction records")
			return
		}
	}

	result, err := h.engine.ScoreBatch(ctx, tenantID, records)
	if err != nil {
		switch {
		case errors.Is(err, model.ErrUnavailable):
			writeError(w, http.StatusInternalServerError, "model_unavailable", "no model is loaded for scoring")
		case errors.Is(err, inference.ErrEmptyBatch), errors.Is(err, inference.ErrBatchTooLarge):
			writeError(w, http.StatusBadRequest, "invalid_batch", err.Error())
		default:
			slog.Error("batch scoring failed", "error", err)
			writeError(w, http.StatusInternalServerError, "prediction_failed", err.Error())
		}
		return
	}

	if h.repo != nil {
		for _, pred := range result.Predictions {
			if err := h.repo.SavePrediction(ctx, tenantID, pred.PredictionResult); err != nil {
				slog.Error("failed to save prediction", "prediction_id", pred.ID, "error", err)
			}
		}
	}

	writeJSON(w, http.StatusOK, result)
}

// raiseAlerts evaluates alert policies for a finished prediction and
// publishes any triggers. Policy faults never affect the response.
func (h *Handler) raiseAlerts(r *http.Request, tenantID string, result *domain.PredictionResult, record domain.TransactionRecord) {
	if h.policies == nil || h.policies.PoliciesCount() == 0 || h.bus == nil {
		return
	}

	ctx := r.Context()
	alerts, err := h.policies.EvaluateAll(ctx, result, record)
	if err != nil {
		slog.Error("policy evaluation failed", "prediction_id", result.ID, "error", err)
		return
	}
	for _, alert := range alerts {
		payload, _ := json.Marshal(alert)
		if err := h.bus.Publish(ctx, tenantID, domain.TopicAlert, payload); err != nil {
			slog.Error("failed to publish alert", "policy_id", alert.PolicyID, "error", err)
		}
	}
}

// parseCSVUpload extracts transaction records from a multipart CSV
// file. The first row is the header; every cell stays a string and is
// coerced downstream by the encoder.
func parseCSVUpload(r *http.Request) ([]domain.TransactionRecord, error) {
	if err := r.ParseMultipartForm(32 << 20); err != nil {
		return nil, errors.New("invalid multipart form")
	}

	file, header, err := r.FormFile("file")
	if err != nil {
		return nil, errors.New("a 'file' upload is required")
	}
	defer file.Close()

	if ext := strings.ToLower(filepath.Ext(header.Filename)); ext != ".csv" {
		return nil, errors.New("uploaded file must be a CSV")
	}

	reader := csv.NewReader(file)
	head, err := reader.Read()
	if err != nil {
		return nil, errors.New("CSV file is empty or unreadable")
	}

	var records []domain.TransactionRecord
	for {
		row, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, errors.New("malformed CSV row: " + err.Error())
		}
		record := make(domain.TransactionRecord, len(head))
		for i, col := range head {
			if i < len(row) {
				record[col] = row[i]
			}
		}
		records = append(records, record)
	}

	if len(records) == 0 {
		return nil, errors.New("CSV file has no data rows")
	}
	return records, nil
}

// Health returns server health status.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	status := "healthy"

	// Check repository health
	if h.repo != nil {
		if err := h.repo.Ping(r.Context()); err != nil {
			status = "degraded"
		}
	}

	// Check cache health
	if h.cache != nil {
		if err := h.cache.Ping(r.Context()); err != nil {
			status = "degraded"
		}
	}

	modelLoaded := h.engine != nil && h.engine.ModelLoaded()
	if !modelLoaded {
		status = "degraded"
	}
	modelVersion := ""
	if h.engine != nil {
		modelVersion = h.engine.ModelVersion()
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"status":        status,
		"model_loaded":  modelLoaded,
		"model_version": modelVersion,
		"version":       h.version,
	})
}

// Ready returns whether the server is ready to accept traffic.
func (h *Handler) Ready(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"ready": "true",
	})
}

// GetPrediction retrieves a prediction by ID.
func (h *Handler) GetPrediction(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tenantID := GetTenantID(ctx)
	predID := chi.URLParam(r, "id")

	if predID == "" {
		writeError(w, http.StatusBadRequest, "missing_id", "prediction id is required")
		return
	}

	if h.repo == nil {
		writeError(w, http.StatusServiceUnavailable, "no_repository", "repository not available")
		return
	}

	pred, err := h.repo.GetPrediction(ctx, tenantID, predID)
	if err != nil {
		writeError(w, http.StatusNotFound, "not_found", "prediction not found")
		return
	}

	writeJSON(w, http.StatusOK, pred)
}

// ListPredictions returns recent predictions for the tenant.
func (h *Handler) ListPredictions(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tenantID := GetTenantID(ctx)

	if h.repo == nil {
		writeError(w, http.StatusServiceUnavailable, "no_repository", "repository not available")
		return
	}

	limit := 50
	if raw := r.URL.Query().Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed <= 0 {
			writeError(w, http.StatusBadRequest, "invalid_limit", "limit must be a positive integer")
			return
		}
		if parsed > 500 {
			parsed = 500
		}
		limit = parsed
	}

	preds, err := h.repo.ListPredictions(ctx, tenantID, limit)
	if err != nil {
		slog.Error("failed to list predictions", "error", err)
		writeError(w, http.StatusInternalServerError, "list_failed", "failed to list predictions")
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"predictions": preds,
		"count":       len(preds),
	})
}

// GetTransaction retrieves a transaction by ID.
func (h *Handler) GetTransaction(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tenantID := GetTenantID(ctx)
	txID := chi.URLParam(r, "id")

	if txID == "" {
		writeError(w, http.StatusBadRequest, "missing_id", "transaction id is required")
		return
	}

	if h.repo == nil {
		writeError(w, http.StatusServiceUnavailable, "no_repository", "repository not available")
		return
	}

	record, err := h.repo.GetTransaction(ctx, tenantID, txID)
	if err != nil {
		writeError(w, http.StatusNotFound, "not_found", "transaction not found")
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"txId":   txID,
		"record": record,
	})
}

// ListPolicies returns all loaded alert policies.
// Policies are loaded from the database at startup and can be reloaded
// via POST /policies/reload.
func (h *Handler) ListPolicies(w http.ResponseWriter, r *http.Request) {
	if h.policies == nil {
		writeError(w, http.StatusServiceUnavailable, "no_policy_engine", "policy engine not available")
		return
	}

	loaded := h.policies.GetLoadedPolicies()

	writeJSON(w, http.StatusOK, map[string]any{
		"policies": loaded,
		"count":    len(loaded),
		"source":   "database",
	})
}

// CreatePolicyRequest is the request body for creating an alert policy.
type CreatePolicyRequest struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	Expression  string `json:"expression"`
	Severity    string `json:"severity"`
	Enabled     bool   `json:"enabled"`
}

// CreatePolicy creates a new alert policy and saves it to the database.
func (h *Handler) CreatePolicy(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tenantID := GetTenantID(ctx)

	if h.policies == nil {
		writeError(w, http.StatusServiceUnavailable, "no_policy_engine", "policy engine not available")
		return
	}

	var req CreatePolicyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_json", "request body must be a JSON policy")
		return
	}

	if req.ID == "" || req.Name == "" || req.Expression == "" {
		writeError(w, http.StatusBadRequest, "missing_fields", "id, name, and expression are required")
		return
	}

	if req.Severity == "" {
		req.Severity = domain.SeverityMedium
	}

	cfg := &domain.AlertPolicy{
		ID:          req.ID,
		TenantID:    tenantID,
		Name:        req.Name,
		Description: req.Description,
		Version:     "1.0.0",
		Expression:  req.Expression,
		Severity:    req.Severity,
		Enabled:     req.Enabled,
	}

	// Validate CEL expression before persisting
	if err := h.policies.ValidatePolicy(cfg); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_expression", "invalid CEL expression: "+err.Error())
		return
	}

	if h.repo != nil {
		if err := h.repo.SavePolicy(ctx, tenantID, cfg); err != nil {
			slog.Error("failed to save policy", "id", cfg.ID, "error", err)
			writeError(w, http.StatusInternalServerError, "save_failed", "failed to save policy")
			return
		}
	}

	if cfg.Enabled {
		if err := h.policies.LoadPolicy(cfg); err != nil {
			slog.Error("failed to load policy into engine", "id", cfg.ID, "error", err)
		}
	}

	slog.Info("policy created", "id", cfg.ID, "name", cfg.Name)
	writeJSON(w, http.StatusCreated, map[string]any{
		"policy":  cfg,
		"message": "Policy created and loaded.",
	})
}

// ReloadPolicies reloads all alert policies from the database into the
// engine. This enables hot-reloading without server restart.
func (h *Handler) ReloadPolicies(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tenantID := GetTenantID(ctx)

	if h.repo == nil {
		writeError(w, http.StatusServiceUnavailable, "no_repository", "repository not available")
		return
	}
	if h.policies == nil {
		writeError(w, http.StatusServiceUnavailable, "no_policy_engine", "policy engine not available")
		return
	}

	dbPolicies, err := h.repo.ListPolicies(ctx, tenantID)
	if err != nil {
		slog.Error("failed to list policies from database", "error", err)
		writeError(w, http.StatusInternalServerError, "list_failed", "failed to load policies from database")
		return
	}

	if err := h.policies.ReloadPolicies(dbPolicies); err != nil {
		slog.Error("failed to reload policies into engine", "error", err)
		writeError(w, http.StatusInternalServerError, "reload_failed", "failed to reload policies: "+err.Error())
		return
	}

	slog.Info("policies reloaded from database", "count", len(dbPolicies))
	writeJSON(w, http.StatusOK, map[string]any{
		"message": "policies reloaded successfully",
		"count":   len(dbPolicies),
	})
}

// DeletePolicy disables a policy and auto-reloads the engine.
func (h *Handler) DeletePolicy(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tenantID := GetTenantID(ctx)
	policyID := chi.URLParam(r, "id")

	if policyID == "" {
		writeError(w, http.StatusBadRequest, "missing_id", "policy id is required")
		return
	}

	if h.repo == nil {
		writeError(w, http.StatusServiceUnavailable, "no_repository", "repository not available")
		return
	}

	if err := h.repo.DeletePolicy(ctx, tenantID, policyID); err != nil {
		writeError(w, http.StatusNotFound, "not_found", "policy not found")
		return
	}

	// Auto-reload the engine after delete
	if h.policies != nil {
		dbPolicies, err := h.repo.ListPolicies(ctx, tenantID)
		if err != nil {
			slog.Error("failed to reload policies after delete", "error", err)
		} else if err := h.policies.ReloadPolicies(dbPolicies); err != nil {
			slog.Error("failed to reload policies after delete", "error", err)
		}
	}

	slog.Info("policy deleted", "id", policyID)
	writeJSON(w, http.StatusOK, map[string]any{
		"message": "Policy deleted and engine reloaded.",
	})
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

// writeError writes the standard error envelope.
func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, map[string]string{
		"error":   code,
		"message": message,
	})
}
