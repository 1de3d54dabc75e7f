package api

import (
	"bytes"
	"encoding/json"
	"io"
	"log/slog"
	"math"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/encoder"
	"github.com/opensource-finance/kestrel/internal/inference"
	"github.com/opensource-finance/kestrel/internal/model"
	"github.com/opensource-finance/kestrel/internal/policy"
	"github.com/opensource-finance/kestrel/internal/registry"
)

// createTestServer creates a server with a hand-built classifier that
// always scores P(fraud)=0.8 (a single leaf holding ln 4).
func createTestServer() *Server {
	return createServerWith(model.NewClassifier(&model.Artifact{
		Family:       domain.FamilyClassifier,
		Version:      "gbdt-test-1",
		FeatureNames: registry.Default().Schema(),
		Trees: []model.Tree{{Nodes: []model.Node{
			{Feature: 0, Left: -1, Right: -1, Value: math.Log(4)},
		}}},
	}))
}

func createServerWith(predictor model.Predictor) *Server {
	cfg := domain.ServerConfig{
		Host:         "localhost",
		Port:         8080,
		ReadTimeout:  30,
		WriteTimeout: 30,
	}

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	enc := encoder.New(registry.Default(), logger)
	engine := inference.New(enc, predictor, nil, domain.InferenceConfig{MaxBatchSize: 100}, logger)

	policies, _ := policy.NewEngine(5)

	return NewServer(cfg, nil, nil, nil, engine, policies, "test-v1")
}

func testRecordBody() []byte {
	body, _ := json.Marshal(domain.TransactionRecord{
		"accountNumber":        "123456789",
		"transactionAmount":    98.55,
		"transactionDateTime":  "2016-08-13T14:27:32",
		"merchantCountryCode":  "US",
		"transactionType":      "PURCHASE",
		"merchantCategoryCode": "online_retail",
		"merchantName":         "Acme Corp",
		"cardPresent":          false,
	})
	return body
}

func TestPredictEndpoint(t *testing.T) {
	server := createTestServer()

	t.Run("SuccessfulPrediction", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodPost, "/predict", bytes.NewBuffer(testRecordBody()))
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("X-Tenant-ID", "tenant-001")

		rr := httptest.NewRecorder()
		server.Router().ServeHTTP(rr, req)

		if rr.Code != http.StatusOK {
			t.Errorf("expected status 200, got %d: %s", rr.Code, rr.Body.String())
		}

		var resp domain.PredictionResult
		if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
			t.Fatalf("failed to parse response: %v", err)
		}

		if resp.ID == "" {
			t.Error("expected prediction id in response")
		}
		if resp.TxID == "" {
			t.Error("expected txId in response")
		}
		if !resp.IsFraud || resp.Prediction != 1 {
			t.Errorf("expected fraud verdict, got prediction=%d is_fraud=%v", resp.Prediction, resp.IsFraud)
		}
		if math.Abs(resp.ProbabilityFraud-0.8) > 1e-12 {
			t.Errorf("expected probability_fraud 0.8, got %v", resp.ProbabilityFraud)
		}
		if resp.ModelVersion != "gbdt-test-1" {
			t.Errorf("expected model version gbdt-test-1, got %s", resp.ModelVersion)
		}
	})

	t.Run("MissingTenantID", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodPost, "/predict", bytes.NewBuffer(testRecordBody()))
		req.Header.Set("Content-Type", "application/json")
		// No X-Tenant-ID header

		rr := httptest.NewRecorder()
		server.Router().ServeHTTP(rr, req)

		if rr.Code != http.StatusBadRequest {
			t.Errorf("expected status 400, got %d", rr.Code)
		}
	})

	t.Run("InvalidJSON", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodPost, "/predict", bytes.NewBufferString("not-json"))
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("X-Tenant-ID", "tenant-001")

		rr := httptest.NewRecorder()
		server.Router().ServeHTTP(rr, req)

		if rr.Code != http.StatusBadRequest {
			t.Errorf("expected status 400, got %d", rr.Code)
		}

		var resp map[string]string
		json.Unmarshal(rr.Body.Bytes(), &resp)
		if resp["error"] == "" || resp["message"] == "" {
			t.Errorf("expected error envelope, got %s", rr.Body.String())
		}
	})

	t.Run("EmptyBody", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodPost, "/predict", bytes.NewBufferString(""))
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("X-Tenant-ID", "tenant-001")

		rr := httptest.NewRecorder()
		server.Router().ServeHTTP(rr, req)

		if rr.Code != http.StatusBadRequest {
			t.Errorf("expected status 400, got %d", rr.Code)
		}
	})

	t.Run("ModelUnavailable", func(t *testing.T) {
		degraded := createServerWith(nil)

		req := httptest.NewRequest(http.MethodPost, "/predict", bytes.NewBuffer(testRecordBody()))
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("X-Tenant-ID", "tenant-001")

		rr := httptest.NewRecorder()
		degraded.Router().ServeHTTP(rr, req)

		if rr.Code != http.StatusInternalServerError {
			t.Errorf("expected status 500, got %d", rr.Code)
		}

		var resp map[string]string
		json.Unmarshal(rr.Body.Bytes(), &resp)
		if resp["error"] != "model_unavailable" {
			t.Errorf("expected model_unavailable error, got %s", rr.Body.String())
		}
	})

	t.Run("ResponseHeaders", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodPost, "/predict", bytes.NewBuffer(testRecordBody()))
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("X-Tenant-ID", "tenant-001")

		rr := httptest.NewRecorder()
		server.Router().ServeHTTP(rr, req)

		if rr.Header().Get("X-Request-ID") == "" {
			t.Error("expected X-Request-ID header in response")
		}
		if rr.Header().Get("X-Trace-ID") == "" {
			t.Error("expected X-Trace-ID header in response")
		}
		if rr.Header().Get("Content-Type") != "application/json" {
			t.Error("expected Content-Type: application/json")
		}
	})
}

func TestPredictBatchEndpoint(t *testing.T) {
	server := createTestServer()

	t.Run("JSONArray", func(t *testing.T) {
		records := []domain.TransactionRecord{
			{"accountNumber": "1", "transactionAmount": 10.0, "merchantCountryCode": "US"},
			{"accountNumber": "2", "transactionAmount": 20.0, "merchantCountryCode": "CAN"},
		}
		body, _ := json.Marshal(records)

		req := httptest.NewRequest(http.MethodPost, "/predict/batch", bytes.NewBuffer(body))
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("X-Tenant-ID", "tenant-001")

		rr := httptest.NewRecorder()
		server.Router().ServeHTTP(rr, req)

		if rr.Code != http.StatusOK {
			t.Fatalf("expected status 200, got %d: %s", rr.Code, rr.Body.String())
		}

		var resp domain.BatchResult
		if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
			t.Fatalf("failed to parse response: %v", err)
		}
		for i, pred := range resp.Predictions {
			if pred.Row != i {
				t.Errorf("prediction %d carries row %d", i, pred.Row)
			}
		}
		if resp.Total != 2 || resp.Succeeded != 2 || resp.Failed != 0 {
			t.Errorf("total/succeeded/failed = %d/%d/%d, want 2/2/0", resp.Total, resp.Succeeded, resp.Failed)
		}
	})

	t.Run("EmptyArray", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodPost, "/predict/batch", bytes.NewBufferString("[]"))
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("X-Tenant-ID", "tenant-001")

		rr := httptest.NewRecorder()
		server.Router().ServeHTTP(rr, req)

		if rr.Code != http.StatusBadRequest {
			t.Errorf("expected status 400, got %d", rr.Code)
		}
	})

	t.Run("CSVUpload", func(t *testing.T) {
		var buf bytes.Buffer
		mw := multipart.NewWriter(&buf)
		fw, _ := mw.CreateFormFile("file", "transactions.csv")
		fw.Write([]byte("accountNumber,transactionAmount,merchantCountryCode,transactionType\n" +
			"123,98.55,US,PURCHASE\n" +
			"456,12.00,CAN,REVERSAL\n"))
		mw.Close()

		req := httptest.NewRequest(http.MethodPost, "/predict/batch", &buf)
		req.Header.Set("Content-Type", mw.FormDataContentType())
		req.Header.Set("X-Tenant-ID", "tenant-001")

		rr := httptest.NewRecorder()
		server.Router().ServeHTTP(rr, req)

		if rr.Code != http.StatusOK {
			t.Fatalf("expected status 200, got %d: %s", rr.Code, rr.Body.String())
		}

		var resp domain.BatchResult
		if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
			t.Fatalf("failed to parse response: %v", err)
		}
		if resp.Total != 2 || resp.Succeeded != 2 {
			t.Errorf("total/succeeded = %d/%d, want 2/2", resp.Total, resp.Succeeded)
		}
	})

	t.Run("NonCSVUpload", func(t *testing.T) {
		var buf bytes.Buffer
		mw := multipart.NewWriter(&buf)
		fw, _ := mw.CreateFormFile("file", "transactions.txt")
		fw.Write([]byte("not a csv"))
		mw.Close()

		req := httptest.NewRequest(http.MethodPost, "/predict/batch", &buf)
		req.Header.Set("Content-Type", mw.FormDataContentType())
		req.Header.Set("X-Tenant-ID", "tenant-001")

		rr := httptest.NewRecorder()
		server.Router().ServeHTTP(rr, req)

		if rr.Code != http.StatusBadRequest {
			t.Errorf("expected status 400, got %d", rr.Code)
		}
	})

	t.Run("MissingFile", func(t *testing.T) {
		var buf bytes.Buffer
		mw := multipart.NewWriter(&buf)
		mw.WriteField("name", "value")
		mw.Close()

		req := httptest.NewRequest(http.MethodPost, "/predict/batch", &buf)
		req.Header.Set("Content-Type", mw.FormDataContentType())
		req.Header.Set("X-Tenant-ID", "tenant-001")

		rr := httptest.NewRecorder()
		server.Router().ServeHTTP(rr, req)

		if rr.Code != http.StatusBadRequest {
			t.Errorf("expected status 400, got %d", rr.Code)
		}
	})

	t.Run("ModelUnavailable", func(t *testing.T) {
		degraded := createServerWith(nil)

		records := []domain.TransactionRecord{{"transactionAmount": 10.0}}
		body, _ := json.Marshal(records)

		req := httptest.NewRequest(http.MethodPost, "/predict/batch", bytes.NewBuffer(body))
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("X-Tenant-ID", "tenant-001")

		rr := httptest.NewRecorder()
		degraded.Router().ServeHTTP(rr, req)

		if rr.Code != http.StatusInternalServerError {
			t.Errorf("expected status 500, got %d", rr.Code)
		}
	})
}

func TestHealthEndpoint(t *testing.T) {
	t.Run("HealthCheck", func(t *testing.T) {
		server := createTestServer()
		req := httptest.NewRequest(http.MethodGet, "/health", nil)

		rr := httptest.NewRecorder()
		server.Router().ServeHTTP(rr, req)

		if rr.Code != http.StatusOK {
			t.Errorf("expected status 200, got %d", rr.Code)
		}

		var resp map[string]any
		json.Unmarshal(rr.Body.Bytes(), &resp)

		if resp["status"] != "healthy" {
			t.Errorf("expected status 'healthy', got '%v'", resp["status"])
		}
		if resp["model_loaded"] != true {
			t.Errorf("expected model_loaded true, got %v", resp["model_loaded"])
		}
		if resp["version"] != "test-v1" {
			t.Errorf("expected version 'test-v1', got '%v'", resp["version"])
		}
	})

	t.Run("HealthDegradedWithoutModel", func(t *testing.T) {
		server := createServerWith(nil)
		req := httptest.NewRequest(http.MethodGet, "/health", nil)

		rr := httptest.NewRecorder()
		server.Router().ServeHTTP(rr, req)

		if rr.Code != http.StatusOK {
			t.Errorf("expected status 200, got %d", rr.Code)
		}

		var resp map[string]any
		json.Unmarshal(rr.Body.Bytes(), &resp)

		if resp["status"] != "degraded" {
			t.Errorf("expected status 'degraded', got '%v'", resp["status"])
		}
		if resp["model_loaded"] != false {
			t.Errorf("expected model_loaded false, got %v", resp["model_loaded"])
		}
	})

	t.Run("ReadyCheck", func(t *testing.T) {
		server := createTestServer()
		req := httptest.NewRequest(http.MethodGet, "/ready", nil)

		rr := httptest.NewRecorder()
		server.Router().ServeHTTP(rr, req)

		if rr.Code != http.StatusOK {
			t.Errorf("expected status 200, got %d", rr.Code)
		}
	})
}

func TestPolicyEndpoints(t *testing.T) {
	server := createTestServer()

	t.Run("CreatePolicy", func(t *testing.T) {
		body, _ := json.Marshal(CreatePolicyRequest{
			ID:         "policy-high-risk",
			Name:       "High Risk",
			Expression: "probability_fraud > 0.9 && amount > 1000.0",
			Severity:   domain.SeverityHigh,
			Enabled:    true,
		})

		req := httptest.NewRequest(http.MethodPost, "/policies", bytes.NewBuffer(body))
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("X-Tenant-ID", "tenant-001")

		rr := httptest.NewRecorder()
		server.Router().ServeHTTP(rr, req)

		if rr.Code != http.StatusCreated {
			t.Fatalf("expected status 201, got %d: %s", rr.Code, rr.Body.String())
		}
	})

	t.Run("CreatePolicyInvalidExpression", func(t *testing.T) {
		body, _ := json.Marshal(CreatePolicyRequest{
			ID:         "policy-bad",
			Name:       "Bad",
			Expression: "probability_fraud +",
			Enabled:    true,
		})

		req := httptest.NewRequest(http.MethodPost, "/policies", bytes.NewBuffer(body))
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("X-Tenant-ID", "tenant-001")

		rr := httptest.NewRecorder()
		server.Router().ServeHTTP(rr, req)

		if rr.Code != http.StatusBadRequest {
			t.Errorf("expected status 400, got %d", rr.Code)
		}
	})

	t.Run("CreatePolicyMissingFields", func(t *testing.T) {
		body, _ := json.Marshal(CreatePolicyRequest{ID: "x"})

		req := httptest.NewRequest(http.MethodPost, "/policies", bytes.NewBuffer(body))
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("X-Tenant-ID", "tenant-001")

		rr := httptest.NewRecorder()
		server.Router().ServeHTTP(rr, req)

		if rr.Code != http.StatusBadRequest {
			t.Errorf("expected status 400, got %d", rr.Code)
		}
	})

	t.Run("ListPolicies", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/policies", nil)
		req.Header.Set("X-Tenant-ID", "tenant-001")

		rr := httptest.NewRecorder()
		server.Router().ServeHTTP(rr, req)

		if rr.Code != http.StatusOK {
			t.Fatalf("expected status 200, got %d", rr.Code)
		}

		var resp map[string]any
		json.Unmarshal(rr.Body.Bytes(), &resp)
		if count, _ := resp["count"].(float64); count != 1 {
			t.Errorf("expected 1 loaded policy, got %v", resp["count"])
		}
	})
}

func TestMiddleware(t *testing.T) {
	t.Run("TenantMiddlewareExtractsID", func(t *testing.T) {
		var capturedTenantID string

		handler := TenantMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			capturedTenantID = GetTenantID(r.Context())
			w.WriteHeader(http.StatusOK)
		}))

		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req.Header.Set("X-Tenant-ID", "my-tenant-123")

		rr := httptest.NewRecorder()
		handler.ServeHTTP(rr, req)

		if capturedTenantID != "my-tenant-123" {
			t.Errorf("expected tenant ID 'my-tenant-123', got '%s'", capturedTenantID)
		}
	})

	t.Run("TracingMiddlewareSetsRequestID", func(t *testing.T) {
		var capturedRequestID string

		handler := TracingMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if v, ok := r.Context().Value(RequestIDKey).(string); ok {
				capturedRequestID = v
			}
			w.WriteHeader(http.StatusOK)
		}))

		req := httptest.NewRequest(http.MethodGet, "/", nil)
		rr := httptest.NewRecorder()
		handler.ServeHTTP(rr, req)

		if capturedRequestID == "" {
			t.Error("expected request ID to be set")
		}

		if rr.Header().Get("X-Request-ID") == "" {
			t.Error("expected X-Request-ID response header")
		}
	})

	t.Run("RecoverMiddlewareHandlesPanic", func(t *testing.T) {
		handler := RecoverMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			panic("test panic")
		}))

		req := httptest.NewRequest(http.MethodGet, "/", nil)
		rr := httptest.NewRecorder()

		// Should not panic
		handler.ServeHTTP(rr, req)

		if rr.Code != http.StatusInternalServerError {
			t.Errorf("expected status 500, got %d", rr.Code)
		}
	})

	t.Run("LoggingDemotesProbesToDebug", func(t *testing.T) {
		// Liveness probes and scrapes must not flood the INFO stream;
		// scoring requests must appear in it.
		var buf bytes.Buffer
		prev := slog.Default()
		slog.SetDefault(slog.New(slog.NewJSONHandler(&buf, &slog.HandlerOptions{Level: slog.LevelInfo})))
		defer slog.SetDefault(prev)

		handler := LoggingMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Write([]byte("ok"))
		}))

		rr := httptest.NewRecorder()
		handler.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/health", nil))
		if bytes.Contains(buf.Bytes(), []byte("http request")) {
			t.Error("health probe logged at INFO")
		}

		buf.Reset()
		rr = httptest.NewRecorder()
		handler.ServeHTTP(rr, httptest.NewRequest(http.MethodPost, "/predict", nil))
		if !bytes.Contains(buf.Bytes(), []byte("http request")) {
			t.Error("scoring request missing from INFO log")
		}
		if !bytes.Contains(buf.Bytes(), []byte(`"bytes":2`)) {
			t.Error("request log missing response size")
		}
	})
}
