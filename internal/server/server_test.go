package server

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/sentinel/internal/config"
	"github.com/mbd888/sentinel/internal/dispatch"
	"github.com/mbd888/sentinel/internal/logging"
	"github.com/mbd888/sentinel/internal/risk"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func testConfig() *config.Config {
	return &config.Config{
		Port:      "0",
		Env:       "test",
		LogLevel:  "error",
		LogFormat: "json",
		Scoring:   config.DefaultScoring(),
		Velocity:  config.DefaultVelocity(),
		Sync:      config.Sync{Interval: time.Minute, BatchSize: 100},
		Dispatch:  config.Dispatch{QueueSize: 16, Workers: 1, MaxAttempts: 1, BaseBackoff: time.Millisecond},
		Trust:     config.Trust{RecomputeSpec: "@every 1h", GraphDepth: 2},

		EnrichmentTimeout:  100 * time.Millisecond,
		RateLimitPerMinute: 6000,
		RateLimitBurst:     100,
	}
}

func newTestServer(t *testing.T) *Server {
	t.Helper()
	s, err := New(testConfig(), WithLogger(logging.Discard()), WithDrainDelay(0))
	require.NoError(t, err)
	t.Cleanup(s.rateLimiter.Stop)
	return s
}

func do(s *Server, method, path string, body any) *httptest.ResponseRecorder {
	var buf bytes.Buffer
	if body != nil {
		_ = json.NewEncoder(&buf).Encode(body)
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	s.Router().ServeHTTP(w, req)
	return w
}

func evaluateBody(id, recipient, amount string) map[string]any {
	return map[string]any{
		"transaction": map[string]any{
			"id":          id,
			"senderId":    "+255711000001",
			"recipientId": recipient,
			"amount":      amount,
			"currency":    "TZS",
			"channel":     "mobile_money",
		},
	}
}

func TestHealthEndpoints(t *testing.T) {
	s := newTestServer(t)

	w := do(s, http.MethodGet, "/health", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var resp HealthResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "degraded", resp.Status, "pattern replica has never synced")
	assert.Equal(t, Version, resp.Version)

	w = do(s, http.MethodGet, "/health/live", nil)
	assert.Equal(t, http.StatusOK, w.Code)

	w = do(s, http.MethodGet, "/health/ready", nil)
	assert.Equal(t, http.StatusServiceUnavailable, w.Code, "not ready until Run")
}

func TestMetricsEndpoint(t *testing.T) {
	s := newTestServer(t)
	w := do(s, http.MethodGet, "/metrics", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "sentinel_")
}

func TestRequestIDPropagates(t *testing.T) {
	s := newTestServer(t)

	req := httptest.NewRequest(http.MethodGet, "/health/live", nil)
	req.Header.Set("X-Request-ID", "req-abc")
	w := httptest.NewRecorder()
	s.Router().ServeHTTP(w, req)
	assert.Equal(t, "req-abc", w.Header().Get("X-Request-ID"))

	w = do(s, http.MethodGet, "/health/live", nil)
	assert.Len(t, w.Header().Get("X-Request-ID"), 32)
}

func TestEvaluate_SmallTransferApproved(t *testing.T) {
	s := newTestServer(t)

	w := do(s, http.MethodPost, "/v1/evaluate", evaluateBody("tx-small", "+255722000002", "2500"))
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	var resp struct {
		Decision risk.Decision `json:"decision"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, risk.OutcomeApprove, resp.Decision.Outcome)

	w = do(s, http.MethodGet, "/v1/decisions/tx-small", nil)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestEvaluate_ReportedRecipientDeclinedAndAlerted(t *testing.T) {
	s := newTestServer(t)
	s.dispatcher.Start()

	w := do(s, http.MethodPost, "/v1/blacklist/reports", map[string]any{
		"identifier": "+255733000003",
		"category":   "fake_agent",
	})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	w = do(s, http.MethodPost, "/v1/evaluate", evaluateBody("tx-scam", "+255733000003", "10"))
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	var resp struct {
		Decision risk.Decision `json:"decision"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, risk.OutcomeDecline, resp.Decision.Outcome)
	assert.GreaterOrEqual(t, resp.Decision.Score, 95.0)

	require.NoError(t, s.dispatcher.Stop(context.Background()))

	w = do(s, http.MethodGet, "/v1/decisions/tx-scam/alerts", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var alerts struct {
		Deliveries []dispatch.Delivery `json:"deliveries"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &alerts))
	require.Len(t, alerts.Deliveries, 1)
	assert.Equal(t, "console", alerts.Deliveries[0].Channel)
	assert.Equal(t, dispatch.StatusDelivered, alerts.Deliveries[0].Status)
}

func TestEvaluate_ValidationError(t *testing.T) {
	s := newTestServer(t)
	w := do(s, http.MethodPost, "/v1/evaluate", evaluateBody("tx-neg", "+255722000002", "-5"))
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Contains(t, w.Body.String(), "validation_error")
}

func TestTrustColdStart(t *testing.T) {
	s := newTestServer(t)
	w := do(s, http.MethodGet, "/v1/trust/merchant-77?role=merchant", nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	var resp struct {
		Trust struct {
			Score float64 `json:"score"`
			Tier  string  `json:"tier"`
		} `json:"trust"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, 50.0, resp.Trust.Score)
	assert.Equal(t, "medium", resp.Trust.Tier)
}

func TestInvalidIdentifierRejected(t *testing.T) {
	s := newTestServer(t)
	w := do(s, http.MethodGet, "/v1/decisions/bad%20id", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Contains(t, w.Body.String(), "invalid_identifier")
}

func TestNew_RejectsBadRedisURL(t *testing.T) {
	cfg := testConfig()
	cfg.RedisURL = "not-a-url://"
	_, err := New(cfg, WithLogger(logging.Discard()))
	assert.Error(t, err)
}

func TestNew_RejectsPrivateWebhookInProduction(t *testing.T) {
	cfg := testConfig()
	cfg.Env = "production"
	cfg.WebhookURL = "http://10.1.2.3/alerts"
	_, err := New(cfg, WithLogger(logging.Discard()))
	assert.Error(t, err)
}

func TestMaskDSN(t *testing.T) {
	masked := maskDSN("postgres://app:secret@db:5432/sentinel")
	assert.NotContains(t, masked, "secret")
	assert.Contains(t, masked, "@db:5432/sentinel")
	assert.Equal(t, "https://hooks.example.com", maskURL("https://hooks.example.com/t/abc?token=x"))
}
