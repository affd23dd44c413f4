package dispatch

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/sentinel/internal/risk"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func TestHandler_ListDeliveries(t *testing.T) {
	d, _, _ := newTestDispatcher(testConfig())
	d.WithChannel("sms", &recorder{}).Start()
	ctx := context.Background()
	require.NoError(t, d.Submit(ctx, decision("tx-h", 91, risk.TierCritical, risk.OutcomeDecline)))
	require.NoError(t, d.Stop(ctx))

	r := gin.New()
	NewHandler(d).RegisterRoutes(r.Group("/v1"))

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/v1/decisions/tx-h/alerts", nil))
	require.Equal(t, http.StatusOK, w.Code)

	var body struct {
		Deliveries []Delivery `json:"deliveries"`
		Count      int        `json:"count"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, 1, body.Count)
	assert.Equal(t, "sms", body.Deliveries[0].Channel)
	assert.Equal(t, StatusDelivered, body.Deliveries[0].Status)

	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/v1/decisions/unknown/alerts", nil))
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"deliveries":[],"count":0}`, w.Body.String())
}
