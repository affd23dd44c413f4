package risk

import (
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/sentinel/internal/biometrics"
	"github.com/mbd888/sentinel/internal/logging"
	"github.com/mbd888/sentinel/internal/pagination"
	"github.com/mbd888/sentinel/internal/txn"
)

// SessionLookup resolves a live biometric session by ID.
type SessionLookup interface {
	Get(id string) (*biometrics.Session, error)
}

// Handler provides HTTP endpoints for transaction evaluation.
type Handler struct {
	service  *Service
	sessions SessionLookup // nil ignores sessionId
}

// NewHandler creates a risk handler. sessions may be nil.
func NewHandler(service *Service, sessions SessionLookup) *Handler {
	return &Handler{service: service, sessions: sessions}
}

// RegisterRoutes sets up risk endpoints
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/evaluate", h.Evaluate)
	r.GET("/decisions", h.ListDecisions)
	r.GET("/decisions/:transactionId", h.GetDecision)
}

// EvaluateRequest is the body of POST /v1/evaluate. Biometrics may be sent
// inline or referenced by a session collected through /v1/sessions.
type EvaluateRequest struct {
	Transaction txn.Transaction     `json:"transaction"`
	SessionID   string              `json:"sessionId,omitempty"`
	Biometrics  *biometrics.Samples `json:"biometrics,omitempty"`
	Touch       bool                `json:"touch,omitempty"` // inline samples came from a touch keypad
	Network     *txn.NetworkSignal  `json:"network,omitempty"`
}

// Evaluate scores a transaction.
// POST /v1/evaluate
func (h *Handler) Evaluate(c *gin.Context) {
	var req EvaluateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": err.Error()})
		return
	}
	ctx := c.Request.Context()

	session := h.resolveSession(c, &req)
	d, replayed, err := h.service.EvaluateTransaction(ctx, &req.Transaction, session, req.Network)
	if err != nil {
		var verr *txn.ValidationError
		if errors.As(err, &verr) {
			c.JSON(http.StatusBadRequest, gin.H{"error": "validation_error", "message": verr.Error(), "field": verr.Field})
			return
		}
		logging.L(ctx).Error("evaluation failed", "transaction_id", req.Transaction.ID, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": "Failed to evaluate transaction"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"decision": d, "replayed": replayed})
}

// resolveSession never fails the request: a missing or expired session
// evaluates without biometrics.
func (h *Handler) resolveSession(c *gin.Context, req *EvaluateRequest) *biometrics.Session {
	if req.SessionID != "" && h.sessions != nil {
		s, err := h.sessions.Get(req.SessionID)
		if err == nil {
			return s
		}
		logging.L(c.Request.Context()).Warn("biometric session unavailable", "session_id", req.SessionID, "error", err)
	}
	if req.Biometrics != nil && req.Biometrics.Len() > 0 {
		return &biometrics.Session{
			ID:                "inline",
			DeviceFingerprint: req.Transaction.DeviceFingerprint,
			Touch:             req.Touch,
			Samples:           *req.Biometrics,
		}
	}
	return nil
}

// GetDecision returns the decision for a transaction.
// GET /v1/decisions/:transactionId
func (h *Handler) GetDecision(c *gin.Context) {
	d, err := h.service.Get(c.Request.Context(), c.Param("transactionId"))
	if err != nil {
		if errors.Is(err, ErrDecisionNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "not_found", "message": "No decision for transaction"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": "Failed to load decision"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"decision": d})
}

// ListDecisions returns recent decisions, newest first.
// GET /v1/decisions?limit=&cursor=
func (h *Handler) ListDecisions(c *gin.Context) {
	limit := pagination.ParseLimit(c.Query("limit"), 50, 500)
	before, err := pagination.Decode(c.Query("cursor"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_cursor", "message": "cursor is malformed"})
		return
	}

	ds, err := h.service.ListRecent(c.Request.Context(), before, limit+1)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": "Failed to list decisions"})
		return
	}
	if ds == nil {
		ds = []*Decision{}
	}
	ds, next, more := pagination.Page(ds, limit, func(d *Decision) (time.Time, string) {
		return d.EvaluatedAt, d.TransactionID
	})

	resp := gin.H{"decisions": ds, "count": len(ds), "hasMore": more}
	if more {
		resp["nextCursor"] = next
	}
	c.JSON(http.StatusOK, resp)
}
