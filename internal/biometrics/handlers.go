package biometrics

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
)

// Handler provides HTTP endpoints for behavioral telemetry sessions.
type Handler struct {
	store    *SessionStore
	analyzer *Analyzer
}

// NewHandler creates a session handler.
func NewHandler(store *SessionStore, analyzer *Analyzer) *Handler {
	return &Handler{store: store, analyzer: analyzer}
}

// RegisterRoutes sets up session endpoints
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/sessions", h.CreateSession)
	r.POST("/sessions/:id/samples", h.AppendSamples)
	r.GET("/sessions/:id/analysis", h.GetAnalysis)
	r.DELETE("/sessions/:id", h.EndSession)
}

// CreateSessionRequest is the body of POST /v1/sessions.
type CreateSessionRequest struct {
	DeviceFingerprint string `json:"deviceFingerprint"`
	Touch             bool   `json:"touch"`
}

// CreateSession starts a session.
// POST /v1/sessions
func (h *Handler) CreateSession(c *gin.Context) {
	var req CreateSessionRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": err.Error()})
			return
		}
	}
	var opts []SessionOption
	if req.Touch {
		opts = append(opts, TouchInput())
	}
	c.JSON(http.StatusCreated, gin.H{"session": h.store.Create(req.DeviceFingerprint, opts...)})
}

// AppendSamples adds telemetry to a session.
// POST /v1/sessions/:id/samples
func (h *Handler) AppendSamples(c *gin.Context) {
	var batch Samples
	if err := c.ShouldBindJSON(&batch); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": err.Error()})
		return
	}
	if err := h.store.Append(c.Param("id"), batch); err != nil {
		notFoundOr500(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"accepted": batch.Len()})
}

// GetAnalysis analyzes the samples collected so far.
// GET /v1/sessions/:id/analysis
func (h *Handler) GetAnalysis(c *gin.Context) {
	s, err := h.store.Get(c.Param("id"))
	if err != nil {
		notFoundOr500(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"analysis": h.analyzer.Analyze(s)})
}

// EndSession discards a session and returns its final analysis.
// DELETE /v1/sessions/:id
func (h *Handler) EndSession(c *gin.Context) {
	s, err := h.store.End(c.Param("id"))
	if err != nil {
		notFoundOr500(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"analysis": h.analyzer.Analyze(s)})
}

func notFoundOr500(c *gin.Context, err error) {
	if errors.Is(err, ErrSessionNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "session_not_found", "message": "Session not found or expired"})
		return
	}
	c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": err.Error()})
}
