package patterns

import (
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
)

// Handler provides HTTP endpoints for pattern matching, blacklist lookups
// and curation.
type Handler struct {
	checker *Checker
	offline *OfflineDetector
	curator Curator // nil disables PUT /patterns
	syncer  *Syncer // nil disables POST /patterns/sync
}

// NewHandler creates a pattern handler. curator and syncer may be nil.
func NewHandler(checker *Checker, offline *OfflineDetector, curator Curator, syncer *Syncer) *Handler {
	return &Handler{checker: checker, offline: offline, curator: curator, syncer: syncer}
}

// RegisterRoutes sets up pattern endpoints
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/patterns/match", h.MatchText)
	r.PUT("/patterns", h.UpsertPatterns)
	r.POST("/patterns/sync", h.TriggerSync)
	r.GET("/blacklist/:identifier", h.GetBlacklistEntry)
	r.POST("/blacklist/reports", h.ReportIdentifier)
}

// MatchRequest is the body of POST /v1/patterns/match.
type MatchRequest struct {
	Text         string `json:"text"`
	Counterparty string `json:"counterparty"`
	// Offline forces local-only assessment.
	Offline bool `json:"offline"`
}

// MatchText checks text and an optional counterparty.
// POST /v1/patterns/match
func (h *Handler) MatchText(c *gin.Context) {
	var req MatchRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": err.Error()})
		return
	}

	if req.Offline {
		c.JSON(http.StatusOK, gin.H{"assessment": h.offline.Assess(req.Text, req.Counterparty)})
		return
	}
	res := h.checker.Check(c.Request.Context(), req.Text, req.Counterparty)
	c.JSON(http.StatusOK, gin.H{
		"result": res,
		"score":  min(res.Points(), MaxScore),
	})
}

// GetBlacklistEntry looks up one identifier.
// GET /v1/blacklist/:identifier
func (h *Handler) GetBlacklistEntry(c *gin.Context) {
	res := h.checker.Check(c.Request.Context(), "", c.Param("identifier"))
	if res.Blacklisted == nil {
		c.JSON(http.StatusNotFound, gin.H{
			"error":   "not_blacklisted",
			"message": "Identifier is not on the blacklist",
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{"entry": res.Blacklisted, "offline": res.Offline})
}

// ReportRequest is the body of POST /v1/blacklist/reports.
type ReportRequest struct {
	Identifier string `json:"identifier" binding:"required"`
	Category   string `json:"category"`
}

// ReportIdentifier counts a report against an identifier.
// POST /v1/blacklist/reports
func (h *Handler) ReportIdentifier(c *gin.Context) {
	var req ReportRequest
	if err := c.ShouldBindJSON(&req); err != nil || strings.TrimSpace(req.Identifier) == "" {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Request body must contain 'identifier'",
		})
		return
	}

	entry, err := h.checker.Report(c.Request.Context(), req.Identifier, req.Category)
	if err != nil {
		status, code := http.StatusServiceUnavailable, "store_unavailable"
		if errors.Is(err, ErrInvalidPattern) {
			status, code = http.StatusBadRequest, "invalid_request"
		}
		c.JSON(status, gin.H{"error": code, "message": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"entry": entry})
}

// UpsertRequest is the body of PUT /v1/patterns.
type UpsertRequest struct {
	Patterns []ThreatPattern `json:"patterns" binding:"required"`
}

// UpsertPatterns adds, replaces, or tombstones patterns in the central store.
// PUT /v1/patterns
func (h *Handler) UpsertPatterns(c *gin.Context) {
	if h.curator == nil {
		c.JSON(http.StatusNotImplemented, gin.H{
			"error":   "curation_disabled",
			"message": "No central pattern store is configured",
		})
		return
	}
	var req UpsertRequest
	if err := c.ShouldBindJSON(&req); err != nil || len(req.Patterns) == 0 {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Request body must contain a non-empty 'patterns' array",
		})
		return
	}
	if len(req.Patterns) > 1000 {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "too_many_patterns",
			"message": "Maximum 1000 patterns per request",
		})
		return
	}

	if err := h.curator.UpsertPatterns(c.Request.Context(), req.Patterns); err != nil {
		if errors.Is(err, ErrInvalidPattern) {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_pattern", "message": err.Error()})
			return
		}
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "store_unavailable", "message": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"upserted": len(req.Patterns)})
}

// TriggerSync runs a sync now and reports what it applied.
// POST /v1/patterns/sync
func (h *Handler) TriggerSync(c *gin.Context) {
	if h.syncer == nil {
		c.JSON(http.StatusNotImplemented, gin.H{
			"error":   "sync_disabled",
			"message": "No pattern sync source is configured",
		})
		return
	}
	res, err := h.syncer.Run(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "sync_failed", "message": err.Error(), "result": res})
		return
	}
	c.JSON(http.StatusOK, gin.H{"result": res})
}
