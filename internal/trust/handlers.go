package trust

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
)

// Handler provides HTTP endpoints for trust scores.
type Handler struct {
	graph *Graph
}

// NewHandler creates a trust handler.
func NewHandler(graph *Graph) *Handler {
	return &Handler{graph: graph}
}

// RegisterRoutes sets up trust endpoints
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/trust/:entityId", h.GetScore)
	r.GET("/trust/:entityId/graph", h.GetGraph)
}

// GetScore recomputes and returns the score for an entity. Without a role
// query the stored role is kept, defaulting to sender.
// GET /v1/trust/:entityId?role=
func (h *Handler) GetScore(c *gin.Context) {
	ctx := c.Request.Context()
	id := c.Param("entityId")

	role := Role(c.Query("role"))
	if role == "" {
		role = RoleSender
		if cur, err := h.graph.Get(ctx, id); err == nil && cur != nil {
			role = cur.Role
		}
	}

	score, err := h.graph.ComputeScore(ctx, id, role)
	if err != nil {
		if errors.Is(err, ErrInvalidEntity) {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": err.Error()})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": "Failed to compute trust score"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"trust": score})
}

// GetGraph returns the neighborhood of an entity.
// GET /v1/trust/:entityId/graph?depth=
func (h *Handler) GetGraph(c *gin.Context) {
	depth := DefaultDepth
	if v := c.Query("depth"); v != "" {
		d, err := strconv.Atoi(v)
		if err != nil || d < 0 || d > MaxDepth {
			c.JSON(http.StatusBadRequest, gin.H{
				"error":   "invalid_request",
				"message": "depth must be an integer between 0 and " + strconv.Itoa(MaxDepth),
			})
			return
		}
		depth = d
	}

	view, err := h.graph.BuildGraph(c.Request.Context(), c.Param("entityId"), depth)
	if err != nil {
		if errors.Is(err, ErrInvalidEntity) {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": err.Error()})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": "Failed to build trust graph"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"graph": view})
}
