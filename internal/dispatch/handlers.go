package dispatch

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

// Handler exposes delivery records over HTTP.
type Handler struct {
	dispatcher *Dispatcher
}

// NewHandler creates a delivery handler.
func NewHandler(d *Dispatcher) *Handler {
	return &Handler{dispatcher: d}
}

// RegisterRoutes sets up the delivery routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/decisions/:transactionId/alerts", h.ListDeliveries)
}

// ListDeliveries handles GET /decisions/:transactionId/alerts
func (h *Handler) ListDeliveries(c *gin.Context) {
	deliveries, err := h.dispatcher.Deliveries(c.Request.Context(), c.Param("transactionId"))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "Failed to list alert deliveries",
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{"deliveries": deliveries, "count": len(deliveries)})
}
