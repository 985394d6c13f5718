package dispute

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/gamedayrelics/ordercore/internal/actor"
	"github.com/gamedayrelics/ordercore/internal/order"
)

// Handler provides HTTP endpoints for dispute operations.
type Handler struct {
	service *Service
}

// NewHandler creates a new dispute handler.
func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

// RegisterRoutes sets up dispute routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/disputes", h.OpenDispute)
	r.GET("/disputes/:id", h.GetDispute)
	r.POST("/disputes/:id/evidence", h.AddEvidence)
	r.GET("/orders/:id/dispute", h.GetOrderDispute)
}

// OpenDispute handles POST /v1/disputes
func (h *Handler) OpenDispute(c *gin.Context) {
	var req OpenRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return
	}

	d, err := h.service.Open(c.Request.Context(), req, actorFrom(c))
	if err != nil {
		respondError(c, err, "dispute_open_failed", "Failed to open dispute")
		return
	}
	c.JSON(http.StatusCreated, gin.H{"dispute": d})
}

// GetDispute handles GET /v1/disputes/:id
func (h *Handler) GetDispute(c *gin.Context) {
	d, err := h.service.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, err, "dispute_lookup_failed", "Failed to look up dispute")
		return
	}
	c.JSON(http.StatusOK, gin.H{"dispute": d})
}

// GetOrderDispute handles GET /v1/orders/:id/dispute
func (h *Handler) GetOrderDispute(c *gin.Context) {
	d, err := h.service.GetByOrder(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, err, "dispute_lookup_failed", "Failed to look up dispute")
		return
	}
	c.JSON(http.StatusOK, gin.H{"dispute": d})
}

// AddEvidence handles POST /v1/disputes/:id/evidence
func (h *Handler) AddEvidence(c *gin.Context) {
	var req struct {
		Content string `json:"content" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return
	}

	d, err := h.service.AddEvidence(c.Request.Context(), c.Param("id"), req.Content, actorFrom(c))
	if err != nil {
		respondError(c, err, "evidence_failed", "Failed to add evidence")
		return
	}
	c.JSON(http.StatusOK, gin.H{"dispute": d})
}

func actorFrom(c *gin.Context) actor.Actor {
	return actor.Actor{
		ID:   c.GetString("actorID"),
		Role: actor.Role(c.GetString("actorRole")),
	}
}

func respondError(c *gin.Context, err error, code, message string) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, ErrNotFound), errors.Is(err, order.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, ErrAlreadyDisputed), errors.Is(err, ErrAlreadyResolved),
		errors.Is(err, ErrNotDisputable):
		status = http.StatusConflict
	case errors.Is(err, ErrUnauthorized):
		status = http.StatusForbidden
	case errors.Is(err, ErrNoEvidence), errors.Is(err, ErrInvalidInput):
		status = http.StatusBadRequest
	}
	c.JSON(status, gin.H{
		"error":   code,
		"message": message,
		"detail":  err.Error(),
	})
}
