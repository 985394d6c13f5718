package order

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/gamedayrelics/ordercore/internal/actor"
	"github.com/gamedayrelics/ordercore/internal/validation"
)

// Handler provides HTTP endpoints for order operations.
type Handler struct {
	service *Service
}

// NewHandler creates a new order handler.
func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

// RegisterRoutes sets up order routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/orders", h.CreateOrder)
	r.GET("/orders/:id", h.GetOrder)
	r.GET("/buyers/:id/orders", h.ListBuyerOrders)
	r.GET("/sellers/:id/orders", h.ListSellerOrders)
	r.POST("/orders/:id/ship", h.MarkShipped)
	r.POST("/orders/:id/deliver", h.MarkDelivered)
	r.POST("/orders/:id/satisfaction", h.SetSatisfaction)
	r.POST("/orders/:id/verify", h.VerifyComplete)
}

// CreateOrder handles POST /v1/orders
func (h *Handler) CreateOrder(c *gin.Context) {
	var req CreateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return
	}

	o, err := h.service.Create(c.Request.Context(), req)
	if err != nil {
		if o != nil {
			// Order exists but the escrow hold failed; surface both.
			c.JSON(http.StatusBadGateway, gin.H{
				"error":   "escrow_hold_failed",
				"message": "Order created but payment hold failed",
				"order":   o,
			})
			return
		}
		respondError(c, err, "order_create_failed", "Failed to create order")
		return
	}

	c.JSON(http.StatusCreated, gin.H{"order": o})
}

// GetOrder handles GET /v1/orders/:id
func (h *Handler) GetOrder(c *gin.Context) {
	id := c.Param("id")
	if !validation.IsValidID(id) {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_id",
			"message": "Invalid order ID format",
		})
		return
	}

	o, err := h.service.Get(c.Request.Context(), id)
	if err != nil {
		respondError(c, err, "order_lookup_failed", "Failed to look up order")
		return
	}

	c.JSON(http.StatusOK, gin.H{"order": o})
}

// ListBuyerOrders handles GET /v1/buyers/:id/orders
func (h *Handler) ListBuyerOrders(c *gin.Context) {
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))
	orders, next, err := h.service.ListByBuyer(c.Request.Context(), c.Param("id"), c.Query("cursor"), limit)
	if err != nil {
		respondError(c, err, "order_list_failed", "Failed to list orders")
		return
	}
	c.JSON(http.StatusOK, gin.H{"orders": orders, "count": len(orders), "nextCursor": next})
}

// ListSellerOrders handles GET /v1/sellers/:id/orders
func (h *Handler) ListSellerOrders(c *gin.Context) {
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))
	orders, next, err := h.service.ListBySeller(c.Request.Context(), c.Param("id"), c.Query("cursor"), limit)
	if err != nil {
		respondError(c, err, "order_list_failed", "Failed to list orders")
		return
	}
	c.JSON(http.StatusOK, gin.H{"orders": orders, "count": len(orders), "nextCursor": next})
}

// MarkShipped handles POST /v1/orders/:id/ship
func (h *Handler) MarkShipped(c *gin.Context) {
	h.transition(c, StatusInTransit)
}

// MarkDelivered handles POST /v1/orders/:id/deliver
func (h *Handler) MarkDelivered(c *gin.Context) {
	h.transition(c, StatusDelivered)
}

func (h *Handler) transition(c *gin.Context, to Status) {
	o, err := h.service.Transition(c.Request.Context(), c.Param("id"), to, actorFrom(c))
	if err != nil {
		respondError(c, err, "transition_failed", "Failed to update order status")
		return
	}
	c.JSON(http.StatusOK, gin.H{"order": o})
}

// SetSatisfaction handles POST /v1/orders/:id/satisfaction
func (h *Handler) SetSatisfaction(c *gin.Context) {
	var req struct {
		Satisfaction string `json:"satisfaction" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return
	}

	o, err := h.service.SetSatisfaction(c.Request.Context(), c.Param("id"),
		Satisfaction(req.Satisfaction), actorFrom(c))
	if err != nil {
		respondError(c, err, "satisfaction_failed", "Failed to record satisfaction")
		return
	}
	c.JSON(http.StatusOK, gin.H{"order": o})
}

// VerifyComplete handles POST /v1/orders/:id/verify
func (h *Handler) VerifyComplete(c *gin.Context) {
	o, err := h.service.VerifyComplete(c.Request.Context(), c.Param("id"), actorFrom(c))
	if err != nil {
		respondError(c, err, "verify_failed", "Failed to verify completion")
		return
	}
	c.JSON(http.StatusOK, gin.H{"order": o})
}

// actorFrom reads the authenticated actor the middleware placed on the
// request context.
func actorFrom(c *gin.Context) actor.Actor {
	return actor.Actor{
		ID:   c.GetString("actorID"),
		Role: actor.Role(c.GetString("actorRole")),
	}
}

// respondError maps service errors to HTTP status codes.
func respondError(c *gin.Context, err error, code, message string) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, ErrInvalidTransition):
		status = http.StatusConflict
	case errors.Is(err, ErrConflict):
		status = http.StatusConflict
	case errors.Is(err, ErrUnauthorized):
		status = http.StatusForbidden
	case errors.Is(err, ErrInvalidInput):
		status = http.StatusBadRequest
	}
	c.JSON(status, gin.H{
		"error":   code,
		"message": message,
		"detail":  err.Error(),
	})
}
