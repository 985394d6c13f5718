package admin

import (
	"crypto/subtle"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/gamedayrelics/ordercore/internal/actor"
	"github.com/gamedayrelics/ordercore/internal/audit"
	"github.com/gamedayrelics/ordercore/internal/dispute"
	"github.com/gamedayrelics/ordercore/internal/escrow"
	"github.com/gamedayrelics/ordercore/internal/order"
)

// Handler provides the HTTP surface for admin operations.
type Handler struct {
	gateway *Gateway
	apiKey  string
}

// NewHandler creates a new admin handler. apiKey guards every route.
func NewHandler(gateway *Gateway, apiKey string) *Handler {
	return &Handler{gateway: gateway, apiKey: apiKey}
}

// RegisterRoutes sets up admin routes behind the key check.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.Use(h.requireKey)
	r.POST("/orders/:id/release", h.ReleaseEscrow)
	r.POST("/orders/:id/refund", h.RefundEscrow)
	r.POST("/orders/:id/cancel", h.ForceCancel)
	r.POST("/orders/:id/retry-payout", h.RetryPayout)
	r.POST("/disputes/:id/resolve", h.ResolveDispute)
	r.GET("/disputes", h.ListOpenDisputes)
	r.GET("/payouts/failed", h.ListFailedPayouts)
	r.GET("/audit", h.QueryAudit)
}

// requireKey authenticates the admin key and stamps the admin actor on the
// request context.
func (h *Handler) requireKey(c *gin.Context) {
	key := c.GetHeader("X-Admin-Key")
	if h.apiKey == "" || subtle.ConstantTimeCompare([]byte(key), []byte(h.apiKey)) != 1 {
		c.AbortWithStatusJSON(http.StatusForbidden, gin.H{
			"error":   "forbidden",
			"message": "Admin credentials required",
		})
		return
	}
	if c.GetString("actorID") == "" {
		c.Set("actorID", "admin")
	}
	c.Set("actorRole", string(actor.RoleAdmin))
	c.Next()
}

// ReleaseEscrow handles POST /v1/admin/orders/:id/release
func (h *Handler) ReleaseEscrow(c *gin.Context) {
	entry, err := h.gateway.ReleaseEscrow(c.Request.Context(), c.Param("id"), adminFrom(c))
	if err != nil {
		respondError(c, err, "release_failed", "Failed to release escrow")
		return
	}
	c.JSON(http.StatusOK, gin.H{"escrow": entry})
}

// RefundEscrow handles POST /v1/admin/orders/:id/refund
func (h *Handler) RefundEscrow(c *gin.Context) {
	entry, err := h.gateway.RefundEscrow(c.Request.Context(), c.Param("id"), adminFrom(c))
	if err != nil {
		respondError(c, err, "refund_failed", "Failed to refund escrow")
		return
	}
	c.JSON(http.StatusOK, gin.H{"escrow": entry})
}

// ForceCancel handles POST /v1/admin/orders/:id/cancel
func (h *Handler) ForceCancel(c *gin.Context) {
	o, err := h.gateway.ForceCancelOrder(c.Request.Context(), c.Param("id"), adminFrom(c))
	if err != nil {
		respondError(c, err, "cancel_failed", "Failed to cancel order")
		return
	}
	c.JSON(http.StatusOK, gin.H{"order": o})
}

// RetryPayout handles POST /v1/admin/orders/:id/retry-payout
func (h *Handler) RetryPayout(c *gin.Context) {
	entry, err := h.gateway.RetryPayout(c.Request.Context(), c.Param("id"), adminFrom(c))
	if err != nil {
		respondError(c, err, "retry_failed", "Failed to retry payout")
		return
	}
	c.JSON(http.StatusOK, gin.H{"escrow": entry})
}

// ResolveDispute handles POST /v1/admin/disputes/:id/resolve
func (h *Handler) ResolveDispute(c *gin.Context) {
	var req struct {
		Resolution string `json:"resolution" binding:"required"`
		Note       string `json:"note" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return
	}

	d, err := h.gateway.ResolveDispute(c.Request.Context(), c.Param("id"),
		dispute.Resolution(req.Resolution), req.Note, adminFrom(c))
	if err != nil {
		respondError(c, err, "resolve_failed", "Failed to resolve dispute")
		return
	}
	c.JSON(http.StatusOK, gin.H{"dispute": d})
}

// ListOpenDisputes handles GET /v1/admin/disputes
func (h *Handler) ListOpenDisputes(c *gin.Context) {
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))
	disputes, err := h.gateway.OpenDisputes(c.Request.Context(), limit)
	if err != nil {
		respondError(c, err, "dispute_list_failed", "Failed to list disputes")
		return
	}
	c.JSON(http.StatusOK, gin.H{"disputes": disputes, "count": len(disputes)})
}

// ListFailedPayouts handles GET /v1/admin/payouts/failed
func (h *Handler) ListFailedPayouts(c *gin.Context) {
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))
	entries, err := h.gateway.FailedPayouts(c.Request.Context(), limit)
	if err != nil {
		respondError(c, err, "payout_list_failed", "Failed to list payouts")
		return
	}
	c.JSON(http.StatusOK, gin.H{"payouts": entries, "count": len(entries)})
}

// QueryAudit handles GET /v1/admin/audit
func (h *Handler) QueryAudit(c *gin.Context) {
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "100"))
	f := audit.Filter{
		EntityType: c.Query("entityType"),
		EntityID:   c.Query("entityId"),
		Limit:      limit,
	}
	if v := c.Query("from"); v != "" {
		if t, err := time.Parse(time.RFC3339, v); err == nil {
			f.From = t
		}
	}
	if v := c.Query("to"); v != "" {
		if t, err := time.Parse(time.RFC3339, v); err == nil {
			f.To = t
		}
	}

	records, err := h.gateway.AuditTrail(c.Request.Context(), f)
	if err != nil {
		respondError(c, err, "audit_query_failed", "Failed to query audit log")
		return
	}
	c.JSON(http.StatusOK, gin.H{"records": records, "count": len(records)})
}

func adminFrom(c *gin.Context) actor.Actor {
	return actor.Actor{ID: c.GetString("actorID"), Role: actor.RoleAdmin}
}

func respondError(c *gin.Context, err error, code, message string) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, order.ErrNotFound), errors.Is(err, escrow.ErrNotFound),
		errors.Is(err, dispute.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, order.ErrInvalidTransition), errors.Is(err, escrow.ErrConflictingCustody),
		errors.Is(err, escrow.ErrNotHeld), errors.Is(err, escrow.ErrReleaseBlocked),
		errors.Is(err, escrow.ErrNoFailedPayout), errors.Is(err, dispute.ErrAlreadyResolved):
		status = http.StatusConflict
	case errors.Is(err, escrow.ErrPayoutFailed):
		status = http.StatusBadGateway
	case errors.Is(err, dispute.ErrInvalidInput):
		status = http.StatusBadRequest
	case errors.Is(err, ErrForbidden):
		status = http.StatusForbidden
	}
	c.JSON(status, gin.H{
		"error":   code,
		"message": message,
		"detail":  err.Error(),
	})
}
