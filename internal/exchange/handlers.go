package exchange

import (
	"github.com/gin-gonic/gin"

	"github.com/ecoswap/ecoswap-api/internal/types"
	"github.com/ecoswap/ecoswap-api/pkg/middleware"
	"github.com/ecoswap/ecoswap-api/pkg/response"
)

// GinHandlers contains HTTP handlers for exchange endpoints
type GinHandlers struct {
	service *Service
}

// NewGinHandlers creates a new set of HTTP handlers for exchange endpoints
func NewGinHandlers(service *Service) *GinHandlers {
	return &GinHandlers{
		service: service,
	}
}

type sendRequest struct {
	RequestedItemID uint   `json:"requested_item_id" binding:"required"`
	OfferedItemID   uint   `json:"offered_item_id" binding:"required"`
	Status          string `json:"status"`
}

// SendHandler handles POST /exchanges/send. The offered publication must
// belong to the caller and the exchange always starts PENDING. An optional
// Idempotency-Key header makes retries safe for 24 hours.
func (h *GinHandlers) SendHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		var req sendRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			response.BadRequest(c, err.Error())
			return
		}

		// Clients may echo PENDING but never skip the recipient's answer.
		if req.Status != "" {
			st, ok := types.ParseExchangeStatus(req.Status)
			if !ok {
				response.Handle(c, nil, ErrInvalidStatus)
				return
			}
			if st != types.StatusPending {
				response.Forbidden(c, "new offers start as PENDING; only the owner of the requested publication can change the status")
				return
			}
		}

		idempotencyKey := c.GetHeader("Idempotency-Key")
		if len(idempotencyKey) > 128 {
			response.BadRequest(c, "Idempotency-Key must be at most 128 characters")
			return
		}

		ex, err := h.service.Create(c.Request.Context(), CreateRequest{
			RequestedItemID: req.RequestedItemID,
			OfferedItemID:   req.OfferedItemID,
			Status:          types.StatusPending,
			ProposerEmail:   middleware.CurrentUser(c).Email,
			IdempotencyKey:  idempotencyKey,
		})
		if err != nil {
			response.Handle(c, nil, err)
			return
		}
		response.Success(c, gin.H{"message": "exchange offer sent", "exchange": ex})
	}
}

// RespondHandler handles POST /exchanges/respond
func (h *GinHandlers) RespondHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		var req struct {
			ExchangeID uint   `json:"exchange_id" binding:"required"`
			Status     string `json:"status" binding:"required"`
		}
		if err := c.ShouldBindJSON(&req); err != nil {
			response.BadRequest(c, err.Error())
			return
		}

		next, ok := types.ParseExchangeStatus(req.Status)
		if !ok {
			response.Handle(c, nil, ErrInvalidStatus)
			return
		}

		ex, err := h.service.Respond(c.Request.Context(), req.ExchangeID, middleware.CurrentUser(c).Email, next)
		if err != nil {
			response.Handle(c, nil, err)
			return
		}
		response.OK(c, gin.H{"message": "exchange status updated to " + next.Label(), "exchange": ex})
	}
}

// CancelHandler handles POST /exchanges/cancel
func (h *GinHandlers) CancelHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		var req struct {
			ExchangeID uint   `json:"exchange_id" binding:"required"`
			Reason     string `json:"reason" binding:"max=1000"`
		}
		if err := c.ShouldBindJSON(&req); err != nil {
			response.BadRequest(c, err.Error())
			return
		}

		ex, err := h.service.Cancel(c.Request.Context(), req.ExchangeID, middleware.CurrentUser(c).Email, req.Reason)
		if err != nil {
			response.Handle(c, nil, err)
			return
		}
		response.OK(c, gin.H{"message": "exchange cancelled", "exchange": ex})
	}
}

// ListHandler handles GET /exchanges?status=&type=
func (h *GinHandlers) ListHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		exchanges, err := h.service.List(c.Request.Context(),
			middleware.CurrentUser(c).Email, c.Query("status"), c.Query("type"))
		response.Handle(c, exchanges, err)
	}
}

// RegisterRoutes mounts the exchange endpoints on rg. Every route needs
// an authenticated user.
func (h *GinHandlers) RegisterRoutes(rg *gin.RouterGroup, requireAuth gin.HandlerFunc) {
	rg.Use(requireAuth)
	rg.POST("/send", h.SendHandler())
	rg.POST("/respond", h.RespondHandler())
	rg.POST("/cancel", h.CancelHandler())
	rg.GET("", h.ListHandler())
}
