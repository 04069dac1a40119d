// Package reputation records ratings between exchange participants and
// keeps a running mean score per rated user.
package reputation

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"
	"gorm.io/gorm"

	"github.com/ecoswap/ecoswap-api/internal/clock"
	"github.com/ecoswap/ecoswap-api/internal/types"
	"github.com/ecoswap/ecoswap-api/pkg/middleware"
	"github.com/ecoswap/ecoswap-api/pkg/response"
)

const (
	MinRating = 1
	MaxRating = 5
)

var (
	ErrExchangeNotFound = types.NewError(types.KindNotFound, "exchange not found")
	ErrNotParticipant   = types.NewError(types.KindUnauthorized, "you did not participate in this exchange")
	ErrAlreadyRated     = types.NewError(types.KindDuplicate, "you already rated this exchange")
	ErrRatingRange      = types.NewError(types.KindValidation, "rating must be between 1 and 5")
	// ErrNoReputation means the user has never been rated, which is not
	// the same as a score of zero.
	ErrNoReputation = types.NewError(types.KindNotFound, "user has no reputation yet")
)

// RatingDetail is one rating as shown in a reputation report.
type RatingDetail struct {
	ExchangeID uint      `json:"exchange_id"`
	ReviewerID uint      `json:"reviewer_id"`
	Rating     int       `json:"rating"`
	Comment    string    `json:"comment"`
	CreatedAt  time.Time `json:"created_at"`
}

// Reputation is a user's score and the ratings behind it.
type Reputation struct {
	UserID  uint           `json:"user_id"`
	Score   float64        `json:"score"`
	Count   int64          `json:"count"`
	Ratings []RatingDetail `json:"ratings"`
}

// Service handles ratings and reputation scores
type Service struct {
	db    *Database
	clock clock.Clock
}

// NewService creates a new reputation service
func NewService(gormDB *gorm.DB, clk clock.Clock) *Service {
	return &Service{
		db:    NewDatabase(gormDB),
		clock: clk,
	}
}

// Rate records reviewer's rating of the other party of an exchange. The
// rating and the score update commit together.
func (s *Service) Rate(ctx context.Context, reviewerID, exchangeID uint, rating int, comment string) (*types.Rating, error) {
	logger := log.With().
		Str("service", "reputation").
		Uint("exchange_id", exchangeID).
		Uint("reviewer_id", reviewerID).
		Logger()

	if rating < MinRating || rating > MaxRating {
		return nil, ErrRatingRange
	}

	var created *types.Rating
	err := s.db.Transaction(ctx, func(tx *Database) error {
		ex, err := tx.GetExchange(ctx, exchangeID)
		if err != nil {
			return fmt.Errorf("failed to load exchange %d: %w", exchangeID, err)
		}
		if ex == nil || ex.RequestedItem == nil || ex.OfferedItem == nil {
			return ErrExchangeNotFound
		}

		var ratedUserID uint
		switch reviewerID {
		case ex.RequestedItem.UserID:
			ratedUserID = ex.OfferedItem.UserID
		case ex.OfferedItem.UserID:
			ratedUserID = ex.RequestedItem.UserID
		default:
			return ErrNotParticipant
		}

		exists, err := tx.RatingExists(ctx, exchangeID, reviewerID)
		if err != nil {
			return fmt.Errorf("failed to check existing rating: %w", err)
		}
		if exists {
			return ErrAlreadyRated
		}

		now := s.clock.Now()
		r := &types.Rating{
			ExchangeID:  exchangeID,
			ReviewerID:  reviewerID,
			RatedUserID: ratedUserID,
			Rating:      rating,
			Comment:     strings.TrimSpace(comment),
			CreatedAt:   now,
		}
		if err := tx.CreateRating(ctx, r); err != nil {
			if errors.Is(err, gorm.ErrDuplicatedKey) {
				return ErrAlreadyRated
			}
			return fmt.Errorf("failed to save rating: %w", err)
		}

		if err := tx.AddToScore(ctx, ratedUserID, rating, now); err != nil {
			return fmt.Errorf("failed to update reputation: %w", err)
		}

		created = r
		return nil
	})
	if err != nil {
		return nil, err
	}

	logger.Info().Uint("rated_user_id", created.RatedUserID).Int("rating", rating).Msg("rating recorded")
	return created, nil
}

// GetReputation returns the score and rating history of userID, or
// ErrNoReputation if nobody has rated them.
func (s *Service) GetReputation(ctx context.Context, userID uint) (*Reputation, error) {
	score, err := s.db.GetScore(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to load reputation: %w", err)
	}
	if score == nil {
		return nil, ErrNoReputation
	}

	ratings, err := s.db.ListRatings(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to load ratings: %w", err)
	}

	rep := &Reputation{
		UserID:  userID,
		Score:   score.Score,
		Count:   score.Count,
		Ratings: make([]RatingDetail, 0, len(ratings)),
	}
	for _, r := range ratings {
		rep.Ratings = append(rep.Ratings, RatingDetail{
			ExchangeID: r.ExchangeID,
			ReviewerID: r.ReviewerID,
			Rating:     r.Rating,
			Comment:    r.Comment,
			CreatedAt:  r.CreatedAt,
		})
	}
	return rep, nil
}

// GinHandlers contains HTTP handlers for rating endpoints
type GinHandlers struct {
	service *Service
}

// NewGinHandlers creates a new set of HTTP handlers for rating endpoints
func NewGinHandlers(service *Service) *GinHandlers {
	return &GinHandlers{
		service: service,
	}
}

// RateHandler handles POST /rating/rate
func (h *GinHandlers) RateHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		var req struct {
			ExchangeID uint   `json:"exchange_id" binding:"required"`
			Rating     int    `json:"rating" binding:"required"`
			Comment    string `json:"comment" binding:"max=1000"`
		}
		if err := c.ShouldBindJSON(&req); err != nil {
			response.BadRequest(c, err.Error())
			return
		}

		rating, err := h.service.Rate(c.Request.Context(), middleware.CurrentUser(c).ID, req.ExchangeID, req.Rating, req.Comment)
		response.Handle(c, rating, err)
	}
}

// MyReputationHandler handles GET /rating/reputation
func (h *GinHandlers) MyReputationHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		rep, err := h.service.GetReputation(c.Request.Context(), middleware.CurrentUser(c).ID)
		response.Handle(c, rep, err)
	}
}

// UserReputationHandler handles GET /rating/reputation/:user_id
func (h *GinHandlers) UserReputationHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		userID, err := strconv.ParseUint(c.Param("user_id"), 10, 64)
		if err != nil || userID == 0 {
			response.BadRequest(c, "invalid user id")
			return
		}

		rep, err := h.service.GetReputation(c.Request.Context(), uint(userID))
		response.Handle(c, rep, err)
	}
}

// RegisterRoutes mounts the rating endpoints on rg.
func (h *GinHandlers) RegisterRoutes(rg *gin.RouterGroup, requireAuth gin.HandlerFunc) {
	rg.Use(requireAuth)
	rg.POST("/rate", h.RateHandler())
	rg.GET("/reputation", h.MyReputationHandler())
	rg.GET("/reputation/:user_id", h.UserReputationHandler())
}
