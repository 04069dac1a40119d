package publications

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/gin-gonic/gin"
	"gorm.io/gorm"

	"github.com/ecoswap/ecoswap-api/internal/types"
	"github.com/ecoswap/ecoswap-api/pkg/response"
)

// NameRequest is the body for creating a category or a condition.
type NameRequest struct {
	Name string `json:"name" binding:"required,max=100"`
}

// CreateCategory adds a category. Names are unique.
func (s *Service) CreateCategory(ctx context.Context, name string) (*types.Category, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, types.NewError(types.KindValidation, "name is required")
	}

	category := &types.Category{Name: name}
	if err := s.db.CreateCategory(ctx, category); err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			return nil, ErrCategoryExists
		}
		return nil, fmt.Errorf("failed to create category: %w", err)
	}
	return category, nil
}

func (s *Service) GetCategory(ctx context.Context, id uint) (*types.Category, error) {
	category, err := s.db.GetCategory(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("failed to load category %d: %w", id, err)
	}
	if category == nil {
		return nil, ErrCategoryNotFound
	}
	return category, nil
}

func (s *Service) ListCategories(ctx context.Context) ([]types.Category, error) {
	return s.db.ListCategories(ctx)
}

// CreateCondition adds an item condition. Names are unique.
func (s *Service) CreateCondition(ctx context.Context, name string) (*types.Condition, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, types.NewError(types.KindValidation, "name is required")
	}

	condition := &types.Condition{Name: name}
	if err := s.db.CreateCondition(ctx, condition); err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			return nil, ErrConditionExists
		}
		return nil, fmt.Errorf("failed to create condition: %w", err)
	}
	return condition, nil
}

func (s *Service) GetCondition(ctx context.Context, id uint) (*types.Condition, error) {
	condition, err := s.db.GetCondition(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("failed to load condition %d: %w", id, err)
	}
	if condition == nil {
		return nil, ErrConditionNotFound
	}
	return condition, nil
}

func (s *Service) ListConditions(ctx context.Context) ([]types.Condition, error) {
	return s.db.ListConditions(ctx)
}

// CreateCategoryHandler handles POST /publications/categories
func (h *GinHandlers) CreateCategoryHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		var req NameRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			response.BadRequest(c, err.Error())
			return
		}
		category, err := h.service.CreateCategory(c.Request.Context(), req.Name)
		response.Handle(c, category, err)
	}
}

// ListCategoriesHandler handles GET /publications/categories
func (h *GinHandlers) ListCategoriesHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		categories, err := h.service.ListCategories(c.Request.Context())
		response.Handle(c, categories, err)
	}
}

// GetCategoryHandler handles GET /publications/categories/:id
func (h *GinHandlers) GetCategoryHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		id, ok := pathID(c, "invalid category id")
		if !ok {
			return
		}
		category, err := h.service.GetCategory(c.Request.Context(), id)
		response.Handle(c, category, err)
	}
}

// CategoryPublicationsHandler handles GET /publications/categories/:id/publications
func (h *GinHandlers) CategoryPublicationsHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		id, ok := pathID(c, "invalid category id")
		if !ok {
			return
		}
		pubs, err := h.service.ListByCategory(c.Request.Context(), id)
		response.Handle(c, pubs, err)
	}
}

// CreateConditionHandler handles POST /publications/conditions
func (h *GinHandlers) CreateConditionHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		var req NameRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			response.BadRequest(c, err.Error())
			return
		}
		condition, err := h.service.CreateCondition(c.Request.Context(), req.Name)
		response.Handle(c, condition, err)
	}
}

func (h *GinHandlers) ListConditionsHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		conditions, err := h.service.ListConditions(c.Request.Context())
		response.Handle(c, conditions, err)
	}
}

func (h *GinHandlers) GetConditionHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		id, ok := pathID(c, "invalid condition id")
		if !ok {
			return
		}
		condition, err := h.service.GetCondition(c.Request.Context(), id)
		response.Handle(c, condition, err)
	}
}
