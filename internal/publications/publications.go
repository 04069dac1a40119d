package publications

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"
	"gorm.io/gorm"

	"github.com/ecoswap/ecoswap-api/internal/types"
	"github.com/ecoswap/ecoswap-api/pkg/middleware"
	"github.com/ecoswap/ecoswap-api/pkg/response"
)

var (
	ErrPublicationNotFound = types.NewError(types.KindNotFound, "publication not found")
	ErrNotOwner            = types.NewError(types.KindUnauthorized, "you can only modify your own publications")
	ErrPublicationInUse    = types.NewError(types.KindInUse, "publication is part of an exchange and cannot be deleted")
	ErrAlreadyFavorite     = types.NewError(types.KindDuplicate, "publication is already in your favorites")
	ErrFavoriteNotFound    = types.NewError(types.KindNotFound, "publication is not in your favorites")
	ErrCategoryNotFound    = types.NewError(types.KindNotFound, "category not found")
	ErrConditionNotFound   = types.NewError(types.KindNotFound, "condition not found")
	ErrCategoryExists      = types.NewError(types.KindDuplicate, "category already exists")
	ErrConditionExists     = types.NewError(types.KindDuplicate, "condition already exists")
)

// CreateRequest is the body of POST /publications.
type CreateRequest struct {
	Title       string `json:"title" binding:"required,max=200"`
	Description string `json:"description"`
	Location    string `json:"location" binding:"max=200"`
	CategoryID  *uint  `json:"category_id"`
	ConditionID *uint  `json:"condition_id"`
}

// UpdateRequest changes only the fields present.
type UpdateRequest struct {
	Title       *string `json:"title" binding:"omitempty,max=200"`
	Description *string `json:"description"`
	Location    *string `json:"location" binding:"omitempty,max=200"`
	CategoryID  *uint   `json:"category_id"`
	ConditionID *uint   `json:"condition_id"`
}

// ListFilter narrows List. Zero values match everything.
type ListFilter struct {
	UserID      uint
	CategoryID  uint
	ConditionID uint
}

// Service manages item listings and favorites
type Service struct {
	db *Database
}

// NewService creates a new publication service
func NewService(gormDB *gorm.DB) *Service {
	return &Service{
		db: NewDatabase(gormDB),
	}
}

// Create publishes an item owned by owner.
func (s *Service) Create(ctx context.Context, owner *types.User, req CreateRequest) (*types.Publication, error) {
	title := strings.TrimSpace(req.Title)
	if title == "" {
		return nil, types.NewError(types.KindValidation, "title is required")
	}

	if err := s.checkRefs(ctx, req.CategoryID, req.ConditionID); err != nil {
		return nil, err
	}

	pub := &types.Publication{
		UserID:      owner.ID,
		CategoryID:  req.CategoryID,
		ConditionID: req.ConditionID,
		Title:       title,
		Description: strings.TrimSpace(req.Description),
		Location:    strings.TrimSpace(req.Location),
	}
	if err := s.db.Create(ctx, pub); err != nil {
		return nil, fmt.Errorf("failed to create publication: %w", err)
	}
	created, err := s.GetPublication(ctx, pub.ID)
	if err != nil {
		return nil, err
	}
	pub = created

	log.Info().
		Str("service", "publications").
		Uint("publication_id", pub.ID).
		Uint("user_id", owner.ID).
		Msg("publication created")
	return pub, nil
}

// GetPublication loads a publication with its owner.
func (s *Service) GetPublication(ctx context.Context, id uint) (*types.Publication, error) {
	pub, err := s.db.Get(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("failed to load publication %d: %w", id, err)
	}
	if pub == nil {
		return nil, ErrPublicationNotFound
	}
	return pub, nil
}

// List returns publications matching filter, newest first.
func (s *Service) List(ctx context.Context, filter ListFilter) ([]types.Publication, error) {
	return s.db.List(ctx, filter)
}

// ListByOwner returns the publications of one user.
func (s *Service) ListByOwner(ctx context.Context, owner *types.User) ([]types.Publication, error) {
	return s.db.List(ctx, ListFilter{UserID: owner.ID})
}

// ListByCategory returns the publications in an existing category.
func (s *Service) ListByCategory(ctx context.Context, categoryID uint) ([]types.Publication, error) {
	if _, err := s.GetCategory(ctx, categoryID); err != nil {
		return nil, err
	}
	return s.db.List(ctx, ListFilter{CategoryID: categoryID})
}

// checkRefs verifies that the category and condition ids, when given,
// exist.
func (s *Service) checkRefs(ctx context.Context, categoryID, conditionID *uint) error {
	if categoryID != nil {
		if _, err := s.GetCategory(ctx, *categoryID); err != nil {
			return err
		}
	}
	if conditionID != nil {
		if _, err := s.GetCondition(ctx, *conditionID); err != nil {
			return err
		}
	}
	return nil
}

// Update edits a publication the caller owns.
func (s *Service) Update(ctx context.Context, owner *types.User, id uint, req UpdateRequest) (*types.Publication, error) {
	pub, err := s.GetPublication(ctx, id)
	if err != nil {
		return nil, err
	}
	if pub.UserID != owner.ID {
		return nil, ErrNotOwner
	}

	fields := map[string]interface{}{}
	if req.Title != nil {
		title := strings.TrimSpace(*req.Title)
		if title == "" {
			return nil, types.NewError(types.KindValidation, "title cannot be empty")
		}
		fields["title"] = title
	}
	if req.Description != nil {
		fields["description"] = strings.TrimSpace(*req.Description)
	}
	if req.Location != nil {
		fields["location"] = strings.TrimSpace(*req.Location)
	}
	if err := s.checkRefs(ctx, req.CategoryID, req.ConditionID); err != nil {
		return nil, err
	}
	if req.CategoryID != nil {
		fields["category_id"] = *req.CategoryID
	}
	if req.ConditionID != nil {
		fields["condition_id"] = *req.ConditionID
	}
	if len(fields) == 0 {
		return pub, nil
	}

	if err := s.db.Update(ctx, id, fields); err != nil {
		return nil, fmt.Errorf("failed to update publication %d: %w", id, err)
	}
	return s.GetPublication(ctx, id)
}

// Delete removes a publication the caller owns. Publications referenced
// by an exchange are kept.
func (s *Service) Delete(ctx context.Context, owner *types.User, id uint) error {
	pub, err := s.GetPublication(ctx, id)
	if err != nil {
		return err
	}
	if pub.UserID != owner.ID {
		return ErrNotOwner
	}

	inUse, err := s.db.Delete(ctx, id)
	if err != nil {
		return fmt.Errorf("failed to delete publication %d: %w", id, err)
	}
	if inUse {
		return ErrPublicationInUse
	}
	return nil
}

// AddFavorite marks a publication as a favorite of user.
func (s *Service) AddFavorite(ctx context.Context, user *types.User, publicationID uint) (*types.FavoritePublication, error) {
	pub, err := s.GetPublication(ctx, publicationID)
	if err != nil {
		return nil, err
	}

	exists, err := s.db.FavoriteExists(ctx, user.ID, publicationID)
	if err != nil {
		return nil, fmt.Errorf("failed to check favorite: %w", err)
	}
	if exists {
		return nil, ErrAlreadyFavorite
	}

	fav := &types.FavoritePublication{UserID: user.ID, PublicationID: publicationID}
	if err := s.db.AddFavorite(ctx, fav); err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			return nil, ErrAlreadyFavorite
		}
		return nil, fmt.Errorf("failed to add favorite: %w", err)
	}
	fav.Publication = pub
	return fav, nil
}

// RemoveFavorite unmarks a favorite.
func (s *Service) RemoveFavorite(ctx context.Context, user *types.User, publicationID uint) error {
	removed, err := s.db.RemoveFavorite(ctx, user.ID, publicationID)
	if err != nil {
		return fmt.Errorf("failed to remove favorite: %w", err)
	}
	if !removed {
		return ErrFavoriteNotFound
	}
	return nil
}

// ListFavorites returns the favorites of user with their publications.
func (s *Service) ListFavorites(ctx context.Context, user *types.User) ([]types.FavoritePublication, error) {
	return s.db.ListFavorites(ctx, user.ID)
}

// GinHandlers contains HTTP handlers for publication endpoints
type GinHandlers struct {
	service *Service
}

// NewGinHandlers creates a new set of HTTP handlers for publication endpoints
func NewGinHandlers(service *Service) *GinHandlers {
	return &GinHandlers{
		service: service,
	}
}

func publicationID(c *gin.Context) (uint, bool) {
	return pathID(c, "invalid publication id")
}

func pathID(c *gin.Context, msg string) (uint, bool) {
	id, err := strconv.ParseUint(c.Param("id"), 10, 64)
	if err != nil || id == 0 {
		response.BadRequest(c, msg)
		return 0, false
	}
	return uint(id), true
}

// CreateHandler handles POST /publications
func (h *GinHandlers) CreateHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		var req CreateRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			response.BadRequest(c, err.Error())
			return
		}

		pub, err := h.service.Create(c.Request.Context(), middleware.CurrentUser(c), req)
		response.Handle(c, pub, err)
	}
}

// ListHandler handles GET /publications?category_id=&condition_id=
func (h *GinHandlers) ListHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		var filter ListFilter
		for param, dst := range map[string]*uint{
			"category_id":  &filter.CategoryID,
			"condition_id": &filter.ConditionID,
		} {
			v := c.Query(param)
			if v == "" {
				continue
			}
			n, err := strconv.ParseUint(v, 10, 64)
			if err != nil {
				response.BadRequest(c, "invalid "+param)
				return
			}
			*dst = uint(n)
		}

		pubs, err := h.service.List(c.Request.Context(), filter)
		response.Handle(c, pubs, err)
	}
}

// MineHandler handles GET /publications/mine
func (h *GinHandlers) MineHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		pubs, err := h.service.ListByOwner(c.Request.Context(), middleware.CurrentUser(c))
		response.Handle(c, pubs, err)
	}
}

// GetHandler handles GET /publications/:id
func (h *GinHandlers) GetHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		id, ok := publicationID(c)
		if !ok {
			return
		}
		pub, err := h.service.GetPublication(c.Request.Context(), id)
		response.Handle(c, pub, err)
	}
}

// UpdateHandler handles PUT /publications/:id
func (h *GinHandlers) UpdateHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		id, ok := publicationID(c)
		if !ok {
			return
		}
		var req UpdateRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			response.BadRequest(c, err.Error())
			return
		}

		pub, err := h.service.Update(c.Request.Context(), middleware.CurrentUser(c), id, req)
		response.Handle(c, pub, err)
	}
}

// DeleteHandler handles DELETE /publications/:id
func (h *GinHandlers) DeleteHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		id, ok := publicationID(c)
		if !ok {
			return
		}
		if err := h.service.Delete(c.Request.Context(), middleware.CurrentUser(c), id); err != nil {
			response.Handle(c, nil, err)
			return
		}
		response.OK(c, gin.H{"message": "publication deleted"})
	}
}

// AddFavoriteHandler handles POST /publications/:id/favorite
func (h *GinHandlers) AddFavoriteHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		id, ok := publicationID(c)
		if !ok {
			return
		}
		fav, err := h.service.AddFavorite(c.Request.Context(), middleware.CurrentUser(c), id)
		response.Handle(c, fav, err)
	}
}

// RemoveFavoriteHandler handles DELETE /publications/:id/favorite
func (h *GinHandlers) RemoveFavoriteHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		id, ok := publicationID(c)
		if !ok {
			return
		}
		if err := h.service.RemoveFavorite(c.Request.Context(), middleware.CurrentUser(c), id); err != nil {
			response.Handle(c, nil, err)
			return
		}
		response.OK(c, gin.H{"message": "favorite removed"})
	}
}

// FavoritesHandler handles GET /publications/favorites
func (h *GinHandlers) FavoritesHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		favs, err := h.service.ListFavorites(c.Request.Context(), middleware.CurrentUser(c))
		response.Handle(c, favs, err)
	}
}

// RegisterRoutes mounts the publication, category and condition endpoints
// on rg. Listing and reading are public.
func (h *GinHandlers) RegisterRoutes(rg *gin.RouterGroup, requireAuth gin.HandlerFunc) {
	rg.GET("", h.ListHandler())
	rg.GET("/:id", h.GetHandler())

	rg.POST("", requireAuth, h.CreateHandler())
	rg.GET("/categories", h.ListCategoriesHandler())
	rg.GET("/categories/:id", h.GetCategoryHandler())
	rg.GET("/categories/:id/publications", h.CategoryPublicationsHandler())
	rg.GET("/conditions", h.ListConditionsHandler())
	rg.GET("/conditions/:id", h.GetConditionHandler())

	rg.POST("/categories", requireAuth, h.CreateCategoryHandler())
	rg.POST("/conditions", requireAuth, h.CreateConditionHandler())
	rg.GET("/mine", requireAuth, h.MineHandler())
	rg.GET("/favorites", requireAuth, h.FavoritesHandler())
	rg.PUT("/:id", requireAuth, h.UpdateHandler())
	rg.DELETE("/:id", requireAuth, h.DeleteHandler())
	rg.POST("/:id/favorite", requireAuth, h.AddFavoriteHandler())
	rg.DELETE("/:id/favorite", requireAuth, h.RemoveFavoriteHandler())
}
