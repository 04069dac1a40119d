package users

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"
	"gorm.io/gorm"

	"github.com/ecoswap/ecoswap-api/internal/auth"
	"github.com/ecoswap/ecoswap-api/internal/clock"
	"github.com/ecoswap/ecoswap-api/internal/notify"
	"github.com/ecoswap/ecoswap-api/internal/types"
	"github.com/ecoswap/ecoswap-api/pkg/middleware"
	"github.com/ecoswap/ecoswap-api/pkg/response"
)

// ResetCodeTTL is how long a password reset code stays valid.
const ResetCodeTTL = 15 * time.Minute

var (
	ErrUserNotFound       = types.NewError(types.KindNotFound, "user not found")
	ErrEmailTaken         = types.NewError(types.KindDuplicate, "a user with this email already exists")
	ErrPhoneTaken         = types.NewError(types.KindDuplicate, "a user with this phone number already exists")
	ErrInvalidCredentials = types.NewError(types.KindUnauthenticated, "invalid email or password")
	ErrInvalidRefresh     = types.NewError(types.KindUnauthenticated, "invalid refresh token")
	ErrInvalidResetCode   = types.NewError(types.KindValidation, "invalid verification code")
	ErrResetCodeExpired   = types.NewError(types.KindExpired, "verification code has expired")
)

// RegisterRequest is the body of POST /users/register.
type RegisterRequest struct {
	Name     string `json:"name" binding:"required,max=100"`
	Email    string `json:"email" binding:"required,email"`
	Phone    string `json:"phone" binding:"required,max=20"`
	Password string `json:"password" binding:"required"`
	Address  string `json:"address" binding:"max=100"`
}

// UpdateProfileRequest only touches fields that are present.
type UpdateProfileRequest struct {
	Name    *string `json:"name" binding:"omitempty,max=100"`
	Phone   *string `json:"phone" binding:"omitempty,max=20"`
	Address *string `json:"address" binding:"omitempty,max=100"`
}

// Session is returned by login and refresh.
type Session struct {
	User *types.User `json:"user"`
	*auth.TokenPair
}

// PublicProfile is a user together with their publications.
type PublicProfile struct {
	User         *types.User         `json:"user"`
	Publications []types.Publication `json:"publications"`
}

// Service handles accounts, sessions and password resets
type Service struct {
	db       *Database
	tokens   *auth.Service
	notifier notify.Notifier
	clock    clock.Clock
}

// NewService creates a new user service
func NewService(gormDB *gorm.DB, tokens *auth.Service, notifier notify.Notifier, clk clock.Clock) *Service {
	return &Service{
		db:       NewDatabase(gormDB),
		tokens:   tokens,
		notifier: notifier,
		clock:    clk,
	}
}

// Register creates an account after checking the password policy and
// that email and phone are unused.
func (s *Service) Register(ctx context.Context, req RegisterRequest) (*types.User, error) {
	email := normalizeEmail(req.Email)
	if strings.TrimSpace(req.Name) == "" || strings.TrimSpace(req.Phone) == "" {
		return nil, types.NewError(types.KindValidation, "name and phone are required")
	}
	if err := auth.ValidatePassword(req.Password); err != nil {
		return nil, &types.Error{Kind: types.KindValidation, Message: err.Error()}
	}

	taken, err := s.db.EmailTaken(ctx, email)
	if err != nil {
		return nil, fmt.Errorf("failed to check email: %w", err)
	}
	if taken {
		return nil, ErrEmailTaken
	}
	taken, err = s.db.PhoneTaken(ctx, req.Phone, 0)
	if err != nil {
		return nil, fmt.Errorf("failed to check phone: %w", err)
	}
	if taken {
		return nil, ErrPhoneTaken
	}

	hash, err := auth.HashPassword(req.Password)
	if err != nil {
		return nil, err
	}

	user := &types.User{
		Name:     strings.TrimSpace(req.Name),
		Email:    email,
		Phone:    strings.TrimSpace(req.Phone),
		Address:  strings.TrimSpace(req.Address),
		Password: hash,
	}
	if err := s.db.CreateUser(ctx, user); err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			return nil, ErrEmailTaken
		}
		return nil, fmt.Errorf("failed to create user: %w", err)
	}

	log.Info().Str("service", "users").Uint("user_id", user.ID).Msg("user registered")
	return user, nil
}

// Login checks credentials and starts a new session, replacing any
// previous one.
func (s *Service) Login(ctx context.Context, email, password string) (*Session, error) {
	user, err := s.db.GetUserByEmail(ctx, normalizeEmail(email))
	if err != nil {
		return nil, fmt.Errorf("failed to load user: %w", err)
	}
	if user == nil || !auth.CheckPassword(user.Password, password) {
		return nil, ErrInvalidCredentials
	}
	return s.startSession(ctx, user)
}

// Refresh exchanges the current refresh token for a new pair.
func (s *Service) Refresh(ctx context.Context, refreshToken string) (*Session, error) {
	claims, err := s.tokens.VerifyRefreshToken(refreshToken)
	if err != nil {
		return nil, ErrInvalidRefresh
	}

	user, err := s.db.GetUserByEmail(ctx, claims.Email)
	if err != nil {
		return nil, fmt.Errorf("failed to load user: %w", err)
	}
	if user == nil || user.RefreshToken != refreshToken {
		return nil, ErrInvalidRefresh
	}
	return s.startSession(ctx, user)
}

func (s *Service) startSession(ctx context.Context, user *types.User) (*Session, error) {
	pair, err := s.tokens.GenerateTokens(user.Email)
	if err != nil {
		return nil, err
	}

	if err := s.db.SetTokens(ctx, user.ID, pair.AccessToken, pair.RefreshToken,
		&pair.AccessExpiresAt, &pair.RefreshExpiresAt); err != nil {
		return nil, fmt.Errorf("failed to store session: %w", err)
	}
	user.Token = pair.AccessToken
	user.RefreshToken = pair.RefreshToken

	return &Session{User: user, TokenPair: pair}, nil
}

// Logout clears the stored session so its tokens stop working.
func (s *Service) Logout(ctx context.Context, user *types.User) error {
	if err := s.db.SetTokens(ctx, user.ID, "", "", nil, nil); err != nil {
		return fmt.Errorf("failed to clear session: %w", err)
	}
	return nil
}

// GetUserByEmail satisfies middleware.UserLookup.
func (s *Service) GetUserByEmail(ctx context.Context, email string) (*types.User, error) {
	user, err := s.db.GetUserByEmail(ctx, normalizeEmail(email))
	if err != nil {
		return nil, fmt.Errorf("failed to load user: %w", err)
	}
	if user == nil {
		return nil, ErrUserNotFound
	}
	return user, nil
}

// UpdateProfile changes name, phone or address.
func (s *Service) UpdateProfile(ctx context.Context, user *types.User, req UpdateProfileRequest) (*types.User, error) {
	fields := map[string]interface{}{}
	if req.Name != nil {
		name := strings.TrimSpace(*req.Name)
		if name == "" {
			return nil, types.NewError(types.KindValidation, "name cannot be empty")
		}
		fields["name"] = name
	}
	if req.Phone != nil {
		phone := strings.TrimSpace(*req.Phone)
		if phone == "" {
			return nil, types.NewError(types.KindValidation, "phone cannot be empty")
		}
		taken, err := s.db.PhoneTaken(ctx, phone, user.ID)
		if err != nil {
			return nil, fmt.Errorf("failed to check phone: %w", err)
		}
		if taken {
			return nil, ErrPhoneTaken
		}
		fields["phone"] = phone
	}
	if req.Address != nil {
		fields["address"] = strings.TrimSpace(*req.Address)
	}

	if len(fields) > 0 {
		if err := s.db.UpdateFields(ctx, user.ID, fields); err != nil {
			return nil, fmt.Errorf("failed to update profile: %w", err)
		}
	}
	return s.GetUserByEmail(ctx, user.Email)
}

// PublicProfile returns the user with that email and their publications.
func (s *Service) PublicProfile(ctx context.Context, email string) (*PublicProfile, error) {
	user, err := s.GetUserByEmail(ctx, email)
	if err != nil {
		return nil, err
	}

	pubs, err := s.db.ListPublications(ctx, user.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to list publications: %w", err)
	}
	return &PublicProfile{User: user, Publications: pubs}, nil
}

// SendResetCode stores a fresh six-digit code on the account and mails it.
// Delivery is best effort.
func (s *Service) SendResetCode(ctx context.Context, email string) error {
	user, err := s.GetUserByEmail(ctx, email)
	if err != nil {
		return err
	}

	code, err := generateResetCode()
	if err != nil {
		return err
	}
	expires := s.clock.Now().Add(ResetCodeTTL)

	if err := s.db.UpdateFields(ctx, user.ID, map[string]interface{}{
		"reset_code":         code,
		"reset_code_expires": expires,
		"reset_code_used":    false,
	}); err != nil {
		return fmt.Errorf("failed to store reset code: %w", err)
	}

	n := notify.Notification{
		Kind:      notify.KindResetCode,
		Recipient: user.Email,
		Payload: map[string]string{
			notify.KeyUserName:  user.Name,
			notify.KeyResetCode: code,
		},
	}
	if err := s.notifier.Notify(ctx, n); err != nil {
		log.Warn().Err(err).Str("service", "users").Uint("user_id", user.ID).Msg("failed to send reset code")
	}
	return nil
}

// ResetPassword sets a new password if code is the current, unused and
// unexpired reset code. Existing sessions are ended.
func (s *Service) ResetPassword(ctx context.Context, email, code, newPassword string) error {
	user, err := s.GetUserByEmail(ctx, email)
	if err != nil {
		return err
	}

	if user.ResetCode == "" || user.ResetCodeUsed || user.ResetCode != code {
		return ErrInvalidResetCode
	}
	if user.ResetCodeExpires == nil || s.clock.Now().After(*user.ResetCodeExpires) {
		return ErrResetCodeExpired
	}
	if err := auth.ValidatePassword(newPassword); err != nil {
		return &types.Error{Kind: types.KindValidation, Message: err.Error()}
	}

	hash, err := auth.HashPassword(newPassword)
	if err != nil {
		return err
	}

	if err := s.db.UpdateFields(ctx, user.ID, map[string]interface{}{
		"password":              hash,
		"reset_code_used":       true,
		"token":                 "",
		"refresh_token":         "",
		"token_expires":         nil,
		"refresh_token_expires": nil,
	}); err != nil {
		return fmt.Errorf("failed to reset password: %w", err)
	}

	log.Info().Str("service", "users").Uint("user_id", user.ID).Msg("password reset")
	return nil
}

func generateResetCode() (string, error) {
	n, err := rand.Int(rand.Reader, big.NewInt(1_000_000))
	if err != nil {
		return "", fmt.Errorf("failed to generate reset code: %w", err)
	}
	return fmt.Sprintf("%06d", n.Int64()), nil
}

func normalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

// GinHandlers contains HTTP handlers for user endpoints
type GinHandlers struct {
	service *Service
}

// NewGinHandlers creates a new set of HTTP handlers for user endpoints
func NewGinHandlers(service *Service) *GinHandlers {
	return &GinHandlers{
		service: service,
	}
}

// RegisterHandler handles POST /users/register
func (h *GinHandlers) RegisterHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		var req RegisterRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			response.BadRequest(c, err.Error())
			return
		}

		user, err := h.service.Register(c.Request.Context(), req)
		response.Handle(c, user, err)
	}
}

// LoginHandler handles POST /users/login
func (h *GinHandlers) LoginHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		var req struct {
			Email    string `json:"email" binding:"required"`
			Password string `json:"password" binding:"required"`
		}
		if err := c.ShouldBindJSON(&req); err != nil {
			response.BadRequest(c, err.Error())
			return
		}

		session, err := h.service.Login(c.Request.Context(), req.Email, req.Password)
		if err != nil {
			response.Handle(c, nil, err)
			return
		}
		response.OK(c, session)
	}
}

// RefreshHandler handles POST /users/refresh
func (h *GinHandlers) RefreshHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		var req struct {
			RefreshToken string `json:"refresh_token" binding:"required"`
		}
		if err := c.ShouldBindJSON(&req); err != nil {
			response.BadRequest(c, err.Error())
			return
		}

		session, err := h.service.Refresh(c.Request.Context(), req.RefreshToken)
		if err != nil {
			response.Handle(c, nil, err)
			return
		}
		response.OK(c, session)
	}
}

// LogoutHandler handles POST /users/logout. Requires JWT.
func (h *GinHandlers) LogoutHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		if err := h.service.Logout(c.Request.Context(), middleware.CurrentUser(c)); err != nil {
			response.Handle(c, nil, err)
			return
		}
		response.OK(c, gin.H{"message": "logged out"})
	}
}

// ProfileHandler handles GET /users/profile. Requires JWT.
func (h *GinHandlers) ProfileHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		response.Success(c, middleware.CurrentUser(c))
	}
}

// UpdateProfileHandler handles PUT /users/profile. Requires JWT.
func (h *GinHandlers) UpdateProfileHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		var req UpdateProfileRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			response.BadRequest(c, err.Error())
			return
		}

		user, err := h.service.UpdateProfile(c.Request.Context(), middleware.CurrentUser(c), req)
		response.Handle(c, user, err)
	}
}

// ByEmailHandler handles GET /users/by-email?email=. Requires JWT.
func (h *GinHandlers) ByEmailHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		email := c.Query("email")
		if email == "" {
			response.BadRequest(c, "email query parameter is required")
			return
		}

		profile, err := h.service.PublicProfile(c.Request.Context(), email)
		response.Handle(c, profile, err)
	}
}

// SendCodeHandler handles POST /users/send-code
func (h *GinHandlers) SendCodeHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		var req struct {
			Email string `json:"email" binding:"required,email"`
		}
		if err := c.ShouldBindJSON(&req); err != nil {
			response.BadRequest(c, err.Error())
			return
		}

		if err := h.service.SendResetCode(c.Request.Context(), req.Email); err != nil {
			response.Handle(c, nil, err)
			return
		}
		response.OK(c, gin.H{"message": "verification code sent"})
	}
}

// ResetPasswordHandler handles POST /users/reset-password
func (h *GinHandlers) ResetPasswordHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		var req struct {
			Email       string `json:"email" binding:"required,email"`
			Code        string `json:"code" binding:"required,len=6"`
			NewPassword string `json:"new_password" binding:"required"`
		}
		if err := c.ShouldBindJSON(&req); err != nil {
			response.BadRequest(c, err.Error())
			return
		}

		if err := h.service.ResetPassword(c.Request.Context(), req.Email, req.Code, req.NewPassword); err != nil {
			response.Handle(c, nil, err)
			return
		}
		response.OK(c, gin.H{"message": "password updated"})
	}
}

// RegisterRoutes mounts the user endpoints on rg. requireAuth guards the
// session-bound routes.
func (h *GinHandlers) RegisterRoutes(rg *gin.RouterGroup, requireAuth gin.HandlerFunc) {
	rg.POST("/register", h.RegisterHandler())
	rg.POST("/login", h.LoginHandler())
	rg.POST("/refresh", h.RefreshHandler())
	rg.POST("/send-code", h.SendCodeHandler())
	rg.POST("/reset-password", h.ResetPasswordHandler())

	rg.POST("/logout", requireAuth, h.LogoutHandler())
	rg.GET("/profile", requireAuth, h.ProfileHandler())
	rg.PUT("/profile", requireAuth, h.UpdateProfileHandler())
	rg.GET("/by-email", requireAuth, h.ByEmailHandler())
}
