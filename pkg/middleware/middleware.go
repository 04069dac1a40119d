package middleware

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"

	"github.com/ecoswap/ecoswap-api/internal/auth"
	"github.com/ecoswap/ecoswap-api/internal/config"
	"github.com/ecoswap/ecoswap-api/internal/types"
	"github.com/ecoswap/ecoswap-api/pkg/response"
)

const userKey = "currentUser"

type visitor struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// RateLimiter keeps one token bucket per client and route.
type RateLimiter struct {
	mu       sync.Mutex
	visitors map[string]*visitor

	authLimit    rate.Limit
	authBurst    int
	defaultLimit rate.Limit
	defaultBurst int
}

// NewRateLimiter builds a limiter from per-minute budgets. A budget of
// zero or less disables limiting for that route group.
func NewRateLimiter(cfg config.RateLimitConfig) *RateLimiter {
	authLimit, authBurst := perMinute(cfg.AuthPerMinute)
	defaultLimit, defaultBurst := perMinute(cfg.DefaultPerMinute)
	return &RateLimiter{
		visitors:     make(map[string]*visitor),
		authLimit:    authLimit,
		authBurst:    authBurst,
		defaultLimit: defaultLimit,
		defaultBurst: defaultBurst,
	}
}

func perMinute(n float64) (rate.Limit, int) {
	if n <= 0 {
		return rate.Inf, 1
	}
	burst := int(n / 10)
	if burst < 1 {
		burst = 1
	}
	return rate.Limit(n / 60.0), burst
}

// authPaths are the unauthenticated endpoints that accept credentials or
// codes and therefore get the strict budget.
var authPaths = []string{
	"/api/v1/users/login",
	"/api/v1/users/register",
	"/api/v1/users/refresh",
	"/api/v1/users/send-code",
	"/api/v1/users/reset-password",
}

func (rl *RateLimiter) getLimiter(path, client string) *rate.Limiter {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	key := client + ":" + path
	v, exists := rl.visitors[key]
	if !exists {
		limit, burst := rl.defaultLimit, rl.defaultBurst
		for _, p := range authPaths {
			if strings.HasPrefix(path, p) {
				limit, burst = rl.authLimit, rl.authBurst
				break
			}
		}

		v = &visitor{limiter: rate.NewLimiter(limit, burst)}
		rl.visitors[key] = v
	}

	v.lastSeen = time.Now()
	return v.limiter
}

// Run evicts idle visitors every minute until ctx is done.
func (rl *RateLimiter) Run(ctx context.Context) {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			rl.evict(3 * time.Minute)
		}
	}
}

func (rl *RateLimiter) evict(idle time.Duration) {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	for key, v := range rl.visitors {
		if time.Since(v.lastSeen) > idle {
			delete(rl.visitors, key)
		}
	}
}

// Handler rejects requests over budget with 429.
func (rl *RateLimiter) Handler() gin.HandlerFunc {
	return func(c *gin.Context) {
		path := c.FullPath()
		if path == "" {
			path = c.Request.URL.Path
		}

		if !rl.getLimiter(path, c.ClientIP()).Allow() {
			response.JSONError(c, http.StatusTooManyRequests, response.ErrCodeRateLimited,
				"Rate limit exceeded. Please try again later.")
			c.Abort()
			return
		}

		c.Next()
	}
}

// UserLookup resolves the account named in a token.
type UserLookup interface {
	GetUserByEmail(ctx context.Context, email string) (*types.User, error)
}

// JWTAuth accepts "Bearer <access token>" and loads the account it names.
// The token must also be the one stored on the account so that logout
// invalidates it.
func JWTAuth(tokens *auth.Service, users UserLookup) gin.HandlerFunc {
	return func(c *gin.Context) {
		bearerToken := strings.Fields(c.GetHeader("Authorization"))
		if len(bearerToken) != 2 || !strings.EqualFold(bearerToken[0], "bearer") {
			response.Unauthorized(c, "Invalid authorization header")
			c.Abort()
			return
		}

		claims, err := tokens.VerifyAccessToken(bearerToken[1])
		if err != nil {
			message := "Invalid token"
			if errors.Is(err, auth.ErrWrongTokenType) {
				message = "Access token required"
			}
			response.Unauthorized(c, message)
			c.Abort()
			return
		}

		user, err := users.GetUserByEmail(c.Request.Context(), claims.Email)
		if err != nil {
			if types.IsKind(err, types.KindNotFound) {
				response.Unauthorized(c, "User not found")
			} else {
				response.Handle(c, nil, err)
			}
			c.Abort()
			return
		}

		if user.Token != bearerToken[1] {
			response.Unauthorized(c, "Token has been revoked")
			c.Abort()
			return
		}

		SetCurrentUser(c, user)
		c.Next()
	}
}

// SetCurrentUser attaches user to the request context.
func SetCurrentUser(c *gin.Context, user *types.User) {
	c.Set(userKey, user)
}

// CurrentUser returns the account set by JWTAuth, or nil.
func CurrentUser(c *gin.Context) *types.User {
	v, ok := c.Get(userKey)
	if !ok {
		return nil
	}
	user, _ := v.(*types.User)
	return user
}

// BodyLimit rejects request bodies larger than maxBytes with 413.
func BodyLimit(maxBytes int64) gin.HandlerFunc {
	return func(c *gin.Context) {
		if maxBytes <= 0 {
			c.Next()
			return
		}
		if c.Request.ContentLength > maxBytes {
			response.JSONError(c, http.StatusRequestEntityTooLarge, response.ErrCodeTooLarge,
				"Request body is too large")
			c.Abort()
			return
		}
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxBytes)
		c.Next()
	}
}

// AccessLog writes one zerolog line per request.
func AccessLog() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		status := c.Writer.Status()
		event := log.Info()
		switch {
		case status >= http.StatusInternalServerError:
			event = log.Error()
		case status >= http.StatusBadRequest:
			event = log.Warn()
		}

		event.
			Str("method", c.Request.Method).
			Str("path", c.Request.URL.Path).
			Int("status", status).
			Dur("latency", time.Since(start)).
			Str("client_ip", c.ClientIP()).
			Msg("request")
	}
}
