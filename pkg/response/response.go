package response

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"
	"gorm.io/gorm"

	"github.com/ecoswap/ecoswap-api/internal/types"
)

// Response represents a standardized API response
type Response struct {
	Success bool        `json:"success"`
	Data    interface{} `json:"data,omitempty"`
	Error   *Error      `json:"error,omitempty"`
}

// Error represents an error response
type Error struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Common error codes
const (
	ErrCodeNotFound          = "NOT_FOUND"
	ErrCodeBadRequest        = "BAD_REQUEST"
	ErrCodeUnauthorized      = "UNAUTHORIZED"
	ErrCodeForbidden         = "FORBIDDEN"
	ErrCodeInternalError     = "INTERNAL_ERROR"
	ErrCodeValidationFailed  = "VALIDATION_FAILED"
	ErrCodeDuplicateResource = "DUPLICATE_RESOURCE"
	ErrCodeConflict          = "CONFLICT"
	ErrCodeInvalidState      = "INVALID_STATE"
	ErrCodeExpired           = "EXPIRED"
	ErrCodeInUse             = "RESOURCE_IN_USE"
	ErrCodeTooLarge          = "PAYLOAD_TOO_LARGE"
	ErrCodeRateLimited       = "RATE_LIMITED"
)

// kindStatus maps tagged domain errors to HTTP status and error code.
var kindStatus = map[types.ErrorKind]struct {
	status int
	code   string
}{
	types.KindNotFound:          {http.StatusNotFound, ErrCodeNotFound},
	types.KindValidation:        {http.StatusBadRequest, ErrCodeValidationFailed},
	types.KindInvalidState:      {http.StatusBadRequest, ErrCodeInvalidState},
	types.KindInvalidTransition: {http.StatusBadRequest, ErrCodeInvalidState},
	types.KindExpired:           {http.StatusBadRequest, ErrCodeExpired},
	types.KindUnauthenticated:   {http.StatusUnauthorized, ErrCodeUnauthorized},
	types.KindUnauthorized:      {http.StatusForbidden, ErrCodeForbidden},
	types.KindDuplicate:         {http.StatusConflict, ErrCodeDuplicateResource},
	types.KindConflict:          {http.StatusConflict, ErrCodeConflict},
	types.KindInUse:             {http.StatusConflict, ErrCodeInUse},
}

// Handle processes the error and returns appropriate response
func Handle(c *gin.Context, data interface{}, err error) {
	if err == nil {
		Success(c, data)
		return
	}

	if e, ok := types.AsError(err); ok {
		if m, known := kindStatus[e.Kind]; known {
			JSONError(c, m.status, m.code, e.Message)
			return
		}
	}

	switch {
	case errors.Is(err, gorm.ErrRecordNotFound):
		NotFound(c, "Resource not found")
	case errors.Is(err, gorm.ErrDuplicatedKey):
		Conflict(c, "Resource already exists")
	default:
		handleError(c, err)
	}
}

// Success sends a successful response
func Success(c *gin.Context, data interface{}) {
	status := http.StatusOK
	if c.Request.Method == http.MethodPost {
		status = http.StatusCreated
	}

	c.JSON(status, Response{
		Success: true,
		Data:    data,
	})
}

// OK sends a 200 response regardless of method. Used by POST actions that
// do not create a resource.
func OK(c *gin.Context, data interface{}) {
	c.JSON(http.StatusOK, Response{
		Success: true,
		Data:    data,
	})
}

// JSONError sends an error envelope with an explicit status and code.
func JSONError(c *gin.Context, status int, code, message string) {
	c.JSON(status, Response{
		Success: false,
		Error: &Error{
			Code:    code,
			Message: message,
		},
	})
}

// NotFound sends a 404 response
func NotFound(c *gin.Context, message string) {
	c.JSON(http.StatusNotFound, Response{
		Success: false,
		Error: &Error{
			Code:    ErrCodeNotFound,
			Message: message,
		},
	})
}

// BadRequest sends a 400 response
func BadRequest(c *gin.Context, message string) {
	c.JSON(http.StatusBadRequest, Response{
		Success: false,
		Error: &Error{
			Code:    ErrCodeBadRequest,
			Message: message,
		},
	})
}

// Unauthorized sends a 401 response
func Unauthorized(c *gin.Context, message string) {
	c.JSON(http.StatusUnauthorized, Response{
		Success: false,
		Error: &Error{
			Code:    ErrCodeUnauthorized,
			Message: message,
		},
	})
}

// Forbidden sends a 403 response
func Forbidden(c *gin.Context, message string) {
	c.JSON(http.StatusForbidden, Response{
		Success: false,
		Error: &Error{
			Code:    ErrCodeForbidden,
			Message: message,
		},
	})
}

// InternalError sends a 500 response
func InternalError(c *gin.Context, message string) {
	c.JSON(http.StatusInternalServerError, Response{
		Success: false,
		Error: &Error{
			Code:    ErrCodeInternalError,
			Message: message,
		},
	})
}

// Conflict sends a 409 response
func Conflict(c *gin.Context, message string) {
	c.JSON(http.StatusConflict, Response{
		Success: false,
		Error: &Error{
			Code:    ErrCodeDuplicateResource,
			Message: message,
		},
	})
}

// handleError logs unexpected failures and hides their detail from the
// client.
func handleError(c *gin.Context, err error) {
	log.Error().
		Err(err).
		Str("method", c.Request.Method).
		Str("path", c.Request.URL.Path).
		Msg("request failed")

	InternalError(c, "An unexpected error occurred")
} 