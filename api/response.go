package api

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

// ErrorCode defines standard error codes for programmatic handling
type ErrorCode string

const (
	ErrCodeBadRequest      ErrorCode = "BAD_REQUEST"       // 400 - Malformed request
	ErrCodeNotFound        ErrorCode = "NOT_FOUND"         // 404 - Resource not found
	ErrCodeConflict        ErrorCode = "CONFLICT"          // 409 - Resource conflict
	ErrCodeTooManyRequests ErrorCode = "TOO_MANY_REQUESTS" // 429 - Rate limited
	ErrCodeInternal        ErrorCode = "INTERNAL_ERROR"    // 500 - Unexpected error
)

// ErrorResponse is the standard error response structure
type ErrorResponse struct {
	Error struct {
		Code    ErrorCode `json:"code"`    // Machine-readable error code
		Message string    `json:"message"` // Human-readable error message
	} `json:"error"`
}

// DataResponse wraps a single resource or object response
type DataResponse[T any] struct {
	Data T `json:"data"`
}

// ListResponse wraps a collection of resources
type ListResponse[T any] struct {
	Data []T `json:"data"`
}

// RespondData sends a successful response with a single data object
func RespondData[T any](c *gin.Context, data T) {
	c.JSON(http.StatusOK, DataResponse[T]{Data: data})
}

// RespondCreated sends a 201 Created response with the created resource
func RespondCreated[T any](c *gin.Context, data T, locationPath string) {
	if locationPath != "" {
		c.Header("Location", locationPath)
	}
	c.JSON(http.StatusCreated, DataResponse[T]{Data: data})
}

// RespondList sends a successful response with a list of items
func RespondList[T any](c *gin.Context, data []T) {
	// Ensure empty array instead of null
	if data == nil {
		data = []T{}
	}
	c.JSON(http.StatusOK, ListResponse[T]{Data: data})
}

// RespondNoContent sends a 204 No Content response
func RespondNoContent(c *gin.Context) {
	c.Status(http.StatusNoContent)
}

// respondError is the internal helper for error responses
func respondError(c *gin.Context, status int, code ErrorCode, message string) {
	resp := ErrorResponse{}
	resp.Error.Code = code
	resp.Error.Message = message
	c.JSON(status, resp)
}

// RespondBadRequest sends a 400 Bad Request error
func RespondBadRequest(c *gin.Context, message string) {
	respondError(c, http.StatusBadRequest, ErrCodeBadRequest, message)
}

// RespondNotFound sends a 404 Not Found error
func RespondNotFound(c *gin.Context, message string) {
	respondError(c, http.StatusNotFound, ErrCodeNotFound, message)
}

// RespondConflict sends a 409 Conflict error
func RespondConflict(c *gin.Context, message string) {
	respondError(c, http.StatusConflict, ErrCodeConflict, message)
}

// RespondTooManyRequests sends a 429 Too Many Requests error
func RespondTooManyRequests(c *gin.Context, message string) {
	respondError(c, http.StatusTooManyRequests, ErrCodeTooManyRequests, message)
}

// RespondInternalError sends a 500 Internal Server Error
func RespondInternalError(c *gin.Context, message string) {
	respondError(c, http.StatusInternalServerError, ErrCodeInternal, message)
}
