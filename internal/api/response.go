// Package api provides unified response building utilities for API handlers
package api

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/earthdata-download/edd/internal/storage"
	"github.com/earthdata-download/edd/internal/types"
)

// getRequestID gets the request ID from context, returns "unknown" if not set
func getRequestID(c *gin.Context) string {
	if requestID := c.GetString("requestId"); requestID != "" {
		return requestID
	}
	return "unknown"
}

// Success sends a successful API response with data
func Success[T any](c *gin.Context, data T) {
	c.JSON(http.StatusOK, types.NewSuccessResponse(data, getRequestID(c)))
}

// Created sends a 201 response with data
func Created[T any](c *gin.Context, data T) {
	c.JSON(http.StatusCreated, types.NewSuccessResponse(data, getRequestID(c)))
}

// SuccessWithMessage sends a successful API response with a message
func SuccessWithMessage(c *gin.Context, message string) {
	response := gin.H{"message": message}
	c.JSON(http.StatusOK, types.NewSuccessResponse(response, getRequestID(c)))
}

// Error sends an error API response
func Error(c *gin.Context, code types.ErrorCode, message string) {
	c.JSON(code.HTTPStatusCode(), types.NewErrorResponse(code, message, getRequestID(c)))
}

// ErrorWithDetails sends an error API response with details
func ErrorWithDetails(c *gin.Context, code types.ErrorCode, message, details string) {
	c.JSON(code.HTTPStatusCode(), types.NewErrorResponseWithDetails(code, message, details, getRequestID(c)))
}

// ValidationError sends a validation error response
func ValidationError(c *gin.Context, err error) {
	Error(c, types.ErrInvalidRequest, err.Error())
}

// NotFound sends a not found error response
func NotFound(c *gin.Context, resource string) {
	Error(c, types.ErrNotFound, resource+" not found")
}

// InternalError sends an internal server error response
func InternalError(c *gin.Context, err error) {
	ErrorWithDetails(c, types.ErrInternalError, "Internal server error", err.Error())
}

// BadRequest sends a bad request error response
func BadRequest(c *gin.Context, message string) {
	Error(c, types.ErrInvalidRequest, message)
}

// FromError picks the response for err. Storage errors map by code,
// *types.ErrorInfo is sent as is, anything else is a 500.
func FromError(c *gin.Context, err error) {
	var info *types.ErrorInfo
	switch {
	case errors.As(err, &info):
		ErrorWithDetails(c, info.Code, info.Message, info.Details)
	case errors.Is(err, storage.ErrNotFound):
		NotFound(c, "Download")
	case errors.Is(err, storage.ErrDuplicateID):
		Error(c, types.ErrConflict, err.Error())
	case errors.Is(err, storage.ErrInvalidField):
		Error(c, types.ErrInvalidRequest, err.Error())
	case errors.Is(err, storage.ErrStorageUnavailable):
		ErrorWithDetails(c, types.ErrStorageUnavailable, "Storage unavailable", err.Error())
	default:
		InternalError(c, err)
	}
}

// Paginated sends a page of results
func Paginated[T any](c *gin.Context, data []T, total int64, limit, offset int) {
	c.JSON(http.StatusOK, types.NewPaginatedResponse(data, total, limit, offset, getRequestID(c)))
}

// Accepted sends an accepted response (for async operations)
func Accepted[T any](c *gin.Context, data T) {
	c.JSON(http.StatusAccepted, types.NewSuccessResponse(data, getRequestID(c)))
}

// NoContent sends a no content response
func NoContent(c *gin.Context) {
	c.Status(http.StatusNoContent)
}
