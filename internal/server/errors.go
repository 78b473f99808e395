package server

import (
	"errors"
	"net/http"

	"github.com/aixgo-dev/genorch/internal/engine"
	"github.com/aixgo-dev/genorch/pkg/credits"
	"github.com/aixgo-dev/genorch/pkg/vectorstore"
	"github.com/gin-gonic/gin"
)

// APIError is the body of every non-2xx JSON response.
type APIError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Details string `json:"details,omitempty"`
}

const (
	ErrCodeBadRequest          = "BAD_REQUEST"
	ErrCodeNotFound            = "NOT_FOUND"
	ErrCodeConflict            = "CONFLICT"
	ErrCodeInsufficientCredits = "INSUFFICIENT_CREDITS"
	ErrCodeUnavailable         = "SERVICE_UNAVAILABLE"
	ErrCodeInternalError       = "INTERNAL_ERROR"
)

func respondError(c *gin.Context, status int, code, message string) {
	c.AbortWithStatusJSON(status, gin.H{"error": APIError{Code: code, Message: message}})
}

func respondErrorWithDetails(c *gin.Context, status int, code, message, details string) {
	c.AbortWithStatusJSON(status, gin.H{"error": APIError{Code: code, Message: message, Details: details}})
}

// respondErr maps domain errors onto status codes.
func respondErr(c *gin.Context, err error) {
	_ = c.Error(err)
	switch {
	case errors.Is(err, engine.ErrInvalidRequest), errors.Is(err, vectorstore.ErrValidation):
		respondError(c, http.StatusBadRequest, ErrCodeBadRequest, err.Error())
	case errors.Is(err, engine.ErrSessionExists):
		respondError(c, http.StatusConflict, ErrCodeConflict, err.Error())
	case errors.Is(err, credits.ErrInsufficientCredits):
		respondError(c, http.StatusPaymentRequired, ErrCodeInsufficientCredits, err.Error())
	case errors.Is(err, engine.ErrClosed), errors.Is(err, credits.ErrUnavailable), errors.Is(err, vectorstore.ErrUnavailable):
		respondError(c, http.StatusServiceUnavailable, ErrCodeUnavailable, err.Error())
	default:
		respondError(c, http.StatusInternalServerError, ErrCodeInternalError, "internal error")
	}
}
