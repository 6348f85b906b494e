package controllers

import (
	"errors"
	"net/http"

	"github.com/osvaldoandrade/crowdq/internal/backoff"
	"github.com/osvaldoandrade/crowdq/pkg/marketplace"

	"github.com/gin-gonic/gin"
)

// backendStatus maps an error returned through the task backend client to an HTTP status.
func backendStatus(err error) int {
	switch {
	case errors.Is(err, marketplace.ErrInvalid):
		return http.StatusBadRequest
	case errors.Is(err, marketplace.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, marketplace.ErrAlreadyExists):
		return http.StatusConflict
	case errors.Is(err, backoff.ErrTimedOut):
		return http.StatusGatewayTimeout
	default:
		return http.StatusBadGateway
	}
}

func abortWith(c *gin.Context, status int, err error) {
	c.AbortWithStatusJSON(status, gin.H{"error": err.Error()})
}
