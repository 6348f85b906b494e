package middleware

import (
	"net/http"

	"github.com/osvaldoandrade/crowdq/pkg/auth"

	"github.com/gin-gonic/gin"
)

func RequireAdmin() gin.HandlerFunc {
	return func(c *gin.Context) {
		if !Claims(c).HasScope(auth.ScopeAdmin) {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "admin scope required"})
			return
		}
		c.Next()
	}
}
