package middleware

import (
	"fmt"
	"net/http"
	"strings"

	"github.com/osvaldoandrade/crowdq/pkg/auth"

	"github.com/gin-gonic/gin"
)

const claimsKey = "operatorClaims"

// AuthMiddleware requires a bearer token accepted by validator. With
// allowAnonymous, requests without Authorization pass as an admin operator;
// it is meant for local dev runs only.
func AuthMiddleware(validator auth.Validator, allowAnonymous bool) gin.HandlerFunc {
	return func(c *gin.Context) {
		header := c.GetHeader("Authorization")
		if strings.TrimSpace(header) == "" && allowAnonymous {
			c.Set(claimsKey, &auth.Claims{Subject: "anonymous", Scopes: []string{auth.ScopeAdmin}})
			c.Next()
			return
		}
		if validator == nil {
			c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "operator auth not configured"})
			return
		}
		claims, err := validateBearer(validator, header)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": err.Error()})
			return
		}
		c.Set(claimsKey, claims)
		c.Next()
	}
}

func validateBearer(validator auth.Validator, authHeader string) (*auth.Claims, error) {
	if strings.TrimSpace(authHeader) == "" {
		return nil, fmt.Errorf("missing Authorization header")
	}
	parts := strings.SplitN(authHeader, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return nil, fmt.Errorf("invalid Authorization format")
	}
	return validator.Validate(parts[1])
}

// Claims returns the operator claims set by AuthMiddleware, or nil.
func Claims(c *gin.Context) *auth.Claims {
	v, ok := c.Get(claimsKey)
	if !ok {
		return nil
	}
	claims, _ := v.(*auth.Claims)
	return claims
}
