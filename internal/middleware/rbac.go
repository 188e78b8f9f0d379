package middleware

import (
	"github.com/gin-gonic/gin"

	"github.com/noah-isme/sma-points-api/internal/models"
	appErrors "github.com/noah-isme/sma-points-api/pkg/errors"
	"github.com/noah-isme/sma-points-api/pkg/response"
)

// RequireRoles lets the request through only when the authenticated user
// holds one of the listed roles. Runs after JWT so claims are present.
func RequireRoles(roles ...models.UserRole) gin.HandlerFunc {
	allowed := make(map[models.UserRole]struct{}, len(roles))
	for _, r := range roles {
		allowed[r] = struct{}{}
	}

	return func(c *gin.Context) {
		claimsValue, exists := c.Get(ContextUserKey)
		if !exists {
			response.Error(c, appErrors.ErrUnauthorized)
			c.Abort()
			return
		}
		claims := claimsValue.(*models.JWTClaims)

		if _, ok := allowed[claims.Role]; !ok {
			response.Error(c, appErrors.ErrForbidden)
			c.Abort()
			return
		}
		c.Next()
	}
}
