package middleware

import (
	"github.com/gin-gonic/gin"

	"github.com/taskroom/taskroom-api/internal/models"
	appErrors "github.com/taskroom/taskroom-api/pkg/errors"
	"github.com/taskroom/taskroom-api/pkg/response"
)

// RequireRoles admits the request when the caller holds at least one of the
// given roles. The role set travels inside the token, so no lookup happens
// here.
func RequireRoles(roles ...models.Role) gin.HandlerFunc {
	return func(c *gin.Context) {
		claimsValue, exists := c.Get(ContextUserKey)
		if !exists {
			response.Error(c, appErrors.ErrUnauthorized)
			c.Abort()
			return
		}
		claims := claimsValue.(*models.JWTClaims)

		for _, role := range roles {
			if claims.Roles.Has(role) {
				c.Next()
				return
			}
		}

		response.Error(c, appErrors.ErrForbidden)
		c.Abort()
	}
}
