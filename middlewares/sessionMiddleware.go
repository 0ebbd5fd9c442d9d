package middlewares

import (
	"net/http"

	"github.com/cityconnect/ecocoins_backend/config"
	"github.com/cityconnect/ecocoins_backend/models"
	"github.com/cityconnect/ecocoins_backend/utils"
	"github.com/gin-gonic/gin"
)

// SessionMiddleware resolves the `token` header to a user. Requests without a
// token pass through anonymous; RequireUser decides whether that is allowed.
func SessionMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		token := c.Request.Header.Get("token")
		if token == "" {
			c.Next()
			return
		}
		username, exists, err := config.GetRedisValue("Token:" + token)
		if err != nil || !exists {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			c.Abort()
			return
		}

		ctx := c.Request.Context()
		user, err := models.GetUserByUsername(ctx, username)
		if err != nil {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			c.Abort()
			return
		}

		ctx = utils.SetTokenInContext(ctx, token)
		ctx = utils.SetUsernameInContext(ctx, username)
		ctx = utils.SetUserIdInContext(ctx, user.ID)
		ctx = utils.SetIsAdminInContext(ctx, user.IsAdmin())
		if user.Department != nil {
			ctx = utils.SetDepartmentInContext(ctx, string(*user.Department))
		}
		c.Request = c.Request.WithContext(ctx)
		c.Next()
	}
}

func RequireUser() gin.HandlerFunc {
	return func(c *gin.Context) {
		if _, ok := utils.GetUserIdFromContext(c.Request.Context()); !ok {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			c.Abort()
			return
		}
		c.Next()
	}
}

// RequireAdmin must run after RequireUser.
func RequireAdmin() gin.HandlerFunc {
	return func(c *gin.Context) {
		if isAdmin, ok := utils.GetIsAdminFromContext(c.Request.Context()); !ok || !isAdmin {
			c.JSON(http.StatusForbidden, gin.H{"error": "forbidden"})
			c.Abort()
			return
		}
		c.Next()
	}
}
