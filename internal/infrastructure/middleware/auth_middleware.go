package middleware

import (
	"crypto/subtle"
	"strings"

	"livebid/internal/core/domain"
	"livebid/pkg/errors"

	"github.com/gin-gonic/gin"
)

const UserIDKey = "user_id"

// AuthMiddleware guards the local action API with a static bearer token and
// binds every request to the configured identity. An empty token disables the
// check; the identity is still bound.
func AuthMiddleware(token string, identity func() domain.Identity) gin.HandlerFunc {
	return func(c *gin.Context) {
		if token != "" {
			header := c.GetHeader("Authorization")
			parts := strings.SplitN(header, " ", 2)
			if header == "" || len(parts) != 2 || parts[0] != "Bearer" {
				abort(c, errors.NewAuthenticationError("authorization header required", nil))
				return
			}
			if subtle.ConstantTimeCompare([]byte(parts[1]), []byte(token)) != 1 {
				abort(c, errors.NewAuthenticationError("invalid api token", nil))
				return
			}
		}

		c.Set(UserIDKey, identity().UserID)
		c.Next()
	}
}

// CurrentUser returns the identity bound by AuthMiddleware.
func CurrentUser(c *gin.Context) domain.UserID {
	if v, ok := c.Get(UserIDKey); ok {
		if id, ok := v.(domain.UserID); ok {
			return id
		}
	}
	return ""
}

func abort(c *gin.Context, err *errors.AppError) {
	c.AbortWithStatusJSON(err.HTTPStatus, gin.H{
		"error":   string(err.Code),
		"message": err.Message,
	})
}
