package api

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
)

const (
	ctxKeyToken = "auth_token"
	ctxKeyUser  = "auth_user"
)

// requireAuth extracts the access token from the Authorization header or
// the access_token cookie and validates it against the Core service.
func (s *Server) requireAuth() gin.HandlerFunc {
	return func(c *gin.Context) {
		token := bearerToken(c.GetHeader("Authorization"))
		if token == "" {
			if v, err := c.Cookie("access_token"); err == nil {
				token = v
			}
		}
		if token == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "missing credentials"})
			return
		}

		user, err := s.auth.Me(c.Request.Context(), token)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid credentials"})
			return
		}

		c.Set(ctxKeyToken, token)
		c.Set(ctxKeyUser, user)
		c.Next()
	}
}

func bearerToken(header string) string {
	const prefix = "Bearer "
	if len(header) > len(prefix) && strings.EqualFold(header[:len(prefix)], prefix) {
		return strings.TrimSpace(header[len(prefix):])
	}
	return ""
}

// authToken returns the validated token set by requireAuth.
func authToken(c *gin.Context) string {
	return c.GetString(ctxKeyToken)
}
