package middleware

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"marketplace-chat/internal/auth"
	"marketplace-chat/internal/models"
)

const (
	UserIDKey   = "userID"
	identityKey = "identity"
)

// TokenVerifier resolves a bearer token to the caller's profile.
type TokenVerifier interface {
	Verify(token string) (models.Sender, error)
}

// AuthMiddleware validates the Authorization header and stores the caller's identity.
func AuthMiddleware(verifier TokenVerifier) gin.HandlerFunc {
	return func(c *gin.Context) {
		token, err := auth.BearerToken(c.GetHeader("Authorization"))
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": err.Error()})
			return
		}

		user, err := verifier.Verify(token)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": err.Error()})
			return
		}

		SetIdentity(c, user)
		c.Next()
	}
}

// SetIdentity stores the authenticated user on the request context.
func SetIdentity(c *gin.Context, user models.Sender) {
	c.Set(UserIDKey, user.ID)
	c.Set(identityKey, user)
}

// Identity returns the authenticated profile, falling back to a bare id.
func Identity(c *gin.Context) models.Sender {
	if val, ok := c.Get(identityKey); ok {
		if user, ok := val.(models.Sender); ok {
			return user
		}
	}
	return models.Sender{ID: c.GetString(UserIDKey)}
}
