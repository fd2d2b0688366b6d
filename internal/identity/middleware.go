package identity

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

const userContextKey = "identity.user"

// Middleware returns a gin handler that rejects requests without a valid
// session token and stores the authenticated user in the request context.
func Middleware(v *Verifier) gin.HandlerFunc {
	return func(c *gin.Context) {
		user, err := v.UserFromRequest(c.Request)
		if err != nil {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			c.Abort()
			return
		}
		c.Set(userContextKey, user)
		c.Next()
	}
}

// UserFrom returns the authenticated user placed by Middleware.
func UserFrom(c *gin.Context) (*User, bool) {
	value, ok := c.Get(userContextKey)
	if !ok {
		return nil, false
	}
	user, ok := value.(*User)
	return user, ok
}
