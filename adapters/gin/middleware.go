package authgin

import (
	"errors"

	"github.com/gin-gonic/gin"
	"github.com/open-rails/fedlink/adapters/ginutil"
	"github.com/open-rails/fedlink/core"
	"github.com/open-rails/fedlink/gateway"
)

// Required verifies the Bearer ID token with the gateway and attaches the
// verified claims to both the gin and the request context. Rejections carry
// no detail beyond "No token provided" or "Invalid token".
func Required(gw *gateway.Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		token := ginutil.BearerToken(c.GetHeader("Authorization"))
		if token == "" {
			ginutil.MissingToken(c)
			return
		}
		vt, err := gw.Verify(c.Request.Context(), token)
		if err != nil {
			if errors.Is(err, core.ErrMissingCredential) {
				ginutil.MissingToken(c)
				return
			}
			ginutil.InvalidToken(c)
			return
		}
		cl := claimsFromVerified(vt, token)
		c.Set(ginClaimsKey, cl)
		c.Request = c.Request.WithContext(SetClaims(c.Request.Context(), cl))
		c.Next()
	}
}
