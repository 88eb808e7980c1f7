package authgin

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/open-rails/fedlink/adapters/ginutil"
	"github.com/open-rails/fedlink/gateway"
)

// HandleProfile mints a custom token for the uid verified by Required and
// returns it with the decoded claims and the presented ID token.
func HandleProfile(gw *gateway.Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		cl, err := GetClaims(c)
		if err != nil || cl.verified == nil {
			ginutil.MissingToken(c)
			return
		}
		sess, err := gw.Issue(c.Request.Context(), cl.verified, cl.Token)
		if err != nil {
			ginutil.ServerErrWithLog(c, err, err.Error())
			return
		}
		c.JSON(http.StatusOK, gin.H{
			"message":     ginutil.MsgWelcome,
			"user":        sess.Claims,
			"idToken":     sess.IDToken,
			"customToken": sess.CustomToken,
		})
	}
}
