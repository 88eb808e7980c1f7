package ginutil

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"net/http"
	"net/url"
	"strings"

	"github.com/gin-gonic/gin"
	log "github.com/sirupsen/logrus"
)

// Response messages returned by the gateway. Clients match on them.
const (
	MsgNoToken     = "No token provided"
	MsgInvalid     = "Invalid token"
	MsgServerError = "Server error"
	MsgWelcome     = "Welcome!"
)

// Error helpers
func SendMessage(c *gin.Context, status int, message string) {
	c.AbortWithStatusJSON(status, gin.H{"message": message})
}
func MissingToken(c *gin.Context) { SendMessage(c, http.StatusUnauthorized, MsgNoToken) }
func InvalidToken(c *gin.Context) { SendMessage(c, http.StatusUnauthorized, MsgInvalid) }
func NotFound(c *gin.Context)     { SendMessage(c, http.StatusNotFound, "Not found") }

// ServerErrWithLog logs err with request context and responds 500 with the
// generic message and a short error description.
func ServerErrWithLog(c *gin.Context, err error, detail string) {
	entry := log.WithContext(c.Request.Context()).WithFields(log.Fields{
		"path":   c.FullPath(),
		"method": c.Request.Method,
	})
	if err != nil {
		entry = entry.WithError(err)
	}
	entry.Error("request_failed")
	if strings.TrimSpace(detail) == "" {
		detail = "internal error"
	}
	c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"message": MsgServerError, "error": detail})
}

// RandB64 returns a URL-safe random string of length n bytes.
func RandB64(n int) string {
	b := make([]byte, n)
	_, _ = rand.Read(b)
	return base64.RawURLEncoding.EncodeToString(b)
}

// BearerToken extracts a Bearer token from an Authorization header value.
func BearerToken(authorization string) string {
	if authorization == "" {
		return ""
	}
	parts := strings.SplitN(strings.TrimSpace(authorization), " ", 2)
	if len(parts) == 2 && strings.EqualFold(parts[0], "Bearer") {
		return strings.TrimSpace(parts[1])
	}
	return ""
}

// SecretEqual compares a presented shared secret in constant time.
func SecretEqual(got, want string) bool {
	if want == "" || got == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(got), []byte(want)) == 1
}

// OriginFromBaseURL reduces an absolute URL to scheme://host[:port].
func OriginFromBaseURL(base string) (string, bool) {
	u, err := url.Parse(strings.TrimSpace(base))
	if err != nil || u.Scheme == "" || u.Host == "" {
		return "", false
	}
	return u.Scheme + "://" + u.Host, true
}

// CORS allows credentialed requests from a single origin. Preflight
// requests are answered here and never reach the handlers.
func CORS(allowed string) gin.HandlerFunc {
	origin, ok := OriginFromBaseURL(allowed)
	return func(c *gin.Context) {
		if ok && c.GetHeader("Origin") == origin {
			h := c.Writer.Header()
			h.Set("Access-Control-Allow-Origin", origin)
			h.Set("Access-Control-Allow-Credentials", "true")
			h.Set("Access-Control-Allow-Headers", "Authorization, Content-Type")
			h.Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
			h.Add("Vary", "Origin")
		}
		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}
		c.Next()
	}
}
