package authgin

import (
	"context"
	"errors"

	"github.com/gin-gonic/gin"
	"github.com/open-rails/fedlink/core"
)

// Claims is a typed view of the verified ID token attached by Required.
type Claims struct {
	UserID         string
	Email          string
	EmailVerified  bool
	SignInProvider string
	// Raw holds every verified claim plus "uid".
	Raw map[string]any
	// Token is the presented ID token.
	Token string
	// verified is kept for handlers that need the authority's view.
	verified *core.VerifiedToken
}

func claimsFromVerified(vt *core.VerifiedToken, token string) Claims {
	cl := Claims{UserID: vt.UID, Email: vt.Email, Raw: vt.Claims, Token: token, verified: vt}
	if v, _ := vt.Claims["email_verified"].(bool); v {
		cl.EmailVerified = true
	}
	if fb, ok := vt.Claims["firebase"].(map[string]any); ok {
		cl.SignInProvider, _ = fb["sign_in_provider"].(string)
	}
	return cl
}

// unexported context key
type claimsCtxKey struct{}

const ginClaimsKey = "fedlink.claims"

// SetClaims returns a child context with claims attached.
func SetClaims(ctx context.Context, cl Claims) context.Context {
	return context.WithValue(ctx, claimsCtxKey{}, cl)
}

// FromContext extracts claims from a standard context.
func FromContext(ctx context.Context) (Claims, bool) {
	cl, ok := ctx.Value(claimsCtxKey{}).(Claims)
	return cl, ok
}

// ClaimsFromGin prefers the gin context and falls back to the request context.
func ClaimsFromGin(c *gin.Context) (Claims, bool) {
	if v, ok := c.Get(ginClaimsKey); ok {
		if cl, ok := v.(Claims); ok {
			return cl, true
		}
	}
	return FromContext(c.Request.Context())
}

// GetClaims returns claims or an error if the request is unauthenticated.
func GetClaims(c *gin.Context) (Claims, error) {
	if cl, ok := ClaimsFromGin(c); ok {
		return cl, nil
	}
	return Claims{}, errors.New("unauthenticated")
}

// UserID is a typed accessor for the verified uid.
func UserID(c *gin.Context) (string, bool) {
	if cl, ok := ClaimsFromGin(c); ok && cl.UserID != "" {
		return cl.UserID, true
	}
	return "", false
}
