package authgin

import (
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/open-rails/fedlink/adapters/ginutil"
	"github.com/open-rails/fedlink/authority"
	"github.com/open-rails/fedlink/core"
)

// HandleJWKS serves the public half of keys.
func HandleJWKS(keys *authority.KeySet) gin.HandlerFunc {
	return func(c *gin.Context) {
		b, err := keys.MarshalJWKS()
		if err != nil {
			ginutil.ServerErrWithLog(c, err, "jwks unavailable")
			return
		}
		c.Header("Cache-Control", "public, max-age=300")
		c.Data(http.StatusOK, "application/json", b)
	}
}

type mintRequest struct {
	UID              string `json:"uid"`
	Email            string `json:"email"`
	Provider         string `json:"provider"`
	ExpiresInSeconds int    `json:"expires_in_seconds"`
}

type mintResponse struct {
	IDToken   string    `json:"idToken"`
	TokenType string    `json:"tokenType"`
	ExpiresAt time.Time `json:"expiresAt"`
}

func devSecretOK(c *gin.Context, secret string) bool {
	if ginutil.SecretEqual(c.GetHeader("X-DEV-SECRET"), secret) {
		return true
	}
	return ginutil.SecretEqual(ginutil.BearerToken(c.GetHeader("Authorization")), secret)
}

// HandleDevMint issues ID tokens from the local issuer. It only exists in
// dev mode and requires the shared dev secret.
func HandleDevMint(issuer *authority.Issuer, secret string) gin.HandlerFunc {
	return func(c *gin.Context) {
		if !devSecretOK(c, secret) {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"message": "unauthorized"})
			return
		}
		var req mintRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"message": "invalid_request"})
			return
		}
		req.UID = strings.TrimSpace(req.UID)
		if req.UID == "" {
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"message": "uid is required"})
			return
		}
		iss := *issuer
		if req.ExpiresInSeconds > 0 {
			iss.TTL = time.Duration(req.ExpiresInSeconds) * time.Second
		}
		if iss.TTL <= 0 {
			iss.TTL = time.Hour
		}
		now := time.Now()
		iss.Now = func() time.Time { return now }
		tok, err := iss.Issue(authority.IDTokenRequest{
			UID:        req.UID,
			Email:      strings.TrimSpace(req.Email),
			ProviderID: strings.TrimSpace(req.Provider),
		})
		if err != nil {
			ginutil.ServerErrWithLog(c, err, "failed to sign token")
			return
		}
		c.JSON(http.StatusOK, mintResponse{IDToken: tok, TokenType: "Bearer", ExpiresAt: now.Add(iss.TTL)})
	}
}

// HandleDevRevoke revokes every token issued to a uid before now.
func HandleDevRevoke(revocations *core.RevocationStore, secret string) gin.HandlerFunc {
	return func(c *gin.Context) {
		if !devSecretOK(c, secret) {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"message": "unauthorized"})
			return
		}
		var req struct {
			UID string `json:"uid"`
		}
		if err := c.ShouldBindJSON(&req); err != nil || strings.TrimSpace(req.UID) == "" {
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"message": "uid is required"})
			return
		}
		if err := revocations.RevokeTokens(c.Request.Context(), strings.TrimSpace(req.UID)); err != nil {
			ginutil.ServerErrWithLog(c, err, "revoke failed")
			return
		}
		c.Status(http.StatusNoContent)
	}
}
