package authority

import (
	"errors"
	"strings"
	"time"

	jwt "github.com/golang-jwt/jwt/v5"
)

const defaultIDTokenTTL = time.Hour

// Issuer signs ID tokens in the identity authority's format. It backs dev
// mode and the test fakes; in production the external authority issues them.
type Issuer struct {
	URL      string // iss
	Audience string // aud (the project id)
	Keys     *KeySet
	TTL      time.Duration
	Now      func() time.Time
}

// IDTokenRequest describes one ID token.
type IDTokenRequest struct {
	UID        string
	Email      string
	ProviderID string
	// AuthTime defaults to the issue time.
	AuthTime time.Time
	// IssuedAt defaults to now; set it in the past to produce expired tokens.
	IssuedAt time.Time
	Extra    map[string]any
}

// IssueIDToken signs a token for uid/email.
func (i *Issuer) IssueIDToken(uid, email string) (string, error) {
	return i.Issue(IDTokenRequest{UID: uid, Email: email})
}

// Issue signs an ID token described by req.
func (i *Issuer) Issue(req IDTokenRequest) (string, error) {
	if strings.TrimSpace(req.UID) == "" {
		return "", errors.New("uid required")
	}
	if i.Keys == nil {
		return "", errors.New("issuer has no keys")
	}
	now := time.Now
	if i.Now != nil {
		now = i.Now
	}
	ttl := i.TTL
	if ttl <= 0 {
		ttl = defaultIDTokenTTL
	}
	iat := req.IssuedAt
	if iat.IsZero() {
		iat = now()
	}
	authTime := req.AuthTime
	if authTime.IsZero() {
		authTime = iat
	}
	claims := jwt.MapClaims{
		"iss":       i.URL,
		"aud":       i.Audience,
		"sub":       req.UID,
		"user_id":   req.UID,
		"iat":       iat.Unix(),
		"exp":       iat.Add(ttl).Unix(),
		"auth_time": authTime.Unix(),
	}
	if req.Email != "" {
		claims["email"] = req.Email
		claims["email_verified"] = true
	}
	fb := map[string]any{}
	if req.ProviderID != "" {
		fb["sign_in_provider"] = req.ProviderID
	}
	if req.Email != "" {
		fb["identities"] = map[string]any{"email": []string{req.Email}}
	}
	if len(fb) > 0 {
		claims["firebase"] = fb
	}
	for k, v := range req.Extra {
		if _, reserved := claims[k]; !reserved {
			claims[k] = v
		}
	}
	return i.Keys.Sign(claims)
}
