package core

import (
	"strings"
	"time"
)

// SecureTokenIssuerPrefix is the issuer prefix of Firebase ID tokens.
const SecureTokenIssuerPrefix = "https://securetoken.google.com/"

// SecureTokenJWKSURL publishes the keys that sign Firebase ID tokens.
const SecureTokenJWKSURL = "https://www.googleapis.com/service_accounts/v1/jwk/securetoken@system.gserviceaccount.com"

// AcceptConfig configures which ID tokens the gateway accepts.
type AcceptConfig struct {
	Issuers    []IssuerAccept
	Skew       time.Duration
	Algorithms []string
}

// IssuerAccept describes how to accept tokens from a specific issuer.
type IssuerAccept struct {
	Issuer string
	// Audiences enforces that the token's aud contains at least one entry.
	Audiences []string
	// JWKSURL defaults to <issuer>/.well-known/jwks.json.
	JWKSURL string
	// CacheTTL is the minimum interval between background JWKS refreshes.
	CacheTTL time.Duration
}

// FirebaseAccept returns the acceptance rules for ID tokens of a Firebase project.
func FirebaseAccept(projectID string) AcceptConfig {
	projectID = strings.TrimSpace(projectID)
	return AcceptConfig{
		Issuers: []IssuerAccept{{
			Issuer:    SecureTokenIssuerPrefix + projectID,
			Audiences: []string{projectID},
			JWKSURL:   SecureTokenJWKSURL,
		}},
		Algorithms: []string{"RS256"},
		Skew:       5 * time.Second,
	}
}

// Match returns the accept rule for issuer, or nil.
func (a AcceptConfig) Match(issuer string) *IssuerAccept {
	issuer = strings.TrimSpace(issuer)
	if issuer == "" {
		return nil
	}
	for i := range a.Issuers {
		if strings.TrimSpace(a.Issuers[i].Issuer) == issuer {
			return &a.Issuers[i]
		}
	}
	return nil
}

// KeysURL returns the JWKS location for the rule.
func (ia IssuerAccept) KeysURL() string {
	if u := strings.TrimSpace(ia.JWKSURL); u != "" {
		return u
	}
	return strings.TrimRight(strings.TrimSpace(ia.Issuer), "/") + "/.well-known/jwks.json"
}
