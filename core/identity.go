package core

import "strings"

// Identity is a user as seen by the identity provider. It is never persisted
// by fedlink; it is only read from sign-in results.
type Identity struct {
	UID         string       `json:"uid"`
	Email       string       `json:"email,omitempty"`
	Credentials []Credential `json:"credentials,omitempty"`
}

// Credential binds one external provider account to an Identity.
type Credential struct {
	ProviderID        string `json:"providerId"`        // e.g. "google.com"
	ProviderAccountID string `json:"providerAccountId"` // provider-scoped subject
}

// HasProvider reports whether the identity already holds a credential for providerID.
func (i *Identity) HasProvider(providerID string) bool {
	if i == nil {
		return false
	}
	for _, c := range i.Credentials {
		if strings.EqualFold(c.ProviderID, providerID) {
			return true
		}
	}
	return false
}

// ProviderIDs returns the provider ids of the linked credentials in link order.
func (i *Identity) ProviderIDs() []string {
	if i == nil {
		return nil
	}
	out := make([]string, 0, len(i.Credentials))
	for _, c := range i.Credentials {
		out = append(out, c.ProviderID)
	}
	return out
}

// SignInResult is the outcome of a successful interactive sign-in or link.
type SignInResult struct {
	ProviderID string
	Identity   *Identity
	// IDToken is the short-lived signed assertion for Identity. Opaque here.
	IDToken string
	// RefreshToken is returned by some providers; fedlink never stores it.
	RefreshToken string
}

// ProviderCredential is what a provider popup yields: an OAuth id_token
// and/or access_token for one provider account.
type ProviderCredential struct {
	ProviderID  string
	IDToken     string
	AccessToken string
	// Email is informational (the address the provider asserted), if any.
	Email string
}

// ConflictRecord is the ephemeral state of a sign-in that collided with an
// identity registered under a different provider.
type ConflictRecord struct {
	Email             string
	ProviderID        string
	ExistingProviders []string
}

// VerifiedSession is the gateway's result for a valid ID token.
type VerifiedSession struct {
	Claims      map[string]any
	UID         string
	Email       string
	IDToken     string
	CustomToken string
}
