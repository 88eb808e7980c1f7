// Package oidckit runs provider authorization-code flows (OIDC where the
// provider supports discovery, plain OAuth2 otherwise) and turns their result
// into credentials the identity authority accepts.
package oidckit

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/open-rails/fedlink/core"
	"github.com/zitadel/oidc/v2/pkg/client/rp"
	"golang.org/x/oauth2"
)

// Manager builds relying parties from provider descriptors and helps
// construct auth URLs with PKCE.
type Manager struct{ providers core.Providers }

func NewManager(p core.Providers) *Manager { return &Manager{providers: p} }

// Provider returns the descriptor for a provider id or short name.
func (m *Manager) Provider(idOrName string) (core.ProviderDescriptor, bool) {
	return m.providers.Lookup(idOrName)
}

// Begin returns an authorization URL for provider using PKCE and the state
// and nonce you supply. The caller persists state+verifier and sends the
// user to the returned URL.
func (m *Manager) Begin(ctx context.Context, provider, state, nonce, codeChallenge, redirectURI string) (string, error) {
	d, ok := m.providers.Lookup(provider)
	if !ok {
		return "", fmt.Errorf("%w: %s", core.ErrUnknownProvider, provider)
	}
	rpClient, err := m.rp(ctx, d, redirectURI)
	if err != nil {
		return "", err
	}
	opts := []rp.AuthURLOpt{
		rp.WithCodeChallenge(codeChallenge),
		rp.AuthURLOpt(rp.WithURLParam("code_challenge_method", "S256")),
	}
	if d.Issuer != "" {
		opts = append(opts, rp.AuthURLOpt(rp.WithURLParam("nonce", nonce)))
	}
	return rp.AuthURL(state, rpClient, opts...), nil
}

// GetRPWithRedirect exposes the relying party for a configured provider.
func (m *Manager) GetRPWithRedirect(ctx context.Context, provider, redirectURI string) (rp.RelyingParty, error) {
	d, ok := m.providers.Lookup(provider)
	if !ok {
		return nil, fmt.Errorf("%w: %s", core.ErrUnknownProvider, provider)
	}
	return m.rp(ctx, d, redirectURI)
}

// rp uses discovery when the descriptor names an issuer and the static
// endpoints otherwise.
func (m *Manager) rp(ctx context.Context, d core.ProviderDescriptor, redirectURI string) (rp.RelyingParty, error) {
	if strings.TrimSpace(d.ClientID) == "" {
		return nil, fmt.Errorf("%w: %s has no client id", core.ErrProviderNotConfigured, d.ID)
	}
	if d.Issuer != "" {
		return rp.NewRelyingPartyOIDC(d.Issuer, d.ClientID, d.ClientSecret, redirectURI, d.Scopes)
	}
	if d.AuthURL == "" || d.TokenURL == "" {
		return nil, errors.New("provider needs an issuer or auth and token urls")
	}
	return rp.NewRelyingPartyOAuth(&oauth2.Config{
		ClientID:     d.ClientID,
		ClientSecret: d.ClientSecret,
		RedirectURL:  redirectURI,
		Scopes:       d.Scopes,
		Endpoint:     oauth2.Endpoint{AuthURL: d.AuthURL, TokenURL: d.TokenURL},
	})
}

// GeneratePKCE returns a verifier and S256 challenge suitable for the auth request.
func GeneratePKCE() (verifier string, challenge string, err error) {
	v := make([]byte, 32)
	if _, err = rand.Read(v); err != nil {
		return "", "", err
	}
	verifier = base64.RawURLEncoding.EncodeToString(v)
	sum := sha256.Sum256([]byte(verifier))
	challenge = base64.RawURLEncoding.EncodeToString(sum[:])
	return verifier, challenge, nil
}

// StateData is what we persist for a pending authorization.
type StateData struct {
	Provider    string `json:"provider"`
	Verifier    string `json:"verifier"`
	Nonce       string `json:"nonce"`
	RedirectURI string `json:"redirect_uri"`
}

const defaultStateTTL = 10 * time.Minute

// StateCache stores pending authorizations in an ephemeral store. Entries
// are single use.
type StateCache struct {
	store core.EphemeralStore
	ttl   time.Duration
}

func NewStateCache(store core.EphemeralStore, ttl time.Duration) *StateCache {
	if ttl <= 0 {
		ttl = defaultStateTTL
	}
	return &StateCache{store: store, ttl: ttl}
}

func stateKey(state string) string { return "fedlink:oidc:state:" + state }

func (s *StateCache) Put(ctx context.Context, state string, data StateData) error {
	return core.SetJSON(ctx, s.store, stateKey(state), data, s.ttl)
}

// Take returns and deletes the data for state. With a store that takes
// atomically, concurrent callbacks for one state get it at most once.
func (s *StateCache) Take(ctx context.Context, state string) (StateData, bool, error) {
	var d StateData
	ok, err := core.TakeJSON(ctx, s.store, stateKey(state), &d)
	if err != nil || !ok {
		return StateData{}, false, err
	}
	return d, true, nil
}
