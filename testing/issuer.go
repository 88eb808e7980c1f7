// Package testing provides an in-process token issuer and a fake identity
// provider for exercising the resolver and the gateway without the external
// authority.
package testing

import (
	"context"
	"net/http"
	"net/http/httptest"
	"time"

	"github.com/open-rails/fedlink/authority"
	"github.com/open-rails/fedlink/core"
)

const (
	defaultAudience    = "fedlink-test"
	defaultClientEmail = "firebase-adminsdk@fedlink-test.iam.gserviceaccount.com"
)

// TestIssuer signs ID tokens and serves its JWKS at /.well-known/jwks.json.
type TestIssuer struct {
	srv      *httptest.Server
	keys     *authority.KeySet
	issuer   *authority.Issuer
	audience string
}

// NewTestIssuer starts an issuer whose tokens carry the default audience.
func NewTestIssuer() *TestIssuer { return NewTestIssuerWithAudience(defaultAudience) }

func NewTestIssuerWithAudience(aud string) *TestIssuer {
	keys, err := authority.NewKeySet(2048)
	if err != nil {
		panic(err)
	}
	ti := &TestIssuer{keys: keys, audience: aud}
	mux := http.NewServeMux()
	mux.HandleFunc("/.well-known/jwks.json", func(w http.ResponseWriter, r *http.Request) {
		b, err := keys.MarshalJWKS()
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write(b)
	})
	ti.srv = httptest.NewServer(mux)
	ti.issuer = &authority.Issuer{URL: ti.srv.URL, Audience: aud, Keys: keys}
	return ti
}

func (ti *TestIssuer) Close()                    { ti.srv.Close() }
func (ti *TestIssuer) URL() string               { return ti.srv.URL }
func (ti *TestIssuer) Audience() string          { return ti.audience }
func (ti *TestIssuer) Keys() *authority.KeySet   { return ti.keys }
func (ti *TestIssuer) Issuer() *authority.Issuer { return ti.issuer }

// Rotate swaps the signing key; the previous key stays published.
func (ti *TestIssuer) Rotate() string {
	kid, err := ti.keys.Rotate()
	if err != nil {
		panic(err)
	}
	return kid
}

// AcceptConfig accepts this issuer's tokens with no clock skew.
func (ti *TestIssuer) AcceptConfig() core.AcceptConfig {
	return core.AcceptConfig{
		Issuers:    []core.IssuerAccept{{Issuer: ti.URL(), Audiences: []string{ti.audience}}},
		Algorithms: []string{"RS256"},
	}
}

// Authority builds a verifying + minting authority for this issuer.
func (ti *TestIssuer) Authority(ctx context.Context) *authority.Authority {
	v, err := authority.NewVerifier(ctx, ti.AcceptConfig())
	if err != nil {
		panic(err)
	}
	return authority.New(v, authority.NewMinter(defaultClientEmail, ti.keys))
}

// CreateToken returns a valid ID token for sub.
func (ti *TestIssuer) CreateToken(sub, email string) string {
	return ti.mustIssue(authority.IDTokenRequest{UID: sub, Email: email})
}

// CreateTokenWithClaims adds extra claims to a valid token.
func (ti *TestIssuer) CreateTokenWithClaims(sub, email string, extra map[string]any) string {
	return ti.mustIssue(authority.IDTokenRequest{UID: sub, Email: email, Extra: extra})
}

// CreateExpiredToken returns a token that expired an hour ago.
func (ti *TestIssuer) CreateExpiredToken(sub, email string) string {
	return ti.mustIssue(authority.IDTokenRequest{UID: sub, Email: email, IssuedAt: time.Now().Add(-2 * time.Hour)})
}

func (ti *TestIssuer) mustIssue(req authority.IDTokenRequest) string {
	tok, err := ti.issuer.Issue(req)
	if err != nil {
		panic(err)
	}
	return tok
}
