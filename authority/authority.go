// Package authority verifies ID tokens issued by the identity authority and
// mints custom tokens with its service account.
package authority

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/open-rails/fedlink/core"
)

// Authority implements core.Authority from a Verifier and a Minter.
type Authority struct {
	verifier *Verifier
	minter   *Minter
}

var _ core.Authority = (*Authority)(nil)

func New(v *Verifier, m *Minter) *Authority { return &Authority{verifier: v, minter: m} }

// FromConfig builds an Authority for the configured service account. ID tokens
// are accepted per core.FirebaseAccept, with the JWKS location overridable.
func FromConfig(ctx context.Context, cfg *core.Config, revocations *core.RevocationStore) (*Authority, error) {
	if cfg == nil {
		return nil, errors.New("nil config")
	}
	accept := core.FirebaseAccept(cfg.ProjectID)
	if u := strings.TrimSpace(cfg.JWKSURL); u != "" {
		accept.Issuers[0].JWKSURL = u
	}
	v, err := NewVerifier(ctx, accept)
	if err != nil {
		return nil, err
	}
	if revocations != nil {
		v.WithRevocations(revocations)
	}
	keys, err := NewKeySetFromPEM(cfg.PrivateKey)
	if err != nil {
		return nil, err
	}
	return New(v, NewMinter(cfg.ClientEmail, keys)), nil
}

func (a *Authority) VerifyIDToken(ctx context.Context, idToken string) (*core.VerifiedToken, error) {
	return a.verifier.VerifyIDToken(ctx, idToken)
}

func (a *Authority) CreateCustomToken(ctx context.Context, uid string) (string, error) {
	return a.minter.CreateCustomToken(ctx, uid)
}

// Verifier exposes the underlying verifier.
func (a *Authority) Verifier() *Verifier { return a.verifier }

// Dev builds an Authority around locally generated keys for dev mode. ID
// tokens are issued by the returned Issuer with the project's secure-token
// issuer URL and verified against jwksURL, where the gateway publishes keys.
func Dev(ctx context.Context, cfg *core.Config, keys *KeySet, jwksURL string, revocations *core.RevocationStore) (*Authority, *Issuer, error) {
	project := strings.TrimSpace(cfg.ProjectID)
	if project == "" {
		project = "fedlink-dev"
	}
	accept := core.FirebaseAccept(project)
	accept.Issuers[0].JWKSURL = jwksURL
	// Keys rotate locally; refetch often so rotated kids are picked up.
	accept.Issuers[0].CacheTTL = time.Minute
	v, err := NewVerifier(ctx, accept)
	if err != nil {
		return nil, nil, err
	}
	if revocations != nil {
		v.WithRevocations(revocations)
	}
	email := strings.TrimSpace(cfg.ClientEmail)
	if email == "" {
		email = "firebase-adminsdk@" + project + ".iam.gserviceaccount.com"
	}
	iss := &Issuer{URL: accept.Issuers[0].Issuer, Audience: project, Keys: keys}
	return New(v, NewMinter(email, keys)), iss, nil
}
