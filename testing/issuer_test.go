package testing

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"testing"

	"github.com/open-rails/fedlink/core"
)

func TestTestIssuer_ServesJWKS(t *testing.T) {
	issuer := NewTestIssuer()
	defer issuer.Close()

	resp, err := http.Get(issuer.URL() + "/.well-known/jwks.json")
	if err != nil {
		t.Fatalf("failed to fetch JWKS: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}

	var ks struct {
		Keys []struct {
			Kty string `json:"kty"`
			Alg string `json:"alg"`
			Kid string `json:"kid"`
			Use string `json:"use"`
		} `json:"keys"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&ks); err != nil {
		t.Fatalf("failed to decode JWKS: %v", err)
	}
	if len(ks.Keys) != 1 {
		t.Fatalf("expected 1 key, got %d", len(ks.Keys))
	}

	key := ks.Keys[0]
	if key.Kty != "RSA" {
		t.Errorf("expected kty=RSA, got %s", key.Kty)
	}
	if key.Alg != "RS256" {
		t.Errorf("expected alg=RS256, got %s", key.Alg)
	}
	if key.Use != "sig" {
		t.Errorf("expected use=sig, got %s", key.Use)
	}
	if key.Kid == "" {
		t.Error("expected kid to be set")
	}
}

func TestTestIssuer_CreateToken(t *testing.T) {
	issuer := NewTestIssuer()
	defer issuer.Close()

	token := issuer.CreateToken("user-123", "test@example.com")
	if got := strings.Count(token, "."); got != 2 {
		t.Errorf("expected 2 dots in JWT, got %d", got)
	}
}

func TestTestIssuer_TokenValidatesWithAuthority(t *testing.T) {
	issuer := NewTestIssuer()
	defer issuer.Close()
	ctx := context.Background()

	token := issuer.CreateToken("user-123", "test@example.com")
	vt, err := issuer.Authority(ctx).VerifyIDToken(ctx, token)
	if err != nil {
		t.Fatalf("token verification failed: %v", err)
	}
	if vt.UID != "user-123" {
		t.Errorf("expected uid=user-123, got %s", vt.UID)
	}
	if vt.Email != "test@example.com" {
		t.Errorf("expected email=test@example.com, got %s", vt.Email)
	}
	if vt.Issuer != issuer.URL() {
		t.Errorf("expected iss=%s, got %s", issuer.URL(), vt.Issuer)
	}
	if uid, _ := vt.Claims["user_id"].(string); uid != "user-123" {
		t.Errorf("expected user_id=user-123, got %s", uid)
	}
}

func TestTestIssuer_ExpiredToken(t *testing.T) {
	issuer := NewTestIssuer()
	defer issuer.Close()
	ctx := context.Background()

	token := issuer.CreateExpiredToken("user-123", "test@example.com")
	if _, err := issuer.Authority(ctx).VerifyIDToken(ctx, token); err == nil {
		t.Error("expected expired token to fail verification")
	}
}

func TestTestIssuer_CustomAudience(t *testing.T) {
	issuer := NewTestIssuerWithAudience("billing-project")
	defer issuer.Close()
	ctx := context.Background()

	if issuer.Audience() != "billing-project" {
		t.Errorf("expected audience=billing-project, got %s", issuer.Audience())
	}
	vt, err := issuer.Authority(ctx).VerifyIDToken(ctx, issuer.CreateToken("user-123", ""))
	if err != nil {
		t.Fatalf("token verification failed: %v", err)
	}
	if vt.Audience != "billing-project" {
		t.Errorf("expected aud=billing-project, got %s", vt.Audience)
	}
}

func TestFakeIdentityProvider_ConflictAndLink(t *testing.T) {
	issuer := NewTestIssuer()
	defer issuer.Close()
	ctx := context.Background()
	idp := NewFakeIdentityProvider(issuer.Issuer())
	providers := core.DefaultProviders()

	uid := idp.AddUser("alice@example.com", core.Credential{ProviderID: "google.com", ProviderAccountID: "g1"})
	idp.QueuePopup("github.com", Popup{AccountID: "gh1", Email: "alice@example.com"})

	_, err := idp.SignIn(ctx, providers["github.com"])
	ce, ok := core.AsConflict(err)
	if !ok {
		t.Fatalf("expected conflict, got %v", err)
	}
	if ce.Email != "alice@example.com" || ce.Credential == nil {
		t.Fatalf("unexpected conflict %+v", ce)
	}

	idp.QueuePopup("google.com", Popup{AccountID: "g1"})
	prior, err := idp.SignIn(ctx, providers["google.com"])
	if err != nil {
		t.Fatalf("re-authentication failed: %v", err)
	}
	if prior.Identity.UID != uid {
		t.Fatalf("expected uid %s, got %s", uid, prior.Identity.UID)
	}

	if _, err := idp.Link(ctx, prior, providers["github.com"], ce.Credential); err != nil {
		t.Fatalf("link failed: %v", err)
	}
	id, _ := idp.Identity(uid)
	if !id.HasProvider("github.com") {
		t.Errorf("expected github.com linked, got %v", id.ProviderIDs())
	}

	// A second link of the same provider is rejected and changes nothing.
	if _, err := idp.Link(ctx, prior, providers["github.com"], ce.Credential); err == nil {
		t.Error("expected duplicate link to fail")
	}
	id, _ = idp.Identity(uid)
	if len(id.Credentials) != 2 {
		t.Errorf("expected 2 credentials, got %d", len(id.Credentials))
	}
}

func TestFakeIdentityProvider_EmptyQueueIsCancellation(t *testing.T) {
	issuer := NewTestIssuer()
	defer issuer.Close()
	idp := NewFakeIdentityProvider(issuer.Issuer())

	_, err := idp.SignIn(context.Background(), core.DefaultProviders()["google.com"])
	if err == nil || !strings.Contains(err.Error(), "popup-closed-by-user") {
		t.Fatalf("expected popup-closed-by-user, got %v", err)
	}
}
