package oidckit

import (
	"context"
	"fmt"

	"github.com/open-rails/fedlink/core"
	"github.com/zitadel/oidc/v2/pkg/client/rp"
	"github.com/zitadel/oidc/v2/pkg/oidc"
	"golang.org/x/oauth2"
)

// Exchange redeems an authorization code with the PKCE verifier and returns
// the credential the descriptor asks for. OIDC providers must return an ID
// token that verifies with nonce; OAuth2 providers hand back an access token.
func Exchange(ctx context.Context, rpClient rp.RelyingParty, d core.ProviderDescriptor, code, verifier, nonce string) (*core.ProviderCredential, error) {
	oauthConfig := rpClient.OAuthConfig()
	tok, err := oauthConfig.Exchange(ctx, code, oauth2.SetAuthURLParam("code_verifier", verifier))
	if err != nil {
		return nil, fmt.Errorf("token exchange failed for %s: %w", d.ID, err)
	}
	cred := &core.ProviderCredential{ProviderID: d.ID, AccessToken: tok.AccessToken}

	if !rpClient.IsOAuth2Only() {
		rawIDToken, _ := tok.Extra("id_token").(string)
		if rawIDToken == "" {
			return nil, fmt.Errorf("no id_token in response from %s", d.ID)
		}
		// The RP's own verifier does not know the per-request nonce.
		v := rp.NewIDTokenVerifier(
			rpClient.IDTokenVerifier().Issuer(),
			rpClient.IDTokenVerifier().ClientID(),
			rpClient.IDTokenVerifier().KeySet(),
			rp.WithNonce(func(context.Context) string { return nonce }),
		)
		claims, err := rp.VerifyIDToken[*oidc.IDTokenClaims](ctx, rawIDToken, v)
		if err != nil {
			return nil, fmt.Errorf("id_token verification with nonce failed for %s: %w", d.ID, err)
		}
		cred.IDToken = rawIDToken
		cred.Email = claims.UserInfoEmail.Email
	}

	if d.Credential == core.CredentialIDToken && cred.IDToken == "" {
		return nil, fmt.Errorf("%s is configured for id_token credentials but issued none", d.ID)
	}
	if cred.IDToken == "" && cred.AccessToken == "" {
		return nil, fmt.Errorf("empty token response from %s", d.ID)
	}
	return cred, nil
}
