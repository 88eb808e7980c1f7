package core

import "context"

// IdentityProvider is the resolver-side surface of the external identity
// authority. Implementations perform the interactive provider flow themselves
// and must honour ctx cancellation.
type IdentityProvider interface {
	// SignIn runs the interactive sign-in for p. When the provider account's
	// email already belongs to an identity without a p credential it returns
	// a *ConflictError.
	SignIn(ctx context.Context, p ProviderDescriptor) (*SignInResult, error)

	// FetchProvidersForEmail returns the provider ids already linked to email,
	// in the order the authority reports them.
	FetchProvidersForEmail(ctx context.Context, email string) ([]string, error)

	// Link attaches a p credential to the identity in session. On error the
	// identity's credentials must be left unchanged. A non-nil pending
	// credential is used instead of running a new interactive flow.
	Link(ctx context.Context, session *SignInResult, p ProviderDescriptor, pending *ProviderCredential) (*SignInResult, error)
}

// CredentialSource runs a provider's interactive flow (a browser popup) and
// returns the credential the provider issued.
type CredentialSource interface {
	Credential(ctx context.Context, p ProviderDescriptor) (*ProviderCredential, error)
}

// Authority is the gateway-side surface of the identity authority.
type Authority interface {
	// VerifyIDToken checks signature, issuer, audience and validity window and
	// returns the decoded claims. Errors carry the reason for logging only.
	VerifyIDToken(ctx context.Context, idToken string) (*VerifiedToken, error)

	// CreateCustomToken mints a token re-asserting uid to a trusted party.
	CreateCustomToken(ctx context.Context, uid string) (string, error)
}

// VerifiedToken is a decoded and verified ID token.
type VerifiedToken struct {
	UID      string
	Email    string
	Issuer   string
	Audience string
	AuthTime int64
	IssuedAt int64
	Expires  int64
	Claims   map[string]any
}
