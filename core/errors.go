package core

import (
	"errors"
	"fmt"
)

// CodeAccountExists is the provider error code reported when an email already
// belongs to an identity without a credential for the attempted provider.
const CodeAccountExists = "account-exists-with-different-credential"

var (
	ErrMissingCredential     = errors.New("missing_credential")
	ErrInvalidCredential     = errors.New("invalid_credential")
	ErrProviderConflict      = errors.New("provider_conflict")
	ErrUnresolvableConflict  = errors.New("unresolvable_conflict")
	ErrDiscoveryEmpty        = errors.New("no_existing_provider")
	ErrReAuthFailure         = errors.New("reauth_failed")
	ErrLinkFailure           = errors.New("link_failed")
	ErrSignInFailed          = errors.New("sign_in_failed")
	ErrCancelled             = errors.New("cancelled")
	ErrProviderNotConfigured = errors.New("provider_not_configured")
	ErrUnknownProvider       = errors.New("unknown_provider")
	ErrUnexpected            = errors.New("unexpected_error")
	ErrBusy                  = errors.New("sign_in_in_progress")
)

// ConflictError is returned by IdentityProvider.SignIn when the attempted
// provider's account email already belongs to a different-provider identity.
// Email may be empty when the provider could not report it.
type ConflictError struct {
	Code       string
	Email      string
	ProviderID string
	// Credential is the attempted provider credential, kept so it can be
	// linked after re-authentication without another popup.
	Credential *ProviderCredential
}

func (e *ConflictError) Error() string {
	if e.Email == "" {
		return fmt.Sprintf("%s (provider %s)", e.Code, e.ProviderID)
	}
	return fmt.Sprintf("%s (provider %s, email %s)", e.Code, e.ProviderID, e.Email)
}

// Is makes errors.Is(err, ErrProviderConflict) match any *ConflictError.
func (e *ConflictError) Is(target error) bool { return target == ErrProviderConflict }

// AsConflict extracts a *ConflictError from err.
func AsConflict(err error) (*ConflictError, bool) {
	var ce *ConflictError
	if errors.As(err, &ce) {
		return ce, true
	}
	return nil, false
}

// UserMessage maps a resolver failure to the text shown to the end user.
// Underlying causes are never included.
func UserMessage(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrUnresolvableConflict):
		return "Cannot resolve email for account linking."
	case errors.Is(err, ErrProviderNotConfigured):
		return "Old provider not configured!"
	case errors.Is(err, ErrCancelled):
		return "Login cancelled."
	case errors.Is(err, ErrBusy):
		return "A login is already in progress."
	default:
		return "Login failed, check console."
	}
}
