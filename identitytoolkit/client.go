// Package identitytoolkit is a REST client for the identity authority's
// account endpoints. It implements core.IdentityProvider on top of a
// core.CredentialSource that runs the provider popups.
package identitytoolkit

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/open-rails/fedlink/core"
	"github.com/sirupsen/logrus"
)

const (
	DefaultBaseURL = "https://identitytoolkit.googleapis.com/v1"
	// requestURI is echoed by the authority only; loopback popups have no
	// stable URI of their own.
	defaultRequestURI = "http://localhost"
)

// Error codes returned by the toolkit that the client maps.
const (
	CodeFederatedUserIDAlreadyLinked = "FEDERATED_USER_ID_ALREADY_LINKED"
	CodeEmailExists                  = "EMAIL_EXISTS"
	CodeCredentialTooOld             = "CREDENTIAL_TOO_OLD_LOGIN_AGAIN"
)

// APIError is a non-2xx toolkit response.
type APIError struct {
	Status int
	// Code is the leading token of the error message, e.g. "INVALID_IDP_RESPONSE".
	Code    string
	Message string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("identitytoolkit %d: %s", e.Status, e.Message)
}

// Is maps toolkit codes onto the core sentinels.
func (e *APIError) Is(target error) bool {
	switch e.Code {
	case CodeFederatedUserIDAlreadyLinked:
		return target == core.ErrLinkFailure
	case CodeEmailExists:
		return target == core.ErrProviderConflict
	case CodeCredentialTooOld:
		return target == core.ErrReAuthFailure
	}
	return false
}

// Client calls the toolkit with a web API key.
type Client struct {
	apiKey     string
	baseURL    string
	requestURI string
	http       *http.Client
	creds      core.CredentialSource
	log        *logrus.Entry
}

var _ core.IdentityProvider = (*Client)(nil)

func New(apiKey string, creds core.CredentialSource) *Client {
	return &Client{
		apiKey:     apiKey,
		baseURL:    DefaultBaseURL,
		requestURI: defaultRequestURI,
		http:       &http.Client{Timeout: 15 * time.Second},
		creds:      creds,
		log:        logrus.NewEntry(logrus.StandardLogger()),
	}
}

func (c *Client) WithBaseURL(u string) *Client {
	if u != "" {
		c.baseURL = strings.TrimRight(u, "/")
	}
	return c
}

func (c *Client) WithHTTPClient(h *http.Client) *Client {
	if h != nil {
		c.http = h
	}
	return c
}

func (c *Client) WithLogger(e *logrus.Entry) *Client {
	if e != nil {
		c.log = e
	}
	return c
}

type signInWithIdpRequest struct {
	PostBody            string `json:"postBody"`
	RequestURI          string `json:"requestUri"`
	IDToken             string `json:"idToken,omitempty"`
	ReturnIdpCredential bool   `json:"returnIdpCredential"`
	ReturnSecureToken   bool   `json:"returnSecureToken"`
}

type signInWithIdpResponse struct {
	ProviderID       string `json:"providerId"`
	FederatedID      string `json:"federatedId"`
	LocalID          string `json:"localId"`
	Email            string `json:"email"`
	IDToken          string `json:"idToken"`
	RefreshToken     string `json:"refreshToken"`
	NeedConfirmation bool   `json:"needConfirmation"`
	ErrorMessage     string `json:"errorMessage"`
	OAuthAccessToken string `json:"oauthAccessToken"`
	OAuthIDToken     string `json:"oauthIdToken"`
}

type createAuthURIResponse struct {
	Registered    bool     `json:"registered"`
	SigninMethods []string `json:"signinMethods"`
	AllProviders  []string `json:"allProviders"`
}

type lookupResponse struct {
	Users []struct {
		LocalID          string `json:"localId"`
		Email            string `json:"email"`
		ProviderUserInfo []struct {
			ProviderID  string `json:"providerId"`
			FederatedID string `json:"federatedId"`
			RawID       string `json:"rawId"`
			Email       string `json:"email"`
		} `json:"providerUserInfo"`
	} `json:"users"`
}

func postBody(cred *core.ProviderCredential) string {
	v := url.Values{"providerId": {cred.ProviderID}}
	if cred.IDToken != "" {
		v.Set("id_token", cred.IDToken)
	}
	if cred.AccessToken != "" {
		v.Set("access_token", cred.AccessToken)
	}
	return v.Encode()
}

// SignIn runs the provider popup and exchanges its credential for an
// authority session. An email owned by an identity without d returns a
// *core.ConflictError carrying the credential for a later Link.
func (c *Client) SignIn(ctx context.Context, d core.ProviderDescriptor) (*core.SignInResult, error) {
	cred, err := c.creds.Credential(ctx, d)
	if err != nil {
		return nil, err
	}
	var resp signInWithIdpResponse
	if err := c.call(ctx, "accounts:signInWithIdp", signInWithIdpRequest{
		PostBody:            postBody(cred),
		RequestURI:          c.requestURI,
		ReturnIdpCredential: true,
		ReturnSecureToken:   true,
	}, &resp); err != nil {
		return nil, err
	}
	if resp.NeedConfirmation {
		if cred.Email == "" {
			cred.Email = resp.Email
		}
		return nil, &core.ConflictError{
			Code:       core.CodeAccountExists,
			Email:      resp.Email,
			ProviderID: d.ID,
			Credential: cred,
		}
	}
	if resp.IDToken == "" {
		return nil, fmt.Errorf("signInWithIdp for %s returned no session: %s", d.ID, resp.ErrorMessage)
	}
	id, err := c.lookup(ctx, resp.IDToken)
	if err != nil {
		return nil, err
	}
	return &core.SignInResult{ProviderID: d.ID, Identity: id, IDToken: resp.IDToken, RefreshToken: resp.RefreshToken}, nil
}

// FetchProvidersForEmail lists the sign-in methods registered for email.
func (c *Client) FetchProvidersForEmail(ctx context.Context, email string) ([]string, error) {
	var resp createAuthURIResponse
	if err := c.call(ctx, "accounts:createAuthUri", map[string]string{
		"identifier":  email,
		"continueUri": c.requestURI,
	}, &resp); err != nil {
		return nil, err
	}
	if len(resp.SigninMethods) > 0 {
		return resp.SigninMethods, nil
	}
	return resp.AllProviders, nil
}

// Link attaches d to the identity signed in as session. The toolkit applies
// the link atomically; on error nothing changes. Once the toolkit accepts the
// link, Link succeeds even if the identity cannot be re-read.
func (c *Client) Link(ctx context.Context, session *core.SignInResult, d core.ProviderDescriptor, pending *core.ProviderCredential) (*core.SignInResult, error) {
	if session == nil || session.IDToken == "" {
		return nil, errors.New("link requires a signed-in session")
	}
	cred := pending
	if cred == nil || cred.ProviderID != d.ID {
		var err error
		if cred, err = c.creds.Credential(ctx, d); err != nil {
			return nil, err
		}
	}
	var resp signInWithIdpResponse
	if err := c.call(ctx, "accounts:signInWithIdp", signInWithIdpRequest{
		PostBody:            postBody(cred),
		RequestURI:          c.requestURI,
		IDToken:             session.IDToken,
		ReturnIdpCredential: true,
		ReturnSecureToken:   true,
	}, &resp); err != nil {
		return nil, err
	}
	if resp.ErrorMessage != "" {
		return nil, &APIError{Status: http.StatusOK, Code: resp.ErrorMessage, Message: resp.ErrorMessage}
	}
	if resp.NeedConfirmation {
		return nil, &APIError{Status: http.StatusOK, Code: CodeFederatedUserIDAlreadyLinked, Message: "credential belongs to another account"}
	}
	token := resp.IDToken
	if token == "" {
		token = session.IDToken
	}
	// The link is committed at this point; a failed refresh must not be
	// reported as a failed link.
	id, err := c.lookup(ctx, token)
	if err != nil {
		c.log.WithError(err).WithField("provider", d.ID).Warn("identitytoolkit_link_lookup_failed")
		id = linkedIdentity(session.Identity, resp, d.ID)
	}
	return &core.SignInResult{ProviderID: d.ID, Identity: id, IDToken: token, RefreshToken: resp.RefreshToken}, nil
}

// linkedIdentity is prior with the credential the link response reports.
func linkedIdentity(prior *core.Identity, resp signInWithIdpResponse, providerID string) *core.Identity {
	id := &core.Identity{UID: resp.LocalID, Email: resp.Email}
	if prior != nil {
		id.UID = prior.UID
		if id.Email == "" {
			id.Email = prior.Email
		}
		id.Credentials = append(id.Credentials, prior.Credentials...)
	}
	if !id.HasProvider(providerID) {
		id.Credentials = append(id.Credentials, core.Credential{ProviderID: providerID, ProviderAccountID: resp.FederatedID})
	}
	return id
}

func (c *Client) lookup(ctx context.Context, idToken string) (*core.Identity, error) {
	var resp lookupResponse
	if err := c.call(ctx, "accounts:lookup", map[string]string{"idToken": idToken}, &resp); err != nil {
		return nil, err
	}
	if len(resp.Users) == 0 {
		return nil, errors.New("lookup returned no user")
	}
	u := resp.Users[0]
	id := &core.Identity{UID: u.LocalID, Email: u.Email}
	for _, p := range u.ProviderUserInfo {
		acct := p.RawID
		if acct == "" {
			acct = p.FederatedID
		}
		id.Credentials = append(id.Credentials, core.Credential{ProviderID: p.ProviderID, ProviderAccountID: acct})
	}
	return id, nil
}

func (c *Client) call(ctx context.Context, method string, in, out any) error {
	body, err := json.Marshal(in)
	if err != nil {
		return err
	}
	u := c.baseURL + "/" + method + "?key=" + url.QueryEscape(c.apiKey)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s: %w", method, err)
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("%s: read: %w", method, err)
	}
	if resp.StatusCode/100 != 2 {
		apiErr := decodeError(resp.StatusCode, raw)
		c.log.WithFields(logrus.Fields{"method": method, "status": resp.StatusCode, "code": apiErr.Code}).Warn("identitytoolkit_error")
		return apiErr
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("%s: decode: %w", method, err)
	}
	return nil
}

func decodeError(status int, raw []byte) *APIError {
	var e struct {
		Error struct {
			Message string `json:"message"`
		} `json:"error"`
	}
	_ = json.Unmarshal(raw, &e)
	msg := strings.TrimSpace(e.Error.Message)
	if msg == "" {
		msg = http.StatusText(status)
	}
	code := msg
	if i := strings.IndexAny(code, " :"); i > 0 {
		code = code[:i]
	}
	return &APIError{Status: status, Code: code, Message: msg}
}
