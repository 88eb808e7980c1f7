package identitytoolkit

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"

	"github.com/open-rails/fedlink/core"
	"github.com/open-rails/fedlink/resolver"
	"github.com/stretchr/testify/require"
)

// fakeToolkit keeps one account per email and one owner per provider account.
type fakeToolkit struct {
	mu     sync.Mutex
	emails map[string]string // provider token -> email reported by the provider
	users  map[string]*fakeUser
	owners map[string]string // providerId|token -> uid
	seq    int

	// lookupDownAfterLink makes accounts:lookup fail once a link has landed.
	lookupDownAfterLink bool
	linked              bool
}

type fakeUser struct {
	uid       string
	email     string
	providers []string
	accounts  []string
}

func newFakeToolkit() *fakeToolkit {
	return &fakeToolkit{emails: map[string]string{}, users: map[string]*fakeUser{}, owners: map[string]string{}}
}

func (f *fakeToolkit) userByEmail(email string) *fakeUser {
	for _, u := range f.users {
		if strings.EqualFold(u.email, email) {
			return u
		}
	}
	return nil
}

func (f *fakeToolkit) addUser(email, provider, token string) *fakeUser {
	f.seq++
	u := &fakeUser{uid: fmt.Sprintf("uid-%d", f.seq), email: email}
	f.users[u.uid] = u
	f.link(u, provider, token)
	return u
}

func (f *fakeToolkit) link(u *fakeUser, provider, token string) {
	u.providers = append(u.providers, provider)
	u.accounts = append(u.accounts, token)
	f.owners[provider+"|"+token] = u.uid
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func (f *fakeToolkit) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.URL.Query().Get("key") != "test-key" {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": map[string]any{"code": 400, "message": "API_KEY_INVALID"}})
		return
	}
	var in map[string]any
	_ = json.NewDecoder(r.Body).Decode(&in)
	f.mu.Lock()
	defer f.mu.Unlock()

	switch strings.TrimPrefix(r.URL.Path, "/v1/") {
	case "accounts:signInWithIdp":
		pb, _ := url.ParseQuery(in["postBody"].(string))
		provider := pb.Get("providerId")
		token := pb.Get("access_token")
		if token == "" {
			token = pb.Get("id_token")
		}
		email := f.emails[token]
		if session, _ := in["idToken"].(string); session != "" {
			u := f.users[strings.TrimPrefix(session, "tok-")]
			if u == nil {
				writeJSON(w, http.StatusBadRequest, map[string]any{"error": map[string]any{"message": "INVALID_ID_TOKEN"}})
				return
			}
			if owner, ok := f.owners[provider+"|"+token]; ok && owner != u.uid {
				writeJSON(w, http.StatusOK, map[string]any{"errorMessage": CodeFederatedUserIDAlreadyLinked})
				return
			}
			f.link(u, provider, token)
			f.linked = true
			writeJSON(w, http.StatusOK, map[string]any{"localId": u.uid, "email": u.email, "idToken": "tok-" + u.uid, "federatedId": token})
			return
		}
		if uid, ok := f.owners[provider+"|"+token]; ok {
			u := f.users[uid]
			writeJSON(w, http.StatusOK, map[string]any{"localId": u.uid, "email": u.email, "idToken": "tok-" + u.uid, "refreshToken": "r"})
			return
		}
		if u := f.userByEmail(email); u != nil && email != "" {
			writeJSON(w, http.StatusOK, map[string]any{"needConfirmation": true, "email": email, "providerId": provider})
			return
		}
		u := f.addUser(email, provider, token)
		writeJSON(w, http.StatusOK, map[string]any{"localId": u.uid, "email": u.email, "idToken": "tok-" + u.uid, "refreshToken": "r"})
	case "accounts:createAuthUri":
		email, _ := in["identifier"].(string)
		methods := []string{}
		if u := f.userByEmail(email); u != nil {
			methods = u.providers
		}
		writeJSON(w, http.StatusOK, map[string]any{"registered": len(methods) > 0, "signinMethods": methods})
	case "accounts:lookup":
		if f.lookupDownAfterLink && f.linked {
			writeJSON(w, http.StatusServiceUnavailable, map[string]any{"error": map[string]any{"message": "UNAVAILABLE"}})
			return
		}
		tok, _ := in["idToken"].(string)
		u := f.users[strings.TrimPrefix(tok, "tok-")]
		if u == nil {
			writeJSON(w, http.StatusBadRequest, map[string]any{"error": map[string]any{"message": "INVALID_ID_TOKEN"}})
			return
		}
		infos := []map[string]any{}
		for i, p := range u.providers {
			infos = append(infos, map[string]any{"providerId": p, "rawId": u.accounts[i], "email": u.email})
		}
		writeJSON(w, http.StatusOK, map[string]any{"users": []map[string]any{{"localId": u.uid, "email": u.email, "providerUserInfo": infos}}})
	default:
		http.NotFound(w, r)
	}
}

// scriptedPopups hands out one credential per provider id, in order.
type scriptedPopups struct {
	mu    sync.Mutex
	queue map[string][]*core.ProviderCredential
	calls []string
}

func (s *scriptedPopups) push(provider, token string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.queue == nil {
		s.queue = map[string][]*core.ProviderCredential{}
	}
	s.queue[provider] = append(s.queue[provider], &core.ProviderCredential{ProviderID: provider, AccessToken: token})
}

func (s *scriptedPopups) Credential(ctx context.Context, d core.ProviderDescriptor) (*core.ProviderCredential, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, d.ID)
	q := s.queue[d.ID]
	if len(q) == 0 {
		return nil, core.ErrCancelled
	}
	s.queue[d.ID] = q[1:]
	return q[0], nil
}

func newClient(t *testing.T) (*Client, *fakeToolkit, *scriptedPopups) {
	f := newFakeToolkit()
	srv := httptest.NewServer(f)
	t.Cleanup(srv.Close)
	pop := &scriptedPopups{}
	return New("test-key", pop).WithBaseURL(srv.URL + "/v1"), f, pop
}

var (
	google = core.DefaultProviders()["google.com"]
	github = core.DefaultProviders()["github.com"]
)

func TestSignIn_NewAccount(t *testing.T) {
	c, f, pop := newClient(t)
	f.emails["g-alice"] = "alice@example.com"
	pop.push("google.com", "g-alice")

	res, err := c.SignIn(context.Background(), google)
	require.NoError(t, err)
	require.Equal(t, "alice@example.com", res.Identity.Email)
	require.Equal(t, []string{"google.com"}, res.Identity.ProviderIDs())
	require.NotEmpty(t, res.IDToken)
}

func TestSignIn_ConflictCarriesCredential(t *testing.T) {
	c, f, pop := newClient(t)
	f.addUser("alice@example.com", "google.com", "g-alice")
	f.emails["gh-alice"] = "alice@example.com"
	pop.push("github.com", "gh-alice")

	_, err := c.SignIn(context.Background(), github)
	require.ErrorIs(t, err, core.ErrProviderConflict)
	ce, ok := core.AsConflict(err)
	require.True(t, ok)
	require.Equal(t, core.CodeAccountExists, ce.Code)
	require.Equal(t, "alice@example.com", ce.Email)
	require.Equal(t, "gh-alice", ce.Credential.AccessToken)
}

func TestFetchProvidersForEmail(t *testing.T) {
	c, f, _ := newClient(t)
	f.addUser("alice@example.com", "google.com", "g-alice")

	got, err := c.FetchProvidersForEmail(context.Background(), "alice@example.com")
	require.NoError(t, err)
	require.Equal(t, []string{"google.com"}, got)

	got, err = c.FetchProvidersForEmail(context.Background(), "nobody@example.com")
	require.NoError(t, err)
	require.Empty(t, got)
}

func TestLink_PendingCredentialSkipsPopup(t *testing.T) {
	c, f, pop := newClient(t)
	u := f.addUser("alice@example.com", "google.com", "g-alice")
	session := &core.SignInResult{IDToken: "tok-" + u.uid}

	res, err := c.Link(context.Background(), session, github, &core.ProviderCredential{ProviderID: "github.com", AccessToken: "gh-alice"})
	require.NoError(t, err)
	require.Equal(t, []string{"google.com", "github.com"}, res.Identity.ProviderIDs())
	require.Empty(t, pop.calls)
}

func TestLink_CredentialOwnedElsewhere(t *testing.T) {
	c, f, _ := newClient(t)
	alice := f.addUser("alice@example.com", "google.com", "g-alice")
	f.addUser("bob@example.com", "github.com", "gh-bob")

	_, err := c.Link(context.Background(), &core.SignInResult{IDToken: "tok-" + alice.uid}, github,
		&core.ProviderCredential{ProviderID: "github.com", AccessToken: "gh-bob"})
	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	require.Equal(t, CodeFederatedUserIDAlreadyLinked, apiErr.Code)
	f.mu.Lock()
	defer f.mu.Unlock()
	require.Equal(t, []string{"google.com"}, alice.providers)
}

func TestCall_DecodesAPIError(t *testing.T) {
	c, _, _ := newClient(t)
	c.apiKey = "wrong"
	_, err := c.FetchProvidersForEmail(context.Background(), "alice@example.com")
	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	require.Equal(t, http.StatusBadRequest, apiErr.Status)
	require.Equal(t, "API_KEY_INVALID", apiErr.Code)
}

func TestResolverOverToolkit_LinksOnConflict(t *testing.T) {
	c, f, pop := newClient(t)
	alice := f.addUser("alice@example.com", "google.com", "g-alice")
	f.emails["gh-alice"] = "alice@example.com"
	pop.push("github.com", "gh-alice")
	pop.push("google.com", "g-alice")

	r := resolver.New(c, core.DefaultProviders())
	out, err := r.SignIn(context.Background(), "github")
	require.NoError(t, err)
	require.Equal(t, resolver.Authenticated, out.State)
	require.True(t, out.Linked())
	require.Equal(t, alice.uid, out.Identity.UID)
	require.ElementsMatch(t, []string{"google.com", "github.com"}, out.Identity.ProviderIDs())
	require.Equal(t, []string{"github.com", "google.com"}, pop.calls)
	f.mu.Lock()
	defer f.mu.Unlock()
	require.Len(t, f.users, 1)
}

func TestLink_LookupFailureAfterCommitStillLinks(t *testing.T) {
	c, f, _ := newClient(t)
	u := f.addUser("alice@example.com", "google.com", "g-alice")
	f.lookupDownAfterLink = true
	prior := &core.Identity{UID: u.uid, Email: u.email, Credentials: []core.Credential{
		{ProviderID: "google.com", ProviderAccountID: "g-alice"},
	}}
	session := &core.SignInResult{IDToken: "tok-" + u.uid, Identity: prior}

	res, err := c.Link(context.Background(), session, github, &core.ProviderCredential{ProviderID: "github.com", AccessToken: "gh-alice"})
	require.NoError(t, err)
	require.Equal(t, u.uid, res.Identity.UID)
	require.Equal(t, []string{"google.com", "github.com"}, res.Identity.ProviderIDs())
	require.Equal(t, "gh-alice", res.Identity.Credentials[1].ProviderAccountID)
	require.Equal(t, "tok-"+u.uid, res.IDToken)
}

func TestResolverOverToolkit_LookupFailureAfterLinkIsNotLinkFailure(t *testing.T) {
	c, f, pop := newClient(t)
	alice := f.addUser("alice@example.com", "google.com", "g-alice")
	f.lookupDownAfterLink = true
	f.emails["gh-alice"] = "alice@example.com"
	pop.push("github.com", "gh-alice")
	pop.push("google.com", "g-alice")

	out, err := resolver.New(c, core.DefaultProviders()).SignIn(context.Background(), "github")
	require.NoError(t, err)
	require.Equal(t, resolver.Authenticated, out.State)
	require.Empty(t, out.Reason)
	require.ElementsMatch(t, []string{"google.com", "github.com"}, out.Identity.ProviderIDs())
	f.mu.Lock()
	defer f.mu.Unlock()
	require.Equal(t, []string{"google.com", "github.com"}, alice.providers)
}

func TestAPIError_MapsToSentinels(t *testing.T) {
	cases := map[string]error{
		CodeFederatedUserIDAlreadyLinked: core.ErrLinkFailure,
		CodeEmailExists:                  core.ErrProviderConflict,
		CodeCredentialTooOld:             core.ErrReAuthFailure,
	}
	for code, want := range cases {
		err := fmt.Errorf("wrapped: %w", &APIError{Status: http.StatusBadRequest, Code: code, Message: code})
		require.ErrorIs(t, err, want, code)
	}
	require.NotErrorIs(t, &APIError{Code: "INVALID_IDP_RESPONSE"}, core.ErrLinkFailure)
}
