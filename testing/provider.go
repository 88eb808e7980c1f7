package testing

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/open-rails/fedlink/authority"
	"github.com/open-rails/fedlink/core"
)

// ErrPopupClosed mirrors the authority's popup-closed-by-user failure.
var ErrPopupClosed = fmt.Errorf("popup-closed-by-user: %w", core.ErrCancelled)

// Popup scripts the outcome of one interactive provider flow.
type Popup struct {
	AccountID string
	Email     string
	// OmitEmail makes a resulting conflict report no email.
	OmitEmail bool
	// Err fails the popup with this error.
	Err error
	// Hang blocks until the context is done.
	Hang bool
}

// FakeIdentityProvider emulates the authority's account model in memory:
// one identity per email, at most one identity per provider account, and
// atomic linking. Popups are scripted per provider id.
type FakeIdentityProvider struct {
	issuer *authority.Issuer

	mu       sync.Mutex
	users    map[string]*core.Identity // uid -> identity
	byEmail  map[string]string         // email -> uid
	byCred   map[string]string         // provider|account -> uid
	popups   map[string][]Popup
	calls    []string
	linkErr  error
	discover map[string][]string
}

var _ core.IdentityProvider = (*FakeIdentityProvider)(nil)

// NewFakeIdentityProvider signs ID tokens with issuer so they verify at a
// gateway that accepts it.
func NewFakeIdentityProvider(issuer *authority.Issuer) *FakeIdentityProvider {
	return &FakeIdentityProvider{
		issuer:   issuer,
		users:    map[string]*core.Identity{},
		byEmail:  map[string]string{},
		byCred:   map[string]string{},
		popups:   map[string][]Popup{},
		discover: map[string][]string{},
	}
}

func credKey(providerID, accountID string) string {
	return strings.ToLower(providerID) + "|" + accountID
}

// AddUser registers an identity with the given credentials and returns its uid.
func (f *FakeIdentityProvider) AddUser(email string, creds ...core.Credential) string {
	f.mu.Lock()
	defer f.mu.Unlock()
	uid := uuid.NewString()
	f.users[uid] = &core.Identity{UID: uid, Email: email, Credentials: append([]core.Credential(nil), creds...)}
	if email != "" {
		f.byEmail[strings.ToLower(email)] = uid
	}
	for _, c := range creds {
		f.byCred[credKey(c.ProviderID, c.ProviderAccountID)] = uid
	}
	return uid
}

// QueuePopup appends a scripted popup outcome for providerID.
func (f *FakeIdentityProvider) QueuePopup(providerID string, p Popup) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.popups[providerID] = append(f.popups[providerID], p)
}

// FailLinks makes every Link call fail with err (nil restores linking).
func (f *FakeIdentityProvider) FailLinks(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.linkErr = err
}

// OverrideDiscovery makes FetchProvidersForEmail report providers for email.
func (f *FakeIdentityProvider) OverrideDiscovery(email string, providers []string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.discover[strings.ToLower(email)] = providers
}

// Identity returns a copy of the identity for uid.
func (f *FakeIdentityProvider) Identity(uid string) (core.Identity, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	u, ok := f.users[uid]
	if !ok {
		return core.Identity{}, false
	}
	cp := *u
	cp.Credentials = append([]core.Credential(nil), u.Credentials...)
	return cp, true
}

// UserCount returns the number of identities.
func (f *FakeIdentityProvider) UserCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.users)
}

// Calls lists the operations invoked, e.g. "signin:google.com".
func (f *FakeIdentityProvider) Calls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

func (f *FakeIdentityProvider) popup(ctx context.Context, providerID string) (Popup, error) {
	f.mu.Lock()
	q := f.popups[providerID]
	if len(q) == 0 {
		f.mu.Unlock()
		return Popup{}, ErrPopupClosed
	}
	p := q[0]
	f.popups[providerID] = q[1:]
	f.mu.Unlock()

	if p.Hang {
		<-ctx.Done()
		return Popup{}, ctx.Err()
	}
	if p.Err != nil {
		return Popup{}, p.Err
	}
	return p, nil
}

func (f *FakeIdentityProvider) SignIn(ctx context.Context, d core.ProviderDescriptor) (*core.SignInResult, error) {
	f.record("signin:" + d.ID)
	p, err := f.popup(ctx, d.ID)
	if err != nil {
		return nil, err
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if uid, ok := f.byCred[credKey(d.ID, p.AccountID)]; ok {
		return f.resultLocked(uid, d.ID)
	}
	email := strings.ToLower(p.Email)
	if uid, ok := f.byEmail[email]; ok && email != "" {
		if !f.users[uid].HasProvider(d.ID) {
			ce := &core.ConflictError{
				Code:       core.CodeAccountExists,
				Email:      p.Email,
				ProviderID: d.ID,
				Credential: &core.ProviderCredential{ProviderID: d.ID, AccessToken: p.AccountID, Email: p.Email},
			}
			if p.OmitEmail {
				ce.Email = ""
			}
			return nil, ce
		}
	}
	uid := uuid.NewString()
	f.users[uid] = &core.Identity{UID: uid, Email: p.Email, Credentials: []core.Credential{{ProviderID: d.ID, ProviderAccountID: p.AccountID}}}
	if email != "" {
		f.byEmail[email] = uid
	}
	f.byCred[credKey(d.ID, p.AccountID)] = uid
	return f.resultLocked(uid, d.ID)
}

func (f *FakeIdentityProvider) FetchProvidersForEmail(ctx context.Context, email string) ([]string, error) {
	f.record("discover:" + email)
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if ps, ok := f.discover[strings.ToLower(email)]; ok {
		return append([]string(nil), ps...), nil
	}
	uid, ok := f.byEmail[strings.ToLower(email)]
	if !ok {
		return nil, nil
	}
	return f.users[uid].ProviderIDs(), nil
}

func (f *FakeIdentityProvider) Link(ctx context.Context, session *core.SignInResult, d core.ProviderDescriptor, pending *core.ProviderCredential) (*core.SignInResult, error) {
	f.record("link:" + d.ID)
	if session == nil || session.Identity == nil {
		return nil, errors.New("link requires a signed-in identity")
	}
	accountID := ""
	if pending != nil {
		accountID = pending.AccessToken
	} else {
		p, err := f.popup(ctx, d.ID)
		if err != nil {
			return nil, err
		}
		accountID = p.AccountID
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if f.linkErr != nil {
		return nil, f.linkErr
	}
	uid := session.Identity.UID
	u, ok := f.users[uid]
	if !ok {
		return nil, fmt.Errorf("user %s not found", uid)
	}
	key := credKey(d.ID, accountID)
	if owner, taken := f.byCred[key]; taken && owner != uid {
		return nil, errors.New("credential-already-in-use")
	}
	if u.HasProvider(d.ID) {
		return nil, errors.New("provider-already-linked")
	}
	u.Credentials = append(u.Credentials, core.Credential{ProviderID: d.ID, ProviderAccountID: accountID})
	f.byCred[key] = uid
	return f.resultLocked(uid, d.ID)
}

func (f *FakeIdentityProvider) resultLocked(uid, providerID string) (*core.SignInResult, error) {
	u := f.users[uid]
	tok, err := f.issuer.Issue(authority.IDTokenRequest{UID: uid, Email: u.Email, ProviderID: providerID})
	if err != nil {
		return nil, err
	}
	cp := *u
	cp.Credentials = append([]core.Credential(nil), u.Credentials...)
	return &core.SignInResult{ProviderID: providerID, Identity: &cp, IDToken: tok}, nil
}

func (f *FakeIdentityProvider) record(call string) {
	f.mu.Lock()
	f.calls = append(f.calls, call)
	f.mu.Unlock()
}
