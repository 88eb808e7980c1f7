package oidckit

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/open-rails/fedlink/adapters/ginutil"
	"github.com/open-rails/fedlink/core"
	"github.com/sirupsen/logrus"
)

const callbackPath = "/callback"

var errUnknownState = errors.New("unknown or expired state")

const closePage = `<!doctype html><html><body><p>%s You can close this window.</p><script>window.close()</script></body></html>`

// LoopbackPopup collects provider credentials through the system browser and
// a one-shot callback listener on the loopback interface.
type LoopbackPopup struct {
	mgr    *Manager
	states *StateCache
	open   func(url string) error
	addr   string
	log    *logrus.Entry
}

var _ core.CredentialSource = (*LoopbackPopup)(nil)

// NewLoopbackPopup uses open to show the authorization URL to the user.
func NewLoopbackPopup(mgr *Manager, states *StateCache, open func(url string) error) *LoopbackPopup {
	return &LoopbackPopup{
		mgr:    mgr,
		states: states,
		open:   open,
		addr:   "127.0.0.1:0",
		log:    logrus.NewEntry(logrus.StandardLogger()),
	}
}

// WithListenAddr fixes the callback address, for providers that require an
// exact registered redirect URI.
func (p *LoopbackPopup) WithListenAddr(addr string) *LoopbackPopup {
	if addr != "" {
		p.addr = addr
	}
	return p
}

func (p *LoopbackPopup) WithLogger(e *logrus.Entry) *LoopbackPopup {
	if e != nil {
		p.log = e
	}
	return p
}

type callbackResult struct {
	cred *core.ProviderCredential
	err  error
}

// Credential runs one authorization-code flow for d. It returns an error
// wrapping core.ErrCancelled when the user denies access or ctx ends first.
func (p *LoopbackPopup) Credential(ctx context.Context, d core.ProviderDescriptor) (*core.ProviderCredential, error) {
	ln, err := net.Listen("tcp", p.addr)
	if err != nil {
		return nil, fmt.Errorf("callback listener: %w", err)
	}
	redirectURI := "http://" + ln.Addr().String() + callbackPath

	verifier, challenge, err := GeneratePKCE()
	if err != nil {
		_ = ln.Close()
		return nil, err
	}
	state, nonce := ginutil.RandB64(24), ginutil.RandB64(24)
	if err := p.states.Put(ctx, state, StateData{Provider: d.ID, Verifier: verifier, Nonce: nonce, RedirectURI: redirectURI}); err != nil {
		_ = ln.Close()
		return nil, fmt.Errorf("persist state: %w", err)
	}
	authURL, err := p.mgr.Begin(ctx, d.ID, state, nonce, challenge, redirectURI)
	if err != nil {
		_ = ln.Close()
		return nil, err
	}

	results := make(chan callbackResult, 1)
	mux := http.NewServeMux()
	mux.HandleFunc(callbackPath, func(w http.ResponseWriter, r *http.Request) {
		res := p.callback(ctx, r)
		if errors.Is(res.err, errUnknownState) {
			http.Error(w, res.err.Error(), http.StatusBadRequest)
			return
		}
		msg := "Signed in."
		if res.err != nil {
			msg = "Sign-in did not complete."
		}
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		_, _ = fmt.Fprintf(w, closePage, msg)
		select {
		case results <- res:
		default:
		}
	})
	srv := &http.Server{Handler: mux, ReadHeaderTimeout: 10 * time.Second}
	go func() { _ = srv.Serve(ln) }()
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	p.log.WithFields(logrus.Fields{"provider": d.ID, "redirect_uri": redirectURI}).Debug("popup_opened")
	if err := p.open(authURL); err != nil {
		return nil, fmt.Errorf("open browser: %w", err)
	}

	select {
	case res := <-results:
		return res.cred, res.err
	case <-ctx.Done():
		return nil, fmt.Errorf("%w: popup: %v", core.ErrCancelled, ctx.Err())
	}
}

func (p *LoopbackPopup) callback(ctx context.Context, r *http.Request) callbackResult {
	q := r.URL.Query()
	sd, ok, err := p.states.Take(ctx, q.Get("state"))
	if err != nil {
		return callbackResult{err: fmt.Errorf("load state: %w", err)}
	}
	if !ok {
		return callbackResult{err: errUnknownState}
	}
	if e := q.Get("error"); e != "" {
		// access_denied and friends: the user closed or refused the popup.
		return callbackResult{err: fmt.Errorf("%w: %s", core.ErrCancelled, e)}
	}
	code := q.Get("code")
	if code == "" {
		return callbackResult{err: errors.New("callback without code")}
	}
	d, ok := p.mgr.Provider(sd.Provider)
	if !ok {
		return callbackResult{err: fmt.Errorf("%w: %s", core.ErrUnknownProvider, sd.Provider)}
	}
	rpClient, err := p.mgr.GetRPWithRedirect(ctx, d.ID, sd.RedirectURI)
	if err != nil {
		return callbackResult{err: err}
	}
	cred, err := Exchange(ctx, rpClient, d, code, sd.Verifier, sd.Nonce)
	return callbackResult{cred: cred, err: err}
}
