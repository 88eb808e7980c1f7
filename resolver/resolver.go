// Package resolver drives one federated sign-in attempt to a terminal state,
// resolving provider conflicts by re-authenticating with the provider already
// linked to the email and linking the attempted provider to that identity.
package resolver

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/open-rails/fedlink/core"
	"github.com/sirupsen/logrus"
)

const defaultStepTimeout = 2 * time.Minute

// Resolver runs at most one attempt at a time.
type Resolver struct {
	idp         core.IdentityProvider
	providers   core.Providers
	stepTimeout time.Duration
	log         *logrus.Entry
	observe     func(Transition)
	now         func() time.Time

	busy atomic.Bool
}

type Option func(*Resolver)

// WithStepTimeout bounds every suspending step (popup, discovery, link).
func WithStepTimeout(d time.Duration) Option {
	return func(r *Resolver) {
		if d > 0 {
			r.stepTimeout = d
		}
	}
}

func WithLogger(e *logrus.Entry) Option {
	return func(r *Resolver) {
		if e != nil {
			r.log = e
		}
	}
}

// WithObserver is called synchronously on every transition.
func WithObserver(fn func(Transition)) Option {
	return func(r *Resolver) { r.observe = fn }
}

func New(idp core.IdentityProvider, providers core.Providers, opts ...Option) *Resolver {
	r := &Resolver{
		idp:         idp,
		providers:   providers,
		stepTimeout: defaultStepTimeout,
		log:         logrus.NewEntry(logrus.StandardLogger()),
		now:         time.Now,
	}
	for _, o := range opts {
		o(r)
	}
	return r
}

// Busy reports whether an attempt is in flight. Callers disable their
// sign-in controls while it is true.
func (r *Resolver) Busy() bool { return r.busy.Load() }

// SignIn runs one attempt with providerID ("google.com" or "google").
// It returns core.ErrBusy without starting when another attempt is running.
// For failed attempts the returned error equals Outcome.Err.
func (r *Resolver) SignIn(ctx context.Context, providerID string) (*Outcome, error) {
	if !r.busy.CompareAndSwap(false, true) {
		return nil, core.ErrBusy
	}
	defer r.busy.Store(false)

	a := &attempt{r: r, out: &Outcome{AttemptID: uuid.NewString(), State: Idle}}
	a.log = r.log.WithFields(logrus.Fields{"attempt_id": a.out.AttemptID, "provider": providerID})
	a.run(ctx, providerID)
	if a.out.State == Failed {
		return a.out, a.out.Err
	}
	return a.out, nil
}

type attempt struct {
	r   *Resolver
	out *Outcome
	log *logrus.Entry
}

func (a *attempt) run(ctx context.Context, providerID string) {
	r := a.r
	target, ok := r.providers.Lookup(providerID)
	if !ok {
		a.fail(ReasonUnknownProvider, fmt.Errorf("%w: %s", core.ErrUnknownProvider, providerID))
		return
	}

	a.to(Authenticating, target.ID, "")
	res, err := await(ctx, r.stepTimeout, func(c context.Context) (*core.SignInResult, error) {
		return r.idp.SignIn(c, target)
	})
	if err == nil {
		a.authenticated(res.Identity, res.IDToken)
		return
	}
	if cancelled(ctx, err) {
		a.cancel(err)
		return
	}
	ce, isConflict := core.AsConflict(err)
	if !isConflict || ce.Code != core.CodeAccountExists {
		a.fail(ReasonSignInFailed, fmt.Errorf("%w: %v", core.ErrSignInFailed, err))
		return
	}

	email := strings.TrimSpace(ce.Email)
	a.out.Conflict = &core.ConflictRecord{Email: email, ProviderID: target.ID}
	a.to(Conflicted, target.ID, email)
	if email == "" {
		a.fail(ReasonUnresolvableConflict, core.ErrUnresolvableConflict)
		return
	}

	a.to(Discovering, target.ID, email)
	methods, err := await(ctx, r.stepTimeout, func(c context.Context) ([]string, error) {
		return r.idp.FetchProvidersForEmail(c, email)
	})
	if err != nil {
		if cancelled(ctx, err) {
			a.cancel(err)
			return
		}
		a.fail(ReasonDiscoveryFailed, fmt.Errorf("%w: discovery: %v", core.ErrSignInFailed, err))
		return
	}
	a.out.Conflict.ExistingProviders = methods
	if len(methods) == 0 {
		a.fail(ReasonNoExistingProvider, core.ErrDiscoveryEmpty)
		return
	}

	// Only the first listed provider is tried.
	existing, ok := r.providers.Lookup(methods[0])
	if !ok {
		a.fail(ReasonProviderNotConfigured, fmt.Errorf("%w: %s", core.ErrProviderNotConfigured, methods[0]))
		return
	}
	a.log.WithFields(logrus.Fields{"email_present": true, "existing_provider": existing.ID}).
		Info("sign_in_conflict_reauthenticating")

	a.to(ReAuthenticating, existing.ID, email)
	prior, err := await(ctx, r.stepTimeout, func(c context.Context) (*core.SignInResult, error) {
		return r.idp.SignIn(c, existing)
	})
	if err != nil {
		if cancelled(ctx, err) {
			a.cancel(err)
			return
		}
		a.fail(ReasonReAuthFailed, fmt.Errorf("%w: %v", core.ErrReAuthFailure, err))
		return
	}

	a.to(Linking, target.ID, email)
	linked, err := await(ctx, r.stepTimeout, func(c context.Context) (*core.SignInResult, error) {
		return r.idp.Link(c, prior, target, ce.Credential)
	})
	if err != nil {
		if cancelled(ctx, err) {
			a.cancel(err)
			return
		}
		a.fail(ReasonLinkFailed, fmt.Errorf("%w: %v", core.ErrLinkFailure, err))
		return
	}

	identity := prior.Identity
	if linked != nil && linked.Identity != nil {
		identity = linked.Identity
	}
	a.authenticated(identity, prior.IDToken)
}

func (a *attempt) to(s State, provider, email string) {
	a.transition(Transition{From: a.out.State, To: s, Provider: provider, Email: email})
}

func (a *attempt) transition(t Transition) {
	t.At = a.r.now()
	a.out.Trace = append(a.out.Trace, t)
	a.out.State = t.To
	e := a.log.WithFields(logrus.Fields{"from": t.From.String(), "to": t.To.String(), "reason": t.Reason})
	if t.To.Terminal() {
		e.Info("sign_in_finished")
	} else {
		e.Debug("sign_in_transition")
	}
	if a.r.observe != nil {
		a.r.observe(t)
	}
}

func (a *attempt) authenticated(id *core.Identity, token string) {
	a.out.Identity = id
	a.out.IDToken = token
	last := a.lastProvider()
	a.to(Authenticated, last, "")
	uid := ""
	if id != nil {
		uid = id.UID
	}
	a.log.WithField("uid", uid).Info("sign_in_authenticated")
}

func (a *attempt) fail(reason string, err error) {
	a.out.Reason = reason
	a.out.Err = err
	a.transition(Transition{From: a.out.State, To: Failed, Provider: a.lastProvider(), Reason: reason})
	a.log.WithError(err).WithField("reason", reason).Warn("sign_in_failed")
}

func (a *attempt) cancel(err error) {
	a.fail(ReasonCancelled, fmt.Errorf("%w: %v", core.ErrCancelled, err))
}

func (a *attempt) lastProvider() string {
	if n := len(a.out.Trace); n > 0 {
		return a.out.Trace[n-1].Provider
	}
	return ""
}

// await runs fn under a per-step timeout and returns as soon as the step
// finishes or its context ends, whichever is first.
func await[T any](ctx context.Context, timeout time.Duration, fn func(context.Context) (T, error)) (T, error) {
	sctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	type result struct {
		v   T
		err error
	}
	done := make(chan result, 1)
	go func() {
		v, err := fn(sctx)
		done <- result{v, err}
	}()
	select {
	case res := <-done:
		return res.v, res.err
	case <-sctx.Done():
		var zero T
		return zero, sctx.Err()
	}
}

func cancelled(ctx context.Context, err error) bool {
	return errors.Is(err, context.Canceled) ||
		errors.Is(err, context.DeadlineExceeded) ||
		errors.Is(err, core.ErrCancelled) ||
		ctx.Err() != nil
}
