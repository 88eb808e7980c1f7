package resolver

import (
	"time"

	"github.com/open-rails/fedlink/core"
)

// State is a step of one sign-in attempt.
type State int

const (
	Idle State = iota
	Authenticating
	Authenticated
	Conflicted
	Discovering
	ReAuthenticating
	Linking
	Failed
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Authenticating:
		return "authenticating"
	case Authenticated:
		return "authenticated"
	case Conflicted:
		return "conflicted"
	case Discovering:
		return "discovering"
	case ReAuthenticating:
		return "reauthenticating"
	case Linking:
		return "linking"
	case Failed:
		return "failed"
	}
	return "unknown"
}

// Terminal reports whether no transition leaves s.
func (s State) Terminal() bool { return s == Authenticated || s == Failed }

// Failure reasons carried by Failed outcomes.
const (
	ReasonUnresolvableConflict  = "unresolvable-conflict"
	ReasonNoExistingProvider    = "no-existing-provider"
	ReasonLinkFailed            = "link-failed"
	ReasonReAuthFailed          = "reauth-failed"
	ReasonSignInFailed          = "sign-in-failed"
	ReasonDiscoveryFailed       = "discovery-failed"
	ReasonCancelled             = "cancelled"
	ReasonUnknownProvider       = "unknown-provider"
	ReasonProviderNotConfigured = "provider-not-configured"
)

// Transition records one state change.
type Transition struct {
	From     State
	To       State
	Provider string
	Email    string
	Reason   string
	At       time.Time
}

// Outcome is the terminal result of an attempt.
type Outcome struct {
	AttemptID string
	State     State
	Identity  *core.Identity
	IDToken   string
	Reason    string
	// Err wraps one of the core sentinels and the underlying cause.
	Err      error
	Conflict *core.ConflictRecord
	Trace    []Transition
}

// Path lists the visited states, starting with Idle.
func (o *Outcome) Path() []State {
	out := []State{Idle}
	for _, t := range o.Trace {
		out = append(out, t.To)
	}
	return out
}

// Visited reports whether the attempt passed through s.
func (o *Outcome) Visited(s State) bool {
	for _, p := range o.Path() {
		if p == s {
			return true
		}
	}
	return false
}

// Linked reports whether the attempt resolved a conflict by linking.
func (o *Outcome) Linked() bool { return o.State == Authenticated && o.Visited(Linking) }

// UserMessage is the text to show the end user for a failed attempt.
func (o *Outcome) UserMessage() string { return core.UserMessage(o.Err) }
