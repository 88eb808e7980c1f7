package resolver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// Profile is the gateway's /profile response.
type Profile struct {
	Message     string         `json:"message"`
	User        map[string]any `json:"user"`
	IDToken     string         `json:"idToken"`
	CustomToken string         `json:"customToken"`
}

// Email returns the verified email claim, if any.
func (p *Profile) Email() string {
	if p == nil {
		return ""
	}
	e, _ := p.User["email"].(string)
	return e
}

// Forwarder submits an authenticated attempt's ID token.
type Forwarder interface {
	Forward(ctx context.Context, idToken string) (*Profile, error)
}

// GatewayError is a non-200 /profile response.
type GatewayError struct {
	Status  int
	Message string
}

func (e *GatewayError) Error() string {
	return fmt.Sprintf("gateway returned %d: %s", e.Status, e.Message)
}

// ProfileClient calls GET /profile on the verification gateway.
type ProfileClient struct {
	baseURL string
	http    *http.Client
}

func NewProfileClient(baseURL string) *ProfileClient {
	return &ProfileClient{
		baseURL: strings.TrimRight(strings.TrimSpace(baseURL), "/"),
		http:    &http.Client{Timeout: 10 * time.Second},
	}
}

func (c *ProfileClient) WithHTTPClient(h *http.Client) *ProfileClient {
	if h != nil {
		c.http = h
	}
	return c
}

func (c *ProfileClient) Forward(ctx context.Context, idToken string) (*Profile, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/profile", nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+idToken)
	req.Header.Set("Accept", "application/json")
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("profile request: %w", err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("profile read: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		var e struct {
			Message string `json:"message"`
		}
		_ = json.Unmarshal(body, &e)
		return nil, &GatewayError{Status: resp.StatusCode, Message: e.Message}
	}
	var p Profile
	if err := json.Unmarshal(body, &p); err != nil {
		return nil, fmt.Errorf("profile decode: %w", err)
	}
	return &p, nil
}

// Run performs SignIn and, only when it ends Authenticated, forwards the
// resulting token exactly once.
func (r *Resolver) Run(ctx context.Context, providerID string, fwd Forwarder) (*Outcome, *Profile, error) {
	if fwd == nil {
		return nil, nil, errors.New("nil forwarder")
	}
	out, err := r.SignIn(ctx, providerID)
	if err != nil {
		return out, nil, err
	}
	p, err := fwd.Forward(ctx, out.IDToken)
	if err != nil {
		r.log.WithError(err).WithField("attempt_id", out.AttemptID).Error("profile_forward_failed")
		return out, nil, err
	}
	return out, p, nil
}

// Greeting renders the message shown after a successful Run.
func Greeting(out *Outcome, p *Profile) string {
	if out != nil && out.Linked() {
		return "Account linked successfully! Welcome " + p.Email()
	}
	return "Hello " + p.Email() + "!"
}
