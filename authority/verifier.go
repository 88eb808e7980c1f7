package authority

import (
	"context"
	"crypto/rsa"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	jwt "github.com/golang-jwt/jwt/v5"
	"github.com/lestrrat-go/jwx/v2/jwk"
	"github.com/open-rails/fedlink/core"
	"github.com/sirupsen/logrus"
)

const (
	defaultCacheTTL = 15 * time.Minute
	// forced refreshes on unknown kids are spaced at least this far apart.
	defaultForceRefreshEvery = 10 * time.Second
)

// Verifier validates ID tokens against the issuers' published JWKS.
// Keys are cached and refreshed in the background; an unknown kid forces a
// refresh so signing-key rotation needs no restart.
type Verifier struct {
	accept core.AcceptConfig
	cache  *jwk.Cache
	algs   []string
	skew   time.Duration

	revocations *core.RevocationStore
	log         *logrus.Entry
	now         func() time.Time

	mu                sync.Mutex
	lastForced        map[string]time.Time
	forceRefreshEvery time.Duration
}

// NewVerifier registers each issuer's JWKS URL with a cache bound to ctx.
// Keys are fetched lazily on first use.
func NewVerifier(ctx context.Context, accept core.AcceptConfig) (*Verifier, error) {
	if len(accept.Issuers) == 0 {
		return nil, errors.New("at least one accepted issuer is required")
	}
	algs := accept.Algorithms
	if len(algs) == 0 {
		algs = []string{"RS256"}
	}
	v := &Verifier{
		accept:            accept,
		cache:             jwk.NewCache(ctx),
		algs:              algs,
		skew:              accept.Skew,
		log:               logrus.NewEntry(logrus.StandardLogger()),
		now:               time.Now,
		lastForced:        map[string]time.Time{},
		forceRefreshEvery: defaultForceRefreshEvery,
	}
	for _, ia := range accept.Issuers {
		ttl := ia.CacheTTL
		if ttl <= 0 {
			ttl = defaultCacheTTL
		}
		if err := v.cache.Register(ia.KeysURL(), jwk.WithMinRefreshInterval(ttl)); err != nil {
			return nil, fmt.Errorf("register jwks %s: %w", ia.KeysURL(), err)
		}
	}
	return v, nil
}

// WithRevocations enables the revoked-session check.
func (v *Verifier) WithRevocations(r *core.RevocationStore) *Verifier { v.revocations = r; return v }

func (v *Verifier) WithLogger(e *logrus.Entry) *Verifier {
	if e != nil {
		v.log = e
	}
	return v
}

func invalid(reason string) error { return fmt.Errorf("%w: %s", core.ErrInvalidCredential, reason) }

// VerifyIDToken parses and verifies tokenStr. Every failure wraps
// core.ErrInvalidCredential.
func (v *Verifier) VerifyIDToken(ctx context.Context, tokenStr string) (*core.VerifiedToken, error) {
	tokenStr = strings.TrimSpace(tokenStr)
	if tokenStr == "" {
		return nil, invalid("missing_token")
	}

	parser := jwt.NewParser(
		jwt.WithValidMethods(v.algs),
		jwt.WithLeeway(v.skew),
		jwt.WithExpirationRequired(),
		jwt.WithIssuedAt(),
		jwt.WithTimeFunc(v.now),
	)
	claims := jwt.MapClaims{}
	tok, err := parser.ParseWithClaims(tokenStr, claims, func(t *jwt.Token) (any, error) {
		return v.keyForToken(ctx, t)
	})
	if err != nil || tok == nil || !tok.Valid {
		switch {
		case errors.Is(err, jwt.ErrTokenExpired):
			return nil, invalid("token_expired")
		case errors.Is(err, jwt.ErrTokenNotValidYet), errors.Is(err, jwt.ErrTokenUsedBeforeIssued):
			return nil, invalid("token_not_yet_valid")
		case errors.Is(err, jwt.ErrTokenMalformed):
			return nil, invalid("malformed")
		}
		return nil, fmt.Errorf("%w: %v", core.ErrInvalidCredential, err)
	}

	iss, _ := claims["iss"].(string)
	match := v.accept.Match(iss)
	if match == nil {
		return nil, invalid("bad_issuer")
	}
	aud := audiences(claims["aud"])
	if len(match.Audiences) > 0 && !containsAny(aud, match.Audiences) {
		return nil, invalid("bad_audience")
	}

	sub, _ := claims["sub"].(string)
	if sub == "" || len(sub) > 128 {
		return nil, invalid("bad_subject")
	}
	now := v.now()
	// Revocation is judged against auth_time, so it is mandatory.
	authTime, ok := toUnix(claims["auth_time"])
	if !ok {
		return nil, invalid("missing_auth_time")
	}
	if time.Unix(authTime, 0).After(now.Add(v.skew)) {
		return nil, invalid("auth_time_in_future")
	}
	if v.revocations != nil {
		revoked, err := v.revocations.IsRevoked(ctx, sub, authTime)
		if err != nil {
			return nil, fmt.Errorf("%w: revocation lookup: %v", core.ErrInvalidCredential, err)
		}
		if revoked {
			return nil, invalid("token_revoked")
		}
	}

	out := make(map[string]any, len(claims)+1)
	for k, val := range claims {
		out[k] = val
	}
	out["uid"] = sub
	email, _ := claims["email"].(string)
	iat, _ := toUnix(claims["iat"])
	exp, _ := toUnix(claims["exp"])
	vt := &core.VerifiedToken{
		UID:      sub,
		Email:    email,
		Issuer:   iss,
		AuthTime: authTime,
		IssuedAt: iat,
		Expires:  exp,
		Claims:   out,
	}
	if len(aud) > 0 {
		vt.Audience = aud[0]
	}
	return vt, nil
}

func (v *Verifier) keyForToken(ctx context.Context, t *jwt.Token) (any, error) {
	claims, _ := t.Claims.(jwt.MapClaims)
	iss, _ := claims["iss"].(string)
	match := v.accept.Match(iss)
	if match == nil {
		return nil, errors.New("bad_issuer")
	}
	kid, _ := t.Header["kid"].(string)
	if kid == "" {
		return nil, errors.New("missing_kid")
	}
	url := match.KeysURL()

	set, err := v.cache.Get(ctx, url)
	if err != nil {
		v.log.WithError(err).WithField("jwks_url", url).Error("jwks_fetch_failed")
		return nil, errors.New("jwks_unavailable")
	}
	key, ok := set.LookupKeyID(kid)
	if !ok && v.mayForceRefresh(url) {
		v.log.WithFields(logrus.Fields{"jwks_url": url, "kid": kid}).Info("jwks_refresh_unknown_kid")
		if set, err = v.cache.Refresh(ctx, url); err == nil {
			key, ok = set.LookupKeyID(kid)
		}
	}
	if !ok {
		return nil, errors.New("unknown_kid")
	}
	var pub rsa.PublicKey
	if err := key.Raw(&pub); err != nil {
		return nil, fmt.Errorf("jwk raw: %w", err)
	}
	return &pub, nil
}

func (v *Verifier) mayForceRefresh(url string) bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	now := time.Now()
	if last, ok := v.lastForced[url]; ok && now.Sub(last) < v.forceRefreshEvery {
		return false
	}
	v.lastForced[url] = now
	return true
}

func audiences(aud any) []string {
	switch t := aud.(type) {
	case string:
		return []string{t}
	case []any:
		out := make([]string, 0, len(t))
		for _, e := range t {
			if s, ok := e.(string); ok {
				out = append(out, s)
			}
		}
		return out
	case []string:
		return t
	}
	return nil
}

func containsAny(got, want []string) bool {
	for _, w := range want {
		for _, g := range got {
			if g == w {
				return true
			}
		}
	}
	return false
}

func toUnix(v any) (int64, bool) {
	switch t := v.(type) {
	case float64:
		return int64(t), true
	case int64:
		return t, true
	case int:
		return int64(t), true
	}
	return 0, false
}
