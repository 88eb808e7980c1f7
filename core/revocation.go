package core

import (
	"context"
	"strconv"
	"time"
)

// RevocationStore records, per uid, the time before which issued ID tokens
// are no longer accepted.
type RevocationStore struct {
	store EphemeralStore
	ttl   time.Duration
}

// NewRevocationStore keeps markers for ttl, which should exceed the longest
// ID token lifetime (one hour for Firebase). Zero means 24h.
func NewRevocationStore(store EphemeralStore, ttl time.Duration) *RevocationStore {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &RevocationStore{store: store, ttl: ttl}
}

func revocationKey(uid string) string { return "fedlink:revoked:" + uid }

// RevokeTokens invalidates every token for uid authenticated before now.
func (r *RevocationStore) RevokeTokens(ctx context.Context, uid string) error {
	now := strconv.FormatInt(time.Now().Unix(), 10)
	return r.store.Set(ctx, revocationKey(uid), []byte(now), r.ttl)
}

// ValidAfter returns the revocation time for uid, or zero when none.
func (r *RevocationStore) ValidAfter(ctx context.Context, uid string) (time.Time, error) {
	b, ok, err := r.store.Get(ctx, revocationKey(uid))
	if err != nil || !ok {
		return time.Time{}, err
	}
	sec, err := strconv.ParseInt(string(b), 10, 64)
	if err != nil {
		return time.Time{}, err
	}
	return time.Unix(sec, 0), nil
}

// IsRevoked reports whether a token with the given auth_time was revoked.
func (r *RevocationStore) IsRevoked(ctx context.Context, uid string, authTime int64) (bool, error) {
	after, err := r.ValidAfter(ctx, uid)
	if err != nil || after.IsZero() {
		return false, err
	}
	return authTime < after.Unix(), nil
}
