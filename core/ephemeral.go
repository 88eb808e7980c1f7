package core

import (
	"context"
	"encoding/json"
	"time"
)

// EphemeralStore is a minimal key-value interface used for short-lived state
// (popup state, revocation markers). Implementations should honor TTL on Set
// and treat missing keys as (found=false, err=nil).
type EphemeralStore interface {
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Del(ctx context.Context, key string) error
}

// EphemeralTaker is implemented by stores that can read and delete a key in
// one atomic step.
type EphemeralTaker interface {
	Take(ctx context.Context, key string) ([]byte, bool, error)
}

// SetJSON stores value as JSON under key.
func SetJSON(ctx context.Context, s EphemeralStore, key string, value any, ttl time.Duration) error {
	b, err := json.Marshal(value)
	if err != nil {
		return err
	}
	return s.Set(ctx, key, b, ttl)
}

// GetJSON loads key into out. It reports false when the key is missing.
func GetJSON(ctx context.Context, s EphemeralStore, key string, out any) (bool, error) {
	b, ok, err := s.Get(ctx, key)
	if err != nil || !ok {
		return false, err
	}
	return true, json.Unmarshal(b, out)
}

// TakeJSON loads key into out and deletes it. Only one concurrent caller
// sees the value when s implements EphemeralTaker.
func TakeJSON(ctx context.Context, s EphemeralStore, key string, out any) (bool, error) {
	var (
		b   []byte
		ok  bool
		err error
	)
	if t, atomic := s.(EphemeralTaker); atomic {
		b, ok, err = t.Take(ctx, key)
	} else {
		b, ok, err = s.Get(ctx, key)
		if err == nil && ok {
			err = s.Del(ctx, key)
		}
	}
	if err != nil || !ok {
		return false, err
	}
	return true, json.Unmarshal(b, out)
}
