package memorystore

import (
	"context"
	"sync"
	"time"

	"github.com/patrickmn/go-cache"
)

// KV is an in-memory key-value store with TTL support.
// It is only safe for single-process deployments.
type KV struct {
	// mu orders Take against Set; go-cache locks each call on its own.
	mu sync.Mutex
	c  *cache.Cache
}

func NewKV() *KV {
	return &KV{c: cache.New(cache.NoExpiration, 10*time.Minute)}
}

func (k *KV) Get(ctx context.Context, key string) ([]byte, bool, error) {
	_ = ctx
	v, ok := k.c.Get(key)
	if !ok {
		return nil, false, nil
	}
	b, _ := v.([]byte)
	return append([]byte(nil), b...), true, nil
}

func (k *KV) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	_ = ctx
	k.mu.Lock()
	defer k.mu.Unlock()
	exp := cache.NoExpiration
	if ttl > 0 {
		exp = ttl
	}
	k.c.Set(key, append([]byte(nil), value...), exp)
	return nil
}

func (k *KV) Del(ctx context.Context, key string) error {
	_ = ctx
	k.c.Delete(key)
	return nil
}

// Take returns key and deletes it in one step.
func (k *KV) Take(ctx context.Context, key string) ([]byte, bool, error) {
	_ = ctx
	k.mu.Lock()
	defer k.mu.Unlock()
	v, ok := k.c.Get(key)
	if !ok {
		return nil, false, nil
	}
	k.c.Delete(key)
	b, _ := v.([]byte)
	return b, true, nil
}
