package memorystore

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestKV_SetGetDel(t *testing.T) {
	ctx := context.Background()
	kv := NewKV()

	_, ok, err := kv.Get(ctx, "missing")
	require.NoError(t, err)
	require.False(t, ok)

	require.NoError(t, kv.Set(ctx, "k", []byte("v"), 0))
	b, ok, err := kv.Get(ctx, "k")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "v", string(b))

	require.NoError(t, kv.Del(ctx, "k"))
	_, ok, _ = kv.Get(ctx, "k")
	require.False(t, ok)
}

func TestKV_Expires(t *testing.T) {
	ctx := context.Background()
	kv := NewKV()
	require.NoError(t, kv.Set(ctx, "k", []byte("v"), 20*time.Millisecond))
	time.Sleep(40 * time.Millisecond)
	_, ok, err := kv.Get(ctx, "k")
	require.NoError(t, err)
	require.False(t, ok)
}

func TestKV_CopiesValues(t *testing.T) {
	ctx := context.Background()
	kv := NewKV()
	in := []byte("abc")
	require.NoError(t, kv.Set(ctx, "k", in, 0))
	in[0] = 'x'
	out, _, _ := kv.Get(ctx, "k")
	require.Equal(t, "abc", string(out))
}

func TestKV_Take(t *testing.T) {
	ctx := context.Background()
	kv := NewKV()
	require.NoError(t, kv.Set(ctx, "k", []byte("v"), time.Minute))

	b, ok, err := kv.Take(ctx, "k")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "v", string(b))

	_, ok, err = kv.Take(ctx, "k")
	require.NoError(t, err)
	require.False(t, ok)
}
