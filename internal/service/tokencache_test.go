package service

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeRefresher struct {
	calls atomic.Int64
	err   error
	ttl   time.Duration
}

func (f *fakeRefresher) Refresh(_ context.Context, tokenID int64) (*AccessToken, error) {
	f.calls.Add(1)
	if f.err != nil {
		return nil, f.err
	}
	ttl := f.ttl
	if ttl == 0 {
		ttl = time.Hour
	}
	return &AccessToken{Token: "at-1", ExpiresAt: time.Now().Add(ttl)}, nil
}

func TestTokenCache_SingleFlight(t *testing.T) {
	ref := &fakeRefresher{}
	cache := NewTokenCache(ref)
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			tok, err := cache.Get(ctx, 1)
			assert.NoError(t, err)
			assert.Equal(t, "at-1", tok)
		}()
	}
	wg.Wait()

	assert.Equal(t, int64(1), ref.calls.Load())
}

func TestTokenCache_RefreshesNearExpiry(t *testing.T) {
	ref := &fakeRefresher{ttl: 30 * time.Second} // inside the 60s margin
	cache := NewTokenCache(ref)
	ctx := context.Background()

	_, err := cache.Get(ctx, 1)
	require.NoError(t, err)
	_, err = cache.Get(ctx, 1)
	require.NoError(t, err)

	assert.Equal(t, int64(2), ref.calls.Load())
}

func TestTokenCache_Invalidate(t *testing.T) {
	ref := &fakeRefresher{}
	cache := NewTokenCache(ref)
	ctx := context.Background()

	_, err := cache.Get(ctx, 1)
	require.NoError(t, err)
	cache.Invalidate(1)
	_, err = cache.Get(ctx, 1)
	require.NoError(t, err)

	assert.Equal(t, int64(2), ref.calls.Load())
}

func TestTokenCache_RefreshError(t *testing.T) {
	ref := &fakeRefresher{err: errors.New("upstream 400")}
	cache := NewTokenCache(ref)

	_, err := cache.Get(context.Background(), 1)
	assert.Error(t, err)
}
