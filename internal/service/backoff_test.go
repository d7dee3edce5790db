package service

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestRetryBackoff(t *testing.T) {
	tests := []struct {
		attempt int
		want    time.Duration
	}{
		{0, 0},
		{1, 5 * time.Second},
		{2, 30 * time.Second},
		{3, 2 * time.Minute},
		{4, 10 * time.Minute},
		{5, 30 * time.Minute},
		{6, time.Hour},
		{7, 2 * time.Hour},
		{8, 4 * time.Hour},
		{9, 6 * time.Hour},
		{20, 6 * time.Hour},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, RetryBackoff(tt.attempt), "attempt %d", tt.attempt)
	}
}

func TestAuthBackoff(t *testing.T) {
	assert.Equal(t, time.Duration(0), AuthBackoff(0))
	assert.Equal(t, time.Hour, AuthBackoff(1))
	assert.Equal(t, 6*time.Hour, AuthBackoff(2))
	assert.Equal(t, 24*time.Hour, AuthBackoff(3))
	assert.Equal(t, 3*24*time.Hour, AuthBackoff(4))
	assert.Equal(t, 7*24*time.Hour, AuthBackoff(5))
	assert.Equal(t, 30*24*time.Hour, AuthBackoff(6))
	assert.Equal(t, 30*24*time.Hour, AuthBackoff(50))
}

func TestOverrideTTL(t *testing.T) {
	assert.Equal(t, 20*time.Minute, OverrideTTL(0))
	assert.Equal(t, 20*time.Minute, OverrideTTL(1))
	assert.Equal(t, time.Hour, OverrideTTL(2))
	assert.Equal(t, 6*time.Hour, OverrideTTL(3))
	assert.Equal(t, 24*time.Hour, OverrideTTL(4))
	assert.Equal(t, 24*time.Hour, OverrideTTL(10))
}

func TestRateLimitBackoff(t *testing.T) {
	assert.Equal(t, time.Minute, RateLimitBackoff(1))
	assert.Equal(t, 5*time.Minute, RateLimitBackoff(2))
	assert.Equal(t, 15*time.Minute, RateLimitBackoff(3))
	assert.Equal(t, time.Hour, RateLimitBackoff(4))
	assert.Equal(t, 6*time.Hour, RateLimitBackoff(5))
	assert.Equal(t, 24*time.Hour, RateLimitBackoff(6))
}

func TestStorageBusyDefer(t *testing.T) {
	for i := 0; i < 100; i++ {
		d := StorageBusyDefer()
		assert.GreaterOrEqual(t, d, 2*time.Second)
		assert.LessOrEqual(t, d, 5*time.Second)
	}
}
