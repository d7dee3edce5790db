package service

import (
	"math/rand"
	"sync"
	"time"
)

// Thread-safe random source shared by selection and jitter.
var rng = rand.New(rand.NewSource(time.Now().UnixNano()))
var rngMu sync.Mutex

func randIntn(n int) int {
	rngMu.Lock()
	defer rngMu.Unlock()
	return rng.Intn(n)
}

func randFloat() float64 {
	rngMu.Lock()
	defer rngMu.Unlock()
	return rng.Float64()
}

// RetryBackoff returns the delay before re-running a job that failed
// with a recoverable error, given the number of completed attempts.
func RetryBackoff(attempt int) time.Duration {
	steps := []time.Duration{
		5 * time.Second, 30 * time.Second, 2 * time.Minute,
		10 * time.Minute, 30 * time.Minute,
	}
	if attempt <= 0 {
		return 0
	}
	if attempt <= len(steps) {
		return steps[attempt-1]
	}
	d := 30 * time.Minute
	for i := len(steps); i < attempt && d < 6*time.Hour; i++ {
		d *= 2
	}
	return min(d, 6*time.Hour)
}

// AuthBackoff returns how long a credential sits out after consecutive
// auth failures. Auth errors burn credentials, so the curve is steep.
func AuthBackoff(errorCount int) time.Duration {
	steps := []time.Duration{
		time.Hour, 6 * time.Hour, 24 * time.Hour,
		3 * 24 * time.Hour, 7 * 24 * time.Hour,
	}
	if errorCount <= 0 {
		return 0
	}
	if errorCount <= len(steps) {
		return steps[errorCount-1]
	}
	return 30 * 24 * time.Hour
}

// OverrideTTL returns how long a proxy override stays installed for
// the given per-binding attempt number.
func OverrideTTL(attempt int) time.Duration {
	steps := []time.Duration{20 * time.Minute, time.Hour, 6 * time.Hour}
	if attempt <= 0 {
		return steps[0]
	}
	if attempt <= len(steps) {
		return steps[attempt-1]
	}
	return 24 * time.Hour
}

// RateLimitBackoff returns how long a credential sits out after the
// upstream rate-limits it.
func RateLimitBackoff(errorCount int) time.Duration {
	steps := []time.Duration{
		time.Minute, 5 * time.Minute, 15 * time.Minute,
		time.Hour, 6 * time.Hour,
	}
	if errorCount <= 0 {
		return 0
	}
	if errorCount <= len(steps) {
		return steps[errorCount-1]
	}
	return 24 * time.Hour
}

// StorageBusyDefer returns a short jittered delay for jobs bounced by
// a busy database, so retries do not stampede.
func StorageBusyDefer() time.Duration {
	return 2*time.Second + time.Duration(randIntn(3000))*time.Millisecond
}
