package service

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/user/pixrand-go/internal/config"
	"github.com/user/pixrand-go/internal/repository"
	"github.com/user/pixrand-go/tests/testutil"
)

func newTestStats(t *testing.T) (*RandomStats, *SettingsService) {
	db := testutil.NewTestDB(t)
	settings := NewSettingsService(repository.NewSettingsRepository(db), &config.Config{}, testutil.NewTestLogger())
	return NewRandomStats(settings), settings
}

func TestRandomStats_WindowAndTotals(t *testing.T) {
	s, _ := newTestStats(t)
	ctx := context.Background()

	s.Record(ctx, ResultOK)
	s.Record(ctx, ResultOK)
	s.Record(ctx, ResultNoMatch)

	window, totals := s.Snapshot(ctx)
	assert.Equal(t, int64(2), window[ResultOK])
	assert.Equal(t, int64(1), window[ResultNoMatch])
	assert.Equal(t, int64(2), totals[ResultOK])
	assert.Equal(t, int64(1), totals[ResultNoMatch])
}

func TestRandomStats_PersistenceIsThrottled(t *testing.T) {
	s, settings := newTestStats(t)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		s.Record(ctx, ResultOK)
	}

	// only the first record inside the flush interval hits storage
	var persisted map[string]int64
	require.NoError(t, json.Unmarshal([]byte(settings.raw(ctx, statsTotalsKey)), &persisted))
	assert.Equal(t, int64(1), persisted[ResultOK])

	_, totals := s.Snapshot(ctx)
	assert.Equal(t, int64(5), totals[ResultOK])

	// once the interval elapses the next record flushes the full totals
	s.mu.Lock()
	s.lastFlush = time.Now().Add(-time.Minute)
	s.mu.Unlock()
	s.Record(ctx, ResultOK)

	require.NoError(t, json.Unmarshal([]byte(settings.raw(ctx, statsTotalsKey)), &persisted))
	assert.Equal(t, int64(6), persisted[ResultOK])
}
