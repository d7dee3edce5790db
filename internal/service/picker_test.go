package service

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/user/pixrand-go/internal/config"
	"github.com/user/pixrand-go/internal/models"
	"github.com/user/pixrand-go/internal/repository"
	"github.com/user/pixrand-go/tests/testutil"
)

func newTestPicker(t *testing.T) (*Picker, *repository.ImageRepository) {
	db := testutil.NewTestDB(t)
	testutil.SeedImages(t, db, 10000, 20)

	images := repository.NewImageRepository(db)
	cfg := &config.Config{}
	cfg.Random.Strategy = PickDefault
	cfg.Random.QualitySamples = 4
	settings := NewSettingsService(repository.NewSettingsRepository(db), cfg, testutil.NewTestLogger())
	return NewPicker(images, settings, testutil.NewTestLogger()), images
}

func TestSeedToKey_Range(t *testing.T) {
	for _, seed := range []string{"", "a", "seed", "another-seed", "1234567890"} {
		k := SeedToKey(seed)
		assert.GreaterOrEqual(t, k, 0.0)
		assert.Less(t, k, 1.0)
	}
}

func TestSeedToKey_Deterministic(t *testing.T) {
	assert.Equal(t, SeedToKey("fixed"), SeedToKey("fixed"))
	assert.NotEqual(t, SeedToKey("fixed"), SeedToKey("other"))
}

func TestPicker_SeededPickIsDeterministic(t *testing.T) {
	p, _ := newTestPicker(t)
	ctx := context.Background()

	first, err := p.Pick(ctx, models.RandomFilters{R18: 2}, "my-seed", "")
	require.NoError(t, err)
	require.NotNil(t, first)

	for i := 0; i < 5; i++ {
		again, err := p.Pick(ctx, models.RandomFilters{R18: 2}, "my-seed", "")
		require.NoError(t, err)
		require.NotNil(t, again)
		assert.Equal(t, first.Image.ID, again.Image.ID)
	}
}

func TestPicker_StrategySource(t *testing.T) {
	p, _ := newTestPicker(t)
	ctx := context.Background()

	res, err := p.Pick(ctx, models.RandomFilters{R18: 2}, "s", "")
	require.NoError(t, err)
	assert.Equal(t, PickDefault, res.Strategy)
	assert.Equal(t, "runtime", res.Source)

	res, err = p.Pick(ctx, models.RandomFilters{R18: 2}, "s", PickQuality)
	require.NoError(t, err)
	assert.Equal(t, PickQuality, res.Strategy)
	assert.Equal(t, "query", res.Source)
}

func TestPicker_NoMatchReturnsNil(t *testing.T) {
	p, _ := newTestPicker(t)

	res, err := p.Pick(context.Background(), models.RandomFilters{R18: 2, MinWidth: 999999}, "s", "")
	require.NoError(t, err)
	assert.Nil(t, res)
}

func TestPicker_QualityPicksEligible(t *testing.T) {
	p, _ := newTestPicker(t)

	res, err := p.Pick(context.Background(), models.RandomFilters{R18: 2}, "q-seed", PickQuality)
	require.NoError(t, err)
	require.NotNil(t, res)
	assert.NotZero(t, res.Image.ID)
}

func TestSoftmaxDraw(t *testing.T) {
	scores := []float64{0.1, 0.9, 0.5}

	// r=0 always lands in the first bucket
	assert.Equal(t, 0, softmaxDraw(scores, 0))

	// draws stay in range
	for r := 0.0; r < 1.0; r += 0.05 {
		idx := softmaxDraw(scores, r)
		assert.GreaterOrEqual(t, idx, 0)
		assert.Less(t, idx, len(scores))
	}

	// a dominant score wins most of the probability mass
	wins := 0
	dominant := []float64{0.0, 10.0, 0.0}
	for r := 0.0; r < 1.0; r += 0.01 {
		if softmaxDraw(dominant, r) == 1 {
			wins++
		}
	}
	assert.Greater(t, wins, 90)
}

func TestPicker_RetouchedKeySurvivesEviction(t *testing.T) {
	p, _ := newTestPicker(t)
	now := time.Now()

	p.remember(&models.Image{ID: 1}, now)
	p.remember(&models.Image{ID: 2}, now)
	// re-serving image 1 must refresh its single entry, not add a
	// stale duplicate at the front
	p.remember(&models.Image{ID: 1}, now)
	assert.Equal(t, 2, p.lru.Len())

	// fill to capacity, then one more so the oldest entry gets evicted
	for id := int64(3); p.lru.Len() < maxSeenEntries; id++ {
		p.remember(&models.Image{ID: id}, now)
	}
	p.remember(&models.Image{ID: maxSeenEntries + 1}, now)
	assert.Equal(t, maxSeenEntries, p.lru.Len())
	assert.Equal(t, maxSeenEntries, len(p.seen))

	p.mu.Lock()
	_, hotOK := p.seenAtLocked("i:1")
	_, coldOK := p.seenAtLocked("i:2")
	p.mu.Unlock()
	assert.True(t, hotOK)
	assert.False(t, coldOK)
}

func TestPicker_DedupPenalizesRecentlyServed(t *testing.T) {
	p, _ := newTestPicker(t)
	img := &models.Image{ID: 42, BookmarkCount: 100, ViewCount: 1000}

	before := p.score(img, time.Now())
	p.remember(img, time.Now())
	after := p.score(img, time.Now())

	assert.Less(t, after, before)
}
