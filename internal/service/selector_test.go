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
	"github.com/user/pixrand-go/internal/secret"
	"github.com/user/pixrand-go/tests/testutil"
)

func candidate(id int64, weight, errorCount int, backoff *time.Time) models.TokenCandidate {
	return models.TokenCandidate{
		ID: id, Enabled: true, Weight: weight,
		ErrorCount: errorCount, BackoffUntil: backoff,
	}
}

func TestSelectToken_RoundRobinAscendingWrap(t *testing.T) {
	now := time.Now()
	cands := []models.TokenCandidate{
		candidate(1, 1, 0, nil),
		candidate(3, 1, 0, nil),
		candidate(7, 1, 0, nil),
	}

	var lastID int64
	var visited []int64
	for i := 0; i < 6; i++ {
		c, err := SelectToken(cands, StrategyRoundRobin, lastID, 0, now)
		require.NoError(t, err)
		visited = append(visited, c.ID)
		lastID = c.ID
	}
	assert.Equal(t, []int64{1, 3, 7, 1, 3, 7}, visited)
}

func TestSelectToken_RoundRobinSkipsBackedOff(t *testing.T) {
	now := time.Now()
	future := now.Add(time.Hour)
	cands := []models.TokenCandidate{
		candidate(1, 1, 0, nil),
		candidate(2, 1, 0, &future),
		candidate(3, 1, 0, nil),
	}

	c, err := SelectToken(cands, StrategyRoundRobin, 1, 0, now)
	require.NoError(t, err)
	assert.Equal(t, int64(3), c.ID)
}

func TestSelectToken_NoEligible(t *testing.T) {
	now := time.Now()
	soon := now.Add(10 * time.Minute)
	later := now.Add(time.Hour)
	cands := []models.TokenCandidate{
		candidate(1, 1, 0, &later),
		candidate(2, 1, 0, &soon),
		{ID: 3, Enabled: false},
	}

	_, err := SelectToken(cands, StrategyRoundRobin, 0, 0, now)
	var noTok *NoTokenError
	require.ErrorAs(t, err, &noTok)
	require.NotNil(t, noTok.NextRetryAt)
	assert.Equal(t, soon.Unix(), noTok.NextRetryAt.Unix())
}

func TestSelectToken_NoEligibleAllDisabled(t *testing.T) {
	_, err := SelectToken([]models.TokenCandidate{{ID: 1}}, StrategyRoundRobin, 0, 0, time.Now())
	var noTok *NoTokenError
	require.ErrorAs(t, err, &noTok)
	assert.Nil(t, noTok.NextRetryAt)
}

func TestSelectToken_WeightedZeroDraw(t *testing.T) {
	now := time.Now()
	cands := []models.TokenCandidate{
		candidate(1, 0, 0, nil),
		candidate(2, 5, 0, nil),
		candidate(3, 5, 0, nil),
	}

	// r=0 skips zero-weight ids and lands on the lowest positive weight
	c, err := SelectToken(cands, StrategyWeighted, 0, 0, now)
	require.NoError(t, err)
	assert.Equal(t, int64(2), c.ID)
}

func TestSelectToken_WeightedAllZeroFallsBack(t *testing.T) {
	now := time.Now()
	cands := []models.TokenCandidate{
		candidate(4, 0, 0, nil),
		candidate(9, 0, 0, nil),
	}

	c, err := SelectToken(cands, StrategyWeighted, 4, 0.99, now)
	require.NoError(t, err)
	assert.Equal(t, int64(9), c.ID)
}

func TestSelectToken_WeightedProportional(t *testing.T) {
	now := time.Now()
	cands := []models.TokenCandidate{
		candidate(1, 1, 0, nil),
		candidate(2, 3, 0, nil),
	}

	// total=4: r in [0,0.25) → id 1, [0.25,1) → id 2
	c, err := SelectToken(cands, StrategyWeighted, 0, 0.2, now)
	require.NoError(t, err)
	assert.Equal(t, int64(1), c.ID)

	c, err = SelectToken(cands, StrategyWeighted, 0, 0.3, now)
	require.NoError(t, err)
	assert.Equal(t, int64(2), c.ID)
}

func TestSelectToken_LeastError(t *testing.T) {
	now := time.Now()
	cands := []models.TokenCandidate{
		candidate(1, 1, 4, nil),
		candidate(2, 1, 1, nil),
		candidate(3, 1, 1, nil),
		candidate(4, 1, 2, nil),
	}

	// round-robin over the min-error subset {2,3}
	c, err := SelectToken(cands, StrategyLeastError, 0, 0, now)
	require.NoError(t, err)
	assert.Equal(t, int64(2), c.ID)

	c, err = SelectToken(cands, StrategyLeastError, 2, 0, now)
	require.NoError(t, err)
	assert.Equal(t, int64(3), c.ID)

	c, err = SelectToken(cands, StrategyLeastError, 3, 0, now)
	require.NoError(t, err)
	assert.Equal(t, int64(2), c.ID)
}

func TestBindingEffectiveProxy(t *testing.T) {
	now := time.Now()
	live := now.Add(10 * time.Minute)
	expired := now.Add(-time.Minute)
	override := int64(77)

	b := &models.TokenProxyBinding{PrimaryProxyID: 5}
	assert.Equal(t, int64(5), b.EffectiveProxyID(now))

	b.OverrideProxyID = &override
	b.OverrideExpiresAt = &live
	assert.Equal(t, int64(77), b.EffectiveProxyID(now))

	b.OverrideExpiresAt = &expired
	assert.Equal(t, int64(5), b.EffectiveProxyID(now))
}

func TestSelectorPick_ResolvesBoundProxy(t *testing.T) {
	db := testutil.NewTestDB(t)
	ctx := context.Background()

	tokens := repository.NewTokenRepository(db)
	proxies := repository.NewProxyRepository(db)
	settingsRepo := repository.NewSettingsRepository(db)

	cfg := &config.Config{}
	cfg.Pixiv.TokenStrategy = StrategyRoundRobin
	settings := NewSettingsService(settingsRepo, cfg, testutil.NewTestLogger())

	vault, err := secret.NewVault(make([]byte, 32))
	require.NoError(t, err)

	tokenID := testutil.SeedToken(t, db, "main", 1)
	proxyID := testutil.SeedProxy(t, db, "10.0.0.1", 8080)

	poolID, err := proxies.CreatePool(ctx, "default", "")
	require.NoError(t, err)
	require.NoError(t, proxies.AddPoolEndpoint(ctx, poolID, proxyID, 1))
	_, err = proxies.UpsertBinding(ctx, tokenID, poolID, proxyID)
	require.NoError(t, err)
	require.NoError(t, settings.Set(ctx, SettingActivePool, "1", "test"))

	sel := NewSelector(tokens, proxies, settings, vault, testutil.NewTestLogger())
	picked, err := sel.Pick(ctx)
	require.NoError(t, err)
	assert.Equal(t, tokenID, picked.Token.ID)
	require.NotNil(t, picked.ProxyID)
	assert.Equal(t, proxyID, *picked.ProxyID)
	assert.Equal(t, "http://10.0.0.1:8080", picked.ProxyURL)
}
