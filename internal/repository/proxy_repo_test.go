package repository

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/user/pixrand-go/internal/models"
	"github.com/user/pixrand-go/tests/testutil"
)

func newProxyRepo(t *testing.T) *ProxyRepository {
	return NewProxyRepository(testutil.NewTestDB(t))
}

func endpoint(host string, port int) *models.ProxyEndpoint {
	return &models.ProxyEndpoint{Scheme: "http", Host: host, Port: port, Enabled: true, Source: "manual"}
}

func TestUpsertEndpointOutcomes(t *testing.T) {
	repo := newProxyRepo(t)
	ctx := context.Background()

	id, outcome, err := repo.UpsertEndpoint(ctx, endpoint("p1.example.com", 8080), false)
	require.NoError(t, err)
	assert.Equal(t, UpsertCreated, outcome)

	// Same identity without overwrite is skipped.
	again, outcome, err := repo.UpsertEndpoint(ctx, endpoint("p1.example.com", 8080), false)
	require.NoError(t, err)
	assert.Equal(t, UpsertSkipped, outcome)
	assert.Equal(t, id, again)

	// Overwrite updates credentials in place.
	user := "user"
	enc := "enc:v1:bmV3"
	ep := endpoint("p1.example.com", 8080)
	ep.Username = &user
	ep.PasswordEnc = &enc
	again, outcome, err = repo.UpsertEndpoint(ctx, ep, true)
	require.NoError(t, err)
	assert.Equal(t, UpsertUpdated, outcome)
	assert.Equal(t, id, again)

	stored, err := repo.FindEndpoint(ctx, id)
	require.NoError(t, err)
	require.NotNil(t, stored.Username)
	assert.Equal(t, "user", *stored.Username)
	require.NotNil(t, stored.PasswordEnc)
	assert.Equal(t, enc, *stored.PasswordEnc)

	// A different port is a different endpoint.
	_, outcome, err = repo.UpsertEndpoint(ctx, endpoint("p1.example.com", 8081), false)
	require.NoError(t, err)
	assert.Equal(t, UpsertCreated, outcome)
}

func TestBlacklistAndEnableClearsIt(t *testing.T) {
	repo := newProxyRepo(t)
	ctx := context.Background()
	now := time.Now()

	id, _, err := repo.UpsertEndpoint(ctx, endpoint("p1.example.com", 8080), false)
	require.NoError(t, err)

	ep, err := repo.FindEndpoint(ctx, id)
	require.NoError(t, err)
	assert.True(t, ep.Usable(now))

	require.NoError(t, repo.Blacklist(ctx, id, now.Add(10*time.Minute)))
	ep, err = repo.FindEndpoint(ctx, id)
	require.NoError(t, err)
	assert.False(t, ep.Usable(now))
	// The blacklist expires on its own.
	assert.True(t, ep.Usable(now.Add(time.Hour)))

	// Re-enabling clears the blacklist immediately.
	require.NoError(t, repo.SetEndpointEnabled(ctx, id, true))
	ep, err = repo.FindEndpoint(ctx, id)
	require.NoError(t, err)
	assert.True(t, ep.Usable(now))

	require.NoError(t, repo.SetEndpointEnabled(ctx, id, false))
	ep, err = repo.FindEndpoint(ctx, id)
	require.NoError(t, err)
	assert.False(t, ep.Usable(now))
}

func TestMarkProbeRecordsCountsAndError(t *testing.T) {
	repo := newProxyRepo(t)
	ctx := context.Background()

	id, _, err := repo.UpsertEndpoint(ctx, endpoint("p1.example.com", 8080), false)
	require.NoError(t, err)

	require.NoError(t, repo.MarkProbe(ctx, id, false, 0, "connect refused"))
	require.NoError(t, repo.MarkProbe(ctx, id, false, 0, "connect refused"))
	ep, err := repo.FindEndpoint(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, 2, ep.FailureCount)
	require.NotNil(t, ep.LastError)
	assert.Equal(t, "connect refused", *ep.LastError)

	// A successful probe clears the error but keeps the counters.
	require.NoError(t, repo.MarkProbe(ctx, id, true, 42, ""))
	ep, err = repo.FindEndpoint(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, 2, ep.FailureCount)
	assert.Equal(t, 1, ep.SuccessCount)
	assert.Nil(t, ep.LastError)
	require.NotNil(t, ep.LastOkAt)
	require.NotNil(t, ep.LastLatencyMs)
	assert.Equal(t, 42, *ep.LastLatencyMs)
}

func TestPoolsAndBindingOverride(t *testing.T) {
	repo := newProxyRepo(t)
	ctx := context.Background()
	now := time.Now()

	ep1, _, err := repo.UpsertEndpoint(ctx, endpoint("p1.example.com", 8080), false)
	require.NoError(t, err)
	ep2, _, err := repo.UpsertEndpoint(ctx, endpoint("p2.example.com", 8080), false)
	require.NoError(t, err)

	poolID, err := repo.CreatePool(ctx, "main", "primary pool")
	require.NoError(t, err)
	require.NoError(t, repo.AddPoolEndpoint(ctx, poolID, ep1, 1))
	require.NoError(t, repo.AddPoolEndpoint(ctx, poolID, ep2, 1))

	member, err := repo.IsPoolMember(ctx, poolID, ep1)
	require.NoError(t, err)
	assert.True(t, member)
	member, err = repo.IsPoolMember(ctx, poolID, 9999)
	require.NoError(t, err)
	assert.False(t, member)

	tokenID := testutil.SeedToken(t, repo.db, "t1", 1)
	bindingID, err := repo.UpsertBinding(ctx, tokenID, poolID, ep1)
	require.NoError(t, err)

	binding, err := repo.GetBinding(ctx, tokenID, poolID)
	require.NoError(t, err)
	require.NotNil(t, binding)
	assert.Equal(t, ep1, binding.EffectiveProxyID(now))

	// An unexpired override takes precedence.
	require.NoError(t, repo.SetOverride(ctx, bindingID, ep2, now.Add(10*time.Minute)))
	binding, err = repo.GetBinding(ctx, tokenID, poolID)
	require.NoError(t, err)
	assert.Equal(t, ep2, binding.EffectiveProxyID(now))
	// Expired overrides fall back to the primary.
	assert.Equal(t, ep1, binding.EffectiveProxyID(now.Add(time.Hour)))

	require.NoError(t, repo.ClearOverride(ctx, bindingID))
	binding, err = repo.GetBinding(ctx, tokenID, poolID)
	require.NoError(t, err)
	assert.Equal(t, ep1, binding.EffectiveProxyID(now))
	assert.Equal(t, 0, binding.OverrideAttempt)
}
