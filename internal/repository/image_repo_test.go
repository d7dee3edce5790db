package repository

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/user/pixrand-go/internal/models"
	"github.com/user/pixrand-go/tests/testutil"
)

func newImageRepo(t *testing.T) (*ImageRepository, *sql.DB) {
	db := testutil.NewTestDB(t)
	return NewImageRepository(db), db
}

func TestPickByKeyWrapsAround(t *testing.T) {
	repo, db := newImageRepo(t)
	ctx := context.Background()
	now := time.Now()

	// Keys 0.0, 0.25, 0.5, 0.75 for illusts 100..103.
	testutil.SeedImages(t, db, 100, 4)

	img, err := repo.PickByKey(ctx, models.RandomFilters{}, 0.4, now)
	require.NoError(t, err)
	require.NotNil(t, img)
	assert.Equal(t, int64(102), img.IllustID)

	// Above the highest key wraps to the lowest.
	img, err = repo.PickByKey(ctx, models.RandomFilters{}, 0.9, now)
	require.NoError(t, err)
	require.NotNil(t, img)
	assert.Equal(t, int64(100), img.IllustID)

	// Exact key match is inclusive.
	img, err = repo.PickByKey(ctx, models.RandomFilters{}, 0.5, now)
	require.NoError(t, err)
	require.NotNil(t, img)
	assert.Equal(t, int64(102), img.IllustID)
}

func TestPickByKeyNoMatchReturnsNil(t *testing.T) {
	repo, _ := newImageRepo(t)

	img, err := repo.PickByKey(context.Background(), models.RandomFilters{}, 0.5, time.Now())
	require.NoError(t, err)
	assert.Nil(t, img)
}

func TestFilterComposition(t *testing.T) {
	repo, db := newImageRepo(t)
	ctx := context.Background()
	now := time.Now()

	testutil.SeedImages(t, db, 100, 4)
	_, err := db.Exec(`UPDATE images SET bookmark_count = 500, width = 2000, height = 1000, orientation = 1, x_restrict = 0
	                   WHERE illust_id = 101`)
	require.NoError(t, err)
	_, err = db.Exec(`UPDATE images SET x_restrict = 1 WHERE illust_id = 103`)
	require.NoError(t, err)

	n, err := repo.CountEligible(ctx, models.RandomFilters{MinBookmarks: 100}, now)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	// R18=0 keeps NULL x_restrict unless strict.
	n, err = repo.CountEligible(ctx, models.RandomFilters{R18: 0}, now)
	require.NoError(t, err)
	assert.Equal(t, int64(3), n)

	n, err = repo.CountEligible(ctx, models.RandomFilters{R18: 0, R18Strict: true}, now)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	n, err = repo.CountEligible(ctx, models.RandomFilters{R18: 1}, now)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	// R18=2 matches everything.
	n, err = repo.CountEligible(ctx, models.RandomFilters{R18: 2}, now)
	require.NoError(t, err)
	assert.Equal(t, int64(4), n)

	orientation := 1
	n, err = repo.CountEligible(ctx, models.RandomFilters{Orientation: &orientation, MinWidth: 1500}, now)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
}

func TestFilterTags(t *testing.T) {
	repo, db := newImageRepo(t)
	ctx := context.Background()
	now := time.Now()

	testutil.SeedImages(t, db, 100, 2)
	_, err := db.Exec(`INSERT INTO tags (name) VALUES ('scenery'), ('portrait')`)
	require.NoError(t, err)
	_, err = db.Exec(`INSERT INTO image_tags (image_id, tag_id) VALUES (1, 1), (1, 2), (2, 1)`)
	require.NoError(t, err)

	n, err := repo.CountEligible(ctx, models.RandomFilters{IncludedTags: []string{"scenery"}}, now)
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	n, err = repo.CountEligible(ctx, models.RandomFilters{IncludedTags: []string{"scenery", "portrait"}}, now)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	n, err = repo.CountEligible(ctx, models.RandomFilters{ExcludedTags: []string{"portrait"}}, now)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
}

func TestFailCooldownExcludesRecentFailures(t *testing.T) {
	repo, db := newImageRepo(t)
	ctx := context.Background()

	testutil.SeedImages(t, db, 100, 2)
	require.NoError(t, repo.MarkServeFailure(ctx, 1, "UPSTREAM_STREAM_ERROR", "boom"))

	n, err := repo.CountEligible(ctx, models.RandomFilters{FailCooldown: 5 * time.Minute}, time.Now())
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	// Once the cooldown has elapsed the image is eligible again.
	n, err = repo.CountEligible(ctx, models.RandomFilters{FailCooldown: 5 * time.Minute}, time.Now().Add(10*time.Minute))
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)
}

func TestMarkBrokenAndHeal(t *testing.T) {
	repo, db := newImageRepo(t)
	ctx := context.Background()

	testutil.SeedImages(t, db, 100, 1)

	require.NoError(t, repo.MarkBroken(ctx, 1, "UPSTREAM_404", "upstream returned 404"))
	img, err := repo.FindByID(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, models.ImageStatusBroken, img.Status)
	assert.Equal(t, 1, img.FailCount)

	// Broken rows are out of the eligible set.
	n, err := repo.CountEligible(ctx, models.RandomFilters{}, time.Now())
	require.NoError(t, err)
	assert.Equal(t, int64(0), n)

	healed, err := repo.HealURL(ctx, 1, "https://i.pximg.net/img-original/fresh_p0.jpg")
	require.NoError(t, err)
	assert.True(t, healed)

	img, err = repo.FindByID(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, models.ImageStatusActive, img.Status)
	assert.Equal(t, 0, img.FailCount)
	assert.Equal(t, "https://i.pximg.net/img-original/fresh_p0.jpg", img.OriginalURL)
	assert.Nil(t, img.LastErrorCode)

	// Healing an already-active row is a no-op.
	healed, err = repo.HealURL(ctx, 1, "https://i.pximg.net/other.jpg")
	require.NoError(t, err)
	assert.False(t, healed)
}

func TestFindByIdentityMiss(t *testing.T) {
	repo, db := newImageRepo(t)
	ctx := context.Background()

	testutil.SeedImages(t, db, 100, 1)

	img, err := repo.FindByIdentity(ctx, 100, 0)
	require.NoError(t, err)
	assert.Equal(t, int64(100), img.IllustID)

	_, err = repo.FindByIdentity(ctx, 100, 7)
	assert.ErrorIs(t, err, sql.ErrNoRows)

	_, err = repo.FindByID(ctx, 999)
	assert.ErrorIs(t, err, sql.ErrNoRows)
}
