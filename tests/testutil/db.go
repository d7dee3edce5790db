// Package testutil provides shared helpers for repository, service and
// handler tests.
package testutil

import (
	"database/sql"
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	_ "modernc.org/sqlite"

	"github.com/user/pixrand-go/internal/database"
)

// NewTestDB opens an in-memory SQLite database and applies the real
// migrations. The database is closed when the test completes.
func NewTestDB(t *testing.T) *sql.DB {
	t.Helper()

	db, err := sql.Open("sqlite", ":memory:?_pragma=foreign_keys(1)")
	require.NoError(t, err, "failed to open test database")
	db.SetMaxOpenConns(1)

	t.Cleanup(func() {
		db.Close()
	})

	require.NoError(t, database.RunMigrations(db, zap.NewNop()), "failed to run migrations")
	return db
}

// SeedImages inserts n active images for illust ids starting at base,
// one page each, with evenly spaced random keys.
func SeedImages(t *testing.T, db *sql.DB, base int64, n int) {
	t.Helper()

	for i := 0; i < n; i++ {
		illust := base + int64(i)
		key := float64(i) / float64(n)
		_, err := db.Exec(`
			INSERT INTO images (illust_id, page_index, extension, original_url, proxy_path, random_key,
			                    status, bookmark_count, view_count, comment_count, fail_count, created_at, updated_at)
			VALUES (?, 0, 'jpg', ?, ?, ?, 1, 0, 0, 0, 0, '2026-01-01T00:00:00.000Z', '2026-01-01T00:00:00.000Z')`,
			illust,
			fmt.Sprintf("https://i.pximg.net/img-original/img/2026/01/01/00/00/00/%d_p0.jpg", illust),
			fmt.Sprintf("/img-original/img/2026/01/01/00/00/00/%d_p0.jpg", illust),
			key)
		require.NoError(t, err)
	}
}

// SeedToken inserts one enabled credential and returns its id.
func SeedToken(t *testing.T, db *sql.DB, label string, weight int) int64 {
	t.Helper()

	res, err := db.Exec(`
		INSERT INTO pixiv_tokens (label, refresh_token_enc, refresh_token_masked, enabled, weight, created_at, updated_at)
		VALUES (?, 'enc:v1:dGVzdA==', '***', 1, ?, '2026-01-01T00:00:00.000Z', '2026-01-01T00:00:00.000Z')`,
		label, weight)
	require.NoError(t, err)
	id, err := res.LastInsertId()
	require.NoError(t, err)
	return id
}

// SeedProxy inserts one enabled proxy endpoint and returns its id.
func SeedProxy(t *testing.T, db *sql.DB, host string, port int) int64 {
	t.Helper()

	res, err := db.Exec(`
		INSERT INTO proxy_endpoints (scheme, host, port, enabled, source, created_at, updated_at)
		VALUES ('http', ?, ?, 1, 'manual', '2026-01-01T00:00:00.000Z', '2026-01-01T00:00:00.000Z')`,
		host, port)
	require.NoError(t, err)
	id, err := res.LastInsertId()
	require.NoError(t, err)
	return id
}
