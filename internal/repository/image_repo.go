package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/user/pixrand-go/internal/models"
)

// ImageRepository implements image persistence, the random-key pick
// queries, and the serve-path failure stamps.
type ImageRepository struct {
	db *sql.DB
}

// NewImageRepository creates a new ImageRepository.
func NewImageRepository(db *sql.DB) *ImageRepository {
	return &ImageRepository{db: db}
}

const imageColumns = `id, illust_id, page_index, extension, original_url, proxy_path, random_key,
	width, height, aspect_ratio, orientation, x_restrict, ai_type, illust_type,
	user_id, user_name, title, created_at_pixiv,
	bookmark_count, view_count, comment_count,
	status, fail_count, last_fail_at, last_ok_at, last_error_code, last_error_msg,
	created_at, updated_at`

// Insert stores a new image row. Duplicate (illust_id, page_index)
// returns the UNIQUE constraint error unchanged for the caller to map.
func (r *ImageRepository) Insert(ctx context.Context, img *models.Image) (int64, error) {
	now := FormatTime(time.Now())
	res, err := r.db.ExecContext(ctx,
		`INSERT INTO images (illust_id, page_index, extension, original_url, proxy_path, random_key,
			width, height, aspect_ratio, orientation, x_restrict, ai_type, illust_type,
			user_id, user_name, title, created_at_pixiv,
			bookmark_count, view_count, comment_count, status, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		img.IllustID, img.PageIndex, img.Extension, img.OriginalURL, img.ProxyPath, img.RandomKey,
		nullInt(img.Width), nullInt(img.Height), nullFloat(img.AspectRatio), nullInt(img.Orientation),
		nullInt(img.XRestrict), nullInt(img.AIType), nullInt(img.IllustType),
		nullInt64(img.UserID), nullStr(img.UserName), nullStr(img.Title), nullStr(img.CreatedAtPixiv),
		img.BookmarkCount, img.ViewCount, img.CommentCount, img.Status, now, now)
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

// IsUniqueViolation reports whether err is a UNIQUE constraint failure.
func IsUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}

// FindByID returns one image by primary key.
func (r *ImageRepository) FindByID(ctx context.Context, id int64) (*models.Image, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+imageColumns+` FROM images WHERE id = ?`, id)
	return scanImage(row)
}

// FindByIdentity returns one image by (illust_id, page_index).
func (r *ImageRepository) FindByIdentity(ctx context.Context, illustID int64, pageIndex int) (*models.Image, error) {
	row := r.db.QueryRowContext(ctx,
		`SELECT `+imageColumns+` FROM images WHERE illust_id = ? AND page_index = ?`,
		illustID, pageIndex)
	return scanImage(row)
}

// FindByIllust returns all pages of one illustration ordered by page.
func (r *ImageRepository) FindByIllust(ctx context.Context, illustID int64) ([]*models.Image, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT `+imageColumns+` FROM images WHERE illust_id = ? ORDER BY page_index ASC`, illustID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectImages(rows)
}

// buildFilterClause renders the filter conjunction as SQL. The caller
// appends the random_key predicate and ordering.
func buildFilterClause(f models.RandomFilters, now time.Time) (string, []any) {
	var sb strings.Builder
	args := []any{}

	sb.WriteString("status = 1")

	switch f.R18 {
	case 0:
		if f.R18Strict {
			sb.WriteString(" AND x_restrict = 0")
		} else {
			sb.WriteString(" AND (x_restrict = 0 OR x_restrict IS NULL)")
		}
	case 1:
		sb.WriteString(" AND x_restrict = 1")
	}

	if f.Orientation != nil {
		sb.WriteString(" AND orientation = ?")
		args = append(args, *f.Orientation)
	}
	if f.AIType != nil {
		sb.WriteString(" AND ai_type = ?")
		args = append(args, *f.AIType)
	}
	if f.IllustType != nil {
		sb.WriteString(" AND illust_type = ?")
		args = append(args, *f.IllustType)
	}
	if f.MinWidth > 0 {
		sb.WriteString(" AND width >= ?")
		args = append(args, f.MinWidth)
	}
	if f.MinHeight > 0 {
		sb.WriteString(" AND height >= ?")
		args = append(args, f.MinHeight)
	}
	if f.MinPixels > 0 {
		sb.WriteString(" AND width * height >= ?")
		args = append(args, f.MinPixels)
	}
	if f.MinBookmarks > 0 {
		sb.WriteString(" AND bookmark_count >= ?")
		args = append(args, f.MinBookmarks)
	}
	if f.MinViews > 0 {
		sb.WriteString(" AND view_count >= ?")
		args = append(args, f.MinViews)
	}
	if f.MinComments > 0 {
		sb.WriteString(" AND comment_count >= ?")
		args = append(args, f.MinComments)
	}
	if f.UserID != nil {
		sb.WriteString(" AND user_id = ?")
		args = append(args, *f.UserID)
	}
	if f.IllustID != nil {
		sb.WriteString(" AND illust_id = ?")
		args = append(args, *f.IllustID)
	}
	if f.CreatedFrom != "" {
		sb.WriteString(" AND created_at_pixiv >= ?")
		args = append(args, f.CreatedFrom)
	}
	if f.CreatedTo != "" {
		sb.WriteString(" AND created_at_pixiv <= ?")
		args = append(args, f.CreatedTo)
	}

	// Included tags: the image must carry ALL of them.
	for _, tag := range f.IncludedTags {
		sb.WriteString(` AND EXISTS (
			SELECT 1 FROM image_tags it JOIN tags t ON t.id = it.tag_id
			WHERE it.image_id = images.id AND t.name = ?)`)
		args = append(args, tag)
	}
	// Excluded tags: the image must carry NONE of them.
	if len(f.ExcludedTags) > 0 {
		placeholders := strings.Repeat("?, ", len(f.ExcludedTags))
		placeholders = placeholders[:len(placeholders)-2]
		sb.WriteString(` AND NOT EXISTS (
			SELECT 1 FROM image_tags it JOIN tags t ON t.id = it.tag_id
			WHERE it.image_id = images.id AND t.name IN (` + placeholders + `))`)
		for _, tag := range f.ExcludedTags {
			args = append(args, tag)
		}
	}

	if f.FailCooldown > 0 {
		sb.WriteString(" AND (last_fail_at IS NULL OR last_fail_at < ?)")
		args = append(args, FormatTime(now.Add(-f.FailCooldown)))
	}

	return sb.String(), args
}

// PickByKey returns the smallest matching image with random_key ≥ rKey,
// wrapping around to the smallest matching image overall when nothing
// sits above rKey. Deterministic for a fixed rKey and DB state.
func (r *ImageRepository) PickByKey(ctx context.Context, f models.RandomFilters, rKey float64, now time.Time) (*models.Image, error) {
	where, args := buildFilterClause(f, now)

	query := fmt.Sprintf(
		`SELECT %s FROM images WHERE %s AND random_key >= ? ORDER BY random_key ASC LIMIT 1`,
		imageColumns, where)
	row := r.db.QueryRowContext(ctx, query, append(append([]any{}, args...), rKey)...)
	img, err := scanImage(row)
	if err == nil {
		return img, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return nil, err
	}

	// Wrap around.
	query = fmt.Sprintf(
		`SELECT %s FROM images WHERE %s ORDER BY random_key ASC LIMIT 1`,
		imageColumns, where)
	row = r.db.QueryRowContext(ctx, query, args...)
	img, err = scanImage(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return img, nil
}

// CountEligible returns the number of images matching the filters.
func (r *ImageRepository) CountEligible(ctx context.Context, f models.RandomFilters, now time.Time) (int64, error) {
	where, args := buildFilterClause(f, now)
	var n int64
	err := r.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM images WHERE `+where, args...).Scan(&n)
	return n, err
}

// StatusCounts returns image counts keyed by numeric status.
func (r *ImageRepository) StatusCounts(ctx context.Context) (map[int]int64, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT status, COUNT(*) FROM images GROUP BY status`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	counts := map[int]int64{}
	for rows.Next() {
		var status int
		var n int64
		if err := rows.Scan(&status, &n); err != nil {
			return nil, err
		}
		counts[status] = n
	}
	return counts, rows.Err()
}

// MarkServeFailure stamps a failed serve. Status stays active; the
// fail-cooldown predicate keeps the image out of picks for a while.
func (r *ImageRepository) MarkServeFailure(ctx context.Context, id int64, code, redactedMsg string) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE images
		 SET fail_count = fail_count + 1, last_fail_at = ?,
		     last_error_code = ?, last_error_msg = ?, updated_at = ?
		 WHERE id = ?`,
		FormatTime(time.Now()), code, truncate(redactedMsg, 500), FormatTime(time.Now()), id)
	return err
}

// MarkServeOK stamps a successful serve.
func (r *ImageRepository) MarkServeOK(ctx context.Context, id int64) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE images SET last_ok_at = ?, updated_at = ? WHERE id = ?`,
		FormatTime(time.Now()), FormatTime(time.Now()), id)
	return err
}

// MarkBroken transitions to status=3 after an UPSTREAM_404/403.
func (r *ImageRepository) MarkBroken(ctx context.Context, id int64, code, redactedMsg string) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE images
		 SET status = ?, fail_count = fail_count + 1, last_fail_at = ?,
		     last_error_code = ?, last_error_msg = ?, updated_at = ?
		 WHERE id = ?`,
		models.ImageStatusBroken, FormatTime(time.Now()), code, truncate(redactedMsg, 500),
		FormatTime(time.Now()), id)
	return err
}

// HealURL restores a broken image with a refreshed original URL.
// Only rows in status=3 transition back to active.
func (r *ImageRepository) HealURL(ctx context.Context, id int64, newOriginalURL string) (bool, error) {
	res, err := r.db.ExecContext(ctx,
		`UPDATE images
		 SET original_url = ?, status = ?, fail_count = 0,
		     last_error_code = NULL, last_error_msg = NULL, updated_at = ?
		 WHERE id = ? AND status = ?`,
		newOriginalURL, models.ImageStatusActive, FormatTime(time.Now()), id, models.ImageStatusBroken)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

// HydrationUpdate carries the metadata written by a hydrate handler.
type HydrationUpdate struct {
	Width          int
	Height         int
	XRestrict      int
	AIType         int
	IllustType     int
	UserID         int64
	UserName       string
	Title          string
	CreatedAtPixiv string
	BookmarkCount  int
	ViewCount      int
	CommentCount   int
	TagNames       []string
}

// ApplyHydration writes metadata and rewrites the tag links for every
// page of an illustration in one transaction.
func (r *ImageRepository) ApplyHydration(ctx context.Context, illustID int64, u HydrationUpdate) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	aspect := 0.0
	orientation := models.OrientationSquare
	if u.Height > 0 {
		aspect = float64(u.Width) / float64(u.Height)
	}
	switch {
	case u.Width > u.Height:
		orientation = models.OrientationLandscape
	case u.Width < u.Height:
		orientation = models.OrientationPortrait
	}

	now := FormatTime(time.Now())
	_, err = tx.ExecContext(ctx,
		`UPDATE images
		 SET width = ?, height = ?, aspect_ratio = ?, orientation = ?,
		     x_restrict = ?, ai_type = ?, illust_type = ?,
		     user_id = ?, user_name = ?, title = ?, created_at_pixiv = ?,
		     bookmark_count = ?, view_count = ?, comment_count = ?, updated_at = ?
		 WHERE illust_id = ?`,
		u.Width, u.Height, aspect, orientation,
		u.XRestrict, u.AIType, u.IllustType,
		u.UserID, u.UserName, u.Title, u.CreatedAtPixiv,
		u.BookmarkCount, u.ViewCount, u.CommentCount, now, illustID)
	if err != nil {
		return err
	}

	// Rewrite tag links atomically: upsert names, delete stale links,
	// insert current ones.
	rows, err := tx.QueryContext(ctx, `SELECT id FROM images WHERE illust_id = ?`, illustID)
	if err != nil {
		return err
	}
	var imageIDs []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return err
		}
		imageIDs = append(imageIDs, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return err
	}

	tagIDs := make([]int64, 0, len(u.TagNames))
	for _, name := range u.TagNames {
		if name == "" {
			continue
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO tags (name) VALUES (?) ON CONFLICT(name) DO NOTHING`, name); err != nil {
			return err
		}
		var tagID int64
		if err := tx.QueryRowContext(ctx, `SELECT id FROM tags WHERE name = ?`, name).Scan(&tagID); err != nil {
			return err
		}
		tagIDs = append(tagIDs, tagID)
	}

	for _, imageID := range imageIDs {
		if _, err := tx.ExecContext(ctx, `DELETE FROM image_tags WHERE image_id = ?`, imageID); err != nil {
			return err
		}
		for _, tagID := range tagIDs {
			if _, err := tx.ExecContext(ctx,
				`INSERT INTO image_tags (image_id, tag_id) VALUES (?, ?)`, imageID, tagID); err != nil {
				return err
			}
		}
	}

	return tx.Commit()
}

// TagsFor returns the tags linked to one image, sorted by name.
func (r *ImageRepository) TagsFor(ctx context.Context, imageID int64) ([]*models.Tag, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT t.id, t.name, t.translated_name
		 FROM tags t JOIN image_tags it ON it.tag_id = t.id
		 WHERE it.image_id = ? ORDER BY t.name ASC`, imageID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var tags []*models.Tag
	for rows.Next() {
		var t models.Tag
		var translated sql.NullString
		if err := rows.Scan(&t.ID, &t.Name, &translated); err != nil {
			return nil, err
		}
		t.TranslatedName = strPtr(translated)
		tags = append(tags, &t)
	}
	return tags, rows.Err()
}

// ListAfter returns up to limit active images with id > cursor, for
// cursor pagination.
func (r *ImageRepository) ListAfter(ctx context.Context, cursor int64, limit int) ([]*models.Image, error) {
	if limit <= 0 || limit > 100 {
		limit = 20
	}
	rows, err := r.db.QueryContext(ctx,
		`SELECT `+imageColumns+` FROM images WHERE id > ? AND status != ? ORDER BY id ASC LIMIT ?`,
		cursor, models.ImageStatusDeleted, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectImages(rows)
}

// ListAuthors returns distinct authors with image counts, cursor on
// user_id.
func (r *ImageRepository) ListAuthors(ctx context.Context, cursor int64, limit int) ([]map[string]any, error) {
	if limit <= 0 || limit > 100 {
		limit = 20
	}
	rows, err := r.db.QueryContext(ctx,
		`SELECT user_id, MAX(user_name), COUNT(*)
		 FROM images WHERE user_id IS NOT NULL AND user_id > ? AND status = 1
		 GROUP BY user_id ORDER BY user_id ASC LIMIT ?`,
		cursor, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []map[string]any
	for rows.Next() {
		var userID int64
		var userName sql.NullString
		var count int64
		if err := rows.Scan(&userID, &userName, &count); err != nil {
			return nil, err
		}
		out = append(out, map[string]any{
			"user_id":     userID,
			"user_name":   userName.String,
			"image_count": count,
		})
	}
	return out, rows.Err()
}

func scanImage(row rowScanner) (*models.Image, error) {
	var img models.Image
	var width, height, orientation, xRestrict, aiType, illustType sql.NullInt64
	var aspect sql.NullFloat64
	var userID sql.NullInt64
	var userName, title, createdAtPixiv sql.NullString
	var lastFailAt, lastOkAt, lastErrorCode, lastErrorMsg sql.NullString
	var createdAt, updatedAt string

	err := row.Scan(
		&img.ID, &img.IllustID, &img.PageIndex, &img.Extension, &img.OriginalURL, &img.ProxyPath, &img.RandomKey,
		&width, &height, &aspect, &orientation, &xRestrict, &aiType, &illustType,
		&userID, &userName, &title, &createdAtPixiv,
		&img.BookmarkCount, &img.ViewCount, &img.CommentCount,
		&img.Status, &img.FailCount, &lastFailAt, &lastOkAt, &lastErrorCode, &lastErrorMsg,
		&createdAt, &updatedAt,
	)
	if err != nil {
		return nil, err
	}

	img.Width = intPtr(width)
	img.Height = intPtr(height)
	img.AspectRatio = floatPtr(aspect)
	img.Orientation = intPtr(orientation)
	img.XRestrict = intPtr(xRestrict)
	img.AIType = intPtr(aiType)
	img.IllustType = intPtr(illustType)
	img.UserID = int64Ptr(userID)
	img.UserName = strPtr(userName)
	img.Title = strPtr(title)
	img.CreatedAtPixiv = strPtr(createdAtPixiv)
	img.LastFailAt = timePtr(lastFailAt)
	img.LastOkAt = timePtr(lastOkAt)
	img.LastErrorCode = strPtr(lastErrorCode)
	img.LastErrorMsg = strPtr(lastErrorMsg)
	img.CreatedAt, _ = ParseTime(createdAt)
	img.UpdatedAt, _ = ParseTime(updatedAt)
	return &img, nil
}

func collectImages(rows *sql.Rows) ([]*models.Image, error) {
	var images []*models.Image
	for rows.Next() {
		img, err := scanImage(rows)
		if err != nil {
			return nil, err
		}
		images = append(images, img)
	}
	return images, rows.Err()
}
