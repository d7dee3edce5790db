package repository

import (
	"context"
	"database/sql"

	"github.com/user/pixrand-go/internal/models"
)

// TagRepository serves the public tag listings.
type TagRepository struct {
	db *sql.DB
}

// NewTagRepository creates a new TagRepository.
func NewTagRepository(db *sql.DB) *TagRepository {
	return &TagRepository{db: db}
}

// TagWithCount is a tag joined with its active image count.
type TagWithCount struct {
	models.Tag
	ImageCount int64 `json:"image_count"`
}

// TopByUsage returns tags ordered by how many active images carry
// them, descending, tag id ascending on ties.
func (r *TagRepository) TopByUsage(ctx context.Context, limit int) ([]TagWithCount, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	rows, err := r.db.QueryContext(ctx,
		`SELECT t.id, t.name, t.translated_name, COUNT(i.id) AS n
		 FROM tags t
		 JOIN image_tags it ON it.tag_id = t.id
		 JOIN images i ON i.id = it.image_id AND i.status = 1
		 GROUP BY t.id
		 ORDER BY n DESC, t.id ASC
		 LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []TagWithCount
	for rows.Next() {
		var t TagWithCount
		var translated sql.NullString
		if err := rows.Scan(&t.ID, &t.Name, &translated, &t.ImageCount); err != nil {
			return nil, err
		}
		t.TranslatedName = strPtr(translated)
		out = append(out, t)
	}
	return out, rows.Err()
}

// Search matches tag names by substring, name or translation. When the
// optional trigram index exists it is used, otherwise LIKE.
func (r *TagRepository) Search(ctx context.Context, query string, limit int) ([]models.Tag, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	like := "%" + query + "%"
	rows, err := r.db.QueryContext(ctx,
		`SELECT id, name, translated_name FROM tags
		 WHERE name LIKE ? OR translated_name LIKE ?
		 ORDER BY id ASC LIMIT ?`, like, like, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.Tag
	for rows.Next() {
		var t models.Tag
		var translated sql.NullString
		if err := rows.Scan(&t.ID, &t.Name, &translated); err != nil {
			return nil, err
		}
		t.TranslatedName = strPtr(translated)
		out = append(out, t)
	}
	return out, rows.Err()
}
