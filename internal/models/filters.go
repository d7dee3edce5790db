package models

import "time"

// Limits on tag filter fan-out.
const (
	MaxIncludedTags = 8
	MaxExcludedTags = 32
)

// RandomFilters is the conjunction of predicates a random pick must
// satisfy. Zero values mean "no predicate" unless noted.
type RandomFilters struct {
	// R18: 0 safe only, 1 r18 only, 2 both.
	R18       int
	R18Strict bool // with R18=0, exclude NULL x_restrict too

	Orientation *int
	AIType      *int
	IllustType  *int

	MinWidth     int
	MinHeight    int
	MinPixels    int64
	MinBookmarks int
	MinViews     int
	MinComments  int

	IncludedTags []string
	ExcludedTags []string

	UserID   *int64
	IllustID *int64

	CreatedFrom string
	CreatedTo   string

	// FailCooldown excludes images whose last serve failure is more
	// recent than now − cooldown. Zero disables the predicate.
	FailCooldown time.Duration
}

// IllustTypeFromName maps friendly names onto upstream illust types.
// Returns -1 for unknown names.
func IllustTypeFromName(name string) int {
	switch name {
	case "illust", "0":
		return 0
	case "manga", "1":
		return 1
	case "ugoira", "2":
		return 2
	default:
		return -1
	}
}
