package service

import (
	"container/list"
	"context"
	"crypto/sha256"
	"encoding/binary"
	"math"
	"strconv"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/user/pixrand-go/internal/models"
	"github.com/user/pixrand-go/internal/repository"
)

// Pick strategies.
const (
	PickDefault = "default"
	PickQuality = "quality"
)

// Quality scoring knobs.
const (
	bookmarkWeight    = 0.6
	viewWeight        = 0.4
	freshnessHalfLife = 180 * 24 * time.Hour
	aiPenalty         = 0.7
	mangaPenalty      = 0.8
	softmaxTemp       = 0.25
	dedupWindow       = 10 * time.Minute
	dedupImagePenalty = 0.15
	dedupUserPenalty  = 0.5
)

// PickResult is a chosen image plus debug provenance.
type PickResult struct {
	Image    *models.Image
	Strategy string
	// Source is where the strategy came from, "runtime" or "query".
	Source string
}

// Picker implements the random image choice: reproducible key-based
// pick, optional quality over-sampling, and a soft in-process dedup.
type Picker struct {
	images   *repository.ImageRepository
	settings *SettingsService
	logger   *zap.Logger

	mu   sync.Mutex
	seen map[string]*list.Element
	lru  *list.List // front = oldest
}

type seenEntry struct {
	key string
	at  time.Time
}

// NewPicker creates a Picker.
func NewPicker(images *repository.ImageRepository, settings *SettingsService, logger *zap.Logger) *Picker {
	return &Picker{
		images:   images,
		settings: settings,
		logger:   logger,
		seen:     make(map[string]*list.Element),
		lru:      list.New(),
	}
}

// SeedToKey hashes an arbitrary seed string to a stable r in [0,1).
func SeedToKey(seed string) float64 {
	sum := sha256.Sum256([]byte(seed))
	v := binary.BigEndian.Uint64(sum[:8])
	return float64(v>>11) / float64(1<<53)
}

// subKey derives the i-th sample key from a base seed.
func subKey(seed string, i int) float64 {
	return SeedToKey(seed + ":" + strconv.Itoa(i))
}

// Pick chooses one image. seed "" draws a fresh random key; strategy
// "" falls back to runtime settings. A nil image with nil error means
// nothing matched.
func (p *Picker) Pick(ctx context.Context, f models.RandomFilters, seed, strategy string) (*PickResult, error) {
	now := time.Now()

	source := "query"
	if strategy == "" {
		strategy = p.settings.PickStrategy(ctx)
		source = "runtime"
	}

	baseSeed := seed
	if baseSeed == "" {
		baseSeed = strconv.FormatInt(now.UnixNano(), 10) + strconv.Itoa(randIntn(1<<30))
	}

	var img *models.Image
	var err error
	switch strategy {
	case PickQuality:
		img, err = p.pickQuality(ctx, f, baseSeed, now)
	default:
		strategy = PickDefault
		img, err = p.images.PickByKey(ctx, f, SeedToKey(baseSeed), now)
	}
	if err != nil || img == nil {
		return nil, err
	}

	p.remember(img, now)
	return &PickResult{Image: img, Strategy: strategy, Source: source}, nil
}

// pickQuality over-samples candidates at derived keys, scores each,
// and draws by softmax over the scores.
func (p *Picker) pickQuality(ctx context.Context, f models.RandomFilters, seed string, now time.Time) (*models.Image, error) {
	samples := p.settings.QualitySamples(ctx)
	if samples < 1 {
		samples = 1
	}

	candidates := make([]*models.Image, 0, samples)
	seenIDs := make(map[int64]bool, samples)
	for i := 0; i < samples; i++ {
		img, err := p.images.PickByKey(ctx, f, subKey(seed, i), now)
		if err != nil {
			return nil, err
		}
		if img == nil {
			break
		}
		if !seenIDs[img.ID] {
			seenIDs[img.ID] = true
			candidates = append(candidates, img)
		}
	}
	if len(candidates) == 0 {
		return nil, nil
	}
	if len(candidates) == 1 {
		return candidates[0], nil
	}

	scores := make([]float64, len(candidates))
	for i, img := range candidates {
		scores[i] = p.score(img, now)
	}
	return candidates[softmaxDraw(scores, SeedToKey(seed+":draw"))], nil
}

// score combines normalized popularity, freshness decay, and category
// multipliers, then applies dedup penalties for recently served work.
func (p *Picker) score(img *models.Image, now time.Time) float64 {
	// log-normalize popularity so whales do not dominate
	bookmarks := math.Log1p(float64(img.BookmarkCount)) / math.Log1p(100000)
	views := math.Log1p(float64(img.ViewCount)) / math.Log1p(1000000)
	s := bookmarkWeight*bookmarks + viewWeight*views

	if img.CreatedAtPixiv != nil {
		if created, err := time.Parse(time.RFC3339, *img.CreatedAtPixiv); err == nil {
			age := now.Sub(created)
			if age > 0 {
				s *= math.Exp2(-float64(age) / float64(freshnessHalfLife))
			}
		}
	}

	if img.AIType != nil && *img.AIType == 1 {
		s *= aiPenalty
	}
	if img.IllustType != nil && *img.IllustType == 1 {
		s *= mangaPenalty
	}

	p.mu.Lock()
	if at, ok := p.seenAtLocked("i:" + strconv.FormatInt(img.ID, 10)); ok && now.Sub(at) < dedupWindow {
		s *= dedupImagePenalty
	}
	if img.UserID != nil {
		if at, ok := p.seenAtLocked("u:" + strconv.FormatInt(*img.UserID, 10)); ok && now.Sub(at) < dedupWindow {
			s *= dedupUserPenalty
		}
	}
	p.mu.Unlock()

	return s
}

// softmaxDraw samples an index proportional to exp(score/temp) using
// a supplied draw in [0,1).
func softmaxDraw(scores []float64, r float64) int {
	maxScore := scores[0]
	for _, s := range scores[1:] {
		if s > maxScore {
			maxScore = s
		}
	}
	weights := make([]float64, len(scores))
	total := 0.0
	for i, s := range scores {
		weights[i] = math.Exp((s - maxScore) / softmaxTemp)
		total += weights[i]
	}
	threshold := r * total
	cumulative := 0.0
	for i, w := range weights {
		cumulative += w
		if threshold < cumulative {
			return i
		}
	}
	return len(scores) - 1
}

const maxSeenEntries = 4096

// remember records the served image and author for dedup scoring.
func (p *Picker) remember(img *models.Image, now time.Time) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.touch("i:"+strconv.FormatInt(img.ID, 10), now)
	if img.UserID != nil {
		p.touch("u:"+strconv.FormatInt(*img.UserID, 10), now)
	}
	for p.lru.Len() > maxSeenEntries {
		front := p.lru.Front()
		p.lru.Remove(front)
		delete(p.seen, front.Value.(seenEntry).key)
	}
}

// touch keeps exactly one list element per key so eviction at the
// front never discards a key that was re-served recently.
func (p *Picker) touch(key string, now time.Time) {
	if elem, ok := p.seen[key]; ok {
		elem.Value = seenEntry{key: key, at: now}
		p.lru.MoveToBack(elem)
		return
	}
	p.seen[key] = p.lru.PushBack(seenEntry{key: key, at: now})
}

func (p *Picker) seenAtLocked(key string) (time.Time, bool) {
	elem, ok := p.seen[key]
	if !ok {
		return time.Time{}, false
	}
	return elem.Value.(seenEntry).at, true
}
