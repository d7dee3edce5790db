package service

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/user/pixrand-go/internal/config"
	"github.com/user/pixrand-go/internal/repository"
)

// Runtime setting keys.
const (
	SettingTokenStrategy  = "token.strategy"
	SettingPickStrategy   = "random.strategy"
	SettingAttempts       = "random.attempts"
	SettingFailCooldown   = "random.fail_cooldown_ms"
	SettingQualitySamples = "random.quality_samples"
	SettingR18Strict      = "random.r18_strict"
	SettingActivePool     = "proxy.active_pool_id"
	SettingHideOrigin     = "random.hide_origin"
	SettingWorkerLastSeen = "worker.last_seen_at"
	SettingLogRetention   = "request_log.retention_days"
)

// SettingsService layers runtime_settings over env defaults with a
// short read-through cache so hot paths avoid a query per request.
type SettingsService struct {
	repo   *repository.SettingsRepository
	cfg    *config.Config
	logger *zap.Logger

	mu       sync.RWMutex
	cache    map[string]cachedSetting
	cacheTTL time.Duration
}

type cachedSetting struct {
	raw     string
	fetched time.Time
}

// NewSettingsService creates a SettingsService.
func NewSettingsService(repo *repository.SettingsRepository, cfg *config.Config, logger *zap.Logger) *SettingsService {
	return &SettingsService{
		repo:     repo,
		cfg:      cfg,
		logger:   logger,
		cache:    make(map[string]cachedSetting),
		cacheTTL: 5 * time.Second,
	}
}

// raw returns the JSON value for a key, "" when unset.
func (s *SettingsService) raw(ctx context.Context, key string) string {
	s.mu.RLock()
	if c, ok := s.cache[key]; ok && time.Since(c.fetched) < s.cacheTTL {
		s.mu.RUnlock()
		return c.raw
	}
	s.mu.RUnlock()

	v, err := s.repo.Get(ctx, key)
	if err != nil {
		s.logger.Warn("runtime setting read failed", zap.String("key", key), zap.Error(err))
		return ""
	}
	s.mu.Lock()
	s.cache[key] = cachedSetting{raw: v, fetched: time.Now()}
	s.mu.Unlock()
	return v
}

// Invalidate drops a key from the cache after a write.
func (s *SettingsService) Invalidate(key string) {
	s.mu.Lock()
	delete(s.cache, key)
	s.mu.Unlock()
}

// Set persists a setting and invalidates the cache.
func (s *SettingsService) Set(ctx context.Context, key, valueJSON, updatedBy string) error {
	if err := s.repo.Set(ctx, key, valueJSON, updatedBy); err != nil {
		return err
	}
	s.Invalidate(key)
	return nil
}

// TokenStrategy returns the credential selection strategy, runtime
// value first, env default otherwise.
func (s *SettingsService) TokenStrategy(ctx context.Context) string {
	if v := s.str(ctx, SettingTokenStrategy); v != "" {
		return v
	}
	return s.cfg.Pixiv.TokenStrategy
}

// PickStrategy returns the random pick strategy, default or quality.
func (s *SettingsService) PickStrategy(ctx context.Context) string {
	if v := s.str(ctx, SettingPickStrategy); v != "" {
		return v
	}
	return s.cfg.Random.Strategy
}

// Attempts returns the default /random serve attempt count.
func (s *SettingsService) Attempts(ctx context.Context) int {
	if v := s.intVal(ctx, SettingAttempts); v > 0 {
		return v
	}
	return s.cfg.Random.Attempts
}

// FailCooldown returns the serve-failure exclusion window.
func (s *SettingsService) FailCooldown(ctx context.Context) time.Duration {
	if v := s.intVal(ctx, SettingFailCooldown); v > 0 {
		return time.Duration(v) * time.Millisecond
	}
	return time.Duration(s.cfg.Random.FailCooldownMS) * time.Millisecond
}

// QualitySamples returns the quality strategy over-sample count.
func (s *SettingsService) QualitySamples(ctx context.Context) int {
	if v := s.intVal(ctx, SettingQualitySamples); v > 0 {
		return v
	}
	return s.cfg.Random.QualitySamples
}

// R18Strict reports whether NULL x_restrict is excluded from safe picks.
func (s *SettingsService) R18Strict(ctx context.Context) bool {
	var v bool
	if raw := s.raw(ctx, SettingR18Strict); raw != "" {
		if json.Unmarshal([]byte(raw), &v) == nil {
			return v
		}
	}
	return s.cfg.Random.R18Strict
}

func (s *SettingsService) str(ctx context.Context, key string) string {
	var v string
	if raw := s.raw(ctx, key); raw != "" {
		if json.Unmarshal([]byte(raw), &v) == nil {
			return v
		}
	}
	return ""
}

func (s *SettingsService) intVal(ctx context.Context, key string) int {
	var v int
	if raw := s.raw(ctx, key); raw != "" {
		if json.Unmarshal([]byte(raw), &v) == nil {
			return v
		}
	}
	return 0
}

// ActivePoolID returns the proxy pool routing outbound traffic, or 0
// when outbound goes direct.
func (s *SettingsService) ActivePoolID(ctx context.Context) int64 {
	var v int64
	if raw := s.raw(ctx, SettingActivePool); raw != "" {
		if json.Unmarshal([]byte(raw), &v) == nil {
			return v
		}
	}
	return 0
}

// HideOrigin reports whether public responses omit upstream URLs.
func (s *SettingsService) HideOrigin(ctx context.Context) bool {
	var v bool
	if raw := s.raw(ctx, SettingHideOrigin); raw != "" {
		if json.Unmarshal([]byte(raw), &v) == nil {
			return v
		}
	}
	return s.cfg.Random.HideOriginURL
}

// LogRetentionDays returns the request log retention window.
func (s *SettingsService) LogRetentionDays(ctx context.Context) int {
	var v int
	if raw := s.raw(ctx, SettingLogRetention); raw != "" {
		if json.Unmarshal([]byte(raw), &v) == nil && v > 0 {
			return v
		}
	}
	return s.cfg.Worker.RequestLogRetainDays
}

// WorkerHeartbeat is the persisted worker liveness record.
type WorkerHeartbeat struct {
	At       string `json:"at"`
	WorkerID string `json:"worker_id"`
	PID      int    `json:"pid"`
}

// LastWorkerHeartbeat returns the most recent worker heartbeat, nil
// when no worker has ever reported.
func (s *SettingsService) LastWorkerHeartbeat(ctx context.Context) *WorkerHeartbeat {
	raw, err := s.repo.Get(ctx, SettingWorkerLastSeen)
	if err != nil || raw == "" {
		return nil
	}
	var hb WorkerHeartbeat
	if json.Unmarshal([]byte(raw), &hb) != nil {
		return nil
	}
	return &hb
}

// RecordWorkerHeartbeat persists worker liveness.
func (s *SettingsService) RecordWorkerHeartbeat(ctx context.Context, workerID string, pid int, at time.Time) error {
	hb := WorkerHeartbeat{
		At:       at.UTC().Format("2006-01-02T15:04:05.000Z"),
		WorkerID: workerID,
		PID:      pid,
	}
	raw, err := json.Marshal(hb)
	if err != nil {
		return err
	}
	return s.repo.Set(ctx, SettingWorkerLastSeen, string(raw), workerID)
}
