// Package models contains the domain types shared by repositories,
// services and API handlers.
package models

import "time"

// Image statuses.
const (
	ImageStatusActive   = 1
	ImageStatusDisabled = 2
	ImageStatusBroken   = 3
	ImageStatusDeleted  = 4
)

// Orientation values derived from width/height.
const (
	OrientationPortrait  = 1
	OrientationLandscape = 2
	OrientationSquare    = 3
)

// Image is one page of a multi-page illustration hosted upstream.
// Identity is (IllustID, PageIndex).
type Image struct {
	ID          int64   `json:"id"`
	IllustID    int64   `json:"illust_id"`
	PageIndex   int     `json:"page_index"`
	Extension   string  `json:"extension"`
	OriginalURL string  `json:"original_url,omitempty"`
	ProxyPath   string  `json:"proxy_path"`
	RandomKey   float64 `json:"-"`

	Width       *int     `json:"width,omitempty"`
	Height      *int     `json:"height,omitempty"`
	AspectRatio *float64 `json:"aspect_ratio,omitempty"`
	Orientation *int     `json:"orientation,omitempty"`

	XRestrict      *int    `json:"x_restrict,omitempty"`
	AIType         *int    `json:"ai_type,omitempty"`
	IllustType     *int    `json:"illust_type,omitempty"`
	UserID         *int64  `json:"user_id,omitempty"`
	UserName       *string `json:"user_name,omitempty"`
	Title          *string `json:"title,omitempty"`
	CreatedAtPixiv *string `json:"created_at_pixiv,omitempty"`

	BookmarkCount int `json:"bookmark_count"`
	ViewCount     int `json:"view_count"`
	CommentCount  int `json:"comment_count"`

	Status        int        `json:"status"`
	FailCount     int        `json:"fail_count"`
	LastFailAt    *time.Time `json:"last_fail_at,omitempty"`
	LastOkAt      *time.Time `json:"last_ok_at,omitempty"`
	LastErrorCode *string    `json:"last_error_code,omitempty"`
	LastErrorMsg  *string    `json:"last_error_msg,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// HasCompleteMetadata reports whether the hydrate pipeline has filled
// the geometry and taxonomy columns.
func (i *Image) HasCompleteMetadata() bool {
	return i.Width != nil && i.Height != nil && i.XRestrict != nil && i.UserID != nil
}

// Tag is an upstream tag name, linked to images through image_tags.
type Tag struct {
	ID             int64   `json:"id"`
	Name           string  `json:"name"`
	TranslatedName *string `json:"translated_name,omitempty"`
}

// PixivToken is an upstream OAuth credential. The refresh token is
// stored encrypted and is never returned in plaintext by any API.
type PixivToken struct {
	ID                 int64      `json:"id"`
	Label              string     `json:"label"`
	RefreshTokenEnc    string     `json:"-"`
	RefreshTokenMasked string     `json:"refresh_token"`
	Enabled            bool       `json:"enabled"`
	Weight             int        `json:"weight"`
	ErrorCount         int        `json:"error_count"`
	BackoffUntil       *time.Time `json:"backoff_until,omitempty"`
	LastOkAt           *time.Time `json:"last_ok_at,omitempty"`
	LastFailAt         *time.Time `json:"last_fail_at,omitempty"`
	LastError          *string    `json:"last_error,omitempty"`
	CreatedAt          time.Time  `json:"created_at"`
	UpdatedAt          time.Time  `json:"updated_at"`
}

// ProxyEndpoint is a forward proxy usable for outbound requests.
// Identity is (Scheme, Host, Port, Username).
type ProxyEndpoint struct {
	ID               int64      `json:"id"`
	Scheme           string     `json:"scheme"`
	Host             string     `json:"host"`
	Port             int        `json:"port"`
	Username         *string    `json:"username,omitempty"`
	PasswordEnc      *string    `json:"-"`
	Enabled          bool       `json:"enabled"`
	Source           string     `json:"source"`
	LastLatencyMs    *int       `json:"last_latency_ms,omitempty"`
	LastOkAt         *time.Time `json:"last_ok_at,omitempty"`
	LastFailAt       *time.Time `json:"last_fail_at,omitempty"`
	SuccessCount     int        `json:"success_count"`
	FailureCount     int        `json:"failure_count"`
	BlacklistedUntil *time.Time `json:"blacklisted_until,omitempty"`
	LastError        *string    `json:"last_error,omitempty"`
	CreatedAt        time.Time  `json:"created_at"`
	UpdatedAt        time.Time  `json:"updated_at"`
}

// Usable reports whether the endpoint may carry traffic at now.
func (p *ProxyEndpoint) Usable(now time.Time) bool {
	return p.Enabled && (p.BlacklistedUntil == nil || !p.BlacklistedUntil.After(now))
}

// ProxyPool is a named set of endpoints.
type ProxyPool struct {
	ID          int64     `json:"id"`
	Name        string    `json:"name"`
	Description *string   `json:"description,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
}

// ProxyPoolEndpoint is pool membership with a per-binding weight.
type ProxyPoolEndpoint struct {
	PoolID     int64 `json:"pool_id"`
	EndpointID int64 `json:"endpoint_id"`
	Enabled    bool  `json:"enabled"`
	Weight     int   `json:"weight"`
}

// TokenProxyBinding routes a credential's traffic through a pool.
// Invariant: OverrideProxyID is set iff OverrideExpiresAt is set.
type TokenProxyBinding struct {
	ID                int64      `json:"id"`
	TokenID           int64      `json:"token_id"`
	PoolID            int64      `json:"pool_id"`
	PrimaryProxyID    int64      `json:"primary_proxy_id"`
	OverrideProxyID   *int64     `json:"override_proxy_id,omitempty"`
	OverrideExpiresAt *time.Time `json:"override_expires_at,omitempty"`
	OverrideAttempt   int        `json:"override_attempt"`
	UpdatedAt         time.Time  `json:"updated_at"`
}

// EffectiveProxyID returns the override endpoint while its window is
// live, otherwise the primary.
func (b *TokenProxyBinding) EffectiveProxyID(now time.Time) int64 {
	if b.OverrideProxyID != nil && b.OverrideExpiresAt != nil && b.OverrideExpiresAt.After(now) {
		return *b.OverrideProxyID
	}
	return b.PrimaryProxyID
}

// Job statuses.
const (
	JobStatusPending   = "pending"
	JobStatusRunning   = "running"
	JobStatusPaused    = "paused"
	JobStatusCanceled  = "canceled"
	JobStatusCompleted = "completed"
	JobStatusFailed    = "failed"
	JobStatusDLQ       = "dlq"
)

// Job types handled by the worker.
const (
	JobTypeImportURLs        = "import_urls"
	JobTypeHydrateMetadata   = "hydrate_metadata"
	JobTypeHealURL           = "heal_url"
	JobTypeProxyProbe        = "proxy_probe"
	JobTypeCleanupRequestLog = "cleanup_request_logs"
)

// Job ref types used for enqueue de-duplication.
const (
	JobRefBrokenImage          = "broken_image"
	JobRefOpportunisticHydrate = "opportunistic_hydrate"
	JobRefProxyProbe           = "proxy_probe"
	JobRefCleanup              = "cleanup"
	JobRefHydrationRun         = "hydration_run"
)

// Job is one durable unit of background work.
type Job struct {
	ID          int64      `json:"id"`
	Type        string     `json:"type"`
	Status      string     `json:"status"`
	Priority    int        `json:"priority"`
	RunAfter    *time.Time `json:"run_after,omitempty"`
	Attempt     int        `json:"attempt"`
	MaxAttempts int        `json:"max_attempts"`
	PayloadJSON string     `json:"payload_json"`
	LastError   *string    `json:"last_error,omitempty"`
	LockedBy    *string    `json:"locked_by,omitempty"`
	LockedAt    *time.Time `json:"locked_at,omitempty"`
	RefType     *string    `json:"ref_type,omitempty"`
	RefID       *string    `json:"ref_id,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
}

// HydrationRun describes a long-running metadata backfill batch.
type HydrationRun struct {
	ID          int64      `json:"id"`
	Status      string     `json:"status"`
	TotalCount  int        `json:"total_count"`
	DoneCount   int        `json:"done_count"`
	FailedCount int        `json:"failed_count"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	FinishedAt  *time.Time `json:"finished_at,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
}

// RuntimeSetting is a key → JSON value pair merged over env defaults.
type RuntimeSetting struct {
	Key       string    `json:"key"`
	ValueJSON string    `json:"value_json"`
	UpdatedAt time.Time `json:"updated_at"`
	UpdatedBy *string   `json:"updated_by,omitempty"`
}

// RequestLogEntry records one served HTTP request.
type RequestLogEntry struct {
	ID        int64     `json:"id"`
	RequestID string    `json:"request_id"`
	Method    string    `json:"method"`
	Path      string    `json:"path"`
	Status    int       `json:"status"`
	LatencyMs float64   `json:"latency_ms"`
	ClientIP  string    `json:"client_ip"`
	APIKeyID  *int64    `json:"api_key_id,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// PublicAPIKey is a caller credential for /random. Only the HMAC of the
// key material is stored, plus an 8-char hint for display.
type PublicAPIKey struct {
	ID         int64      `json:"id"`
	Name       string     `json:"name"`
	KeyHMAC    string     `json:"-"`
	KeyHint    string     `json:"key_hint"`
	Enabled    bool       `json:"enabled"`
	RPM        *int       `json:"rpm,omitempty"`
	Burst      *int       `json:"burst,omitempty"`
	LastUsedAt *time.Time `json:"last_used_at,omitempty"`
	CreatedAt  time.Time  `json:"created_at"`
}

// AdminAudit records one admin mutation for provenance.
type AdminAudit struct {
	ID        int64     `json:"id"`
	Actor     string    `json:"actor"`
	Action    string    `json:"action"`
	Target    string    `json:"target"`
	Detail    string    `json:"detail"`
	CreatedAt time.Time `json:"created_at"`
}

// Import records one URL import batch.
type Import struct {
	ID           int64     `json:"id"`
	Source       string    `json:"source"`
	TotalCount   int       `json:"total_count"`
	CreatedCount int       `json:"created_count"`
	SkippedCount int       `json:"skipped_count"`
	ErrorCount   int       `json:"error_count"`
	CreatedAt    time.Time `json:"created_at"`
}

// TokenCandidate is the selector's view of a credential.
type TokenCandidate struct {
	ID           int64
	Enabled      bool
	Weight       int
	ErrorCount   int
	BackoffUntil *time.Time
}

// Eligible reports whether the candidate may be picked at now.
func (c TokenCandidate) Eligible(now time.Time) bool {
	return c.Enabled && (c.BackoffUntil == nil || !c.BackoffUntil.After(now))
}
