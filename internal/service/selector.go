package service

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/user/pixrand-go/internal/models"
	"github.com/user/pixrand-go/internal/redact"
	"github.com/user/pixrand-go/internal/repository"
)

// Selection strategies for credentials.
const (
	StrategyDefault    = "default"
	StrategyRoundRobin = "round_robin"
	StrategyLeastError = "least_error"
	StrategyWeighted   = "weighted"
)

// NoTokenError reports that every credential is disabled or backing
// off, with the earliest time one becomes eligible again.
type NoTokenError struct {
	NextRetryAt *time.Time
}

func (e *NoTokenError) Error() string {
	if e.NextRetryAt == nil {
		return "no upstream credential available"
	}
	return fmt.Sprintf("no upstream credential available until %s", e.NextRetryAt.UTC().Format(time.RFC3339))
}

// Selection is a picked credential with its resolved outbound proxy.
type Selection struct {
	Token    *models.PixivToken
	ProxyID  *int64
	ProxyURL string
}

// Selector picks an eligible credential per the configured strategy
// and resolves its outbound proxy through the binding table.
type Selector struct {
	tokens   *repository.TokenRepository
	proxies  *repository.ProxyRepository
	settings *SettingsService
	vault    secretOpener
	logger   *zap.Logger

	mu     sync.Mutex
	lastID int64
}

type secretOpener interface {
	Open(stored string) (string, error)
}

// NewSelector creates a Selector.
func NewSelector(tokens *repository.TokenRepository, proxies *repository.ProxyRepository,
	settings *SettingsService, vault secretOpener, logger *zap.Logger) *Selector {
	return &Selector{
		tokens:   tokens,
		proxies:  proxies,
		settings: settings,
		vault:    vault,
		logger:   logger,
	}
}

// Pick selects one eligible credential. Strategy comes from runtime
// settings, falling back to the configured default.
func (s *Selector) Pick(ctx context.Context) (*Selection, error) {
	candidates, err := s.tokens.Candidates(ctx)
	if err != nil {
		return nil, err
	}

	now := time.Now()
	strategy := s.settings.TokenStrategy(ctx)

	s.mu.Lock()
	lastID := s.lastID
	s.mu.Unlock()

	chosen, err := SelectToken(candidates, strategy, lastID, randFloat(), now)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	s.lastID = chosen.ID
	s.mu.Unlock()

	token, err := s.tokens.FindByID(ctx, chosen.ID)
	if err != nil {
		return nil, err
	}

	sel := &Selection{Token: token}
	if err := s.resolveProxy(ctx, sel, now); err != nil {
		return nil, err
	}
	return sel, nil
}

// SelectToken applies one strategy over the candidate set. Candidates
// must be sorted ascending by id. lastID is the previously chosen id
// (0 for none) and r is a draw in [0,1) consumed by weighted.
func SelectToken(candidates []models.TokenCandidate, strategy string, lastID int64, r float64, now time.Time) (models.TokenCandidate, error) {
	eligible := make([]models.TokenCandidate, 0, len(candidates))
	var nextRetry *time.Time
	for _, c := range candidates {
		if c.Eligible(now) {
			eligible = append(eligible, c)
			continue
		}
		if c.Enabled && c.BackoffUntil != nil {
			if nextRetry == nil || c.BackoffUntil.Before(*nextRetry) {
				t := *c.BackoffUntil
				nextRetry = &t
			}
		}
	}
	if len(eligible) == 0 {
		return models.TokenCandidate{}, &NoTokenError{NextRetryAt: nextRetry}
	}

	switch strategy {
	case StrategyLeastError:
		minErr := eligible[0].ErrorCount
		for _, c := range eligible[1:] {
			if c.ErrorCount < minErr {
				minErr = c.ErrorCount
			}
		}
		subset := eligible[:0:0]
		for _, c := range eligible {
			if c.ErrorCount == minErr {
				subset = append(subset, c)
			}
		}
		return roundRobin(subset, lastID), nil
	case StrategyWeighted:
		total := 0
		for _, c := range eligible {
			total += c.Weight
		}
		if total == 0 {
			return roundRobin(eligible, lastID), nil
		}
		threshold := r * float64(total)
		cumulative := 0.0
		for _, c := range eligible {
			cumulative += float64(c.Weight)
			if threshold < cumulative {
				return c, nil
			}
		}
		return eligible[len(eligible)-1], nil
	default:
		return roundRobin(eligible, lastID), nil
	}
}

// roundRobin returns the first candidate with id greater than lastID,
// wrapping to the lowest id.
func roundRobin(eligible []models.TokenCandidate, lastID int64) models.TokenCandidate {
	for _, c := range eligible {
		if c.ID > lastID {
			return c
		}
	}
	return eligible[0]
}

// resolveProxy fills Selection.ProxyID and ProxyURL from the token's
// binding, preferring a live override. No binding means direct.
func (s *Selector) resolveProxy(ctx context.Context, sel *Selection, now time.Time) error {
	poolID := s.settings.ActivePoolID(ctx)
	if poolID == 0 {
		return nil
	}
	binding, err := s.proxies.GetBinding(ctx, sel.Token.ID, poolID)
	if err != nil {
		return err
	}
	if binding == nil {
		return nil
	}

	proxyID := binding.EffectiveProxyID(now)
	ep, err := s.proxies.FindEndpoint(ctx, proxyID)
	if err != nil {
		return err
	}
	if !ep.Usable(now) {
		// blacklisted primary without a live override goes direct
		s.logger.Warn("bound proxy unusable, going direct",
			zap.Int64("token_id", sel.Token.ID),
			zap.Int64("proxy_id", proxyID))
		return nil
	}

	url, err := s.proxyURL(ep)
	if err != nil {
		return err
	}
	sel.ProxyID = &ep.ID
	sel.ProxyURL = url
	return nil
}

func (s *Selector) proxyURL(ep *models.ProxyEndpoint) (string, error) {
	if ep.Username == nil || ep.PasswordEnc == nil {
		return fmt.Sprintf("%s://%s:%d", ep.Scheme, ep.Host, ep.Port), nil
	}
	password, err := s.vault.Open(*ep.PasswordEnc)
	if err != nil {
		return "", fmt.Errorf("proxy %d: %w", ep.ID, err)
	}
	return fmt.Sprintf("%s://%s:%s@%s:%d", ep.Scheme, *ep.Username, password, ep.Host, ep.Port), nil
}

// Failure classes produced by the outbound path.
const (
	FailAuth      = "auth"
	FailProxyAuth = "proxy_auth"
	FailProxyConn = "proxy_connect"
	FailRateLimit = "rate_limit"
	FailTransient = "transient"
)

// ReportFailure applies the recovery policy for a failed outbound call:
// credential backoff for auth and rate-limit classes, proxy override
// install plus endpoint blacklist for proxy classes.
func (s *Selector) ReportFailure(ctx context.Context, sel *Selection, class string, cause error) {
	now := time.Now()
	msg := redact.Error(cause)

	switch class {
	case FailAuth:
		until := now.Add(AuthBackoff(sel.Token.ErrorCount + 1))
		if err := s.tokens.MarkFailure(ctx, sel.Token.ID, msg, &until); err != nil {
			s.logger.Error("mark token auth failure", zap.Error(err))
		}
	case FailRateLimit:
		until := now.Add(RateLimitBackoff(sel.Token.ErrorCount + 1))
		if err := s.tokens.MarkFailure(ctx, sel.Token.ID, msg, &until); err != nil {
			s.logger.Error("mark token rate limit", zap.Error(err))
		}
	case FailProxyAuth, FailProxyConn:
		s.handleProxyFailure(ctx, sel, msg, now)
	default:
		if err := s.tokens.MarkFailure(ctx, sel.Token.ID, msg, nil); err != nil {
			s.logger.Error("mark token failure", zap.Error(err))
		}
	}
}

// handleProxyFailure blacklists the failed endpoint and, when the pool
// has another usable member, installs it as a time-boxed override so
// the credential keeps serving while the primary recovers.
func (s *Selector) handleProxyFailure(ctx context.Context, sel *Selection, msg string, now time.Time) {
	if sel.ProxyID == nil {
		return
	}
	if err := s.proxies.MarkProbe(ctx, *sel.ProxyID, false, 0, msg); err != nil {
		s.logger.Error("mark proxy failure", zap.Error(err))
	}
	if err := s.proxies.Blacklist(ctx, *sel.ProxyID, now.Add(10*time.Minute)); err != nil {
		s.logger.Error("blacklist proxy", zap.Error(err))
	}

	poolID := s.settings.ActivePoolID(ctx)
	if poolID == 0 {
		return
	}
	binding, err := s.proxies.GetBinding(ctx, sel.Token.ID, poolID)
	if err != nil || binding == nil {
		return
	}
	members, err := s.proxies.PoolEndpoints(ctx, poolID)
	if err != nil {
		return
	}
	for _, ep := range members {
		if ep.ID == *sel.ProxyID || !ep.Usable(now) {
			continue
		}
		ttl := OverrideTTL(binding.OverrideAttempt + 1)
		if err := s.proxies.SetOverride(ctx, binding.ID, ep.ID, now.Add(ttl)); err != nil {
			s.logger.Error("install proxy override", zap.Error(err))
			return
		}
		s.logger.Info("installed proxy override",
			zap.Int64("token_id", sel.Token.ID),
			zap.Int64("from_proxy", *sel.ProxyID),
			zap.Int64("to_proxy", ep.ID),
			zap.Duration("ttl", ttl))
		return
	}
}

// ReportSuccess clears failure state on the credential and, when an
// override carried the call and the primary is healthy again, clears
// the override.
func (s *Selector) ReportSuccess(ctx context.Context, sel *Selection) {
	if err := s.tokens.MarkOK(ctx, sel.Token.ID); err != nil {
		s.logger.Error("mark token ok", zap.Error(err))
	}
	if sel.ProxyID != nil {
		if err := s.proxies.MarkProbe(ctx, *sel.ProxyID, true, 0, ""); err != nil {
			s.logger.Error("mark proxy ok", zap.Error(err))
		}
	}
}
