package service

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/user/pixrand-go/internal/config"
	"github.com/user/pixrand-go/internal/models"
	"github.com/user/pixrand-go/internal/redact"
	"github.com/user/pixrand-go/internal/repository"
)

const (
	oauthTokenURL = "https://oauth.secure.pixiv.net/auth/token"
	appAPIBase    = "https://app-api.pixiv.net"
)

// AuthError marks a refresh rejection that burns the credential
// rather than a transient network problem.
type AuthError struct {
	StatusCode int
	Body       string
}

func (e *AuthError) Error() string {
	return fmt.Sprintf("upstream auth rejected: status %d: %s", e.StatusCode, redact.String(e.Body))
}

// PixivClient talks to the upstream OAuth and app APIs using stored
// credentials and the selector's outbound routing.
type PixivClient struct {
	cfg     *config.Config
	tokens  *repository.TokenRepository
	vault   secretOpener
	clients *OutboundClients
	logger  *zap.Logger
}

// NewPixivClient creates a PixivClient.
func NewPixivClient(cfg *config.Config, tokens *repository.TokenRepository,
	vault secretOpener, clients *OutboundClients, logger *zap.Logger) *PixivClient {
	return &PixivClient{
		cfg:     cfg,
		tokens:  tokens,
		vault:   vault,
		clients: clients,
		logger:  logger,
	}
}

// Refresh exchanges a stored refresh token for an access token. An
// *AuthError return means the credential itself was rejected.
func (p *PixivClient) Refresh(ctx context.Context, tokenID int64) (*AccessToken, error) {
	token, err := p.tokens.FindByID(ctx, tokenID)
	if err != nil {
		return nil, err
	}
	refreshToken, err := p.vault.Open(token.RefreshTokenEnc)
	if err != nil {
		return nil, err
	}

	form := url.Values{
		"client_id":      {p.cfg.Pixiv.OAuthClientID},
		"client_secret":  {p.cfg.Pixiv.OAuthClientSecret},
		"grant_type":     {"refresh_token"},
		"refresh_token":  {refreshToken},
		"include_policy": {"true"},
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, oauthTokenURL,
		strings.NewReader(form.Encode()))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	SetUpstreamHeaders(req, p.cfg.Pixiv.OAuthHashSecret)

	client, err := p.clients.ClientFor("")
	if err != nil {
		return nil, err
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("token refresh: %s", redact.Error(err))
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	switch resp.StatusCode {
	case http.StatusOK:
	case http.StatusBadRequest, http.StatusUnauthorized, http.StatusForbidden:
		return nil, &AuthError{StatusCode: resp.StatusCode, Body: string(body)}
	default:
		return nil, fmt.Errorf("token refresh: unexpected status %d", resp.StatusCode)
	}

	var parsed struct {
		AccessToken string `json:"access_token"`
		ExpiresIn   int    `json:"expires_in"`
	}
	if err := json.Unmarshal(body, &parsed); err != nil {
		return nil, fmt.Errorf("token refresh: decode: %w", err)
	}
	if parsed.AccessToken == "" {
		return nil, fmt.Errorf("token refresh: empty access_token")
	}

	return &AccessToken{
		Token:     parsed.AccessToken,
		ExpiresAt: time.Now().Add(time.Duration(parsed.ExpiresIn) * time.Second),
	}, nil
}

// IllustDetail is the subset of upstream illust metadata the hydrate
// pipeline persists.
type IllustDetail struct {
	ID             int64
	Title          string
	Width          int
	Height         int
	XRestrict      int
	AIType         int
	IllustType     int
	UserID         int64
	UserName       string
	CreateDate     string
	TotalBookmarks int
	TotalView      int
	TotalComments  int
	Tags           []models.Tag
	PageURLs       []string
}

// FetchIllust loads one illustration's metadata via the app API.
func (p *PixivClient) FetchIllust(ctx context.Context, accessToken, proxyURL string, illustID int64) (*IllustDetail, error) {
	endpoint := fmt.Sprintf("%s/v1/illust/detail?illust_id=%d", appAPIBase, illustID)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+accessToken)
	SetUpstreamHeaders(req, p.cfg.Pixiv.OAuthHashSecret)

	client, err := p.clients.ClientFor(proxyURL)
	if err != nil {
		return nil, err
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, classifyTransportError(err)
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if resp.StatusCode != http.StatusOK {
		return nil, classifyUpstreamStatus(resp.StatusCode, string(body))
	}

	var parsed struct {
		Illust struct {
			ID         int64  `json:"id"`
			Title      string `json:"title"`
			Type       string `json:"type"`
			Width      int    `json:"width"`
			Height     int    `json:"height"`
			XRestrict  int    `json:"x_restrict"`
			IllustAI   int    `json:"illust_ai_type"`
			CreateDate string `json:"create_date"`
			User       struct {
				ID   int64  `json:"id"`
				Name string `json:"name"`
			} `json:"user"`
			Tags []struct {
				Name           string  `json:"name"`
				TranslatedName *string `json:"translated_name"`
			} `json:"tags"`
			TotalBookmarks int `json:"total_bookmarks"`
			TotalView      int `json:"total_view"`
			TotalComments  int `json:"total_comments"`
			MetaSinglePage struct {
				OriginalImageURL string `json:"original_image_url"`
			} `json:"meta_single_page"`
			MetaPages []struct {
				ImageURLs struct {
					Original string `json:"original"`
				} `json:"image_urls"`
			} `json:"meta_pages"`
		} `json:"illust"`
	}
	if err := json.Unmarshal(body, &parsed); err != nil {
		return nil, fmt.Errorf("illust detail: decode: %w", err)
	}

	il := parsed.Illust
	detail := &IllustDetail{
		ID:             il.ID,
		Title:          il.Title,
		Width:          il.Width,
		Height:         il.Height,
		XRestrict:      il.XRestrict,
		AIType:         normalizeAIType(il.IllustAI),
		IllustType:     models.IllustTypeFromName(il.Type),
		UserID:         il.User.ID,
		UserName:       il.User.Name,
		CreateDate:     il.CreateDate,
		TotalBookmarks: il.TotalBookmarks,
		TotalView:      il.TotalView,
		TotalComments:  il.TotalComments,
	}
	for _, tag := range il.Tags {
		detail.Tags = append(detail.Tags, models.Tag{Name: tag.Name, TranslatedName: tag.TranslatedName})
	}
	if il.MetaSinglePage.OriginalImageURL != "" {
		detail.PageURLs = []string{il.MetaSinglePage.OriginalImageURL}
	}
	for _, page := range il.MetaPages {
		detail.PageURLs = append(detail.PageURLs, page.ImageURLs.Original)
	}
	return detail, nil
}

// normalizeAIType collapses the upstream tri-state (0 unknown, 1 not
// AI, 2 AI) onto the stored {0,1} flag.
func normalizeAIType(v int) int {
	if v == 2 {
		return 1
	}
	return 0
}
