package service

import (
	"context"
	"io"
	"net/http"
	"strings"

	"go.uber.org/zap"

	"github.com/user/pixrand-go/internal/models"
	"github.com/user/pixrand-go/internal/redact"
)

// forwarded response headers, in order.
var passthroughHeaders = []string{
	"Content-Type", "Content-Length", "Accept-Ranges", "Content-Range",
}

// StreamResult is a live upstream response. The caller must Close it;
// closing also releases the upstream connection on early disconnect.
type StreamResult struct {
	Body       io.ReadCloser
	StatusCode int
	Header     http.Header
}

// Close releases the upstream body.
func (r *StreamResult) Close() error {
	return r.Body.Close()
}

// Fetcher streams upstream image bytes through the selected proxy.
type Fetcher struct {
	clients *OutboundClients
	logger  *zap.Logger
}

// NewFetcher creates a Fetcher.
func NewFetcher(clients *OutboundClients, logger *zap.Logger) *Fetcher {
	return &Fetcher{clients: clients, logger: logger}
}

// Stream opens the upstream URL and returns the response for
// byte-for-byte forwarding. rangeHeader is passed through verbatim.
// Errors are always *models.AppError with a classified code.
func (f *Fetcher) Stream(ctx context.Context, rawURL, proxyURL, rangeHeader string) (*StreamResult, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, models.Errf(models.CodeUpstreamStreamError, "bad upstream url").WithErr(err)
	}
	SetImageHeaders(req)
	if rangeHeader != "" {
		req.Header.Set("Range", rangeHeader)
	}

	client, err := f.clients.ClientFor(proxyURL)
	if err != nil {
		return nil, models.Errf(models.CodeProxyConnectFailed, "proxy client: %s", redact.Error(err))
	}

	resp, err := client.Do(req)
	if err != nil {
		return nil, classifyTransportError(err)
	}

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusPartialContent {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		resp.Body.Close()
		return nil, classifyUpstreamStatus(resp.StatusCode, string(body))
	}

	header := make(http.Header, len(passthroughHeaders))
	for _, h := range passthroughHeaders {
		if v := resp.Header.Get(h); v != "" {
			header.Set(h, v)
		}
	}

	return &StreamResult{
		Body:       resp.Body,
		StatusCode: resp.StatusCode,
		Header:     header,
	}, nil
}

// classifyTransportError maps a client-level error onto the proxy or
// stream error codes. Proxy failures mentioning 407 or authentication
// are auth failures; other proxy failures are connect failures.
func classifyTransportError(err error) *models.AppError {
	msg := err.Error()
	lower := strings.ToLower(msg)

	if strings.Contains(lower, "proxy") {
		if strings.Contains(lower, "407") || strings.Contains(lower, "proxy authentication") {
			return models.Errf(models.CodeProxyAuthFailed, "proxy authentication failed").WithErr(err)
		}
		return models.Errf(models.CodeProxyConnectFailed, "proxy connect failed").WithErr(err)
	}
	return models.Errf(models.CodeUpstreamStreamError, "upstream fetch failed: %s", redact.String(msg)).WithErr(err)
}

// classifyUpstreamStatus maps a non-2xx upstream status onto the
// stable code table.
func classifyUpstreamStatus(status int, body string) *models.AppError {
	switch {
	case status == http.StatusForbidden && strings.Contains(strings.ToLower(body), "rate limit"):
		return models.Errf(models.CodeUpstreamRateLimit, "upstream rate limited")
	case status == http.StatusForbidden:
		return models.Errf(models.CodeUpstream403, "upstream returned 403")
	case status == http.StatusNotFound:
		return models.Errf(models.CodeUpstream404, "upstream returned 404")
	case status == http.StatusTooManyRequests:
		return models.Errf(models.CodeUpstreamRateLimit, "upstream rate limited")
	default:
		return models.Errf(models.CodeUpstreamStreamError, "upstream returned %d", status)
	}
}

// FailureClass maps a classified fetch error onto the selector's
// recovery classes.
func FailureClass(err *models.AppError) string {
	switch err.Code {
	case models.CodeProxyAuthFailed:
		return FailProxyAuth
	case models.CodeProxyConnectFailed:
		return FailProxyConn
	case models.CodeUpstreamRateLimit:
		return FailRateLimit
	default:
		return FailTransient
	}
}
