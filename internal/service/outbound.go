package service

import (
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"time"
)

// Upstream request profile. The app API rejects requests without the
// Android client headers, and the image CDN rejects a missing Referer.
const (
	upstreamReferer = "https://www.pixiv.net/"
	upstreamUA      = "PixivAndroidApp/5.0.234 (Android 11; Pixel 5)"
)

// OutboundClients builds and caches HTTP clients keyed by proxy URL.
// The empty key is the direct client.
type OutboundClients struct {
	mu      sync.Mutex
	clients map[string]*http.Client
	timeout time.Duration
}

// NewOutboundClients creates an OutboundClients cache. A zero timeout
// disables the per-request deadline, used for streaming.
func NewOutboundClients(timeout time.Duration) *OutboundClients {
	return &OutboundClients{
		clients: make(map[string]*http.Client),
		timeout: timeout,
	}
}

// ClientFor returns a client routing through the given proxy URL, or
// a direct client for "".
func (o *OutboundClients) ClientFor(proxyURL string) (*http.Client, error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	if c, ok := o.clients[proxyURL]; ok {
		return c, nil
	}

	transport := &http.Transport{
		MaxIdleConns:        100,
		MaxIdleConnsPerHost: 20,
		IdleConnTimeout:     90 * time.Second,
	}
	if proxyURL != "" {
		parsed, err := url.Parse(proxyURL)
		if err != nil {
			return nil, fmt.Errorf("bad proxy url: %w", err)
		}
		transport.Proxy = http.ProxyURL(parsed)
	}

	c := &http.Client{Timeout: o.timeout, Transport: transport}
	o.clients[proxyURL] = c
	return c, nil
}

// SetUpstreamHeaders applies the Referer plus Android client headers
// expected by the upstream app API.
func SetUpstreamHeaders(req *http.Request, hashSecret string) {
	now := time.Now().UTC().Format("2006-01-02T15:04:05+00:00")
	req.Header.Set("Referer", upstreamReferer)
	req.Header.Set("User-Agent", upstreamUA)
	req.Header.Set("X-Client-Time", now)
	req.Header.Set("X-Client-Hash", clientHash(now, hashSecret))
	req.Header.Set("Accept-Language", "en-US")
}

// SetImageHeaders applies the headers the image CDN requires.
func SetImageHeaders(req *http.Request) {
	req.Header.Set("Referer", upstreamReferer)
	req.Header.Set("User-Agent", upstreamUA)
}

func clientHash(clientTime, hashSecret string) string {
	sum := md5.Sum([]byte(clientTime + hashSecret))
	return hex.EncodeToString(sum[:])
}
