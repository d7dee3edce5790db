package service

import (
	"context"
	"errors"
	"io"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/user/pixrand-go/internal/models"
	"github.com/user/pixrand-go/tests/testutil"
)

func newTestFetcher() *Fetcher {
	return NewFetcher(NewOutboundClients(5*time.Second), testutil.NewTestLogger())
}

func TestFetcher_StreamOK(t *testing.T) {
	srv := testutil.MockUpstreamServer(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, upstreamReferer, r.Header.Get("Referer"))
		w.Header().Set("Content-Type", "image/jpeg")
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("img-bytes"))
	})

	res, err := newTestFetcher().Stream(context.Background(), srv.URL+"/1.jpg", "", "")
	require.NoError(t, err)
	defer res.Close()

	assert.Equal(t, http.StatusOK, res.StatusCode)
	assert.Equal(t, "image/jpeg", res.Header.Get("Content-Type"))

	body, err := io.ReadAll(res.Body)
	require.NoError(t, err)
	assert.Equal(t, "img-bytes", string(body))
}

func TestFetcher_RangePassthrough(t *testing.T) {
	srv := testutil.MockUpstreamServer(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "bytes=0-3", r.Header.Get("Range"))
		w.Header().Set("Content-Range", "bytes 0-3/9")
		w.WriteHeader(http.StatusPartialContent)
		w.Write([]byte("img-"))
	})

	res, err := newTestFetcher().Stream(context.Background(), srv.URL+"/1.jpg", "", "bytes=0-3")
	require.NoError(t, err)
	defer res.Close()

	assert.Equal(t, http.StatusPartialContent, res.StatusCode)
	assert.Equal(t, "bytes 0-3/9", res.Header.Get("Content-Range"))
}

func TestFetcher_StatusClassification(t *testing.T) {
	tests := []struct {
		name     string
		status   int
		body     string
		wantCode models.ErrorCode
	}{
		{"404", http.StatusNotFound, "", models.CodeUpstream404},
		{"403 plain", http.StatusForbidden, "forbidden", models.CodeUpstream403},
		{"403 rate limit", http.StatusForbidden, "Rate Limit exceeded", models.CodeUpstreamRateLimit},
		{"429", http.StatusTooManyRequests, "", models.CodeUpstreamRateLimit},
		{"500", http.StatusInternalServerError, "", models.CodeUpstreamStreamError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := testutil.MockUpstreamServer(t, func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				w.Write([]byte(tt.body))
			})

			_, err := newTestFetcher().Stream(context.Background(), srv.URL, "", "")
			var appErr *models.AppError
			require.ErrorAs(t, err, &appErr)
			assert.Equal(t, tt.wantCode, appErr.Code)
			assert.Equal(t, http.StatusBadGateway, appErr.HTTPStatus)
		})
	}
}

func TestFetcher_NetworkError(t *testing.T) {
	// closed port
	_, err := newTestFetcher().Stream(context.Background(), "http://127.0.0.1:1/x.jpg", "", "")
	var appErr *models.AppError
	require.ErrorAs(t, err, &appErr)
	assert.Equal(t, models.CodeUpstreamStreamError, appErr.Code)
}

func TestClassifyTransportError(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want models.ErrorCode
	}{
		{"proxy 407", errors.New(`proxyconnect tcp: dial: 407 Proxy Authentication Required`), models.CodeProxyAuthFailed},
		{"proxy auth phrase", errors.New("Proxy Authentication failed"), models.CodeProxyAuthFailed},
		{"proxy refused", errors.New("proxyconnect tcp: connection refused"), models.CodeProxyConnectFailed},
		{"plain network", errors.New("read tcp: connection reset by peer"), models.CodeUpstreamStreamError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, classifyTransportError(tt.err).Code)
		})
	}
}

func TestFailureClass(t *testing.T) {
	assert.Equal(t, FailProxyAuth, FailureClass(models.Errf(models.CodeProxyAuthFailed, "")))
	assert.Equal(t, FailProxyConn, FailureClass(models.Errf(models.CodeProxyConnectFailed, "")))
	assert.Equal(t, FailRateLimit, FailureClass(models.Errf(models.CodeUpstreamRateLimit, "")))
	assert.Equal(t, FailTransient, FailureClass(models.Errf(models.CodeUpstream404, "")))
}
