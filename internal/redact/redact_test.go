package redact

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestString(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{
			"proxy userinfo",
			"dial failed via http://u:p@1.2.3.4:1",
			"dial failed via http://***@1.2.3.4:1",
		},
		{
			"bearer header",
			"Authorization: Bearer X",
			"Authorization: Bearer ***",
		},
		{
			"refresh token form field",
			"body: grant_type=refresh_token&refresh_token=Y",
			"body: grant_type=refresh_token&refresh_token=***",
		},
		{
			"plain text untouched",
			"connection reset by peer",
			"connection reset by peer",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, String(tt.in))
		})
	}
}

func TestError(t *testing.T) {
	assert.Equal(t, "", Error(nil))
	assert.Equal(t, "proxy http://***@h:1 down",
		Error(errors.New("proxy http://user:secret@h:1 down")))
}

func TestSensitiveKey(t *testing.T) {
	for _, k := range []string{"refresh_token", "ApiKey", "AUTHORIZATION", "proxy_password", "session_cookie"} {
		assert.True(t, SensitiveKey(k), k)
	}
	for _, k := range []string{"label", "weight", "host"} {
		assert.False(t, SensitiveKey(k), k)
	}
}

func TestValue(t *testing.T) {
	in := map[string]any{
		"label":         "main",
		"refresh_token": "abc",
		"nested": map[string]any{
			"password": "p",
			"url":      "socks5://u:p@9.9.9.9:1080",
		},
		"list": []any{"Bearer tok123", 42},
	}

	got := Value(in).(map[string]any)
	assert.Equal(t, "main", got["label"])
	assert.Equal(t, "***", got["refresh_token"])

	nested := got["nested"].(map[string]any)
	assert.Equal(t, "***", nested["password"])
	assert.Equal(t, "socks5://***@9.9.9.9:1080", nested["url"])

	list := got["list"].([]any)
	assert.Equal(t, "Bearer ***", list[0])
	assert.Equal(t, 42, list[1])
}
