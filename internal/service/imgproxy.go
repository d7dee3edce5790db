package service

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/user/pixrand-go/internal/config"
)

// ImgproxySigner builds signed imgproxy URLs over the proxy-served
// image path. Disabled when the base URL or keys are unset.
type ImgproxySigner struct {
	baseURL   string
	key       []byte
	salt      []byte
	options   string
	chunkSize int
}

// NewImgproxySigner creates a signer from config. Returns nil when
// imgproxy is not configured.
func NewImgproxySigner(cfg config.ImgproxyConfig) (*ImgproxySigner, error) {
	if cfg.BaseURL == "" || cfg.KeyHex == "" || cfg.SaltHex == "" {
		return nil, nil
	}
	key, err := hex.DecodeString(cfg.KeyHex)
	if err != nil {
		return nil, fmt.Errorf("imgproxy key: %w", err)
	}
	salt, err := hex.DecodeString(cfg.SaltHex)
	if err != nil {
		return nil, fmt.Errorf("imgproxy salt: %w", err)
	}
	chunk := cfg.URLChunkSize
	if chunk <= 0 {
		chunk = 16
	}
	return &ImgproxySigner{
		baseURL:   strings.TrimRight(cfg.BaseURL, "/"),
		key:       key,
		salt:      salt,
		options:   cfg.DefaultOptions,
		chunkSize: chunk,
	}, nil
}

// SignPath signs a prepared processing path and returns the full URL.
// The path must start with "/".
func (s *ImgproxySigner) SignPath(path string) string {
	mac := hmac.New(sha256.New, s.key)
	mac.Write(s.salt)
	mac.Write([]byte(path))
	sig := base64.RawURLEncoding.EncodeToString(mac.Sum(nil))
	return fmt.Sprintf("%s/%s%s", s.baseURL, sig, path)
}

// URLFor builds a signed URL serving sourceURL with the default
// processing options. The source URL is base64url-encoded without
// padding and split into fixed-size chunks joined by '/'.
func (s *ImgproxySigner) URLFor(sourceURL, ext string) string {
	encoded := base64.RawURLEncoding.EncodeToString([]byte(sourceURL))
	chunks := make([]string, 0, len(encoded)/s.chunkSize+1)
	for len(encoded) > s.chunkSize {
		chunks = append(chunks, encoded[:s.chunkSize])
		encoded = encoded[s.chunkSize:]
	}
	chunks = append(chunks, encoded)

	path := "/"
	if s.options != "" {
		path += strings.Trim(s.options, "/") + "/"
	}
	path += strings.Join(chunks, "/")
	if ext != "" {
		path += "." + ext
	}
	return s.SignPath(path)
}
