package service

import (
	"fmt"
	"net/url"
	"regexp"
	"strconv"
	"strings"
)

// allowed upstream image hosts
var pximgHosts = map[string]bool{
	"i.pximg.net": true,
	"i.pixiv.re":  true,
	"i.pixiv.cat": true,
	"i.pixiv.nl":  true,
}

// pximgPathRe captures illust id, page index and extension from an
// original-image path like
// /img-original/img/2023/01/01/00/00/00/12345670_p0.jpg
var pximgPathRe = regexp.MustCompile(`^/img-original/img/\d{4}/\d{2}/\d{2}/\d{2}/\d{2}/\d{2}/(\d+)_p(\d+)\.(jpg|jpeg|png|gif|webp)$`)

// ParsedImageURL is one upstream original-image URL decomposed into
// its stored identity.
type ParsedImageURL struct {
	IllustID    int64
	PageIndex   int
	Extension   string
	OriginalURL string
	ProxyPath   string
}

// ParseImageURL validates and decomposes an upstream original-image
// URL. Unsupported hosts or shapes return an error.
func ParseImageURL(raw string) (*ParsedImageURL, error) {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return nil, fmt.Errorf("unparsable url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("unsupported scheme %q", u.Scheme)
	}
	if !pximgHosts[u.Host] {
		return nil, fmt.Errorf("unsupported host %q", u.Host)
	}

	m := pximgPathRe.FindStringSubmatch(u.Path)
	if m == nil {
		return nil, fmt.Errorf("unsupported path %q", u.Path)
	}

	illustID, err := strconv.ParseInt(m[1], 10, 64)
	if err != nil {
		return nil, fmt.Errorf("bad illust id: %w", err)
	}
	pageIndex, err := strconv.Atoi(m[2])
	if err != nil {
		return nil, fmt.Errorf("bad page index: %w", err)
	}

	// normalize mirrors onto the canonical host
	canonical := "https://i.pximg.net" + u.Path
	return &ParsedImageURL{
		IllustID:    illustID,
		PageIndex:   pageIndex,
		Extension:   strings.ToLower(m[3]),
		OriginalURL: canonical,
		ProxyPath:   u.Path,
	}, nil
}
