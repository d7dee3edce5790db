package service

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseImageURL_CanonicalHost(t *testing.T) {
	parsed, err := ParseImageURL("https://i.pximg.net/img-original/img/2023/05/10/12/30/45/108123456_p0.jpg")
	require.NoError(t, err)

	assert.Equal(t, int64(108123456), parsed.IllustID)
	assert.Equal(t, 0, parsed.PageIndex)
	assert.Equal(t, "jpg", parsed.Extension)
	assert.Equal(t, "https://i.pximg.net/img-original/img/2023/05/10/12/30/45/108123456_p0.jpg", parsed.OriginalURL)
	assert.Equal(t, "/img-original/img/2023/05/10/12/30/45/108123456_p0.jpg", parsed.ProxyPath)
}

func TestParseImageURL_MirrorNormalized(t *testing.T) {
	parsed, err := ParseImageURL("https://i.pixiv.re/img-original/img/2023/05/10/12/30/45/108123456_p3.png")
	require.NoError(t, err)

	assert.Equal(t, 3, parsed.PageIndex)
	assert.Equal(t, "png", parsed.Extension)
	assert.Equal(t, "https://i.pximg.net/img-original/img/2023/05/10/12/30/45/108123456_p3.png", parsed.OriginalURL)
}

func TestParseImageURL_UppercaseExtensionLowered(t *testing.T) {
	_, err := ParseImageURL("https://i.pximg.net/img-original/img/2023/05/10/12/30/45/1_p0.JPG")
	// extension matching is strict lowercase in the path shape
	assert.Error(t, err)
}

func TestParseImageURL_Rejections(t *testing.T) {
	cases := []struct {
		name string
		url  string
	}{
		{"bad host", "https://example.com/img-original/img/2023/05/10/12/30/45/1_p0.jpg"},
		{"bad scheme", "ftp://i.pximg.net/img-original/img/2023/05/10/12/30/45/1_p0.jpg"},
		{"master variant", "https://i.pximg.net/img-master/img/2023/05/10/12/30/45/1_p0_master1200.jpg"},
		{"no page suffix", "https://i.pximg.net/img-original/img/2023/05/10/12/30/45/1.jpg"},
		{"empty", ""},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := ParseImageURL(tc.url)
			assert.Error(t, err)
		})
	}
}
