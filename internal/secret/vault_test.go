package secret

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testKey() []byte {
	key := make([]byte, 32)
	for i := range key {
		key[i] = byte(i)
	}
	return key
}

func TestVault_SealOpen(t *testing.T) {
	v, err := NewVault(testKey())
	require.NoError(t, err)

	sealed, err := v.Seal("refresh-token-value")
	require.NoError(t, err)
	assert.True(t, IsSealed(sealed))
	assert.NotContains(t, sealed, "refresh-token-value")

	plain, err := v.Open(sealed)
	require.NoError(t, err)
	assert.Equal(t, "refresh-token-value", plain)
}

func TestVault_OpenLegacyPlaintext(t *testing.T) {
	v, err := NewVault(testKey())
	require.NoError(t, err)

	plain, err := v.Open("bare-legacy-value")
	require.NoError(t, err)
	assert.Equal(t, "bare-legacy-value", plain)
}

func TestVault_OpenTampered(t *testing.T) {
	v, err := NewVault(testKey())
	require.NoError(t, err)

	sealed, err := v.Seal("value")
	require.NoError(t, err)

	tampered := sealed[:len(sealed)-4] + "AAAA"
	_, err = v.Open(tampered)
	assert.ErrorIs(t, err, ErrBadCiphertext)
}

func TestVault_BadKeyLength(t *testing.T) {
	_, err := NewVault([]byte("short"))
	assert.Error(t, err)
}

func TestMask(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"", "***"},
		{"abcdef", "***"},
		{"abcdefgh", "ab***gh"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, Mask(tt.in))
	}
}
