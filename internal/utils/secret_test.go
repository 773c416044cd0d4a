package utils

import (
	"encoding/base64"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testKey() string {
	return base64.StdEncoding.EncodeToString([]byte(strings.Repeat("k", 32)))
}

func TestSealerRoundTrip(t *testing.T) {
	sealer, err := NewSealer(testKey())
	require.NoError(t, err)

	sealed, err := sealer.Encrypt("app-password-1234")
	require.NoError(t, err)
	assert.NotContains(t, string(sealed), "app-password")

	plain, err := sealer.Decrypt(sealed)
	require.NoError(t, err)
	assert.Equal(t, "app-password-1234", plain)

	sealed[len(sealed)-1] ^= 0xff
	_, err = sealer.Decrypt(sealed)
	assert.Error(t, err)

	_, err = sealer.Decrypt([]byte("short"))
	assert.Error(t, err)
}

func TestNewSealerRejectsBadKeys(t *testing.T) {
	for _, key := range []string{"", "%%%", base64.StdEncoding.EncodeToString([]byte("too short"))} {
		_, err := NewSealer(key)
		assert.Error(t, err, key)
	}
}
