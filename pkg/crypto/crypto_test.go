package crypto

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDeriveDeviceKey(t *testing.T) {
	key, err := DeriveDeviceKey("Z3JvdXAtc2VjcmV0LTAxMjM0NTY3ODlhYmNkZWY=", "dev-1")
	require.NoError(t, err)
	assert.Equal(t, "o/CRs/FM7QqLeRQE+ivDba2nLqGw5erUVkqrmnDpsYQ=", key)

	other, err := DeriveDeviceKey("Z3JvdXAtc2VjcmV0LTAxMjM0NTY3ODlhYmNkZWY=", "dev-2")
	require.NoError(t, err)
	assert.NotEqual(t, key, other)

	_, err = DeriveDeviceKey("not base64!", "dev-1")
	assert.Error(t, err)
}

func TestSignHMACMatchesDerivation(t *testing.T) {
	sig, err := SignHMAC("Z3JvdXAtc2VjcmV0LTAxMjM0NTY3ODlhYmNkZWY=", "dev-1")
	require.NoError(t, err)
	assert.Equal(t, "o/CRs/FM7QqLeRQE+ivDba2nLqGw5erUVkqrmnDpsYQ=", sig)
}

func TestPasswordHash(t *testing.T) {
	hash, err := HashPassword("s3cret")
	require.NoError(t, err)

	assert.True(t, VerifyPassword("s3cret", hash))
	assert.False(t, VerifyPassword("wrong", hash))
}
