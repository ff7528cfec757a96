package token

import (
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

const testMaster = "0123456789abcdef0123456789abcdef-master"

func TestDeriveKeys_RejectsWeakMaster(t *testing.T) {
	t.Parallel()

	_, err := DeriveKeys("   ")
	require.True(t, errors.Is(err, ErrHMACKeyMissing))

	_, err = DeriveKeys("short")
	require.True(t, errors.Is(err, ErrHMACKeyTooShort))
}

func TestDeriveKeys_PurposesAreIndependent(t *testing.T) {
	t.Parallel()

	k, err := DeriveKeys(testMaster)
	require.NoError(t, err)
	require.Len(t, k.AccessSigning, 32)
	require.NotEqual(t, k.AccessSigning, k.RefreshHash)
	require.NotEqual(t, k.RefreshHash, k.Fingerprint)
	require.NotEqual(t, k.Fingerprint, k.DeviceCode)

	again, err := DeriveKeys(testMaster)
	require.NoError(t, err)
	require.Equal(t, k, again)
}

func TestHasher_StableHex(t *testing.T) {
	t.Parallel()

	k, err := DeriveKeys(testMaster)
	require.NoError(t, err)
	h, err := NewHasher(k.RefreshHash)
	require.NoError(t, err)

	a := h.Hash("refresh-token")
	require.Len(t, a, 64)
	require.Equal(t, strings.ToLower(a), a)
	require.Equal(t, a, h.Hash("refresh-token"))
	require.NotEqual(t, a, h.Hash("refresh-token2"))
	require.True(t, Equal(a, h.Hash("refresh-token")))
}

func TestHasher_HashPartsSeparatesFields(t *testing.T) {
	t.Parallel()

	h, err := NewHasher([]byte(testMaster))
	require.NoError(t, err)
	require.NotEqual(t, h.HashParts("ab", "c"), h.HashParts("a", "bc"))
}

func TestNewHasher_ShortKey(t *testing.T) {
	t.Parallel()

	_, err := NewHasher([]byte("abc"))
	require.ErrorIs(t, err, ErrHMACKeyTooShort)
}
