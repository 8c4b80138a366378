package crypto

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSealOpenRoundTrip(t *testing.T) {
	var key [32]byte
	copy(key[:], "0123456789abcdef0123456789abcdef")
	box := New(key)

	ct, err := box.SealString("refresh-token-value")
	require.NoError(t, err)
	assert.NotContains(t, string(ct), "refresh-token-value")

	pt, err := box.OpenString(ct)
	require.NoError(t, err)
	assert.Equal(t, "refresh-token-value", pt)
}

func TestOpenRejectsWrongKey(t *testing.T) {
	var keyA, keyB [32]byte
	copy(keyA[:], "aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa")
	copy(keyB[:], "bbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbb")

	ct, err := New(keyA).SealString("secret")
	require.NoError(t, err)

	_, err = New(keyB).OpenString(ct)
	assert.Error(t, err)
}

func TestOpenRejectsTruncated(t *testing.T) {
	var key [32]byte
	_, err := New(key).Open([]byte("short"))
	assert.Error(t, err)
}
