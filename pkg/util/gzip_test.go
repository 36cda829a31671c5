package util

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestGzipRoundTrip(t *testing.T) {
	for _, level := range []int{0, 1, 6, 9, 42} {
		compressed, err := Gzip([]byte("hello spans"), level)
		require.NoError(t, err)
		require.True(t, IsGzipped(compressed))

		out, err := Gunzip(compressed)
		require.NoError(t, err)
		require.Equal(t, "hello spans", string(out))
	}
}

func TestIsGzipped(t *testing.T) {
	require.False(t, IsGzipped(nil))
	require.False(t, IsGzipped([]byte{0x1F}))
	require.False(t, IsGzipped([]byte(`{"a":1}`)))
	require.True(t, IsGzipped([]byte{0x1F, 0x8B, 0x08}))
}

func TestGunzipInvalid(t *testing.T) {
	_, err := Gunzip([]byte("not gzip"))
	require.Error(t, err)

	_, err = Gunzip([]byte{0x1F, 0x8B, 0x08, 0x00})
	require.Error(t, err)
}
