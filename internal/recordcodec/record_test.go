package recordcodec

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestEncodeDecodeRoundTrip(t *testing.T) {
	r := NewPut([]byte("key"), []byte("value"))
	buf := r.Bytes()

	decoded, err := Decode(buf)
	require.NoError(t, err)
	require.Equal(t, []byte("key"), decoded.Key)
	require.Equal(t, []byte("value"), decoded.Value)
	require.False(t, decoded.IsTombstone())
}

func TestTombstoneHasNoValue(t *testing.T) {
	r := NewTombstone([]byte("key"))
	require.True(t, r.IsTombstone())
	require.Equal(t, 0, len(r.Value))

	decoded, err := Decode(r.Bytes())
	require.NoError(t, err)
	require.True(t, decoded.IsTombstone())
}

func TestDecodeDetectsCorruption(t *testing.T) {
	r := NewPut([]byte("key"), []byte("value"))
	buf := r.Bytes()
	buf[len(buf)-1] ^= 0xFF // flip a value byte, invalidating the CRC

	_, err := Decode(buf)
	require.ErrorIs(t, err, ErrTornTail)
}

func TestDecodeDetectsShortBuffer(t *testing.T) {
	r := NewPut([]byte("key"), []byte("value"))
	buf := r.Bytes()

	_, err := Decode(buf[:len(buf)-2])
	require.ErrorIs(t, err, ErrTornTail)
}

func TestSizeMatchesEncodedLength(t *testing.T) {
	r := NewPut([]byte("k"), []byte("v12345"))
	require.Equal(t, r.Size(), len(r.Bytes()))
}
