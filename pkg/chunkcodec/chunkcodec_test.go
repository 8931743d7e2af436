package chunkcodec

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestPrepareNoCompressionRequested(t *testing.T) {
	raw := []byte("some data that will not be compressed")
	enc, err := Prepare(raw, false)
	require.NoError(t, err)
	require.False(t, enc.Compressed)
	require.Equal(t, raw, enc.Bytes)
	require.Equal(t, CRC32(raw), enc.CRC32)
}

func TestPrepareCompressesHighlyRedundantData(t *testing.T) {
	raw := bytes.Repeat([]byte("A"), 8192)
	enc, err := Prepare(raw, true)
	require.NoError(t, err)
	require.True(t, enc.Compressed)
	require.Less(t, float64(len(enc.Bytes)), SavingsThreshold*float64(len(raw)))

	out, err := Decompress(enc.Bytes)
	require.NoError(t, err)
	require.Equal(t, raw, out)
}

func TestPrepareRejectsIncompressibleData(t *testing.T) {
	// Already-compressed-looking data: random bytes rarely clear the
	// savings threshold, so Prepare should fall back to the raw bytes.
	raw := make([]byte, 256)
	for i := range raw {
		raw[i] = byte(i * 131)
	}
	enc, err := Prepare(raw, true)
	require.NoError(t, err)
	require.False(t, enc.Compressed)
	require.Equal(t, raw, enc.Bytes)
}

func TestDecompressRejectsGarbage(t *testing.T) {
	_, err := Decompress([]byte("not zstd data at all"))
	require.Error(t, err)
}

func TestCRC32MatchesStdlibIEEE(t *testing.T) {
	require.Equal(t, uint32(0xcbf43926), CRC32([]byte("123456789")))
}
