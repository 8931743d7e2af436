package frame

import (
	"testing"

	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

func TestEncodeDecodeRoundTrip(t *testing.T) {
	h := Header{
		TransferID:  0xdeadbeef,
		TotalChunks: 10,
		ChunkIndex:  3,
		Compressed:  true,
		CRC32:       0x12345678,
		TotalSize:   1234,
	}
	data := []byte("hello mesh")

	raw, err := Encode(h, data)
	require.NoError(t, err)
	require.Len(t, raw, HeaderSize+len(data))

	f, err := Decode(raw)
	require.NoError(t, err)
	require.Equal(t, h, f.Header)
	require.Equal(t, data, f.Data)
}

func TestEncodeRejectsZeroTotalChunks(t *testing.T) {
	_, err := Encode(Header{TotalChunks: 0}, nil)
	require.ErrorIs(t, err, ErrMalformedHeader)
}

func TestEncodeRejectsChunkIndexOutOfRange(t *testing.T) {
	_, err := Encode(Header{TotalChunks: 2, ChunkIndex: 2}, nil)
	require.ErrorIs(t, err, ErrMalformedHeader)
}

func TestEncodeRejectsOversizeFrame(t *testing.T) {
	_, err := Encode(Header{TotalChunks: 1}, make([]byte, MaxFrame))
	require.ErrorIs(t, err, ErrFrameTooLarge)
}

func TestDecodeRejectsShortInput(t *testing.T) {
	_, err := Decode(make([]byte, HeaderSize-1))
	require.ErrorIs(t, err, ErrMalformedHeader)
}

func TestDecodeRejectsZeroTotalChunks(t *testing.T) {
	raw, err := Encode(Header{TotalChunks: 1}, nil)
	require.NoError(t, err)
	raw[4] = 0 // total_chunks field
	_, err = Decode(raw)
	require.ErrorIs(t, err, ErrMalformedHeader)
}

func TestDataPerChunkAndTotalChunksFor(t *testing.T) {
	require.Equal(t, DefaultChunkSize-HeaderSize, DataPerChunk(DefaultChunkSize))
	require.Equal(t, 1, TotalChunksFor(1, 10))
	require.Equal(t, 1, TotalChunksFor(0, 10))
	require.Equal(t, 3, TotalChunksFor(21, 10))
}

func TestEncodeDecodeRoundTripProperty(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		total := rapid.IntRange(1, 255).Draw(rt, "total").(int)
		idx := rapid.IntRange(0, total-1).Draw(rt, "idx").(int)
		dataLen := rapid.IntRange(0, MaxFrame-HeaderSize).Draw(rt, "dataLen").(int)
		data := rapid.SliceOfN(rapid.Uint8(), dataLen, dataLen).Draw(rt, "data").([]uint8)

		h := Header{
			TransferID:  rapid.Uint32().Draw(rt, "transferID").(uint32),
			TotalChunks: uint8(total),
			ChunkIndex:  uint8(idx),
			Compressed:  rapid.Bool().Draw(rt, "compressed").(bool),
			CRC32:       rapid.Uint32().Draw(rt, "crc").(uint32),
			TotalSize:   rapid.Uint32().Draw(rt, "totalSize").(uint32),
		}

		raw, err := Encode(h, data)
		require.NoError(rt, err)

		f, err := Decode(raw)
		require.NoError(rt, err)
		require.Equal(rt, h, f.Header)
		require.Equal(rt, data, f.Data)
	})
}
