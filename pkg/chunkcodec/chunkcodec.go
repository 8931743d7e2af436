// Package chunkcodec computes the wire CRC32 and applies the optional
// payload-level compression gate described in spec.md §4.2.
package chunkcodec

import (
	"fmt"
	"hash/crc32"

	"github.com/klauspost/compress/zstd"
)

// SavingsThreshold is the fraction of the raw length compressed output must
// beat to be selected: compressed replaces raw only if
// len(compressed) < SavingsThreshold * len(raw).
const SavingsThreshold = 0.95

// CRC32 returns the IEEE CRC32 of data, computed over the exact bytes the
// receiver will reassemble (the selected, possibly-compressed payload).
func CRC32(data []byte) uint32 {
	return crc32.ChecksumIEEE(data)
}

// Encoded is the result of preparing a blob for transmission: the bytes
// that will actually go over the wire, whether they are compressed, and
// their CRC32.
type Encoded struct {
	Bytes      []byte
	Compressed bool
	CRC32      uint32
}

// Prepare applies compression when requested and returns the bytes that
// should be chunked and sent, selecting compressed output only when it
// clears SavingsThreshold. The CRC is always computed over the final,
// selected bytes.
func Prepare(raw []byte, compress bool) (Encoded, error) {
	if !compress {
		return Encoded{Bytes: raw, Compressed: false, CRC32: CRC32(raw)}, nil
	}

	compressed, err := compressHighLevel(raw)
	if err != nil {
		return Encoded{}, fmt.Errorf("chunkcodec: compress: %w", err)
	}

	if float64(len(compressed)) < SavingsThreshold*float64(len(raw)) {
		return Encoded{Bytes: compressed, Compressed: true, CRC32: CRC32(compressed)}, nil
	}
	return Encoded{Bytes: raw, Compressed: false, CRC32: CRC32(raw)}, nil
}

// Decompress reverses compressHighLevel. Callers should treat any error as
// equivalent to a CRC failure (spec.md §4.4 "Failure modes").
func Decompress(compressed []byte) ([]byte, error) {
	dec, err := zstd.NewReader(nil)
	if err != nil {
		return nil, fmt.Errorf("chunkcodec: new decoder: %w", err)
	}
	defer dec.Close()

	out, err := dec.DecodeAll(compressed, nil)
	if err != nil {
		return nil, fmt.Errorf("chunkcodec: decode: %w", err)
	}
	return out, nil
}

func compressHighLevel(raw []byte) ([]byte, error) {
	enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedBestCompression))
	if err != nil {
		return nil, fmt.Errorf("new encoder: %w", err)
	}
	defer enc.Close()
	return enc.EncodeAll(raw, nil), nil
}
