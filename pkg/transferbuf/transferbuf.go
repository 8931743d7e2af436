// Package transferbuf implements the receiver-side per-transfer reassembly
// buffer described in spec.md §3/§4.3. It is a pure data structure: no I/O,
// no goroutines, no wall-clock reads beyond what callers supply via Touch.
package transferbuf

import (
	"fmt"
	"time"

	"github.com/RootPathFinder/meshsender/pkg/chunkcodec"
)

// InsertOutcome is the result of inserting a chunk into a Buffer.
type InsertOutcome int

const (
	// NewChunk indicates the chunk was accepted into a previously-empty slot.
	NewChunk InsertOutcome = iota
	// Duplicate indicates the slot was already filled; not an error.
	Duplicate
	// Rejected indicates the index lies outside [0, TotalChunks). Frames
	// whose declared parameters (total_chunks, total_size, crc, compressed)
	// disagree with the buffer are detected separately, by Matches.
	Rejected
)

// Status is the lifecycle state of a Buffer.
type Status int

const (
	Active Status = iota
	Timeout
	Complete
)

func (s Status) String() string {
	switch s {
	case Active:
		return "active"
	case Timeout:
		return "timeout"
	case Complete:
		return "complete"
	default:
		return "unknown"
	}
}

// Buffer is the per-(peer, transfer_id) assembly state.
type Buffer struct {
	TransferID   uint32
	TotalChunks  int
	ExpectedSize uint32
	ExpectedCRC  uint32
	Compressed   bool

	chunks       [][]byte
	receivedMask []bool
	receivedN    int

	StartTime      time.Time
	LastUpdateTime time.Time
	Status         Status

	Duplicates int
}

// New allocates a Buffer for a transfer whose first-seen header declared
// the given parameters.
func New(transferID uint32, totalChunks int, expectedSize, expectedCRC uint32, compressed bool, now time.Time) *Buffer {
	return &Buffer{
		TransferID:     transferID,
		TotalChunks:    totalChunks,
		ExpectedSize:   expectedSize,
		ExpectedCRC:    expectedCRC,
		Compressed:     compressed,
		chunks:         make([][]byte, totalChunks),
		receivedMask:   make([]bool, totalChunks),
		StartTime:      now,
		LastUpdateTime: now,
		Status:         Active,
	}
}

// Matches reports whether a newly-arrived frame's declared parameters agree
// with the ones this buffer was allocated with. A mismatch means the frame
// must be discarded as Rejected (spec.md §4.4 step 2).
func (b *Buffer) Matches(totalChunks int, expectedSize, expectedCRC uint32, compressed bool) bool {
	return b.TotalChunks == totalChunks &&
		b.ExpectedSize == expectedSize &&
		b.ExpectedCRC == expectedCRC &&
		b.Compressed == compressed
}

// Insert places chunk bytes at index. index must be in [0, TotalChunks).
func (b *Buffer) Insert(index int, data []byte) InsertOutcome {
	if index < 0 || index >= b.TotalChunks {
		return Rejected
	}
	if b.receivedMask[index] {
		b.Duplicates++
		return Duplicate
	}
	buf := make([]byte, len(data))
	copy(buf, data)
	b.chunks[index] = buf
	b.receivedMask[index] = true
	b.receivedN++
	return NewChunk
}

// Touch advances LastUpdateTime to now.
func (b *Buffer) Touch(now time.Time) {
	b.LastUpdateTime = now
}

// IsComplete reports whether every chunk slot has been filled.
func (b *Buffer) IsComplete() bool {
	return b.receivedN == b.TotalChunks
}

// Missing returns the indices of slots not yet received, in ascending order.
func (b *Buffer) Missing() []int {
	missing := make([]int, 0, b.TotalChunks-b.receivedN)
	for i, got := range b.receivedMask {
		if !got {
			missing = append(missing, i)
		}
	}
	return missing
}

// ReceivedCount returns the number of distinct chunk indices received.
func (b *Buffer) ReceivedCount() int {
	return b.receivedN
}

// ErrIncomplete is returned by Assemble when not all chunks are present.
var ErrIncomplete = fmt.Errorf("transferbuf: buffer is not complete")

// ErrCRCMismatch is returned by Assemble when the reassembled bytes fail
// the CRC32 check against ExpectedCRC.
var ErrCRCMismatch = fmt.Errorf("transferbuf: crc32 mismatch")

// Assemble concatenates all chunk slots and verifies the result's CRC32
// against ExpectedCRC before returning it.
func (b *Buffer) Assemble() ([]byte, error) {
	if !b.IsComplete() {
		return nil, ErrIncomplete
	}
	out := make([]byte, 0, b.ExpectedSize)
	for _, c := range b.chunks {
		out = append(out, c...)
	}
	if uint32(len(out)) != b.ExpectedSize {
		return nil, fmt.Errorf("%w: assembled %d bytes, expected %d", ErrCRCMismatch, len(out), b.ExpectedSize)
	}
	if chunkcodec.CRC32(out) != b.ExpectedCRC {
		return nil, ErrCRCMismatch
	}
	return out, nil
}
