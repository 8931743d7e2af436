package receiver

import (
	"context"
	"math/rand"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/RootPathFinder/meshsender/pkg/chunkcodec"
	"github.com/RootPathFinder/meshsender/pkg/control"
	"github.com/RootPathFinder/meshsender/pkg/frame"
	"github.com/RootPathFinder/meshsender/pkg/link"
	"github.com/RootPathFinder/meshsender/pkg/link/simulated"
	"github.com/RootPathFinder/meshsender/pkg/progress"
	"github.com/RootPathFinder/meshsender/pkg/transferbuf"
)

type testSink struct {
	mu        sync.Mutex
	completed [][]byte
	failures  []progress.FailureKind
}

func (s *testSink) OnProgress(progress.Snapshot) {}

func (s *testSink) OnComplete(peer string, transferID uint32, blob []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.completed = append(s.completed, blob)
}

func (s *testSink) OnFailure(peer string, transferID uint32, kind progress.FailureKind) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failures = append(s.failures, kind)
}

func (s *testSink) completedCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.completed)
}

// buildFrames fragments data into the wire frames a sender would produce
// for a single, uncompressed transfer.
func buildFrames(t *testing.T, transferID uint32, data []byte, chunkSize int) [][]byte {
	t.Helper()
	dataPerChunk := frame.DataPerChunk(chunkSize)
	total := frame.TotalChunksFor(len(data), dataPerChunk)
	crc := chunkcodec.CRC32(data)

	raws := make([][]byte, 0, total)
	for i := 0; i < total; i++ {
		start := i * dataPerChunk
		end := start + dataPerChunk
		if end > len(data) {
			end = len(data)
		}
		h := frame.Header{TransferID: transferID, TotalChunks: uint8(total), ChunkIndex: uint8(i), CRC32: crc, TotalSize: uint32(len(data))}
		raw, err := frame.Encode(h, data[start:end])
		require.NoError(t, err)
		raws = append(raws, raw)
	}
	return raws
}

func TestHandleFrameAssemblesAndSendsOk(t *testing.T) {
	net := simulated.NewNetwork(rand.New(rand.NewSource(1)))
	senderDriver := net.NewDriver("sender")
	receiverDriver := net.NewDriver("receiver")

	sink := &testSink{}
	eng := New(receiverDriver, sink, DefaultConfig())
	eng.Start()
	defer eng.Stop()

	var okMu sync.Mutex
	okCount := 0
	senderDriver.Subscribe(DefaultConfig().Port, func(peer link.Peer, payload []byte) {
		msg, err := control.Parse(payload)
		if err == nil && msg.Ok != nil && msg.Ok.TransferID == 0x42 {
			okMu.Lock()
			okCount++
			okMu.Unlock()
		}
	})

	data := []byte("hello from the sender, this is the reassembled blob")
	raws := buildFrames(t, 0x42, data, 32)

	for _, r := range raws {
		_, err := senderDriver.Send(context.Background(), "receiver", DefaultConfig().Port, r, true)
		require.NoError(t, err)
	}

	require.Eventually(t, func() bool { return sink.completedCount() == 1 }, 2*time.Second, 10*time.Millisecond)
	require.Eventually(t, func() bool {
		okMu.Lock()
		defer okMu.Unlock()
		return okCount == okResendCount
	}, 2*time.Second, 10*time.Millisecond)

	sink.mu.Lock()
	require.Equal(t, data, sink.completed[0])
	sink.mu.Unlock()
}

func TestHandleFrameRejectsMismatchedParameters(t *testing.T) {
	net := simulated.NewNetwork(rand.New(rand.NewSource(2)))
	receiverDriver := net.NewDriver("receiver")

	sink := &testSink{}
	eng := New(receiverDriver, sink, DefaultConfig())

	raw1, err := frame.Encode(frame.Header{TransferID: 1, TotalChunks: 2, ChunkIndex: 0, TotalSize: 20, CRC32: 1}, []byte("0123456789"))
	require.NoError(t, err)
	raw2, err := frame.Encode(frame.Header{TransferID: 1, TotalChunks: 3, ChunkIndex: 1, TotalSize: 20, CRC32: 1}, []byte("0123456789"))
	require.NoError(t, err)

	eng.HandleFrame("peer", raw1)
	eng.HandleFrame("peer", raw2) // disagrees on total_chunks, must be rejected

	eng.mu.Lock()
	buf := eng.buffers[key{peer: link.Peer("peer"), transferID: 1}]
	eng.mu.Unlock()
	require.NotNil(t, buf)
	require.Equal(t, 2, buf.TotalChunks)
}

func TestHandleFrameDuplicateChunk(t *testing.T) {
	net := simulated.NewNetwork(rand.New(rand.NewSource(3)))
	receiverDriver := net.NewDriver("receiver")

	sink := &testSink{}
	eng := New(receiverDriver, sink, DefaultConfig())

	raw, err := frame.Encode(frame.Header{TransferID: 9, TotalChunks: 2, ChunkIndex: 0, TotalSize: 20, CRC32: 1}, []byte("0123456789"))
	require.NoError(t, err)

	eng.HandleFrame("peer", raw)
	eng.HandleFrame("peer", raw)

	eng.mu.Lock()
	buf := eng.buffers[key{peer: link.Peer("peer"), transferID: 9}]
	eng.mu.Unlock()
	require.Equal(t, 1, buf.Duplicates)
}

func TestSweepMarksStalledBufferTimeout(t *testing.T) {
	net := simulated.NewNetwork(rand.New(rand.NewSource(4)))
	receiverDriver := net.NewDriver("receiver")

	sink := &testSink{}
	cfg := DefaultConfig()
	cfg.TransferTimeout = 1 * time.Second
	eng := New(receiverDriver, sink, cfg)

	raw, err := frame.Encode(frame.Header{TransferID: 5, TotalChunks: 2, ChunkIndex: 0, TotalSize: 20, CRC32: 1}, []byte("0123456789"))
	require.NoError(t, err)
	eng.HandleFrame("peer", raw)

	fakeNow := time.Now().Add(2 * time.Second)
	eng.now = func() time.Time { return fakeNow }
	eng.sweep()

	eng.mu.Lock()
	defer eng.mu.Unlock()
	buf := eng.buffers[key{peer: link.Peer("peer"), transferID: 5}]
	require.NotNil(t, buf)
	require.Equal(t, transferbuf.Timeout, buf.Status)
}
