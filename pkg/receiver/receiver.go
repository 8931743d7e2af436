// Package receiver implements the receiver-side engine of spec.md §4.4: it
// demultiplexes inbound data-chunk frames into per-transfer buffers,
// verifies completed transfers, and drives stall detection / missing-chunk
// REQ emission.
package receiver

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/RootPathFinder/meshsender/pkg/chunkcodec"
	"github.com/RootPathFinder/meshsender/pkg/control"
	"github.com/RootPathFinder/meshsender/pkg/frame"
	"github.com/RootPathFinder/meshsender/pkg/link"
	"github.com/RootPathFinder/meshsender/pkg/progress"
	"github.com/RootPathFinder/meshsender/pkg/transferbuf"
)

// Defaults from spec.md §4.4.
const (
	DefaultStallCheckInterval  = 15 * time.Second
	DefaultStallRequestTimeout = 20 * time.Second
	DefaultTransferTimeout     = 60 * time.Second

	// okResendSpacing is the implementer-chosen gap between the three OK:
	// sends on completion (spec.md §9, open question (b)).
	okResendSpacing = 150 * time.Millisecond
	okResendCount   = 3

	// maxIndicesPerREQ caps how many missing indices one REQ: frame lists,
	// so the control string fits a single datagram (spec.md §4.4).
	maxIndicesPerREQ = 40
)

type key struct {
	peer       link.Peer
	transferID uint32
}

// Config tunes the receiver engine's timers.
type Config struct {
	Port                int
	StallCheckInterval  time.Duration
	StallRequestTimeout time.Duration
	TransferTimeout     time.Duration
}

// DefaultConfig returns the spec.md §4.4 default timer values.
func DefaultConfig() Config {
	return Config{
		Port:                link.DefaultPort,
		StallCheckInterval:  DefaultStallCheckInterval,
		StallRequestTimeout: DefaultStallRequestTimeout,
		TransferTimeout:     DefaultTransferTimeout,
	}
}

// Engine is the single-actor receiver: all buffer mutation is serialized
// through its internal mutex, matching spec.md §5's "single-actor per
// process" model.
type Engine struct {
	cfg    Config
	driver link.Driver
	sink   progress.Sink
	now    func() time.Time

	mu      sync.Mutex
	buffers map[key]*transferbuf.Buffer

	unsubscribe func()
	stopCh      chan struct{}
	wg          sync.WaitGroup
}

// New creates a receiver Engine. sink receives on_progress/on_complete/
// on_failure callbacks.
func New(driver link.Driver, sink progress.Sink, cfg Config) *Engine {
	return &Engine{
		cfg:     cfg,
		driver:  driver,
		sink:    sink,
		now:     time.Now,
		buffers: make(map[key]*transferbuf.Buffer),
		stopCh:  make(chan struct{}),
	}
}

// Start subscribes to data frames on the configured port and begins the
// periodic stall sweep. Its subscriber ignores control messages, so a
// caller can route those to a sender.Engine through a separate subscriber
// on the same port.
func (e *Engine) Start() {
	e.unsubscribe = e.driver.Subscribe(e.cfg.Port, func(peer link.Peer, payload []byte) {
		if control.LooksLikeControl(payload) {
			return // not ours; a demux layer routes control frames elsewhere
		}
		e.HandleFrame(peer, payload)
	})

	e.wg.Add(1)
	go e.stallSweepLoop()
}

// Stop halts the stall sweep and unsubscribes from the driver.
func (e *Engine) Stop() {
	if e.unsubscribe != nil {
		e.unsubscribe()
	}
	close(e.stopCh)
	e.wg.Wait()
}

// HandleFrame processes one inbound data-chunk datagram from peer. It is
// safe to call directly (e.g. from a shared demux) instead of via Start.
func (e *Engine) HandleFrame(peer link.Peer, raw []byte) {
	f, err := frame.Decode(raw)
	if err != nil {
		log.Printf("receiver: dropping malformed frame from %s: %v", peer, err)
		return
	}

	k := key{peer: peer, transferID: f.TransferID}
	now := e.now()

	e.mu.Lock()
	buf, exists := e.buffers[k]
	if !exists {
		buf = transferbuf.New(f.TransferID, int(f.TotalChunks), f.TotalSize, f.CRC32, f.Compressed, now)
		e.buffers[k] = buf
	} else if !buf.Matches(int(f.TotalChunks), f.TotalSize, f.CRC32, f.Compressed) {
		e.mu.Unlock()
		log.Printf("receiver: rejecting frame for %s/%08x: parameters disagree with first frame seen", peer, f.TransferID)
		return
	}

	outcome := buf.Insert(int(f.ChunkIndex), f.Data)
	buf.Touch(now)
	complete := buf.IsComplete()
	var snap progress.Snapshot
	if e.sink != nil {
		snap = snapshotLocked(peer, buf, progress.StatusActive, now)
	}
	e.mu.Unlock()

	switch outcome {
	case transferbuf.Duplicate:
		log.Printf("receiver: duplicate chunk %d for %s/%08x", f.ChunkIndex, peer, f.TransferID)
	case transferbuf.Rejected:
		log.Printf("receiver: rejected chunk %d for %s/%08x", f.ChunkIndex, peer, f.TransferID)
		return
	}

	if e.sink != nil {
		e.sink.OnProgress(snap)
	}

	if complete {
		e.completeTransfer(peer, k)
	}
}

func (e *Engine) completeTransfer(peer link.Peer, k key) {
	e.mu.Lock()
	buf, ok := e.buffers[k]
	if !ok {
		e.mu.Unlock()
		return
	}
	raw, err := buf.Assemble()
	if err != nil {
		buf.Status = transferbuf.Timeout
		e.mu.Unlock()
		log.Printf("receiver: assembly failed for %s/%08x: %v", peer, k.transferID, err)
		if e.sink != nil {
			e.sink.OnFailure(string(peer), k.transferID, progress.FailureCRCMismatch)
		}
		return
	}

	compressed := buf.Compressed
	e.mu.Unlock()

	blob := raw
	if compressed {
		blob, err = chunkcodec.Decompress(raw)
		if err != nil {
			e.mu.Lock()
			buf.Status = transferbuf.Timeout
			e.mu.Unlock()
			log.Printf("receiver: decompress failed for %s/%08x: %v", peer, k.transferID, err)
			if e.sink != nil {
				e.sink.OnFailure(string(peer), k.transferID, progress.FailureDecompressError)
			}
			return
		}
	}

	e.mu.Lock()
	buf.Status = transferbuf.Complete
	e.mu.Unlock()

	e.sendOkBurst(peer, k.transferID)

	if e.sink != nil {
		e.sink.OnComplete(string(peer), k.transferID, blob)
	}

	// Delete the buffer now that the application has the blob.
	e.mu.Lock()
	delete(e.buffers, k)
	e.mu.Unlock()
}

func (e *Engine) sendOkBurst(peer link.Peer, transferID uint32) {
	msg := []byte(control.Ok{TransferID: transferID}.String())
	for i := 0; i < okResendCount; i++ {
		if _, err := e.driver.Send(context.Background(), peer, e.cfg.Port, msg, false); err != nil {
			log.Printf("receiver: failed to send OK: for %s/%08x: %v", peer, transferID, err)
		}
		if i < okResendCount-1 {
			time.Sleep(okResendSpacing)
		}
	}
}

func (e *Engine) stallSweepLoop() {
	defer e.wg.Done()
	ticker := time.NewTicker(e.cfg.StallCheckInterval)
	defer ticker.Stop()
	for {
		select {
		case <-e.stopCh:
			return
		case <-ticker.C:
			e.sweep()
		}
	}
}

func (e *Engine) sweep() {
	now := e.now()

	type reqToSend struct {
		peer link.Peer
		req  control.Req
	}
	var reqs []reqToSend

	e.mu.Lock()
	for k, buf := range e.buffers {
		switch buf.Status {
		case transferbuf.Active:
			silence := now.Sub(buf.LastUpdateTime)
			if silence > e.cfg.TransferTimeout {
				buf.Status = transferbuf.Timeout
				continue
			}
			if silence > e.cfg.StallRequestTimeout {
				missing := buf.Missing()
				if len(missing) > 0 {
					reqs = append(reqs, reqToSend{peer: k.peer, req: capReq(k.transferID, missing)})
				}
			}
		case transferbuf.Timeout:
			if now.Sub(buf.LastUpdateTime) > 2*e.cfg.TransferTimeout {
				delete(e.buffers, k)
			}
		}
	}
	e.mu.Unlock()

	for _, r := range reqs {
		if _, err := e.driver.Send(context.Background(), r.peer, e.cfg.Port, []byte(r.req.String()), false); err != nil {
			log.Printf("receiver: failed to send REQ: to %s: %v", r.peer, err)
		}
	}
}

func capReq(transferID uint32, missing []int) control.Req {
	if len(missing) > maxIndicesPerREQ {
		missing = missing[:maxIndicesPerREQ]
	}
	return control.Req{TransferID: transferID, Indices: missing}
}

func snapshotLocked(peer link.Peer, buf *transferbuf.Buffer, status progress.Status, now time.Time) progress.Snapshot {
	received := buf.ReceivedCount()
	chunkBytes := 0
	if buf.TotalChunks > 0 {
		chunkBytes = int(buf.ExpectedSize) * received / buf.TotalChunks
	}
	return progress.Snapshot{
		Key:         progress.Key{Peer: string(peer), TransferID: buf.TransferID},
		BytesIn:     chunkBytes,
		BytesTotal:  int(buf.ExpectedSize),
		ChunksIn:    received,
		ChunksTotal: buf.TotalChunks,
		Status:      status,
		UpdatedAt:   now,
	}
}
