// Package sender implements the sender-side engine of spec.md §4.5: it
// fragments a blob, paces transmission, retries failed chunks with
// exponential backoff, and consumes receiver-originated control frames to
// drive retransmission and completion.
package sender

import (
	"context"
	"crypto/rand"
	"encoding/binary"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/RootPathFinder/meshsender/pkg/control"
	"github.com/RootPathFinder/meshsender/pkg/frame"
	"github.com/RootPathFinder/meshsender/pkg/link"
	"github.com/RootPathFinder/meshsender/pkg/progress"
)

// Retry/backoff constants from spec.md §4.5 step 2.
const (
	InitialRetryDelay = 3 * time.Second
	DefaultMaxRetries = 3
)

// CompressMode selects whether Submit attempts payload compression.
type CompressMode int

const (
	CompressAuto CompressMode = iota
	CompressOff
)

// Options configures one Submit call (spec.md §6 "Submit contract").
type Options struct {
	ChunkDelay time.Duration // baseline current_delay; clamped to [1,10]s
	Adaptive   bool
	Fast       bool // overrides ChunkDelay/Adaptive with the fixed fast-mode delay
	MaxRetries int  // 0 means DefaultMaxRetries
	Compress   CompressMode
	ChunkSize  int // 0 means frame.DefaultChunkSize
}

// Outcome is the terminal result of awaiting a transfer's completion.
type Outcome struct {
	Done bool
	Kind progress.FailureKind // valid only when !Done
}

// ErrBlobTooLarge is returned by Submit when the blob would require more
// than frame.MaxTotalChunks chunks.
var ErrBlobTooLarge = errors.New("sender: blob requires more than 255 chunks at this chunk size")

// Handle lets a caller cancel or await a submitted transfer.
type Handle struct {
	peer       link.Peer
	transferID uint32
	done       chan Outcome
	cancel     chan struct{}
	cancelOnce sync.Once
}

// TransferID returns the transfer identifier assigned at Submit time.
func (h *Handle) TransferID() uint32 { return h.transferID }

// Cancel aborts the transfer if still in flight; idempotent.
func (h *Handle) Cancel() {
	h.cancelOnce.Do(func() { close(h.cancel) })
}

// AwaitCompletion blocks until the transfer reaches a terminal state.
func (h *Handle) AwaitCompletion(ctx context.Context) (Outcome, error) {
	select {
	case o := <-h.done:
		return o, nil
	case <-ctx.Done():
		return Outcome{}, ctx.Err()
	}
}

type ctrlEvent struct {
	isOk       bool
	isReq      bool
	transferID uint32
	indices    []int
}

// inFlight tracks the one transfer currently being driven by the engine's
// single worker, so HandleOk/HandleReq know where to route control events.
type inFlight struct {
	peer       link.Peer
	transferID uint32
	ctrlCh     chan ctrlEvent
}

// Engine is the single-threaded sender: it drives one transfer to
// completion before starting the next, per spec.md §5.
type Engine struct {
	driver link.Driver
	port   int
	sink   progress.Sink

	jobs chan *job

	mu    sync.Mutex
	cur   *inFlight
	wg    sync.WaitGroup
	close chan struct{}
}

type job struct {
	peer    link.Peer
	blob    []byte
	opts    Options
	handle  *Handle
	transID uint32
}

// New creates a sender Engine bound to driver/port. sink receives
// on_progress notifications; on_complete/on_failure for the sender side are
// observed through Handle.AwaitCompletion instead, since the sender only
// ever produces its own blob (nothing to hand a receiver-style blob sink).
func New(driver link.Driver, port int, sink progress.Sink) *Engine {
	e := &Engine{
		driver: driver,
		port:   port,
		sink:   sink,
		jobs:   make(chan *job, 64),
		close:  make(chan struct{}),
	}
	e.wg.Add(1)
	go e.worker()
	return e
}

// Stop drains no further jobs and waits for the in-flight transfer to exit.
func (e *Engine) Stop() {
	close(e.close)
	e.wg.Wait()
}

// Submit fragments and enqueues blob for transmission to peer. It validates
// the chunk-count bound synchronously; actual transmission happens on the
// engine's worker goroutine, so Submit returns immediately with a Handle.
func (e *Engine) Submit(peer link.Peer, blob []byte, opts Options) (*Handle, error) {
	chunkSize := opts.ChunkSize
	if chunkSize <= 0 {
		chunkSize = frame.DefaultChunkSize
	}
	dataPerChunk := frame.DataPerChunk(chunkSize)
	// Compression happens lazily on the worker (it's CPU work we don't want
	// to do twice if Submit is called speculatively), but we must bound the
	// worst case (uncompressed) here so Submit can fail fast.
	if frame.TotalChunksFor(len(blob), dataPerChunk) > frame.MaxTotalChunks {
		return nil, fmt.Errorf("%w: %d bytes at chunk size %d", ErrBlobTooLarge, len(blob), chunkSize)
	}

	transferID, err := randomTransferID()
	if err != nil {
		return nil, fmt.Errorf("sender: generate transfer id: %w", err)
	}

	h := &Handle{
		peer:       peer,
		transferID: transferID,
		done:       make(chan Outcome, 1),
		cancel:     make(chan struct{}),
	}

	j := &job{peer: peer, blob: blob, opts: opts, handle: h, transID: transferID}
	select {
	case e.jobs <- j:
		return h, nil
	case <-e.close:
		return nil, fmt.Errorf("sender: engine stopped")
	}
}

// HandleOk routes an inbound OK: control message to the in-flight transfer
// it terminates, if any.
func (e *Engine) HandleOk(peer link.Peer, ok control.Ok) {
	e.routeCtrl(peer, ctrlEvent{isOk: true, transferID: ok.TransferID})
}

// HandleReq routes an inbound REQ: control message to the in-flight
// transfer it targets, if any. Indices are validated against the current
// transfer's chunk count by the worker (spec.md §4.5 step 4).
func (e *Engine) HandleReq(peer link.Peer, req control.Req) {
	e.routeCtrl(peer, ctrlEvent{isReq: true, transferID: req.TransferID, indices: req.Indices})
}

func (e *Engine) routeCtrl(peer link.Peer, ev ctrlEvent) {
	e.mu.Lock()
	cur := e.cur
	e.mu.Unlock()
	if cur == nil || cur.peer != peer || cur.transferID != ev.transferID {
		return
	}
	select {
	case cur.ctrlCh <- ev:
	default:
		log.Printf("sender: control event queue full for %s/%08x, dropping", peer, ev.transferID)
	}
}

func (e *Engine) worker() {
	defer e.wg.Done()
	for {
		select {
		case <-e.close:
			return
		case j := <-e.jobs:
			e.runTransfer(j)
		}
	}
}

func randomTransferID() (uint32, error) {
	var b [4]byte
	if _, err := rand.Read(b[:]); err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint32(b[:]), nil
}

func (e *Engine) publish(peer link.Peer, transferID uint32, status progress.Status, in, total, chunksIn, chunksTotal int, eta time.Duration) {
	if e.sink == nil {
		return
	}
	e.sink.OnProgress(progress.Snapshot{
		Key:         progress.Key{Peer: string(peer), TransferID: transferID},
		BytesIn:     in,
		BytesTotal:  total,
		ChunksIn:    chunksIn,
		ChunksTotal: chunksTotal,
		Status:      status,
		ETA:         eta,
		UpdatedAt:   time.Now(),
	})
}
