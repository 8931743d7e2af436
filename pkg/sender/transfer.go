package sender

import (
	"context"
	"errors"
	"log"
	"time"

	"github.com/RootPathFinder/meshsender/pkg/adaptive"
	"github.com/RootPathFinder/meshsender/pkg/chunkcodec"
	"github.com/RootPathFinder/meshsender/pkg/frame"
	"github.com/RootPathFinder/meshsender/pkg/link"
	"github.com/RootPathFinder/meshsender/pkg/progress"
)

// runTransfer drives one job through Fragmenting -> Sending/Pacing ->
// AwaitingOK -> Done/Failed (spec.md §4.5 state machine), publishing
// progress and finally resolving j.handle.done.
func (e *Engine) runTransfer(j *job) {
	outcome := e.driveTransfer(j)
	j.handle.done <- outcome
}

func (e *Engine) driveTransfer(j *job) Outcome {
	peer, transferID := j.peer, j.transID

	e.publish(peer, transferID, progress.StatusFragmenting, 0, len(j.blob), 0, 0, 0)

	chunkSize := j.opts.ChunkSize
	if chunkSize <= 0 {
		chunkSize = frame.DefaultChunkSize
	}
	dataPerChunk := frame.DataPerChunk(chunkSize)

	enc, err := chunkcodec.Prepare(j.blob, j.opts.Compress == CompressAuto)
	if err != nil {
		log.Printf("sender: %s/%08x: compress: %v", peer, transferID, err)
		return Outcome{Done: false, Kind: progress.FailureMalformedInput}
	}

	totalChunks := frame.TotalChunksFor(len(enc.Bytes), dataPerChunk)
	if totalChunks > frame.MaxTotalChunks {
		log.Printf("sender: %s/%08x: %d chunks exceeds max after compression decision", peer, transferID, totalChunks)
		return Outcome{Done: false, Kind: progress.FailureMalformedInput}
	}
	chunks := splitChunks(enc.Bytes, dataPerChunk, totalChunks)

	maxRetries := j.opts.MaxRetries
	if maxRetries <= 0 {
		maxRetries = DefaultMaxRetries
	}

	ctrlCh := make(chan ctrlEvent, 16)
	e.mu.Lock()
	e.cur = &inFlight{peer: peer, transferID: transferID, ctrlCh: ctrlCh}
	e.mu.Unlock()
	defer func() {
		e.mu.Lock()
		if e.cur != nil && e.cur.transferID == transferID {
			e.cur = nil
		}
		e.mu.Unlock()
	}()

	ctx := context.Background()
	controller := adaptive.New(baselineDelay(j.opts), j.opts.Adaptive, j.opts.Fast)

	t := &transferRun{
		engine:      e,
		peer:        peer,
		transferID:  transferID,
		header:      frame.Header{TransferID: transferID, TotalChunks: uint8(totalChunks), Compressed: enc.Compressed, CRC32: enc.CRC32, TotalSize: uint32(len(enc.Bytes))},
		chunks:      chunks,
		maxRetries:  maxRetries,
		controller:  controller,
		ctrlCh:      ctrlCh,
		cancelCh:    j.handle.cancel,
		totalChunks: totalChunks,
		totalBytes:  len(enc.Bytes),
	}

	return t.run(ctx)
}

func baselineDelay(opts Options) time.Duration {
	if opts.ChunkDelay <= 0 {
		return adaptive.DefaultBaseline
	}
	return opts.ChunkDelay
}

func splitChunks(data []byte, dataPerChunk, totalChunks int) [][]byte {
	chunks := make([][]byte, totalChunks)
	for i := 0; i < totalChunks; i++ {
		start := i * dataPerChunk
		end := start + dataPerChunk
		if end > len(data) {
			end = len(data)
		}
		chunks[i] = data[start:end]
	}
	return chunks
}

// transferRun holds the mutable state for one transfer's journey through
// the sender state machine.
type transferRun struct {
	engine     *Engine
	peer       link.Peer
	transferID uint32
	header     frame.Header
	chunks     [][]byte
	maxRetries int
	controller *adaptive.Controller
	ctrlCh     chan ctrlEvent
	cancelCh   chan struct{}

	totalChunks int
	totalBytes  int

	retransmitQueue []int
	extensionUsed   bool
	okSeen          bool
}

func (t *transferRun) run(ctx context.Context) Outcome {
	t.engine.publish(t.peer, t.transferID, progress.StatusSending, 0, t.totalBytes, 0, t.totalChunks, 0)

	for idx := 0; idx < t.totalChunks; idx++ {
		if t.cancelled() {
			return Outcome{Done: false, Kind: progress.FailureMalformedInput}
		}

		fatal := t.sendChunkWithRetry(ctx, idx)
		if fatal {
			return Outcome{Done: false, Kind: progress.FailureTimeout}
		}

		t.drainQueuedRetransmits()

		sent := idx + 1
		bytesSent := 0
		for i := 0; i < sent; i++ {
			bytesSent += len(t.chunks[i])
		}
		eta := time.Duration(t.totalChunks-sent) * t.controller.CurrentDelay()
		t.engine.publish(t.peer, t.transferID, progress.StatusSending, bytesSent, t.totalBytes, sent, t.totalChunks, eta)

		if idx < t.totalChunks-1 {
			if t.pace(ctx) {
				return Outcome{Done: false, Kind: progress.FailureMalformedInput}
			}
		}
	}

	// Resend every index requested via REQ: during the first pass.
	t.drainQueuedRetransmits()
	if err := t.retransmitRound(ctx, t.popQueuedIndices()); err != nil {
		return Outcome{Done: false, Kind: progress.FailureTimeout}
	}

	return t.awaitOk(ctx)
}

// cancelled reports whether the caller asked to cancel this transfer.
func (t *transferRun) cancelled() bool {
	select {
	case <-t.cancelCh:
		return true
	default:
		return false
	}
}

// pace sleeps the controller's current inter-chunk delay, returning true if
// the transfer was cancelled while sleeping.
func (t *transferRun) pace(ctx context.Context) bool {
	timer := time.NewTimer(t.controller.CurrentDelay())
	defer timer.Stop()
	select {
	case <-timer.C:
		return false
	case <-t.cancelCh:
		return true
	case ev := <-t.ctrlCh:
		t.handleCtrlDuringSend(ev)
		// Keep waiting on the same timer, so the whole pause is still
		// current_delay; further control events stay queued until the
		// next drain.
		select {
		case <-timer.C:
			return false
		case <-t.cancelCh:
			return true
		}
	}
}

func (t *transferRun) handleCtrlDuringSend(ev ctrlEvent) {
	if ev.isReq {
		t.retransmitQueue = append(t.retransmitQueue, filterValidIndices(ev.indices, t.totalChunks)...)
	}
	// An OK: drained here (typically while the last chunk's Send or a
	// retransmit is still in progress) is remembered, and awaitOk completes
	// the transfer on it; repeated OK: frames are idempotent.
	if ev.isOk {
		t.okSeen = true
	}
}

func (t *transferRun) drainQueuedRetransmits() {
	for {
		select {
		case ev := <-t.ctrlCh:
			t.handleCtrlDuringSend(ev)
		default:
			return
		}
	}
}

func (t *transferRun) popQueuedIndices() []int {
	if len(t.retransmitQueue) == 0 {
		return nil
	}
	// Deduplicate while preserving arrival order.
	seen := make(map[int]bool, len(t.retransmitQueue))
	out := make([]int, 0, len(t.retransmitQueue))
	for _, idx := range t.retransmitQueue {
		if !seen[idx] {
			seen[idx] = true
			out = append(out, idx)
		}
	}
	t.retransmitQueue = nil
	return out
}

func filterValidIndices(indices []int, totalChunks int) []int {
	out := make([]int, 0, len(indices))
	for _, idx := range indices {
		if idx >= 0 && idx < totalChunks {
			out = append(out, idx)
		}
	}
	return out
}

// retransmitRound resends each index in order, using the same per-chunk
// retry contract as the first pass. Returns an error only on a fatal
// link-session loss.
func (t *transferRun) retransmitRound(ctx context.Context, indices []int) error {
	if len(indices) == 0 {
		return nil
	}
	t.engine.publish(t.peer, t.transferID, progress.StatusRetransmit, 0, t.totalBytes, 0, t.totalChunks, 0)
	for _, idx := range indices {
		if t.cancelled() {
			return nil
		}
		if fatal := t.sendChunkWithRetry(ctx, idx); fatal {
			return errFatal
		}
		t.drainQueuedRetransmits()
		if t.pace(ctx) {
			return nil
		}
	}
	return nil
}

var errFatal = errors.New("sender: fatal link session loss")

// sendChunkWithRetry sends chunk idx, retrying with exponential backoff on
// failure per spec.md §4.5 step 2. It returns true only if the link driver
// reported a fatal session error (non-recoverable).
func (t *transferRun) sendChunkWithRetry(ctx context.Context, idx int) (fatal bool) {
	if t.sendOnce(ctx, idx) {
		t.controller.RecordChunk(true)
		return false
	}

	for attempt := 0; attempt < t.maxRetries; attempt++ {
		delay := InitialRetryDelay * time.Duration(1<<uint(attempt))
		timer := time.NewTimer(delay)
		select {
		case <-timer.C:
		case <-t.cancelCh:
			timer.Stop()
			return false
		}

		ok, fatalErr := t.sendOnceChecked(ctx, idx)
		if fatalErr {
			return true
		}
		if ok {
			t.controller.RecordChunk(true)
			return false
		}
	}

	t.controller.RecordChunk(false)
	return false
}

func (t *transferRun) sendOnce(ctx context.Context, idx int) bool {
	ok, _ := t.sendOnceChecked(ctx, idx)
	return ok
}

func (t *transferRun) sendOnceChecked(ctx context.Context, idx int) (ok bool, fatal bool) {
	h := t.header
	h.ChunkIndex = uint8(idx)
	raw, err := frame.Encode(h, t.chunks[idx])
	if err != nil {
		log.Printf("sender: %s/%08x: encode chunk %d: %v", t.peer, t.transferID, idx, err)
		return false, false
	}

	result, err := t.engine.driver.Send(ctx, t.peer, t.engine.port, raw, true)
	if err != nil {
		if errors.Is(err, link.ErrFatalSession) {
			return false, true
		}
		return false, false
	}
	return result == link.AckOk, false
}

// awaitOk implements spec.md §4.5 step 5: wait T for OK:, allow one
// REQ-driven extension, then fail.
func (t *transferRun) awaitOk(ctx context.Context) Outcome {
	for {
		if t.okSeen {
			t.engine.publish(t.peer, t.transferID, progress.StatusDone, t.totalBytes, t.totalBytes, t.totalChunks, t.totalChunks, 0)
			return Outcome{Done: true}
		}
		timeout := adaptive.TransferTimeout(t.totalChunks, t.controller.CurrentDelay())
		t.engine.publish(t.peer, t.transferID, progress.StatusAwaitingOK, t.totalBytes, t.totalBytes, t.totalChunks, t.totalChunks, timeout)

		timer := time.NewTimer(timeout)
		select {
		case <-timer.C:
			return Outcome{Done: false, Kind: progress.FailureTimeout}
		case <-t.cancelCh:
			timer.Stop()
			return Outcome{Done: false, Kind: progress.FailureTimeout}
		case ev := <-t.ctrlCh:
			timer.Stop()
			if ev.isOk && ev.transferID == t.transferID {
				t.engine.publish(t.peer, t.transferID, progress.StatusDone, t.totalBytes, t.totalBytes, t.totalChunks, t.totalChunks, 0)
				return Outcome{Done: true}
			}
			if ev.isReq && ev.transferID == t.transferID {
				if t.extensionUsed {
					// The one REQ-driven extension spec.md §4.5 step 5
					// grants is already spent; a further REQ here means
					// the receiver is still missing chunks after two
					// full rounds, so this transfer fails.
					return Outcome{Done: false, Kind: progress.FailureTimeout}
				}
				indices := filterValidIndices(ev.indices, t.totalChunks)
				if err := t.retransmitRound(ctx, indices); err != nil {
					return Outcome{Done: false, Kind: progress.FailureTimeout}
				}
				t.extensionUsed = true
				continue
			}
		}
	}
}
