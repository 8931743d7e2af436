// Package meshredis adapts the submit/progress/completion contracts of
// SPEC_FULL.md §4.9 onto Redis. Bridge owns the connection directly and
// exposes only the domain-specific operations the transfer state machine
// needs (transfer-hash fields, the progress channel, the completed/failed
// lists, the submit queue) rather than a generic key/field/value wrapper,
// the way the teacher's redis_handlers.go sits directly on top of its
// pkg/redis/client.go calls.
package meshredis

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/redis/go-redis/v9"

	"github.com/RootPathFinder/meshsender/pkg/link"
	"github.com/RootPathFinder/meshsender/pkg/progress"
	"github.com/RootPathFinder/meshsender/pkg/sender"
)

// Redis keys used by the bridge (SPEC_FULL.md §4.9).
const (
	KeySubmitQueue     = "meshsender:submit"
	KeyProgressChannel = "meshsender:progress"
	KeyCompletedList   = "meshsender:completed"
	KeyFailedList      = "meshsender:failed"
)

// SinkFunc receives a successfully reassembled blob. The caller (the
// out-of-scope CLI/gallery layer) decides what to do with it; meshredis
// itself persists no blob bytes (spec.md §6 "Persisted state: None").
type SinkFunc func(peer string, transferID uint32, blob []byte)

// SubmitJob is one CBOR-encoded entry on the KeySubmitQueue list. Zero-valued
// ChunkDelay/MaxRetries/ChunkSize, and nil Adaptive/Fast/Compress, fall back
// to the bridge's default options — the pointer fields exist so an omitted
// field falls back to the default instead of silently decoding as false.
type SubmitJob struct {
	Peer       string        `cbor:"peer"`
	Data       []byte        `cbor:"data"`
	ChunkDelay time.Duration `cbor:"chunk_delay"`
	ChunkSize  int           `cbor:"chunk_size"`
	Adaptive   *bool         `cbor:"adaptive,omitempty"`
	Fast       *bool         `cbor:"fast,omitempty"`
	MaxRetries int           `cbor:"max_retries"`
	Compress   *bool         `cbor:"compress,omitempty"`
}

// Bridge wires the submit/sink contracts of spec.md §6 onto Redis. It holds
// the *redis.Client itself rather than routing through a generic wrapper
// type, so every Redis call it makes already carries the meshsender key
// conventions (transfer hash keys, the submit queue, the progress channel).
type Bridge struct {
	redis *redis.Client
	ctx   context.Context

	senderEng *sender.Engine
	blobSink  SinkFunc
	defaults  sender.Options

	stopCh chan struct{}
}

// NewBridge connects to Redis and constructs a Bridge. senderEng may be nil
// at construction time and set later via SetSenderEngine, since the
// engine's own constructor takes the Bridge as its progress.Sink (a
// one-cycle dependency resolved by setting it after both exist).
func NewBridge(addr, password string, db int, senderEng *sender.Engine, blobSink SinkFunc) (*Bridge, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	ctx := context.Background()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("meshredis: connect to %s: %w", addr, err)
	}

	return &Bridge{
		redis:     client,
		ctx:       ctx,
		senderEng: senderEng,
		blobSink:  blobSink,
		stopCh:    make(chan struct{}),
	}, nil
}

// SetSenderEngine attaches the engine WatchSubmitQueue dispatches jobs to.
func (b *Bridge) SetSenderEngine(senderEng *sender.Engine) {
	b.senderEng = senderEng
}

// SetDefaultOptions supplies the sender.Options fields used to fill in any
// zero-valued field on a SubmitJob (chunk size, delay, retry count) and any
// unset Adaptive/Fast/Compress field, so an operator can configure
// agent-wide defaults via flags while still letting individual submit jobs
// override them.
func (b *Bridge) SetDefaultOptions(opts sender.Options) {
	b.defaults = opts
}

// Close releases the underlying Redis connection.
func (b *Bridge) Close() error {
	return b.redis.Close()
}

// WatchSubmitQueue BRPOPs SubmitJob entries and calls Engine.Submit for
// each, mirroring the teacher's WatchRedisCommands goroutine. Intended to
// be run in its own goroutine.
func (b *Bridge) WatchSubmitQueue() {
	if b.senderEng == nil {
		log.Printf("meshredis: WatchSubmitQueue called with no sender engine, exiting")
		return
	}
	for {
		select {
		case <-b.stopCh:
			return
		default:
		}

		job, err := b.popSubmitJob(5 * time.Second)
		if err != nil {
			log.Printf("meshredis: submit queue BRPOP error: %v", err)
			continue
		}
		if job == nil {
			continue // timeout, loop and re-check stopCh
		}

		opts := b.resolveOptions(*job)
		handle, err := b.senderEng.Submit(link.Peer(job.Peer), job.Data, opts)
		if err != nil {
			log.Printf("meshredis: submit failed for peer %s: %v", job.Peer, err)
			continue
		}
		log.Printf("meshredis: submitted transfer %08x to %s", handle.TransferID(), job.Peer)
	}
}

// popSubmitJob blocks up to timeout for one entry on KeySubmitQueue,
// decoding it as a SubmitJob. It returns (nil, nil) on timeout.
func (b *Bridge) popSubmitJob(timeout time.Duration) (*SubmitJob, error) {
	result, err := b.redis.BRPop(b.ctx, timeout, KeySubmitQueue).Result()
	if err != nil {
		if err == redis.Nil {
			return nil, nil
		}
		return nil, err
	}
	if len(result) != 2 {
		return nil, fmt.Errorf("unexpected BRPOP result: %v", result)
	}

	var job SubmitJob
	if err := cbor.Unmarshal([]byte(result[1]), &job); err != nil {
		return nil, fmt.Errorf("malformed submit job: %w", err)
	}
	return &job, nil
}

// resolveOptions merges a SubmitJob's per-job overrides with the bridge's
// agent-wide defaults.
func (b *Bridge) resolveOptions(job SubmitJob) sender.Options {
	opts := sender.Options{
		ChunkDelay: job.ChunkDelay,
		ChunkSize:  job.ChunkSize,
		Adaptive:   boolOrDefault(job.Adaptive, b.defaults.Adaptive),
		Fast:       boolOrDefault(job.Fast, b.defaults.Fast),
		MaxRetries: job.MaxRetries,
	}
	if opts.ChunkDelay <= 0 {
		opts.ChunkDelay = b.defaults.ChunkDelay
	}
	if opts.ChunkSize <= 0 {
		opts.ChunkSize = b.defaults.ChunkSize
	}
	if opts.MaxRetries <= 0 {
		opts.MaxRetries = b.defaults.MaxRetries
	}
	if boolOrDefault(job.Compress, b.defaults.Compress == sender.CompressAuto) {
		opts.Compress = sender.CompressAuto
	} else {
		opts.Compress = sender.CompressOff
	}
	return opts
}

// boolOrDefault returns *v if v is set, otherwise def.
func boolOrDefault(v *bool, def bool) bool {
	if v == nil {
		return def
	}
	return *v
}

// Stop halts WatchSubmitQueue.
func (b *Bridge) Stop() {
	close(b.stopCh)
}

// OnProgress implements progress.Sink: HSET a summary hash and PUBLISH a
// CBOR-encoded Snapshot, mirroring the teacher's WriteAndPublishString.
func (b *Bridge) OnProgress(s progress.Snapshot) {
	hashKey := transferHashKey(s.Key.TransferID)
	if err := b.redis.HSet(b.ctx, hashKey, "status", string(s.Status)).Err(); err != nil {
		log.Printf("meshredis: HSET status failed for %s: %v", hashKey, err)
	}
	if err := b.redis.HSet(b.ctx, hashKey, "bytes_in", s.BytesIn).Err(); err != nil {
		log.Printf("meshredis: HSET bytes_in failed for %s: %v", hashKey, err)
	}
	if err := b.redis.HSet(b.ctx, hashKey, "chunks_in", s.ChunksIn).Err(); err != nil {
		log.Printf("meshredis: HSET chunks_in failed for %s: %v", hashKey, err)
	}

	encoded, err := cbor.Marshal(s)
	if err != nil {
		log.Printf("meshredis: cbor marshal snapshot: %v", err)
		return
	}
	if err := b.redis.Publish(b.ctx, KeyProgressChannel, encoded).Err(); err != nil {
		log.Printf("meshredis: publish progress: %v", err)
	}
}

// OnComplete implements progress.Sink: records completion metadata, pushes
// the transfer id onto KeyCompletedList, and hands the blob to blobSink.
func (b *Bridge) OnComplete(peer string, transferID uint32, blob []byte) {
	hashKey := transferHashKey(transferID)
	if err := b.redis.HSet(b.ctx, hashKey, "status", "complete").Err(); err != nil {
		log.Printf("meshredis: HSET complete status failed for %s: %v", hashKey, err)
	}
	if err := b.redis.HSet(b.ctx, hashKey, "size", len(blob)).Err(); err != nil {
		log.Printf("meshredis: HSET size failed for %s: %v", hashKey, err)
	}
	entry := fmt.Sprintf("%s:%08x", peer, transferID)
	if err := b.redis.LPush(b.ctx, KeyCompletedList, entry).Err(); err != nil {
		log.Printf("meshredis: LPUSH completed failed: %v", err)
	}
	if b.blobSink != nil {
		b.blobSink(peer, transferID, blob)
	}
}

// OnFailure implements progress.Sink: records the failure kind and pushes
// onto KeyFailedList.
func (b *Bridge) OnFailure(peer string, transferID uint32, kind progress.FailureKind) {
	hashKey := transferHashKey(transferID)
	if err := b.redis.HSet(b.ctx, hashKey, "status", "failed").Err(); err != nil {
		log.Printf("meshredis: HSET failed status for %s: %v", hashKey, err)
	}
	if err := b.redis.HSet(b.ctx, hashKey, "failure_kind", string(kind)).Err(); err != nil {
		log.Printf("meshredis: HSET failure_kind for %s: %v", hashKey, err)
	}
	entry := fmt.Sprintf("%s:%08x:%s", peer, transferID, kind)
	if err := b.redis.LPush(b.ctx, KeyFailedList, entry).Err(); err != nil {
		log.Printf("meshredis: LPUSH failed failed: %v", err)
	}
}

func transferHashKey(transferID uint32) string {
	return fmt.Sprintf("meshsender:transfer:%08x", transferID)
}
