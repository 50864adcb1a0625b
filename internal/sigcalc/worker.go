// Package sigcalc implements the Signature-Calc Worker (spec §4.6): a
// single background worker per local device that drains a bounded queue
// of file nodes needing a content signature, batches them, computes
// MD5/SHA-256, resolves each file's deduplicated ContentMeta, and writes
// the result back through the owning TreeStore's update_single_node.
//
// Grounded on the teacher's internal/fs/upload_manager.go worker-pool
// shape (bounded channel, a single consumer goroutine, a stop channel,
// sync.WaitGroup-tracked shutdown) generalized from many-worker upload
// fan-out to the single-worker, batched-drain shape spec §4.6 calls for.
package sigcalc

import (
	"context"
	"crypto/md5"
	"crypto/sha256"
	"encoding/hex"
	"io"
	"io/fs"
	"sync"
	"time"

	"github.com/outlet-sync/outlet/internal/errors"
	"github.com/outlet-sync/outlet/internal/localfs"
	"github.com/outlet-sync/outlet/internal/logging"
	"github.com/outlet-sync/outlet/internal/node"
	"github.com/outlet-sync/outlet/internal/retry"
)

var log = logging.New("sigcalc")

// DefaultBatchSize bounds how many queued nodes a single drain pass
// scans before yielding back to the queue (spec §4.6: "batches them into
// scans of at most N files").
const DefaultBatchSize = 64

// DefaultQueueCapacity bounds the backlog of nodes awaiting signature
// calculation before Enqueue blocks, providing the back-pressure spec §1
// calls for between the lazy-load upsert path and this worker.
const DefaultQueueCapacity = 2048

// statAndHashRetry governs transient local I/O retries (a file briefly
// locked mid-write by another process) hit while stating or hashing a
// file: short delays, since unlike retry.DefaultConfig's network-call
// schedule, local disk errors that are going to clear do so fast.
var statAndHashRetry = retry.Config{
	MaxRetries:      2,
	InitialDelay:    25 * time.Millisecond,
	MaxDelay:        200 * time.Millisecond,
	Multiplier:      2.0,
	Jitter:          0.2,
	RetryableErrors: []retry.Classifier{retry.AlwaysRetry},
}

// Store is the narrow TreeStore surface the worker needs: read a node
// fresh (in case it changed since being queued) and write the computed
// signature back through the normal write-through path.
type Store interface {
	ReadNodeForUID(uid node.UID) (*node.Node, error)
	UpdateSingleNode(n *node.Node) (*node.Node, error)
}

// Worker is the per-local-device signature calculator.
type Worker struct {
	store     Store
	fs        *localfs.LocalFS
	meta      *MetaStore
	batchSize int

	queue chan node.UID
	wg    sync.WaitGroup

	stopOnce sync.Once
	stopCh   chan struct{}
}

// New constructs a Worker over store, reading file content through fsys
// and resolving ContentMeta through meta.
func New(store Store, fsys *localfs.LocalFS, meta *MetaStore) *Worker {
	return &Worker{
		store:     store,
		fs:        fsys,
		meta:      meta,
		batchSize: DefaultBatchSize,
		queue:     make(chan node.UID, DefaultQueueCapacity),
		stopCh:    make(chan struct{}),
	}
}

// Enqueue adds uid to the work queue (spec §4.6's "Signature lazy-load").
// It blocks if the queue is full, providing back-pressure on producers.
func (w *Worker) Enqueue(uid node.UID) {
	select {
	case w.queue <- uid:
	case <-w.stopCh:
	}
}

// Run drains the queue until ctx is cancelled or Stop is called, batching
// up to batchSize nodes per scan. It returns once the queue has been
// fully drained after a cancel/stop signal (spec §4.6: "survives shutdown
// by draining and respecting a cancel signal").
func (w *Worker) Run(ctx context.Context) {
	w.wg.Add(1)
	defer w.wg.Done()

	for {
		batch := w.collectBatch(ctx)
		if len(batch) == 0 {
			if ctxDone(ctx) || w.stopped() {
				return
			}
			continue
		}
		for _, uid := range batch {
			if err := w.processOne(uid); err != nil {
				log.Debug().Uint64("uid", uint64(uid)).Msgf("signature calc failed: %v", err)
			}
		}
		if ctxDone(ctx) || w.stopped() {
			if len(w.queue) == 0 {
				return
			}
		}
	}
}

// Stop signals Run to finish draining and return, and is idempotent.
func (w *Worker) Stop() {
	w.stopOnce.Do(func() { close(w.stopCh) })
}

// Wait blocks until Run has returned.
func (w *Worker) Wait() {
	w.wg.Wait()
}

func (w *Worker) stopped() bool {
	select {
	case <-w.stopCh:
		return true
	default:
		return false
	}
}

func ctxDone(ctx context.Context) bool {
	select {
	case <-ctx.Done():
		return true
	default:
		return false
	}
}

// collectBatch pulls up to batchSize UIDs off the queue without blocking
// past the first item; it blocks for the first item so Run doesn't busy-
// loop when the queue is empty, unless shutdown has been requested.
func (w *Worker) collectBatch(ctx context.Context) []node.UID {
	var batch []node.UID

	select {
	case uid := <-w.queue:
		batch = append(batch, uid)
	case <-ctx.Done():
		return w.drainNonBlocking()
	case <-w.stopCh:
		return w.drainNonBlocking()
	}

	for len(batch) < w.batchSize {
		select {
		case uid := <-w.queue:
			batch = append(batch, uid)
		default:
			return batch
		}
	}
	return batch
}

func (w *Worker) drainNonBlocking() []node.UID {
	var batch []node.UID
	for len(batch) < w.batchSize {
		select {
		case uid := <-w.queue:
			batch = append(batch, uid)
		default:
			return batch
		}
	}
	return batch
}

// processOne computes and persists the signature for uid. A node that
// has vanished from the cache, or whose file is gone from disk, is
// logged and skipped rather than treated as an error: both are expected
// races between enqueue and drain.
func (w *Worker) processOne(uid node.UID) error {
	n, err := w.store.ReadNodeForUID(uid)
	if err != nil {
		return err
	}
	if n == nil || n.File == nil {
		return nil
	}

	info, err := retry.DoWithResult(context.Background(), func() (fs.FileInfo, error) {
		return w.fs.Stat(n.Identifier.PathList[0])
	}, statAndHashRetry)
	if err != nil {
		return err
	}
	if info == nil {
		return nil
	}

	hashed, err := retry.DoWithResult(context.Background(), func() (hashResult, error) {
		md5Hex, sha256Hex, size, err := w.hashFile(n.Identifier.PathList[0])
		return hashResult{md5Hex: md5Hex, sha256Hex: sha256Hex, size: size}, err
	}, statAndHashRetry)
	if err != nil {
		return err
	}
	md5Hex, sha256Hex, size := hashed.md5Hex, hashed.sha256Hex, hashed.size

	meta, err := w.meta.GetOrCreate(size, md5Hex, sha256Hex)
	if err != nil {
		return err
	}

	n.File.Size = size
	n.File.ModifyTS = info.ModTime()
	n.File.ChangeTS = info.ModTime()
	n.File.ContentMetaUID = meta.UID

	_, err = w.store.UpdateSingleNode(n)
	return err
}

// hashResult is hashFile's return value bundled into one type so it can
// flow through retry.DoWithResult's single-value generic.
type hashResult struct {
	md5Hex    string
	sha256Hex string
	size      uint64
}

func (w *Worker) hashFile(path string) (md5Hex, sha256Hex string, size uint64, err error) {
	f, err := w.fs.Open(path)
	if err != nil {
		return "", "", 0, errors.Wrap(err, "opening file for signature calc")
	}
	defer f.Close()

	md5h := md5.New()
	sha256h := sha256.New()
	n, err := io.Copy(io.MultiWriter(md5h, sha256h), f)
	if err != nil {
		return "", "", 0, errors.Wrap(err, "reading file content")
	}

	return hex.EncodeToString(md5h.Sum(nil)), hex.EncodeToString(sha256h.Sum(nil)), uint64(n), nil
}
