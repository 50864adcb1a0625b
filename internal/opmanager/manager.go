// Package opmanager implements the Op Manager (spec §4.8): it persists
// submitted batches to internal/opstore before admitting them to the
// internal/opgraph Graph, hands ready commands to an external executor
// via get_next_command, and applies each command's result back through
// the cache manager before popping the completed op.
//
// Grounded on the teacher's internal/fs/upload_manager.go and
// download_manager.go: a persistent-session pattern (every in-flight
// unit of work is written to bbolt/SQLite before it starts, so a crash
// mid-flight resumes or cancels on restart rather than silently losing
// the work) generalized from per-file upload sessions to per-batch op
// submissions.
package opmanager

import (
	"sync"

	"github.com/google/uuid"

	"github.com/outlet-sync/outlet/internal/errors"
	"github.com/outlet-sync/outlet/internal/logging"
	"github.com/outlet-sync/outlet/internal/node"
	"github.com/outlet-sync/outlet/internal/opgraph"
	"github.com/outlet-sync/outlet/internal/opstore"
)

var log = logging.New("opmanager")

// NodeApplier routes a finished command's result nodes to their owning
// TreeStore. The Cache Manager facade implements this; the Op Manager
// only depends on the narrow surface it needs (spec §4.8:
// "applies them via the cache manager, each routed to its owning
// TreeStore").
type NodeApplier interface {
	ApplyUpsert(n *node.Node) error
	ApplyRemove(key node.Key, toTrash bool) error
}

// ResumePolicy decides, at startup, whether a batch left pending from a
// prior run should be resubmitted or discarded (spec §4.8: "either
// cancels or resumes pending batches per configuration").
type ResumePolicy int

const (
	ResumeCancelPending ResumePolicy = iota
	ResumeSubmitPending
)

// Command is one unit of work handed to the external executor. CommandID
// is a fresh correlation id minted per dispatch (distinct from the op's
// stable OpUID), so an executor's logs/traces for one run of the same op
// can be told apart from a retried run of the same op.
type Command struct {
	Op        *opgraph.UserOp
	CommandID string
}

// CommandResult is what the executor reports back after running a
// Command: the nodes to upsert/remove as a consequence, and the
// resulting op status.
type CommandResult struct {
	Status  opgraph.Status
	Upserts []*node.Node
	Removes []node.Key
	ToTrash bool
}

// Manager is the Op Manager.
type Manager struct {
	mu      sync.Mutex
	store   *opstore.Store
	graph   *opgraph.Graph
	applier NodeApplier
	policy  ResumePolicy

	nextBatchUID uint64
	// pendingInsert holds batches that have been persisted but not yet
	// successfully admitted to the graph (spec §4.8: "a batch that fails
	// insert may be retried later after corrective user action").
	pendingInsert map[uint64][]*opgraph.UserOp
}

// New constructs a Manager over store/graph/applier.
func New(store *opstore.Store, graph *opgraph.Graph, applier NodeApplier, policy ResumePolicy) *Manager {
	return &Manager{
		store:         store,
		graph:         graph,
		applier:       applier,
		policy:        policy,
		pendingInsert: make(map[uint64][]*opgraph.UserOp),
	}
}

// Start runs the startup resume-or-cancel sweep (spec §4.8): every batch
// the op store still has in a non-terminal state is either resubmitted
// for insertion or marked cancelled, per policy.
func (m *Manager) Start() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	batches, opsByBatch, err := m.store.LoadPendingBatches()
	if err != nil {
		return errors.Wrap(err, "loading pending batches at startup")
	}

	for _, b := range batches {
		if m.policy == ResumeCancelPending {
			if err := m.store.MarkBatchStatus(b.BatchUID, opstore.BatchCancelled); err != nil {
				return err
			}
			log.Debug().Uint64("batch_uid", b.BatchUID).Msg("cancelled pending batch at startup")
			continue
		}
		m.pendingInsert[b.BatchUID] = opsByBatch[b.BatchUID]
		if b.BatchUID >= m.nextBatchUID {
			m.nextBatchUID = b.BatchUID + 1
		}
		log.Debug().Uint64("batch_uid", b.BatchUID).Msg("queued pending batch for resubmission")
	}

	return m.tryBatchSubmitLocked()
}

// SubmitBatch persists ops as a new batch (assigning it a batch UID) and
// attempts to insert it into the graph immediately.
func (m *Manager) SubmitBatch(ops []*opgraph.UserOp) (uint64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	batchUID := m.nextBatchUID
	m.nextBatchUID++
	for _, op := range ops {
		op.BatchUID = batchUID
	}

	if err := m.store.SaveBatch(batchUID, ops); err != nil {
		return 0, errors.Wrap(err, "persisting batch")
	}
	m.pendingInsert[batchUID] = ops

	if err := m.tryBatchSubmitLocked(); err != nil {
		return batchUID, err
	}
	return batchUID, nil
}

// TryBatchSubmit attempts to insert every currently pending (persisted
// but not yet admitted) batch into the graph (spec §4.8 try_batch_submit).
func (m *Manager) TryBatchSubmit() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.tryBatchSubmitLocked()
}

func (m *Manager) tryBatchSubmitLocked() error {
	for batchUID, ops := range m.pendingInsert {
		err := m.graph.InsertBatchGraph(ops)
		if err != nil {
			log.Debug().Uint64("batch_uid", batchUID).Msgf("batch insert failed, will retry: %v", err)
			continue
		}
		if err := m.store.MarkBatchStatus(batchUID, opstore.BatchSubmitted); err != nil {
			return err
		}
		delete(m.pendingInsert, batchUID)
		log.Debug().Uint64("batch_uid", batchUID).Msg("batch submitted to graph")
	}
	return nil
}

// GetNextCommand blocks on the graph until an op is ready for execution,
// or nil if the graph has been shut down (spec §4.8 get_next_command).
func (m *Manager) GetNextCommand() *Command {
	op := m.graph.GetNextOp()
	if op == nil {
		return nil
	}
	return &Command{Op: op, CommandID: uuid.NewString()}
}

// GetNextCommandNowait is GetNextCommand's non-blocking variant.
func (m *Manager) GetNextCommandNowait() *Command {
	op := m.graph.GetNextOpNowait()
	if op == nil {
		return nil
	}
	return &Command{Op: op, CommandID: uuid.NewString()}
}

// FinishCommand ingests result for cmd: applies upserts/removes via the
// node applier, persists the op's final status, then pops it from the
// graph, promoting children and unblocking downstream ops or marking
// them blocked (spec §4.8 finish_command).
func (m *Manager) FinishCommand(cmd *Command, result CommandResult) (batchComplete bool, err error) {
	for _, n := range result.Upserts {
		if err := m.applier.ApplyUpsert(n); err != nil {
			return false, errors.Wrapf(err, "applying upsert for op %d", cmd.Op.OpUID)
		}
	}
	for _, key := range result.Removes {
		if err := m.applier.ApplyRemove(key, result.ToTrash); err != nil {
			return false, errors.Wrapf(err, "applying remove for op %d", cmd.Op.OpUID)
		}
	}

	if err := m.store.UpdateOpStatus(cmd.Op.OpUID, result.Status, result); err != nil {
		return false, errors.Wrapf(err, "persisting status for op %d", cmd.Op.OpUID)
	}

	cmd.Op.Status = result.Status
	batchComplete = m.graph.PopCompletedOp(cmd.Op)
	if batchComplete {
		if err := m.store.MarkBatchStatus(cmd.Op.BatchUID, opstore.BatchCompleted); err != nil {
			return batchComplete, err
		}
	}
	return batchComplete, nil
}

// RetryFailedOp re-exposes the graph's retry for a single op, after the
// caller has taken whatever corrective action the failure required.
func (m *Manager) RetryFailedOp(opUID uint64) error {
	return m.graph.RetryFailedOp(opUID)
}

// RetryAllFailedOps re-exposes the graph's retry-everything variant.
func (m *Manager) RetryAllFailedOps() {
	m.graph.RetryAllFailedOps()
}

// Shutdown stops the graph, waking every blocked GetNextCommand caller.
func (m *Manager) Shutdown() {
	m.graph.Shutdown()
}
