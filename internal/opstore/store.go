// Package opstore is the Op Manager's persisted batch/op table (spec
// §4.8, §9: "Op store: batches and their UserOps with full status; read
// linearly on startup"). Unlike the per-cache node index, this data is
// genuinely relational — batches, their ops, and each op's current
// status and result — so it lives in SQLite rather than another bbolt bucket.
//
// Grounded on the teacher pack's tonimelisma-onedrive-go
// internal/sync/state.go + migrations.go: a pure-Go sqlite driver, a
// goose-versioned schema, WAL pragmas, and a small set of prepared
// statements grouped by domain.
package opstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	_ "modernc.org/sqlite"

	"github.com/outlet-sync/outlet/internal/errors"
	"github.com/outlet-sync/outlet/internal/logging"
	"github.com/outlet-sync/outlet/internal/node"
	"github.com/outlet-sync/outlet/internal/opgraph"
)

var log = logging.New("opstore")

// BatchStatus tracks a persisted batch's lifecycle independent of the
// in-memory op graph, so a restart can tell a batch that was submitted
// and fully executed from one still waiting on corrective user action
// after a failed insert (spec §4.8 "cancels or resumes pending batches").
type BatchStatus string

const (
	BatchPending   BatchStatus = "PENDING"
	BatchSubmitted BatchStatus = "SUBMITTED"
	BatchCompleted BatchStatus = "COMPLETED"
	BatchCancelled BatchStatus = "CANCELLED"
)

// Batch is one persisted row from the batches table.
type Batch struct {
	BatchUID  uint64
	Status    BatchStatus
	CreatedAt time.Time
}

// PersistedOp is one persisted row from the ops table, round-tripping to
// and from an opgraph.UserOp.
type PersistedOp struct {
	OpUID     uint64
	BatchUID  uint64
	Seq       int
	Code      opgraph.OpCode
	Src       node.Key
	Dst       node.Key
	HasDst    bool
	Status    opgraph.Status
	Result    string
	CreatedAt time.Time
}

func (p PersistedOp) toUserOp() *opgraph.UserOp {
	op := &opgraph.UserOp{
		OpUID:    p.OpUID,
		BatchUID: p.BatchUID,
		Code:     p.Code,
		Src:      p.Src,
		Status:   p.Status,
	}
	if p.HasDst {
		op.Dst = p.Dst
	}
	return op
}

// Store is the SQLite-backed persisted batch/op table.
type Store struct {
	db *sql.DB

	insertBatch     *sql.Stmt
	insertOp        *sql.Stmt
	updateOpStatus  *sql.Stmt
	updateBatchStat *sql.Stmt
	selectBatches   *sql.Stmt
	selectOpsByBch  *sql.Stmt
}

// Open opens (creating/migrating if necessary) the op store database at
// dbPath. Use ":memory:" for tests.
func Open(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, errors.Wrap(err, "opening op store database")
	}

	ctx := context.Background()
	if err := setPragmas(ctx, db); err != nil {
		db.Close()
		return nil, err
	}
	if err := runMigrations(ctx, db); err != nil {
		db.Close()
		return nil, err
	}

	s := &Store{db: db}
	if err := s.prepareStatements(); err != nil {
		db.Close()
		return nil, errors.Wrap(err, "preparing op store statements")
	}

	log.Debug().Str("path", dbPath).Msg("op store ready")
	return s, nil
}

func setPragmas(ctx context.Context, db *sql.DB) error {
	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = FULL",
		"PRAGMA foreign_keys = ON",
	}
	for _, p := range pragmas {
		if _, err := db.ExecContext(ctx, p); err != nil {
			return errors.Wrapf(err, "setting pragma %q", p)
		}
	}
	return nil
}

func (s *Store) prepareStatements() error {
	var err error
	if s.insertBatch, err = s.db.Prepare(sqlInsertBatch); err != nil {
		return err
	}
	if s.insertOp, err = s.db.Prepare(sqlInsertOp); err != nil {
		return err
	}
	if s.updateOpStatus, err = s.db.Prepare(sqlUpdateOpStatus); err != nil {
		return err
	}
	if s.updateBatchStat, err = s.db.Prepare(sqlUpdateBatchStatus); err != nil {
		return err
	}
	if s.selectBatches, err = s.db.Prepare(sqlSelectBatchesByStatus); err != nil {
		return err
	}
	if s.selectOpsByBch, err = s.db.Prepare(sqlSelectOpsByBatch); err != nil {
		return err
	}
	return nil
}

// Close releases the underlying database handle.
func (s *Store) Close() error { return s.db.Close() }

// SaveBatch persists a new batch and its ops in one transaction (spec
// §4.8: "Persists batches to an on-disk op store before admitting them
// to the graph").
func (s *Store) SaveBatch(batchUID uint64, ops []*opgraph.UserOp) error {
	tx, err := s.db.Begin()
	if err != nil {
		return errors.Wrap(err, "beginning batch save transaction")
	}

	now := time.Now()
	if _, err := tx.Stmt(s.insertBatch).Exec(batchUID, string(BatchPending), now); err != nil {
		tx.Rollback()
		return errors.Wrap(err, "inserting batch row")
	}

	insertOp := tx.Stmt(s.insertOp)
	for i, op := range ops {
		hasDst := 0
		var dstDevice, dstNode int64
		if op.Code.IsBinary() {
			hasDst = 1
			dstDevice, dstNode = int64(op.Dst.DeviceUID), int64(op.Dst.NodeUID)
		}
		if _, err := insertOp.Exec(
			op.OpUID, batchUID, i, op.Code.String(),
			int64(op.Src.DeviceUID), int64(op.Src.NodeUID),
			hasDst, dstDevice, dstNode,
			op.Status.String(), nil, now,
		); err != nil {
			tx.Rollback()
			return errors.Wrapf(err, "inserting op row %d", op.OpUID)
		}
	}

	if err := tx.Commit(); err != nil {
		return errors.Wrap(err, "committing batch save transaction")
	}
	return nil
}

// MarkBatchStatus updates a batch's lifecycle status.
func (s *Store) MarkBatchStatus(batchUID uint64, status BatchStatus) error {
	_, err := s.updateBatchStat.Exec(string(status), batchUID)
	if err != nil {
		return errors.Wrap(err, "updating batch status")
	}
	return nil
}

// UpdateOpStatus records an op's new status and, if result is non-nil,
// its serialized result (the lists of nodes to upsert/remove that
// finish_command applies — spec §4.8).
func (s *Store) UpdateOpStatus(opUID uint64, status opgraph.Status, result interface{}) error {
	var resultJSON []byte
	if result != nil {
		var err error
		resultJSON, err = json.Marshal(result)
		if err != nil {
			return errors.Wrap(err, "marshaling op result")
		}
	}
	_, err := s.updateOpStatus.Exec(status.String(), resultJSON, opUID)
	if err != nil {
		return errors.Wrap(err, "updating op status")
	}
	return nil
}

// LoadPendingBatches reads, linearly, every batch not yet marked
// COMPLETED or CANCELLED, along with its ops — the startup resume-or-
// cancel policy's input (spec §4.8, §4.5-style "read linearly on
// startup").
func (s *Store) LoadPendingBatches() ([]Batch, map[uint64][]*opgraph.UserOp, error) {
	rows, err := s.selectBatches.Query(string(BatchPending), string(BatchSubmitted))
	if err != nil {
		return nil, nil, errors.Wrap(err, "querying pending batches")
	}
	defer rows.Close()

	var batches []Batch
	for rows.Next() {
		var b Batch
		var status string
		if err := rows.Scan(&b.BatchUID, &status, &b.CreatedAt); err != nil {
			return nil, nil, errors.Wrap(err, "scanning batch row")
		}
		b.Status = BatchStatus(status)
		batches = append(batches, b)
	}
	if err := rows.Err(); err != nil {
		return nil, nil, err
	}

	opsByBatch := make(map[uint64][]*opgraph.UserOp, len(batches))
	for _, b := range batches {
		ops, err := s.loadOpsForBatch(b.BatchUID)
		if err != nil {
			return nil, nil, err
		}
		opsByBatch[b.BatchUID] = ops
	}
	return batches, opsByBatch, nil
}

func (s *Store) loadOpsForBatch(batchUID uint64) ([]*opgraph.UserOp, error) {
	rows, err := s.selectOpsByBch.Query(batchUID)
	if err != nil {
		return nil, errors.Wrap(err, "querying ops for batch")
	}
	defer rows.Close()

	var ops []*opgraph.UserOp
	for rows.Next() {
		var p PersistedOp
		var opType, status string
		var hasDst int
		var dstDevice, dstNode sql.NullInt64
		var result sql.NullString
		if err := rows.Scan(
			&p.OpUID, &p.BatchUID, &p.Seq, &opType,
			&p.Src.DeviceUID, &p.Src.NodeUID,
			&hasDst, &dstDevice, &dstNode,
			&status, &result, &p.CreatedAt,
		); err != nil {
			return nil, errors.Wrap(err, "scanning op row")
		}
		p.Code = parseOpCode(opType)
		p.Status = parseStatus(status)
		p.HasDst = hasDst != 0
		if p.HasDst {
			p.Dst = node.Key{DeviceUID: node.UID(dstDevice.Int64), NodeUID: node.UID(dstNode.Int64)}
		}
		if result.Valid {
			p.Result = result.String
		}
		ops = append(ops, p.toUserOp())
	}
	return ops, rows.Err()
}

func parseOpCode(s string) opgraph.OpCode {
	switch s {
	case "MKDIR":
		return opgraph.OpMkdir
	case "CP":
		return opgraph.OpCopy
	case "MV":
		return opgraph.OpMove
	case "RM":
		return opgraph.OpRemove
	case "START_DIR":
		return opgraph.OpStartDir
	case "FINISH_DIR":
		return opgraph.OpFinishDir
	default:
		return opgraph.OpMkdir
	}
}

func parseStatus(s string) opgraph.Status {
	switch s {
	case "NOT_STARTED":
		return opgraph.NotStarted
	case "COMPLETED_OK":
		return opgraph.CompletedOK
	case "COMPLETED_NO_OP":
		return opgraph.CompletedNoOp
	case "STOPPED_ON_ERROR":
		return opgraph.StoppedOnError
	case "BLOCKED_BY_ERROR":
		return opgraph.BlockedByError
	default:
		return opgraph.NotStarted
	}
}
