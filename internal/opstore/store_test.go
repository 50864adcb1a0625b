package opstore

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/outlet-sync/outlet/internal/node"
	"github.com/outlet-sync/outlet/internal/opgraph"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "ops.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func sampleOps(batchUID uint64) []*opgraph.UserOp {
	return []*opgraph.UserOp{
		{OpUID: 1, BatchUID: batchUID, Code: opgraph.OpMkdir, Src: node.Key{DeviceUID: 1, NodeUID: 10}, Status: opgraph.NotStarted},
		{OpUID: 2, BatchUID: batchUID, Code: opgraph.OpCopy, Src: node.Key{DeviceUID: 1, NodeUID: 11}, Dst: node.Key{DeviceUID: 1, NodeUID: 12}, Status: opgraph.NotStarted},
	}
}

func TestUT_OS_01_01_SaveBatch_PersistsOpsRoundTrippable(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.SaveBatch(100, sampleOps(100)))

	batches, opsByBatch, err := s.LoadPendingBatches()
	require.NoError(t, err)
	require.Len(t, batches, 1)
	require.Equal(t, uint64(100), batches[0].BatchUID)
	require.Equal(t, BatchPending, batches[0].Status)

	ops := opsByBatch[100]
	require.Len(t, ops, 2)
	require.Equal(t, opgraph.OpMkdir, ops[0].Code)
	require.Equal(t, node.Key{DeviceUID: 1, NodeUID: 10}, ops[0].Src)
	require.Equal(t, opgraph.OpCopy, ops[1].Code)
	require.Equal(t, node.Key{DeviceUID: 1, NodeUID: 12}, ops[1].Dst)
}

func TestUT_OS_02_01_MarkBatchStatus_CompletedExcludesFromPendingLoad(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.SaveBatch(200, sampleOps(200)))
	require.NoError(t, s.MarkBatchStatus(200, BatchCompleted))

	batches, _, err := s.LoadPendingBatches()
	require.NoError(t, err)
	require.Len(t, batches, 0)
}

func TestUT_OS_03_01_UpdateOpStatus_PersistsStatusAndResult(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.SaveBatch(300, sampleOps(300)))

	require.NoError(t, s.UpdateOpStatus(1, opgraph.CompletedOK, map[string]int{"upserted": 1}))

	_, opsByBatch, err := s.LoadPendingBatches()
	require.NoError(t, err)
	ops := opsByBatch[300]
	require.Equal(t, opgraph.CompletedOK, ops[0].Status)
}

func TestUT_OS_04_01_SaveBatch_MultipleBatchesLoadInOrder(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.SaveBatch(1, sampleOps(1)))
	require.NoError(t, s.SaveBatch(2, sampleOps(2)))

	batches, _, err := s.LoadPendingBatches()
	require.NoError(t, err)
	require.Len(t, batches, 2)
	require.Equal(t, uint64(1), batches[0].BatchUID)
	require.Equal(t, uint64(2), batches[1].BatchUID)
}

func TestUT_OS_05_01_Open_ReopenPreservesData(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "ops.db")
	s1, err := Open(dbPath)
	require.NoError(t, err)
	require.NoError(t, s1.SaveBatch(1, sampleOps(1)))
	require.NoError(t, s1.Close())

	s2, err := Open(dbPath)
	require.NoError(t, err)
	defer s2.Close()

	batches, _, err := s2.LoadPendingBatches()
	require.NoError(t, err)
	require.Len(t, batches, 1)
}
