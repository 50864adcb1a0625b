package opgraph

import (
	"testing"
	"time"

	"github.com/fortytw2/leaktest"
	"github.com/stretchr/testify/require"

	"github.com/outlet-sync/outlet/internal/node"
)

// fixedStructure is a StructureLookup backed by a fixed parent map, for
// tests that need RM-parent/children or multi-parent resolution.
type fixedStructure struct {
	parents map[node.Key][]node.Key
}

func (f *fixedStructure) ParentsOf(k node.Key) []node.Key { return f.parents[k] }
func (f *fixedStructure) ChildrenOf(k node.Key) []node.Key {
	var out []node.Key
	for child, parents := range f.parents {
		for _, p := range parents {
			if p == k {
				out = append(out, child)
			}
		}
	}
	return out
}

func key(dev, uid uint64) node.Key { return node.Key{DeviceUID: node.UID(dev), NodeUID: node.UID(uid)} }

func TestUT_OG_01_01_InsertSingleOp_BecomesReady(t *testing.T) {
	g := New(nil)
	op := &UserOp{OpUID: 1, BatchUID: 1, Code: OpMkdir, Src: key(1, 10)}

	require.NoError(t, g.InsertBatchGraph([]*UserOp{op}))

	got := g.GetNextOpNowait()
	require.NotNil(t, got)
	require.Equal(t, uint64(1), got.OpUID)
}

func TestUT_OG_01_02_GetNextOpNowait_EmptyGraph_ReturnsNil(t *testing.T) {
	g := New(nil)
	require.Nil(t, g.GetNextOpNowait())
}

func TestUT_OG_02_01_ChainedOpsOnSameNode_FIFOOrder(t *testing.T) {
	g := New(nil)
	target := key(1, 10)
	op1 := &UserOp{OpUID: 1, BatchUID: 1, Code: OpMkdir, Src: target}
	op2 := &UserOp{OpUID: 2, BatchUID: 1, Code: OpRemove, Src: target}

	require.NoError(t, g.InsertBatchGraph([]*UserOp{op1, op2}))

	// op2 is chained after op1 on the same node: not ready until op1 completes.
	first := g.GetNextOpNowait()
	require.NotNil(t, first)
	require.Equal(t, uint64(1), first.OpUID)

	require.Nil(t, g.GetNextOpNowait(), "op2 must not be ready before op1 completes")

	first.Status = CompletedOK
	g.PopCompletedOp(first)

	second := g.GetNextOpNowait()
	require.NotNil(t, second)
	require.Equal(t, uint64(2), second.OpUID)
}

func TestUT_OG_03_01_DoubleRemove_RejectsSecondInsert(t *testing.T) {
	g := New(nil)
	target := key(1, 10)
	op1 := &UserOp{OpUID: 1, BatchUID: 1, Code: OpRemove, Src: target}
	op2 := &UserOp{OpUID: 2, BatchUID: 2, Code: OpRemove, Src: target}

	require.NoError(t, g.InsertBatchGraph([]*UserOp{op1}))
	err := g.InsertBatchGraph([]*UserOp{op2})
	require.Error(t, err)
}

func TestUT_OG_04_01_BinaryOp_ReadyOnlyWhenBothSidesAtHead(t *testing.T) {
	g := New(nil)
	src := key(1, 10)
	dst := key(1, 20)
	mv := &UserOp{OpUID: 1, BatchUID: 1, Code: OpMove, Src: src, Dst: dst}

	require.NoError(t, g.InsertBatchGraph([]*UserOp{mv}))

	got := g.GetNextOpNowait()
	require.NotNil(t, got)
	require.Equal(t, OpMove, got.Code)
}

func TestUT_OG_05_01_PopCompletedOp_PromotesChildrenToFormerParents(t *testing.T) {
	g := New(nil)
	target := key(1, 10)
	op1 := &UserOp{OpUID: 1, BatchUID: 1, Code: OpMkdir, Src: target}
	op2 := &UserOp{OpUID: 2, BatchUID: 1, Code: OpRemove, Src: target}
	require.NoError(t, g.InsertBatchGraph([]*UserOp{op1, op2}))

	op1.Status = CompletedOK
	complete := g.PopCompletedOp(op1)
	require.False(t, complete)

	got := g.GetNextOpNowait()
	require.NotNil(t, got)
	require.Equal(t, uint64(2), got.OpUID)
}

func TestUT_OG_05_02_PopCompletedOp_LastOpInBatch_ReportsBatchComplete(t *testing.T) {
	g := New(nil)
	op := &UserOp{OpUID: 1, BatchUID: 7, Code: OpMkdir, Src: key(1, 10)}
	require.NoError(t, g.InsertBatchGraph([]*UserOp{op}))

	op.Status = CompletedOK
	require.True(t, g.PopCompletedOp(op))
}

func TestUT_OG_06_01_StoppedOnError_BlocksDownstream(t *testing.T) {
	g := New(nil)
	target := key(1, 10)
	op1 := &UserOp{OpUID: 1, BatchUID: 1, Code: OpMkdir, Src: target}
	op2 := &UserOp{OpUID: 2, BatchUID: 1, Code: OpRemove, Src: target}
	require.NoError(t, g.InsertBatchGraph([]*UserOp{op1, op2}))

	op1.Status = StoppedOnError
	g.PopCompletedOp(op1)

	require.Equal(t, BlockedByError, op2.Status)
	require.Nil(t, g.GetNextOpNowait())
}

func TestUT_OG_07_01_RetryFailedOp_ResetsStoppedAndDownstreamBlocked(t *testing.T) {
	g := New(nil)
	target := key(1, 10)
	op1 := &UserOp{OpUID: 1, BatchUID: 1, Code: OpMkdir, Src: target}
	op2 := &UserOp{OpUID: 2, BatchUID: 1, Code: OpRemove, Src: target}
	require.NoError(t, g.InsertBatchGraph([]*UserOp{op1, op2}))

	op1.Status = StoppedOnError
	g.PopCompletedOp(op1)
	require.Equal(t, BlockedByError, op2.Status)

	require.NoError(t, g.RetryFailedOp(1))
	require.Equal(t, NotStarted, op1.Status)
	require.Equal(t, NotStarted, op2.Status)
}

func TestUT_OG_07_02_RetryAllFailedOps_ResetsEverything(t *testing.T) {
	g := New(nil)
	target := key(1, 10)
	op1 := &UserOp{OpUID: 1, BatchUID: 1, Code: OpMkdir, Src: target}
	op2 := &UserOp{OpUID: 2, BatchUID: 1, Code: OpRemove, Src: target}
	require.NoError(t, g.InsertBatchGraph([]*UserOp{op1, op2}))

	op1.Status = StoppedOnError
	g.PopCompletedOp(op1)

	g.RetryAllFailedOps()
	require.Equal(t, NotStarted, op1.Status)
	require.Equal(t, NotStarted, op2.Status)
}

func TestUT_OG_08_01_RemoveOfParentRequiresChildRemovesFirst(t *testing.T) {
	parent := key(1, 1)
	child := key(1, 2)
	structure := &fixedStructure{parents: map[node.Key][]node.Key{child: {parent}}}
	g := New(structure)

	rmChild := &UserOp{OpUID: 1, BatchUID: 1, Code: OpRemove, Src: child}
	require.NoError(t, g.InsertBatchGraph([]*UserOp{rmChild}))

	rmParent := &UserOp{OpUID: 2, BatchUID: 1, Code: OpRemove, Src: parent}
	require.NoError(t, g.InsertBatchGraph([]*UserOp{rmParent}))

	// rmParent must not be ready until rmChild completes.
	ready := g.GetNextOpNowait()
	require.NotNil(t, ready)
	require.Equal(t, uint64(1), ready.OpUID)
	require.Nil(t, g.GetNextOpNowait())
}

func TestUT_OG_09_01_IconAncestorTracking_AddsOnInsertRemovesOnComplete(t *testing.T) {
	parent := key(1, 1)
	child := key(1, 2)
	structure := &fixedStructure{parents: map[node.Key][]node.Key{child: {parent}}}
	g := New(structure)

	op := &UserOp{OpUID: 1, BatchUID: 1, Code: OpMkdir, Src: child}
	require.NoError(t, g.InsertBatchGraph([]*UserOp{op}))

	changes := g.PopIconChanges()
	require.Contains(t, changes.Added[node.UID(1)], node.UID(1))

	op.Status = CompletedOK
	g.PopCompletedOp(op)

	changes2 := g.PopIconChanges()
	require.Contains(t, changes2.Removed[node.UID(1)], node.UID(1))
}

func TestUT_OG_10_01_GetNextOp_BlocksUntilShutdown(t *testing.T) {
	defer leaktest.Check(t)()

	g := New(nil)
	done := make(chan *UserOp, 1)
	go func() { done <- g.GetNextOp() }()

	select {
	case <-done:
		t.Fatal("GetNextOp should block on an empty graph")
	case <-time.After(50 * time.Millisecond):
	}

	g.Shutdown()

	select {
	case op := <-done:
		require.Nil(t, op)
	case <-time.After(time.Second):
		t.Fatal("GetNextOp did not return after Shutdown")
	}
}

func TestUT_OG_11_01_Validate_AcceptsWellFormedChain(t *testing.T) {
	g := New(nil)
	g.SetValidateAfterInsert(true)
	target := key(1, 10)
	op1 := &UserOp{OpUID: 1, BatchUID: 1, Code: OpMkdir, Src: target}
	op2 := &UserOp{OpUID: 2, BatchUID: 1, Code: OpRemove, Src: target}
	require.NoError(t, g.InsertBatchGraph([]*UserOp{op1, op2}))
}

func TestUT_OG_12_01_MaxInsertedOpUID_TracksHighWaterMark(t *testing.T) {
	g := New(nil)
	op1 := &UserOp{OpUID: 5, BatchUID: 1, Code: OpMkdir, Src: key(1, 1)}
	op2 := &UserOp{OpUID: 9, BatchUID: 1, Code: OpMkdir, Src: key(1, 2)}
	require.NoError(t, g.InsertBatchGraph([]*UserOp{op1, op2}))
	require.EqualValues(t, 9, g.MaxInsertedOpUID())
}

func TestUT_OG_13_01_DebugString_DoesNotPanicAndMentionsOp(t *testing.T) {
	g := New(nil)
	op := &UserOp{OpUID: 1, BatchUID: 1, Code: OpMkdir, Src: key(1, 10)}
	require.NoError(t, g.InsertBatchGraph([]*UserOp{op}))
	require.Contains(t, g.DebugString(), "op#1")
}
