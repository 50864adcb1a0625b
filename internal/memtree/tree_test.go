package memtree

import (
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/require"

	"github.com/outlet-sync/outlet/internal/node"
)

func TestUT_MT_01_01_Upsert_ThenGetNodeForUID_RoundTrips(t *testing.T) {
	tr := New()
	dir := node.NewLocalDir(1, 10, 0, "/root", "root")
	tr.Upsert(dir)

	got, ok := tr.GetNodeForUID(10)
	require.True(t, ok)
	require.Equal(t, "root", got.Name)
}

func TestUT_MT_01_02_GetNodeForUID_ReturnsClone_NotAlias(t *testing.T) {
	tr := New()
	dir := node.NewLocalDir(1, 10, 0, "/root", "root")
	tr.Upsert(dir)

	got, _ := tr.GetNodeForUID(10)
	got.Name = "mutated"

	got2, _ := tr.GetNodeForUID(10)
	require.Equal(t, "root", got2.Name)
}

func TestUT_MT_02_01_ChildListForSPID_ReturnsDirectChildrenOnly(t *testing.T) {
	tr := New()
	root := node.NewLocalDir(1, 1, 0, "/root", "root")
	a := node.NewLocalFile(1, 2, 1, "/root/a.txt", "a.txt", 5, time.Time{}, time.Time{}, time.Time{})
	b := node.NewLocalDir(1, 3, 1, "/root/b", "b")
	c := node.NewLocalFile(1, 4, 3, "/root/b/c.txt", "c.txt", 7, time.Time{}, time.Time{}, time.Time{})
	tr.Upsert(root)
	tr.Upsert(a)
	tr.Upsert(b)
	tr.Upsert(c)

	children := tr.GetChildListForSPID(node.SPID{DeviceUID: 1, NodeUID: 1, Path: "/root"})
	require.Len(t, children, 2)
}

func TestUT_MT_03_01_GetSubtreeBFSList_RootFirstThenDescendants(t *testing.T) {
	tr := New()
	root := node.NewLocalDir(1, 1, 0, "/root", "root")
	a := node.NewLocalFile(1, 2, 1, "/root/a.txt", "a.txt", 5, time.Time{}, time.Time{}, time.Time{})
	b := node.NewLocalDir(1, 3, 1, "/root/b", "b")
	c := node.NewLocalFile(1, 4, 3, "/root/b/c.txt", "c.txt", 7, time.Time{}, time.Time{}, time.Time{})
	tr.Upsert(root)
	tr.Upsert(a)
	tr.Upsert(b)
	tr.Upsert(c)

	list := tr.GetSubtreeBFSList(1)
	require.Len(t, list, 4)
	require.Equal(t, node.UID(1), list[0].Identifier.NodeUID)
}

func TestUT_MT_04_01_Remove_UnlinksFromParentButKeepsDescendants(t *testing.T) {
	tr := New()
	root := node.NewLocalDir(1, 1, 0, "/root", "root")
	b := node.NewLocalDir(1, 3, 1, "/root/b", "b")
	c := node.NewLocalFile(1, 4, 3, "/root/b/c.txt", "c.txt", 7, time.Time{}, time.Time{}, time.Time{})
	tr.Upsert(root)
	tr.Upsert(b)
	tr.Upsert(c)

	tr.Remove(3)

	_, ok := tr.GetNodeForUID(3)
	require.False(t, ok)
	// c.txt itself is untouched by Remove(3); only the parent-index link is gone.
	_, ok = tr.GetNodeForUID(4)
	require.True(t, ok)
}

func TestUT_MT_05_01_ReplaceSubtree_PreservesPhantomWithSurvivingParent(t *testing.T) {
	tr := New()
	root := node.NewLocalDir(1, 1, 0, "/root", "root")
	tr.Upsert(root)

	phantom := node.NewLocalFile(1, 99, 1, "/root/planned.txt", "planned.txt", 0, time.Time{}, time.Time{}, time.Time{})
	phantom.IsLive = false
	tr.Upsert(phantom)

	replacement := []*node.Node{
		node.NewLocalFile(1, 2, 1, "/root/a.txt", "a.txt", 5, time.Time{}, time.Time{}, time.Time{}),
	}
	orphans := tr.ReplaceSubtree(1, replacement)

	require.Empty(t, orphans)
	got, ok := tr.GetNodeForUID(99)
	require.True(t, ok)
	require.False(t, got.IsLive)
}

func TestUT_MT_05_02_ReplaceSubtree_ReportsOrphanWhenParentVanishes(t *testing.T) {
	tr := New()
	root := node.NewLocalDir(1, 1, 0, "/root", "root")
	sub := node.NewLocalDir(1, 2, 1, "/root/sub", "sub")
	tr.Upsert(root)
	tr.Upsert(sub)

	phantom := node.NewLocalFile(1, 99, 2, "/root/sub/planned.txt", "planned.txt", 0, time.Time{}, time.Time{}, time.Time{})
	phantom.IsLive = false
	tr.Upsert(phantom)

	// Replacement drops "sub" entirely: the phantom's parent (2) no longer
	// exists in either the old tree's surviving set or the replacement.
	replacement := []*node.Node{}
	orphans := tr.ReplaceSubtree(1, replacement)

	require.Len(t, orphans, 1)
	require.EqualValues(t, 99, orphans[0].Identifier.NodeUID)
}

func TestUT_MT_06_01_GenerateDirStats_AggregatesSizesAndCounts(t *testing.T) {
	tr := New()
	root := node.NewLocalDir(1, 1, 0, "/root", "root")
	a := node.NewLocalFile(1, 2, 1, "/root/a.txt", "a.txt", 5, time.Time{}, time.Time{}, time.Time{})
	sub := node.NewLocalDir(1, 3, 1, "/root/b", "b")
	c := node.NewLocalFile(1, 4, 3, "/root/b/c.txt", "c.txt", 7, time.Time{}, time.Time{}, time.Time{})
	tr.Upsert(root)
	tr.Upsert(a)
	tr.Upsert(sub)
	tr.Upsert(c)

	stats, err := tr.GenerateDirStats(1)
	require.NoError(t, err)
	rootStats := stats[1]
	require.Equal(t, 2, rootStats.FileCount)
	require.Equal(t, 1, rootStats.DirCount)
	require.EqualValues(t, 12, rootStats.TotalBytes)
}

func TestUT_MT_06_02_GenerateDirStats_MemoizedUntilMutation(t *testing.T) {
	tr := New()
	root := node.NewLocalDir(1, 1, 0, "/root", "root")
	a := node.NewLocalFile(1, 2, 1, "/root/a.txt", "a.txt", 5, time.Time{}, time.Time{}, time.Time{})
	tr.Upsert(root)
	tr.Upsert(a)

	stats1, err := tr.GenerateDirStats(1)
	require.NoError(t, err)

	b := node.NewLocalFile(1, 3, 1, "/root/b.txt", "b.txt", 9, time.Time{}, time.Time{}, time.Time{})
	tr.Upsert(b)

	stats2, err := tr.GenerateDirStats(1)
	require.NoError(t, err)
	require.NotEqual(t, stats1[1].TotalBytes, stats2[1].TotalBytes)
}

func TestUT_MT_07_01_GenerateDirStats_UnknownRoot_ReturnsNodeNotPresent(t *testing.T) {
	tr := New()
	_, err := tr.GenerateDirStats(12345)
	require.Error(t, err)
}

func TestUT_MT_01_03_GetNodeForUID_ClonesFullStructure(t *testing.T) {
	tr := New()
	dir := node.NewLocalFile(1, 10, 0, "/root/a.txt", "a.txt", 5, time.Time{}, time.Time{}, time.Time{})
	dir.File.ContentMetaUID = 7
	tr.Upsert(dir)

	got, ok := tr.GetNodeForUID(10)
	require.True(t, ok)
	if diff := cmp.Diff(dir, got); diff != "" {
		t.Fatalf("clone diverged from inserted node (-want +got):\n%s", diff)
	}
}

func TestUT_MT_05_03_ReplaceSubtree_SurvivorsMatchReplacementStructurally(t *testing.T) {
	tr := New()
	root := node.NewLocalDir(1, 1, 0, "/root", "root")
	tr.Upsert(root)

	replacement := []*node.Node{
		node.NewLocalFile(1, 2, 1, "/root/a.txt", "a.txt", 5, time.Time{}, time.Time{}, time.Time{}),
		node.NewLocalDir(1, 3, 1, "/root/b", "b"),
	}
	orphans := tr.ReplaceSubtree(1, replacement)
	require.Empty(t, orphans)

	for _, want := range replacement {
		got, ok := tr.GetNodeForUID(want.Identifier.NodeUID)
		require.True(t, ok)
		if diff := cmp.Diff(want, got); diff != "" {
			t.Fatalf("survivor %d diverged from its replacement input (-want +got):\n%s", want.Identifier.NodeUID, diff)
		}
	}
}
