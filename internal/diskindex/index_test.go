package diskindex

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/outlet-sync/outlet/internal/node"
)

func openTestIndex(t *testing.T) *Index {
	t.Helper()
	idx, err := Open(filepath.Join(t.TempDir(), "cache.db"), 1, "/tmp/root")
	require.NoError(t, err)
	t.Cleanup(func() { idx.Close() })
	return idx
}

func TestUT_DX_01_01_Open_InitializesHeader(t *testing.T) {
	idx := openTestIndex(t)

	h, err := idx.Header()
	require.NoError(t, err)
	require.EqualValues(t, 1, h.DeviceUID)
	require.Equal(t, "/tmp/root", h.SubtreeRootPath)
	require.True(t, h.IsComplete)
	require.Equal(t, schemaVersion, h.Schema)
}

func TestUT_DX_02_01_AppendOps_UpsertThenGetByUID(t *testing.T) {
	idx := openTestIndex(t)

	dir := node.NewLocalDir(1, 2, 0, "/tmp/root/sub", "sub")
	file := node.NewLocalFile(1, 3, 2, "/tmp/root/sub/a.txt", "a.txt", 10, time.Time{}, time.Time{}, time.Time{})

	require.NoError(t, idx.AppendOps([]*node.Node{dir, file}, nil))

	got, found, err := idx.GetByUID(3)
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, "a.txt", got.Name)

	h, err := idx.Header()
	require.NoError(t, err)
	require.True(t, h.IsComplete)
}

func TestUT_DX_02_02_AppendOps_RemoveDeletesNodeAndChildIndexEntry(t *testing.T) {
	idx := openTestIndex(t)

	dir := node.NewLocalDir(1, 2, 0, "/tmp/root/sub", "sub")
	file := node.NewLocalFile(1, 3, 2, "/tmp/root/sub/a.txt", "a.txt", 10, time.Time{}, time.Time{}, time.Time{})
	require.NoError(t, idx.AppendOps([]*node.Node{dir, file}, nil))

	require.NoError(t, idx.AppendOps(nil, []node.UID{3}))

	_, found, err := idx.GetByUID(3)
	require.NoError(t, err)
	require.False(t, found)

	children, err := idx.GetChildren(2)
	require.NoError(t, err)
	require.Empty(t, children)
}

func TestUT_DX_03_01_GetChildren_ReturnsAllChildrenOfParent(t *testing.T) {
	idx := openTestIndex(t)

	dir := node.NewLocalDir(1, 2, 0, "/tmp/root/sub", "sub")
	f1 := node.NewLocalFile(1, 3, 2, "/tmp/root/sub/a.txt", "a.txt", 10, time.Time{}, time.Time{}, time.Time{})
	f2 := node.NewLocalFile(1, 4, 2, "/tmp/root/sub/b.txt", "b.txt", 20, time.Time{}, time.Time{}, time.Time{})
	require.NoError(t, idx.AppendOps([]*node.Node{dir, f1, f2}, nil))

	children, err := idx.GetChildren(2)
	require.NoError(t, err)
	require.Len(t, children, 2)
}

func TestUT_DX_04_01_LoadSubtree_ReturnsEveryRow(t *testing.T) {
	idx := openTestIndex(t)

	dir := node.NewLocalDir(1, 2, 0, "/tmp/root/sub", "sub")
	file := node.NewLocalFile(1, 3, 2, "/tmp/root/sub/a.txt", "a.txt", 10, time.Time{}, time.Time{}, time.Time{})
	require.NoError(t, idx.AppendOps([]*node.Node{dir, file}, nil))

	all, err := idx.LoadSubtree()
	require.NoError(t, err)
	require.Len(t, all, 2)
}

func TestUT_DX_05_01_SaveSubtree_OverwritesPriorContentsAndBumpsSyncTS(t *testing.T) {
	idx := openTestIndex(t)

	old := node.NewLocalFile(1, 9, 0, "/tmp/root/old.txt", "old.txt", 1, time.Time{}, time.Time{}, time.Time{})
	require.NoError(t, idx.AppendOps([]*node.Node{old}, nil))

	newFile := node.NewLocalFile(1, 10, 0, "/tmp/root/new.txt", "new.txt", 2, time.Time{}, time.Time{}, time.Time{})
	require.NoError(t, idx.SaveSubtree([]*node.Node{newFile}, nil))

	_, found, err := idx.GetByUID(9)
	require.NoError(t, err)
	require.False(t, found, "old rows must not survive a full SaveSubtree overwrite")

	got, found, err := idx.GetByUID(10)
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, "new.txt", got.Name)

	h, err := idx.Header()
	require.NoError(t, err)
	require.False(t, h.LastSyncTS.IsZero())
}

func TestUT_DX_06_01_Header_SurvivesReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cache.db")
	idx, err := Open(path, 7, "/tmp/device7")
	require.NoError(t, err)

	f := node.NewLocalFile(7, 1, 0, "/tmp/device7/f.txt", "f.txt", 1, time.Time{}, time.Time{}, time.Time{})
	require.NoError(t, idx.AppendOps([]*node.Node{f}, nil))
	require.NoError(t, idx.Close())

	idx2, err := Open(path, 7, "/tmp/device7")
	require.NoError(t, err)
	defer idx2.Close()

	h, err := idx2.Header()
	require.NoError(t, err)
	require.EqualValues(t, 7, h.DeviceUID)
	require.True(t, h.IsComplete)

	got, found, err := idx2.GetByUID(1)
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, "f.txt", got.Name)
}
