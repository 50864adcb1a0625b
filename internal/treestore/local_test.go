package treestore

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	bolt "go.etcd.io/bbolt"
	"github.com/stretchr/testify/require"

	"github.com/outlet-sync/outlet/internal/diskindex"
	"github.com/outlet-sync/outlet/internal/identity"
	"github.com/outlet-sync/outlet/internal/node"
	"github.com/outlet-sync/outlet/internal/registry"
	"github.com/outlet-sync/outlet/internal/signalbus"
	"github.com/outlet-sync/outlet/internal/uidalloc"
)

func newTestLocalStore(t *testing.T) (*LocalTreeStore, string, *signalbus.Bus) {
	t.Helper()
	rootDir := t.TempDir()

	idxPath := filepath.Join(t.TempDir(), "local.cache")
	idx, err := diskindex.Open(idxPath, 1, rootDir)
	require.NoError(t, err)
	t.Cleanup(func() { idx.Close() })

	db, err := bolt.Open(filepath.Join(t.TempDir(), "identity.db"), 0600, nil)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	alloc, err := uidalloc.New(db)
	require.NoError(t, err)
	paths, err := identity.NewPathMapper(db, alloc)
	require.NoError(t, err)

	bus := signalbus.New()
	store := NewLocalTreeStore(1, rootDir, idx, paths, bus)
	return store, rootDir, bus
}

func TestUT_TS_01_01_LoadSubtree_IsIdempotent(t *testing.T) {
	store, _, _ := newTestLocalStore(t)
	require.NoError(t, store.LoadSubtree(node.SPID{Path: "/"}, "tree1"))
	require.True(t, store.IsCacheLoadedFor(node.SPID{}))
	require.NoError(t, store.LoadSubtree(node.SPID{Path: "/"}, "tree1"))
}

func TestUT_TS_02_01_UpsertSingleNode_PublishesSignal(t *testing.T) {
	store, rootDir, bus := newTestLocalStore(t)
	ch := bus.Subscribe(signalbus.NodeUpsertedInCache)

	n := node.NewLocalFile(1, 100, 1, filepath.Join(rootDir, "a.txt"), "a.txt", 10, zeroTime(), zeroTime(), zeroTime())
	canonical, err := store.UpsertSingleNode(n)
	require.NoError(t, err)
	require.Equal(t, "a.txt", canonical.Name)

	select {
	case sig := <-ch:
		require.Equal(t, signalbus.NodeUpsertedInCache, sig.Kind)
	default:
		t.Fatal("expected NODE_UPSERTED_IN_CACHE signal")
	}
}

func TestUT_TS_02_02_UpsertSingleNode_RejectsRemoteNode(t *testing.T) {
	store, _, _ := newTestLocalStore(t)
	remote := node.NewRemoteFile(1, 100, nil, nil, "x", 1, zeroTime())
	_, err := store.UpsertSingleNode(remote)
	require.Error(t, err)
}

func TestUT_TS_03_01_RemoveSingleNode_RejectsNonEmptyDir(t *testing.T) {
	store, rootDir, _ := newTestLocalStore(t)
	dir := node.NewLocalDir(1, 1000, 1, filepath.Join(rootDir, "sub"), "sub")
	_, err := store.UpsertSingleNode(dir)
	require.NoError(t, err)

	child := node.NewLocalFile(1, 1001, 1000, filepath.Join(rootDir, "sub", "f.txt"), "f.txt", 1, zeroTime(), zeroTime(), zeroTime())
	_, err = store.UpsertSingleNode(child)
	require.NoError(t, err)

	err = store.RemoveSingleNode(dir, false)
	require.Error(t, err)
}

func TestUT_TS_03_02_RemoveSingleNode_PublishesRemovedSignal(t *testing.T) {
	store, rootDir, bus := newTestLocalStore(t)
	ch := bus.Subscribe(signalbus.NodeRemovedInCache)

	n := node.NewLocalFile(1, 200, 1, filepath.Join(rootDir, "b.txt"), "b.txt", 1, zeroTime(), zeroTime(), zeroTime())
	_, err := store.UpsertSingleNode(n)
	require.NoError(t, err)

	require.NoError(t, store.RemoveSingleNode(n, false))

	select {
	case sig := <-ch:
		require.Equal(t, signalbus.NodeRemovedInCache, sig.Kind)
	default:
		t.Fatal("expected NODE_REMOVED_IN_CACHE signal")
	}
}

func TestUT_TS_04_01_RefreshSubtree_ScansRealDirectory(t *testing.T) {
	store, rootDir, _ := newTestLocalStore(t)
	store.loaded = true
	require.NoError(t, os.WriteFile(filepath.Join(rootDir, "one.txt"), []byte("hi"), 0644))
	require.NoError(t, os.Mkdir(filepath.Join(rootDir, "sub"), 0755))

	require.NoError(t, store.RefreshSubtree(node.SPID{Path: rootDir}, "tree1"))

	children, err := store.GetChildListForSPID(node.SPID{NodeUID: rootUIDFor(t, store, rootDir)}, nil)
	require.NoError(t, err)
	require.Len(t, children, 2)
}

func TestUT_TS_04_02_RefreshSubtree_RemovesVanishedEntries(t *testing.T) {
	store, rootDir, _ := newTestLocalStore(t)
	store.loaded = true
	fpath := filepath.Join(rootDir, "gone.txt")
	require.NoError(t, os.WriteFile(fpath, []byte("hi"), 0644))
	require.NoError(t, store.RefreshSubtree(node.SPID{Path: rootDir}, "tree1"))

	require.NoError(t, os.Remove(fpath))
	require.NoError(t, store.RefreshSubtree(node.SPID{Path: rootDir}, "tree1"))

	children, err := store.GetChildListForSPID(node.SPID{NodeUID: rootUIDFor(t, store, rootDir)}, nil)
	require.NoError(t, err)
	require.Len(t, children, 0)
}

func TestUT_TS_05_01_MoveLocalSubtree_RejectsSameSrcDst(t *testing.T) {
	store, rootDir, _ := newTestLocalStore(t)
	err := store.MoveLocalSubtree(rootDir, rootDir)
	require.Error(t, err)
}

func TestUT_TS_05_02_MoveLocalSubtree_RejectsEmptyPath(t *testing.T) {
	store, _, _ := newTestLocalStore(t)
	err := store.MoveLocalSubtree("", "/x")
	require.Error(t, err)
}

func TestUT_TS_09_01_GetChildListForSPID_TriggersLiveScanOnMiss(t *testing.T) {
	store, rootDir, _ := newTestLocalStore(t)
	store.loaded = true

	require.NoError(t, os.WriteFile(filepath.Join(rootDir, "a.bin"), []byte("xyz"), 0644))

	children, err := store.GetChildListForSPID(node.SPID{NodeUID: rootUIDFor(t, store, rootDir), Path: rootDir}, nil)
	require.NoError(t, err)
	require.Len(t, children, 1)
}

func TestUT_TS_09_02_GetChildListForSPID_NotLoaded_ReturnsCacheNotLoaded(t *testing.T) {
	store, rootDir, _ := newTestLocalStore(t)
	_, err := store.GetChildListForSPID(node.SPID{NodeUID: rootUIDFor(t, store, rootDir), Path: rootDir}, nil)
	require.Error(t, err)
}

func TestUT_TS_10_01_GetAllFilesWithContent_FindsInMemoryMatch(t *testing.T) {
	store, rootDir, _ := newTestLocalStore(t)
	n := node.NewLocalFile(1, 100, 1, filepath.Join(rootDir, "a.txt"), "a.txt", 10, zeroTime(), zeroTime(), zeroTime())
	n.File.ContentMetaUID = 42
	_, err := store.UpsertSingleNode(n)
	require.NoError(t, err)

	found, err := store.GetAllFilesWithContent(42, nil)
	require.NoError(t, err)
	require.Len(t, found, 1)
	require.Equal(t, "a.txt", found[0].Name)
}

func TestUT_TS_10_02_GetAllFilesWithContent_FallsBackToUnloadedCacheOnDisk(t *testing.T) {
	store, rootDir, _ := newTestLocalStore(t)

	otherCachePath := filepath.Join(t.TempDir(), "other.cache")
	otherIdx, err := diskindex.Open(otherCachePath, 1, "/other")
	require.NoError(t, err)
	other := node.NewLocalFile(1, 900, 0, "/other/b.txt", "b.txt", 10, zeroTime(), zeroTime(), zeroTime())
	other.File.ContentMetaUID = 42
	require.NoError(t, otherIdx.AppendOps([]*node.Node{other}, nil))
	require.NoError(t, otherIdx.Close())

	found, err := store.GetAllFilesWithContent(42, []registry.CacheInfo{
		{DeviceUID: 1, SubtreeRootPath: "/other", CacheLocation: otherCachePath, IsLoaded: false},
	})
	require.NoError(t, err)
	require.Len(t, found, 1)
	require.Equal(t, "b.txt", found[0].Name)
}

func TestUT_TS_10_03_GetAllFilesWithContent_SkipsLoadedCache(t *testing.T) {
	store, rootDir, _ := newTestLocalStore(t)
	_ = rootDir

	found, err := store.GetAllFilesWithContent(42, []registry.CacheInfo{
		{DeviceUID: 1, SubtreeRootPath: "/loaded-elsewhere", CacheLocation: filepath.Join(t.TempDir(), "missing.cache"), IsLoaded: true},
	})
	require.NoError(t, err)
	require.Len(t, found, 0)
}

func rootUIDFor(t *testing.T, store *LocalTreeStore, path string) node.UID {
	t.Helper()
	uid, err := store.paths.UIDForPath(path, 0)
	require.NoError(t, err)
	return uid
}

func zeroTime() time.Time { return time.Now() }
