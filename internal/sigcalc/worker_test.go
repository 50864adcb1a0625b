package sigcalc

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	bolt "go.etcd.io/bbolt"
	"github.com/fortytw2/leaktest"
	"github.com/stretchr/testify/require"

	"github.com/outlet-sync/outlet/internal/localfs"
	"github.com/outlet-sync/outlet/internal/node"
	"github.com/outlet-sync/outlet/internal/uidalloc"
)

// fakeStore is a minimal in-memory Store double for worker tests: it
// tracks upserts so tests can assert a signature was actually written
// back.
type fakeStore struct {
	mu      sync.Mutex
	nodes   map[node.UID]*node.Node
	updated map[node.UID]int
}

func newFakeStore() *fakeStore {
	return &fakeStore{nodes: make(map[node.UID]*node.Node), updated: make(map[node.UID]int)}
}

func (f *fakeStore) put(n *node.Node) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nodes[n.Identifier.NodeUID] = n
}

func (f *fakeStore) ReadNodeForUID(uid node.UID) (*node.Node, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.nodes[uid], nil
}

func (f *fakeStore) UpdateSingleNode(n *node.Node) (*node.Node, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nodes[n.Identifier.NodeUID] = n
	f.updated[n.Identifier.NodeUID]++
	return n, nil
}

func (f *fakeStore) updateCount(uid node.UID) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.updated[uid]
}

func newTestWorker(t *testing.T) (*Worker, *fakeStore, string) {
	t.Helper()
	rootDir := t.TempDir()
	fsys := localfs.New(rootDir)

	db, err := bolt.Open(filepath.Join(t.TempDir(), "meta.db"), 0600, nil)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	alloc, err := uidalloc.New(db)
	require.NoError(t, err)
	meta, err := NewMetaStore(db, alloc)
	require.NoError(t, err)

	store := newFakeStore()
	w := New(store, fsys, meta)
	return w, store, rootDir
}

func TestUT_SC_02_01_ProcessOne_ComputesSignatureAndUpdates(t *testing.T) {
	w, store, rootDir := newTestWorker(t)

	fpath := filepath.Join(rootDir, "a.txt")
	require.NoError(t, os.WriteFile(fpath, []byte("hello world"), 0644))

	n := node.NewLocalFile(1, 100, 1, fpath, "a.txt", 0, time.Now(), time.Now(), time.Now())
	store.put(n)

	require.NoError(t, w.processOne(100))

	got, err := store.ReadNodeForUID(100)
	require.NoError(t, err)
	require.NotZero(t, got.File.ContentMetaUID)
	require.Equal(t, uint64(len("hello world")), got.File.Size)
}

func TestUT_SC_02_02_ProcessOne_MissingFile_SkipsWithoutError(t *testing.T) {
	w, store, rootDir := newTestWorker(t)

	n := node.NewLocalFile(1, 101, 1, filepath.Join(rootDir, "gone.txt"), "gone.txt", 0, time.Now(), time.Now(), time.Now())
	store.put(n)

	require.NoError(t, w.processOne(101))
	require.Equal(t, 0, store.updateCount(101))
}

func TestUT_SC_02_03_ProcessOne_UnknownUID_SkipsWithoutError(t *testing.T) {
	w, _, _ := newTestWorker(t)
	require.NoError(t, w.processOne(999))
}

func TestUT_SC_03_01_SameContentTwice_SharesContentMetaUID(t *testing.T) {
	w, store, rootDir := newTestWorker(t)

	path1 := filepath.Join(rootDir, "x.txt")
	path2 := filepath.Join(rootDir, "y.txt")
	require.NoError(t, os.WriteFile(path1, []byte("same bytes"), 0644))
	require.NoError(t, os.WriteFile(path2, []byte("same bytes"), 0644))

	n1 := node.NewLocalFile(1, 200, 1, path1, "x.txt", 0, time.Now(), time.Now(), time.Now())
	n2 := node.NewLocalFile(1, 201, 1, path2, "y.txt", 0, time.Now(), time.Now(), time.Now())
	store.put(n1)
	store.put(n2)

	require.NoError(t, w.processOne(200))
	require.NoError(t, w.processOne(201))

	got1, _ := store.ReadNodeForUID(200)
	got2, _ := store.ReadNodeForUID(201)
	require.Equal(t, got1.File.ContentMetaUID, got2.File.ContentMetaUID)
}

func TestUT_SC_04_01_Run_DrainsQueueThenReturnsOnStop(t *testing.T) {
	defer leaktest.Check(t)()

	w, store, rootDir := newTestWorker(t)

	for i := 0; i < 5; i++ {
		fpath := filepath.Join(rootDir, "f.txt")
		require.NoError(t, os.WriteFile(fpath, []byte("content"), 0644))
		n := node.NewLocalFile(1, node.UID(300+i), 1, fpath, "f.txt", 0, time.Now(), time.Now(), time.Now())
		store.put(n)
		w.Enqueue(node.UID(300 + i))
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan struct{})
	go func() {
		w.Run(ctx)
		close(done)
	}()

	w.Stop()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("worker did not return after Stop")
	}

	for i := 0; i < 5; i++ {
		require.Equal(t, 1, store.updateCount(node.UID(300+i)))
	}
}
