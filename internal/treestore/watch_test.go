package treestore

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/fortytw2/leaktest"
	"github.com/stretchr/testify/require"

	"github.com/outlet-sync/outlet/internal/node"
)

func TestUT_TS_11_01_Watcher_PicksUpCreatedFile(t *testing.T) {
	defer leaktest.Check(t)()

	store, rootDir, _ := newTestLocalStore(t)
	store.loaded = true
	rootUID := rootUIDFor(t, store, rootDir)

	_, err := store.GetChildListForSPID(node.SPID{NodeUID: rootUID, Path: rootDir}, nil)
	require.NoError(t, err)

	wt, err := NewWatcher(store)
	require.NoError(t, err)
	done := make(chan struct{})
	go func() {
		wt.Run()
		close(done)
	}()

	require.NoError(t, os.WriteFile(filepath.Join(rootDir, "new.txt"), []byte("hi"), 0644))

	require.Eventually(t, func() bool {
		children, err := store.GetChildListForSPID(node.SPID{NodeUID: rootUID, Path: rootDir}, nil)
		return err == nil && len(children) == 1
	}, 2*time.Second, 20*time.Millisecond)

	require.NoError(t, wt.Stop())
	<-done
}

func TestUT_TS_11_02_Watcher_StopIsIdempotent(t *testing.T) {
	store, _, _ := newTestLocalStore(t)
	store.loaded = true

	wt, err := NewWatcher(store)
	require.NoError(t, err)
	require.NoError(t, wt.Stop())
	require.NoError(t, wt.Stop())
}
