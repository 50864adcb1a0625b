package sigcalc

import (
	"path/filepath"
	"testing"

	bolt "go.etcd.io/bbolt"
	"github.com/stretchr/testify/require"

	"github.com/outlet-sync/outlet/internal/uidalloc"
)

func newTestMetaStore(t *testing.T) *MetaStore {
	t.Helper()
	db, err := bolt.Open(filepath.Join(t.TempDir(), "meta.db"), 0600, nil)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	alloc, err := uidalloc.New(db)
	require.NoError(t, err)

	s, err := NewMetaStore(db, alloc)
	require.NoError(t, err)
	return s
}

func TestUT_SC_01_01_GetOrCreate_SameContentReturnsSameUID(t *testing.T) {
	s := newTestMetaStore(t)

	a, err := s.GetOrCreate(10, "md5a", "sha256a")
	require.NoError(t, err)
	b, err := s.GetOrCreate(10, "md5a", "sha256a")
	require.NoError(t, err)

	require.Equal(t, a.UID, b.UID)
}

func TestUT_SC_01_02_GetOrCreate_DifferentContentGetsDifferentUID(t *testing.T) {
	s := newTestMetaStore(t)

	a, err := s.GetOrCreate(10, "md5a", "sha256a")
	require.NoError(t, err)
	b, err := s.GetOrCreate(11, "md5b", "sha256b")
	require.NoError(t, err)

	require.NotEqual(t, a.UID, b.UID)
}

func TestUT_SC_01_03_GetOrCreate_PersistsAcrossReopen(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "meta.db")
	db1, err := bolt.Open(dbPath, 0600, nil)
	require.NoError(t, err)
	alloc1, err := uidalloc.New(db1)
	require.NoError(t, err)
	s1, err := NewMetaStore(db1, alloc1)
	require.NoError(t, err)

	created, err := s1.GetOrCreate(5, "m", "s")
	require.NoError(t, err)
	require.NoError(t, db1.Close())

	db2, err := bolt.Open(dbPath, 0600, nil)
	require.NoError(t, err)
	defer db2.Close()
	alloc2, err := uidalloc.New(db2)
	require.NoError(t, err)
	s2, err := NewMetaStore(db2, alloc2)
	require.NoError(t, err)

	reopened, err := s2.GetOrCreate(5, "m", "s")
	require.NoError(t, err)
	require.Equal(t, created.UID, reopened.UID)
}
