package identity

import (
	"path/filepath"
	"testing"

	bolt "go.etcd.io/bbolt"
	"github.com/stretchr/testify/require"

	"github.com/outlet-sync/outlet/internal/errors"
	"github.com/outlet-sync/outlet/internal/uidalloc"
)

func newTestMappers(t *testing.T) (*PathMapper, *RemoteIdMapper) {
	t.Helper()
	db, err := bolt.Open(filepath.Join(t.TempDir(), "identity.db"), 0600, nil)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	alloc, err := uidalloc.New(db)
	require.NoError(t, err)

	pm, err := NewPathMapper(db, alloc)
	require.NoError(t, err)
	rm, err := NewRemoteIdMapper(db, alloc)
	require.NoError(t, err)
	return pm, rm
}

// TestUT_ID_01_01_UIDForPath_RoundTripIsIdempotent is property P2: mapping
// a path to a UID, back to a path, and back to a UID again always lands
// on the same UID.
func TestUT_ID_01_01_UIDForPath_RoundTripIsIdempotent(t *testing.T) {
	pm, _ := newTestMappers(t)

	u1, err := pm.UIDForPath("/tmp/a/b.txt", 0)
	require.NoError(t, err)

	p2, ok := pm.PathForUID(u1)
	require.True(t, ok)

	u3, err := pm.UIDForPath(p2, 0)
	require.NoError(t, err)

	require.Equal(t, u1, u3)
}

// TestUT_ID_01_02_UIDForPath_SamePathReturnsSameUID tests that repeated
// lookups of the same path are stable.
func TestUT_ID_01_02_UIDForPath_SamePathReturnsSameUID(t *testing.T) {
	pm, _ := newTestMappers(t)

	u1, err := pm.UIDForPath("/tmp/x", 0)
	require.NoError(t, err)
	u2, err := pm.UIDForPath("/tmp/x", 0)
	require.NoError(t, err)
	require.Equal(t, u1, u2)
}

// TestUT_ID_01_03_UIDForPath_DifferentPathsGetDifferentUIDs tests uniqueness.
func TestUT_ID_01_03_UIDForPath_DifferentPathsGetDifferentUIDs(t *testing.T) {
	pm, _ := newTestMappers(t)

	u1, err := pm.UIDForPath("/tmp/x", 0)
	require.NoError(t, err)
	u2, err := pm.UIDForPath("/tmp/y", 0)
	require.NoError(t, err)
	require.NotEqual(t, u1, u2)
}

// TestUT_ID_02_01_UIDForPath_HonorsUnclaimedSuggestion tests that a
// caller-supplied uid_suggestion is reserved when the key is unmapped.
func TestUT_ID_02_01_UIDForPath_HonorsUnclaimedSuggestion(t *testing.T) {
	pm, _ := newTestMappers(t)

	uid, err := pm.UIDForPath("/tmp/suggested", 9001)
	require.NoError(t, err)
	require.EqualValues(t, 9001, uid)

	p, ok := pm.PathForUID(9001)
	require.True(t, ok)
	require.Equal(t, filepath.Clean(mustAbs(t, "/tmp/suggested")), p)
}

// TestUT_ID_02_02_UIDForPath_ConflictingSuggestion_ReturnsMappingConflict
// tests that suggesting a UID already bound to a different key fails.
func TestUT_ID_02_02_UIDForPath_ConflictingSuggestion_ReturnsMappingConflict(t *testing.T) {
	pm, _ := newTestMappers(t)

	_, err := pm.UIDForPath("/tmp/first", 42)
	require.NoError(t, err)

	_, err = pm.UIDForPath("/tmp/second", 42)
	require.ErrorIs(t, err, errors.MappingConflict)
}

// TestUT_ID_03_01_RemoteIdMapper_RoundTrip mirrors P2 for remote ids.
func TestUT_ID_03_01_RemoteIdMapper_RoundTrip(t *testing.T) {
	_, rm := newTestMappers(t)

	u1, err := rm.UIDForRemoteID("drive-item-abc123", 0)
	require.NoError(t, err)

	id, ok := rm.RemoteIDForUID(u1)
	require.True(t, ok)
	require.Equal(t, "drive-item-abc123", id)

	u2, err := rm.UIDForRemoteID(id, 0)
	require.NoError(t, err)
	require.Equal(t, u1, u2)
}

// TestUT_ID_03_02_PathMapper_And_RemoteIdMapper_Independent tests that the
// two mappers issue from the same allocator without colliding.
func TestUT_ID_03_02_PathMapper_And_RemoteIdMapper_Independent(t *testing.T) {
	pm, rm := newTestMappers(t)

	pUID, err := pm.UIDForPath("/tmp/shared-name", 0)
	require.NoError(t, err)
	rUID, err := rm.UIDForRemoteID("/tmp/shared-name", 0)
	require.NoError(t, err)
	require.NotEqual(t, pUID, rUID)
}

func mustAbs(t *testing.T, p string) string {
	t.Helper()
	abs, err := filepath.Abs(p)
	require.NoError(t, err)
	return abs
}
