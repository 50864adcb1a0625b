package identity

import (
	"path/filepath"

	bolt "go.etcd.io/bbolt"

	"github.com/outlet-sync/outlet/internal/node"
	"github.com/outlet-sync/outlet/internal/uidalloc"
)

var (
	bucketPathToUID = []byte("path_to_uid")
	bucketUIDToPath = []byte("uid_to_path")
)

// PathMapper binds normalized absolute local paths to UIDs (spec §3,
// invariant I2: a local node's UID is a pure function of its normalized
// absolute path).
type PathMapper struct {
	*keyMapper
}

// NewPathMapper opens a PathMapper backed by db, sharing alloc with every
// other mapper in the process.
func NewPathMapper(db *bolt.DB, alloc *uidalloc.Allocator) (*PathMapper, error) {
	km, err := newKeyMapper(db, alloc, bucketPathToUID, bucketUIDToPath)
	if err != nil {
		return nil, err
	}
	return &PathMapper{keyMapper: km}, nil
}

// normalize makes path round-trip safe: absolute, cleaned, no trailing
// slash (except for "/" itself).
func normalize(path string) string {
	abs, err := filepath.Abs(path)
	if err != nil {
		abs = filepath.Clean(path)
	}
	return abs
}

// UIDForPath returns the UID bound to path. An unmapped path is bound to
// uidSuggestion when it is non-zero, or to a fresh allocator UID when it
// is zero; a suggestion already bound to another path fails with
// MappingConflict.
func (p *PathMapper) UIDForPath(path string, uidSuggestion node.UID) (node.UID, error) {
	return p.uidFor(normalize(path), uidSuggestion)
}

// PathForUID returns the path bound to uid, if any.
func (p *PathMapper) PathForUID(uid node.UID) (string, bool) {
	return p.keyFor(uid)
}
