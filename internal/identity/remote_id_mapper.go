package identity

import (
	bolt "go.etcd.io/bbolt"

	"github.com/outlet-sync/outlet/internal/node"
	"github.com/outlet-sync/outlet/internal/uidalloc"
)

var (
	bucketRemoteIDToUID = []byte("remote_id_to_uid")
	bucketUIDToRemoteID = []byte("uid_to_remote_id")
)

// RemoteIdMapper binds a remote backend's object ids to UIDs (spec §3,
// invariant I3: a remote node's UID is a pure function of its remote
// object id).
type RemoteIdMapper struct {
	*keyMapper
}

// NewRemoteIdMapper opens a RemoteIdMapper backed by db, sharing alloc
// with every other mapper in the process.
func NewRemoteIdMapper(db *bolt.DB, alloc *uidalloc.Allocator) (*RemoteIdMapper, error) {
	km, err := newKeyMapper(db, alloc, bucketRemoteIDToUID, bucketUIDToRemoteID)
	if err != nil {
		return nil, err
	}
	return &RemoteIdMapper{keyMapper: km}, nil
}

// UIDForRemoteID returns the UID bound to remoteID. An unmapped id is
// bound to uidSuggestion when it is non-zero, or to a fresh allocator UID
// when it is zero; a suggestion already bound to another id fails with
// MappingConflict.
func (r *RemoteIdMapper) UIDForRemoteID(remoteID string, uidSuggestion node.UID) (node.UID, error) {
	return r.uidFor(remoteID, uidSuggestion)
}

// RemoteIDForUID returns the remote object id bound to uid, if any.
func (r *RemoteIdMapper) RemoteIDForUID(uid node.UID) (string, bool) {
	return r.keyFor(uid)
}
