// Package uidalloc implements the process-wide UID allocator: a single
// monotonic source of spec.UID values, persisted across restarts.
//
// This generalizes the teacher's Inode.localID()/randString() scheme
// (internal/fs/inode.go), which mints process-local random string ids for
// not-yet-uploaded files, into the engine's global, strictly increasing,
// crash-persistent UID source required by identity mappers and the node
// tree.
package uidalloc

import (
	"sync"

	bolt "go.etcd.io/bbolt"

	"github.com/outlet-sync/outlet/internal/errors"
	"github.com/outlet-sync/outlet/internal/logging"
	"github.com/outlet-sync/outlet/internal/node"
)

var bucketAllocator = []byte("uid_allocator")
var keyHighWaterMark = []byte("high_water_mark")

// Allocator is a thread-safe, crash-persistent monotonic UID source. One
// Allocator is shared by every identity mapper and device record in the
// process (spec §5, "UID allocator and identity mappers are thread-safe
// singletons").
type Allocator struct {
	mu  sync.Mutex
	db  *bolt.DB
	hwm node.UID
}

// New opens (creating if necessary) the allocator bucket in db and
// restores the persisted high-water mark.
func New(db *bolt.DB) (*Allocator, error) {
	a := &Allocator{db: db}
	err := db.Update(func(tx *bolt.Tx) error {
		b, err := tx.CreateBucketIfNotExists(bucketAllocator)
		if err != nil {
			return err
		}
		if raw := b.Get(keyHighWaterMark); raw != nil {
			a.hwm = node.UID(decodeUint64(raw))
		}
		return nil
	})
	if err != nil {
		return nil, errors.Wrap(err, "opening uid allocator bucket")
	}
	logging.Debug().Uint64("high_water_mark", uint64(a.hwm)).Msg("uid allocator restored")
	return a, nil
}

// Next issues a strictly increasing, non-zero UID. The persisted
// high-water mark is updated atomically before the UID is returned, so a
// crash after Next returns never reissues that UID.
func (a *Allocator) Next() (node.UID, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	candidate := a.hwm + 1
	if err := a.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketAllocator)
		return b.Put(keyHighWaterMark, encodeUint64(uint64(candidate)))
	}); err != nil {
		return 0, errors.Wrap(err, "persisting uid high-water mark")
	}
	a.hwm = candidate
	return candidate, nil
}

// Reserve records that uid has been consumed by a caller who obtained it
// elsewhere (an identity mapper honoring a uid_suggestion), advancing the
// high-water mark if necessary so Next never reissues it.
func (a *Allocator) Reserve(uid node.UID) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if uid <= a.hwm {
		return nil
	}
	if err := a.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketAllocator)
		return b.Put(keyHighWaterMark, encodeUint64(uint64(uid)))
	}); err != nil {
		return errors.Wrap(err, "persisting uid high-water mark")
	}
	a.hwm = uid
	return nil
}

func encodeUint64(v uint64) []byte {
	b := make([]byte, 8)
	for i := 0; i < 8; i++ {
		b[i] = byte(v >> (8 * (7 - i)))
	}
	return b
}

func decodeUint64(b []byte) uint64 {
	var v uint64
	for i := 0; i < 8 && i < len(b); i++ {
		v = v<<8 | uint64(b[i])
	}
	return v
}
