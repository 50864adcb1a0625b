// Package identity implements the two bidirectional identity mappers
// named in spec §4.1: PathMapper (local path <-> UID) and RemoteIdMapper
// (remote object id <-> UID). Both are persisted to small bbolt tables
// and share the same lookup/reservation semantics, generalizing the
// bucket-per-mapping idiom the teacher uses throughout
// internal/fs/metadata_store.go.
package identity

import (
	"sync"

	bolt "go.etcd.io/bbolt"

	"github.com/outlet-sync/outlet/internal/errors"
	"github.com/outlet-sync/outlet/internal/node"
	"github.com/outlet-sync/outlet/internal/uidalloc"
)

// keyMapper is the shared bidirectional key<->UID mapping engine. It is
// not exported: PathMapper and RemoteIdMapper wrap it with domain-typed
// method names so call sites never confuse a path key with a remote id.
type keyMapper struct {
	mu            sync.RWMutex
	db            *bolt.DB
	alloc         *uidalloc.Allocator
	forwardBucket []byte // key -> uid
	reverseBucket []byte // uid -> key
}

func newKeyMapper(db *bolt.DB, alloc *uidalloc.Allocator, forward, reverse []byte) (*keyMapper, error) {
	m := &keyMapper{db: db, alloc: alloc, forwardBucket: forward, reverseBucket: reverse}
	err := db.Update(func(tx *bolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists(forward); err != nil {
			return err
		}
		_, err := tx.CreateBucketIfNotExists(reverse)
		return err
	})
	if err != nil {
		return nil, errors.Wrap(err, "opening identity mapper buckets")
	}
	return m, nil
}

// uidFor returns the UID bound to key. If key is not yet mapped it binds
// suggestion (if non-zero) or a fresh allocator UID; a suggestion already
// bound to a different key fails with MappingConflict.
func (m *keyMapper) uidFor(key string, suggestion node.UID) (node.UID, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var existing node.UID
	err := m.db.View(func(tx *bolt.Tx) error {
		raw := tx.Bucket(m.forwardBucket).Get([]byte(key))
		if raw != nil {
			existing = node.UID(decodeUint64(raw))
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	if existing != 0 {
		return existing, nil
	}

	var uid node.UID
	if suggestion != 0 {
		if err := m.checkUnclaimed(suggestion, key); err != nil {
			return 0, err
		}
		if err := m.alloc.Reserve(suggestion); err != nil {
			return 0, err
		}
		uid = suggestion
	} else {
		var err error
		uid, err = m.alloc.Next()
		if err != nil {
			return 0, err
		}
	}

	return uid, m.bind(key, uid)
}

// checkUnclaimed fails with MappingConflict if suggestion is already
// bound to a different key than the one the caller is about to bind.
func (m *keyMapper) checkUnclaimed(suggestion node.UID, key string) error {
	return m.db.View(func(tx *bolt.Tx) error {
		raw := tx.Bucket(m.reverseBucket).Get(encodeUint64(uint64(suggestion)))
		if raw != nil && string(raw) != key {
			return errors.MappingConflict
		}
		return nil
	})
}

func (m *keyMapper) bind(key string, uid node.UID) error {
	return m.db.Update(func(tx *bolt.Tx) error {
		if err := tx.Bucket(m.forwardBucket).Put([]byte(key), encodeUint64(uint64(uid))); err != nil {
			return err
		}
		return tx.Bucket(m.reverseBucket).Put(encodeUint64(uint64(uid)), []byte(key))
	})
}

// keyFor returns the key bound to uid, or ("", false) if unmapped.
func (m *keyMapper) keyFor(uid node.UID) (string, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var key string
	var found bool
	_ = m.db.View(func(tx *bolt.Tx) error {
		raw := tx.Bucket(m.reverseBucket).Get(encodeUint64(uint64(uid)))
		if raw != nil {
			key = string(raw)
			found = true
		}
		return nil
	})
	return key, found
}

// Bind explicitly binds key to a caller-known UID (e.g. restoring a
// mapping read from a cache index row during load). It fails with
// MappingConflict if key or uid is already bound to something else.
func (m *keyMapper) Bind(key string, uid node.UID) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.checkUnclaimed(uid, key); err != nil {
		return err
	}
	var existingUID node.UID
	_ = m.db.View(func(tx *bolt.Tx) error {
		raw := tx.Bucket(m.forwardBucket).Get([]byte(key))
		if raw != nil {
			existingUID = node.UID(decodeUint64(raw))
		}
		return nil
	})
	if existingUID != 0 && existingUID != uid {
		return errors.MappingConflict
	}
	if err := m.alloc.Reserve(uid); err != nil {
		return err
	}
	return m.bind(key, uid)
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
