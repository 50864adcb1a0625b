package sigcalc

import (
	"encoding/json"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"
	bolt "go.etcd.io/bbolt"

	"github.com/outlet-sync/outlet/internal/errors"
	"github.com/outlet-sync/outlet/internal/node"
	"github.com/outlet-sync/outlet/internal/uidalloc"
)

var (
	bucketMetaByUID = []byte("content_meta_by_uid")
	bucketUIDByKey  = []byte("content_meta_uid_by_key")
)

// metaStoreCacheSize bounds the in-memory dedup-key LRU: most of a
// worker's backlog shares content with recently-seen files (edits,
// re-saves, duplicate copies), so a small cache avoids hitting bbolt on
// every batch for the common case.
const metaStoreCacheSize = 4096

// MetaStore deduplicates ContentMeta records by (size, md5, sha256),
// persisting them to bbolt and keeping a bounded LRU of recently-resolved
// dedup keys in memory (spec §4.6: "obtains or creates a ContentMeta").
type MetaStore struct {
	mu    sync.Mutex
	db    *bolt.DB
	alloc *uidalloc.Allocator
	cache *lru.Cache[node.DedupKey, node.UID]
}

// NewMetaStore opens (creating if necessary) the content-meta buckets in db.
func NewMetaStore(db *bolt.DB, alloc *uidalloc.Allocator) (*MetaStore, error) {
	if err := db.Update(func(tx *bolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists(bucketMetaByUID); err != nil {
			return err
		}
		_, err := tx.CreateBucketIfNotExists(bucketUIDByKey)
		return err
	}); err != nil {
		return nil, errors.Wrap(err, "opening content meta buckets")
	}

	c, err := lru.New[node.DedupKey, node.UID](metaStoreCacheSize)
	if err != nil {
		return nil, errors.Wrap(err, "creating content meta LRU")
	}
	return &MetaStore{db: db, alloc: alloc, cache: c}, nil
}

// GetOrCreate resolves the ContentMeta for (size, md5, sha256), creating
// and persisting a new one if this is the first time this content has
// been seen.
func (s *MetaStore) GetOrCreate(size uint64, md5, sha256 string) (*node.ContentMeta, error) {
	key := node.DedupKey{Size: size, MD5: md5, SHA256: sha256}

	s.mu.Lock()
	defer s.mu.Unlock()

	if uid, ok := s.cache.Get(key); ok {
		return s.getByUIDLocked(uid)
	}

	var existingUID node.UID
	err := s.db.View(func(tx *bolt.Tx) error {
		raw := tx.Bucket(bucketUIDByKey).Get([]byte(key.String()))
		if raw != nil {
			var uid uint64
			for i := 0; i < 8 && i < len(raw); i++ {
				uid = uid<<8 | uint64(raw[i])
			}
			existingUID = node.UID(uid)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if existingUID != 0 {
		s.cache.Add(key, existingUID)
		return s.getByUIDLocked(existingUID)
	}

	uid, err := s.alloc.Next()
	if err != nil {
		return nil, err
	}
	meta := &node.ContentMeta{UID: uid, Size: size, MD5: md5, SHA256: sha256}
	if err := s.persistLocked(key, meta); err != nil {
		return nil, err
	}
	s.cache.Add(key, uid)
	return meta, nil
}

func (s *MetaStore) persistLocked(key node.DedupKey, meta *node.ContentMeta) error {
	data, err := json.Marshal(meta)
	if err != nil {
		return err
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		if err := tx.Bucket(bucketMetaByUID).Put(encodeUID(meta.UID), data); err != nil {
			return err
		}
		return tx.Bucket(bucketUIDByKey).Put([]byte(key.String()), encodeUID(meta.UID))
	})
}

func (s *MetaStore) getByUIDLocked(uid node.UID) (*node.ContentMeta, error) {
	var meta *node.ContentMeta
	err := s.db.View(func(tx *bolt.Tx) error {
		raw := tx.Bucket(bucketMetaByUID).Get(encodeUID(uid))
		if raw == nil {
			return errors.ContentMetaNotFound
		}
		meta = &node.ContentMeta{}
		return json.Unmarshal(raw, meta)
	})
	if err != nil {
		return nil, err
	}
	return meta, nil
}

func encodeUID(v node.UID) []byte {
	b := make([]byte, 8)
	for i := 0; i < 8; i++ {
		b[i] = byte(v >> (8 * (7 - i)))
	}
	return b
}
