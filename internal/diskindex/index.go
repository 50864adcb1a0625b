// Package diskindex implements the on-disk tier of the three-tier
// TreeStore cache (spec §4.2): a per-cache, row-oriented, journaled
// bbolt store holding every node of one subtree.
//
// This generalizes the teacher's internal/fs/metadata_store.go (one
// bbolt database per Filesystem, one bucket of JSON-serialized entries
// keyed by item id) to one bbolt database per cache, keyed by node UID,
// with a parent->children secondary index maintained in the same
// transaction as every node write so get_children never needs a full
// bucket scan.
package diskindex

import (
	"encoding/json"
	"time"

	bolt "go.etcd.io/bbolt"
	"go.uber.org/multierr"

	"github.com/outlet-sync/outlet/internal/errors"
	"github.com/outlet-sync/outlet/internal/logging"
	"github.com/outlet-sync/outlet/internal/node"
)

var log = logging.New("diskindex")

var (
	bucketHeader   = []byte("header")
	bucketNodes    = []byte("nodes")
	bucketChildren = []byte("children") // parent_uid -> json []uint64

	keyDeviceUID  = []byte("device_uid")
	keySubtreeRoot = []byte("subtree_root_path")
	keyLastSyncTS = []byte("last_sync_ts")
	keySchema     = []byte("schema")
	keyIsComplete = []byte("is_complete")
)

// schemaVersion is bumped whenever the row encoding changes shape.
const schemaVersion = 1

// Header describes a cache file: which device it belongs to, the subtree
// root it was loaded from, and its freshness.
type Header struct {
	DeviceUID       node.UID
	SubtreeRootPath string
	LastSyncTS      time.Time
	Schema          int
	// IsComplete is cleared before a write begins and set once the write
	// commits, so a reader can tell a crash-interrupted cache file from a
	// sound one (spec §4.2: "crash mid-write leaves either the old or
	// new state -- never a torn row").
IsComplete bool
}

// Index is one cache file: the on-disk tier for one subtree of one
// device.
type Index struct {
	db *bolt.DB
}

// Open opens (creating if necessary) the cache file at path.
func Open(path string, deviceUID node.UID, subtreeRootPath string) (*Index, error) {
	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, errors.Wrap(err, "opening cache file")
	}
	idx := &Index{db: db}

	err = db.Update(func(tx *bolt.Tx) error {
		hb, err := tx.CreateBucketIfNotExists(bucketHeader)
		if err != nil {
			return err
		}
		if _, err := tx.CreateBucketIfNotExists(bucketNodes); err != nil {
			return err
		}
		if _, err := tx.CreateBucketIfNotExists(bucketChildren); err != nil {
			return err
		}
		if hb.Get(keyDeviceUID) == nil {
			if err := writeHeaderLocked(hb, Header{
				DeviceUID:       deviceUID,
				SubtreeRootPath: subtreeRootPath,
				Schema:          schemaVersion,
				IsComplete:      true,
			}); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, errors.Wrap(err, "initializing cache file")
	}
	log.Debug().Str(logging.FieldPath, path).Msg("opened cache file")
	return idx, nil
}

// Close releases the underlying bbolt handle.
func (idx *Index) Close() error { return idx.db.Close() }

// Header returns the cache file's header row.
func (idx *Index) Header() (Header, error) {
	var h Header
	err := idx.db.View(func(tx *bolt.Tx) error {
		h = readHeaderLocked(tx.Bucket(bucketHeader))
		return nil
	})
	return h, err
}

// row is the persisted JSON shape of one node, matching the node
// variants of spec §3 (flattened: the node.Node tagged union serializes
// directly since File/Dir are already mutually exclusive pointers).
type row struct {
	Node *node.Node
}

// LoadSubtree reads every node row, returning them in no particular
// order; callers (memtree.Tree.ReplaceSubtree) are responsible for
// assembling parent/child structure.
func (idx *Index) LoadSubtree() ([]*node.Node, error) {
	var out []*node.Node
	err := idx.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketNodes)
		return b.ForEach(func(_, v []byte) error {
			var r row
			if err := json.Unmarshal(v, &r); err != nil {
				return err
			}
			out = append(out, r.Node)
			return nil
		})
	})
	if err != nil {
		return nil, errors.Wrap(err, "loading subtree from cache file")
	}
	return out, nil
}

// ScanFilesWithContent opens the cache file at path read-only and
// returns every file node whose content meta matches contentUID,
// without loading the rest of the subtree into memory. This is the
// on-disk half of get_all_files_with_content (spec §4.4): a cache that
// hasn't been loaded into a TreeStore's in-memory tree yet is still
// searchable this way.
func ScanFilesWithContent(path string, contentUID node.UID) ([]*node.Node, error) {
	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: 5 * time.Second, ReadOnly: true})
	if err != nil {
		return nil, errors.Wrap(err, "opening cache file for content scan")
	}
	defer db.Close()

	var out []*node.Node
	err = db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketNodes)
		if b == nil {
			return nil
		}
		return b.ForEach(func(_, v []byte) error {
			var r row
			if err := json.Unmarshal(v, &r); err != nil {
				return err
			}
			if r.Node.File != nil && r.Node.File.ContentMetaUID == contentUID {
				out = append(out, r.Node)
			}
			return nil
		})
	})
	if err != nil {
		return nil, errors.Wrap(err, "scanning cache file for content uid")
	}
	return out, nil
}

// GetByUID fetches a single node row, or (nil, false) if absent.
func (idx *Index) GetByUID(uid node.UID) (*node.Node, bool, error) {
	var n *node.Node
	var found bool
	err := idx.db.View(func(tx *bolt.Tx) error {
		raw := tx.Bucket(bucketNodes).Get(encodeUID(uid))
		if raw == nil {
			return nil
		}
		var r row
		if err := json.Unmarshal(raw, &r); err != nil {
			return err
		}
		n, found = r.Node, true
		return nil
	})
	return n, found, err
}

// GetChildren fetches every node whose parent_uid is parentUID, via the
// children secondary index.
func (idx *Index) GetChildren(parentUID node.UID) ([]*node.Node, error) {
	var uids []node.UID
	err := idx.db.View(func(tx *bolt.Tx) error {
		raw := tx.Bucket(bucketChildren).Get(encodeUID(parentUID))
		if raw == nil {
			return nil
		}
		return json.Unmarshal(raw, &uids)
	})
	if err != nil {
		return nil, errors.Wrap(err, "reading children index")
	}

	out := make([]*node.Node, 0, len(uids))
	for _, uid := range uids {
		n, found, err := idx.GetByUID(uid)
		if err != nil {
			return nil, err
		}
		if found {
			out = append(out, n)
		}
	}
	return out, nil
}

// AppendOps journals a batch of upserts and removes in a single bbolt
// transaction: the is_complete bit is cleared before any row is touched
// and set again only after every row and every children-index update has
// committed, so a crash mid-write leaves the prior, complete state
// intact on reload (spec §4.2, §4.4 write-op execution protocol).
func (idx *Index) AppendOps(upserts []*node.Node, removes []node.UID) error {
	return idx.db.Update(func(tx *bolt.Tx) error {
		hb := tx.Bucket(bucketHeader)
		h := readHeaderLocked(hb)
		h.IsComplete = false
		if err := writeHeaderLocked(hb, h); err != nil {
			return err
		}

		nb := tx.Bucket(bucketNodes)
		cb := tx.Bucket(bucketChildren)

		for _, n := range upserts {
			if err := putNodeLocked(nb, n); err != nil {
				return err
			}
			if err := addToChildrenIndexLocked(cb, n); err != nil {
				return err
			}
		}
		for _, uid := range removes {
			removed, found, err := getNodeLocked(nb, uid)
			if err != nil {
				return err
			}
			if err := nb.Delete(encodeUID(uid)); err != nil {
				return err
			}
			if found {
				if err := removeFromChildrenIndexLocked(cb, removed); err != nil {
					return err
				}
			}
		}

		h.IsComplete = true
		if err := writeHeaderLocked(hb, h); err != nil {
			return err
		}
		log.Debug().Int(logging.FieldCount, len(upserts)+len(removes)).Msg("appended ops to cache file")
		return nil
	})
}

// SaveSubtree overwrites the entire node set with files and dirs,
// bumping last_sync_ts. Used after a full rescan/refresh.
func (idx *Index) SaveSubtree(files, dirs []*node.Node) error {
	return idx.db.Update(func(tx *bolt.Tx) error {
		hb := tx.Bucket(bucketHeader)
		h := readHeaderLocked(hb)
		h.IsComplete = false
		if err := writeHeaderLocked(hb, h); err != nil {
			return err
		}

		if err := tx.DeleteBucket(bucketNodes); err != nil && err != bolt.ErrBucketNotFound {
			return err
		}
		nb, err := tx.CreateBucket(bucketNodes)
		if err != nil {
			return err
		}
		if err := tx.DeleteBucket(bucketChildren); err != nil && err != bolt.ErrBucketNotFound {
			return err
		}
		cb, err := tx.CreateBucket(bucketChildren)
		if err != nil {
			return err
		}

		var errs error
		all := append(append([]*node.Node{}, dirs...), files...)
		for _, n := range all {
			if err := putNodeLocked(nb, n); err != nil {
				errs = multierr.Append(errs, err)
				continue
			}
			if err := addToChildrenIndexLocked(cb, n); err != nil {
				errs = multierr.Append(errs, err)
			}
		}
		if errs != nil {
			return errs
		}

		h.IsComplete = true
		h.LastSyncTS = nowFunc()
		if err := writeHeaderLocked(hb, h); err != nil {
			return err
		}
		log.Debug().Int(logging.FieldCount, len(all)).Msg("saved subtree to cache file")
		return nil
	})
}

// nowFunc is indirected so tests can pin the sync timestamp if needed.
var nowFunc = time.Now

func putNodeLocked(nb *bolt.Bucket, n *node.Node) error {
	data, err := json.Marshal(row{Node: n})
	if err != nil {
		return err
	}
	return nb.Put(encodeUID(n.Identifier.NodeUID), data)
}

func getNodeLocked(nb *bolt.Bucket, uid node.UID) (*node.Node, bool, error) {
	raw := nb.Get(encodeUID(uid))
	if raw == nil {
		return nil, false, nil
	}
	var r row
	if err := json.Unmarshal(raw, &r); err != nil {
		return nil, false, err
	}
	return r.Node, true, nil
}

func addToChildrenIndexLocked(cb *bolt.Bucket, n *node.Node) error {
	for _, parentUID := range n.ParentUIDs {
		if parentUID == 0 {
			continue
		}
		uids, err := readChildrenLocked(cb, parentUID)
		if err != nil {
			return err
		}
		if containsUID(uids, n.Identifier.NodeUID) {
			continue
		}
		uids = append(uids, n.Identifier.NodeUID)
		if err := writeChildrenLocked(cb, parentUID, uids); err != nil {
			return err
		}
	}
	return nil
}

func removeFromChildrenIndexLocked(cb *bolt.Bucket, n *node.Node) error {
	for _, parentUID := range n.ParentUIDs {
		if parentUID == 0 {
			continue
		}
		uids, err := readChildrenLocked(cb, parentUID)
		if err != nil {
			return err
		}
		uids = removeUID(uids, n.Identifier.NodeUID)
		if err := writeChildrenLocked(cb, parentUID, uids); err != nil {
			return err
		}
	}
	return nil
}

func readChildrenLocked(cb *bolt.Bucket, parentUID node.UID) ([]node.UID, error) {
	raw := cb.Get(encodeUID(parentUID))
	if raw == nil {
		return nil, nil
	}
	var uids []node.UID
	if err := json.Unmarshal(raw, &uids); err != nil {
		return nil, err
	}
	return uids, nil
}

func writeChildrenLocked(cb *bolt.Bucket, parentUID node.UID, uids []node.UID) error {
	data, err := json.Marshal(uids)
	if err != nil {
		return err
	}
	return cb.Put(encodeUID(parentUID), data)
}

func containsUID(list []node.UID, uid node.UID) bool {
	for _, u := range list {
		if u == uid {
			return true
		}
	}
	return false
}

func removeUID(list []node.UID, uid node.UID) []node.UID {
	out := list[:0]
	for _, u := range list {
		if u != uid {
			out = append(out, u)
		}
	}
	return out
}

func writeHeaderLocked(hb *bolt.Bucket, h Header) error {
	if err := hb.Put(keyDeviceUID, encodeUID(h.DeviceUID)); err != nil {
		return err
	}
	if err := hb.Put(keySubtreeRoot, []byte(h.SubtreeRootPath)); err != nil {
		return err
	}
	tsBytes, err := h.LastSyncTS.MarshalBinary()
	if err != nil {
		return err
	}
	if err := hb.Put(keyLastSyncTS, tsBytes); err != nil {
		return err
	}
	if err := hb.Put(keySchema, encodeUID(node.UID(h.Schema))); err != nil {
		return err
	}
	complete := byte(0)
	if h.IsComplete {
		complete = 1
	}
	return hb.Put(keyIsComplete, []byte{complete})
}

func readHeaderLocked(hb *bolt.Bucket) Header {
	var h Header
	h.DeviceUID = decodeUID(hb.Get(keyDeviceUID))
	if raw := hb.Get(keySubtreeRoot); raw != nil {
		h.SubtreeRootPath = string(raw)
	}
	if raw := hb.Get(keyLastSyncTS); raw != nil {
		_ = h.LastSyncTS.UnmarshalBinary(raw)
	}
	h.Schema = int(decodeUID(hb.Get(keySchema)))
	if raw := hb.Get(keyIsComplete); len(raw) == 1 {
		h.IsComplete = raw[0] == 1
	}
	return h
}

func encodeUID(v node.UID) []byte {
	b := make([]byte, 8)
	for i := 0; i < 8; i++ {
		b[i] = byte(v >> (8 * (7 - i)))
	}
	return b
}

func decodeUID(b []byte) node.UID {
	var v uint64
	for i := 0; i < 8 && i < len(b); i++ {
		v = v<<8 | uint64(b[i])
	}
	return node.UID(v)
}

