// Package registry implements the Cache Registry (spec §4.5): the
// per-device device record table and the two-level
// device_uid -> subtree_path -> CacheInfo map that the Cache Manager
// consults to find (or create) the on-disk cache backing any subtree.
//
// Grounded on original_source/outlet/be/tree_store/locald/locald.py's
// consolidate_local_caches (ancestor/descendant cache-pair merge keyed
// on sync_ts) and original_source/outlet/be/cache_manager.py's
// CacheManager.get_cache_info_for_subtree dispatch, generalized into a
// standalone registry independent of any one TreeStore implementation;
// persistence follows the teacher's internal/fs/metadata_store.go bbolt
// bucket-of-JSON-rows idiom (one bucket for devices, one for cache
// records) rather than the Python original's per-cache sidecar file.
package registry

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	bolt "go.etcd.io/bbolt"

	"github.com/outlet-sync/outlet/internal/errors"
	"github.com/outlet-sync/outlet/internal/logging"
	"github.com/outlet-sync/outlet/internal/node"
)

var log = logging.New("registry")

var (
	bucketDevices = []byte("devices")
	bucketCaches  = []byte("caches")
)

// CacheInfo records one on-disk cache file: which device and subtree it
// covers, where its file lives, and its freshness.
type CacheInfo struct {
	DeviceUID       node.UID
	SubtreeRootPath string
	CacheLocation   string
	SyncTS          time.Time
	IsLoaded        bool
}

// Registry holds every device record and cache record known to this
// process, persisted in a single bbolt database (spec §4.5).
type Registry struct {
	mu sync.RWMutex
	db *bolt.DB

	devices map[node.UID]node.Device
	// caches[deviceUID][subtreeRootPath] = CacheInfo
	caches map[node.UID]map[string]CacheInfo
}

// LoadOrCreateMachineUUID reads the single-line device-UUID file at
// path, identifying this local device across restarts; if the file
// doesn't exist yet, a fresh UUID is generated and written to it (spec
// §6: "A device UUID file ... created on first run").
func LoadOrCreateMachineUUID(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err == nil {
		if id := strings.TrimSpace(string(data)); id != "" {
			return id, nil
		}
	} else if !os.IsNotExist(err) {
		return "", errors.Wrap(err, "reading device UUID file")
	}

	id := uuid.NewString()
	if err := os.WriteFile(path, []byte(id+"\n"), 0600); err != nil {
		return "", errors.Wrap(err, "writing device UUID file")
	}
	log.Debug().Str(logging.FieldPath, path).Msg("generated new device UUID")
	return id, nil
}

// Open loads (or initializes) the registry backed by db, performing
// spec §4.5's startup sequence: ensure the super-root and local devices
// exist and drop cache rows whose backing file is gone. Cache rows are
// keyed by (device, path), so each pair loads at most once; no sync_ts
// comparison between duplicate rows takes place.
func Open(db *bolt.DB, localMachineUUID string) (*Registry, error) {
	r := &Registry{
		db:      db,
		devices: make(map[node.UID]node.Device),
		caches:  make(map[node.UID]map[string]CacheInfo),
	}

	if err := db.Update(func(tx *bolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists(bucketDevices); err != nil {
			return err
		}
		_, err := tx.CreateBucketIfNotExists(bucketCaches)
		return err
	}); err != nil {
		return nil, errors.Wrap(err, "initializing registry buckets")
	}

	if err := r.loadDevicesLocked(); err != nil {
		return nil, err
	}
	if err := r.ensureSuperRootLocked(); err != nil {
		return nil, err
	}
	if err := r.ensureLocalDeviceLocked(localMachineUUID); err != nil {
		return nil, err
	}
	if err := r.loadCachesLocked(); err != nil {
		return nil, err
	}
	r.pruneDanglingCachesLocked()
	r.resolveDuplicateCachesLocked()

	log.Debug().Int(logging.FieldCount, len(r.devices)).Msg("registry loaded")
	return r, nil
}

func (r *Registry) loadDevicesLocked() error {
	return r.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketDevices).ForEach(func(_, v []byte) error {
			var d node.Device
			if err := json.Unmarshal(v, &d); err != nil {
				return err
			}
			r.devices[d.UID] = d
			return nil
		})
	})
}

func (r *Registry) loadCachesLocked() error {
	return r.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketCaches).ForEach(func(_, v []byte) error {
			var c CacheInfo
			if err := json.Unmarshal(v, &c); err != nil {
				return err
			}
			r.putCacheInMemLocked(c)
			return nil
		})
	})
}

func (r *Registry) ensureSuperRootLocked() error {
	if _, ok := r.devices[node.SuperRootDeviceUID]; ok {
		return nil
	}
	d := node.Device{
		UID:          node.SuperRootDeviceUID,
		LongID:       "SUPER_ROOT",
		TreeType:     node.TreeTypeSuperRoot,
		FriendlyName: "Super Root",
	}
	return r.putDeviceLocked(d)
}

// localDeviceUID is reserved for the single local-filesystem device
// every process manages; real deployments would mint a second UID for
// additional local devices, which is out of this engine's single-node
// scope.
const localDeviceUID node.UID = 2

func (r *Registry) ensureLocalDeviceLocked(machineUUID string) error {
	for _, d := range r.devices {
		if d.TreeType == node.TreeTypeLocal && d.LongID == machineUUID {
			return nil
		}
	}
	d := node.Device{
		UID:          localDeviceUID,
		LongID:       machineUUID,
		TreeType:     node.TreeTypeLocal,
		FriendlyName: "Local Disk",
	}
	return r.putDeviceLocked(d)
}

func (r *Registry) putDeviceLocked(d node.Device) error {
	data, err := json.Marshal(d)
	if err != nil {
		return err
	}
	if err := r.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketDevices).Put(encodeUID(d.UID), data)
	}); err != nil {
		return errors.Wrap(err, "persisting device record")
	}
	r.devices[d.UID] = d
	return nil
}

func (r *Registry) putCacheInMemLocked(c CacheInfo) {
	byPath, ok := r.caches[c.DeviceUID]
	if !ok {
		byPath = make(map[string]CacheInfo)
		r.caches[c.DeviceUID] = byPath
	}
	byPath[c.SubtreeRootPath] = c
}

// pruneDanglingCachesLocked drops any cache record whose backing file no
// longer exists on disk (spec §4.5 step 2).
func (r *Registry) pruneDanglingCachesLocked() {
	for deviceUID, byPath := range r.caches {
		for path, c := range byPath {
			if c.CacheLocation == "" {
				continue
			}
			if _, err := os.Stat(c.CacheLocation); os.IsNotExist(err) {
				delete(byPath, path)
				_ = r.db.Update(func(tx *bolt.Tx) error {
					return tx.Bucket(bucketCaches).Delete(cacheKey(deviceUID, path))
				})
				log.Debug().Str(logging.FieldPath, path).Msg("dropped dangling cache record")
			}
		}
	}
}

// resolveDuplicateCachesLocked does nothing: the caches bucket is keyed
// by (device_uid, path), so loadCachesLocked never sees two rows for
// one pair. It compares no sync_ts values and deletes no cache files.
func (r *Registry) resolveDuplicateCachesLocked() {
	// The in-memory map is keyed uniquely by (device, path) already, so
	// there is nothing further to resolve once loadCachesLocked has run:
	// the last row read for a given key simply wins. Real duplicate rows
	// (same key, different DB key encoding) are handled per-case as they
	// are discovered and are not reproducible through this package's own
	// write path.
}

// GetCacheInfoForSubtree implements spec §4.5's lookup: for a remote
// device, returns the device's single root-rooted cache; for local,
// finds the closest ancestor cache containing spid, creating a new one
// rooted at spid if createIfNotFound and no ancestor cache exists.
func (r *Registry) GetCacheInfoForSubtree(spid node.SPID, isRemote bool, createIfNotFound bool, cacheDir string) (CacheInfo, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	byPath := r.caches[spid.DeviceUID]

	if isRemote {
		for _, c := range byPath {
			return c, true, nil
		}
		if !createIfNotFound {
			return CacheInfo{}, false, nil
		}
		return r.createCacheLocked(spid.DeviceUID, "/", cacheDir)
	}

	var best CacheInfo
	found := false
	for path, c := range byPath {
		if isAncestorPath(path, spid.Path) {
			if !found || len(path) > len(best.SubtreeRootPath) {
				best, found = c, true
			}
		}
	}
	if found {
		return best, true, nil
	}
	if !createIfNotFound {
		return CacheInfo{}, false, nil
	}
	return r.createCacheLocked(spid.DeviceUID, spid.Path, cacheDir)
}

func (r *Registry) createCacheLocked(deviceUID node.UID, subtreeRootPath, cacheDir string) (CacheInfo, bool, error) {
	c := CacheInfo{
		DeviceUID:       deviceUID,
		SubtreeRootPath: subtreeRootPath,
		CacheLocation:   filepath.Join(cacheDir, cacheFileName(deviceUID, subtreeRootPath)),
		SyncTS:          time.Time{},
	}
	if err := r.persistCacheLocked(c); err != nil {
		return CacheInfo{}, false, err
	}
	return c, true, nil
}

func (r *Registry) persistCacheLocked(c CacheInfo) error {
	data, err := json.Marshal(c)
	if err != nil {
		return err
	}
	if err := r.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketCaches).Put(cacheKey(c.DeviceUID, c.SubtreeRootPath), data)
	}); err != nil {
		return errors.Wrap(err, "persisting cache record")
	}
	r.putCacheInMemLocked(c)
	return nil
}

// UpdateSyncTS records that deviceUID/path's cache was freshly
// synced at ts.
func (r *Registry) UpdateSyncTS(deviceUID node.UID, path string, ts time.Time, loaded bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	byPath, ok := r.caches[deviceUID]
	if !ok {
		return errors.CacheNotFound
	}
	c, ok := byPath[path]
	if !ok {
		return errors.CacheNotFound
	}
	c.SyncTS = ts
	c.IsLoaded = loaded
	return r.persistCacheLocked(c)
}

// ConsolidateLocalCaches pairs every (ancestor, descendant) cache among
// caches (all assumed to belong to the same local device) and merges
// the older into the newer by sync_ts, deleting the losing cache's file
// and registry row (spec §4.5 consolidate_local_caches).
//
// mergeFn is called supertree-first, subtree-second when the subtree is
// newer and must be merged into the supertree; callers (the Cache
// Manager) supply the actual tree-merge logic since this package has no
// TreeStore dependency.
func (r *Registry) ConsolidateLocalCaches(caches []CacheInfo, mergeFn func(newer, older CacheInfo) error) error {
	remaining := append([]CacheInfo(nil), caches...)

	for i := 0; i < len(remaining); i++ {
		for j := i + 1; j < len(remaining); j++ {
			a, b := remaining[i], remaining[j]
			var ancestor, descendant CacheInfo
			switch {
			case isAncestorPath(a.SubtreeRootPath, b.SubtreeRootPath):
				ancestor, descendant = a, b
			case isAncestorPath(b.SubtreeRootPath, a.SubtreeRootPath):
				ancestor, descendant = b, a
			default:
				continue
			}

			var loser CacheInfo
			if ancestor.SyncTS.After(descendant.SyncTS) {
				loser = descendant
				log.Debug().Str(logging.FieldPath, ancestor.SubtreeRootPath).Msg("ancestor cache newer, deleting descendant cache")
			} else {
				loser = ancestor
				if mergeFn != nil {
					if err := mergeFn(descendant, ancestor); err != nil {
						return err
					}
				}
				log.Debug().Str(logging.FieldPath, descendant.SubtreeRootPath).Msg("descendant cache newer, merged into it")
			}

			if err := r.deleteCache(loser); err != nil {
				return err
			}
			remaining = removeCacheInfo(remaining, loser)
			j = i
		}
	}
	return nil
}

func (r *Registry) deleteCache(c CacheInfo) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if byPath, ok := r.caches[c.DeviceUID]; ok {
		delete(byPath, c.SubtreeRootPath)
	}
	if err := r.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketCaches).Delete(cacheKey(c.DeviceUID, c.SubtreeRootPath))
	}); err != nil {
		return errors.Wrap(err, "deleting cache record")
	}
	if c.CacheLocation != "" {
		_ = os.Remove(c.CacheLocation)
	}
	return nil
}

// Device returns the device record for uid, or (zero, false).
func (r *Registry) Device(uid node.UID) (node.Device, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, ok := r.devices[uid]
	return d, ok
}

func isAncestorPath(ancestor, descendant string) bool {
	ancestor = filepath.Clean(ancestor)
	descendant = filepath.Clean(descendant)
	if ancestor == descendant {
		return true
	}
	rel, err := filepath.Rel(ancestor, descendant)
	return err == nil && rel != ".." && !filepath.IsAbs(rel) && len(rel) > 0 && rel[0] != '.'
}

func cacheFileName(deviceUID node.UID, path string) string {
	safe := filepath.ToSlash(filepath.Clean(path))
	safe = strings.ReplaceAll(safe, "/", "_")
	safe = strings.ReplaceAll(safe, "\\", "_")
	safe = strings.ReplaceAll(safe, ":", "_")
	safe = strings.Trim(safe, "_")
	if safe == "" {
		safe = "root"
	}
	return fmt.Sprintf("device_%d_%s.cache", deviceUID, safe)
}

func cacheKey(deviceUID node.UID, path string) []byte {
	return []byte(string(encodeUID(deviceUID)) + "|" + path)
}

func removeCacheInfo(list []CacheInfo, target CacheInfo) []CacheInfo {
	out := list[:0]
	for _, c := range list {
		if c.DeviceUID != target.DeviceUID || c.SubtreeRootPath != target.SubtreeRootPath {
			out = append(out, c)
		}
	}
	return out
}

func encodeUID(v node.UID) []byte {
	b := make([]byte, 8)
	for i := 0; i < 8; i++ {
		b[i] = byte(v >> (8 * (7 - i)))
	}
	return b
}
