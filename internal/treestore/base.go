// Package treestore implements the per-device TreeStore (spec §4.4): a
// write-through facade over the in-memory tree (internal/memtree) and
// on-disk index (internal/diskindex), executing every mutating call as
// memory-then-disk-then-signal, in that order, with signals published on
// internal/signalbus.
//
// Per spec §9's "Variant nodes / dispatch" design note, TreeStore is a
// trait (the TreeStore interface below) with two implementations,
// LocalTreeStore and RemoteTreeStore, sharing a common base for the
// write-through protocol, BFS/child-list reads, and the
// opgraph.StructureLookup bridge the Op Graph needs.
//
// Grounded on the teacher's internal/fs/cache.go (Filesystem as a
// single-struct facade over its inode map, serializing mutation under
// one mutex before touching bbolt) and
// original_source/outlet/be/tree_store/locald/locald.py +
// original_source/outlet/be/tree_store/gdrive/gdrive.py for the
// load/refresh/rescan algorithm this generalizes.
package treestore

import (
	"sync"

	"github.com/outlet-sync/outlet/internal/diskindex"
	"github.com/outlet-sync/outlet/internal/errors"
	"github.com/outlet-sync/outlet/internal/logging"
	"github.com/outlet-sync/outlet/internal/memtree"
	"github.com/outlet-sync/outlet/internal/node"
	"github.com/outlet-sync/outlet/internal/registry"
	"github.com/outlet-sync/outlet/internal/signalbus"
)

var log = logging.New("treestore")

// TreeStore is the common surface of every per-device cache (spec §4.4's
// operation table, minus the local-only move/rescan operations that only
// make sense for LocalTreeStore).
type TreeStore interface {
	LoadSubtree(spid node.SPID, treeID string) error
	IsCacheLoadedFor(spid node.SPID) bool
	ReadNodeForUID(uid node.UID) (*node.Node, error)
	UpsertSingleNode(n *node.Node) (*node.Node, error)
	UpdateSingleNode(n *node.Node) (*node.Node, error)
	RemoveSingleNode(n *node.Node, toTrash bool) error
	RemoveSubtree(root node.UID, toTrash bool) error
	RefreshSubtree(spid node.SPID, treeID string) error
	GetChildListForSPID(spid node.SPID, filter func(*node.Node) bool) ([]*node.Node, error)
	GetSubtreeBFSNodeList(root node.UID) []*node.Node
	GetAllFilesWithContent(contentUID node.UID, caches []registry.CacheInfo) ([]*node.Node, error)
}

// base holds everything LocalTreeStore and RemoteTreeStore share: the
// in-memory tree, the on-disk index, the signal bus, and the write-op
// serialization lock (spec §5: "write ops serialize: memory mutation,
// disk mutation, signal emission occur in that order").
type base struct {
	mu sync.Mutex

	deviceUID node.UID
	tree      *memtree.Tree
	disk      *diskindex.Index
	bus       *signalbus.Bus

	loaded bool
}

func newBase(deviceUID node.UID, disk *diskindex.Index, bus *signalbus.Bus) *base {
	return &base{
		deviceUID: deviceUID,
		tree:      memtree.New(),
		disk:      disk,
		bus:       bus,
	}
}

// IsCacheLoadedFor reports whether this store's cache has completed its
// initial load (spec §4.4: "True iff the containing cache's is_loaded
// flag is set").
func (b *base) IsCacheLoadedFor(node.SPID) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.loaded
}

// upsertLocked applies a write-through upsert: memory, then disk, then a
// NODE_UPSERTED_IN_CACHE signal, returning the canonical in-tree node
// (which may differ from n when memtree merges with an existing node's
// other parent links).
func (b *base) upsertLocked(n *node.Node) (*node.Node, error) {
	b.tree.Upsert(n)
	canonical, ok := b.tree.GetNodeForUID(n.Identifier.NodeUID)
	if !ok {
		return nil, errors.NodeNotPresent
	}
	if err := b.disk.AppendOps([]*node.Node{canonical}, nil); err != nil {
		return nil, errors.Wrap(err, "persisting upsert")
	}
	b.bus.Publish(signalbus.NodeUpsertedInCache, canonical)
	return canonical, nil
}

// removeLocked applies a write-through remove of a single node (not its
// descendants — callers doing a subtree remove BFS first and call this
// per node, leaves first).
func (b *base) removeLocked(n *node.Node) error {
	b.tree.Remove(n.Identifier.NodeUID)
	if err := b.disk.AppendOps(nil, []node.UID{n.Identifier.NodeUID}); err != nil {
		return errors.Wrap(err, "persisting remove")
	}
	b.bus.Publish(signalbus.NodeRemovedInCache, n)
	return nil
}

// ReadNodeForUID is the read-through lookup: memory first, then disk,
// caching the disk hit back into memory (spec §4.4).
func (b *base) ReadNodeForUID(uid node.UID) (*node.Node, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.readNodeForUIDLocked(uid)
}

func (b *base) readNodeForUIDLocked(uid node.UID) (*node.Node, error) {
	if n, ok := b.tree.GetNodeForUID(uid); ok {
		return n, nil
	}
	n, found, err := b.disk.GetByUID(uid)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, nil
	}
	b.tree.Upsert(n)
	return n, nil
}

// UpdateSingleNode is UpsertSingleNode, but a no-op if the node is
// currently absent from the cache (spec §4.4).
func (b *base) UpdateSingleNode(n *node.Node) (*node.Node, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.tree.GetNodeForUID(n.Identifier.NodeUID); !ok {
		return nil, nil
	}
	return b.upsertLocked(n)
}

// RemoveSubtree BFS-deletes every descendant of root, leaves first, then
// root itself (spec §4.4).
func (b *base) RemoveSubtree(root node.UID, toTrash bool) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	list := b.tree.GetSubtreeBFSList(root)
	for i := len(list) - 1; i >= 0; i-- {
		n := list[i]
		n.TrashStatus = trashStatusFor(toTrash, n.TrashStatus)
		if err := b.removeLocked(n); err != nil {
			return err
		}
	}
	return nil
}

func trashStatusFor(toTrash bool, current node.TrashStatus) node.TrashStatus {
	if !toTrash {
		return current
	}
	if current == node.NotTrashed {
		return node.ExplicitlyTrashed
	}
	return current
}

// GetChildListForSPID returns the in-memory children of spid, applying
// filter if given. Callers whose cache may be stale or unloaded should
// check IsCacheLoadedFor / AllChildrenFetched first; the concrete
// LocalTreeStore/RemoteTreeStore override this to trigger a live scan on
// miss (spec §4.4).
func (b *base) GetChildListForSPID(spid node.SPID, filter func(*node.Node) bool) ([]*node.Node, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	children := b.tree.GetChildListForSPID(spid)
	if filter == nil {
		return children, nil
	}
	out := make([]*node.Node, 0, len(children))
	for _, c := range children {
		if filter(c) {
			out = append(out, c)
		}
	}
	return out, nil
}

// GetSubtreeBFSNodeList returns every node in root's subtree, root
// first, breadth first (spec §4.4 get_subtree_bfs_node_list).
func (b *base) GetSubtreeBFSNodeList(root node.UID) []*node.Node {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.tree.GetSubtreeBFSList(root)
}

// GetAllFilesWithContent enumerates every file node whose content meta
// matches contentUID, in memory plus on disk for any of caches that
// isn't currently loaded (spec §4.4: "memory + on-disk for unloaded
// caches"). caches is the full CacheInfo set the registry knows about
// for this store's device; a loaded cache is skipped since its content
// is already reflected in the in-memory tree.
func (b *base) GetAllFilesWithContent(contentUID node.UID, caches []registry.CacheInfo) ([]*node.Node, error) {
	b.mu.Lock()
	var out []*node.Node
	// The super root has no node of its own, so the walk starts from its
	// children.
	for _, top := range b.tree.GetChildListForSPID(node.SPID{NodeUID: memtree.SuperRootUID}) {
		for _, n := range b.tree.GetSubtreeBFSList(top.Identifier.NodeUID) {
			if n.File != nil && n.File.ContentMetaUID == contentUID {
				out = append(out, n)
			}
		}
	}
	b.mu.Unlock()

	for _, c := range caches {
		if c.IsLoaded {
			continue
		}
		found, err := diskindex.ScanFilesWithContent(c.CacheLocation, contentUID)
		if err != nil {
			return nil, errors.Wrap(err, "scanning unloaded cache for content uid")
		}
		out = append(out, found...)
	}
	return out, nil
}

// ParentsOf and ChildrenOf implement opgraph.StructureLookup, the
// interface the Op Graph uses to resolve ancestor chains for ancestor-
// icon bookkeeping and FINISH_DIR descendant checks (spec §4.7), without
// the opgraph package importing memtree directly.
func (b *base) ParentsOf(target node.Key) []node.Key {
	b.mu.Lock()
	defer b.mu.Unlock()
	parents := b.tree.GetParentList(target.NodeUID)
	out := make([]node.Key, 0, len(parents))
	for _, p := range parents {
		out = append(out, node.Key{DeviceUID: b.deviceUID, NodeUID: p})
	}
	return out
}

func (b *base) ChildrenOf(target node.Key) []node.Key {
	b.mu.Lock()
	defer b.mu.Unlock()
	children := b.tree.GetChildListForSPID(node.SPID{DeviceUID: b.deviceUID, NodeUID: target.NodeUID})
	out := make([]node.Key, 0, len(children))
	for _, c := range children {
		out = append(out, node.Key{DeviceUID: b.deviceUID, NodeUID: c.Identifier.NodeUID})
	}
	return out
}
