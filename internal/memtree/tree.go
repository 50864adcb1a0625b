// Package memtree implements the in-memory tier of the three-tier
// TreeStore cache (spec §4.3): a parent-indexed node tree keyed by UID,
// generalizing the teacher's Filesystem.inode-map-plus-children-slice
// design (internal/fs/cache.go's inodes map + Inode.children) into a
// standalone, device-agnostic structure shared by local and remote
// stores.
package memtree

import (
	"sync"

	"github.com/outlet-sync/outlet/internal/errors"
	"github.com/outlet-sync/outlet/internal/node"
)

// SuperRootUID is the synthetic root used by remote stores, whose nodes
// may have zero or several parents: every node with no other parent is
// a child of the super-root (spec §4.3).
const SuperRootUID node.UID = node.SuperRootDeviceUID

// DirStats is the post-order aggregation produced by GenerateDirStats.
type DirStats struct {
	FileCount  int
	DirCount   int
	TotalBytes uint64
}

// Tree is one device's in-memory node tree.
type Tree struct {
	mu sync.RWMutex

	nodes    map[node.UID]*node.Node
	children map[node.UID][]node.UID // parent uid -> ordered child uids

	statsMu    sync.Mutex
	statsCache map[node.UID]map[node.UID]DirStats // root uid -> generated stats
}

// New returns an empty tree.
func New() *Tree {
	return &Tree{
		nodes:    make(map[node.UID]*node.Node),
		children: make(map[node.UID][]node.UID),
	}
}

// GetNodeForUID returns a clone of the node for uid, or (nil, false).
func (t *Tree) GetNodeForUID(uid node.UID) (*node.Node, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	n, ok := t.nodes[uid]
	if !ok {
		return nil, false
	}
	return n.Clone(), true
}

// GetParentList returns the parent UIDs of uid's node, or nil if absent.
func (t *Tree) GetParentList(uid node.UID) []node.UID {
	t.mu.RLock()
	defer t.mu.RUnlock()
	n, ok := t.nodes[uid]
	if !ok {
		return nil
	}
	return append([]node.UID(nil), n.ParentUIDs...)
}

// GetChildListForSPID returns the children of the node identified by
// spid, following whichever parent link corresponds to spid.NodeUID.
func (t *Tree) GetChildListForSPID(spid node.SPID) []*node.Node {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.childListLocked(spid.NodeUID)
}

func (t *Tree) childListLocked(parentUID node.UID) []*node.Node {
	childUIDs := t.children[parentUID]
	out := make([]*node.Node, 0, len(childUIDs))
	for _, uid := range childUIDs {
		if n, ok := t.nodes[uid]; ok {
			out = append(out, n.Clone())
		}
	}
	return out
}

// GetSubtreeBFSList returns every node in rootUID's subtree, root first,
// breadth-first. Snapshots are owned clones, safe to use without holding
// the tree lock (spec design note: "Iterators over live trees").
func (t *Tree) GetSubtreeBFSList(rootUID node.UID) []*node.Node {
	t.mu.RLock()
	defer t.mu.RUnlock()

	if _, ok := t.nodes[rootUID]; !ok {
		return nil
	}

	var out []*node.Node
	queue := []node.UID{rootUID}
	for len(queue) > 0 {
		uid := queue[0]
		queue = queue[1:]
		n, ok := t.nodes[uid]
		if !ok {
			continue
		}
		out = append(out, n.Clone())
		queue = append(queue, t.children[uid]...)
	}
	return out
}

// Upsert inserts or replaces n, relinking the parent->children index for
// every parent in n.ParentUIDs.
func (t *Tree) Upsert(n *node.Node) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.upsertLocked(n)
	t.invalidateStatsLocked()
}

func (t *Tree) upsertLocked(n *node.Node) {
	uid := n.Identifier.NodeUID
	if old, ok := t.nodes[uid]; ok {
		t.unlinkFromParentsLocked(uid, old.ParentUIDs)
	}
	t.nodes[uid] = n.Clone()
	t.linkToParentsLocked(uid, n.ParentUIDs)
}

func (t *Tree) linkToParentsLocked(uid node.UID, parentUIDs []node.UID) {
	parents := parentUIDs
	if len(parents) == 0 {
		parents = []node.UID{SuperRootUID}
	}
	for _, p := range parents {
		if !containsUID(t.children[p], uid) {
			t.children[p] = append(t.children[p], uid)
		}
	}
}

func (t *Tree) unlinkFromParentsLocked(uid node.UID, parentUIDs []node.UID) {
	parents := parentUIDs
	if len(parents) == 0 {
		parents = []node.UID{SuperRootUID}
	}
	for _, p := range parents {
		t.children[p] = removeUID(t.children[p], uid)
	}
}

// Remove deletes uid and its parent-index links, but not its
// descendants; callers needing a subtree delete should BFS first
// (spec §4.4 remove_subtree).
func (t *Tree) Remove(uid node.UID) {
	t.mu.Lock()
	defer t.mu.Unlock()
	n, ok := t.nodes[uid]
	if !ok {
		return
	}
	t.unlinkFromParentsLocked(uid, n.ParentUIDs)
	delete(t.nodes, uid)
	delete(t.children, uid)
	t.invalidateStatsLocked()
}

// ReplaceSubtree atomically substitutes every descendant of rootUID
// with replacement, preserving any phantom (non-live) node whose parent
// remains present in replacement; any phantom whose parent vanished is
// returned as an orphan rather than silently dropped (spec §4.3).
func (t *Tree) ReplaceSubtree(rootUID node.UID, replacement []*node.Node) (orphans []*node.Node) {
	t.mu.Lock()
	defer t.mu.Unlock()

	oldUIDs := t.subtreeUIDsLocked(rootUID)
	phantoms := make(map[node.UID]*node.Node)
	for _, uid := range oldUIDs {
		if uid == rootUID {
			continue
		}
		if n := t.nodes[uid]; n != nil && !n.IsLive {
			phantoms[uid] = n
		}
	}

	for _, uid := range oldUIDs {
		if uid == rootUID {
			continue
		}
		n := t.nodes[uid]
		if n == nil {
			continue
		}
		t.unlinkFromParentsLocked(uid, n.ParentUIDs)
		delete(t.nodes, uid)
		delete(t.children, uid)
	}
	delete(t.children, rootUID)

	replacedUIDs := make(map[node.UID]bool, len(replacement))
	for _, n := range replacement {
		replacedUIDs[n.Identifier.NodeUID] = true
		t.upsertLocked(n)
	}

	for uid, phantom := range phantoms {
		if replacedUIDs[uid] {
			continue
		}
		parentStillPresent := false
		for _, p := range phantom.ParentUIDs {
			if p == rootUID || t.nodes[p] != nil || replacedUIDs[p] {
				parentStillPresent = true
				break
			}
		}
		if parentStillPresent {
			t.upsertLocked(phantom)
		} else {
			orphans = append(orphans, phantom.Clone())
		}
	}

	t.invalidateStatsLocked()
	return orphans
}

func (t *Tree) subtreeUIDsLocked(rootUID node.UID) []node.UID {
	var out []node.UID
	queue := []node.UID{rootUID}
	for len(queue) > 0 {
		uid := queue[0]
		queue = queue[1:]
		out = append(out, uid)
		queue = append(queue, t.children[uid]...)
	}
	return out
}

// GenerateDirStats performs a post-order aggregation of sizes and
// counts under root, memoized until the next mutation invalidates it
// (spec §4.3).
func (t *Tree) GenerateDirStats(root node.UID) (map[node.UID]DirStats, error) {
	t.mu.RLock()
	if _, ok := t.nodes[root]; !ok && root != SuperRootUID {
		t.mu.RUnlock()
		return nil, errors.NodeNotPresent
	}
	t.mu.RUnlock()

	t.statsMu.Lock()
	defer t.statsMu.Unlock()
	if t.statsCache != nil {
		if cached, ok := t.statsCache[root]; ok {
			return cached, nil
		}
	} else {
		t.statsCache = make(map[node.UID]map[node.UID]DirStats)
	}

	t.mu.RLock()
	result := make(map[node.UID]DirStats)
	var walk func(uid node.UID) DirStats
	walk = func(uid node.UID) DirStats {
		var agg DirStats
		for _, childUID := range t.children[uid] {
			child := t.nodes[childUID]
			if child == nil {
				continue
			}
			if child.IsDir() {
				childStats := walk(childUID)
				agg.DirCount += 1 + childStats.DirCount
				agg.FileCount += childStats.FileCount
				agg.TotalBytes += childStats.TotalBytes
			} else {
				agg.FileCount++
				if child.File != nil {
					agg.TotalBytes += child.File.Size
				}
			}
		}
		result[uid] = agg
		return agg
	}
	walk(root)
	t.mu.RUnlock()

	t.statsCache[root] = result
	return result, nil
}

// invalidateStatsLocked must be called with t.mu held for writing.
func (t *Tree) invalidateStatsLocked() {
	t.statsMu.Lock()
	t.statsCache = nil
	t.statsMu.Unlock()
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
