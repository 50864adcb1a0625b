package treestore

import (
	"context"
	"io/fs"
	"path/filepath"
	"strings"

	"github.com/outlet-sync/outlet/internal/diskindex"
	"github.com/outlet-sync/outlet/internal/errors"
	"github.com/outlet-sync/outlet/internal/identity"
	"github.com/outlet-sync/outlet/internal/localfs"
	"github.com/outlet-sync/outlet/internal/node"
	"github.com/outlet-sync/outlet/internal/retry"
	"github.com/outlet-sync/outlet/internal/signalbus"
)

// LocalTreeStore is the local-backend TreeStore: nodes are constructed
// by statting paths under a single root via internal/localfs, and a
// node's UID is a pure function of its normalized absolute path via
// internal/identity.PathMapper (invariant I2).
type LocalTreeStore struct {
	*base

	fs      *localfs.LocalFS
	paths   *identity.PathMapper
	rootDir string
}

// NewLocalTreeStore constructs a LocalTreeStore rooted at rootDir,
// backed by disk (its on-disk index) and bus (its signal publisher).
func NewLocalTreeStore(deviceUID node.UID, rootDir string, disk *diskindex.Index, paths *identity.PathMapper, bus *signalbus.Bus) *LocalTreeStore {
	return &LocalTreeStore{
		base:    newBase(deviceUID, disk, bus),
		fs:      localfs.New(rootDir),
		paths:   paths,
		rootDir: filepath.Clean(rootDir),
	}
}

// LoadSubtree populates the in-memory tree from the on-disk index, then
// rescans the backend once; idempotent if already loaded (spec §4.4).
func (l *LocalTreeStore) LoadSubtree(spid node.SPID, treeID string) error {
	l.mu.Lock()
	if l.loaded {
		l.mu.Unlock()
		return nil
	}
	rows, err := l.disk.LoadSubtree()
	if err != nil {
		l.mu.Unlock()
		return errors.Wrap(err, "loading subtree from disk index")
	}
	for _, n := range rows {
		l.tree.Upsert(n)
	}
	l.loaded = true
	l.mu.Unlock()

	log.Debug().Str("tree_id", treeID).Int("row_count", len(rows)).Msg("loaded subtree from disk")
	return l.RefreshSubtree(spid, treeID)
}

// RefreshSubtree forces a backend rescan of spid's directory even if the
// cache believes itself fresh (spec §4.4). The scan itself retries
// through retry.Do, recovering from the kind of transient I/O error a
// directory can throw mid-write by another process.
func (l *LocalTreeStore) RefreshSubtree(spid node.SPID, treeID string) error {
	// Node paths are absolute, while l.fs takes paths relative to rootDir.
	scanPath := spid.Path
	if rel, relErr := filepath.Rel(l.rootDir, spid.Path); relErr == nil && !strings.HasPrefix(rel, "..") {
		scanPath = rel
	}
	entries, err := retry.DoWithResult(context.Background(), func() ([]fs.FileInfo, error) {
		return l.fs.ListDir(scanPath)
	}, retry.DefaultConfig())
	if err != nil {
		return errors.Wrap(err, "rescanning local directory")
	}
	return l.OverwriteDirEntries(spid.Path, entries)
}

// UpsertSingleNode executes the write-through op described in spec §4.4:
// mutate memory, then disk, then emit NODE_UPSERTED_IN_CACHE.
func (l *LocalTreeStore) UpsertSingleNode(n *node.Node) (*node.Node, error) {
	if n.IsRemote() {
		return nil, errors.InvalidNodeForStore
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.upsertLocked(n)
}

// GetChildListForSPID overrides base to trigger a live ListDir scan on a
// cache miss or when the parent's all_children_fetched flag is unset,
// mirroring RemoteTreeStore's live-scan override (spec §4.4).
func (l *LocalTreeStore) GetChildListForSPID(spid node.SPID, filter func(*node.Node) bool) ([]*node.Node, error) {
	l.mu.Lock()
	parent, haveParent := l.tree.GetNodeForUID(spid.NodeUID)
	needsScan := !haveParent || parent.Dir == nil || !parent.Dir.AllChildrenFetched
	l.mu.Unlock()

	if needsScan {
		if !l.loaded {
			return nil, errors.CacheNotLoaded
		}
		if err := l.RefreshSubtree(spid, ""); err != nil {
			return nil, err
		}
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	children := l.tree.GetChildListForSPID(spid)
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

// RemoveSingleNode unlinks n, requiring it be childless if it is a
// directory (spec §4.4 CannotRemoveNonEmpty).
func (l *LocalTreeStore) RemoveSingleNode(n *node.Node, toTrash bool) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if n.IsDir() {
		if children := l.tree.GetChildListForSPID(node.SPID{NodeUID: n.Identifier.NodeUID}); len(children) > 0 {
			return errors.CannotRemoveNonEmpty
		}
	}
	n.TrashStatus = trashStatusFor(toTrash, n.TrashStatus)
	return l.removeLocked(n)
}

// MoveLocalSubtree rewrites src's subtree identifiers to be rooted at
// dst, in one write op; falls back to a rescan of dst's parent if src
// isn't currently in cache (spec §4.4 move_local_subtree).
func (l *LocalTreeStore) MoveLocalSubtree(src, dst string) error {
	if src == dst {
		return errors.SrcEqualsDst
	}
	if src == "" || dst == "" {
		return errors.EmptyPath
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	srcUID, err := l.paths.UIDForPath(src, 0)
	if err != nil {
		return err
	}
	if _, ok := l.tree.GetNodeForUID(srcUID); !ok {
		// Not in cache: nothing to rewrite in place, caller's next
		// RefreshSubtree(dst) will pick the moved subtree up fresh.
		return nil
	}

	list := l.tree.GetSubtreeBFSList(srcUID)
	rewritten := make([]*node.Node, 0, len(list))
	for _, n := range list {
		oldPath := n.Identifier.PathList[0]
		rel, relErr := filepath.Rel(src, oldPath)
		if relErr != nil {
			return errors.Wrap(relErr, "rewriting moved subtree path")
		}
		newPath := filepath.Join(dst, rel)
		n.Identifier.PathList = []string{newPath}
		if newUID, uidErr := l.paths.UIDForPath(newPath, 0); uidErr == nil {
			n.Identifier.NodeUID = newUID
		}
		rewritten = append(rewritten, n)
	}

	for _, n := range rewritten {
		if _, err := l.upsertLocked(n); err != nil {
			return err
		}
	}
	return nil
}

// OverwriteDirEntries replaces the known child set of parentPath with
// entries, per spec §4.4's rescan algorithm: survivors keep their
// signature if (size, modify_ts, change_ts) is unchanged, vanished files
// are removed, vanished subdirs are recursively removed, and the
// parent's all_children_fetched flag is set once the sweep completes.
func (l *LocalTreeStore) OverwriteDirEntries(parentPath string, entries []fs.FileInfo) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	parentUID, err := l.paths.UIDForPath(parentPath, 0)
	if err != nil {
		return err
	}
	parentNode, ok := l.tree.GetNodeForUID(parentUID)
	if ok && !parentNode.IsDir() {
		return errors.NotADir
	}

	seen := make(map[node.UID]bool, len(entries))
	for _, entry := range entries {
		childPath := filepath.Join(parentPath, entry.Name())
		childUID, err := l.paths.UIDForPath(childPath, 0)
		if err != nil {
			return err
		}
		seen[childUID] = true

		existing, had := l.tree.GetNodeForUID(childUID)
		n := l.nodeFromStat(childUID, parentUID, childPath, entry)
		if had && existing.File != nil && n.File != nil &&
			existing.File.Size == n.File.Size &&
			existing.File.ModifyTS.Equal(n.File.ModifyTS) &&
			existing.File.ChangeTS.Equal(n.File.ChangeTS) {
			n.File.ContentMetaUID = existing.File.ContentMetaUID
		}
		if _, err := l.upsertLocked(n); err != nil {
			return err
		}
	}

	for _, old := range l.tree.GetChildListForSPID(node.SPID{NodeUID: parentUID}) {
		if seen[old.Identifier.NodeUID] {
			continue
		}
		if old.IsDir() {
			if err := l.removeSubtreeLocked(old.Identifier.NodeUID); err != nil {
				return err
			}
			continue
		}
		if err := l.removeLocked(old); err != nil {
			return err
		}
	}

	if ok && parentNode.Dir != nil {
		parentNode.Dir.AllChildrenFetched = true
		if _, err := l.upsertLocked(parentNode); err != nil {
			return err
		}
	}
	return nil
}

// removeSubtreeLocked is RemoveSubtree's body, callable while l.mu is
// already held (OverwriteDirEntries recursing into a vanished subdir).
func (l *LocalTreeStore) removeSubtreeLocked(root node.UID) error {
	list := l.tree.GetSubtreeBFSList(root)
	for i := len(list) - 1; i >= 0; i-- {
		if err := l.removeLocked(list[i]); err != nil {
			return err
		}
	}
	return nil
}

// nodeFromStat builds a node.Node from a directory entry, per spec
// §4.4's "Node construction for local files": derive create/modify/
// change timestamps from the stat result. Go's fs.FileInfo exposes no
// portable creation or change time, so both are approximated from
// ModTime; an OS-specific build tag reading the real ctime/birthtime
// would remove this approximation but is out of scope for a portable
// core engine.
func (l *LocalTreeStore) nodeFromStat(uid, parentUID node.UID, path string, info fs.FileInfo) *node.Node {
	if info.IsDir() {
		return node.NewLocalDir(l.deviceUID, uid, parentUID, path, info.Name())
	}
	modifyTS := info.ModTime()
	return node.NewLocalFile(l.deviceUID, uid, parentUID, path, info.Name(), uint64(info.Size()), modifyTS, modifyTS, modifyTS)
}

var _ TreeStore = (*LocalTreeStore)(nil)
