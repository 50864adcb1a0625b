package treestore

import (
	"context"

	"github.com/outlet-sync/outlet/internal/diskindex"
	"github.com/outlet-sync/outlet/internal/errors"
	"github.com/outlet-sync/outlet/internal/identity"
	"github.com/outlet-sync/outlet/internal/node"
	"github.com/outlet-sync/outlet/internal/remoteclient"
	"github.com/outlet-sync/outlet/internal/retry"
	"github.com/outlet-sync/outlet/internal/signalbus"
)

// RemoteTreeStore is the remote-backend TreeStore: nodes are constructed
// from remoteclient.Item records, and a node's UID is a pure function of
// its remote object id via internal/identity.RemoteIdMapper (invariant
// I3). Remote nodes may have more than one parent (multi-parenting),
// unlike local nodes.
type RemoteTreeStore struct {
	*base

	client       remoteclient.Client
	ids          *identity.RemoteIdMapper
	rootID       string
	changesToken string
}

// NewRemoteTreeStore constructs a RemoteTreeStore over client, rooted at
// the backend object identified by rootID.
func NewRemoteTreeStore(deviceUID node.UID, client remoteclient.Client, rootID string, disk *diskindex.Index, ids *identity.RemoteIdMapper, bus *signalbus.Bus) *RemoteTreeStore {
	return &RemoteTreeStore{
		base:   newBase(deviceUID, disk, bus),
		client: client,
		ids:    ids,
		rootID: rootID,
	}
}

// LoadSubtree populates the in-memory tree from the on-disk index, then
// rescans the backend once via a changes-feed catch-up; idempotent if
// already loaded (spec §4.4).
func (r *RemoteTreeStore) LoadSubtree(spid node.SPID, treeID string) error {
	r.mu.Lock()
	if r.loaded {
		r.mu.Unlock()
		return nil
	}
	rows, err := r.disk.LoadSubtree()
	if err != nil {
		r.mu.Unlock()
		return errors.Wrap(err, "loading subtree from disk index")
	}
	for _, n := range rows {
		r.tree.Upsert(n)
	}
	r.loaded = true
	r.mu.Unlock()

	log.Debug().Str("tree_id", treeID).Int("row_count", len(rows)).Msg("loaded subtree from disk")
	return r.RefreshSubtree(spid, treeID)
}

// RefreshSubtree forces a backend rescan even if the cache is marked
// fresh: lists spid's remote children directly and overwrites the
// in-memory/on-disk child set to match (spec §4.4). The listing call
// retries through retry.Do, recovering from the transient network errors
// a remote backend call can throw.
func (r *RemoteTreeStore) RefreshSubtree(spid node.SPID, treeID string) error {
	remoteID, ok := r.ids.RemoteIDForUID(spid.NodeUID)
	if !ok {
		remoteID = r.rootID
	}
	items, err := retry.DoWithResult(context.Background(), func() ([]remoteclient.Item, error) {
		return r.client.ListChildren(context.Background(), remoteID)
	}, retry.DefaultConfig())
	if err != nil {
		return errors.Wrap(err, "listing remote children")
	}
	return r.overwriteChildren(spid.NodeUID, items)
}

// overwriteChildren is the remote analog of LocalTreeStore's
// OverwriteDirEntries: diff items against the cached child set,
// upserting survivors/adds and recursively removing vanished entries,
// then marking the parent fully fetched.
func (r *RemoteTreeStore) overwriteChildren(parentUID node.UID, items []remoteclient.Item) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	seen := make(map[node.UID]bool, len(items))
	for _, item := range items {
		n, err := r.nodeFromItemLocked(item)
		if err != nil {
			return err
		}
		seen[n.Identifier.NodeUID] = true
		if _, err := r.upsertLocked(n); err != nil {
			return err
		}
	}

	for _, old := range r.tree.GetChildListForSPID(node.SPID{NodeUID: parentUID}) {
		if seen[old.Identifier.NodeUID] {
			continue
		}
		if old.IsDir() {
			if err := r.removeSubtreeLocked(old.Identifier.NodeUID); err != nil {
				return err
			}
			continue
		}
		if err := r.removeLocked(old); err != nil {
			return err
		}
	}

	if parentNode, ok := r.tree.GetNodeForUID(parentUID); ok && parentNode.Dir != nil {
		parentNode.Dir.AllChildrenFetched = true
		if _, err := r.upsertLocked(parentNode); err != nil {
			return err
		}
	}
	return nil
}

func (r *RemoteTreeStore) removeSubtreeLocked(root node.UID) error {
	list := r.tree.GetSubtreeBFSList(root)
	for i := len(list) - 1; i >= 0; i-- {
		if err := r.removeLocked(list[i]); err != nil {
			return err
		}
	}
	return nil
}

// GetChildListForSPID overrides base to trigger a live ListChildren scan
// on a cache miss or when the parent's all_children_fetched flag is
// unset (spec §4.4).
func (r *RemoteTreeStore) GetChildListForSPID(spid node.SPID, filter func(*node.Node) bool) ([]*node.Node, error) {
	r.mu.Lock()
	parent, havParent := r.tree.GetNodeForUID(spid.NodeUID)
	needsScan := !havParent || parent.Dir == nil || !parent.Dir.AllChildrenFetched
	r.mu.Unlock()

	if needsScan {
		if !r.loaded {
			return nil, errors.CacheNotLoaded
		}
		if err := r.RefreshSubtree(spid, ""); err != nil {
			return nil, err
		}
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	children := r.tree.GetChildListForSPID(spid)
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

// UpsertSingleNode executes the write-through op described in spec §4.4.
func (r *RemoteTreeStore) UpsertSingleNode(n *node.Node) (*node.Node, error) {
	if !n.IsRemote() {
		return nil, errors.InvalidNodeForStore
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.upsertLocked(n)
}

// RemoveSingleNode unlinks n. For a remote node with multiple parents,
// only the link for the given path is removed; the node itself survives
// under its other parents (spec §4.4).
func (r *RemoteTreeStore) RemoveSingleNode(n *node.Node, toTrash bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if len(n.ParentUIDs) <= 1 {
		if n.IsDir() {
			if children := r.tree.GetChildListForSPID(node.SPID{NodeUID: n.Identifier.NodeUID}); len(children) > 0 {
				return errors.CannotRemoveNonEmpty
			}
		}
		n.TrashStatus = trashStatusFor(toTrash, n.TrashStatus)
		return r.removeLocked(n)
	}

	// Multi-parent: drop only the one path/parent link and re-upsert.
	canonical, ok := r.tree.GetNodeForUID(n.Identifier.NodeUID)
	if !ok {
		return nil
	}
	idx := spidIndex(canonical.Identifier, n.Identifier.PathList)
	if idx < 0 {
		return nil
	}
	canonical.Identifier.PathList = dropAt(canonical.Identifier.PathList, idx)
	canonical.ParentUIDs = dropAtUID(canonical.ParentUIDs, idx)
	_, err := r.upsertLocked(canonical)
	return err
}

func spidIndex(id node.NodeIdentifier, pathList []string) int {
	if len(pathList) == 0 {
		return -1
	}
	target := pathList[0]
	for i, p := range id.PathList {
		if p == target {
			return i
		}
	}
	return -1
}

func dropAt(list []string, i int) []string {
	out := make([]string, 0, len(list)-1)
	out = append(out, list[:i]...)
	return append(out, list[i+1:]...)
}

func dropAtUID(list []node.UID, i int) []node.UID {
	out := make([]node.UID, 0, len(list)-1)
	out = append(out, list[:i]...)
	return append(out, list[i+1:]...)
}

// ApplyChangeBatch ingests one page of the backend's changes feed,
// upserting and removing nodes and advancing the resume token (spec
// §4.4 refresh_subtree's incremental-sync counterpart).
func (r *RemoteTreeStore) ApplyChangeBatch(batch remoteclient.ChangeBatch) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, item := range batch.Upserted {
		n, err := r.nodeFromItemLocked(item)
		if err != nil {
			return err
		}
		if _, err := r.upsertLocked(n); err != nil {
			return err
		}
	}
	for _, id := range batch.RemovedID {
		if resolved, found := r.resolveRemoteIDLocked(id); found {
			if n, ok := r.tree.GetNodeForUID(resolved); ok {
				if err := r.removeLocked(n); err != nil {
					return err
				}
			}
		}
	}
	r.changesToken = batch.NextToken
	return nil
}

func (r *RemoteTreeStore) resolveRemoteIDLocked(remoteID string) (node.UID, bool) {
	uid, err := r.ids.UIDForRemoteID(remoteID, 0)
	if err != nil {
		return 0, false
	}
	return uid, true
}

// nodeFromItemLocked builds a node.Node from a remote Item, resolving
// its UID and its parents' UIDs via the remote id mapper.
func (r *RemoteTreeStore) nodeFromItemLocked(item remoteclient.Item) (*node.Node, error) {
	uid, err := r.ids.UIDForRemoteID(item.ID, 0)
	if err != nil {
		return nil, err
	}
	parentUIDs := make([]node.UID, 0, len(item.ParentIDs))
	for _, pid := range item.ParentIDs {
		pUID, err := r.ids.UIDForRemoteID(pid, 0)
		if err != nil {
			return nil, err
		}
		parentUIDs = append(parentUIDs, pUID)
	}
	paths := make([]string, len(parentUIDs))

	var n *node.Node
	if item.IsFolder {
		n = node.NewRemoteFolder(r.deviceUID, uid, parentUIDs, paths, item.Name)
	} else {
		n = node.NewRemoteFile(r.deviceUID, uid, parentUIDs, paths, item.Name, item.Size, item.ModifyTS)
	}
	if item.IsTrashed {
		n.TrashStatus = node.ExplicitlyTrashed
	}
	if n.File != nil {
		n.File.Size = item.Size
	}
	return n, nil
}

// ChangesToken returns the resume token for the next ApplyChangeBatch
// call, persisted by callers that checkpoint sync progress.
func (r *RemoteTreeStore) ChangesToken() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.changesToken
}

var _ TreeStore = (*RemoteTreeStore)(nil)
