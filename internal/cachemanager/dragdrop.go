package cachemanager

import (
	"github.com/outlet-sync/outlet/internal/activetree"
	"github.com/outlet-sync/outlet/internal/errors"
	"github.com/outlet-sync/outlet/internal/node"
	"github.com/outlet-sync/outlet/internal/opgraph"
	"github.com/outlet-sync/outlet/internal/uidalloc"
)

// DragOperation is the kind of transfer a drag-and-drop requested (spec
// §4.10).
type DragOperation int

const (
	DragCopy DragOperation = iota
	DragMove
	DragLink
)

func (d DragOperation) String() string {
	switch d {
	case DragCopy:
		return "COPY"
	case DragMove:
		return "MOVE"
	case DragLink:
		return "LINK"
	default:
		return "UNKNOWN"
	}
}

// DirConflictPolicy decides what happens when a dropped directory's
// name collides with an existing child of the destination.
type DirConflictPolicy int

const (
	DirSkip DirConflictPolicy = iota
	DirMerge
	DirReplace
)

// FileConflictPolicy decides what happens when a dropped file's name
// collides with an existing child of the destination.
type FileConflictPolicy int

const (
	FileSkip FileConflictPolicy = iota
	FileOverwrite
	FileRename
)

// TransferBuilder materializes a drag-and-drop batch of UserOps (spec
// §4.10's TransferBuilder). Each dropped node becomes one CP or MV op
// targeting either a newly allocated planning UID (no conflict) or the
// conflicting sibling's existing UID (overwrite/merge policies).
type TransferBuilder struct {
	alloc *uidalloc.Allocator
}

// NewTransferBuilder constructs a TransferBuilder that mints planning
// UIDs for new destination nodes via alloc.
func NewTransferBuilder(alloc *uidalloc.Allocator) *TransferBuilder {
	return &TransferBuilder{alloc: alloc}
}

// BuildBatch builds one op per src node, targeting dstDir, consulting
// siblings (dstDir's current children) to resolve name conflicts per
// dirPolicy/filePolicy. Skipped (conflict-policy Skip) src nodes
// produce no op.
func (t *TransferBuilder) BuildBatch(
	srcNodes []*node.Node,
	dstDir *node.Node,
	siblings []*node.Node,
	op DragOperation,
	dirPolicy DirConflictPolicy,
	filePolicy FileConflictPolicy,
) ([]*opgraph.UserOp, error) {
	if op == DragLink {
		return nil, errors.Wrap(errors.InvalidNodeForStore, "link drag operation is not supported")
	}
	code := opgraph.OpCopy
	if op == DragMove {
		code = opgraph.OpMove
	}

	byName := make(map[string]*node.Node, len(siblings))
	for _, s := range siblings {
		byName[s.Name] = s
	}

	var ops []*opgraph.UserOp
	var nextOpUID uint64 = 1
	for _, src := range srcNodes {
		dstUID, skip, err := t.resolveDstUID(src, byName, dirPolicy, filePolicy)
		if err != nil {
			return nil, err
		}
		if skip {
			continue
		}
		ops = append(ops, &opgraph.UserOp{
			OpUID:  nextOpUID,
			Code:   code,
			Src:    src.Identifier.Key(),
			Dst:    node.Key{DeviceUID: dstDir.Identifier.DeviceUID, NodeUID: dstUID},
			Status: opgraph.NotStarted,
		})
		nextOpUID++
	}
	return ops, nil
}

func (t *TransferBuilder) resolveDstUID(src *node.Node, byName map[string]*node.Node, dirPolicy DirConflictPolicy, filePolicy FileConflictPolicy) (node.UID, bool, error) {
	existing, conflict := byName[src.Name]
	if !conflict {
		uid, err := t.alloc.Next()
		return uid, false, err
	}

	if src.IsDir() {
		switch dirPolicy {
		case DirSkip:
			return 0, true, nil
		case DirMerge, DirReplace:
			return existing.Identifier.NodeUID, false, nil
		default:
			return 0, true, nil
		}
	}

	switch filePolicy {
	case FileSkip:
		return 0, true, nil
	case FileOverwrite:
		return existing.Identifier.NodeUID, false, nil
	case FileRename:
		uid, err := t.alloc.Next()
		return uid, false, err
	default:
		return 0, true, nil
	}
}

// DropDraggedNodes implements the spec §4.10 drag-and-drop entry point:
// resolves srcGUIDs and dstGUID into SPID-node pairs, falls back to the
// destination's parent when dropping onto a file (or not "into"), runs
// the self-drop check, builds the transfer batch, and submits it to the
// Op Manager. Returns false (no error) for every case the spec treats
// as a silent no-op drop.
func (c *CacheManager) DropDraggedNodes(
	srcTreeID, dstTreeID activetree.TreeID,
	srcGUIDs []node.GUID,
	dstGUID node.GUID,
	isInto bool,
	op DragOperation,
	dirPolicy DirConflictPolicy,
	filePolicy FileConflictPolicy,
	builder *TransferBuilder,
) (bool, error) {
	srcMeta, ok := c.activeTree.Get(srcTreeID)
	if !ok {
		return false, errors.Wrapf(errors.NodeNotFound, "src tree not registered: %s", srcTreeID)
	}
	dstMeta, ok := c.activeTree.Get(dstTreeID)
	if !ok {
		return false, errors.Wrapf(errors.NodeNotFound, "dst tree not registered: %s", dstTreeID)
	}
	if !srcMeta.RootExists || !dstMeta.RootExists {
		log.Debug().Msg("aborting drop: src or dst tree root does not exist")
		return false, nil
	}

	srcNodes := make([]*node.Node, 0, len(srcGUIDs))
	for _, guid := range srcGUIDs {
		n, _, err := c.ReadSNForGUID(guid)
		if err != nil {
			return false, err
		}
		srcNodes = append(srcNodes, n)
	}
	if len(srcNodes) == 0 {
		return false, errors.Wrap(errors.NodeNotFound, "could not resolve any src GUIDs")
	}

	dstNode, dstSPID, err := c.ReadSNForGUID(dstGUID)
	if err != nil {
		return false, err
	}

	if !isInto || !dstNode.IsDir() {
		parentSPID, parentNode, err := c.parentOf(dstNode, dstSPID)
		if err != nil {
			return false, err
		}
		dstNode, dstSPID = parentNode, parentSPID
	}

	if c.isDroppingOnSelf(srcNodes, dstNode) {
		log.Debug().Msg("cancelling drop: nodes dropped onto self, own parent, or own descendant")
		return false, nil
	}

	store, ok := c.storeFor(dstNode.Identifier.DeviceUID)
	if !ok {
		return false, errors.Wrapf(errors.CacheNotLoaded, "no store for device %d", dstNode.Identifier.DeviceUID)
	}
	siblings, err := store.GetChildListForSPID(dstSPID, nil)
	if err != nil {
		return false, err
	}

	ops, err := builder.BuildBatch(srcNodes, dstNode, siblings, op, dirPolicy, filePolicy)
	if err != nil {
		return false, err
	}
	if len(ops) == 0 {
		log.Debug().Msg("drop generated no ops")
		return false, nil
	}

	if _, err := c.opMgr.SubmitBatch(ops); err != nil {
		return false, err
	}
	return true, nil
}
