package node

import "time"

// TrashStatus marks whether a node is trashed, and if so, how it got
// there: an explicit user action, or as a side effect of an ancestor
// being trashed.
type TrashStatus int

const (
	NotTrashed TrashStatus = iota
	ExplicitlyTrashed
	ImplicitlyTrashed
)

// Kind discriminates the tagged union below. This follows the teacher's
// Inode (a shared header embedding graph.DriveItem) generalized per the
// design note calling for a sum type with shared header and
// variant-specific tail rather than a deep inheritance hierarchy.
type Kind int

const (
	KindLocalDir Kind = iota
	KindLocalFile
	KindRemoteFolder
	KindRemoteFile
	// KindLoading and KindEmpty are ephemeral markers used only by
	// display-tree consumers outside the core; the engine never persists
	// or mutates them.
	KindLoading
	KindEmpty
)

func (k Kind) IsDir() bool {
	return k == KindLocalDir || k == KindRemoteFolder
}

func (k Kind) IsRemote() bool {
	return k == KindRemoteFolder || k == KindRemoteFile
}

// FileMeta is the variant tail for file nodes (local or remote).
type FileMeta struct {
	Size          uint64
	CreateTS      time.Time
	ModifyTS      time.Time
	ChangeTS      time.Time
	ContentMetaUID UID // zero until the signature worker resolves it
}

// DirMeta is the variant tail for directory nodes (local or remote).
type DirMeta struct {
	// AllChildrenFetched is true iff the cache is known to list every
	// child of this directory as of the last sync (invariant I7).
	AllChildrenFetched bool
}

// Node is the engine's tagged-union node type. Identifier.PathList has
// exactly one entry for local nodes and may have several for remote
// nodes with multiple parents.
type Node struct {
	Kind       Kind
	Identifier NodeIdentifier
	Name       string

	// ParentUIDs holds one entry per path in Identifier.PathList, in the
	// same order: ParentUIDs[i] is the parent for PathList[i]. Local
	// nodes have at most one entry.
	ParentUIDs []UID

	TrashStatus TrashStatus

	// IsLive is false for planning/pending-op phantom nodes: results of
	// a planned operation that hasn't executed against the backend yet.
	IsLive bool

	SyncTS time.Time

	File *FileMeta // non-nil iff Kind is a file kind
	Dir  *DirMeta  // non-nil iff Kind is a dir kind
}

// IsDir reports whether this node is a directory variant.
func (n *Node) IsDir() bool { return n.Kind.IsDir() }

// IsRemote reports whether this node belongs to a remote-store variant.
func (n *Node) IsRemote() bool { return n.Kind.IsRemote() }

// SPIDs expands this node's identifier into one SPID per path/parent
// pair it currently has.
func (n *Node) SPIDs() []SPID { return n.Identifier.ToSPIDList() }

// Clone returns a deep copy safe to hand to a caller outside the lock
// that protects the owning tree (spec §9, "Iterators over live trees").
func (n *Node) Clone() *Node {
	if n == nil {
		return nil
	}
	out := *n
	out.Identifier.PathList = append([]string(nil), n.Identifier.PathList...)
	out.ParentUIDs = append([]UID(nil), n.ParentUIDs...)
	if n.File != nil {
		f := *n.File
		out.File = &f
	}
	if n.Dir != nil {
		d := *n.Dir
		out.Dir = &d
	}
	return &out
}

// NewLocalFile constructs a live local file node rooted at a single path.
func NewLocalFile(deviceUID, nodeUID, parentUID UID, path, name string, size uint64, createTS, modifyTS, changeTS time.Time) *Node {
	return &Node{
		Kind:       KindLocalFile,
		Identifier: NodeIdentifier{DeviceUID: deviceUID, NodeUID: nodeUID, PathList: []string{path}},
		Name:       name,
		ParentUIDs: []UID{parentUID},
		IsLive:     true,
		File: &FileMeta{
			Size:     size,
			CreateTS: createTS,
			ModifyTS: modifyTS,
			ChangeTS: changeTS,
		},
	}
}

// NewLocalDir constructs a live local directory node rooted at a single path.
func NewLocalDir(deviceUID, nodeUID, parentUID UID, path, name string) *Node {
	return &Node{
		Kind:       KindLocalDir,
		Identifier: NodeIdentifier{DeviceUID: deviceUID, NodeUID: nodeUID, PathList: []string{path}},
		Name:       name,
		ParentUIDs: []UID{parentUID},
		IsLive:     true,
		Dir:        &DirMeta{},
	}
}

// NewRemoteFile constructs a live remote file node, possibly with several
// parents (paths).
func NewRemoteFile(deviceUID, nodeUID UID, parentUIDs []UID, paths []string, name string, size uint64, modifyTS time.Time) *Node {
	return &Node{
		Kind:       KindRemoteFile,
		Identifier: NodeIdentifier{DeviceUID: deviceUID, NodeUID: nodeUID, PathList: paths},
		Name:       name,
		ParentUIDs: parentUIDs,
		IsLive:     true,
		File:       &FileMeta{Size: size, ModifyTS: modifyTS},
	}
}

// NewRemoteFolder constructs a live remote folder node, possibly with
// several parents (paths).
func NewRemoteFolder(deviceUID, nodeUID UID, parentUIDs []UID, paths []string, name string) *Node {
	return &Node{
		Kind:       KindRemoteFolder,
		Identifier: NodeIdentifier{DeviceUID: deviceUID, NodeUID: nodeUID, PathList: paths},
		Name:       name,
		ParentUIDs: parentUIDs,
		IsLive:     true,
		Dir:        &DirMeta{},
	}
}
