// Package activetree implements the Active Tree Manager (spec §4.9): a
// UI-facing collaborator that tracks per-tree_id display state and
// relays cache-level node signals to only the trees whose root
// contains the affected node.
//
// Grounded on the teacher's internal/fs/file_status.go: a per-id map
// guarded by one mutex, with a narrow set of accessor/mutator methods
// and an explicit invalidate path, generalized here from a single
// filesystem's status map to one map of per-tree_id UI state plus a
// signalbus listener that drives it.
package activetree

import (
	"strings"
	"sync"

	"github.com/outlet-sync/outlet/internal/errors"
	"github.com/outlet-sync/outlet/internal/logging"
	"github.com/outlet-sync/outlet/internal/node"
	"github.com/outlet-sync/outlet/internal/signalbus"
)

var log = logging.New("activetree")

// LoadState is a display tree's loading progress.
type LoadState int

const (
	NotLoaded LoadState = iota
	LoadStarted
	CompletelyLoaded
	NoLongerExists
)

func (s LoadState) String() string {
	switch s {
	case NotLoaded:
		return "NOT_LOADED"
	case LoadStarted:
		return "LOAD_STARTED"
	case CompletelyLoaded:
		return "COMPLETELY_LOADED"
	case NoLongerExists:
		return "NO_LONGER_EXISTS"
	default:
		return "UNKNOWN"
	}
}

// FilterState is the opaque row-filtering predicate a tree was built
// with; nil means "no filter, show everything".
type FilterState func(n *node.Node) bool

// TreeID identifies one registered display tree (a UI-facing window
// onto a subtree, not a device or TreeStore).
type TreeID string

// DisplayTreeMeta is one tree_id's tracked UI state (spec §4.9).
type DisplayTreeMeta struct {
	TreeID        TreeID
	Root          node.SPID
	RootExists    bool
	Filter        FilterState
	ExpandedRows  map[node.GUID]struct{}
	SelectedRows  map[node.GUID]struct{}
	LoadState     LoadState
	IsChangeTree  bool
	SrcTreeID     TreeID
}

func newMeta(treeID TreeID, root node.SPID) *DisplayTreeMeta {
	return &DisplayTreeMeta{
		TreeID:       treeID,
		Root:         root,
		RootExists:   true,
		ExpandedRows: make(map[node.GUID]struct{}),
		SelectedRows: make(map[node.GUID]struct{}),
		LoadState:    NotLoaded,
	}
}

// AncestorLookup supplies the ancestor walk that decides containment
// when none of a node's paths lies under a tree's root path; it is
// consulted for any root on the node's device, local or remote. The
// Cache Manager facade's remote TreeStore implements it.
type AncestorLookup interface {
	ParentsOf(key node.Key) []node.Key
}

// Manager is the Active Tree Manager.
type Manager struct {
	mu    sync.RWMutex
	trees map[TreeID]*DisplayTreeMeta

	bus     *signalbus.Bus
	remote  AncestorLookup
	stopCh  chan struct{}
	stopped bool
}

// New constructs a Manager that listens on bus for cache-level node
// signals and the tree-deregistration signal. remote supplies the
// ancestor walk used to test containment when path prefixes do not
// match; it may be nil if no remote device is configured.
func New(bus *signalbus.Bus, remote AncestorLookup) *Manager {
	return &Manager{
		trees:  make(map[TreeID]*DisplayTreeMeta),
		bus:    bus,
		remote: remote,
		stopCh: make(chan struct{}),
	}
}

// Start subscribes to the bus and begins relaying signals in a
// background goroutine. Call Shutdown to stop it.
func (m *Manager) Start() {
	upserts := m.bus.Subscribe(signalbus.NodeUpsertedInCache)
	removes := m.bus.Subscribe(signalbus.NodeRemovedInCache)
	deregister := m.bus.Subscribe(signalbus.DeregisterDisplayTree)

	go func() {
		for {
			select {
			case <-m.stopCh:
				return
			case sig := <-upserts:
				if n, ok := sig.Payload.(*node.Node); ok {
					m.onNodeUpserted(n)
				}
			case sig := <-removes:
				if n, ok := sig.Payload.(*node.Node); ok {
					m.onNodeRemoved(n)
				}
			case sig := <-deregister:
				if treeID, ok := sig.Payload.(TreeID); ok {
					m.Deregister(treeID)
				}
			}
		}
	}()
}

// Shutdown stops the relaying goroutine started by Start.
func (m *Manager) Shutdown() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.stopped {
		return
	}
	m.stopped = true
	close(m.stopCh)
}

// Register adds a new display tree rooted at root, returning its meta.
// If treeID is already registered, its existing meta is returned
// unchanged (spec §4.9's request_display_tree short-circuits on an
// already-registered root; this package only owns the state, not the
// request/response plumbing, so re-registration is the caller's call).
func (m *Manager) Register(treeID TreeID, root node.SPID, filter FilterState) *DisplayTreeMeta {
	m.mu.Lock()
	defer m.mu.Unlock()

	if existing, ok := m.trees[treeID]; ok {
		return existing
	}
	meta := newMeta(treeID, root)
	meta.Filter = filter
	m.trees[treeID] = meta
	log.Debug().Str("tree_id", string(treeID)).Str("root", string(root.GUID())).Msg("registered display tree")
	return meta
}

// Deregister drops treeID's tracked state.
func (m *Manager) Deregister(treeID TreeID) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.trees[treeID]; ok {
		delete(m.trees, treeID)
		log.Debug().Str("tree_id", string(treeID)).Msg("deregistered display tree")
	}
}

// Get returns treeID's meta, or false if not registered.
func (m *Manager) Get(treeID TreeID) (*DisplayTreeMeta, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	meta, ok := m.trees[treeID]
	return meta, ok
}

// SetLoadState updates treeID's load state.
func (m *Manager) SetLoadState(treeID TreeID, state LoadState) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	meta, ok := m.trees[treeID]
	if !ok {
		return errors.Wrapf(errors.NodeNotFound, "tree not registered: %s", treeID)
	}
	meta.LoadState = state
	return nil
}

// AddExpandedRow marks guid expanded under treeID (spec §4.9's
// add_expanded_row; root rows are not expandable since they're already
// the tree's entry point).
func (m *Manager) AddExpandedRow(treeID TreeID, guid node.GUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	meta, ok := m.trees[treeID]
	if !ok {
		return errors.Wrapf(errors.NodeNotFound, "tree not registered: %s", treeID)
	}
	if guid == meta.Root.GUID() {
		return nil
	}
	meta.ExpandedRows[guid] = struct{}{}
	return nil
}

// RemoveExpandedRow unmarks guid as expanded under treeID.
func (m *Manager) RemoveExpandedRow(treeID TreeID, guid node.GUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	meta, ok := m.trees[treeID]
	if !ok {
		return errors.Wrapf(errors.NodeNotFound, "tree not registered: %s", treeID)
	}
	delete(meta.ExpandedRows, guid)
	return nil
}

// SetSelectedRows replaces treeID's selected-row set.
func (m *Manager) SetSelectedRows(treeID TreeID, selected map[node.GUID]struct{}) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	meta, ok := m.trees[treeID]
	if !ok {
		return errors.Wrapf(errors.NodeNotFound, "tree not registered: %s", treeID)
	}
	meta.SelectedRows = selected
	return nil
}

// onNodeUpserted relays to every tree whose root contains n.
func (m *Manager) onNodeUpserted(n *node.Node) {
	m.forEachContainingTree(n, func(meta *DisplayTreeMeta, spid node.SPID) {
		m.bus.Publish(signalbus.NodeUpserted, treeSignal{TreeID: meta.TreeID, SPID: spid, Node: n})
		log.Debug().Str("tree_id", string(meta.TreeID)).Str("spid", string(spid.GUID())).Msg("relaying upserted node")
	})
}

// onNodeRemoved relays to every tree whose root contains n.
func (m *Manager) onNodeRemoved(n *node.Node) {
	m.forEachContainingTree(n, func(meta *DisplayTreeMeta, spid node.SPID) {
		m.bus.Publish(signalbus.NodeRemoved, treeSignal{TreeID: meta.TreeID, SPID: spid, Node: n})
		log.Debug().Str("tree_id", string(meta.TreeID)).Str("spid", string(spid.GUID())).Msg("relaying removed node")
	})
}

// treeSignal is the NODE_UPSERTED/NODE_REMOVED payload shape (spec §6).
type treeSignal struct {
	TreeID TreeID
	SPID   node.SPID
	Node   *node.Node
}

func (m *Manager) forEachContainingTree(n *node.Node, relay func(meta *DisplayTreeMeta, spid node.SPID)) {
	m.mu.RLock()
	trees := make([]*DisplayTreeMeta, 0, len(m.trees))
	for _, meta := range m.trees {
		trees = append(trees, meta)
	}
	m.mu.RUnlock()

	for _, meta := range trees {
		if meta.Root.DeviceUID != n.Identifier.DeviceUID {
			continue
		}
		spid, ok := m.subtreeSPID(meta, n)
		if !ok {
			continue
		}
		if meta.Filter != nil && !meta.Filter(n) {
			continue
		}
		relay(meta, spid)
	}
}

// subtreeSPID tests whether n falls under meta.Root, returning the SPID
// (the path under which n is reachable from that root) if so. Every
// node is first tested by path prefix against the root path; when none
// of its paths match and m.remote is set, containment is decided by an
// ancestor walk via m.remote instead.
func (m *Manager) subtreeSPID(meta *DisplayTreeMeta, n *node.Node) (node.SPID, bool) {
	for _, path := range n.Identifier.PathList {
		if isUnderLocalPath(meta.Root.Path, path) {
			return node.SPID{DeviceUID: n.Identifier.DeviceUID, NodeUID: n.Identifier.NodeUID, Path: path}, true
		}
	}

	if m.remote == nil {
		return node.SPID{}, false
	}

	visited := map[node.Key]struct{}{}
	frontier := []node.Key{n.Identifier.Key()}
	for len(frontier) > 0 {
		var next []node.Key
		for _, k := range frontier {
			if k == meta.Root.Key() {
				for _, path := range n.Identifier.PathList {
					if strings.HasPrefix(path, meta.Root.Path) {
						return node.SPID{DeviceUID: n.Identifier.DeviceUID, NodeUID: n.Identifier.NodeUID, Path: path}, true
					}
				}
				return node.SPID{DeviceUID: n.Identifier.DeviceUID, NodeUID: n.Identifier.NodeUID, Path: meta.Root.Path}, true
			}
			if _, seen := visited[k]; seen {
				continue
			}
			visited[k] = struct{}{}
			next = append(next, m.remote.ParentsOf(k)...)
		}
		frontier = next
	}
	return node.SPID{}, false
}

func isUnderLocalPath(root, candidate string) bool {
	if root == candidate {
		return true
	}
	root = strings.TrimSuffix(root, "/")
	return strings.HasPrefix(candidate, root+"/")
}
