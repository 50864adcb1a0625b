package opgraph

import (
	"fmt"
	"strings"
	"sync"

	"github.com/RoaringBitmap/roaring"

	"github.com/outlet-sync/outlet/internal/errors"
	"github.com/outlet-sync/outlet/internal/logging"
	"github.com/outlet-sync/outlet/internal/node"
)

var log = logging.New("opgraph")

// StructureLookup supplies the tree-shape facts the graph itself does
// not store (it only tracks pending ops keyed by node identity, not the
// tree): a target's current structural parents and children. In
// production this is backed by the owning TreeStore/memtree; tests
// supply a fixed map.
type StructureLookup interface {
	ParentsOf(target node.Key) []node.Key
	ChildrenOf(target node.Key) []node.Key
}

// IconChanges is what PopIconChanges returns: the ancestor UIDs (per
// device) that gained, lost, or kept-but-changed a pending-downstream-op
// indicator since the last pop (spec §4.7 "Icon ancestor tracking").
type IconChanges struct {
	Added   map[node.UID][]node.UID // device uid -> ancestor uids
	Removed map[node.UID][]node.UID
	Changed map[node.UID][]node.UID
}

// Graph is the per-process Op Graph: a single rooted DAG shared by every
// device (OGN.Target carries its own device uid).
type Graph struct {
	mu   sync.Mutex
	cond *sync.Cond

	structure StructureLookup
	validate  bool

	root *OGN

	// perNodeQueue is the FIFO of every currently-in-graph OGN affecting
	// a given (device, node) key; index 0 is the head (spec §4.7
	// "Per-node queue").
	perNodeQueue map[node.Key][]*OGN

	// pendingStart tracks, per batch-local target key, the most recent
	// START_DIR OGN awaiting its FINISH_DIR (spec §4.7 rule 2).
	pendingStart map[node.Key]*OGN

	outstanding      map[uint64]bool
	maxInsertedOpUID uint64

	shutdown bool

	// ancestorCounts[deviceUID][ancestorUID] counts OGNs whose target
	// has ancestorUID as an ancestor; >0 means "has a pending downstream
	// op" (spec §4.7 "Icon ancestor tracking").
	ancestorCounts map[node.UID]map[node.UID]int

	addedIcons   map[node.UID]*roaring.Bitmap
	removedIcons map[node.UID]*roaring.Bitmap
	changedIcons map[node.UID]*roaring.Bitmap
}

// New returns an empty graph. structure may be nil only if the caller
// never inserts RM ops or multi-parent targets (tests exercising pure
// linear chains).
func New(structure StructureLookup) *Graph {
	g := &Graph{
		structure:      structure,
		root:           &OGN{},
		perNodeQueue:   make(map[node.Key][]*OGN),
		pendingStart:   make(map[node.Key]*OGN),
		outstanding:    make(map[uint64]bool),
		ancestorCounts: make(map[node.UID]map[node.UID]int),
		addedIcons:     make(map[node.UID]*roaring.Bitmap),
		removedIcons:   make(map[node.UID]*roaring.Bitmap),
		changedIcons:   make(map[node.UID]*roaring.Bitmap),
	}
	g.cond = sync.NewCond(&g.mu)
	return g
}

// SetValidateAfterInsert toggles whether InsertBatchGraph runs
// Validate() after a successful batch insert (spec §4.7, and
// SPEC_FULL.md ambient config ValidateOpGraphOnInsert).
func (g *Graph) SetValidateAfterInsert(v bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.validate = v
}

// MaxInsertedOpUID returns the highest op_uid ever accepted into the
// graph, used as a monotonicity sanity check by callers.
func (g *Graph) MaxInsertedOpUID() uint64 {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.maxInsertedOpUID
}

func (g *Graph) ancestorUIDsOf(target node.Key) []node.UID {
	if g.structure == nil {
		return nil
	}
	var ancestors []node.UID
	frontier := []node.Key{target}
	seen := map[node.Key]bool{}
	for len(frontier) > 0 {
		k := frontier[0]
		frontier = frontier[1:]
		for _, p := range g.structure.ParentsOf(k) {
			if seen[p] {
				continue
			}
			seen[p] = true
			ancestors = append(ancestors, p.NodeUID)
			frontier = append(frontier, p)
		}
	}
	return ancestors
}

// InsertBatchGraph inserts every OGN for ops (src first, then dst for
// binary ops, in the caller-supplied BFS order) as one transaction: if
// any insertion fails, every OGN already inserted by this call is
// unlinked in reverse order (spec §4.7 "Batch insert").
func (g *Graph) InsertBatchGraph(ops []*UserOp) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	var inserted []*OGN
	localPendingStart := make(map[node.Key]*OGN)

	rollback := func(cause error) error {
		for i := len(inserted) - 1; i >= 0; i-- {
			g.unlinkLocked(inserted[i])
		}
		return errors.Wrap(cause, "batch insert rolled back")
	}

	for _, op := range ops {
		srcOGN := &OGN{Op: op, Role: RoleSrc, Target: op.Src}
		if err := g.insertOGNLocked(srcOGN, localPendingStart); err != nil {
			return rollback(err)
		}
		inserted = append(inserted, srcOGN)

		if op.Code.IsBinary() {
			dstOGN := &OGN{Op: op, Role: RoleDst, Target: op.Dst}
			if err := g.insertOGNLocked(dstOGN, localPendingStart); err != nil {
				return rollback(err)
			}
			inserted = append(inserted, dstOGN)
		}

		if op.OpUID > g.maxInsertedOpUID {
			g.maxInsertedOpUID = op.OpUID
		}
	}

	if g.validate {
		if err := g.validateLocked(); err != nil {
			return rollback(err)
		}
	}

	log.Debug().Int(logging.FieldCount, len(inserted)).Msg("inserted batch into op graph")
	g.cond.Broadcast()
	return nil
}

// insertOGNLocked implements spec §4.7's three insertion rules. Callers
// hold g.mu.
func (g *Graph) insertOGNLocked(new *OGN, localPendingStart map[node.Key]*OGN) error {
	switch {
	case new.Op.Code.IsRemove():
		if err := g.insertRemoveLocked(new); err != nil {
			return err
		}
	case new.Op.Code == OpFinishDir:
		if err := g.insertFinishDirLocked(new, localPendingStart); err != nil {
			return err
		}
	default:
		if err := g.insertDefaultLocked(new); err != nil {
			return err
		}
	}

	if new.Op.Code == OpStartDir {
		localPendingStart[new.Target] = new
		g.pendingStart[new.Target] = new
	}

	g.perNodeQueue[new.Target] = append(g.perNodeQueue[new.Target], new)
	g.addAncestorCountsLocked(new.Target)
	return nil
}

// insertRemoveLocked implements rule 1.
func (g *Graph) insertRemoveLocked(new *OGN) error {
	queue := g.perNodeQueue[new.Target]

	if len(queue) > 0 {
		prev := queue[len(queue)-1]
		if prev.Op.Code.IsRemove() {
			return errors.InvalidInsertOpGraph
		}
	}

	var childOGNs []*OGN
	if g.structure != nil {
		for _, childKey := range g.structure.ChildrenOf(new.Target) {
			if last := g.lastPendingLocked(childKey); last != nil {
				childOGNs = append(childOGNs, last)
			}
		}
	}

	if len(childOGNs) > 0 {
		for _, c := range childOGNs {
			if !c.Op.Code.IsRemove() {
				return errors.InvalidInsertOpGraph
			}
			if len(c.children) > 0 {
				return errors.InvalidInsertOpGraph
			}
		}
		for _, c := range childOGNs {
			g.linkLocked(c, new)
		}
		return nil
	}

	if len(queue) > 0 {
		g.linkLocked(queue[len(queue)-1], new)
		return nil
	}

	g.linkLocked(g.root, new)
	return nil
}

// insertFinishDirLocked implements rule 2.
func (g *Graph) insertFinishDirLocked(new *OGN, localPendingStart map[node.Key]*OGN) error {
	start, ok := localPendingStart[new.Target]
	if !ok {
		return errors.InvalidInsertOpGraph
	}
	delete(localPendingStart, new.Target)
	delete(g.pendingStart, new.Target)

	leaves := leavesOf(start)
	if len(leaves) == 0 {
		g.linkLocked(start, new)
		return nil
	}
	for _, leaf := range leaves {
		g.linkLocked(leaf, new)
	}
	return nil
}

// leavesOf returns the descendants of root (inclusive) reachable within
// the same batch that currently have no children — the set rule 2
// attaches a FINISH_DIR above.
func leavesOf(start *OGN) []*OGN {
	var leaves []*OGN
	var visit func(*OGN)
	seen := map[*OGN]bool{}
	visit = func(o *OGN) {
		if seen[o] {
			return
		}
		seen[o] = true
		if len(o.children) == 0 {
			leaves = append(leaves, o)
			return
		}
		for _, c := range o.children {
			visit(c)
		}
	}
	visit(start)
	return leaves
}

// insertDefaultLocked implements rule 3 (MKDIR / CP / MV / START_DIR).
func (g *Graph) insertDefaultLocked(new *OGN) error {
	var structuralParentOGNs []*OGN

	if g.structure != nil {
		for _, parentKey := range g.structure.ParentsOf(new.Target) {
			last := g.lastPendingLocked(parentKey)
			if last == nil {
				continue
			}
			if last.Op.Code == OpFinishDir {
				if start, ok := g.findMatchingStartLocked(last); ok {
					g.spliceLocked(start, last, new)
					structuralParentOGNs = append(structuralParentOGNs, new)
					continue
				}
			}
			if last.Op.Code.IsRemove() {
				return errors.InvalidInsertOpGraph
			}
			structuralParentOGNs = append(structuralParentOGNs, last)
		}
	}

	if prior := g.lastPendingLocked(new.Target); prior != nil {
		g.linkLocked(prior, new)
		return nil
	}

	if len(structuralParentOGNs) > 0 {
		for _, p := range structuralParentOGNs {
			if p == new {
				continue // already spliced in directly above
			}
			g.linkLocked(p, new)
		}
		return nil
	}

	g.linkLocked(g.root, new)
	return nil
}

// findMatchingStartLocked looks up the pending START_DIR OGN recorded
// for a FINISH_DIR OGN's target, used to splice a new OGN between them.
func (g *Graph) findMatchingStartLocked(finish *OGN) (*OGN, bool) {
	for key, start := range g.pendingStart {
		if key == finish.Target {
			return start, true
		}
	}
	return nil, false
}

// spliceLocked inserts new between start and finish: new becomes a
// child of start's leaves and a parent of finish.
func (g *Graph) spliceLocked(start, finish, new *OGN) {
	for _, leaf := range leavesOf(start) {
		g.linkLocked(leaf, new)
	}
	g.linkLocked(new, finish)
}

func (g *Graph) lastPendingLocked(key node.Key) *OGN {
	q := g.perNodeQueue[key]
	if len(q) == 0 {
		return nil
	}
	return q[len(q)-1]
}

func (g *Graph) linkLocked(parent, child *OGN) {
	parent.children = append(parent.children, child)
	child.parents = append(child.parents, parent)
}

// unlinkLocked removes ogn from the graph entirely: used both by batch
// rollback and by completion promotion.
func (g *Graph) unlinkLocked(ogn *OGN) {
	for _, p := range ogn.parents {
		p.children = removeOGN(p.children, ogn)
	}
	q := g.perNodeQueue[ogn.Target]
	g.perNodeQueue[ogn.Target] = removeOGN(q, ogn)
	g.removeAncestorCountsLocked(ogn.Target)
	if g.pendingStart[ogn.Target] == ogn {
		delete(g.pendingStart, ogn.Target)
	}
}

func removeOGN(list []*OGN, target *OGN) []*OGN {
	out := list[:0]
	for _, o := range list {
		if o != target {
			out = append(out, o)
		}
	}
	return out
}

func (g *Graph) addAncestorCountsLocked(target node.Key) {
	counts := g.ancestorCounts[target.DeviceUID]
	if counts == nil {
		counts = make(map[node.UID]int)
		g.ancestorCounts[target.DeviceUID] = counts
	}
	for _, ancestor := range g.ancestorUIDsOf(target) {
		wasZero := counts[ancestor] == 0
		counts[ancestor]++
		g.markChangedLocked(target.DeviceUID, ancestor, wasZero, true)
	}
}

func (g *Graph) removeAncestorCountsLocked(target node.Key) {
	counts := g.ancestorCounts[target.DeviceUID]
	if counts == nil {
		return
	}
	for _, ancestor := range g.ancestorUIDsOf(target) {
		if counts[ancestor] <= 0 {
			continue
		}
		counts[ancestor]--
		g.markChangedLocked(target.DeviceUID, ancestor, false, counts[ancestor] > 0)
	}
}

func (g *Graph) markChangedLocked(deviceUID, ancestorUID node.UID, becameNonZero, stillNonZero bool) {
	bm := func(set map[node.UID]*roaring.Bitmap) *roaring.Bitmap {
		b := set[deviceUID]
		if b == nil {
			b = roaring.New()
			set[deviceUID] = b
		}
		return b
	}
	switch {
	case becameNonZero:
		bm(g.addedIcons).Add(uint32(ancestorUID))
	case !stillNonZero:
		bm(g.removedIcons).Add(uint32(ancestorUID))
	default:
		bm(g.changedIcons).Add(uint32(ancestorUID))
	}
}

// PopIconChanges returns and clears every ancestor-icon change recorded
// since the last call (spec §4.7).
func (g *Graph) PopIconChanges() IconChanges {
	g.mu.Lock()
	defer g.mu.Unlock()

	out := IconChanges{
		Added:   bitmapsToMap(g.addedIcons),
		Removed: bitmapsToMap(g.removedIcons),
		Changed: bitmapsToMap(g.changedIcons),
	}
	g.addedIcons = make(map[node.UID]*roaring.Bitmap)
	g.removedIcons = make(map[node.UID]*roaring.Bitmap)
	g.changedIcons = make(map[node.UID]*roaring.Bitmap)
	return out
}

func bitmapsToMap(set map[node.UID]*roaring.Bitmap) map[node.UID][]node.UID {
	out := make(map[node.UID][]node.UID, len(set))
	for device, bm := range set {
		uids := make([]node.UID, 0, bm.GetCardinality())
		it := bm.Iterator()
		for it.HasNext() {
			uids = append(uids, node.UID(it.Next()))
		}
		out[device] = uids
	}
	return out
}

// GetNextOp blocks until an op is ready or Shutdown is called, in which
// case it returns nil (spec §4.7, §5 "Suspension points").
func (g *Graph) GetNextOp() *UserOp {
	g.mu.Lock()
	defer g.mu.Unlock()
	for {
		if op := g.nextReadyLocked(); op != nil {
			g.outstanding[op.OpUID] = true
			return op
		}
		if g.shutdown {
			return nil
		}
		g.cond.Wait()
	}
}

// GetNextOpNowait is GetNextOp's non-blocking variant.
func (g *Graph) GetNextOpNowait() *UserOp {
	g.mu.Lock()
	defer g.mu.Unlock()
	op := g.nextReadyLocked()
	if op != nil {
		g.outstanding[op.OpUID] = true
	}
	return op
}

func (g *Graph) nextReadyLocked() *UserOp {
	for _, child := range g.root.children {
		op := child.Op
		if op.Status != NotStarted {
			continue
		}
		if g.outstanding[op.OpUID] {
			continue
		}
		if !g.opReadyLocked(op) {
			continue
		}
		return op
	}
	return nil
}

func (g *Graph) opReadyLocked(op *UserOp) bool {
	srcOGN := g.findOGNLocked(op, RoleSrc)
	if srcOGN == nil || !g.isHeadAndChildOfRootLocked(srcOGN) {
		return false
	}
	if !op.Code.IsBinary() {
		return true
	}
	dstOGN := g.findOGNLocked(op, RoleDst)
	return dstOGN != nil && g.isHeadAndChildOfRootLocked(dstOGN)
}

func (g *Graph) isHeadAndChildOfRootLocked(ogn *OGN) bool {
	q := g.perNodeQueue[ogn.Target]
	if len(q) == 0 || q[0] != ogn {
		return false
	}
	return ogn.IsChildOfRoot()
}

func (g *Graph) findOGNLocked(op *UserOp, role Role) *OGN {
	key := op.Src
	if role == RoleDst {
		key = op.Dst
	}
	for _, o := range g.perNodeQueue[key] {
		if o.Op == op && o.Role == role {
			return o
		}
	}
	return nil
}

// PopCompletedOp applies the completion or failure of op (spec §4.7
// "Completion"). It returns true iff this pop completed the last OGN of
// op's batch.
func (g *Graph) PopCompletedOp(op *UserOp) (batchComplete bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.outstanding, op.OpUID)

	switch {
	case op.Status.IsCompleted():
		g.removeCompletedLocked(op)
	case op.Status == StoppedOnError:
		g.markDownstreamBlockedLocked(op)
	}

	g.cond.Broadcast()
	return g.batchDrainedLocked(op.BatchUID)
}

func (g *Graph) removeCompletedLocked(op *UserOp) {
	ogns := []*OGN{g.findOGNLocked(op, RoleSrc)}
	if op.Code.IsBinary() {
		ogns = append(ogns, g.findOGNLocked(op, RoleDst))
	}
	for _, ogn := range ogns {
		if ogn == nil {
			continue
		}
		parents := ogn.Parents()
		children := ogn.Children()
		g.unlinkLocked(ogn)
		for _, c := range children {
			c.parents = removeOGN(c.parents, ogn)
			for _, p := range parents {
				g.linkLocked(p, c)
			}
			if len(c.parents) == 0 {
				g.linkLocked(g.root, c)
			}
		}
	}
}

func (g *Graph) markDownstreamBlockedLocked(op *UserOp) {
	var frontier []*OGN
	if o := g.findOGNLocked(op, RoleSrc); o != nil {
		frontier = append(frontier, o.children...)
	}
	if o := g.findOGNLocked(op, RoleDst); o != nil {
		frontier = append(frontier, o.children...)
	}

	seen := map[*OGN]bool{}
	for len(frontier) > 0 {
		o := frontier[0]
		frontier = frontier[1:]
		if seen[o] || o.IsRoot() {
			continue
		}
		seen[o] = true
		if o.Op != op {
			o.Op.Status = BlockedByError
		}
		frontier = append(frontier, o.children...)
	}
}

func (g *Graph) batchDrainedLocked(batchUID uint64) bool {
	for _, ogns := range g.perNodeQueue {
		for _, o := range ogns {
			if o.Op.BatchUID == batchUID {
				return false
			}
		}
	}
	return true
}

// RetryFailedOp implements spec §4.7's retry_failed_op.
func (g *Graph) RetryFailedOp(opUID uint64) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	ogn := g.findByOpUIDLocked(opUID)
	if ogn == nil {
		return errors.NodeNotFound
	}

	switch ogn.Op.Status {
	case StoppedOnError:
		ogn.Op.Status = NotStarted
		g.resetDownstreamLocked(ogn)
	case BlockedByError:
		g.resetUpstreamFailuresLocked(ogn)
	}
	g.cond.Broadcast()
	return nil
}

// RetryAllFailedOps resets every failed/blocked status in the graph.
func (g *Graph) RetryAllFailedOps() {
	g.mu.Lock()
	defer g.mu.Unlock()
	seen := map[*UserOp]bool{}
	for _, ogns := range g.perNodeQueue {
		for _, o := range ogns {
			if seen[o.Op] {
				continue
			}
			seen[o.Op] = true
			if o.Op.Status.IsFailed() {
				o.Op.Status = NotStarted
			}
		}
	}
	g.cond.Broadcast()
}

func (g *Graph) resetDownstreamLocked(ogn *OGN) {
	frontier := append([]*OGN(nil), ogn.children...)
	seen := map[*OGN]bool{}
	for len(frontier) > 0 {
		o := frontier[0]
		frontier = frontier[1:]
		if seen[o] || o.IsRoot() {
			continue
		}
		seen[o] = true
		if o.Op.Status != BlockedByError {
			continue
		}
		if !g.anyParentFailedLocked(o) {
			o.Op.Status = NotStarted
		}
		frontier = append(frontier, o.children...)
	}
}

func (g *Graph) anyParentFailedLocked(ogn *OGN) bool {
	for _, p := range ogn.parents {
		if !p.IsRoot() && p.Op.Status.IsFailed() {
			return true
		}
	}
	return false
}

func (g *Graph) resetUpstreamFailuresLocked(ogn *OGN) {
	frontier := append([]*OGN(nil), ogn.parents...)
	seen := map[*OGN]bool{}
	for len(frontier) > 0 {
		o := frontier[0]
		frontier = frontier[1:]
		if seen[o] || o.IsRoot() {
			continue
		}
		seen[o] = true
		if o.Op.Status == StoppedOnError {
			o.Op.Status = NotStarted
			g.resetDownstreamLocked(o)
		}
		frontier = append(frontier, o.parents...)
	}
}

func (g *Graph) findByOpUIDLocked(opUID uint64) *OGN {
	for _, ogns := range g.perNodeQueue {
		for _, o := range ogns {
			if o.Op.OpUID == opUID {
				return o
			}
		}
	}
	return nil
}

// Shutdown flips the graph's cancellation flag and wakes every blocked
// GetNextOp caller, each of which returns nil (spec §5 "Cancellation").
func (g *Graph) Shutdown() {
	g.mu.Lock()
	g.shutdown = true
	g.mu.Unlock()
	g.cond.Broadcast()
}

// DebugString renders a small human-readable summary, used in logs and
// tests, never parsed.
func (g *Graph) DebugString() string {
	g.mu.Lock()
	defer g.mu.Unlock()
	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("OpGraph{nodes=%d, outstanding=%d, maxOpUID=%d}\n",
		len(g.perNodeQueue), len(g.outstanding), g.maxInsertedOpUID))
	for _, child := range g.root.children {
		sb.WriteString(fmt.Sprintf("  root -> op#%d %s %s (dev=%d node=%d)\n",
			child.Op.OpUID, child.Op.Code, child.Op.Status, child.Target.DeviceUID, child.Target.NodeUID))
	}
	return sb.String()
}
