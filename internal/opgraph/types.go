// Package opgraph is the heart of the engine (spec §4.7): a rooted DAG
// over pending UserOps, guaranteeing each command only becomes ready
// once everything it depends on has completed.
//
// Grounded on original_source/outlet/be/exec/user_op/op_graph.py — the
// Python implementation this subsystem was distilled from — for the
// insertion rules, readiness scan, completion/rollback semantics, and
// ancestor-icon bookkeeping. Go-specific departures: OpGraphNode's
// Python class hierarchy becomes a flat OGN struct with a Role
// discriminator (src vs dst of its UserOp) rather than a subclass per
// op type; the condition-variable consumer block uses sync.Cond, same
// as the Python threading.Condition it's grounded on.
package opgraph

import "github.com/outlet-sync/outlet/internal/node"

// OpCode enumerates the UserOp types named in spec §4.7.
type OpCode int

const (
	OpMkdir OpCode = iota
	OpCopy
	OpMove
	OpRemove
	OpStartDir
	OpFinishDir
)

func (c OpCode) String() string {
	switch c {
	case OpMkdir:
		return "MKDIR"
	case OpCopy:
		return "CP"
	case OpMove:
		return "MV"
	case OpRemove:
		return "RM"
	case OpStartDir:
		return "START_DIR"
	case OpFinishDir:
		return "FINISH_DIR"
	default:
		return "UNKNOWN_OP"
	}
}

// IsBinary reports whether this op code has both a src and dst OGN.
func (c OpCode) IsBinary() bool { return c == OpCopy || c == OpMove }

// IsRemove reports whether this op code is a remove.
func (c OpCode) IsRemove() bool { return c == OpRemove }

// Status is a UserOp's lifecycle state. Both OGNs of a binary op share
// their owning UserOp's Status (spec §4.7 "Graph shape").
type Status int

const (
	NotStarted Status = iota
	CompletedOK
	CompletedNoOp
	StoppedOnError
	BlockedByError
)

func (s Status) String() string {
	switch s {
	case NotStarted:
		return "NOT_STARTED"
	case CompletedOK:
		return "COMPLETED_OK"
	case CompletedNoOp:
		return "COMPLETED_NO_OP"
	case StoppedOnError:
		return "STOPPED_ON_ERROR"
	case BlockedByError:
		return "BLOCKED_BY_ERROR"
	default:
		return "UNKNOWN_STATUS"
	}
}

func (s Status) IsCompleted() bool { return s == CompletedOK || s == CompletedNoOp }
func (s Status) IsFailed() bool    { return s == StoppedOnError || s == BlockedByError }

// UserOp is one user-requested mutation. Unary ops (MKDIR, RM,
// START_DIR, FINISH_DIR) use only Src; binary ops (CP, MV) use both.
type UserOp struct {
	OpUID    uint64
	BatchUID uint64
	Code     OpCode
	Src      node.Key
	Dst      node.Key // zero value iff !Code.IsBinary()
	Status   Status
}

// Role discriminates which side of a binary UserOp an OGN represents.
type Role int

const (
	RoleSrc Role = iota
	RoleDst
)

func (r Role) String() string {
	if r == RoleDst {
		return "dst"
	}
	return "src"
}

// OGN ("op graph node") is one node of the DAG: one per UserOp if
// unary, two (linked to the same UserOp) if binary.
type OGN struct {
	Op     *UserOp
	Role   Role
	Target node.Key // the node this OGN's op acts upon

	parents  []*OGN
	children []*OGN
}

// IsRoot reports whether this OGN is the graph's synthetic root.
func (o *OGN) IsRoot() bool { return o.Op == nil }

// IsChildOfRoot reports whether root is among this OGN's parents.
func (o *OGN) IsChildOfRoot() bool {
	for _, p := range o.parents {
		if p.IsRoot() {
			return true
		}
	}
	return false
}

// Parents returns a defensive copy of this OGN's parent list.
func (o *OGN) Parents() []*OGN { return append([]*OGN(nil), o.parents...) }

// Children returns a defensive copy of this OGN's child list.
func (o *OGN) Children() []*OGN { return append([]*OGN(nil), o.children...) }
