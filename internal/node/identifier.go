// Package node defines the engine's data model: device and UID types,
// node identifiers, and the Node tagged union (spec §3, §9 "Variant
// nodes / dispatch").
package node

import (
	"fmt"
	"strconv"
	"strings"
)

// UID is an opaque, process-globally unique, monotonically issued
// 64-bit identifier. Zero means "unset".
type UID uint64

// TreeType distinguishes the three device kinds the engine recognizes.
type TreeType int

const (
	TreeTypeLocal TreeType = iota
	TreeTypeRemote
	TreeTypeSuperRoot
)

func (t TreeType) String() string {
	switch t {
	case TreeTypeLocal:
		return "LOCAL"
	case TreeTypeRemote:
		return "REMOTE"
	case TreeTypeSuperRoot:
		return "SUPER_ROOT"
	default:
		return "UNKNOWN"
	}
}

// Device identifies one storage backend: the local filesystem, a single
// remote object store, or the synthetic super-root that parents them all.
type Device struct {
	UID          UID
	LongID       string
	TreeType     TreeType
	FriendlyName string
}

// SuperRootDeviceUID is reserved for the synthetic device that parents
// every real device in the registry.
const SuperRootDeviceUID UID = 1

// NodeIdentifier identifies a node within a device. Remote nodes may have
// more than one path (multiple parents); local nodes never do.
type NodeIdentifier struct {
	DeviceUID UID
	NodeUID   UID
	PathList  []string
}

// SPID is a NodeIdentifier constrained to exactly one path. Most of the
// engine's API works in terms of SPIDs: a node as seen from one parent.
type SPID struct {
	DeviceUID UID
	NodeUID   UID
	Path      string
}

// ToSPIDList expands a NodeIdentifier into one SPID per path. Local nodes
// always yield a single-element slice.
func (n NodeIdentifier) ToSPIDList() []SPID {
	out := make([]SPID, 0, len(n.PathList))
	for _, p := range n.PathList {
		out = append(out, SPID{DeviceUID: n.DeviceUID, NodeUID: n.NodeUID, Path: p})
	}
	return out
}

// GUID is the canonical, stable, comparable string form of a SPID, used as
// a row id by consumers outside the core (e.g. a display tree).
type GUID string

// NewGUID renders a SPID as a GUID.
func NewGUID(spid SPID) GUID {
	return GUID(fmt.Sprintf("%d:%d:%s", spid.DeviceUID, spid.NodeUID, spid.Path))
}

// GUID renders this SPID as a GUID.
func (s SPID) GUID() GUID { return NewGUID(s) }

// DecodeGUID parses a GUID back into the SPID it was rendered from. It
// is the inverse of NewGUID, used by consumers (e.g. drag-and-drop) that
// only have a row's GUID and need the device/node/path it addresses.
func DecodeGUID(g GUID) (SPID, error) {
	parts := strings.SplitN(string(g), ":", 3)
	if len(parts) != 3 {
		return SPID{}, fmt.Errorf("malformed GUID %q", g)
	}
	deviceUID, err := strconv.ParseUint(parts[0], 10, 64)
	if err != nil {
		return SPID{}, fmt.Errorf("malformed GUID %q: device uid: %w", g, err)
	}
	nodeUID, err := strconv.ParseUint(parts[1], 10, 64)
	if err != nil {
		return SPID{}, fmt.Errorf("malformed GUID %q: node uid: %w", g, err)
	}
	return SPID{DeviceUID: UID(deviceUID), NodeUID: UID(nodeUID), Path: parts[2]}, nil
}

// Key identifies a node within a device, independent of path -- the key
// used by per-node FIFO queues in the Op Graph and by in-memory tree
// lookups.
type Key struct {
	DeviceUID UID
	NodeUID   UID
}

// Key returns the device/node pair this SPID addresses.
func (s SPID) Key() Key { return Key{DeviceUID: s.DeviceUID, NodeUID: s.NodeUID} }

// Key returns the device/node pair this NodeIdentifier addresses.
func (n NodeIdentifier) Key() Key { return Key{DeviceUID: n.DeviceUID, NodeUID: n.NodeUID} }
