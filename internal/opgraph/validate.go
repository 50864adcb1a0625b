package opgraph

import (
	"github.com/outlet-sync/outlet/internal/errors"
	"github.com/outlet-sync/outlet/internal/node"
)

// Validate checks the structural invariants V1-V5 from spec §4.7. It
// does not check that the per-node queues hold exactly the OGNs
// reachable from the graph root.
// Callers hold no lock; Validate acquires it itself.
func (g *Graph) Validate() error {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.validateLocked()
}

func (g *Graph) validateLocked() error {
	seenOpRoles := make(map[*UserOp]map[Role]bool)

	for _, queue := range g.perNodeQueue {
		for _, ogn := range queue {
			// V2: every OGN has at least one parent.
			if len(ogn.parents) == 0 {
				return errors.InvalidInsertOpGraph
			}

			roles := seenOpRoles[ogn.Op]
			if roles == nil {
				roles = make(map[Role]bool)
				seenOpRoles[ogn.Op] = roles
			}
			roles[ogn.Role] = true

			// V3: parents of an RM OGN are either all remove-type
			// children, or a single prior OGN for the same target.
			if ogn.Op.Code.IsRemove() {
				if len(ogn.parents) == 1 && !ogn.parents[0].IsRoot() && ogn.parents[0].Target == ogn.Target {
					// chained after a prior op targeting the same node: ok
				} else {
					for _, p := range ogn.parents {
						if p.IsRoot() {
							continue
						}
						if !p.Op.Code.IsRemove() {
							return errors.InvalidInsertOpGraph
						}
					}
				}
			}

			// V4: non-RM OGNs with two parents must be converse op types.
			if !ogn.Op.Code.IsRemove() && len(ogn.parents) == 2 {
				a, b := ogn.parents[0], ogn.parents[1]
				if !a.IsRoot() && !b.IsRoot() && a.Op == b.Op && a.Role == b.Role {
					return errors.InvalidInsertOpGraph
				}
			}

			// V5: FINISH_DIR's parents must target descendants of its own target.
			if ogn.Op.Code == OpFinishDir && g.structure != nil {
				for _, p := range ogn.parents {
					if p.IsRoot() {
						continue
					}
					if !g.isDescendantLocked(p.Target, ogn.Target) {
						return errors.InvalidInsertOpGraph
					}
				}
			}
		}
	}

	// V1: every binary op has exactly one src and one dst OGN.
	for op, roles := range seenOpRoles {
		if op.Code.IsBinary() {
			if !roles[RoleSrc] || !roles[RoleDst] {
				return errors.InvalidInsertOpGraph
			}
		} else if roles[RoleDst] {
			return errors.InvalidInsertOpGraph
		}
	}

	return nil
}

// isDescendantLocked reports whether candidate is ancestor's descendant,
// by walking candidate's structural ancestor chain.
func (g *Graph) isDescendantLocked(candidate, ancestor node.Key) bool {
	if candidate == ancestor {
		return true
	}
	seen := map[node.Key]bool{}
	frontier := []node.Key{candidate}
	for len(frontier) > 0 {
		k := frontier[0]
		frontier = frontier[1:]
		for _, p := range g.structure.ParentsOf(k) {
			if p == ancestor {
				return true
			}
			if !seen[p] {
				seen[p] = true
				frontier = append(frontier, p)
			}
		}
	}
	return false
}
