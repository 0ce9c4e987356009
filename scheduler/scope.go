package scheduler

import "github.com/oocana/oocana-core/manifest"

// Scope is one frame of the running-scope chain: either the package scope
// at the root of a session, or a subflow scope entered when a subflow node
// activates. Slot resolution walks the chain from the innermost frame
// outward until it finds a provider for the slot's node-id (spec §4.4,
// §9 Open Question area on slot scoping).
type Scope struct {
	FlowPath string
	// Slots binds a slot node-id, as declared inside FlowPath, to the
	// node-id of a provider node in the flow that instantiated this
	// subflow. A slot resolves to the values that provider node has
	// already produced; no provider block is run for the slot itself.
	Slots map[string]string
}

// ScopeStack is an immutable, persistent chain of Scope frames: the
// innermost frame plus a pointer to the (also immutable) parent chain.
// Concurrent subflow activations each build their own child chain off the
// same parent and hand it to their own child Scheduler, so no two
// activations ever share a mutable frame slice (spec §5 "append-only per
// subflow expansion and copy-shared to child schedulers; never mutated
// after frame push").
type ScopeStack struct {
	parent *ScopeStack
	frame  Scope
}

// NewScopeStack returns a chain of one frame: the package (root) scope.
func NewScopeStack(rootFlowPath string) *ScopeStack {
	return &ScopeStack{frame: Scope{FlowPath: rootFlowPath, Slots: map[string]string{}}}
}

// WithFrame returns a new chain with frame appended as the innermost link,
// leaving s (and every chain built from it) untouched.
func (s *ScopeStack) WithFrame(frame Scope) *ScopeStack {
	return &ScopeStack{parent: s, frame: frame}
}

// ResolveSlot scans from the innermost frame outward for a provider bound
// to slotNodeID, returning ("", false) if none is found anywhere on the
// chain (an unfilled slot, spec §4.1 "Slot: abstract node filled at use-site").
func (s *ScopeStack) ResolveSlot(slotNodeID string) (string, bool) {
	for cur := s; cur != nil; cur = cur.parent {
		if provider, ok := cur.frame.Slots[slotNodeID]; ok {
			return provider, true
		}
	}
	return "", false
}

// slotProviders builds the Slots map for a child scope frame from the
// parent node's own Slots declaration (manifest.Node.Slots).
func slotProviders(node *manifest.Node) map[string]string {
	if node.Slots == nil {
		return map[string]string{}
	}
	out := make(map[string]string, len(node.Slots))
	for k, v := range node.Slots {
		out[k] = v
	}
	return out
}
