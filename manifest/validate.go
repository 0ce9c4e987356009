package manifest

import "fmt"

// validate runs four validation passes (the three from spec §4.1 plus the
// required-input check) over every reachable flow in the tree, each
// contributing diagnostics rather than
// failing fast so multiple problems surface in one run.
func (r *Resolver) validate(root *SubflowBlock) {
	visited := make(map[string]bool)
	r.validateFlow(root, visited)
}

func (r *Resolver) validateFlow(flow *SubflowBlock, visited map[string]bool) {
	if visited[flow.Path] {
		return
	}
	visited[flow.Path] = true

	r.validateDeclaredInputs(flow)
	r.validateRequiredInputsWired(flow)
	r.validateFromNodeTargets(flow)
	r.validateAcyclic(flow)

	for _, node := range flow.Nodes {
		if node.Subflow != nil && node.Subflow.Resolved != nil {
			r.validateFlow(node.Subflow.Resolved, visited)
		}
	}
}

// validateDeclaredInputs: every inputs_from target references a declared
// input handle on the node's own block.
func (r *Resolver) validateDeclaredInputs(flow *SubflowBlock) {
	for _, node := range flow.Nodes {
		block := nodeBlock(node)
		if block == nil {
			continue
		}
		declared := make(map[string]bool)
		for _, h := range block.InputsDef() {
			declared[h.ID] = true
		}
		for handle := range node.InputSources {
			if !declared[handle] {
				r.diagnostics = append(r.diagnostics, Diagnostic{
					Severity: SeverityError,
					Path:     fmt.Sprintf("%s.%s", node.NodeID, handle),
					Message:  "inputs_from target is not a declared input handle",
				})
			}
		}
	}
}

// validateRequiredInputsWired: every required input handle on a node's
// block has a source, either an inputs_from entry or the handle's own
// declared default (spec §8 scenario 2 "Required input missing").
func (r *Resolver) validateRequiredInputsWired(flow *SubflowBlock) {
	for _, node := range flow.Nodes {
		block := nodeBlock(node)
		if block == nil {
			continue
		}
		for _, h := range block.InputsDef() {
			if !h.Required {
				continue
			}
			if _, wired := node.InputSources[h.ID]; wired {
				continue
			}
			if h.Default != nil {
				continue
			}
			r.diagnostics = append(r.diagnostics, Diagnostic{
				Severity: SeverityError,
				Path:     fmt.Sprintf("%s.%s", node.NodeID, h.ID),
				Message:  "required input handle has no inputs_from entry or default value",
			})
		}
	}
}

// validateFromNodeTargets: every from_node reference names an existing
// node-id and one of its declared output handles.
func (r *Resolver) validateFromNodeTargets(flow *SubflowBlock) {
	for _, node := range flow.Nodes {
		for handle, src := range node.InputSources {
			if src.Kind != SourceFromNode {
				continue
			}
			upstream := flow.NodeByID(src.FromNodeID)
			if upstream == nil {
				r.diagnostics = append(r.diagnostics, Diagnostic{
					Severity: SeverityError,
					Path:     fmt.Sprintf("%s.%s", node.NodeID, handle),
					Message:  fmt.Sprintf("from_node references unknown node %q", src.FromNodeID),
				})
				continue
			}
			block := nodeBlock(upstream)
			if block == nil {
				continue
			}
			found := false
			for _, h := range block.OutputsDef() {
				if h.ID == src.FromNodeHandle {
					found = true
					break
				}
			}
			if !found {
				r.diagnostics = append(r.diagnostics, Diagnostic{
					Severity: SeverityError,
					Path:     fmt.Sprintf("%s.%s", node.NodeID, handle),
					Message:  fmt.Sprintf("from_node references undeclared output %s.%s", src.FromNodeID, src.FromNodeHandle),
				})
			}
		}
	}
}

// validateAcyclic builds a DAG over non-subflow edges (dropping ignore
// nodes per spec §3) and reports any cycle found.
func (r *Resolver) validateAcyclic(flow *SubflowBlock) {
	adjacency := make(map[string][]string)
	for _, node := range flow.Nodes {
		if node.Ignore {
			continue
		}
		for _, src := range node.InputSources {
			if src.Kind != SourceFromNode {
				continue
			}
			upstream := flow.NodeByID(src.FromNodeID)
			if upstream != nil && upstream.Ignore {
				continue
			}
			adjacency[src.FromNodeID] = append(adjacency[src.FromNodeID], node.NodeID)
		}
	}

	const (
		white = 0
		gray  = 1
		black = 2
	)
	color := make(map[string]int)

	var visit func(nodeID string, path []string) []string
	visit = func(nodeID string, path []string) []string {
		color[nodeID] = gray
		path = append(path, nodeID)
		for _, next := range adjacency[nodeID] {
			switch color[next] {
			case gray:
				return append(path, next)
			case white:
				if cyc := visit(next, path); cyc != nil {
					return cyc
				}
			}
		}
		color[nodeID] = black
		return nil
	}

	for _, node := range flow.Nodes {
		if node.Ignore || color[node.NodeID] != white {
			continue
		}
		if cyc := visit(node.NodeID, nil); cyc != nil {
			r.diagnostics = append(r.diagnostics, Diagnostic{
				Severity: SeverityError,
				Path:     flow.Path,
				Message:  fmt.Sprintf("intra-flow cycle: %v", cyc),
			})
			return
		}
	}
}

// nodeBlock returns the capability-interface view of whatever block a node
// resolved to, or nil for value nodes.
func nodeBlock(n *Node) Block {
	switch n.BlockKind {
	case BlockKindTask, BlockKindService:
		if n.Task != nil {
			return n.Task
		}
	case BlockKindSubflow:
		if n.Subflow != nil && n.Subflow.Resolved != nil {
			return n.Subflow.Resolved
		}
	case BlockKindSlot:
		if n.Slot != nil {
			return n.Slot
		}
	}
	return nil
}
