package workflow

import "fmt"

// Validate checks the §3 data-model invariant that a Workflow is valid
// iff it is a connected DAG rooted at StartNodeID, every edge
// references existing nodes, there are no cycles, and every
// conditional edge originates from a Condition node. The DAG executor
// calls this once at the top of Execute so a malformed
// definition surfaces as a ValidationError rather than as a confusing
// mid-traversal failure (cycle detected, unknown node, ...).
func (w *Workflow) Validate() error {
	if w.StartNodeID == "" {
		return NewValidationError(w.ID, "workflow has no start_node_id")
	}
	if _, ok := w.NodeByID(w.StartNodeID); !ok {
		return NewValidationError(w.ID, fmt.Sprintf("start_node_id %q does not reference a node", w.StartNodeID))
	}

	nodeKind := make(map[string]NodeKind, len(w.Nodes))
	for _, n := range w.Nodes {
		nodeKind[n.ID] = n.Kind
	}

	for _, e := range w.Edges {
		fromKind, ok := nodeKind[e.FromNodeID]
		if !ok {
			return NewValidationError(w.ID, fmt.Sprintf("edge %q references unknown from_node_id %q", e.ID, e.FromNodeID))
		}
		if _, ok := nodeKind[e.ToNodeID]; !ok {
			return NewValidationError(w.ID, fmt.Sprintf("edge %q references unknown to_node_id %q", e.ID, e.ToNodeID))
		}
		if e.ConditionResult != nil && fromKind != KindCondition {
			return NewValidationError(w.ID, fmt.Sprintf("edge %q has a condition_result but from_node_id %q is not a Condition node", e.ID, e.FromNodeID))
		}
	}

	if err := w.checkAcyclic(); err != nil {
		return err
	}
	if err := w.checkConnected(); err != nil {
		return err
	}
	return nil
}

// checkAcyclic runs a three-color DFS from every node (not just
// StartNodeID, since an edge may exist among unreachable nodes too) and
// fails on any back edge.
func (w *Workflow) checkAcyclic() error {
	const (
		white = 0
		gray  = 1
		black = 2
	)
	succ := make(map[string][]string, len(w.Nodes))
	for _, e := range w.Edges {
		succ[e.FromNodeID] = append(succ[e.FromNodeID], e.ToNodeID)
	}
	color := make(map[string]int, len(w.Nodes))

	var visit func(id string) error
	visit = func(id string) error {
		color[id] = gray
		for _, next := range succ[id] {
			switch color[next] {
			case gray:
				return NewValidationError(w.ID, fmt.Sprintf("cycle detected at node %q", next))
			case white:
				if err := visit(next); err != nil {
					return err
				}
			}
		}
		color[id] = black
		return nil
	}

	for _, n := range w.Nodes {
		if color[n.ID] == white {
			if err := visit(n.ID); err != nil {
				return err
			}
		}
	}
	return nil
}

// checkConnected verifies every node is reachable from StartNodeID
// along outbound edges (directed reachability, per §3 "connected DAG
// rooted at start_node_id").
func (w *Workflow) checkConnected() error {
	succ := make(map[string][]string, len(w.Nodes))
	for _, e := range w.Edges {
		succ[e.FromNodeID] = append(succ[e.FromNodeID], e.ToNodeID)
	}
	reached := make(map[string]bool, len(w.Nodes))
	stack := []string{w.StartNodeID}
	for len(stack) > 0 {
		id := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if reached[id] {
			continue
		}
		reached[id] = true
		stack = append(stack, succ[id]...)
	}
	for _, n := range w.Nodes {
		if !reached[n.ID] {
			return NewValidationError(w.ID, fmt.Sprintf("node %q is not reachable from start_node_id %q", n.ID, w.StartNodeID))
		}
	}
	return nil
}
