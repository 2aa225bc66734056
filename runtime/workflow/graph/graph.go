// Package graph orders workflow definitions for execution and computes the
// node sets masked by condition branches.
package graph

import (
	"github.com/loomhq/loom/runtime/workflow"
)

// Step is one node in execution order together with the ids of its direct
// predecessors (incoming-edge sources, not a spanning tree).
type Step struct {
	NodeID    string
	Type      workflow.NodeType
	DependsOn []string
}

// Order computes a topological ordering of the definition using Kahn's
// algorithm. In-degree-zero nodes seed the queue in definition order, which
// keeps traversal deterministic. When the definition contains a cycle the
// unvisited nodes are returned in dropped and silently excluded from the
// ordering; callers log the degradation and continue.
func Order(def workflow.Definition) (steps []Step, dropped []string) {
	indegree := make(map[string]int, len(def.Nodes))
	adjacency := make(map[string][]string, len(def.Nodes))
	preds := make(map[string][]string, len(def.Nodes))
	for _, n := range def.Nodes {
		indegree[n.ID] = 0
	}
	for _, e := range def.Edges {
		if _, ok := indegree[e.Source]; !ok {
			continue
		}
		if _, ok := indegree[e.Target]; !ok {
			continue
		}
		adjacency[e.Source] = append(adjacency[e.Source], e.Target)
		preds[e.Target] = append(preds[e.Target], e.Source)
		indegree[e.Target]++
	}

	var queue []string
	for _, n := range def.Nodes {
		if indegree[n.ID] == 0 {
			queue = append(queue, n.ID)
		}
	}

	visited := make(map[string]bool, len(def.Nodes))
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		visited[id] = true
		node, _ := def.Node(id)
		steps = append(steps, Step{
			NodeID:    id,
			Type:      node.Type,
			DependsOn: append([]string(nil), preds[id]...),
		})
		for _, next := range adjacency[id] {
			indegree[next]--
			if indegree[next] == 0 {
				queue = append(queue, next)
			}
		}
	}

	if len(steps) < len(def.Nodes) {
		for _, n := range def.Nodes {
			if !visited[n.ID] {
				dropped = append(dropped, n.ID)
			}
		}
	}
	return steps, dropped
}

// Descendants returns every node reachable from start via any edge,
// excluding start itself.
func Descendants(def workflow.Definition, start string) map[string]bool {
	adjacency := make(map[string][]string, len(def.Nodes))
	for _, e := range def.Edges {
		adjacency[e.Source] = append(adjacency[e.Source], e.Target)
	}
	out := make(map[string]bool)
	stack := append([]string(nil), adjacency[start]...)
	for len(stack) > 0 {
		id := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if out[id] {
			continue
		}
		out[id] = true
		stack = append(stack, adjacency[id]...)
	}
	delete(out, start)
	return out
}

// SkipSet computes the nodes masked by a condition node resolving to result.
//
// Outgoing edges whose handle matches the resolved branch are kept (falling
// back to default edges when the branch has none); edges matching the
// opposite branch are dropped. The skip set is the dropped targets and their
// descendants minus the kept targets and their descendants, so a node
// reachable from both branches (diamond merge) is never skipped.
func SkipSet(def workflow.Definition, conditionID string, result bool) map[string]bool {
	keepHandle, dropHandle := "false", "true"
	if result {
		keepHandle, dropHandle = "true", "false"
	}

	var keep, drop, dflt []workflow.Edge
	for _, e := range def.Edges {
		if e.Source != conditionID {
			continue
		}
		switch e.SourceHandle {
		case keepHandle:
			keep = append(keep, e)
		case dropHandle:
			drop = append(drop, e)
		default:
			dflt = append(dflt, e)
		}
	}
	if len(keep) == 0 {
		keep = dflt
	}

	skip := make(map[string]bool)
	for _, e := range drop {
		skip[e.Target] = true
		for id := range Descendants(def, e.Target) {
			skip[id] = true
		}
	}
	for _, e := range keep {
		delete(skip, e.Target)
		for id := range Descendants(def, e.Target) {
			delete(skip, id)
		}
	}
	delete(skip, conditionID)
	return skip
}
