package workflow

import (
	"errors"
	"fmt"
)

// ErrInvalidDefinition wraps all definition validation failures so the API
// layer can map them to bad-request responses.
var ErrInvalidDefinition = errors.New("invalid workflow definition")

// Validate checks the structural invariants enforced on write: unique node
// ids, known node kinds, edges referencing existing nodes, at least one
// entry node, and required node configuration. Cycle detection is left to
// execution time, where unvisited nodes are dropped with a warning.
func (d Definition) Validate() error {
	if len(d.Nodes) == 0 {
		return fmt.Errorf("%w: at least one node is required", ErrInvalidDefinition)
	}
	seen := make(map[string]bool, len(d.Nodes))
	for _, n := range d.Nodes {
		if n.ID == "" {
			return fmt.Errorf("%w: node id is required", ErrInvalidDefinition)
		}
		if seen[n.ID] {
			return fmt.Errorf("%w: duplicate node id %q", ErrInvalidDefinition, n.ID)
		}
		seen[n.ID] = true
		if !n.Type.Known() {
			return fmt.Errorf("%w: unknown node type %q", ErrInvalidDefinition, n.Type)
		}
		if n.Type == NodeCondition {
			if s, _ := n.Data["expression"].(string); s == "" {
				return fmt.Errorf("%w: condition node %q requires an expression", ErrInvalidDefinition, n.ID)
			}
		}
	}
	indegree := make(map[string]int, len(d.Nodes))
	for _, e := range d.Edges {
		if !seen[e.Source] {
			return fmt.Errorf("%w: edge %q references unknown source %q", ErrInvalidDefinition, e.ID, e.Source)
		}
		if !seen[e.Target] {
			return fmt.Errorf("%w: edge %q references unknown target %q", ErrInvalidDefinition, e.ID, e.Target)
		}
		switch e.SourceHandle {
		case "", "true", "false":
		default:
			return fmt.Errorf("%w: edge %q has unsupported handle %q", ErrInvalidDefinition, e.ID, e.SourceHandle)
		}
		indegree[e.Target]++
	}
	entry := false
	for _, n := range d.Nodes {
		if indegree[n.ID] == 0 {
			entry = true
			break
		}
	}
	if !entry {
		return fmt.Errorf("%w: no entry node (every node has incoming edges)", ErrInvalidDefinition)
	}
	return nil
}

// TriggerNode returns the first trigger-kind node of the definition.
func (d Definition) TriggerNode() (Node, bool) {
	for _, n := range d.Nodes {
		if n.Type.IsTrigger() {
			return n, true
		}
	}
	return Node{}, false
}
