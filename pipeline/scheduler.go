// ABOUTME: Dependency-respecting execution ordering over pipeline nodes via Kahn's algorithm.
// ABOUTME: Ties are broken by ascending node ID so schedules are deterministic across runs.
package pipeline

import (
	"errors"
	"fmt"
	"sort"
)

// ErrCycleDetected is returned when the depends_on graph contains a cycle.
var ErrCycleDetected = errors.New("cycle_detected")

// unknownDependencyError marks a depends_on entry that names no node.
func unknownDependencyError(id string) error {
	return fmt.Errorf("unknown_dependency:%s", id)
}

// Order computes a topological execution order over the nodes. depends_on is
// both a data and a control dependency: a node never precedes anything it
// depends on. Returns ErrCycleDetected when no complete ordering exists.
func Order(nodes []*Node) ([]string, error) {
	byID := make(map[string]*Node, len(nodes))
	for _, n := range nodes {
		byID[n.ID] = n
	}

	inDegree := make(map[string]int, len(nodes))
	successors := make(map[string][]string, len(nodes))
	for _, n := range nodes {
		inDegree[n.ID] += 0
		for _, dep := range n.DependsOn {
			if _, ok := byID[dep]; !ok {
				return nil, unknownDependencyError(dep)
			}
			inDegree[n.ID]++
			successors[dep] = append(successors[dep], n.ID)
		}
	}

	var ready []string
	for id, deg := range inDegree {
		if deg == 0 {
			ready = append(ready, id)
		}
	}

	ordered := make([]string, 0, len(nodes))
	for len(ready) > 0 {
		sort.Strings(ready)
		next := ready[0]
		ready = ready[1:]
		ordered = append(ordered, next)

		for _, succ := range successors[next] {
			inDegree[succ]--
			if inDegree[succ] == 0 {
				ready = append(ready, succ)
			}
		}
	}

	if len(ordered) != len(nodes) {
		return nil, ErrCycleDetected
	}
	return ordered, nil
}

// subOrder orders a fan-out sub-schedule: only dependencies among the subset
// count, since everything outside it already completed in the parent schedule.
func subOrder(doc *Document, ids []string) ([]string, error) {
	subset := make(map[string]bool, len(ids))
	for _, id := range ids {
		subset[id] = true
	}

	nodes := make([]*Node, 0, len(ids))
	for _, id := range ids {
		n := doc.FindNode(id)
		if n == nil {
			return nil, unknownDependencyError(id)
		}
		trimmed := *n
		trimmed.DependsOn = nil
		for _, dep := range n.DependsOn {
			if subset[dep] {
				trimmed.DependsOn = append(trimmed.DependsOn, dep)
			}
		}
		nodes = append(nodes, &trimmed)
	}
	return Order(nodes)
}
