// Package graph implements the column dependency graph: edge lookups,
// transitive closures, cycle detection, and topological sorting. The
// control plane persists dependencies; this service reads them through
// the DependencyStore interface and enforces cycle freedom before any
// edge is created.
package graph

import (
	"context"
	"fmt"
)

// DependencyStore reads the active dependency edges for an entity scope.
// An edge (dependent, required) means required must be generated before
// dependent.
type DependencyStore interface {
	ActiveDependencies(ctx context.Context) ([]Edge, error)
}

// Edge is one directed dependency.
type Edge struct {
	DependentID string
	RequiredID  string
}

// ErrCycle is returned when a topological sort finds a cycle.
type ErrCycle struct {
	ColumnID string
}

func (e *ErrCycle) Error() string {
	return fmt.Sprintf("dependency cycle detected at column %s", e.ColumnID)
}

// Service answers dependency queries over a snapshot of edges.
type Service struct {
	store DependencyStore
}

// NewService creates a graph service over the store.
func NewService(store DependencyStore) *Service {
	return &Service{store: store}
}

// Snapshot is an immutable in-memory view of the edge set.
type Snapshot struct {
	// dependents[r] = columns that require r (incoming edges of r).
	dependents map[string][]string
	// requirements[d] = columns that d requires (outgoing edges of d).
	requirements map[string][]string
	edges        map[[2]string]struct{}
}

// Load materializes the current edge set.
func (s *Service) Load(ctx context.Context) (*Snapshot, error) {
	edges, err := s.store.ActiveDependencies(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to load dependency edges: %w", err)
	}
	return NewSnapshot(edges), nil
}

// NewSnapshot builds a snapshot from an explicit edge list.
func NewSnapshot(edges []Edge) *Snapshot {
	snap := &Snapshot{
		dependents:   make(map[string][]string),
		requirements: make(map[string][]string),
		edges:        make(map[[2]string]struct{}, len(edges)),
	}
	for _, e := range edges {
		key := [2]string{e.DependentID, e.RequiredID}
		if _, dup := snap.edges[key]; dup {
			continue
		}
		snap.edges[key] = struct{}{}
		snap.requirements[e.DependentID] = append(snap.requirements[e.DependentID], e.RequiredID)
		snap.dependents[e.RequiredID] = append(snap.dependents[e.RequiredID], e.DependentID)
	}
	return snap
}

// DirectDependencies returns the columns col directly requires.
func (s *Snapshot) DirectDependencies(col string) []string {
	return append([]string(nil), s.requirements[col]...)
}

// DirectDependents returns the columns that directly require col.
func (s *Snapshot) DirectDependents(col string) []string {
	return append([]string(nil), s.dependents[col]...)
}

// AllDependencies returns the transitive requirement closure of col,
// excluding col itself.
func (s *Snapshot) AllDependencies(col string) map[string]struct{} {
	return s.closure(col, s.requirements)
}

// AllDependents returns the transitive dependent closure of col,
// excluding col itself.
func (s *Snapshot) AllDependents(col string) map[string]struct{} {
	return s.closure(col, s.dependents)
}

func (s *Snapshot) closure(root string, adjacency map[string][]string) map[string]struct{} {
	visited := map[string]struct{}{}
	stack := append([]string(nil), adjacency[root]...)
	for len(stack) > 0 {
		node := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if _, seen := visited[node]; seen {
			continue
		}
		visited[node] = struct{}{}
		stack = append(stack, adjacency[node]...)
	}
	delete(visited, root)
	return visited
}

// WouldCreateCycle decides whether adding the edge dependent→required
// would introduce a directed cycle:
//
//  1. a self-edge is always a cycle;
//  2. re-adding an existing edge creates no new cycle;
//  3. the reverse edge existing is an immediate 2-cycle;
//  4. otherwise, a path from required back to dependent closes a loop.
func (s *Snapshot) WouldCreateCycle(dependent, required string) bool {
	if dependent == required {
		return true
	}
	if _, exists := s.edges[[2]string{dependent, required}]; exists {
		return false
	}
	if _, reverse := s.edges[[2]string{required, dependent}]; reverse {
		return true
	}

	// DFS along requirement edges starting at required.
	visited := map[string]struct{}{}
	stack := []string{required}
	for len(stack) > 0 {
		node := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if node == dependent {
			return true
		}
		if _, seen := visited[node]; seen {
			continue
		}
		visited[node] = struct{}{}
		stack = append(stack, s.requirements[node]...)
	}
	return false
}

// visit markers for the iterative topological sort.
type mark uint8

const (
	unvisited mark = iota
	temporary
	visited
)

// frame is one node on the iterative DFS stack.
type frame struct {
	node     string
	expanded bool
}

// TopologicalSort orders cols so that every requirement precedes its
// dependents. Only edges between members of cols are considered. The
// order is deterministic under a given input ordering. A cycle among the
// input columns yields *ErrCycle.
//
// Marker semantics: a node is temporary exactly while a frame for it is
// active on the stack, so encountering a temporary requirement during
// edge expansion means the current path loops back.
func (s *Snapshot) TopologicalSort(cols []string) ([]string, error) {
	inSet := make(map[string]struct{}, len(cols))
	for _, c := range cols {
		inSet[c] = struct{}{}
	}

	marks := make(map[string]mark, len(cols))
	order := make([]string, 0, len(cols))

	for _, root := range cols {
		if marks[root] != unvisited {
			continue
		}
		stack := []frame{{node: root}}
		for len(stack) > 0 {
			top := &stack[len(stack)-1]
			if top.expanded {
				stack = stack[:len(stack)-1]
				marks[top.node] = visited
				order = append(order, top.node)
				continue
			}
			if marks[top.node] == visited {
				// Re-pushed from a second parent after completion.
				stack = stack[:len(stack)-1]
				continue
			}
			top.expanded = true
			marks[top.node] = temporary

			for _, req := range s.requirements[top.node] {
				if _, ok := inSet[req]; !ok {
					continue
				}
				switch marks[req] {
				case temporary:
					return nil, &ErrCycle{ColumnID: req}
				case unvisited:
					stack = append(stack, frame{node: req})
				}
			}
		}
	}

	return order, nil
}
