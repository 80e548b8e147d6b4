// Package deps orders tables by foreign-key dependency so that referenced
// (parent) tables are always processed before referencing (child) tables.
package deps

import (
	"sort"
)

// Result is the outcome of a resolve pass. Order always contains every input
// table exactly once; tables caught in a cycle are appended after the
// acyclic portion and reported in Cycles.
type Result struct {
	Order  []string
	Cycles [][]string
}

// HasCycles reports whether any circular FK dependency was detected.
func (r Result) HasCycles() bool { return len(r.Cycles) > 0 }

// Resolve topologically sorts tables with Kahn's algorithm. parents maps a
// child table to the tables it references via FK; edges pointing outside the
// table set and self-references are ignored. Ties are broken by original
// input order, so a fixed graph always yields the same order.
func Resolve(tables []string, parents map[string][]string) Result {
	inSet := make(map[string]bool, len(tables))
	for _, t := range tables {
		inSet[t] = true
	}

	// children[u] = tables that reference u; inDegree[v] = distinct parents
	// of v within the set.
	children := make(map[string][]string, len(tables))
	inDegree := make(map[string]int, len(tables))
	seenEdge := make(map[[2]string]bool)
	for _, t := range tables {
		inDegree[t] = 0
	}
	for child, ps := range parents {
		if !inSet[child] {
			continue
		}
		for _, parent := range ps {
			if parent == child || !inSet[parent] {
				continue
			}
			edge := [2]string{parent, child}
			if seenEdge[edge] {
				continue
			}
			seenEdge[edge] = true
			children[parent] = append(children[parent], child)
			inDegree[child]++
		}
	}

	done := make(map[string]bool, len(tables))
	order := make([]string, 0, len(tables))

	// Scanning the input slice for the next zero in-degree node keeps the
	// tie-break stable without an explicit priority queue. Table counts are
	// small enough that the quadratic scan does not matter.
	for len(order) < len(tables) {
		next := ""
		for _, t := range tables {
			if !done[t] && inDegree[t] == 0 {
				next = t
				break
			}
		}
		if next == "" {
			break // remaining nodes are all in cycles
		}
		done[next] = true
		order = append(order, next)
		for _, child := range children[next] {
			inDegree[child]--
		}
	}

	var remaining []string
	for _, t := range tables {
		if !done[t] {
			remaining = append(remaining, t)
		}
	}
	if len(remaining) == 0 {
		return Result{Order: order}
	}

	// Cycle members still get a slot in the output; ordering inside a cycle
	// is best effort and the orchestrator defers constraints for them.
	order = append(order, remaining...)
	return Result{Order: order, Cycles: groupCycles(remaining, parents, children)}
}

// groupCycles buckets the unresolved tables into connected components of the
// residual graph so each circular cluster is reported together.
func groupCycles(remaining []string, parents map[string][]string, children map[string][]string) [][]string {
	inRemaining := make(map[string]bool, len(remaining))
	for _, t := range remaining {
		inRemaining[t] = true
	}

	neighbors := func(t string) []string {
		var out []string
		for _, p := range parents[t] {
			if inRemaining[p] && p != t {
				out = append(out, p)
			}
		}
		for _, c := range children[t] {
			if inRemaining[c] && c != t {
				out = append(out, c)
			}
		}
		return out
	}

	visited := make(map[string]bool, len(remaining))
	var groups [][]string
	for _, start := range remaining {
		if visited[start] {
			continue
		}
		var group []string
		stack := []string{start}
		visited[start] = true
		for len(stack) > 0 {
			cur := stack[len(stack)-1]
			stack = stack[:len(stack)-1]
			group = append(group, cur)
			for _, n := range neighbors(cur) {
				if !visited[n] {
					visited[n] = true
					stack = append(stack, n)
				}
			}
		}
		sort.Strings(group)
		groups = append(groups, group)
	}
	return groups
}
