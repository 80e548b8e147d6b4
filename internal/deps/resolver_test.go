package deps

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func indexOf(t *testing.T, order []string, name string) int {
	t.Helper()
	for i, v := range order {
		if v == name {
			return i
		}
	}
	t.Fatalf("table %q not found in order %v", name, order)
	return -1
}

func TestResolveLinearChain(t *testing.T) {
	// orders references users, order_items references orders.
	res := Resolve(
		[]string{"order_items", "orders", "users"},
		map[string][]string{
			"orders":      {"users"},
			"order_items": {"orders"},
		},
	)
	require.False(t, res.HasCycles())
	assert.Equal(t, []string{"users", "orders", "order_items"}, res.Order)
}

func TestResolveParentsBeforeChildren(t *testing.T) {
	tables := []string{"a", "b", "c", "d", "e"}
	parents := map[string][]string{
		"b": {"a"},
		"c": {"a"},
		"d": {"b", "c"},
		"e": {"d"},
	}
	res := Resolve(tables, parents)
	require.False(t, res.HasCycles())
	require.Len(t, res.Order, 5)
	for child, ps := range parents {
		for _, parent := range ps {
			assert.Less(t, indexOf(t, res.Order, parent), indexOf(t, res.Order, child),
				"parent %s must precede child %s", parent, child)
		}
	}
}

func TestResolveStableTieBreakByInputOrder(t *testing.T) {
	tables := []string{"zebra", "apple", "mango"}
	first := Resolve(tables, nil)
	require.False(t, first.HasCycles())
	// No edges: output preserves input order, not alphabetical order.
	assert.Equal(t, tables, first.Order)

	for i := 0; i < 10; i++ {
		again := Resolve(tables, nil)
		assert.Equal(t, first.Order, again.Order, "resolver must be deterministic")
	}
}

func TestResolveIgnoresSelfReferences(t *testing.T) {
	res := Resolve(
		[]string{"employees"},
		map[string][]string{"employees": {"employees"}},
	)
	require.False(t, res.HasCycles())
	assert.Equal(t, []string{"employees"}, res.Order)
}

func TestResolveIgnoresEdgesOutsideSet(t *testing.T) {
	res := Resolve(
		[]string{"orders"},
		map[string][]string{"orders": {"users"}}, // users not being synced
	)
	require.False(t, res.HasCycles())
	assert.Equal(t, []string{"orders"}, res.Order)
}

func TestResolveThreeNodeCycle(t *testing.T) {
	tables := []string{"a", "b", "c"}
	res := Resolve(tables, map[string][]string{
		"a": {"c"},
		"b": {"a"},
		"c": {"b"},
	})
	require.True(t, res.HasCycles())

	// All three nodes still appear exactly once.
	require.Len(t, res.Order, 3)
	seen := map[string]int{}
	for _, tbl := range res.Order {
		seen[tbl]++
	}
	for _, tbl := range tables {
		assert.Equal(t, 1, seen[tbl])
	}

	require.Len(t, res.Cycles, 1)
	assert.ElementsMatch(t, tables, res.Cycles[0])
}

func TestResolveCycleDoesNotPoisonAcyclicPortion(t *testing.T) {
	tables := []string{"users", "orders", "x", "y"}
	res := Resolve(tables, map[string][]string{
		"orders": {"users"},
		"x":      {"y"},
		"y":      {"x"},
	})
	require.True(t, res.HasCycles())
	require.Len(t, res.Order, 4)
	assert.Less(t, indexOf(t, res.Order, "users"), indexOf(t, res.Order, "orders"))
	// Acyclic tables come first; cycle members are appended.
	assert.Equal(t, []string{"users", "orders"}, res.Order[:2])
	require.Len(t, res.Cycles, 1)
	assert.ElementsMatch(t, []string{"x", "y"}, res.Cycles[0])
}

func TestResolveDeduplicatesParallelEdges(t *testing.T) {
	// Two FK columns to the same parent must count as one prerequisite.
	res := Resolve(
		[]string{"messages", "users"},
		map[string][]string{"messages": {"users", "users"}},
	)
	require.False(t, res.HasCycles())
	assert.Equal(t, []string{"users", "messages"}, res.Order)
}
