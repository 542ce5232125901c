package ipc

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMerge_Precedence(t *testing.T) {
	merged := Merge(
		map[string]any{"a": map[string]any{"x": 1}, "b": 2},
		map[string]any{"a": map[string]any{"y": 2}, "b": 3},
	)

	assert.Equal(t, map[string]any{
		"a": map[string]any{"x": 1, "y": 2},
		"b": 3,
	}, merged.Map())
}

func TestMerge_MismatchedShapes(t *testing.T) {
	fn := func() string { return "leaf" }

	merged := Merge(
		map[string]any{"a": map[string]any{"x": 1}, "b": fn, "list": []int{1}},
		map[string]any{"a": fn, "b": map[string]any{"y": 2}, "list": []int{2, 3}},
	)

	a, ok := merged.Lookup("a")
	require.True(t, ok)
	assert.Equal(t, "leaf", a.(func() string)())

	b, ok := merged.Sub("b")
	require.True(t, ok)
	assert.Equal(t, []string{"y"}, b.Keys())

	list, _ := merged.Lookup("list")
	assert.Equal(t, []int{2, 3}, list)
}

func TestMerge_KeepsUniqueKeys(t *testing.T) {
	merged := Merge(
		map[string]any{"theme": map[string]any{"getTheme": 1}},
		map[string]any{"fs": map[string]any{"getPathForFile": 2}},
	)
	assert.Equal(t, []string{"fs", "theme"}, merged.Keys())

	v, ok := merged.Get("theme.getTheme")
	require.True(t, ok)
	assert.Equal(t, 1, v)

	_, ok = merged.Get("theme.getTheme.deeper")
	assert.False(t, ok)
}

func TestMerge_Stable(t *testing.T) {
	left := map[string]any{"a": map[string]any{"x": 1}}
	right := map[string]any{"a": map[string]any{"y": 2}}
	assert.Equal(t, Merge(left, right).Map(), Merge(left, right).Map())
}

func TestTree_Frozen(t *testing.T) {
	src := map[string]any{"a": map[string]any{"x": 1}, "b": 2}
	tree := Freeze(src)

	// Mutating the source after freezing does not leak in.
	src["c"] = 3
	src["a"].(map[string]any)["z"] = 9
	assert.Equal(t, []string{"a", "b"}, tree.Keys())
	_, ok := tree.Get("a.z")
	assert.False(t, ok)

	// Mutating an exported copy does not leak in either.
	copied := tree.Map()
	copied["b"] = 100
	copied["a"].(map[string]any)["x"] = 100
	b, _ := tree.Lookup("b")
	assert.Equal(t, 2, b)
	x, _ := tree.Get("a.x")
	assert.Equal(t, 1, x)
}

func TestTree_LeavesAndNest(t *testing.T) {
	leaves := map[string]any{"theme.getTheme": 1, "theme.on.updated": 2, "auth.login": 3}
	tree := Freeze(Nest(leaves))
	assert.Equal(t, leaves, tree.Leaves())
	assert.Equal(t, 2, tree.Len())
}
