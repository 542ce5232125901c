package ipc

import (
	"sort"
	"strings"
)

// Tree is an immutable nested map. Branches are Trees; anything else is a
// leaf. The zero value is an empty tree.
type Tree struct {
	m map[string]any
}

// Freeze deep-copies m into a Tree. Nested map[string]any and Tree values
// become branches; slices, funcs and other values are kept as leaves.
func Freeze(m map[string]any) Tree {
	out := make(map[string]any, len(m))
	for k, v := range m {
		if branch, ok := asBranch(v); ok {
			out[k] = branch
			continue
		}
		out[k] = v
	}
	return Tree{m: out}
}

// asBranch reports whether v is a plain branch and returns it frozen.
func asBranch(v any) (Tree, bool) {
	switch b := v.(type) {
	case Tree:
		return b, true
	case map[string]any:
		return Freeze(b), true
	default:
		return Tree{}, false
	}
}

// Merge combines primary and secondary into a new frozen Tree. Keys that are
// branches on both sides merge recursively; for every other conflict the
// secondary value wins.
func Merge(primary, secondary map[string]any) Tree {
	return MergeTrees(Freeze(primary), Freeze(secondary))
}

// MergeTrees is Merge for already frozen trees.
func MergeTrees(primary, secondary Tree) Tree {
	out := make(map[string]any, len(primary.m)+len(secondary.m))
	for k, v := range primary.m {
		out[k] = v
	}
	for k, right := range secondary.m {
		left, exists := out[k]
		lt, lok := left.(Tree)
		rt, rok := right.(Tree)
		if exists && lok && rok {
			out[k] = MergeTrees(lt, rt)
			continue
		}
		out[k] = right
	}
	return Tree{m: out}
}

// Len returns the number of top-level keys.
func (t Tree) Len() int { return len(t.m) }

// Keys returns the sorted top-level keys.
func (t Tree) Keys() []string {
	keys := make([]string, 0, len(t.m))
	for k := range t.m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Lookup returns the top-level value for key.
func (t Tree) Lookup(key string) (any, bool) {
	v, ok := t.m[key]
	return v, ok
}

// Sub returns the branch at key.
func (t Tree) Sub(key string) (Tree, bool) {
	v, ok := t.m[key].(Tree)
	return v, ok
}

// Get resolves a dotted path such as "theme.on.updated".
func (t Tree) Get(path string) (any, bool) {
	cur := t
	parts := strings.Split(path, ".")
	for i, p := range parts {
		v, ok := cur.m[p]
		if !ok {
			return nil, false
		}
		if i == len(parts)-1 {
			return v, true
		}
		next, ok := v.(Tree)
		if !ok {
			return nil, false
		}
		cur = next
	}
	return nil, false
}

// Leaves returns every leaf keyed by its dotted path.
func (t Tree) Leaves() map[string]any {
	out := map[string]any{}
	t.walk("", out)
	return out
}

func (t Tree) walk(prefix string, out map[string]any) {
	for k, v := range t.m {
		path := joinChannel(prefix, k)
		if sub, ok := v.(Tree); ok {
			sub.walk(path, out)
			continue
		}
		out[path] = v
	}
}

// Map returns a mutable deep copy. Changing it does not affect t.
func (t Tree) Map() map[string]any {
	out := make(map[string]any, len(t.m))
	for k, v := range t.m {
		if sub, ok := v.(Tree); ok {
			out[k] = sub.Map()
			continue
		}
		out[k] = v
	}
	return out
}

// Nest turns dotted leaf paths into a nested map suitable for Freeze.
func Nest(leaves map[string]any) map[string]any {
	root := map[string]any{}
	for path, v := range leaves {
		parts := strings.Split(path, ".")
		m := root
		for _, p := range parts[:len(parts)-1] {
			next, ok := m[p].(map[string]any)
			if !ok {
				next = map[string]any{}
				m[p] = next
			}
			m = next
		}
		m[parts[len(parts)-1]] = v
	}
	return root
}
