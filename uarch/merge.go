package uarch

import (
	"fmt"
	"strings"
)

// The overlay marker key. An overlay map carrying "replace: true" replaces
// the base map wholesale instead of merging into it.
const replaceKey = "replace"

// MergeOverlay deep-merges overlay into base. Maps merge key by key; any
// other value, and any map marked with "replace: true", overwrites the base
// value.
func MergeOverlay(base, overlay map[string]any) {
	for key, val := range overlay {
		sub, ok := val.(map[string]any)
		if !ok {
			base[key] = val
			continue
		}
		if replace, _ := sub[replaceKey].(bool); replace {
			delete(sub, replaceKey)
			base[key] = sub
			continue
		}
		if cur, ok := base[key].(map[string]any); ok {
			MergeOverlay(cur, sub)
		} else {
			base[key] = sub
		}
	}
}

// ApplySetting sets the value at the dotted path in raw. Every element of
// the path except the last must already exist; mistyped paths fail instead
// of silently growing the tree.
func ApplySetting(raw map[string]any, path []string, value any) error {
	cur := raw
	for i, elem := range path[:len(path)-1] {
		next, ok := cur[elem].(map[string]any)
		if !ok {
			return fmt.Errorf("setting %s: no such element %q",
				strings.Join(path, "."), strings.Join(path[:i+1], "."))
		}
		cur = next
	}
	last := path[len(path)-1]
	if _, ok := cur[last]; !ok {
		return fmt.Errorf("setting %s: no such element", strings.Join(path, "."))
	}
	cur[last] = value
	return nil
}

// RemoveComments strips "description" and "__comment__*" keys, which carry
// documentation rather than configuration, from the whole tree.
func RemoveComments(raw map[string]any) {
	for key, val := range raw {
		if key == "description" || strings.HasPrefix(key, "__comment__") {
			delete(raw, key)
			continue
		}
		if sub, ok := val.(map[string]any); ok {
			RemoveComments(sub)
		}
	}
}
