// Package envutil manipulates environment slices in "KEY=VALUE" form.
package envutil

import (
	"sort"
	"strings"
)

// key returns the portion of an environment entry before the first '='.
func key(entry string) string {
	if idx := strings.IndexByte(entry, '='); idx >= 0 {
		return entry[:idx]
	}
	return entry
}

// GetEnv gets a value from an env slice.
// Returns the value and true if found, or empty string and false if not.
// When a key appears more than once the last entry wins, matching exec.Cmd.
func GetEnv(env []string, name string) (string, bool) {
	prefix := name + "="
	for i := len(env) - 1; i >= 0; i-- {
		if strings.HasPrefix(env[i], prefix) {
			return env[i][len(prefix):], true
		}
	}
	return "", false
}

// Overlay applies the variables in overlay on top of base and returns a new
// slice. Entries of base whose key is overridden are replaced in place;
// new keys are appended in sorted order so the result is deterministic.
func Overlay(base []string, overlay map[string]string) []string {
	result := make([]string, 0, len(base)+len(overlay))
	seen := make(map[string]bool, len(overlay))
	for _, e := range base {
		k := key(e)
		if v, ok := overlay[k]; ok {
			if !seen[k] {
				result = append(result, k+"="+v)
				seen[k] = true
			}
			continue
		}
		result = append(result, e)
	}

	added := make([]string, 0, len(overlay))
	for k := range overlay {
		if !seen[k] {
			added = append(added, k)
		}
	}
	sort.Strings(added)
	for _, k := range added {
		result = append(result, k+"="+overlay[k])
	}
	return result
}
