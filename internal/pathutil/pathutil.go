// Package pathutil provides the path normalization helpers shared by the
// policy engine and the sandbox builder. Normalization resolves "." and
// ".." segments and symlinks so that policy decisions are made against the
// path the kernel would actually open.
package pathutil

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// evalSymlinks is the symlink resolver used by Normalize. It is a variable
// so tests can simulate resolution failures.
var evalSymlinks = filepath.EvalSymlinks

// Normalize returns an absolute, cleaned form of path with every symlink in
// its longest existing prefix resolved. Components that do not exist yet are
// appended unchanged to the resolved prefix, so a path to a file that is
// about to be created is still normalized through its parent directories.
func Normalize(path string) (string, error) {
	if path == "" {
		return "", errors.New("pathutil: empty path")
	}
	if ContainsNullByte(path) {
		return "", fmt.Errorf("pathutil: path %q contains a null byte", path)
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return "", fmt.Errorf("pathutil: cannot make %q absolute: %w", path, err)
	}

	// Walk up until a component exists, remembering what was stripped.
	existing := abs
	var rest []string
	for {
		if _, err := os.Lstat(existing); err == nil {
			break
		}
		parent := filepath.Dir(existing)
		if parent == existing {
			return abs, nil
		}
		rest = append(rest, filepath.Base(existing))
		existing = parent
	}

	resolved, err := evalSymlinks(existing)
	if err != nil {
		// A dangling link or permission problem: fall back to the lexical form.
		return abs, nil
	}
	for i := len(rest) - 1; i >= 0; i-- {
		resolved = filepath.Join(resolved, rest[i])
	}
	return resolved, nil
}

// ExpandHome replaces a leading "~", "$HOME" or "${HOME}" with home.
// Other paths are returned unchanged.
func ExpandHome(path, home string) string {
	if home == "" {
		return path
	}
	for _, prefix := range []string{"${HOME}", "$HOME", "~"} {
		if path == prefix {
			return home
		}
		if strings.HasPrefix(path, prefix+"/") {
			return filepath.Join(home, path[len(prefix)+1:])
		}
	}
	return path
}

// Ancestors returns path followed by each of its parent directories up to
// and including the filesystem root. path is expected to be clean.
func Ancestors(path string) []string {
	chain := []string{path}
	for {
		parent := filepath.Dir(path)
		if parent == path {
			return chain
		}
		chain = append(chain, parent)
		path = parent
	}
}

// IsGlobPattern returns true if the string contains glob metacharacters.
func IsGlobPattern(s string) bool {
	return strings.ContainsAny(s, "*?[{")
}

// FindFirstNonExistent returns the first component in a path that does not
// exist. Returns "" if the entire path exists.
func FindFirstNonExistent(path string) string {
	chain := Ancestors(filepath.Clean(path))
	for i := len(chain) - 1; i >= 0; i-- {
		if _, err := os.Stat(chain[i]); err != nil {
			return chain[i]
		}
	}
	return ""
}

// ContainsNullByte returns true if the string contains a null byte.
func ContainsNullByte(s string) bool {
	return strings.ContainsRune(s, '\x00')
}
