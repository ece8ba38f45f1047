package storage

import (
	"fmt"
	"path/filepath"
	"strings"
)

// sanitizeName reduces untrusted input to a safe basename: null bytes,
// path separators and ".." sequences are stripped rather than escaped.
func sanitizeName(name string) (string, error) {
	name = strings.ReplaceAll(name, "\x00", "")
	name = strings.ReplaceAll(name, "/", "")
	name = strings.ReplaceAll(name, "\\", "")
	name = strings.ReplaceAll(name, "..", "")
	name = filepath.Base(name)
	name = strings.TrimSpace(name)

	if name == "" || name == "." {
		return "", ErrBadName
	}
	return name, nil
}

// resolveUnder joins name to dir and asserts the result still lives inside
// dir. Sanitization should already guarantee this; the check is the fail-
// closed backstop the rest of the store relies on.
func resolveUnder(dir, name string) (string, error) {
	absDir, err := filepath.Abs(dir)
	if err != nil {
		return "", fmt.Errorf("resolve %s: %w", dir, err)
	}
	path, err := filepath.Abs(filepath.Join(absDir, name))
	if err != nil {
		return "", fmt.Errorf("resolve %s: %w", name, err)
	}
	if path != absDir && !strings.HasPrefix(path, absDir+string(filepath.Separator)) {
		return "", fmt.Errorf("%w: %s", ErrPathEscape, name)
	}
	if path == absDir {
		return "", fmt.Errorf("%w: %s", ErrPathEscape, name)
	}
	return path, nil
}
