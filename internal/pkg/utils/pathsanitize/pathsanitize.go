package pathsanitize

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"
)

var ErrOutsideRoot = errors.New("path is outside of trusted root")

// SafeJoin joins elems to trustedRoot and rejects results that are not below it.
// The returned path is absolute.
func SafeJoin(trustedRoot string, elems ...string) (string, error) {
	root, err := filepath.Abs(trustedRoot)
	if err != nil {
		return "", err
	}
	p := filepath.Join(append([]string{root}, elems...)...)
	rel, err := filepath.Rel(root, p)
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrOutsideRoot, err)
	}
	if rel == "." || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("%w: %q", ErrOutsideRoot, filepath.Join(elems...))
	}
	return p, nil
}
