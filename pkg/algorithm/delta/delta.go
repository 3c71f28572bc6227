package delta

import (
	"io"

	"github.com/unbasical/airborne/pkg/algorithm"
)

// Patcher abstracts over the delta application aspect of a diffing algorithm.
type Patcher interface {
	algorithm.Algorithm
	// Patch returns a reader that yields the result of applying patch to old.
	Patch(old io.Reader, patch io.Reader) (io.ReadCloser, error)
}

// Differ abstracts over the delta creation aspect of a diffing algorithm.
type Differ interface {
	algorithm.Algorithm
	// Diff creates a patch from old to new.
	Diff(oldfile io.Reader, newfile io.Reader) (io.ReadCloser, error)
}
