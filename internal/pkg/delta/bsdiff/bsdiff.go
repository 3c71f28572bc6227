// Package bsdiff binds the bsdiff binary delta format to the delta interfaces.
// Bundle files are small enough to be held in memory, which bsdiff requires for random access.
package bsdiff

import (
	"bytes"
	"errors"
	"fmt"
	"io"

	bsdiff2 "github.com/gabstv/go-bsdiff/pkg/bsdiff"
	"github.com/gabstv/go-bsdiff/pkg/bspatch"

	"github.com/unbasical/airborne/pkg/algorithm/delta"
)

const name = "bsdiff"

// ErrEmptyPatch is returned for a patch without content.
var ErrEmptyPatch = errors.New("empty bsdiff patch")

// MaxInputSize bounds every input that is read into memory.
const MaxInputSize = 512 << 20

type creator struct{}

// NewCreator returns a bsdiff delta.Differ.
func NewCreator() delta.Differ {
	return creator{}
}

func (creator) Name() string {
	return name
}

func (creator) Diff(oldfile io.Reader, newfile io.Reader) (io.ReadCloser, error) {
	return stream(func(w io.Writer) error {
		return bsdiff2.Reader(oldfile, newfile, w)
	}), nil
}

type patcher struct{}

// NewPatcher returns a bsdiff delta.Patcher.
func NewPatcher() delta.Patcher {
	return patcher{}
}

func (patcher) Name() string {
	return name
}

// Patch reads old and patch into memory and streams the patched content.
func (patcher) Patch(old io.Reader, patch io.Reader) (io.ReadCloser, error) {
	oldData, err := readBounded(old)
	if err != nil {
		return nil, fmt.Errorf("reading patch base: %w", err)
	}
	patchData, err := readBounded(patch)
	if err != nil {
		return nil, fmt.Errorf("reading patch: %w", err)
	}
	if len(patchData) == 0 {
		return nil, ErrEmptyPatch
	}
	return stream(func(w io.Writer) error {
		return bspatch.Reader(bytes.NewReader(oldData), w, bytes.NewReader(patchData))
	}), nil
}

func readBounded(r io.Reader) ([]byte, error) {
	data, err := io.ReadAll(io.LimitReader(r, MaxInputSize+1))
	if err != nil {
		return nil, err
	}
	if len(data) > MaxInputSize {
		return nil, fmt.Errorf("input exceeds %d bytes", MaxInputSize)
	}
	return data, nil
}

// stream runs produce in the background and exposes its output as a reader.
// An error of produce surfaces from Read.
func stream(produce func(w io.Writer) error) io.ReadCloser {
	pr, pw := io.Pipe()
	go func() {
		_ = pw.CloseWithError(produce(pw))
	}()
	return pr
}
