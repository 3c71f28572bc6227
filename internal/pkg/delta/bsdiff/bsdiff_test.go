package bsdiff

import (
	"bytes"
	"errors"
	"io"
	"strings"
	"testing"

	"github.com/unbasical/airborne/pkg/algorithm/delta"
)

var (
	_ delta.Differ  = creator{}
	_ delta.Patcher = patcher{}
)

func diff(t *testing.T, old, updated []byte) []byte {
	t.Helper()
	rc, err := NewCreator().Diff(bytes.NewReader(old), bytes.NewReader(updated))
	if err != nil {
		t.Fatal(err)
	}
	defer rc.Close()
	patch, err := io.ReadAll(rc)
	if err != nil {
		t.Fatal(err)
	}
	return patch
}

func TestRoundTrip(t *testing.T) {
	tests := []struct {
		name string
		old  []byte
		new  []byte
	}{
		{name: "append", old: []byte("var a = 1;"), new: []byte("var a = 1; var b = 2;")},
		{name: "rewrite", old: bytes.Repeat([]byte("x"), 4096), new: bytes.Repeat([]byte("xy"), 2048)},
		{name: "from empty", old: nil, new: []byte("module.exports = {};")},
		{name: "identical", old: []byte("same"), new: []byte("same")},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			patch := diff(t, tt.old, tt.new)
			out, err := NewPatcher().Patch(bytes.NewReader(tt.old), bytes.NewReader(patch))
			if err != nil {
				t.Fatal(err)
			}
			got, err := io.ReadAll(out)
			if err != nil {
				t.Fatal(err)
			}
			if !bytes.Equal(got, tt.new) {
				t.Errorf("Patch() = %q, want %q", got, tt.new)
			}
		})
	}
}

func TestPatchRejectsBadInput(t *testing.T) {
	old := []byte("Hello")
	if _, err := NewPatcher().Patch(bytes.NewReader(old), bytes.NewReader(nil)); !errors.Is(err, ErrEmptyPatch) {
		t.Errorf("Patch(empty) error = %v, want %v", err, ErrEmptyPatch)
	}

	out, err := NewPatcher().Patch(bytes.NewReader(old), strings.NewReader("not a bsdiff patch"))
	if err != nil {
		t.Fatal(err)
	}
	if _, err := io.ReadAll(out); err == nil {
		t.Error("expected a read error for a corrupt patch")
	}
}

func TestName(t *testing.T) {
	if NewCreator().Name() != NewPatcher().Name() {
		t.Error("creator and patcher disagree on the algorithm name")
	}
}
