package verifier

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/opencontainers/go-digest"

	"github.com/unbasical/airborne/pkg/errdef"
)

func TestVerify(t *testing.T) {
	dir := t.TempDir()
	content := []byte("console.log('hello')")
	p := filepath.Join(dir, "index.bundle.js")
	if err := os.WriteFile(p, content, 0644); err != nil {
		t.Fatal(err)
	}
	tests := []struct {
		name     string
		path     string
		expected digest.Digest
		size     int64
		wantKind error
	}{
		{name: "match", path: p, expected: digest.FromBytes(content)},
		{name: "match with size", path: p, expected: digest.FromBytes(content), size: int64(len(content))},
		{name: "sha512", path: p, expected: digest.SHA512.FromBytes(content)},
		{name: "mismatch", path: p, expected: digest.FromString("other"), wantKind: errdef.ErrIntegrity},
		{name: "size mismatch", path: p, expected: digest.FromBytes(content), size: 1, wantKind: errdef.ErrIntegrity},
		{name: "missing file", path: filepath.Join(dir, "nope"), expected: digest.FromBytes(content), wantKind: errdef.ErrStorage},
		{name: "invalid digest", path: p, expected: digest.Digest("sha256:xyz"), wantKind: errdef.ErrIntegrity},
	}
	v := New()
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := v.Verify(tt.path, tt.expected, tt.size)
			if tt.wantKind == nil {
				if err != nil {
					t.Fatalf("unexpected error: %v", err)
				}
				return
			}
			if !errors.Is(err, tt.wantKind) {
				t.Fatalf("expected %v, got %v", tt.wantKind, err)
			}
		})
	}
}

func TestMismatchErrorDetails(t *testing.T) {
	p := filepath.Join(t.TempDir(), "f")
	if err := os.WriteFile(p, []byte("abc"), 0644); err != nil {
		t.Fatal(err)
	}
	err := New().Verify(p, digest.FromString("xyz"), 0)
	var mismatch *MismatchError
	if !errors.As(err, &mismatch) {
		t.Fatalf("expected a MismatchError, got %T", err)
	}
	if mismatch.Actual != digest.FromString("abc") {
		t.Errorf("Actual = %s", mismatch.Actual)
	}
}
