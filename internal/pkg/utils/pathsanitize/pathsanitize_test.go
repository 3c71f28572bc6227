package pathsanitize

import (
	"errors"
	"path/filepath"
	"testing"
)

func TestSafeJoin(t *testing.T) {
	root := t.TempDir()
	tests := []struct {
		name    string
		elems   []string
		want    string
		wantErr bool
	}{
		{name: "nested", elems: []string{"acme", "shop", "release.json"}, want: filepath.Join(root, "acme", "shop", "release.json")},
		{name: "dot segments inside root", elems: []string{"acme", "..", "other"}, want: filepath.Join(root, "other")},
		{name: "escape", elems: []string{"..", "etc"}, wantErr: true},
		{name: "nested escape", elems: []string{"acme", "../../etc/passwd"}, wantErr: true},
		{name: "root itself", elems: []string{"."}, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := SafeJoin(root, tt.elems...)
			if (err != nil) != tt.wantErr {
				t.Fatalf("SafeJoin() error = %v, wantErr %v", err, tt.wantErr)
			}
			if err != nil {
				if !errors.Is(err, ErrOutsideRoot) {
					t.Errorf("expected ErrOutsideRoot, got %v", err)
				}
				return
			}
			if got != tt.want {
				t.Errorf("SafeJoin() = %q, want %q", got, tt.want)
			}
		})
	}
}
