package fileutils

import (
	"os"
	"path/filepath"
	"testing"
)

func createTree(t *testing.T, files map[string]string) string {
	t.Helper()
	dir := t.TempDir()
	for p, content := range files {
		full := filepath.Join(dir, filepath.FromSlash(p))
		if err := os.MkdirAll(filepath.Dir(full), 0755); err != nil {
			t.Fatal(err)
		}
		if err := os.WriteFile(full, []byte(content), 0644); err != nil {
			t.Fatal(err)
		}
	}
	return dir
}

func TestExistsAndIsDirectory(t *testing.T) {
	dir := createTree(t, map[string]string{"versions/v1/index.js": "x"})
	tests := []struct {
		name       string
		path       string
		wantExists bool
		wantDir    bool
	}{
		{name: "directory", path: filepath.Join(dir, "versions"), wantExists: true, wantDir: true},
		{name: "file", path: filepath.Join(dir, "versions", "v1", "index.js"), wantExists: true},
		{name: "missing", path: filepath.Join(dir, "staging")},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			exists, isDir, err := ExistsAndIsDirectory(tt.path)
			if err != nil {
				t.Fatal(err)
			}
			if exists != tt.wantExists || isDir != tt.wantDir {
				t.Errorf("ExistsAndIsDirectory() = %v, %v, want %v, %v", exists, isDir, tt.wantExists, tt.wantDir)
			}
			if got := IsRegularFile(tt.path); got != (tt.wantExists && !tt.wantDir) {
				t.Errorf("IsRegularFile() = %v", got)
			}
		})
	}
}

func TestCleanDirectory(t *testing.T) {
	dir := createTree(t, map[string]string{
		"staging/a.js":        "a",
		"staging/nested/b.js": "b",
	})
	staging := filepath.Join(dir, "staging")
	if err := CleanDirectory(staging); err != nil {
		t.Fatal(err)
	}
	entries, err := os.ReadDir(staging)
	if err != nil {
		t.Fatalf("directory itself must survive: %v", err)
	}
	if len(entries) != 0 {
		t.Errorf("expected an empty directory, found %d entries", len(entries))
	}
}

func TestSafeReadYAML(t *testing.T) {
	dir := createTree(t, map[string]string{
		"config.yaml": "app-id: shop\n",
		"empty.yaml":  "",
	})
	var cfg struct {
		AppID string `yaml:"app-id"`
	}
	ok, err := SafeReadYAML(filepath.Join(dir, "config.yaml"), &cfg, 0)
	if err != nil || !ok || cfg.AppID != "shop" {
		t.Errorf("SafeReadYAML() = %v, %v, %+v", ok, err, cfg)
	}
	ok, err = SafeReadYAML(filepath.Join(dir, "empty.yaml"), &cfg, 0)
	if err != nil || ok {
		t.Errorf("empty file: ok=%v err=%v", ok, err)
	}
	if _, err = SafeReadYAML(filepath.Join(dir, "missing.yaml"), &cfg, 0); err == nil {
		t.Error("expected an error for a missing file")
	}
}

func TestSyncTree(t *testing.T) {
	dir := createTree(t, map[string]string{
		"index.js":    "x",
		"js/chunk.js": "y",
	})
	if err := SyncTree(dir); err != nil {
		t.Fatal(err)
	}
	if err := SyncTree(filepath.Join(dir, "missing")); err == nil {
		t.Error("expected an error for a missing root")
	}
}
