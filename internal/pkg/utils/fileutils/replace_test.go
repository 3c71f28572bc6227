package fileutils

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
)

func TestReplaceFile(t *testing.T) {
	tests := []struct {
		name     string
		existing string
	}{
		{name: "new target"},
		{name: "overwrite", existing: "old"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dir := t.TempDir()
			target := filepath.Join(dir, "versions", "v1", "index.js")
			if tt.existing != "" {
				if err := os.MkdirAll(filepath.Dir(target), 0755); err != nil {
					t.Fatal(err)
				}
				if err := os.WriteFile(target, []byte(tt.existing), 0644); err != nil {
					t.Fatal(err)
				}
			}
			staged := filepath.Join(dir, "index.js.part")
			if err := os.WriteFile(staged, []byte("new"), 0644); err != nil {
				t.Fatal(err)
			}
			if err := ReplaceFile(staged, target); err != nil {
				t.Fatal(err)
			}
			data, err := os.ReadFile(target)
			if err != nil {
				t.Fatal(err)
			}
			if string(data) != "new" {
				t.Errorf("target content = %q", data)
			}
			if IsRegularFile(staged) {
				t.Error("staged file still exists")
			}
		})
	}
}

func TestReplaceDirectory(t *testing.T) {
	dir := t.TempDir()
	target := filepath.Join(dir, "versions", "v2")
	if err := os.MkdirAll(target, 0755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(target, "stale.js"), []byte("stale"), 0644); err != nil {
		t.Fatal(err)
	}
	staged := filepath.Join(dir, "staging", "v2")
	if err := os.MkdirAll(staged, 0755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(staged, "index.js"), []byte("v2"), 0644); err != nil {
		t.Fatal(err)
	}

	if err := ReplaceDirectory(staged, target); err != nil {
		t.Fatal(err)
	}
	if IsRegularFile(filepath.Join(target, "stale.js")) {
		t.Error("old content survived the replacement")
	}
	if data, err := os.ReadFile(filepath.Join(target, "index.js")); err != nil || string(data) != "v2" {
		t.Errorf("index.js = %q, %v", data, err)
	}
	if exists, _, _ := ExistsAndIsDirectory(staged); exists {
		t.Error("staged directory still exists")
	}
}

// Concurrent replacements of the same target serialize, the survivor is one complete directory.
func TestConcurrentReplaceDirectory(t *testing.T) {
	dir := t.TempDir()
	target := filepath.Join(dir, "current")
	const writers = 4

	var wg sync.WaitGroup
	errs := make(chan error, writers)
	for i := 0; i < writers; i++ {
		staged := filepath.Join(dir, fmt.Sprintf("staged-%d", i))
		if err := os.MkdirAll(staged, 0755); err != nil {
			t.Fatal(err)
		}
		for _, name := range []string{"a.js", "b.js"} {
			if err := os.WriteFile(filepath.Join(staged, name), []byte(fmt.Sprint(i)), 0644); err != nil {
				t.Fatal(err)
			}
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs <- ReplaceDirectory(staged, target)
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		if err != nil {
			t.Fatal(err)
		}
	}

	a, err := os.ReadFile(filepath.Join(target, "a.js"))
	if err != nil {
		t.Fatal(err)
	}
	b, err := os.ReadFile(filepath.Join(target, "b.js"))
	if err != nil {
		t.Fatal(err)
	}
	if string(a) != string(b) {
		t.Errorf("target mixes content of two writers: %q vs %q", a, b)
	}
}
