package writerutils

import (
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestSafeFile(t *testing.T) {
	p := filepath.Join(t.TempDir(), "out")
	fp, err := os.Create(p)
	if err != nil {
		t.Fatal(err)
	}
	w := NewSafeFileWriter(fp)
	if w.Name() != p {
		t.Errorf("Name() = %q, want %q", w.Name(), p)
	}
	if _, err := io.Copy(w, strings.NewReader("payload")); err != nil {
		t.Fatal(err)
	}
	if err := w.Close(); err != nil {
		t.Fatal(err)
	}
	data, err := os.ReadFile(p)
	if err != nil {
		t.Fatal(err)
	}
	if string(data) != "payload" {
		t.Errorf("unexpected content %q", data)
	}
	if err := w.Close(); err == nil {
		t.Error("closing twice should fail")
	}
}
