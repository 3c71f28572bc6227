package zstd

import (
	"bytes"
	"io"
	"testing"
)

func TestRoundTrip(t *testing.T) {
	input := bytes.Repeat([]byte("bundle"), 1024)
	buf := &bytes.Buffer{}
	w, err := NewCompressor().Compress(buf)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := w.Write(input); err != nil {
		t.Fatal(err)
	}
	if err := w.Close(); err != nil {
		t.Fatal(err)
	}
	if buf.Len() >= len(input) {
		t.Errorf("expected compressed output to be smaller than %d bytes, got %d", len(input), buf.Len())
	}
	r, err := NewDecompressor().Decompress(buf)
	if err != nil {
		t.Fatal(err)
	}
	defer func() {
		_ = r.Close()
	}()
	got, err := io.ReadAll(r)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got, input) {
		t.Error("decompressed content differs from input")
	}
}
