package readerutils

import (
	"bytes"
	"errors"
	"io"
	"sync/atomic"
	"testing"
)

func TestCountingReader(t *testing.T) {
	var total atomic.Int64
	readers := []io.ReadCloser{
		NewCountingReader(io.NopCloser(bytes.NewReader(make([]byte, 10))), &total),
		NewCountingReader(io.NopCloser(bytes.NewReader(make([]byte, 32))), &total),
	}
	for _, r := range readers {
		if _, err := io.Copy(io.Discard, r); err != nil {
			t.Fatal(err)
		}
	}
	if got := total.Load(); got != 42 {
		t.Errorf("expected 42 bytes to be counted, got %d", got)
	}
}

type recordingCloser struct {
	name  string
	order *[]string
	err   error
}

func (r recordingCloser) Read([]byte) (int, error) { return 0, io.EOF }

func (r recordingCloser) Close() error {
	*r.order = append(*r.order, r.name)
	return r.err
}

func TestChainedCloser(t *testing.T) {
	tests := []struct {
		name    string
		readErr error
		fileErr error
		wantErr bool
	}{
		{name: "both close"},
		{name: "decoder fails", readErr: errors.New("corrupt trailer"), wantErr: true},
		{name: "file fails", fileErr: errors.New("bad descriptor"), wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var order []string
			rc := ChainedCloser(
				recordingCloser{name: "decoder", order: &order, err: tt.readErr},
				recordingCloser{name: "file", order: &order, err: tt.fileErr},
			)
			err := rc.Close()
			if (err != nil) != tt.wantErr {
				t.Errorf("Close() error = %v, wantErr %v", err, tt.wantErr)
			}
			if len(order) != 2 || order[0] != "decoder" || order[1] != "file" {
				t.Errorf("close order = %v", order)
			}
		})
	}
}
