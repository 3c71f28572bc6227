package readerutils

import (
	"errors"
	"io"
	"sync/atomic"
)

type chained struct {
	io.ReadCloser
	underlying io.Closer
}

func (c chained) Close() error {
	return errors.Join(c.ReadCloser.Close(), c.underlying.Close())
}

// ChainedCloser reads from rc and on Close closes rc, then underlying.
// It ties a decoding reader to the file it decodes.
func ChainedCloser(rc io.ReadCloser, underlying io.Closer) io.ReadCloser {
	return chained{ReadCloser: rc, underlying: underlying}
}

type countingReader struct {
	io.ReadCloser
	n *atomic.Int64
}

func (c *countingReader) Read(p []byte) (int, error) {
	n, err := c.ReadCloser.Read(p)
	c.n.Add(int64(n))
	return n, err
}

// NewCountingReader adds the number of bytes read from rc to n.
// n may be shared between several readers to track a combined total.
func NewCountingReader(rc io.ReadCloser, n *atomic.Int64) io.ReadCloser {
	return &countingReader{ReadCloser: rc, n: n}
}
