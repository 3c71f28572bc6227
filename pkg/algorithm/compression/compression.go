package compression

import (
	"io"

	"github.com/unbasical/airborne/pkg/algorithm"
)

// Compressor is used to abstract over the encoding aspect of a compression algorithm.
type Compressor interface {
	// Compress returns a writer that writes the compressed form of its input to w.
	// Closing it flushes the stream but does not close w.
	Compress(w io.Writer) (io.WriteCloser, error)
	algorithm.Algorithm
}

// Decompressor is used to abstract over the decoding aspect of a compression algorithm.
type Decompressor interface {
	// Decompress returns a reader that yields the decompressed contents of the input reader.
	Decompress(in io.Reader) (io.ReadCloser, error)
	algorithm.Algorithm
}
