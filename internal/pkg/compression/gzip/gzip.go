// Package gzip provides the gzip transfer encoding of release payloads.
package gzip

import (
	"io"

	"github.com/klauspost/compress/gzip"

	"github.com/unbasical/airborne/internal/pkg/utils/compressionutils"
	"github.com/unbasical/airborne/pkg/algorithm/compression"
)

var codec = compressionutils.Codec{
	Algo: "gzip",
	NewWriter: func(w io.Writer) (io.WriteCloser, error) {
		return gzip.NewWriterLevel(w, gzip.BestCompression)
	},
	NewReader: func(r io.Reader) (io.ReadCloser, error) {
		return gzip.NewReader(r)
	},
}

// NewCompressor returns a gzip compression.Compressor.
func NewCompressor() compression.Compressor {
	return codec
}

// NewDecompressor returns a gzip compression.Decompressor.
func NewDecompressor() compression.Decompressor {
	return codec
}
