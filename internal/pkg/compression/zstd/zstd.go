// Package zstd provides the zstd transfer encoding of release payloads.
package zstd

import (
	"io"

	"github.com/klauspost/compress/zstd"

	"github.com/unbasical/airborne/internal/pkg/utils/compressionutils"
	"github.com/unbasical/airborne/pkg/algorithm/compression"
)

var codec = compressionutils.Codec{
	Algo: "zstd",
	NewWriter: func(w io.Writer) (io.WriteCloser, error) {
		return zstd.NewWriter(w, zstd.WithEncoderLevel(zstd.SpeedBetterCompression))
	},
	NewReader: func(r io.Reader) (io.ReadCloser, error) {
		// a single goroutine is enough for bundle sized payloads
		dec, err := zstd.NewReader(r, zstd.WithDecoderConcurrency(1))
		if err != nil {
			return nil, err
		}
		return dec.IOReadCloser(), nil
	},
}

// NewCompressor returns a zstd compression.Compressor.
func NewCompressor() compression.Compressor {
	return codec
}

// NewDecompressor returns a zstd compression.Decompressor.
func NewDecompressor() compression.Decompressor {
	return codec
}
