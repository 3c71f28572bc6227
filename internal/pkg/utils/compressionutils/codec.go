package compressionutils

import "io"

// Codec implements both compression.Compressor and compression.Decompressor from a pair of constructors.
type Codec struct {
	Algo      string
	NewWriter func(w io.Writer) (io.WriteCloser, error)
	NewReader func(r io.Reader) (io.ReadCloser, error)
}

func (c Codec) Name() string {
	return c.Algo
}

func (c Codec) Compress(w io.Writer) (io.WriteCloser, error) {
	return c.NewWriter(w)
}

func (c Codec) Decompress(r io.Reader) (io.ReadCloser, error) {
	return c.NewReader(r)
}
