package writerutils

import (
	"errors"
	"io"
	"os"
)

// SafeFile is a file writer that flushes the file to the disk before it is closed.
type SafeFile struct {
	f *os.File
}

func NewSafeFileWriter(f *os.File) *SafeFile {
	return &SafeFile{f: f}
}

func (s *SafeFile) Write(p []byte) (n int, err error) {
	return s.f.Write(p)
}

// ReadFrom lets io.Copy use the file's fast paths.
func (s *SafeFile) ReadFrom(r io.Reader) (int64, error) {
	return s.f.ReadFrom(r)
}

// Name returns the path of the underlying file.
func (s *SafeFile) Name() string {
	return s.f.Name()
}

func (s *SafeFile) Close() error {
	return errors.Join(
		s.f.Sync(),
		s.f.Close(),
	)
}
