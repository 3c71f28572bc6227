package verifier

import (
	_ "crypto/sha256"
	_ "crypto/sha512"
	"fmt"
	"io"
	"os"

	"github.com/opencontainers/go-digest"
	log "github.com/sirupsen/logrus"

	"github.com/unbasical/airborne/pkg/errdef"
)

// ArtifactVerifier ensures the integrity of a downloaded file before it is applied.
type ArtifactVerifier interface {
	// Verify returns nil if the file at path has the expected digest (and size, if size > 0).
	// Mismatches wrap errdef.ErrIntegrity, read failures wrap errdef.ErrStorage.
	Verify(path string, expected digest.Digest, size int64) error
}

// MismatchError describes a file whose content does not match its checksum.
type MismatchError struct {
	Path         string
	Expected     digest.Digest
	Actual       digest.Digest
	ExpectedSize int64
	ActualSize   int64
}

func (m *MismatchError) Error() string {
	if m.Actual != "" {
		return fmt.Sprintf("checksum mismatch for %q: expected %s, got %s", m.Path, m.Expected, m.Actual)
	}
	return fmt.Sprintf("size mismatch for %q: expected %d bytes, got %d", m.Path, m.ExpectedSize, m.ActualSize)
}

func (m *MismatchError) Unwrap() error {
	return errdef.ErrIntegrity
}

type digestVerifier struct{}

// New returns a verifier that streams files through the digest algorithm named in the checksum.
func New() ArtifactVerifier {
	return digestVerifier{}
}

func (digestVerifier) Verify(path string, expected digest.Digest, size int64) error {
	if err := expected.Validate(); err != nil {
		return fmt.Errorf("%w: %w", errdef.ErrIntegrity, err)
	}
	fp, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("%w: %w", errdef.ErrStorage, err)
	}
	defer func() {
		_ = fp.Close()
	}()
	digester := expected.Algorithm().Digester()
	n, err := io.Copy(digester.Hash(), fp)
	if err != nil {
		return fmt.Errorf("%w: reading %q: %w", errdef.ErrStorage, path, err)
	}
	if size > 0 && n != size {
		return &MismatchError{Path: path, Expected: expected, ExpectedSize: size, ActualSize: n}
	}
	if actual := digester.Digest(); actual != expected {
		log.Debugf("digest mismatch for %q: %s != %s", path, actual, expected)
		return &MismatchError{Path: path, Expected: expected, Actual: actual}
	}
	return nil
}
