// Package patchapplier turns downloaded payloads into bundle files.
// A payload is either the file itself, a compressed form of it, or a bsdiff patch against
// the copy of the file in the active version.
package patchapplier

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	log "github.com/sirupsen/logrus"

	"github.com/unbasical/airborne/internal/pkg/compression/gzip"
	"github.com/unbasical/airborne/internal/pkg/compression/zstd"
	"github.com/unbasical/airborne/internal/pkg/delta/bsdiff"
	"github.com/unbasical/airborne/internal/pkg/utils/fileutils"
	"github.com/unbasical/airborne/internal/pkg/utils/funcutils"
	"github.com/unbasical/airborne/internal/pkg/utils/readerutils"
	"github.com/unbasical/airborne/internal/pkg/utils/writerutils"
	"github.com/unbasical/airborne/pkg/algorithm/compression"
	"github.com/unbasical/airborne/pkg/algorithm/delta"
	"github.com/unbasical/airborne/pkg/errdef"
	"github.com/unbasical/airborne/pkg/manifest"
)

// Payload describes a downloaded artifact.
type Payload struct {
	// Path of the downloaded data.
	Path string
	// Encoding of the data, ignored for patches.
	Encoding manifest.Encoding
	// Base is the file a patch is applied to. It is empty for full payloads.
	Base string
}

// IsPatch reports whether the payload has to be applied against a base file.
func (p Payload) IsPatch() bool {
	return p.Base != ""
}

// PatchApplier materializes payloads.
type PatchApplier interface {
	// Apply writes the decoded content of p to dst. The payload file is consumed.
	Apply(p Payload, dst string) error
}

type patchApplier struct {
	decompressors map[manifest.Encoding]compression.Decompressor
	patcher       delta.Patcher
}

// NewPatchApplier returns an applier that supports gzip, zstd and bsdiff payloads.
func NewPatchApplier() PatchApplier {
	return &patchApplier{
		decompressors: map[manifest.Encoding]compression.Decompressor{
			manifest.EncodingGzip: gzip.NewDecompressor(),
			manifest.EncodingZstd: zstd.NewDecompressor(),
		},
		patcher: bsdiff.NewPatcher(),
	}
}

func (a *patchApplier) Apply(p Payload, dst string) error {
	if !p.IsPatch() && p.Encoding == manifest.EncodingIdentity {
		if err := os.MkdirAll(filepath.Dir(dst), 0755); err != nil {
			return fmt.Errorf("%w: %w", errdef.ErrStorage, err)
		}
		if err := os.Rename(p.Path, dst); err != nil {
			return fmt.Errorf("%w: %w", errdef.ErrStorage, err)
		}
		return nil
	}
	rc, err := a.open(p)
	if err != nil {
		return err
	}
	defer funcutils.PanicOrLogOnErr(rc.Close, false, "failed to close payload")
	if err := write(rc, dst); err != nil {
		return err
	}
	if err := os.Remove(p.Path); err != nil {
		log.WithError(err).Warnf("failed to remove payload %s", p.Path)
	}
	return nil
}

// open returns a reader of the decoded content.
func (a *patchApplier) open(p Payload) (io.ReadCloser, error) {
	payload, err := os.Open(p.Path)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", errdef.ErrStorage, err)
	}
	if p.IsPatch() {
		base, err := os.Open(p.Base)
		if err != nil {
			_ = payload.Close()
			return nil, fmt.Errorf("%w: opening patch base: %w", errdef.ErrStorage, err)
		}
		defer funcutils.PanicOrLogOnErr(base.Close, false, "failed to close patch base")
		// the patcher reads the base eagerly, the patch is streamed
		rc, err := a.patcher.Patch(base, payload)
		if err != nil {
			_ = payload.Close()
			return nil, fmt.Errorf("%w: applying %s patch: %w", errdef.ErrIntegrity, a.patcher.Name(), err)
		}
		return readerutils.ChainedCloser(rc, payload), nil
	}
	dec, ok := a.decompressors[p.Encoding]
	if !ok {
		_ = payload.Close()
		return nil, fmt.Errorf("%w: unsupported encoding %q", errdef.ErrInvalidManifest, p.Encoding)
	}
	rc, err := dec.Decompress(payload)
	if err != nil {
		_ = payload.Close()
		return nil, fmt.Errorf("%w: decoding %s payload: %w", errdef.ErrIntegrity, dec.Name(), err)
	}
	return readerutils.ChainedCloser(rc, payload), nil
}

func write(r io.Reader, dst string) error {
	if err := os.MkdirAll(filepath.Dir(dst), 0755); err != nil {
		return fmt.Errorf("%w: %w", errdef.ErrStorage, err)
	}
	tmp := dst + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0644)
	if err != nil {
		return fmt.Errorf("%w: %w", errdef.ErrStorage, err)
	}
	w := writerutils.NewSafeFileWriter(f)
	_, copyErr := io.Copy(w, r)
	closeErr := w.Close()
	if copyErr != nil || closeErr != nil {
		_ = os.Remove(tmp)
		var pe *os.PathError
		if copyErr != nil && !errors.As(copyErr, &pe) {
			// corrupt compressed streams and patches surface as read errors
			return fmt.Errorf("%w: decoding payload: %w", errdef.ErrIntegrity, copyErr)
		}
		return fmt.Errorf("%w: writing %s: %w", errdef.ErrStorage, dst, errors.Join(copyErr, closeErr))
	}
	if err := os.Rename(tmp, dst); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("%w: %w", errdef.ErrStorage, err)
	}
	return fileutils.SyncDir(filepath.Dir(dst))
}
