// Package releasebuilder produces release manifests, encoded payloads and bsdiff
// patches from bundle directories.
package releasebuilder

import (
	"encoding/json"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"sort"

	"github.com/opencontainers/go-digest"
	log "github.com/sirupsen/logrus"

	"github.com/unbasical/airborne/internal/pkg/compression/gzip"
	"github.com/unbasical/airborne/internal/pkg/compression/zstd"
	"github.com/unbasical/airborne/internal/pkg/delta/bsdiff"
	"github.com/unbasical/airborne/internal/pkg/utils/funcutils"
	"github.com/unbasical/airborne/internal/pkg/utils/writerutils"
	"github.com/unbasical/airborne/pkg/algorithm/compression"
	"github.com/unbasical/airborne/pkg/manifest"
)

// Options describe the release that is built from a directory.
type Options struct {
	// Dir holds the bundle files.
	Dir     string
	Version string
	// Index is the file that has to be part of the eager set.
	Index string
	// Lazy contains path.Match patterns for files that are fetched on demand.
	Lazy     []string
	BaseURL  string
	Ordering string
	// MinimumSupportedVersion is the oldest app version the release runs on.
	MinimumSupportedVersion string
	Encoding                manifest.Encoding
	// Out receives the encoded payloads. It is required when Encoding is set.
	Out string
}

var compressors = map[manifest.Encoding]func() compression.Compressor{
	manifest.EncodingGzip: gzip.NewCompressor,
	manifest.EncodingZstd: zstd.NewCompressor,
}

var extensions = map[manifest.Encoding]string{
	manifest.EncodingGzip: ".gz",
	manifest.EncodingZstd: ".zst",
}

// Build walks opts.Dir and returns a validated manifest of its regular files.
func Build(opts Options) (*manifest.ReleaseManifest, error) {
	if opts.Encoding != manifest.EncodingIdentity {
		if _, ok := compressors[opts.Encoding]; !ok {
			return nil, fmt.Errorf("unsupported encoding %q", opts.Encoding)
		}
		if opts.Out == "" {
			return nil, fmt.Errorf("encoding %q requires an output directory", opts.Encoding)
		}
	}
	for _, pattern := range opts.Lazy {
		if _, err := path.Match(pattern, ""); err != nil {
			return nil, fmt.Errorf("bad lazy pattern %q: %w", pattern, err)
		}
	}
	m := &manifest.ReleaseManifest{
		Version:                 opts.Version,
		MinimumSupportedVersion: opts.MinimumSupportedVersion,
		Ordering:                opts.Ordering,
		BaseURL:                 opts.BaseURL,
	}
	err := filepath.WalkDir(opts.Dir, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.Type().IsRegular() {
			return nil
		}
		rel, err := filepath.Rel(opts.Dir, p)
		if err != nil {
			return err
		}
		rel = filepath.ToSlash(rel)
		e, err := entry(p, rel, opts)
		if err != nil {
			return fmt.Errorf("%s: %w", rel, err)
		}
		m.Files = append(m.Files, e)
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(m.Files, func(i, j int) bool {
		return m.Files[i].Path < m.Files[j].Path
	})
	if err := m.Validate(opts.Index); err != nil {
		return nil, err
	}
	log.Debugf("built release %s with %d files", m.Version, len(m.Files))
	return m, nil
}

func entry(p, rel string, opts Options) (manifest.FileEntry, error) {
	d, size, err := digestFile(p)
	if err != nil {
		return manifest.FileEntry{}, err
	}
	e := manifest.FileEntry{
		Path:     rel,
		Checksum: d,
		Size:     size,
		IsLazy:   isLazy(rel, opts.Lazy),
	}
	if opts.Encoding != manifest.EncodingIdentity {
		e.Encoding = opts.Encoding
		e.URL = rel + extensions[opts.Encoding]
		if err := encode(p, filepath.Join(opts.Out, filepath.FromSlash(e.URL)), compressors[opts.Encoding]()); err != nil {
			return manifest.FileEntry{}, err
		}
	}
	return e, nil
}

func isLazy(rel string, patterns []string) bool {
	for _, pattern := range patterns {
		if ok, _ := path.Match(pattern, rel); ok {
			return true
		}
	}
	return false
}

func digestFile(p string) (digest.Digest, int64, error) {
	f, err := os.Open(p)
	if err != nil {
		return "", 0, err
	}
	defer funcutils.PanicOrLogOnErr(f.Close, false, "failed to close file")
	digester := digest.Canonical.Digester()
	n, err := io.Copy(digester.Hash(), f)
	if err != nil {
		return "", 0, err
	}
	return digester.Digest(), n, nil
}

func encode(src, dst string, c compression.Compressor) error {
	if err := os.MkdirAll(filepath.Dir(dst), 0755); err != nil {
		return err
	}
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer funcutils.PanicOrLogOnErr(in.Close, false, "failed to close file")
	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	w := writerutils.NewSafeFileWriter(out)
	cw, err := c.Compress(w)
	if err != nil {
		_ = w.Close()
		return err
	}
	if _, err := io.Copy(cw, in); err != nil {
		_ = cw.Close()
		_ = w.Close()
		return err
	}
	if err := cw.Close(); err != nil {
		_ = w.Close()
		return err
	}
	return w.Close()
}

// CreatePatch writes a bsdiff patch that turns from into to and describes it.
// The URL of the returned patch is left to the caller.
func CreatePatch(from, to, out string) (manifest.Patch, error) {
	fromDigest, _, err := digestFile(from)
	if err != nil {
		return manifest.Patch{}, err
	}
	oldFile, err := os.Open(from)
	if err != nil {
		return manifest.Patch{}, err
	}
	defer funcutils.PanicOrLogOnErr(oldFile.Close, false, "failed to close file")
	newFile, err := os.Open(to)
	if err != nil {
		return manifest.Patch{}, err
	}
	defer funcutils.PanicOrLogOnErr(newFile.Close, false, "failed to close file")

	rc, err := bsdiff.NewCreator().Diff(oldFile, newFile)
	if err != nil {
		return manifest.Patch{}, err
	}
	defer funcutils.PanicOrLogOnErr(rc.Close, false, "failed to close patch reader")
	if err := os.MkdirAll(filepath.Dir(out), 0755); err != nil {
		return manifest.Patch{}, err
	}
	fp, err := os.Create(out)
	if err != nil {
		return manifest.Patch{}, err
	}
	w := writerutils.NewSafeFileWriter(fp)
	digester := digest.Canonical.Digester()
	n, err := io.Copy(io.MultiWriter(w, digester.Hash()), rc)
	if err != nil {
		_ = w.Close()
		return manifest.Patch{}, err
	}
	if err := w.Close(); err != nil {
		return manifest.Patch{}, err
	}
	return manifest.Patch{
		From:     fromDigest,
		Checksum: digester.Digest(),
		Size:     n,
	}, nil
}

// Write stores m as an indented, world readable JSON document.
func Write(p string, m *manifest.ReleaseManifest) error {
	// the digest is derived from the served document
	out := *m
	out.Digest = ""
	data, err := json.MarshalIndent(&out, "", "  ")
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(p), 0755); err != nil {
		return err
	}
	return os.WriteFile(p, append(data, '\n'), 0644)
}
