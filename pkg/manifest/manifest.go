// Package manifest models release manifests served by the release host
// and computes the file-level difference between two of them.
package manifest

import (
	_ "crypto/sha256"
	_ "crypto/sha512"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/url"
	"path"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/opencontainers/go-digest"
	"github.com/samber/lo"
	"golang.org/x/mod/semver"

	"github.com/unbasical/airborne/pkg/errdef"
)

// Encoding is the transfer encoding of a file payload.
// Checksums always refer to the decoded content.
type Encoding string

const (
	EncodingIdentity Encoding = ""
	EncodingGzip     Encoding = "gzip"
	EncodingZstd     Encoding = "zstd"
)

// OrderingSemver makes version comparison semantic instead of plain inequality.
const OrderingSemver = "semver"

const (
	DefaultReleaseConfigTimeoutMs = 3000
	DefaultBootTimeoutMs          = 7000
)

// Patch describes a bsdiff patch that turns the content identified by From into the entry's content.
type Patch struct {
	From     digest.Digest `json:"from"`
	URL      string        `json:"url"`
	Checksum digest.Digest `json:"checksum"`
	Size     int64         `json:"size,omitempty"`
}

// FileEntry is a single file of a bundle.
type FileEntry struct {
	Path     string        `json:"path"`
	Checksum digest.Digest `json:"checksum"`
	Size     int64         `json:"size"`
	IsLazy   bool          `json:"lazy,omitempty"`
	URL      string        `json:"url,omitempty"`
	Encoding Encoding      `json:"encoding,omitempty"`
	Patches  []Patch       `json:"patches,omitempty"`
}

// PatchFrom returns the patch that applies to content with the digest d.
func (e FileEntry) PatchFrom(d digest.Digest) (Patch, bool) {
	return lo.Find(e.Patches, func(p Patch) bool {
		return p.From == d
	})
}

// Config is the host facing part of a release.
type Config struct {
	Version              string         `json:"version,omitempty"`
	ReleaseConfigTimeout int            `json:"release_config_timeout,omitempty"`
	BootTimeout          int            `json:"boot_timeout,omitempty"`
	Properties           map[string]any `json:"properties,omitempty"`
}

// ReleaseManifest describes the desired bundle version.
type ReleaseManifest struct {
	Version                 string      `json:"version"`
	MinimumSupportedVersion string      `json:"minimum_supported_version,omitempty"`
	Ordering                string      `json:"ordering,omitempty"`
	BaseURL                 string      `json:"base_url,omitempty"`
	Files                   []FileEntry `json:"files"`
	Config                  Config      `json:"config,omitempty"`
	// Digest identifies the manifest document the release was parsed from.
	Digest digest.Digest `json:"digest,omitempty"`
}

// Parse decodes and validates a manifest document.
// indexFile is the file that must be part of the eagerly downloaded set.
func Parse(raw []byte, indexFile string) (*ReleaseManifest, error) {
	var m ReleaseManifest
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, fmt.Errorf("%w: %w", errdef.ErrInvalidManifest, err)
	}
	m.Digest = digest.FromBytes(raw)
	if err := m.Validate(indexFile); err != nil {
		return nil, err
	}
	return &m, nil
}

// Validate checks the manifest for structural errors and normalizes paths and checksums in place.
func (m *ReleaseManifest) Validate(indexFile string) error {
	if m.Version == "" {
		return fmt.Errorf("%w: missing version", errdef.ErrInvalidManifest)
	}
	if len(m.Files) == 0 {
		return fmt.Errorf("%w: release %q has no files", errdef.ErrInvalidManifest, m.Version)
	}
	switch m.Ordering {
	case "":
	case OrderingSemver:
		if !semver.IsValid(CanonicalSemver(m.Version)) {
			return fmt.Errorf("%w: version %q is not a semantic version", errdef.ErrInvalidManifest, m.Version)
		}
	default:
		return fmt.Errorf("%w: unknown ordering %q", errdef.ErrInvalidManifest, m.Ordering)
	}
	seen := make(map[string]struct{}, len(m.Files))
	for i := range m.Files {
		e := &m.Files[i]
		p, err := CleanPath(e.Path)
		if err != nil {
			return err
		}
		e.Path = p
		if _, ok := seen[p]; ok {
			return fmt.Errorf("%w: duplicate path %q", errdef.ErrInvalidManifest, p)
		}
		seen[p] = struct{}{}
		if e.Checksum, err = ParseChecksum(string(e.Checksum)); err != nil {
			return fmt.Errorf("file %q: %w", p, err)
		}
		if e.Size < 0 {
			return fmt.Errorf("%w: negative size for %q", errdef.ErrInvalidManifest, p)
		}
		switch e.Encoding {
		case EncodingIdentity, EncodingGzip, EncodingZstd:
		default:
			return fmt.Errorf("%w: unsupported encoding %q for %q", errdef.ErrInvalidManifest, e.Encoding, p)
		}
		for j := range e.Patches {
			pt := &e.Patches[j]
			if pt.URL == "" {
				return fmt.Errorf("%w: patch %d of %q has no url", errdef.ErrInvalidManifest, j, p)
			}
			if pt.From, err = ParseChecksum(string(pt.From)); err != nil {
				return fmt.Errorf("patch %d of %q: %w", j, p, err)
			}
			if pt.Checksum, err = ParseChecksum(string(pt.Checksum)); err != nil {
				return fmt.Errorf("patch %d of %q: %w", j, p, err)
			}
		}
	}
	index, ok := m.File(indexFile)
	if !ok {
		return fmt.Errorf("%w: index file %q is not part of the release", errdef.ErrInvalidManifest, indexFile)
	}
	if index.IsLazy {
		return fmt.Errorf("%w: index file %q must not be lazy", errdef.ErrInvalidManifest, indexFile)
	}
	return nil
}

// File looks up an entry by its path.
func (m *ReleaseManifest) File(p string) (FileEntry, bool) {
	if m == nil {
		return FileEntry{}, false
	}
	return lo.Find(m.Files, func(e FileEntry) bool {
		return e.Path == p
	})
}

// EagerFiles returns all entries that are required for the first launch.
func (m *ReleaseManifest) EagerFiles() []FileEntry {
	return lo.Filter(m.Files, func(e FileEntry, _ int) bool {
		return !e.IsLazy
	})
}

// ReleaseConfig returns the host config with defaults applied.
func (m *ReleaseManifest) ReleaseConfig() Config {
	c := m.Config
	if c.Version == "" {
		c.Version = "v000000"
	}
	if c.ReleaseConfigTimeout <= 0 {
		c.ReleaseConfigTimeout = DefaultReleaseConfigTimeoutMs
	}
	if c.BootTimeout <= 0 {
		c.BootTimeout = DefaultBootTimeoutMs
	}
	return c
}

var unsafeIDChars = regexp.MustCompile(`[^A-Za-z0-9._-]+`)

// ID derives the storage identifier of the bundle version described by the manifest.
// Two manifests with the same version string but different content get different ids.
func (m *ReleaseManifest) ID() string {
	d := m.Digest
	if d == "" {
		data, _ := json.Marshal(m)
		d = digest.FromBytes(data)
	}
	enc := d.Encoded()
	if len(enc) > 12 {
		enc = enc[:12]
	}
	v := strings.Trim(unsafeIDChars.ReplaceAllString(m.Version, "_"), "._")
	if v == "" {
		v = "release"
	}
	return v + "-" + enc
}

// ResolveURL computes the absolute download location for a reference of this manifest.
// ref may be absolute, relative to the manifest's base URL, or empty, in which case p is used.
func (m *ReleaseManifest) ResolveURL(manifestURL, ref, p string) (string, error) {
	baseStr := manifestURL
	if m.BaseURL != "" {
		baseStr = m.BaseURL
		if !strings.HasSuffix(baseStr, "/") {
			baseStr += "/"
		}
	}
	base, err := url.Parse(baseStr)
	if err != nil {
		return "", fmt.Errorf("%w: bad base url %q: %w", errdef.ErrInvalidManifest, baseStr, err)
	}
	if ref == "" {
		ref = "./" + (&url.URL{Path: p}).EscapedPath()
	}
	r, err := url.Parse(ref)
	if err != nil {
		return "", fmt.Errorf("%w: bad url %q: %w", errdef.ErrInvalidManifest, ref, err)
	}
	return base.ResolveReference(r).String(), nil
}

// ParseChecksum accepts "<algorithm>:<hex>" as well as a bare sha256 hex string.
func ParseChecksum(s string) (digest.Digest, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return "", fmt.Errorf("%w: empty checksum", errdef.ErrInvalidManifest)
	}
	if algo, enc, ok := strings.Cut(s, ":"); ok {
		s = strings.ToLower(algo) + ":" + strings.ToLower(enc)
	} else if _, err := hex.DecodeString(s); err == nil && len(s) == 64 {
		s = digest.NewDigestFromEncoded(digest.SHA256, strings.ToLower(s)).String()
	}
	d, err := digest.Parse(s)
	if err != nil {
		return "", fmt.Errorf("%w: checksum %q: %w", errdef.ErrInvalidManifest, s, err)
	}
	return d, nil
}

// CanonicalSemver adds the "v" prefix that golang.org/x/mod/semver expects.
func CanonicalSemver(v string) string {
	if v == "" || strings.HasPrefix(v, "v") {
		return v
	}
	return "v" + v
}

// CleanPath normalizes a bundle relative path and rejects paths that leave the bundle.
func CleanPath(p string) (string, error) {
	if p == "" || strings.Contains(p, `\`) || !filepath.IsLocal(filepath.FromSlash(p)) {
		return "", fmt.Errorf("%w: path %q must be relative and stay inside the bundle", errdef.ErrInvalidManifest, p)
	}
	c := path.Clean(p)
	if c == "." {
		return "", fmt.Errorf("%w: path %q names the bundle root", errdef.ErrInvalidManifest, p)
	}
	return c, nil
}
