// Package splitloader fetches lazy bundle files on demand.
//
// Requests for the same file of the same version share one download. Downloads run outside the
// storage writer lock, only the final move into the version directory takes it.
package splitloader

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"github.com/unbasical/airborne/internal/pkg/utils/fileutils"
	"github.com/unbasical/airborne/pkg/client/updater/fetcher"
	"github.com/unbasical/airborne/pkg/client/updater/patchapplier"
	"github.com/unbasical/airborne/pkg/client/updater/updaterstate"
	"github.com/unbasical/airborne/pkg/client/updater/verifier"
	"github.com/unbasical/airborne/pkg/errdef"
	"github.com/unbasical/airborne/pkg/manifest"
)

// SplitCallback is notified about lazy installs.
type SplitCallback interface {
	// FileInstalled fires once per requested path.
	FileInstalled(path string, ok bool)
	// SplitsInstalled fires once per EnsureSplits batch.
	SplitsInstalled(ok bool)
}

// CallbackFuncs adapts functions to SplitCallback. Nil functions are skipped.
type CallbackFuncs struct {
	OnFile  func(path string, ok bool)
	OnBatch func(ok bool)
}

func (c CallbackFuncs) FileInstalled(path string, ok bool) {
	if c.OnFile != nil {
		c.OnFile(path, ok)
	}
}

func (c CallbackFuncs) SplitsInstalled(ok bool) {
	if c.OnBatch != nil {
		c.OnBatch(ok)
	}
}

// Store is the part of the storage manager the loader needs.
type Store interface {
	DownloadDir(session string) (string, error)
	InstallSplit(versionID string, entry manifest.FileEntry, src string) (string, error)
	Discard(session string)
}

// ActiveFunc returns the version that is currently active, false if the base bundle runs.
type ActiveFunc func() (updaterstate.BundleVersion, bool)

// Config of a Loader.
type Config struct {
	// BaseBundleDir holds the assets shipped with the app.
	BaseBundleDir string
	// BundledOnly disables all network access.
	BundledOnly bool
	// ManifestURL is used to resolve relative file urls.
	ManifestURL string
}

// Loader implements on demand installs of lazy files.
type Loader struct {
	cfg      Config
	store    Store
	active   ActiveFunc
	fetcher  fetcher.ArtifactFetcher
	verifier verifier.ArtifactVerifier
	applier  patchapplier.PatchApplier
	callback SplitCallback
	group    singleflight.Group
}

// Option configures a Loader.
type Option func(*Loader)

func WithFetcher(f fetcher.ArtifactFetcher) Option {
	return func(l *Loader) {
		l.fetcher = f
	}
}

func WithVerifier(v verifier.ArtifactVerifier) Option {
	return func(l *Loader) {
		l.verifier = v
	}
}

func WithPatchApplier(a patchapplier.PatchApplier) Option {
	return func(l *Loader) {
		l.applier = a
	}
}

func WithCallback(cb SplitCallback) Option {
	return func(l *Loader) {
		l.callback = cb
	}
}

// New creates a loader that installs into store and follows the version returned by active.
func New(cfg Config, store Store, active ActiveFunc, opts ...Option) *Loader {
	l := &Loader{
		cfg:    cfg,
		store:  store,
		active: active,
	}
	for _, opt := range opts {
		opt(l)
	}
	if l.callback == nil {
		l.callback = CallbackFuncs{}
	}
	if l.fetcher == nil {
		l.fetcher = fetcher.NewHTTPDownloader()
	}
	if l.verifier == nil {
		l.verifier = verifier.New()
	}
	if l.applier == nil {
		l.applier = patchapplier.NewPatchApplier()
	}
	return l
}

// EnsureSplit makes sure the file at p is available locally and returns its absolute path.
func (l *Loader) EnsureSplit(ctx context.Context, p string) (string, error) {
	local, err := l.ensure(ctx, p)
	l.notify(func() { l.callback.FileInstalled(p, err == nil) })
	if err != nil {
		log.WithError(err).Debugf("lazy file %q is not available", p)
	}
	return local, err
}

// EnsureSplits ensures all paths concurrently. The returned map holds the local path of
// every file that is available, the error joins all failures.
func (l *Loader) EnsureSplits(ctx context.Context, paths []string) (map[string]string, error) {
	results := make([]string, len(paths))
	errs := make([]error, len(paths))
	var g errgroup.Group
	g.SetLimit(4)
	for i, p := range paths {
		g.Go(func() error {
			results[i], errs[i] = l.EnsureSplit(ctx, p)
			return nil
		})
	}
	_ = g.Wait()

	local := make(map[string]string, len(paths))
	for i, p := range paths {
		if errs[i] == nil {
			local[p] = results[i]
		} else {
			errs[i] = fmt.Errorf("%q: %w", p, errs[i])
		}
	}
	err := errors.Join(errs...)
	l.notify(func() { l.callback.SplitsInstalled(err == nil) })
	return local, err
}

func (l *Loader) ensure(ctx context.Context, p string) (string, error) {
	clean, err := manifest.CleanPath(p)
	if err != nil {
		return "", fmt.Errorf("%w: %w", errdef.ErrFileNotFound, err)
	}
	for attempt := 0; ; attempt++ {
		v, ok := l.active()
		if !ok || l.cfg.BundledOnly {
			return l.fromBase(clean)
		}
		entry, known := v.Manifest.File(clean)
		if !known {
			return l.fromBase(clean)
		}
		local := filepath.Join(v.Dir, filepath.FromSlash(clean))
		if fileutils.IsRegularFile(local) {
			return local, nil
		}
		if !entry.IsLazy {
			return "", fmt.Errorf("%w: file %q of %s is missing", errdef.ErrStorage, clean, v.ID)
		}
		local, err = l.fetchShared(ctx, v, entry)
		if errors.Is(err, errdef.ErrSuperseded) && attempt == 0 {
			log.Debugf("version %s was superseded while fetching %q, retrying", v.ID, clean)
			continue
		}
		return local, err
	}
}

// fetchShared joins an in-flight fetch of the same file or starts one.
// The fetch outlives callers that give up waiting.
func (l *Loader) fetchShared(ctx context.Context, v updaterstate.BundleVersion, entry manifest.FileEntry) (string, error) {
	ch := l.group.DoChan(v.ID+"\x00"+entry.Path, func() (any, error) {
		return l.fetch(context.WithoutCancel(ctx), v, entry)
	})
	select {
	case <-ctx.Done():
		return "", fmt.Errorf("%w: %w", errdef.ErrCancelled, ctx.Err())
	case res := <-ch:
		if res.Err != nil {
			return "", res.Err
		}
		return res.Val.(string), nil
	}
}

func (l *Loader) fetch(ctx context.Context, v updaterstate.BundleVersion, entry manifest.FileEntry) (string, error) {
	// a fetch that finished after the caller's check already installed it
	if local := filepath.Join(v.Dir, filepath.FromSlash(entry.Path)); fileutils.IsRegularFile(local) {
		return local, nil
	}
	session := "split-" + uuid.NewString()
	dir, err := l.store.DownloadDir(session)
	if err != nil {
		return "", err
	}
	defer l.store.Discard(session)

	u, err := v.Manifest.ResolveURL(l.cfg.ManifestURL, entry.URL, entry.Path)
	if err != nil {
		return "", err
	}
	payload := filepath.Join(dir, "payload")
	if _, err := l.fetcher.Fetch(ctx, u, payload, 0, nil); err != nil {
		return "", fmt.Errorf("fetching lazy file %q: %w", entry.Path, err)
	}
	content := filepath.Join(dir, "content")
	if err := l.applier.Apply(patchapplier.Payload{Path: payload, Encoding: entry.Encoding}, content); err != nil {
		return "", fmt.Errorf("decoding lazy file %q: %w", entry.Path, err)
	}
	if err := l.verifier.Verify(content, entry.Checksum, entry.Size); err != nil {
		return "", err
	}
	installed, err := l.store.InstallSplit(v.ID, entry, content)
	if err != nil {
		return "", err
	}
	log.WithFields(log.Fields{"version": v.ID, "path": entry.Path}).Debug("installed lazy file")
	return installed, nil
}

func (l *Loader) fromBase(p string) (string, error) {
	if l.cfg.BaseBundleDir != "" {
		local := filepath.Join(l.cfg.BaseBundleDir, filepath.FromSlash(p))
		if fileutils.IsRegularFile(local) {
			return filepath.Abs(local)
		}
	}
	return "", fmt.Errorf("%w: %q", errdef.ErrFileNotFound, p)
}

// notify shields the loader from panicking host callbacks.
func (l *Loader) notify(f func()) {
	defer func() {
		if r := recover(); r != nil {
			log.Errorf("split callback panicked: %v", r)
		}
	}()
	f()
}
