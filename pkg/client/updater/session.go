package updater

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/samber/lo"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/unbasical/airborne/internal/pkg/core/metrics"
	"github.com/unbasical/airborne/internal/pkg/utils/fileutils"
	"github.com/unbasical/airborne/pkg/client/updater/inspector"
	"github.com/unbasical/airborne/pkg/client/updater/patchapplier"
	"github.com/unbasical/airborne/pkg/client/updater/updatefinder"
	"github.com/unbasical/airborne/pkg/client/updater/updaterstate"
	"github.com/unbasical/airborne/pkg/errdef"
	"github.com/unbasical/airborne/pkg/events"
	"github.com/unbasical/airborne/pkg/manifest"
)

// Reasons reported in Outcome.Reason besides those of the release resolver.
const (
	ReasonUpdated           = "updated"
	ReasonLimitExceeded     = updatefinder.ReasonLimitExceeded
	ReasonBundledAssetsOnly = "bundled_assets_only"
)

// Outcome summarizes an update session.
type Outcome struct {
	SessionID      string `json:"session_id,omitempty"`
	Updated        bool   `json:"updated"`
	CurrentVersion string `json:"current_version,omitempty"`
	TargetVersion  string `json:"target_version,omitempty"`
	ReleaseID      string `json:"release_id,omitempty"`
	// Reason is ReasonUpdated or the reason why the release was not installed.
	Reason          string   `json:"reason,omitempty"`
	Downloaded      []string `json:"downloaded,omitempty"`
	Reused          []string `json:"reused,omitempty"`
	Deferred        []string `json:"deferred,omitempty"`
	BytesDownloaded int64    `json:"bytes_downloaded"`
	RolledBack      bool     `json:"rolled_back,omitempty"`
	// Failures maps file paths to the error that made them fail.
	Failures map[string]string `json:"failures,omitempty"`
}

// UpdateOption modifies a single update session.
type UpdateOption func(*updateOptions)

type updateOptions struct {
	force bool
}

// Force installs a release even if it was rolled back before.
func Force() UpdateOption {
	return func(o *updateOptions) {
		o.force = true
	}
}

// download is a fetched payload of a bundle file.
type download struct {
	entry   manifest.FileEntry
	payload string
	// patch is set when payload is a bsdiff patch against base
	patch *manifest.Patch
	base  string
}

type session struct {
	c       *Client
	id      string
	opts    updateOptions
	fields  map[string]any
	current *updaterstate.BundleVersion
	target  *manifest.ReleaseManifest
	plan    manifest.Plan
	out     Outcome

	reachedVerify bool
	promoted      bool
}

func (c *Client) runSession(o updateOptions) (Outcome, error) {
	if err := c.acquire(c.ctx); err != nil {
		return Outcome{}, err
	}
	defer c.release()

	ctx, cancelTimeout := context.WithTimeout(c.ctx, c.opts.SessionTimeout)
	defer cancelTimeout()
	ctx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)
	c.mu.Lock()
	c.cancel = cancel
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		c.cancel = nil
		c.mu.Unlock()
	}()

	s := &session{
		c:       c,
		id:      uuid.NewString(),
		opts:    o,
		current: c.active.Load(),
	}
	s.fields = map[string]any{events.KeySessionID: s.id}
	s.out.SessionID = s.id
	if s.current != nil {
		s.out.CurrentVersion = s.current.Version()
		s.fields[events.KeyCurrentVersion] = s.out.CurrentVersion
	}

	start := time.Now()
	err := s.run(ctx)
	metrics.ObserveSession(s.label(err), time.Since(start))
	logger := log.WithFields(log.Fields{"session": s.id, "reason": s.out.Reason})
	if err != nil {
		logger.WithError(err).Warn("update session failed")
	} else {
		logger.Info("update session finished")
	}
	return s.out, err
}

func (s *session) label(err error) string {
	switch {
	case s.out.RolledBack:
		return "rolled_back"
	case errors.Is(err, errdef.ErrCancelled):
		return "cancelled"
	case err != nil:
		return "failed"
	case s.out.Updated:
		return "updated"
	default:
		return "no_update"
	}
}

func (s *session) run(ctx context.Context) error {
	c := s.c
	if err := c.transition(ctx, Checking); err != nil {
		return s.fail(interrupted(ctx, err))
	}
	if err := s.check(ctx); err != nil {
		var noUpdate *updatefinder.NoUpdateError
		if errors.As(err, &noUpdate) {
			s.out.Reason = noUpdate.Reason
			c.restore()
			return nil
		}
		return s.fail(err)
	}

	if err := c.transition(ctx, Downloading); err != nil {
		return s.fail(interrupted(ctx, err))
	}
	downloads, err := s.download(ctx)
	if err != nil {
		return s.fail(err)
	}

	// past this point the session is not cancellable
	if err := c.transition(ctx, Verifying); err != nil {
		return s.fail(interrupted(ctx, err))
	}
	s.reachedVerify = true
	contents, err := s.materialize(downloads)
	if err != nil {
		return s.fail(NewUpdaterError(ErrFailedChecks, err))
	}

	c.setState(Applying)
	return s.apply(context.WithoutCancel(ctx), contents)
}

// check resolves the release and computes the download plan.
// Validators see the plan before the release is announced.
func (s *session) check(ctx context.Context) error {
	c := s.c
	st, err := c.storage.State()
	if err != nil {
		return NewUpdaterError(ErrFailedChecks, fmt.Errorf("reading failed releases: %w", err))
	}
	req := updatefinder.Request{
		Force:  s.opts.force,
		Fields: s.fields,
		Failed: st.Failed,
		Accept: s.accept,
	}
	if s.current != nil {
		req.Current = s.current.Manifest
	}
	mf, err := c.finder.Resolve(ctx, req)
	if err != nil {
		var noUpdate *updatefinder.NoUpdateError
		if errors.As(err, &noUpdate) {
			return err
		}
		if ctx.Err() != nil {
			err = interrupted(ctx, err)
		}
		return NewUpdaterError(ErrTargetImageNotFound, err)
	}
	s.target = mf
	s.out.TargetVersion = mf.Version
	s.out.ReleaseID = mf.ID()
	s.fields[events.KeyTargetVersion] = mf.Version
	s.fields[events.KeyReleaseID] = s.out.ReleaseID
	s.out.Reused = paths(s.plan.Reuse)
	s.out.Deferred = paths(s.plan.Deferred)
	return nil
}

func (s *session) accept(mf *manifest.ReleaseManifest) error {
	var currentManifest *manifest.ReleaseManifest
	if s.current != nil {
		currentManifest = s.current.Manifest
	}
	s.plan = manifest.Diff(currentManifest, mf, func(e manifest.FileEntry) bool {
		return fileutils.IsRegularFile(filepath.Join(s.current.Dir, filepath.FromSlash(e.Path)))
	})
	for _, v := range s.c.validators {
		if err := v.Validate(mf, s.plan); err != nil {
			return fmt.Errorf("%d bytes to download: %w", s.plan.Bytes(), err)
		}
	}
	return nil
}

// download fetches every file of the plan into the download directory of the session.
func (s *session) download(ctx context.Context) ([]download, error) {
	c := s.c
	if len(s.plan.Fetch) == 0 {
		return nil, nil
	}
	dir, err := c.storage.DownloadDir(s.id)
	if err != nil {
		return nil, s.downloadFailed(err, 0)
	}
	total := s.plan.Bytes()
	c.emit(events.DownloadStarted, s.fields, map[string]any{
		events.KeyTotalBytes: total,
		events.KeyFiles:      len(s.plan.Fetch),
	})
	observer := inspector.NewDownloadStatsObserver(total, c.opts.ProgressInterval, func(done, total int64) {
		c.emit(events.DownloadProgress, s.fields, map[string]any{
			events.KeyBytesDownloaded: done,
			events.KeyTotalBytes:      total,
		})
	})
	observer.Start()
	start := time.Now()

	results := make([]download, len(s.plan.Fetch))
	var mu sync.Mutex
	failures := make(map[string]error)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(c.opts.MaxConcurrentDownloads)
	for i, e := range s.plan.Fetch {
		g.Go(func() error {
			d, err := s.fetchFile(gctx, e, filepath.Join(dir, strconv.Itoa(i)), observer)
			if err != nil {
				// files aborted because another one failed are not failures of their own
				if ctx.Err() != nil || !errors.Is(err, context.Canceled) {
					mu.Lock()
					failures[e.Path] = err
					mu.Unlock()
				}
				return err
			}
			results[i] = d
			return nil
		})
	}
	err = g.Wait()
	observer.Stop()
	s.out.BytesDownloaded = observer.BytesRead()

	if err != nil {
		if ctx.Err() != nil {
			err = interrupted(ctx, err)
		}
		s.recordFailures(failures)
		return nil, s.downloadFailed(err, observer.BytesRead())
	}
	s.out.Downloaded = paths(s.plan.Fetch)
	c.emit(events.DownloadCompleted, s.fields, map[string]any{
		events.KeyBytesDownloaded: observer.BytesRead(),
		events.KeyTotalBytes:      total,
		events.KeyDownloadTimeMs:  time.Since(start).Milliseconds(),
	})
	for _, v := range c.validators {
		if r, ok := v.(interface{ Record(uint64) error }); ok {
			if err := r.Record(uint64(observer.BytesRead())); err != nil {
				log.WithError(err).Warn("failed to record download volume")
			}
		}
	}
	return results, nil
}

// fetchFile downloads a patch against the active copy of the file if the release offers one,
// and the full file otherwise.
func (s *session) fetchFile(ctx context.Context, e manifest.FileEntry, dst string, progress inspector.Counter) (download, error) {
	c := s.c
	if s.current != nil {
		if old, ok := s.current.Manifest.File(e.Path); ok {
			base := filepath.Join(s.current.Dir, filepath.FromSlash(old.Path))
			if p, ok := e.PatchFrom(old.Checksum); ok && fileutils.IsRegularFile(base) {
				d, err := s.fetchPatch(ctx, e, p, base, dst+".patch", progress)
				if err == nil {
					return d, nil
				}
				if ctx.Err() != nil {
					return download{}, err
				}
				log.WithError(err).Warnf("patch for %q unavailable, downloading the full file", e.Path)
			}
		}
	}
	u, err := s.target.ResolveURL(c.manifestURL, e.URL, e.Path)
	if err != nil {
		return download{}, err
	}
	if _, err := c.fetcher.Fetch(ctx, u, dst, 0, progress); err != nil {
		return download{}, fmt.Errorf("fetching %q: %w", e.Path, err)
	}
	return download{entry: e, payload: dst}, nil
}

func (s *session) fetchPatch(ctx context.Context, e manifest.FileEntry, p manifest.Patch, base, dst string, progress inspector.Counter) (download, error) {
	u, err := s.target.ResolveURL(s.c.manifestURL, p.URL, e.Path+".patch")
	if err != nil {
		return download{}, err
	}
	if _, err := s.c.fetcher.Fetch(ctx, u, dst, 0, progress); err != nil {
		return download{}, fmt.Errorf("fetching patch for %q: %w", e.Path, err)
	}
	return download{entry: e, payload: dst, patch: &p, base: base}, nil
}

func (s *session) downloadFailed(err error, done int64) error {
	s.c.emit(events.DownloadFailed, s.fields, map[string]any{
		events.KeyErrorCode:       errorCode(err),
		events.KeyErrorMessage:    err.Error(),
		events.KeyBytesDownloaded: done,
		events.KeyFiles:           len(s.out.Failures),
	})
	return NewUpdaterError(ErrFetchFailed, err)
}

// materialize decodes every download and verifies its content. All files are checked,
// the error joins every failure.
func (s *session) materialize(downloads []download) (map[string]string, error) {
	c := s.c
	contents := make(map[string]string, len(downloads))
	failures := make(map[string]error)
	for _, d := range downloads {
		content := d.payload + ".content"
		payload := patchapplier.Payload{Path: d.payload, Encoding: d.entry.Encoding}
		if d.patch != nil {
			if err := c.verify.Verify(d.payload, d.patch.Checksum, d.patch.Size); err != nil {
				failures[d.entry.Path] = err
				continue
			}
			payload.Base = d.base
		}
		if err := c.applier.Apply(payload, content); err != nil {
			failures[d.entry.Path] = err
			continue
		}
		if err := c.verify.Verify(content, d.entry.Checksum, d.entry.Size); err != nil {
			failures[d.entry.Path] = err
			continue
		}
		contents[d.entry.Path] = content
	}
	if len(failures) > 0 {
		s.recordFailures(failures)
		return nil, errors.Join(lo.MapToSlice(failures, func(p string, err error) error {
			return fmt.Errorf("%q: %w", p, err)
		})...)
	}
	return contents, nil
}

// apply stages and promotes the release, then runs the health check.
func (s *session) apply(ctx context.Context, contents map[string]string) error {
	c := s.c
	start := time.Now()
	c.emit(events.ApplyStarted, s.fields, nil)
	for _, e := range s.plan.Reuse {
		if _, err := c.storage.StageReuse(s.id, e, *s.current); err != nil {
			return s.fail(NewUpdaterError(ErrFailedToApplyUpdate, err))
		}
	}
	for _, e := range s.plan.Fetch {
		if _, err := c.storage.Stage(s.id, e, contents[e.Path]); err != nil {
			return s.fail(NewUpdaterError(ErrFailedToApplyUpdate, err))
		}
	}
	v, err := c.storage.Promote(s.id, s.target)
	if err != nil {
		return s.fail(NewUpdaterError(ErrFailedToApplyUpdate, err))
	}
	c.active.Store(&v)
	s.promoted = true

	hctx, cancel := context.WithTimeout(ctx, c.opts.HealthCheckTimeout)
	err = c.health.HealthCheck(hctx, c.BundlePath())
	cancel()
	if err != nil {
		return s.fail(NewUpdaterError(ErrFailedHealthChecks, err))
	}

	s.out.Updated = true
	s.out.Reason = ReasonUpdated
	c.emit(events.ApplySuccess, s.fields, map[string]any{
		events.KeyApplyTimeMs:     time.Since(start).Milliseconds(),
		events.KeyBytesDownloaded: s.out.BytesDownloaded,
	})
	c.settle(Active)
	if c.opts.PrefetchLazySplits && len(s.plan.Deferred) > 0 {
		s.prefetch()
	}
	return nil
}

func (s *session) prefetch() {
	c := s.c
	deferred := paths(s.plan.Deferred)
	started := c.spawn(func() {
		if _, err := c.splits.EnsureSplits(c.ctx, deferred); err != nil {
			log.WithError(err).Warn("prefetching lazy files failed")
		}
	})
	if !started {
		log.Debug("client is closing, lazy files are not prefetched")
	}
}

// fail ends the session. Failures after promote roll back, earlier ones discard the session.
func (s *session) fail(err error) error {
	c := s.c
	if s.reachedVerify {
		c.emit(events.ApplyFailure, s.fields, map[string]any{
			events.KeyErrorCode:    errorCode(err),
			events.KeyErrorMessage: err.Error(),
		})
	}
	if s.promoted {
		s.out.RolledBack = true
		if rbErr := c.rollback(s.fields, err.Error(), errorCode(err)); rbErr != nil {
			return errors.Join(err, rbErr)
		}
		return err
	}
	c.setState(RollingBack)
	c.storage.Discard(s.id)
	c.settle(Idle)
	return err
}

func (s *session) recordFailures(failures map[string]error) {
	if s.out.Failures == nil {
		s.out.Failures = make(map[string]string, len(failures))
	}
	for p, err := range failures {
		s.out.Failures[p] = err.Error()
	}
}

// interrupted describes why the session context ended.
func interrupted(ctx context.Context, err error) error {
	cause := context.Cause(ctx)
	switch {
	case errors.Is(cause, errdef.ErrCancelled):
		if errors.Is(err, errdef.ErrCancelled) {
			return err
		}
		return fmt.Errorf("%w: %w", errdef.ErrCancelled, err)
	case errors.Is(cause, context.DeadlineExceeded):
		if errors.Is(err, errdef.ErrNetwork) && errors.Is(err, context.DeadlineExceeded) {
			return err
		}
		return fmt.Errorf("%w: session timed out: %w", errdef.ErrNetwork, context.DeadlineExceeded)
	case errors.Is(cause, ErrClosed):
		return ErrClosed
	default:
		return err
	}
}

func paths(entries []manifest.FileEntry) []string {
	return lo.Map(entries, func(e manifest.FileEntry, _ int) string {
		return e.Path
	})
}
