package updater

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"

	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/singleflight"

	"github.com/unbasical/airborne/pkg/client/updater/fetcher"
	"github.com/unbasical/airborne/pkg/client/updater/healthchecker"
	"github.com/unbasical/airborne/pkg/client/updater/patchapplier"
	"github.com/unbasical/airborne/pkg/client/updater/splitloader"
	"github.com/unbasical/airborne/pkg/client/updater/storage"
	"github.com/unbasical/airborne/pkg/client/updater/updatefinder"
	"github.com/unbasical/airborne/pkg/client/updater/updaterstate"
	"github.com/unbasical/airborne/pkg/client/updater/validator"
	"github.com/unbasical/airborne/pkg/client/updater/verifier"
	"github.com/unbasical/airborne/pkg/errdef"
	"github.com/unbasical/airborne/pkg/events"
	"github.com/unbasical/airborne/pkg/manifest"
)

// State is the lifecycle state of the client.
type State int32

const (
	Idle State = iota
	Checking
	Downloading
	Verifying
	Applying
	// Active means the last session installed a new version.
	Active
	RollingBack
	// Failed means a rollback failed, the previous version may still be in use.
	Failed
)

var stateNames = [...]string{
	Idle:        "Idle",
	Checking:    "Checking",
	Downloading: "Downloading",
	Verifying:   "Verifying",
	Applying:    "Applying",
	Active:      "Active",
	RollingBack: "RollingBack",
	Failed:      "Failed",
}

func (s State) String() string {
	if s < 0 || int(s) >= len(stateNames) {
		return fmt.Sprintf("State(%d)", int32(s))
	}
	return stateNames[s]
}

// Client runs OTA bundle updates.
type Client struct {
	opts          Config
	storage       *storage.Manager
	finder        updatefinder.UpdateFinder
	fetcher       fetcher.ArtifactFetcher
	verify        verifier.ArtifactVerifier
	applier       patchapplier.PatchApplier
	validators    []validator.ManifestValidator
	health        healthchecker.HealthChecker
	splits        *splitloader.Loader
	splitCallback splitloader.SplitCallback
	sinks         []events.Sink
	emitter       *events.Emitter
	manifestURL   string

	// active is nil while the base bundle is in use
	active atomic.Pointer[updaterstate.BundleVersion]
	state  atomic.Int32
	group  singleflight.Group
	// sem is held by sessions and by operations that must not overlap with them
	sem chan struct{}

	mu      sync.Mutex
	cancel  context.CancelCauseFunc
	resting State

	ctx       context.Context
	stop      context.CancelCauseFunc
	bg        sync.WaitGroup
	closeOnce sync.Once
}

// State returns the current lifecycle state.
func (c *Client) State() State {
	return State(c.state.Load())
}

func (c *Client) setState(s State) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.state.Store(int32(s))
}

// settle ends a session or rollback in the resting state s.
func (c *Client) settle(s State) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.resting = s
	c.state.Store(int32(s))
}

// restore returns to the resting state of the previous session.
func (c *Client) restore() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.state.Store(int32(c.resting))
}

// transition moves to s unless the session was cancelled.
func (c *Client) transition(ctx context.Context, s State) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if ctx.Err() != nil {
		return context.Cause(ctx)
	}
	c.state.Store(int32(s))
	return nil
}

// Cancel aborts the running session. Only checks and downloads can be cancelled,
// in every other state errdef.ErrNotCancellable is returned.
func (c *Client) Cancel() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	switch State(c.state.Load()) {
	case Checking, Downloading:
		if c.cancel != nil {
			c.cancel(errdef.ErrCancelled)
			return nil
		}
	}
	return errdef.ErrNotCancellable
}

// ActiveVersion returns the installed version in use, false if the base bundle is in use.
func (c *Client) ActiveVersion() (updaterstate.BundleVersion, bool) {
	v := c.active.Load()
	if v == nil || c.opts.UseBundledAssets {
		return updaterstate.BundleVersion{}, false
	}
	return *v, true
}

// BundlePath returns the absolute path of the index file the host should load.
// It never blocks.
func (c *Client) BundlePath() string {
	if v, ok := c.ActiveVersion(); ok {
		return filepath.Join(v.Dir, filepath.FromSlash(c.opts.BundleFileName))
	}
	return c.basePath(c.opts.BundleFileName)
}

func (c *Client) basePath(p string) string {
	joined := filepath.Join(c.opts.BaseBundleDir, filepath.FromSlash(p))
	if abs, err := filepath.Abs(joined); err == nil {
		return abs
	}
	return joined
}

// FileContent reads a bundle file from the active version, falling back to the base bundle.
func (c *Client) FileContent(name string) ([]byte, error) {
	p, err := manifest.CleanPath(name)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", errdef.ErrFileNotFound, err)
	}
	if v, ok := c.ActiveVersion(); ok {
		data, err := os.ReadFile(filepath.Join(v.Dir, filepath.FromSlash(p)))
		if err == nil {
			return data, nil
		}
		if !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("%w: %w", errdef.ErrStorage, err)
		}
	}
	if c.opts.BaseBundleDir != "" {
		data, err := os.ReadFile(c.basePath(p))
		if err == nil {
			return data, nil
		}
		if !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("%w: %w", errdef.ErrStorage, err)
		}
	}
	return nil, fmt.Errorf("%w: %q", errdef.ErrFileNotFound, name)
}

// EnsureSplit makes a lazy file of the active version available locally.
func (c *Client) EnsureSplit(ctx context.Context, p string) (string, error) {
	return c.splits.EnsureSplit(ctx, p)
}

// EnsureSplits makes several lazy files available locally.
func (c *Client) EnsureSplits(ctx context.Context, paths []string) (map[string]string, error) {
	return c.splits.EnsureSplits(ctx, paths)
}

// Status returns the persisted record of installed versions.
func (c *Client) Status() (updaterstate.State, error) {
	return c.storage.State()
}

// Result is delivered by UpdateAsync.
type Result struct {
	Outcome Outcome
	Err     error
}

// UpdateAsync runs Update in the background.
func (c *Client) UpdateAsync(ctx context.Context, opts ...UpdateOption) <-chan Result {
	ch := make(chan Result, 1)
	go func() {
		defer close(ch)
		out, err := c.Update(ctx, opts...)
		ch <- Result{Outcome: out, Err: err}
	}()
	return ch
}

// Update checks for a new release and installs it.
// Concurrent calls join the running session and share its outcome; ctx only bounds the wait.
// A release that is not installed is not an error, Outcome.Reason tells why.
func (c *Client) Update(ctx context.Context, opts ...UpdateOption) (Outcome, error) {
	if c.opts.UseBundledAssets {
		return Outcome{Reason: ReasonBundledAssetsOnly}, errdef.ErrBundledAssetsOnly
	}
	var o updateOptions
	for _, opt := range opts {
		opt(&o)
	}
	ch := c.group.DoChan("update", func() (any, error) {
		return c.runSession(o)
	})
	select {
	case <-ctx.Done():
		return Outcome{}, ctx.Err()
	case r := <-ch:
		out, _ := r.Val.(Outcome)
		return out, r.Err
	}
}

// MarkStable tells the client that the host survived a full run on the active version.
// Versions that are no longer needed are pruned afterwards.
func (c *Client) MarkStable(ctx context.Context) error {
	if err := c.acquire(ctx); err != nil {
		return err
	}
	defer c.release()
	v, err := c.storage.MarkStable()
	if err != nil {
		return err
	}
	c.active.Store(&v)
	removed, err := c.storage.Prune(storage.PrunePolicy{DropRollbackTarget: c.opts.DropRollbackTargetWhenStable})
	if err != nil {
		return err
	}
	if len(removed) > 0 {
		log.Debugf("pruned %v", removed)
	}
	return nil
}

// RecordLaunch is called by the host once per start of the application, before the bundle is
// loaded. It counts launches of an active version that is not marked stable and rolls back once
// MaxUnstableLaunches is reached. It reports whether a rollback happened.
// Queries such as BundlePath or Status never count as launches.
func (c *Client) RecordLaunch(ctx context.Context) (bool, error) {
	if c.opts.MaxUnstableLaunches <= 0 || c.opts.UseBundledAssets {
		return false, nil
	}
	if err := c.acquire(ctx); err != nil {
		return false, err
	}
	defer c.release()
	v := c.active.Load()
	if v == nil || v.Stable {
		return false, nil
	}
	n, err := c.storage.RecordLaunch()
	if err != nil {
		return false, err
	}
	if n < c.opts.MaxUnstableLaunches {
		return false, nil
	}
	log.Warnf("version %s was launched %d times without being marked stable, rolling back", v.ID, n)
	if err := c.rollback(nil, fmt.Sprintf("crash loop after %d unstable launches", n), "crash_loop"); err != nil {
		return false, err
	}
	return true, nil
}

// Rollback returns to the rollback target on request of the host.
// It fails with errdef.ErrNoRollbackTarget if there is none.
func (c *Client) Rollback(ctx context.Context) error {
	if err := c.acquire(ctx); err != nil {
		return err
	}
	defer c.release()
	st, err := c.storage.State()
	if err != nil {
		return err
	}
	if _, ok := st.Target(); !ok {
		return errdef.ErrNoRollbackTarget
	}
	return c.rollback(nil, "requested by host", "manual")
}

// ReportFailure tells the client that the active version does not work.
// The client rolls back, or returns to the base bundle if nothing else is installed.
func (c *Client) ReportFailure(ctx context.Context, reason string) error {
	if err := c.acquire(ctx); err != nil {
		return err
	}
	defer c.release()
	if c.active.Load() == nil {
		return errdef.ErrNoRollbackTarget
	}
	return c.rollback(nil, reason, "reported_failure")
}

// Close waits for background work and releases all resources.
func (c *Client) Close() error {
	var err error
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.stop(ErrClosed)
		c.mu.Unlock()
		c.bg.Wait()
		// wait for a session that is still applying
		c.sem <- struct{}{}
		c.emitter.Close()
		if c.storage != nil {
			err = c.storage.Close()
		}
	})
	return err
}

// spawn runs f on a goroutine that Close waits for.
// It reports false once the client is closing.
func (c *Client) spawn(f func()) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.ctx.Err() != nil {
		return false
	}
	c.bg.Add(1)
	go func() {
		defer c.bg.Done()
		f()
	}()
	return true
}

func (c *Client) acquire(ctx context.Context) error {
	select {
	case c.sem <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-c.ctx.Done():
		return ErrClosed
	}
}

func (c *Client) release() {
	<-c.sem
}

func (c *Client) emit(t events.Type, fields map[string]any, payload map[string]any) {
	merged := maps.Clone(fields)
	if merged == nil {
		merged = make(map[string]any, len(payload))
	}
	maps.Copy(merged, payload)
	c.emitter.Emit(t, merged)
}

// rollback leaves the active version. It restores the rollback target or, if there is none,
// returns to the base bundle. The caller holds the session semaphore or runs during open.
func (c *Client) rollback(fields map[string]any, reason, code string) error {
	c.setState(RollingBack)
	payload := map[string]any{
		events.KeyReason:    reason,
		events.KeyErrorCode: code,
	}
	if v := c.active.Load(); v != nil {
		payload[events.KeyCurrentVersion] = v.Version()
		payload[events.KeyReleaseID] = v.ID
	}
	if st, err := c.storage.State(); err == nil {
		if t, ok := st.Target(); ok {
			payload[events.KeyTargetVersion] = t.Version()
		}
	}
	c.emit(events.RollbackInitiated, fields, payload)

	abandoned, restored, err := c.storage.Rollback()
	if errors.Is(err, errdef.ErrNoRollbackTarget) {
		abandoned, err = c.storage.Reset()
		restored = updaterstate.BundleVersion{}
	}
	if err != nil {
		payload[events.KeyErrorMessage] = err.Error()
		c.emit(events.RollbackFailed, fields, payload)
		c.settle(Failed)
		log.WithError(err).Error("rollback failed")
		return NewUpdaterError(ErrRollbackFailed, err)
	}
	if restored.ID != "" {
		c.active.Store(&restored)
	} else {
		c.active.Store(nil)
	}
	payload[events.KeyTargetVersion] = restored.Version()
	c.emit(events.RollbackCompleted, fields, payload)
	c.settle(Idle)
	log.WithFields(log.Fields{"from": abandoned.ID, "to": restored.ID}).Info("rolled back")
	return nil
}
