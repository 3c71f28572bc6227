package updater

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/unbasical/airborne/common"
	"github.com/unbasical/airborne/internal/pkg/core/metrics"
	"github.com/unbasical/airborne/pkg/client/updater/fetcher"
	"github.com/unbasical/airborne/pkg/client/updater/healthchecker"
	"github.com/unbasical/airborne/pkg/client/updater/patchapplier"
	"github.com/unbasical/airborne/pkg/client/updater/splitloader"
	"github.com/unbasical/airborne/pkg/client/updater/storage"
	"github.com/unbasical/airborne/pkg/client/updater/updatefinder"
	"github.com/unbasical/airborne/pkg/client/updater/validator"
	"github.com/unbasical/airborne/pkg/client/updater/verifier"
	"github.com/unbasical/airborne/pkg/constants"
	"github.com/unbasical/airborne/pkg/events"
)

// Config holds the settings of a Client. Zero values are replaced by the defaults of DefaultConfig.
type Config struct {
	TenantID         string
	OrganizationID   string
	AppID            string
	AppVersion       string
	ReleaseConfigURL string
	BundleFileName   string
	// BaseBundleDir contains the bundle shipped with the app.
	BaseBundleDir string
	// InternalDirectory is the storage root of downloaded versions.
	InternalDirectory string
	// UseBundledAssets pins the base bundle and disables the network.
	UseBundledAssets bool
	Headers          map[string]string
	DeviceID         string

	MaxAttempts            int
	RequestTimeout         time.Duration
	SessionTimeout         time.Duration
	ProgressInterval       time.Duration
	MaxConcurrentDownloads int
	BackoffBase            time.Duration
	BackoffMax             time.Duration
	MaxManifestBytes       int64

	// MaxUnstableLaunches makes RecordLaunch roll back a version that was launched this often
	// without being marked stable. 0 disables the guard.
	MaxUnstableLaunches          int
	PrefetchLazySplits           bool
	VerifyOnStartup              bool
	DropRollbackTargetWhenStable bool
	HealthCheckTimeout           time.Duration
}

// DefaultConfig returns the documented defaults.
func DefaultConfig() Config {
	return Config{
		TenantID:               constants.DefaultTenantID,
		ReleaseConfigURL:       constants.DefaultReleaseConfigURL,
		BundleFileName:         constants.DefaultBundleFileName,
		InternalDirectory:      filepath.Join(os.TempDir(), "airborne"),
		MaxAttempts:            3,
		RequestTimeout:         30 * time.Second,
		SessionTimeout:         5 * time.Minute,
		ProgressInterval:       250 * time.Millisecond,
		MaxConcurrentDownloads: 4,
		BackoffBase:            200 * time.Millisecond,
		BackoffMax:             10 * time.Second,
		MaxManifestBytes:       updatefinder.DefaultMaxManifestBytes,
		HealthCheckTimeout:     time.Minute,
	}
}

func (c *Config) applyDefaults() {
	d := DefaultConfig()
	if c.TenantID == "" {
		c.TenantID = d.TenantID
	}
	if c.ReleaseConfigURL == "" {
		c.ReleaseConfigURL = d.ReleaseConfigURL
	}
	if c.BundleFileName == "" {
		c.BundleFileName = d.BundleFileName
	}
	if c.InternalDirectory == "" {
		c.InternalDirectory = d.InternalDirectory
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = d.MaxAttempts
	}
	if c.RequestTimeout <= 0 {
		c.RequestTimeout = d.RequestTimeout
	}
	if c.SessionTimeout <= 0 {
		c.SessionTimeout = d.SessionTimeout
	}
	if c.ProgressInterval <= 0 {
		c.ProgressInterval = d.ProgressInterval
	}
	if c.MaxConcurrentDownloads <= 0 {
		c.MaxConcurrentDownloads = d.MaxConcurrentDownloads
	}
	if c.BackoffBase <= 0 {
		c.BackoffBase = d.BackoffBase
	}
	if c.BackoffMax <= 0 {
		c.BackoffMax = d.BackoffMax
	}
	if c.MaxManifestBytes <= 0 {
		c.MaxManifestBytes = d.MaxManifestBytes
	}
	if c.MaxUnstableLaunches < 0 {
		c.MaxUnstableLaunches = 0
	}
	if c.HealthCheckTimeout <= 0 {
		c.HealthCheckTimeout = d.HealthCheckTimeout
	}
}

// NewClient creates an update client and recovers the state left by a previous process.
func NewClient(options ...func(*Client)) (*Client, error) {
	client := &Client{
		opts:    DefaultConfig(),
		verify:  verifier.New(),
		applier: patchapplier.NewPatchApplier(),
		health:  healthchecker.NewShellHealthChecker(nil),
		sem:     make(chan struct{}, 1),
	}
	client.ctx, client.stop = context.WithCancelCause(context.Background())
	client.state.Store(int32(Idle))
	client.resting = Idle

	for _, option := range options {
		option(client)
	}
	client.opts.applyDefaults()
	if err := client.opts.validate(); err != nil {
		return nil, err
	}

	if client.fetcher == nil {
		client.fetcher = fetcher.NewHTTPDownloader(
			fetcher.WithMaxAttempts(client.opts.MaxAttempts),
			fetcher.WithRequestTimeout(client.opts.RequestTimeout),
			fetcher.WithBackoff(client.opts.BackoffBase, client.opts.BackoffMax),
			fetcher.WithHeader("User-Agent", constants.UserAgent(common.Version())),
		)
	}
	client.emitter = events.NewEmitter(0, append([]events.Sink{metrics.EventSink{}}, client.sinks...)...)

	s, err := storage.New(client.opts.InternalDirectory)
	if err != nil {
		client.emitter.Close()
		return nil, err
	}
	client.storage = s

	finderCfg := updatefinder.Config{
		TenantID:         client.opts.TenantID,
		OrganizationID:   client.opts.OrganizationID,
		AppID:            client.opts.AppID,
		AppVersion:       client.opts.AppVersion,
		ReleaseConfigURL: client.opts.ReleaseConfigURL,
		Headers:          client.opts.Headers,
		DeviceID:         client.opts.DeviceID,
		IndexFile:        client.opts.BundleFileName,
		MaxManifestBytes: client.opts.MaxManifestBytes,
	}
	client.manifestURL = finderCfg.ManifestURL()
	if client.finder == nil {
		client.finder = updatefinder.NewResolver(finderCfg, client.fetcher, client.emitter)
	}
	client.splits = splitloader.New(splitloader.Config{
		BaseBundleDir: client.opts.BaseBundleDir,
		BundledOnly:   client.opts.UseBundledAssets,
		ManifestURL:   client.manifestURL,
	}, s, client.ActiveVersion,
		splitloader.WithFetcher(client.fetcher),
		splitloader.WithVerifier(client.verify),
		splitloader.WithPatchApplier(client.applier),
		splitloader.WithCallback(client.splitCallback),
	)

	if err := client.open(); err != nil {
		_ = client.Close()
		return nil, err
	}
	return client, nil
}

func (c *Config) validate() error {
	if c.UseBundledAssets {
		return nil
	}
	if c.OrganizationID == "" || c.AppID == "" {
		return fmt.Errorf("organization id and app id are required")
	}
	return nil
}

// WithConfig replaces the whole configuration.
func WithConfig(cfg Config) func(*Client) {
	return func(c *Client) {
		c.opts = cfg
	}
}

// WithApp sets the organization and app whose releases are installed.
func WithApp(organizationID, appID, appVersion string) func(*Client) {
	return func(c *Client) {
		c.opts.OrganizationID = organizationID
		c.opts.AppID = appID
		c.opts.AppVersion = appVersion
	}
}

// WithReleaseConfigURL sets the release manifest URL template.
func WithReleaseConfigURL(u string) func(*Client) {
	return func(c *Client) {
		c.opts.ReleaseConfigURL = u
	}
}

// WithInternalDirectory sets the client configurations local working directory.
// It stores things such as the updaters internal state.
func WithInternalDirectory(internalDirectory string) func(*Client) {
	return func(c *Client) {
		c.opts.InternalDirectory = internalDirectory
	}
}

// WithBaseBundleDir sets the directory of the bundle shipped with the app.
func WithBaseBundleDir(dir string) func(*Client) {
	return func(c *Client) {
		c.opts.BaseBundleDir = dir
	}
}

// WithBundledAssetsOnly pins the base bundle and disables all network access.
func WithBundledAssetsOnly() func(*Client) {
	return func(c *Client) {
		c.opts.UseBundledAssets = true
	}
}

// WithEventSink adds sinks that receive every emitted event.
func WithEventSink(sinks ...events.Sink) func(*Client) {
	return func(c *Client) {
		c.sinks = append(c.sinks, sinks...)
	}
}

// WithSplitCallback sets the receiver of lazy install notifications.
func WithSplitCallback(cb splitloader.SplitCallback) func(*Client) {
	return func(c *Client) {
		c.splitCallback = cb
	}
}

// WithHealthChecker sets the check that runs after a version was promoted.
func WithHealthChecker(h healthchecker.HealthChecker) func(*Client) {
	return func(c *Client) {
		c.health = h
	}
}

// WithValidators adds checks that run against the download plan of a release.
func WithValidators(v ...validator.ManifestValidator) func(*Client) {
	return func(c *Client) {
		c.validators = append(c.validators, v...)
	}
}

// WithFetcher replaces the HTTP downloader.
func WithFetcher(f fetcher.ArtifactFetcher) func(*Client) {
	return func(c *Client) {
		c.fetcher = f
	}
}

// WithUpdateFinder replaces the release resolver.
func WithUpdateFinder(f updatefinder.UpdateFinder) func(*Client) {
	return func(c *Client) {
		c.finder = f
	}
}

// open recovers from an interrupted previous process: it sweeps leftovers, loads the active
// version and rolls back a version that was modified on disk. Opening never counts as a launch.
func (c *Client) open() error {
	if err := c.storage.Sweep(); err != nil {
		return err
	}
	st, err := c.storage.State()
	if err != nil {
		return err
	}
	active, ok := st.Active()
	if !ok {
		return nil
	}
	c.active.Store(&active)
	c.resting = Active
	c.state.Store(int32(Active))
	if c.opts.UseBundledAssets {
		return nil
	}

	if c.opts.VerifyOnStartup {
		if err := c.storage.VerifyVersion(active); err != nil {
			log.WithError(err).Errorf("version %s failed verification", active.ID)
			_ = c.rollback(nil, err.Error(), codeIntegrity)
		}
	}
	return nil
}
