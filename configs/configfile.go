package configs

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/unbasical/airborne/internal/pkg/utils/fileutils"
	"github.com/unbasical/airborne/pkg/client/updater"
	"github.com/unbasical/airborne/pkg/client/updater/healthchecker"
	"github.com/unbasical/airborne/pkg/client/updater/validator"
)

// ClientConfig is the configuration file of an update client.
type ClientConfig struct {
	TenantID          string            `yaml:"tenant-id"`
	OrganizationID    string            `yaml:"organization-id"`
	AppID             string            `yaml:"app-id"`
	AppVersion        string            `yaml:"app-version"`
	BundleFileName    string            `yaml:"bundle-file-name"`
	ReleaseConfigURL  string            `yaml:"release-config-url"`
	UseBundledAssets  bool              `yaml:"use-bundled-assets"`
	Headers           map[string]string `yaml:"headers"`
	BaseBundleDir     string            `yaml:"base-bundle-dir"`
	InternalDirectory string            `yaml:"internal-directory"`
	DeviceID          string            `yaml:"device-id"`

	Download  DownloadConfiguration  `yaml:"download"`
	Retention RetentionConfiguration `yaml:"retention"`
	Limits    LimitsConfiguration    `yaml:"limits"`
	// HealthCheck is the argv of a command that checks a freshly installed bundle.
	HealthCheck []string `yaml:"health-check"`

	MaxUnstableLaunches *int `yaml:"max-unstable-launches"`
	PrefetchLazySplits  bool `yaml:"prefetch-lazy-splits"`
	VerifyOnStartup     bool `yaml:"verify-on-startup"`
}

type DownloadConfiguration struct {
	MaxAttempts      int           `yaml:"max-attempts"`
	RequestTimeout   time.Duration `yaml:"request-timeout"`
	SessionTimeout   time.Duration `yaml:"session-timeout"`
	ProgressInterval time.Duration `yaml:"progress-interval"`
	MaxConcurrent    int           `yaml:"max-concurrent"`
	BackoffBase      time.Duration `yaml:"backoff-base"`
	BackoffMax       time.Duration `yaml:"backoff-max"`
	MaxManifestBytes int64         `yaml:"max-manifest-bytes"`
}

type RetentionConfiguration struct {
	DropRollbackTargetWhenStable bool `yaml:"drop-rollback-target-when-stable"`
}

type LimitsConfiguration struct {
	// MaxBundleBytes caps the download size of a single update, 0 means unlimited.
	MaxBundleBytes uint64 `yaml:"max-bundle-bytes"`
	// MaxVolumeBytes caps the bytes downloaded within VolumePeriod, 0 means unlimited.
	MaxVolumeBytes uint64        `yaml:"max-volume-bytes"`
	VolumePeriod   time.Duration `yaml:"volume-period"`
}

// LoadClientConfig reads a client configuration file and applies the defaults.
func LoadClientConfig(p string) (ClientConfig, error) {
	cfg, err := ReadClientConfig(p)
	if err != nil {
		return ClientConfig{}, err
	}
	cfg.ApplyDefaults()
	return cfg, cfg.Validate()
}

// ReadClientConfig decodes a client configuration file as is.
func ReadClientConfig(p string) (ClientConfig, error) {
	var cfg ClientConfig
	if _, err := fileutils.SafeReadYAML(p, &cfg, 0); err != nil {
		return ClientConfig{}, fmt.Errorf("reading client config: %w", err)
	}
	return cfg, nil
}

// ApplyDefaults fills every unset field with its default.
func (c *ClientConfig) ApplyDefaults() {
	d := updater.DefaultConfig()
	if c.TenantID == "" {
		c.TenantID = d.TenantID
	}
	if c.BundleFileName == "" {
		c.BundleFileName = d.BundleFileName
	}
	if c.ReleaseConfigURL == "" {
		c.ReleaseConfigURL = d.ReleaseConfigURL
	}
	if c.InternalDirectory == "" {
		c.InternalDirectory = d.InternalDirectory
	}
	if c.Download.MaxAttempts == 0 {
		c.Download.MaxAttempts = d.MaxAttempts
	}
	if c.Download.RequestTimeout == 0 {
		c.Download.RequestTimeout = d.RequestTimeout
	}
	if c.Download.SessionTimeout == 0 {
		c.Download.SessionTimeout = d.SessionTimeout
	}
	if c.Download.ProgressInterval == 0 {
		c.Download.ProgressInterval = d.ProgressInterval
	}
	if c.Download.MaxConcurrent == 0 {
		c.Download.MaxConcurrent = d.MaxConcurrentDownloads
	}
	if c.Download.BackoffBase == 0 {
		c.Download.BackoffBase = d.BackoffBase
	}
	if c.Download.BackoffMax == 0 {
		c.Download.BackoffMax = d.BackoffMax
	}
	if c.Download.MaxManifestBytes == 0 {
		c.Download.MaxManifestBytes = d.MaxManifestBytes
	}
	if c.Limits.VolumePeriod == 0 {
		c.Limits.VolumePeriod = 24 * time.Hour
	}
	if c.MaxUnstableLaunches == nil {
		n := d.MaxUnstableLaunches
		c.MaxUnstableLaunches = &n
	}
}

// Validate rejects configurations the client cannot run with.
func (c *ClientConfig) Validate() error {
	var errs []error
	if !c.UseBundledAssets && (c.OrganizationID == "" || c.AppID == "") {
		errs = append(errs, errors.New("organization-id and app-id are required unless use-bundled-assets is set"))
	}
	if c.Download.MaxAttempts < 0 || c.Download.MaxConcurrent < 0 || c.Download.MaxManifestBytes < 0 {
		errs = append(errs, errors.New("download limits must not be negative"))
	}
	for name, d := range map[string]time.Duration{
		"request-timeout":   c.Download.RequestTimeout,
		"session-timeout":   c.Download.SessionTimeout,
		"progress-interval": c.Download.ProgressInterval,
		"backoff-base":      c.Download.BackoffBase,
		"backoff-max":       c.Download.BackoffMax,
	} {
		if d < 0 {
			errs = append(errs, fmt.Errorf("download.%s must not be negative", name))
		}
	}
	if c.Download.BackoffMax > 0 && c.Download.BackoffBase > c.Download.BackoffMax {
		errs = append(errs, errors.New("download.backoff-base exceeds download.backoff-max"))
	}
	if c.Limits.VolumePeriod < 0 {
		errs = append(errs, errors.New("limits.volume-period must not be negative"))
	}
	if c.MaxUnstableLaunches != nil && *c.MaxUnstableLaunches < 0 {
		errs = append(errs, errors.New("max-unstable-launches must not be negative"))
	}
	if c.BaseBundleDir != "" {
		if exists, isDir, err := fileutils.ExistsAndIsDirectory(c.BaseBundleDir); err != nil || !exists || !isDir {
			errs = append(errs, fmt.Errorf("base-bundle-dir %q is not a directory", c.BaseBundleDir))
		}
	}
	return errors.Join(errs...)
}

// UpdaterConfig converts the file into the configuration of updater.Client.
func (c *ClientConfig) UpdaterConfig() updater.Config {
	cfg := updater.Config{
		TenantID:                     c.TenantID,
		OrganizationID:               c.OrganizationID,
		AppID:                        c.AppID,
		AppVersion:                   c.AppVersion,
		ReleaseConfigURL:             c.ReleaseConfigURL,
		BundleFileName:               c.BundleFileName,
		BaseBundleDir:                c.BaseBundleDir,
		InternalDirectory:            c.InternalDirectory,
		UseBundledAssets:             c.UseBundledAssets,
		Headers:                      c.Headers,
		DeviceID:                     c.DeviceID,
		MaxAttempts:                  c.Download.MaxAttempts,
		RequestTimeout:               c.Download.RequestTimeout,
		SessionTimeout:               c.Download.SessionTimeout,
		ProgressInterval:             c.Download.ProgressInterval,
		MaxConcurrentDownloads:       c.Download.MaxConcurrent,
		BackoffBase:                  c.Download.BackoffBase,
		BackoffMax:                   c.Download.BackoffMax,
		MaxManifestBytes:             c.Download.MaxManifestBytes,
		PrefetchLazySplits:           c.PrefetchLazySplits,
		VerifyOnStartup:              c.VerifyOnStartup,
		DropRollbackTargetWhenStable: c.Retention.DropRollbackTargetWhenStable,
	}
	if c.MaxUnstableLaunches != nil {
		cfg.MaxUnstableLaunches = *c.MaxUnstableLaunches
	}
	return cfg
}

// ClientOptions returns the options that make updater.NewClient follow the file.
func (c *ClientConfig) ClientOptions() []func(*updater.Client) {
	opts := []func(*updater.Client){
		updater.WithConfig(c.UpdaterConfig()),
	}
	if len(c.HealthCheck) > 0 {
		opts = append(opts, updater.WithHealthChecker(healthchecker.NewShellHealthChecker(c.HealthCheck)))
	}
	if c.Limits.MaxBundleBytes > 0 {
		opts = append(opts, updater.WithValidators(validator.SizeLimitedValidator{Limit: c.Limits.MaxBundleBytes}))
	}
	if c.Limits.MaxVolumeBytes > 0 {
		opts = append(opts, updater.WithValidators(validator.VolumeLimitValidator{
			Path:   filepath.Join(c.InternalDirectory, "download-volume.json"),
			Limit:  c.Limits.MaxVolumeBytes,
			Period: c.Limits.VolumePeriod,
		}))
	}
	return opts
}

// ServerConfigFile is the configuration file of the release server.
type ServerConfigFile struct {
	// Root contains <organization>/<app>/release.json and the files of every release.
	Root           string   `yaml:"root"`
	TrustedProxies []string `yaml:"trusted-proxies"`
}

// CLI holds the command line options of the release server.
type CLI struct {
	Host      string
	HTTPPort  uint16
	LogLevel  string
	LogFormat string
}

// ServerConfig is the merged configuration of the release server.
type ServerConfig struct {
	ConfigFile ServerConfigFile
	CliOpts    CLI
}

// LoadServerConfigFile reads the release server configuration file. An empty path yields an empty file.
func LoadServerConfigFile(p string) (ServerConfigFile, error) {
	var cfg ServerConfigFile
	if p == "" {
		return cfg, nil
	}
	if _, err := fileutils.SafeReadYAML(p, &cfg, 0); err != nil {
		return ServerConfigFile{}, fmt.Errorf("reading server config: %w", err)
	}
	return cfg, nil
}

// ApplyDefaults fills unset fields.
func (c *ServerConfig) ApplyDefaults() {
	if c.ConfigFile.Root == "" {
		c.ConfigFile.Root = "releases"
	}
	if c.CliOpts.Host == "" {
		c.CliOpts.Host = "localhost"
	}
	if c.CliOpts.HTTPPort == 0 {
		c.CliOpts.HTTPPort = 8080
	}
}

// Validate checks that the release root exists.
func (c *ServerConfig) Validate() error {
	root, err := filepath.Abs(c.ConfigFile.Root)
	if err != nil {
		return err
	}
	info, err := os.Stat(root)
	if err != nil {
		return fmt.Errorf("release root: %w", err)
	}
	if !info.IsDir() {
		return fmt.Errorf("release root %q is not a directory", root)
	}
	return nil
}
