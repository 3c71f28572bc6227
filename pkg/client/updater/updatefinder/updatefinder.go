// Package updatefinder resolves the release manifest a device should run.
package updatefinder

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"slices"
	"strings"

	"github.com/samber/lo"
	log "github.com/sirupsen/logrus"
	"golang.org/x/mod/semver"

	"github.com/unbasical/airborne/pkg/client/updater/fetcher"
	"github.com/unbasical/airborne/pkg/constants"
	"github.com/unbasical/airborne/pkg/errdef"
	"github.com/unbasical/airborne/pkg/events"
	"github.com/unbasical/airborne/pkg/manifest"
)

// Reasons reported with UpdateNotAvailable.
const (
	ReasonUpToDate         = "up_to_date"
	ReasonNotNewer         = "not_newer"
	ReasonPreviouslyFailed = "previously_failed"
	ReasonIncompatible     = "incompatible_client"
	ReasonInvalidManifest  = "invalid_manifest"
	ReasonNetwork          = "network_error"
	ReasonLimitExceeded    = "limit_exceeded"
)

// DefaultMaxManifestBytes bounds the size of a manifest document.
const DefaultMaxManifestBytes = 1 << 20

// NoUpdateError tells the caller that the current bundle stays.
type NoUpdateError struct {
	Reason  string
	Version string
}

func (e *NoUpdateError) Error() string {
	return fmt.Sprintf("no update available for release %q: %s", e.Version, e.Reason)
}

func (e *NoUpdateError) Unwrap() error {
	return errdef.ErrNoUpdateAvailable
}

// IncompatibleClientError is returned when a release requires a newer app.
type IncompatibleClientError struct {
	AppVersion              string
	MinimumSupportedVersion string
}

func (e *IncompatibleClientError) Error() string {
	return fmt.Sprintf("app version %q is below the minimum supported version %q", e.AppVersion, e.MinimumSupportedVersion)
}

func (e *IncompatibleClientError) Unwrap() error {
	return errdef.ErrIncompatibleClient
}

// Config identifies the installation towards the release host.
type Config struct {
	TenantID       string
	OrganizationID string
	AppID          string
	AppVersion     string
	// ReleaseConfigURL may contain {tenant}, {organization}, {app} and {app_version}.
	ReleaseConfigURL string
	Headers          map[string]string
	DeviceID         string
	// IndexFile is the entry point that every release must contain.
	IndexFile        string
	MaxManifestBytes int64
}

// ManifestURL fills the identifiers into the URL template.
func (c Config) ManifestURL() string {
	return strings.NewReplacer(
		constants.PlaceholderTenant, url.PathEscape(c.TenantID),
		constants.PlaceholderOrganization, url.PathEscape(c.OrganizationID),
		constants.PlaceholderApp, url.PathEscape(c.AppID),
		constants.PlaceholderAppVersion, url.PathEscape(c.AppVersion),
	).Replace(c.ReleaseConfigURL)
}

// Dimension encodes the custom headers as "k=v;k=v" sorted by key.
func (c Config) Dimension() string {
	keys := lo.Keys(c.Headers)
	slices.Sort(keys)
	return strings.Join(lo.Map(keys, func(k string, _ int) string {
		return k + "=" + c.Headers[k]
	}), ";")
}

// Request describes the local situation of a resolve.
type Request struct {
	// Current is the manifest of the active bundle, nil when the base bundle runs.
	Current *manifest.ReleaseManifest
	// Failed lists ids of releases that were rolled back.
	Failed []string
	// Force installs a release even if it failed before.
	Force bool
	// Fields are added to every emitted event.
	Fields map[string]any
	// Accept runs before a release is announced as available.
	// An error rejects the release with ReasonLimitExceeded.
	Accept func(*manifest.ReleaseManifest) error
}

// Emitter receives resolver events.
type Emitter interface {
	Emit(t events.Type, payload map[string]any) events.Event
}

// UpdateFinder decides which release to install.
type UpdateFinder interface {
	// Resolve returns the manifest to install. It fails with a *NoUpdateError if the current
	// bundle stays, with an *IncompatibleClientError if the app is too old and with errors wrapping
	// errdef.ErrNetwork or errdef.ErrInvalidManifest if the release could not be obtained.
	Resolve(ctx context.Context, req Request) (*manifest.ReleaseManifest, error)
}

// Resolver implements UpdateFinder against a release host.
type Resolver struct {
	cfg     Config
	fetcher fetcher.ArtifactFetcher
	emitter Emitter
}

// NewResolver creates a resolver. emitter may be nil.
func NewResolver(cfg Config, f fetcher.ArtifactFetcher, emitter Emitter) *Resolver {
	if cfg.MaxManifestBytes <= 0 {
		cfg.MaxManifestBytes = DefaultMaxManifestBytes
	}
	if cfg.IndexFile == "" {
		cfg.IndexFile = constants.DefaultBundleFileName
	}
	return &Resolver{cfg: cfg, fetcher: f, emitter: emitter}
}

func (r *Resolver) emit(req Request, t events.Type, payload map[string]any) {
	if r.emitter == nil {
		return
	}
	merged := make(map[string]any, len(req.Fields)+len(payload))
	for k, v := range req.Fields {
		merged[k] = v
	}
	for k, v := range payload {
		merged[k] = v
	}
	r.emitter.Emit(t, merged)
}

func (r *Resolver) header(current *manifest.ReleaseManifest) http.Header {
	h := make(http.Header)
	for k, v := range r.cfg.Headers {
		h.Set(k, v)
	}
	h.Set("Cache-Control", "no-cache")
	h.Set(constants.HeaderTenantID, r.cfg.TenantID)
	h.Set(constants.HeaderOrganizationID, r.cfg.OrganizationID)
	h.Set(constants.HeaderAppID, r.cfg.AppID)
	h.Set(constants.HeaderAppVersion, r.cfg.AppVersion)
	if r.cfg.DeviceID != "" {
		h.Set(constants.HeaderDeviceID, r.cfg.DeviceID)
	}
	if current != nil {
		h.Set(constants.HeaderPackageVersion, current.Version)
	}
	if len(r.cfg.Headers) > 0 {
		h.Set(constants.HeaderDimension, r.cfg.Dimension())
	}
	return h
}

// ManifestURL is the location relative file urls of a release resolve against.
func (r *Resolver) ManifestURL() string {
	return r.cfg.ManifestURL()
}

// Resolve fetches the release manifest and decides whether it should be installed.
func (r *Resolver) Resolve(ctx context.Context, req Request) (*manifest.ReleaseManifest, error) {
	currentVersion := ""
	if req.Current != nil {
		currentVersion = req.Current.Version
	}
	r.emit(req, events.UpdateCheck, map[string]any{events.KeyCurrentVersion: currentVersion})

	mf, err := r.fetch(ctx, req.Current)
	if err != nil {
		reason := ReasonNetwork
		if errors.Is(err, errdef.ErrInvalidManifest) {
			reason = ReasonInvalidManifest
		}
		r.emit(req, events.UpdateNotAvailable, map[string]any{
			events.KeyCurrentVersion: currentVersion,
			events.KeyReason:         reason,
			events.KeyErrorMessage:   err.Error(),
		})
		return nil, err
	}
	if err := CheckCompatibility(mf, r.cfg.AppVersion); err != nil {
		reason := ReasonIncompatible
		if errors.Is(err, errdef.ErrInvalidManifest) {
			reason = ReasonInvalidManifest
		}
		r.emit(req, events.UpdateNotAvailable, map[string]any{
			events.KeyCurrentVersion: currentVersion,
			events.KeyTargetVersion:  mf.Version,
			events.KeyReason:         reason,
			events.KeyErrorMessage:   err.Error(),
		})
		return nil, err
	}
	if reason := decide(req, mf); reason != "" {
		log.Debugf("release %s is not installed: %s", mf.Version, reason)
		r.emit(req, events.UpdateNotAvailable, map[string]any{
			events.KeyCurrentVersion: currentVersion,
			events.KeyTargetVersion:  mf.Version,
			events.KeyReleaseID:      mf.ID(),
			events.KeyReason:         reason,
		})
		return nil, &NoUpdateError{Reason: reason, Version: mf.Version}
	}
	if req.Accept != nil {
		if err := req.Accept(mf); err != nil {
			log.WithError(err).Warnf("release %s rejected", mf.Version)
			r.emit(req, events.UpdateNotAvailable, map[string]any{
				events.KeyCurrentVersion: currentVersion,
				events.KeyTargetVersion:  mf.Version,
				events.KeyReleaseID:      mf.ID(),
				events.KeyReason:         ReasonLimitExceeded,
				events.KeyErrorMessage:   err.Error(),
			})
			return nil, &NoUpdateError{Reason: ReasonLimitExceeded, Version: mf.Version}
		}
	}
	r.emit(req, events.UpdateAvailable, map[string]any{
		events.KeyCurrentVersion: currentVersion,
		events.KeyTargetVersion:  mf.Version,
		events.KeyReleaseID:      mf.ID(),
	})
	return mf, nil
}

func (r *Resolver) fetch(ctx context.Context, current *manifest.ReleaseManifest) (*manifest.ReleaseManifest, error) {
	u := r.cfg.ManifestURL()
	log.Debugf("fetching release manifest from %s", u)
	data, err := r.fetcher.FetchBytes(ctx, u, r.cfg.MaxManifestBytes, r.header(current))
	if err != nil {
		return nil, fmt.Errorf("fetching release manifest: %w", err)
	}
	mf, err := manifest.Parse(data, r.cfg.IndexFile)
	if err != nil {
		return nil, fmt.Errorf("parsing release manifest from %s: %w", u, err)
	}
	return mf, nil
}

// decide returns the reason why mf is not installed, or "" if it should be.
func decide(req Request, mf *manifest.ReleaseManifest) string {
	if cur := req.Current; cur != nil {
		if cur.Version == mf.Version && (cur.Digest == "" || cur.Digest == mf.Digest) {
			return ReasonUpToDate
		}
		if mf.Ordering == manifest.OrderingSemver {
			c, t := manifest.CanonicalSemver(cur.Version), manifest.CanonicalSemver(mf.Version)
			if semver.IsValid(c) && semver.Compare(t, c) <= 0 && cur.Version != mf.Version {
				return ReasonNotNewer
			}
		}
	}
	if !req.Force && slices.Contains(req.Failed, mf.ID()) {
		return ReasonPreviouslyFailed
	}
	return ""
}

// CheckCompatibility verifies that appVersion satisfies the minimum supported version of mf.
func CheckCompatibility(mf *manifest.ReleaseManifest, appVersion string) error {
	if mf.MinimumSupportedVersion == "" {
		return nil
	}
	minimum := manifest.CanonicalSemver(mf.MinimumSupportedVersion)
	if !semver.IsValid(minimum) {
		return fmt.Errorf("%w: minimum supported version %q is not a semantic version", errdef.ErrInvalidManifest, mf.MinimumSupportedVersion)
	}
	app := manifest.CanonicalSemver(appVersion)
	if !semver.IsValid(app) || semver.Compare(app, minimum) < 0 {
		return &IncompatibleClientError{AppVersion: appVersion, MinimumSupportedVersion: mf.MinimumSupportedVersion}
	}
	return nil
}
