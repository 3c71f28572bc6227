package constants

// Request headers sent with every release manifest request.
const (
	HeaderTenantID       = "x-tenant-id"
	HeaderOrganizationID = "x-organization-id"
	HeaderAppID          = "x-app-id"
	HeaderAppVersion     = "x-app-version"
	// HeaderPackageVersion carries the bundle version that is currently active.
	HeaderPackageVersion = "x-package-version"
	// HeaderDimension carries the configured custom headers as "k=v;k=v", sorted by key.
	HeaderDimension = "x-dimension"
	HeaderDeviceID  = "x-device-id"
)

// DefaultTenantID is used when no tenant is configured.
const DefaultTenantID = "juspay"

// DefaultBundleFileName is the entry point of a bundle.
const DefaultBundleFileName = "index.bundle.js"

// DefaultReleaseConfigURL is the release endpoint template.
const DefaultReleaseConfigURL = "https://airborne.juspay.in/release/v2/{organization}/{app}"

// ReleaseFileName is the manifest document the release server serves per app.
const ReleaseFileName = "release.json"

// URL template placeholders.
const (
	PlaceholderTenant       = "{tenant}"
	PlaceholderOrganization = "{organization}"
	PlaceholderApp          = "{app}"
	PlaceholderAppVersion   = "{app_version}"
)

// UserAgent returns the user agent of the downloader.
func UserAgent(version string) string {
	return "airborne/" + version
}
