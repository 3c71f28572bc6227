package apidelegate

// APIDelegate decouples the release engine from the HTTP framework.
type APIDelegate interface {
	// ExtractApp returns the organization and application of the request.
	ExtractApp() (organization, app string, err error)
	// ExtractFilePath returns the requested file below the application directory.
	ExtractFilePath() (string, error)
	// ExtractClientHeaders returns the x-* headers the update client sent.
	ExtractClientHeaders() map[string]string
	HandleError(err error, msg string)
	// HandleRelease serves the manifest at p, which must never be cached.
	HandleRelease(p string)
	// HandleFile serves the file at p and honours range requests.
	HandleFile(p string)
}
