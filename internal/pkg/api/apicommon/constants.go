package apicommon

// ApiBasePathV1 is the base path for version 1 of the API.
const ApiBasePathV1 = "api/v1"

// ReleaseApiPath serves release manifests, the client default URL points here.
const ReleaseApiPath = "release/v2"

// FilesApiPath serves the files referenced by the manifests.
const FilesApiPath = "files"

const (
	ParamOrganization = "organization"
	ParamApp          = "app"
	ParamFilePath     = "filepath"
)
