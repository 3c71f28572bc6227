package common

import (
	_ "embed"
	"strings"
)

//go:embed version.txt
var embedded string

// buildVersion is set with -ldflags "-X github.com/unbasical/airborne/common.buildVersion=..." by release builds.
var buildVersion string

// Version returns the version of airborne, preferring the one stamped at build time.
func Version() string {
	if v := strings.TrimSpace(buildVersion); v != "" {
		return v
	}
	return strings.TrimSpace(embedded)
}
