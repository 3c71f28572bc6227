package manifest

import (
	"github.com/samber/lo"
)

// Plan is the minimal set of work needed to move from one release to another.
type Plan struct {
	// Reuse lists files whose content is already present locally.
	Reuse []FileEntry
	// Fetch lists files required for the first launch that must be downloaded.
	Fetch []FileEntry
	// Deferred lists lazy files that are left to on-demand loading.
	Deferred []FileEntry
}

// Bytes is the number of bytes the plan is expected to download.
func (p Plan) Bytes() int64 {
	return lo.SumBy(p.Fetch, func(e FileEntry) int64 {
		return e.Size
	})
}

// Empty reports whether the plan downloads nothing.
func (p Plan) Empty() bool {
	return len(p.Fetch) == 0
}

// Diff compares two releases by path and checksum.
// current may be nil when no release has been installed yet.
// present reports whether an unchanged file of the current release exists on disk,
// which matters for lazy files that may not have been loaded yet.
func Diff(current, target *ReleaseManifest, present func(FileEntry) bool) Plan {
	var existing map[string]FileEntry
	if current != nil {
		existing = lo.KeyBy(current.Files, func(e FileEntry) string {
			return e.Path
		})
	}
	var plan Plan
	for _, e := range target.Files {
		if old, ok := existing[e.Path]; ok && old.Checksum == e.Checksum && (present == nil || present(old)) {
			plan.Reuse = append(plan.Reuse, e)
			continue
		}
		if e.IsLazy {
			plan.Deferred = append(plan.Deferred, e)
			continue
		}
		plan.Fetch = append(plan.Fetch, e)
	}
	return plan
}
