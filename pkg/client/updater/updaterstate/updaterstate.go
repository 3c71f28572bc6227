// Package updaterstate holds the persisted record of installed bundle versions.
// The record doubles as the current pointer: whatever Current names is the bundle the host runs.
package updaterstate

import (
	"fmt"
	"slices"
	"time"

	"github.com/samber/lo"

	"github.com/unbasical/airborne/pkg/errdef"
	"github.com/unbasical/airborne/pkg/manifest"
)

// SchemaVersion is the layout version of State on disk.
const SchemaVersion = 1

// maxFailed bounds the list of releases that are never installed again.
const maxFailed = 32

// VersionState is the lifecycle state of a bundle version.
type VersionState string

const (
	Staging        VersionState = "staging"
	Verified       VersionState = "verified"
	Active         VersionState = "active"
	RollbackTarget VersionState = "rollback_target"
	Corrupt        VersionState = "corrupt"
)

// BundleVersion is an installed bundle.
type BundleVersion struct {
	ID       string                    `json:"id"`
	Manifest *manifest.ReleaseManifest `json:"manifest"`
	Dir      string                    `json:"dir"`
	State    VersionState              `json:"state"`
	// Stable is set once the host survived a full run cycle on this version.
	Stable     bool      `json:"stable,omitempty"`
	PromotedAt time.Time `json:"promoted_at"`
	// Launches counts launches while the version was not yet stable.
	Launches int `json:"launches,omitempty"`
	// DirectoryDigest is the dirhash of the eager files at promotion.
	DirectoryDigest string `json:"directory_digest,omitempty"`
}

// Version returns the release version string of the bundle.
func (v BundleVersion) Version() string {
	if v.Manifest == nil {
		return ""
	}
	return v.Manifest.Version
}

// State represents the state of an airborne updater installation.
type State struct {
	Version        int                      `json:"version"`
	Current        string                   `json:"current,omitempty"`
	RollbackTarget string                   `json:"rollback_target,omitempty"`
	Versions       map[string]BundleVersion `json:"versions"`
	// Failed lists the ids of releases that were rolled back.
	Failed []string `json:"failed,omitempty"`
}

// NewState returns an empty record, meaning the host runs its base bundle.
func NewState() State {
	return State{
		Version:  SchemaVersion,
		Versions: make(map[string]BundleVersion),
	}
}

// Active returns the current bundle version.
func (s *State) Active() (BundleVersion, bool) {
	return s.lookup(s.Current)
}

// Target returns the rollback target.
func (s *State) Target() (BundleVersion, bool) {
	return s.lookup(s.RollbackTarget)
}

func (s *State) lookup(id string) (BundleVersion, bool) {
	if id == "" || s.Versions == nil {
		return BundleVersion{}, false
	}
	v, ok := s.Versions[id]
	return v, ok
}

// Referenced reports whether the record points at the version.
func (s *State) Referenced(id string) bool {
	return id != "" && (id == s.Current || id == s.RollbackTarget)
}

// Promote makes v the active version. The previously active version becomes the rollback target,
// every other version is dropped from the record and returned so its directory can be removed.
func (s *State) Promote(v BundleVersion) []BundleVersion {
	if s.Versions == nil {
		s.Versions = make(map[string]BundleVersion)
	}
	prev, hadPrev := s.Active()
	v.State = Active
	v.Stable = false
	v.Launches = 0
	s.Versions[v.ID] = v
	s.RollbackTarget = ""
	if hadPrev && prev.ID != v.ID {
		prev.State = RollbackTarget
		s.Versions[prev.ID] = prev
		s.RollbackTarget = prev.ID
	}
	s.Current = v.ID
	return s.dropUnreferenced()
}

// Rollback restores the rollback target. The abandoned version is marked corrupt, remembered as failed
// and removed from the record. It returns the abandoned and the restored version.
func (s *State) Rollback() (abandoned BundleVersion, restored BundleVersion, err error) {
	target, ok := s.Target()
	if !ok {
		return BundleVersion{}, BundleVersion{}, errdef.ErrNoRollbackTarget
	}
	abandoned, hadActive := s.Active()
	if hadActive {
		abandoned.State = Corrupt
		s.MarkFailed(abandoned.ID)
		delete(s.Versions, abandoned.ID)
	}
	target.State = Active
	target.Launches = 0
	s.Versions[target.ID] = target
	s.Current = target.ID
	s.RollbackTarget = ""
	return abandoned, target, nil
}

// Reset abandons the active version without a rollback target, leaving the host on the base bundle.
func (s *State) Reset() (BundleVersion, bool) {
	abandoned, ok := s.Active()
	if ok {
		abandoned.State = Corrupt
		s.MarkFailed(abandoned.ID)
		delete(s.Versions, abandoned.ID)
	}
	s.Current = ""
	return abandoned, ok
}

// MarkStable flags the active version as stable.
func (s *State) MarkStable() error {
	v, ok := s.Active()
	if !ok {
		return fmt.Errorf("%w: no active version", errdef.ErrNotStable)
	}
	v.Stable = true
	v.Launches = 0
	s.Versions[v.ID] = v
	return nil
}

// Prune drops versions other than the active version and its rollback target.
// With dropTarget the rollback target is dropped as well. The active version must be stable.
func (s *State) Prune(dropTarget bool) ([]BundleVersion, error) {
	v, ok := s.Active()
	if !ok || !v.Stable {
		return nil, errdef.ErrNotStable
	}
	if dropTarget {
		s.RollbackTarget = ""
	}
	return s.dropUnreferenced(), nil
}

// RecordLaunch counts a launch of an unstable active version and returns the new count.
func (s *State) RecordLaunch() int {
	v, ok := s.Active()
	if !ok || v.Stable {
		return 0
	}
	v.Launches++
	s.Versions[v.ID] = v
	return v.Launches
}

// MarkFailed remembers a release id that must not be installed again.
func (s *State) MarkFailed(id string) {
	if id == "" || slices.Contains(s.Failed, id) {
		return
	}
	s.Failed = append(s.Failed, id)
	if len(s.Failed) > maxFailed {
		s.Failed = slices.Clone(s.Failed[len(s.Failed)-maxFailed:])
	}
}

// HasFailed reports whether the release id was rolled back before.
func (s *State) HasFailed(id string) bool {
	return slices.Contains(s.Failed, id)
}

// Repair makes sure Current and RollbackTarget name recorded versions whose directory exists.
// exists is consulted for the directory of each referenced version.
func (s *State) Repair(exists func(BundleVersion) bool) (changed bool) {
	if s.Versions == nil {
		s.Versions = make(map[string]BundleVersion)
		changed = true
	}
	if s.Version == 0 {
		s.Version = SchemaVersion
		changed = true
	}
	if t, ok := s.Target(); s.RollbackTarget != "" && (!ok || !exists(t)) {
		delete(s.Versions, s.RollbackTarget)
		s.RollbackTarget = ""
		changed = true
	}
	if a, ok := s.Active(); s.Current != "" && (!ok || !exists(a)) {
		delete(s.Versions, s.Current)
		s.Current = ""
		if t, ok := s.Target(); ok {
			t.State = Active
			s.Versions[t.ID] = t
			s.Current = t.ID
			s.RollbackTarget = ""
		}
		changed = true
	}
	if len(s.dropUnreferenced()) > 0 {
		changed = true
	}
	return changed
}

func (s *State) dropUnreferenced() []BundleVersion {
	removed := lo.Filter(lo.Values(s.Versions), func(v BundleVersion, _ int) bool {
		return !s.Referenced(v.ID)
	})
	for _, v := range removed {
		delete(s.Versions, v.ID)
	}
	slices.SortFunc(removed, func(a, b BundleVersion) int {
		return a.PromotedAt.Compare(b.PromotedAt)
	})
	return removed
}
