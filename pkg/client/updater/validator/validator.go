package validator

import (
	"errors"
	"fmt"
	"time"

	"github.com/unbasical/airborne/pkg/client/updater/statemanager"
	"github.com/unbasical/airborne/pkg/manifest"
)

// ErrLimitExceeded is returned when a release would download more than allowed.
var ErrLimitExceeded = errors.New("download limit exceeded")

// ManifestValidator decides whether the download plan of a release is acceptable.
type ManifestValidator interface {
	Validate(mf *manifest.ReleaseManifest, plan manifest.Plan) error
}

// SizeLimitedValidator rejects plans that download more than Limit bytes, 0 disables the check.
type SizeLimitedValidator struct {
	Limit uint64
}

func (s SizeLimitedValidator) Validate(_ *manifest.ReleaseManifest, plan manifest.Plan) error {
	return checkSizeLimit(plan, 0, s.Limit)
}

// Consumption is one recorded download.
type Consumption struct {
	At    time.Time `json:"at"`
	Bytes uint64    `json:"bytes"`
}

type ledger struct {
	Entries []Consumption `json:"entries"`
}

// VolumeLimitValidator limits the bytes downloaded within a rolling period.
// Downloads are recorded in a JSON ledger at Path that is shared between processes.
type VolumeLimitValidator struct {
	Path   string
	Limit  uint64
	Period time.Duration
	// Now defaults to time.Now.
	Now func() time.Time
}

func (v VolumeLimitValidator) now() time.Time {
	if v.Now != nil {
		return v.Now().UTC()
	}
	return time.Now().UTC()
}

// update runs cb on the ledger after dropping entries outside the period.
func (v VolumeLimitValidator) update(cb func(l *ledger)) error {
	m, err := statemanager.NewFromDisk(ledger{}, v.Path)
	if err != nil {
		return fmt.Errorf("opening download ledger: %w", err)
	}
	cutoff := v.now().Add(-v.Period)
	return m.ModifyState(func(l *ledger) error {
		kept := l.Entries[:0]
		for _, e := range l.Entries {
			if e.At.After(cutoff) {
				kept = append(kept, e)
			}
		}
		l.Entries = kept
		cb(l)
		return nil
	})
}

// Consumed returns the bytes downloaded within the period.
func (v VolumeLimitValidator) Consumed() (uint64, error) {
	var sum uint64
	err := v.update(func(l *ledger) {
		for _, e := range l.Entries {
			sum += e.Bytes
		}
	})
	return sum, err
}

func (v VolumeLimitValidator) Validate(_ *manifest.ReleaseManifest, plan manifest.Plan) error {
	if v.Limit == 0 {
		return nil
	}
	consumed, err := v.Consumed()
	if err != nil {
		return err
	}
	return checkSizeLimit(plan, consumed, v.Limit)
}

// Record adds n downloaded bytes to the ledger.
func (v VolumeLimitValidator) Record(n uint64) error {
	if n == 0 || v.Limit == 0 {
		return nil
	}
	return v.update(func(l *ledger) {
		l.Entries = append(l.Entries, Consumption{At: v.now(), Bytes: n})
	})
}

func checkSizeLimit(plan manifest.Plan, consumed, limit uint64) error {
	if limit == 0 {
		return nil
	}
	size := uint64(plan.Bytes())
	if size+consumed > limit {
		return fmt.Errorf("%w: %d bytes planned, %d consumed, limit is %d", ErrLimitExceeded, size, consumed, limit)
	}
	return nil
}
