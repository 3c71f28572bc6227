// Package events defines the typed event stream that the update engine emits for telemetry.
package events

import (
	"encoding/json"
	"fmt"
	"maps"
	"time"
)

// Type enumerates the lifecycle transitions that are reported.
// The ordinal values are part of the telemetry contract and must not be reordered.
type Type int

const (
	UpdateCheck Type = iota
	UpdateAvailable
	UpdateNotAvailable
	DownloadStarted
	DownloadProgress
	DownloadCompleted
	DownloadFailed
	ApplyStarted
	ApplySuccess
	ApplyFailure
	RollbackInitiated
	RollbackCompleted
	RollbackFailed
)

var typeNames = [...]string{
	UpdateCheck:        "UPDATE_CHECK",
	UpdateAvailable:    "UPDATE_AVAILABLE",
	UpdateNotAvailable: "UPDATE_NOT_AVAILABLE",
	DownloadStarted:    "DOWNLOAD_STARTED",
	DownloadProgress:   "DOWNLOAD_PROGRESS",
	DownloadCompleted:  "DOWNLOAD_COMPLETED",
	DownloadFailed:     "DOWNLOAD_FAILED",
	ApplyStarted:       "APPLY_STARTED",
	ApplySuccess:       "APPLY_SUCCESS",
	ApplyFailure:       "APPLY_FAILURE",
	RollbackInitiated:  "ROLLBACK_INITIATED",
	RollbackCompleted:  "ROLLBACK_COMPLETED",
	RollbackFailed:     "ROLLBACK_FAILED",
}

// Types returns all event types in ordinal order.
func Types() []Type {
	out := make([]Type, len(typeNames))
	for i := range typeNames {
		out[i] = Type(i)
	}
	return out
}

func (t Type) String() string {
	if t < 0 || int(t) >= len(typeNames) {
		return fmt.Sprintf("Type(%d)", int(t))
	}
	return typeNames[t]
}

// ParseType is the inverse of Type.String.
func ParseType(s string) (Type, error) {
	for i, n := range typeNames {
		if n == s {
			return Type(i), nil
		}
	}
	return 0, fmt.Errorf("unknown event type %q", s)
}

func (t Type) MarshalText() ([]byte, error) {
	if t < 0 || int(t) >= len(typeNames) {
		return nil, fmt.Errorf("unknown event type %d", int(t))
	}
	return []byte(t.String()), nil
}

func (t *Type) UnmarshalText(b []byte) error {
	parsed, err := ParseType(string(b))
	if err != nil {
		return err
	}
	*t = parsed
	return nil
}

// Well known payload keys.
const (
	KeySessionID       = "session_id"
	KeyReleaseID       = "release_id"
	KeyCurrentVersion  = "current_version"
	KeyTargetVersion   = "target_version"
	KeyReason          = "reason"
	KeyErrorCode       = "error_code"
	KeyErrorMessage    = "error_message"
	KeyFiles           = "files"
	KeyPath            = "path"
	KeyTotalBytes      = "download_size_bytes"
	KeyBytesDownloaded = "bytes_downloaded"
	KeyDownloadTimeMs  = "download_time_ms"
	KeyApplyTimeMs     = "apply_time_ms"
)

// Event is an immutable record of a lifecycle transition.
type Event struct {
	typ       Type
	payload   map[string]any
	timestamp time.Time
}

// New creates an event stamped with the current time. The payload is copied.
func New(t Type, payload map[string]any) Event {
	return Event{
		typ:       t,
		payload:   maps.Clone(payload),
		timestamp: time.Now().UTC(),
	}
}

func (e Event) Type() Type {
	return e.typ
}

func (e Event) Timestamp() time.Time {
	return e.timestamp
}

// Payload returns a copy of the event payload.
func (e Event) Payload() map[string]any {
	return maps.Clone(e.payload)
}

// Get returns a single payload value.
func (e Event) Get(key string) (any, bool) {
	v, ok := e.payload[key]
	return v, ok
}

// GetString returns a payload value if it is a string.
func (e Event) GetString(key string) string {
	v, _ := e.payload[key].(string)
	return v
}

type eventJSON struct {
	Type      Type           `json:"type"`
	Payload   map[string]any `json:"payload,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

func (e Event) MarshalJSON() ([]byte, error) {
	return json.Marshal(eventJSON{Type: e.typ, Payload: e.payload, Timestamp: e.timestamp})
}

func (e *Event) UnmarshalJSON(b []byte) error {
	var raw eventJSON
	if err := json.Unmarshal(b, &raw); err != nil {
		return err
	}
	*e = Event{typ: raw.Type, payload: raw.Payload, timestamp: raw.Timestamp}
	return nil
}

func (e Event) String() string {
	return fmt.Sprintf("%s%v", e.typ, e.payload)
}
