package events

import (
	"maps"
	"time"
)

// Identity names the installation an event stream belongs to.
type Identity struct {
	TenantID   string
	OrgID      string
	AppID      string
	DeviceID   string
	AppVersion string
}

// Record is the flat ingest format expected by the telemetry backend.
type Record struct {
	TenantID          string         `json:"tenant_id"`
	OrgID             string         `json:"org_id"`
	AppID             string         `json:"app_id"`
	DeviceID          string         `json:"device_id,omitempty"`
	SessionID         string         `json:"session_id,omitempty"`
	EventType         Type           `json:"event_type"`
	ReleaseID         string         `json:"release_id,omitempty"`
	CurrentJSVersion  string         `json:"current_js_version,omitempty"`
	TargetJSVersion   string         `json:"target_js_version,omitempty"`
	AppVersion        string         `json:"app_version,omitempty"`
	ErrorCode         string         `json:"error_code,omitempty"`
	ErrorMessage      string         `json:"error_message,omitempty"`
	DownloadSizeBytes *int64         `json:"download_size_bytes,omitempty"`
	DownloadTimeMs    *int64         `json:"download_time_ms,omitempty"`
	ApplyTimeMs       *int64         `json:"apply_time_ms,omitempty"`
	Payload           map[string]any `json:"payload,omitempty"`
	Timestamp         time.Time      `json:"timestamp"`
}

var recordKeys = []string{
	KeySessionID, KeyReleaseID, KeyCurrentVersion, KeyTargetVersion,
	KeyErrorCode, KeyErrorMessage, KeyTotalBytes, KeyDownloadTimeMs, KeyApplyTimeMs,
}

// ToRecord flattens an event into the ingest format.
// Well known payload keys become columns, the rest stays in Payload.
func ToRecord(e Event, id Identity) Record {
	rest := e.Payload()
	for _, k := range recordKeys {
		delete(rest, k)
	}
	if len(rest) == 0 {
		rest = nil
	}
	return Record{
		TenantID:          id.TenantID,
		OrgID:             id.OrgID,
		AppID:             id.AppID,
		DeviceID:          id.DeviceID,
		AppVersion:        id.AppVersion,
		SessionID:         e.GetString(KeySessionID),
		EventType:         e.Type(),
		ReleaseID:         e.GetString(KeyReleaseID),
		CurrentJSVersion:  e.GetString(KeyCurrentVersion),
		TargetJSVersion:   e.GetString(KeyTargetVersion),
		ErrorCode:         e.GetString(KeyErrorCode),
		ErrorMessage:      e.GetString(KeyErrorMessage),
		DownloadSizeBytes: int64Field(e, KeyTotalBytes),
		DownloadTimeMs:    int64Field(e, KeyDownloadTimeMs),
		ApplyTimeMs:       int64Field(e, KeyApplyTimeMs),
		Payload:           maps.Clone(rest),
		Timestamp:         e.Timestamp(),
	}
}

func int64Field(e Event, key string) *int64 {
	v, ok := e.Get(key)
	if !ok {
		return nil
	}
	var n int64
	switch x := v.(type) {
	case int:
		n = int64(x)
	case int64:
		n = x
	case float64:
		n = int64(x)
	default:
		return nil
	}
	return &n
}
