package main

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/opencontainers/go-digest"

	"github.com/unbasical/airborne/pkg/events"
	"github.com/unbasical/airborne/pkg/manifest"
)

func Test_cliArgs_clientConfig(t *testing.T) {
	dir := t.TempDir()
	configPath := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(configPath, []byte("organization-id: acme\napp-id: shop\ninternal-directory: /var/lib/airborne\n"), 0600); err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		name     string
		args     cliArgs
		wantApp  string
		wantDir  string
		wantErr  bool
		bundled  bool
		wantOrg  string
		wantTent string
	}{
		{
			name:     "file only",
			args:     cliArgs{ConfigPath: configPath},
			wantApp:  "shop",
			wantOrg:  "acme",
			wantDir:  "/var/lib/airborne",
			wantTent: "juspay",
		},
		{
			name:     "flags override the file",
			args:     cliArgs{ConfigPath: configPath, AppID: "checkout", InternalDir: dir, TenantID: "t1"},
			wantApp:  "checkout",
			wantOrg:  "acme",
			wantDir:  dir,
			wantTent: "t1",
		},
		{
			name:     "flags without file",
			args:     cliArgs{OrganizationID: "acme", AppID: "shop"},
			wantApp:  "shop",
			wantOrg:  "acme",
			wantTent: "juspay",
		},
		{
			name:    "missing app",
			args:    cliArgs{OrganizationID: "acme"},
			wantErr: true,
		},
		{
			name:     "bundled assets only",
			args:     cliArgs{UseBundledAssets: true},
			bundled:  true,
			wantTent: "juspay",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg, err := tt.args.clientConfig()
			if (err != nil) != tt.wantErr {
				t.Fatalf("clientConfig() error = %v, wantErr %v", err, tt.wantErr)
			}
			if err != nil {
				return
			}
			if cfg.AppID != tt.wantApp || cfg.OrganizationID != tt.wantOrg || cfg.TenantID != tt.wantTent {
				t.Errorf("unexpected identity %q/%q/%q", cfg.TenantID, cfg.OrganizationID, cfg.AppID)
			}
			if tt.wantDir != "" && cfg.InternalDirectory != tt.wantDir {
				t.Errorf("InternalDirectory = %q, want %q", cfg.InternalDirectory, tt.wantDir)
			}
			if cfg.UseBundledAssets != tt.bundled {
				t.Errorf("UseBundledAssets = %v", cfg.UseBundledAssets)
			}
		})
	}
}

func Test_cliArgs_manifest(t *testing.T) {
	dir := t.TempDir()
	for p, content := range map[string]string{
		"index.bundle.js": "main",
		"lazy/a.js":       "a",
	} {
		full := filepath.Join(dir, filepath.FromSlash(p))
		if err := os.MkdirAll(filepath.Dir(full), 0755); err != nil {
			t.Fatal(err)
		}
		if err := os.WriteFile(full, []byte(content), 0644); err != nil {
			t.Fatal(err)
		}
	}
	args := &cliArgs{}
	args.Manifest.Dir = dir
	args.Manifest.Version = "2.0.0"
	args.Manifest.Index = "index.bundle.js"
	args.Manifest.Lazy = []string{"lazy/*"}

	var buf bytes.Buffer
	if err := args.manifest(&buf); err != nil {
		t.Fatal(err)
	}
	m, err := manifest.Parse(buf.Bytes(), "index.bundle.js")
	if err != nil {
		t.Fatalf("printed manifest does not parse: %v\n%s", err, buf.String())
	}
	lazy, ok := m.File("lazy/a.js")
	if !ok || !lazy.IsLazy {
		t.Errorf("expected lazy/a.js to be lazy, got %+v", lazy)
	}

	args.Manifest.Output = filepath.Join(t.TempDir(), "release.json")
	if err := args.manifest(&buf); err != nil {
		t.Fatal(err)
	}
	if _, err := os.Stat(args.Manifest.Output); err != nil {
		t.Errorf("manifest not written: %v", err)
	}
}

func Test_cliArgs_diff(t *testing.T) {
	dir := t.TempDir()
	from := filepath.Join(dir, "old.js")
	to := filepath.Join(dir, "new.js")
	if err := os.WriteFile(from, []byte("console.log(1)"), 0644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(to, []byte("console.log(2)"), 0644); err != nil {
		t.Fatal(err)
	}
	args := &cliArgs{}
	args.Diff.From = from
	args.Diff.To = to
	args.Diff.Out = filepath.Join(dir, "out", "new.js.patch")

	var buf bytes.Buffer
	if err := args.diff(&buf); err != nil {
		t.Fatal(err)
	}
	var p manifest.Patch
	if err := json.Unmarshal(buf.Bytes(), &p); err != nil {
		t.Fatal(err)
	}
	if p.URL != "new.js.patch" {
		t.Errorf("URL = %q", p.URL)
	}
	if p.From != digest.FromString("console.log(1)") {
		t.Errorf("From = %q", p.From)
	}
}

func Test_cliArgs_launch(t *testing.T) {
	base := t.TempDir()
	if err := os.WriteFile(filepath.Join(base, "index.bundle.js"), []byte("main"), 0644); err != nil {
		t.Fatal(err)
	}
	args := &cliArgs{
		UseBundledAssets: true,
		InternalDir:      t.TempDir(),
		BaseBundleDir:    base,
	}
	var buf bytes.Buffer
	if err := args.launch(context.Background(), &buf); err != nil {
		t.Fatal(err)
	}
	want, _ := filepath.Abs(filepath.Join(base, "index.bundle.js"))
	if got := strings.TrimSpace(buf.String()); got != want {
		t.Errorf("launch printed %q, want %q", got, want)
	}
}

func Test_writeEventRecords(t *testing.T) {
	out := filepath.Join(t.TempDir(), "events.jsonl")
	evs := []events.Event{
		events.New(events.UpdateCheck, map[string]any{events.KeySessionID: "s1"}),
		events.New(events.DownloadFailed, map[string]any{
			events.KeySessionID: "s1",
			events.KeyErrorCode: "timeout",
			events.KeyReason:    "slow network",
		}),
	}
	id := events.Identity{TenantID: "juspay", OrgID: "acme", AppID: "shop", AppVersion: "1.0.0"}
	if err := writeEventRecords(out, evs, id); err != nil {
		t.Fatal(err)
	}

	fp, err := os.Open(out)
	if err != nil {
		t.Fatal(err)
	}
	defer fp.Close()
	var records []events.Record
	sc := bufio.NewScanner(fp)
	for sc.Scan() {
		var r events.Record
		if err := json.Unmarshal(sc.Bytes(), &r); err != nil {
			t.Fatalf("line %q: %v", sc.Text(), err)
		}
		records = append(records, r)
	}
	if len(records) != 2 {
		t.Fatalf("got %d records, want 2", len(records))
	}
	r := records[1]
	if r.EventType != events.DownloadFailed || r.SessionID != "s1" || r.ErrorCode != "timeout" {
		t.Errorf("unexpected record %+v", r)
	}
	if r.TenantID != "juspay" || r.OrgID != "acme" || r.AppID != "shop" || r.AppVersion != "1.0.0" {
		t.Errorf("identity not carried: %+v", r)
	}
	if r.Payload[events.KeyReason] != "slow network" {
		t.Errorf("payload = %v", r.Payload)
	}
}
