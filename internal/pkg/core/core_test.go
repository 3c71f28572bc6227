package core

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/unbasical/airborne/configs"
	"github.com/unbasical/airborne/internal/pkg/utils/logutils"
)

func TestStartStop(t *testing.T) {
	logutils.SetupTestLogging()
	root := t.TempDir()
	if err := os.MkdirAll(filepath.Join(root, "acme", "shop"), 0755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(root, "acme", "shop", "release.json"), []byte(`{}`), 0644); err != nil {
		t.Fatal(err)
	}
	cfg := configs.ServerConfig{
		ConfigFile: configs.ServerConfigFile{Root: root},
		CliOpts:    configs.CLI{Host: "127.0.0.1", HTTPPort: 0, LogLevel: "debug"},
	}
	srv := New(cfg)
	if err := srv.Start(); err != nil {
		t.Fatal(err)
	}

	resp, err := http.Get(fmt.Sprintf("http://%s/release/v2/acme/shop", srv.Addr()))
	if err != nil {
		t.Fatal(err)
	}
	body, _ := io.ReadAll(resp.Body)
	_ = resp.Body.Close()
	if resp.StatusCode != http.StatusOK || string(body) != "{}" {
		t.Errorf("got %d %q", resp.StatusCode, body)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Stop(ctx); err != nil {
		t.Fatal(err)
	}
	if _, err := http.Get(fmt.Sprintf("http://%s/api/v1/ping", srv.Addr())); err == nil {
		t.Error("server still reachable after Stop")
	}
}
