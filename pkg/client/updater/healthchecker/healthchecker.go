// Package healthchecker checks a freshly promoted bundle.
package healthchecker

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strings"

	log "github.com/sirupsen/logrus"
)

// HealthChecker reports whether the bundle at bundlePath is usable.
type HealthChecker interface {
	HealthCheck(ctx context.Context, bundlePath string) error
}

// Func adapts a function to the HealthChecker interface.
type Func func(ctx context.Context, bundlePath string) error

func (f Func) HealthCheck(ctx context.Context, bundlePath string) error {
	return f(ctx, bundlePath)
}

type shellHealthChecker struct {
	cmd []string
}

// HealthCheck runs the command with AIRBORNE_BUNDLE_PATH set to the promoted index file.
// A non-zero exit status is a failed check.
func (s *shellHealthChecker) HealthCheck(ctx context.Context, bundlePath string) error {
	if len(s.cmd) == 0 {
		log.Debug("no command to execute, assuming healthy")
		return nil
	}
	cmd := exec.CommandContext(ctx, s.cmd[0], s.cmd[1:]...)
	cmd.Env = append(cmd.Environ(), "AIRBORNE_BUNDLE_PATH="+bundlePath)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		msg := strings.TrimSpace(stderr.String())
		if msg != "" {
			return fmt.Errorf("health check %q failed: %w: %s", strings.Join(s.cmd, " "), err, msg)
		}
		return fmt.Errorf("health check %q failed: %w", strings.Join(s.cmd, " "), err)
	}
	return nil
}

// NewShellHealthChecker returns a checker that executes cmd. An empty cmd always passes.
func NewShellHealthChecker(cmd []string) HealthChecker {
	return &shellHealthChecker{
		cmd: cmd,
	}
}
