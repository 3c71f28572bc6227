package releaseengine

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"sync"

	log "github.com/sirupsen/logrus"

	"github.com/unbasical/airborne/internal/pkg/core/metrics"
	apidelegate "github.com/unbasical/airborne/internal/pkg/delegates/api"
	error2 "github.com/unbasical/airborne/internal/pkg/error"
	"github.com/unbasical/airborne/internal/pkg/utils/fileutils"
	"github.com/unbasical/airborne/internal/pkg/utils/pathsanitize"
	"github.com/unbasical/airborne/pkg/constants"
	"github.com/unbasical/airborne/pkg/manifest"
)

// Engine serves releases from a directory tree, including graceful shutdowns.
// Errors and responses are handled by apidelegate.APIDelegate implementations.
type Engine interface {
	HandleReadRelease(apiDelegate apidelegate.APIDelegate)
	HandleReadFile(apiDelegate apidelegate.APIDelegate)
	Stop(ctx context.Context)
}

type engine struct {
	root string
	wg   *sync.WaitGroup
}

// NewEngine constructs an Engine that serves <root>/<organization>/<app>.
func NewEngine(root string) Engine {
	return &engine{
		root: root,
		wg:   &sync.WaitGroup{},
	}
}

func (e *engine) Stop(ctx context.Context) {
	doneChan := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(doneChan)
	}()
	select {
	case <-ctx.Done():
		log.Debug(ctx.Err())
	case <-doneChan:
		log.Debug("all release requests have been served")
	}
}

func (e *engine) HandleReadRelease(apiDelegate apidelegate.APIDelegate) {
	e.wg.Add(1)
	defer e.wg.Done()
	dir, organization, app, ok := e.appDir(apiDelegate)
	if !ok {
		return
	}
	p := filepath.Join(dir, constants.ReleaseFileName)
	if !fileutils.IsRegularFile(p) {
		log.Debugf("no release for %s/%s", organization, app)
		apiDelegate.HandleError(error2.ErrReleaseNotFound, fmt.Sprintf("%s/%s", organization, app))
		return
	}
	log.WithFields(log.Fields{
		"organization": organization,
		"app":          app,
		"headers":      apiDelegate.ExtractClientHeaders(),
	}).Info("serving release")
	metrics.ReleaseRequestsCounter.WithLabelValues(organization, app).Inc()
	apiDelegate.HandleRelease(p)
}

func (e *engine) HandleReadFile(apiDelegate apidelegate.APIDelegate) {
	e.wg.Add(1)
	defer e.wg.Done()
	dir, _, _, ok := e.appDir(apiDelegate)
	if !ok {
		return
	}
	rel, err := apiDelegate.ExtractFilePath()
	if err != nil {
		apiDelegate.HandleError(err, "")
		return
	}
	clean, err := manifest.CleanPath(rel)
	if err != nil {
		log.WithError(err).Debug("rejected file path")
		apiDelegate.HandleError(error2.ErrInvalidPath, rel)
		return
	}
	p, err := pathsanitize.SafeJoin(dir, filepath.FromSlash(clean))
	if err != nil {
		apiDelegate.HandleError(error2.ErrInvalidPath, rel)
		return
	}
	if !fileutils.IsRegularFile(p) {
		apiDelegate.HandleError(error2.ErrFileNotFound, clean)
		return
	}
	apiDelegate.HandleFile(p)
}

// appDir resolves the application directory and reports errors to the delegate.
func (e *engine) appDir(apiDelegate apidelegate.APIDelegate) (dir, organization, app string, ok bool) {
	organization, app, err := apiDelegate.ExtractApp()
	if err != nil {
		apiDelegate.HandleError(err, "")
		return "", "", "", false
	}
	for _, segment := range []string{organization, app} {
		if !isSegment(segment) {
			apiDelegate.HandleError(error2.ErrInvalidPath, segment)
			return "", "", "", false
		}
	}
	dir, err = pathsanitize.SafeJoin(e.root, organization, app)
	if err != nil {
		apiDelegate.HandleError(error2.ErrInvalidPath, organization+"/"+app)
		return "", "", "", false
	}
	return dir, organization, app, true
}

func isSegment(s string) bool {
	return s != "" && s != "." && s != ".." && !strings.ContainsAny(s, `/\`)
}
