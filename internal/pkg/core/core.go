package core

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	log "github.com/sirupsen/logrus"

	"github.com/unbasical/airborne/configs"
	"github.com/unbasical/airborne/internal/pkg/api"
	"github.com/unbasical/airborne/internal/pkg/api/apicommon"
	"github.com/unbasical/airborne/internal/pkg/core/releaseengine"
)

type Airborne struct {
	engine   *gin.Engine
	releases releaseengine.Engine
	srv      *http.Server
	listener net.Listener
	hostname string
	port     uint16
}

// New returns an instance of an Airborne release server.
func New(config configs.ServerConfig) *Airborne {
	a := Airborne{}
	return a.init(config)
}

// init builds the gin engine from the configuration.
func (a *Airborne) init(config configs.ServerConfig) *Airborne {
	a.hostname = config.CliOpts.Host
	a.port = config.CliOpts.HTTPPort

	appConfig := &apicommon.Config{
		Root: config.ConfigFile.Root,
	}
	if !strings.EqualFold(config.CliOpts.LogLevel, "debug") {
		gin.SetMode(gin.ReleaseMode)
	}
	a.engine, a.releases = api.BuildApp(appConfig)
	err := a.engine.SetTrustedProxies(config.ConfigFile.TrustedProxies)
	if err != nil {
		log.WithError(err).Fatal("failed to set trusted proxies")
	}
	return a
}

// Start the Airborne server. It returns once the server accepts connections.
func (a *Airborne) Start() error {
	log.Info("Starting Airborne server")
	serverURL := fmt.Sprintf("%s:%d", a.hostname, a.port)
	listener, err := net.Listen("tcp", serverURL)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", serverURL, err)
	}
	a.listener = listener
	a.srv = &http.Server{
		Addr:    listener.Addr().String(),
		Handler: a.engine,
	}
	go func() {
		if err := a.srv.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.WithError(err).Error("server stopped")
		}
	}()
	log.Infof("Listening on %s", a.srv.Addr)
	return nil
}

// Addr returns the address the server listens on.
func (a *Airborne) Addr() string {
	if a.listener == nil {
		return ""
	}
	return a.listener.Addr().String()
}

// Stop the Airborne server and wait for in-flight release requests.
func (a *Airborne) Stop(ctx context.Context) error {
	if a.srv == nil {
		return nil
	}
	err := a.srv.Shutdown(ctx)
	a.releases.Stop(ctx)
	return err
}
