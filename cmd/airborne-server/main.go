package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/alecthomas/kingpin/v2"
	log "github.com/sirupsen/logrus"

	"github.com/unbasical/airborne/common"
	"github.com/unbasical/airborne/configs"
	"github.com/unbasical/airborne/internal/pkg/core"
	"github.com/unbasical/airborne/internal/pkg/utils/logutils"
)

func main() {
	var (
		app = kingpin.New("airborne-server", "Serves release manifests and bundle files to airborne update clients")

		configPath     = app.Flag("config", "Path to the server configuration file").Envar("AIRBORNE_SERVER_CONFIG").String()
		root           = app.Flag("root", "Release root, overrides the configuration file").Envar("AIRBORNE_ROOT").String()
		host           = app.Flag("host", "Address to bind to").Default("localhost").Envar("AIRBORNE_HOST").String()
		port           = app.Flag("port", "HTTP port").Default("8080").Envar("AIRBORNE_PORT").Uint16()
		trustedProxies = app.Flag("trusted-proxy", "Trusted proxy address, may be repeated").Envar("AIRBORNE_TRUSTED_PROXIES").Strings()
		shutdownGrace  = app.Flag("shutdown-timeout", "Grace period for in-flight requests").Default("10s").Duration()
		// Logging
		logLevel  = app.Flag("log-level", "Log-Level, must be one of [DEBUG, INFO, WARN, ERROR]").Default("INFO").Envar("LOG_LEVEL").Enum("DEBUG", "INFO", "WARN", "ERROR", "debug", "info", "warn", "error")
		logFormat = app.Flag("log-format", "Log-Format, must be one of [TEXT, JSON]").Default("TEXT").Envar("LOG_FORMAT").Enum("TEXT", "JSON")
	)
	app.Version(common.Version())
	app.HelpFlag.Short('h')
	kingpin.MustParse(app.Parse(os.Args[1:]))

	if err := logutils.SetLogLevel(*logLevel); err != nil {
		log.WithError(err).Fatal("invalid log level")
	}
	logutils.SetLogFormat(*logFormat)

	configFile, err := configs.LoadServerConfigFile(*configPath)
	if err != nil {
		log.WithError(err).Fatal("failed to load config")
	}
	if *root != "" {
		configFile.Root = *root
	}
	if len(*trustedProxies) > 0 {
		configFile.TrustedProxies = *trustedProxies
	}
	config := configs.ServerConfig{
		ConfigFile: configFile,
		CliOpts: configs.CLI{
			Host:      *host,
			HTTPPort:  *port,
			LogLevel:  *logLevel,
			LogFormat: *logFormat,
		},
	}
	config.ApplyDefaults()
	if err := config.Validate(); err != nil {
		log.WithError(err).Fatal("invalid configuration")
	}

	srv := core.New(config)
	if err := srv.Start(); err != nil {
		log.WithError(err).Fatal("failed to start server")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	<-ctx.Done()
	log.Info("Shutting down Airborne server")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), *shutdownGrace)
	defer cancel()
	if err := srv.Stop(shutdownCtx); err != nil {
		log.WithError(err).Error("failed to shut down gracefully")
	}
}
