package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/alecthomas/kingpin/v2"
	log "github.com/sirupsen/logrus"

	"github.com/unbasical/airborne/common"
	"github.com/unbasical/airborne/configs"
	"github.com/unbasical/airborne/internal/pkg/utils/logutils"
)

type cliArgs struct {
	ConfigPath string
	LogLevel   string
	LogFormat  string

	TenantID         string
	OrganizationID   string
	AppID            string
	AppVersion       string
	InternalDir      string
	BaseBundleDir    string
	ReleaseConfigURL string
	UseBundledAssets bool
	EventsJSON       string

	Update struct {
		Force   bool
		Timeout time.Duration
	}
	Split struct {
		Paths []string
	}
	ReportFailure struct {
		Reason string
	}
	Manifest struct {
		Dir                     string
		Version                 string
		Index                   string
		Lazy                    []string
		BaseURL                 string
		Ordering                string
		MinimumSupportedVersion string
		Encoding                string
		Out                     string
		Output                  string
	}
	Diff struct {
		From string
		To   string
		Out  string
		URL  string
	}
}

func main() {
	args := &cliArgs{}
	app := kingpin.New("airborne-cli", "A command-line tool to run and prepare airborne OTA bundle updates")
	app.Version(common.Version())
	app.HelpFlag.Short('h')

	app.Flag("config", "Path to the client configuration file").Envar("AIRBORNE_CONFIG").StringVar(&args.ConfigPath)
	app.Flag("log-level", "Log-Level, must be one of [DEBUG, INFO, WARN, ERROR]").Default("INFO").Envar("LOG_LEVEL").EnumVar(&args.LogLevel, "DEBUG", "INFO", "WARN", "ERROR", "debug", "info", "warn", "error")
	app.Flag("log-format", "Log-Format, must be one of [TEXT, JSON]").Default("TEXT").Envar("LOG_FORMAT").EnumVar(&args.LogFormat, "TEXT", "JSON")
	app.Flag("tenant", "Tenant id").Envar("AIRBORNE_TENANT_ID").StringVar(&args.TenantID)
	app.Flag("organization", "Organization id").Envar("AIRBORNE_ORGANIZATION_ID").StringVar(&args.OrganizationID)
	app.Flag("app", "Application id").Envar("AIRBORNE_APP_ID").StringVar(&args.AppID)
	app.Flag("app-version", "Version of the host application").Envar("AIRBORNE_APP_VERSION").StringVar(&args.AppVersion)
	app.Flag("internal-dir", "Directory that stores downloaded bundle versions").Envar("AIRBORNE_INTERNAL_DIR").StringVar(&args.InternalDir)
	app.Flag("base-bundle-dir", "Directory of the bundle shipped with the application").Envar("AIRBORNE_BASE_BUNDLE_DIR").StringVar(&args.BaseBundleDir)
	app.Flag("release-config-url", "Release manifest URL, {organization} and {app} are substituted").Envar("AIRBORNE_RELEASE_CONFIG_URL").StringVar(&args.ReleaseConfigURL)
	app.Flag("use-bundled-assets", "Only use the base bundle and never touch the network").Envar("AIRBORNE_USE_BUNDLED_ASSETS").BoolVar(&args.UseBundledAssets)
	app.Flag("events-json", "Write the emitted events as JSON lines to this file, - for stdout").Envar("AIRBORNE_EVENTS_JSON").StringVar(&args.EventsJSON)

	update := app.Command("update", "Check for a new release and install it")
	update.Flag("force", "Install the release even if it is not newer").BoolVar(&args.Update.Force)
	update.Flag("timeout", "Upper bound of the wait for the session").Default("10m").DurationVar(&args.Update.Timeout)
	bundlePath := app.Command("path", "Print the path of the bundle index the host should load")
	launch := app.Command("launch", "Record a start of the host application and print the bundle path to load")
	status := app.Command("status", "Print the record of installed versions")
	rollback := app.Command("rollback", "Return to the previous version")
	markStable := app.Command("mark-stable", "Mark the active version as stable")
	reportFailure := app.Command("report-failure", "Report that the active version does not work")
	reportFailure.Flag("reason", "Reason recorded in the rollback events").Default("reported by cli").StringVar(&args.ReportFailure.Reason)
	split := app.Command("split", "Make lazy files of the active version available")
	split.Arg("path", "Bundle relative path of a lazy file").Required().StringsVar(&args.Split.Paths)

	mf := app.Command("manifest", "Build a release manifest from a bundle directory")
	mf.Flag("dir", "Bundle directory").Required().ExistingDirVar(&args.Manifest.Dir)
	mf.Flag("version", "Release version").Required().StringVar(&args.Manifest.Version)
	mf.Flag("index", "Index file of the bundle").Default("index.bundle.js").StringVar(&args.Manifest.Index)
	mf.Flag("lazy", "Pattern of files that are fetched on demand, may be repeated").StringsVar(&args.Manifest.Lazy)
	mf.Flag("base-url", "Base URL the file paths are resolved against").StringVar(&args.Manifest.BaseURL)
	mf.Flag("ordering", "Version ordering, empty or semver").EnumVar(&args.Manifest.Ordering, "", "semver")
	mf.Flag("minimum-supported-version", "Oldest app version the release runs on").StringVar(&args.Manifest.MinimumSupportedVersion)
	mf.Flag("encoding", "Transfer encoding of the payloads").EnumVar(&args.Manifest.Encoding, "", "gzip", "zstd")
	mf.Flag("payload-dir", "Directory that receives encoded payloads").StringVar(&args.Manifest.Out)
	mf.Flag("out", "Manifest output path, stdout if empty").StringVar(&args.Manifest.Output)

	diff := app.Command("diff", "Create a bsdiff patch for a manifest patch entry")
	diff.Flag("from", "File of the installed version").Required().ExistingFileVar(&args.Diff.From)
	diff.Flag("to", "File of the new version").Required().ExistingFileVar(&args.Diff.To)
	diff.Flag("out", "Patch output path").Required().StringVar(&args.Diff.Out)
	diff.Flag("url", "URL of the patch in the manifest, defaults to the file name").StringVar(&args.Diff.URL)

	cmd := kingpin.MustParse(app.Parse(os.Args[1:]))

	if err := logutils.SetLogLevel(args.LogLevel); err != nil {
		log.WithError(err).Fatal("invalid log level")
	}
	logutils.SetLogFormat(args.LogFormat)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	var err error
	switch cmd {
	case update.FullCommand():
		err = args.update(ctx)
	case bundlePath.FullCommand():
		err = args.bundlePath()
	case launch.FullCommand():
		err = args.launch(ctx, os.Stdout)
	case status.FullCommand():
		err = args.status()
	case rollback.FullCommand():
		err = args.rollback(ctx)
	case markStable.FullCommand():
		err = args.markStable(ctx)
	case reportFailure.FullCommand():
		err = args.reportFailure(ctx)
	case split.FullCommand():
		err = args.split(ctx)
	case mf.FullCommand():
		err = args.manifest(os.Stdout)
	case diff.FullCommand():
		err = args.diff(os.Stdout)
	}
	if err != nil {
		log.WithError(err).Fatalf("%s failed", cmd)
	}
}

// clientConfig merges the configuration file with the flags.
func (args *cliArgs) clientConfig() (configs.ClientConfig, error) {
	var cfg configs.ClientConfig
	if args.ConfigPath != "" {
		var err error
		if cfg, err = configs.ReadClientConfig(args.ConfigPath); err != nil {
			return configs.ClientConfig{}, err
		}
	}
	override := func(dst *string, v string) {
		if v != "" {
			*dst = v
		}
	}
	override(&cfg.TenantID, args.TenantID)
	override(&cfg.OrganizationID, args.OrganizationID)
	override(&cfg.AppID, args.AppID)
	override(&cfg.AppVersion, args.AppVersion)
	override(&cfg.InternalDirectory, args.InternalDir)
	override(&cfg.BaseBundleDir, args.BaseBundleDir)
	override(&cfg.ReleaseConfigURL, args.ReleaseConfigURL)
	if args.UseBundledAssets {
		cfg.UseBundledAssets = true
	}
	cfg.ApplyDefaults()
	return cfg, cfg.Validate()
}
