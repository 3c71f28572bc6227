package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"

	log "github.com/sirupsen/logrus"

	"github.com/unbasical/airborne/internal/pkg/utils/funcutils"
	"github.com/unbasical/airborne/internal/pkg/utils/writerutils"
	"github.com/unbasical/airborne/pkg/client/updater"
	"github.com/unbasical/airborne/pkg/events"
)

// withClient opens an update client for the duration of f.
// With --events-json the events emitted meanwhile are written as ingest records.
func (args *cliArgs) withClient(f func(c *updater.Client) error) error {
	cfg, err := args.clientConfig()
	if err != nil {
		return err
	}
	collector := events.NewCollectingSink()
	opts := append(cfg.ClientOptions(), updater.WithEventSink(events.LoggingSink{}, collector))
	c, err := updater.NewClient(opts...)
	if err != nil {
		return err
	}
	err = f(c)
	funcutils.PanicOrLogOnErr(c.Close, false, "failed to close client")
	if args.EventsJSON != "" {
		id := events.Identity{
			TenantID:   cfg.TenantID,
			OrgID:      cfg.OrganizationID,
			AppID:      cfg.AppID,
			DeviceID:   cfg.DeviceID,
			AppVersion: cfg.AppVersion,
		}
		if dumpErr := writeEventRecords(args.EventsJSON, collector.Events(), id); dumpErr != nil {
			log.WithError(dumpErr).Error("failed to write events")
		}
	}
	return err
}

// writeEventRecords writes one JSON record per line to path, "-" is stdout.
func writeEventRecords(path string, evs []events.Event, id events.Identity) error {
	var w io.Writer = os.Stdout
	if path != "-" {
		fp, err := os.Create(path)
		if err != nil {
			return err
		}
		sf := writerutils.NewSafeFileWriter(fp)
		defer funcutils.PanicOrLogOnErr(sf.Close, false, "failed to close events file")
		w = sf
	}
	enc := json.NewEncoder(w)
	for _, e := range evs {
		if err := enc.Encode(events.ToRecord(e, id)); err != nil {
			return err
		}
	}
	return nil
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func (args *cliArgs) update(ctx context.Context) error {
	var opts []updater.UpdateOption
	if args.Update.Force {
		opts = append(opts, updater.Force())
	}
	ctx, cancel := context.WithTimeout(ctx, args.Update.Timeout)
	defer cancel()
	return args.withClient(func(c *updater.Client) error {
		out, err := c.Update(ctx, opts...)
		if printErr := printJSON(os.Stdout, out); printErr != nil {
			log.WithError(printErr).Error("failed to print outcome")
		}
		if err != nil {
			return err
		}
		log.Infof("update finished: %s", out.Reason)
		return nil
	})
}

func (args *cliArgs) bundlePath() error {
	return args.withClient(func(c *updater.Client) error {
		_, err := fmt.Println(c.BundlePath())
		return err
	})
}

// launch counts a start of the host application against the crash loop
// guard and prints the bundle path to load afterwards.
func (args *cliArgs) launch(ctx context.Context, w io.Writer) error {
	return args.withClient(func(c *updater.Client) error {
		rolledBack, err := c.RecordLaunch(ctx)
		if err != nil {
			return err
		}
		if rolledBack {
			log.Warn("crash loop detected, rolled back")
		}
		_, err = fmt.Fprintln(w, c.BundlePath())
		return err
	})
}

func (args *cliArgs) status() error {
	return args.withClient(func(c *updater.Client) error {
		st, err := c.Status()
		if err != nil {
			return err
		}
		return printJSON(os.Stdout, st)
	})
}

func (args *cliArgs) rollback(ctx context.Context) error {
	return args.withClient(func(c *updater.Client) error {
		if err := c.Rollback(ctx); err != nil {
			return err
		}
		log.Infof("rolled back, bundle path is %s", c.BundlePath())
		return nil
	})
}

func (args *cliArgs) markStable(ctx context.Context) error {
	return args.withClient(func(c *updater.Client) error {
		return c.MarkStable(ctx)
	})
}

func (args *cliArgs) reportFailure(ctx context.Context) error {
	return args.withClient(func(c *updater.Client) error {
		return c.ReportFailure(ctx, args.ReportFailure.Reason)
	})
}

func (args *cliArgs) split(ctx context.Context) error {
	return args.withClient(func(c *updater.Client) error {
		paths, err := c.EnsureSplits(ctx, args.Split.Paths)
		if err != nil {
			return err
		}
		return printJSON(os.Stdout, paths)
	})
}
