package main

import (
	"io"
	"path/filepath"

	log "github.com/sirupsen/logrus"

	"github.com/unbasical/airborne/internal/pkg/releasebuilder"
	"github.com/unbasical/airborne/pkg/manifest"
)

// manifest builds a release manifest and writes it to the output path or w.
func (args *cliArgs) manifest(w io.Writer) error {
	m, err := releasebuilder.Build(releasebuilder.Options{
		Dir:                     args.Manifest.Dir,
		Version:                 args.Manifest.Version,
		Index:                   args.Manifest.Index,
		Lazy:                    args.Manifest.Lazy,
		BaseURL:                 args.Manifest.BaseURL,
		Ordering:                args.Manifest.Ordering,
		MinimumSupportedVersion: args.Manifest.MinimumSupportedVersion,
		Encoding:                manifest.Encoding(args.Manifest.Encoding),
		Out:                     args.Manifest.Out,
	})
	if err != nil {
		return err
	}
	if args.Manifest.Output == "" {
		m.Digest = ""
		return printJSON(w, m)
	}
	if err := releasebuilder.Write(args.Manifest.Output, m); err != nil {
		return err
	}
	log.Infof("manifest for %s written to %s", m.Version, args.Manifest.Output)
	return nil
}

// diff writes a bsdiff patch and prints the manifest patch entry for it.
func (args *cliArgs) diff(w io.Writer) error {
	p, err := releasebuilder.CreatePatch(args.Diff.From, args.Diff.To, args.Diff.Out)
	if err != nil {
		return err
	}
	p.URL = args.Diff.URL
	if p.URL == "" {
		p.URL = filepath.Base(args.Diff.Out)
	}
	log.Infof("bsdiff patch written to %s", args.Diff.Out)
	return printJSON(w, p)
}
