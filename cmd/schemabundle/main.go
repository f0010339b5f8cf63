/*
Copyright © 2026 Acronis International GmbH.

Released under MIT license.
*/

// Command schemabundle validates a directory of NNNNN-description.sql migration files
// and generates a Go file that embeds them as []migrate.Spec.
//
// Usage:
//
//	schemabundle [--dir migrations] [--package migrations] [--out migrations_bundle.go] [--ext .sql] [--watch]
//
// It is usually run via go:generate from the migrations package:
//
//	//go:generate go run github.com/acronis/go-schemakit/cmd/schemabundle --dir .
package main

import (
	"context"
	"errors"
	"fmt"
	stdlog "log"
	"os"
	"os/signal"
	"syscall"

	"github.com/acronis/go-appkit/log"
	"github.com/spf13/afero"
	"github.com/spf13/pflag"

	"github.com/acronis/go-schemakit/migrate/bundle"
)

const (
	flagDir     = "dir"
	flagOut     = "out"
	flagPackage = "package"
	flagExt     = "ext"
	flagWatch   = "watch"
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := runBundle(ctx, afero.NewOsFs(), os.Args[1:]); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return
		}
		stdlog.Fatal(err)
	}
}

func runBundle(ctx context.Context, fs afero.Fs, args []string) error {
	flags := pflag.NewFlagSet("schemabundle", pflag.ContinueOnError)
	dir := flags.StringP(flagDir, "d", "migrations", "directory with migration files")
	out := flags.StringP(flagOut, "o", bundle.DefaultOutputFile, "name of the generated file, placed into --dir")
	pkg := flags.StringP(flagPackage, "p", bundle.DefaultPackageName, "package name of the generated file")
	ext := flags.String(flagExt, bundle.DefaultExtension, "extension of migration files")
	watch := flags.BoolP(flagWatch, "w", false, "rebuild the bundle whenever migration files change")
	if err := flags.Parse(args); err != nil {
		return err
	}
	if flags.NArg() != 0 {
		return fmt.Errorf("unexpected arguments: %v", flags.Args())
	}

	logger, loggerClose := log.NewLogger(&log.Config{Output: log.OutputStderr, Level: log.LevelInfo})
	defer loggerClose()

	builder := bundle.NewBuilder(fs, bundle.WithOutputFile(*out), bundle.WithPackageName(*pkg), bundle.WithExtension(*ext))

	if !*watch {
		res, err := builder.Build(*dir)
		if err != nil {
			return err
		}
		logBuild(logger, res)
		return nil
	}

	logger.Info(fmt.Sprintf("Watching %s for migration changes", *dir))
	return builder.Watch(ctx, *dir, func(res bundle.Result, err error) {
		if err != nil {
			logger.Error("bundle build failed", log.Error(err))
			return
		}
		logBuild(logger, res)
	})
}

func logBuild(logger log.FieldLogger, res bundle.Result) {
	if !res.Written {
		logger.Info(fmt.Sprintf("Bundle %s is up to date", res.OutputPath), log.Int("migrations", len(res.Entries)))
		return
	}
	logger.Info(fmt.Sprintf("Generated %s", res.OutputPath), log.Int("migrations", len(res.Entries)))
}
