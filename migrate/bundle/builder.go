/*
Copyright © 2026 Acronis International GmbH.

Released under MIT license.
*/

package bundle

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/afero"
)

// DefaultWatchDebounce is how long Watch waits for more file events before rebuilding.
const DefaultWatchDebounce = 200 * time.Millisecond

// Result describes one bundle build.
type Result struct {
	Entries    []Entry
	OutputPath string
	Written    bool
}

// Builder scans a migration directory and (re)generates its bundle file.
type Builder struct {
	fs   afero.Fs
	opts options
}

// NewBuilder creates a Builder working on fs (afero.NewOsFs() for the real filesystem).
func NewBuilder(fs afero.Fs, opts ...Option) *Builder {
	return &Builder{fs: fs, opts: newOptions(opts)}
}

// OutputPath returns the path of the bundle file generated for dir.
func (b *Builder) OutputPath(dir string) string {
	return filepath.Join(dir, b.opts.outputFile)
}

// Build validates migration files of dir and writes the bundle file next to them if its content changed.
func (b *Builder) Build(dir string) (Result, error) {
	iofs := afero.NewIOFS(afero.NewBasePathFs(b.fs, dir))
	entries, err := Scan(iofs, ".", WithExtension(b.opts.extension))
	if err != nil {
		return Result{}, err
	}

	out := b.OutputPath(dir)
	src, err := Generate(entries, GenerateOptions{PackageName: b.opts.packageName, FileName: out})
	if err != nil {
		return Result{}, err
	}
	written, err := WriteIfChanged(b.fs, out, src)
	if err != nil {
		return Result{}, err
	}
	return Result{Entries: entries, OutputPath: out, Written: written}, nil
}

// Watch builds the bundle of dir and rebuilds it whenever migration files of dir change,
// until ctx is done. Changes of the generated file itself are ignored.
// onBuild is called after every build, including failed ones.
// Watch uses OS notifications, so the Builder must work on the OS filesystem.
func (b *Builder) Watch(ctx context.Context, dir string, onBuild func(Result, error)) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	defer watcher.Close() // nolint: errcheck

	if err = watcher.Add(dir); err != nil {
		return fmt.Errorf("watch directory %s: %w", dir, err)
	}

	onBuild(b.Build(dir))

	re := fileNameRegexp(b.opts.extension)
	debounce := time.NewTimer(DefaultWatchDebounce)
	debounce.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			name := filepath.Base(event.Name)
			if name == b.opts.outputFile || !re.MatchString(name) {
				continue
			}
			if event.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Remove|fsnotify.Rename) == 0 {
				continue
			}
			debounce.Reset(DefaultWatchDebounce)
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			onBuild(Result{}, fmt.Errorf("watch directory %s: %w", dir, err))
		case <-debounce.C:
			onBuild(b.Build(dir))
		}
	}
}
