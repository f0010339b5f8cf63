/*
Copyright © 2026 Acronis International GmbH.

Released under MIT license.
*/

// Package bundle turns a directory of NNNNN-description.sql migration files into a validated,
// ordered list and generates a Go file that embeds the files and exposes them as []migrate.Spec.
package bundle

import (
	"errors"
	"fmt"
	"io/fs"
	"path"
	"regexp"
	"sort"
	"strconv"
	"strings"
)

// Defaults of the bundle builder.
const (
	DefaultExtension   = ".sql"
	DefaultOutputFile  = "migrations_bundle.go"
	DefaultPackageName = "migrations"
)

// Validation errors. They are always wrapped by *ValidationError that names the offending files.
var (
	ErrInvalidID   = errors.New("invalid migration id")
	ErrMissingID   = errors.New("missing migration id")
	ErrDuplicateID = errors.New("duplicate migration id")
)

// ValidationError describes a broken sequence of migration ids.
type ValidationError struct {
	Err   error
	ID    int
	Files []string
}

func (e *ValidationError) Error() string {
	switch {
	case errors.Is(e.Err, ErrMissingID):
		return fmt.Sprintf("%v %d: found %s in its place", e.Err, e.ID, strings.Join(e.Files, ", "))
	case errors.Is(e.Err, ErrDuplicateID):
		return fmt.Sprintf("%v %d in files %s", e.Err, e.ID, strings.Join(e.Files, " and "))
	}
	return fmt.Sprintf("%v %d in file %s", e.Err, e.ID, strings.Join(e.Files, ", "))
}

func (e *ValidationError) Unwrap() error {
	return e.Err
}

// Entry is a migration file found by Scan.
type Entry struct {
	// Index is the leading integer of the file name.
	Index int
	// ID is the file name without extension, e.g. "00001-create-users".
	ID string
	// Name is the human readable description, e.g. "create users".
	Name string
	// Path is the slash-separated path of the file relative to the scanned filesystem.
	Path string
}

// File returns the base name of the migration file.
func (e Entry) File() string {
	return path.Base(e.Path)
}

// Option is a functional option for Scan and NewBuilder.
type Option func(*options)

type options struct {
	extension   string
	outputFile  string
	packageName string
}

func newOptions(opts []Option) options {
	o := options{extension: DefaultExtension, outputFile: DefaultOutputFile, packageName: DefaultPackageName}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// WithExtension sets the extension of migration files (".sql" by default).
func WithExtension(ext string) Option {
	return func(o *options) {
		if ext != "" && !strings.HasPrefix(ext, ".") {
			ext = "." + ext
		}
		o.extension = ext
	}
}

// WithOutputFile sets the name of the generated file.
func WithOutputFile(name string) Option {
	return func(o *options) {
		o.outputFile = name
	}
}

// WithPackageName sets the package name of the generated file.
func WithPackageName(name string) Option {
	return func(o *options) {
		o.packageName = name
	}
}

func fileNameRegexp(ext string) *regexp.Regexp {
	return regexp.MustCompile(`^(\d+)-(.+)` + regexp.QuoteMeta(ext) + `$`)
}

var nameReplacer = strings.NewReplacer("-", " ", "_", " ")

// Scan lists migration files of dir in fsys, orders them by their leading integer and validates the sequence.
// Files that don't follow the NNNNN-description<ext> pattern are ignored.
func Scan(fsys fs.FS, dir string, opts ...Option) ([]Entry, error) {
	o := newOptions(opts)
	dirEntries, err := fs.ReadDir(fsys, dir)
	if err != nil {
		return nil, fmt.Errorf("read directory %s: %w", dir, err)
	}

	re := fileNameRegexp(o.extension)
	var entries []Entry
	for _, de := range dirEntries {
		if de.IsDir() {
			continue
		}
		m := re.FindStringSubmatch(de.Name())
		if m == nil {
			continue
		}
		index, err := strconv.Atoi(m[1])
		if err != nil {
			return nil, &ValidationError{Err: ErrInvalidID, Files: []string{de.Name()}}
		}
		entries = append(entries, Entry{
			Index: index,
			ID:    strings.TrimSuffix(de.Name(), o.extension),
			Name:  nameReplacer.Replace(m[2]),
			Path:  path.Join(dir, de.Name()),
		})
	}

	sort.SliceStable(entries, func(i, j int) bool {
		if entries[i].Index != entries[j].Index {
			return entries[i].Index < entries[j].Index
		}
		return entries[i].Path < entries[j].Path
	})

	if err = Validate(entries); err != nil {
		return nil, err
	}
	return entries, nil
}

// Validate checks that entries, sorted by Index, are numbered 1..N without gaps or duplicates.
func Validate(entries []Entry) error {
	for i, e := range entries {
		expected := i + 1
		switch {
		case e.Index < 1:
			return &ValidationError{Err: ErrInvalidID, ID: e.Index, Files: []string{e.File()}}
		case e.Index > expected:
			return &ValidationError{Err: ErrMissingID, ID: expected, Files: []string{e.File()}}
		case e.Index < expected:
			return &ValidationError{Err: ErrDuplicateID, ID: e.Index, Files: []string{entries[i-1].File(), e.File()}}
		}
	}
	return nil
}
