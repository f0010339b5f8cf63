/*
Copyright © 2026 Acronis International GmbH.

Released under MIT license.
*/

package bundle

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"text/template"

	"github.com/spf13/afero"
	"golang.org/x/tools/imports"
)

// GeneratedHeader is the first line of every generated bundle file.
const GeneratedHeader = "// Code generated by schemabundle. DO NOT EDIT."

var bundleTemplate = template.Must(template.New("bundle").Parse(`{{.Header}}

package {{.PackageName}}

import (
	"embed"

	"github.com/acronis/go-schemakit/migrate"
)

{{if .Entries}}//go:embed{{range .Entries}} {{printf "%q" .File}}{{end}}
var migrationFiles embed.FS
{{end}}
var specs = []migrate.Spec{
{{- range .Entries}}
	migrate.NewSpec({{.Index}}, {{printf "%q" .ID}}, {{printf "%q" .Name}}, migrate.SQLFileLoader(migrationFiles, {{printf "%q" .File}})),
{{- end}}
}

// Specs returns migrations of the package ordered by index.
func Specs() []migrate.Spec {
	return append([]migrate.Spec(nil), specs...)
}
`))

// GenerateOptions configures Generate.
type GenerateOptions struct {
	PackageName string
	// FileName is only used in error messages of the formatter.
	FileName string
}

// Generate renders the Go source of a bundle that embeds the migration files of entries.
// The generated file must be placed in the directory that contains the migration files.
func Generate(entries []Entry, opts GenerateOptions) ([]byte, error) {
	if opts.PackageName == "" {
		opts.PackageName = DefaultPackageName
	}
	if opts.FileName == "" {
		opts.FileName = DefaultOutputFile
	}

	var buf bytes.Buffer
	err := bundleTemplate.Execute(&buf, struct {
		Header      string
		PackageName string
		Entries     []Entry
	}{GeneratedHeader, opts.PackageName, entries})
	if err != nil {
		return nil, fmt.Errorf("render bundle: %w", err)
	}

	src, err := imports.Process(opts.FileName, buf.Bytes(), nil)
	if err != nil {
		return nil, fmt.Errorf("format bundle: %w", err)
	}
	return src, nil
}

// WriteIfChanged writes content to filePath unless the file already has exactly this content.
// It reports whether the file was written.
func WriteIfChanged(fs afero.Fs, filePath string, content []byte) (bool, error) {
	existing, err := afero.ReadFile(fs, filePath)
	switch {
	case err == nil:
		if bytes.Equal(existing, content) {
			return false, nil
		}
	case !os.IsNotExist(err):
		return false, fmt.Errorf("read %s: %w", filePath, err)
	}

	if err = fs.MkdirAll(filepath.Dir(filePath), 0o755); err != nil {
		return false, fmt.Errorf("create directory for %s: %w", filePath, err)
	}
	if err = afero.WriteFile(fs, filePath, content, 0o644); err != nil {
		return false, fmt.Errorf("write %s: %w", filePath, err)
	}
	return true, nil
}
