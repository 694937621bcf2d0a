// Package configs embeds the default console configuration and action catalog.
package configs

import (
	"embed"
	"fmt"
	"io/fs"
	"sort"
)

// Embedded file names.
const (
	ConsoleFile = "console.yaml"
	CatalogFile = "catalog.yaml"
)

//go:embed *.yaml
var embedded embed.FS

// Names lists the embedded YAML files.
func Names() []string {
	entries, err := fs.Glob(embedded, "*.yaml")
	if err != nil {
		return nil
	}
	sort.Strings(entries)
	return entries
}

// Load returns an embedded YAML file by name.
func Load(name string) ([]byte, error) {
	if name == "" {
		return nil, fmt.Errorf("embedded config name is empty")
	}
	data, err := fs.ReadFile(embedded, name)
	if err != nil {
		return nil, fmt.Errorf("read embedded config %q (have %v): %w", name, Names(), err)
	}
	return data, nil
}

// Console returns the default console configuration template.
func Console() ([]byte, error) {
	return Load(ConsoleFile)
}

// Catalog returns the default action and query template catalog.
func Catalog() ([]byte, error) {
	return Load(CatalogFile)
}
