package dsl

import (
	"bytes"
	"fmt"
	"os"
	"slices"
	"strings"
	"text/template"
)

// envTracker collects variables referenced with env but absent from the environment.
type envTracker struct {
	missing map[string]struct{}
}

func (t *envTracker) list() []string {
	out := make([]string, 0, len(t.missing))
	for key := range t.missing {
		out = append(out, key)
	}
	slices.Sort(out)
	return out
}

// RenderFile reads and renders a config template.
func RenderFile(path string) ([]byte, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	return Render(path, raw)
}

// Render expands env helpers in a config template; env fails on unset variables, envOr falls back.
func Render(name string, raw []byte) ([]byte, error) {
	if strings.TrimSpace(name) == "" {
		name = "config"
	}
	tracker := &envTracker{missing: map[string]struct{}{}}
	tmpl, err := template.New(name).Funcs(template.FuncMap{
		"env": func(key string) string {
			value, ok := os.LookupEnv(key)
			if !ok {
				tracker.missing[key] = struct{}{}
			}
			return value
		},
		"envOr": func(key, def string) string {
			if value, ok := os.LookupEnv(key); ok {
				return value
			}
			return def
		},
		"default": func(def, value string) string {
			if value == "" {
				return def
			}
			return value
		},
		"lower": strings.ToLower,
	}).Option("missingkey=error").Parse(string(raw))
	if err != nil {
		return nil, fmt.Errorf("parse template: %w", err)
	}

	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, nil); err != nil {
		return nil, fmt.Errorf("render template: %w", err)
	}
	if len(tracker.missing) > 0 {
		return nil, fmt.Errorf("missing env vars: %s", strings.Join(tracker.list(), ", "))
	}
	return buf.Bytes(), nil
}
