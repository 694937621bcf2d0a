// Package catalog holds the immutable action and query template catalogs.
package catalog

import (
	"bytes"
	"fmt"
	"os"
	"regexp"
	"slices"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/Kristopherlb/harmony-sub001/configs"
	"github.com/Kristopherlb/harmony-sub001/internal/params"
	"github.com/Kristopherlb/harmony-sub001/internal/rbac"
)

// Catalog is built once at start and shared read-only.
type Catalog struct {
	actions       []Action
	actionsByID   map[string]int
	templates     []QueryTemplate
	templatesByID map[string]int
}

type document struct {
	Actions   []Action        `yaml:"actions"`
	Templates []QueryTemplate `yaml:"templates"`
}

var placeholderRe = regexp.MustCompile(`(^|[^:]):([A-Za-z_][A-Za-z0-9_]*)`)

// Placeholders returns the named placeholders of sql in order of first appearance.
func Placeholders(sql string) []string {
	var out []string
	for _, m := range placeholderRe.FindAllStringSubmatch(sql, -1) {
		if !slices.Contains(out, m[2]) {
			out = append(out, m[2])
		}
	}
	return out
}

// LoadFile reads and parses a catalog from disk.
func LoadFile(path string) (*Catalog, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read catalog: %w", err)
	}
	return Load(raw)
}

// Load parses a YAML catalog and validates it.
func Load(data []byte) (*Catalog, error) {
	var doc document
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&doc); err != nil {
		return nil, fmt.Errorf("parse catalog: %w", err)
	}
	return New(doc.Actions, doc.Templates)
}

// Default loads the embedded catalog.
func Default() (*Catalog, error) {
	raw, err := configs.Catalog()
	if err != nil {
		return nil, err
	}
	return Load(raw)
}

// New validates entries and builds the lookup indexes.
func New(actions []Action, templates []QueryTemplate) (*Catalog, error) {
	c := &Catalog{
		actions:       slices.Clone(actions),
		actionsByID:   make(map[string]int, len(actions)),
		templates:     slices.Clone(templates),
		templatesByID: make(map[string]int, len(templates)),
	}
	for i, a := range c.actions {
		if strings.TrimSpace(a.ID) == "" {
			return nil, fmt.Errorf("actions[%d].id is required", i)
		}
		if _, exists := c.actionsByID[a.ID]; exists {
			return nil, fmt.Errorf("duplicate action id: %s", a.ID)
		}
		if len(a.RequiredRoles) == 0 {
			return nil, fmt.Errorf("action %s: required_roles must not be empty", a.ID)
		}
		if err := validateSpecs(a.RequiredParams); err != nil {
			return nil, fmt.Errorf("action %s: %w", a.ID, err)
		}
		c.actionsByID[a.ID] = i
	}
	for i, t := range c.templates {
		if strings.TrimSpace(t.ID) == "" {
			return nil, fmt.Errorf("templates[%d].id is required", i)
		}
		if _, exists := c.templatesByID[t.ID]; exists {
			return nil, fmt.Errorf("duplicate template id: %s", t.ID)
		}
		if len(t.RequiredRoles) == 0 {
			return nil, fmt.Errorf("template %s: required_roles must not be empty", t.ID)
		}
		if strings.TrimSpace(t.SQL) == "" {
			return nil, fmt.Errorf("template %s: sql is required", t.ID)
		}
		if err := validateSpecs(t.Params); err != nil {
			return nil, fmt.Errorf("template %s: %w", t.ID, err)
		}
		for _, name := range Placeholders(t.SQL) {
			if !slices.ContainsFunc(t.Params, func(p params.Spec) bool { return p.Name == name }) {
				return nil, fmt.Errorf("template %s: placeholder :%s has no declared param", t.ID, name)
			}
		}
		c.templatesByID[t.ID] = i
	}
	return c, nil
}

func validateSpecs(specs []params.Spec) error {
	seen := map[string]struct{}{}
	for i, spec := range specs {
		if strings.TrimSpace(spec.Name) == "" {
			return fmt.Errorf("params[%d].name is required", i)
		}
		if _, dup := seen[spec.Name]; dup {
			return fmt.Errorf("duplicate param %s", spec.Name)
		}
		seen[spec.Name] = struct{}{}
		if !spec.Type.Valid() {
			return fmt.Errorf("param %s: unknown type %q", spec.Name, spec.Type)
		}
		if spec.Type == params.TypeSelect && len(spec.Options) == 0 {
			return fmt.Errorf("param %s: select requires options", spec.Name)
		}
	}
	return nil
}

// Action looks up an action by id.
func (c *Catalog) Action(id string) (Action, bool) {
	i, ok := c.actionsByID[id]
	if !ok {
		return Action{}, false
	}
	return c.actions[i], true
}

// Actions returns every action in catalog order.
func (c *Catalog) Actions() []Action {
	return slices.Clone(c.actions)
}

// ActionsByCategory returns actions whose category equals category exactly.
func (c *Catalog) ActionsByCategory(category string) []Action {
	var out []Action
	for _, a := range c.actions {
		if a.Category == category {
			out = append(out, a)
		}
	}
	return out
}

// Template looks up a query template by id.
func (c *Catalog) Template(id string) (QueryTemplate, bool) {
	i, ok := c.templatesByID[id]
	if !ok {
		return QueryTemplate{}, false
	}
	return c.templates[i], true
}

// Templates returns every template in catalog order.
func (c *Catalog) Templates() []QueryTemplate {
	return slices.Clone(c.templates)
}

// TemplatesByType returns templates whose type equals typ exactly.
func (c *Catalog) TemplatesByType(typ string) []QueryTemplate {
	var out []QueryTemplate
	for _, t := range c.templates {
		if t.Type == typ {
			out = append(out, t)
		}
	}
	return out
}

// TemplatesForRole returns templates whose required roles include role.
func (c *Catalog) TemplatesForRole(role rbac.Role) []QueryTemplate {
	out := []QueryTemplate{}
	for _, t := range c.templates {
		if t.AllowsRole(role) {
			out = append(out, t)
		}
	}
	return out
}
