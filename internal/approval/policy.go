package approval

import (
	"bytes"
	"fmt"
	"log/slog"
	"os"
	"slices"
	"strings"

	"gopkg.in/yaml.v3"
)

// Mapping is the policy entry for one external identity.
type Mapping struct {
	Roles        []string `yaml:"roles" json:"roles"`
	ApproverID   string   `yaml:"approver_id,omitempty" json:"approver_id,omitempty"`
	ApproverName string   `yaml:"approver_name,omitempty" json:"approver_name,omitempty"`
}

// Policy maps channel user ids to internal approver identities.
type Policy struct {
	Version  string             `yaml:"version" json:"version"`
	Mappings map[string]Mapping `yaml:"mappings" json:"mappings"`
}

// Identity is the resolved approver.
type Identity struct {
	ID     string
	Name   string
	Roles  []string
	Mapped bool
}

// ParsePolicy decodes a YAML or JSON policy document.
func ParsePolicy(data []byte) (*Policy, error) {
	var p Policy
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&p); err != nil {
		return nil, fmt.Errorf("parse approver policy: %w", err)
	}
	if strings.TrimSpace(p.Version) == "" {
		return nil, fmt.Errorf("parse approver policy: version is required")
	}
	return &p, nil
}

// LoadPolicy reads path and falls back to an empty policy when the file is missing or invalid.
func LoadPolicy(path string, logger *slog.Logger) *Policy {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	if strings.TrimSpace(path) == "" {
		logger.Warn("approver policy not configured, external approvals will be denied")
		return &Policy{}
	}
	data, err := os.ReadFile(path)
	if err != nil {
		logger.Warn("approver policy unreadable, external approvals will be denied", "path", path, "error", err)
		return &Policy{}
	}
	p, err := ParsePolicy(data)
	if err != nil {
		logger.Warn("approver policy invalid, external approvals will be denied", "path", path, "error", err)
		return &Policy{}
	}
	logger.Info("approver policy loaded", "path", path, "version", p.Version, "mappings", len(p.Mappings))
	return p
}

// Resolve maps externalID; unmapped ids keep the raw id and get no roles.
func (p *Policy) Resolve(externalID string) Identity {
	if p != nil {
		if m, ok := p.Mappings[externalID]; ok {
			id := m.ApproverID
			if id == "" {
				id = externalID
			}
			return Identity{ID: id, Name: m.ApproverName, Roles: slices.Clone(m.Roles), Mapped: true}
		}
	}
	return Identity{ID: externalID, Roles: []string{}}
}
