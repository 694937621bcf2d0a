// Package params validates caller-supplied parameters against declared parameter specs.
package params

import (
	"encoding/json"
	"fmt"
	"math"
	"regexp"
	"slices"
	"sort"
	"strconv"
	"strings"

	"github.com/Kristopherlb/harmony-sub001/internal/errs"
)

// Type is the declared type of a parameter.
type Type string

// Supported parameter types.
const (
	TypeString  Type = "string"
	TypeNumber  Type = "number"
	TypeBoolean Type = "boolean"
	TypeSelect  Type = "select"
	TypeEmail   Type = "email"
)

// Valid reports whether t is a supported type.
func (t Type) Valid() bool {
	switch t {
	case TypeString, TypeNumber, TypeBoolean, TypeSelect, TypeEmail:
		return true
	}
	return false
}

// Spec declares one parameter of an action or query template.
type Spec struct {
	Name     string   `yaml:"name" json:"name"`
	Type     Type     `yaml:"type" json:"type"`
	Label    string   `yaml:"label" json:"label"`
	Required bool     `yaml:"required" json:"required"`
	Options  []string `yaml:"options,omitempty" json:"options,omitempty"`
}

// Forbidden lists characters rejected in string values passed to query templates.
const Forbidden = `;'"\`

// Validate checks values against specs in declared order and stops at the first violation.
// Keys without a spec are ignored.
func Validate(specs []Spec, values map[string]any) error {
	for _, spec := range specs {
		value, present := values[spec.Name]
		if !present || isBlank(value) {
			if spec.Required {
				return violation(spec.Name, "required", "Missing required parameter: %s", spec.Name)
			}
			continue
		}
		if err := checkType(spec, value); err != nil {
			return err
		}
	}
	return nil
}

// Guard rejects any string value containing a Forbidden character.
func Guard(values map[string]any) error {
	keys := make([]string, 0, len(values))
	for key := range values {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	for _, key := range keys {
		s, ok := values[key].(string)
		if !ok {
			continue
		}
		if strings.ContainsAny(s, Forbidden) {
			return violation(key, "characters", "%s contains invalid characters", key)
		}
	}
	return nil
}

func checkType(spec Spec, value any) error {
	switch spec.Type {
	case TypeNumber:
		if _, ok := AsNumber(value); !ok {
			return violation(spec.Name, "number", "%s must be a number", spec.Name)
		}
	case TypeBoolean:
		if _, ok := AsBool(value); !ok {
			return violation(spec.Name, "boolean", "%s must be a boolean", spec.Name)
		}
	case TypeEmail:
		s, ok := value.(string)
		if !ok || !strings.Contains(s, "@") {
			return violation(spec.Name, "email", "%s must be a valid email", spec.Name)
		}
	case TypeSelect:
		if !slices.Contains(spec.Options, fmt.Sprint(value)) {
			return violation(spec.Name, "select", "%s must be one of: %s", spec.Name, strings.Join(spec.Options, ", "))
		}
	}
	return nil
}

var decimalPattern = regexp.MustCompile(`^[+-]?(\d+(\.\d*)?|\.\d+)([eE][+-]?\d+)?$`)

// AsNumber converts JSON numbers, Go numerics and plain decimal strings.
// NaN, infinities and hex forms are not numbers.
func AsNumber(value any) (float64, bool) {
	switch v := value.(type) {
	case float64:
		return v, finite(v)
	case float32:
		return float64(v), finite(float64(v))
	case int:
		return float64(v), true
	case int32:
		return float64(v), true
	case int64:
		return float64(v), true
	case uint:
		return float64(v), true
	case uint64:
		return float64(v), true
	case json.Number:
		return parseDecimal(string(v))
	case string:
		return parseDecimal(v)
	}
	return 0, false
}

func parseDecimal(s string) (float64, bool) {
	s = strings.TrimSpace(s)
	if !decimalPattern.MatchString(s) {
		return 0, false
	}
	f, err := strconv.ParseFloat(s, 64)
	return f, err == nil && finite(f)
}

func finite(f float64) bool {
	return !math.IsNaN(f) && !math.IsInf(f, 0)
}

// AsBool accepts booleans and the literal strings "true" and "false".
func AsBool(value any) (bool, bool) {
	switch v := value.(type) {
	case bool:
		return v, true
	case string:
		switch v {
		case "true":
			return true, true
		case "false":
			return false, true
		}
	}
	return false, false
}

func isBlank(value any) bool {
	if value == nil {
		return true
	}
	s, ok := value.(string)
	return ok && strings.TrimSpace(s) == ""
}

func violation(field, rule, format string, args ...any) error {
	return &errs.ValidationError{Field: field, Rule: rule, Message: fmt.Sprintf(format, args...)}
}
