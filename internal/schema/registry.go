// Package schema holds the registry of data point types per framework.
// Registration happens at build time; the registry is read-only at runtime.
package schema

import (
	"fmt"
	"os"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"golang.org/x/text/unicode/norm"
	"gopkg.in/yaml.v3"

	"github.com/esgqa/qa-engine/internal/shared"
)

// ValueKind describes how a data point value is represented.
type ValueKind string

const (
	KindDecimal ValueKind = "decimal"
	KindText    ValueKind = "text"
	KindBoolean ValueKind = "boolean"
	KindDate    ValueKind = "date"
	KindEnum    ValueKind = "enum"
)

// DataPointType describes one registered data point type.
type DataPointType struct {
	Name    string    `yaml:"name"`
	Kind    ValueKind `yaml:"kind"`
	Options []string  `yaml:"options,omitempty"`
}

// Framework groups the data point types of one data type (e.g. sfdr).
type Framework struct {
	Name           string          `yaml:"name"`
	DataPointTypes []DataPointType `yaml:"dataPointTypes"`
}

type document struct {
	Frameworks []Framework `yaml:"frameworks"`
}

// Registry resolves data point types by framework.
type Registry struct {
	frameworks map[string]map[string]DataPointType
	order      map[string][]string
}

// Load reads a YAML registry from path.
func Load(path string) (*Registry, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("schema: read %s: %w", path, err)
	}
	return Parse(data)
}

// Parse builds a registry from YAML bytes.
func Parse(data []byte) (*Registry, error) {
	var doc document
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("schema: parse: %w", err)
	}
	reg := &Registry{
		frameworks: make(map[string]map[string]DataPointType, len(doc.Frameworks)),
		order:      make(map[string][]string, len(doc.Frameworks)),
	}
	for _, fw := range doc.Frameworks {
		name := strings.TrimSpace(fw.Name)
		if name == "" {
			return nil, fmt.Errorf("schema: framework without name")
		}
		if _, dup := reg.frameworks[name]; dup {
			return nil, fmt.Errorf("schema: framework %s declared twice", name)
		}
		types := make(map[string]DataPointType, len(fw.DataPointTypes))
		for _, dpt := range fw.DataPointTypes {
			if dpt.Name == "" {
				return nil, fmt.Errorf("schema: %s: data point type without name", name)
			}
			if _, dup := types[dpt.Name]; dup {
				return nil, fmt.Errorf("schema: %s: %s declared twice", name, dpt.Name)
			}
			switch dpt.Kind {
			case KindDecimal, KindText, KindBoolean, KindDate:
			case KindEnum:
				if len(dpt.Options) == 0 {
					return nil, fmt.Errorf("schema: %s: enum %s has no options", name, dpt.Name)
				}
			case "":
				dpt.Kind = KindText
			default:
				return nil, fmt.Errorf("schema: %s: %s has unknown kind %q", name, dpt.Name, dpt.Kind)
			}
			types[dpt.Name] = dpt
			reg.order[name] = append(reg.order[name], dpt.Name)
		}
		reg.frameworks[name] = types
	}
	return reg, nil
}

// Knows reports whether framework is registered.
func (r *Registry) Knows(framework string) bool {
	if r == nil {
		return false
	}
	_, ok := r.frameworks[framework]
	return ok
}

// Lookup returns the registered type.
func (r *Registry) Lookup(framework, dataPointType string) (DataPointType, bool) {
	if r == nil {
		return DataPointType{}, false
	}
	dpt, ok := r.frameworks[framework][dataPointType]
	return dpt, ok
}

// Types lists the data point types of a framework in declaration order.
func (r *Registry) Types(framework string) []string {
	if r == nil {
		return nil
	}
	return append([]string(nil), r.order[framework]...)
}

// Frameworks lists registered framework names.
func (r *Registry) Frameworks() []string {
	if r == nil {
		return nil
	}
	names := make([]string, 0, len(r.frameworks))
	for name := range r.frameworks {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// CheckType fails with InvalidInput when framework is registered but does not
// declare dataPointType. Unregistered frameworks are accepted as is.
func (r *Registry) CheckType(framework, dataPointType string) error {
	if !r.Knows(framework) {
		return nil
	}
	if _, ok := r.Lookup(framework, dataPointType); !ok {
		return shared.InvalidInput("data point type %s is not part of %s", dataPointType, framework)
	}
	return nil
}

// NormalizeValue validates value against the registered kind and returns its
// canonical form. Values of unregistered types are only trimmed.
func (r *Registry) NormalizeValue(framework, dataPointType, value string) (string, error) {
	value = norm.NFC.String(strings.TrimSpace(value))
	if value == "" {
		return "", shared.InvalidInput("%s: empty value", dataPointType)
	}
	dpt, ok := r.Lookup(framework, dataPointType)
	if !ok {
		return value, nil
	}
	switch dpt.Kind {
	case KindDecimal:
		d, err := decimal.NewFromString(value)
		if err != nil {
			return "", shared.InvalidInput("%s: %q is not a decimal", dataPointType, value)
		}
		return d.String(), nil
	case KindBoolean:
		switch strings.ToLower(value) {
		case "yes", "true":
			return "Yes", nil
		case "no", "false":
			return "No", nil
		}
		if b, err := strconv.ParseBool(value); err == nil {
			if b {
				return "Yes", nil
			}
			return "No", nil
		}
		return "", shared.InvalidInput("%s: %q is not a yes/no value", dataPointType, value)
	case KindDate:
		t, err := time.Parse("2006-01-02", value)
		if err != nil {
			return "", shared.InvalidInput("%s: %q is not a date (YYYY-MM-DD)", dataPointType, value)
		}
		return t.Format("2006-01-02"), nil
	case KindEnum:
		for _, opt := range dpt.Options {
			if strings.EqualFold(opt, value) {
				return opt, nil
			}
		}
		return "", shared.InvalidInput("%s: %q is not one of %s", dataPointType, value, strings.Join(dpt.Options, ", "))
	default:
		return value, nil
	}
}
