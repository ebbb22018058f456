// Package signs refines coarse traffic sign detections into fine-grained
// classes using a static catalog of visual feature descriptions.
package signs

import (
	_ "embed"
	"errors"
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

//go:embed catalog.yaml
var defaultCatalog []byte

// SignType is the coarse sign type voted in the first stage.
type SignType string

const (
	TypeSpeedLimit  SignType = "speed_limit"
	TypeProhibition SignType = "prohibition"
	TypeWarning     SignType = "warning"
	TypeDirection   SignType = "direction"
	TypeOther       SignType = "other"
)

// Types is the fixed first-stage enumeration, in prompt order.
var Types = []SignType{TypeSpeedLimit, TypeProhibition, TypeWarning, TypeDirection, TypeOther}

// GenericLabel is the fallback label for a type when no candidate matched.
func (t SignType) GenericLabel() string {
	return "traffic_sign_" + string(t)
}

// Entry is one fine-grained sign class.
type Entry struct {
	Type     SignType `yaml:"type"`
	Label    string   `yaml:"label"`
	Features string   `yaml:"features"`
}

type catalogFile struct {
	Version int     `yaml:"version"`
	Entries []Entry `yaml:"entries"`
}

// Catalog is immutable after load and safe for concurrent reads.
type Catalog struct {
	entries []Entry
	byType  map[SignType][]Entry
}

// LoadCatalog reads path, or the embedded catalog when path is empty.
func LoadCatalog(path string) (*Catalog, error) {
	data := defaultCatalog
	if path != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read sign catalog: %w", err)
		}
		data = b
	}
	return ParseCatalog(data)
}

// ParseCatalog decodes and validates catalog YAML.
func ParseCatalog(data []byte) (*Catalog, error) {
	var f catalogFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("failed to parse sign catalog: %w", err)
	}
	return NewCatalog(f.Entries)
}

// NewCatalog validates entries and indexes them by type.
func NewCatalog(entries []Entry) (*Catalog, error) {
	var errs []error
	seen := make(map[string]bool, len(entries))
	c := &Catalog{byType: make(map[SignType][]Entry)}
	for i, e := range entries {
		e.Label = strings.TrimSpace(e.Label)
		e.Features = strings.TrimSpace(e.Features)
		switch e.Type {
		case TypeSpeedLimit, TypeProhibition, TypeWarning, TypeDirection:
		default:
			errs = append(errs, fmt.Errorf("entry %d: unknown type %q", i, e.Type))
			continue
		}
		if e.Label == "" {
			errs = append(errs, fmt.Errorf("entry %d: label is required", i))
			continue
		}
		if seen[e.Label] {
			errs = append(errs, fmt.Errorf("entry %d: duplicate label %q", i, e.Label))
			continue
		}
		seen[e.Label] = true
		c.entries = append(c.entries, e)
		c.byType[e.Type] = append(c.byType[e.Type], e)
	}
	if len(c.entries) == 0 {
		errs = append(errs, errors.New("catalog has no entries"))
	}
	if err := errors.Join(errs...); err != nil {
		return nil, fmt.Errorf("invalid sign catalog: %w", err)
	}
	return c, nil
}

// Candidates returns a copy of the entries of type t.
func (c *Catalog) Candidates(t SignType) []Entry {
	src := c.byType[t]
	out := make([]Entry, len(src))
	copy(out, src)
	return out
}

func (c *Catalog) Len() int { return len(c.entries) }
