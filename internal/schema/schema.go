// Package schema loads the slot schemas that parameterise each collection
// domain. Built-in schemas are embedded; a directory of YAML files can
// override or extend them.
package schema

import (
	"bytes"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/ashureev/coach-intake/internal/domain"
)

// ErrUnknownDomain is returned when no schema is registered for a domain.
var ErrUnknownDomain = errors.New("unknown collection domain")

const defaultMinFinishMessageLength = 10

//go:embed domains/*.yaml
var builtinFS embed.FS

// Registry holds the immutable schemas by domain name.
type Registry struct {
	schemas map[string]domain.SlotSchema
}

// Options tune how schemas are loaded.
type Options struct {
	// Dir, when set, is scanned for *.yaml files after the built-ins.
	Dir string
	// DefaultMaxTurns fills max_turns for schemas that leave it unset.
	DefaultMaxTurns int
}

// Load builds a registry from the embedded schemas plus opts.Dir.
func Load(opts Options) (*Registry, error) {
	r := &Registry{schemas: make(map[string]domain.SlotSchema)}

	sub, err := fs.Sub(builtinFS, "domains")
	if err != nil {
		return nil, fmt.Errorf("open embedded schemas: %w", err)
	}
	if err := r.loadFS(sub, opts); err != nil {
		return nil, err
	}

	if opts.Dir != "" {
		if _, err := os.Stat(opts.Dir); err != nil {
			return nil, fmt.Errorf("schema dir %s: %w", opts.Dir, err)
		}
		if err := r.loadFS(os.DirFS(opts.Dir), opts); err != nil {
			return nil, err
		}
	}
	return r, nil
}

// NewRegistry builds a registry from already constructed schemas.
func NewRegistry(schemas ...domain.SlotSchema) (*Registry, error) {
	r := &Registry{schemas: make(map[string]domain.SlotSchema, len(schemas))}
	for _, s := range schemas {
		if err := r.add(s, Options{}); err != nil {
			return nil, err
		}
	}
	return r, nil
}

func (r *Registry) loadFS(fsys fs.FS, opts Options) error {
	entries, err := fs.ReadDir(fsys, ".")
	if err != nil {
		return fmt.Errorf("read schema dir: %w", err)
	}
	for _, e := range entries {
		if e.IsDir() || !(strings.HasSuffix(e.Name(), ".yaml") || strings.HasSuffix(e.Name(), ".yml")) {
			continue
		}
		data, err := fs.ReadFile(fsys, e.Name())
		if err != nil {
			return fmt.Errorf("read schema %s: %w", e.Name(), err)
		}
		s, err := Parse(data)
		if err != nil {
			return fmt.Errorf("schema %s: %w", filepath.Base(e.Name()), err)
		}
		if err := r.add(s, opts); err != nil {
			return fmt.Errorf("schema %s: %w", filepath.Base(e.Name()), err)
		}
	}
	return nil
}

// Parse decodes one YAML schema document. Unknown keys are rejected.
func Parse(data []byte) (domain.SlotSchema, error) {
	var s domain.SlotSchema
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&s); err != nil {
		return domain.SlotSchema{}, fmt.Errorf("decode yaml: %w", err)
	}
	return s, nil
}

func (r *Registry) add(s domain.SlotSchema, opts Options) error {
	if s.MaxTurns == 0 {
		s.MaxTurns = opts.DefaultMaxTurns
	}
	if s.MinFinishMessageLength == 0 {
		s.MinFinishMessageLength = defaultMinFinishMessageLength
	}
	for i := range s.FinishKeywords {
		s.FinishKeywords[i] = strings.ToLower(strings.TrimSpace(s.FinishKeywords[i]))
	}
	if err := s.Validate(); err != nil {
		return err
	}
	r.schemas[s.Domain] = s
	return nil
}

// Get returns the schema for a domain.
func (r *Registry) Get(name string) (domain.SlotSchema, error) {
	s, ok := r.schemas[name]
	if !ok {
		return domain.SlotSchema{}, fmt.Errorf("%w: %s", ErrUnknownDomain, name)
	}
	return s, nil
}

// Domains lists registered domain names in sorted order.
func (r *Registry) Domains() []string {
	names := make([]string, 0, len(r.schemas))
	for name := range r.schemas {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
