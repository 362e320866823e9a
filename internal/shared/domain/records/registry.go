package records

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

// ErrUnknownResourceType is returned for resource types that have no registered table.
var ErrUnknownResourceType = errors.New("unknown resource type")

// Registry maps resource type names to the table that stages them.
type Registry struct {
	tables map[string]entry
}

type entry struct {
	name  string
	table string
}

// DefaultRegistry returns the resource types staged by the engine.
func DefaultRegistry() *Registry {
	r := NewRegistry()
	for _, rt := range []string{
		"Patient",
		"Encounter",
		"Observation",
		"Condition",
		"MedicationRequest",
		"AllergyIntolerance",
		"Procedure",
		"Immunization",
		"DiagnosticReport",
	} {
		r.MustRegister(rt, TableName(rt))
	}
	return r
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{tables: make(map[string]entry)}
}

// TableName derives the conventional table name for a resource type,
// e.g. "MedicationRequest" -> "medication_request_records".
func TableName(resourceType string) string {
	var b strings.Builder
	for i, r := range resourceType {
		if r >= 'A' && r <= 'Z' {
			if i > 0 {
				b.WriteByte('_')
			}
			r += 'a' - 'A'
		}
		b.WriteRune(r)
	}
	b.WriteString("_records")
	return b.String()
}

// Register adds a resource type. Names are matched case-insensitively.
func (r *Registry) Register(resourceType, table string) error {
	if resourceType == "" || table == "" {
		return fmt.Errorf("resource type and table are required")
	}
	key := strings.ToLower(resourceType)
	if _, ok := r.tables[key]; ok {
		return fmt.Errorf("resource type %s already registered", resourceType)
	}
	r.tables[key] = entry{name: resourceType, table: table}
	return nil
}

// MustRegister is Register that panics on error. Use only for static tables.
func (r *Registry) MustRegister(resourceType, table string) {
	if err := r.Register(resourceType, table); err != nil {
		panic(err)
	}
}

// Canonical returns the registered spelling of a resource type.
func (r *Registry) Canonical(resourceType string) (string, error) {
	e, ok := r.tables[strings.ToLower(strings.TrimSpace(resourceType))]
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrUnknownResourceType, resourceType)
	}
	return e.name, nil
}

// Table returns the table for a resource type.
func (r *Registry) Table(resourceType string) (string, error) {
	e, ok := r.tables[strings.ToLower(strings.TrimSpace(resourceType))]
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrUnknownResourceType, resourceType)
	}
	return e.table, nil
}

// ResourceTypes returns the canonical names of all registered types, sorted.
func (r *Registry) ResourceTypes() []string {
	out := make([]string, 0, len(r.tables))
	for _, e := range r.tables {
		out = append(out, e.name)
	}
	sort.Strings(out)
	return out
}

// Restrict returns a registry holding only the named types.
// An empty list returns r unchanged.
func (r *Registry) Restrict(resourceTypes []string) (*Registry, error) {
	if len(resourceTypes) == 0 {
		return r, nil
	}
	out := NewRegistry()
	for _, rt := range resourceTypes {
		e, ok := r.tables[strings.ToLower(strings.TrimSpace(rt))]
		if !ok {
			return nil, fmt.Errorf("%w: %s", ErrUnknownResourceType, rt)
		}
		if err := out.Register(e.name, e.table); err != nil {
			return nil, err
		}
	}
	return out, nil
}
