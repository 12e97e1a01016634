package codec

import (
	"math"

	"github.com/adred-codev/gameclient/pkg/errs"
	"github.com/adred-codev/gameclient/pkg/types"
)

// Range bounds a numeric field. Min/Max are inclusive.
type Range struct {
	Min float64
	Max float64
}

// Schema declares the validation rules of one table type: required field
// presence, numeric ranges, and enum membership. Rows are validated in
// internal-model shape (lower_snake fields), before adaptation outbound
// and after reverse adaptation inbound.
type Schema struct {
	Type     string
	Required []string
	Ranges   map[string]Range
	Enums    map[string][]string
}

// Validate checks row against the schema. The first violation aborts with
// a validation error carrying the row id and field name.
func (s *Schema) Validate(row types.TableRow) error {
	const op = "codec.validate"
	rowID := types.RowID(row, "entity_id")
	for _, field := range s.Required {
		if _, ok := row[field]; !ok {
			return errs.Validation(op, rowID, field, "required field missing for type %q", s.Type)
		}
	}
	for field, r := range s.Ranges {
		v, ok := row[field]
		if !ok {
			continue
		}
		n, ok := toFloat(v)
		if !ok {
			return errs.Validation(op, rowID, field, "expected number, got %T", v)
		}
		if n < r.Min || n > r.Max {
			return errs.Validation(op, rowID, field, "value %v outside [%v, %v]", n, r.Min, r.Max)
		}
	}
	for field, allowed := range s.Enums {
		v, ok := row[field]
		if !ok {
			continue
		}
		lit, ok := v.(string)
		if !ok {
			return errs.Validation(op, rowID, field, "expected enum string, got %T", v)
		}
		if !contains(allowed, lit) {
			return errs.Validation(op, rowID, field, "value %q not in enum set", lit)
		}
	}
	return nil
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint64:
		return float64(n), true
	default:
		return 0, false
	}
}

func contains(set []string, v string) bool {
	for _, s := range set {
		if s == v {
			return true
		}
	}
	return false
}

// SchemaRegistry resolves type names to schemas. Unregistered types
// validate trivially (validation is advisory for unknown tables).
type SchemaRegistry struct {
	schemas map[string]*Schema
}

// NewSchemaRegistry builds a registry preloaded with the core game types.
func NewSchemaRegistry() *SchemaRegistry {
	r := &SchemaRegistry{schemas: make(map[string]*Schema)}
	r.Register(&Schema{
		Type:     "entity",
		Required: []string{"entity_id", "mass"},
		Ranges:   map[string]Range{"mass": {Min: 0, Max: math.MaxFloat64}},
		Enums: map[string][]string{
			"entity_kind": {"player", "circle", "food", "obstacle", "other"},
		},
	})
	r.Register(&Schema{
		Type:     "player",
		Required: []string{"entity_id", "player_id", "name", "mass"},
		Ranges: map[string]Range{
			"mass":  {Min: 0, Max: math.MaxFloat64},
			"score": {Min: 0, Max: math.MaxFloat64},
		},
		Enums: map[string][]string{
			"state":       {"joining", "active", "splitting", "left"},
			"entity_kind": {"player", "circle", "food", "obstacle", "other"},
		},
	})
	r.Register(&Schema{
		Type:     "circle",
		Required: []string{"entity_id", "circle_kind", "mass"},
		Ranges:   map[string]Range{"mass": {Min: 0, Max: math.MaxFloat64}},
		Enums: map[string][]string{
			"entity_kind": {"player", "circle", "food", "obstacle", "other"},
		},
	})
	return r
}

// Register adds or replaces a schema.
func (r *SchemaRegistry) Register(s *Schema) { r.schemas[s.Type] = s }

// Lookup returns the schema for a type, or nil when unregistered.
func (r *SchemaRegistry) Lookup(typeName string) *Schema { return r.schemas[typeName] }

// Validate applies the registered schema, if any.
func (r *SchemaRegistry) Validate(typeName string, row types.TableRow) error {
	if s := r.schemas[typeName]; s != nil {
		return s.Validate(row)
	}
	return nil
}
