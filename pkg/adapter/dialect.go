package adapter

import (
	"strings"

	"github.com/adred-codev/gameclient/pkg/errs"
)

// Dialect tags one supported server wire convention.
type Dialect string

const (
	// DialectA: short lowered field names (via renames), nanosecond
	// timestamps, lowercase enums.
	DialectA Dialect = "A"
	// DialectB: fields unchanged, float-second timestamps, lower_snake
	// enums. The compatibility baseline.
	DialectB Dialect = "B"
	// DialectC: PascalCase fields, millisecond timestamps, PascalCase enums.
	DialectC Dialect = "C"
	// DialectD: camelCase fields with ID-suffixed irregulars, nanosecond
	// timestamps, camelCase enums.
	DialectD Dialect = "D"
)

// ParseDialect maps a SERVER_LANGUAGE value onto a dialect tag.
func ParseDialect(s string) (Dialect, error) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "", "A":
		return DialectA, nil
	case "B":
		return DialectB, nil
	case "C":
		return DialectC, nil
	case "D":
		return DialectD, nil
	default:
		return "", errs.New(errs.KindConfig, "adapter.parse_dialect", "unknown dialect %q", s)
	}
}

// timestampUnit is the dialect's wire representation of the internal
// nanosecond timestamps.
type timestampUnit int

const (
	unitNanos timestampUnit = iota
	unitFloatSeconds
	unitMillis
)

// timestampFields is the set of internal field names carrying timestamps.
var timestampFields = map[string]bool{
	"created_at":   true,
	"updated_at":   true,
	"joined_at":    true,
	"last_seen_at": true,
}

// enumFields is the set of internal field names carrying enum values that
// dialects re-case.
var enumFields = map[string]bool{
	"state":       true,
	"entity_kind": true,
	"circle_kind": true,
	"status":      true,
}

// declaredFields lists the internal model's fields per declared type.
// Fields outside the declared set pass through untouched and are counted
// by the unknown-field metric.
var declaredFields = map[string]map[string]bool{
	"entity": setOf(
		"entity_id", "position", "velocity", "mass", "entity_kind", "owner_id",
	),
	"player": setOf(
		"entity_id", "position", "velocity", "mass", "entity_kind", "owner_id",
		"player_id", "name", "identity_id", "score", "state", "max_speed",
		"created_at",
	),
	"circle": setOf(
		"entity_id", "position", "velocity", "mass", "entity_kind", "owner_id",
		"circle_kind", "value", "created_at",
	),
}

func setOf(names ...string) map[string]bool {
	m := make(map[string]bool, len(names))
	for _, n := range names {
		m[n] = true
	}
	return m
}

// dialectSpec bundles everything that distinguishes one dialect.
type dialectSpec struct {
	// renames maps type name → internal field → wire field. Renames take
	// priority over the generic case conversion; reverse field mappings
	// are derived from the forward ones in ForDialect.
	renames  map[string]map[string]string
	caseTo   func(string) string // generic internal → wire field name
	unit     timestampUnit
	enumTo   func(string) string // internal enum literal → wire
	enumFrom func(string) string // wire enum literal → internal
}

func identity(s string) string { return s }

var dialects = map[Dialect]*dialectSpec{
	DialectA: {
		renames: map[string]map[string]string{
			"entity": {"entity_id": "id"},
			"player": {"entity_id": "id", "created_at": "created"},
			"circle": {"entity_id": "id", "created_at": "created"},
		},
		caseTo:   identity,
		unit:     unitNanos,
		enumTo:   strings.ToLower,
		enumFrom: identity, // internal literals are already lowercase
	},
	DialectB: {
		renames:  map[string]map[string]string{},
		caseTo:   identity,
		unit:     unitFloatSeconds,
		enumTo:   identity,
		enumFrom: identity,
	},
	DialectC: {
		renames: map[string]map[string]string{
			"entity": {"entity_id": "EntityId"},
			"player": {"entity_id": "EntityId", "max_speed": "MaxSpeed"},
			"circle": {"entity_id": "EntityId"},
		},
		caseTo:   snakeToPascal,
		unit:     unitMillis,
		enumTo:   snakeToPascal,
		enumFrom: camelToSnake,
	},
	DialectD: {
		renames: map[string]map[string]string{
			"entity": {"entity_id": "entityID"},
			"player": {"entity_id": "entityID", "player_id": "playerID"},
			"circle": {"entity_id": "entityID"},
		},
		caseTo:   snakeToCamel,
		unit:     unitNanos,
		enumTo:   snakeToCamel,
		enumFrom: camelToSnake,
	},
}
