package types

import (
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/mitchellh/mapstructure"

	"github.com/adred-codev/gameclient/pkg/errs"
)

// validate checks struct-level invariants (tags on the model types).
// validator.New is expensive; one instance serves the whole package.
var validate = validator.New(validator.WithRequiredStructEnabled())

// RowID extracts a row's identity as a string. Servers disagree on the id
// type (string vs 64-bit integer), so both are accepted.
func RowID(row TableRow, field string) string {
	v, ok := row[field]
	if !ok {
		return ""
	}
	switch id := v.(type) {
	case string:
		return id
	case int64:
		return fmt.Sprintf("%d", id)
	case uint64:
		return fmt.Sprintf("%d", id)
	case int:
		return fmt.Sprintf("%d", id)
	case float64:
		return fmt.Sprintf("%d", int64(id))
	default:
		return fmt.Sprintf("%v", id)
	}
}

// numeric reports whether v is any wire-level number. JSON decodes numbers
// as float64; CBOR produces int64/uint64/float64 depending on encoding.
func numeric(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint64:
		return float64(n), true
	default:
		return 0, false
	}
}

// requireField checks presence of a required field, reporting the row id
// and field name on failure.
func requireField(op string, row TableRow, rowID, field string) *errs.Error {
	if _, ok := row[field]; !ok {
		return errs.Validation(op, rowID, field, "required field missing")
	}
	return nil
}

// requireNumber checks presence and numeric type of a required field.
func requireNumber(op string, row TableRow, rowID, field string) *errs.Error {
	v, ok := row[field]
	if !ok {
		return errs.Validation(op, rowID, field, "required field missing")
	}
	if _, ok := numeric(v); !ok {
		return errs.Validation(op, rowID, field, "expected number, got %T", v)
	}
	return nil
}

// requireString checks presence and string type of a required field.
func requireString(op string, row TableRow, rowID, field string) *errs.Error {
	v, ok := row[field]
	if !ok {
		return errs.Validation(op, rowID, field, "required field missing")
	}
	if _, ok := v.(string); !ok {
		return errs.Validation(op, rowID, field, "expected string, got %T", v)
	}
	return nil
}

// decodeRow fills target from row. Presence and type of required fields
// must already be verified; the weak decode only performs numeric widening.
func decodeRow(op string, row TableRow, rowID string, target any) *errs.Error {
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:           target,
		WeaklyTypedInput: true,
		TagName:          "mapstructure",
	})
	if err != nil {
		return errs.Validation(op, rowID, "", "decoder: %v", err)
	}
	if err := dec.Decode(map[string]any(row)); err != nil {
		return errs.Validation(op, rowID, "", "decode: %v", err)
	}
	return nil
}

// checkStruct maps validator tag failures onto the taxonomy, keeping the
// first offending field path.
func checkStruct(op, rowID string, v any) *errs.Error {
	err := validate.Struct(v)
	if err == nil {
		return nil
	}
	if verrs, ok := err.(validator.ValidationErrors); ok && len(verrs) > 0 {
		f := verrs[0]
		return errs.Validation(op, rowID, f.Namespace(), "failed %q constraint", f.Tag())
	}
	return errs.Validation(op, rowID, "", "%v", err)
}

// timestampFromRow reads an internal-model timestamp (nanoseconds since
// epoch) if present. Adapters normalize dialect units before rows get here.
func timestampFromRow(row TableRow, field string) time.Time {
	v, ok := row[field]
	if !ok {
		return time.Time{}
	}
	if n, ok := numeric(v); ok {
		return time.Unix(0, int64(n)).UTC()
	}
	return time.Time{}
}

// EntityFromRow derives a typed Entity. Required: entity_id, mass.
// Position/velocity default to zero vectors when absent.
func EntityFromRow(row TableRow) (Entity, error) {
	const op = "types.entity_from_row"
	rowID := RowID(row, "entity_id")
	if e := requireField(op, row, rowID, "entity_id"); e != nil {
		return Entity{}, e
	}
	if e := requireNumber(op, row, rowID, "mass"); e != nil {
		return Entity{}, e
	}

	var ent Entity
	if e := decodeRow(op, row, rowID, &ent); e != nil {
		return Entity{}, e
	}
	ent.ID = rowID
	if ent.Kind == "" {
		ent.Kind = EntityKindOther
	}
	if !ent.Kind.Valid() {
		return Entity{}, errs.Validation(op, rowID, "entity_kind", "unknown kind %q", ent.Kind)
	}
	if e := checkStruct(op, rowID, ent); e != nil {
		return Entity{}, e
	}
	return ent, nil
}

// PlayerFromRow derives a typed Player. Required beyond Entity:
// player_id (number), name (non-empty string).
func PlayerFromRow(row TableRow) (Player, error) {
	const op = "types.player_from_row"
	rowID := RowID(row, "entity_id")
	if e := requireField(op, row, rowID, "entity_id"); e != nil {
		return Player{}, e
	}
	if e := requireNumber(op, row, rowID, "player_id"); e != nil {
		return Player{}, e
	}
	if e := requireString(op, row, rowID, "name"); e != nil {
		return Player{}, e
	}

	var p Player
	if e := decodeRow(op, row, rowID, &p); e != nil {
		return Player{}, e
	}
	p.ID = rowID
	if p.Kind == "" {
		p.Kind = EntityKindPlayer
	}
	if p.State == "" {
		p.State = PlayerStateJoining
	}
	if !p.State.Valid() {
		return Player{}, errs.Validation(op, rowID, "state", "unknown state %q", p.State)
	}
	p.CreatedAt = timestampFromRow(row, "created_at")
	if e := checkStruct(op, rowID, p); e != nil {
		return Player{}, e
	}
	return p, nil
}

// CircleFromRow derives a typed Circle. Required beyond Entity: circle_kind.
func CircleFromRow(row TableRow) (Circle, error) {
	const op = "types.circle_from_row"
	rowID := RowID(row, "entity_id")
	if e := requireField(op, row, rowID, "entity_id"); e != nil {
		return Circle{}, e
	}
	if e := requireString(op, row, rowID, "circle_kind"); e != nil {
		return Circle{}, e
	}

	var c Circle
	if e := decodeRow(op, row, rowID, &c); e != nil {
		return Circle{}, e
	}
	c.ID = rowID
	if c.Kind == "" {
		c.Kind = EntityKindCircle
	}
	if e := checkStruct(op, rowID, c); e != nil {
		return Circle{}, e
	}
	return c, nil
}
