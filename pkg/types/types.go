// Package types holds the pure value model of the game client: entities,
// players, circles and the opaque table rows they are derived from.
//
// Values here carry no behavior beyond arithmetic and derivation; all
// mutation happens in the subscription cache, which replaces whole values.
package types

import (
	"math"
	"time"
)

// EntityKind is the closed set of entity variants.
type EntityKind string

const (
	EntityKindPlayer   EntityKind = "player"
	EntityKindCircle   EntityKind = "circle"
	EntityKindFood     EntityKind = "food"
	EntityKindObstacle EntityKind = "obstacle"
	EntityKindOther    EntityKind = "other"
)

// Valid reports membership in the closed set.
func (k EntityKind) Valid() bool {
	switch k {
	case EntityKindPlayer, EntityKindCircle, EntityKindFood, EntityKindObstacle, EntityKindOther:
		return true
	}
	return false
}

// PlayerState is the closed set of player lifecycle states.
type PlayerState string

const (
	PlayerStateJoining   PlayerState = "joining"
	PlayerStateActive    PlayerState = "active"
	PlayerStateSplitting PlayerState = "splitting"
	PlayerStateLeft      PlayerState = "left"
)

func (s PlayerState) Valid() bool {
	switch s {
	case PlayerStateJoining, PlayerStateActive, PlayerStateSplitting, PlayerStateLeft:
		return true
	}
	return false
}

// massToRadiusScale fixes the derived radius at 4·sqrt(mass). The function
// is monotonic in mass and identical across dialects, so equal mass always
// yields equal radius.
const massToRadiusScale = 4.0

// RadiusFromMass derives the display radius from mass. Non-negative input
// yields non-negative output; negative mass is clamped to zero.
func RadiusFromMass(mass float64) float64 {
	if mass <= 0 {
		return 0
	}
	return massToRadiusScale * math.Sqrt(mass)
}

// Entity is one object in the game world. Value type; equality is
// structural. The identifier is stable for the entity's lifetime.
type Entity struct {
	ID       string     `json:"entity_id" mapstructure:"entity_id" validate:"required"`
	Position Vector     `json:"position" mapstructure:"position"`
	Velocity Vector     `json:"velocity" mapstructure:"velocity"`
	Mass     float64    `json:"mass" mapstructure:"mass" validate:"gte=0"`
	Kind     EntityKind `json:"entity_kind" mapstructure:"entity_kind"`
	OwnerID  string     `json:"owner_id,omitempty" mapstructure:"owner_id"`
}

// Radius is derived from mass, never stored.
func (e Entity) Radius() float64 { return RadiusFromMass(e.Mass) }

// Player specializes Entity with identity and score. PlayerID is the
// numeric game-level id, distinct from the entity id.
type Player struct {
	Entity     `mapstructure:",squash"`
	PlayerID   uint64      `json:"player_id" mapstructure:"player_id" validate:"required"`
	Name       string      `json:"name" mapstructure:"name" validate:"required,min=1,max=64"`
	IdentityID string      `json:"identity_id" mapstructure:"identity_id"`
	Score      int64       `json:"score" mapstructure:"score" validate:"gte=0"`
	State      PlayerState `json:"state" mapstructure:"state"`
	CreatedAt  time.Time   `json:"created_at" mapstructure:"-"`
}

// Circle specializes Entity for consumables and powerups.
type Circle struct {
	Entity     `mapstructure:",squash"`
	CircleKind string `json:"circle_kind" mapstructure:"circle_kind" validate:"required"`
	Value      int64  `json:"value" mapstructure:"value"`
}

// CircleKindFood is the one circle kind every server dialect guarantees.
const CircleKindFood = "food"

// TableRow is the opaque field→value mapping produced by the decoder.
// Typed values are derived from rows by the validator, never the reverse.
type TableRow map[string]any

// Clone returns a shallow copy. Nested maps are copied one level deep,
// which covers the position/velocity sub-maps the wire model uses.
func (r TableRow) Clone() TableRow {
	if r == nil {
		return nil
	}
	out := make(TableRow, len(r))
	for k, v := range r {
		if m, ok := v.(map[string]any); ok {
			mc := make(map[string]any, len(m))
			for mk, mv := range m {
				mc[mk] = mv
			}
			out[k] = mc
			continue
		}
		out[k] = v
	}
	return out
}
