package types

import (
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestVectorOps(t *testing.T) {
	a := NewVector(3, 4)
	b := NewVector(1, -2)

	assert.Equal(t, NewVector(4, 2), a.Add(b))
	assert.Equal(t, NewVector(2, 6), a.Sub(b))
	assert.Equal(t, NewVector(6, 8), a.Scale(2))
	assert.InDelta(t, 5.0, a.Magnitude(), 1e-12)
	assert.InDelta(t, -5.0, a.Dot(b), 1e-12)
	assert.InDelta(t, math.Sqrt(4+36), a.Distance(b), 1e-12)
}

func TestVectorNormalize(t *testing.T) {
	n := NewVector(3, 4).Normalize()
	assert.InDelta(t, 1.0, n.Magnitude(), 1e-12)
	assert.InDelta(t, 0.6, n.X, 1e-12)
	assert.InDelta(t, 0.8, n.Y, 1e-12)

	// The zero vector has no direction; normalizing it stays zero.
	assert.True(t, Vector{}.Normalize().IsZero())
}

func TestRadiusFromMass(t *testing.T) {
	assert.InDelta(t, 4.0, RadiusFromMass(1), 1e-12)
	assert.InDelta(t, 40.0, RadiusFromMass(100), 1e-12)
	assert.Zero(t, RadiusFromMass(0))
	assert.Zero(t, RadiusFromMass(-5))

	e := Entity{Mass: 25}
	assert.InDelta(t, 20.0, e.Radius(), 1e-12)
}

func TestEntityFromRow(t *testing.T) {
	row := TableRow{
		"entity_id": "e1",
		"position":  map[string]any{"x": 1.5, "y": -2.0},
		"velocity":  map[string]any{"x": 0.0, "y": 0.0},
		"mass":      int64(100),
	}
	ent, err := EntityFromRow(row)
	require.NoError(t, err)
	assert.Equal(t, "e1", ent.ID)
	assert.InDelta(t, 1.5, ent.Position.X, 1e-12)
	assert.InDelta(t, 100.0, ent.Mass, 1e-12)
	assert.Equal(t, EntityKindOther, ent.Kind)
}

func TestEntityFromRowMissingFields(t *testing.T) {
	_, err := EntityFromRow(TableRow{"mass": int64(10)})
	require.Error(t, err)

	_, err = EntityFromRow(TableRow{"entity_id": "e1"})
	require.Error(t, err)
}

func TestPlayerFromRow(t *testing.T) {
	now := time.Now().UnixNano()
	row := TableRow{
		"entity_id":  "p1",
		"player_id":  int64(42),
		"name":       "alice",
		"mass":       int64(50),
		"score":      int64(10),
		"state":      "active",
		"created_at": now,
	}
	p, err := PlayerFromRow(row)
	require.NoError(t, err)
	assert.Equal(t, uint64(42), p.PlayerID)
	assert.Equal(t, "alice", p.Name)
	assert.Equal(t, PlayerStateActive, p.State)
	assert.Equal(t, time.Unix(0, now).UTC(), p.CreatedAt.UTC())
}

func TestPlayerFromRowDefaults(t *testing.T) {
	p, err := PlayerFromRow(TableRow{
		"entity_id": "p2",
		"player_id": int64(7),
		"name":      "bob",
		"mass":      int64(1),
	})
	require.NoError(t, err)
	assert.Equal(t, EntityKindPlayer, p.Kind)
	assert.Equal(t, PlayerStateJoining, p.State)
}

func TestPlayerFromRowRejectsEmptyName(t *testing.T) {
	_, err := PlayerFromRow(TableRow{
		"entity_id": "p3",
		"player_id": int64(8),
		"name":      "",
		"mass":      int64(1),
	})
	require.Error(t, err)
}

func TestCircleFromRow(t *testing.T) {
	c, err := CircleFromRow(TableRow{
		"entity_id":   "c1",
		"circle_kind": "food",
		"mass":        int64(2),
		"value":       int64(1),
	})
	require.NoError(t, err)
	assert.Equal(t, CircleKindFood, c.CircleKind)
}

func TestTableRowClone(t *testing.T) {
	row := TableRow{
		"entity_id": "e1",
		"position":  map[string]any{"x": 1.0, "y": 2.0},
	}
	clone := row.Clone()
	clone["entity_id"] = "e2"
	clone["position"].(map[string]any)["x"] = 99.0

	assert.Equal(t, "e1", row["entity_id"])
	assert.Equal(t, 1.0, row["position"].(map[string]any)["x"])
}

func TestRowID(t *testing.T) {
	assert.Equal(t, "e1", RowID(TableRow{"entity_id": "e1"}, "entity_id"))
	assert.Equal(t, "42", RowID(TableRow{"player_id": int64(42)}, "player_id"))
	assert.Equal(t, "7", RowID(TableRow{"player_id": uint64(7)}, "player_id"))
	assert.Equal(t, "", RowID(TableRow{}, "entity_id"))
}
