package adapter

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/adred-codev/gameclient/pkg/types"
)

func playerRow() types.TableRow {
	return types.TableRow{
		"entity_id":   "e1",
		"player_id":   int64(42),
		"name":        "alice",
		"mass":        100.0,
		"score":       int64(7),
		"state":       "active",
		"entity_kind": "player",
		"created_at":  int64(1_700_000_000_123_000_000),
	}
}

func TestParseDialect(t *testing.T) {
	for _, in := range []string{"", "a", "A", " a "} {
		d, err := ParseDialect(in)
		require.NoError(t, err, in)
		assert.Equal(t, DialectA, d)
	}
	_, err := ParseDialect("z")
	require.Error(t, err)
}

func TestRoundTripAllDialects(t *testing.T) {
	row := playerRow()
	for _, d := range []Dialect{DialectA, DialectB, DialectC, DialectD} {
		a := ForDialect(d)
		back := a.FromServer(a.ToServer(row, "player"), "player")
		assert.Equal(t, row, back, "dialect %s", d)
	}
}

func TestDialectARenames(t *testing.T) {
	a := ForDialect(DialectA)
	wire := a.ToServer(playerRow(), "player")

	assert.Equal(t, "e1", wire["id"])
	assert.NotContains(t, wire, "entity_id")
	assert.Contains(t, wire, "created")
	assert.NotContains(t, wire, "created_at")
	// Dialect A keeps nanoseconds.
	assert.Equal(t, int64(1_700_000_000_123_000_000), wire["created"])
}

func TestDialectBFloatSeconds(t *testing.T) {
	a := ForDialect(DialectB)
	wire := a.ToServer(playerRow(), "player")

	sec, ok := wire["created_at"].(float64)
	require.True(t, ok)
	assert.InDelta(t, 1_700_000_000.123, sec, 1e-6)

	// Microsecond-aligned timestamps survive the float representation.
	back := a.FromServer(wire, "player")
	assert.Equal(t, int64(1_700_000_000_123_000_000), back["created_at"])
}

func TestDialectCPascalAndMillis(t *testing.T) {
	a := ForDialect(DialectC)
	wire := a.ToServer(playerRow(), "player")

	assert.Equal(t, "e1", wire["EntityId"]) // irregular rename, not EntityID
	assert.Contains(t, wire, "PlayerId")
	assert.Contains(t, wire, "Name")
	assert.Equal(t, int64(1_700_000_000_123), wire["CreatedAt"])
	assert.Equal(t, "Active", wire["State"])
	assert.Equal(t, "Player", wire["EntityKind"])

	back := a.FromServer(wire, "player")
	assert.Equal(t, "active", back["state"])
	assert.Equal(t, int64(1_700_000_000_123_000_000), back["created_at"])
}

func TestDialectDCamelRenames(t *testing.T) {
	a := ForDialect(DialectD)
	wire := a.ToServer(playerRow(), "player")

	assert.Equal(t, "e1", wire["entityID"])
	assert.Equal(t, int64(42), wire["playerID"])
	assert.Contains(t, wire, "createdAt")
	assert.Equal(t, "active", wire["state"]) // single-word enums are unchanged
}

func TestMaxSpeedRename(t *testing.T) {
	row := types.TableRow{"entity_id": "e1", "max_speed": 12.5}

	c := ForDialect(DialectC).ToServer(row, "player")
	assert.Equal(t, 12.5, c["MaxSpeed"])

	d := ForDialect(DialectD).ToServer(row, "player")
	assert.Equal(t, 12.5, d["maxSpeed"])
}

func TestUnknownFieldsPassThrough(t *testing.T) {
	a := ForDialect(DialectC)
	row := types.TableRow{
		"entity_id":    "e1",
		"server_extra": "opaque",
	}
	wire := a.ToServer(row, "player")
	assert.Equal(t, "opaque", wire["server_extra"])

	back := a.FromServer(wire, "player")
	assert.Equal(t, "opaque", back["server_extra"])
	assert.Equal(t, "e1", back["entity_id"])
}

func TestUndeclaredTypeIsIdentity(t *testing.T) {
	a := ForDialect(DialectC)
	row := types.TableRow{"whatever_field": int64(1)}
	out := a.ToServer(row, "leaderboard")
	assert.Equal(t, row, out)

	// Identity still means a copy, never the same map.
	out["whatever_field"] = int64(2)
	assert.Equal(t, int64(1), row["whatever_field"])
}

func TestInputRowsNeverMutated(t *testing.T) {
	row := playerRow()
	orig := row.Clone()
	a := ForDialect(DialectC)
	_ = a.ToServer(row, "player")
	_ = a.FromServer(row, "player")
	assert.Equal(t, orig, row)
}

func TestCaseConversions(t *testing.T) {
	assert.Equal(t, "createdAt", snakeToCamel("created_at"))
	assert.Equal(t, "CreatedAt", snakeToPascal("created_at"))
	assert.Equal(t, "created_at", camelToSnake("createdAt"))
	assert.Equal(t, "created_at", camelToSnake("CreatedAt"))
	assert.Equal(t, "name", snakeToCamel("name"))
	assert.Equal(t, "Name", snakeToPascal("name"))
	assert.Equal(t, "name", camelToSnake("Name"))
}
