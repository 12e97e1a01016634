// Package subscription tracks server-pushed table state: per-table
// subscription lifecycles, the local row cache the deltas maintain, and
// the typed queries the game layer reads from it.
package subscription

// SubState is the per-table subscription lifecycle state.
type SubState int

const (
	SubInactive SubState = iota
	SubSubscribing
	SubActive
	SubUnsubscribing
	// SubFailed means the server rejected the subscription. A new
	// Subscribe call restarts the lifecycle from Subscribing.
	SubFailed
)

func (s SubState) String() string {
	switch s {
	case SubInactive:
		return "inactive"
	case SubSubscribing:
		return "subscribing"
	case SubActive:
		return "active"
	case SubUnsubscribing:
		return "unsubscribing"
	case SubFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// tableSpec pins the row type and primary key of a known table. Unknown
// tables fall back to the entity type keyed by entity_id.
type tableSpec struct {
	typeName string
	pkField  string
}

var tableSpecs = map[string]tableSpec{
	"players":  {typeName: "player", pkField: "player_id"},
	"entities": {typeName: "entity", pkField: "entity_id"},
	"circles":  {typeName: "circle", pkField: "entity_id"},
}

func specFor(table string) tableSpec {
	if s, ok := tableSpecs[table]; ok {
		return s
	}
	return tableSpec{typeName: "entity", pkField: "entity_id"}
}
