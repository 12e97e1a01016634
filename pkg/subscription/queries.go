package subscription

import (
	"sort"

	"github.com/adred-codev/gameclient/pkg/types"
)

// GetRow returns a cloned cached row by primary key, or nil.
func (e *Engine) GetRow(table, pk string) types.TableRow {
	e.mu.RLock()
	defer e.mu.RUnlock()
	ts := e.tables[table]
	if ts == nil {
		return nil
	}
	row, ok := ts.rows[pk]
	if !ok {
		return nil
	}
	return row.Clone()
}

// GetAllRows returns cloned copies of every cached row in one table.
func (e *Engine) GetAllRows(table string) []types.TableRow {
	e.mu.RLock()
	defer e.mu.RUnlock()
	ts := e.tables[table]
	if ts == nil {
		return nil
	}
	out := make([]types.TableRow, 0, len(ts.rows))
	for _, row := range ts.rows {
		out = append(out, row.Clone())
	}
	return out
}

// CacheSize reports the number of cached rows in one table.
func (e *Engine) CacheSize(table string) int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if ts := e.tables[table]; ts != nil {
		return len(ts.rows)
	}
	return 0
}

// ClearTableCache drops every cached row for a table without touching
// the subscription state.
func (e *Engine) ClearTableCache(table string) {
	e.mu.Lock()
	ts := e.tables[table]
	if ts != nil {
		ts.rows = make(map[string]types.TableRow)
	}
	e.mu.Unlock()
	e.gauge(table, 0)
}

// GetAllPlayers decodes the players table into typed rows, sorted by
// player id for stable iteration. Rows that fail decoding are skipped.
func (e *Engine) GetAllPlayers() []types.Player {
	rows := e.snapshot("players")
	out := make([]types.Player, 0, len(rows))
	for _, row := range rows {
		p, err := types.PlayerFromRow(row)
		if err != nil {
			e.logger.Debug().Err(err).Msg("cached player row undecodable")
			continue
		}
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].PlayerID < out[j].PlayerID })
	return out
}

// GetPlayer returns one player by id.
func (e *Engine) GetPlayer(playerID uint64) (types.Player, bool) {
	for _, row := range e.snapshot("players") {
		p, err := types.PlayerFromRow(row)
		if err != nil {
			continue
		}
		if p.PlayerID == playerID {
			return p, true
		}
	}
	return types.Player{}, false
}

// GetEntitiesNear returns every entity within radius of pos. The cache
// holds the subscribed window, so a linear scan over it is the whole
// job; no spatial index is maintained.
func (e *Engine) GetEntitiesNear(pos types.Vector, radius float64) []types.Entity {
	rows := e.snapshot("entities")
	out := make([]types.Entity, 0, len(rows))
	for _, row := range rows {
		ent, err := types.EntityFromRow(row)
		if err != nil {
			e.logger.Debug().Err(err).Msg("cached entity row undecodable")
			continue
		}
		if ent.Position.Distance(pos) <= radius {
			out = append(out, ent)
		}
	}
	return out
}

// GetCircles decodes the circles table into typed rows.
func (e *Engine) GetCircles() []types.Circle {
	rows := e.snapshot("circles")
	out := make([]types.Circle, 0, len(rows))
	for _, row := range rows {
		c, err := types.CircleFromRow(row)
		if err != nil {
			e.logger.Debug().Err(err).Msg("cached circle row undecodable")
			continue
		}
		out = append(out, c)
	}
	return out
}

// snapshot copies one table's rows under the read lock. Decoding happens
// outside the lock.
func (e *Engine) snapshot(table string) []types.TableRow {
	e.mu.RLock()
	defer e.mu.RUnlock()
	ts := e.tables[table]
	if ts == nil {
		return nil
	}
	out := make([]types.TableRow, 0, len(ts.rows))
	for _, row := range ts.rows {
		out = append(out, row)
	}
	return out
}
