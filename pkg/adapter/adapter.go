// Package adapter translates table rows between the internal data model
// (lower_snake fields, nanosecond timestamps, lower_snake enum literals)
// and each supported server dialect.
//
// Adapters are pure: ToServer and FromServer never mutate their input and
// FromServer(ToServer(row)) is the identity on every declared field of
// every declared type. Reverse mappings are derived from the forward
// tables at construction, so a rename can never drift out of sync with
// its inverse.
package adapter

import (
	"math"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/adred-codev/gameclient/pkg/types"
)

// Metrics counts adapter observability signals.
type Metrics struct {
	UnknownFields *prometheus.CounterVec
}

// NewMetrics builds and registers the adapter collectors.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		UnknownFields: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "gameclient",
			Subsystem: "adapter",
			Name:      "unknown_fields_total",
			Help:      "Fields passed through untranslated because the declared type does not know them",
		}, []string{"dialect", "type"}),
	}
	if reg != nil {
		reg.MustRegister(m.UnknownFields)
	}
	return m
}

// Adapter performs bidirectional field/case/timestamp/enum translation for
// one dialect.
type Adapter struct {
	dialect Dialect
	spec    *dialectSpec

	// forward: type → internal field → wire field
	// reverse: type → wire field → internal field (derived from forward)
	forward map[string]map[string]string
	reverse map[string]map[string]string

	metrics *Metrics
}

// ForDialect builds the adapter for a dialect tag.
func ForDialect(d Dialect) *Adapter {
	spec, ok := dialects[d]
	if !ok {
		spec = dialects[DialectB] // identity dialect as the safe fallback
		d = DialectB
	}
	a := &Adapter{
		dialect: d,
		spec:    spec,
		forward: make(map[string]map[string]string, len(declaredFields)),
		reverse: make(map[string]map[string]string, len(declaredFields)),
	}
	for typeName, fields := range declaredFields {
		fwd := make(map[string]string, len(fields))
		rev := make(map[string]string, len(fields))
		renames := spec.renames[typeName]
		for f := range fields {
			wire, renamed := renames[f]
			if !renamed {
				wire = spec.caseTo(f)
			}
			fwd[f] = wire
			rev[wire] = f
		}
		a.forward[typeName] = fwd
		a.reverse[typeName] = rev
	}
	return a
}

// WithMetrics attaches the unknown-field counter. Nil-safe.
func (a *Adapter) WithMetrics(m *Metrics) *Adapter {
	a.metrics = m
	return a
}

// Dialect returns the adapter's dialect tag.
func (a *Adapter) Dialect() Dialect { return a.dialect }

// ToServer translates an internal-model row into the dialect's wire shape.
// Unknown fields (and all fields of undeclared types) pass through with
// name and value untouched.
func (a *Adapter) ToServer(row types.TableRow, typeName string) types.TableRow {
	fwd, declared := a.forward[typeName]
	if !declared {
		return row.Clone()
	}
	out := make(types.TableRow, len(row))
	for field, value := range row {
		wire, ok := fwd[field]
		if !ok {
			a.countUnknown(typeName)
			out[field] = value
			continue
		}
		out[wire] = a.valueToServer(field, value)
	}
	return out
}

// FromServer translates a wire-shaped row back into the internal model.
func (a *Adapter) FromServer(row types.TableRow, typeName string) types.TableRow {
	rev, declared := a.reverse[typeName]
	if !declared {
		return row.Clone()
	}
	out := make(types.TableRow, len(row))
	for wire, value := range row {
		field, ok := rev[wire]
		if !ok {
			a.countUnknown(typeName)
			out[wire] = value
			continue
		}
		out[field] = a.valueFromServer(field, value)
	}
	return out
}

func (a *Adapter) countUnknown(typeName string) {
	if a.metrics != nil {
		a.metrics.UnknownFields.WithLabelValues(string(a.dialect), typeName).Inc()
	}
}

func (a *Adapter) valueToServer(field string, value any) any {
	if timestampFields[field] {
		if ns, ok := asInt64(value); ok {
			switch a.spec.unit {
			case unitFloatSeconds:
				return float64(ns) / 1e9
			case unitMillis:
				return ns / 1e6
			default:
				return ns
			}
		}
		return value
	}
	if enumFields[field] {
		if s, ok := value.(string); ok {
			return a.spec.enumTo(s)
		}
	}
	return value
}

func (a *Adapter) valueFromServer(field string, value any) any {
	if timestampFields[field] {
		switch a.spec.unit {
		case unitFloatSeconds:
			if sec, ok := asFloat64(value); ok {
				// Quantize to microseconds: float seconds cannot carry
				// full nanosecond precision at current epochs.
				return int64(math.Round(sec*1e6)) * 1000
			}
		case unitMillis:
			if ms, ok := asInt64(value); ok {
				return ms * 1e6
			}
		default:
			if ns, ok := asInt64(value); ok {
				return ns
			}
		}
		return value
	}
	if enumFields[field] {
		if s, ok := value.(string); ok {
			return a.spec.enumFrom(s)
		}
	}
	return value
}

func asInt64(v any) (int64, bool) {
	switch n := v.(type) {
	case int64:
		return n, true
	case int:
		return int64(n), true
	case uint64:
		return int64(n), true
	case float64:
		return int64(n), true
	default:
		return 0, false
	}
}

func asFloat64(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int64:
		return float64(n), true
	case int:
		return float64(n), true
	case uint64:
		return float64(n), true
	default:
		return 0, false
	}
}
