package codec

import (
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"

	"github.com/adred-codev/gameclient/pkg/adapter"
	"github.com/adred-codev/gameclient/pkg/types"
)

// Metrics holds the pipeline's prometheus collectors.
type Metrics struct {
	Operations    *prometheus.CounterVec   // op (encode/decode), result (ok/error)
	Objects       prometheus.Counter       // rows passed through, both directions
	StageDuration *prometheus.HistogramVec // stage (validate/adapt/encode/decode)
}

// NewMetrics builds and registers the pipeline collectors.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		Operations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "gameclient",
			Subsystem: "pipeline",
			Name:      "operations_total",
			Help:      "Pipeline operations by direction and result",
		}, []string{"op", "result"}),
		Objects: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "gameclient",
			Subsystem: "pipeline",
			Name:      "objects_total",
			Help:      "Rows processed by the pipeline",
		}),
		StageDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "gameclient",
			Subsystem: "pipeline",
			Name:      "stage_duration_seconds",
			Help:      "Per-stage processing time",
			Buckets:   prometheus.ExponentialBuckets(1e-6, 4, 10),
		}, []string{"stage"}),
	}
	if reg != nil {
		reg.MustRegister(m.Operations, m.Objects, m.StageDuration)
	}
	return m
}

// Stats is a point-in-time snapshot of the pipeline counters, available
// without scraping prometheus.
type Stats struct {
	TotalOperations  int64
	Successes        int64
	Failures         int64
	ObjectsProcessed int64
}

// Options toggles pipeline stages. Both stages default to enabled; the
// encode/decode stage itself cannot be disabled.
type Options struct {
	Format            Format
	DisableValidation bool
	DisableAdaptation bool
}

// Pipeline is the serialization path between typed rows and wire bytes.
//
// Outbound: validate → adapt → encode. Inbound mirrors it: decode →
// adapt-reverse → validate. A validation failure aborts the single-row
// path; batch paths keep going and report per-element errors.
type Pipeline struct {
	coder   coder
	adapter *adapter.Adapter
	schemas *SchemaRegistry
	opts    Options
	logger  zerolog.Logger
	metrics *Metrics

	totalOps  atomic.Int64
	successes atomic.Int64
	failures  atomic.Int64
	objects   atomic.Int64
}

// NewPipeline assembles a pipeline for one dialect adapter and format.
// metrics may be nil.
func NewPipeline(a *adapter.Adapter, schemas *SchemaRegistry, opts Options, logger zerolog.Logger, metrics *Metrics) *Pipeline {
	if schemas == nil {
		schemas = NewSchemaRegistry()
	}
	p := &Pipeline{
		adapter: a,
		schemas: schemas,
		opts:    opts,
		logger:  logger.With().Str("component", "pipeline").Logger(),
		metrics: metrics,
	}
	switch opts.Format {
	case FormatBinary:
		p.coder = newBinaryCoder(p.logger)
	default:
		p.coder = textCoder{}
	}
	return p
}

// Format reports the active wire format.
func (p *Pipeline) Format() Format { return p.coder.format() }

// Stats snapshots the internal counters.
func (p *Pipeline) Stats() Stats {
	return Stats{
		TotalOperations:  p.totalOps.Load(),
		Successes:        p.successes.Load(),
		Failures:         p.failures.Load(),
		ObjectsProcessed: p.objects.Load(),
	}
}

func (p *Pipeline) observe(stage string, start time.Time) {
	if p.metrics != nil {
		p.metrics.StageDuration.WithLabelValues(stage).Observe(time.Since(start).Seconds())
	}
}

func (p *Pipeline) done(op string, err error) {
	p.totalOps.Add(1)
	result := "ok"
	if err != nil {
		p.failures.Add(1)
		result = "error"
	} else {
		p.successes.Add(1)
	}
	if p.metrics != nil {
		p.metrics.Operations.WithLabelValues(op, result).Inc()
	}
}

// outbound runs validate → adapt on one row.
func (p *Pipeline) outbound(typeName string, row types.TableRow) (types.TableRow, error) {
	if !p.opts.DisableValidation {
		start := time.Now()
		err := p.schemas.Validate(typeName, row)
		p.observe("validate", start)
		if err != nil {
			return nil, err
		}
	}
	if !p.opts.DisableAdaptation {
		start := time.Now()
		row = p.adapter.ToServer(row, typeName)
		p.observe("adapt", start)
	}
	return row, nil
}

// inbound runs adapt-reverse → validate on one decoded row.
func (p *Pipeline) inbound(typeName string, row types.TableRow) (types.TableRow, error) {
	if !p.opts.DisableAdaptation {
		start := time.Now()
		row = p.adapter.FromServer(row, typeName)
		p.observe("adapt", start)
	}
	if !p.opts.DisableValidation {
		start := time.Now()
		err := p.schemas.Validate(typeName, row)
		p.observe("validate", start)
		if err != nil {
			return nil, err
		}
	}
	return row, nil
}

// AdaptOutbound runs validate → adapt on an already-structured row, for
// callers that embed rows in a larger envelope instead of encoding them
// standalone.
func (p *Pipeline) AdaptOutbound(typeName string, row types.TableRow) (types.TableRow, error) {
	return p.outbound(typeName, row)
}

// AdaptInbound runs adapt-reverse → validate on a row lifted out of an
// envelope.
func (p *Pipeline) AdaptInbound(typeName string, row types.TableRow) (types.TableRow, error) {
	return p.inbound(typeName, row)
}

// Encode serializes one internal-model row for the wire.
func (p *Pipeline) Encode(typeName string, row types.TableRow) (data []byte, err error) {
	defer func() { p.done("encode", err) }()

	wire, err := p.outbound(typeName, row)
	if err != nil {
		return nil, err
	}
	start := time.Now()
	data, err = p.coder.encode(map[string]any(wire))
	p.observe("encode", start)
	if err != nil {
		return nil, err
	}
	p.objects.Add(1)
	return data, nil
}

// Decode deserializes wire bytes into one internal-model row.
func (p *Pipeline) Decode(typeName string, data []byte) (row types.TableRow, err error) {
	defer func() { p.done("decode", err) }()

	start := time.Now()
	wire, err := p.coder.decodeRow(data)
	p.observe("decode", start)
	if err != nil {
		return nil, err
	}
	row, err = p.inbound(typeName, wire)
	if err != nil {
		return nil, err
	}
	p.objects.Add(1)
	return row, nil
}

// BatchError ties a per-element failure to its index in the batch.
type BatchError struct {
	Index int
	Err   error
}

// EncodeBatch serializes a homogeneous row sequence. Rows that fail
// validation are skipped and reported; the surviving rows are encoded.
// The per-element errors accompany a usable result, they do not abort it.
func (p *Pipeline) EncodeBatch(typeName string, rows []types.TableRow) (data []byte, elemErrs []BatchError, err error) {
	defer func() { p.done("encode_batch", err) }()

	wire := make([]map[string]any, 0, len(rows))
	for i, row := range rows {
		out, rowErr := p.outbound(typeName, row)
		if rowErr != nil {
			elemErrs = append(elemErrs, BatchError{Index: i, Err: rowErr})
			continue
		}
		wire = append(wire, map[string]any(out))
	}
	start := time.Now()
	data, err = p.coder.encode(wire)
	p.observe("encode", start)
	if err != nil {
		return nil, elemErrs, err
	}
	p.objects.Add(int64(len(wire)))
	return data, elemErrs, nil
}

// BatchResult carries the successfully decoded rows of a batch alongside
// the per-element failures.
type BatchResult struct {
	Rows   []types.TableRow
	Errors []BatchError
}

// DecodeBatch deserializes a homogeneous sequence. Elements that fail
// adaptation or validation are reported individually; the rest decode.
func (p *Pipeline) DecodeBatch(typeName string, data []byte) (res *BatchResult, err error) {
	defer func() { p.done("decode_batch", err) }()

	start := time.Now()
	wire, err := p.coder.decodeBatch(data)
	p.observe("decode", start)
	if err != nil {
		return nil, err
	}
	res = &BatchResult{Rows: make([]types.TableRow, 0, len(wire))}
	for i, w := range wire {
		row, rowErr := p.inbound(typeName, w)
		if rowErr != nil {
			res.Errors = append(res.Errors, BatchError{Index: i, Err: rowErr})
			continue
		}
		res.Rows = append(res.Rows, row)
	}
	p.objects.Add(int64(len(res.Rows)))
	return res, nil
}
