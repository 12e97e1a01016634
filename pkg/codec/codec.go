package codec

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"reflect"
	"strings"

	"github.com/fxamacker/cbor/v2"
	"github.com/rs/zerolog"

	"github.com/adred-codev/gameclient/pkg/errs"
	"github.com/adred-codev/gameclient/pkg/types"
)

// Binary frame layout: 4-byte magic, 1-byte version, uvarint payload
// length, CBOR payload. Deliberately explicit and minimal; the decoder
// never executes or references anything outside the frame.
var binaryMagic = [4]byte{'G', 'B', 'C', '1'}

const (
	binaryVersion = 0x01
	// maxBinaryPayload caps decoder allocations. The binary format is for
	// trusted peers only; the cap bounds the damage if that contract is
	// ever violated.
	maxBinaryPayload = 16 << 20
)

// coder encodes and decodes rows and homogeneous row batches.
type coder interface {
	format() Format
	encode(v any) ([]byte, error)
	decodeRow(data []byte) (types.TableRow, error)
	decodeBatch(data []byte) ([]types.TableRow, error)
}

// ---- text (JSON) ----

type textCoder struct{}

func (textCoder) format() Format { return FormatText }

func (textCoder) encode(v any) ([]byte, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, errs.Wrap(errs.KindValidation, "codec.text_encode", err)
	}
	return data, nil
}

func (textCoder) decodeRow(data []byte) (types.TableRow, error) {
	var raw map[string]any
	if err := decodeJSONNumbers(data, &raw); err != nil {
		return nil, err
	}
	return normalizeRow(raw), nil
}

func (textCoder) decodeBatch(data []byte) ([]types.TableRow, error) {
	var raw []map[string]any
	if err := decodeJSONNumbers(data, &raw); err != nil {
		return nil, err
	}
	rows := make([]types.TableRow, len(raw))
	for i, m := range raw {
		rows[i] = normalizeRow(m)
	}
	return rows, nil
}

// decodeJSONNumbers decodes with json.Number so nanosecond timestamps
// survive: float64 cannot hold a current-epoch nanosecond count.
func decodeJSONNumbers(data []byte, v any) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	if err := dec.Decode(v); err != nil {
		return errs.Wrap(errs.KindDecode, "codec.text_decode", err)
	}
	return nil
}

// normalizeRow converts json.Number values to int64 when integral,
// float64 otherwise, recursively through nested maps.
func normalizeRow(m map[string]any) types.TableRow {
	out := make(types.TableRow, len(m))
	for k, v := range m {
		out[k] = normalizeValue(v)
	}
	return out
}

func normalizeValue(v any) any {
	switch n := v.(type) {
	case json.Number:
		if !strings.ContainsAny(n.String(), ".eE") {
			if i, err := n.Int64(); err == nil {
				return i
			}
		}
		f, _ := n.Float64()
		return f
	case map[string]any:
		return map[string]any(normalizeRow(n))
	case []any:
		for i := range n {
			n[i] = normalizeValue(n[i])
		}
		return n
	default:
		return v
	}
}

// ---- binary (framed CBOR) ----

type binaryCoder struct {
	enc    cbor.EncMode
	dec    cbor.DecMode
	logger zerolog.Logger
}

func newBinaryCoder(logger zerolog.Logger) *binaryCoder {
	encOpts := cbor.CanonicalEncOptions()
	enc, _ := encOpts.EncMode()
	dec, _ := cbor.DecOptions{
		DefaultMapType: reflect.TypeOf(map[string]any{}),
	}.DecMode()
	return &binaryCoder{enc: enc, dec: dec, logger: logger}
}

func (c *binaryCoder) format() Format { return FormatBinary }

// warn fires on every binary encode and decode. This is part of the
// format's contract: binary is for trusted peers only.
func (c *binaryCoder) warn(direction string) {
	c.logger.Warn().
		Str("format", "binary").
		Str("direction", direction).
		Msg("binary format in use; never feed it data from untrusted sources")
}

func (c *binaryCoder) encode(v any) ([]byte, error) {
	c.warn("encode")
	payload, err := c.enc.Marshal(v)
	if err != nil {
		return nil, errs.Wrap(errs.KindValidation, "codec.binary_encode", err)
	}
	var buf bytes.Buffer
	buf.Write(binaryMagic[:])
	buf.WriteByte(binaryVersion)
	var lenBuf [binary.MaxVarintLen64]byte
	n := binary.PutUvarint(lenBuf[:], uint64(len(payload)))
	buf.Write(lenBuf[:n])
	buf.Write(payload)
	return buf.Bytes(), nil
}

func (c *binaryCoder) payload(data []byte) ([]byte, error) {
	const op = "codec.binary_decode"
	c.warn("decode")
	if len(data) < len(binaryMagic)+1 || !bytes.Equal(data[:4], binaryMagic[:]) {
		return nil, errs.New(errs.KindDecode, op, "bad magic")
	}
	if data[4] != binaryVersion {
		return nil, errs.New(errs.KindSchemaVersionMismatch, op, "unsupported binary version %d", data[4])
	}
	rest := data[5:]
	size, n := binary.Uvarint(rest)
	if n <= 0 {
		return nil, errs.New(errs.KindDecode, op, "bad length prefix")
	}
	if size > maxBinaryPayload {
		return nil, errs.New(errs.KindDecode, op, "payload length %d exceeds cap", size)
	}
	rest = rest[n:]
	if uint64(len(rest)) != size {
		return nil, errs.New(errs.KindDecode, op, "payload length mismatch: header %d, actual %d", size, len(rest))
	}
	return rest, nil
}

func (c *binaryCoder) decodeRow(data []byte) (types.TableRow, error) {
	payload, err := c.payload(data)
	if err != nil {
		return nil, err
	}
	var row map[string]any
	if err := c.dec.Unmarshal(payload, &row); err != nil {
		return nil, errs.Wrap(errs.KindDecode, "codec.binary_decode", err)
	}
	return normalizeBinaryRow(row), nil
}

func (c *binaryCoder) decodeBatch(data []byte) ([]types.TableRow, error) {
	payload, err := c.payload(data)
	if err != nil {
		return nil, err
	}
	var raw []map[string]any
	if err := c.dec.Unmarshal(payload, &raw); err != nil {
		return nil, errs.Wrap(errs.KindDecode, "codec.binary_decode", err)
	}
	rows := make([]types.TableRow, len(raw))
	for i, m := range raw {
		rows[i] = normalizeBinaryRow(m)
	}
	return rows, nil
}

// normalizeBinaryRow widens CBOR's unsigned integers so downstream code
// sees the same numeric types as the text path.
func normalizeBinaryRow(m map[string]any) types.TableRow {
	out := make(types.TableRow, len(m))
	for k, v := range m {
		out[k] = normalizeBinaryValue(v)
	}
	return out
}

func normalizeBinaryValue(v any) any {
	switch n := v.(type) {
	case uint64:
		return int64(n)
	case map[string]any:
		return map[string]any(normalizeBinaryRow(n))
	case []any:
		for i := range n {
			n[i] = normalizeBinaryValue(n[i])
		}
		return n
	default:
		return v
	}
}
