package codec

import (
	"strings"

	"github.com/adred-codev/gameclient/pkg/errs"
)

// Format selects the wire serialization of rows and batches.
type Format string

const (
	// FormatText is human-readable JSON. The compatibility default; every
	// dialect accepts it.
	FormatText Format = "text"
	// FormatBinary is the compact framed CBOR encoding. MUST NOT be used
	// for data from untrusted sources; both encoder and decoder warn on
	// every use.
	FormatBinary Format = "binary"
)

// ParseFormat maps a PROTOCOL config value onto a format tag.
func ParseFormat(s string) (Format, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "text", "json":
		return FormatText, nil
	case "binary", "cbor":
		return FormatBinary, nil
	default:
		return "", errs.New(errs.KindConfig, "codec.parse_format", "unknown protocol %q", s)
	}
}
