// Package protocol encodes actuation commands for the sorting controller and
// decodes its replies. Two protocol generations of the same device are
// supported; the variant is chosen by configuration and this package is the
// only place that knows either wire format.
package protocol

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/banshee-data/sortbridge/internal/sorting"
)

// Variant selects the wire format.
type Variant int

const (
	// VariantStructured sends the command code and expects a JSON record
	// carrying the bin the controller routed the item to, e.g. {"bin_id":102}.
	VariantStructured Variant = iota
	// VariantAck sends the bin identifier itself and expects the literal OK.
	VariantAck
)

// AckToken is the reply a VariantAck controller sends after actuating.
const AckToken = "OK"

func (v Variant) String() string {
	switch v {
	case VariantStructured:
		return "structured"
	case VariantAck:
		return "ack"
	default:
		return fmt.Sprintf("variant(%d)", int(v))
	}
}

// ParseVariant accepts the configuration spellings of a variant.
func ParseVariant(s string) (Variant, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "structured", "json", "b":
		return VariantStructured, nil
	case "ack", "a":
		return VariantAck, nil
	default:
		return 0, fmt.Errorf("unsupported protocol variant %q: expected structured or ack", s)
	}
}

// MarshalText implements encoding.TextMarshaler.
func (v Variant) MarshalText() ([]byte, error) {
	return []byte(v.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (v *Variant) UnmarshalText(b []byte) error {
	parsed, err := ParseVariant(string(b))
	if err != nil {
		return err
	}
	*v = parsed
	return nil
}

// Codec is stateless and safe for concurrent use.
type Codec struct {
	Variant Variant
}

// NewCodec returns a codec for the given variant.
func NewCodec(v Variant) Codec {
	return Codec{Variant: v}
}

// Encode renders cmd as a single newline-terminated line. Both variants
// send a decimal integer; they differ in what the integer means.
func (c Codec) Encode(cmd sorting.ActuationCommand) string {
	return strconv.Itoa(cmd.Code) + "\n"
}

type structuredReply struct {
	BinID *int `json:"bin_id"`
}

// Decode interprets a reply line for the command that was sent. Malformed
// input is an expected outcome and yields a failure, never an error.
func (c Codec) Decode(raw string, sent sorting.ActuationCommand) sorting.ActuationOutcome {
	line := strings.TrimSpace(raw)
	if line == "" {
		return sorting.Failure(sent.TypeID, sorting.ReasonTimeout)
	}

	var out sorting.ActuationOutcome
	switch c.Variant {
	case VariantAck:
		if line != AckToken {
			out = sorting.Failure(sent.TypeID, sorting.ReasonNotAcknowledged)
			break
		}
		// the controller does not echo the bin back; the command was the bin
		out = sorting.Success(sent.TypeID, sent.Code)

	case VariantStructured:
		var reply structuredReply
		if err := json.Unmarshal([]byte(line), &reply); err != nil {
			out = sorting.Failure(sent.TypeID, sorting.ReasonMalformed)
			break
		}
		if reply.BinID == nil {
			out = sorting.Failure(sent.TypeID, sorting.ReasonMissingBinID)
			break
		}
		if *reply.BinID < 0 {
			// no bin has a negative id; the sort log would refuse it
			out = sorting.Failure(sent.TypeID, sorting.ReasonMalformed)
			break
		}
		out = sorting.Success(sent.TypeID, *reply.BinID)

	default:
		out = sorting.Failure(sent.TypeID, sorting.ReasonMalformed)
	}

	out.Reply = line
	return out
}
