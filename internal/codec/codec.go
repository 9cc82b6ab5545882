// Package codec implements the pure, stateless signal decoding logic (C1):
// little-endian bitfield extraction, scale/offset/enum application, and the
// value-formatting rules used by the protocol router.
package codec

import (
	"fmt"
	"math"
	"strconv"
	"strings"
	"unicode"

	"canrvc/pkg/models"
)

// GetBits extracts a little-endian bitfield from payload, starting at
// startBit and spanning length bits. Fields wider than 64 bits are clipped
// to their low 64 bits.
func GetBits(payload []byte, startBit, length int) (uint64, *models.DecodeError) {
	totalBits := len(payload) * 8

	if startBit < 0 {
		return 0, &models.DecodeError{Kind: models.ErrKindDecodeRange, Message: fmt.Sprintf("invalid start_bit: %d (must be >= 0)", startBit)}
	}
	if length <= 0 {
		return 0, &models.DecodeError{Kind: models.ErrKindDecodeRange, Message: fmt.Sprintf("invalid length: %d (must be > 0)", length)}
	}
	if startBit+length > totalBits {
		return 0, &models.DecodeError{Kind: models.ErrKindDecodeRange, Message: fmt.Sprintf("bit range %d:%d exceeds data size (%d bits available)", startBit, startBit+length, totalBits)}
	}

	extractLen := length
	if extractLen > 64 {
		// Clip to the low 64 bits; no warning is logged.
		extractLen = 64
	}

	// Read bit by bit so fields anywhere in a reassembled (longer than
	// 8-byte) payload are extracted, not only those in the first 8 bytes.
	var raw uint64
	for i := 0; i < extractLen; i++ {
		bit := startBit + i
		if payload[bit/8]&(1<<uint(bit%8)) != 0 {
			raw |= uint64(1) << uint(i)
		}
	}
	return raw, nil
}

// DecodeSignal decodes one signal out of payload, returning the formatted
// value and the raw bitfield value.
func DecodeSignal(signal models.Signal, payload []byte) (models.DecodedValue, *models.DecodeError) {
	raw, derr := GetBits(payload, signal.StartBit, signal.Length)
	if derr != nil {
		derr.Signal = signal.Name
		return models.DecodedValue{}, derr
	}

	scale := signal.Scale
	if scale == 0 {
		scale = 1
	}
	physical := float64(raw)*scale + signal.Offset

	if signal.Enum != nil {
		if label, ok := signal.Enum[strconv.FormatUint(raw, 10)]; ok {
			return models.DecodedValue{Value: label, Unit: signal.Unit, RawValue: raw, Physical: physical}, nil
		}
		return models.DecodedValue{Value: fmt.Sprintf("UNKNOWN(%d)", raw), Unit: signal.Unit, RawValue: raw, Physical: physical}, nil
	}

	formatted := formatPhysicalValue(physical, scale, signal.Offset, signal.Unit)
	return models.DecodedValue{Value: formatted, Unit: signal.Unit, RawValue: raw, Physical: physical}, nil
}

// formatPhysicalValue applies the formatting rules: integer when the
// signal has no scale/offset and the value is integral, fixed two-decimal
// otherwise, switching to scientific notation for small non-zero magnitudes.
func formatPhysicalValue(value, scale, offset float64, unit string) string {
	isIntegral := value == math.Trunc(value)
	if scale == 1 && offset == 0 && isIntegral {
		return fmt.Sprintf("%d%s", int64(value), unit)
	}
	if math.Abs(value) < 0.01 && value != 0 {
		return fmt.Sprintf("%.2e%s", value, unit)
	}
	return fmt.Sprintf("%.2f%s", value, unit)
}

// DecodePayload decodes every signal in spec against payload. A failure on
// one signal stores its *models.DecodeError as that signal's entry (and in
// errs) and decoding continues for the rest — one bad signal must not abort
// the message.
func DecodePayload(spec models.DGNSpec, payload []byte) (decoded map[string]any, errs []*models.DecodeError) {
	decoded = make(map[string]any, len(spec.Signals))
	for _, sig := range spec.Signals {
		value, derr := DecodeSignal(sig, payload)
		if derr != nil {
			derr.Signal = sig.Name
			decoded[sig.Name] = derr
			errs = append(errs, derr)
			continue
		}
		v := value
		decoded[sig.Name] = &v
	}
	return decoded, errs
}

// DecodeStringPayload strips trailing 0x00/0xFF padding, decodes as UTF-8
// (replacing invalid sequences), keeps printable/whitespace runes, and
// trims the result.
func DecodeStringPayload(data []byte) string {
	trimmed := strings.TrimRight(string(data), "\x00\xff")
	var b strings.Builder
	for _, r := range trimmed {
		if unicode.IsPrint(r) || unicode.IsSpace(r) {
			b.WriteRune(r)
		}
	}
	return strings.TrimSpace(b.String())
}

// ProductID is the decoded layout of a Product Identification message:
// make code, model, serial, and unit number strings.
type ProductID struct {
	MakeCode string
	Model    string
	Serial   string
	Unit     string
}

// DecodeProductID decodes a reassembled Product Identification payload:
// make_code u16 LE [0:2], model cstring [2:17], serial cstring [17:32],
// unit cstring [32:37].
func DecodeProductID(data []byte) ProductID {
	var p ProductID
	if len(data) >= 2 {
		p.MakeCode = strconv.FormatUint(uint64(data[0])|uint64(data[1])<<8, 10)
	}
	if len(data) >= 17 {
		p.Model = DecodeStringPayload(data[2:17])
	}
	if len(data) >= 32 {
		p.Serial = DecodeStringPayload(data[17:32])
	}
	if len(data) >= 37 {
		p.Unit = DecodeStringPayload(data[32:37])
	}
	return p
}
