package codec

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"canrvc/pkg/models"
)

func TestGetBits(t *testing.T) {
	payload := []byte{0x00, 0x00, 0x01, 0x00, 0x00, 0x00, 0x00, 0x00}

	raw, derr := GetBits(payload, 16, 1)
	require.Nil(t, derr)
	assert.Equal(t, uint64(1), raw)

	raw, derr = GetBits(payload, 0, 16)
	require.Nil(t, derr)
	assert.Equal(t, uint64(0), raw)

	_, derr = GetBits(payload, 56, 16)
	require.NotNil(t, derr)
	assert.Equal(t, models.ErrKindDecodeRange, derr.Kind)
}

func TestGetBitsInvalidInputs(t *testing.T) {
	payload := []byte{0xFF}

	_, derr := GetBits(payload, -1, 4)
	require.NotNil(t, derr)

	_, derr = GetBits(payload, 0, 0)
	require.NotNil(t, derr)

	_, derr = GetBits(payload, 4, 8)
	require.NotNil(t, derr)
}

func TestDecodeSignalInteger(t *testing.T) {
	sig := models.Signal{Name: "count", StartBit: 0, Length: 8, Scale: 1, Offset: 0, Unit: ""}
	v, derr := DecodeSignal(sig, []byte{42})
	require.Nil(t, derr)
	assert.Equal(t, "42", v.Value)
	assert.Equal(t, uint64(42), v.RawValue)
}

func TestDecodeSignalScaled(t *testing.T) {
	sig := models.Signal{Name: "voltage", StartBit: 0, Length: 8, Scale: 0.05, Offset: 0, Unit: "V"}
	v, derr := DecodeSignal(sig, []byte{100})
	require.Nil(t, derr)
	assert.Equal(t, "5.00V", v.Value)
}

func TestDecodeSignalScientific(t *testing.T) {
	sig := models.Signal{Name: "tiny", StartBit: 0, Length: 8, Scale: 0.001, Offset: 0, Unit: ""}
	v, derr := DecodeSignal(sig, []byte{5})
	require.Nil(t, derr)
	assert.Equal(t, "5.00e-03", v.Value)
}

func TestDecodeSignalEnumKnown(t *testing.T) {
	sig := models.Signal{Name: "gear", StartBit: 0, Length: 4, Enum: map[string]string{"1": "park"}}
	v, derr := DecodeSignal(sig, []byte{0x01})
	require.Nil(t, derr)
	assert.Equal(t, "park", v.Value)
}

func TestDecodeSignalEnumUnknown(t *testing.T) {
	sig := models.Signal{Name: "gear", StartBit: 0, Length: 4, Enum: map[string]string{"1": "park"}}
	v, derr := DecodeSignal(sig, []byte{0x02})
	require.Nil(t, derr)
	assert.Equal(t, "UNKNOWN(2)", v.Value)
}

func TestDecodePayloadContinuesOnError(t *testing.T) {
	spec := models.DGNSpec{
		Signals: []models.Signal{
			{Name: "good", StartBit: 0, Length: 8},
			{Name: "bad", StartBit: 56, Length: 16},
		},
	}
	decoded, errs := DecodePayload(spec, []byte{1, 2, 3, 4, 5, 6, 7, 8})
	require.Len(t, errs, 1)
	_, isErr := decoded["bad"].(*models.DecodeError)
	assert.True(t, isErr)
	good, ok := decoded["good"].(*models.DecodedValue)
	require.True(t, ok)
	assert.Equal(t, "1", good.Value)
}

func TestDecodeStringPayload(t *testing.T) {
	assert.Equal(t, "Hello", DecodeStringPayload([]byte("Hello\x00\x00\xff")))
}

func TestDecodeProductID(t *testing.T) {
	data := make([]byte, 37)
	data[0], data[1] = 0x10, 0x00
	copy(data[2:], []byte("Model123"))
	copy(data[17:], []byte("SN0001"))
	copy(data[32:], []byte("U1"))
	p := DecodeProductID(data)
	assert.Equal(t, "16", p.MakeCode)
	assert.Equal(t, "Model123", p.Model)
	assert.Equal(t, "SN0001", p.Serial)
	assert.Equal(t, "U1", p.Unit)
}
