package router

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"canrvc/internal/bam"
	"canrvc/internal/config"
	"canrvc/pkg/models"
)

func newTestConfig(t *testing.T, specJSON string) *config.Service {
	t.Helper()
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "rvc.json"), []byte(specJSON), 0o644))
	svc, err := config.New(dir, 0, nil)
	require.NoError(t, err)
	return svc
}

type denyAllSecurity struct{}

func (denyAllSecurity) ValidateFrame(models.CANFrame) bool { return false }

func TestRouteFrameDroppedBySecurity(t *testing.T) {
	cfg := newTestConfig(t, `{"dgns": {}}`)
	r := New(bam.New(bam.Config{}, nil), cfg, denyAllSecurity{}, nil, nil)

	frame := models.CANFrame{PGN: 0x1F001, SourceAddress: 0x42, Data: make([]byte, 8)}
	msg := r.RouteFrame(frame)
	assert.Nil(t, msg)
}

func TestRouteFrameSingleFrameClassifiesRVC(t *testing.T) {
	cfg := newTestConfig(t, `{"dgns": {"1F001": {"dgn_hex": "1F001", "name": "Park Brake", "data_length": 8,
		"signals": [{"name": "park_brake_status", "start_bit": 0, "length": 8, "scale": 1, "offset": 0}]}}}`)
	r := New(bam.New(bam.Config{}, nil), cfg, nil, nil, nil)

	frame := models.CANFrame{PGN: 0x1F001, SourceAddress: 0x42, Data: []byte{1, 0, 0, 0, 0, 0, 0, 0}}
	msg := r.RouteFrame(frame)
	require.NotNil(t, msg)
	assert.Equal(t, "RVC", msg.Protocol)
	assert.Equal(t, uint32(0x1F001), msg.PGN)
}

func TestRouteFrameSingleFrameClassifiesJ1939(t *testing.T) {
	cfg := newTestConfig(t, `{"dgns": {}}`)
	r := New(bam.New(bam.Config{}, nil), cfg, nil, nil, nil)

	frame := models.CANFrame{PGN: 0xFE00, SourceAddress: 0x42, Data: make([]byte, 8)}
	msg := r.RouteFrame(frame)
	require.NotNil(t, msg)
	assert.Equal(t, "J1939", msg.Protocol)
}

func TestRouteFrameBAMDispatchAssemblesMultiFrameMessage(t *testing.T) {
	cfg := newTestConfig(t, `{"dgns": {"1FEF2": {"dgn_hex": "1FEF2", "name": "Speed", "data_length": 2,
		"signals": [{"name": "vehicle_speed", "start_bit": 0, "length": 16, "scale": 0.1, "offset": 0, "unit": "km/h"}]}}}`)
	r := New(bam.New(bam.Config{}, nil), cfg, nil, nil, nil)

	cm := []byte{0x20, 0x02, 0x00, 0x01, 0xFF, 0xF2, 0xEF, 0x01}
	msg := r.RouteFrame(models.CANFrame{PGN: 0xEC00, SourceAddress: 0x42, Data: cm})
	assert.Nil(t, msg)

	dt1 := []byte{0x01, 0x64, 0x00, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF}
	msg = r.RouteFrame(models.CANFrame{PGN: 0xEB00, SourceAddress: 0x42, Data: dt1})
	require.NotNil(t, msg)
	assert.Equal(t, "BAM", msg.Protocol)
	assert.Equal(t, uint32(0x1FEF2), msg.PGN)

	speed, ok := msg.Decoded["vehicle_speed"].(*models.DecodedValue)
	require.True(t, ok)
	assert.InDelta(t, 10.0, speed.Physical, 0.001)
}

func TestRouteFrameExtractsParkBrakeEvent(t *testing.T) {
	cfg := newTestConfig(t, `{"dgns": {"1F001": {"dgn_hex": "1F001", "name": "Park Brake", "data_length": 8,
		"signals": [{"name": "park_brake_status", "start_bit": 0, "length": 8, "scale": 1, "offset": 0}]}}}`)
	r := New(bam.New(bam.Config{}, nil), cfg, nil, nil, nil)

	set := r.RouteFrame(models.CANFrame{PGN: 0x1F001, SourceAddress: 0x42, Data: []byte{1, 0, 0, 0, 0, 0, 0, 0}})
	require.NotNil(t, set)
	assert.Contains(t, set.SafetyEvents, models.EventParkingBrakeSet)

	released := r.RouteFrame(models.CANFrame{PGN: 0x1F001, SourceAddress: 0x42, Data: []byte{0, 0, 0, 0, 0, 0, 0, 0}})
	require.NotNil(t, released)
	assert.Contains(t, released.SafetyEvents, models.EventParkingBrakeReleased)
}

func TestRouteFrameExtractsEngineRunningEvent(t *testing.T) {
	cfg := newTestConfig(t, `{"dgns": {"1F002": {"dgn_hex": "1F002", "name": "Engine", "data_length": 8,
		"signals": [{"name": "engine_running_status", "start_bit": 0, "length": 8, "scale": 1, "offset": 0}]}}}`)
	r := New(bam.New(bam.Config{}, nil), cfg, nil, nil, nil)

	started := r.RouteFrame(models.CANFrame{PGN: 0x1F002, SourceAddress: 0x42, Data: []byte{1, 0, 0, 0, 0, 0, 0, 0}})
	require.NotNil(t, started)
	assert.Contains(t, started.SafetyEvents, models.EventEngineStarted)

	stopped := r.RouteFrame(models.CANFrame{PGN: 0x1F002, SourceAddress: 0x42, Data: []byte{0, 0, 0, 0, 0, 0, 0, 0}})
	require.NotNil(t, stopped)
	assert.Contains(t, stopped.SafetyEvents, models.EventEngineStopped)
}

func TestRouteFrameExtractsSpeedEvent(t *testing.T) {
	cfg := newTestConfig(t, `{"dgns": {"1F003": {"dgn_hex": "1F003", "name": "Speed", "data_length": 8,
		"signals": [{"name": "vehicle_speed", "start_bit": 0, "length": 16, "scale": 0.1, "offset": 0, "unit": "km/h"}]}}}`)
	r := New(bam.New(bam.Config{}, nil), cfg, nil, nil, nil)

	moving := r.RouteFrame(models.CANFrame{PGN: 0x1F003, SourceAddress: 0x42, Data: []byte{100, 0, 0, 0, 0, 0, 0, 0}})
	require.NotNil(t, moving)
	assert.Contains(t, moving.SafetyEvents, models.EventVehicleMoving)

	stopped := r.RouteFrame(models.CANFrame{PGN: 0x1F003, SourceAddress: 0x42, Data: []byte{0, 0, 0, 0, 0, 0, 0, 0}})
	require.NotNil(t, stopped)
	assert.Contains(t, stopped.SafetyEvents, models.EventVehicleStopped)
}

func TestRouteFrameExtractsTransmissionGearEvent(t *testing.T) {
	cfg := newTestConfig(t, `{"dgns": {"1F004": {"dgn_hex": "1F004", "name": "Transmission", "data_length": 8,
		"signals": [{"name": "transmission_gear", "start_bit": 0, "length": 8, "scale": 1, "offset": 0,
		"enum": {"0": "park", "1": "drive"}}]}}}`)
	r := New(bam.New(bam.Config{}, nil), cfg, nil, nil, nil)

	parked := r.RouteFrame(models.CANFrame{PGN: 0x1F004, SourceAddress: 0x42, Data: []byte{0, 0, 0, 0, 0, 0, 0, 0}})
	require.NotNil(t, parked)
	assert.Contains(t, parked.SafetyEvents, models.EventTransmissionPark)

	driving := r.RouteFrame(models.CANFrame{PGN: 0x1F004, SourceAddress: 0x42, Data: []byte{1, 0, 0, 0, 0, 0, 0, 0}})
	require.NotNil(t, driving)
	assert.Contains(t, driving.SafetyEvents, models.EventTransmissionDrive)
}
