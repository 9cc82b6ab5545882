package engine

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"canrvc/pkg/models"
)

func newTestEngine(t *testing.T) *Engine {
	t.Helper()
	dir := t.TempDir()
	e, err := New(Config{ConfigDir: dir, CollectionInterval: 20 * time.Millisecond}, nil)
	require.NoError(t, err)
	return e
}

func TestEngineSafetySlideoutBlockedWhileMovingScenarioS2(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()

	e.Safety().ProcessEvent(models.EventParkingBrakeSet, models.SafetyEventData{})
	e.Safety().ProcessEvent(models.EventEngineStarted, models.SafetyEventData{})
	e.Safety().ProcessEvent(models.EventVehicleMoving, models.SafetyEventData{Speed: 5.0})

	allowed, reason := e.Safety().IsOperationSafe("slideout_extend", "main")
	assert.False(t, allowed)
	assert.Contains(t, reason, "moving")
	assert.Equal(t, models.StateDriving, e.Safety().CurrentState())

	frame := models.CANFrame{PGN: 0x1F001, SourceAddress: 0x42, Data: make([]byte, 8)}
	_ = e.RouteFrame(ctx, frame, "")
}

func TestEngineMetricsHandlerNotNil(t *testing.T) {
	e := newTestEngine(t)
	require.NotNil(t, e.MetricsHandler())
}

func TestEngineStartStopRespondsPromptly(t *testing.T) {
	e := newTestEngine(t)
	ctx, cancel := context.WithCancel(context.Background())
	e.Start(ctx)
	cancel()
	done := make(chan struct{})
	go func() {
		e.Stop()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(500 * time.Millisecond):
		t.Fatal("engine did not stop promptly")
	}
}

func TestEngineSnapshotReportsVehicleState(t *testing.T) {
	e := newTestEngine(t)
	e.Safety().ProcessEvent(models.EventParkingBrakeSet, models.SafetyEventData{})
	snap := e.Snapshot()
	assert.Equal(t, models.StateParkedSafe, snap.VehicleState)
}
