// Package safety implements the vehicle safety state engine (C4): it
// consumes safety-relevant events, maintains vehicle state, and evaluates
// per-operation interlocks that gate actuator commands.
package safety

import (
	"log/slog"
	"sync"
	"time"

	"canrvc/pkg/models"
)

const (
	// MovingSpeedThreshold is the speed (engineering units) above which the
	// vehicle is considered to be driving.
	MovingSpeedThreshold = 0.5
	// StateDataTimeout bounds how long state data is trusted before the
	// engine falls back to StateUnknown.
	StateDataTimeout = 30 * time.Second
)

// triState is an optional bool distinguishing "never set" from false,
// mirroring the original's Optional[bool] state-data fields.
type triState struct {
	set   bool
	value bool
}

func (t triState) isFalse() bool { return t.set && !t.value }
func (t triState) isTrue() bool  { return t.set && t.value }

type stateData struct {
	parkingBrakeSet  triState
	engineRunning    triState
	hasSpeed         bool
	vehicleSpeed     float64
	transmissionGear string
	lastUpdated      time.Time
}

// Observer receives safety commands synchronously as they are emitted.
type Observer func(models.SafetyCommand)

// TransitionObserver is notified on every state change (not only the ones
// that emit a SafetyCommand), with d the time ProcessEvent spent evaluating
// the transition.
type TransitionObserver func(from, to models.VehicleState, d time.Duration)

// Engine is the centralized safety state machine. All exported methods are
// safe for concurrent use; a single lock guards state data, current state,
// and observer dispatch together so no caller ever observes a
// partially-applied event.
type Engine struct {
	log *slog.Logger

	mu                  sync.Mutex
	currentState        models.VehicleState
	data                stateData
	observers           []Observer
	transitionObservers []TransitionObserver
}

// New constructs a safety engine starting in StateUnknown.
func New(logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		log:          logger.With("component", "safety"),
		currentState: models.StateUnknown,
	}
}

// AddObserver registers an observer; delivery order is insertion order.
func (e *Engine) AddObserver(obs Observer) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.observers = append(e.observers, obs)
}

// AddTransitionObserver registers a hook fired on every state change,
// independent of the emergency-stop Observer above.
func (e *Engine) AddTransitionObserver(obs TransitionObserver) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.transitionObservers = append(e.transitionObservers, obs)
}

// ProcessEvent updates state data from event, re-evaluates vehicle state,
// and returns a SafetyCommand if the transition requires one (currently:
// an emergency stop on transition into StateUnsafe).
func (e *Engine) ProcessEvent(event models.SafetyEvent, data models.SafetyEventData) *models.SafetyCommand {
	start := time.Now()
	e.mu.Lock()
	defer e.mu.Unlock()

	oldState := e.currentState
	e.updateStateDataLocked(event, data)

	newState := e.evaluateStateLocked()
	var cmd *models.SafetyCommand
	if newState != oldState {
		cmd = e.transitionToLocked(newState)
		e.notifyTransitionObserversLocked(oldState, newState, time.Since(start))
	}
	e.evaluateSafetyRulesLocked(event)
	return cmd
}

func (e *Engine) updateStateDataLocked(event models.SafetyEvent, data models.SafetyEventData) {
	switch event {
	case models.EventParkingBrakeSet:
		e.data.parkingBrakeSet = triState{set: true, value: true}
	case models.EventParkingBrakeReleased:
		e.data.parkingBrakeSet = triState{set: true, value: false}
	case models.EventEngineStarted:
		e.data.engineRunning = triState{set: true, value: true}
	case models.EventEngineStopped:
		e.data.engineRunning = triState{set: true, value: false}
	case models.EventVehicleMoving, models.EventVehicleStopped:
		e.data.hasSpeed = true
		e.data.vehicleSpeed = data.Speed
	case models.EventTransmissionPark, models.EventTransmissionDrive:
		gear := data.Gear
		if gear == "" {
			gear = "unknown"
		}
		e.data.transmissionGear = gear
	}
	e.data.lastUpdated = time.Now()
}

func (e *Engine) evaluateStateLocked() models.VehicleState {
	if e.data.lastUpdated.IsZero() || time.Since(e.data.lastUpdated) > StateDataTimeout {
		return models.StateUnknown
	}

	if e.data.hasSpeed && e.data.vehicleSpeed > MovingSpeedThreshold {
		return models.StateDriving
	}

	if e.data.parkingBrakeSet.isTrue() {
		if e.data.engineRunning.isTrue() {
			return models.StateParkedRunning
		}
		return models.StateParkedSafe
	}

	return models.StateUnknown
}

func (e *Engine) transitionToLocked(newState models.VehicleState) *models.SafetyCommand {
	oldState := e.currentState
	e.currentState = newState
	e.log.Info("vehicle state transition", "from", oldState, "to", newState)

	if newState != models.StateUnsafe {
		return nil
	}
	cmd := models.SafetyCommand{
		CommandType:  "emergency_stop",
		TargetEntity: "all",
		Allowed:      false,
		Reason:       "vehicle transitioned to unsafe state from " + string(oldState),
		Timestamp:    time.Now(),
	}
	e.notifyObserversLocked(cmd)
	return &cmd
}

func (e *Engine) evaluateSafetyRulesLocked(event models.SafetyEvent) {
	if event == models.EventParkingBrakeReleased {
		e.log.Warn("parking brake released - ensure all slideouts are retracted")
	}
}

func (e *Engine) notifyObserversLocked(cmd models.SafetyCommand) {
	for _, obs := range e.observers {
		func() {
			defer func() {
				if r := recover(); r != nil {
					e.log.Error("safety observer panicked", "panic", r)
				}
			}()
			obs(cmd)
		}()
	}
}

func (e *Engine) notifyTransitionObserversLocked(from, to models.VehicleState, d time.Duration) {
	for _, obs := range e.transitionObservers {
		func() {
			defer func() {
				if r := recover(); r != nil {
					e.log.Error("transition observer panicked", "panic", r)
				}
			}()
			obs(from, to, d)
		}()
	}
}

// IsOperationSafe enforces the per-operation interlocks and returns
// (allowed, reason).
func (e *Engine) IsOperationSafe(operation, entity string) (bool, string) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.data.lastUpdated.IsZero() || time.Since(e.data.lastUpdated) > StateDataTimeout {
		return false, "state data too old - cannot ensure safety"
	}

	if e.currentState == models.StateDriving && isSlideoutOrLevelingOp(operation) {
		return false, "operation '" + operation + "' not allowed while vehicle is moving"
	}

	if e.currentState == models.StateUnsafe {
		return false, "vehicle in unsafe state - no operations allowed"
	}

	switch operation {
	case "slideout_extend":
		if e.currentState != models.StateParkedSafe && e.currentState != models.StateParkedRunning {
			return false, "slideout extension not allowed in state " + string(e.currentState)
		}
		if e.data.parkingBrakeSet.isFalse() {
			return false, "slideout extension requires parking brake to be set"
		}
	case "engine_start":
		gear := e.data.transmissionGear
		if gear != "" && gear != "park" && gear != "P" {
			return false, "engine start not allowed when transmission not in park"
		}
	case "leveling_extend", "leveling_retract":
		if e.data.parkingBrakeSet.isFalse() {
			return false, "leveling operations require parking brake to be set"
		}
	}

	return true, "operation allowed"
}

func isSlideoutOrLevelingOp(op string) bool {
	switch op {
	case "slideout_extend", "slideout_retract", "leveling_extend", "leveling_retract":
		return true
	}
	return false
}

// CurrentState returns the current vehicle safety state.
func (e *Engine) CurrentState() models.VehicleState {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.currentState
}
