// Package migration implements the migration manager (C8): it routes
// frames through a legacy or V2 decoder according to the current
// migration phase, runs both in parallel during validation to compare
// parity, and gradually enrolls vehicles into V2 with rollback protection.
package migration

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"canrvc/pkg/models"
)

// Phase is the ordered migration phase.
type Phase int

const (
	PhaseDisabled Phase = iota
	PhaseValidation
	PhaseLimitedRollout
	PhaseProductionRollout
	PhaseComplete
)

func (p Phase) String() string {
	switch p {
	case PhaseDisabled:
		return "disabled"
	case PhaseValidation:
		return "validation"
	case PhaseLimitedRollout:
		return "limited_rollout"
	case PhaseProductionRollout:
		return "production_rollout"
	case PhaseComplete:
		return "complete"
	default:
		return "unknown"
	}
}

// ValidationResult classifies one parallel legacy/V2 comparison.
type ValidationResult string

const (
	ResultIdentical              ValidationResult = "IDENTICAL"
	ResultMinorDifference        ValidationResult = "MINOR_DIFFERENCE"
	ResultPerformanceImprovement ValidationResult = "PERFORMANCE_IMPROVEMENT"
	ResultSafetyDifference       ValidationResult = "SAFETY_DIFFERENCE"
	ResultError                  ValidationResult = "ERROR"
)

// Tunables from spec.md §4.8, §8.
const (
	MaxPerformanceDegradation    = 0.10
	MinSafetyMatchRate           = 0.99
	ConsecutiveFailuresThreshold = 5
	ErrorRateThreshold           = 0.05
	RollbackWindow               = 20
	MinValidationsForRollout     = 1000
	MinEnrolledForProduction     = 5
	MinEnrolledForComplete       = 50
	MinUptimeForComplete         = 168 * time.Hour
)

// MessageDecoder is the capability interface both the legacy and V2
// decoders satisfy; the migration manager depends on nothing else, so
// production wiring can substitute either implementation (spec.md §6.7,
// §9 "mock migration decoders are test scaffolding").
type MessageDecoder interface {
	ProcessMessage(ctx context.Context, frame models.CANFrame) (*models.ProcessedMessage, error)
}

// MigrationMetrics is one parallel-validation comparison record.
type MigrationMetrics struct {
	LegacyMS           float64
	V2MS               float64
	PerformanceDelta   float64
	LegacySafetyEvents []models.SafetyEvent
	V2SafetyEvents     []models.SafetyEvent
	SafetyEventsMatch  bool
	LegacyErrors       int
	V2Errors           int
	ValidationResult   ValidationResult
	Timestamp          time.Time
}

// VehicleEnrollment tracks one vehicle's migration progress.
type VehicleEnrollment struct {
	VehicleID         string
	EnrollmentPhase   Phase
	EnrollmentTime    time.Time
	ValidationResults []ValidationResult // ring, cap 100
	ErrorCount        int
	LastActivity      time.Time
}

const validationHistoryCap = 100

func (v *VehicleEnrollment) recordValidation(r ValidationResult) {
	v.ValidationResults = append(v.ValidationResults, r)
	if len(v.ValidationResults) > validationHistoryCap {
		v.ValidationResults = v.ValidationResults[len(v.ValidationResults)-validationHistoryCap:]
	}
}

// SafetyStateProvider reports the safety engine's current vehicle state,
// consulted by CanAdvanceToValidation.
type SafetyStateProvider interface {
	CurrentState() models.VehicleState
}

// Manager is the migration manager (C8).
type Manager struct {
	log *slog.Logger

	legacy MessageDecoder
	v2     MessageDecoder
	safety SafetyStateProvider

	mu                    sync.Mutex
	phase                 Phase
	enrollments           map[string]*VehicleEnrollment
	validationHistory     []MigrationMetrics // windowed to last 20/100 per spec.md §5
	rollbackEvents        int
	totalValidations      int
	successfulValidations int
	startedAt             time.Time

	autoAdvanceValidation bool
	autoAdvanceLimited    bool
	autoAdvanceProduction bool
	autoAdvanceComplete   bool
}

// New constructs a Manager starting in PhaseDisabled.
func New(legacy, v2 MessageDecoder, safety SafetyStateProvider, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		log:         logger.With("component", "migration"),
		legacy:      legacy,
		v2:          v2,
		safety:      safety,
		phase:       PhaseDisabled,
		enrollments: make(map[string]*VehicleEnrollment),
		startedAt:   time.Now(),
	}
}

// CurrentPhase returns the active migration phase.
func (m *Manager) CurrentPhase() Phase {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.phase
}

// SetPhase forces the migration phase (administrative override).
func (m *Manager) SetPhase(p Phase) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.phase = p
}

// ProcessMessage routes frame per §4.8's phase dispatch table.
func (m *Manager) ProcessMessage(ctx context.Context, frame models.CANFrame, vehicleID string) (*models.ProcessedMessage, error) {
	m.mu.Lock()
	phase := m.phase
	m.mu.Unlock()

	switch phase {
	case PhaseDisabled:
		return m.callDecoder(ctx, m.legacy, frame)
	case PhaseValidation:
		return m.runValidation(ctx, frame, vehicleID)
	case PhaseLimitedRollout, PhaseProductionRollout:
		return m.routeEnrolled(ctx, frame, vehicleID)
	case PhaseComplete:
		return m.callDecoder(ctx, m.v2, frame)
	default:
		return m.callDecoder(ctx, m.legacy, frame)
	}
}

// callDecoder never lets a decoder panic cross the boundary (spec.md §7).
func (m *Manager) callDecoder(ctx context.Context, dec MessageDecoder, frame models.CANFrame) (msg *models.ProcessedMessage, err error) {
	if dec == nil {
		return nil, fmt.Errorf("migration: decoder not configured")
	}
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("migration: decoder panicked: %v", r)
		}
	}()
	return dec.ProcessMessage(ctx, frame)
}

func (m *Manager) routeEnrolled(ctx context.Context, frame models.CANFrame, vehicleID string) (*models.ProcessedMessage, error) {
	if vehicleID == "" || !m.isEnrolled(vehicleID) {
		return m.callDecoder(ctx, m.legacy, frame)
	}
	msg, err := m.callDecoder(ctx, m.v2, frame)
	if err != nil {
		m.mu.Lock()
		enr := m.enrollments[vehicleID]
		if enr != nil {
			enr.ErrorCount++
			if enr.ErrorCount > ConsecutiveFailuresThreshold {
				delete(m.enrollments, vehicleID)
				m.log.Warn("unenrolled vehicle after repeated V2 failures", "vehicle_id", vehicleID)
			}
		}
		m.mu.Unlock()
		return m.callDecoder(ctx, m.legacy, frame)
	}
	return msg, nil
}

func (m *Manager) isEnrolled(vehicleID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.enrollments[vehicleID]
	return ok
}

type decoderOutcome struct {
	msg *models.ProcessedMessage
	ms  float64
	err error
}

// runValidation launches both decoders concurrently via errgroup, each
// call independently recover()-guarded so one decoder's failure never
// cancels the other, then builds and records a MigrationMetrics and
// returns the legacy result per spec.md §4.8.
func (m *Manager) runValidation(ctx context.Context, frame models.CANFrame, vehicleID string) (*models.ProcessedMessage, error) {
	var legacyOut, v2Out decoderOutcome

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		start := time.Now()
		msg, err := m.callDecoder(gctx, m.legacy, frame)
		legacyOut = decoderOutcome{msg: msg, ms: msToFloat(time.Since(start)), err: err}
		return nil
	})
	g.Go(func() error {
		start := time.Now()
		msg, err := m.callDecoder(gctx, m.v2, frame)
		v2Out = decoderOutcome{msg: msg, ms: msToFloat(time.Since(start)), err: err}
		return nil
	})
	_ = g.Wait()

	metrics := m.buildMetrics(legacyOut, v2Out)
	m.recordValidation(metrics, vehicleID)

	if legacyOut.err != nil {
		return nil, legacyOut.err
	}
	return legacyOut.msg, nil
}

func msToFloat(d time.Duration) float64 { return float64(d.Microseconds()) / 1000.0 }

func (m *Manager) buildMetrics(legacy, v2 decoderOutcome) MigrationMetrics {
	metrics := MigrationMetrics{
		LegacyMS:  legacy.ms,
		V2MS:      v2.ms,
		Timestamp: time.Now(),
	}
	if legacy.err != nil {
		metrics.LegacyErrors = 1
	} else if legacy.msg != nil {
		metrics.LegacySafetyEvents = legacy.msg.SafetyEvents
	}
	if v2.err != nil {
		metrics.V2Errors = 1
	} else if v2.msg != nil {
		metrics.V2SafetyEvents = v2.msg.SafetyEvents
	}

	if legacy.ms > 0 && v2.ms > 0 {
		metrics.PerformanceDelta = (v2.ms - legacy.ms) / legacy.ms
	}
	metrics.SafetyEventsMatch = sameEventSet(metrics.LegacySafetyEvents, metrics.V2SafetyEvents)
	metrics.ValidationResult = classifyResult(metrics)
	return metrics
}

func sameEventSet(a, b []models.SafetyEvent) bool {
	if len(a) != len(b) {
		return false
	}
	as := make([]string, len(a))
	bs := make([]string, len(b))
	for i, e := range a {
		as[i] = string(e)
	}
	for i, e := range b {
		bs[i] = string(e)
	}
	sort.Strings(as)
	sort.Strings(bs)
	for i := range as {
		if as[i] != bs[i] {
			return false
		}
	}
	return true
}

// classifyResult applies spec.md §4.8 step 4's first-match precedence.
func classifyResult(m MigrationMetrics) ValidationResult {
	switch {
	case !m.SafetyEventsMatch:
		return ResultSafetyDifference
	case m.V2Errors > m.LegacyErrors:
		return ResultError
	case m.PerformanceDelta < -0.05:
		return ResultPerformanceImprovement
	case m.PerformanceDelta > MaxPerformanceDegradation:
		return ResultMinorDifference
	default:
		return ResultIdentical
	}
}

func (m *Manager) recordValidation(metrics MigrationMetrics, vehicleID string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.validationHistory = append(m.validationHistory, metrics)
	if len(m.validationHistory) > validationHistoryCap {
		m.validationHistory = m.validationHistory[len(m.validationHistory)-validationHistoryCap:]
	}
	m.totalValidations++
	if metrics.ValidationResult == ResultIdentical || metrics.ValidationResult == ResultPerformanceImprovement {
		m.successfulValidations++
	}

	if vehicleID != "" {
		enr := m.enrollments[vehicleID]
		if enr == nil && m.phase == PhaseValidation {
			enr = &VehicleEnrollment{VehicleID: vehicleID, EnrollmentPhase: m.phase, EnrollmentTime: time.Now()}
			m.enrollments[vehicleID] = enr
		}
		if enr != nil {
			enr.recordValidation(metrics.ValidationResult)
			enr.LastActivity = time.Now()
		}
	}

	if metrics.ValidationResult == ResultSafetyDifference {
		m.rollbackLocked("safety divergence detected")
		return
	}
	if m.errorRateExceededLocked() {
		m.rollbackLocked("validation error rate exceeded threshold")
		return
	}
	if m.consecutiveFailuresExceededLocked() {
		m.rollbackLocked("consecutive validation failures exceeded threshold")
	}
}

func (m *Manager) errorRateExceededLocked() bool {
	n := len(m.validationHistory)
	if n == 0 {
		return false
	}
	window := m.validationHistory
	if n > RollbackWindow {
		window = window[n-RollbackWindow:]
	}
	errs := 0
	for _, v := range window {
		if v.ValidationResult == ResultError {
			errs++
		}
	}
	return float64(errs)/float64(len(window)) > ErrorRateThreshold
}

func (m *Manager) consecutiveFailuresExceededLocked() bool {
	n := len(m.validationHistory)
	if n < ConsecutiveFailuresThreshold {
		return false
	}
	tail := m.validationHistory[n-ConsecutiveFailuresThreshold:]
	for _, v := range tail {
		if v.ValidationResult != ResultError && v.ValidationResult != ResultSafetyDifference {
			return false
		}
	}
	return true
}

// rollbackLocked steps the phase back and clears all enrollments; caller
// must hold m.mu.
func (m *Manager) rollbackLocked(reason string) {
	switch m.phase {
	case PhaseValidation:
		m.phase = PhaseDisabled
	case PhaseLimitedRollout, PhaseProductionRollout:
		m.phase = PhaseValidation
	}
	m.enrollments = make(map[string]*VehicleEnrollment)
	m.rollbackEvents++
	m.log.Warn("migration rollback triggered", "reason", reason, "new_phase", m.phase)
}

// CanAdvanceToValidation reports whether DISABLED -> VALIDATION's
// predicate holds: the safety engine must not currently be UNSAFE.
func (m *Manager) CanAdvanceToValidation() bool {
	if m.safety == nil {
		return true
	}
	return m.safety.CurrentState() != models.StateUnsafe
}

// CanAdvanceToLimitedRollout reports whether VALIDATION -> LIMITED_ROLLOUT's
// predicate holds.
func (m *Manager) CanAdvanceToLimitedRollout() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.totalValidations < MinValidationsForRollout {
		return false
	}
	successRate := float64(m.successfulValidations) / float64(m.totalValidations)
	if successRate < MinSafetyMatchRate {
		return false
	}
	return m.recentAvgPerformanceDeltaLocked() <= MaxPerformanceDegradation
}

// recentAvgPerformanceDeltaLocked averages performance delta over the last
// 100 validations (the manager's validationHistory is itself capped at 100,
// matching spec.md §5's "windowed to last 20/100 for rollback and
// reporting" — the 100-window applies here, the 20-window to the rollback
// checks below).
func (m *Manager) recentAvgPerformanceDeltaLocked() float64 {
	n := len(m.validationHistory)
	if n == 0 {
		return 0
	}
	var sum float64
	for _, v := range m.validationHistory {
		sum += v.PerformanceDelta
	}
	return sum / float64(n)
}

// CanAdvanceToProductionRollout reports whether LIMITED_ROLLOUT ->
// PRODUCTION_ROLLOUT's predicate holds.
func (m *Manager) CanAdvanceToProductionRollout() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.enrollments) < MinEnrolledForProduction {
		return false
	}
	healthy := 0
	for _, enr := range m.enrollments {
		if enr.ErrorCount < ConsecutiveFailuresThreshold {
			healthy++
		}
	}
	return float64(healthy)/float64(len(m.enrollments)) >= 0.95
}

// CanAdvanceToComplete reports whether PRODUCTION_ROLLOUT -> COMPLETE's
// predicate holds.
func (m *Manager) CanAdvanceToComplete() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.enrollments) < MinEnrolledForComplete {
		return false
	}
	if time.Since(m.startedAt) < MinUptimeForComplete {
		return false
	}
	return m.rollbackEvents == 0
}

// SetAutoAdvance enables or disables automatic phase advancement for each
// transition; when disabled (the default) AdvanceMigrationPhase must be
// called explicitly by an administrator.
func (m *Manager) SetAutoAdvance(validation, limited, production, complete bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.autoAdvanceValidation = validation
	m.autoAdvanceLimited = limited
	m.autoAdvanceProduction = production
	m.autoAdvanceComplete = complete
}

// AdvanceMigrationPhase attempts to step to the next phase, returning
// whether the step happened.
func (m *Manager) AdvanceMigrationPhase() bool {
	m.mu.Lock()
	phase := m.phase
	m.mu.Unlock()

	var ok bool
	var next Phase
	switch phase {
	case PhaseDisabled:
		ok, next = m.CanAdvanceToValidation(), PhaseValidation
	case PhaseValidation:
		ok, next = m.CanAdvanceToLimitedRollout(), PhaseLimitedRollout
	case PhaseLimitedRollout:
		ok, next = m.CanAdvanceToProductionRollout(), PhaseProductionRollout
	case PhaseProductionRollout:
		ok, next = m.CanAdvanceToComplete(), PhaseComplete
	default:
		return false
	}
	if !ok {
		return false
	}
	m.mu.Lock()
	m.phase = next
	m.mu.Unlock()
	m.log.Info("migration phase advanced", "phase", next)
	return true
}

// EnrollVehicle enrolls a vehicle explicitly (used outside the
// auto-enroll-during-validation path, e.g. for LIMITED_ROLLOUT seeding).
func (m *Manager) EnrollVehicle(vehicleID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.enrollments[vehicleID]; exists {
		return
	}
	m.enrollments[vehicleID] = &VehicleEnrollment{
		VehicleID:       vehicleID,
		EnrollmentPhase: m.phase,
		EnrollmentTime:  time.Now(),
		LastActivity:    time.Now(),
	}
}

// Status is a read-only snapshot for administrative inspection.
type Status struct {
	Phase                 Phase
	TotalValidations      int
	SuccessfulValidations int
	RollbackEvents        int
	EnrolledVehicles      int
	Enrollments           map[string]VehicleEnrollment
}

// GetMigrationStatus returns the current migration status with counters
// and a per-vehicle summary.
func (m *Manager) GetMigrationStatus() Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	enrollments := make(map[string]VehicleEnrollment, len(m.enrollments))
	for id, enr := range m.enrollments {
		enrollments[id] = *enr
	}
	return Status{
		Phase:                 m.phase,
		TotalValidations:      m.totalValidations,
		SuccessfulValidations: m.successfulValidations,
		RollbackEvents:        m.rollbackEvents,
		EnrolledVehicles:      len(m.enrollments),
		Enrollments:           enrollments,
	}
}
