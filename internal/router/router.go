// Package router implements the protocol router (C6): the single entry
// point that takes a raw CAN frame through security validation, BAM
// reassembly or single-frame decoding, and safety-event extraction.
package router

import (
	"log/slog"
	"strings"
	"sync"
	"time"

	"canrvc/internal/bam"
	"canrvc/internal/codec"
	"canrvc/internal/config"
	"canrvc/internal/safety"
	"canrvc/pkg/models"
)

// MovingSpeedThreshold mirrors the safety engine's constant; duplicated here
// because the router itself must decide MOVING vs STOPPED before the event
// ever reaches the safety engine.
const MovingSpeedThreshold = 0.5

// SecurityValidator gates frames before they are routed; satisfied by
// *security.Manager.
type SecurityValidator interface {
	ValidateFrame(frame models.CANFrame) bool
}

// Router wires the BAM reassembler, configuration service, security
// validator, and safety engine into the single-frame/multi-frame decode
// pipeline.
type Router struct {
	log      *slog.Logger
	bam      *bam.Reassembler
	cfg      *config.Service
	security SecurityValidator
	safety   *safety.Engine

	mu             sync.Mutex
	processedCount int
	errorCount     int
	lastReset      time.Time
}

// New constructs a Router.
func New(bamReassembler *bam.Reassembler, cfgSvc *config.Service, sec SecurityValidator, safetyEngine *safety.Engine, logger *slog.Logger) *Router {
	if logger == nil {
		logger = slog.Default()
	}
	return &Router{
		log:      logger.With("component", "router"),
		bam:      bamReassembler,
		cfg:      cfgSvc,
		security: sec,
		safety:   safetyEngine,

		lastReset: time.Now(),
	}
}

// RouteFrame processes one frame end to end, returning nil if the frame was
// filtered by security or did not complete a multi-packet transfer.
func (r *Router) RouteFrame(frame models.CANFrame) *models.ProcessedMessage {
	start := time.Now()

	r.mu.Lock()
	r.processedCount++
	r.mu.Unlock()

	defer func() {
		if rec := recover(); rec != nil {
			r.mu.Lock()
			r.errorCount++
			r.mu.Unlock()
			r.log.Error("panic routing frame", "pgn", frame.PGN, "panic", rec)
		}
	}()

	if r.security != nil && !r.security.ValidateFrame(frame) {
		r.log.Warn("security validation failed for frame", "pgn", frame.PGN)
		return nil
	}

	if models.IsTransportPGN(frame.PGN) {
		targetPGN, payload, ok := r.bam.ProcessFrame(frame.PGN, frame.Data, frame.SourceAddress)
		if !ok {
			return nil
		}
		return r.decodeCompletedMessage(targetPGN, payload, frame.SourceAddress, start)
	}

	return r.decodeSingleFrame(frame, start)
}

func (r *Router) decodeSingleFrame(frame models.CANFrame, start time.Time) *models.ProcessedMessage {
	protocol := "J1939"
	if models.IsRVC(frame.PGN) {
		protocol = "RVC"
	}

	decoded, errs := r.decodePGN(frame.PGN, frame.Data)
	return r.finishMessage(frame.PGN, frame.SourceAddress, decoded, errs, protocol, start)
}

func (r *Router) decodeCompletedMessage(pgn uint32, data []byte, source uint8, start time.Time) *models.ProcessedMessage {
	decoded, errs := r.decodePGN(pgn, data)
	return r.finishMessage(pgn, source, decoded, errs, "BAM", start)
}

func (r *Router) decodePGN(pgn uint32, payload []byte) (map[string]any, []*models.DecodeError) {
	if r.cfg == nil {
		return map[string]any{}, nil
	}
	spec, ok := r.cfg.GetDGNSpec(pgn)
	if !ok {
		return map[string]any{}, nil
	}
	return codec.DecodePayload(*spec, payload)
}

func (r *Router) finishMessage(pgn uint32, source uint8, decoded map[string]any, errs []*models.DecodeError, protocol string, start time.Time) *models.ProcessedMessage {
	events := r.extractSafetyEvents(decoded)
	for _, event := range events {
		r.processSafetyEvent(event, decoded)
	}

	if len(errs) > 0 {
		r.mu.Lock()
		r.errorCount++
		r.mu.Unlock()
	}

	return &models.ProcessedMessage{
		PGN:              pgn,
		SourceAddress:    source,
		Decoded:          decoded,
		Errors:           errs,
		ProcessingTimeMS: float64(time.Since(start).Microseconds()) / 1000.0,
		Protocol:         protocol,
		SafetyEvents:     events,
	}
}

func (r *Router) extractSafetyEvents(decoded map[string]any) []models.SafetyEvent {
	var events []models.SafetyEvent
	for name, result := range decoded {
		value, ok := result.(*models.DecodedValue)
		if !ok {
			continue
		}
		lower := strings.ToLower(name)

		switch {
		case strings.Contains(lower, "park_brake"):
			if value.RawValue != 0 {
				events = append(events, models.EventParkingBrakeSet)
			} else {
				events = append(events, models.EventParkingBrakeReleased)
			}
		case strings.Contains(lower, "engine") && strings.Contains(lower, "running"):
			if value.RawValue != 0 {
				events = append(events, models.EventEngineStarted)
			} else {
				events = append(events, models.EventEngineStopped)
			}
		case strings.Contains(lower, "speed"):
			if value.Physical > MovingSpeedThreshold {
				events = append(events, models.EventVehicleMoving)
			} else {
				events = append(events, models.EventVehicleStopped)
			}
		case strings.Contains(lower, "transmission") || strings.Contains(lower, "gear"):
			if s, isStr := value.Value.(string); isStr {
				switch strings.ToLower(s) {
				case "park", "p":
					events = append(events, models.EventTransmissionPark)
				case "drive", "d", "reverse", "r":
					events = append(events, models.EventTransmissionDrive)
				}
			}
		}
	}
	return events
}

func (r *Router) processSafetyEvent(event models.SafetyEvent, decoded map[string]any) {
	if r.safety == nil {
		return
	}
	var data models.SafetyEventData
	for name, result := range decoded {
		value, ok := result.(*models.DecodedValue)
		if !ok {
			continue
		}
		lower := strings.ToLower(name)
		if strings.Contains(lower, "speed") {
			data.Speed = value.Physical
		}
		if strings.Contains(lower, "gear") || strings.Contains(lower, "transmission") {
			if s, isStr := value.Value.(string); isStr {
				data.Gear = s
			}
		}
	}

	cmd := r.safety.ProcessEvent(event, data)
	if cmd == nil {
		return
	}
	r.log.Info("executing safety command", "command_type", cmd.CommandType, "target", cmd.TargetEntity, "reason", cmd.Reason)
	if !cmd.Allowed {
		r.log.Warn("safety system blocked operation", "reason", cmd.Reason)
	}
}

// PerformanceStats reports router throughput for monitoring.
type PerformanceStats struct {
	ProcessedCount int
	ErrorCount     int
	ErrorRate      float64
	ProcessingRate float64
	UptimeSeconds  float64
}

// GetPerformanceStats returns current router throughput metrics.
func (r *Router) GetPerformanceStats() PerformanceStats {
	r.mu.Lock()
	defer r.mu.Unlock()
	uptime := time.Since(r.lastReset).Seconds()
	safeUptime := uptime
	if safeUptime < 1 {
		safeUptime = 1
	}
	processed := r.processedCount
	denom := processed
	if denom == 0 {
		denom = 1
	}
	return PerformanceStats{
		ProcessedCount: r.processedCount,
		ErrorCount:     r.errorCount,
		ErrorRate:      float64(r.errorCount) / float64(denom),
		ProcessingRate: float64(r.processedCount) / safeUptime,
		UptimeSeconds:  uptime,
	}
}

// ResetStats zeroes the router's performance counters.
func (r *Router) ResetStats() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.processedCount = 0
	r.errorCount = 0
	r.lastReset = time.Now()
}
