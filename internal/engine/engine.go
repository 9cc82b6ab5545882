// Package engine is the composition root: it constructs every component
// (C1-C8) exactly once, wires them in dependency order, and exposes the
// single ingress entry point plus lifecycle management for the background
// loops. No component here is a package-level singleton; everything is
// constructed in New and threaded downward, per spec.md §9's "replace
// singletons with an explicit composition root".
package engine

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"canrvc/internal/bam"
	"canrvc/internal/config"
	"canrvc/internal/migration"
	"canrvc/internal/monitoring"
	"canrvc/internal/router"
	"canrvc/internal/safety"
	"canrvc/internal/security"
	"canrvc/pkg/models"
)

// Config bundles the tunables needed to construct every subcomponent.
type Config struct {
	ConfigDir          string
	ConfigCacheTTL     time.Duration
	BAM                bam.Config
	Security           security.Config
	CollectionInterval time.Duration
	RetentionHours     float64
}

// Engine composes the frame-ingress pipeline (security gate -> BAM
// reassembly -> decode -> safety) behind one RouteFrame entry point, plus
// the performance monitor and migration manager observing/wrapping it.
type Engine struct {
	log *slog.Logger

	cfg     *config.Service
	watcher *config.Watcher
	bamR    *bam.Reassembler
	sec     *security.Manager
	safetyE *safety.Engine
	rt      *router.Router
	mon     *monitoring.Monitor
	migr    *migration.Manager
	tracer  *monitoring.Tracer

	collectionInterval time.Duration
	startedAt          time.Time
}

// New constructs every component in dependency order (leaves first) and
// wires them together. It fails if the configuration directory is
// unreadable (spec.md §7 CONFIG_MISSING_DIR is fatal).
func New(cfg Config, logger *slog.Logger) (*Engine, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.CollectionInterval <= 0 {
		cfg.CollectionInterval = 10 * time.Second
	}
	if cfg.RetentionHours <= 0 {
		cfg.RetentionHours = 24
	}

	cfgSvc, err := config.New(cfg.ConfigDir, cfg.ConfigCacheTTL, logger)
	if err != nil {
		return nil, err
	}

	watcher, err := config.NewWatcher(cfgSvc)
	if err != nil {
		logger.Warn("fsnotify watcher unavailable; falling back to poll-only config reload", "error", err)
		watcher = nil
	}

	mon := monitoring.New(logger,
		monitoring.WithCollectionInterval(cfg.CollectionInterval),
		monitoring.WithRetentionHours(cfg.RetentionHours))

	tracer, err := monitoring.NewTracer("canrvc")
	if err != nil {
		return nil, fmt.Errorf("create tracer: %w", err)
	}

	bamR := bam.New(cfg.BAM, logger)
	bamR.AddObserver(func(ev bam.SessionEvent, d time.Duration) {
		switch ev {
		case bam.SessionStarted:
			mon.RecordBAMSessionStarted()
		case bam.SessionCompleted:
			mon.RecordBAMSessionCompleted(d)
		case bam.SessionTimeout:
			mon.RecordBAMSessionTimeout()
		case bam.SessionFailed:
			mon.RecordBAMSessionFailed()
		}
	})

	secM := security.New(cfg.Security, logger)
	secM.AddObserver(func(ev security.SecurityEvent) {
		mon.RecordSecurityAnomaly()
		if ev.ThreatLevel == security.ThreatHigh || ev.ThreatLevel == security.ThreatCritical {
			mon.RecordSecurityThreatBlocked()
		}
	})
	secM.AddFrameValidatedObserver(func(models.CANFrame) {
		mon.RecordSecurityFrameValidated()
	})

	safetyE := safety.New(logger)
	safetyE.AddObserver(func(cmd models.SafetyCommand) {
		mon.RecordSafetyCommand()
		if cmd.CommandType == "emergency_stop" {
			mon.RecordEmergencyStop()
		}
		if !cmd.Allowed {
			mon.RecordOperationBlocked()
		}
	})
	safetyE.AddTransitionObserver(func(from, to models.VehicleState, d time.Duration) {
		mon.RecordSafetyTransition(d)
	})

	rt := router.New(bamR, cfgSvc, secM, safetyE, logger)

	legacy := routerDecoder{rt}
	v2 := routerDecoder{rt}
	migr := migration.New(legacy, v2, safetyE, logger)

	e := &Engine{
		log:                logger.With("component", "engine"),
		cfg:                cfgSvc,
		watcher:            watcher,
		bamR:               bamR,
		sec:                secM,
		safetyE:            safetyE,
		rt:                 rt,
		mon:                mon,
		migr:               migr,
		tracer:             tracer,
		collectionInterval: cfg.CollectionInterval,
		startedAt:          time.Now(),
	}
	return e, nil
}

// routerDecoder adapts *router.Router to migration.MessageDecoder.
type routerDecoder struct{ r *router.Router }

func (d routerDecoder) ProcessMessage(ctx context.Context, frame models.CANFrame) (*models.ProcessedMessage, error) {
	return d.r.RouteFrame(frame), nil
}

// Start launches the background loops: C7's collection ticker, C3's
// rate-limited mtime poll, and (when available) C3's fsnotify-driven push
// watch layered on top of the poll.
func (e *Engine) Start(ctx context.Context) {
	e.mon.Start()
	go e.configWatchLoop(ctx)
	go e.securityGaugeLoop(ctx)
	if e.watcher != nil {
		e.startFSWatch(ctx)
	}
}

// securityGaugeLoop keeps the monitor's learning-device/active-profile
// gauges current; security.Manager has no notion of the monitor, so the
// composition root bridges the two on the same cadence as C7's collector.
func (e *Engine) securityGaugeLoop(ctx context.Context) {
	ticker := time.NewTicker(e.collectionInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			stats := e.sec.GetDeviceStatistics()
			e.mon.SetLearningDevices(stats.LearningDevices)
			e.mon.SetActiveProfiles(stats.TotalDevices)
		}
	}
}

func (e *Engine) configWatchLoop(ctx context.Context) {
	ticker := time.NewTicker(10 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if e.cfg.CheckForUpdates() {
				e.log.Info("configuration hot-reloaded")
			}
		}
	}
}

func (e *Engine) startFSWatch(ctx context.Context) {
	changes, errs, err := e.watcher.Start()
	if err != nil {
		e.log.Warn("fsnotify watch failed to start; continuing poll-only", "error", err)
		return
	}
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case change, ok := <-changes:
				if !ok {
					return
				}
				e.log.Info("configuration pushed reload", "files", change.Files, "at", change.ChangedAt)
			case werr, ok := <-errs:
				if !ok {
					return
				}
				e.log.Warn("fsnotify watch error", "error", werr)
			}
		}
	}()
}

// Stop halts C7's collector and closes the fsnotify watcher. The config
// poll and security gauge loops are not stopped here; they exit when the
// context passed to Start is cancelled.
func (e *Engine) Stop() {
	e.mon.Stop()
	if e.watcher != nil {
		_ = e.watcher.Close()
	}
}

// RouteFrame is the single exposed ingress entry point (spec.md §6.3): it
// routes frame through the migration manager (which dispatches to the
// active decoder per phase), recording processing time and errors on the
// performance monitor.
func (e *Engine) RouteFrame(ctx context.Context, frame models.CANFrame, vehicleID string) *models.ProcessedMessage {
	ctx, span := e.tracer.StartFrameSpan(ctx, frame.PGN, frame.SourceAddress)

	start := time.Now()
	msg, err := e.migr.ProcessMessage(ctx, frame, vehicleID)
	e.tracer.FinishFrameSpan(span, err)
	if err != nil {
		e.mon.RecordError(monitoring.ComponentProtocolRouter)
		e.log.Error("frame routing failed", "error", err)
		return nil
	}
	if msg != nil {
		e.mon.RecordMessage(monitoring.ComponentProtocolRouter, time.Since(start))
	}
	return msg
}

// Monitor exposes the performance monitor for admin inspection.
func (e *Engine) Monitor() *monitoring.Monitor { return e.mon }

// Migration exposes the migration manager for admin inspection/advancement.
func (e *Engine) Migration() *migration.Manager { return e.migr }

// Safety exposes the safety engine for direct interlock queries.
func (e *Engine) Safety() *safety.Engine { return e.safetyE }

// Security exposes the security manager for admin inspection.
func (e *Engine) Security() *security.Manager { return e.sec }

// MetricsHandler returns an http.Handler serving the Prometheus registry;
// the caller mounts it (the core never opens a socket itself, per
// spec.md §1's out-of-scope HTTP surface).
func (e *Engine) MetricsHandler() http.Handler {
	return promhttp.HandlerFor(e.mon.Registry(), promhttp.HandlerOpts{})
}

// Snapshot is a point-in-time view of the whole system for CLI/operator
// reporting.
type Snapshot struct {
	UptimeSeconds   float64
	RouterStats     router.PerformanceStats
	MigrationStatus migration.Status
	VehicleState    models.VehicleState
	Thresholds      []monitoring.ThresholdViolation
}

// Snapshot builds a read-only snapshot of the engine's current state.
func (e *Engine) Snapshot() Snapshot {
	return Snapshot{
		UptimeSeconds:   time.Since(e.startedAt).Seconds(),
		RouterStats:     e.rt.GetPerformanceStats(),
		MigrationStatus: e.migr.GetMigrationStatus(),
		VehicleState:    e.safetyE.CurrentState(),
		Thresholds:      e.mon.CheckPerformanceThresholds(),
	}
}
