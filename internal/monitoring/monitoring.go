// Package monitoring implements the performance monitor (C7): per-component
// counters, bounded processing-time histograms, derived throughput/error
// rates, threshold checks, and a Prometheus text exposition, plus a
// background snapshot collector feeding a bounded retention ring.
package monitoring

import (
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// ComponentType names one of the seven pipeline components tracked here.
type ComponentType string

const (
	ComponentBAMHandler       ComponentType = "bam_handler"
	ComponentProtocolRouter   ComponentType = "protocol_router"
	ComponentSafetyEngine     ComponentType = "safety_engine"
	ComponentSecurityManager  ComponentType = "security_manager"
	ComponentConfigurationSvc ComponentType = "configuration_service"
	ComponentRVCDecoder       ComponentType = "rvc_decoder"
	ComponentJ1939Decoder     ComponentType = "j1939_decoder"
)

var allComponents = []ComponentType{
	ComponentBAMHandler, ComponentProtocolRouter, ComponentSafetyEngine,
	ComponentSecurityManager, ComponentConfigurationSvc, ComponentRVCDecoder,
	ComponentJ1939Decoder,
}

const (
	ringCap            = 1000
	throughputWindow   = 60 * time.Second
	defaultCollectSecs = 10 * time.Second
	defaultRetainHours = 24
)

// Default thresholds from spec.md §4.7.
const (
	ThresholdProcessingTimeMS = 10.0
	ThresholdErrorRatePct     = 5.0
	ThresholdThroughputMsgS   = 100.0
	ThresholdBAMCompletionMS  = 50.0
	ThresholdSafetyRespMS     = 5.0
)

type timedSample struct {
	at time.Time
	ms float64
}

// ring is a fixed-capacity FIFO of timed samples; oldest entries fall off
// once the cap is reached, matching spec.md's "processing_times ring, cap
// 1000".
type ring struct {
	samples []timedSample
	cap     int
}

func newRing(cap int) *ring { return &ring{cap: cap} }

func (r *ring) add(at time.Time, ms float64) {
	r.samples = append(r.samples, timedSample{at: at, ms: ms})
	if len(r.samples) > r.cap {
		r.samples = r.samples[len(r.samples)-r.cap:]
	}
}

func (r *ring) avg() float64 {
	if len(r.samples) == 0 {
		return 0
	}
	var sum float64
	for _, s := range r.samples {
		sum += s.ms
	}
	return sum / float64(len(r.samples))
}

func (r *ring) p95() float64 {
	n := len(r.samples)
	if n == 0 {
		return 0
	}
	vals := make([]float64, n)
	for i, s := range r.samples {
		vals[i] = s.ms
	}
	sort.Float64s(vals)
	idx := int(float64(n) * 0.95)
	if idx >= n {
		idx = n - 1
	}
	return vals[idx]
}

func (r *ring) countSince(now time.Time, window time.Duration) int {
	cutoff := now.Add(-window)
	count := 0
	for _, s := range r.samples {
		if s.at.After(cutoff) {
			count++
		}
	}
	return count
}

// componentStats holds the counters and ring for one ComponentType.
type componentStats struct {
	messagesProcessed  int64
	totalProcessingSec float64
	errorCount         int64
	times              *ring
}

func newComponentStats() *componentStats {
	return &componentStats{times: newRing(ringCap)}
}

// ComponentSnapshot is the derived view of one component's metrics.
type ComponentSnapshot struct {
	Component         ComponentType
	MessagesProcessed int64
	ErrorCount        int64
	AvgProcessingMS   float64
	P95ProcessingMS   float64
	ThroughputMsgS    float64
	ErrorRatePct      float64
}

// bamStats holds C2-specific counters.
type bamStats struct {
	sessionsStarted   int64
	sessionsCompleted int64
	sessionsTimeout   int64
	sessionsFailed    int64
	completionTimes   *ring
}

// safetyStats holds C4-specific counters.
type safetyStats struct {
	stateTransitions  int64
	commandsIssued    int64
	operationsBlocked int64
	emergencyStops    int64
	transitionTimes   *ring
}

// securityStats holds C5-specific counters.
type securityStats struct {
	framesValidated   int64
	anomaliesDetected int64
	threatsBlocked    int64
	learningDevices   int64
	activeProfiles    int64
}

// systemStats holds cross-cutting counters.
type systemStats struct {
	totalMessagesProcessed int64
	totalErrors            int64
	uptimeStart            time.Time
	lastActivity           time.Time
}

// ThresholdViolation is one failed performance check.
type ThresholdViolation struct {
	Component ComponentType
	Metric    string
	Value     float64
	Threshold float64
	Severity  string // "warning" | "critical"
}

// metricSnapshot is one periodic capture stored in the retention ring.
// GetPrometheusMetrics does not read the ring; it renders live values.
type metricSnapshot struct {
	at         time.Time
	components map[ComponentType]ComponentSnapshot
	bam        bamSnapshot
	safety     safetySnapshot
	security   securitySnapshot
}

type bamSnapshot struct {
	started, completed, timeout, failed int64
	avgCompletionMS                     float64
}

type safetySnapshot struct {
	transitions, commands, blocked, emergencyStops int64
	avgTransitionMS                                float64
}

type securitySnapshot struct {
	validated, anomalies, threatsBlocked int64
	learningDevices, activeProfiles      int64
}

// Monitor is the performance monitor (C7): thread-safe counters/histograms
// per component, a Prometheus registry backing them, and a background
// collector snapshotting derived metrics into a bounded retention ring.
type Monitor struct {
	log *slog.Logger

	mu         sync.RWMutex
	components map[ComponentType]*componentStats
	bam        bamStats
	safety     safetyStats
	security   securityStats
	system     systemStats

	collectionInterval time.Duration
	retentionRing      []metricSnapshot
	retentionCap       int

	registry      *prometheus.Registry
	msgCounter    *prometheus.CounterVec
	errCounter    *prometheus.CounterVec
	procTimeHist  *prometheus.HistogramVec
	learningGauge prometheus.Gauge
	profilesGauge prometheus.Gauge
	bamCounter    *prometheus.CounterVec

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// Option configures a Monitor at construction time.
type Option func(*Monitor)

// WithCollectionInterval overrides the default 10s background snapshot
// interval.
func WithCollectionInterval(d time.Duration) Option {
	return func(m *Monitor) { m.collectionInterval = d }
}

// WithRetentionHours overrides the default 24h metrics ring retention,
// sized as retention_hours*3600/collection_interval entries.
func WithRetentionHours(hours float64) Option {
	return func(m *Monitor) {
		n := int(hours * 3600 / m.collectionInterval.Seconds())
		if n < 1 {
			n = 1
		}
		m.retentionCap = n
	}
}

// New constructs a Monitor with its Prometheus registry wired and all
// per-component counters zeroed.
func New(logger *slog.Logger, opts ...Option) *Monitor {
	if logger == nil {
		logger = slog.Default()
	}
	now := time.Now()
	m := &Monitor{
		log:                logger.With("component", "monitoring"),
		components:         make(map[ComponentType]*componentStats),
		collectionInterval: defaultCollectSecs,
		stopCh:             make(chan struct{}),
	}
	m.retentionCap = int(defaultRetainHours * 3600 / m.collectionInterval.Seconds())
	for _, c := range allComponents {
		m.components[c] = newComponentStats()
	}
	m.bam.completionTimes = newRing(ringCap)
	m.safety.transitionTimes = newRing(ringCap)
	m.system.uptimeStart = now
	m.system.lastActivity = now

	for _, opt := range opts {
		opt(m)
	}
	m.setupPrometheus()
	return m
}

func (m *Monitor) setupPrometheus() {
	m.registry = prometheus.NewRegistry()
	m.msgCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "canbus_decoder_messages_processed_total",
		Help: "Total messages processed per component",
	}, []string{"component"})
	m.errCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "canbus_decoder_errors_total",
		Help: "Total errors per component",
	}, []string{"component"})
	m.procTimeHist = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "canbus_decoder_processing_time_seconds",
		Help:    "Per-message processing time in seconds",
		Buckets: prometheus.DefBuckets,
	}, []string{"component"})
	m.learningGauge = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "canbus_decoder_learning_devices",
		Help: "Number of device profiles currently in the learning phase",
	})
	m.profilesGauge = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "canbus_decoder_active_profiles",
		Help: "Number of active device profiles",
	})
	m.bamCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "canbus_decoder_bam_sessions_total",
		Help: "BAM session lifecycle events",
	}, []string{"outcome"})
	m.registry.MustRegister(m.msgCounter, m.errCounter, m.procTimeHist, m.learningGauge, m.profilesGauge, m.bamCounter)
}

// Registry exposes the underlying Prometheus registry so an embedder can
// mount promhttp.HandlerFor themselves; the core never opens a socket.
func (m *Monitor) Registry() *prometheus.Registry { return m.registry }

// RecordMessage records one processed message for component, taking d as
// the processing duration.
func (m *Monitor) RecordMessage(component ComponentType, d time.Duration) {
	now := time.Now()
	ms := float64(d.Microseconds()) / 1000.0

	m.mu.Lock()
	stats := m.components[component]
	if stats == nil {
		stats = newComponentStats()
		m.components[component] = stats
	}
	stats.messagesProcessed++
	stats.totalProcessingSec += d.Seconds()
	stats.times.add(now, ms)
	m.system.totalMessagesProcessed++
	m.system.lastActivity = now
	m.mu.Unlock()

	m.msgCounter.WithLabelValues(string(component)).Inc()
	m.procTimeHist.WithLabelValues(string(component)).Observe(d.Seconds())
}

// RecordError records one error for component.
func (m *Monitor) RecordError(component ComponentType) {
	m.mu.Lock()
	stats := m.components[component]
	if stats == nil {
		stats = newComponentStats()
		m.components[component] = stats
	}
	stats.errorCount++
	m.system.totalErrors++
	m.mu.Unlock()
	m.errCounter.WithLabelValues(string(component)).Inc()
}

// Snapshot computes the derived metrics for one component.
func (m *Monitor) Snapshot(component ComponentType) ComponentSnapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.snapshotLocked(component)
}

func (m *Monitor) snapshotLocked(component ComponentType) ComponentSnapshot {
	stats := m.components[component]
	if stats == nil {
		return ComponentSnapshot{Component: component}
	}
	now := time.Now()
	throughput := float64(stats.times.countSince(now, throughputWindow)) / throughputWindow.Seconds()
	var errRate float64
	if stats.messagesProcessed > 0 {
		errRate = float64(stats.errorCount) / float64(stats.messagesProcessed) * 100.0
	}
	return ComponentSnapshot{
		Component:         component,
		MessagesProcessed: stats.messagesProcessed,
		ErrorCount:        stats.errorCount,
		AvgProcessingMS:   stats.times.avg(),
		P95ProcessingMS:   stats.times.p95(),
		ThroughputMsgS:    throughput,
		ErrorRatePct:      errRate,
	}
}

// AllSnapshots returns the derived snapshot for every tracked component.
func (m *Monitor) AllSnapshots() map[ComponentType]ComponentSnapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[ComponentType]ComponentSnapshot, len(allComponents))
	for _, c := range allComponents {
		out[c] = m.snapshotLocked(c)
	}
	return out
}

// --- BAM-specific recording (C2) ---

func (m *Monitor) RecordBAMSessionStarted() {
	m.mu.Lock()
	m.bam.sessionsStarted++
	m.mu.Unlock()
	m.bamCounter.WithLabelValues("started").Inc()
}

func (m *Monitor) RecordBAMSessionCompleted(d time.Duration) {
	ms := float64(d.Microseconds()) / 1000.0
	m.mu.Lock()
	m.bam.sessionsCompleted++
	m.bam.completionTimes.add(time.Now(), ms)
	m.mu.Unlock()
	m.bamCounter.WithLabelValues("completed").Inc()
}

func (m *Monitor) RecordBAMSessionTimeout() {
	m.mu.Lock()
	m.bam.sessionsTimeout++
	m.mu.Unlock()
	m.bamCounter.WithLabelValues("timeout").Inc()
}

func (m *Monitor) RecordBAMSessionFailed() {
	m.mu.Lock()
	m.bam.sessionsFailed++
	m.mu.Unlock()
	m.bamCounter.WithLabelValues("failed").Inc()
}

// --- Safety-specific recording (C4) ---

func (m *Monitor) RecordSafetyTransition(d time.Duration) {
	ms := float64(d.Microseconds()) / 1000.0
	m.mu.Lock()
	m.safety.stateTransitions++
	m.safety.transitionTimes.add(time.Now(), ms)
	m.mu.Unlock()
}

func (m *Monitor) RecordSafetyCommand() {
	m.mu.Lock()
	m.safety.commandsIssued++
	m.mu.Unlock()
}

func (m *Monitor) RecordOperationBlocked() {
	m.mu.Lock()
	m.safety.operationsBlocked++
	m.mu.Unlock()
}

func (m *Monitor) RecordEmergencyStop() {
	m.mu.Lock()
	m.safety.emergencyStops++
	m.mu.Unlock()
}

// --- Security-specific recording (C5) ---

func (m *Monitor) RecordSecurityFrameValidated() {
	m.mu.Lock()
	m.security.framesValidated++
	m.mu.Unlock()
}

func (m *Monitor) RecordSecurityAnomaly() {
	m.mu.Lock()
	m.security.anomaliesDetected++
	m.mu.Unlock()
}

func (m *Monitor) RecordSecurityThreatBlocked() {
	m.mu.Lock()
	m.security.threatsBlocked++
	m.mu.Unlock()
}

// SetLearningDevices sets the current learning-phase device gauge.
func (m *Monitor) SetLearningDevices(n int) {
	m.mu.Lock()
	m.security.learningDevices = int64(n)
	m.mu.Unlock()
	m.learningGauge.Set(float64(n))
}

// SetActiveProfiles sets the current active-profile-count gauge.
func (m *Monitor) SetActiveProfiles(n int) {
	m.mu.Lock()
	m.security.activeProfiles = int64(n)
	m.mu.Unlock()
	m.profilesGauge.Set(float64(n))
}

// CheckPerformanceThresholds evaluates every default threshold from
// spec.md §4.7 against current derived metrics; it never resets counters.
func (m *Monitor) CheckPerformanceThresholds() []ThresholdViolation {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var violations []ThresholdViolation
	for _, c := range allComponents {
		snap := m.snapshotLocked(c)
		if snap.MessagesProcessed == 0 {
			continue
		}
		if snap.AvgProcessingMS > ThresholdProcessingTimeMS {
			violations = append(violations, ThresholdViolation{
				Component: c, Metric: "processing_time_ms", Value: snap.AvgProcessingMS,
				Threshold: ThresholdProcessingTimeMS, Severity: "warning",
			})
		}
		if snap.ErrorRatePct > ThresholdErrorRatePct {
			violations = append(violations, ThresholdViolation{
				Component: c, Metric: "error_rate_pct", Value: snap.ErrorRatePct,
				Threshold: ThresholdErrorRatePct, Severity: "critical",
			})
		}
		if snap.ThroughputMsgS != 0 && snap.ThroughputMsgS < ThresholdThroughputMsgS {
			violations = append(violations, ThresholdViolation{
				Component: c, Metric: "throughput_msg_s", Value: snap.ThroughputMsgS,
				Threshold: ThresholdThroughputMsgS, Severity: "warning",
			})
		}
	}

	if avg := m.bam.completionTimes.avg(); avg > ThresholdBAMCompletionMS {
		violations = append(violations, ThresholdViolation{
			Component: ComponentBAMHandler, Metric: "bam_completion_time_ms", Value: avg,
			Threshold: ThresholdBAMCompletionMS, Severity: "warning",
		})
	}
	if avg := m.safety.transitionTimes.avg(); avg > ThresholdSafetyRespMS {
		violations = append(violations, ThresholdViolation{
			Component: ComponentSafetyEngine, Metric: "safety_response_time_ms", Value: avg,
			Threshold: ThresholdSafetyRespMS, Severity: "critical",
		})
	}
	return violations
}

// Start launches the background collection loop, snapshotting derived
// metrics every collectionInterval into the bounded retention ring until
// Stop is called.
func (m *Monitor) Start() {
	m.wg.Add(1)
	go m.collectLoop()
}

func (m *Monitor) collectLoop() {
	defer m.wg.Done()
	ticker := time.NewTicker(m.collectionInterval)
	defer ticker.Stop()
	for {
		select {
		case <-m.stopCh:
			return
		case <-ticker.C:
			m.collectOnce()
		}
	}
}

func (m *Monitor) collectOnce() {
	m.mu.Lock()
	snap := metricSnapshot{
		at:         time.Now(),
		components: make(map[ComponentType]ComponentSnapshot, len(allComponents)),
		bam: bamSnapshot{
			started: m.bam.sessionsStarted, completed: m.bam.sessionsCompleted,
			timeout: m.bam.sessionsTimeout, failed: m.bam.sessionsFailed,
			avgCompletionMS: m.bam.completionTimes.avg(),
		},
		safety: safetySnapshot{
			transitions: m.safety.stateTransitions, commands: m.safety.commandsIssued,
			blocked: m.safety.operationsBlocked, emergencyStops: m.safety.emergencyStops,
			avgTransitionMS: m.safety.transitionTimes.avg(),
		},
		security: securitySnapshot{
			validated: m.security.framesValidated, anomalies: m.security.anomaliesDetected,
			threatsBlocked: m.security.threatsBlocked, learningDevices: m.security.learningDevices,
			activeProfiles: m.security.activeProfiles,
		},
	}
	for _, c := range allComponents {
		snap.components[c] = m.snapshotLocked(c)
	}
	m.retentionRing = append(m.retentionRing, snap)
	if len(m.retentionRing) > m.retentionCap {
		m.retentionRing = m.retentionRing[len(m.retentionRing)-m.retentionCap:]
	}
	m.mu.Unlock()
}

// Stop halts the background collector and waits for it to exit; it must
// respond within one collection interval per spec.md §5.
func (m *Monitor) Stop() {
	m.stopOnce.Do(func() { close(m.stopCh) })
	m.wg.Wait()
}

// GetPrometheusMetrics renders the latest sample of every tracked metric
// in text exposition format, per spec.md §6.6: "# HELP", "# TYPE", then one
// "name{labels} value timestamp_ms" line per metric.
func (m *Monitor) GetPrometheusMetrics() string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var b strings.Builder
	tsMs := time.Now().UnixMilli()

	writeGauge := func(name, help string, value float64, labels string) {
		fmt.Fprintf(&b, "# HELP canbus_decoder_%s %s\n", name, help)
		fmt.Fprintf(&b, "# TYPE canbus_decoder_%s gauge\n", name)
		if labels != "" {
			fmt.Fprintf(&b, "canbus_decoder_%s{%s} %g %d\n", name, labels, value, tsMs)
		} else {
			fmt.Fprintf(&b, "canbus_decoder_%s %g %d\n", name, value, tsMs)
		}
	}
	writeCounter := func(name, help string, value float64, labels string) {
		fmt.Fprintf(&b, "# HELP canbus_decoder_%s %s\n", name, help)
		fmt.Fprintf(&b, "# TYPE canbus_decoder_%s counter\n", name)
		fmt.Fprintf(&b, "canbus_decoder_%s{%s} %g %d\n", name, labels, value, tsMs)
	}

	for _, c := range allComponents {
		snap := m.snapshotLocked(c)
		labels := fmt.Sprintf(`component="%s"`, c)
		writeCounter("messages_processed_total", "Total messages processed per component", float64(snap.MessagesProcessed), labels)
		writeCounter("errors_total", "Total errors per component", float64(snap.ErrorCount), labels)
		writeGauge("processing_time_avg_ms", "Average processing time in milliseconds", snap.AvgProcessingMS, labels)
		writeGauge("processing_time_p95_ms", "p95 processing time in milliseconds", snap.P95ProcessingMS, labels)
		writeGauge("throughput_msg_s", "Messages processed per second over the last 60s", snap.ThroughputMsgS, labels)
		writeGauge("error_rate_pct", "Error rate as a percentage", snap.ErrorRatePct, labels)
	}

	writeCounter("bam_sessions_started_total", "BAM sessions started", float64(m.bam.sessionsStarted), `outcome="started"`)
	writeCounter("bam_sessions_completed_total", "BAM sessions completed", float64(m.bam.sessionsCompleted), `outcome="completed"`)
	writeCounter("bam_sessions_timeout_total", "BAM sessions timed out", float64(m.bam.sessionsTimeout), `outcome="timeout"`)
	writeCounter("bam_sessions_failed_total", "BAM sessions failed", float64(m.bam.sessionsFailed), `outcome="failed"`)
	writeGauge("bam_completion_time_avg_ms", "Average BAM reassembly completion time in milliseconds", m.bam.completionTimes.avg(), "")

	writeCounter("safety_state_transitions_total", "Safety state transitions", float64(m.safety.stateTransitions), `kind="transition"`)
	writeCounter("safety_commands_issued_total", "Safety commands issued", float64(m.safety.commandsIssued), `kind="command"`)
	writeCounter("safety_operations_blocked_total", "Operations blocked by interlocks", float64(m.safety.operationsBlocked), `kind="blocked"`)
	writeCounter("safety_emergency_stops_total", "Emergency stops issued", float64(m.safety.emergencyStops), `kind="emergency_stop"`)

	writeCounter("security_frames_validated_total", "Frames validated by the security manager", float64(m.security.framesValidated), `kind="validated"`)
	writeCounter("security_anomalies_detected_total", "Anomalies detected", float64(m.security.anomaliesDetected), `kind="anomaly"`)
	writeCounter("security_threats_blocked_total", "Threats blocked", float64(m.security.threatsBlocked), `kind="blocked"`)
	writeGauge("security_learning_devices", "Device profiles currently learning", float64(m.security.learningDevices), "")
	writeGauge("security_active_profiles", "Active device profiles", float64(m.security.activeProfiles), "")

	writeCounter("system_messages_processed_total", "Total messages processed system-wide", float64(m.system.totalMessagesProcessed), `kind="total"`)
	writeCounter("system_errors_total", "Total errors system-wide", float64(m.system.totalErrors), `kind="total"`)
	writeGauge("system_uptime_seconds", "Seconds since the monitor started", time.Since(m.system.uptimeStart).Seconds(), "")

	return b.String()
}

// ResetMetrics clears all counters, rings, and the retention ring, and
// resets uptimeStart. Used only by tests per spec.md §4.7.
func (m *Monitor) ResetMetrics() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, c := range allComponents {
		m.components[c] = newComponentStats()
	}
	m.bam = bamStats{completionTimes: newRing(ringCap)}
	m.safety = safetyStats{transitionTimes: newRing(ringCap)}
	m.security = securityStats{}
	now := time.Now()
	m.system = systemStats{uptimeStart: now, lastActivity: now}
	m.retentionRing = nil
}
