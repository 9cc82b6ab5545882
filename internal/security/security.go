// Package security implements the adaptive security manager (C5): per-source
// device profiling, a learning phase, and confidence-scored anomaly
// detection gating what reaches the protocol router.
package security

import (
	"bytes"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"canrvc/pkg/models"
)

// AnomalyType classifies the kind of anomaly behind a SecurityEvent.
type AnomalyType string

const (
	AnomalyUnexpectedPGN     AnomalyType = "unexpected_pgn"
	AnomalyTiming            AnomalyType = "timing_anomaly"
	AnomalyBurst             AnomalyType = "burst_anomaly"
	AnomalySourceSpoofing    AnomalyType = "source_spoofing"
	AnomalyData              AnomalyType = "data_anomaly"
	AnomalyProtocolViolation AnomalyType = "protocol_violation"
)

// ThreatLevel ranks anomaly severity.
type ThreatLevel string

const (
	ThreatInfo     ThreatLevel = "info"
	ThreatLow      ThreatLevel = "low"
	ThreatMedium   ThreatLevel = "medium"
	ThreatHigh     ThreatLevel = "high"
	ThreatCritical ThreatLevel = "critical"
)

// SecurityEvent is a detected anomaly or blocked frame.
type SecurityEvent struct {
	EventType     AnomalyType
	ThreatLevel   ThreatLevel
	SourceAddress uint8
	PGN           uint32
	Timestamp     time.Time
	Description   string
	Confidence    float64
	RawData       []byte
	Metadata      map[string]any
}

const (
	learningMessageCount = 100
	maxMessageHistory    = 1000
	maxDataSamplesPerPGN = 50
	timingWindow         = 60 * time.Second
	burstWindow          = 10 * time.Second

	confidenceUnexpectedPGN = 0.9
	confidenceTiming        = 0.7
	confidenceBurst         = 0.8
	confidenceData          = 0.6
)

type historyEntry struct {
	pgn uint32
	at  time.Time
	len int
}

// DeviceProfile is the learned behavioral profile for one source address.
type DeviceProfile struct {
	SourceAddress uint8
	FirstSeen     time.Time
	LastSeen      time.Time

	expectedPGNs    map[uint32]struct{}
	pgnIntervals    map[uint32]time.Duration
	pgnBurstPattern map[uint32]int
	history         []historyEntry
	dataPatterns    map[uint32][][]byte

	LearningPhase     bool
	learningStartTime time.Time
	messageCount      int

	TotalMessages   int
	AnomalyCount    int
	LastAnomalyTime time.Time
}

func newDeviceProfile(source uint8, now time.Time) *DeviceProfile {
	return &DeviceProfile{
		SourceAddress:     source,
		FirstSeen:         now,
		LastSeen:          now,
		expectedPGNs:      make(map[uint32]struct{}),
		pgnIntervals:      make(map[uint32]time.Duration),
		pgnBurstPattern:   make(map[uint32]int),
		dataPatterns:      make(map[uint32][][]byte),
		LearningPhase:     true,
		learningStartTime: now,
	}
}

func (p *DeviceProfile) updateFromMessage(pgn uint32, now time.Time, data []byte) {
	p.LastSeen = now
	p.messageCount++
	p.TotalMessages++

	if !p.LearningPhase {
		return
	}
	p.expectedPGNs[pgn] = struct{}{}
	p.history = append(p.history, historyEntry{pgn: pgn, at: now, len: len(data)})
	if len(p.history) > maxMessageHistory {
		p.history = p.history[len(p.history)-maxMessageHistory:]
	}

	if len(p.dataPatterns[pgn]) < maxDataSamplesPerPGN {
		cp := append([]byte(nil), data...)
		p.dataPatterns[pgn] = append(p.dataPatterns[pgn], cp)
	}

	p.updateTimingPatterns(pgn, now)
}

func (p *DeviceProfile) updateTimingPatterns(pgn uint32, now time.Time) {
	var recent []time.Time
	for _, h := range p.history {
		if h.pgn == pgn && now.Sub(h.at) < timingWindow {
			recent = append(recent, h.at)
		}
	}
	if len(recent) >= 2 {
		var total time.Duration
		for i := 1; i < len(recent); i++ {
			total += recent[i].Sub(recent[i-1])
		}
		p.pgnIntervals[pgn] = total / time.Duration(len(recent)-1)
	}

	var burstCount int
	for _, h := range p.history {
		if h.pgn == pgn && now.Sub(h.at) < burstWindow {
			burstCount++
		}
	}
	if burstCount > p.pgnBurstPattern[pgn] {
		p.pgnBurstPattern[pgn] = burstCount
	}
}

func (p *DeviceProfile) isMessageAnomalous(pgn uint32, now time.Time, data []byte) (bool, string, float64) {
	if p.LearningPhase {
		return false, "Learning phase", 0.0
	}

	var anomalies []string
	var confidences []float64

	if _, ok := p.expectedPGNs[pgn]; !ok {
		anomalies = append(anomalies, fmt.Sprintf("Unexpected PGN 0x%04X", pgn))
		confidences = append(confidences, confidenceUnexpectedPGN)
	}

	expectedInterval := p.pgnIntervals[pgn]
	if expectedInterval == 0 {
		expectedInterval = time.Second
	}
	var lastMessageTime time.Time
	for _, h := range p.history {
		if h.pgn == pgn && now.Sub(h.at) < timingWindow {
			if h.at.After(lastMessageTime) {
				lastMessageTime = h.at
			}
		}
	}
	if !lastMessageTime.IsZero() {
		actualInterval := now.Sub(lastMessageTime)
		if actualInterval < expectedInterval/10 {
			anomalies = append(anomalies, fmt.Sprintf("Timing anomaly: %.3fs vs expected %.3fs", actualInterval.Seconds(), expectedInterval.Seconds()))
			confidences = append(confidences, confidenceTiming)
		}
	}

	expectedBurst := p.pgnBurstPattern[pgn]
	if expectedBurst == 0 {
		expectedBurst = 10
	}
	var recentBurst int
	for _, h := range p.history {
		if h.pgn == pgn && now.Sub(h.at) < burstWindow {
			recentBurst++
		}
	}
	if recentBurst > expectedBurst*2 {
		anomalies = append(anomalies, fmt.Sprintf("Burst anomaly: %d messages vs expected max %d", recentBurst, expectedBurst))
		confidences = append(confidences, confidenceBurst)
	}

	if patterns, ok := p.dataPatterns[pgn]; ok && len(patterns) > 0 {
		similar := false
		for _, pattern := range patterns {
			if dataSimilarity(data, pattern) > 0.8 {
				similar = true
				break
			}
		}
		if !similar {
			anomalies = append(anomalies, "Data pattern anomaly")
			confidences = append(confidences, confidenceData)
		}
	}

	if len(anomalies) == 0 {
		return false, "Normal", 0.0
	}

	p.AnomalyCount++
	p.LastAnomalyTime = now
	overall := 0.5
	for _, c := range confidences {
		if c > overall {
			overall = c
		}
	}
	reason := anomalies[0]
	for _, a := range anomalies[1:] {
		reason += "; " + a
	}
	return true, reason, overall
}

func dataSimilarity(a, b []byte) float64 {
	if len(a) != len(b) {
		return 0.0
	}
	if len(a) == 0 {
		return 1.0
	}
	matching := 0
	for i := range a {
		if a[i] == b[i] {
			matching++
		}
	}
	return float64(matching) / float64(len(a))
}

// Statistics is a point-in-time observability snapshot of one DeviceProfile.
type Statistics struct {
	SourceAddress uint8
	LearningPhase bool
	ExpectedPGNs  int
	TotalMessages int
	AnomalyCount  int
	AnomalyRate   float64
	FirstSeen     time.Time
	LastSeen      time.Time
	AgeHours      float64
}

func (p *DeviceProfile) statistics(now time.Time) Statistics {
	total := p.TotalMessages
	if total == 0 {
		total = 1
	}
	return Statistics{
		SourceAddress: p.SourceAddress,
		LearningPhase: p.LearningPhase,
		ExpectedPGNs:  len(p.expectedPGNs),
		TotalMessages: p.TotalMessages,
		AnomalyCount:  p.AnomalyCount,
		AnomalyRate:   float64(p.AnomalyCount) / float64(total),
		FirstSeen:     p.FirstSeen,
		LastSeen:      p.LastSeen,
		AgeHours:      now.Sub(p.FirstSeen).Hours(),
	}
}

// addressRange is an inclusive [start, end] legitimate source-address band.
type addressRange struct{ start, end uint8 }

// Config tunes the adaptive security manager.
type Config struct {
	LearningDuration time.Duration
	MaxProfiles      int
	AnomalyThreshold float64
}

func (c Config) withDefaults() Config {
	if c.LearningDuration <= 0 {
		c.LearningDuration = time.Hour
	}
	if c.MaxProfiles <= 0 {
		c.MaxProfiles = 256
	}
	if c.AnomalyThreshold <= 0 {
		c.AnomalyThreshold = 0.7
	}
	return c
}

// Observer receives security events synchronously.
type Observer func(SecurityEvent)

// Manager is the adaptive security manager. All exported methods are safe
// for concurrent use behind a single lock.
type Manager struct {
	cfg Config
	log *slog.Logger

	legitimateRanges []addressRange

	mu                     sync.Mutex
	profiles               map[uint8]*DeviceProfile
	totalMessagesProcessed int
	totalAnomaliesDetected int
	startTime              time.Time
	events                 []SecurityEvent
	observers              []Observer
	frameObservers         []FrameValidatedObserver
}

// New constructs an adaptive security manager.
func New(cfg Config, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		cfg: cfg.withDefaults(),
		log: logger.With("component", "security"),
		legitimateRanges: []addressRange{
			{0x00, 0x7F},
			{0xE0, 0xEF},
			{0xF0, 0xF9},
		},
		profiles:  make(map[uint8]*DeviceProfile),
		startTime: time.Now(),
	}
}

// AddObserver registers a security-event observer.
func (m *Manager) AddObserver(obs Observer) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.observers = append(m.observers, obs)
}

// FrameValidatedObserver is notified once per frame that clears ValidateFrame,
// independent of the anomaly-event Observer above.
type FrameValidatedObserver func(models.CANFrame)

// AddFrameValidatedObserver registers a hook fired for each frame that
// passes ValidateFrame; rejected frames do not reach it.
func (m *Manager) AddFrameValidatedObserver(obs FrameValidatedObserver) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.frameObservers = append(m.frameObservers, obs)
}

// ValidateFrame is the main gate: it returns true when the frame appears
// legitimate and should continue through the router.
func (m *Manager) ValidateFrame(frame models.CANFrame) bool {
	m.mu.Lock()
	ok := m.validateFrameLocked(frame)
	m.mu.Unlock()
	if ok {
		m.notifyFrameValidated(frame)
	}
	return ok
}

func (m *Manager) validateFrameLocked(frame models.CANFrame) bool {
	m.totalMessagesProcessed++
	now := time.Now()

	if !m.basicValidationLocked(frame) {
		return false
	}

	profile, ok := m.profiles[frame.SourceAddress]
	if !ok {
		if len(m.profiles) >= m.cfg.MaxProfiles {
			m.cleanupOldestLocked()
		}
		profile = newDeviceProfile(frame.SourceAddress, now)
		m.profiles[frame.SourceAddress] = profile
		m.log.Debug("created device profile", "source", frame.SourceAddress)
	}

	profile.updateFromMessage(frame.PGN, now, frame.Data)

	if profile.LearningPhase {
		elapsed := now.Sub(profile.learningStartTime)
		if elapsed >= m.cfg.LearningDuration || profile.messageCount >= learningMessageCount {
			profile.LearningPhase = false
			m.log.Info("learning phase complete", "source", frame.SourceAddress,
				"messages", profile.messageCount, "pgns", len(profile.expectedPGNs))
		}
		return true
	}

	isAnomalous, reason, confidence := profile.isMessageAnomalous(frame.PGN, now, frame.Data)
	if !isAnomalous || confidence < m.cfg.AnomalyThreshold {
		return true
	}

	threat := assessThreatLevel(reason, confidence, frame.PGN)
	event := SecurityEvent{
		EventType:     classifyAnomalyType(reason),
		ThreatLevel:   threat,
		SourceAddress: frame.SourceAddress,
		PGN:           frame.PGN,
		Timestamp:     now,
		Description:   reason,
		Confidence:    confidence,
		RawData:       frame.Data,
		Metadata: map[string]any{
			"profile_stats": profile.statistics(now),
		},
	}
	m.handleSecurityEventLocked(event)

	if threat == ThreatHigh || threat == ThreatCritical {
		m.log.Warn("blocking frame", "source", frame.SourceAddress, "threat", threat, "reason", reason)
		return false
	}
	m.log.Info("security anomaly detected", "confidence", confidence, "source", frame.SourceAddress, "pgn", frame.PGN, "reason", reason)
	return true
}

func (m *Manager) notifyFrameValidated(frame models.CANFrame) {
	m.mu.Lock()
	observers := append([]FrameValidatedObserver(nil), m.frameObservers...)
	m.mu.Unlock()
	for _, obs := range observers {
		func() {
			defer func() {
				if r := recover(); r != nil {
					m.log.Error("frame-validated observer panicked", "panic", r)
				}
			}()
			obs(frame)
		}()
	}
}

func (m *Manager) basicValidationLocked(frame models.CANFrame) bool {
	legitimate := false
	for _, r := range m.legitimateRanges {
		if frame.SourceAddress >= r.start && frame.SourceAddress <= r.end {
			legitimate = true
			break
		}
	}
	if !legitimate {
		m.log.Warn("suspicious source address", "source", frame.SourceAddress)
		return false
	}
	if frame.PGN > models.RVCPGNMax {
		m.log.Warn("invalid PGN", "pgn", frame.PGN)
		return false
	}
	if len(frame.Data) > 8 {
		m.log.Warn("oversized frame data", "bytes", len(frame.Data))
		return false
	}
	return true
}

func classifyAnomalyType(reason string) AnomalyType {
	switch {
	case bytes.Contains([]byte(reason), []byte("Unexpected PGN")):
		return AnomalyUnexpectedPGN
	case bytes.Contains([]byte(reason), []byte("Timing anomaly")):
		return AnomalyTiming
	case bytes.Contains([]byte(reason), []byte("Burst anomaly")):
		return AnomalyBurst
	case bytes.Contains([]byte(reason), []byte("Data pattern")):
		return AnomalyData
	default:
		return AnomalyProtocolViolation
	}
}

func assessThreatLevel(reason string, confidence float64, pgn uint32) ThreatLevel {
	if confidence >= 0.9 {
		if bytes.Contains([]byte(reason), []byte("Unexpected PGN")) && pgn < 0x1FE00 {
			return ThreatHigh
		}
		return ThreatMedium
	}
	if confidence >= 0.7 {
		return ThreatLow
	}
	return ThreatInfo
}

func (m *Manager) handleSecurityEventLocked(event SecurityEvent) {
	m.totalAnomaliesDetected++
	m.events = append(m.events, event)
	if len(m.events) > maxMessageHistory {
		m.events = m.events[len(m.events)-maxMessageHistory:]
	}
	m.log.Warn("security event", "description", event.Description)
	m.notifyObserversLocked(event)
}

func (m *Manager) notifyObserversLocked(event SecurityEvent) {
	for _, obs := range m.observers {
		func() {
			defer func() {
				if r := recover(); r != nil {
					m.log.Error("security observer panicked", "panic", r)
				}
			}()
			obs(event)
		}()
	}
}

func (m *Manager) cleanupOldestLocked() {
	if len(m.profiles) == 0 {
		return
	}
	var oldestAddr uint8
	var oldestTime time.Time
	first := true
	for addr, p := range m.profiles {
		if first || p.FirstSeen.Before(oldestTime) {
			oldestAddr = addr
			oldestTime = p.FirstSeen
			first = false
		}
	}
	delete(m.profiles, oldestAddr)
	m.log.Debug("removed old device profile", "source", oldestAddr)
}

// DeviceStatistics summarizes the manager's devices and totals.
type DeviceStatistics struct {
	TotalDevices           int
	LearningDevices        int
	TotalMessagesProcessed int
	TotalAnomaliesDetected int
	AnomalyRate            float64
	UptimeHours            float64
	Devices                map[string]Statistics
}

// GetDeviceStatistics returns a snapshot across all tracked devices.
func (m *Manager) GetDeviceStatistics() DeviceStatistics {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := time.Now()

	learning := 0
	devices := make(map[string]Statistics, len(m.profiles))
	for addr, p := range m.profiles {
		if p.LearningPhase {
			learning++
		}
		devices[fmt.Sprintf("0x%02X", addr)] = p.statistics(now)
	}

	total := m.totalMessagesProcessed
	if total == 0 {
		total = 1
	}
	return DeviceStatistics{
		TotalDevices:           len(m.profiles),
		LearningDevices:        learning,
		TotalMessagesProcessed: m.totalMessagesProcessed,
		TotalAnomaliesDetected: m.totalAnomaliesDetected,
		AnomalyRate:            float64(m.totalAnomaliesDetected) / float64(total),
		UptimeHours:            now.Sub(m.startTime).Hours(),
		Devices:                devices,
	}
}

// GetRecentEvents returns up to limit of the most recent security events.
func (m *Manager) GetRecentEvents(limit int) []SecurityEvent {
	m.mu.Lock()
	defer m.mu.Unlock()
	if limit <= 0 || limit > len(m.events) {
		limit = len(m.events)
	}
	out := make([]SecurityEvent, limit)
	copy(out, m.events[len(m.events)-limit:])
	return out
}

// ForceLearningCompletion ends the learning phase for one device, or all
// devices when source is nil.
func (m *Manager) ForceLearningCompletion(source *uint8) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if source != nil {
		if p, ok := m.profiles[*source]; ok {
			p.LearningPhase = false
		}
		return
	}
	for _, p := range m.profiles {
		p.LearningPhase = false
	}
}

// ResetDeviceProfile discards a device's learned profile, returning whether
// one existed.
func (m *Manager) ResetDeviceProfile(source uint8) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.profiles[source]; !ok {
		return false
	}
	delete(m.profiles, source)
	return true
}

// PerformanceStats reports processing throughput for monitoring.
type PerformanceStats struct {
	MessagesProcessed int
	AnomaliesDetected int
	AnomalyRate       float64
	ActiveProfiles    int
	UptimeSeconds     float64
	ProcessingRate    float64
}

// GetPerformanceStats returns current throughput metrics.
func (m *Manager) GetPerformanceStats() PerformanceStats {
	m.mu.Lock()
	defer m.mu.Unlock()
	total := m.totalMessagesProcessed
	if total == 0 {
		total = 1
	}
	uptime := time.Since(m.startTime).Seconds()
	safeUptime := uptime
	if safeUptime < 1 {
		safeUptime = 1
	}
	return PerformanceStats{
		MessagesProcessed: m.totalMessagesProcessed,
		AnomaliesDetected: m.totalAnomaliesDetected,
		AnomalyRate:       float64(m.totalAnomaliesDetected) / float64(total),
		ActiveProfiles:    len(m.profiles),
		UptimeSeconds:     uptime,
		ProcessingRate:    float64(m.totalMessagesProcessed) / safeUptime,
	}
}
