// Package bam implements the BAM (Broadcast Announce Message) reassembly
// engine (C2): it tracks in-flight multi-packet transport-protocol sessions
// (TP.CM/TP.DT) and emits completed payloads addressed to a target PGN.
package bam

import (
	"encoding/binary"
	"log/slog"
	"sync"
	"time"

	"canrvc/pkg/models"
)

const (
	defaultSessionTimeout  = 30 * time.Second
	defaultMaxSessions     = 100
	defaultCleanupInterval = 10 * time.Second
	canFrameSize           = 8
	chunkSize              = 7
)

// Config tunes the reassembler; a zero Config is replaced with defaults.
type Config struct {
	SessionTimeout        time.Duration
	MaxConcurrentSessions int
	CleanupInterval       time.Duration
}

func (c Config) withDefaults() Config {
	if c.SessionTimeout <= 0 {
		c.SessionTimeout = defaultSessionTimeout
	}
	if c.MaxConcurrentSessions <= 0 {
		c.MaxConcurrentSessions = defaultMaxSessions
	}
	if c.CleanupInterval <= 0 {
		c.CleanupInterval = defaultCleanupInterval
	}
	return c
}

type sessionKey struct {
	source    uint8
	targetPGN uint32
}

type session struct {
	source    uint8
	targetPGN uint32
	totalSize int
	totalPkts int
	received  map[int][]byte
	createdAt time.Time
}

// SessionInfo is a read-only observability snapshot of one in-flight session.
type SessionInfo struct {
	Source    uint8
	TargetPGN uint32
	Received  int
	Total     int
	AgeS      float64
	Complete  bool
}

// SessionEvent enumerates the BAM session lifecycle transitions a
// SessionObserver is notified of.
type SessionEvent int

const (
	SessionStarted SessionEvent = iota
	SessionCompleted
	SessionTimeout
	SessionFailed
)

// SessionObserver is notified of session lifecycle events; d carries the
// reassembly duration for SessionCompleted and is zero otherwise.
type SessionObserver func(event SessionEvent, d time.Duration)

type sessionNotice struct {
	kind SessionEvent
	d    time.Duration
}

// Reassembler tracks in-flight BAM sessions and reassembles completed
// transfers. All exported methods are safe for concurrent use.
type Reassembler struct {
	cfg Config
	log *slog.Logger

	mu          sync.Mutex
	sessions    map[sessionKey]*session
	sourceIndex map[uint8][]uint32 // source -> ordered target PGNs, insertion order
	lastCleanup time.Time
	observers   []SessionObserver
	pending     []sessionNotice
}

// New constructs a Reassembler with the given configuration.
func New(cfg Config, logger *slog.Logger) *Reassembler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Reassembler{
		cfg:         cfg.withDefaults(),
		log:         logger.With("component", "bam"),
		sessions:    make(map[sessionKey]*session),
		sourceIndex: make(map[uint8][]uint32),
		lastCleanup: time.Now(),
	}
}

// AddObserver registers a BAM session lifecycle hook.
func (r *Reassembler) AddObserver(obs SessionObserver) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.observers = append(r.observers, obs)
}

// ProcessFrame feeds one frame (already known to carry the TP.CM or TP.DT
// PGN) into the reassembler. It returns the target PGN and reassembled
// payload when a transfer completes, or ok=false otherwise.
func (r *Reassembler) ProcessFrame(pgn uint32, data []byte, source uint8) (targetPGN uint32, payload []byte, ok bool) {
	r.mu.Lock()

	if time.Since(r.lastCleanup) >= r.cfg.CleanupInterval {
		r.sweepStaleLocked()
	}

	switch pgn {
	case models.PGNTransportControl:
		r.handleControlLocked(data, source)
	case models.PGNTransportDataXfer:
		targetPGN, payload, ok = r.handleDataLocked(data, source)
	}

	notices := r.pending
	r.pending = nil
	observers := append([]SessionObserver(nil), r.observers...)
	r.mu.Unlock()

	r.notify(observers, notices)
	return targetPGN, payload, ok
}

func (r *Reassembler) notify(observers []SessionObserver, notices []sessionNotice) {
	for _, n := range notices {
		for _, obs := range observers {
			func() {
				defer func() {
					if rec := recover(); rec != nil {
						r.log.Error("session observer panicked", "panic", rec)
					}
				}()
				obs(n.kind, n.d)
			}()
		}
	}
}

func (r *Reassembler) handleControlLocked(data []byte, source uint8) {
	if len(data) < canFrameSize {
		r.log.Warn("TP.CM message too short", "bytes", len(data))
		return
	}
	if data[0] != models.BAMControlByte {
		// RTS/CTS and other control bytes are out of scope.
		return
	}

	totalSize := int(binary.LittleEndian.Uint16(data[1:3]))
	totalPackets := int(data[3])
	targetPGN := uint32(data[5]) | uint32(data[6])<<8 | uint32(data[7])<<16

	if len(r.sessions) >= r.cfg.MaxConcurrentSessions {
		r.evictOldestLocked()
	}

	key := sessionKey{source: source, targetPGN: targetPGN}
	if _, exists := r.sessions[key]; exists {
		r.log.Warn("overwriting existing BAM session", "source", source, "target_pgn", targetPGN)
	}

	r.sessions[key] = &session{
		source:    source,
		targetPGN: targetPGN,
		totalSize: totalSize,
		totalPkts: totalPackets,
		received:  make(map[int][]byte, totalPackets),
		createdAt: time.Now(),
	}
	r.addToIndexLocked(source, targetPGN)
	r.pending = append(r.pending, sessionNotice{kind: SessionStarted})
}

func (r *Reassembler) addToIndexLocked(source uint8, targetPGN uint32) {
	pgns := r.sourceIndex[source]
	for _, p := range pgns {
		if p == targetPGN {
			return
		}
	}
	r.sourceIndex[source] = append(pgns, targetPGN)
}

func (r *Reassembler) handleDataLocked(data []byte, source uint8) (uint32, []byte, bool) {
	if len(data) < canFrameSize {
		r.log.Warn("TP.DT message too short", "bytes", len(data))
		return 0, nil, false
	}
	seq := int(data[0])
	chunk := append([]byte(nil), data[1:1+chunkSize]...)

	var (
		found *session
		key   sessionKey
	)
	for _, targetPGN := range r.sourceIndex[source] {
		k := sessionKey{source: source, targetPGN: targetPGN}
		if s, ok := r.sessions[k]; ok {
			found = s
			key = k
			break
		}
	}
	if found == nil {
		r.log.Debug("TP.DT with no active session", "source", source)
		return 0, nil, false
	}

	if seq < 1 || seq > found.totalPkts {
		r.log.Warn("invalid BAM sequence number", "seq", seq, "total", found.totalPkts)
		return 0, nil, false
	}
	found.received[seq] = chunk

	if len(found.received) < found.totalPkts {
		return 0, nil, false
	}

	reassembled := make([]byte, 0, found.totalPkts*chunkSize)
	for seqNum := 1; seqNum <= found.totalPkts; seqNum++ {
		c, ok := found.received[seqNum]
		if !ok {
			r.log.Error("missing packet in BAM reassembly", "seq", seqNum, "target_pgn", found.targetPGN)
			r.removeSessionLocked(key)
			r.pending = append(r.pending, sessionNotice{kind: SessionFailed})
			return 0, nil, false
		}
		reassembled = append(reassembled, c...)
	}
	if found.totalSize < len(reassembled) {
		reassembled = reassembled[:found.totalSize]
	}

	targetPGN := found.targetPGN
	age := time.Since(found.createdAt)
	r.removeSessionLocked(key)
	r.pending = append(r.pending, sessionNotice{kind: SessionCompleted, d: age})
	return targetPGN, reassembled, true
}

func (r *Reassembler) removeSessionLocked(key sessionKey) {
	delete(r.sessions, key)
	pgns := r.sourceIndex[key.source]
	for i, p := range pgns {
		if p == key.targetPGN {
			r.sourceIndex[key.source] = append(pgns[:i], pgns[i+1:]...)
			break
		}
	}
	if len(r.sourceIndex[key.source]) == 0 {
		delete(r.sourceIndex, key.source)
	}
}

func (r *Reassembler) evictOldestLocked() {
	if len(r.sessions) == 0 {
		return
	}
	var oldestKey sessionKey
	var oldestTime time.Time
	first := true
	for k, s := range r.sessions {
		if first || s.createdAt.Before(oldestTime) {
			oldestKey = k
			oldestTime = s.createdAt
			first = false
		}
	}
	r.log.Warn("evicting oldest BAM session at capacity", "source", oldestKey.source, "target_pgn", oldestKey.targetPGN)
	r.removeSessionLocked(oldestKey)
}

func (r *Reassembler) sweepStaleLocked() {
	now := time.Now()
	var stale []sessionKey
	for k, s := range r.sessions {
		if now.Sub(s.createdAt) > r.cfg.SessionTimeout {
			r.log.Warn("BAM session timeout", "source", s.source, "target_pgn", s.targetPGN,
				"received", len(s.received), "total", s.totalPkts)
			stale = append(stale, k)
		}
	}
	for _, k := range stale {
		r.removeSessionLocked(k)
		r.pending = append(r.pending, sessionNotice{kind: SessionTimeout})
	}
	r.lastCleanup = now
}

// ActiveSessionCount returns the number of in-flight sessions.
func (r *Reassembler) ActiveSessionCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}

// SessionInfo returns a snapshot of all in-flight sessions for debugging.
func (r *Reassembler) SessionInfo() []SessionInfo {
	r.mu.Lock()
	defer r.mu.Unlock()
	now := time.Now()
	out := make([]SessionInfo, 0, len(r.sessions))
	for k, s := range r.sessions {
		out = append(out, SessionInfo{
			Source:    k.source,
			TargetPGN: k.targetPGN,
			Received:  len(s.received),
			Total:     s.totalPkts,
			AgeS:      now.Sub(s.createdAt).Seconds(),
			Complete:  len(s.received) == s.totalPkts,
		})
	}
	return out
}
