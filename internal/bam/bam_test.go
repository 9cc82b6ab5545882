package bam

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBAMAssemblyScenarioS1(t *testing.T) {
	r := New(Config{}, nil)

	cm := []byte{0x20, 0x15, 0x00, 0x03, 0xFF, 0xF2, 0xEF, 0x01}
	_, _, ok := r.ProcessFrame(0xEC00, cm, 0x42)
	require.False(t, ok)

	dt1 := append([]byte{0x01}, []byte("Hello, ")...)
	dt2 := append([]byte{0x02}, []byte("World! ")...)
	dt3 := append([]byte{0x03}, []byte("123\x00\x00\x00\x00")...)

	_, _, ok = r.ProcessFrame(0xEB00, dt1, 0x42)
	require.False(t, ok)
	_, _, ok = r.ProcessFrame(0xEB00, dt2, 0x42)
	require.False(t, ok)

	targetPGN, payload, ok := r.ProcessFrame(0xEB00, dt3, 0x42)
	require.True(t, ok)
	assert.Equal(t, uint32(0x1FEF2), targetPGN)
	expected := "Hello, World! 123\x00\x00\x00\x00"[:21]
	assert.Equal(t, []byte(expected), payload)
	assert.Equal(t, 0, r.ActiveSessionCount())
}

func TestBAMMissingSequenceYieldsNoOutput(t *testing.T) {
	r := New(Config{}, nil)
	cm := []byte{0x20, 0x15, 0x00, 0x03, 0xFF, 0xF2, 0xEF, 0x01}
	r.ProcessFrame(0xEC00, cm, 0x42)

	dt1 := append([]byte{0x01}, []byte("Hello, ")...)
	dt3 := append([]byte{0x03}, []byte("123\x00\x00\x00\x00")...)
	_, _, ok := r.ProcessFrame(0xEB00, dt1, 0x42)
	require.False(t, ok)
	_, _, ok = r.ProcessFrame(0xEB00, dt3, 0x42)
	require.False(t, ok)
	assert.Equal(t, 1, r.ActiveSessionCount())
}

func TestBAMIndexConsistency(t *testing.T) {
	r := New(Config{}, nil)
	for i := 0; i < 5; i++ {
		cm := []byte{0x20, 0x08, 0x00, 0x02, 0xFF, byte(i), 0xEF, 0x01}
		r.ProcessFrame(0xEC00, cm, uint8(i))
	}
	var total int
	for _, pgns := range r.sourceIndex {
		total += len(pgns)
	}
	assert.Equal(t, len(r.sessions), total)
}

func TestBAMCapacityEvictsOldest(t *testing.T) {
	r := New(Config{MaxConcurrentSessions: 2}, nil)
	mkCM := func(pgnByte byte) []byte {
		return []byte{0x20, 0x08, 0x00, 0x02, 0xFF, pgnByte, 0xEF, 0x01}
	}
	r.ProcessFrame(0xEC00, mkCM(0x01), 0x10)
	time.Sleep(2 * time.Millisecond)
	r.ProcessFrame(0xEC00, mkCM(0x02), 0x11)
	time.Sleep(2 * time.Millisecond)
	r.ProcessFrame(0xEC00, mkCM(0x03), 0x12)

	assert.Equal(t, 2, r.ActiveSessionCount())
	// the first-created session (source 0x10) should have been evicted
	found := false
	for k := range r.sessions {
		if k.source == 0x10 {
			found = true
		}
	}
	assert.False(t, found)
}

func TestBAMSessionTimeout(t *testing.T) {
	r := New(Config{SessionTimeout: 10 * time.Millisecond, CleanupInterval: time.Millisecond}, nil)
	cm := []byte{0x20, 0x15, 0x00, 0x03, 0xFF, 0xF2, 0xEF, 0x01}
	r.ProcessFrame(0xEC00, cm, 0x42)
	require.Equal(t, 1, r.ActiveSessionCount())

	time.Sleep(20 * time.Millisecond)
	r.ProcessFrame(0xEC00, cm, 0x99) // triggers sweep as a side effect
	assert.Equal(t, 1, r.ActiveSessionCount())
}
