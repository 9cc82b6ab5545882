package monitoring

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRecordMessageDerivesAvgAndErrorRate(t *testing.T) {
	m := New(nil)

	m.RecordMessage(ComponentSafetyEngine, 2*time.Millisecond)
	m.RecordMessage(ComponentSafetyEngine, 4*time.Millisecond)
	m.RecordError(ComponentSafetyEngine)

	snap := m.Snapshot(ComponentSafetyEngine)
	assert.Equal(t, int64(2), snap.MessagesProcessed)
	assert.Equal(t, int64(1), snap.ErrorCount)
	assert.InDelta(t, 3.0, snap.AvgProcessingMS, 0.01)
	assert.InDelta(t, 50.0, snap.ErrorRatePct, 0.01)
}

func TestCheckPerformanceThresholdsFlagsSlowProcessing(t *testing.T) {
	m := New(nil)
	m.RecordMessage(ComponentRVCDecoder, 20*time.Millisecond)

	violations := m.CheckPerformanceThresholds()
	require.NotEmpty(t, violations)
	found := false
	for _, v := range violations {
		if v.Component == ComponentRVCDecoder && v.Metric == "processing_time_ms" {
			found = true
			assert.Equal(t, "warning", v.Severity)
		}
	}
	assert.True(t, found)
}

func TestCheckPerformanceThresholdsFlagsBAMCompletionTime(t *testing.T) {
	m := New(nil)
	m.RecordBAMSessionStarted()
	m.RecordBAMSessionCompleted(80 * time.Millisecond)

	violations := m.CheckPerformanceThresholds()
	found := false
	for _, v := range violations {
		if v.Component == ComponentBAMHandler && v.Metric == "bam_completion_time_ms" {
			found = true
		}
	}
	assert.True(t, found)
}

func TestGetPrometheusMetricsIncludesHelpAndType(t *testing.T) {
	m := New(nil)
	m.RecordMessage(ComponentProtocolRouter, time.Millisecond)

	text := m.GetPrometheusMetrics()
	assert.True(t, strings.Contains(text, "# HELP canbus_decoder_messages_processed_total"))
	assert.True(t, strings.Contains(text, "# TYPE canbus_decoder_messages_processed_total counter"))
	assert.True(t, strings.Contains(text, `component="protocol_router"`))
}

func TestResetMetricsClearsCountersAndUptime(t *testing.T) {
	m := New(nil)
	m.RecordMessage(ComponentSafetyEngine, time.Millisecond)
	m.RecordError(ComponentSafetyEngine)
	before := m.system.uptimeStart
	time.Sleep(time.Millisecond)

	m.ResetMetrics()

	snap := m.Snapshot(ComponentSafetyEngine)
	assert.Equal(t, int64(0), snap.MessagesProcessed)
	assert.Equal(t, int64(0), snap.ErrorCount)
	assert.True(t, m.system.uptimeStart.After(before))
}

func TestBackgroundCollectorRespondsToStopWithinOneInterval(t *testing.T) {
	m := New(nil, WithCollectionInterval(20*time.Millisecond))
	m.Start()
	done := make(chan struct{})
	go func() {
		m.Stop()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(200 * time.Millisecond):
		t.Fatal("collector did not stop within one interval")
	}
}

func TestRetentionCapSizedFromRetentionHours(t *testing.T) {
	m := New(nil, WithCollectionInterval(time.Second), WithRetentionHours(1.0/3600.0))
	assert.Equal(t, 1, m.retentionCap)
}
