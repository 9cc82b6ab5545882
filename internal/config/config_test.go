package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, dir, name, content string) {
	t.Helper()
	require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(content), 0o644))
}

func TestNewFailsFastOnMissingDir(t *testing.T) {
	_, err := New(filepath.Join(t.TempDir(), "does-not-exist"), 0, nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrMissingDir)
}

func TestGetFullSpecAndDGNSpec(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "rvc.json", `{"dgns": {"1FEF2": {"dgn_hex": "1FEF2", "name": "Test DGN", "data_length": 8, "signals": []}}}`)

	svc, err := New(dir, 0, nil)
	require.NoError(t, err)

	spec, ok := svc.GetDGNSpec(0x1FEF2)
	require.True(t, ok)
	assert.Equal(t, "Test DGN", spec.Name)

	_, ok = svc.GetDGNSpec(0xDEAD)
	assert.False(t, ok)

	full, ok := svc.GetFullSpec()
	require.True(t, ok)
	assert.Contains(t, full, "1FEF2")
}

func TestGetProtocolConfigDefaults(t *testing.T) {
	dir := t.TempDir()
	svc, err := New(dir, 0, nil)
	require.NoError(t, err)

	cfg := svc.GetProtocolConfig("rvc")
	assert.Equal(t, 6, cfg.Priority)
	assert.Equal(t, 100, cfg.TimeoutMS)

	cfg = svc.GetProtocolConfig("j1939")
	assert.True(t, cfg.AddressClaiming)
}

func TestGetProtocolConfigFromFile(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "protocol_config.yml", "rvc:\n  priority: 1\n  data_rate: 500000\n  extended_id: true\n  timeout_ms: 20\n")

	svc, err := New(dir, 0, nil)
	require.NoError(t, err)
	cfg := svc.GetProtocolConfig("rvc")
	assert.Equal(t, 1, cfg.Priority)
	assert.Equal(t, 500000, cfg.DataRate)
}

func TestGetDeviceMappingFallsBackToDefault(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "coach_mapping.default.yml", "device: default\n")

	svc, err := New(dir, 0, nil)
	require.NoError(t, err)
	mapping, ok := svc.GetDeviceMapping("furnace")
	require.True(t, ok)
	assert.Equal(t, "default", mapping["device"])
}

func TestCacheHitAvoidsReload(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "rvc.json", `{"dgns": {"0001": {"name": "A"}}}`)

	svc, err := New(dir, time.Minute, nil)
	require.NoError(t, err)
	_, ok := svc.GetDGNSpec(1)
	require.True(t, ok)

	// With the file gone, a second lookup can only succeed from the cache.
	require.NoError(t, os.Remove(filepath.Join(dir, "rvc.json")))
	spec, ok := svc.GetDGNSpec(1)
	require.True(t, ok)
	assert.Equal(t, "A", spec.Name)

	stats := svc.GetCacheStats()
	assert.Equal(t, 1, stats["dgn_cache"].Size)
	assert.Equal(t, 1, stats["spec_cache"].Size)
}

func TestReloadConfigurationClearsCaches(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "rvc.json", `{"dgns": {"0001": {"name": "A"}}}`)

	svc, err := New(dir, time.Minute, nil)
	require.NoError(t, err)
	svc.GetDGNSpec(1)
	svc.ReloadConfiguration()

	stats := svc.GetCacheStats()
	assert.Equal(t, 0, stats["dgn_cache"].Size)
}

func TestSpecPathOverrideUsedWhenReadable(t *testing.T) {
	dir := t.TempDir()
	overrideDir := t.TempDir()
	overridePath := filepath.Join(overrideDir, "custom-spec.json")
	writeFile(t, overrideDir, "custom-spec.json", `{"dgns": {"0002": {"name": "Overridden"}}}`)
	writeFile(t, dir, "rvc.json", `{"dgns": {"0001": {"name": "Default"}}}`)

	t.Setenv("RVC_SPEC_PATH", overridePath)
	svc, err := New(dir, 0, nil)
	require.NoError(t, err)

	spec, ok := svc.GetDGNSpec(2)
	require.True(t, ok)
	assert.Equal(t, "Overridden", spec.Name)

	_, ok = svc.GetDGNSpec(1)
	assert.False(t, ok)
}

func TestSpecPathOverrideIgnoredWhenUnreadable(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "rvc.json", `{"dgns": {"0001": {"name": "Default"}}}`)

	t.Setenv("RVC_SPEC_PATH", filepath.Join(t.TempDir(), "does-not-exist.json"))
	svc, err := New(dir, 0, nil)
	require.NoError(t, err)

	spec, ok := svc.GetDGNSpec(1)
	require.True(t, ok)
	assert.Equal(t, "Default", spec.Name)
}

func TestMappingPathOverrideUsedForDefaultFallback(t *testing.T) {
	dir := t.TempDir()
	overrideDir := t.TempDir()
	writeFile(t, overrideDir, "custom-mapping.yml", "device: overridden\n")
	writeFile(t, dir, "coach_mapping.default.yml", "device: default\n")

	t.Setenv("RVC_COACH_MAPPING_PATH", filepath.Join(overrideDir, "custom-mapping.yml"))
	svc, err := New(dir, 0, nil)
	require.NoError(t, err)

	mapping, ok := svc.GetDeviceMapping("furnace")
	require.True(t, ok)
	assert.Equal(t, "overridden", mapping["device"])
}

func TestCheckForUpdatesRateLimited(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "rvc.json", `{"dgns": {}}`)

	svc, err := New(dir, time.Minute, nil)
	require.NoError(t, err)
	svc.lastCheck = time.Now()

	changed := svc.CheckForUpdates()
	assert.False(t, changed)
}

func TestLRUCacheEvictsOldestAtCapacity(t *testing.T) {
	c := newLRUCache(2, time.Minute)
	c.Set("a", 1)
	c.Set("b", 2)
	c.Set("c", 3)

	_, ok := c.Get("a")
	assert.False(t, ok)
	_, ok = c.Get("c")
	assert.True(t, ok)
}

func TestLRUCacheExpiresEntries(t *testing.T) {
	c := newLRUCache(10, time.Millisecond)
	c.Set("a", 1)
	time.Sleep(5 * time.Millisecond)
	_, ok := c.Get("a")
	assert.False(t, ok)
}
