// Package config implements the configuration service (C3): TTL+LRU caches
// over DGN specifications, device mappings, protocol settings, and the full
// RV-C specification, with mtime-based pull reload and optional fsnotify
// push invalidation.
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"gopkg.in/yaml.v3"

	"canrvc/pkg/models"
)

// ErrMissingDir is returned by New when config_dir does not exist.
var ErrMissingDir = errors.New("config: configuration directory does not exist")

const (
	dgnCacheCapacity      = 1000
	mappingCacheCapacity  = 100
	specCacheCapacity     = 10
	protocolCacheCapacity = 50

	defaultCacheTTL = 5 * time.Minute
	checkInterval   = 10 * time.Second

	rvcSpecFilename    = "rvc.json"
	defaultMappingFile = "coach_mapping.default.yml"
	protocolConfigFile = "protocol_config.yml"

	envSpecPathOverride    = "RVC_SPEC_PATH"
	envMappingPathOverride = "RVC_COACH_MAPPING_PATH"
)

// ProtocolConfig is the decoded configuration for one wire protocol.
type ProtocolConfig struct {
	Priority        int  `yaml:"priority" json:"priority"`
	DataRate        int  `yaml:"data_rate" json:"data_rate"`
	ExtendedID      bool `yaml:"extended_id" json:"extended_id"`
	TimeoutMS       int  `yaml:"timeout_ms" json:"timeout_ms"`
	AddressClaiming bool `yaml:"address_claiming,omitempty" json:"address_claiming,omitempty"`
}

var defaultProtocolConfigs = map[string]ProtocolConfig{
	"rvc":   {Priority: 6, DataRate: 250000, ExtendedID: true, TimeoutMS: 100},
	"j1939": {Priority: 3, DataRate: 250000, ExtendedID: true, TimeoutMS: 50, AddressClaiming: true},
	"can":   {DataRate: 250000, ExtendedID: false, TimeoutMS: 10},
}

type fullSpec struct {
	DGNs map[string]models.DGNSpec `json:"dgns"`
}

// CacheStats summarizes one cache's size/capacity/TTL for monitoring.
type CacheStats struct {
	Size       int
	MaxSize    int
	TTLSeconds float64
}

// Service is the configuration service. All exported methods are safe for
// concurrent use behind a single lock, matching the single non-reentrant
// lock discipline used elsewhere in this codebase.
type Service struct {
	configDir string
	log       *slog.Logger

	specPathOverride    string
	mappingPathOverride string

	mu             sync.Mutex
	dgnCache       *lruCache
	mappingCache   *lruCache
	specCache      *lruCache
	protocolCache  *lruCache
	fileTimestamps map[string]time.Time
	lastCheck      time.Time
}

// New constructs a Service rooted at configDir. It fails fast if configDir
// does not exist.
func New(configDir string, cacheTTL time.Duration, logger *slog.Logger) (*Service, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if cacheTTL <= 0 {
		cacheTTL = defaultCacheTTL
	}
	if _, err := os.Stat(configDir); err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", ErrMissingDir, configDir)
		}
		return nil, fmt.Errorf("config: stat %s: %w", configDir, err)
	}

	svc := &Service{
		configDir:      configDir,
		log:            logger.With("component", "config"),
		dgnCache:       newLRUCache(dgnCacheCapacity, cacheTTL),
		mappingCache:   newLRUCache(mappingCacheCapacity, cacheTTL),
		specCache:      newLRUCache(specCacheCapacity, cacheTTL),
		protocolCache:  newLRUCache(protocolCacheCapacity, cacheTTL),
		fileTimestamps: make(map[string]time.Time),
		lastCheck:      time.Now(),
	}
	svc.specPathOverride = svc.resolvePathOverride(envSpecPathOverride, "RV-C spec")
	svc.mappingPathOverride = svc.resolvePathOverride(envMappingPathOverride, "device mapping")
	return svc, nil
}

// resolvePathOverride reads envVar and returns its value if it names a
// readable file, otherwise "" (the override is ignored, matching
// get_actual_paths()'s exists+R_OK guard).
func (s *Service) resolvePathOverride(envVar, label string) string {
	path := os.Getenv(envVar)
	if path == "" {
		return ""
	}
	f, err := os.Open(path)
	if err != nil {
		s.log.Warn(label+" path override is unreadable, ignoring", "env", envVar, "path", path, "error", err)
		return ""
	}
	f.Close()
	s.log.Info("using "+label+" path from environment variable", "env", envVar, "path", path)
	return path
}

// GetDGNSpec returns the specification for dgn, loading and caching it from
// the full spec on a cache miss. A missing DGN is a warn-log, not an error.
func (s *Service) GetDGNSpec(dgn uint32) (*models.DGNSpec, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := fmt.Sprintf("dgn_%04X", dgn)
	if v, ok := s.dgnCache.Get(key); ok {
		spec := v.(models.DGNSpec)
		return &spec, true
	}

	spec, ok := s.loadDGNSpecLocked(dgn)
	if !ok {
		return nil, false
	}
	s.dgnCache.Set(key, spec)
	return &spec, true
}

func (s *Service) loadDGNSpecLocked(dgn uint32) (models.DGNSpec, bool) {
	full, ok := s.loadFullSpecLocked()
	if !ok {
		return models.DGNSpec{}, false
	}
	hexKey := fmt.Sprintf("%04X", dgn)
	if spec, ok := full.DGNs[hexKey]; ok {
		return spec, true
	}
	decKey := fmt.Sprintf("%d", dgn)
	if spec, ok := full.DGNs[decKey]; ok {
		return spec, true
	}
	s.log.Warn("DGN not found in specification", "dgn", hexKey)
	return models.DGNSpec{}, false
}

// GetDeviceMapping returns the device mapping for deviceType, falling back
// to the default coach mapping file.
func (s *Service) GetDeviceMapping(deviceType string) (map[string]any, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := "mapping_" + deviceType
	if v, ok := s.mappingCache.Get(key); ok {
		return v.(map[string]any), true
	}

	mapping, ok := s.loadDeviceMappingLocked(deviceType)
	if !ok {
		return nil, false
	}
	s.mappingCache.Set(key, mapping)
	return mapping, true
}

func (s *Service) loadDeviceMappingLocked(deviceType string) (map[string]any, bool) {
	path := filepath.Join(s.configDir, deviceType+"_mapping.yml")
	if _, err := os.Stat(path); err != nil {
		path = s.defaultMappingPath()
	}
	data, err := os.ReadFile(path)
	if err != nil {
		s.log.Warn("no mapping file found for device type", "device_type", deviceType)
		return nil, false
	}
	var mapping map[string]any
	if err := yaml.Unmarshal(data, &mapping); err != nil {
		s.log.Error("error loading device mapping", "device_type", deviceType, "error", err)
		return nil, false
	}
	return mapping, true
}

// defaultMappingPath returns RVC_COACH_MAPPING_PATH's target when that
// override was set and readable at startup, otherwise the configDir default.
func (s *Service) defaultMappingPath() string {
	if s.mappingPathOverride != "" {
		return s.mappingPathOverride
	}
	return filepath.Join(s.configDir, defaultMappingFile)
}

// GetProtocolConfig returns the configuration for protocol, falling back to
// built-in defaults when no file or key is present.
func (s *Service) GetProtocolConfig(protocol string) ProtocolConfig {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := "protocol_" + protocol
	if v, ok := s.protocolCache.Get(key); ok {
		return v.(ProtocolConfig)
	}

	cfg := s.loadProtocolConfigLocked(protocol)
	s.protocolCache.Set(key, cfg)
	return cfg
}

func (s *Service) loadProtocolConfigLocked(protocol string) ProtocolConfig {
	path := filepath.Join(s.configDir, protocolConfigFile)
	data, err := os.ReadFile(path)
	if err != nil {
		return defaultProtocolConfigs[protocol]
	}

	var all map[string]ProtocolConfig
	if err := yaml.Unmarshal(data, &all); err != nil {
		s.log.Error("error loading protocol config", "protocol", protocol, "error", err)
		return defaultProtocolConfigs[protocol]
	}
	if cfg, ok := all[protocol]; ok {
		return cfg
	}
	return defaultProtocolConfigs[protocol]
}

// GetFullSpec returns the parsed rvc.json specification.
func (s *Service) GetFullSpec() (map[string]models.DGNSpec, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	full, ok := s.loadFullSpecLocked()
	if !ok {
		return nil, false
	}
	return full.DGNs, true
}

func (s *Service) loadFullSpecLocked() (fullSpec, bool) {
	const cacheKey = "full_rvc_spec"
	if v, ok := s.specCache.Get(cacheKey); ok {
		return v.(fullSpec), true
	}

	path := s.specPathOverride
	if path == "" {
		path = filepath.Join(s.configDir, rvcSpecFilename)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		s.log.Error("RV-C specification file not found", "path", path)
		return fullSpec{}, false
	}

	var spec fullSpec
	if err := json.Unmarshal(data, &spec); err != nil {
		s.log.Error("invalid JSON in RV-C specification", "error", err)
		return fullSpec{}, false
	}
	s.specCache.Set(cacheKey, spec)
	return spec, true
}

// ReloadConfiguration clears all caches and the file-mtime map, forcing
// fresh loads on next access.
func (s *Service) ReloadConfiguration() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reloadConfigurationLocked()
}

func (s *Service) reloadConfigurationLocked() {
	s.dgnCache.Clear()
	s.mappingCache.Clear()
	s.specCache.Clear()
	s.protocolCache.Clear()
	s.fileTimestamps = make(map[string]time.Time)
	s.log.Info("configuration caches cleared - will reload on next access")
}

// CheckForUpdates is rate-limited to once per 10s. It compares the mtime of
// known configuration files to the last observed mtime and triggers a
// reload if any changed, returning whether a reload happened.
func (s *Service) CheckForUpdates() bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	if now.Sub(s.lastCheck) < checkInterval {
		return false
	}
	s.lastCheck = now

	specPath := s.specPathOverride
	if specPath == "" {
		specPath = filepath.Join(s.configDir, rvcSpecFilename)
	}
	watched := map[string]string{
		rvcSpecFilename:    specPath,
		defaultMappingFile: s.defaultMappingPath(),
		protocolConfigFile: filepath.Join(s.configDir, protocolConfigFile),
	}

	changed := false
	for filename, path := range watched {
		info, err := os.Stat(path)
		if err != nil {
			continue
		}
		mtime := info.ModTime()
		if mtime.After(s.fileTimestamps[filename]) {
			s.log.Info("configuration file modified", "file", filename)
			s.fileTimestamps[filename] = mtime
			changed = true
		}
	}
	if changed {
		observed := s.fileTimestamps
		s.reloadConfigurationLocked()
		// Keep the mtimes just observed so the next check compares against them.
		s.fileTimestamps = observed
	}
	return changed
}

// GetCacheStats reports per-cache size/capacity/TTL for monitoring.
func (s *Service) GetCacheStats() map[string]CacheStats {
	s.mu.Lock()
	defer s.mu.Unlock()
	mk := func(c *lruCache, capacity int) CacheStats {
		return CacheStats{Size: c.Len(), MaxSize: capacity, TTLSeconds: c.ttl.Seconds()}
	}
	return map[string]CacheStats{
		"dgn_cache":      mk(s.dgnCache, dgnCacheCapacity),
		"mapping_cache":  mk(s.mappingCache, mappingCacheCapacity),
		"spec_cache":     mk(s.specCache, specCacheCapacity),
		"protocol_cache": mk(s.protocolCache, protocolCacheCapacity),
	}
}
