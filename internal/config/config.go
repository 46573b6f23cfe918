// Package config provides configuration management for the orchestrator.
// Configuration is loaded from environment variables with sensible defaults.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"
)

const (
	// Default values
	DefaultPort     = 8790
	DefaultLogLevel = "info"
	DefaultDataDir  = ".vpod"

	// Environment variable names
	EnvPort     = "VPOD_PORT"
	EnvLogLevel = "VPOD_LOG_LEVEL"
	EnvDataDir  = "VPOD_DATA_DIR"

	EnvMaxConcurrent     = "VPOD_MAX_CONCURRENT"
	EnvAssumeVirtualized = "VPOD_ASSUME_VIRTUALIZED"
	EnvProbeEndpoint     = "VPOD_PROBE_ENDPOINT"

	EnvTranscoderEnabled = "VPOD_TRANSCODER_ENABLED"
	EnvEditorEnabled     = "VPOD_EDITOR_ENABLED"
	EnvUpscalerEnabled   = "VPOD_UPSCALER_ENABLED"

	EnvTranscoderPath  = "VPOD_TRANSCODER_PATH"
	EnvUpscalerPath    = "VPOD_UPSCALER_PATH"
	EnvEditorBridgeURL = "VPOD_EDITOR_BRIDGE_URL"

	EnvRetryCeiling = "VPOD_RETRY_CEILING"
	EnvBackoffBase  = "VPOD_BACKOFF_BASE"
	EnvBackoffCap   = "VPOD_BACKOFF_CAP"

	EnvTranscoderTimeout = "VPOD_TRANSCODER_TIMEOUT"
	EnvEditorTimeout     = "VPOD_EDITOR_TIMEOUT"
	EnvUpscalerTimeout   = "VPOD_UPSCALER_TIMEOUT"
	EnvUploadTimeout     = "VPOD_UPLOAD_TIMEOUT"

	EnvUploadEnabled     = "VPOD_UPLOAD_ENABLED"
	EnvUploadBackend     = "VPOD_UPLOAD_BACKEND"
	EnvUploadBucket      = "VPOD_UPLOAD_BUCKET"
	EnvUploadCredentials = "VPOD_UPLOAD_CREDENTIALS"
	EnvUploadRegion      = "VPOD_UPLOAD_REGION"
	EnvUploadAccessKey   = "VPOD_UPLOAD_ACCESS_KEY"
	EnvUploadSecretKey   = "VPOD_UPLOAD_SECRET_KEY"

	EnvRetentionDays = "VPOD_RETENTION_DAYS"

	EnvHeadless = "VPOD_HEADLESS"

	// Database filename
	DBFilename = "vpod.db"

	// Retry defaults
	DefaultRetryCeiling = 3
	DefaultBackoffBase  = 2 * time.Second
	DefaultBackoffCap   = 5 * time.Minute

	// Base timeouts per backend, before the profile multiplier is applied.
	// The upscaler ceiling is deliberately much larger: AI enhancement of a
	// full tape runs for hours.
	DefaultTranscoderTimeout = 30 * time.Minute
	DefaultEditorTimeout     = 60 * time.Minute
	DefaultUpscalerTimeout   = 4 * time.Hour
	DefaultUploadTimeout     = 30 * time.Minute

	DefaultRetentionDays = 30

	DefaultProbeEndpoint = "8.8.8.8:53"
)

// Config defines the application configuration interface
type Config interface {
	Port() int
	LogLevel() string
	DataDir() string
	DBPath() string
	ArtifactsDir() string

	MaxConcurrentOverride() int
	AssumeVirtualized() bool
	ProbeEndpoint() string

	TranscoderEnabled() bool
	EditorEnabled() bool
	UpscalerEnabled() bool

	TranscoderPath() string
	UpscalerPath() string
	EditorBridgeURL() string

	RetryCeiling() int
	BackoffBase() time.Duration
	BackoffCap() time.Duration

	TranscoderTimeout() time.Duration
	EditorTimeout() time.Duration
	UpscalerTimeout() time.Duration
	UploadTimeout() time.Duration

	UploadEnabled() bool
	UploadBackend() string
	UploadBucket() string
	UploadCredentials() string
	UploadRegion() string
	UploadAccessKey() string
	UploadSecretKey() string

	RetentionPeriod() time.Duration
	Headless() bool
}

// EnvConfig reads configuration from environment variables
type EnvConfig struct {
	port     int
	logLevel string
	dataDir  string

	maxConcurrentOverride int
	assumeVirtualized     bool
	probeEndpoint         string

	transcoderEnabled bool
	editorEnabled     bool
	upscalerEnabled   bool

	transcoderPath  string
	upscalerPath    string
	editorBridgeURL string

	retryCeiling int
	backoffBase  time.Duration
	backoffCap   time.Duration

	transcoderTimeout time.Duration
	editorTimeout     time.Duration
	upscalerTimeout   time.Duration
	uploadTimeout     time.Duration

	uploadEnabled     bool
	uploadBackend     string
	uploadBucket      string
	uploadCredentials string
	uploadRegion      string
	uploadAccessKey   string
	uploadSecretKey   string

	retentionDays int
	headless      bool
}

// New creates a new EnvConfig with defaults and environment variable overrides
func New() (*EnvConfig, error) {
	cfg := &EnvConfig{
		port:              DefaultPort,
		logLevel:          DefaultLogLevel,
		dataDir:           defaultDataDir(),
		probeEndpoint:     DefaultProbeEndpoint,
		transcoderEnabled: true,
		retryCeiling:      DefaultRetryCeiling,
		backoffBase:       DefaultBackoffBase,
		backoffCap:        DefaultBackoffCap,
		transcoderTimeout: DefaultTranscoderTimeout,
		editorTimeout:     DefaultEditorTimeout,
		upscalerTimeout:   DefaultUpscalerTimeout,
		uploadTimeout:     DefaultUploadTimeout,
		uploadBackend:     "stub",
		retentionDays:     DefaultRetentionDays,
	}

	if p := os.Getenv(EnvPort); p != "" {
		port, err := strconv.Atoi(p)
		if err != nil {
			return nil, fmt.Errorf("invalid %s: %w", EnvPort, err)
		}
		if port < 1 || port > 65535 {
			return nil, fmt.Errorf("invalid %s: port must be between 1 and 65535", EnvPort)
		}
		cfg.port = port
	}

	if ll := os.Getenv(EnvLogLevel); ll != "" {
		cfg.logLevel = ll
	}
	if dd := os.Getenv(EnvDataDir); dd != "" {
		cfg.dataDir = dd
	}
	if pe := os.Getenv(EnvProbeEndpoint); pe != "" {
		cfg.probeEndpoint = pe
	}

	var err error
	if cfg.maxConcurrentOverride, err = intFromEnv(EnvMaxConcurrent, 0); err != nil {
		return nil, err
	}
	cfg.assumeVirtualized = boolFromEnv(EnvAssumeVirtualized, false)

	cfg.transcoderEnabled = boolFromEnv(EnvTranscoderEnabled, true)
	cfg.editorEnabled = boolFromEnv(EnvEditorEnabled, false)
	cfg.upscalerEnabled = boolFromEnv(EnvUpscalerEnabled, false)

	cfg.transcoderPath = os.Getenv(EnvTranscoderPath)
	cfg.upscalerPath = os.Getenv(EnvUpscalerPath)
	cfg.editorBridgeURL = os.Getenv(EnvEditorBridgeURL)

	if cfg.retryCeiling, err = intFromEnv(EnvRetryCeiling, DefaultRetryCeiling); err != nil {
		return nil, err
	}
	if cfg.backoffBase, err = durationFromEnv(EnvBackoffBase, DefaultBackoffBase); err != nil {
		return nil, err
	}
	if cfg.backoffCap, err = durationFromEnv(EnvBackoffCap, DefaultBackoffCap); err != nil {
		return nil, err
	}

	if cfg.transcoderTimeout, err = durationFromEnv(EnvTranscoderTimeout, DefaultTranscoderTimeout); err != nil {
		return nil, err
	}
	if cfg.editorTimeout, err = durationFromEnv(EnvEditorTimeout, DefaultEditorTimeout); err != nil {
		return nil, err
	}
	if cfg.upscalerTimeout, err = durationFromEnv(EnvUpscalerTimeout, DefaultUpscalerTimeout); err != nil {
		return nil, err
	}
	if cfg.uploadTimeout, err = durationFromEnv(EnvUploadTimeout, DefaultUploadTimeout); err != nil {
		return nil, err
	}

	cfg.uploadEnabled = boolFromEnv(EnvUploadEnabled, false)
	if ub := os.Getenv(EnvUploadBackend); ub != "" {
		cfg.uploadBackend = ub
	}
	cfg.uploadBucket = os.Getenv(EnvUploadBucket)
	cfg.uploadCredentials = os.Getenv(EnvUploadCredentials)
	cfg.uploadRegion = os.Getenv(EnvUploadRegion)
	cfg.uploadAccessKey = os.Getenv(EnvUploadAccessKey)
	cfg.uploadSecretKey = os.Getenv(EnvUploadSecretKey)

	if cfg.retentionDays, err = intFromEnv(EnvRetentionDays, DefaultRetentionDays); err != nil {
		return nil, err
	}

	cfg.headless = boolFromEnv(EnvHeadless, false)

	return cfg, nil
}

func intFromEnv(name string, def int) (int, error) {
	v := os.Getenv(name)
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", name, err)
	}
	return n, nil
}

func boolFromEnv(name string, def bool) bool {
	v := os.Getenv(name)
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def
	}
	return b
}

func durationFromEnv(name string, def time.Duration) (time.Duration, error) {
	v := os.Getenv(name)
	if v == "" {
		return def, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", name, err)
	}
	return d, nil
}

// Port returns the HTTP server port
func (c *EnvConfig) Port() int {
	return c.port
}

// LogLevel returns the log level (debug, info, warn, error)
func (c *EnvConfig) LogLevel() string {
	return c.logLevel
}

// DataDir returns the data directory path
func (c *EnvConfig) DataDir() string {
	return c.dataDir
}

// DBPath returns the full path to the SQLite database file
func (c *EnvConfig) DBPath() string {
	return filepath.Join(c.dataDir, DBFilename)
}

// ArtifactsDir returns the directory for processed output files
func (c *EnvConfig) ArtifactsDir() string {
	return filepath.Join(c.dataDir, "artifacts")
}

// MaxConcurrentOverride returns the explicit concurrency cap, 0 when unset.
// A non-zero value wins over the detected environment's conservative cap.
func (c *EnvConfig) MaxConcurrentOverride() int {
	return c.maxConcurrentOverride
}

func (c *EnvConfig) AssumeVirtualized() bool {
	return c.assumeVirtualized
}

func (c *EnvConfig) ProbeEndpoint() string {
	return c.probeEndpoint
}

func (c *EnvConfig) TranscoderEnabled() bool { return c.transcoderEnabled }
func (c *EnvConfig) EditorEnabled() bool     { return c.editorEnabled }
func (c *EnvConfig) UpscalerEnabled() bool   { return c.upscalerEnabled }

func (c *EnvConfig) TranscoderPath() string  { return c.transcoderPath }
func (c *EnvConfig) UpscalerPath() string    { return c.upscalerPath }
func (c *EnvConfig) EditorBridgeURL() string { return c.editorBridgeURL }

func (c *EnvConfig) RetryCeiling() int          { return c.retryCeiling }
func (c *EnvConfig) BackoffBase() time.Duration { return c.backoffBase }
func (c *EnvConfig) BackoffCap() time.Duration  { return c.backoffCap }

func (c *EnvConfig) TranscoderTimeout() time.Duration { return c.transcoderTimeout }
func (c *EnvConfig) EditorTimeout() time.Duration     { return c.editorTimeout }
func (c *EnvConfig) UpscalerTimeout() time.Duration   { return c.upscalerTimeout }
func (c *EnvConfig) UploadTimeout() time.Duration     { return c.uploadTimeout }

func (c *EnvConfig) UploadEnabled() bool       { return c.uploadEnabled }
func (c *EnvConfig) UploadBackend() string     { return c.uploadBackend }
func (c *EnvConfig) UploadBucket() string      { return c.uploadBucket }
func (c *EnvConfig) UploadCredentials() string { return c.uploadCredentials }
func (c *EnvConfig) UploadRegion() string      { return c.uploadRegion }
func (c *EnvConfig) UploadAccessKey() string   { return c.uploadAccessKey }
func (c *EnvConfig) UploadSecretKey() string   { return c.uploadSecretKey }

// RetentionPeriod returns how long terminal jobs are kept before archival.
func (c *EnvConfig) RetentionPeriod() time.Duration {
	return time.Duration(c.retentionDays) * 24 * time.Hour
}

// Headless disables the system tray.
func (c *EnvConfig) Headless() bool { return c.headless }

// defaultDataDir returns the default data directory path
func defaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		// Fallback to current directory if home is not available
		return DefaultDataDir
	}
	return filepath.Join(home, DefaultDataDir)
}
