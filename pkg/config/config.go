// Package config provides configuration loading, validation, and access for sankosides.
//
// A single global Config is loaded once from <projectDir>/.sankosides/config.json.
// Missing files are created with defaults; existing files get defaults applied for
// absent fields and are written back so older configs pick up new settings.
//
//	err := config.LoadConfig(projectDir)
//	cfg, err := config.GetConfig() // by value
//
// Algorithm constants that users should not tune live in the const block below,
// not in the file.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/Kevin-nav/sankosides/pkg/logx"
)

//nolint:gochecknoglobals // Intentional singleton pattern for config management
var (
	config     *Config
	projectDir string // Immutable after LoadConfig
	logger     *logx.Logger
	mu         sync.RWMutex
)

func getLogger() *logx.Logger {
	if logger == nil {
		logger = logx.NewLogger("config")
	}
	return logger
}

// LogInfo logs an info message using the config logger.
func LogInfo(format string, args ...interface{}) {
	getLogger().Info(format, args...)
}

const (
	ProjectConfigDir      = ".sankosides"
	ProjectConfigFilename = "config.json"
	StagesOverrideFile    = "stages.yaml"
	DatabaseFilename      = "sankosides.db"
	SessionsDirName       = "sessions"
	EventLogDirName       = "events"
	SchemaVersion         = "1.0"

	// Pipeline defaults.
	DefaultQAThreshold       = 95.0
	DefaultMaxQALoops        = 3
	DefaultMaxRetryAttempts  = 2
	DefaultMaxParallelSlides = 4
	DefaultSessionTTL        = 24 * time.Hour
	DefaultJanitorInterval   = 10 * time.Minute

	// Model defaults per tier.
	DefaultFlashModel    = "gemini-2.5-flash"
	DefaultProModel      = "gemini-2.5-pro"
	DefaultThinkingLevel = "medium"

	// Research polling defaults.
	DefaultResearchAgent       = "deep-research-pro-preview-12-2025"
	DefaultResearchInterval    = 10 * time.Second
	DefaultResearchMaxInterval = 60 * time.Second
	DefaultResearchCeiling     = time.Hour

	DefaultRenderURL     = "http://localhost:8787"
	DefaultRenderTimeout = 30 * time.Second

	DefaultWebUIHost = "localhost"
	DefaultWebUIPort = 8080

	StorageSQLite = "sqlite"
	StorageJSON   = "json"

	ThinkingLow    = "low"
	ThinkingMedium = "medium"
	ThinkingHigh   = "high"

	GracefulShutdownTimeoutSec = 30
)

// ModelsConfig maps stage tiers to concrete model names.
type ModelsConfig struct {
	Flash         string `json:"flash"`          // Fast tier: synthesis, clarification, QA grading
	Pro           string `json:"pro"`            // Quality tier: outline, plan, refine, generate
	ThinkingLevel string `json:"thinking_level"` // low | medium | high
}

// FlowConfig holds the pipeline knobs consumed by the flow engine.
type FlowConfig struct {
	QAThreshold       float64       `json:"qa_threshold"`
	MaxQALoops        int           `json:"max_qa_loops"`
	MaxRetryAttempts  int           `json:"max_retry_attempts"`
	MaxParallelSlides int           `json:"max_parallel_slides"`
	SessionTTL        time.Duration `json:"session_ttl"`
	JanitorInterval   time.Duration `json:"janitor_interval"`
	InfraRetry        RetryConfig   `json:"infra_retry"` // backoff for infrastructure errors, independent of the retry budget
}

// DefaultsConfig seeds OrderForm fields the user did not specify.
type DefaultsConfig struct {
	CitationStyle string `json:"citation_style"`
	ThemeID       string `json:"theme_id"`
	Tone          string `json:"tone"`
}

// ModelLimit caps one model's usage. Zero fields are unlimited.
type ModelLimit struct {
	MaxTPM         int     `json:"max_tpm"`          // prompt+completion tokens per minute
	DailyBudgetUSD float64 `json:"daily_budget_usd"` // resets at local midnight
	MaxConcurrent  int     `json:"max_concurrent"`   // in-flight requests
}

// ClarifyConfig tunes the requirements extractor.
type ClarifyConfig struct {
	ConfirmationPhrases []string `json:"confirmation_phrases,omitempty"` // regexes; empty uses built-ins
}

// CircuitBreakerConfig defines configuration for circuit breaker behavior.
type CircuitBreakerConfig struct {
	FailureThreshold int           `json:"failure_threshold"` // Number of failures before opening circuit
	SuccessThreshold int           `json:"success_threshold"` // Number of successes to close circuit from half-open
	Timeout          time.Duration `json:"timeout"`           // Time to wait before trying half-open
}

// RetryConfig defines configuration for retry behavior.
type RetryConfig struct {
	MaxAttempts   int           `json:"max_attempts"`   // Including the initial attempt
	InitialDelay  time.Duration `json:"initial_delay"`  // Delay before first retry
	MaxDelay      time.Duration `json:"max_delay"`      // Cap between retries
	BackoffFactor float64       `json:"backoff_factor"` // Multiplier for exponential backoff
	Jitter        bool          `json:"jitter"`         // Add random jitter to prevent thundering herd
}

// ResilienceConfig bundles LLM middleware settings.
type ResilienceConfig struct {
	CircuitBreaker CircuitBreakerConfig `json:"circuit_breaker"`
	Retry          RetryConfig          `json:"retry"`
	Timeout        time.Duration        `json:"timeout"` // Per-request timeout
}

// MetricsConfig defines configuration for metrics collection.
type MetricsConfig struct {
	Enabled       bool   `json:"enabled"`
	Namespace     string `json:"namespace"`
	PrometheusURL string `json:"prometheus_url"` // Prometheus server for cross-session cost queries
}

// StorageConfig selects the session persistence backend.
type StorageConfig struct {
	Backend string `json:"backend"` // sqlite | json
	Path    string `json:"path"`    // relative to the project config dir when not absolute
}

// RenderConfig points at the asset render microservice.
type RenderConfig struct {
	URL     string        `json:"url"`
	Timeout time.Duration `json:"timeout"`
}

// ResearchConfig controls deep research polling.
type ResearchConfig struct {
	Enabled     bool          `json:"enabled"`
	Agent       string        `json:"agent"`
	Interval    time.Duration `json:"interval"`
	MaxInterval time.Duration `json:"max_interval"`
	Ceiling     time.Duration `json:"ceiling"`
}

// SnapshotConfig enables headless screenshots of generated slides for visual QA.
type SnapshotConfig struct {
	Enabled bool `json:"enabled"`
	Width   int  `json:"width"`
	Height  int  `json:"height"`
}

// WebUIConfig contains HTTP server settings.
type WebUIConfig struct {
	Enabled bool   `json:"enabled"`
	Host    string `json:"host"`
	Port    int    `json:"port"`
}

// LogsConfig controls file logging and the JSONL event audit log.
type LogsConfig struct {
	Dir       string `json:"dir"`
	Tee       bool   `json:"tee"`
	EventLogs bool   `json:"event_logs"`
}

// Config is the whole of .sankosides/config.json.
type Config struct {
	SchemaVersion string            `json:"schema_version"`
	Models        *ModelsConfig     `json:"models"`
	Flow          *FlowConfig       `json:"flow"`
	Defaults      *DefaultsConfig   `json:"defaults"`
	Clarify       *ClarifyConfig    `json:"clarify"`
	Resilience    *ResilienceConfig `json:"resilience"`
	Metrics       *MetricsConfig    `json:"metrics"`
	Storage       *StorageConfig    `json:"storage"`
	Render        *RenderConfig     `json:"render"`
	Research      *ResearchConfig   `json:"research"`
	Snapshot      *SnapshotConfig   `json:"snapshot"`
	WebUI         *WebUIConfig      `json:"webui"`
	Logs          *LogsConfig       `json:"logs"`

	// Limits is keyed by model name.
	Limits map[string]ModelLimit `json:"limits,omitempty"`
}

// GetProjectDir returns the directory passed to LoadConfig.
func GetProjectDir() string {
	mu.RLock()
	defer mu.RUnlock()
	return projectDir
}

// GetConfigDir returns <projectDir>/.sankosides.
func GetConfigDir() string {
	return filepath.Join(GetProjectDir(), ProjectConfigDir)
}

// GetConfig returns the current global config BY VALUE.
// Must call LoadConfig (or SetConfigForTesting) first.
func GetConfig() (Config, error) {
	mu.RLock()
	defer mu.RUnlock()
	if config == nil {
		return Config{}, fmt.Errorf("config not initialized - call LoadConfig first")
	}
	return *config, nil
}

// SetConfigForTesting sets the global config. Pass nil to reset.
// Sections left nil are filled with defaults.
func SetConfigForTesting(cfg *Config) {
	mu.Lock()
	defer mu.Unlock()
	if cfg != nil {
		applyDefaults(cfg)
	}
	config = cfg
	if cfg == nil {
		projectDir = ""
	}
}

// DefaultConfig returns a fully defaulted config without touching the singleton.
func DefaultConfig() Config {
	return *createDefaultConfig()
}

// LoadConfig loads <projectDir>/.sankosides/config.json into the global singleton.
//
// Missing file: defaults are created and saved.
// Existing file: defaults applied for missing fields, validated, saved back.
// Unparseable file: error, to avoid overwriting user changes.
func LoadConfig(inputProjectDir string) error {
	mu.Lock()
	defer mu.Unlock()

	projectDir = inputProjectDir
	configPath := filepath.Join(projectDir, ProjectConfigDir, ProjectConfigFilename)

	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		getLogger().Info("📝 Config file not found, creating new config at %s", configPath)
		config = createDefaultConfig()
		if err := validateConfig(config); err != nil {
			return fmt.Errorf("default config validation failed: %w", err)
		}
		if err := saveConfigLocked(); err != nil {
			return fmt.Errorf("failed to save initial config: %w", err)
		}
		return nil
	}

	getLogger().Info("📝 Loading config from %s", configPath)
	loaded, err := loadConfigFromFile(configPath)
	if err != nil {
		return fmt.Errorf("fatal: config file exists but cannot be parsed (to avoid overwriting your changes): %w", err)
	}

	applyDefaults(loaded)
	if err := validateConfig(loaded); err != nil {
		return fmt.Errorf("config validation failed: %w", err)
	}
	config = loaded

	if err := saveConfigLocked(); err != nil {
		return fmt.Errorf("failed to save config with applied defaults: %w", err)
	}

	getLogger().Info("✅ Config loaded and validated successfully")
	return nil
}

// UpdateModels replaces the tier model mapping and persists it.
func UpdateModels(models *ModelsConfig) error {
	mu.Lock()
	defer mu.Unlock()
	if config == nil {
		return fmt.Errorf("config not initialized - call LoadConfig first")
	}

	for _, name := range []string{models.Flash, models.Pro} {
		if _, err := GetModelProvider(name); err != nil {
			return fmt.Errorf("invalid model: %w", err)
		}
	}
	config.Models = models
	return saveConfigLocked()
}

func loadConfigFromFile(configPath string) (*Config, error) {
	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w", configPath, err)
	}

	var cfg Config
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config JSON %s: %w", configPath, err)
	}
	return &cfg, nil
}

// saveConfigLocked must be called with mu held.
func saveConfigLocked() error {
	if projectDir == "" {
		return fmt.Errorf("config not initialized - call LoadConfig first")
	}

	configPath := filepath.Join(projectDir, ProjectConfigDir, ProjectConfigFilename)
	if err := os.MkdirAll(filepath.Dir(configPath), 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := json.MarshalIndent(config, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}
	if err := os.WriteFile(configPath, data, 0644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return nil
}

func createDefaultConfig() *Config {
	cfg := &Config{SchemaVersion: SchemaVersion}
	applyDefaults(cfg)
	return cfg
}

func applyDefaults(cfg *Config) {
	if cfg.SchemaVersion == "" {
		cfg.SchemaVersion = SchemaVersion
	}

	if cfg.Models == nil {
		cfg.Models = &ModelsConfig{}
	}
	if cfg.Models.Flash == "" {
		cfg.Models.Flash = DefaultFlashModel
	}
	if cfg.Models.Pro == "" {
		cfg.Models.Pro = DefaultProModel
	}
	if cfg.Models.ThinkingLevel == "" {
		cfg.Models.ThinkingLevel = DefaultThinkingLevel
	}

	if cfg.Flow == nil {
		cfg.Flow = &FlowConfig{}
	}
	if cfg.Flow.QAThreshold == 0 {
		cfg.Flow.QAThreshold = DefaultQAThreshold
	}
	if cfg.Flow.MaxQALoops == 0 {
		cfg.Flow.MaxQALoops = DefaultMaxQALoops
	}
	if cfg.Flow.MaxRetryAttempts == 0 {
		cfg.Flow.MaxRetryAttempts = DefaultMaxRetryAttempts
	}
	if cfg.Flow.MaxParallelSlides == 0 {
		cfg.Flow.MaxParallelSlides = DefaultMaxParallelSlides
	}
	if cfg.Flow.SessionTTL == 0 {
		cfg.Flow.SessionTTL = DefaultSessionTTL
	}
	if cfg.Flow.JanitorInterval == 0 {
		cfg.Flow.JanitorInterval = DefaultJanitorInterval
	}
	if cfg.Flow.InfraRetry.MaxAttempts == 0 {
		cfg.Flow.InfraRetry = RetryConfig{
			MaxAttempts:   4,
			InitialDelay:  2 * time.Second,
			MaxDelay:      30 * time.Second,
			BackoffFactor: 2.0,
			Jitter:        true,
		}
	}

	if cfg.Defaults == nil {
		cfg.Defaults = &DefaultsConfig{}
	}
	if cfg.Defaults.CitationStyle == "" {
		cfg.Defaults.CitationStyle = "apa"
	}
	if cfg.Defaults.ThemeID == "" {
		cfg.Defaults.ThemeID = "modern"
	}
	if cfg.Defaults.Tone == "" {
		cfg.Defaults.Tone = "academic"
	}

	if cfg.Clarify == nil {
		cfg.Clarify = &ClarifyConfig{}
	}

	if cfg.Resilience == nil {
		cfg.Resilience = &ResilienceConfig{}
	}
	if cfg.Resilience.CircuitBreaker.FailureThreshold == 0 {
		cfg.Resilience.CircuitBreaker = CircuitBreakerConfig{
			FailureThreshold: 5,
			SuccessThreshold: 2,
			Timeout:          30 * time.Second,
		}
	}
	if cfg.Resilience.Retry.MaxAttempts == 0 {
		cfg.Resilience.Retry = RetryConfig{
			MaxAttempts:   3,
			InitialDelay:  1 * time.Second,
			MaxDelay:      10 * time.Second,
			BackoffFactor: 2.0,
			Jitter:        true,
		}
	}
	if cfg.Resilience.Timeout == 0 {
		cfg.Resilience.Timeout = 3 * time.Minute
	}

	if cfg.Metrics == nil {
		cfg.Metrics = &MetricsConfig{Enabled: true}
	}
	if cfg.Metrics.Namespace == "" {
		cfg.Metrics.Namespace = "sankosides"
	}

	if cfg.Storage == nil {
		cfg.Storage = &StorageConfig{}
	}
	if cfg.Storage.Backend == "" {
		cfg.Storage.Backend = StorageSQLite
	}
	if cfg.Storage.Path == "" {
		if cfg.Storage.Backend == StorageJSON {
			cfg.Storage.Path = SessionsDirName
		} else {
			cfg.Storage.Path = DatabaseFilename
		}
	}

	if cfg.Render == nil {
		cfg.Render = &RenderConfig{}
	}
	if cfg.Render.URL == "" {
		cfg.Render.URL = DefaultRenderURL
	}
	if cfg.Render.Timeout == 0 {
		cfg.Render.Timeout = DefaultRenderTimeout
	}

	if cfg.Research == nil {
		cfg.Research = &ResearchConfig{Enabled: true}
	}
	if cfg.Research.Agent == "" {
		cfg.Research.Agent = DefaultResearchAgent
	}
	if cfg.Research.Interval == 0 {
		cfg.Research.Interval = DefaultResearchInterval
	}
	if cfg.Research.MaxInterval == 0 {
		cfg.Research.MaxInterval = DefaultResearchMaxInterval
	}
	if cfg.Research.Ceiling == 0 {
		cfg.Research.Ceiling = DefaultResearchCeiling
	}

	if cfg.Snapshot == nil {
		cfg.Snapshot = &SnapshotConfig{}
	}
	if cfg.Snapshot.Width == 0 {
		cfg.Snapshot.Width = 1280
	}
	if cfg.Snapshot.Height == 0 {
		cfg.Snapshot.Height = 720
	}

	if cfg.WebUI == nil {
		cfg.WebUI = &WebUIConfig{Enabled: true}
	}
	if cfg.WebUI.Host == "" {
		cfg.WebUI.Host = DefaultWebUIHost
	}
	if cfg.WebUI.Port == 0 {
		cfg.WebUI.Port = DefaultWebUIPort
	}

	if cfg.Logs == nil {
		cfg.Logs = &LogsConfig{EventLogs: true}
	}
	if cfg.Logs.Dir == "" {
		cfg.Logs.Dir = "logs"
	}
}

func validateConfig(cfg *Config) error {
	for tier, name := range map[string]string{"flash": cfg.Models.Flash, "pro": cfg.Models.Pro} {
		if _, err := GetModelProvider(name); err != nil {
			return fmt.Errorf("models.%s: %w", tier, err)
		}
	}

	switch cfg.Models.ThinkingLevel {
	case ThinkingLow, ThinkingMedium, ThinkingHigh:
	default:
		return fmt.Errorf("models.thinking_level must be low, medium or high (got %q)", cfg.Models.ThinkingLevel)
	}

	if cfg.Flow.QAThreshold < 0 || cfg.Flow.QAThreshold > 100 {
		return fmt.Errorf("flow.qa_threshold must be between 0 and 100 (got %v)", cfg.Flow.QAThreshold)
	}
	if cfg.Flow.MaxQALoops < 1 {
		return fmt.Errorf("flow.max_qa_loops must be positive")
	}
	if cfg.Flow.MaxRetryAttempts < 0 {
		return fmt.Errorf("flow.max_retry_attempts must not be negative")
	}
	if cfg.Flow.MaxParallelSlides < 1 {
		return fmt.Errorf("flow.max_parallel_slides must be positive")
	}

	switch cfg.Storage.Backend {
	case StorageSQLite, StorageJSON:
	default:
		return fmt.Errorf("storage.backend must be %q or %q (got %q)", StorageSQLite, StorageJSON, cfg.Storage.Backend)
	}

	if cfg.Render.URL != "" && !strings.HasPrefix(cfg.Render.URL, "http://") && !strings.HasPrefix(cfg.Render.URL, "https://") {
		return fmt.Errorf("render.url must start with http:// or https://")
	}

	if cfg.Research.MaxInterval < cfg.Research.Interval {
		return fmt.Errorf("research.max_interval must be >= research.interval")
	}

	for model, l := range cfg.Limits {
		if l.MaxTPM < 0 || l.DailyBudgetUSD < 0 || l.MaxConcurrent < 0 {
			return fmt.Errorf("limits.%s: values must not be negative", model)
		}
	}

	if cfg.WebUI.Enabled && (cfg.WebUI.Port <= 0 || cfg.WebUI.Port > 65535) {
		return fmt.Errorf("webui port must be between 1 and 65535 (got %d)", cfg.WebUI.Port)
	}
	return nil
}

// ResolvePath resolves p against the project config dir unless it is absolute.
func ResolvePath(p string) string {
	if filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(GetConfigDir(), p)
}
