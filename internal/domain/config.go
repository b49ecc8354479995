package domain

import (
	"encoding/json"
	"fmt"
	"os"
)

// Config holds the complete Warden configuration.
type Config struct {
	// Server settings
	Server ServerConfig `json:"server"`

	// Component configurations
	Repository RepositoryConfig `json:"repository"`
	Cache      CacheConfig      `json:"cache"`
	EventBus   EventBusConfig   `json:"eventBus"`

	// Profiles holds one scoring/gating profile per entity class.
	Profiles map[EntityClass]*Profile `json:"profiles"`

	// Observability
	Logging LoggingConfig `json:"logging"`
	Tracing TracingConfig `json:"tracing"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Host         string `json:"host"`
	Port         int    `json:"port"`
	ReadTimeout  int    `json:"readTimeout"`  // seconds
	WriteTimeout int    `json:"writeTimeout"` // seconds
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	Level  string `json:"level"`  // debug, info, warn, error
	Format string `json:"format"` // json, text
}

// TracingConfig holds OpenTelemetry settings.
type TracingConfig struct {
	Enabled      bool   `json:"enabled"`
	ServiceName  string `json:"serviceName"`
	ExporterType string `json:"exporterType"` // stdout, otlp, jaeger
	Endpoint     string `json:"endpoint"`
}

// Profile configures scoring, classification, gating and scheduling for
// one entity class. Profiles are loaded at startup and validated
// strictly: security thresholds are never silently defaulted.
type Profile struct {
	Class EntityClass `json:"class"`

	// SeverityWeights is the base weight per severity tier used by the
	// scorer (e.g. LOW=10, MEDIUM=25, HIGH=50, CRITICAL=100).
	SeverityWeights map[Severity]float64 `json:"severityWeights"`

	// Bands are the score thresholds for state classification.
	Bands StateBands `json:"bands"`

	// ThrottleFactor is applied to capacity ceilings while WARNING.
	ThrottleFactor float64 `json:"throttleFactor"`

	// Scheduling
	EvaluationIntervalSecs int `json:"evaluationIntervalSecs"`
	LookbackWindowSecs     int `json:"lookbackWindowSecs"`
	MaxConcurrency         int `json:"maxConcurrency"`
	RunBudgetSecs          int `json:"runBudgetSecs"`

	// Collectors lists the enabled built-in collectors for this class.
	Collectors []string `json:"collectors"`

	// Thresholds tunes the built-in collectors.
	Thresholds CollectorThresholds `json:"thresholds"`

	// Operations maps operation names to their gate policies.
	Operations map[string]OperationPolicy `json:"operations"`
}

// StateBands maps score ranges onto states. Any CRITICAL signal
// overrides the bands entirely (trip-wire).
type StateBands struct {
	// CriticalAt: score >= CriticalAt classifies CRITICAL.
	CriticalAt float64 `json:"criticalAt"`

	// WarningAt: score >= WarningAt classifies WARNING.
	WarningAt float64 `json:"warningAt"`

	// WarningSignalCount: at least this many signals classifies WARNING
	// regardless of score.
	WarningSignalCount int `json:"warningSignalCount"`
}

// OperationPolicy is the gate policy for one operation.
type OperationPolicy struct {
	// Ceiling is the hard capacity limit per bucket.
	Ceiling int64 `json:"ceiling"`

	// BucketSecs is the counter bucket size (e.g. 3600 = hourly).
	BucketSecs int `json:"bucketSecs"`

	// FailClosed denies on threat-state read errors. High-stakes
	// operations (payments, payouts) set this; low-stakes operations
	// fail open with a logged warning.
	FailClosed bool `json:"failClosed"`
}

// CollectorThresholds tunes the built-in collectors. Zero values
// disable the corresponding check.
type CollectorThresholds struct {
	// MinSampleSize guards ratio computations: below this many events
	// the collector produces no signal rather than amplifying noise.
	MinSampleSize int `json:"minSampleSize"`

	// Review bombing
	OneStarRatio float64 `json:"oneStarRatio"`
	// LowVariance flags bot-like uniform sentiment when the population
	// standard deviation of ratings falls below it.
	LowVariance float64 `json:"lowVariance"`

	// Fake installs
	EmulatedRatio        float64 `json:"emulatedRatio"`
	DuplicateDeviceRatio float64 `json:"duplicateDeviceRatio"`

	// Message spam
	UniqueRecipients      int     `json:"uniqueRecipients"`
	BurstPerMinute        float64 `json:"burstPerMinute"`
	DuplicateContentRatio float64 `json:"duplicateContentRatio"`
}

// RepositoryConfig holds configuration for repository initialization.
type RepositoryConfig struct {
	// Driver is the database driver: "sqlite" or "postgres"
	Driver string `json:"driver"`

	// SQLite specific
	SQLitePath string `json:"sqlitePath"`

	// PostgreSQL specific
	PostgresHost     string `json:"postgresHost"`
	PostgresPort     int    `json:"postgresPort"`
	PostgresUser     string `json:"postgresUser"`
	PostgresPassword string `json:"-"`
	PostgresDB       string `json:"postgresDb"`
	PostgresSSLMode  string `json:"postgresSslMode"`

	// Connection pool settings
	MaxOpenConns int `json:"maxOpenConns"`
	MaxIdleConns int `json:"maxIdleConns"`
}

// DefaultConfig returns a single-node configuration: SQLite, in-process
// cache and bus. Profiles must still be supplied and validated.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Host:         "0.0.0.0",
			Port:         8080,
			ReadTimeout:  30,
			WriteTimeout: 30,
		},
		Repository: RepositoryConfig{
			Driver:     "sqlite",
			SQLitePath: "./warden.db",
		},
		Cache: CacheConfig{
			Type:         "memory",
			LocalMaxSize: 10000,
			LocalTTL:     300,
		},
		EventBus: EventBusConfig{
			Type:              "channel",
			ChannelBufferSize: 1000,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
		Tracing: TracingConfig{
			Enabled:     false,
			ServiceName: "warden",
		},
	}
}

// ClusterConfig returns a multi-node configuration: PostgreSQL, Redis
// two-phase cache and NATS.
func ClusterConfig() *Config {
	cfg := DefaultConfig()
	cfg.Repository = RepositoryConfig{
		Driver:       "postgres",
		PostgresHost: "localhost",
		PostgresPort: 5432,
		PostgresDB:   "warden",
	}
	cfg.Cache = CacheConfig{
		Type:           "redis",
		RedisAddr:      "localhost:6379",
		EnableTwoPhase: true,
		LocalMaxSize:   1000,
	}
	cfg.EventBus = EventBusConfig{
		Type:              "nats",
		NATSUrl:           "nats://localhost:4222",
		NATSMaxReconnects: 10,
		NATSReconnectWait: 5,
	}
	cfg.Tracing.Enabled = true
	return cfg
}

// LoadProfiles reads per-class profiles from a JSON file of the form
// {"profiles": [ {...}, {...} ]}.
func LoadProfiles(path string) (map[EntityClass]*Profile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read profiles file: %w", err)
	}

	var doc struct {
		Profiles []*Profile `json:"profiles"`
	}
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("failed to parse profiles file: %w", err)
	}

	profiles := make(map[EntityClass]*Profile, len(doc.Profiles))
	for _, p := range doc.Profiles {
		if _, dup := profiles[p.Class]; dup {
			return nil, fmt.Errorf("duplicate profile for class %q", p.Class)
		}
		profiles[p.Class] = p
	}
	return profiles, nil
}

// Validate checks the configuration. Scoring thresholds are security
// critical: a misconfigured profile fails loudly here instead of running
// with silently substituted defaults.
func (c *Config) Validate() error {
	if len(c.Profiles) == 0 {
		return fmt.Errorf("at least one entity class profile is required")
	}
	for class, p := range c.Profiles {
		if err := p.Validate(); err != nil {
			return fmt.Errorf("profile %q: %w", class, err)
		}
	}
	return nil
}

// Validate checks a single profile.
func (p *Profile) Validate() error {
	if p.Class == "" {
		return fmt.Errorf("class is required")
	}
	for _, sev := range Severities() {
		w, ok := p.SeverityWeights[sev]
		if !ok {
			return fmt.Errorf("severity weight %s is required", sev)
		}
		if w < 0 {
			return fmt.Errorf("severity weight %s must be >= 0", sev)
		}
	}
	b := p.Bands
	if b.WarningAt <= 0 || b.CriticalAt <= 0 {
		return fmt.Errorf("state bands warningAt and criticalAt are required")
	}
	if b.WarningAt >= b.CriticalAt {
		return fmt.Errorf("warningAt (%v) must be below criticalAt (%v)", b.WarningAt, b.CriticalAt)
	}
	if b.CriticalAt > 100 {
		return fmt.Errorf("criticalAt must not exceed 100")
	}
	if b.WarningSignalCount < 1 {
		return fmt.Errorf("warningSignalCount must be >= 1")
	}
	if p.ThrottleFactor <= 0 || p.ThrottleFactor > 1 {
		return fmt.Errorf("throttleFactor must be in (0,1]")
	}
	if p.EvaluationIntervalSecs <= 0 {
		return fmt.Errorf("evaluationIntervalSecs must be positive")
	}
	if p.LookbackWindowSecs <= 0 {
		return fmt.Errorf("lookbackWindowSecs must be positive")
	}
	for name, op := range p.Operations {
		if op.Ceiling <= 0 {
			return fmt.Errorf("operation %q: ceiling must be positive", name)
		}
		if op.BucketSecs <= 0 {
			return fmt.Errorf("operation %q: bucketSecs must be positive", name)
		}
	}
	return nil
}
