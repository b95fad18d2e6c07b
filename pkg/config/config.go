// Package config loads engine configuration from HUGINN_* environment
// variables and validates cross-field constraints before anything opens
// the store.
package config

import (
	"errors"
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"

	"github.com/orneryd/huginn/pkg/storage"
)

// ErrConfig marks an invalid configuration. Returned at startup only;
// a running engine never sees a config error.
var ErrConfig = errors.New("invalid configuration")

// Config is the full engine configuration. Defaults are production-safe;
// tests override individual fields directly.
type Config struct {
	// Storage.
	DataDir    string `env:"HUGINN_DATA_DIR" envDefault:"./data"`
	InMemory   bool   `env:"HUGINN_IN_MEMORY" envDefault:"false"`
	Metric     string `env:"HUGINN_DISTANCE_METRIC" envDefault:"cosine"`
	Dimensions int    `env:"HUGINN_EMBEDDING_DIMENSIONS" envDefault:"0"`

	// Scheduler.
	TickInterval   time.Duration `env:"HUGINN_TICK_INTERVAL" envDefault:"30s"`
	LeaseTTL       time.Duration `env:"HUGINN_LEASE_TTL" envDefault:"2m"`
	Workers        int           `env:"HUGINN_WORKERS" envDefault:"4"`
	MaxAttempts    int           `env:"HUGINN_MAX_ATTEMPTS" envDefault:"5"`
	RetryBaseDelay time.Duration `env:"HUGINN_RETRY_BASE_DELAY" envDefault:"1m"`

	// ProcessingTimeout is how long a node may sit in processing before
	// the scheduler treats it as orphaned by a crashed worker.
	ProcessingTimeout time.Duration `env:"HUGINN_PROCESSING_TIMEOUT" envDefault:"10m"`

	// MaxGatedSkips bounds how many consecutive due moments a drift gate
	// may snooze before the refresh is forced through.
	MaxGatedSkips int `env:"HUGINN_MAX_GATED_SKIPS" envDefault:"5"`

	// Triggers.
	TriggerThreshold float64 `env:"HUGINN_TRIGGER_THRESHOLD" envDefault:"0.85"`

	// Lineage cascade guards.
	CascadeMaxDepth  int `env:"HUGINN_CASCADE_MAX_DEPTH" envDefault:"10"`
	CascadeMaxFanout int `env:"HUGINN_CASCADE_MAX_FANOUT" envDefault:"1000"`

	// Ranking.
	RRFK                int           `env:"HUGINN_RRF_K" envDefault:"60"`
	CandidateMultiplier int           `env:"HUGINN_CANDIDATE_MULTIPLIER" envDefault:"3"`
	StalenessHalfLife   time.Duration `env:"HUGINN_STALENESS_HALF_LIFE" envDefault:"168h"`
	DriftPenaltyMax     float64       `env:"HUGINN_DRIFT_PENALTY_MAX" envDefault:"0.5"`
	SearchLegTimeout    time.Duration `env:"HUGINN_SEARCH_LEG_TIMEOUT" envDefault:"2s"`

	// HTTP surface.
	ListenAddr string `env:"HUGINN_LISTEN_ADDR" envDefault:":7474"`
}

// Load reads configuration from the environment and validates it.
func Load() (*Config, error) {
	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrConfig, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks field ranges and cross-field constraints. In particular
// the distance metric must be one the store supports; a metric the
// embedding space was not built for is a startup error, never a silent
// fallback.
func (c *Config) Validate() error {
	if _, err := storage.ParseDistanceMetric(c.Metric); err != nil {
		return fmt.Errorf("%w: %v", ErrConfig, err)
	}
	if !c.InMemory && c.DataDir == "" {
		return fmt.Errorf("%w: HUGINN_DATA_DIR required unless HUGINN_IN_MEMORY is set", ErrConfig)
	}
	if c.Dimensions < 0 {
		return fmt.Errorf("%w: embedding dimensions must be >= 0", ErrConfig)
	}
	if c.TickInterval <= 0 {
		return fmt.Errorf("%w: tick interval must be positive", ErrConfig)
	}
	if c.LeaseTTL <= c.TickInterval {
		return fmt.Errorf("%w: lease ttl %s must exceed tick interval %s", ErrConfig, c.LeaseTTL, c.TickInterval)
	}
	if c.Workers <= 0 {
		return fmt.Errorf("%w: workers must be positive", ErrConfig)
	}
	if c.MaxAttempts <= 0 {
		return fmt.Errorf("%w: max attempts must be positive", ErrConfig)
	}
	if c.RetryBaseDelay <= 0 {
		return fmt.Errorf("%w: retry base delay must be positive", ErrConfig)
	}
	if c.ProcessingTimeout <= 0 {
		return fmt.Errorf("%w: processing timeout must be positive", ErrConfig)
	}
	if c.MaxGatedSkips <= 0 {
		return fmt.Errorf("%w: max gated skips must be positive", ErrConfig)
	}
	if c.TriggerThreshold < 0 || c.TriggerThreshold > 1 {
		return fmt.Errorf("%w: trigger threshold must be in [0,1]", ErrConfig)
	}
	if c.CascadeMaxDepth <= 0 || c.CascadeMaxFanout <= 0 {
		return fmt.Errorf("%w: cascade guards must be positive", ErrConfig)
	}
	if c.RRFK <= 0 {
		return fmt.Errorf("%w: rrf k must be positive", ErrConfig)
	}
	if c.CandidateMultiplier <= 0 {
		return fmt.Errorf("%w: candidate multiplier must be positive", ErrConfig)
	}
	if c.StalenessHalfLife <= 0 {
		return fmt.Errorf("%w: staleness half-life must be positive", ErrConfig)
	}
	if c.DriftPenaltyMax < 0 || c.DriftPenaltyMax > 1 {
		return fmt.Errorf("%w: drift penalty max must be in [0,1]", ErrConfig)
	}
	if c.SearchLegTimeout <= 0 {
		return fmt.Errorf("%w: search leg timeout must be positive", ErrConfig)
	}
	return nil
}

// DistanceMetric returns the parsed metric. Call Validate first.
func (c *Config) DistanceMetric() storage.DistanceMetric {
	m, _ := storage.ParseDistanceMetric(c.Metric)
	return m
}
