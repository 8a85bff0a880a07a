package memory

import (
	"fmt"
	"os"
	"time"

	"github.com/kelseyhightower/envconfig"
	"github.com/rs/zerolog"
)

// PersistenceMode selects the backing store flavor a host wires in.
type PersistenceMode string

const (
	PersistLocal           PersistenceMode = "local"
	PersistIndexed         PersistenceMode = "indexed"
	PersistFile            PersistenceMode = "file"
	PersistStructuredStore PersistenceMode = "structured-store"
)

// Weights are the relevance-score mixing coefficients. The source systems
// this design descends from disagree on the exact constants, so none are
// treated as canonical; hosts may override all three.
type Weights struct {
	Term       float64 `envconfig:"WEIGHT_TERM" default:"0.5"`
	Importance float64 `envconfig:"WEIGHT_IMPORTANCE" default:"0.3"`
	Recency    float64 `envconfig:"WEIGHT_RECENCY" default:"0.2"`
}

// Config holds manager configuration. Environment variables are parsed
// from the MNEMO_ prefix, e.g. MNEMO_SHORT_TERM_CAPACITY.
type Config struct {
	ShortTermCapacity      int             `envconfig:"SHORT_TERM_CAPACITY" default:"50"`
	LongTermCapacity       int             `envconfig:"LONG_TERM_CAPACITY" default:"1000"`
	DecayFactor            float64         `envconfig:"DECAY_FACTOR" default:"0.95"`
	AutoPruneThreshold     float64         `envconfig:"AUTO_PRUNE_THRESHOLD" default:"0.2"`
	SummarizationThreshold int             `envconfig:"SUMMARIZATION_THRESHOLD" default:"20"`
	ContextWindowSize      int             `envconfig:"CONTEXT_WINDOW_SIZE" default:"10"`
	AdaptiveMode           bool            `envconfig:"ADAPTIVE_MODE" default:"true"`
	VectorDimensions       int             `envconfig:"VECTOR_DIMENSIONS" default:"384"`
	PersistenceMode        PersistenceMode `envconfig:"PERSISTENCE_MODE" default:"local"`

	// Bounds on calls to external capabilities. Exceeding a bound
	// degrades the call, it never fails the enclosing operation.
	EmbedTimeout    time.Duration `envconfig:"EMBED_TIMEOUT" default:"3s"`
	GenerateTimeout time.Duration `envconfig:"GENERATE_TIMEOUT" default:"10s"`
	SearchTimeout   time.Duration `envconfig:"SEARCH_TIMEOUT" default:"5s"`

	Weights Weights
}

// DefaultConfig returns the stock configuration.
func DefaultConfig() *Config {
	return &Config{
		ShortTermCapacity:      50,
		LongTermCapacity:       1000,
		DecayFactor:            0.95,
		AutoPruneThreshold:     0.2,
		SummarizationThreshold: 20,
		ContextWindowSize:      10,
		AdaptiveMode:           true,
		VectorDimensions:       384,
		PersistenceMode:        PersistLocal,
		EmbedTimeout:           3 * time.Second,
		GenerateTimeout:        10 * time.Second,
		SearchTimeout:          5 * time.Second,
		Weights:                Weights{Term: 0.5, Importance: 0.3, Recency: 0.2},
	}
}

// ConfigFromEnv builds a Config from MNEMO_-prefixed environment
// variables, falling back to defaults for anything unset.
func ConfigFromEnv() (*Config, error) {
	var cfg Config
	if err := envconfig.Process("MNEMO", &cfg); err != nil {
		return nil, fmt.Errorf("process environment: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) validate() error {
	if c.ShortTermCapacity <= 0 {
		return fmt.Errorf("short term capacity must be positive, got %d", c.ShortTermCapacity)
	}
	if c.DecayFactor <= 0 || c.DecayFactor > 1 {
		return fmt.Errorf("decay factor must be in (0,1], got %v", c.DecayFactor)
	}
	if c.VectorDimensions <= 0 {
		return fmt.Errorf("vector dimensions must be positive, got %d", c.VectorDimensions)
	}
	switch c.PersistenceMode {
	case PersistLocal, PersistIndexed, PersistFile, PersistStructuredStore:
	default:
		return fmt.Errorf("unsupported persistence mode %q", c.PersistenceMode)
	}
	return nil
}

// normalize fills zero values with defaults so a partially populated
// Config behaves sensibly.
func (c *Config) normalize() {
	def := DefaultConfig()
	if c.ShortTermCapacity <= 0 {
		c.ShortTermCapacity = def.ShortTermCapacity
	}
	if c.LongTermCapacity <= 0 {
		c.LongTermCapacity = def.LongTermCapacity
	}
	if c.DecayFactor <= 0 || c.DecayFactor > 1 {
		c.DecayFactor = def.DecayFactor
	}
	if c.AutoPruneThreshold <= 0 {
		c.AutoPruneThreshold = def.AutoPruneThreshold
	}
	if c.SummarizationThreshold <= 0 {
		c.SummarizationThreshold = def.SummarizationThreshold
	}
	if c.ContextWindowSize <= 0 {
		c.ContextWindowSize = def.ContextWindowSize
	}
	if c.VectorDimensions <= 0 {
		c.VectorDimensions = def.VectorDimensions
	}
	if c.PersistenceMode == "" {
		c.PersistenceMode = def.PersistenceMode
	}
	if c.EmbedTimeout <= 0 {
		c.EmbedTimeout = def.EmbedTimeout
	}
	if c.GenerateTimeout <= 0 {
		c.GenerateTimeout = def.GenerateTimeout
	}
	if c.SearchTimeout <= 0 {
		c.SearchTimeout = def.SearchTimeout
	}
	if c.Weights == (Weights{}) {
		c.Weights = def.Weights
	}
}

// NewLogger returns a zerolog logger tagged with the service name.
func NewLogger(service string) zerolog.Logger {
	return zerolog.New(os.Stdout).With().
		Str("service", service).
		Timestamp().
		Logger()
}
