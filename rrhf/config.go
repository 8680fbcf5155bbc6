package rrhf

import (
	"math"

	"github.com/pkg/errors"
)

// IgnoreIndex marks label positions that never contribute to the loss.
const IgnoreIndex = -100

// DefaultStopMarkers are the turn-boundary markers trimmed from responses when
// StopResponse is set.
var DefaultStopMarkers = []string{"\n\nHuman:", "\n\nAssistant:", "\n\nhuman:", "\n\nassistant:"}

// Config holds the configuration shared by the collator, the loss engine and
// the trainer. It is passed by value and never mutated after construction.
type Config struct {
	ModelMaxLength  int
	LengthPenalty   float64
	RRHFWeight      float64
	StopResponse    bool
	StopMarkers     []string
	OnlyUseProvide  bool
	OnlyUseSample   bool
	BatchSize       int
	NumEpochs       int
	PrefetchBatches int
	Seed            int64
	QueryCacheSize  int
}

// ConfigOption is a functional option for Config
type ConfigOption func(*Config)

// DefaultConfig returns a Config with default values.
func DefaultConfig() Config {
	return Config{
		ModelMaxLength:  512,
		LengthPenalty:   1.0,
		RRHFWeight:      100.0,
		StopResponse:    false,
		StopMarkers:     append([]string(nil), DefaultStopMarkers...),
		BatchSize:       1,
		NumEpochs:       1,
		PrefetchBatches: 2,
		Seed:            42,
		QueryCacheSize:  1024,
	}
}

// NewConfig creates a new Config with default values, applying opts in order.
// It panics if the resulting configuration is invalid.
func NewConfig(opts ...ConfigOption) Config {
	c := DefaultConfig()
	for _, opt := range opts {
		opt(&c)
	}
	if err := c.Validate(); err != nil {
		panic(err)
	}
	return c
}

// Validate checks if the configuration is valid
func (c Config) Validate() error {
	if c.ModelMaxLength < 2 {
		return errors.Errorf("model_max_length must be >= 2, got %d", c.ModelMaxLength)
	}
	if c.LengthPenalty < 0 || math.IsNaN(c.LengthPenalty) || math.IsInf(c.LengthPenalty, 0) {
		return errors.Errorf("length_penalty must be a finite value >= 0, got %g", c.LengthPenalty)
	}
	if c.RRHFWeight < 0 || math.IsNaN(c.RRHFWeight) || math.IsInf(c.RRHFWeight, 0) {
		return errors.Errorf("rrhf_weight must be a finite value >= 0, got %g", c.RRHFWeight)
	}
	if c.OnlyUseProvide && c.OnlyUseSample {
		return errors.New("only_use_provide and only_use_sample are mutually exclusive")
	}
	for _, m := range c.StopMarkers {
		if m == "" {
			return errors.New("stop_markers must not contain empty markers")
		}
	}
	if c.BatchSize < 1 {
		return errors.Errorf("batch_size must be >= 1, got %d", c.BatchSize)
	}
	if c.NumEpochs < 1 {
		return errors.Errorf("num_epochs must be >= 1, got %d", c.NumEpochs)
	}
	if c.PrefetchBatches < 0 {
		return errors.Errorf("prefetch_batches must be >= 0, got %d", c.PrefetchBatches)
	}
	if c.QueryCacheSize < 0 {
		return errors.Errorf("query_cache_size must be >= 0, got %d", c.QueryCacheSize)
	}
	return nil
}

// keepCandidate reports whether a candidate with the given reference flag
// takes part in training under this configuration.
func (c Config) keepCandidate(reference bool) bool {
	switch {
	case c.OnlyUseProvide:
		return reference
	case c.OnlyUseSample:
		return !reference
	default:
		return true
	}
}

// WithModelMaxLength sets the truncation bound for query plus response tokens
func WithModelMaxLength(n int) ConfigOption {
	return func(c *Config) {
		c.ModelMaxLength = n
	}
}

// WithLengthPenalty sets the exponent applied to the valid token count
func WithLengthPenalty(p float64) ConfigOption {
	return func(c *Config) {
		c.LengthPenalty = p
	}
}

// WithRRHFWeight sets the multiplier of the ranking loss
func WithRRHFWeight(w float64) ConfigOption {
	return func(c *Config) {
		c.RRHFWeight = w
	}
}

// WithStopResponse sets whether responses are trimmed at stop markers
func WithStopResponse(b bool) ConfigOption {
	return func(c *Config) {
		c.StopResponse = b
	}
}

// WithStopMarkers replaces the stop markers
func WithStopMarkers(markers ...string) ConfigOption {
	return func(c *Config) {
		c.StopMarkers = append([]string(nil), markers...)
	}
}

// WithOnlyUseProvide restricts training to reference candidates
func WithOnlyUseProvide(b bool) ConfigOption {
	return func(c *Config) {
		c.OnlyUseProvide = b
	}
}

// WithOnlyUseSample restricts training to sampled (non-reference) candidates
func WithOnlyUseSample(b bool) ConfigOption {
	return func(c *Config) {
		c.OnlyUseSample = b
	}
}

// WithBatchSize sets the number of examples per batch
func WithBatchSize(n int) ConfigOption {
	return func(c *Config) {
		c.BatchSize = n
	}
}

// WithNumEpochs sets the number of passes over the examples
func WithNumEpochs(n int) ConfigOption {
	return func(c *Config) {
		c.NumEpochs = n
	}
}

// WithPrefetchBatches sets how many batches are collated ahead of the model
func WithPrefetchBatches(n int) ConfigOption {
	return func(c *Config) {
		c.PrefetchBatches = n
	}
}

// WithSeed sets the shuffling seed
func WithSeed(seed int64) ConfigOption {
	return func(c *Config) {
		c.Seed = seed
	}
}

// WithQueryCacheSize sets the number of memoized query tokenizations (0 disables)
func WithQueryCacheSize(n int) ConfigOption {
	return func(c *Config) {
		c.QueryCacheSize = n
	}
}
