package resilience

import (
	"errors"
	"time"
)

// Config configures a Breaker.
type Config struct {
	Enabled bool `yaml:"enabled"`

	// MaxFailures consecutive failures open the circuit.
	MaxFailures uint32 `yaml:"max_failures"`

	// OpenTimeout is how long the circuit stays open before one trial call
	// is let through.
	OpenTimeout time.Duration `yaml:"open_timeout"`

	// SuccessThreshold consecutive successes in half-open close the circuit.
	SuccessThreshold uint32 `yaml:"success_threshold"`

	// IsFailure classifies call errors; nil counts every error. Errors it
	// rejects count as successes: the remote side answered.
	IsFailure func(error) bool `yaml:"-"`

	OnStateChange func(from, to State) `yaml:"-"`
}

// Validate checks the config and fills SuccessThreshold.
func (c *Config) Validate() error {
	if !c.Enabled {
		return nil
	}
	if c.MaxFailures == 0 {
		return errors.New("max_failures must be greater than 0")
	}
	if c.OpenTimeout <= 0 {
		return errors.New("open_timeout must be greater than 0")
	}
	if c.SuccessThreshold == 0 {
		c.SuccessThreshold = 1
	}
	return nil
}

// DefaultConfig opens after 5 failures for 30s and closes after 2 successes.
func DefaultConfig() Config {
	return Config{
		Enabled:          true,
		MaxFailures:      5,
		OpenTimeout:      30 * time.Second,
		SuccessThreshold: 2,
	}
}
