package budget

import (
	"fmt"
	"time"
)

// Config defines the guardrails of an optimization run. A zero MaxTime means
// the run is bounded only by its round limit or an operator signal.
type Config struct {
	MaxTime   time.Duration
	MaxCost   *float64
	MaxTokens *int64
}

// Validate ensures the budget values are sane before use.
func (c Config) Validate() error {
	if c.MaxTime < 0 {
		return fmt.Errorf("max_time cannot be negative")
	}
	if c.MaxCost != nil && *c.MaxCost < 0 {
		return fmt.Errorf("max_cost cannot be negative")
	}
	if c.MaxTokens != nil && *c.MaxTokens < 0 {
		return fmt.Errorf("max_tokens cannot be negative")
	}
	return nil
}

// Clone produces a deep copy of the config.
func (c Config) Clone() Config {
	clone := Config{MaxTime: c.MaxTime}
	if c.MaxCost != nil {
		v := *c.MaxCost
		clone.MaxCost = &v
	}
	if c.MaxTokens != nil {
		v := *c.MaxTokens
		clone.MaxTokens = &v
	}
	return clone
}

// IsZero reports whether the config defines no limits at all.
func (c Config) IsZero() bool {
	if c.MaxTime != 0 {
		return false
	}
	if c.MaxCost != nil && *c.MaxCost != 0 {
		return false
	}
	if c.MaxTokens != nil && *c.MaxTokens != 0 {
		return false
	}
	return true
}
