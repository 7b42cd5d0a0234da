// Agent configuration types.
//
// Information Hiding:
// - Configuration validation logic hidden
// - Default values hidden

package agent

import (
	"errors"
	"fmt"
)

// Loop defaults.
const (
	DefaultMaxIterations  = 10
	DefaultMaxRejections  = 3
	correctiveRetryBudget = 1
)

// Config holds the reasoning loop configuration.
type Config struct {
	// Instructions replaces the default role and objective text.
	Instructions string

	// MaxIterations bounds decider calls per question.
	MaxIterations int

	// RowLimit is the row cap applied when the question asks for no count.
	RowLimit int

	// MaxRowLimit bounds the row cap a question may request.
	MaxRowLimit int

	// MaxRejections is how many rejected queries in a row end the loop.
	MaxRejections int
}

// DefaultConfig returns the loop configuration used by the assistant.
func DefaultConfig() Config {
	return Config{
		MaxIterations: DefaultMaxIterations,
		RowLimit:      DefaultRowLimit,
		MaxRowLimit:   DefaultMaxRowLimit,
		MaxRejections: DefaultMaxRejections,
	}
}

// withDefaults fills zero fields.
func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.MaxIterations == 0 {
		c.MaxIterations = d.MaxIterations
	}
	if c.RowLimit == 0 {
		c.RowLimit = d.RowLimit
	}
	if c.MaxRowLimit == 0 {
		c.MaxRowLimit = d.MaxRowLimit
	}
	if c.MaxRejections == 0 {
		c.MaxRejections = d.MaxRejections
	}
	return c
}

// Validate rejects budgets that would let the loop run unbounded or never run.
func (c Config) Validate() error {
	var errs []error
	if c.MaxIterations <= 0 {
		errs = append(errs, fmt.Errorf("max iterations must be positive, got %d", c.MaxIterations))
	}
	if c.RowLimit <= 0 {
		errs = append(errs, fmt.Errorf("row limit must be positive, got %d", c.RowLimit))
	}
	if c.MaxRowLimit < c.RowLimit {
		errs = append(errs, fmt.Errorf("max row limit %d is below row limit %d", c.MaxRowLimit, c.RowLimit))
	}
	if c.MaxRejections <= 0 {
		errs = append(errs, fmt.Errorf("max rejections must be positive, got %d", c.MaxRejections))
	}
	return errors.Join(errs...)
}
