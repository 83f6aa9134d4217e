package scenario

import "time"

// Config carries the engine's timing and policy knobs.
type Config struct {
	// StepTimeout bounds one capability invocation.
	StepTimeout time.Duration `envconfig:"STEP_TIMEOUT" split_words:"true" default:"30s"`
	// OracleTimeout bounds one decision call.
	OracleTimeout time.Duration `envconfig:"ORACLE_TIMEOUT" split_words:"true" default:"60s"`
	// OracleRetries is how many extra decision calls are made when the
	// oracle is unavailable or violates the schema, before falling back to
	// escalation.
	OracleRetries int `envconfig:"ORACLE_RETRIES" split_words:"true" default:"2"`
	// HumanAnswerTimeout bounds how long a suspended execution waits for an
	// operator before re-entering recovery with the timeout as a failure.
	HumanAnswerTimeout time.Duration `envconfig:"HUMAN_ANSWER_TIMEOUT" split_words:"true" default:"300s"`
	// HistoryWindow is the number of trailing attempts rendered for the
	// oracle.
	HistoryWindow int `envconfig:"HISTORY_WINDOW" split_words:"true" default:"10"`
	// MemoryTopK caps the similar-solution candidates handed to the oracle.
	MemoryTopK int `envconfig:"MEMORY_TOP_K" split_words:"true" default:"3"`
	// MaxConsecutiveRetries is the stagnation guard: that many identical
	// consecutive retry decisions force escalation.
	MaxConsecutiveRetries int `envconfig:"MAX_CONSECUTIVE_RETRIES" split_words:"true" default:"3"`
}

func (c Config) normalized() Config {
	if c.StepTimeout <= 0 {
		c.StepTimeout = 30 * time.Second
	}
	if c.OracleTimeout <= 0 {
		c.OracleTimeout = 60 * time.Second
	}
	if c.OracleRetries < 0 {
		c.OracleRetries = 0
	}
	if c.HumanAnswerTimeout <= 0 {
		c.HumanAnswerTimeout = 300 * time.Second
	}
	if c.HistoryWindow <= 0 {
		c.HistoryWindow = 10
	}
	if c.MemoryTopK <= 0 {
		c.MemoryTopK = 3
	}
	if c.MaxConsecutiveRetries <= 0 {
		c.MaxConsecutiveRetries = 3
	}
	return c
}
