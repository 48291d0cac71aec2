package reader

import "time"

// Config holds the fallback cycles of the polling monitoring jobs. A driver
// announcing its own cycle wins over these.
type Config struct {
	InsertionPollCycle time.Duration
	RemovalPollCycle   time.Duration
}

func DefaultConfig() *Config {
	return &Config{
		InsertionPollCycle: 200 * time.Millisecond,
		RemovalPollCycle:   200 * time.Millisecond,
	}
}

func (c *Config) insertionCycle(driver time.Duration) time.Duration {
	if driver > 0 {
		return driver
	}
	if c != nil && c.InsertionPollCycle > 0 {
		return c.InsertionPollCycle
	}
	return DefaultConfig().InsertionPollCycle
}

func (c *Config) removalCycle(driver time.Duration) time.Duration {
	if driver > 0 {
		return driver
	}
	if c != nil && c.RemovalPollCycle > 0 {
		return c.RemovalPollCycle
	}
	return DefaultConfig().RemovalPollCycle
}
