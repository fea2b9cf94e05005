// Package scheduler runs the coordinator's periodic background jobs.
package scheduler

// Config defines the scheduler configuration.
type Config struct {
	// GlobalMax is the maximum number of jobs running at the same time.
	GlobalMax int `yaml:"global_max" mapstructure:"global_max"`
	// RefreshWorkers bounds the number of agents polled concurrently by a refresh.
	RefreshWorkers int `yaml:"refresh_workers" mapstructure:"refresh_workers"`
}

// DefaultConfig returns the default scheduler configuration.
func DefaultConfig() *Config {
	return &Config{
		GlobalMax:      4,
		RefreshWorkers: 16,
	}
}

// GetRefreshWorkers returns the refresh fan-out limit.
func (c *Config) GetRefreshWorkers() int {
	if c.RefreshWorkers > 0 {
		return c.RefreshWorkers
	}
	// Default limit if not specified
	return 1
}
