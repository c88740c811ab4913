package speculative

import "fmt"

// DefaultSeed seeds the acceptance stream when none is configured.
const DefaultSeed = 20240402

type Config struct {
	// DraftLength is K, the number of tokens the draft proposes per
	// iteration. The target must have a variant of width K+1.
	DraftLength       int     `yaml:"draft_length"`
	DraftTemperature  float32 `yaml:"draft_temperature"`
	TargetTemperature float32 `yaml:"target_temperature"`
	Seed              int64   `yaml:"seed"`
	// UpperBound scales the uniform draws of the acceptance test.
	UpperBound  float64 `yaml:"upper_bound"`
	MaxResponse int     `yaml:"max_response"`
}

func (c Config) withDefaults() Config {
	if c.Seed == 0 {
		c.Seed = DefaultSeed
	}
	if c.UpperBound <= 0 {
		c.UpperBound = 1
	}
	if c.MaxResponse <= 0 {
		c.MaxResponse = 256
	}
	return c
}

func (c Config) validate() error {
	if c.DraftLength <= 0 {
		return fmt.Errorf("speculative: draft length must be positive, got %d", c.DraftLength)
	}
	if c.DraftTemperature < 0 || c.TargetTemperature < 0 {
		return fmt.Errorf("speculative: negative temperature")
	}
	return nil
}
