package medusa

import "fmt"

type Config struct {
	// Temperature zero verifies greedily; above zero uses typical
	// acceptance.
	Temperature        float32 `yaml:"temperature"`
	PosteriorThreshold float64 `yaml:"posterior_threshold"`
	PosteriorAlpha     float64 `yaml:"posterior_alpha"`
	MaxResponse        int     `yaml:"max_response"`
}

func (c Config) withDefaults() Config {
	if c.PosteriorThreshold <= 0 {
		c.PosteriorThreshold = 0.3
	}
	if c.PosteriorAlpha <= 0 {
		c.PosteriorAlpha = 0.09
	}
	if c.MaxResponse <= 0 {
		c.MaxResponse = 256
	}
	return c
}

func (c Config) validate() error {
	if c.Temperature < 0 {
		return fmt.Errorf("medusa: negative temperature")
	}
	if c.PosteriorThreshold > 1 {
		return fmt.Errorf("medusa: posterior threshold %v above 1", c.PosteriorThreshold)
	}
	return nil
}
