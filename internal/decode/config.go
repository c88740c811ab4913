package decode

import (
	"fmt"
	"os"
	"slices"

	"gopkg.in/yaml.v3"

	"github.com/samcharles93/spindle/internal/dtype"
	"github.com/samcharles93/spindle/internal/kvcache"
	"github.com/samcharles93/spindle/internal/rope"
)

// OverflowPolicy decides what a step does when the cache cannot hold it.
type OverflowPolicy string

const (
	// OverflowWarn logs and lets the oldest history be overwritten.
	OverflowWarn OverflowPolicy = "warn"
	// OverflowRefuse fails the step with ErrContextOverflow.
	OverflowRefuse OverflowPolicy = "refuse"
)

// Variant is one compiled (step width, cache length) pair a model can be
// swapped to.
type Variant struct {
	StepWidth   int `yaml:"step_width"`
	CacheLength int `yaml:"cache_length"`
}

// ChunkShape describes the caches owned by one model chunk.
type ChunkShape struct {
	Caches int `yaml:"caches"`
	Rows   int `yaml:"rows"`
	Stride int `yaml:"stride"`
}

// ModelConfig is fixed for the lifetime of a State.
type ModelConfig struct {
	Name        string `yaml:"name"`
	VocabSize   int    `yaml:"vocab_size"`
	HiddenSize  int    `yaml:"hidden_size"`
	PromptWidth int    `yaml:"prompt_width"`
	GenWidth    int    `yaml:"gen_width"`
	CacheLength int    `yaml:"cache_length"`
	MaxTokens   int    `yaml:"max_tokens"`

	// InitTokens counts the tokens held by the cache init file. Both feed
	// the ring headroom computation.
	InitTokens int    `yaml:"init_tokens"`
	InitCache  string `yaml:"init_cache"`

	Variants  []Variant      `yaml:"variants"`
	CacheKind string         `yaml:"cache_kind"`
	MaskType  dtype.Type     `yaml:"mask_type"`
	Overflow  OverflowPolicy `yaml:"overflow"`
	Chunks    []ChunkShape   `yaml:"chunks"`

	Rope    rope.Config `yaml:"rope"`
	RopeCos string      `yaml:"rope_cos"`
	RopeSin string      `yaml:"rope_sin"`

	StopTokens  []int32 `yaml:"stop_tokens"`
	MedusaHeads int     `yaml:"medusa_heads"`
}

// LoadModelConfig reads a yaml model description and fills defaults.
func LoadModelConfig(path string) (ModelConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return ModelConfig{}, fmt.Errorf("read model config: %w", err)
	}
	var cfg ModelConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return ModelConfig{}, fmt.Errorf("parse model config %s: %w", path, err)
	}
	cfg = cfg.WithDefaults()
	if err := cfg.Validate(); err != nil {
		return ModelConfig{}, fmt.Errorf("model config %s: %w", path, err)
	}
	return cfg, nil
}

// WithDefaults returns a copy with unset optional fields filled in.
func (c ModelConfig) WithDefaults() ModelConfig {
	if c.GenWidth <= 0 {
		c.GenWidth = 1
	}
	if c.PromptWidth <= 0 {
		c.PromptWidth = c.GenWidth
	}
	if c.MaxTokens <= 0 {
		c.MaxTokens = c.CacheLength
	}
	if c.Overflow == "" {
		c.Overflow = OverflowWarn
	}
	if len(c.StopTokens) == 0 {
		c.StopTokens = []int32{2}
	}
	if len(c.Variants) == 0 {
		c.Variants = []Variant{{c.PromptWidth, c.CacheLength}}
		if c.GenWidth != c.PromptWidth {
			c.Variants = append(c.Variants, Variant{c.GenWidth, c.CacheLength})
		}
	} else {
		c.Variants = slices.Clone(c.Variants)
	}
	if c.Rope.Length <= 0 {
		c.Rope.Length = c.MaxTokens
	}
	if c.Rope.HeadDim == 0 {
		c.Rope.HeadDim = 64
	}
	if c.Rope.Type == dtype.Bool {
		c.Rope.Type = dtype.FP32
	}
	return c
}

func (c ModelConfig) Validate() error {
	switch {
	case c.VocabSize <= 0:
		return fmt.Errorf("vocab_size must be positive")
	case c.PromptWidth <= 0 || c.GenWidth <= 0:
		return fmt.Errorf("step widths must be positive")
	case c.CacheLength <= 0:
		return fmt.Errorf("cache_length must be positive")
	case c.HiddenSize < 0 || c.MedusaHeads < 0 || c.InitTokens < 0:
		return fmt.Errorf("negative size in model config")
	case len(c.Chunks) == 0:
		return fmt.Errorf("model needs at least one chunk")
	}
	for i, ch := range c.Chunks {
		if ch.Caches < 0 || ch.Rows <= 0 || ch.Stride <= 0 {
			return fmt.Errorf("chunk %d: invalid cache shape %+v", i, ch)
		}
	}
	for _, v := range c.Variants {
		if v.StepWidth <= 0 || v.CacheLength <= 0 {
			return fmt.Errorf("invalid variant %+v", v)
		}
		if v.StepWidth > v.CacheLength {
			return fmt.Errorf("variant %+v: step wider than cache", v)
		}
	}
	if !slices.Contains(c.Variants, Variant{c.PromptWidth, c.CacheLength}) {
		return fmt.Errorf("no variant for prompt width %d with cache length %d", c.PromptWidth, c.CacheLength)
	}
	if len(c.CacheLengths(c.GenWidth)) == 0 {
		return fmt.Errorf("no variant for generation width %d", c.GenWidth)
	}
	if c.MaxTokens < c.maxWidth() {
		return fmt.Errorf("max_tokens %d below step width %d", c.MaxTokens, c.maxWidth())
	}
	kind, err := kvcache.ParseKind(c.CacheKind)
	if err != nil {
		return err
	}
	if kind == kvcache.KindRing {
		if head := c.MaxTokens - max(1, c.InitTokens); head < c.maxWidth() {
			return fmt.Errorf("ring headroom of %d tokens cannot hold a step of %d", head, c.maxWidth())
		}
	}
	switch c.Overflow {
	case OverflowWarn, OverflowRefuse:
	default:
		return fmt.Errorf("unknown overflow policy %q", c.Overflow)
	}
	return nil
}

// CacheLengths lists the cache lengths compiled for a step width, ascending.
func (c ModelConfig) CacheLengths(width int) []int {
	var out []int
	for _, v := range c.Variants {
		if v.StepWidth == width && !slices.Contains(out, v.CacheLength) {
			out = append(out, v.CacheLength)
		}
	}
	slices.Sort(out)
	return out
}

func (c ModelConfig) maxWidth() int {
	w := max(c.PromptWidth, c.GenWidth)
	for _, v := range c.Variants {
		w = max(w, v.StepWidth)
	}
	return w
}

func (c ModelConfig) maxCacheLength() int {
	n := c.CacheLength
	for _, v := range c.Variants {
		n = max(n, v.CacheLength)
	}
	return n
}

// IsStop reports whether tok ends generation.
func (c ModelConfig) IsStop(tok int32) bool {
	return slices.Contains(c.StopTokens, tok)
}
