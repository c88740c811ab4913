package toy

import (
	"github.com/samcharles93/spindle/internal/decode"
	"github.com/samcharles93/spindle/internal/logger"
)

// DefaultChunks splits the toy model in two chunks of one cache each.
var DefaultChunks = []decode.ChunkShape{
	{Caches: 1, Rows: 2, Stride: 8},
	{Caches: 1, Rows: 2, Stride: 8},
}

// Configure fills the toy-specific fields of cfg: vocabulary, hidden size,
// chunk layout and a compact rotary table.
func Configure(lm *LM, cfg decode.ModelConfig) decode.ModelConfig {
	if cfg.Name == "" {
		cfg.Name = "toy"
	}
	cfg.VocabSize = lm.Vocab
	cfg.HiddenSize = lm.HiddenSize()
	if len(cfg.Chunks) == 0 {
		cfg.Chunks = DefaultChunks
	}
	if cfg.CacheKind == "" {
		cfg.CacheKind = "linear"
	}
	if cfg.Rope.HeadDim == 0 {
		cfg.Rope.HeadDim = 8
	}
	return cfg.WithDefaults()
}

// Chunks binds one executor per chunk shape of cfg. Every shape needs at
// least one cache with a stride of four bytes or more.
func Chunks(lm *LM, cfg decode.ModelConfig) []decode.Chunk {
	out := make([]decode.Chunk, len(cfg.Chunks))
	for i, shape := range cfg.Chunks {
		out[i] = &Chunk{lm: lm, index: i, shape: shape}
	}
	return out
}

// NewState is a decode State running lm.
func NewState(lm *LM, cfg decode.ModelConfig, log logger.Logger) (*decode.State, error) {
	cfg = Configure(lm, cfg)
	return decode.New(cfg, Chunks(lm, cfg), decode.WithLogger(log))
}
