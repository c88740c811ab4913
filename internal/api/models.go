package api

import (
	"slices"

	"github.com/samcharles93/spindle/internal/decode"
	"github.com/samcharles93/spindle/internal/logger"
	"github.com/samcharles93/spindle/internal/medusa"
	"github.com/samcharles93/spindle/internal/toy"
)

type Tokenizer interface {
	Encode(s string, bos bool) []int32
	Decode(ids []int32) string
}

// Models builds the decode states behind a session. Every call returns
// fresh states owned by the caller.
type Models interface {
	// Target returns the main model with an extra variant for each of the
	// given step widths.
	Target(widths ...int) (*decode.State, error)
	// Draft returns a single-token model for speculative decoding.
	Draft() (*decode.State, error)
	Heads(n int) ([]medusa.Head, error)
	Tokenizer() Tokenizer
	VocabSize() int
}

// ToyModels serves the deterministic toy executor. DraftLM defaults to a
// noisy copy of LM.
type ToyModels struct {
	LM       *toy.LM
	DraftLM  *toy.LM
	Config   decode.ModelConfig
	MissRate float64
	Log      logger.Logger
}

func (m *ToyModels) log() logger.Logger {
	if m.Log == nil {
		return logger.Discard()
	}
	return m.Log
}

func (m *ToyModels) Target(widths ...int) (*decode.State, error) {
	cfg := m.Config
	cfg.Variants = nil
	if len(widths) > 0 {
		base := cfg.WithDefaults()
		for _, w := range append([]int{base.PromptWidth, base.GenWidth}, widths...) {
			v := decode.Variant{StepWidth: w, CacheLength: base.CacheLength}
			if !slices.Contains(cfg.Variants, v) {
				cfg.Variants = append(cfg.Variants, v)
			}
		}
	}
	return toy.NewState(m.LM, cfg, m.log().With("model", "target"))
}

func (m *ToyModels) Draft() (*decode.State, error) {
	lm := m.DraftLM
	if lm == nil {
		lm = m.LM.WithNoise(2, m.LM.Seed+1)
	}
	cfg := m.Config
	cfg.Name = "draft"
	cfg.GenWidth = 1
	cfg.Variants = nil
	return toy.NewState(lm, cfg, m.log().With("model", "draft"))
}

func (m *ToyModels) Heads(n int) ([]medusa.Head, error) {
	out := make([]medusa.Head, 0, n)
	for _, h := range toy.Heads(m.LM, n, m.MissRate) {
		out = append(out, h)
	}
	return out, nil
}

func (m *ToyModels) Tokenizer() Tokenizer { return toy.ByteTokenizer{} }
func (m *ToyModels) VocabSize() int       { return m.LM.Vocab }
