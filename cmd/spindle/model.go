package main

import (
	"fmt"
	"io"

	"github.com/goccy/go-json"

	"github.com/samcharles93/spindle/internal/api"
	"github.com/samcharles93/spindle/internal/decode"
	"github.com/samcharles93/spindle/internal/dtype"
	"github.com/samcharles93/spindle/internal/logger"
	"github.com/samcharles93/spindle/internal/toy"
)

func loadModelConfig() (decode.ModelConfig, error) {
	if modelConfigPath != "" {
		return decode.LoadModelConfig(modelConfigPath)
	}
	mt, err := dtype.Parse(maskType)
	if err != nil {
		return decode.ModelConfig{}, err
	}
	return decode.ModelConfig{
		Name:        "toy",
		CacheLength: int(cacheLength),
		PromptWidth: int(promptWidth),
		CacheKind:   cacheKind,
		MaskType:    mt,
		Overflow:    decode.OverflowPolicy(overflow),
	}, nil
}

// buildModels binds the toy executor to the configured model description.
func buildModels(log logger.Logger, s *samplingOptions) (*api.ToyModels, error) {
	cfg, err := loadModelConfig()
	if err != nil {
		return nil, err
	}
	vocab := int(vocabSize)
	if cfg.VocabSize > 0 {
		vocab = cfg.VocabSize
	}
	if vocab < toy.ByteVocab {
		return nil, fmt.Errorf("vocabulary of %d cannot hold the %d byte tokens", vocab, toy.ByteVocab)
	}
	lm := toy.NewLM(vocab, int(modelOrder), uint64(modelSeed))
	log.Debug("toy model", "vocab", vocab, "order", lm.Order, "cache_length", cfg.CacheLength, "cache_kind", cfg.CacheKind)
	return &api.ToyModels{
		LM:       lm,
		DraftLM:  lm.WithNoise(float32(s.draftNoise), uint64(modelSeed)+1),
		Config:   cfg,
		MissRate: s.missRate,
		Log:      log,
	}, nil
}

// tokenPrinter streams decoded tokens as they are emitted.
type tokenPrinter struct {
	w     io.Writer
	tok   api.Tokenizer
	quiet bool
}

func (p *tokenPrinter) emit(t int32) error {
	if p.quiet {
		return nil
	}
	_, err := io.WriteString(p.w, p.tok.Decode([]int32{t}))
	return err
}

type report struct {
	Command string  `json:"command"`
	Prompt  string  `json:"prompt"`
	Text    string  `json:"text"`
	Tokens  []int32 `json:"tokens"`
	Stats   any     `json:"stats"`
	Target  any     `json:"target_state"`
	Draft   any     `json:"draft_state,omitempty"`
}

// printReport writes r as json, or the stats as text lines after the
// streamed output.
func printReport(stdout, stderr io.Writer, r report) error {
	if jsonOutput {
		b, err := json.MarshalIndent(r, "", "  ")
		if err != nil {
			return err
		}
		_, err = fmt.Fprintf(stdout, "%s\n", b)
		return err
	}
	_, _ = fmt.Fprintln(stdout)
	_, _ = fmt.Fprintf(stderr, "%s: %d tokens\n", r.Command, len(r.Tokens))
	for _, line := range []struct {
		name string
		v    any
	}{{"stats", r.Stats}, {"target", r.Target}, {"draft", r.Draft}} {
		if line.v == nil {
			continue
		}
		_, _ = fmt.Fprintf(stderr, "  %-7s %v\n", line.name, line.v)
	}
	return nil
}
