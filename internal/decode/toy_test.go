package decode_test

import (
	"context"
	"fmt"
	"slices"
	"testing"

	"github.com/samcharles93/spindle/internal/decode"
	"github.com/samcharles93/spindle/internal/dtype"
	"github.com/samcharles93/spindle/internal/logger"
	"github.com/samcharles93/spindle/internal/logits"
	"github.com/samcharles93/spindle/internal/toy"
	"github.com/samcharles93/spindle/internal/tree"
)

var prompt = toy.ByteTokenizer{}.Encode("the quick brown fox", true)

func newToyState(t *testing.T, lm *toy.LM, cfg decode.ModelConfig) *decode.State {
	t.Helper()
	s, err := toy.NewState(lm, cfg, logger.Discard())
	if err != nil {
		t.Fatalf("new state: %v", err)
	}
	return s
}

func greedy() *logits.Sampler {
	return logits.NewSampler(logits.SamplerConfig{Temperature: 0})
}

func TestGeneratorMatchesReference(t *testing.T) {
	t.Parallel()
	lm := toy.NewLM(toy.ByteVocab, 3, 42)
	want := lm.Reference(prompt, 24, toy.EOSToken)

	for _, kind := range []string{"linear", "ring"} {
		for _, width := range []int{1, 3, 4} {
			for _, mt := range []dtype.Type{dtype.Bool, dtype.Int16, dtype.FP16, dtype.FP32} {
				t.Run(fmt.Sprintf("%s/w%d/%s", kind, width, mt), func(t *testing.T) {
					t.Parallel()
					s := newToyState(t, lm, decode.ModelConfig{
						PromptWidth: width,
						CacheLength: 64,
						CacheKind:   kind,
						MaskType:    mt,
					})
					g := &decode.Generator{State: s, Sampler: greedy()}
					var streamed []int32
					got, stats, err := g.Run(context.Background(), prompt, 24, func(tok int32) error {
						streamed = append(streamed, tok)
						return nil
					})
					if err != nil {
						t.Fatalf("run: %v", err)
					}
					if !slices.Equal(got, want) {
						t.Fatalf("generated %v, want %v", got, want)
					}
					if !slices.Equal(streamed, got) {
						t.Fatalf("streamed %v, returned %v", streamed, got)
					}
					if stats.TokensGenerated != len(want) || stats.PromptTokens != len(prompt) {
						t.Fatalf("stats %+v", stats)
					}
				})
			}
		}
	}
}

func TestGeneratorReusesContext(t *testing.T) {
	t.Parallel()
	lm := toy.NewLM(toy.ByteVocab, 3, 7)
	s := newToyState(t, lm, decode.ModelConfig{PromptWidth: 4, CacheLength: 96, CacheKind: "ring"})
	g := &decode.Generator{State: s, Sampler: greedy()}
	ctx := context.Background()

	first, _, err := g.Run(ctx, prompt, 8, nil)
	if err != nil {
		t.Fatalf("first turn: %v", err)
	}
	turn := slices.Concat(prompt, first, toy.ByteTokenizer{}.Encode(" jumps", false))
	second, stats, err := g.Run(ctx, turn, 8, nil)
	if err != nil {
		t.Fatalf("second turn: %v", err)
	}
	if want := lm.Reference(turn, 8, toy.EOSToken); !slices.Equal(second, want) {
		t.Fatalf("second turn %v, want %v", second, want)
	}
	// At most the last token of the first turn was left unfed.
	if limit := len(" jumps") + 1; stats.PromptTokens > limit {
		t.Fatalf("second turn prefilled %d tokens, want at most %d", stats.PromptTokens, limit)
	}

	// A diverging history starts over.
	other := toy.ByteTokenizer{}.Encode("lazy dog", true)
	third, stats, err := g.Run(ctx, other, 4, nil)
	if err != nil {
		t.Fatalf("third turn: %v", err)
	}
	if want := lm.Reference(other, 4, toy.EOSToken); !slices.Equal(third, want) {
		t.Fatalf("third turn %v, want %v", third, want)
	}
	if stats.PromptTokens != len(other) {
		t.Fatalf("third turn prefilled %d tokens, want %d", stats.PromptTokens, len(other))
	}
}

func TestGeneratorOverflowKeepsRecentContext(t *testing.T) {
	t.Parallel()
	lm := toy.NewLM(toy.ByteVocab, 3, 5)
	want := lm.Reference(prompt, 40, toy.EOSToken)
	for _, kind := range []string{"linear", "ring"} {
		t.Run(kind, func(t *testing.T) {
			t.Parallel()
			s := newToyState(t, lm, decode.ModelConfig{
				PromptWidth: 4,
				CacheLength: 16,
				MaxTokens:   96,
				CacheKind:   kind,
			})
			g := &decode.Generator{State: s, Sampler: greedy()}
			got, _, err := g.Run(context.Background(), prompt, 40, nil)
			if err != nil {
				t.Fatalf("run: %v", err)
			}
			if !slices.Equal(got, want) {
				t.Fatalf("generated %v, want %v", got, want)
			}
			if s.Stats().Overflows == 0 {
				t.Fatalf("expected overflow warnings")
			}
		})
	}
}

func TestToyTreeStep(t *testing.T) {
	t.Parallel()
	lm := toy.NewLM(toy.ByteVocab, 3, 9)
	for _, kind := range []string{"linear", "ring"} {
		t.Run(kind, func(t *testing.T) {
			t.Parallel()
			s := newToyState(t, lm, decode.ModelConfig{PromptWidth: 4, CacheLength: 64, CacheKind: kind})
			ctx := context.Background()
			if _, err := s.Prefill(ctx, prompt); err != nil {
				t.Fatalf("prefill: %v", err)
			}
			spec, err := tree.Preset(4)
			if err != nil {
				t.Fatalf("preset: %v", err)
			}
			if err := s.SetTree(spec); err != nil {
				t.Fatalf("set tree: %v", err)
			}
			nodes := []int32{40, 50, 60, 70}
			out, err := s.Step(ctx, decode.StepInput{Tokens: nodes, Logits: decode.LogitsFull})
			if err != nil {
				t.Fatalf("tree step: %v", err)
			}
			for i := range nodes {
				path := []int32{nodes[0]}
				if i > 0 {
					path = append(path, nodes[i])
				}
				want := lm.Logits(nil, slices.Concat(prompt, path))
				if !slices.Equal(out.Logits[i], want) {
					t.Fatalf("node %d logits do not follow its path", i)
				}
			}

			if err := s.RetainPath([]int{0, 2}); err != nil {
				t.Fatalf("retain: %v", err)
			}
			s.ClearTree()
			if err := s.SetWidth(1); err != nil {
				t.Fatalf("set width: %v", err)
			}
			out, err = s.Step(ctx, decode.StepInput{Tokens: []int32{80}, Logits: decode.LogitsLast})
			if err != nil {
				t.Fatalf("step after retain: %v", err)
			}
			want := lm.Logits(nil, slices.Concat(prompt, []int32{40, 60, 80}))
			if !slices.Equal(out.LastLogits(), want) {
				t.Fatalf("history after retain does not hold the accepted path")
			}
		})
	}
}

func TestToyFoldedBatch(t *testing.T) {
	t.Parallel()
	lm := toy.NewLM(toy.ByteVocab, 4, 13)
	s := newToyState(t, lm, decode.ModelConfig{PromptWidth: 4, CacheLength: 64, MaskType: dtype.FP32})
	ctx := context.Background()
	if _, err := s.Prefill(ctx, prompt); err != nil {
		t.Fatalf("prefill: %v", err)
	}
	if err := s.EnterFoldedBatch(); err != nil {
		t.Fatalf("enter folded: %v", err)
	}

	branches := [][]int32{{30}, {31}, {32}, {33}}
	for step := range 3 {
		tokens := make([]int32, len(branches))
		for i, b := range branches {
			tokens[i] = b[len(b)-1]
		}
		out, err := s.Step(ctx, decode.StepInput{Tokens: tokens, Logits: decode.LogitsFull})
		if err != nil {
			t.Fatalf("folded step %d: %v", step, err)
		}
		for i, b := range branches {
			want := lm.Logits(nil, slices.Concat(prompt, b))
			if !slices.Equal(out.Logits[i], want) {
				t.Fatalf("step %d branch %d sees another branch", step, i)
			}
			branches[i] = append(b, int32(logits.Argmax(out.Logits[i])))
		}
	}
}
