package medusa

import (
	"context"
	"fmt"
	"slices"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/samcharles93/spindle/internal/decode"
	"github.com/samcharles93/spindle/internal/logger"
	"github.com/samcharles93/spindle/internal/toy"
	"github.com/samcharles93/spindle/internal/tree"
)

var prompt = toy.ByteTokenizer{}.Encode("medusa heads", true)

func toyHeads(lm *toy.LM, n int, missRate float64) []Head {
	var out []Head
	for _, h := range toy.Heads(lm, n, missRate) {
		out = append(out, h)
	}
	return out
}

func toyDecoder(t *testing.T, lm *toy.LM, width, cacheLength int, missRate float64, cfg Config) *Decoder {
	t.Helper()
	spec, err := tree.Preset(width)
	require.NoError(t, err)
	s, err := toy.NewState(lm, decode.ModelConfig{
		PromptWidth: 4,
		GenWidth:    width,
		CacheLength: cacheLength,
		CacheKind:   "ring",
		MedusaHeads: spec.Heads(),
	}, logger.Discard())
	require.NoError(t, err)
	d, err := New(s, toyHeads(lm, spec.Heads(), missRate), spec, cfg, WithLogger(logger.Discard()))
	require.NoError(t, err)
	return d
}

func TestGreedyMatchesReference(t *testing.T) {
	t.Parallel()
	for _, width := range tree.PresetWidths() {
		for _, miss := range []float64{0, 0.5} {
			t.Run(fmt.Sprintf("w%d/miss%.1f", width, miss), func(t *testing.T) {
				t.Parallel()
				lm := toy.NewLM(toy.ByteVocab, 3, 5)
				d := toyDecoder(t, lm, width, 160, miss, Config{MaxResponse: 40})

				var streamed []int32
				got, err := d.Generate(context.Background(), prompt, func(tok int32) error {
					streamed = append(streamed, tok)
					return nil
				})
				require.NoError(t, err)
				require.Equal(t, lm.Reference(prompt, 40, toy.EOSToken), got)
				require.Equal(t, got, streamed)

				st := d.Stats()
				require.Equal(t, len(got), st.Emitted)
				if miss == 0 {
					// Perfect heads fill the deepest path every step.
					require.Equal(t, st.Iterations, st.PathLengths[d.Tree().Heads()], "stats %s", st)
				}
				require.Equal(t, slices.Concat(prompt, got), d.History()[:len(prompt)+len(got)])
			})
		}
	}
}

func TestTypicalAcceptance(t *testing.T) {
	t.Parallel()
	lm := toy.NewLM(toy.ByteVocab, 2, 9)
	d := toyDecoder(t, lm, 8, 160, 0.3, Config{Temperature: 0.7, MaxResponse: 30})
	got, err := d.Generate(context.Background(), prompt, nil)
	require.NoError(t, err)
	require.LessOrEqual(t, len(got), 30)
	require.Equal(t, prompt, d.History()[:len(prompt)])
	// The state holds the prompt and every token fed so far, which is all of
	// the history except the pending root.
	require.Equal(t, len(d.History())-1, d.State().Confirmed())
}

func TestContextFullEndsGeneration(t *testing.T) {
	t.Parallel()
	lm := toy.NewLM(toy.ByteVocab, 3, 5)
	d := toyDecoder(t, lm, 8, 32, 0.5, Config{MaxResponse: 100})
	got, err := d.Generate(context.Background(), prompt, nil)
	require.NoError(t, err)
	want := lm.Reference(prompt, 100, toy.EOSToken)
	require.LessOrEqual(t, len(got), len(want))
	require.Equal(t, want[:len(got)], got)
	if len(got) < len(want) {
		require.Less(t, d.State().Remaining(), 8)
	}
}

func TestIterateBeforePrefill(t *testing.T) {
	t.Parallel()
	d := toyDecoder(t, toy.NewLM(toy.ByteVocab, 2, 1), 4, 64, 0, Config{})
	_, err := d.Iterate(context.Background())
	require.Error(t, err)
}

func TestNewValidatesTopology(t *testing.T) {
	t.Parallel()
	lm := toy.NewLM(toy.ByteVocab, 2, 1)
	spec, err := tree.Preset(8)
	require.NoError(t, err)

	narrow, err := toy.NewState(lm, decode.ModelConfig{PromptWidth: 4, CacheLength: 64}, logger.Discard())
	require.NoError(t, err)
	_, err = New(narrow, toyHeads(lm, spec.Heads(), 0), spec, Config{})
	require.ErrorIs(t, err, decode.ErrMismatchedTopology)

	wide, err := toy.NewState(lm, decode.ModelConfig{PromptWidth: 4, GenWidth: 8, CacheLength: 64}, logger.Discard())
	require.NoError(t, err)
	_, err = New(wide, toyHeads(lm, 3, 0), spec, Config{})
	require.ErrorIs(t, err, decode.ErrMismatchedTopology)

	_, err = New(wide, toyHeads(lm, spec.Heads(), 0), spec, Config{Temperature: -1})
	require.Error(t, err)
}
