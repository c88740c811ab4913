package toy

import (
	"context"
	"errors"
	"slices"
	"testing"
	"unicode/utf8"

	"github.com/samcharles93/spindle/internal/decode"
	"github.com/samcharles93/spindle/internal/dtype"
	"github.com/samcharles93/spindle/internal/logits"
)

func TestLMDependsOnlyOnTail(t *testing.T) {
	t.Parallel()
	lm := NewLM(64, 3, 7)
	a := lm.Logits(nil, []int32{9, 9, 1, 2, 3})
	b := lm.Logits(nil, []int32{4, 1, 2, 3})
	if !slices.Equal(a, b) {
		t.Fatalf("logits differ for equal tails")
	}
	c := lm.Logits(nil, []int32{1, 2, 4})
	if slices.Equal(a, c) {
		t.Fatalf("logits equal for different tails")
	}
	short := lm.Logits(nil, []int32{3})
	if slices.Equal(short, b) {
		t.Fatalf("short context aliases a full one")
	}
}

func TestNoiseChangesLogits(t *testing.T) {
	t.Parallel()
	lm := NewLM(64, 2, 7)
	draft := lm.WithNoise(0.5, 99)
	ctx := []int32{5, 6}
	if slices.Equal(lm.Logits(nil, ctx), draft.Logits(nil, ctx)) {
		t.Fatalf("noise had no effect")
	}
	if lm.Noise != 0 {
		t.Fatalf("WithNoise modified the receiver")
	}
}

func TestReferenceMatchesNext(t *testing.T) {
	t.Parallel()
	lm := NewLM(32, 2, 3)
	prompt := []int32{1, 4, 5}
	ref := lm.Reference(prompt, 10)
	if len(ref) != 10 {
		t.Fatalf("reference length %d, want 10", len(ref))
	}
	ctx := slices.Clone(prompt)
	for i, tok := range ref {
		if next := lm.Next(ctx); next != tok {
			t.Fatalf("token %d: reference %d, next %d", i, tok, next)
		}
		ctx = append(ctx, tok)
	}
	if got := lm.Rollout(prompt, 10); !slices.Equal(got, ref) {
		t.Fatalf("rollout %v, reference %v", got, ref)
	}

	stopped := lm.Reference(prompt, 10, ref[3])
	if !slices.Equal(stopped, ref[:slices.Index(ref, ref[3])]) {
		t.Fatalf("reference did not stop: %v", stopped)
	}
}

func TestHiddenRoundTrip(t *testing.T) {
	t.Parallel()
	lm := NewLM(32, 3, 1)
	h := make([]float32, lm.HiddenSize())
	lm.Hidden(h, 7, []int32{4, 7})
	want := []float32{7, -1, 4, 7}
	if !slices.Equal(h, want) {
		t.Fatalf("hidden %v, want %v", h, want)
	}
	tok, ctx := lm.DecodeHidden(h)
	if tok != 7 || !slices.Equal(ctx, []int32{4, 7}) {
		t.Fatalf("decoded %d %v", tok, ctx)
	}
}

func TestHeadsPredictAhead(t *testing.T) {
	t.Parallel()
	lm := NewLM(48, 2, 11)
	history := []int32{3, 8}
	h := make([]float32, lm.HiddenSize())
	lm.Hidden(h, 8, history)
	ahead := lm.Rollout(history, 4)

	for i, head := range Heads(lm, 3, 0) {
		out, err := head.Forward(context.Background(), h)
		if err != nil {
			t.Fatalf("head %d: %v", i, err)
		}
		if got := int32(logits.Argmax(out)); got != ahead[i+1] {
			t.Fatalf("head %d predicts %d, want %d", i, got, ahead[i+1])
		}
	}

	misses := 0
	for i, head := range Heads(lm, 3, 1) {
		out, err := head.Forward(context.Background(), h)
		if err != nil {
			t.Fatalf("head %d: %v", i, err)
		}
		if int32(logits.Argmax(out)) != ahead[i+1] {
			misses++
		}
	}
	if misses != 3 {
		t.Fatalf("miss rate 1 produced %d misses", misses)
	}
}

func TestByteTokenizer(t *testing.T) {
	t.Parallel()
	var tok ByteTokenizer
	ids := tok.Encode("hi!", true)
	if want := []int32{BOSToken, 'h' + 3, 'i' + 3, '!' + 3}; !slices.Equal(ids, want) {
		t.Fatalf("encode %v, want %v", ids, want)
	}
	if got := tok.Decode(append(ids, EOSToken, PadToken, 9999)); got != "hi!" {
		t.Fatalf("decode %q", got)
	}
}

func TestByteTokenizerInvalidUTF8(t *testing.T) {
	t.Parallel()
	var tok ByteTokenizer
	tests := []struct {
		name string
		ids  []int32
		want string
	}{
		{"multibyte", tok.Encode("é", false), "é"},
		{"lone continuation", []int32{0x80 + 3, 'a' + 3}, "\uFFFDa"},
		{"invalid run", []int32{'x' + 3, 0xff + 3, 0xfe + 3, 'y' + 3}, "x\uFFFDy"},
		{"split rune", tok.Encode("é", false)[:1], "\uFFFD"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got := tok.Decode(tt.ids)
			if got != tt.want {
				t.Fatalf("decode %v: got %q, want %q", tt.ids, got, tt.want)
			}
			if !utf8.ValidString(got) {
				t.Fatalf("decode %v: invalid UTF-8 %q", tt.ids, got)
			}
		})
	}
}

func TestChunkRejectsEmptyVisibleSlot(t *testing.T) {
	t.Parallel()
	lm := NewLM(16, 2, 1)
	shape := decode.ChunkShape{Caches: 1, Rows: 1, Stride: 4}
	c := &Chunk{lm: lm, shape: shape}

	// Width 1, cache 2: the newest cache column is visible but never written.
	mask := []byte{0, 1, 1}
	_, err := c.Forward(context.Background(), decode.ChunkInput{
		Width:       1,
		Tokens:      []int32{5},
		Mask:        mask,
		MaskType:    dtype.Bool,
		MaskStride:  3,
		Caches:      [][]byte{make([]byte, 2*4)},
		CacheLength: 2,
		Logits:      decode.LogitsLast,
	})
	if !errors.Is(err, ErrCorruptHistory) {
		t.Fatalf("expected ErrCorruptHistory, got %v", err)
	}
}

func TestChunkReadsCacheContext(t *testing.T) {
	t.Parallel()
	lm := NewLM(16, 3, 1)
	shape := decode.ChunkShape{Caches: 1, Rows: 1, Stride: 4}
	c := &Chunk{lm: lm, shape: shape}

	cache := make([]byte, 3*4)
	copy(cache[4:], c.cacheRows(0, []int32{6, 9}))
	out, err := c.Forward(context.Background(), decode.ChunkInput{
		Width:       1,
		Tokens:      []int32{4},
		Mask:        []byte{0, 1, 1, 1},
		MaskType:    dtype.Bool,
		MaskStride:  4,
		Caches:      [][]byte{cache},
		CacheLength: 3,
		Logits:      decode.LogitsLast,
	})
	if err != nil {
		t.Fatalf("forward: %v", err)
	}
	if want := lm.Logits(nil, []int32{6, 9, 4}); !slices.Equal(out.Logits[0], want) {
		t.Fatalf("logits do not follow the cached context")
	}
	if got := out.Caches[0]; len(got) != 4 || got[0] != 5 {
		t.Fatalf("cache output %v", got)
	}
}
