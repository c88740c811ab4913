// Package medusa implements tree-based speculative decoding with Medusa
// heads. The heads guess several future tokens from one hidden state, the
// guesses are laid out as a static candidate tree, and one target step
// under tree attention verifies every root-to-leaf path at once.
package medusa

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/samcharles93/spindle/internal/decode"
	"github.com/samcharles93/spindle/internal/logger"
	"github.com/samcharles93/spindle/internal/logits"
	"github.com/samcharles93/spindle/internal/tree"
)

// ErrContextFull ends generation when the tree no longer fits.
var ErrContextFull = errors.New("medusa: context full")

// Head predicts a token distribution some steps ahead of the position whose
// final hidden state it reads.
type Head interface {
	Forward(ctx context.Context, hidden []float32) ([]float32, error)
}

type Decoder struct {
	ID    string
	log   logger.Logger
	cfg   Config
	state *decode.State
	heads []Head
	tree  *tree.Spec

	root    int32
	hidden  []float32
	primed  bool
	history []int32
	stats   Stats
}

type Option func(*Decoder)

func WithLogger(l logger.Logger) Option {
	return func(d *Decoder) { d.log = l }
}

// New binds heads and a tree to a State. The State must expose hidden
// states and have a variant as wide as the tree.
func New(state *decode.State, heads []Head, spec *tree.Spec, cfg Config, opts ...Option) (*Decoder, error) {
	cfg = cfg.withDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	mc := state.Config()
	switch {
	case len(heads) != spec.Heads():
		return nil, fmt.Errorf("%w: %d heads for a tree of %d", decode.ErrMismatchedTopology, len(heads), spec.Heads())
	case mc.MedusaHeads > 0 && mc.MedusaHeads != len(heads):
		return nil, fmt.Errorf("%w: model declares %d heads, %d bound", decode.ErrMismatchedTopology, mc.MedusaHeads, len(heads))
	case len(mc.CacheLengths(spec.Width())) == 0:
		return nil, fmt.Errorf("%w: no variant of width %d for the tree", decode.ErrMismatchedTopology, spec.Width())
	case mc.HiddenSize <= 0:
		return nil, fmt.Errorf("%w: model exposes no hidden states", decode.ErrMismatchedTopology)
	}
	d := &Decoder{
		ID:    uuid.NewString(),
		log:   logger.Default(),
		cfg:   cfg,
		state: state,
		heads: heads,
		tree:  spec,
		stats: Stats{PathLengths: make([]int, spec.Heads()+1)},
	}
	for _, opt := range opts {
		opt(d)
	}
	d.log = d.log.With("session", d.ID)
	return d, nil
}

func (d *Decoder) Config() Config       { return d.cfg }
func (d *Decoder) Tree() *tree.Spec     { return d.tree }
func (d *Decoder) History() []int32     { return slices.Clone(d.history) }
func (d *Decoder) State() *decode.State { return d.state }

func (d *Decoder) Stats() Stats {
	s := d.stats
	s.PathLengths = slices.Clone(s.PathLengths)
	return s
}

// Prefill resets the State, feeds the prompt and returns the first token.
func (d *Decoder) Prefill(ctx context.Context, prompt []int32) (int32, error) {
	start := time.Now()
	s := d.state
	if err := s.Reset(); err != nil {
		return 0, err
	}
	if err := s.SetWidth(s.Config().PromptWidth); err != nil {
		return 0, err
	}
	out, err := s.Prefill(ctx, prompt)
	if err != nil {
		return 0, err
	}
	d.root = int32(logits.Argmax(out.LastLogits()))
	d.hidden = slices.Clone(out.HiddenAt(out.Last))

	if err := s.SetWidth(d.tree.Width()); err != nil {
		return 0, err
	}
	if err := s.SetTree(d.tree); err != nil {
		return 0, err
	}
	d.primed = true
	d.history = append(append(d.history[:0], prompt...), d.root)
	d.stats.Prefill += time.Since(start)
	d.log.Debug("medusa prefill", "prompt", len(prompt), "first", d.root)
	return d.root, nil
}

// rank runs every head on the current hidden state in parallel and keeps
// each head's best tokens.
func (d *Decoder) rank(ctx context.Context) ([][]int32, error) {
	ranked := make([][]int32, len(d.heads))
	g, gctx := errgroup.WithContext(ctx)
	for h, head := range d.heads {
		g.Go(func() error {
			out, err := head.Forward(gctx, d.hidden)
			if err != nil {
				return fmt.Errorf("head %d: %w", h, err)
			}
			top := logits.TopK(out, d.tree.MaxTopK(h))
			ranked[h] = make([]int32, len(top))
			for i, t := range top {
				ranked[h][i] = int32(t)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return ranked, nil
}

// Iterate runs one candidate tree step. It returns the accepted candidate
// tokens followed by the next root.
func (d *Decoder) Iterate(ctx context.Context) ([]int32, error) {
	if !d.primed {
		return nil, fmt.Errorf("medusa: iterate before prefill")
	}
	width := d.tree.Width()
	if d.state.Remaining() < width {
		return nil, ErrContextFull
	}

	start := time.Now()
	ranked, err := d.rank(ctx)
	if err != nil {
		return nil, err
	}
	candidates, err := d.tree.Candidates(d.root, ranked)
	if err != nil {
		return nil, err
	}
	d.stats.Heads += time.Since(start)

	start = time.Now()
	out, err := d.state.Step(ctx, decode.StepInput{Tokens: candidates, Logits: decode.LogitsFull})
	if err != nil {
		return nil, fmt.Errorf("tree step: %w", err)
	}
	v, err := Verify(d.tree, candidates, out.Logits, d.cfg)
	if err != nil {
		return nil, err
	}
	if err := d.state.RetainPath(v.Accepted); err != nil {
		return nil, fmt.Errorf("retain path: %w", err)
	}
	d.stats.Verify += time.Since(start)

	last := v.Accepted[len(v.Accepted)-1]
	d.root = int32(logits.Argmax(out.Logits[last]))
	d.hidden = append(d.hidden[:0], out.HiddenAt(last)...)

	tokens := make([]int32, 0, len(v.Accepted))
	for _, node := range v.Accepted[1:] {
		tokens = append(tokens, candidates[node])
	}
	tokens = append(tokens, d.root)

	d.stats.Iterations++
	d.stats.Accepted += len(v.Accepted) - 1
	d.stats.PathLengths[len(v.Accepted)-1]++
	d.history = append(d.history, tokens...)
	return tokens, nil
}

// Generate prefills prompt and iterates until a stop token, MaxResponse
// tokens, or a full context. The stop token is not emitted.
func (d *Decoder) Generate(ctx context.Context, prompt []int32, emit func(int32) error) ([]int32, error) {
	first, err := d.Prefill(ctx, prompt)
	if err != nil {
		return nil, err
	}
	stop := d.state.Config().IsStop
	var out []int32
	push := func(tok int32) (bool, error) {
		if stop(tok) {
			return true, nil
		}
		out = append(out, tok)
		d.stats.Emitted++
		if emit != nil {
			if err := emit(tok); err != nil {
				return true, err
			}
		}
		return len(out) >= d.cfg.MaxResponse, nil
	}

	done, err := push(first)
	for !done && err == nil {
		if err = ctx.Err(); err != nil {
			break
		}
		var tokens []int32
		tokens, err = d.Iterate(ctx)
		if errors.Is(err, ErrContextFull) {
			d.log.Warn("context full, ending generation", "emitted", len(out))
			err = nil
			break
		}
		if err != nil {
			break
		}
		for _, tok := range tokens {
			if done, err = push(tok); done || err != nil {
				break
			}
		}
	}
	d.log.Debug("medusa generation done", "emitted", len(out), "stats", d.stats.String())
	return out, err
}
