// Package speculative implements draft/target speculative decoding. A small
// draft model proposes K tokens one at a time, the target scores all of
// them in a single step of width K+1, and rejection sampling keeps the
// output distributed as if the target had decoded alone.
package speculative

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"slices"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
	"gonum.org/v1/gonum/floats"

	"github.com/samcharles93/spindle/internal/decode"
	"github.com/samcharles93/spindle/internal/logger"
	"github.com/samcharles93/spindle/internal/logits"
)

// ErrContextFull ends generation when the target cannot take another
// verify step.
var ErrContextFull = errors.New("speculative: context full")

type Decoder struct {
	ID     string
	log    logger.Logger
	cfg    Config
	target *decode.State
	draft  *decode.State
	rng    *rand.Rand

	// next is the token both models will be fed first in the coming
	// iteration. It has been emitted already.
	next    int32
	primed  bool
	history []int32
	stats   Stats

	draftProbs [][]float64
	targetProb []float64
	residual   []float64
}

type Option func(*Decoder)

func WithLogger(l logger.Logger) Option {
	return func(d *Decoder) { d.log = l }
}

// New pairs a target and a draft State. The draft must generate one token
// per step; the target must have a K+1 wide variant.
func New(target, draft *decode.State, cfg Config, opts ...Option) (*Decoder, error) {
	cfg = cfg.withDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	tc, dc := target.Config(), draft.Config()
	if tc.VocabSize != dc.VocabSize {
		return nil, fmt.Errorf("%w: target vocab %d, draft vocab %d", decode.ErrMismatchedTopology, tc.VocabSize, dc.VocabSize)
	}
	if dc.GenWidth != 1 {
		return nil, fmt.Errorf("%w: draft generation width %d, want 1", decode.ErrMismatchedTopology, dc.GenWidth)
	}
	if len(tc.CacheLengths(cfg.DraftLength+1)) == 0 {
		return nil, fmt.Errorf("%w: target has no variant of width %d for draft length %d", decode.ErrMismatchedTopology, cfg.DraftLength+1, cfg.DraftLength)
	}

	d := &Decoder{
		ID:     uuid.NewString(),
		log:    logger.Default(),
		cfg:    cfg,
		target: target,
		draft:  draft,
		rng:    rand.New(rand.NewSource(cfg.Seed)),
		stats:  Stats{AcceptHistogram: make([]int, cfg.DraftLength+1)},
	}
	for _, opt := range opts {
		opt(d)
	}
	d.log = d.log.With("session", d.ID)
	d.draftProbs = make([][]float64, cfg.DraftLength)
	return d, nil
}

func (d *Decoder) Config() Config { return d.cfg }

// History is the prompt followed by every token produced so far.
func (d *Decoder) History() []int32 { return slices.Clone(d.history) }

func (d *Decoder) Stats() Stats {
	s := d.stats
	s.AcceptHistogram = slices.Clone(s.AcceptHistogram)
	return s
}

// Prefill resets both models, feeds them the prompt concurrently and
// samples the first token from the target.
func (d *Decoder) Prefill(ctx context.Context, prompt []int32) (int32, error) {
	start := time.Now()
	for _, s := range []*decode.State{d.target, d.draft} {
		if err := s.Reset(); err != nil {
			return 0, err
		}
	}
	var out decode.StepOutput
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		out, err = prefill(gctx, d.target, prompt, d.cfg.DraftLength+1)
		if err != nil {
			return fmt.Errorf("target prefill: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		if _, err := prefill(gctx, d.draft, prompt, 1); err != nil {
			return fmt.Errorf("draft prefill: %w", err)
		}
		return nil
	})
	if err := g.Wait(); err != nil {
		return 0, err
	}
	d.stats.Prefill += time.Since(start)

	d.targetProb = logits.Softmax(d.targetProb, out.LastLogits(), d.cfg.TargetTemperature)
	d.next = d.sample(d.targetProb, d.cfg.TargetTemperature)
	d.primed = true
	d.history = append(d.history[:0], prompt...)
	d.history = append(d.history, d.next)
	d.log.Debug("speculative prefill", "prompt", len(prompt), "first", d.next, "elapsed", time.Since(start))
	return d.next, nil
}

func prefill(ctx context.Context, s *decode.State, prompt []int32, genWidth int) (decode.StepOutput, error) {
	if err := s.SetWidth(s.Config().PromptWidth); err != nil {
		return decode.StepOutput{}, err
	}
	out, err := s.Prefill(ctx, prompt)
	if err != nil {
		return decode.StepOutput{}, err
	}
	return out, s.SetWidth(genWidth)
}

// Iteration is the outcome of one draft/verify round.
type Iteration struct {
	// Accepted counts the draft tokens the target kept, 0..K.
	Accepted int
	// Tokens are the new tokens in order: the accepted drafts followed by
	// the resampled or bonus token. The last one is fed next iteration.
	Tokens []int32
}

// Iterate runs one round starting from the last emitted token.
func (d *Decoder) Iterate(ctx context.Context) (Iteration, error) {
	if !d.primed {
		return Iteration{}, fmt.Errorf("speculative: iterate before prefill")
	}
	k := d.cfg.DraftLength
	if d.target.Remaining() < k+1 || d.draft.Remaining() < k+1 {
		return Iteration{}, ErrContextFull
	}

	// Draft phase: K single-token steps from the last emitted token.
	start := time.Now()
	drafts := make([]int32, k)
	tok := d.next
	for i := range k {
		out, err := d.draft.Step(ctx, decode.StepInput{Tokens: []int32{tok}, Logits: decode.LogitsLast})
		if err != nil {
			return Iteration{}, fmt.Errorf("draft step %d: %w", i, err)
		}
		d.draftProbs[i] = logits.Softmax(d.draftProbs[i], out.LastLogits(), d.cfg.DraftTemperature)
		tok = d.sample(d.draftProbs[i], d.cfg.DraftTemperature)
		drafts[i] = tok
	}
	d.stats.Draft += time.Since(start)

	// Verify phase: one target step over [next, d1..dK].
	start = time.Now()
	input := append([]int32{d.next}, drafts...)
	out, err := d.target.Step(ctx, decode.StepInput{Tokens: input, Logits: decode.LogitsFull})
	if err != nil {
		return Iteration{}, fmt.Errorf("verify step: %w", err)
	}
	d.stats.Verify += time.Since(start)

	accepted := 0
	var next int32
	for i, draftTok := range drafts {
		row := out.Logits[i]
		d.targetProb = logits.Softmax(d.targetProb, row, d.cfg.TargetTemperature)
		ok, err := d.accept(draftTok, int32(logits.Argmax(row)), d.targetProb[draftTok], d.draftProbs[i][draftTok])
		if err != nil {
			d.stats.Degenerate++
			d.log.Debug("draft token has no probability, rejecting", "position", i, "token", draftTok)
		}
		if ok {
			accepted++
			continue
		}
		next = d.resample(d.targetProb, d.draftProbs[i])
		break
	}

	if accepted < k {
		if err := d.target.Rollback(k - accepted); err != nil {
			return Iteration{}, fmt.Errorf("target rollback: %w", err)
		}
		if n := k - 1 - accepted; n > 0 {
			if err := d.draft.Rollback(n); err != nil {
				return Iteration{}, fmt.Errorf("draft rollback: %w", err)
			}
		}
		d.stats.Rejected++
	} else {
		d.targetProb = logits.Softmax(d.targetProb, out.Logits[k], d.cfg.TargetTemperature)
		next = d.sample(d.targetProb, d.cfg.TargetTemperature)
		// The draft never consumed its last proposal.
		if _, err := d.draft.Step(ctx, decode.StepInput{Tokens: drafts[k-1:], Logits: decode.LogitsNone}); err != nil {
			return Iteration{}, fmt.Errorf("draft catch-up: %w", err)
		}
		d.stats.Bonus++
	}

	d.stats.Iterations++
	d.stats.Drafted += k
	d.stats.Accepted += accepted
	d.stats.AcceptHistogram[accepted]++

	it := Iteration{Accepted: accepted, Tokens: append(drafts[:accepted:accepted], next)}
	d.next = next
	d.history = append(d.history, it.Tokens...)
	return it, nil
}

// accept is the rejection test. A greedy target keeps the draft token only
// when it is the target's argmax. Otherwise the token survives with
// probability pTarget/pDraft.
func (d *Decoder) accept(draftTok, targetTok int32, pTarget, pDraft float64) (bool, error) {
	if d.cfg.TargetTemperature <= 0 {
		return draftTok == targetTok, nil
	}
	if pDraft <= 0 {
		return false, decode.ErrSamplingDegenerate
	}
	u := d.rng.Float64() * d.cfg.UpperBound
	return u < pTarget/pDraft, nil
}

// resample draws from normalize(max(pTarget-pDraft, 0)), falling back to
// the target distribution when the residual carries no mass.
func (d *Decoder) resample(target, draft []float64) int32 {
	var ok bool
	d.residual, ok = logits.Residual(d.residual, target, draft)
	if !ok {
		return d.sample(target, d.cfg.TargetTemperature)
	}
	return int32(logits.Draw(d.rng, d.residual))
}

func (d *Decoder) sample(p []float64, temperature float32) int32 {
	if temperature <= 0 {
		return int32(floats.MaxIdx(p))
	}
	return int32(logits.Draw(d.rng, p))
}

// Generate prefills prompt and iterates until a stop token, MaxResponse
// tokens, or a full context. emit sees every token in order; the stop token
// is not emitted.
func (d *Decoder) Generate(ctx context.Context, prompt []int32, emit func(int32) error) ([]int32, error) {
	first, err := d.Prefill(ctx, prompt)
	if err != nil {
		return nil, err
	}
	var out []int32
	push := func(tok int32) (bool, error) {
		if d.target.Config().IsStop(tok) {
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
		var it Iteration
		it, err = d.Iterate(ctx)
		if errors.Is(err, ErrContextFull) {
			d.log.Warn("context full, ending generation", "emitted", len(out))
			err = nil
			break
		}
		if err != nil {
			break
		}
		for _, tok := range it.Tokens {
			if done, err = push(tok); done || err != nil {
				break
			}
		}
	}
	d.log.Debug("speculative generation done", "emitted", len(out), "stats", d.stats.String())
	return out, err
}
