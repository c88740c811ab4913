// Package decode drives one model instance through inference steps. A State
// keeps the caches, the attention mask and the rotary positions of a single
// sequence in agreement with the number of confirmed tokens.
package decode

import (
	"context"
	"fmt"
	"time"

	"github.com/samcharles93/spindle/internal/kvcache"
	"github.com/samcharles93/spindle/internal/logger"
	"github.com/samcharles93/spindle/internal/mask"
	"github.com/samcharles93/spindle/internal/rope"
	"github.com/samcharles93/spindle/internal/tree"
)

// State is not safe for concurrent use.
type State struct {
	log    logger.Logger
	cfg    ModelConfig
	kind   kvcache.Kind
	chunks []Chunk
	caches [][]kvcache.Store
	mask   *mask.Builder
	pos    *rope.Table
	posBuf []byte

	width       int
	cacheLength int
	confirmed   int
	maskSeen    int

	tree         *tree.Spec
	foldedPrompt int

	stats Stats
}

type Option func(*State)

func WithLogger(l logger.Logger) Option {
	return func(s *State) { s.log = l }
}

// WithPositions shares a rotary table instead of loading one from the config.
func WithPositions(t *rope.Table) Option {
	return func(s *State) { s.pos = t }
}

// StepInput is the token batch for one step. Fewer tokens than the step
// width are padded: on the left for the very first step, on the right
// afterwards.
type StepInput struct {
	Tokens []int32
	Logits LogitsKind
}

type StepOutput struct {
	Logits     [][]float32
	Hidden     []float32
	HiddenSize int
	Width      int
	LeftPad    int
	RightPad   int
	// Last is the step index of the last valid token.
	Last int
}

// LastLogits returns the logits row of the last valid token, or nil when
// the step produced none.
func (o StepOutput) LastLogits() []float32 {
	switch len(o.Logits) {
	case 0:
		return nil
	case 1:
		return o.Logits[0]
	default:
		return o.Logits[o.Last]
	}
}

// HiddenAt returns the final hidden state of step token i.
func (o StepOutput) HiddenAt(i int) []float32 {
	if o.HiddenSize == 0 || len(o.Hidden) < (i+1)*o.HiddenSize {
		return nil
	}
	return o.Hidden[i*o.HiddenSize : (i+1)*o.HiddenSize]
}

// New builds the caches, mask and rotary table for cfg and binds chunks,
// one per entry of cfg.Chunks. The State starts at the prompt variant.
func New(cfg ModelConfig, chunks []Chunk, opts ...Option) (*State, error) {
	cfg = cfg.WithDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if len(chunks) != len(cfg.Chunks) {
		return nil, fmt.Errorf("%w: %d chunks bound, config describes %d", ErrMismatchedTopology, len(chunks), len(cfg.Chunks))
	}
	kind, err := kvcache.ParseKind(cfg.CacheKind)
	if err != nil {
		return nil, err
	}

	s := &State{
		log:         logger.Default(),
		cfg:         cfg,
		kind:        kind,
		chunks:      chunks,
		width:       cfg.PromptWidth,
		cacheLength: cfg.CacheLength,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.log = s.log.With("model", cfg.Name)

	s.caches = make([][]kvcache.Store, len(chunks))
	for i, shape := range cfg.Chunks {
		g := kvcache.Geometry{
			Rows:       shape.Rows,
			Stride:     shape.Stride,
			Length:     cfg.CacheLength,
			MaxLength:  cfg.maxCacheLength(),
			MaxTokens:  cfg.MaxTokens,
			InitTokens: cfg.InitTokens,
		}
		for j := range shape.Caches {
			c, err := kvcache.New(kind, g)
			if err != nil {
				return nil, fmt.Errorf("chunk %d cache %d: %w", i, j, err)
			}
			s.caches[i] = append(s.caches[i], c)
		}
	}

	if s.mask, err = mask.New(s.log, cfg.MaskType, s.width, s.cacheLength); err != nil {
		return nil, err
	}
	if s.pos == nil {
		if s.pos, err = rope.Load(s.log, cfg.Rope, cfg.RopeCos, cfg.RopeSin); err != nil {
			return nil, fmt.Errorf("rotary table: %w", err)
		}
	}
	if s.pos.Length() < cfg.MaxTokens {
		s.log.Warn("rotary table shorter than max tokens", "table", s.pos.Length(), "max_tokens", cfg.MaxTokens)
	}
	s.posBuf = make([]byte, s.pos.SizeBytes(s.width))

	if err := s.loadInit(); err != nil {
		return nil, err
	}
	s.log.Debug("decode state ready",
		"cache_kind", kind,
		"chunks", len(chunks),
		"width", s.width,
		"cache_length", s.cacheLength,
		"max_tokens", cfg.MaxTokens,
	)
	return s, nil
}

func (s *State) loadInit() error {
	s.confirmed = 0
	if s.cfg.InitCache == "" {
		return nil
	}
	if err := kvcache.LoadInit(s.log, s.cfg.InitCache, s.cfg.InitTokens, s.stores()...); err != nil {
		return err
	}
	s.confirmed = s.cfg.InitTokens
	return nil
}

func (s *State) stores() []kvcache.Store {
	var out []kvcache.Store
	for _, cs := range s.caches {
		out = append(out, cs...)
	}
	return out
}

func (s *State) Config() ModelConfig     { return s.cfg }
func (s *State) Width() int              { return s.width }
func (s *State) CacheLength() int        { return s.cacheLength }
func (s *State) Confirmed() int          { return s.confirmed }
func (s *State) Positions() *rope.Table  { return s.pos }
func (s *State) Mask() *mask.Builder     { return s.mask }
func (s *State) Caches() []kvcache.Store { return s.stores() }
func (s *State) Stats() Stats            { return s.stats }
func (s *State) Tree() *tree.Spec        { return s.tree }
func (s *State) Folded() bool            { return s.foldedPrompt > 0 }

// Remaining is how many more tokens fit below the max token length.
func (s *State) Remaining() int { return max(s.cfg.MaxTokens-s.confirmed, 0) }

// Step runs one executor pass over in.Tokens.
func (s *State) Step(ctx context.Context, in StepInput) (StepOutput, error) {
	if err := ctx.Err(); err != nil {
		return StepOutput{}, err
	}
	n := len(in.Tokens)
	if n == 0 || n > s.width {
		return StepOutput{}, fmt.Errorf("decode: %d tokens for step width %d", n, s.width)
	}
	var leftPad, rightPad int
	if pad := s.width - n; pad > 0 {
		if s.tree != nil || s.foldedPrompt > 0 {
			return StepOutput{}, fmt.Errorf("decode: %d tokens for a %s step of width %d", n, s.mask.Mode(), s.width)
		}
		if s.confirmed == 0 {
			leftPad = pad
		} else {
			rightPad = pad
		}
	}

	if s.confirmed+s.width > s.cacheLength {
		if _, err := s.AdvanceCacheSize(); err != nil {
			return StepOutput{}, err
		}
	}
	overflow := s.confirmed+s.width > s.cacheLength
	if overflow {
		if s.cfg.Overflow == OverflowRefuse {
			return StepOutput{}, fmt.Errorf("%w: %d confirmed + %d step > cache length %d", ErrContextOverflow, s.confirmed, s.width, s.cacheLength)
		}
		s.stats.Overflows++
		s.log.Warn("context overflow, oldest cache entries will be overwritten",
			"confirmed", s.confirmed, "width", s.width, "cache_length", s.cacheLength)
	}

	if leftPad > 0 {
		if err := s.mask.NotifyLeftPadding(leftPad); err != nil {
			return StepOutput{}, err
		}
	} else if rightPad > 0 {
		if err := s.mask.NotifyRightPadding(rightPad); err != nil {
			return StepOutput{}, err
		}
	}
	if err := s.updateMask(); err != nil {
		return StepOutput{}, err
	}
	if err := s.slicePositions(leftPad, rightPad); err != nil {
		return StepOutput{}, err
	}

	tokens := make([]int32, s.width)
	copy(tokens[leftPad:], in.Tokens)
	last := s.width - 1 - rightPad

	// Right padding is committed with the step and rolled back after it,
	// unless the window is full and the pad rows would evict real history.
	valid, overCommit := s.width-leftPad, rightPad
	if overflow {
		valid, overCommit = n, 0
	}

	start := time.Now()
	out, err := s.forward(ctx, plan{
		tokens:  tokens,
		logits:  in.Logits,
		last:    last,
		leftPad: leftPad,
		valid:   valid,
	})
	s.stats.Compute += time.Since(start)
	if err != nil {
		s.mask.MarkDirty()
		return StepOutput{}, err
	}

	s.confirmed += valid
	if overCommit > 0 {
		if err := s.rollbackStores(overCommit); err != nil {
			return StepOutput{}, fmt.Errorf("drop right padding: %w", err)
		}
		s.confirmed -= overCommit
	}
	s.stats.Steps++
	s.stats.Tokens += n
	s.stats.Padded += leftPad + rightPad

	res := StepOutput{
		Logits:     out.Logits,
		Hidden:     out.Hidden,
		HiddenSize: s.cfg.HiddenSize,
		Width:      s.width,
		LeftPad:    leftPad,
		RightPad:   rightPad,
		Last:       last,
	}
	return res, nil
}

func (s *State) updateMask() error {
	extend := s.confirmed - s.maskSeen
	if extend < 0 {
		s.mask.MarkDirty()
		extend = 0
	}
	if err := s.mask.Update(s.width, s.confirmed, extend); err != nil {
		return err
	}
	s.maskSeen = s.confirmed
	return nil
}

func (s *State) slicePositions(leftPad, rightPad int) error {
	var err error
	switch {
	case s.foldedPrompt > 0:
		err = s.pos.FoldedSlice(s.posBuf, s.confirmed, s.foldedPrompt, s.width)
	case s.tree != nil:
		err = s.pos.SliceByPositions(s.posBuf, s.confirmed, s.tree.Positions())
	default:
		err = s.pos.Slice(s.posBuf, s.confirmed, s.width, leftPad, rightPad)
	}
	if err != nil {
		return fmt.Errorf("positions at %d: %w", s.confirmed, err)
	}
	return nil
}

func (s *State) rollbackStores(n int) error {
	for _, c := range s.stores() {
		if err := c.Rollback(n); err != nil {
			return err
		}
	}
	return nil
}

// Rollback discards the n newest confirmed tokens.
func (s *State) Rollback(n int) error {
	if n == 0 {
		return nil
	}
	if n < 0 || n > s.confirmed {
		return fmt.Errorf("decode rollback %d of %d: %w", n, s.confirmed, kvcache.ErrInsufficientHistory)
	}
	start := time.Now()
	if err := s.rollbackStores(n); err != nil {
		return err
	}
	s.confirmed -= n
	s.mask.MarkDirty()
	s.stats.Rollbacks++
	s.stats.RolledBack += n
	s.stats.RollbackTime += time.Since(start)
	return nil
}

// AlignInputTokens keeps only the first used tokens of the last step,
// rolling back the rest of the step width.
func (s *State) AlignInputTokens(used int) error {
	if used < 0 || used > s.width {
		return fmt.Errorf("decode: %d used tokens outside step width %d", used, s.width)
	}
	return s.Rollback(s.width - used)
}

// RetainPath keeps the cache rows of the accepted tree nodes of the last
// step, in order, and drops every other node. accepted[0] is normally the
// root.
func (s *State) RetainPath(accepted []int) error {
	if len(accepted) == 0 || len(accepted) > s.width {
		return fmt.Errorf("decode: %d accepted nodes for width %d", len(accepted), s.width)
	}
	for _, c := range s.stores() {
		if err := c.RetainPath(s.width, accepted); err != nil {
			return err
		}
	}
	return s.AlignInputTokens(len(accepted))
}

// SetTree switches the mask and positions to the candidate tree. The tree
// width must equal the current step width.
func (s *State) SetTree(spec *tree.Spec) error {
	if spec.Width() != s.width {
		return fmt.Errorf("%w: tree of %d nodes for step width %d", ErrMismatchedTopology, spec.Width(), s.width)
	}
	if s.foldedPrompt > 0 {
		return fmt.Errorf("decode: tree attention in folded batch mode")
	}
	if err := s.mask.SetTree(spec.Adjacency()); err != nil {
		return err
	}
	s.tree = spec
	return nil
}

func (s *State) ClearTree() {
	s.tree = nil
	s.mask.ClearTree()
}

// EnterFoldedBatch reinterprets the step width as independent single-token
// continuations of everything confirmed so far.
func (s *State) EnterFoldedBatch() error {
	if s.tree != nil {
		return fmt.Errorf("decode: folded batch mode with tree attention")
	}
	if err := s.mask.EnterFolded(s.confirmed); err != nil {
		return err
	}
	s.foldedPrompt = s.confirmed
	return nil
}

// Reset forgets the sequence. The current variant is kept.
func (s *State) Reset() error {
	for _, c := range s.stores() {
		c.Reset()
	}
	s.mask.Reset()
	s.tree = nil
	s.foldedPrompt = 0
	s.maskSeen = 0
	return s.loadInit()
}
