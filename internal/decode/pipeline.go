package decode

import (
	"context"
	"fmt"

	"golang.org/x/sync/errgroup"
)

type plan struct {
	tokens  []int32
	logits  LogitsKind
	last    int
	leftPad int
	// valid counts the step tokens appended to the caches.
	valid int
}

// forward runs the chunks in order. The cache append of chunk i overlaps
// the input staging of chunk i+1; both finish before chunk i+1 computes.
func (s *State) forward(ctx context.Context, p plan) (ChunkOutput, error) {
	valid := p.valid
	var (
		hidden   []float32
		out      ChunkOutput
		appended int
	)
	in := s.stage(0, p, nil)
	for i, chunk := range s.chunks {
		res, err := chunk.Forward(ctx, in)
		if err == nil {
			err = s.checkOutput(i, p, res)
		}
		if err != nil {
			s.undo(appended, valid)
			return ChunkOutput{}, fmt.Errorf("chunk %d: %w", i, err)
		}
		hidden = res.Hidden
		out = res

		var g errgroup.Group
		g.Go(func() error {
			for j, c := range s.caches[i] {
				if err := c.Append(res.Caches[j], s.width, p.leftPad, valid); err != nil {
					return fmt.Errorf("chunk %d cache %d append: %w", i, j, err)
				}
			}
			return nil
		})
		if i+1 < len(s.chunks) {
			g.Go(func() error {
				in = s.stage(i+1, p, hidden)
				return nil
			})
		}
		if err := g.Wait(); err != nil {
			// The failing chunk may hold a partial append; roll it back too.
			s.undo(i+1, valid)
			return ChunkOutput{}, err
		}
		appended = i + 1
	}
	return out, nil
}

// stage assembles the executor input of chunk i.
func (s *State) stage(i int, p plan, hidden []float32) ChunkInput {
	in := ChunkInput{
		Index:        i,
		Width:        s.width,
		Hidden:       hidden,
		Mask:         s.mask.Bytes(),
		MaskType:     s.mask.Type(),
		MaskStride:   s.mask.Stride(),
		Positions:    s.posBuf,
		PositionType: s.pos.Type(),
		CacheLength:  s.cacheLength,
		LastIndex:    p.last,
	}
	if i == 0 {
		in.Tokens = p.tokens
	}
	if i == len(s.chunks)-1 {
		in.Logits = p.logits
	}
	in.Caches = make([][]byte, len(s.caches[i]))
	for j, c := range s.caches[i] {
		in.Caches[j] = c.Bytes()
	}
	return in
}

func (s *State) checkOutput(i int, p plan, out ChunkOutput) error {
	shape := s.cfg.Chunks[i]
	if len(out.Caches) != shape.Caches {
		return fmt.Errorf("%w: %d cache outputs, want %d", ErrMismatchedTopology, len(out.Caches), shape.Caches)
	}
	if hs := s.cfg.HiddenSize; hs > 0 && len(out.Hidden) != s.width*hs {
		return fmt.Errorf("%w: hidden of %d values, want %d", ErrMismatchedTopology, len(out.Hidden), s.width*hs)
	}
	if i < len(s.chunks)-1 {
		return nil
	}
	want := 0
	switch p.logits {
	case LogitsLast:
		want = 1
	case LogitsFull:
		want = s.width
	}
	if len(out.Logits) != want {
		return fmt.Errorf("%w: %d logits rows for %s, want %d", ErrMismatchedTopology, len(out.Logits), p.logits, want)
	}
	for r, row := range out.Logits {
		if len(row) != s.cfg.VocabSize {
			return fmt.Errorf("%w: logits row %d has %d entries, want vocab %d", ErrMismatchedTopology, r, len(row), s.cfg.VocabSize)
		}
	}
	return nil
}

// undo removes the step from the caches of the first n chunks. A cache
// that was already full cannot be restored and keeps the step.
func (s *State) undo(n, valid int) {
	for i := range n {
		for j, c := range s.caches[i] {
			before := min(s.confirmed, c.Geometry().Length)
			k := min(valid, c.Committed()-before)
			if k <= 0 {
				continue
			}
			if err := c.Rollback(k); err != nil {
				s.log.Warn("failed to undo cache append", "chunk", i, "cache", j, "error", err)
			}
		}
	}
	s.mask.MarkDirty()
}
