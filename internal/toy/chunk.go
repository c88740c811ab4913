package toy

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"slices"

	"github.com/samcharles93/spindle/internal/decode"
)

// ErrCorruptHistory reports a visible cache slot that holds no token, or
// chunks that disagree about a position's context.
var ErrCorruptHistory = errors.New("toy: corrupt history")

// Chunk executes one slice of the toy model. Every chunk derives each
// position's context from its own first cache; chunks after the first take
// their tokens from the previous chunk's hidden states and fail when their
// view of the context differs.
type Chunk struct {
	lm    *LM
	index int
	shape decode.ChunkShape
}

// Forward implements decode.Chunk.
func (c *Chunk) Forward(ctx context.Context, in decode.ChunkInput) (decode.ChunkOutput, error) {
	if err := ctx.Err(); err != nil {
		return decode.ChunkOutput{}, err
	}
	if len(in.Caches) != c.shape.Caches {
		return decode.ChunkOutput{}, fmt.Errorf("toy chunk %d: %d caches, want %d", c.index, len(in.Caches), c.shape.Caches)
	}
	hs := c.lm.HiddenSize()
	width := in.Width

	tokens := in.Tokens
	if c.index > 0 {
		if len(in.Hidden) != width*hs {
			return decode.ChunkOutput{}, fmt.Errorf("toy chunk %d: hidden of %d values for width %d", c.index, len(in.Hidden), width)
		}
		tokens = make([]int32, width)
		for r := range width {
			tokens[r], _ = c.lm.DecodeHidden(in.Hidden[r*hs : (r+1)*hs])
		}
	}
	if len(tokens) != width {
		return decode.ChunkOutput{}, fmt.Errorf("toy chunk %d: %d tokens for width %d", c.index, len(tokens), width)
	}

	out := decode.ChunkOutput{Hidden: make([]float32, width*hs)}
	contexts := make([][]int32, width)
	for r := range width {
		ctxTokens, err := c.visible(in, tokens, r)
		if err != nil {
			return decode.ChunkOutput{}, err
		}
		contexts[r] = ctxTokens
		h := out.Hidden[r*hs : (r+1)*hs]
		c.lm.Hidden(h, tokens[r], ctxTokens)
		if c.index > 0 && !slices.Equal(h, in.Hidden[r*hs:(r+1)*hs]) {
			return decode.ChunkOutput{}, fmt.Errorf("%w: chunk %d row %d sees %v, previous chunk saw %v",
				ErrCorruptHistory, c.index, r, h, in.Hidden[r*hs:(r+1)*hs])
		}
	}

	switch in.Logits {
	case decode.LogitsLast:
		out.Logits = [][]float32{c.lm.Logits(nil, contexts[in.LastIndex])}
	case decode.LogitsFull:
		out.Logits = make([][]float32, width)
		for r := range width {
			out.Logits[r] = c.lm.Logits(nil, contexts[r])
		}
	}

	out.Caches = make([][]byte, c.shape.Caches)
	for j := range out.Caches {
		out.Caches[j] = c.cacheRows(j, tokens)
	}
	return out, nil
}

// visible lists the tokens row r attends to, oldest first. It ends with
// the row's own token unless the row is fully masked.
func (c *Chunk) visible(in decode.ChunkInput, tokens []int32, r int) ([]int32, error) {
	size := in.MaskType.Size()
	stride := c.shape.Stride
	var window []byte
	if len(in.Caches) > 0 {
		window = in.Caches[0][:in.CacheLength*stride]
	}
	var out []int32
	for col := range in.CacheLength + in.Width {
		off := (r*in.MaskStride + col) * size
		if !in.MaskType.Visible(in.Mask[off : off+size]) {
			continue
		}
		if col >= in.CacheLength {
			out = append(out, tokens[col-in.CacheLength])
			continue
		}
		if window == nil {
			return nil, fmt.Errorf("%w: chunk %d has no cache to read column %d", ErrCorruptHistory, c.index, col)
		}
		v := binary.LittleEndian.Uint32(window[col*stride:])
		if v == 0 {
			return nil, fmt.Errorf("%w: chunk %d row %d: visible cache column %d is empty", ErrCorruptHistory, c.index, r, col)
		}
		out = append(out, int32(v-1))
	}
	return out, nil
}

// cacheRows is the produced cache output, [Rows][width][Stride]. Each slot
// holds the token id plus one, then a byte naming the row.
func (c *Chunk) cacheRows(j int, tokens []int32) []byte {
	s := c.shape.Stride
	width := len(tokens)
	buf := make([]byte, c.shape.Rows*width*s)
	for row := range c.shape.Rows {
		for t, tok := range tokens {
			slot := buf[(row*width+t)*s : (row*width+t+1)*s]
			binary.LittleEndian.PutUint32(slot, uint32(tok)+1)
			for b := 4; b < s; b++ {
				slot[b] = byte(16*j + row + 1)
			}
		}
	}
	return buf
}
