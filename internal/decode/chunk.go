package decode

import (
	"context"

	"github.com/samcharles93/spindle/internal/dtype"
)

// LogitsKind selects which logits rows a step returns.
type LogitsKind uint8

const (
	LogitsNone LogitsKind = iota
	// LogitsLast returns the row of the last valid token.
	LogitsLast
	// LogitsFull returns one row per step token, pads included.
	LogitsFull
)

func (k LogitsKind) String() string {
	switch k {
	case LogitsNone:
		return "none"
	case LogitsLast:
		return "last"
	case LogitsFull:
		return "full"
	default:
		return "unknown"
	}
}

// Chunk is one sequential slice of a model, typically a group of decoder
// layers. The first chunk consumes token ids, later chunks consume the
// previous chunk's hidden states, and the last chunk produces logits.
type Chunk interface {
	Forward(ctx context.Context, in ChunkInput) (ChunkOutput, error)
}

// ChunkInput is everything one executor call may read. Buffers are owned by
// the State and only valid for the duration of the call.
type ChunkInput struct {
	Index int
	Width int
	// Tokens is set for the first chunk only.
	Tokens []int32
	// Hidden is the previous chunk's output, [Width][HiddenSize].
	Hidden []float32

	Mask       []byte
	MaskType   dtype.Type
	MaskStride int

	// Positions is the rotary slice, [cos block][sin block].
	Positions    []byte
	PositionType dtype.Type

	// Caches are the live windows of the chunk's caches, each
	// [Rows][CacheLength][Stride].
	Caches      [][]byte
	CacheLength int

	Logits    LogitsKind
	LastIndex int
}

// ChunkOutput carries what the chunk produced for the step.
type ChunkOutput struct {
	// Hidden is [Width][HiddenSize].
	Hidden []float32
	// Logits holds no rows, the LastIndex row, or Width rows depending on
	// the requested kind. Only the last chunk returns logits.
	Logits [][]float32
	// Caches holds the new cache rows, each [Rows][Width][Stride], in the
	// order of ChunkInput.Caches.
	Caches [][]byte
}
