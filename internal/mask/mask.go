// Package mask builds the attention mask handed to the model executor.
//
// The mask has one row per step token. Each row is the concatenation of a
// cache part, cacheLength columns where the newest history sits on the
// right, and a step part of width columns. Rows are padded to a 16-byte
// stride.
package mask

import (
	"errors"
	"fmt"

	"github.com/samcharles93/spindle/internal/dtype"
	"github.com/samcharles93/spindle/internal/logger"
)

var ErrPaddingConflict = errors.New("mask: conflicting padding request")

type Mode uint8

const (
	Causal Mode = iota
	Tree
	Folded
)

func (m Mode) String() string {
	switch m {
	case Causal:
		return "causal"
	case Tree:
		return "tree"
	case Folded:
		return "folded"
	default:
		return fmt.Sprintf("mode(%d)", uint8(m))
	}
}

type Builder struct {
	log  logger.Logger
	typ  dtype.Type
	elem int

	width       int
	cacheLength int
	stride      int
	buf         []byte

	updatable bool
	leftPad   int
	rightPad  int

	tree         [][]bool
	foldedPrompt int
}

func New(log logger.Logger, typ dtype.Type, width, cacheLength int) (*Builder, error) {
	if typ.Size() == 0 {
		return nil, fmt.Errorf("mask: unsupported element type %v", typ)
	}
	b := &Builder{log: log, typ: typ, elem: typ.Size()}
	if err := b.Resize(width, cacheLength); err != nil {
		return nil, err
	}
	return b, nil
}

// Resize adopts a new step width and cache length. The next use rebuilds.
func (b *Builder) Resize(width, cacheLength int) error {
	if width <= 0 || cacheLength <= 0 {
		return fmt.Errorf("mask: invalid size width=%d cache=%d", width, cacheLength)
	}
	if b.tree != nil && len(b.tree) != width {
		return fmt.Errorf("mask: tree of %d nodes cannot serve width %d", len(b.tree), width)
	}
	b.width = width
	b.cacheLength = cacheLength
	b.stride = RowStride(b.typ, width, cacheLength)
	if need := width * b.stride * b.elem; cap(b.buf) >= need {
		b.buf = b.buf[:need]
	} else {
		b.buf = make([]byte, need)
	}
	b.updatable = false
	return nil
}

// RowStride is the row length in elements, cacheLength+width rounded up to
// a 16-byte boundary.
func RowStride(typ dtype.Type, width, cacheLength int) int {
	size := typ.Size()
	n := (cacheLength + width) * size
	return (n + 15) / 16 * 16 / size
}

func (b *Builder) Width() int       { return b.width }
func (b *Builder) CacheLength() int { return b.cacheLength }
func (b *Builder) Stride() int      { return b.stride }
func (b *Builder) Type() dtype.Type { return b.typ }
func (b *Builder) Bytes() []byte    { return b.buf }

// Dirty reports whether the next Update will fall back to Build.
func (b *Builder) Dirty() bool { return !b.updatable }

func (b *Builder) Mode() Mode {
	switch {
	case b.foldedPrompt > 0:
		return Folded
	case b.tree != nil:
		return Tree
	default:
		return Causal
	}
}

// Visible decodes the element at row, col.
func (b *Builder) Visible(row, col int) bool {
	off := (row*b.stride + col) * b.elem
	return b.typ.Visible(b.buf[off : off+b.elem])
}

func (b *Builder) MarkDirty() { b.updatable = false }

// Reset returns to causal mode and drops any pending padding.
func (b *Builder) Reset() {
	b.updatable = false
	b.tree = nil
	b.foldedPrompt = 0
	b.leftPad, b.rightPad = 0, 0
}

// SetTree switches to tree mode. adjacency[r][c] reports whether step token
// r attends to step token c.
func (b *Builder) SetTree(adjacency [][]bool) error {
	if len(adjacency) != b.width {
		return fmt.Errorf("mask: tree of %d nodes does not match width %d", len(adjacency), b.width)
	}
	for r, row := range adjacency {
		if len(row) != b.width {
			return fmt.Errorf("mask: tree row %d has %d columns, want %d", r, len(row), b.width)
		}
	}
	if b.leftPad+b.rightPad > 0 {
		return fmt.Errorf("%w: tree mode with pending padding", ErrPaddingConflict)
	}
	b.tree = adjacency
	b.updatable = false
	return nil
}

func (b *Builder) ClearTree() {
	if b.tree != nil {
		b.tree = nil
		b.updatable = false
	}
}

// EnterFolded reinterprets the step width as a batch of independent
// single-token continuations sharing a prompt of promptLen tokens.
func (b *Builder) EnterFolded(promptLen int) error {
	if promptLen <= 0 {
		return fmt.Errorf("mask: folded batch needs a prompt")
	}
	if b.leftPad+b.rightPad > 0 {
		return fmt.Errorf("%w: folded batch with pending padding", ErrPaddingConflict)
	}
	b.foldedPrompt = promptLen
	b.updatable = false
	return nil
}

func (b *Builder) FoldedPrompt() int { return b.foldedPrompt }

func (b *Builder) NotifyLeftPadding(n int) error {
	if b.rightPad > 0 {
		return fmt.Errorf("%w: left pad after right pad", ErrPaddingConflict)
	}
	if err := b.checkPad(n); err != nil {
		return err
	}
	if b.leftPad > 0 {
		b.log.Warn("left padding notified twice before mask build", "previous", b.leftPad, "pad", n)
	}
	b.leftPad = n
	return nil
}

func (b *Builder) NotifyRightPadding(n int) error {
	if b.leftPad > 0 {
		return fmt.Errorf("%w: right pad after left pad", ErrPaddingConflict)
	}
	if err := b.checkPad(n); err != nil {
		return err
	}
	if b.rightPad > 0 {
		b.log.Warn("right padding notified twice before mask build", "previous", b.rightPad, "pad", n)
	}
	b.rightPad = n
	return nil
}

func (b *Builder) checkPad(n int) error {
	if n < 0 || n >= b.width {
		return fmt.Errorf("mask: pad %d outside [0,%d)", n, b.width)
	}
	if n > 0 && b.Mode() != Causal {
		return fmt.Errorf("%w: padding in %s mode", ErrPaddingConflict, b.Mode())
	}
	return nil
}

func (b *Builder) row(r int) []byte {
	return b.buf[r*b.stride*b.elem : (r*b.stride+b.cacheLength+b.width)*b.elem]
}

func (b *Builder) fill(dst []byte, visible bool) {
	b.typ.FillMask(dst, visible)
}

func (b *Builder) set(row []byte, col int, visible bool) {
	b.typ.PutMask(row[col*b.elem:], visible)
}

// Build rewrites the whole mask for a step after seen tokens.
func (b *Builder) Build(width, seen int) error {
	if width != b.width {
		return fmt.Errorf("mask: build for width %d, sized for %d", width, b.width)
	}
	e := b.elem
	startTrue := b.cacheLength - min(b.cacheLength, seen)

	if b.foldedPrompt > 0 {
		rowLen := b.cacheLength + width
		if tail := rowLen - startTrue - b.foldedPrompt; tail < width || tail%width != 0 {
			return fmt.Errorf("mask: cache length %d cannot hold folded batch of %d after %d tokens", b.cacheLength, width, seen)
		}
		for r := range width {
			row := b.row(r)
			b.fill(row[:startTrue*e], false)
			i := startTrue
			b.fill(row[i*e:(i+b.foldedPrompt)*e], true)
			i += b.foldedPrompt
			for batch := 0; i < rowLen; i++ {
				b.set(row, i, batch == r)
				batch = (batch + 1) % width
			}
		}
		b.updatable = false
		return nil
	}

	for r := range width {
		row := b.row(r)
		b.fill(row[:startTrue*e], false)
		b.fill(row[startTrue*e:b.cacheLength*e], true)
		step := row[b.cacheLength*e:]
		if b.tree != nil {
			for c, v := range b.tree[r] {
				b.set(step, c, v)
			}
			continue
		}
		b.fill(step[:(r+1)*e], true)
		b.fill(step[(r+1)*e:], false)
	}
	b.updatable = !b.applyPadding()
	return nil
}

// Update extends the visible history by extendBy columns without touching
// the step part. A dirty mask is rebuilt instead.
func (b *Builder) Update(width, seen, extendBy int) error {
	if !b.updatable || width != b.width {
		return b.Build(width, seen)
	}
	e := b.elem
	startTrue := b.cacheLength - min(b.cacheLength, seen)
	n := min(extendBy, seen, b.cacheLength-startTrue)
	for r := range width {
		row := b.row(r)
		b.fill(row[startTrue*e:(startTrue+n)*e], true)
	}
	b.updatable = !b.applyPadding()
	return nil
}

// applyPadding masks out pad rows and reports whether anything changed.
func (b *Builder) applyPadding() bool {
	switch {
	case b.leftPad > 0:
		for r := range b.leftPad {
			b.fill(b.row(r), false)
		}
		for r := b.leftPad; r < b.width; r++ {
			step := b.row(r)[b.cacheLength*b.elem:]
			b.fill(step[:min(b.leftPad, r+1)*b.elem], false)
		}
		b.leftPad = 0
		return true
	case b.rightPad > 0:
		for r := b.width - b.rightPad; r < b.width; r++ {
			b.fill(b.row(r), false)
		}
		b.rightPad = 0
		return true
	default:
		return false
	}
}
