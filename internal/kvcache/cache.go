// Package kvcache holds per-tensor key/value cache regions. Each store keeps
// a window of Length token slots per row; the newest token always sits in
// the last slot of the window and unseen slots sit at the head.
package kvcache

import (
	"errors"
	"fmt"
)

var (
	ErrInsufficientHistory = errors.New("kvcache: rollback exceeds committed history")
	ErrInvalidGeometry     = errors.New("kvcache: invalid geometry")
	ErrSourceTooShort      = errors.New("kvcache: source buffer too short")
)

// Kind selects the cache update strategy.
type Kind uint8

const (
	// KindLinear shifts the window in place on every append.
	KindLinear Kind = iota
	// KindRing advances a byte offset through reserved headroom and only
	// copies when the headroom is exhausted.
	KindRing
)

func (k Kind) String() string {
	switch k {
	case KindLinear:
		return "linear"
	case KindRing:
		return "ring"
	default:
		return fmt.Sprintf("kind(%d)", uint8(k))
	}
}

// ParseKind maps a config string onto a Kind.
func ParseKind(s string) (Kind, error) {
	switch s {
	case "", "linear", "standard":
		return KindLinear, nil
	case "ring", "ringbuffer":
		return KindRing, nil
	default:
		return 0, fmt.Errorf("unknown cache kind %q", s)
	}
}

// Geometry is the shape of one cache tensor viewed as
// [Rows][Length][Stride bytes].
type Geometry struct {
	Rows   int
	Stride int
	Length int
	// MaxLength sizes the arena for the largest cache length the store may
	// be reordered to. Zero means Length.
	MaxLength int
	// MaxTokens and InitTokens size the ring headroom.
	MaxTokens  int
	InitTokens int
}

func (g Geometry) maxLength() int {
	return max(g.MaxLength, g.Length)
}

// RowSize is the byte size of one row window at the current length.
func (g Geometry) RowSize() int {
	return g.Length * g.Stride
}

// Overhead is the ring headroom in bytes.
func (g Geometry) Overhead() int {
	return max(g.MaxTokens-max(1, g.InitTokens), 0) * g.Stride
}

func (g Geometry) validate() error {
	if g.Rows <= 0 || g.Stride <= 0 || g.Length <= 0 {
		return fmt.Errorf("%w: rows=%d stride=%d length=%d", ErrInvalidGeometry, g.Rows, g.Stride, g.Length)
	}
	if g.MaxLength != 0 && g.MaxLength < g.Length {
		return fmt.Errorf("%w: max length %d below length %d", ErrInvalidGeometry, g.MaxLength, g.Length)
	}
	return nil
}

// Store is a cache region for one cache tensor.
type Store interface {
	// Append copies valid tokens per row from src, laid out as
	// [Rows][width][Stride], skipping the first leftPad source tokens.
	Append(src []byte, width, leftPad, valid int) error
	// Rollback discards the n newest tokens and zeroes what they vacate.
	Rollback(n int) error
	// RetainPath moves the rows of the accepted step tokens to the front of
	// the last width slots. accepted[i] is the step-relative source index
	// for slot i.
	RetainPath(width int, accepted []int) error
	// ReorderTo moves the window tail into a longer window. Shrinking is a
	// no-op; callers reset afterwards.
	ReorderTo(length int) error
	// Shrink adopts a shorter window. The store must be empty.
	Shrink(length int) error
	// Restore overwrites the live windows with data and marks tokens as
	// committed.
	Restore(data []byte, tokens int) error
	Reset()

	Kind() Kind
	Geometry() Geometry
	Committed() int
	Offset() int
	// Bytes returns the live windows, [Rows][Length][Stride].
	Bytes() []byte
	Window(row int) []byte
	At(row, pos int) []byte
}

// New builds a store of the requested kind.
func New(kind Kind, g Geometry) (Store, error) {
	switch kind {
	case KindLinear:
		return NewLinear(g)
	case KindRing:
		return NewRing(g)
	default:
		return nil, fmt.Errorf("%w: unknown kind %v", ErrInvalidGeometry, kind)
	}
}

// arena carries the state shared by both store kinds. off is always zero
// for linear stores.
type arena struct {
	buf       []byte
	geom      Geometry
	committed int
	off       int
}

func (a *arena) Geometry() Geometry { return a.geom }
func (a *arena) Committed() int     { return a.committed }
func (a *arena) Offset() int        { return a.off }

func (a *arena) Bytes() []byte {
	return a.buf[a.off : a.off+a.geom.Rows*a.geom.RowSize()]
}

func (a *arena) Window(row int) []byte {
	if row < 0 || row >= a.geom.Rows {
		panic(fmt.Sprintf("kvcache: row %d out of range [0,%d)", row, a.geom.Rows))
	}
	rs := a.geom.RowSize()
	start := a.off + row*rs
	return a.buf[start : start+rs : start+rs]
}

func (a *arena) At(row, pos int) []byte {
	if pos < 0 || pos >= a.geom.Length {
		panic(fmt.Sprintf("kvcache: position %d out of range [0,%d)", pos, a.geom.Length))
	}
	w := a.Window(row)
	s := a.geom.Stride
	return w[pos*s : (pos+1)*s : (pos+1)*s]
}

func (a *arena) checkSource(src []byte, width, leftPad, valid int) error {
	if valid < 0 || leftPad < 0 || leftPad+valid > width {
		return fmt.Errorf("kvcache: invalid append width=%d leftPad=%d valid=%d", width, leftPad, valid)
	}
	if valid > a.geom.Length {
		return fmt.Errorf("kvcache: append of %d tokens exceeds cache length %d", valid, a.geom.Length)
	}
	if need := a.geom.Rows * width * a.geom.Stride; len(src) < need {
		return fmt.Errorf("%w: have %d bytes, need %d", ErrSourceTooShort, len(src), need)
	}
	return nil
}

func (a *arena) commit(valid int) {
	a.committed = min(a.committed+valid, a.geom.Length)
}

func (a *arena) checkRollback(n int) error {
	if n < 0 {
		return fmt.Errorf("kvcache: negative rollback %d", n)
	}
	if n > a.committed {
		return fmt.Errorf("%w: rollback %d, committed %d", ErrInsufficientHistory, n, a.committed)
	}
	return nil
}

// shiftRollback is the in-window rollback: every row shifts its live tokens
// right by n and the vacated head slots are zeroed.
func (a *arena) shiftRollback(n int) {
	s := a.geom.Stride
	length := a.geom.Length
	first := length - a.committed
	for r := range a.geom.Rows {
		w := a.Window(r)
		copy(w[(first+n)*s:], w[first*s:(length-n)*s])
		clear(w[first*s : (first+n)*s])
	}
	a.committed -= n
}

func (a *arena) retainPath(width int, accepted []int) error {
	length := a.geom.Length
	if width <= 0 || width > length {
		return fmt.Errorf("kvcache: retain width %d outside cache length %d", width, length)
	}
	if len(accepted) > width {
		return fmt.Errorf("kvcache: %d accepted slots exceed width %d", len(accepted), width)
	}
	first := 0
	for first < len(accepted) && accepted[first] == first {
		first++
	}
	s := a.geom.Stride
	base := length - width
	for i := first; i < len(accepted); i++ {
		src := accepted[i]
		if src < 0 || src >= width {
			return fmt.Errorf("kvcache: accepted index %d outside width %d", src, width)
		}
		for r := range a.geom.Rows {
			w := a.Window(r)
			copy(w[(base+i)*s:(base+i+1)*s], w[(base+src)*s:(base+src+1)*s])
		}
	}
	return nil
}

// reorder moves the live tail of every row from the current window length
// into a longer one starting at the arena offset. Rows move back to front
// because destinations never precede their sources.
func (a *arena) reorder(length int) error {
	old := a.geom.Length
	if length <= old {
		return nil
	}
	s := a.geom.Stride
	if need := a.off + a.geom.Rows*length*s; need > len(a.buf) {
		return fmt.Errorf("%w: cache length %d needs %d bytes, arena holds %d", ErrInvalidGeometry, length, need, len(a.buf))
	}
	copySize := a.committed * s
	oldRow := old * s
	newRow := length * s
	for r := a.geom.Rows - 1; r >= 0; r-- {
		src := a.off + r*oldRow + oldRow - copySize
		dst := a.off + r*newRow + newRow - copySize
		copy(a.buf[dst:dst+copySize], a.buf[src:src+copySize])
	}
	// Slots ahead of the moved tail may still hold rows of the old layout.
	for r := range a.geom.Rows {
		start := a.off + r*newRow
		clear(a.buf[start : start+newRow-copySize])
	}
	a.geom.Length = length
	return nil
}

func (a *arena) Shrink(length int) error {
	if length <= 0 || length > a.geom.maxLength() {
		return fmt.Errorf("%w: cache length %d outside (0,%d]", ErrInvalidGeometry, length, a.geom.maxLength())
	}
	if a.committed > 0 {
		return fmt.Errorf("kvcache: cannot shrink a store holding %d tokens", a.committed)
	}
	a.geom.Length = length
	a.reset()
	return nil
}

func (a *arena) restore(data []byte, tokens int) error {
	live := a.Bytes()
	if len(data) > len(live) {
		return fmt.Errorf("kvcache: init data %d bytes exceeds cache %d bytes", len(data), len(live))
	}
	clear(live)
	copy(live, data)
	a.committed = min(max(tokens, 0), a.geom.Length)
	return nil
}

func (a *arena) reset() {
	clear(a.buf)
	a.committed = 0
	a.off = 0
}
