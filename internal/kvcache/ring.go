package kvcache

import "fmt"

// Ring is the ring-buffer cache. The arena reserves Overhead bytes after the
// windows; appends write past the current windows and slide the offset
// forward, so each row's newest tokens overwrite the oldest slots of the
// next row. When the headroom runs out the windows are compacted back to
// offset zero.
type Ring struct {
	arena
	overhead    int
	compactions int
}

func NewRing(g Geometry) (*Ring, error) {
	if err := g.validate(); err != nil {
		return nil, err
	}
	overhead := g.Overhead()
	if overhead < g.Stride {
		return nil, fmt.Errorf("%w: ring headroom of %d bytes is below one token", ErrInvalidGeometry, overhead)
	}
	return &Ring{
		arena: arena{
			buf:  make([]byte, g.Rows*g.maxLength()*g.Stride+overhead),
			geom: g,
		},
		overhead: overhead,
	}, nil
}

func (c *Ring) Kind() Kind { return KindRing }

// Overhead is the headroom reserved beyond the windows, in bytes.
func (c *Ring) Overhead() int { return c.overhead }

// Compactions counts how many times the windows were copied back to the
// start of the arena.
func (c *Ring) Compactions() int { return c.compactions }

func (c *Ring) Append(src []byte, width, leftPad, valid int) error {
	if err := c.checkSource(src, width, leftPad, valid); err != nil {
		return err
	}
	if valid == 0 {
		return nil
	}
	s := c.geom.Stride
	rs := c.geom.RowSize()
	copySize := valid * s

	// An empty cache fills the tail of each window without moving.
	if c.committed == 0 {
		start := c.off + rs - copySize
		for r := range c.geom.Rows {
			row := src[r*width*s:]
			copy(c.buf[start+r*rs:start+r*rs+copySize], row[leftPad*s:])
		}
		c.commit(valid)
		return nil
	}

	if copySize > c.overhead {
		return fmt.Errorf("%w: append of %d bytes exceeds ring headroom %d", ErrInvalidGeometry, copySize, c.overhead)
	}
	if c.off+copySize > c.overhead {
		c.compact()
	}
	start := rs + c.off
	for r := range c.geom.Rows {
		row := src[r*width*s:]
		copy(c.buf[start+r*rs:start+r*rs+copySize], row[leftPad*s:])
	}
	c.off += copySize
	c.commit(valid)
	return nil
}

func (c *Ring) compact() {
	if c.off == 0 {
		return
	}
	size := c.geom.Rows * c.geom.RowSize()
	copy(c.buf[:size], c.buf[c.off:c.off+size])
	c.off = 0
	c.compactions++
}

// Rollback moves the offset back. When the offset is smaller than the
// rollback it falls back to shifting inside the current windows.
func (c *Ring) Rollback(n int) error {
	if err := c.checkRollback(n); err != nil {
		return err
	}
	if n == 0 {
		return nil
	}
	rb := n * c.geom.Stride
	if c.off < rb {
		c.shiftRollback(n)
		return nil
	}
	rs := c.geom.RowSize()
	start := c.off - rb
	for r := range c.geom.Rows {
		clear(c.buf[start+r*rs : start+r*rs+rb])
	}
	c.off -= rb
	c.committed -= n
	return nil
}

func (c *Ring) RetainPath(width int, accepted []int) error {
	return c.retainPath(width, accepted)
}

func (c *Ring) ReorderTo(length int) error {
	return c.reorder(length)
}

func (c *Ring) Restore(data []byte, tokens int) error {
	return c.restore(data, tokens)
}

func (c *Ring) Reset() {
	c.reset()
}
