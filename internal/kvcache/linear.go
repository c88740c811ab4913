package kvcache

// Linear is the standard cache: the window is shifted in place on every
// append and rollback.
type Linear struct {
	arena
}

func NewLinear(g Geometry) (*Linear, error) {
	if err := g.validate(); err != nil {
		return nil, err
	}
	return &Linear{arena: arena{
		buf:  make([]byte, g.Rows*g.maxLength()*g.Stride),
		geom: g,
	}}, nil
}

func (c *Linear) Kind() Kind { return KindLinear }

func (c *Linear) Append(src []byte, width, leftPad, valid int) error {
	if err := c.checkSource(src, width, leftPad, valid); err != nil {
		return err
	}
	if valid == 0 {
		return nil
	}
	s := c.geom.Stride
	tail := (c.geom.Length - valid) * s
	for r := range c.geom.Rows {
		w := c.Window(r)
		copy(w, w[valid*s:])
		row := src[r*width*s:]
		copy(w[tail:], row[leftPad*s:(leftPad+valid)*s])
	}
	c.commit(valid)
	return nil
}

func (c *Linear) Rollback(n int) error {
	if err := c.checkRollback(n); err != nil {
		return err
	}
	if n > 0 {
		c.shiftRollback(n)
	}
	return nil
}

func (c *Linear) RetainPath(width int, accepted []int) error {
	return c.retainPath(width, accepted)
}

func (c *Linear) ReorderTo(length int) error {
	return c.reorder(length)
}

func (c *Linear) Restore(data []byte, tokens int) error {
	return c.restore(data, tokens)
}

func (c *Linear) Reset() {
	c.reset()
}
