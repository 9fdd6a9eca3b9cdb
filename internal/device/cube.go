package device

import (
	"fmt"

	"github.com/pkg/errors"
)

// Shape holds the four axes of a Cube: rows, cols, depth, batch.
type Shape struct {
	R, C, D, B int
}

// Len returns R*C*D*B.
func (s Shape) Len() int {
	return s.R * s.C * s.D * s.B
}

// BatchStride is the number of elements in one batch item.
func (s Shape) BatchStride() int {
	return s.R * s.C * s.D
}

func (s Shape) String() string {
	return fmt.Sprintf("(%d,%d,%d,%d)", s.R, s.C, s.D, s.B)
}

// Cube is a dense 4-axis float32 tensor laid out in CRDB order:
// element (r, c, d, b) lives at ((b*D + d)*R + r)*C + c.
//
// A Cube either owns its buffer or is a view into a parent Cube (the arena).
// Views share the parent's storage and must not outlive it.
type Cube struct {
	Shape
	buf    *Buffer
	parent *Cube
	owned  bool
}

// NewCube allocates an owned, zeroed cube on d.
func NewCube(d Driver, s Shape) (*Cube, error) {
	if s.R <= 0 || s.C <= 0 || s.D <= 0 || s.B <= 0 {
		return nil, errors.Wrapf(ErrConfiguration, "cube shape %s must be positive", s)
	}
	buf, err := d.Alloc(s.Len())
	if err != nil {
		return nil, errors.WithMessagef(err, "allocating cube %s on %s", s, d.Name())
	}
	return &Cube{Shape: s, buf: buf, owned: true}, nil
}

// WrapCube returns a non-owning cube over an existing buffer.
func WrapCube(buf *Buffer, s Shape) *Cube {
	if s.Len() != buf.Len() {
		Invariantf("cube %s needs %d elements, buffer has %d", s, s.Len(), buf.Len())
	}
	return &Cube{Shape: s, buf: buf}
}

// Buffer returns the backing buffer.
func (c *Cube) Buffer() *Buffer {
	return c.buf
}

// Host returns the live host slice, or nil when the cube is device resident.
func (c *Cube) Host() []float32 {
	return c.buf.Host()
}

// Driver returns the driver owning the storage.
func (c *Cube) Driver() Driver {
	return c.buf.Owner()
}

// Owned reports whether Release frees storage.
func (c *Cube) Owned() bool {
	return c.owned
}

// Parent returns the arena this cube views into (nil for owners).
func (c *Cube) Parent() *Cube {
	return c.parent
}

// Index returns the flat CRDB offset of element (r, col, d, b).
func (c *Cube) Index(r, col, d, b int) int {
	return ((b*c.D+d)*c.R+r)*c.C + col
}

// BatchView returns a view over batch items [b, b+n).
func (c *Cube) BatchView(b, n int) *Cube {
	v := &Cube{}
	v.Rebind(c, b, n)
	return v
}

// Rebind re-points this view at batch items [b, b+n) of parent. The view's
// R, C and D are taken from the parent.
func (c *Cube) Rebind(parent *Cube, b, n int) {
	if c.owned {
		Invariantf("cannot rebind an owning cube %s", c.Shape)
	}
	if b < 0 || n <= 0 || b+n > parent.B {
		Invariantf("batch range [%d, %d) outside parent cube %s", b, b+n, parent.Shape)
	}
	stride := parent.BatchStride()
	c.Shape = Shape{R: parent.R, C: parent.C, D: parent.D, B: n}
	c.buf = parent.buf.View(b*stride, n*stride)
	c.parent = parent
}

// Reshaped returns a view with shape s over the first s.Len() elements.
// Used to run a scratch cube sized for capacity at a smaller batch.
func (c *Cube) Reshaped(s Shape) *Cube {
	if s.Len() > c.Len() {
		Invariantf("reshape to %s exceeds cube %s", s, c.Shape)
	}
	return &Cube{Shape: s, buf: c.buf.View(0, s.Len()), parent: c}
}

// Release frees owned storage. Views are a no-op.
func (c *Cube) Release() {
	if c == nil || !c.owned || c.buf == nil {
		return
	}
	c.buf.Owner().Free(c.buf)
	c.buf = nil
	c.owned = false
}
