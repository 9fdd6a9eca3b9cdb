// Package lowering reshapes activation cubes into matrix form so that a
// convolution becomes a single matrix multiply, and scatters lowered
// gradients back (the adjoint).
//
// Lowered layout: a row-major (k*k*iD) x (iB*numWindows) matrix stored as a
// cube of shape (k*k*iD, iB*numWindows, 1, 1). Row d*k*k + kr*k + kc holds
// kernel offset (kr, kc) of input depth d; column b*numWindows + w holds
// window w (row-major over the window grid) of batch item b.
package lowering

import (
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/23skdu/longbow-strata/internal/device"
)

// Geometry fixes the kernel, stride, padding and input dimensions.
type Geometry struct {
	KernelSize int
	Stride     int
	Padding    int
	Input      device.Shape
}

// WindowsRow is the number of kernel placements along the row axis.
func (g Geometry) WindowsRow() int {
	return (g.Input.R+2*g.Padding-g.KernelSize)/g.Stride + 1
}

// WindowsCol is the number of kernel placements along the column axis.
func (g Geometry) WindowsCol() int {
	return (g.Input.C+2*g.Padding-g.KernelSize)/g.Stride + 1
}

// NumWindows is WindowsRow * WindowsCol.
func (g Geometry) NumWindows() int {
	return g.WindowsRow() * g.WindowsCol()
}

// OutputShape is the lowered cube shape (k*k*iD, iB*numWindows, 1, 1).
func (g Geometry) OutputShape() device.Shape {
	k := g.KernelSize
	return device.Shape{R: k * k * g.Input.D, C: g.Input.B * g.NumWindows(), D: 1, B: 1}
}

// Validate checks the scalar parameters against the input.
func (g Geometry) Validate() error {
	in := g.Input
	switch {
	case in.R <= 0 || in.C <= 0 || in.D <= 0 || in.B <= 0:
		return errors.Wrapf(device.ErrConfiguration, "lowering: input shape %s must be positive", in)
	case g.KernelSize < 1:
		return errors.Wrapf(device.ErrConfiguration, "lowering: kernel size %d < 1", g.KernelSize)
	case g.Stride < 1:
		return errors.Wrapf(device.ErrConfiguration, "lowering: stride %d < 1", g.Stride)
	case g.Padding < 0:
		return errors.Wrapf(device.ErrConfiguration, "lowering: padding %d < 0", g.Padding)
	case g.KernelSize > in.R+2*g.Padding || g.KernelSize > in.C+2*g.Padding:
		return errors.Wrapf(device.ErrConfiguration, "lowering: kernel %d does not fit padded input %dx%d (padding %d)",
			g.KernelSize, in.R, in.C, g.Padding)
	}
	return nil
}

// Connector performs Lower and Unlower for one fixed geometry on one driver.
type Connector struct {
	geom   Geometry
	output device.Shape
	driver device.Driver
}

// NewConnector validates that output is exactly the lowered shape of input
// for the given kernel, stride and padding.
func NewConnector(input, output device.Shape, kernel, stride, padding int, driver device.Driver) (*Connector, error) {
	g := Geometry{KernelSize: kernel, Stride: stride, Padding: padding, Input: input}
	if err := g.Validate(); err != nil {
		return nil, err
	}
	if want := g.OutputShape(); output != want {
		return nil, errors.Wrapf(device.ErrConfiguration,
			"lowering: output shape %s does not match %s required by input %s, k=%d s=%d p=%d",
			output, want, input, kernel, stride, padding)
	}
	log.Debug().
		Str("device", driver.Name()).
		Str("input", input.String()).
		Str("lowered", output.String()).
		Int("kernel", kernel).Int("stride", stride).Int("padding", padding).
		Msg("lowering connector created")
	return &Connector{geom: g, output: output, driver: driver}, nil
}

// Geometry returns the geometry fixed at construction.
func (c *Connector) Geometry() Geometry {
	return c.geom
}

// OutputShape returns the lowered shape.
func (c *Connector) OutputShape() device.Shape {
	return c.output
}

func (c *Connector) checkShapes(op string, in, lowered *device.Cube) {
	if in.Shape != c.geom.Input {
		device.Invariantf("%s: input cube %s, connector built for %s", op, in.Shape, c.geom.Input)
	}
	if lowered.Shape != c.output {
		device.Invariantf("%s: lowered cube %s, connector built for %s", op, lowered.Shape, c.output)
	}
}

// blockOffset maps (batch, depth) block i of the input to the first cell of
// its lowered region.
func (c *Connector) blockOffset(i int) int {
	in := c.geom.Input
	b, d := i/in.D, i%in.D
	k := c.geom.KernelSize
	return d*k*k*c.output.C + b*c.geom.NumWindows()
}

// Lower writes the lowered form of in into out.
func (c *Connector) Lower(in, out *device.Cube) {
	c.checkShapes("Lower", in, out)
	start := time.Now()
	if c.geom.Stride == 1 && c.geom.Padding == 0 {
		c.lowerFast(in, out)
	} else {
		c.lowerGeneric(in, out)
	}
	loweringDuration.WithLabelValues("lower").Observe(time.Since(start).Seconds())
}

func (c *Connector) lowerGeneric(in, out *device.Cube) {
	in2 := c.geom.Input
	c.driver.ParallelMap(out.Buffer(), in.Buffer(), in2.R*in2.C, c.blockOffset, c.lowerBlock)
}

func (c *Connector) lowerFast(in, out *device.Cube) {
	in2 := c.geom.Input
	c.driver.ParallelMap(out.Buffer(), in.Buffer(), in2.R*in2.C, c.blockOffset, c.lowerBlockDense)
}

// lowerBlock lowers one R x C slice; padding cells are written as zero.
func (c *Connector) lowerBlock(target, block []float32) {
	iR, iC := c.geom.Input.R, c.geom.Input.C
	k, s, p := c.geom.KernelSize, c.geom.Stride, c.geom.Padding
	wR, wC := c.geom.WindowsRow(), c.geom.WindowsCol()
	oC := c.output.C

	col := 0
	for i, rowBase := 0, -p; i < wR; i, rowBase = i+1, rowBase+s {
		for j, colBase := 0, -p; j < wC; j, colBase = j+1, colBase+s {
			for kr := 0; kr < k; kr++ {
				r := rowBase + kr
				for kc := 0; kc < k; kc++ {
					cc := colBase + kc
					dst := (kr*k+kc)*oC + col
					if r < 0 || r >= iR || cc < 0 || cc >= iC {
						target[dst] = 0
					} else {
						target[dst] = block[r*iC+cc]
					}
				}
			}
			col++
		}
	}
}

// lowerBlockDense is lowerBlock for stride 1 and no padding: every window
// row is a contiguous run of the input row, copied without bounds checks.
func (c *Connector) lowerBlockDense(target, block []float32) {
	iC := c.geom.Input.C
	k := c.geom.KernelSize
	wR, wC := c.geom.WindowsRow(), c.geom.WindowsCol()
	oC := c.output.C

	for kr := 0; kr < k; kr++ {
		for kc := 0; kc < k; kc++ {
			dst := target[(kr*k+kc)*oC:]
			for i := 0; i < wR; i++ {
				src := (i+kr)*iC + kc
				copy(dst[i*wC:(i+1)*wC], block[src:src+wC])
			}
		}
	}
}

// Unlower scatter-adds a lowered gradient back into in. in is zeroed first;
// contributions that would land in the padding region are dropped since
// padding has no gradient sink.
func (c *Connector) Unlower(lowered, in *device.Cube) {
	c.checkShapes("Unlower", in, lowered)
	start := time.Now()
	c.driver.Zero(in.Buffer())
	in2 := c.geom.Input
	c.driver.ParallelMap(lowered.Buffer(), in.Buffer(), in2.R*in2.C, c.blockOffset, c.unlowerBlock)
	loweringDuration.WithLabelValues("unlower").Observe(time.Since(start).Seconds())
}

func (c *Connector) unlowerBlock(lowered, block []float32) {
	iR, iC := c.geom.Input.R, c.geom.Input.C
	k, s, p := c.geom.KernelSize, c.geom.Stride, c.geom.Padding
	wR, wC := c.geom.WindowsRow(), c.geom.WindowsCol()
	oC := c.output.C

	for kr := 0; kr < k; kr++ {
		for kc := 0; kc < k; kc++ {
			src := lowered[(kr*k+kc)*oC:]
			w := 0
			for i := 0; i < wR; i++ {
				r := i*s + kr - p
				for j := 0; j < wC; j++ {
					cc := j*s + kc - p
					if r >= 0 && r < iR && cc >= 0 && cc < iC {
						block[r*iC+cc] += src[w]
					}
					// a lowered cell contributes to at most one input cell
					w++
				}
			}
		}
	}
}
