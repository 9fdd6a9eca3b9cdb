package device

import (
	"github.com/dustin/go-humanize"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/23skdu/longbow-strata/internal/simd"
)

var _ Driver = (*EmulatedGPUDriver)(nil)

// EmulatedGPUDriver models a discrete accelerator: its buffers live in a
// separate address space (not host accessible), every kernel only accepts
// its own buffers, and every host<->device move is an explicit copy that is
// counted in the transfer metrics. The kernels themselves run on the host.
type EmulatedGPUDriver struct {
	*kernels
	name string
}

// NewEmulatedGPUDriver creates an emulated discrete device.
func NewEmulatedGPUDriver(opts ...Option) *EmulatedGPUDriver {
	o := buildOptions("GPU-Emulated", opts)
	return &EmulatedGPUDriver{kernels: newKernels(o), name: o.name}
}

func (d *EmulatedGPUDriver) Name() string {
	return d.name
}

func (d *EmulatedGPUDriver) HostAccessible() bool {
	return false
}

func (d *EmulatedGPUDriver) Alloc(n int) (*Buffer, error) {
	if n <= 0 {
		return nil, errors.Wrapf(ErrDeviceOperation, "%s: cannot allocate %d elements", d.name, n)
	}
	allocBytes.WithLabelValues(d.name).Add(float64(n * 4))
	log.Trace().Str("device", d.name).Str("size", humanize.Bytes(uint64(n*4))).Msg("alloc")
	return newBuffer(d, make([]float32, n)), nil
}

func (d *EmulatedGPUDriver) Free(b *Buffer) {
	if b == nil || b.IsView() || b.owner != d {
		return
	}
	b.data = nil
}

func (d *EmulatedGPUDriver) resident(op string, bufs ...*Buffer) {
	for _, b := range bufs {
		if b.owner != d {
			Invariantf("%s: buffer resident on %s passed to %s", op, b.owner.Name(), d.name)
		}
	}
}

func (d *EmulatedGPUDriver) Zero(b *Buffer) {
	d.resident("Zero", b)
	clear(b.data)
}

func (d *EmulatedGPUDriver) CopyFromHost(dst *Buffer, src []float32) error {
	if dst.owner != d {
		return errors.Wrapf(ErrDeviceOperation, "%s: destination resident on %s", d.name, dst.owner.Name())
	}
	if len(src) != dst.Len() {
		return errors.Wrapf(ErrDeviceOperation, "%s: copy size mismatch %d != %d", d.name, len(src), dst.Len())
	}
	copy(dst.data, src)
	transferBytes.WithLabelValues(d.name, "h2d").Add(float64(len(src) * 4))
	return nil
}

func (d *EmulatedGPUDriver) CopyToHost(dst []float32, src *Buffer) error {
	if src.owner != d {
		return errors.Wrapf(ErrDeviceOperation, "%s: source resident on %s", d.name, src.owner.Name())
	}
	if len(dst) != src.Len() {
		return errors.Wrapf(ErrDeviceOperation, "%s: copy size mismatch %d != %d", d.name, len(dst), src.Len())
	}
	copy(dst, src.data)
	transferBytes.WithLabelValues(d.name, "d2h").Add(float64(len(dst) * 4))
	return nil
}

func (d *EmulatedGPUDriver) Copy(dst, src *Buffer) error {
	switch {
	case dst.owner == d && src.owner == d:
		if dst.Len() != src.Len() {
			return errors.Wrapf(ErrDeviceOperation, "%s: copy size mismatch %d != %d", d.name, dst.Len(), src.Len())
		}
		copy(dst.data, src.data)
		transferBytes.WithLabelValues(d.name, "d2d").Add(float64(dst.Len() * 4))
		return nil
	case dst.owner == d && src.HostAccessible():
		return d.CopyFromHost(dst, src.data)
	case src.owner == d && dst.HostAccessible():
		return d.CopyToHost(dst.data, src)
	}
	return errors.Wrapf(ErrDeviceOperation, "%s: cannot copy %s -> %s", d.name, src.owner.Name(), dst.owner.Name())
}

func (d *EmulatedGPUDriver) ParallelMap(target, blocks *Buffer, blockSize int, offset func(int) int, fn BlockFunc) {
	d.resident("ParallelMap", target, blocks)
	d.parallelMap(target.data, blocks.data, blockSize, offset, fn)
}

func (d *EmulatedGPUDriver) Sgemm(transA, transB bool, m, n, k int, alpha float32, a *Buffer, lda int,
	b *Buffer, ldb int, beta float32, c *Buffer, ldc int) {
	d.resident("Sgemm", a, b, c)
	d.sgemm(transA, transB, m, n, k, alpha, a.data, lda, b.data, ldb, beta, c.data, ldc)
}

func (d *EmulatedGPUDriver) Saxpy(alpha float32, x, y *Buffer) {
	d.resident("Saxpy", x, y)
	d.saxpy(alpha, x.data, y.data)
}

func (d *EmulatedGPUDriver) Saxpby(alpha float32, x *Buffer, beta float32, y *Buffer) {
	d.resident("Saxpby", x, y)
	d.saxpby(alpha, x.data, beta, y.data)
}

func (d *EmulatedGPUDriver) Apply(dst *Buffer, fn func(float32) float32) {
	d.resident("Apply", dst)
	d.apply(dst.data, fn)
}

func (d *EmulatedGPUDriver) Reduce2(dst, a, b *Buffer, fn func(x, y float32) float32) {
	d.resident("Reduce2", dst, a, b)
	d.reduce2(dst.data, a.data, b.data, fn)
}

func (d *EmulatedGPUDriver) FillUniform(b *Buffer, lower, upper float32) {
	d.resident("FillUniform", b)
	d.fillUniform(b.data, lower, upper)
}

func (d *EmulatedGPUDriver) FillBernoulli(b *Buffer, p float32) {
	d.resident("FillBernoulli", b)
	d.fillBernoulli(b.data, p)
}

func (d *EmulatedGPUDriver) FillGaussian(b *Buffer, mean, stddev float32) {
	d.resident("FillGaussian", b)
	d.fillGaussian(b.data, mean, stddev)
}

func (d *EmulatedGPUDriver) FillXavier(b *Buffer, nBatch int) {
	d.resident("FillXavier", b)
	d.fillXavier(b.data, nBatch)
}

func (d *EmulatedGPUDriver) FillConstant(b *Buffer, v float32) {
	d.resident("FillConstant", b)
	simd.Fill(b.data, v)
}
