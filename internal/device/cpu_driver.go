package device

import (
	"sync"

	"github.com/dustin/go-humanize"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/23skdu/longbow-strata/internal/simd"
)

// ensure interface compliance
var _ Driver = (*CPUDriver)(nil)

type options struct {
	workers int
	seed    int64
	name    string
}

// Option configures a driver.
type Option func(*options)

// WithWorkers bounds the goroutines a driver uses for one ParallelMap.
// Zero means runtime.NumCPU().
func WithWorkers(n int) Option {
	return func(o *options) { o.workers = n }
}

// WithSeed seeds the driver's random fills.
func WithSeed(seed int64) Option {
	return func(o *options) { o.seed = seed }
}

// WithName overrides the driver name used in logs and metrics.
func WithName(name string) Option {
	return func(o *options) { o.name = name }
}

func buildOptions(defaultName string, opts []Option) options {
	o := options{seed: 1, name: defaultName}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// CPUDriver runs every capability on host memory. Buffers are recycled
// through per-size pools.
type CPUDriver struct {
	*kernels
	name string

	mu    sync.Mutex
	pools map[int]*sync.Pool
}

// NewCPUDriver creates a host driver.
func NewCPUDriver(opts ...Option) *CPUDriver {
	o := buildOptions("CPU", opts)
	return &CPUDriver{
		kernels: newKernels(o),
		name:    o.name,
		pools:   make(map[int]*sync.Pool),
	}
}

func (d *CPUDriver) Name() string {
	return d.name
}

func (d *CPUDriver) HostAccessible() bool {
	return true
}

// SetWorkers changes the ParallelMap bound. Not safe to call while the
// driver is running kernels.
func (d *CPUDriver) SetWorkers(n int) {
	d.workers.Store(int64(n))
}

func (d *CPUDriver) pool(n int) *sync.Pool {
	d.mu.Lock()
	defer d.mu.Unlock()
	p, ok := d.pools[n]
	if !ok {
		p = &sync.Pool{}
		d.pools[n] = p
	}
	return p
}

func (d *CPUDriver) Alloc(n int) (*Buffer, error) {
	if n <= 0 {
		return nil, errors.Wrapf(ErrDeviceOperation, "%s: cannot allocate %d elements", d.name, n)
	}
	// Try to get from pool
	if v := d.pool(n).Get(); v != nil {
		if data, ok := v.([]float32); ok && len(data) == n {
			clear(data)
			poolHits.WithLabelValues(d.name).Inc()
			return newBuffer(d, data), nil
		}
	}
	allocBytes.WithLabelValues(d.name).Add(float64(n * 4))
	log.Trace().Str("device", d.name).Str("size", humanize.Bytes(uint64(n*4))).Msg("alloc")
	return newBuffer(d, make([]float32, n)), nil
}

func (d *CPUDriver) Free(b *Buffer) {
	if b == nil || b.IsView() || b.owner != d {
		return // Don't pool views or foreign buffers
	}
	d.pool(len(b.data)).Put(b.data)
	b.data = nil
}

func (d *CPUDriver) check(op string, bufs ...*Buffer) {
	for _, b := range bufs {
		if !b.HostAccessible() {
			Invariantf("%s: %s cannot address buffer resident on %s", op, d.name, b.owner.Name())
		}
	}
}

func (d *CPUDriver) Zero(b *Buffer) {
	d.check("Zero", b)
	clear(b.data)
}

func (d *CPUDriver) CopyFromHost(dst *Buffer, src []float32) error {
	if !dst.HostAccessible() {
		return errors.Wrapf(ErrDeviceOperation, "%s: destination resident on %s", d.name, dst.owner.Name())
	}
	if len(src) != dst.Len() {
		return errors.Wrapf(ErrDeviceOperation, "%s: copy size mismatch %d != %d", d.name, len(src), dst.Len())
	}
	copy(dst.data, src)
	return nil
}

func (d *CPUDriver) CopyToHost(dst []float32, src *Buffer) error {
	if !src.HostAccessible() {
		return errors.Wrapf(ErrDeviceOperation, "%s: source resident on %s", d.name, src.owner.Name())
	}
	if len(dst) != src.Len() {
		return errors.Wrapf(ErrDeviceOperation, "%s: copy size mismatch %d != %d", d.name, len(dst), src.Len())
	}
	copy(dst, src.data)
	return nil
}

func (d *CPUDriver) Copy(dst, src *Buffer) error {
	if !src.HostAccessible() {
		return errors.Wrapf(ErrDeviceOperation, "%s: source resident on %s", d.name, src.owner.Name())
	}
	return d.CopyFromHost(dst, src.data)
}

func (d *CPUDriver) ParallelMap(target, blocks *Buffer, blockSize int, offset func(int) int, fn BlockFunc) {
	d.check("ParallelMap", target, blocks)
	d.parallelMap(target.data, blocks.data, blockSize, offset, fn)
}

func (d *CPUDriver) Sgemm(transA, transB bool, m, n, k int, alpha float32, a *Buffer, lda int,
	b *Buffer, ldb int, beta float32, c *Buffer, ldc int) {
	d.check("Sgemm", a, b, c)
	d.sgemm(transA, transB, m, n, k, alpha, a.data, lda, b.data, ldb, beta, c.data, ldc)
}

func (d *CPUDriver) Saxpy(alpha float32, x, y *Buffer) {
	d.check("Saxpy", x, y)
	d.saxpy(alpha, x.data, y.data)
}

func (d *CPUDriver) Saxpby(alpha float32, x *Buffer, beta float32, y *Buffer) {
	d.check("Saxpby", x, y)
	d.saxpby(alpha, x.data, beta, y.data)
}

func (d *CPUDriver) Apply(dst *Buffer, fn func(float32) float32) {
	d.check("Apply", dst)
	d.apply(dst.data, fn)
}

func (d *CPUDriver) Reduce2(dst, a, b *Buffer, fn func(x, y float32) float32) {
	d.check("Reduce2", dst, a, b)
	d.reduce2(dst.data, a.data, b.data, fn)
}

func (d *CPUDriver) FillUniform(b *Buffer, lower, upper float32) {
	d.check("FillUniform", b)
	d.fillUniform(b.data, lower, upper)
}

func (d *CPUDriver) FillBernoulli(b *Buffer, p float32) {
	d.check("FillBernoulli", b)
	d.fillBernoulli(b.data, p)
}

func (d *CPUDriver) FillGaussian(b *Buffer, mean, stddev float32) {
	d.check("FillGaussian", b)
	d.fillGaussian(b.data, mean, stddev)
}

func (d *CPUDriver) FillXavier(b *Buffer, nBatch int) {
	d.check("FillXavier", b)
	d.fillXavier(b.data, nBatch)
}

func (d *CPUDriver) FillConstant(b *Buffer, v float32) {
	d.check("FillConstant", b)
	simd.Fill(b.data, v)
}
