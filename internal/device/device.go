package device

// Driver is the capability surface every physical device implements.
// Nothing above this package branches on the concrete device type; callers
// only ask whether a driver's memory is host accessible.
type Driver interface {
	// Name identifies the device in logs and metric labels.
	Name() string

	// HostAccessible reports whether buffers allocated by this driver can be
	// read and written directly from the host (zero-copy sharing).
	HostAccessible() bool

	// Memory management

	Alloc(n int) (*Buffer, error)
	Free(b *Buffer)
	Zero(b *Buffer)

	// CopyFromHost copies src into dst. len(src) must equal dst.Len().
	CopyFromHost(dst *Buffer, src []float32) error
	// CopyToHost copies src into dst. len(dst) must equal src.Len().
	CopyToHost(dst []float32, src *Buffer) error
	// Copy moves data between two buffers where each side is either owned by
	// this driver or host resident.
	Copy(dst, src *Buffer) error

	// ParallelMap splits blocks into consecutive chunks of blockSize elements
	// and calls fn(target[offset(i):], chunk_i) for every chunk, possibly in
	// parallel. fn invocations must touch disjoint memory.
	ParallelMap(target, blocks *Buffer, blockSize int, offset func(block int) int, fn BlockFunc)

	// Math

	// Sgemm computes C = alpha*op(A)*op(B) + beta*C on row-major matrices.
	Sgemm(transA, transB bool, m, n, k int, alpha float32, a *Buffer, lda int,
		b *Buffer, ldb int, beta float32, c *Buffer, ldc int)
	// Saxpy computes y += alpha*x.
	Saxpy(alpha float32, x, y *Buffer)
	// Saxpby computes y = alpha*x + beta*y.
	Saxpby(alpha float32, x *Buffer, beta float32, y *Buffer)
	// Apply replaces every element v of dst by fn(v).
	Apply(dst *Buffer, fn func(float32) float32)
	// Reduce2 computes dst[i] = fn(a[i], b[i]).
	Reduce2(dst, a, b *Buffer, fn func(x, y float32) float32)

	// Initialisation

	FillUniform(b *Buffer, lower, upper float32)
	FillBernoulli(b *Buffer, p float32)
	FillGaussian(b *Buffer, mean, stddev float32)
	// FillXavier fills b uniformly in ±sqrt(3/fanIn), fanIn = b.Len()/nBatch.
	FillXavier(b *Buffer, nBatch int)
	FillConstant(b *Buffer, v float32)
}

// BlockFunc transforms one source block into (or out of) its target region.
type BlockFunc func(target, block []float32)

// Buffer is a run of float32 device memory owned by a driver. A view shares
// its parent's storage and never frees it.
type Buffer struct {
	owner  Driver
	data   []float32
	parent *Buffer
	offset int
}

func newBuffer(owner Driver, data []float32) *Buffer {
	return &Buffer{owner: owner, data: data}
}

// Len returns the number of elements.
func (b *Buffer) Len() int {
	return len(b.data)
}

// Owner returns the driver that allocated the underlying storage.
func (b *Buffer) Owner() Driver {
	return b.owner
}

// HostAccessible reports whether Host returns the live storage.
func (b *Buffer) HostAccessible() bool {
	return b.owner.HostAccessible()
}

// Host returns the underlying slice if the buffer is host resident (nil otherwise).
func (b *Buffer) Host() []float32 {
	if !b.owner.HostAccessible() {
		return nil
	}
	return b.data
}

// View returns a non-owning sub-buffer [offset, offset+n).
func (b *Buffer) View(offset, n int) *Buffer {
	if offset < 0 || n < 0 || offset+n > len(b.data) {
		Invariantf("buffer view [%d, %d) out of range for buffer of %d elements", offset, offset+n, len(b.data))
	}
	return &Buffer{
		owner:  b.owner,
		data:   b.data[offset : offset+n : offset+n],
		parent: b,
		offset: offset,
	}
}

// IsView reports whether the buffer borrows its storage.
func (b *Buffer) IsView() bool {
	return b.parent != nil
}

// Root returns the owning buffer at the top of the view chain.
func (b *Buffer) Root() *Buffer {
	r := b
	for r.parent != nil {
		r = r.parent
	}
	return r
}

// Offset returns the element offset of this buffer inside its root.
func (b *Buffer) Offset() int {
	off := 0
	for r := b; r.parent != nil; r = r.parent {
		off += r.offset
	}
	return off
}
