package device

import (
	"math"
	"math/rand"
	"runtime"
	"sync"
	"sync/atomic"

	"gonum.org/v1/gonum/blas"
	"gonum.org/v1/gonum/blas/blas32"

	"github.com/23skdu/longbow-strata/internal/simd"
)

// kernels holds the memory-agnostic compute shared by the drivers in this
// package. Residency checks happen in the drivers before a kernel runs.
type kernels struct {
	workers atomic.Int64
	rngMu   sync.Mutex
	rng     *rand.Rand
}

func newKernels(o options) *kernels {
	k := &kernels{rng: rand.New(rand.NewSource(o.seed))}
	k.workers.Store(int64(o.workers))
	return k
}

func (k *kernels) numWorkers() int {
	if w := int(k.workers.Load()); w > 0 {
		return w
	}
	return runtime.NumCPU()
}

func (k *kernels) parallelMap(target, blocks []float32, blockSize int, offset func(int) int, fn BlockFunc) {
	if blockSize <= 0 || len(blocks)%blockSize != 0 {
		Invariantf("ParallelMap: %d elements do not split into blocks of %d", len(blocks), blockSize)
	}
	n := len(blocks) / blockSize
	workers := k.numWorkers()
	if n == 1 || workers == 1 {
		for i := 0; i < n; i++ {
			fn(target[offset(i):], blocks[i*blockSize:(i+1)*blockSize])
		}
		return
	}

	// contiguous block ranges, one goroutine each
	var wg sync.WaitGroup
	perWorker := (n + workers - 1) / workers
	for start := 0; start < n; start += perWorker {
		end := min(start+perWorker, n)
		wg.Add(1)
		go func(start, end int) {
			defer wg.Done()
			for i := start; i < end; i++ {
				fn(target[offset(i):], blocks[i*blockSize:(i+1)*blockSize])
			}
		}(start, end)
	}
	wg.Wait()
}

func transpose(t bool) blas.Transpose {
	if t {
		return blas.Trans
	}
	return blas.NoTrans
}

func (k *kernels) sgemm(transA, transB bool, m, n, kk int, alpha float32, a []float32, lda int,
	b []float32, ldb int, beta float32, c []float32, ldc int) {
	blas32.Implementation().Sgemm(transpose(transA), transpose(transB), m, n, kk,
		alpha, a, lda, b, ldb, beta, c, ldc)
}

func (k *kernels) saxpy(alpha float32, x, y []float32) {
	checkLen("Saxpy", len(x), len(y))
	if alpha == 1 {
		simd.VecAdd(y, x)
		return
	}
	simd.VecAddScaled(y, x, alpha)
}

func (k *kernels) saxpby(alpha float32, x []float32, beta float32, y []float32) {
	checkLen("Saxpby", len(x), len(y))
	simd.Axpby(alpha, x, beta, y)
}

func (k *kernels) apply(dst []float32, fn func(float32) float32) {
	for i, v := range dst {
		dst[i] = fn(v)
	}
}

func (k *kernels) reduce2(dst, a, b []float32, fn func(x, y float32) float32) {
	checkLen("Reduce2", len(dst), len(a))
	checkLen("Reduce2", len(dst), len(b))
	for i := range dst {
		dst[i] = fn(a[i], b[i])
	}
}

func (k *kernels) fillUniform(dst []float32, lower, upper float32) {
	k.rngMu.Lock()
	defer k.rngMu.Unlock()
	span := float64(upper - lower)
	for i := range dst {
		dst[i] = lower + float32(k.rng.Float64()*span)
	}
}

func (k *kernels) fillBernoulli(dst []float32, p float32) {
	k.rngMu.Lock()
	defer k.rngMu.Unlock()
	for i := range dst {
		if k.rng.Float64() < float64(p) {
			dst[i] = 1
		} else {
			dst[i] = 0
		}
	}
}

func (k *kernels) fillGaussian(dst []float32, mean, stddev float32) {
	k.rngMu.Lock()
	defer k.rngMu.Unlock()
	for i := range dst {
		dst[i] = mean + float32(k.rng.NormFloat64())*stddev
	}
}

func (k *kernels) fillXavier(dst []float32, nBatch int) {
	if nBatch <= 0 || len(dst) < nBatch {
		Invariantf("FillXavier: cannot derive fan-in from %d elements over %d items", len(dst), nBatch)
	}
	fanIn := len(dst) / nBatch
	scale := float32(math.Sqrt(3.0 / float64(fanIn)))
	k.fillUniform(dst, -scale, scale)
}

func checkLen(op string, a, b int) {
	if a != b {
		Invariantf("%s: length mismatch %d != %d", op, a, b)
	}
}
