package device

import (
	"github.com/pkg/errors"
)

// GPU driver kinds accepted by NewGPUDriver.
const (
	GPUKindEmulated = "emulated"
	GPUKindCUDA     = "cuda"
)

// NewGPUDriver returns the GPU driver of the requested kind. Only the
// emulated discrete device is built into this module; any other kind fails
// fast with ErrUnsupported so misconfiguration surfaces at construction.
func NewGPUDriver(kind string, opts ...Option) (Driver, error) {
	switch kind {
	case GPUKindEmulated:
		return NewEmulatedGPUDriver(opts...), nil
	case GPUKindCUDA:
		return nil, errors.Wrap(ErrUnsupported, "CUDA kernels are not built into this binary")
	case "":
		return nil, errors.Wrap(ErrUnsupported, "no GPU driver kind given")
	}
	return nil, errors.Wrapf(ErrUnsupported, "unknown GPU driver kind %q", kind)
}
