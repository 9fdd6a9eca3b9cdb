package device

import (
	"github.com/pkg/errors"
)

var (
	// ErrConfiguration marks an invalid construction-time request: a bad
	// lowering geometry, a GPU partition without a GPU driver, a bad config.
	ErrConfiguration = errors.New("configuration error")

	// ErrInvariant marks caller misuse detected at run time, e.g. a batch
	// larger than the provisioned capacity.
	ErrInvariant = errors.New("invariant violation")

	// ErrDeviceOperation marks a failed driver primitive (alloc, copy).
	ErrDeviceOperation = errors.New("device operation failure")

	// ErrUnsupported is returned when a device capability is not built in.
	ErrUnsupported = errors.Wrap(ErrConfiguration, "unsupported device capability")
)

// Invariantf panics with an error wrapping ErrInvariant.
// There is no recovery path: a broken invariant aborts the run.
func Invariantf(format string, args ...any) {
	panic(errors.Wrapf(ErrInvariant, format, args...))
}
