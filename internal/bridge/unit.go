package bridge

import (
	"github.com/pkg/errors"

	"github.com/23skdu/longbow-strata/internal/config"
	"github.com/23skdu/longbow-strata/internal/device"
)

// ExecutionUnit is one layer's forward/backward on a single device for one
// partition. The input and output layers it was built with are views the
// scheduler rebinds before every call.
type ExecutionUnit interface {
	Forward() error
	Backward() error

	// SetBatchSize sets the active batch size, at most the capacity the unit
	// was built with.
	SetBatchSize(n int)
	SetNeedsInputGradient(bool)

	// Model and Bias return nil when the layer has no such tensor.
	Model() *device.Cube
	Bias() *device.Cube
	ModelGradient() *device.Cube
	BiasGradient() *device.Cube
	HasBias() bool

	// ReceiveReplica installs the scheduler's authoritative tensors before a
	// forward pass. bias may be nil.
	ReceiveReplica(model, bias *device.Cube) error

	Driver() device.Driver
	Close()
}

// UnitFactory builds the execution unit of one partition. capacity is the
// largest batch size the unit will be asked to run.
type UnitFactory func(input, output *Layer, layerCfg config.LayerConfig, solverCfg config.SolverConfig,
	driver device.Driver, capacity int) (ExecutionUnit, error)

// addressable reports whether driver can run kernels on c directly.
func addressable(driver device.Driver, c *device.Cube) bool {
	owner := c.Driver()
	return owner == driver || (driver.HostAccessible() && owner.HostAccessible())
}

// staging mirrors a borrowed view into private device memory when the unit's
// driver cannot address the view. When it can, the view is used in place.
type staging struct {
	driver  device.Driver
	private *device.Cube
}

func newStaging(driver device.Driver, view *device.Cube, capacity int) (*staging, error) {
	s := &staging{driver: driver}
	if addressable(driver, view) {
		return s, nil
	}
	shape := view.Shape
	shape.B = capacity
	c, err := device.NewCube(driver, shape)
	if err != nil {
		return nil, errors.WithMessage(err, "allocating staging cube")
	}
	s.private = c
	return s, nil
}

// target returns the cube kernels should read from or write to for view.
func (s *staging) target(view *device.Cube) *device.Cube {
	if s.private == nil {
		return view
	}
	return s.private.Reshaped(view.Shape)
}

// load copies view into the private cube when staged.
func (s *staging) load(view *device.Cube) (*device.Cube, error) {
	dev := s.target(view)
	if dev == view {
		return view, nil
	}
	if err := s.driver.Copy(dev.Buffer(), view.Buffer()); err != nil {
		return nil, errors.WithMessage(err, "staging to device")
	}
	return dev, nil
}

// store copies dev back into view when staged.
func (s *staging) store(dev, view *device.Cube) error {
	if dev == view {
		return nil
	}
	return errors.WithMessage(s.driver.Copy(view.Buffer(), dev.Buffer()), "staging to host")
}

func (s *staging) release() {
	s.private.Release()
}

func checkBatch(unit string, n, capacity int) {
	if n <= 0 || n > capacity {
		device.Invariantf("%s: batch size %d outside [1, %d]", unit, n, capacity)
	}
}
