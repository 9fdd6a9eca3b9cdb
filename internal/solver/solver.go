// Package solver applies accumulated gradients to the trainable tensors
// owned by a scheduler.
package solver

import (
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/23skdu/longbow-strata/internal/config"
	"github.com/23skdu/longbow-strata/internal/device"
)

// Updater mutates the tensor it was built for, in place, given a gradient of
// the same length.
type Updater interface {
	Update(grad *device.Cube) error
}

var _ Updater = (*SGD)(nil)

// SGD is stochastic gradient descent with momentum and L2 weight decay:
//
//	v = momentum*v + lr*lrMult*(g + decay*decayMult*w)
//	w = w - v
type SGD struct {
	target   *device.Cube
	history  *device.Cube
	scratch  *device.Cube
	driver   device.Driver
	lr       float32
	momentum float32
	decay    float32
}

// NewSGD builds an updater for target. The momentum history lives on driver
// next to target.
func NewSGD(target *device.Cube, cfg config.SolverConfig, lrMult, decayMult float64, driver device.Driver) (*SGD, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if target == nil {
		return nil, errors.Wrap(device.ErrConfiguration, "sgd: nil target")
	}
	history, err := device.NewCube(driver, target.Shape)
	if err != nil {
		return nil, errors.WithMessage(err, "sgd: momentum history")
	}
	scratch, err := device.NewCube(driver, target.Shape)
	if err != nil {
		history.Release()
		return nil, errors.WithMessage(err, "sgd: scratch")
	}
	s := &SGD{
		target:   target,
		history:  history,
		scratch:  scratch,
		driver:   driver,
		lr:       float32(cfg.BaseLR * lrMult),
		momentum: float32(cfg.Momentum),
		decay:    float32(cfg.WeightDecay * decayMult),
	}
	log.Debug().
		Str("shape", target.Shape.String()).
		Float32("lr", s.lr).
		Float32("momentum", s.momentum).
		Float32("decay", s.decay).
		Msg("sgd updater created")
	return s, nil
}

// Update applies one step.
func (s *SGD) Update(grad *device.Cube) error {
	if grad.Len() != s.target.Len() {
		return errors.Wrapf(device.ErrDeviceOperation, "sgd: gradient has %d elements, target %s has %d",
			grad.Len(), s.target.Shape, s.target.Len())
	}
	if err := s.driver.Copy(s.scratch.Buffer(), grad.Buffer()); err != nil {
		return errors.WithMessage(err, "sgd: staging gradient")
	}
	// scratch = g + decay*w
	if s.decay != 0 {
		s.driver.Saxpy(s.decay, s.target.Buffer(), s.scratch.Buffer())
	}
	// v = momentum*v + lr*scratch
	s.driver.Saxpby(s.lr, s.scratch.Buffer(), s.momentum, s.history.Buffer())
	s.driver.Saxpy(-1, s.history.Buffer(), s.target.Buffer())
	return nil
}

// Close releases the momentum history.
func (s *SGD) Close() {
	s.history.Release()
	s.scratch.Release()
}
