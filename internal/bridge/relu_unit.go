package bridge

import (
	"github.com/pkg/errors"

	"github.com/23skdu/longbow-strata/internal/config"
	"github.com/23skdu/longbow-strata/internal/device"
)

var _ ExecutionUnit = (*ReLUUnit)(nil)

// ReLUUnit is max(0, x). It has no trainable tensors.
type ReLUUnit struct {
	driver   device.Driver
	input    *Layer
	output   *Layer
	capacity int
	curr     int

	inData, inGrad, outData, outGrad *staging

	needsInputGradient bool
}

// NewReLUUnit is a UnitFactory.
func NewReLUUnit(input, output *Layer, _ config.LayerConfig, _ config.SolverConfig,
	driver device.Driver, capacity int) (ExecutionUnit, error) {
	if err := input.validate("input"); err != nil {
		return nil, err
	}
	if err := output.validate("output"); err != nil {
		return nil, err
	}
	if input.Shape() != output.Shape() {
		return nil, errors.Wrapf(device.ErrConfiguration, "relu input %s and output %s differ", input.Shape(), output.Shape())
	}
	if capacity < input.Shape().B {
		return nil, errors.Wrapf(device.ErrConfiguration, "capacity %d below partition size %d", capacity, input.Shape().B)
	}
	u := &ReLUUnit{
		driver:             driver,
		input:              input,
		output:             output,
		capacity:           capacity,
		curr:               input.Shape().B,
		needsInputGradient: true,
	}
	var err error
	if u.inData, err = newStaging(driver, input.Data, capacity); err == nil {
		if u.inGrad, err = newStaging(driver, input.Gradient, capacity); err == nil {
			if u.outData, err = newStaging(driver, output.Data, capacity); err == nil {
				u.outGrad, err = newStaging(driver, output.Gradient, capacity)
			}
		}
	}
	if err != nil {
		u.Close()
		return nil, err
	}
	return u, nil
}

func (u *ReLUUnit) SetBatchSize(n int) {
	checkBatch("relu", n, u.capacity)
	u.curr = n
}

func (u *ReLUUnit) Forward() error {
	if u.input.Data.B != u.curr || u.output.Data.B != u.curr {
		device.Invariantf("relu: views bound to %d/%d items, batch size is %d", u.input.Data.B, u.output.Data.B, u.curr)
	}
	in, err := u.inData.load(u.input.Data)
	if err != nil {
		return err
	}
	out := u.outData.target(u.output.Data)
	if err := u.driver.Copy(out.Buffer(), in.Buffer()); err != nil {
		return errors.WithMessage(err, "relu forward")
	}
	u.driver.Apply(out.Buffer(), func(v float32) float32 { return max(v, 0) })
	return u.outData.store(out, u.output.Data)
}

func (u *ReLUUnit) Backward() error {
	if !u.needsInputGradient {
		return nil
	}
	if u.input.Gradient.B != u.curr || u.output.Gradient.B != u.curr {
		device.Invariantf("relu: gradient views bound to %d/%d items, batch size is %d",
			u.input.Gradient.B, u.output.Gradient.B, u.curr)
	}
	in, err := u.inData.load(u.input.Data)
	if err != nil {
		return err
	}
	g, err := u.outGrad.load(u.output.Gradient)
	if err != nil {
		return err
	}
	dst := u.inGrad.target(u.input.Gradient)
	u.driver.Reduce2(dst.Buffer(), g.Buffer(), in.Buffer(), func(g, x float32) float32 {
		if x > 0 {
			return g
		}
		return 0
	})
	return u.inGrad.store(dst, u.input.Gradient)
}

func (u *ReLUUnit) SetNeedsInputGradient(v bool) { u.needsInputGradient = v }
func (u *ReLUUnit) Model() *device.Cube { return nil }
func (u *ReLUUnit) Bias() *device.Cube { return nil }
func (u *ReLUUnit) ModelGradient() *device.Cube { return nil }
func (u *ReLUUnit) BiasGradient() *device.Cube { return nil }
func (u *ReLUUnit) HasBias() bool { return false }
func (u *ReLUUnit) ReceiveReplica(_, _ *device.Cube) error { return nil }
func (u *ReLUUnit) Driver() device.Driver { return u.driver }

func (u *ReLUUnit) Close() {
	for _, s := range []*staging{u.inData, u.inGrad, u.outData, u.outGrad} {
		if s != nil {
			s.release()
		}
	}
}
