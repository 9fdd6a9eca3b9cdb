package bridge

import (
	"github.com/dustin/go-humanize"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/23skdu/longbow-strata/internal/config"
	"github.com/23skdu/longbow-strata/internal/device"
	"github.com/23skdu/longbow-strata/internal/lowering"
)

var _ ExecutionUnit = (*ConvolutionUnit)(nil)

// ConvolutionUnit computes a convolution as lowering followed by one GEMM:
//
//	product[K x n*nw] = model[K x L] * lowered[L x n*nw]
//
// where L = k*k*iD and nw is the number of windows per image. The model cube
// has shape (k, k, iD, K) so that row j of the K x L matrix is filter j.
type ConvolutionUnit struct {
	driver   device.Driver
	cfg      config.LayerConfig
	input    *Layer
	output   *Layer
	capacity int
	curr     int

	numWindows int
	rows       int // L
	filters    int // K

	connectors map[int]*lowering.Connector

	ownModel *device.Cube
	ownBias  *device.Cube
	model    *device.Cube
	bias     *device.Cube

	modelGrad *device.Cube
	biasGrad  *device.Cube

	lowered *device.Cube // (L, capacity*nw)
	product *device.Cube // (K, capacity*nw)
	ones    *device.Cube // (1, capacity*nw)

	inData, inGrad, outData, outGrad *staging

	needsInputGradient bool
}

// NewConvolutionUnit is a UnitFactory.
func NewConvolutionUnit(input, output *Layer, cfg config.LayerConfig, _ config.SolverConfig,
	driver device.Driver, capacity int) (ExecutionUnit, error) {
	if err := input.validate("input"); err != nil {
		return nil, err
	}
	if err := output.validate("output"); err != nil {
		return nil, err
	}
	if capacity < input.Shape().B {
		return nil, errors.Wrapf(device.ErrConfiguration, "capacity %d below partition size %d", capacity, input.Shape().B)
	}

	in := input.Shape()
	geom := lowering.Geometry{KernelSize: cfg.KernelSize, Stride: cfg.Stride, Padding: cfg.Padding, Input: in}
	if err := geom.Validate(); err != nil {
		return nil, err
	}
	want := device.Shape{R: geom.WindowsRow(), C: geom.WindowsCol(), D: cfg.NumOutput, B: in.B}
	if output.Shape() != want {
		return nil, errors.Wrapf(device.ErrConfiguration, "convolution output %s, expected %s", output.Shape(), want)
	}

	u := &ConvolutionUnit{
		driver:             driver,
		cfg:                cfg,
		input:              input,
		output:             output,
		capacity:           capacity,
		curr:               in.B,
		numWindows:         geom.NumWindows(),
		rows:               cfg.KernelSize * cfg.KernelSize * in.D,
		filters:            cfg.NumOutput,
		connectors:         make(map[int]*lowering.Connector),
		needsInputGradient: true,
	}
	if err := u.alloc(); err != nil {
		u.Close()
		return nil, err
	}
	if _, err := u.connector(in.B); err != nil {
		u.Close()
		return nil, err
	}

	cfg.WeightFiller.Fill(driver, u.ownModel.Buffer(), u.filters)
	if u.ownBias != nil {
		cfg.BiasFiller.Fill(driver, u.ownBias.Buffer(), 1)
	}
	driver.FillConstant(u.ones.Buffer(), 1)

	log.Debug().
		Str("device", driver.Name()).
		Str("input", in.String()).
		Int("capacity", capacity).
		Str("scratch", humanize.Bytes(uint64(4*(u.lowered.Len()+u.product.Len())))).
		Msg("convolution unit created")
	return u, nil
}

func (u *ConvolutionUnit) alloc() error {
	k, in := u.cfg.KernelSize, u.input.Shape()
	cols := u.capacity * u.numWindows
	var err error
	newCube := func(s device.Shape) *device.Cube {
		if err != nil {
			return nil
		}
		var c *device.Cube
		c, err = device.NewCube(u.driver, s)
		return c
	}
	modelShape := device.Shape{R: k, C: k, D: in.D, B: u.filters}
	biasShape := device.Shape{R: 1, C: 1, D: u.filters, B: 1}
	u.ownModel = newCube(modelShape)
	u.modelGrad = newCube(modelShape)
	if u.cfg.BiasTerm {
		u.ownBias = newCube(biasShape)
		u.biasGrad = newCube(biasShape)
	}
	u.lowered = newCube(device.Shape{R: u.rows, C: cols, D: 1, B: 1})
	u.product = newCube(device.Shape{R: u.filters, C: cols, D: 1, B: 1})
	u.ones = newCube(device.Shape{R: 1, C: cols, D: 1, B: 1})
	if err != nil {
		return err
	}
	u.model, u.bias = u.ownModel, u.ownBias

	for _, st := range []struct {
		dst  **staging
		view *device.Cube
	}{
		{&u.inData, u.input.Data},
		{&u.inGrad, u.input.Gradient},
		{&u.outData, u.output.Data},
		{&u.outGrad, u.output.Gradient},
	} {
		if *st.dst, err = newStaging(u.driver, st.view, u.capacity); err != nil {
			return err
		}
	}
	return nil
}

func (u *ConvolutionUnit) connector(n int) (*lowering.Connector, error) {
	if c, ok := u.connectors[n]; ok {
		return c, nil
	}
	in := u.input.Shape()
	in.B = n
	out := device.Shape{R: u.rows, C: n * u.numWindows, D: 1, B: 1}
	c, err := lowering.NewConnector(in, out, u.cfg.KernelSize, u.cfg.Stride, u.cfg.Padding, u.driver)
	if err != nil {
		return nil, err
	}
	u.connectors[n] = c
	return c, nil
}

func (u *ConvolutionUnit) SetBatchSize(n int) {
	checkBatch("convolution", n, u.capacity)
	if _, err := u.connector(n); err != nil {
		device.Invariantf("convolution: no lowering for batch size %d: %v", n, err)
	}
	u.curr = n
}

func (u *ConvolutionUnit) checkViews() {
	for _, c := range []*device.Cube{u.input.Data, u.input.Gradient, u.output.Data, u.output.Gradient} {
		if c.B != u.curr {
			device.Invariantf("convolution: view %s bound to %d items, batch size is %d", c.Shape, c.B, u.curr)
		}
	}
}

func (u *ConvolutionUnit) Forward() error {
	u.checkViews()
	n, cols := u.curr, u.curr*u.numWindows
	in, err := u.inData.load(u.input.Data)
	if err != nil {
		return err
	}
	lowered := u.lowered.Reshaped(device.Shape{R: u.rows, C: cols, D: 1, B: 1})
	conn := u.connectors[n]
	conn.Lower(in, lowered)

	product := u.product.Reshaped(device.Shape{R: u.filters, C: cols, D: 1, B: 1})
	u.driver.Sgemm(false, false, u.filters, cols, u.rows,
		1, u.model.Buffer(), u.rows, lowered.Buffer(), cols, 0, product.Buffer(), cols)
	if u.bias != nil {
		// product += bias * ones^T
		u.driver.Sgemm(false, false, u.filters, cols, 1,
			1, u.bias.Buffer(), 1, u.ones.Buffer().View(0, cols), cols, 1, product.Buffer(), cols)
	}

	// Row j of product holds filter j for every (b, w); the output wants
	// (b, j) blocks of nw windows.
	out := u.outData.target(u.output.Data)
	nw, k := u.numWindows, u.filters
	u.driver.ParallelMap(out.Buffer(), product.Buffer(), nw,
		func(i int) int { return ((i%n)*k + i/n) * nw },
		func(target, block []float32) { copy(target[:len(block)], block) })
	return u.outData.store(out, u.output.Data)
}

func (u *ConvolutionUnit) Backward() error {
	u.checkViews()
	n, cols := u.curr, u.curr*u.numWindows
	grad, err := u.outGrad.load(u.output.Gradient)
	if err != nil {
		return err
	}

	// Gather the output gradient into product as a K x n*nw matrix.
	product := u.product.Reshaped(device.Shape{R: u.filters, C: cols, D: 1, B: 1})
	nw, k := u.numWindows, u.filters
	u.driver.ParallelMap(product.Buffer(), grad.Buffer(), nw,
		func(i int) int { return (i%k)*cols + (i/k)*nw },
		func(target, block []float32) { copy(target[:len(block)], block) })

	lowered := u.lowered.Reshaped(device.Shape{R: u.rows, C: cols, D: 1, B: 1})
	u.driver.Sgemm(false, true, u.filters, u.rows, cols,
		1, product.Buffer(), cols, lowered.Buffer(), cols, 0, u.modelGrad.Buffer(), u.rows)
	if u.biasGrad != nil {
		u.driver.Sgemm(false, false, u.filters, 1, cols,
			1, product.Buffer(), cols, u.ones.Buffer().View(0, cols), 1, 0, u.biasGrad.Buffer(), 1)
	}

	if !u.needsInputGradient {
		return nil
	}
	// lowered is free once the model gradient is taken; reuse it.
	u.driver.Sgemm(true, false, u.rows, cols, u.filters,
		1, u.model.Buffer(), u.rows, product.Buffer(), cols, 0, lowered.Buffer(), cols)
	inGrad := u.inGrad.target(u.input.Gradient)
	u.connectors[n].Unlower(lowered, inGrad)
	return u.inGrad.store(inGrad, u.input.Gradient)
}

func (u *ConvolutionUnit) SetNeedsInputGradient(v bool) { u.needsInputGradient = v }
func (u *ConvolutionUnit) Model() *device.Cube { return u.model }
func (u *ConvolutionUnit) ModelGradient() *device.Cube { return u.modelGrad }
func (u *ConvolutionUnit) HasBias() bool { return u.cfg.BiasTerm }
func (u *ConvolutionUnit) Driver() device.Driver { return u.driver }

func (u *ConvolutionUnit) Bias() *device.Cube {
	if !u.cfg.BiasTerm {
		return nil
	}
	return u.bias
}

func (u *ConvolutionUnit) BiasGradient() *device.Cube {
	if !u.cfg.BiasTerm {
		return nil
	}
	return u.biasGrad
}

// ReceiveReplica shares model and bias when this driver can address them and
// copies them into the unit's own tensors otherwise.
func (u *ConvolutionUnit) ReceiveReplica(model, bias *device.Cube) error {
	if model == nil || model.Shape != u.ownModel.Shape {
		device.Invariantf("convolution: replica model does not match %s", u.ownModel.Shape)
	}
	if u.cfg.BiasTerm && (bias == nil || bias.Shape != u.ownBias.Shape) {
		device.Invariantf("convolution: replica bias does not match %s", u.ownBias.Shape)
	}
	if addressable(u.driver, model) {
		u.model = model
		if u.cfg.BiasTerm {
			u.bias = bias
		}
		return nil
	}
	if err := u.driver.Copy(u.ownModel.Buffer(), model.Buffer()); err != nil {
		return errors.WithMessage(err, "pushing model replica")
	}
	u.model = u.ownModel
	if u.cfg.BiasTerm {
		if err := u.driver.Copy(u.ownBias.Buffer(), bias.Buffer()); err != nil {
			return errors.WithMessage(err, "pushing bias replica")
		}
		u.bias = u.ownBias
	}
	return nil
}

func (u *ConvolutionUnit) Close() {
	for _, c := range []*device.Cube{u.ownModel, u.ownBias, u.modelGrad, u.biasGrad, u.lowered, u.product, u.ones} {
		c.Release()
	}
	for _, s := range []*staging{u.inData, u.inGrad, u.outData, u.outGrad} {
		if s != nil {
			s.release()
		}
	}
	u.model, u.bias = nil, nil
}
