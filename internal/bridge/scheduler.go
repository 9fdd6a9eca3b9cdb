// Package bridge runs one layer over a mini-batch split into partitions,
// each bound to a device through an ExecutionUnit, and merges the
// partitions' gradients into a single host-resident replica.
package bridge

import (
	"context"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/23skdu/longbow-strata/internal/config"
	"github.com/23skdu/longbow-strata/internal/device"
	"github.com/23skdu/longbow-strata/internal/solver"
)

var tracer = otel.Tracer("strata-scheduler")

// Drivers are the devices a scheduler may place partitions on. CPU is
// required and also holds the replica; GPU may be nil.
type Drivers struct {
	CPU device.Driver
	GPU device.Driver
}

// UpdaterFactory builds the updater of one replica tensor.
type UpdaterFactory func(target *device.Cube, cfg config.SolverConfig, lrMult, decayMult float64,
	driver device.Driver) (solver.Updater, error)

func newSGDUpdater(target *device.Cube, cfg config.SolverConfig, lrMult, decayMult float64,
	driver device.Driver) (solver.Updater, error) {
	return solver.NewSGD(target, cfg, lrMult, decayMult, driver)
}

type options struct {
	newUpdater UpdaterFactory
}

// Option configures a Scheduler.
type Option func(*options)

// WithUpdaterFactory replaces the default SGD updater.
func WithUpdaterFactory(f UpdaterFactory) Option {
	return func(o *options) { o.newUpdater = f }
}

type partition struct {
	Partition
	input  *Layer
	output *Layer
	unit   ExecutionUnit
}

// replicaTensor is one trainable tensor of the authoritative replica.
type replicaTensor struct {
	name    string
	value   *device.Cube
	grad    *device.Cube // accumulator
	sub     *device.Cube // host landing zone for device gradients
	last    *device.Cube // last aggregated gradient
	updater solver.Updater
	gradOf  func(ExecutionUnit) *device.Cube
}

func (t *replicaTensor) release() {
	if t == nil {
		return
	}
	if c, ok := t.updater.(interface{ Close() }); ok {
		c.Close()
	}
	t.value.Release()
	t.grad.Release()
	t.sub.Release()
}

// Scheduler splits a mini-batch across partitions, drives their execution
// units and applies one aggregated update per trainable tensor.
type Scheduler struct {
	id       uuid.UUID
	input    *Layer
	output   *Layer
	layerCfg config.LayerConfig
	host     device.Driver

	nBatch     int
	nPartition int
	plan       []Partition
	numCPU     int
	numGPU     int

	parts []*partition
	pool  *executorPool

	model *replicaTensor
	bias  *replicaTensor

	curr               int
	forwardBatch       int
	needsInputGradient bool
}

// NewScheduler builds partitions over input and output, one execution unit
// per partition, and the host replica initialised from the first unit.
// input and output must be host resident; they are borrowed, never freed.
func NewScheduler(input, output *Layer, layerCfg config.LayerConfig, solverCfg config.SolverConfig,
	drivers Drivers, factory UnitFactory, opts ...Option) (*Scheduler, error) {
	o := options{newUpdater: newSGDUpdater}
	for _, opt := range opts {
		opt(&o)
	}
	if err := layerCfg.Validate(); err != nil {
		return nil, err
	}
	if err := solverCfg.Validate(); err != nil {
		return nil, err
	}
	if drivers.CPU == nil || !drivers.CPU.HostAccessible() {
		return nil, errors.Wrap(device.ErrConfiguration, "scheduler needs a host-accessible CPU driver")
	}
	if err := input.validate("input"); err != nil {
		return nil, err
	}
	if err := output.validate("output"); err != nil {
		return nil, err
	}
	for _, c := range []*device.Cube{input.Data, input.Gradient, output.Data, output.Gradient} {
		if !c.Buffer().HostAccessible() {
			return nil, errors.Wrapf(device.ErrConfiguration, "layer cube %s is not host resident", c.Shape)
		}
	}
	nBatch := input.Shape().B
	if output.Shape().B != nBatch {
		return nil, errors.Wrapf(device.ErrConfiguration, "input batch %d, output batch %d", nBatch, output.Shape().B)
	}

	plan, err := PlanPartitions(nBatch, layerCfg.Partitions)
	if err != nil {
		return nil, err
	}
	numGPU := int(float64(len(plan)) * layerCfg.GPUBatchProportion)
	if numGPU > 0 && drivers.GPU == nil {
		return nil, errors.Wrapf(device.ErrUnsupported, "%d of %d partitions requested on GPU but no GPU driver is available",
			numGPU, len(plan))
	}
	if t := layerCfg.ThreadsPerPartition; t > 0 {
		if w, ok := drivers.CPU.(interface{ SetWorkers(int) }); ok {
			w.SetWorkers(t)
		}
	}

	s := &Scheduler{
		id:                 uuid.New(),
		input:              input,
		output:             output,
		layerCfg:           layerCfg,
		host:               drivers.CPU,
		nBatch:             nBatch,
		nPartition:         layerCfg.Partitions,
		plan:               plan,
		numCPU:             len(plan) - numGPU,
		numGPU:             numGPU,
		curr:               nBatch,
		needsInputGradient: true,
	}

	caps := capacities(nBatch, layerCfg.Partitions, len(plan))
	units := make([]ExecutionUnit, 0, len(plan))
	for _, p := range plan {
		d := drivers.CPU
		if p.Index >= s.numCPU {
			d = drivers.GPU
		}
		part := &partition{
			Partition: p,
			input:     input.BatchView(p.Offset, p.Size),
			output:    output.BatchView(p.Offset, p.Size),
		}
		part.unit, err = factory(part.input, part.output, layerCfg, solverCfg, d, caps[p.Index])
		if err != nil {
			s.Close()
			return nil, errors.WithMessagef(err, "partition %d on %s", p.Index, d.Name())
		}
		s.parts = append(s.parts, part)
		units = append(units, part.unit)
	}
	s.pool = newExecutorPool(units)

	if err := s.initReplica(solverCfg, o.newUpdater); err != nil {
		s.Close()
		return nil, err
	}

	sizes := make([]int, len(plan))
	for i, p := range plan {
		sizes[i] = p.Size
	}
	ev := log.Debug().
		Str("scheduler", s.id.String()).
		Int("batch", nBatch).
		Ints("partition_sizes", sizes).
		Ints("capacities", caps).
		Int("cpu_partitions", s.numCPU).
		Int("gpu_partitions", s.numGPU)
	if s.model != nil {
		ev = ev.Str("replica", humanize.Bytes(uint64(4*s.model.value.Len())))
	}
	ev.Msg("scheduler created")
	return s, nil
}

func (s *Scheduler) initReplica(cfg config.SolverConfig, newUpdater UpdaterFactory) error {
	first := s.parts[0].unit
	var err error
	if m := first.Model(); m != nil {
		s.model, err = s.newReplicaTensor("model", m, cfg, 0, newUpdater, ExecutionUnit.ModelGradient)
		if err != nil {
			return err
		}
	}
	if b := first.Bias(); first.HasBias() && b != nil {
		s.bias, err = s.newReplicaTensor("bias", b, cfg, 1, newUpdater, ExecutionUnit.BiasGradient)
		if err != nil {
			return err
		}
	}
	return nil
}

func (s *Scheduler) newReplicaTensor(name string, example *device.Cube, cfg config.SolverConfig, idx int,
	newUpdater UpdaterFactory, gradOf func(ExecutionUnit) *device.Cube) (*replicaTensor, error) {
	t := &replicaTensor{name: name, gradOf: gradOf}
	var err error
	if t.value, err = device.NewCube(s.host, example.Shape); err != nil {
		return nil, err
	}
	if t.grad, err = device.NewCube(s.host, example.Shape); err != nil {
		t.release()
		return nil, err
	}
	if t.sub, err = device.NewCube(s.host, example.Shape); err != nil {
		t.release()
		return nil, err
	}
	if err = example.Driver().Copy(t.value.Buffer(), example.Buffer()); err != nil {
		t.release()
		return nil, errors.WithMessagef(err, "initialising %s replica", name)
	}
	t.updater, err = newUpdater(t.value, cfg, s.layerCfg.LRMultiplier(idx), s.layerCfg.DecayMultiplier(idx), s.host)
	if err != nil {
		t.release()
		return nil, errors.WithMessagef(err, "%s updater", name)
	}
	return t, nil
}

// activePlan re-derives the partitions for the current batch size.
// planActive keeps the count within the provisioned partitions.
func (s *Scheduler) activePlan() []Partition {
	if s.curr < 1 || s.curr > s.nBatch {
		device.Invariantf("scheduler %s: batch size %d exceeds provisioned %d", s.id, s.curr, s.nBatch)
	}
	return planActive(s.curr, s.nPartition, len(s.parts))
}

func (s *Scheduler) startSpan(name string, active []Partition) trace.Span {
	_, span := tracer.Start(context.Background(), name)
	span.SetAttributes(
		attribute.String("scheduler.id", s.id.String()),
		attribute.Int("batch_size", s.curr),
		attribute.Int("active_partitions", len(active)),
		attribute.Int("cpu_partitions", min(len(active), s.numCPU)),
	)
	return span
}

// Forward binds every active partition to its slice of the batch, pushes
// the replica and runs the partitions.
func (s *Scheduler) Forward() error {
	start := time.Now()
	active := s.activePlan()
	span := s.startSpan("Scheduler.Forward", active)
	defer span.End()

	for _, p := range active {
		part := s.parts[p.Index]
		part.Partition = p
		part.input.Rebind(s.input, p.Offset, p.Size)
		part.output.Rebind(s.output, p.Offset, p.Size)
		if s.model != nil {
			var bias *device.Cube
			if s.bias != nil {
				bias = s.bias.value
			}
			if err := part.unit.ReceiveReplica(s.model.value, bias); err != nil {
				span.RecordError(err)
				return errors.WithMessagef(err, "partition %d", p.Index)
			}
		}
		part.unit.SetBatchSize(p.Size)
	}

	s.pool.setBound(len(active))
	if err := s.pool.forward(); err != nil {
		span.RecordError(err)
		return err
	}
	s.forwardBatch = s.curr
	activePartitions.Set(float64(len(active)))
	phaseDuration.WithLabelValues("forward").Observe(time.Since(start).Seconds())
	return nil
}

// Backward runs the partitions' backward phase, sums their gradients and
// applies one update per trainable tensor.
func (s *Scheduler) Backward() error {
	start := time.Now()
	active := s.activePlan()
	if s.forwardBatch != s.curr {
		device.Invariantf("scheduler %s: backward at batch size %d after forward at %d", s.id, s.curr, s.forwardBatch)
	}
	span := s.startSpan("Scheduler.Backward", active)
	defer span.End()

	for _, p := range s.parts {
		p.unit.SetNeedsInputGradient(s.needsInputGradient)
	}
	s.pool.setBound(len(active))
	if err := s.pool.backward(); err != nil {
		span.RecordError(err)
		return err
	}

	aggStart := time.Now()
	for _, t := range []*replicaTensor{s.model, s.bias} {
		if t == nil {
			continue
		}
		g, err := s.aggregate(t, len(active))
		if err != nil {
			span.RecordError(err)
			return err
		}
		t.last = g
		if err := t.updater.Update(g); err != nil {
			span.RecordError(err)
			return errors.WithMessagef(err, "updating %s", t.name)
		}
	}
	aggregationDuration.Observe(time.Since(aggStart).Seconds())
	phaseDuration.WithLabelValues("backward").Observe(time.Since(start).Seconds())
	return nil
}

// aggregate sums t's gradient over the first n partitions on the host.
func (s *Scheduler) aggregate(t *replicaTensor, n int) (*device.Cube, error) {
	gradient := func(i int) (*device.Cube, error) {
		g := t.gradOf(s.parts[i].unit)
		if g == nil || g.Len() != t.grad.Len() {
			device.Invariantf("scheduler %s: partition %d has no %s gradient matching %s", s.id, i, t.name, t.grad.Shape)
		}
		if g.Buffer().HostAccessible() {
			return g, nil
		}
		if err := g.Driver().Copy(t.sub.Buffer(), g.Buffer()); err != nil {
			return nil, errors.WithMessagef(err, "partition %d %s gradient", i, t.name)
		}
		return t.sub, nil
	}

	if n == 1 {
		return gradient(0)
	}
	s.host.Zero(t.grad.Buffer())
	for i := 0; i < n; i++ {
		g, err := gradient(i)
		if err != nil {
			return nil, err
		}
		s.host.Saxpy(1, g.Buffer(), t.grad.Buffer())
	}
	return t.grad, nil
}

// SetBatchSize sets the number of items the next Forward/Backward process.
// It is validated at call time.
func (s *Scheduler) SetBatchSize(n int) {
	s.curr = n
}

// SetNeedsInputGradient controls whether Backward computes the input
// gradient. The input-most layer of a network skips it.
func (s *Scheduler) SetNeedsInputGradient(v bool) {
	s.needsInputGradient = v
}

// Model returns the replica model, nil for layers without parameters.
func (s *Scheduler) Model() *device.Cube {
	if s.model == nil {
		return nil
	}
	return s.model.value
}

// Bias returns the replica bias, nil without a bias term.
func (s *Scheduler) Bias() *device.Cube {
	if s.bias == nil {
		return nil
	}
	return s.bias.value
}

// ModelGradient returns the last aggregated model gradient.
func (s *Scheduler) ModelGradient() *device.Cube {
	if s.model == nil {
		return nil
	}
	return s.model.last
}

// BiasGradient returns the last aggregated bias gradient.
func (s *Scheduler) BiasGradient() *device.Cube {
	if s.bias == nil {
		return nil
	}
	return s.bias.last
}

// Partitions returns the plan provisioned at construction.
func (s *Scheduler) Partitions() []Partition {
	return append([]Partition(nil), s.plan...)
}

// Assignment returns how many provisioned partitions run on each device.
func (s *Scheduler) Assignment() (cpu, gpu int) {
	return s.numCPU, s.numGPU
}

// ID identifies the scheduler in logs and traces.
func (s *Scheduler) ID() uuid.UUID {
	return s.id
}

// Close releases every unit and the replica. The layers passed to
// NewScheduler are left untouched.
func (s *Scheduler) Close() {
	for _, p := range s.parts {
		p.unit.Close()
	}
	s.parts = nil
	s.model.release()
	s.bias.release()
	s.model, s.bias = nil, nil
}
