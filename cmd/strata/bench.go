package main

import (
	"math"
	"os"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/gomlx/exceptions"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"github.com/schollz/progressbar/v3"

	"github.com/23skdu/longbow-strata/internal/bridge"
	"github.com/23skdu/longbow-strata/internal/config"
	"github.com/23skdu/longbow-strata/internal/device"
	"github.com/23skdu/longbow-strata/internal/lowering"
	"github.com/23skdu/longbow-strata/internal/simd"
)

const (
	layerConv = "conv"
	layerReLU = "relu"
)

type benchOptions struct {
	configPath  string
	layer       string
	batch       int
	rows        int
	cols        int
	depth       int
	partitions  int
	gpuKind     string
	gpuFraction float64
	iterations  int
	varyBatch   bool
	workers     int
	seed        int64
	progress    bool
}

type summary struct {
	iterations    int
	items         int
	cpuPartitions int
	gpuPartitions int
	elapsed       time.Duration

	// outputSum and gradNorm fingerprint the last iteration; they do not
	// depend on the partitioning.
	outputSum float32
	gradNorm  float64
}

// resolveConfig loads the YAML config, if any, and applies flag overrides.
func (o benchOptions) resolveConfig() (config.Config, error) {
	cfg := config.Default()
	if o.configPath != "" {
		var err error
		if cfg, err = config.Load(o.configPath); err != nil {
			return config.Config{}, err
		}
	}
	if o.partitions > 0 {
		cfg.Layer.Partitions = o.partitions
	}
	if o.gpuFraction >= 0 {
		cfg.Layer.GPUBatchProportion = o.gpuFraction
	}
	if o.workers > 0 {
		cfg.Layer.ThreadsPerPartition = o.workers
	}
	if err := cfg.Validate(); err != nil {
		return config.Config{}, err
	}
	switch {
	case o.layer != layerConv && o.layer != layerReLU:
		return config.Config{}, errors.Wrapf(device.ErrConfiguration, "unknown layer %q", o.layer)
	case o.batch < 1 || o.rows < 1 || o.cols < 1 || o.depth < 1:
		return config.Config{}, errors.Wrapf(device.ErrConfiguration, "input %dx%dx%d batch %d must be positive",
			o.rows, o.cols, o.depth, o.batch)
	case o.iterations < 1:
		return config.Config{}, errors.Wrapf(device.ErrConfiguration, "iterations %d < 1", o.iterations)
	}
	return cfg, nil
}

// shapes returns the layer's input and output shapes and its unit factory.
func (o benchOptions) shapes(cfg config.LayerConfig) (in, out device.Shape, factory bridge.UnitFactory, err error) {
	in = device.Shape{R: o.rows, C: o.cols, D: o.depth, B: o.batch}
	if o.layer == layerReLU {
		return in, in, bridge.NewReLUUnit, nil
	}
	g := lowering.Geometry{KernelSize: cfg.KernelSize, Stride: cfg.Stride, Padding: cfg.Padding, Input: in}
	if err = g.Validate(); err != nil {
		return in, out, nil, err
	}
	out = device.Shape{R: g.WindowsRow(), C: g.WindowsCol(), D: cfg.NumOutput, B: o.batch}
	return in, out, bridge.NewConvolutionUnit, nil
}

// runBench drives one scheduler through forward/backward iterations over
// synthetic data.
func runBench(o benchOptions) (summary, error) {
	cfg, err := o.resolveConfig()
	if err != nil {
		return summary{}, err
	}
	in, out, factory, err := o.shapes(cfg.Layer)
	if err != nil {
		return summary{}, err
	}

	host := device.NewCPUDriver(device.WithSeed(o.seed))
	drivers := bridge.Drivers{CPU: host}
	if o.gpuKind != "" {
		if drivers.GPU, err = device.NewGPUDriver(o.gpuKind, device.WithSeed(o.seed+1)); err != nil {
			return summary{}, err
		}
	}

	input, err := bridge.NewLayer(host, in)
	if err != nil {
		return summary{}, err
	}
	defer input.Release()
	output, err := bridge.NewLayer(host, out)
	if err != nil {
		return summary{}, err
	}
	defer output.Release()
	host.FillUniform(input.Data.Buffer(), -1, 1)
	host.FillUniform(output.Gradient.Buffer(), -1, 1)

	s, err := bridge.NewScheduler(input, output, cfg.Layer, cfg.Solver, drivers, factory)
	if err != nil {
		return summary{}, err
	}
	defer s.Close()

	sum := summary{}
	sum.cpuPartitions, sum.gpuPartitions = s.Assignment()
	log.Info().
		Str("scheduler", s.ID().String()).
		Str("input", in.String()).
		Str("output", out.String()).
		Str("activations", humanize.Bytes(uint64(4*(in.Len()+out.Len())))).
		Int("partitions", len(s.Partitions())).
		Int("gpu_partitions", sum.gpuPartitions).
		Msg("Starting benchmark")

	var bar *progressbar.ProgressBar
	if o.progress {
		bar = progressbar.NewOptions(o.iterations,
			progressbar.OptionSetDescription("forward/backward"),
			progressbar.OptionShowIts(),
			progressbar.OptionSetItsString("iters"),
			progressbar.OptionSetTheme(progressbar.ThemeASCII),
			progressbar.OptionSetWriter(os.Stderr),
			progressbar.OptionClearOnFinish(),
		)
	}

	start := time.Now()
	var loopErr error
	caught := exceptions.TryCatch[error](func() {
		for i := 0; i < o.iterations; i++ {
			n := o.batch
			if o.varyBatch && i%2 == 1 {
				n = max(1, o.batch/2)
			}
			s.SetBatchSize(n)
			if loopErr = s.Forward(); loopErr != nil {
				return
			}
			if loopErr = s.Backward(); loopErr != nil {
				return
			}
			sum.iterations++
			sum.items += n
			if bar != nil {
				_ = bar.Add(1)
			}
		}
	})
	sum.elapsed = time.Since(start)
	if caught != nil {
		return sum, errors.WithMessage(caught, "scheduler aborted")
	}
	if loopErr != nil {
		return sum, errors.WithMessagef(loopErr, "iteration %d", sum.iterations)
	}
	last := o.batch
	if o.varyBatch && o.iterations%2 == 0 {
		last = max(1, o.batch/2)
	}
	sum.outputSum = simd.Sum(output.Data.Host()[:last*out.BatchStride()])
	if g := s.ModelGradient(); g != nil {
		sum.gradNorm = math.Sqrt(float64(simd.DotProduct(g.Host(), g.Host())))
	}
	return sum, nil
}
