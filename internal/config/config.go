// Package config holds the read-only layer and solver parameters consumed by
// the scheduler and its execution units.
package config

import (
	"os"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"

	"github.com/23skdu/longbow-strata/internal/device"
)

// Filler types.
const (
	FillerXavier    = "xavier"
	FillerGaussian  = "gaussian"
	FillerUniform   = "uniform"
	FillerConstant  = "constant"
	FillerBernoulli = "bernoulli"
)

// FillerConfig selects how a trainable tensor is initialised.
type FillerConfig struct {
	Type  string  `yaml:"type"`
	Value float32 `yaml:"value"`
	Min   float32 `yaml:"min"`
	Max   float32 `yaml:"max"`
	Mean  float32 `yaml:"mean"`
	Std   float32 `yaml:"std"`
	P     float32 `yaml:"p"`
}

// LayerConfig describes one convolution-like layer and how to parallelise it.
type LayerConfig struct {
	KernelSize int  `yaml:"kernel"`
	Stride     int  `yaml:"stride"`
	Padding    int  `yaml:"padding"`
	NumOutput  int  `yaml:"num_output"`
	BiasTerm   bool `yaml:"bias_term"`

	// GPUBatchProportion is the fraction (0..1) of partitions placed on the GPU driver.
	GPUBatchProportion float64 `yaml:"gpu_batch_proportion"`

	// LRMultipliers and DecayMultipliers hold [model, bias] factors. Missing
	// entries default to 1.
	LRMultipliers    []float64 `yaml:"lr_multipliers"`
	DecayMultipliers []float64 `yaml:"decay_multipliers"`

	WeightFiller FillerConfig `yaml:"weight_filler"`
	BiasFiller   FillerConfig `yaml:"bias_filler"`

	Partitions          int `yaml:"partitions"`
	ThreadsPerPartition int `yaml:"threads_per_partition"`
}

// SolverConfig carries the update-rule hyper-parameters.
type SolverConfig struct {
	BaseLR      float64 `yaml:"base_lr"`
	Momentum    float64 `yaml:"momentum"`
	WeightDecay float64 `yaml:"weight_decay"`
}

// Config is the on-disk document.
type Config struct {
	Layer  LayerConfig  `yaml:"layer"`
	Solver SolverConfig `yaml:"solver"`
}

// DefaultLayer returns a 3x3 stride-1 convolution with bias on one partition.
func DefaultLayer() LayerConfig {
	return LayerConfig{
		KernelSize:          3,
		Stride:              1,
		NumOutput:           1,
		BiasTerm:            true,
		WeightFiller:        FillerConfig{Type: FillerXavier},
		BiasFiller:          FillerConfig{Type: FillerConstant},
		Partitions:          1,
		ThreadsPerPartition: 1,
	}
}

// DefaultSolver returns plain SGD with lr 0.01.
func DefaultSolver() SolverConfig {
	return SolverConfig{BaseLR: 0.01}
}

// Default returns a config with every default applied.
func Default() Config {
	return Config{Layer: DefaultLayer(), Solver: DefaultSolver()}
}

// Load reads a YAML file on top of Default and validates the result.
func Load(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, errors.Wrapf(err, "reading config %q", path)
	}
	return Parse(data)
}

// Parse decodes YAML on top of Default and validates the result.
func Parse(data []byte) (Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, errors.Wrapf(device.ErrConfiguration, "parsing config: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks both sections.
func (c Config) Validate() error {
	if err := c.Layer.Validate(); err != nil {
		return err
	}
	return c.Solver.Validate()
}

// Validate rejects parameters no layer can run with. Geometry against a
// concrete input shape is checked later by the lowering connector.
func (l LayerConfig) Validate() error {
	switch {
	case l.KernelSize < 1:
		return errors.Wrapf(device.ErrConfiguration, "layer: kernel %d < 1", l.KernelSize)
	case l.Stride < 1:
		return errors.Wrapf(device.ErrConfiguration, "layer: stride %d < 1", l.Stride)
	case l.Padding < 0:
		return errors.Wrapf(device.ErrConfiguration, "layer: padding %d < 0", l.Padding)
	case l.NumOutput < 1:
		return errors.Wrapf(device.ErrConfiguration, "layer: num_output %d < 1", l.NumOutput)
	case l.GPUBatchProportion < 0 || l.GPUBatchProportion > 1:
		return errors.Wrapf(device.ErrConfiguration, "layer: gpu_batch_proportion %g outside [0, 1]", l.GPUBatchProportion)
	case l.Partitions < 1:
		return errors.Wrapf(device.ErrConfiguration, "layer: partitions %d < 1", l.Partitions)
	case l.ThreadsPerPartition < 0:
		return errors.Wrapf(device.ErrConfiguration, "layer: threads_per_partition %d < 0", l.ThreadsPerPartition)
	case len(l.LRMultipliers) > 2 || len(l.DecayMultipliers) > 2:
		return errors.Wrapf(device.ErrConfiguration, "layer: at most two multipliers (model, bias) are accepted")
	}
	for _, f := range []FillerConfig{l.WeightFiller, l.BiasFiller} {
		if err := f.Validate(); err != nil {
			return err
		}
	}
	return nil
}

// LRMultiplier returns the learning-rate factor of tensor i (0 model, 1 bias).
func (l LayerConfig) LRMultiplier(i int) float64 {
	return multiplier(l.LRMultipliers, i)
}

// DecayMultiplier returns the weight-decay factor of tensor i (0 model, 1 bias).
func (l LayerConfig) DecayMultiplier(i int) float64 {
	return multiplier(l.DecayMultipliers, i)
}

func multiplier(m []float64, i int) float64 {
	if i < len(m) {
		return m[i]
	}
	return 1
}

// Validate checks the filler type and its parameters.
func (f FillerConfig) Validate() error {
	switch f.Type {
	case FillerXavier, FillerConstant, "":
	case FillerGaussian:
		if f.Std < 0 {
			return errors.Wrapf(device.ErrConfiguration, "filler: gaussian std %g < 0", f.Std)
		}
	case FillerUniform:
		if f.Min > f.Max {
			return errors.Wrapf(device.ErrConfiguration, "filler: uniform min %g > max %g", f.Min, f.Max)
		}
	case FillerBernoulli:
		if f.P < 0 || f.P > 1 {
			return errors.Wrapf(device.ErrConfiguration, "filler: bernoulli p %g outside [0, 1]", f.P)
		}
	default:
		return errors.Wrapf(device.ErrConfiguration, "filler: unknown type %q", f.Type)
	}
	return nil
}

// Fill initialises b on d. nBatch is the leading dimension used by xavier
// to derive fan-in.
func (f FillerConfig) Fill(d device.Driver, b *device.Buffer, nBatch int) {
	switch f.Type {
	case FillerXavier:
		d.FillXavier(b, nBatch)
	case FillerGaussian:
		d.FillGaussian(b, f.Mean, f.Std)
	case FillerUniform:
		d.FillUniform(b, f.Min, f.Max)
	case FillerBernoulli:
		d.FillBernoulli(b, f.P)
	default:
		d.FillConstant(b, f.Value)
	}
}

// Validate checks the solver hyper-parameters.
func (s SolverConfig) Validate() error {
	switch {
	case s.BaseLR < 0:
		return errors.Wrapf(device.ErrConfiguration, "solver: base_lr %g < 0", s.BaseLR)
	case s.Momentum < 0 || s.Momentum >= 1:
		return errors.Wrapf(device.ErrConfiguration, "solver: momentum %g outside [0, 1)", s.Momentum)
	case s.WeightDecay < 0:
		return errors.Wrapf(device.ErrConfiguration, "solver: weight_decay %g < 0", s.WeightDecay)
	}
	return nil
}
