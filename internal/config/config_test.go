package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/janpfeifer/must"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/23skdu/longbow-strata/internal/device"
)

func TestParse_Defaults(t *testing.T) {
	cfg := must.M1(Parse([]byte("layer:\n  partitions: 4\n")))
	assert.Equal(t, 4, cfg.Layer.Partitions)
	assert.Equal(t, 3, cfg.Layer.KernelSize)
	assert.Equal(t, 1, cfg.Layer.Stride)
	assert.True(t, cfg.Layer.BiasTerm)
	assert.Equal(t, FillerXavier, cfg.Layer.WeightFiller.Type)
	assert.Equal(t, 0.01, cfg.Solver.BaseLR)
}

func TestLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "layer.yaml")
	doc := `
layer:
  kernel: 5
  stride: 2
  padding: 1
  num_output: 8
  bias_term: false
  gpu_batch_proportion: 0.5
  lr_multipliers: [1, 2]
  decay_multipliers: [1]
  weight_filler:
    type: gaussian
    std: 0.01
  partitions: 3
  threads_per_partition: 2
solver:
  base_lr: 0.1
  momentum: 0.9
  weight_decay: 0.0005
`
	require.NoError(t, os.WriteFile(path, []byte(doc), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 5, cfg.Layer.KernelSize)
	assert.Equal(t, 2, cfg.Layer.Stride)
	assert.Equal(t, 1, cfg.Layer.Padding)
	assert.Equal(t, 8, cfg.Layer.NumOutput)
	assert.False(t, cfg.Layer.BiasTerm)
	assert.Equal(t, 0.5, cfg.Layer.GPUBatchProportion)
	assert.Equal(t, FillerGaussian, cfg.Layer.WeightFiller.Type)
	assert.Equal(t, float32(0.01), cfg.Layer.WeightFiller.Std)
	assert.Equal(t, 0.9, cfg.Solver.Momentum)

	assert.Equal(t, 1.0, cfg.Layer.LRMultiplier(0))
	assert.Equal(t, 2.0, cfg.Layer.LRMultiplier(1))
	assert.Equal(t, 1.0, cfg.Layer.DecayMultiplier(1), "missing entries default to 1")

	_, err = Load(filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)
}

func TestValidate_Rejects(t *testing.T) {
	cases := map[string]string{
		"stride":      "layer: {stride: 0}",
		"padding":     "layer: {padding: -1}",
		"kernel":      "layer: {kernel: 0}",
		"proportion":  "layer: {gpu_batch_proportion: 1.5}",
		"partitions":  "layer: {partitions: 0}",
		"filler":      "layer: {weight_filler: {type: orthogonal}}",
		"bernoulli":   "layer: {bias_filler: {type: bernoulli, p: 2}}",
		"multipliers": "layer: {lr_multipliers: [1, 1, 1]}",
		"momentum":    "solver: {momentum: 1}",
		"lr":          "solver: {base_lr: -1}",
		"syntax":      "layer: [",
	}
	for name, doc := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := Parse([]byte(doc))
			require.Error(t, err)
			require.True(t, errors.Is(err, device.ErrConfiguration), err.Error())
		})
	}
}

func TestFillerConfig_Fill(t *testing.T) {
	d := device.NewCPUDriver()
	b := must.M1(d.Alloc(16))

	FillerConfig{Type: FillerConstant, Value: 0.5}.Fill(d, b, 1)
	for _, v := range b.Host() {
		require.Equal(t, float32(0.5), v)
	}

	FillerConfig{Type: FillerUniform, Min: 2, Max: 3}.Fill(d, b, 1)
	for _, v := range b.Host() {
		require.True(t, v >= 2 && v <= 3)
	}

	FillerConfig{Type: FillerXavier}.Fill(d, b, 4)
	for _, v := range b.Host() {
		require.LessOrEqual(t, v*v, float32(0.75)+1e-6)
	}
}
