package main

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/23skdu/longbow-strata/internal/device"
)

func smallBench() benchOptions {
	return benchOptions{
		layer:       layerConv,
		batch:       6,
		rows:        6,
		cols:        6,
		depth:       2,
		gpuFraction: -1,
		iterations:  3,
		seed:        1,
	}
}

func TestResolveConfig_Overrides(t *testing.T) {
	path := filepath.Join(t.TempDir(), "strata.yaml")
	require.NoError(t, os.WriteFile(path, []byte("layer:\n  partitions: 2\n  num_output: 4\nsolver:\n  base_lr: 0.1\n"), 0o600))

	o := smallBench()
	o.configPath = path
	cfg, err := o.resolveConfig()
	require.NoError(t, err)
	assert.Equal(t, 2, cfg.Layer.Partitions)
	assert.Equal(t, 4, cfg.Layer.NumOutput)
	assert.Equal(t, 0.1, cfg.Solver.BaseLR)
	assert.Equal(t, 0.0, cfg.Layer.GPUBatchProportion)

	o.partitions = 3
	o.gpuFraction = 0.5
	o.workers = 2
	cfg, err = o.resolveConfig()
	require.NoError(t, err)
	assert.Equal(t, 3, cfg.Layer.Partitions)
	assert.Equal(t, 0.5, cfg.Layer.GPUBatchProportion)
	assert.Equal(t, 2, cfg.Layer.ThreadsPerPartition)
}

func TestResolveConfig_Rejects(t *testing.T) {
	for name, mutate := range map[string]func(*benchOptions){
		"layer":      func(o *benchOptions) { o.layer = "pool" },
		"batch":      func(o *benchOptions) { o.batch = 0 },
		"iterations": func(o *benchOptions) { o.iterations = 0 },
		"missing":    func(o *benchOptions) { o.configPath = filepath.Join(t.TempDir(), "absent.yaml") },
	} {
		t.Run(name, func(t *testing.T) {
			o := smallBench()
			mutate(&o)
			_, err := o.resolveConfig()
			require.Error(t, err)
		})
	}
}

func TestRunBench(t *testing.T) {
	for _, tc := range []struct {
		name       string
		layer      string
		partitions int
		gpu        string
		fraction   float64
		vary       bool
		wantGPU    int
	}{
		{name: "conv cpu", layer: layerConv, partitions: 2},
		{name: "conv mixed", layer: layerConv, partitions: 2, gpu: device.GPUKindEmulated, fraction: 0.5, wantGPU: 1},
		{name: "conv varying batch", layer: layerConv, partitions: 3, vary: true},
		{name: "relu gpu", layer: layerReLU, partitions: 2, gpu: device.GPUKindEmulated, fraction: 1, wantGPU: 2},
	} {
		t.Run(tc.name, func(t *testing.T) {
			o := smallBench()
			o.layer = tc.layer
			o.partitions = tc.partitions
			o.gpuKind = tc.gpu
			o.gpuFraction = tc.fraction
			o.varyBatch = tc.vary

			sum, err := runBench(o)
			require.NoError(t, err)
			assert.Equal(t, 3, sum.iterations)
			assert.Equal(t, tc.partitions-tc.wantGPU, sum.cpuPartitions)
			assert.Equal(t, tc.wantGPU, sum.gpuPartitions)
			if tc.vary {
				assert.Equal(t, 6+3+6, sum.items)
			} else {
				assert.Equal(t, 18, sum.items)
			}
		})
	}
}

func TestRunBench_Errors(t *testing.T) {
	o := smallBench()
	o.gpuKind = device.GPUKindCUDA
	_, err := runBench(o)
	require.True(t, errors.Is(err, device.ErrUnsupported))

	// GPU partitions requested with no GPU driver
	o = smallBench()
	o.partitions = 2
	o.gpuFraction = 1
	_, err = runBench(o)
	require.True(t, errors.Is(err, device.ErrConfiguration))

	// kernel larger than the padded input
	o = smallBench()
	o.rows = 2
	_, err = runBench(o)
	require.True(t, errors.Is(err, device.ErrConfiguration))
}

func TestRunBench_PartitioningKeepsFingerprint(t *testing.T) {
	o := smallBench()
	o.partitions = 1
	want, err := runBench(o)
	require.NoError(t, err)
	require.Positive(t, want.gradNorm)

	o.partitions = 3
	got, err := runBench(o)
	require.NoError(t, err)
	assert.InDelta(t, want.outputSum, got.outputSum, 1e-3)
	assert.InEpsilon(t, want.gradNorm, got.gradNorm, 1e-4)

	o = smallBench()
	o.layer = layerReLU
	relu, err := runBench(o)
	require.NoError(t, err)
	assert.Zero(t, relu.gradNorm)
}
