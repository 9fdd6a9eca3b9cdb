package solver

import (
	"testing"

	"github.com/janpfeifer/must"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/23skdu/longbow-strata/internal/config"
	"github.com/23skdu/longbow-strata/internal/device"
)

func cubeOf(t *testing.T, d device.Driver, vals ...float32) *device.Cube {
	t.Helper()
	c := must.M1(device.NewCube(d, device.Shape{R: 1, C: len(vals), D: 1, B: 1}))
	require.NoError(t, d.CopyFromHost(c.Buffer(), vals))
	return c
}

func TestSGD_PlainStep(t *testing.T) {
	d := device.NewCPUDriver()
	w := cubeOf(t, d, 2, -1)
	sgd := must.M1(NewSGD(w, config.SolverConfig{BaseLR: 0.1}, 1, 1, d))
	defer sgd.Close()

	require.NoError(t, sgd.Update(cubeOf(t, d, 1, -2)))
	assert.InDeltaSlice(t, []float32{1.9, -0.8}, w.Host(), 1e-6)
}

func TestSGD_MomentumAndDecay(t *testing.T) {
	d := device.NewCPUDriver()
	w := cubeOf(t, d, 1)
	cfg := config.SolverConfig{BaseLR: 0.1, Momentum: 0.9, WeightDecay: 0.5}
	// lr = 0.1*2, decay = 0.5*0.5
	sgd := must.M1(NewSGD(w, cfg, 2, 0.5, d))
	g := cubeOf(t, d, 1)

	// v1 = 0.2*(1 + 0.25*1) = 0.25, w = 0.75
	require.NoError(t, sgd.Update(g))
	assert.InDelta(t, 0.75, w.Host()[0], 1e-6)

	// v2 = 0.9*0.25 + 0.2*(1 + 0.25*0.75) = 0.4625, w = 0.2875
	require.NoError(t, sgd.Update(g))
	assert.InDelta(t, 0.2875, w.Host()[0], 1e-6)
}

func TestSGD_DeviceGradient(t *testing.T) {
	cpu := device.NewCPUDriver()
	gpu := device.NewEmulatedGPUDriver()
	w := cubeOf(t, cpu, 1, 1)
	sgd := must.M1(NewSGD(w, config.SolverConfig{BaseLR: 1}, 1, 1, cpu))

	// A gradient resident on another device is not addressable by the host updater.
	err := sgd.Update(cubeOf(t, gpu, 1, 1))
	require.True(t, errors.Is(err, device.ErrDeviceOperation))

	err = sgd.Update(cubeOf(t, cpu, 1))
	require.True(t, errors.Is(err, device.ErrDeviceOperation))
	assert.Equal(t, []float32{1, 1}, w.Host())
}

func TestNewSGD_Rejects(t *testing.T) {
	d := device.NewCPUDriver()
	_, err := NewSGD(nil, config.DefaultSolver(), 1, 1, d)
	require.True(t, errors.Is(err, device.ErrConfiguration))

	_, err = NewSGD(cubeOf(t, d, 1), config.SolverConfig{BaseLR: 0.1, Momentum: 2}, 1, 1, d)
	require.True(t, errors.Is(err, device.ErrConfiguration))
}
