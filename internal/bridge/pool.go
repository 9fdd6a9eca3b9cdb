package bridge

import (
	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"

	"github.com/23skdu/longbow-strata/internal/device"
)

// executorPool runs the first bound units of a fixed set concurrently and
// waits for all of them.
type executorPool struct {
	units []ExecutionUnit
	bound int
}

func newExecutorPool(units []ExecutionUnit) *executorPool {
	return &executorPool{units: units, bound: len(units)}
}

func (p *executorPool) setBound(n int) {
	if n < 1 || n > len(p.units) {
		device.Invariantf("executor bound %d outside [1, %d]", n, len(p.units))
	}
	p.bound = n
}

func (p *executorPool) forward() error {
	return p.run("forward", ExecutionUnit.Forward)
}

func (p *executorPool) backward() error {
	return p.run("backward", ExecutionUnit.Backward)
}

func (p *executorPool) run(phase string, fn func(ExecutionUnit) error) error {
	if p.bound == 1 {
		return errors.WithMessagef(fn(p.units[0]), "partition 0 %s", phase)
	}
	var g errgroup.Group
	g.SetLimit(p.bound)
	for i, u := range p.units[:p.bound] {
		g.Go(func() error {
			return errors.WithMessagef(fn(u), "partition %d %s", i, phase)
		})
	}
	return g.Wait()
}
