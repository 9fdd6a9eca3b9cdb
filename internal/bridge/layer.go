package bridge

import (
	"github.com/pkg/errors"

	"github.com/23skdu/longbow-strata/internal/device"
)

// Layer pairs an activation cube with its gradient. Both share one shape.
type Layer struct {
	Data     *device.Cube
	Gradient *device.Cube
}

// NewLayer allocates an owned, zeroed layer on d.
func NewLayer(d device.Driver, s device.Shape) (*Layer, error) {
	data, err := device.NewCube(d, s)
	if err != nil {
		return nil, err
	}
	grad, err := device.NewCube(d, s)
	if err != nil {
		data.Release()
		return nil, err
	}
	return &Layer{Data: data, Gradient: grad}, nil
}

// Shape returns the data shape.
func (l *Layer) Shape() device.Shape {
	return l.Data.Shape
}

// BatchView returns a layer of views over batch items [b, b+n).
func (l *Layer) BatchView(b, n int) *Layer {
	return &Layer{Data: l.Data.BatchView(b, n), Gradient: l.Gradient.BatchView(b, n)}
}

// Rebind re-points both views at batch items [b, b+n) of parent.
func (l *Layer) Rebind(parent *Layer, b, n int) {
	l.Data.Rebind(parent.Data, b, n)
	l.Gradient.Rebind(parent.Gradient, b, n)
}

// Release frees owned storage. Views are left untouched.
func (l *Layer) Release() {
	if l == nil {
		return
	}
	l.Data.Release()
	l.Gradient.Release()
}

func (l *Layer) validate(name string) error {
	if l == nil || l.Data == nil || l.Gradient == nil {
		return errors.Wrapf(device.ErrConfiguration, "%s layer needs data and gradient cubes", name)
	}
	if l.Data.Shape != l.Gradient.Shape {
		return errors.Wrapf(device.ErrConfiguration, "%s layer data %s and gradient %s differ",
			name, l.Data.Shape, l.Gradient.Shape)
	}
	return nil
}
