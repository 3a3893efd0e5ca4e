// Package mesh holds the minimal mesh-data collaborator the coupling core
// reads from and writes into. Geometry, topology and partitioning live
// elsewhere; the core only ever sees value buffers.
package mesh

import "fmt"

// Data is one named quantity defined on the vertices of a mesh.
// The value buffer is owned by the mesh side and shared with the coupling
// core by reference: the core writes it while exchanging or accelerating,
// the solver writes it between calls to advance.
type Data struct {
	id         int
	name       string
	dimensions int
	values     []float64
	gradients  []float64
	spaceDim   int
}

func NewData(id int, name string, dimensions int) *Data {
	if dimensions < 1 {
		dimensions = 1
	}
	return &Data{id: id, name: name, dimensions: dimensions}
}

func (d *Data) ID() int         { return d.id }
func (d *Data) Name() string    { return d.name }
func (d *Data) Dimensions() int { return d.dimensions }

// Values returns the live buffer, not a copy.
func (d *Data) Values() []float64 { return d.values }

// Gradients returns the live gradient buffer, nil if gradients were never required.
func (d *Data) Gradients() []float64 { return d.gradients }

func (d *Data) HasGradient() bool { return d.gradients != nil }

// Allocate sizes the value buffer (and the gradient buffer, if required)
// for vertexCount vertices. Existing values are kept where they fit.
func (d *Data) Allocate(vertexCount int) {
	n := vertexCount * d.dimensions
	d.values = resize(d.values, n)
	if d.gradients != nil {
		d.gradients = resize(d.gradients, n*d.spaceDim)
	}
}

// RequireGradient enables the gradient buffer for a mesh of the given
// spatial dimension. Must be called before Allocate to take effect.
func (d *Data) RequireGradient(spaceDim int) {
	d.spaceDim = spaceDim
	if d.gradients == nil {
		d.gradients = make([]float64, len(d.values)*spaceDim)
	}
}

// SetValues copies v into the buffer. The lengths must match.
func (d *Data) SetValues(v []float64) error {
	if len(v) != len(d.values) {
		return fmt.Errorf("data %q holds %d values, got %d", d.name, len(d.values), len(v))
	}
	copy(d.values, v)
	return nil
}

func (d *Data) String() string {
	return fmt.Sprintf("%s(id=%d, dim=%d, size=%d)", d.name, d.id, d.dimensions, len(d.values))
}

func resize(buf []float64, n int) []float64 {
	if cap(buf) >= n {
		old := len(buf)
		buf = buf[:n]
		for i := old; i < n; i++ {
			buf[i] = 0
		}
		return buf
	}
	out := make([]float64, n)
	copy(out, buf)
	return out
}
