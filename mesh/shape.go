package mesh

import (
	"fmt"

	"gonum.org/v1/gonum/spatial/r3"
)

// ShapeModel is a statistical shape model: a mean shape plus linear
// principal components weighted by the current parameters.
//
// Parameters exist in two scales. Raw parameters multiply the components
// directly; standardized parameters are raw divided by the component
// standard deviation.
type ShapeModel struct {
	mean       []r3.Vec
	components [][]r3.Vec
	std        []float64
	raw        []float64

	vertices []r3.Vec
	dirty    bool
	version  uint64
}

// NewShapeModel validates and builds a shape model with all parameters zero.
func NewShapeModel(mean []r3.Vec, components [][]r3.Vec, std []float64) (*ShapeModel, error) {
	if len(mean) == 0 {
		return nil, fmt.Errorf("shape model has no vertices")
	}
	if len(components) != len(std) {
		return nil, fmt.Errorf("shape model has %d components but %d standard deviations", len(components), len(std))
	}
	for i, c := range components {
		if len(c) != len(mean) {
			return nil, fmt.Errorf("component %d has %d vertices, want %d", i, len(c), len(mean))
		}
		if !(std[i] > 0) {
			return nil, fmt.Errorf("component %d has non-positive standard deviation %v", i, std[i])
		}
	}

	return &ShapeModel{
		mean:       mean,
		components: components,
		std:        append([]float64(nil), std...),
		raw:        make([]float64, len(components)),
		dirty:      true,
	}, nil
}

// Len returns the number of shape components
func (s *ShapeModel) Len() int {
	return len(s.components)
}

// NumVertices returns the number of vertices of every generated shape
func (s *ShapeModel) NumVertices() int {
	return len(s.mean)
}

// Std returns a copy of the component standard deviations
func (s *ShapeModel) Std() []float64 {
	return append([]float64(nil), s.std...)
}

// Params returns a copy of the raw parameters
func (s *ShapeModel) Params() []float64 {
	return append([]float64(nil), s.raw...)
}

// StandardizedParams returns the raw parameters divided by their standard deviations
func (s *ShapeModel) StandardizedParams() []float64 {
	out := make([]float64, len(s.raw))
	for i, r := range s.raw {
		out[i] = r / s.std[i]
	}
	return out
}

// SetParams replaces all raw parameters
func (s *ShapeModel) SetParams(raw []float64) error {
	if len(raw) != len(s.raw) {
		return fmt.Errorf("got %d shape parameters, want %d", len(raw), len(s.raw))
	}
	copy(s.raw, raw)
	s.touch()
	return nil
}

// SetStandardizedParams replaces all parameters from their standardized form
func (s *ShapeModel) SetStandardizedParams(params []float64) error {
	if len(params) != len(s.raw) {
		return fmt.Errorf("got %d shape parameters, want %d", len(params), len(s.raw))
	}
	for i, p := range params {
		s.raw[i] = p * s.std[i]
	}
	s.touch()
	return nil
}

// Version increases every time the parameters change.
// Renderers use it to know when cached vertices are stale.
func (s *ShapeModel) Version() uint64 {
	return s.version
}

// Vertices returns a fresh copy of the current shape.
func (s *ShapeModel) Vertices() []r3.Vec {
	if s.dirty {
		s.recompute()
	}
	return append([]r3.Vec(nil), s.vertices...)
}

func (s *ShapeModel) touch() {
	s.dirty = true
	s.version++
}

func (s *ShapeModel) recompute() {
	if cap(s.vertices) < len(s.mean) {
		s.vertices = make([]r3.Vec, len(s.mean))
	}
	s.vertices = s.vertices[:len(s.mean)]
	copy(s.vertices, s.mean)

	for k, comp := range s.components {
		w := s.raw[k]
		if w == 0 {
			continue
		}
		for i, d := range comp {
			s.vertices[i] = r3.Add(s.vertices[i], r3.Scale(w, d))
		}
	}
	s.dirty = false
}
