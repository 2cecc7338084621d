package metric

import (
	"fmt"

	"gonum.org/v1/gonum/spatial/r3"
)

// VertexCounter is anything that reports a vertex count, such as a mesh
type VertexCounter interface {
	NumVertices() int
}

// VertexMetric scores how consistently the views agree on which vertices
// they see. Values takes one visibility mask per view; every mask must
// have one entry per vertex.
type VertexMetric interface {
	SetMesh(m VertexCounter)
	SetViewsNumber(n int)
	Values(masks [][]bool, points []r3.Vec) []float64
	TargetValues() []float64
	ValuesCount() int
	// WrongVertices is the number of vertices whose visibility count
	// differed from the view count in the last evaluation.
	WrongVertices() int
}

// visibilityCounts counts how many masks see each vertex and how many
// vertices are not seen by exactly views masks.
func visibilityCounts(masks [][]bool, n, views int) (counts []int, wrong int) {
	counts = make([]int, n)
	for v, mask := range masks {
		if len(mask) != n {
			panic(fmt.Sprintf("metric: mask %d has %d entries for %d vertices", v, len(mask), n))
		}
		for i, visible := range mask {
			if visible {
				counts[i]++
			}
		}
	}
	for _, c := range counts {
		if c != views {
			wrong++
		}
	}
	return counts, wrong
}

// SimpleVertex reports, per vertex, 2 for every view that sees it.
// The target expects every vertex in every view: 2 * views.
type SimpleVertex struct {
	n      int
	views  int
	values []float64
	target []float64
	wrong  int
}

// NewSimpleVertex creates a per-vertex visibility metric
func NewSimpleVertex() *SimpleVertex {
	return &SimpleVertex{}
}

// SetMesh implements VertexMetric
func (m *SimpleVertex) SetMesh(mesh VertexCounter) {
	m.n = mesh.NumVertices()
	m.values = make([]float64, m.n)
	m.rebuildTarget()
}

// SetViewsNumber implements VertexMetric
func (m *SimpleVertex) SetViewsNumber(n int) {
	m.views = n
	m.rebuildTarget()
}

func (m *SimpleVertex) rebuildTarget() {
	m.target = make([]float64, m.n)
	for i := range m.target {
		m.target[i] = float64(2 * m.views)
	}
}

// Values implements VertexMetric
func (m *SimpleVertex) Values(masks [][]bool, _ []r3.Vec) []float64 {
	counts, wrong := visibilityCounts(masks, m.n, m.views)
	for i, c := range counts {
		m.values[i] = float64(2 * c)
	}
	m.wrong = wrong
	return m.values
}

// TargetValues implements VertexMetric
func (m *SimpleVertex) TargetValues() []float64 { return m.target }

// ValuesCount implements VertexMetric
func (m *SimpleVertex) ValuesCount() int { return m.n }

// WrongVertices implements VertexMetric
func (m *SimpleVertex) WrongVertices() int { return m.wrong }

// SquaredVertex reports a single value: the sum over vertices of
// (visibility count - views)^2. The target is zero.
type SquaredVertex struct {
	n      int
	views  int
	values []float64
	target []float64
	wrong  int
}

// NewSquaredVertex creates a squared-differences visibility metric
func NewSquaredVertex() *SquaredVertex {
	return &SquaredVertex{
		values: make([]float64, 1),
		target: []float64{0},
	}
}

// SetMesh implements VertexMetric
func (m *SquaredVertex) SetMesh(mesh VertexCounter) { m.n = mesh.NumVertices() }

// SetViewsNumber implements VertexMetric
func (m *SquaredVertex) SetViewsNumber(n int) { m.views = n }

// Values implements VertexMetric
func (m *SquaredVertex) Values(masks [][]bool, _ []r3.Vec) []float64 {
	counts, wrong := visibilityCounts(masks, m.n, m.views)
	sum := 0.0
	for _, c := range counts {
		d := float64(c - m.views)
		sum += d * d
	}
	m.values[0] = sum
	m.wrong = wrong
	return m.values
}

// TargetValues implements VertexMetric
func (m *SquaredVertex) TargetValues() []float64 { return m.target }

// ValuesCount implements VertexMetric
func (m *SquaredVertex) ValuesCount() int { return 1 }

// WrongVertices implements VertexMetric
func (m *SquaredVertex) WrongVertices() int { return m.wrong }

// NewVertex returns the vertex metric that pairs with an image metric method
func NewVertex(method string) VertexMetric {
	if method == MethodSquaredDifferences {
		return NewSquaredVertex()
	}
	return NewSimpleVertex()
}
