package register

import (
	"image"
	"io"
	"testing"

	"github.com/paulmach/orb"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/spatial/r3"

	"github.com/kwv/boneregister/mesh"
	"github.com/kwv/boneregister/metric"
)

// testShape is a 40 mm cube around the origin with a Z stretch component
// (std 2) and an X shift component (std 0.5).
func testShape(t *testing.T) (*mesh.Mesh, *mesh.ShapeModel) {
	t.Helper()
	m := mesh.Cuboid(r3.Vec{X: -20, Y: -20, Z: -20}, r3.Vec{X: 20, Y: 20, Z: 20})

	shift := make([]r3.Vec, len(m.Vertices))
	for i := range shift {
		shift[i] = r3.Vec{X: 1}
	}
	shape, err := mesh.NewShapeModel(m.Vertices, [][]r3.Vec{mesh.StretchZ(m.Vertices, 0.1), shift}, []float64{2, 0.5})
	require.NoError(t, err)
	return m, shape
}

// testPyramid looks down -Z from a source at z=1000 onto a 200x200 mm
// detector at z=-100.
func testPyramid() mesh.Pyramid {
	return mesh.Pyramid{
		Source:     r3.Vec{Z: 1000},
		LeftTop:    r3.Vec{X: -100, Y: 100, Z: -100},
		RightTop:   r3.Vec{X: 100, Y: 100, Z: -100},
		LeftBottom: r3.Vec{X: -100, Y: -100, Z: -100},
	}
}

// ---------------------------------------------------------------------------
// fakes
// ---------------------------------------------------------------------------

// fakeRenderer snapshots its parameters on every render instead of drawing.
// The snapshot is rotation, translation, then the standardized shape.
type fakeRenderer struct {
	shape    *mesh.ShapeModel
	rot      r3.Vec
	trans    r3.Vec
	crop     image.Rectangle
	snapshot []float64
	renders  int
}

func newFakeRenderer(shape *mesh.ShapeModel) *fakeRenderer {
	return &fakeRenderer{shape: shape}
}

func (r *fakeRenderer) SetPerspective(mesh.Pyramid)     {}
func (r *fakeRenderer) SetSize(int, int)                {}
func (r *fakeRenderer) SetCropWindow(c image.Rectangle) { r.crop = c }
func (r *fakeRenderer) SetRotation(v r3.Vec)            { r.rot = v }
func (r *fakeRenderer) SetTranslation(v r3.Vec)         { r.trans = v }
func (r *fakeRenderer) Rotation() r3.Vec                { return r.rot }
func (r *fakeRenderer) Translation() r3.Vec             { return r.trans }
func (r *fakeRenderer) RedChannel() []uint8             { return nil }
func (r *fakeRenderer) Size() (int, int)                { return 1, 1 }
func (r *fakeRenderer) RecomputedVertices() []r3.Vec    { return r.shape.Vertices() }
func (r *fakeRenderer) RenderedImage() image.Image      { return image.NewGray(image.Rect(0, 0, 1, 1)) }

func (r *fakeRenderer) RenderNow() {
	r.renders++
	r.snapshot = append([]float64{r.rot.X, r.rot.Y, r.rot.Z, r.trans.X, r.trans.Y, r.trans.Z}, r.shape.StandardizedParams()...)
}

// VerticesMask translates the vertices and tests X against the crop.
func (r *fakeRenderer) VerticesMask(vertices []r3.Vec, crop orb.Bound) []bool {
	mask := make([]bool, len(vertices))
	for i, v := range vertices {
		mask[i] = v.X+r.trans.X <= crop.Max.X()
	}
	return mask
}

func (r *fakeRenderer) ExportSTL(w io.Writer, name string, posed bool, mask []bool) (int, error) {
	return 0, nil
}

// linearMetric scores a fakeRenderer snapshot as coef times the snapshot,
// plus half the squared X rotation on the first value.
type linearMetric struct {
	src    *fakeRenderer
	coef   [][]float64
	hooks  metric.Hooks
	ready  bool
	target []float64
}

func newLinearMetric(src *fakeRenderer, coef [][]float64) *linearMetric {
	return &linearMetric{src: src, coef: coef, target: make([]float64, len(coef))}
}

func (m *linearMetric) SetImage(image.Image)    { m.ready = true }
func (m *linearMetric) TargetValues() []float64 { return m.target }
func (m *linearMetric) SetHooks(h metric.Hooks) { m.hooks = h }
func (m *linearMetric) HasReference() bool      { return m.ready }

func (m *linearMetric) ValuesCount() int {
	if !m.ready {
		return 0
	}
	return len(m.coef)
}

func (m *linearMetric) Values() []float64 {
	if m.hooks != nil {
		m.hooks.BeforeMetric()
		defer m.hooks.AfterMetric()
	}
	out := make([]float64, len(m.coef))
	for k, row := range m.coef {
		for j, c := range row {
			out[k] += c * m.src.snapshot[j]
		}
	}
	out[0] += 0.5 * m.src.snapshot[0] * m.src.snapshot[0]
	return out
}

// fakeEngine builds fragments x views fake views over the test shape. View
// i of the flattened list gets coefficients coef(i).
func fakeEngine(t *testing.T, fragments, views int, coef func(i int) [][]float64, opts ...Option) (*Engine, []*fakeRenderer) {
	t.Helper()
	_, shape := testShape(t)

	var renderers []*fakeRenderer
	frags := make([]*Fragment, fragments)
	for f := range frags {
		vs := make([]*View, views)
		for v := range vs {
			r := newFakeRenderer(shape)
			renderers = append(renderers, r)
			vs[v] = NewView(r, newLinearMetric(r, coef(len(renderers)-1)))
		}
		frags[f] = NewFragment(shape, vs...)
	}

	e, err := NewEngine(shape, frags, metric.NewSimpleVertex(), opts...)
	require.NoError(t, err)
	require.NoError(t, e.SetImages(make([]image.Image, fragments*views)))
	return e, renderers
}

// recordingObserver counts every notification.
type recordingObserver struct {
	begins       map[Section]int
	ends         map[Section]int
	iterations   []int
	objectives   []float64
	rotations    [][]r3.Vec
	translations [][]r3.Vec
	shapes       [][]float64
	wantImages   bool
	downloads    int
}

func newRecordingObserver() *recordingObserver {
	return &recordingObserver{begins: map[Section]int{}, ends: map[Section]int{}}
}

func (o *recordingObserver) BeginSection(s Section) { o.begins[s]++ }
func (o *recordingObserver) EndSection(s Section)   { o.ends[s]++ }
func (o *recordingObserver) Images() bool           { return o.wantImages }

func (o *recordingObserver) Iteration(iter int, objective float64) {
	o.iterations = append(o.iterations, iter)
	o.objectives = append(o.objectives, objective)
}

func (o *recordingObserver) RotationsChanged(r []r3.Vec) {
	o.rotations = append(o.rotations, r)
}

func (o *recordingObserver) TranslationsChanged(t []r3.Vec) {
	o.translations = append(o.translations, t)
}

func (o *recordingObserver) ShapeChanged(p []float64) {
	o.shapes = append(o.shapes, p)
}

func (o *recordingObserver) DownloadImages(images []image.Image) {
	o.downloads++
}

func toRows(m *mat.Dense) [][]float64 {
	r, _ := m.Dims()
	out := make([][]float64, r)
	for i := range out {
		out[i] = mat.Row(nil, i, m)
	}
	return out
}
