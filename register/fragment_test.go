package register

import (
	"context"
	"image"
	"math"
	"testing"

	"github.com/paulmach/orb"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/spatial/r3"

	"github.com/kwv/boneregister/mesh"
	"github.com/kwv/boneregister/metric"
)

func TestFragment_Gradients(t *testing.T) {
	e, renderers := fakeEngine(t, 1, 2, testCoef)
	f := e.Fragments()[0]
	f.SetRotation(r3.Vec{X: 2})

	rot := f.RotationGradient()
	r, c := rot.Dims()
	require.Equal(t, 6, r)
	require.Equal(t, 3, c)
	// d/drx of rx + 0.5 rx^2 at rx = 2
	assert.InDelta(t, 3, rot.At(0, 0), 1e-12)
	assert.InDelta(t, 1, rot.At(1, 1), 1e-12)
	assert.InDelta(t, 2, rot.At(3, 0), 1e-12, "odd view row 0 sees only the quadratic term")

	tr := f.TranslationGradient()
	assert.InDelta(t, 2, tr.At(3, 0), 1e-12)
	assert.InDelta(t, 2, tr.At(5, 2), 1e-12)
	assert.Zero(t, tr.At(0, 0))

	shape := f.ShapeGradient(0)
	_, c = shape.Dims()
	assert.Equal(t, 2, c)
	assert.InDelta(t, 0.5, shape.At(0, 0), 1e-12)
	assert.InDelta(t, 0.25, shape.At(2, 1), 1e-12)
	assert.InDelta(t, 1, shape.At(4, 0), 1e-12)

	_, c = f.ShapeGradient(1).Dims()
	assert.Equal(t, 1, c)

	// six renders per view for each pose gradient, four and two for the shape ones
	assert.Equal(t, 6+6+4+2, renderers[0].renders)
	assert.Equal(t, r3.Vec{X: 2}, f.Rotation())
	assert.Equal(t, r3.Vec{X: 2}, renderers[1].Rotation())
}

func TestFragment_GradientRecordsMasks(t *testing.T) {
	e, _ := fakeEngine(t, 1, 1, testCoef)
	f := e.Fragments()[0]
	v := f.Views()[0]
	v.VertexCrop = orb.Bound{Min: orb.Point{-100, -100}, Max: orb.Point{20.5, 100}}

	f.TranslationGradient()
	require.Len(t, v.plusMasks, 3)
	plus, minus := v.plusMasks[0], v.minusMasks[0]
	for i := range plus {
		assert.Equal(t, i&1 == 0, plus[i], "vertex %d", i)
		assert.True(t, minus[i])
	}
}

// smoothMetric reads the sine of the X rotation and the exponential of
// the X translation, whose central differences are not exact.
type smoothMetric struct{ *linearMetric }

func (m smoothMetric) Values() []float64 {
	s := m.src.snapshot
	return []float64{math.Sin(0.1 * s[0]), math.Exp(0.05 * s[3])}
}

func TestFragment_GradientMatchesDerivative(t *testing.T) {
	_, shape := testShape(t)
	r := newFakeRenderer(shape)
	m := smoothMetric{newLinearMetric(r, [][]float64{{0}, {0}})}
	m.SetImage(nil)
	f := NewFragment(shape, NewView(r, m))
	f.InitValuesCount()
	f.SetPose(mesh.Pose{Rotation: r3.Vec{X: 7}, Translation: r3.Vec{X: 4}})

	// central differences are off by at most eps^2/6 times the largest third derivative
	eps2 := gradientStep * gradientStep

	rot := f.RotationGradient()
	assert.InDelta(t, 0.1*math.Cos(0.7), rot.At(0, 0), math.Pow(0.1, 3)*eps2/6)
	assert.Zero(t, rot.At(0, 1))
	assert.Zero(t, rot.At(1, 0))

	tr := f.TranslationGradient()
	assert.InDelta(t, 0.05*math.Exp(0.2), tr.At(1, 0), math.Pow(0.05, 3)*math.Exp(0.05*5)*eps2/6)
	assert.Zero(t, tr.At(0, 0))
}

// failingMetric panics on its panicAt-th Values call.
type failingMetric struct {
	*linearMetric
	calls, panicAt int
}

func (m *failingMetric) Values() []float64 {
	m.calls++
	if m.calls == m.panicAt {
		panic("metric failed")
	}
	return m.linearMetric.Values()
}

func TestFragment_GradientRestoresAfterPanic(t *testing.T) {
	_, shape := testShape(t)
	r := newFakeRenderer(shape)
	m := &failingMetric{linearMetric: newLinearMetric(r, testCoef(0)), panicAt: 3}
	m.SetImage(nil)
	f := NewFragment(shape, NewView(r, m))
	f.InitValuesCount()
	f.SetRotation(r3.Vec{X: 2})

	assert.Panics(t, func() { f.RotationGradient() })
	assert.Equal(t, r3.Vec{X: 2}, f.Rotation())
	assert.Equal(t, r3.Vec{X: 2}, r.Rotation())

	m.calls = 0
	assert.Panics(t, func() { f.TranslationGradient() })
	assert.Equal(t, r3.Vec{}, f.Translation())

	m.calls = 0
	assert.Panics(t, func() { f.ShapeGradient(0) })
	assert.Equal(t, []float64{0, 0}, shape.StandardizedParams())
}

func TestFragment_NoValuesPanics(t *testing.T) {
	_, shape := testShape(t)
	r := newFakeRenderer(shape)
	f := NewFragment(shape, NewView(r, newLinearMetric(r, testCoef(0))))
	f.InitValuesCount()

	assert.Panics(t, func() { f.RotationGradient() })
	assert.Panics(t, func() { f.ShapeGradient(0) })
}

func TestFragment_DensityUnsupported(t *testing.T) {
	_, shape := testShape(t)
	f := NewFragment(shape)
	assert.ErrorIs(t, f.SetDensityParams(nil), ErrUnimplemented)
	assert.ErrorIs(t, f.SetStandardizedDensityParams(nil), ErrUnimplemented)
}

func TestFragment_UpdateMasks(t *testing.T) {
	e, _ := fakeEngine(t, 1, 2, testCoef)
	f := e.Fragments()[0]
	f.Views()[1].VertexCrop = orb.Bound{Max: orb.Point{0, 0}, Min: orb.Point{-100, -100}}

	f.UpdateMasks()
	assert.Len(t, f.Views()[0].Mask(), 8)
	visible := 0
	for _, m := range f.Views()[1].Mask() {
		if m {
			visible++
		}
	}
	assert.Equal(t, 4, visible)
}

// ---------------------------------------------------------------------------
// Rendered registration
// ---------------------------------------------------------------------------

// cubeEngine builds a one-fragment engine over the rasterized test cube,
// seen from above and from the side on 100x100 pixel detectors.
func cubeEngine(t *testing.T, method string) *Engine {
	t.Helper()
	m, shape := testShape(t)

	side := mesh.Pyramid{
		Source:     r3.Vec{X: 1000},
		LeftTop:    r3.Vec{X: -100, Y: -100, Z: 100},
		RightTop:   r3.Vec{X: -100, Y: 100, Z: 100},
		LeftBottom: r3.Vec{X: -100, Y: -100, Z: -100},
	}
	var views []*View
	for _, p := range []mesh.Pyramid{testPyramid(), side} {
		r := mesh.NewCPURenderer(shape, m.Triangles)
		r.SetPerspective(p)
		r.SetSize(100, 100)
		im, err := metric.New(method, r)
		require.NoError(t, err)
		views = append(views, NewView(r, im))
	}

	e, err := NewEngine(shape, []*Fragment{NewFragment(shape, views...)}, metric.NewVertex(method), WithStop(1e-9, 40))
	require.NoError(t, err)
	return e
}

// referencesAt renders e at pose and returns binary references.
func referencesAt(t *testing.T, e *Engine, pose mesh.Pose) []image.Image {
	t.Helper()
	require.NoError(t, e.SetPoses([]mesh.Pose{pose}))
	var refs []image.Image
	for _, img := range e.Images() {
		refs = append(refs, metric.MaskImage(img))
	}
	return refs
}

func TestEngine_RegistersRenderedCube(t *testing.T) {
	if testing.Short() {
		t.Skip("rasterizes a few hundred frames")
	}
	e := cubeEngine(t, metric.MethodPixelDifference)
	target := mesh.Pose{Translation: r3.Vec{X: 6, Y: -4, Z: 3}}
	require.NoError(t, e.SetImages(referencesAt(t, e, target)))
	require.NoError(t, e.SetPoses([]mesh.Pose{{}}))

	start := distance(e.Translations()[0], target.Translation)
	_, err := e.OptimizePose(context.Background())
	require.NoError(t, err)

	end := distance(e.Translations()[0], target.Translation)
	assert.Less(t, end, start/4, "translation error went from %.2f to %.2f", start, end)
}

func TestEngine_RenderedGradientSign(t *testing.T) {
	e := cubeEngine(t, metric.MethodSquaredDifferences)
	target := mesh.Pose{Translation: r3.Vec{Y: 5}}
	require.NoError(t, e.SetImages(referencesAt(t, e, target)))
	require.NoError(t, e.SetPoses([]mesh.Pose{{}}))

	// SSD rows: one per view. Moving toward the target lowers the error
	// in the top view.
	jac := e.Fragments()[0].TranslationGradient()
	assert.Less(t, jac.At(0, 1), 0.0)
}

func distance(a, b r3.Vec) float64 {
	return r3.Norm(r3.Sub(a, b))
}
