package register

import (
	"context"
	"errors"
	"image"
	"testing"

	"github.com/paulmach/orb"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/spatial/r3"

	"github.com/kwv/boneregister/mesh"
	"github.com/kwv/boneregister/metric"
)

// testCoef gives even views three rotation rows and odd views three
// translation rows, each with some shape dependence.
func testCoef(i int) [][]float64 {
	if i%2 == 0 {
		return [][]float64{
			{1, 0, 0, 0, 0, 0, 0.5, 0},
			{0, 1, 0, 0, 0, 0, 0, 0},
			{0, 0, 1, 0, 0, 0, 0, 0.25},
		}
	}
	return [][]float64{
		{0, 0, 0, 2, 0, 0, 0, 0},
		{0, 0, 0, 0, 2, 0, 1, 0},
		{0, 0, 0, 0, 0, 2, 0, 0},
	}
}

// ---------------------------------------------------------------------------
// Construction
// ---------------------------------------------------------------------------

func TestNewEngine_Validation(t *testing.T) {
	_, shape := testShape(t)
	_, other := testShape(t)
	view := func() *View {
		r := newFakeRenderer(shape)
		return NewView(r, newLinearMetric(r, testCoef(0)))
	}

	tests := []struct {
		name      string
		shape     *mesh.ShapeModel
		fragments []*Fragment
		vm        metric.VertexMetric
		dimension bool
	}{
		{"nil shape", nil, []*Fragment{NewFragment(shape, view())}, metric.NewSimpleVertex(), false},
		{"nil vertex metric", shape, []*Fragment{NewFragment(shape, view())}, nil, false},
		{"no fragments", shape, nil, metric.NewSimpleVertex(), false},
		{"different shape", shape, []*Fragment{NewFragment(other, view())}, metric.NewSimpleVertex(), false},
		{"view count mismatch", shape, []*Fragment{NewFragment(shape, view()), NewFragment(shape, view(), view())}, metric.NewSimpleVertex(), true},
		{"fragment without views", shape, []*Fragment{NewFragment(shape)}, metric.NewSimpleVertex(), true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewEngine(tt.shape, tt.fragments, tt.vm)
			require.Error(t, err)
			assert.Equal(t, tt.dimension, errors.Is(err, ErrDimension))
		})
	}
}

func TestEngine_Layout(t *testing.T) {
	e, _ := fakeEngine(t, 2, 3, testCoef)

	assert.Equal(t, 3, e.ViewCount())
	assert.Len(t, e.Views(), 6)
	assert.Len(t, e.Fragments(), 2)
	assert.Equal(t, 18, e.ValuesCount())
	assert.Len(t, e.TargetValues(), 18)
	assert.Equal(t, 8, e.VertexMetric().ValuesCount())
	assert.Same(t, e.Fragments()[1].Views()[0], e.Views()[3])
}

func TestEngine_SetupLengthMismatch(t *testing.T) {
	e, _ := fakeEngine(t, 2, 1, testCoef)

	assert.ErrorIs(t, e.SetImages(make([]image.Image, 3)), ErrDimension)
	assert.ErrorIs(t, e.SetPerspectives(make([]mesh.Pyramid, 1)), ErrDimension)
	assert.ErrorIs(t, e.SetCrops(nil), ErrDimension)
	assert.ErrorIs(t, e.SetVertexCrops(make([]orb.Bound, 3)), ErrDimension)
	assert.ErrorIs(t, e.SetRotations(make([]r3.Vec, 1)), ErrDimension)
	assert.ErrorIs(t, e.SetTranslations(make([]r3.Vec, 3)), ErrDimension)
	assert.ErrorIs(t, e.SetPoses(nil), ErrDimension)

	// the fake metric takes no masks
	assert.Error(t, e.SetMasks(make([]image.Image, 2)))
	assert.ErrorIs(t, e.SetDensityParams([]float64{1}), ErrUnimplemented)
}

func TestEngine_SetCropsReachRenderers(t *testing.T) {
	e, renderers := fakeEngine(t, 1, 2, testCoef)
	crops := []image.Rectangle{image.Rect(0, 0, 10, 10), image.Rect(5, 5, 20, 30)}

	require.NoError(t, e.SetCrops(crops))
	for i, r := range renderers {
		assert.Equal(t, crops[i], r.crop)
		assert.Equal(t, crops[i], e.Views()[i].Crop())
	}
}

// ---------------------------------------------------------------------------
// Parameters and vectors
// ---------------------------------------------------------------------------

func TestEngine_PosesReachRenderers(t *testing.T) {
	e, renderers := fakeEngine(t, 2, 2, testCoef)
	poses := []mesh.Pose{
		{Rotation: r3.Vec{X: 1, Y: 2, Z: 3}, Translation: r3.Vec{X: 4, Y: 5, Z: 6}},
		{Rotation: r3.Vec{X: -1}, Translation: r3.Vec{Z: 9}},
	}
	require.NoError(t, e.SetPoses(poses))

	assert.Equal(t, poses, e.Poses())
	for i, r := range renderers {
		assert.Equal(t, poses[i/2].Rotation, r.Rotation(), "renderer %d", i)
		assert.Equal(t, poses[i/2].Translation, r.Translation(), "renderer %d", i)
	}
	assert.Equal(t, r3.Vec{Y: 1, Z: 1.5}, e.MeanRotation())
	assert.Equal(t, r3.Vec{X: 2, Y: 2.5, Z: 7.5}, e.MeanTranslation())
}

func TestEngine_PoseVectorRoundTrip(t *testing.T) {
	e, _ := fakeEngine(t, 2, 1, testCoef)
	x := []float64{1, 2, 3, 4, 5, 6, 7, 8, 9, 10, 11, 12}

	require.NoError(t, e.VectorToPoses(x))
	assert.Equal(t, x, e.PosesToVector())
	assert.Equal(t, []r3.Vec{{X: 1, Y: 2, Z: 3}, {X: 7, Y: 8, Z: 9}}, e.Rotations())
	assert.Equal(t, []r3.Vec{{X: 4, Y: 5, Z: 6}, {X: 10, Y: 11, Z: 12}}, e.Translations())

	assert.ErrorIs(t, e.VectorToPoses(x[:6]), ErrDimension)
}

func TestEngine_PoseShapeVector(t *testing.T) {
	e, _ := fakeEngine(t, 1, 1, testCoef)

	e.SetShapeParamsCount(1)
	assert.Equal(t, 1, e.ShapeParamsCount())
	require.NoError(t, e.VectorToPosesShape([]float64{0, 0, 0, 1, 1, 1, 0.5}))
	assert.Equal(t, []float64{0, 0, 0, 1, 1, 1, 0.5}, e.PosesShapeToVector())
	assert.InDeltaSlice(t, []float64{0.5, 0}, e.StandardizedShapeParams(), 1e-12)
	assert.InDeltaSlice(t, []float64{1, 0}, e.ShapeParams(), 1e-12)

	// Zero or too many selects every component.
	e.SetShapeParamsCount(0)
	assert.Equal(t, 2, e.ShapeParamsCount())
	e.SetShapeParamsCount(9)
	assert.Equal(t, 2, e.ShapeParamsCount())

	assert.ErrorIs(t, e.VectorToPosesShape(make([]float64, 9)), ErrDimension)
	assert.ErrorIs(t, e.VectorToPosesShape(make([]float64, 5)), ErrDimension)
}

func TestEngine_BoundingBox(t *testing.T) {
	e, _ := fakeEngine(t, 1, 1, testCoef)
	assert.Equal(t, r3.Vec{X: 40, Y: 40, Z: 40}, e.BoundingBoxSize())

	require.NoError(t, e.SetStandardizedShapeParams([]float64{1, 0}))
	// one std of the stretch lengthens the cube by 2 * 0.1 * 40
	assert.InDelta(t, 48, e.BoundingBoxSize().Z, 1e-9)
}

// ---------------------------------------------------------------------------
// Jacobian
// ---------------------------------------------------------------------------

// expectedJacobian builds the analytic Jacobian of the linear test metric.
func expectedJacobian(e *Engine, shapeCount int) [][]float64 {
	fragments := len(e.Fragments())
	cols := 6*fragments + shapeCount
	var rows [][]float64
	for i := range e.Views() {
		f := i / e.ViewCount()
		rx := e.Fragments()[f].Rotation().X
		for k, c := range testCoef(i) {
			row := make([]float64, cols)
			copy(row[6*f:6*f+6], c[:6])
			if k == 0 {
				row[6*f] += rx
			}
			copy(row[6*fragments:], c[6:6+shapeCount])
			rows = append(rows, row)
		}
	}
	return rows
}

func TestEngine_PoseShapeJacobian(t *testing.T) {
	e, _ := fakeEngine(t, 2, 2, testCoef)
	poses := []mesh.Pose{{Rotation: r3.Vec{X: 3}}, {Rotation: r3.Vec{X: -1}, Translation: r3.Vec{Y: 2}}}
	require.NoError(t, e.SetPoses(poses))
	require.NoError(t, e.SetStandardizedShapeParams([]float64{0.5, -0.5}))

	tests := []struct {
		name       string
		shapeCount int
		jacobian   func() [][]float64
	}{
		{"pose", 0, func() [][]float64 { return toRows(e.poseGradient()) }},
		{"pose and one shape component", 1, func() [][]float64 {
			e.SetShapeParamsCount(1)
			return toRows(e.poseShapeGradient())
		}},
		{"pose and shape", 2, func() [][]float64 {
			e.SetShapeParamsCount(2)
			return toRows(e.poseShapeGradient())
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := tt.jacobian()
			want := expectedJacobian(e, tt.shapeCount)
			require.Len(t, got, len(want))
			for i := range want {
				assert.InDeltaSlice(t, want[i], got[i], 1e-9, "row %d", i)
			}

			// parameters are restored
			assert.Equal(t, poses, e.Poses())
			assert.InDeltaSlice(t, []float64{0.5, -0.5}, e.StandardizedShapeParams(), 1e-12)
		})
	}
}

func TestEngine_VertexJacobian(t *testing.T) {
	e, _ := fakeEngine(t, 2, 2, testCoef)
	crop := orb.Bound{Min: orb.Point{-1e5, -1e5}, Max: orb.Point{20.25, 1e5}}
	require.NoError(t, e.SetVertexCrops([]orb.Bound{crop, crop, crop, crop}))
	e.SetShapeParamsCount(2)

	jac := e.poseShapeGradientVertex()
	rows, cols := jac.Dims()
	require.Equal(t, 12+8, rows)
	require.Equal(t, 14, cols)

	for v := 0; v < 8; v++ {
		row := 12 + v
		plusX := v&1 != 0
		for c := 0; c < cols; c++ {
			want := 0.0
			switch {
			case plusX && (c == 3 || c == 9):
				// one fragment's two views lose the +x face
				want = -2
			case plusX && c == 13:
				// the X shift moves the +x face out of every view
				want = -4
			}
			assert.InDelta(t, want, jac.At(row, c), 1e-12, "vertex %d column %d", v, c)
		}
	}

	// Image rows match the non-vertex Jacobian.
	img := toRows(e.poseShapeGradient())
	all := toRows(jac)
	for i := range img {
		assert.Equal(t, img[i], all[i])
	}
}

// ---------------------------------------------------------------------------
// Optimization
// ---------------------------------------------------------------------------

func TestEngine_OptimizePose(t *testing.T) {
	obs := newRecordingObserver()
	obs.wantImages = true
	e, _ := fakeEngine(t, 2, 2, testCoef, WithObserver(obs), WithStop(1e-14, 200))
	require.NoError(t, e.SetPoses([]mesh.Pose{
		{Rotation: r3.Vec{X: 1, Y: -2, Z: 0.5}, Translation: r3.Vec{X: 3, Y: -1, Z: 2}},
		{Rotation: r3.Vec{X: -0.5, Y: 1}, Translation: r3.Vec{Z: -4}},
	}))

	res, err := e.OptimizePose(context.Background())
	require.NoError(t, err)

	assert.InDeltaSlice(t, make([]float64, 12), e.PosesToVector(), 1e-3)
	assert.Equal(t, res.X, e.PosesToVector())
	assert.Less(t, res.Objective, 1e-6)

	assert.Equal(t, 1, obs.begins[SectionRegistration])
	assert.Equal(t, 1, obs.ends[SectionRegistration])
	assert.Equal(t, obs.begins[SectionRendering], obs.ends[SectionRendering])
	assert.Positive(t, obs.begins[SectionRendering])
	assert.Positive(t, obs.begins[SectionMetric])
	assert.NotEmpty(t, obs.iterations)
	assert.Equal(t, len(obs.iterations), obs.downloads)
	assert.Len(t, obs.translations, len(obs.iterations)+1)
	assert.Empty(t, obs.shapes)
	for i := 1; i < len(obs.objectives); i++ {
		assert.LessOrEqual(t, obs.objectives[i], obs.objectives[i-1])
	}
}

func TestEngine_OptimizePoseShape(t *testing.T) {
	obs := newRecordingObserver()
	e, _ := fakeEngine(t, 1, 2, testCoef, WithObserver(obs), WithStop(1e-14, 200))
	require.NoError(t, e.SetPoses([]mesh.Pose{{Rotation: r3.Vec{Y: 1}, Translation: r3.Vec{X: 1, Y: 2}}}))
	require.NoError(t, e.SetStandardizedShapeParams([]float64{1, 1}))

	res, err := e.OptimizePoseShape(context.Background(), 1)
	require.NoError(t, err)

	assert.Len(t, res.X, 7)
	assert.Less(t, res.Objective, 1e-6)
	assert.NotEmpty(t, obs.shapes)
	// the second component was not optimized
	assert.InDelta(t, 1, e.StandardizedShapeParams()[1], 1e-12)
}

func TestEngine_OptimizeVertexModes(t *testing.T) {
	e, _ := fakeEngine(t, 2, 1, testCoef, WithStop(1e-7, 5))

	res, err := e.OptimizePoseVertex(context.Background())
	require.NoError(t, err)
	assert.Len(t, res.X, 12)

	res, err = e.OptimizePoseShapeVertex(context.Background(), 0)
	require.NoError(t, err)
	assert.Len(t, res.X, 14)
}

func TestEngine_RequiresReferences(t *testing.T) {
	_, shape := testShape(t)
	r := newFakeRenderer(shape)
	e, err := NewEngine(shape, []*Fragment{NewFragment(shape, NewView(r, newLinearMetric(r, testCoef(0))))}, metric.NewSimpleVertex())
	require.NoError(t, err)

	_, err = e.OptimizePose(context.Background())
	assert.ErrorIs(t, err, metric.ErrNoReference)
}

// cancelObserver cancels its context at the given iteration.
type cancelObserver struct {
	NopObserver
	at     int
	cancel context.CancelFunc
	seen   int
}

func (o *cancelObserver) Iteration(int, float64) {
	o.seen++
	if o.seen == o.at {
		o.cancel()
	}
}

func TestEngine_Cancel(t *testing.T) {
	t.Run("before start", func(t *testing.T) {
		e, renderers := fakeEngine(t, 1, 2, testCoef)
		ctx, cancel := context.WithCancel(context.Background())
		cancel()

		_, err := e.OptimizePose(ctx)
		assert.ErrorIs(t, err, context.Canceled)
		assert.Zero(t, renderers[0].renders)
	})

	t.Run("mid run", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()
		obs := &cancelObserver{at: 2, cancel: cancel}
		e, _ := fakeEngine(t, 1, 2, testCoef, WithObserver(obs), WithStop(1e-14, 200))
		require.NoError(t, e.SetPoses([]mesh.Pose{{Translation: r3.Vec{X: 5}}}))

		res, err := e.OptimizePose(ctx)
		assert.ErrorIs(t, err, context.Canceled)
		assert.Equal(t, 2, obs.seen)
		// the fragments hold the last accepted point
		assert.Equal(t, res.X, e.PosesToVector())
	})
}

func TestProblem_CachesEvaluation(t *testing.T) {
	e, renderers := fakeEngine(t, 1, 1, testCoef)
	m := e.poseMode(false)
	p := &problem{engine: e, mode: m, targets: e.TargetValues()}

	x := []float64{1, 0, 0, 0, 0, 0}
	r1 := p.Residuals(x)
	r2 := p.Residuals(x)
	assert.Equal(t, r1, r2)
	assert.Equal(t, 1, renderers[0].renders)
	assert.InDelta(t, 1.5, r1[0], 1e-12)

	p.Residuals([]float64{2, 0, 0, 0, 0, 0})
	assert.Equal(t, 2, renderers[0].renders)
}
