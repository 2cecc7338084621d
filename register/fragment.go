package register

import (
	"fmt"

	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/spatial/r3"

	"github.com/kwv/boneregister/mesh"
)

// gradientStep is the central-difference step for every parameter: one
// degree, one millimetre or one standard deviation.
const gradientStep = 1.0

// Fragment is one rigid piece of bone seen through one or more views. All
// fragments of an engine share the same shape model.
type Fragment struct {
	pose        mesh.Pose
	shape       *mesh.ShapeModel
	views       []*View
	observer    Observer
	valuesCount int
}

// NewFragment creates a fragment at the identity pose
func NewFragment(shape *mesh.ShapeModel, views ...*View) *Fragment {
	f := &Fragment{
		shape: shape,
		views: views,
	}
	f.SetObserver(NopObserver{})
	f.applyPose()
	return f
}

// Views returns the fragment's views in order
func (f *Fragment) Views() []*View { return f.views }

// SetObserver routes rendering and metric timing to o
func (f *Fragment) SetObserver(o Observer) {
	f.observer = o
	for _, v := range f.views {
		v.Metric.SetHooks(metricHooks{o})
	}
}

// Pose returns the fragment's rotation and translation
func (f *Fragment) Pose() mesh.Pose { return f.pose }

// Rotation returns the rotation angles in degrees
func (f *Fragment) Rotation() r3.Vec { return f.pose.Rotation }

// Translation returns the translation in millimetres
func (f *Fragment) Translation() r3.Vec { return f.pose.Translation }

// SetPose moves the fragment and every renderer viewing it
func (f *Fragment) SetPose(p mesh.Pose) {
	f.pose = p
	f.applyPose()
}

// SetRotation changes the rotation and keeps the translation
func (f *Fragment) SetRotation(r r3.Vec) {
	f.pose.Rotation = r
	f.applyPose()
}

// SetTranslation changes the translation and keeps the rotation
func (f *Fragment) SetTranslation(t r3.Vec) {
	f.pose.Translation = t
	f.applyPose()
}

func (f *Fragment) applyPose() {
	for _, v := range f.views {
		v.Renderer.SetRotation(f.pose.Rotation)
		v.Renderer.SetTranslation(f.pose.Translation)
	}
}

// InitValuesCount caches the number of metric values over all views. It
// must be called again whenever a reference image or mask changes.
func (f *Fragment) InitValuesCount() {
	f.valuesCount = 0
	for _, v := range f.views {
		f.valuesCount += v.Metric.ValuesCount()
	}
}

// ValuesCount returns the cached value count
func (f *Fragment) ValuesCount() int { return f.valuesCount }

// Render renders every view at the current pose and shape.
func (f *Fragment) Render() {
	for _, v := range f.views {
		f.render(v)
	}
}

func (f *Fragment) render(v *View) {
	timed(f.observer, SectionRendering, v.Renderer.RenderNow)
}

// Values concatenates the metric values of all views for the last render.
func (f *Fragment) Values() []float64 {
	out := make([]float64, 0, f.valuesCount)
	for _, v := range f.views {
		out = append(out, v.Metric.Values()...)
	}
	return out
}

// TargetValues concatenates the metric targets of all views
func (f *Fragment) TargetValues() []float64 {
	out := make([]float64, 0, f.valuesCount)
	for _, v := range f.views {
		out = append(out, v.Metric.TargetValues()...)
	}
	return out
}

// UpdateMasks recomputes every view's vertex visibility at the current pose.
func (f *Fragment) UpdateMasks() {
	vertices := f.recomputedVertices()
	for _, v := range f.views {
		v.UpdateMask(vertices)
	}
}

func (f *Fragment) recomputedVertices() []r3.Vec {
	vertices := f.views[0].Renderer.RecomputedVertices()
	if len(vertices) == 0 {
		panic("register: renderer returned no vertices")
	}
	return vertices
}

// RotationGradient differentiates the fragment's metric values with respect
// to its three rotation angles. The result has ValuesCount rows.
func (f *Fragment) RotationGradient() *mat.Dense {
	return f.poseGradient(f.Rotation, f.SetRotation)
}

// TranslationGradient differentiates the metric values with respect to the
// three translation components.
func (f *Fragment) TranslationGradient() *mat.Dense {
	return f.poseGradient(f.Translation, f.SetTranslation)
}

// poseGradient records each view's visibility at every perturbed pose in
// its plus and minus masks. The pose is restored on return, including when
// a metric panics.
func (f *Fragment) poseGradient(get func() r3.Vec, set func(r3.Vec)) *mat.Dense {
	f.checkValuesCount()
	for _, v := range f.views {
		v.growMasks(3)
	}

	base := get()
	defer set(base)
	jac := mat.NewDense(f.valuesCount, 3, nil)

	// the shape does not change, so one vertex readback serves every render
	var vertices []r3.Vec
	sample := func(col int, sign float64) {
		set(withComponent(base, col, sign*gradientStep))
		row := 0
		for _, v := range f.views {
			f.render(v)
			if vertices == nil {
				vertices = f.recomputedVertices()
			}
			mask := v.Renderer.VerticesMask(vertices, v.VertexCrop)
			if sign > 0 {
				v.plusMasks[col] = mask
			} else {
				v.minusMasks[col] = mask
			}
			row = f.accumulate(jac, row, col, sign, v.Metric.Values())
		}
	}

	for col := 0; col < 3; col++ {
		sample(col, 1)
		sample(col, -1)
	}
	return jac
}

// ShapeGradient differentiates the metric values with respect to the first
// count standardized shape parameters, or all of them when count is 0.
// The shared shape model is restored on return, panics included.
func (f *Fragment) ShapeGradient(count int) *mat.Dense {
	f.checkValuesCount()

	base := f.shape.StandardizedParams()
	if count <= 0 || count > len(base) {
		count = len(base)
	}
	for _, v := range f.views {
		v.growMasks(count)
	}

	defer f.setShape(base)

	jac := mat.NewDense(f.valuesCount, count, nil)
	params := make([]float64, len(base))
	sample := func(col int, sign float64) {
		copy(params, base)
		params[col] += sign * gradientStep
		f.setShape(params)

		row := 0
		for _, v := range f.views {
			f.render(v)
			mask := v.Renderer.VerticesMask(f.recomputedVertices(), v.VertexCrop)
			if sign > 0 {
				v.plusMasks[col] = mask
			} else {
				v.minusMasks[col] = mask
			}
			row = f.accumulate(jac, row, col, sign, v.Metric.Values())
		}
	}

	for col := 0; col < count; col++ {
		sample(col, 1)
		sample(col, -1)
	}
	return jac
}

// accumulate adds the plus sample to column col, or turns it into the
// central difference when the minus sample arrives.
func (f *Fragment) accumulate(jac *mat.Dense, row, col int, sign float64, values []float64) int {
	for _, val := range values {
		if sign > 0 {
			jac.Set(row, col, val)
		} else {
			jac.Set(row, col, (jac.At(row, col)-val)/(2*gradientStep))
		}
		row++
	}
	return row
}

func (f *Fragment) setShape(std []float64) {
	if err := f.shape.SetStandardizedParams(std); err != nil {
		panic(fmt.Sprintf("register: %v", err))
	}
}

func (f *Fragment) checkValuesCount() {
	if f.valuesCount == 0 {
		panic("register: fragment has no metric values; set the reference images first")
	}
}

// SetDensityParams is not supported for surface fragments
func (f *Fragment) SetDensityParams(params []float64) error {
	return fmt.Errorf("density parameters: %w", ErrUnimplemented)
}

// SetStandardizedDensityParams is not supported for surface fragments
func (f *Fragment) SetStandardizedDensityParams(params []float64) error {
	return fmt.Errorf("standardized density parameters: %w", ErrUnimplemented)
}

func withComponent(v r3.Vec, i int, delta float64) r3.Vec {
	switch i {
	case 0:
		v.X += delta
	case 1:
		v.Y += delta
	default:
		v.Z += delta
	}
	return v
}

func component(v r3.Vec, i int) float64 {
	switch i {
	case 0:
		return v.X
	case 1:
		return v.Y
	default:
		return v.Z
	}
}
