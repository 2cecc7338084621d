package register

import (
	"fmt"
	"image"
	"log"

	"github.com/paulmach/orb"
	"gonum.org/v1/gonum/spatial/r3"
	"gonum.org/v1/gonum/stat"

	"github.com/kwv/boneregister/mesh"
	"github.com/kwv/boneregister/metric"
	"github.com/kwv/boneregister/solver"
)

// Engine registers several fragments of one bone against a set of
// radiographs. Every fragment has the same number of views and all of them
// share one shape model. Views are ordered fragment by fragment.
type Engine struct {
	shape        *mesh.ShapeModel
	fragments    []*Fragment
	views        []*View
	viewCount    int
	vertexMetric metric.VertexMetric
	observer     Observer

	settings   solver.Settings
	minDelta   float64
	maxIter    int
	shapeCount int

	valuesCount int
}

// Option configures an Engine
type Option func(*Engine)

// WithObserver sets the observer notified during registration
func WithObserver(o Observer) Option {
	return func(e *Engine) { e.SetObserver(o) }
}

// WithStop sets the objective delta and iteration cap of the stop strategy
func WithStop(minDelta float64, maxIter int) Option {
	return func(e *Engine) {
		e.minDelta = minDelta
		e.maxIter = maxIter
	}
}

// WithSolverSettings overrides the trust-region radii
func WithSolverSettings(s solver.Settings) Option {
	return func(e *Engine) { e.settings = s }
}

// NewEngine builds an engine over fragments. The vertex metric is required
// even when only image metrics are optimized: it also reports wrong vertices.
func NewEngine(shape *mesh.ShapeModel, fragments []*Fragment, vm metric.VertexMetric, opts ...Option) (*Engine, error) {
	if shape == nil {
		return nil, fmt.Errorf("shape model is nil")
	}
	if vm == nil {
		return nil, fmt.Errorf("vertex metric is nil")
	}
	if len(fragments) == 0 {
		return nil, fmt.Errorf("no fragments")
	}

	e := &Engine{
		shape:        shape,
		fragments:    fragments,
		viewCount:    len(fragments[0].views),
		vertexMetric: vm,
		settings:     solver.DefaultSettings(),
		minDelta:     solver.DefaultMinDelta,
		maxIter:      solver.DefaultMaxIterations,
	}
	for i, f := range fragments {
		if f.shape != shape {
			return nil, fmt.Errorf("fragment %d uses a different shape model", i)
		}
		if len(f.views) == 0 || len(f.views) != e.viewCount {
			return nil, fmt.Errorf("fragment %d has %d views, want %d: %w", i, len(f.views), e.viewCount, ErrDimension)
		}
		e.views = append(e.views, f.views...)
	}

	vm.SetViewsNumber(e.viewCount)
	vm.SetMesh(shape)

	e.SetObserver(NopObserver{})
	for _, opt := range opts {
		opt(e)
	}
	e.initValuesCount()
	return e, nil
}

// SetObserver replaces the observer of the engine and its fragments
func (e *Engine) SetObserver(o Observer) {
	if o == nil {
		o = NopObserver{}
	}
	e.observer = o
	for _, f := range e.fragments {
		f.SetObserver(o)
	}
}

// Observer returns the current observer
func (e *Engine) Observer() Observer { return e.observer }

// Fragments returns the fragments in parameter order
func (e *Engine) Fragments() []*Fragment { return e.fragments }

// Views returns every view, fragment by fragment
func (e *Engine) Views() []*View { return e.views }

// ViewCount is the number of views per fragment
func (e *Engine) ViewCount() int { return e.viewCount }

// Shape returns the shape model shared by all fragments
func (e *Engine) Shape() *mesh.ShapeModel { return e.shape }

// VertexMetric returns the vertex visibility metric
func (e *Engine) VertexMetric() metric.VertexMetric { return e.vertexMetric }

// SetShapeParamsCount limits shape optimization to the first n components.
// Zero, or anything beyond the model size, selects all of them.
func (e *Engine) SetShapeParamsCount(n int) {
	if n <= 0 || n > e.shape.Len() {
		n = e.shape.Len()
	}
	e.shapeCount = n
}

// ShapeParamsCount returns the number of optimized shape components
func (e *Engine) ShapeParamsCount() int {
	if e.shapeCount == 0 {
		return e.shape.Len()
	}
	return e.shapeCount
}

func (e *Engine) initValuesCount() {
	e.valuesCount = 0
	for _, f := range e.fragments {
		f.InitValuesCount()
		e.valuesCount += f.valuesCount
	}
}

// ---------------------------------------------------------------------------
// View setup
// ---------------------------------------------------------------------------

// SetImages sets one reference radiograph per view
func (e *Engine) SetImages(images []image.Image) error {
	if len(images) != len(e.views) {
		return fmt.Errorf("%d images for %d views: %w", len(images), len(e.views), ErrDimension)
	}
	for i, v := range e.views {
		v.Metric.SetImage(images[i])
	}
	e.initValuesCount()
	return nil
}

// SetMasks sets one exclusion mask per view. Every view's metric must
// accept masks.
func (e *Engine) SetMasks(masks []image.Image) error {
	if len(masks) != len(e.views) {
		return fmt.Errorf("%d masks for %d views: %w", len(masks), len(e.views), ErrDimension)
	}
	for i, v := range e.views {
		m, ok := v.Metric.(metric.Masker)
		if !ok {
			return fmt.Errorf("view %d: metric %T does not take masks", i, v.Metric)
		}
		m.SetMask(masks[i])
	}
	e.initValuesCount()
	return nil
}

// SetPerspectives sets one projection pyramid per view
func (e *Engine) SetPerspectives(p []mesh.Pyramid) error {
	if len(p) != len(e.views) {
		return fmt.Errorf("%d perspectives for %d views: %w", len(p), len(e.views), ErrDimension)
	}
	for i, v := range e.views {
		v.Renderer.SetPerspective(p[i])
	}
	return nil
}

// SetCrops sets one render crop window per view
func (e *Engine) SetCrops(crops []image.Rectangle) error {
	if len(crops) != len(e.views) {
		return fmt.Errorf("%d crops for %d views: %w", len(crops), len(e.views), ErrDimension)
	}
	for i, v := range e.views {
		v.SetCrop(crops[i])
	}
	return nil
}

// SetVertexCrops sets one vertex crop per view
func (e *Engine) SetVertexCrops(crops []orb.Bound) error {
	if len(crops) != len(e.views) {
		return fmt.Errorf("%d vertex crops for %d views: %w", len(crops), len(e.views), ErrDimension)
	}
	for i, v := range e.views {
		v.VertexCrop = crops[i]
	}
	return nil
}

// ---------------------------------------------------------------------------
// Parameters
// ---------------------------------------------------------------------------

// Rotations returns each fragment's rotation in degrees
func (e *Engine) Rotations() []r3.Vec {
	out := make([]r3.Vec, len(e.fragments))
	for i, f := range e.fragments {
		out[i] = f.Rotation()
	}
	return out
}

// Translations returns each fragment's translation in millimetres
func (e *Engine) Translations() []r3.Vec {
	out := make([]r3.Vec, len(e.fragments))
	for i, f := range e.fragments {
		out[i] = f.Translation()
	}
	return out
}

// Poses returns each fragment's pose
func (e *Engine) Poses() []mesh.Pose {
	out := make([]mesh.Pose, len(e.fragments))
	for i, f := range e.fragments {
		out[i] = f.Pose()
	}
	return out
}

// SetRotations sets one rotation per fragment
func (e *Engine) SetRotations(r []r3.Vec) error {
	if len(r) != len(e.fragments) {
		return fmt.Errorf("%d rotations for %d fragments: %w", len(r), len(e.fragments), ErrDimension)
	}
	for i, f := range e.fragments {
		f.SetRotation(r[i])
	}
	return nil
}

// SetTranslations sets one translation per fragment
func (e *Engine) SetTranslations(t []r3.Vec) error {
	if len(t) != len(e.fragments) {
		return fmt.Errorf("%d translations for %d fragments: %w", len(t), len(e.fragments), ErrDimension)
	}
	for i, f := range e.fragments {
		f.SetTranslation(t[i])
	}
	return nil
}

// SetPoses sets one pose per fragment. It fails with ErrDimension when
// the count does not match.
func (e *Engine) SetPoses(p []mesh.Pose) error {
	if len(p) != len(e.fragments) {
		return fmt.Errorf("%d poses for %d fragments: %w", len(p), len(e.fragments), ErrDimension)
	}
	for i, f := range e.fragments {
		f.SetPose(p[i])
	}
	return nil
}

// ShapeParams returns the raw shape coefficients
func (e *Engine) ShapeParams() []float64 { return e.shape.Params() }

// StandardizedShapeParams returns the coefficients divided by their std
func (e *Engine) StandardizedShapeParams() []float64 { return e.shape.StandardizedParams() }

// SetShapeParams sets the raw shape coefficients
func (e *Engine) SetShapeParams(raw []float64) error { return e.shape.SetParams(raw) }

// SetStandardizedShapeParams sets the coefficients in units of their std
func (e *Engine) SetStandardizedShapeParams(std []float64) error {
	return e.shape.SetStandardizedParams(std)
}

// SetDensityParams forwards to every fragment; surface fragments reject it.
func (e *Engine) SetDensityParams(params []float64) error {
	for _, f := range e.fragments {
		if err := f.SetDensityParams(params); err != nil {
			return err
		}
	}
	return nil
}

// ---------------------------------------------------------------------------
// Vector encoding
// ---------------------------------------------------------------------------

// PosesToVector lays out rotation then translation for each fragment.
func (e *Engine) PosesToVector() []float64 {
	x := make([]float64, 0, 6*len(e.fragments)+e.ShapeParamsCount())
	for _, f := range e.fragments {
		r, t := f.Rotation(), f.Translation()
		x = append(x, r.X, r.Y, r.Z, t.X, t.Y, t.Z)
	}
	return x
}

// VectorToPoses applies a vector laid out by PosesToVector
func (e *Engine) VectorToPoses(x []float64) error {
	if len(x) != 6*len(e.fragments) {
		return fmt.Errorf("pose vector has %d entries, want %d: %w", len(x), 6*len(e.fragments), ErrDimension)
	}
	e.decodePoses(x)
	return nil
}

func (e *Engine) decodePoses(x []float64) {
	for i, f := range e.fragments {
		p := x[6*i : 6*i+6]
		f.SetPose(mesh.Pose{
			Rotation:    r3.Vec{X: p[0], Y: p[1], Z: p[2]},
			Translation: r3.Vec{X: p[3], Y: p[4], Z: p[5]},
		})
	}
}

// PosesShapeToVector appends the first ShapeParamsCount standardized shape
// parameters to the pose vector.
func (e *Engine) PosesShapeToVector() []float64 {
	return append(e.PosesToVector(), e.shape.StandardizedParams()[:e.ShapeParamsCount()]...)
}

// VectorToPosesShape applies poses and overwrites the leading standardized
// shape parameters with the rest of x.
func (e *Engine) VectorToPosesShape(x []float64) error {
	n := 6 * len(e.fragments)
	if len(x) < n || len(x)-n > e.shape.Len() {
		return fmt.Errorf("pose and shape vector has %d entries: %w", len(x), ErrDimension)
	}
	e.decodePoses(x[:n])
	std := e.shape.StandardizedParams()
	copy(std, x[n:])
	return e.shape.SetStandardizedParams(std)
}

// ---------------------------------------------------------------------------
// Evaluation
// ---------------------------------------------------------------------------

// RenderNow renders every view at the current parameters
func (e *Engine) RenderNow() {
	for _, f := range e.fragments {
		f.Render()
	}
}

// Values renders all views and returns their metric values in view order.
func (e *Engine) Values() []float64 {
	out := make([]float64, 0, e.valuesCount)
	for _, f := range e.fragments {
		f.Render()
		out = append(out, f.Values()...)
	}
	return out
}

// ValuesCount is the total number of image metric values
func (e *Engine) ValuesCount() int { return e.valuesCount }

// TargetValues returns the image metric targets in view order
func (e *Engine) TargetValues() []float64 {
	out := make([]float64, 0, e.valuesCount)
	for _, f := range e.fragments {
		out = append(out, f.TargetValues()...)
	}
	return out
}

// UpdateMasks recomputes the vertex visibility of every view
func (e *Engine) UpdateMasks() {
	for _, f := range e.fragments {
		f.UpdateMasks()
	}
}

// VertexValues updates the visibility masks and scores them. The returned
// slice is owned by the caller.
func (e *Engine) VertexValues() []float64 {
	e.UpdateMasks()
	masks := make([][]bool, len(e.views))
	for i, v := range e.views {
		masks[i] = v.mask
	}
	return append([]float64(nil), e.vertexMetric.Values(masks, nil)...)
}

// TargetVertexValues copies the vertex metric targets
func (e *Engine) TargetVertexValues() []float64 {
	return append([]float64(nil), e.vertexMetric.TargetValues()...)
}

// WrongVertices reports the vertices whose visibility count was off in the
// last vertex evaluation.
func (e *Engine) WrongVertices() int { return e.vertexMetric.WrongVertices() }

// Images renders every view and returns the renders in view order. These
// renders are not reported to the observer.
func (e *Engine) Images() []image.Image {
	out := make([]image.Image, len(e.views))
	for i, v := range e.views {
		v.Renderer.RenderNow()
		out[i] = v.Renderer.RenderedImage()
	}
	return out
}

// ---------------------------------------------------------------------------
// Geometry
// ---------------------------------------------------------------------------

// BoundingBox is the axis-aligned box of the current shape in model space.
func (e *Engine) BoundingBox() r3.Box {
	return mesh.Bounds(e.views[0].Renderer.RecomputedVertices())
}

// BoundingBoxSize returns the extent of BoundingBox along each axis
func (e *Engine) BoundingBoxSize() r3.Vec {
	return mesh.BoxSize(e.BoundingBox())
}

// MeanRotation averages the fragment rotations component-wise
func (e *Engine) MeanRotation() r3.Vec { return meanVec(e.Rotations()) }

// MeanTranslation averages the fragment translations component-wise
func (e *Engine) MeanTranslation() r3.Vec { return meanVec(e.Translations()) }

func meanVec(vs []r3.Vec) r3.Vec {
	var c [3][]float64
	for _, v := range vs {
		for i := range c {
			c[i] = append(c[i], component(v, i))
		}
	}
	return r3.Vec{X: stat.Mean(c[0], nil), Y: stat.Mean(c[1], nil), Z: stat.Mean(c[2], nil)}
}

// logf writes engine diagnostics
func logf(format string, args ...any) {
	log.Printf("[REGISTER] "+format, args...)
}
