package register

import (
	"context"
	"fmt"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"

	"github.com/kwv/boneregister/metric"
	"github.com/kwv/boneregister/solver"
)

// mode bundles what differs between the four optimization modes.
type mode struct {
	name     string
	vertex   bool // append vertex metric rows
	encode   func() []float64
	decode   func(x []float64)
	jacobian func() *mat.Dense
	changed  func()
}

func (e *Engine) poseMode(vertex bool) *mode {
	m := &mode{
		name:   "pose",
		vertex: vertex,
		encode: e.PosesToVector,
		decode: func(x []float64) {
			if err := e.VectorToPoses(x); err != nil {
				panic(err)
			}
		},
		jacobian: e.poseGradient,
		changed:  e.posesChanged,
	}
	if vertex {
		m.name = "pose+vertex"
		m.jacobian = e.poseGradientVertex
	}
	return m
}

func (e *Engine) poseShapeMode(vertex bool) *mode {
	m := &mode{
		name:   "pose+shape",
		vertex: vertex,
		encode: e.PosesShapeToVector,
		decode: func(x []float64) {
			if err := e.VectorToPosesShape(x); err != nil {
				panic(err)
			}
		},
		jacobian: e.poseShapeGradient,
		changed:  e.posesShapeChanged,
	}
	if vertex {
		m.name = "pose+shape+vertex"
		m.jacobian = e.poseShapeGradientVertex
	}
	return m
}

func (e *Engine) posesChanged() {
	e.observer.RotationsChanged(e.Rotations())
	e.observer.TranslationsChanged(e.Translations())
}

func (e *Engine) posesShapeChanged() {
	e.posesChanged()
	e.observer.ShapeChanged(e.ShapeParams())
}

// OptimizePose fits the fragment poses to the image metrics.
func (e *Engine) OptimizePose(ctx context.Context) (solver.Result, error) {
	return e.run(ctx, e.poseMode(false))
}

// OptimizePoseShape fits poses and the first count shape parameters (all of
// them when count is 0) to the image metrics.
func (e *Engine) OptimizePoseShape(ctx context.Context, count int) (solver.Result, error) {
	e.SetShapeParamsCount(count)
	return e.run(ctx, e.poseShapeMode(false))
}

// OptimizePoseVertex fits poses to the image and vertex metrics.
func (e *Engine) OptimizePoseVertex(ctx context.Context) (solver.Result, error) {
	return e.run(ctx, e.poseMode(true))
}

// OptimizePoseShapeVertex fits poses and shape to the image and vertex metrics.
func (e *Engine) OptimizePoseShapeVertex(ctx context.Context, count int) (solver.Result, error) {
	e.SetShapeParamsCount(count)
	return e.run(ctx, e.poseShapeMode(true))
}

// run minimizes one mode. On return the fragments hold the last accepted
// parameters, also when ctx ended the search early.
func (e *Engine) run(ctx context.Context, m *mode) (solver.Result, error) {
	if err := ctx.Err(); err != nil {
		return solver.Result{}, err
	}
	for i, v := range e.views {
		if err := metric.CheckReady(v.Metric); err != nil {
			return solver.Result{}, fmt.Errorf("view %d: %w", i, err)
		}
	}

	targets := e.TargetValues()
	if m.vertex {
		targets = append(targets, e.TargetVertexValues()...)
	}
	p := &problem{engine: e, mode: m, targets: targets}
	stop := newEngineStop(ctx, e, m)

	var res solver.Result
	timed(e.observer, SectionRegistration, func() {
		res = solver.Minimize(p, stop, m.encode(), e.settings)
	})
	m.decode(res.X)
	m.changed()

	logf("%s: %d iterations, objective %g (%s)", m.name, res.Iterations, res.Objective, res.Reason)
	if stop.err != nil {
		return res, stop.err
	}
	return res, nil
}

// problem adapts an engine mode to solver.Problem. Values are evaluated
// once per x and cached; residuals are lookups into that cache.
type problem struct {
	engine  *Engine
	mode    *mode
	targets []float64

	x      []float64
	values []float64
}

// EvaluateAll applies x and computes every metric value, unless x is the
// point evaluated last.
func (p *problem) EvaluateAll(x []float64) {
	if p.x != nil && floats.Equal(p.x, x) {
		return
	}
	p.mode.decode(x)
	values := p.engine.Values()
	if p.mode.vertex {
		values = append(values, p.engine.VertexValues()...)
	}
	if len(values) != len(p.targets) {
		panic(fmt.Sprintf("register: %d values for %d targets", len(values), len(p.targets)))
	}
	p.values = values
	p.x = append(p.x[:0], x...)
}

// Residual reads the cached residual i of the last EvaluateAll.
func (p *problem) Residual(i int) float64 {
	return p.values[i] - p.targets[i]
}

// Residuals implements solver.Problem
func (p *problem) Residuals(x []float64) []float64 {
	p.EvaluateAll(x)
	r := make([]float64, len(p.values))
	for i := range r {
		r[i] = p.Residual(i)
	}
	return r
}

// Jacobian implements solver.Problem
func (p *problem) Jacobian(x []float64) *mat.Dense {
	p.mode.decode(x)
	return p.mode.jacobian()
}
