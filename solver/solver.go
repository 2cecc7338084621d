package solver

import (
	"math"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
)

// Problem is a nonlinear least-squares problem. Residuals returns the full
// residual vector for x; Jacobian returns the len(residuals) x len(x) matrix
// of partial derivatives at x. The solver always asks for the Jacobian at the
// last x it evaluated residuals for. The x slices are reused between calls,
// so implementations that keep x must copy it.
type Problem interface {
	Residuals(x []float64) []float64
	Jacobian(x []float64) *mat.Dense
}

// StopStrategy decides whether the solver runs another iteration.
// It is called once per iteration with the current accepted point.
type StopStrategy interface {
	ShouldContinue(x []float64, objective float64) bool
}

// Reason describes why Minimize returned
type Reason int

const (
	// StopRequested means the stop strategy ended the search.
	StopRequested Reason = iota
	// RadiusCollapsed means the trust region shrank below MinRadius.
	RadiusCollapsed
	// NoPredictedImprovement means the quadratic model predicts no progress.
	NoPredictedImprovement
	// NonFiniteRatio means the actual/predicted ratio was NaN or Inf.
	NonFiniteRatio
)

func (r Reason) String() string {
	switch r {
	case StopRequested:
		return "stop strategy"
	case RadiusCollapsed:
		return "trust region collapsed"
	case NoPredictedImprovement:
		return "no predicted improvement"
	case NonFiniteRatio:
		return "non-finite improvement ratio"
	default:
		return "unknown"
	}
}

// Settings holds trust-region parameters
type Settings struct {
	InitialRadius float64 // Starting trust-region radius
	MinRadius     float64 // Search ends once the radius drops to this value
	MaxRadius     float64 // Radius growth cap
}

// DefaultSettings returns the radii used by the registration engine.
func DefaultSettings() Settings {
	return Settings{
		InitialRadius: 1,
		MinRadius:     1e-13,
		MaxRadius:     1000,
	}
}

// Result is the outcome of a minimization
type Result struct {
	X          []float64 // Last accepted parameter vector
	Objective  float64   // 0.5 * sum(r^2) at X
	Iterations int       // Accepted trust-region steps
	Reason     Reason
}

// Minimize runs a Levenberg-Marquardt style trust-region search starting at x0.
// The objective is 0.5*|r|^2, the gradient J^T r and the Hessian is
// approximated by J^T J. A rejected step shrinks the radius and is retried
// before the stop strategy is consulted again, so every iteration reported to
// the stop strategy has moved x. Numerical problems in the residuals are not
// caught here; a non-finite improvement ratio simply ends the search.
func Minimize(p Problem, stop StopStrategy, x0 []float64, settings Settings) Result {
	x := append([]float64(nil), x0...)

	r := p.Residuals(x)
	f := objective(r)
	g, h := normalEquations(p.Jacobian(x), r)

	radius := settings.InitialRadius
	trial := make([]float64, len(x))

	// advance tries steps until one is accepted or the search cannot go on.
	advance := func() (bool, Reason) {
		for {
			if radius <= settings.MinRadius {
				return false, RadiusCollapsed
			}

			step, boundary := trustRegionStep(h, g, radius)
			floats.AddTo(trial, x, step)

			rt := p.Residuals(trial)
			newF := objective(rt)

			predicted := predictedImprovement(h, g, step)
			if math.Abs(predicted) <= math.Abs(f)*epsilon {
				return false, NoPredictedImprovement
			}

			rho := (f - newF) / math.Abs(predicted)
			if math.IsNaN(rho) || math.IsInf(rho, 0) {
				return false, NonFiniteRatio
			}

			if rho < 0.25 {
				radius *= 0.25
			} else if rho > 0.75 && boundary {
				radius = math.Min(2*radius, settings.MaxRadius)
			}

			if rho > 0 {
				copy(x, trial)
				f = newF
				g, h = normalEquations(p.Jacobian(x), rt)
				return true, 0
			}
		}
	}

	res := Result{}
	for {
		if !stop.ShouldContinue(x, f) {
			res.Reason = StopRequested
			break
		}
		ok, reason := advance()
		if !ok {
			res.Reason = reason
			break
		}
		res.Iterations++
	}

	res.X = x
	res.Objective = f
	return res
}

// epsilon is the float64 machine epsilon.
var epsilon = math.Nextafter(1, 2) - 1

func objective(r []float64) float64 {
	return 0.5 * floats.Dot(r, r)
}

// normalEquations returns the gradient J^T r and the Gauss-Newton Hessian J^T J.
func normalEquations(jac *mat.Dense, r []float64) ([]float64, *mat.SymDense) {
	_, n := jac.Dims()

	var g mat.VecDense
	g.MulVec(jac.T(), mat.NewVecDense(len(r), r))

	h := mat.NewSymDense(n, nil)
	h.SymOuterK(1, jac.T())

	return g.RawVector().Data, h
}

// predictedImprovement is the decrease of the quadratic model -g'p - 0.5 p'Hp.
func predictedImprovement(h *mat.SymDense, g, p []float64) float64 {
	pv := mat.NewVecDense(len(p), p)
	var hp mat.VecDense
	hp.MulVec(h, pv)
	return -0.5*mat.Dot(pv, &hp) - floats.Dot(g, p)
}
