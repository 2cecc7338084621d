package solver

import (
	"math"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
)

// maxBisections bounds the search for the Levenberg multiplier.
const maxBisections = 200

// trustRegionStep solves min g'p + 0.5 p'Hp subject to |p| <= radius.
// It returns the step and whether the step lies on the region boundary.
//
// H is diagonalized once; p(lambda) = -(H + lambda I)^-1 g is then cheap to
// evaluate and its norm decreases monotonically in lambda, so the boundary
// multiplier is found by bisection.
func trustRegionStep(h *mat.SymDense, g []float64, radius float64) ([]float64, bool) {
	n := len(g)
	gNorm := floats.Norm(g, 2)
	if gNorm == 0 {
		return make([]float64, n), false
	}

	var eig mat.EigenSym
	if ok := eig.Factorize(h, true); !ok {
		// Steepest descent to the boundary.
		p := make([]float64, n)
		floats.ScaleTo(p, -radius/gNorm, g)
		return p, true
	}
	values := eig.Values(nil)
	var q mat.Dense
	eig.VectorsTo(&q)

	// Gradient in the eigenbasis.
	gt := make([]float64, n)
	for i := range gt {
		gt[i] = mat.Dot(q.ColView(i), mat.NewVecDense(n, g))
	}

	lmin := values[0]
	tol := 1e-12 * math.Max(1, math.Abs(values[n-1]))

	coeffs := func(lambda float64) ([]float64, float64) {
		c := make([]float64, n)
		for i := range c {
			d := values[i] + lambda
			if math.Abs(d) <= tol {
				continue
			}
			c[i] = -gt[i] / d
		}
		return c, floats.Norm(c, 2)
	}

	if lmin > tol {
		if c, norm := coeffs(0); norm <= radius {
			return fromEigenbasis(&q, c), false
		}
	}

	lo := math.Max(0, -lmin)

	// Hard case: the gradient has no component along the smallest eigenvectors,
	// so |p(lambda)| stays bounded as lambda approaches -lmin.
	hard := true
	for i := range values {
		if math.Abs(values[i]+lo) <= tol && math.Abs(gt[i]) > tol*gNorm {
			hard = false
			break
		}
	}
	if hard {
		c, norm := coeffs(lo)
		if norm <= radius {
			if lmin >= -tol {
				// Positive semidefinite: the minimum-norm Newton step is interior.
				return fromEigenbasis(&q, c), false
			}
			c[0] += math.Sqrt(radius*radius - norm*norm)
			return fromEigenbasis(&q, c), true
		}
	}

	hi := lo + gNorm/radius + tol
	for i := 0; i < maxBisections; i++ {
		mid := 0.5 * (lo + hi)
		if mid == lo || mid == hi {
			break
		}
		_, norm := coeffs(mid)
		if math.Abs(norm-radius) <= 1e-9*radius {
			lo, hi = mid, mid
			break
		}
		if norm > radius {
			lo = mid
		} else {
			hi = mid
		}
	}

	c, _ := coeffs(hi)
	return fromEigenbasis(&q, c), true
}

// fromEigenbasis maps eigen-coordinates c back to parameter space.
func fromEigenbasis(q *mat.Dense, c []float64) []float64 {
	n := len(c)
	var p mat.VecDense
	p.MulVec(q, mat.NewVecDense(n, c))
	out := make([]float64, n)
	copy(out, p.RawVector().Data)
	return out
}
