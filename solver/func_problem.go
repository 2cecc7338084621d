package solver

import (
	"gonum.org/v1/gonum/diff/fd"
	"gonum.org/v1/gonum/mat"
)

// FuncProblem adapts a plain residual function to Problem. The Jacobian is
// approximated with central differences.
type FuncProblem struct {
	F    func(dst, x []float64) // Writes M residuals for x into dst
	M    int                    // Number of residuals
	Step float64                // Finite-difference step; 0 uses the fd default
}

// Residuals implements Problem
func (p *FuncProblem) Residuals(x []float64) []float64 {
	dst := make([]float64, p.M)
	p.F(dst, x)
	return dst
}

// Jacobian implements Problem
func (p *FuncProblem) Jacobian(x []float64) *mat.Dense {
	jac := mat.NewDense(p.M, len(x), nil)
	fd.Jacobian(jac, p.F, x, &fd.JacobianSettings{
		Formula: fd.Central,
		Step:    p.Step,
	})
	return jac
}
