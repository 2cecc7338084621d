package register

import "gonum.org/v1/gonum/mat"

// The global Jacobian has one row block per fragment (its image metric
// values), followed by the vertex metric rows in vertex modes. Columns are
// rotation and translation per fragment, then the shared shape parameters.

// setBlock copies src into dst starting at (row, col).
func setBlock(dst *mat.Dense, row, col int, src mat.Matrix) {
	r, c := src.Dims()
	dst.Slice(row, row+r, col, col+c).(*mat.Dense).Copy(src)
}

func (e *Engine) poseGradient() *mat.Dense {
	return e.gradient(0, false)
}

func (e *Engine) poseShapeGradient() *mat.Dense {
	return e.gradient(e.ShapeParamsCount(), false)
}

func (e *Engine) poseGradientVertex() *mat.Dense {
	return e.gradient(0, true)
}

func (e *Engine) poseShapeGradientVertex() *mat.Dense {
	return e.gradient(e.ShapeParamsCount(), true)
}

// gradient assembles the Jacobian for the pose columns, shape columns
// (when shapeCount > 0) and vertex rows (when vertex is set).
func (e *Engine) gradient(shapeCount int, vertex bool) *mat.Dense {
	rows := e.valuesCount
	if vertex {
		rows += e.vertexMetric.ValuesCount()
	}
	cols := 6*len(e.fragments) + shapeCount
	jac := mat.NewDense(rows, cols, nil)

	// Views of the fragments not being perturbed keep the visibility of
	// the current parameters.
	var baseline [][]bool
	if vertex {
		vertices := e.views[0].Renderer.RecomputedVertices()
		baseline = make([][]bool, len(e.views))
		for i, v := range e.views {
			baseline[i] = v.Renderer.VerticesMask(vertices, v.VertexCrop)
		}
	}

	row, col := 0, 0
	for _, f := range e.fragments {
		if vertex {
			for i, v := range e.views {
				v.resetMasks(3, baseline[i])
			}
		}
		setBlock(jac, row, col, f.RotationGradient())
		if vertex {
			e.vertexColumns(jac, col, 3)
		}
		col += 3

		// the other fragments' masks still hold the baseline
		setBlock(jac, row, col, f.TranslationGradient())
		if vertex {
			e.vertexColumns(jac, col, 3)
		}
		col += 3
		row += f.valuesCount
	}

	if shapeCount == 0 {
		return jac
	}

	// The shape is shared, so every fragment responds to every shape
	// column and the vertex rows see all fragments perturbed at once.
	row = 0
	for _, f := range e.fragments {
		setBlock(jac, row, col, f.ShapeGradient(shapeCount))
		row += f.valuesCount
	}
	if vertex {
		e.vertexColumns(jac, col, shapeCount)
	}
	return jac
}

// vertexColumns fills the vertex rows of n columns starting at col from the
// plus and minus masks recorded by the views.
func (e *Engine) vertexColumns(jac *mat.Dense, col, n int) {
	plus := make([][]bool, len(e.views))
	minus := make([][]bool, len(e.views))
	for p := 0; p < n; p++ {
		for i, v := range e.views {
			plus[i] = v.plusMasks[p]
			minus[i] = v.minusMasks[p]
		}
		pv := append([]float64(nil), e.vertexMetric.Values(plus, nil)...)
		mv := e.vertexMetric.Values(minus, nil)
		for j := range pv {
			jac.Set(e.valuesCount+j, col+p, (pv[j]-mv[j])/(2*gradientStep))
		}
	}
}
