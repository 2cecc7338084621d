package register

import (
	"context"

	"github.com/kwv/boneregister/solver"
)

// engineStop reports every solver iteration to the observer before asking
// the objective-delta strategy whether to go on. A cancelled context ends
// the search at the next iteration.
type engineStop struct {
	ctx    context.Context
	engine *Engine
	mode   *mode
	inner  *solver.ObjectiveDeltaStop
	err    error
}

func newEngineStop(ctx context.Context, e *Engine, m *mode) *engineStop {
	return &engineStop{
		ctx:    ctx,
		engine: e,
		mode:   m,
		inner:  solver.NewObjectiveDeltaStop(e.minDelta, e.maxIter),
	}
}

// ShouldContinue implements solver.StopStrategy
func (s *engineStop) ShouldContinue(x []float64, objective float64) bool {
	// the live fragments may still hold a rejected trial point
	s.mode.decode(x)

	o := s.engine.observer
	o.Iteration(s.inner.Iteration(), objective)
	s.mode.changed()
	if o.Images() {
		o.DownloadImages(s.engine.Images())
	}

	if err := s.ctx.Err(); err != nil {
		s.err = err
		return false
	}
	return s.inner.ShouldContinue(x, objective)
}
