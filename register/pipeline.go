package register

import (
	"context"
	"fmt"

	"github.com/kwv/boneregister/solver"
)

// StageStats records one registration stage
type StageStats struct {
	Name       string
	Iterations int
	Images     int
	Result     solver.Result
}

// Pipeline runs the standard three registration stages: poses alone, poses
// with the leading shape components, then poses with the full shape. With
// several fragments and the vertex metric enabled the shape stages also fit
// vertex visibility.
type Pipeline struct {
	Engine          *Engine
	Counter         *DefaultObserver // source of per-stage counts; may be nil
	ShapeComponents int
	Vertex          bool
	// OnStage is called before each stage starts
	OnStage func(name string)
}

// NewPipeline creates a pipeline for cfg. The vertex stages are used only
// for multi-fragment registrations.
func NewPipeline(e *Engine, counter *DefaultObserver, cfg *Config) *Pipeline {
	return &Pipeline{
		Engine:          e,
		Counter:         counter,
		ShapeComponents: cfg.ShapeComponents,
		Vertex:          cfg.VertexMetric && len(e.Fragments()) > 1,
	}
}

// Run executes the stages in order and stops at the first error.
func (p *Pipeline) Run(ctx context.Context) ([]StageStats, error) {
	type stage struct {
		name string
		run  func(context.Context) (solver.Result, error)
	}

	e := p.Engine
	stages := []stage{{"pose", e.OptimizePose}}
	if p.Vertex {
		stages = append(stages,
			stage{fmt.Sprintf("pose+shape+vertex(%d)", p.ShapeComponents), func(ctx context.Context) (solver.Result, error) {
				return e.OptimizePoseShapeVertex(ctx, p.ShapeComponents)
			}},
			stage{"pose+shape+vertex", func(ctx context.Context) (solver.Result, error) {
				return e.OptimizePoseShapeVertex(ctx, 0)
			}},
		)
	} else {
		stages = append(stages,
			stage{fmt.Sprintf("pose+shape(%d)", p.ShapeComponents), func(ctx context.Context) (solver.Result, error) {
				return e.OptimizePoseShape(ctx, p.ShapeComponents)
			}},
			stage{"pose+shape", func(ctx context.Context) (solver.Result, error) {
				return e.OptimizePoseShape(ctx, 0)
			}},
		)
	}

	var stats []StageStats
	for _, s := range stages {
		if p.OnStage != nil {
			p.OnStage(s.name)
		}
		iters, images := p.counts()
		res, err := s.run(ctx)
		afterIters, afterImages := p.counts()
		stats = append(stats, StageStats{
			Name:       s.name,
			Iterations: afterIters - iters,
			Images:     afterImages - images,
			Result:     res,
		})
		if err != nil {
			return stats, fmt.Errorf("stage %s: %w", s.name, err)
		}
	}
	return stats, nil
}

func (p *Pipeline) counts() (iterations, images int) {
	if p.Counter == nil {
		return 0, 0
	}
	return p.Counter.Iterations(), p.Counter.RenderedImages()
}
