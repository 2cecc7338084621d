package register

import (
	"image"

	"github.com/paulmach/orb"
	"gonum.org/v1/gonum/spatial/r3"

	"github.com/kwv/boneregister/mesh"
	"github.com/kwv/boneregister/metric"
)

// View is one X-ray projection of a fragment: a renderer looking through
// the view's perspective and the metric comparing its output with the
// radiograph.
type View struct {
	Renderer mesh.Renderer
	Metric   metric.ImageMetric

	// VertexCrop bounds, in full-image pixels, where the fragment's
	// vertices are expected to project.
	VertexCrop orb.Bound

	crop image.Rectangle
	mask []bool

	// visibility masks recorded while differentiating, one per perturbed
	// parameter
	plusMasks  [][]bool
	minusMasks [][]bool
}

// NewView pairs a renderer with a metric. The vertex crop starts unbounded.
func NewView(r mesh.Renderer, m metric.ImageMetric) *View {
	return &View{
		Renderer:   r,
		Metric:     m,
		VertexCrop: unboundedCrop,
	}
}

// unboundedCrop accepts every projection that lands on the detector.
var unboundedCrop = orb.Bound{Min: orb.Point{-1e5, -1e5}, Max: orb.Point{1e5, 1e5}}

// SetCrop restricts rendering to r, in full-image pixels.
func (v *View) SetCrop(r image.Rectangle) {
	v.crop = r
	v.Renderer.SetCropWindow(r)
}

// Crop returns the crop window, empty when the full image is rendered.
func (v *View) Crop() image.Rectangle { return v.crop }

// Mask returns the visibility mask computed by the last UpdateMask.
func (v *View) Mask() []bool { return v.mask }

// UpdateMask recomputes which of vertices project inside the vertex crop.
func (v *View) UpdateMask(vertices []r3.Vec) {
	v.mask = v.Renderer.VerticesMask(vertices, v.VertexCrop)
}

// growMasks makes room for n perturbation masks, keeping existing ones.
func (v *View) growMasks(n int) {
	for len(v.plusMasks) < n {
		v.plusMasks = append(v.plusMasks, nil)
		v.minusMasks = append(v.minusMasks, nil)
	}
}

// resetMasks sets the first n perturbation masks to base.
func (v *View) resetMasks(n int, base []bool) {
	v.growMasks(n)
	for i := 0; i < n; i++ {
		v.plusMasks[i] = base
		v.minusMasks[i] = base
	}
}
