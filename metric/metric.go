// Package metric compares rendered silhouettes with reference radiographs
// and scores cross-view vertex visibility.
package metric

import (
	"errors"
	"fmt"
	"image"
	"image/color"
)

// ErrNoReference reports a metric used before its reference image was set.
var ErrNoReference = errors.New("metric: reference image not set")

// CheckReady returns ErrNoReference when m has no reference to compare against yet
func CheckReady(m ImageMetric) error {
	if r, ok := m.(interface{ HasReference() bool }); ok && !r.HasReference() {
		return ErrNoReference
	}
	if m.ValuesCount() == 0 {
		return ErrNoReference
	}
	return nil
}

// Readback is the rendered-image source a metric reads from.
// RedChannel rows are bottom-up.
type Readback interface {
	RedChannel() []uint8
	RenderedImage() image.Image
	Size() (width, height int)
}

// Hooks receives notifications around every metric evaluation
type Hooks interface {
	BeforeMetric()
	AfterMetric()
}

// ImageMetric computes a vector of similarity values for one rendered view.
// SetImage must be called before Values.
type ImageMetric interface {
	SetImage(img image.Image)
	Values() []float64
	TargetValues() []float64
	ValuesCount() int
	SetHooks(h Hooks)
}

// Masker is implemented by metrics that exclude pixels by mask.
type Masker interface {
	SetMask(mask image.Image)
}

// Method names accepted by New
const (
	MethodPixelDifference       = "BW-PD"
	MethodMaskedPixelDifference = "BW-PD-msk"
	MethodSquaredDifferences    = "BW-SSD"
	MethodMutualInformation     = "NMI"
)

// New creates the metric registered under method, reading from src.
func New(method string, src Readback) (ImageMetric, error) {
	switch method {
	case MethodPixelDifference:
		return NewSimple(src), nil
	case MethodMaskedPixelDifference:
		return NewSimpleMask(src), nil
	case MethodSquaredDifferences:
		return NewSSD(src), nil
	case MethodMutualInformation:
		return NewNMI(src, DefaultBins), nil
	default:
		return nil, fmt.Errorf("unknown metric method %q", method)
	}
}

// UsesMask reports whether method expects per-view masks
func UsesMask(method string) bool {
	return method == MethodMaskedPixelDifference
}

// base carries the readback source and observer hooks shared by all metrics.
type base struct {
	src   Readback
	hooks Hooks
	ready bool
}

func (b *base) SetHooks(h Hooks) { b.hooks = h }

// HasReference reports whether SetImage has been called
func (b *base) HasReference() bool { return b.ready }

func (b *base) before() {
	if b.hooks != nil {
		b.hooks.BeforeMetric()
	}
}

func (b *base) after() {
	if b.hooks != nil {
		b.hooks.AfterMetric()
	}
}

// rendered reads the current rendering as top-down red intensities.
// It panics when the rendering does not match the reference size.
func (b *base) rendered(width, height int) []uint8 {
	w, h := b.src.Size()
	red := b.src.RedChannel()
	if w != width || h != height || len(red) != w*h {
		panic(fmt.Sprintf("metric: rendering is %dx%d (%d px), reference is %dx%d", w, h, len(red), width, height))
	}

	out := make([]uint8, len(red))
	for row := 0; row < h; row++ {
		copy(out[row*w:(row+1)*w], red[(h-1-row)*w:(h-row)*w])
	}
	return out
}

// redChannel extracts the red channel of img in top-down row order.
func redChannel(img image.Image) (red []uint8, width, height int) {
	b := img.Bounds()
	width, height = b.Dx(), b.Dy()
	red = make([]uint8, width*height)
	for y := 0; y < height; y++ {
		for x := 0; x < width; x++ {
			c := color.RGBAModel.Convert(img.At(b.Min.X+x, b.Min.Y+y)).(color.RGBA)
			red[y*width+x] = c.R
		}
	}
	return red, width, height
}
