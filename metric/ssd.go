package metric

import (
	"image"
)

// SSD scores the rendering with the mean squared difference of normalized
// intensities. The target is zero.
type SSD struct {
	base
	width, height int
	reference     []uint8
	values        []float64
	target        []float64
}

// NewSSD creates a sum-of-squared-differences metric
func NewSSD(src Readback) *SSD {
	return &SSD{
		base:   base{src: src},
		values: make([]float64, 1),
		target: []float64{0},
	}
}

// SetImage implements ImageMetric
func (m *SSD) SetImage(img image.Image) {
	m.reference, m.width, m.height = redChannel(img)
	m.ready = true
}

// Values implements ImageMetric
func (m *SSD) Values() []float64 {
	if !m.ready {
		panic(ErrNoReference)
	}
	m.before()
	defer m.after()

	red := m.rendered(m.width, m.height)
	sum := 0.0
	for i, v := range red {
		d := (float64(v) - float64(m.reference[i])) / 255
		sum += d * d
	}
	if len(red) > 0 {
		sum /= float64(len(red))
	}
	m.values[0] = sum
	return m.values
}

// TargetValues implements ImageMetric
func (m *SSD) TargetValues() []float64 { return m.target }

// ValuesCount implements ImageMetric
func (m *SSD) ValuesCount() int { return 1 }
