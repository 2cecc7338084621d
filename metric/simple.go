package metric

import (
	"image"
)

// Simple compares every pixel: values are rendered red / 255 and targets
// are reference red / 255, both in top-down row order.
type Simple struct {
	base
	width, height int
	target        []float64
	values        []float64
}

// NewSimple creates a whole-image pixel difference metric
func NewSimple(src Readback) *Simple {
	return &Simple{base: base{src: src}}
}

// SetImage implements ImageMetric
func (m *Simple) SetImage(img image.Image) {
	red, w, h := redChannel(img)
	m.width, m.height = w, h
	m.target = make([]float64, len(red))
	for i, v := range red {
		m.target[i] = float64(v) / 255
	}
	m.values = make([]float64, len(red))
	m.ready = true
}

// Values implements ImageMetric
func (m *Simple) Values() []float64 {
	if !m.ready {
		panic(ErrNoReference)
	}
	m.before()
	defer m.after()

	red := m.rendered(m.width, m.height)
	for i, v := range red {
		m.values[i] = float64(v) / 255
	}
	return m.values
}

// TargetValues implements ImageMetric
func (m *Simple) TargetValues() []float64 { return m.target }

// ValuesCount implements ImageMetric
func (m *Simple) ValuesCount() int { return len(m.target) }

// SimpleMask is Simple restricted to pixels whose mask red channel is zero.
// The mask may be set before or after the reference image, but it must
// have the reference size.
type SimpleMask struct {
	base
	width, height int
	reference     []uint8
	keep          []int // top-down pixel indices outside the mask
	target        []float64
	values        []float64
}

// NewSimpleMask creates a masked pixel difference metric
func NewSimpleMask(src Readback) *SimpleMask {
	return &SimpleMask{base: base{src: src}}
}

// SetMask excludes every pixel whose mask red value is above zero
func (m *SimpleMask) SetMask(mask image.Image) {
	red, w, h := redChannel(mask)
	if m.reference != nil && (w != m.width || h != m.height) {
		panic("metric: mask size does not match reference size")
	}
	m.width, m.height = w, h
	m.keep = make([]int, 0, len(red))
	for i, v := range red {
		if v == 0 {
			m.keep = append(m.keep, i)
		}
	}
	m.rebuild()
}

// SetImage implements ImageMetric
func (m *SimpleMask) SetImage(img image.Image) {
	red, w, h := redChannel(img)
	if m.keep != nil && (w != m.width || h != m.height) {
		panic("metric: reference size does not match mask size")
	}
	if m.keep == nil {
		// No mask yet: every pixel counts.
		m.keep = make([]int, len(red))
		for i := range m.keep {
			m.keep[i] = i
		}
	}
	m.width, m.height = w, h
	m.reference = red
	m.ready = true
	m.rebuild()
}

func (m *SimpleMask) rebuild() {
	if m.reference == nil {
		return
	}
	m.target = make([]float64, len(m.keep))
	for k, i := range m.keep {
		m.target[k] = float64(m.reference[i]) / 255
	}
	m.values = make([]float64, len(m.keep))
}

// Values implements ImageMetric
func (m *SimpleMask) Values() []float64 {
	if !m.ready {
		panic(ErrNoReference)
	}
	m.before()
	defer m.after()

	red := m.rendered(m.width, m.height)
	for k, i := range m.keep {
		m.values[k] = float64(red[i]) / 255
	}
	return m.values
}

// TargetValues implements ImageMetric
func (m *SimpleMask) TargetValues() []float64 { return m.target }

// ValuesCount implements ImageMetric
func (m *SimpleMask) ValuesCount() int { return len(m.target) }
