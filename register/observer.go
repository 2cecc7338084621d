package register

import (
	"image"

	"gonum.org/v1/gonum/spatial/r3"
)

// Section is a timed phase of a registration run
type Section int

const (
	SectionRendering Section = iota
	SectionMetric
	SectionRegistration
)

func (s Section) String() string {
	switch s {
	case SectionRendering:
		return "rendering"
	case SectionMetric:
		return "metric"
	case SectionRegistration:
		return "registration"
	default:
		return "unknown"
	}
}

// Observer receives progress events from an Engine. All calls happen on the
// goroutine running the registration.
type Observer interface {
	BeginSection(s Section)
	EndSection(s Section)

	// Iteration reports the zero-based solver iteration and its objective.
	Iteration(iter int, objective float64)
	RotationsChanged(rotations []r3.Vec)
	TranslationsChanged(translations []r3.Vec)
	// ShapeChanged receives the raw (unstandardized) shape parameters.
	ShapeChanged(params []float64)

	// Images reports whether DownloadImages should receive renders.
	Images() bool
	DownloadImages(images []image.Image)
}

// NopObserver ignores every event
type NopObserver struct{}

func (NopObserver) BeginSection(Section)         {}
func (NopObserver) EndSection(Section)           {}
func (NopObserver) Iteration(int, float64)       {}
func (NopObserver) RotationsChanged([]r3.Vec)    {}
func (NopObserver) TranslationsChanged([]r3.Vec) {}
func (NopObserver) ShapeChanged([]float64)       {}
func (NopObserver) Images() bool                 { return false }
func (NopObserver) DownloadImages([]image.Image) {}

// timed brackets fn with the section events of o.
func timed(o Observer, s Section, fn func()) {
	o.BeginSection(s)
	defer o.EndSection(s)
	fn()
}

// metricHooks forwards metric evaluation to an observer's metric section.
type metricHooks struct{ o Observer }

func (h metricHooks) BeforeMetric() { h.o.BeginSection(SectionMetric) }
func (h metricHooks) AfterMetric()  { h.o.EndSection(SectionMetric) }

// MultiObserver fans every event out to a list of observers. Images is true
// when any of them wants images.
type MultiObserver []Observer

func (m MultiObserver) BeginSection(s Section) {
	for _, o := range m {
		o.BeginSection(s)
	}
}

func (m MultiObserver) EndSection(s Section) {
	for _, o := range m {
		o.EndSection(s)
	}
}

func (m MultiObserver) Iteration(iter int, objective float64) {
	for _, o := range m {
		o.Iteration(iter, objective)
	}
}

func (m MultiObserver) RotationsChanged(r []r3.Vec) {
	for _, o := range m {
		o.RotationsChanged(r)
	}
}

func (m MultiObserver) TranslationsChanged(t []r3.Vec) {
	for _, o := range m {
		o.TranslationsChanged(t)
	}
}

func (m MultiObserver) ShapeChanged(params []float64) {
	for _, o := range m {
		o.ShapeChanged(params)
	}
}

func (m MultiObserver) Images() bool {
	for _, o := range m {
		if o.Images() {
			return true
		}
	}
	return false
}

// DownloadImages only reaches observers that asked for images
func (m MultiObserver) DownloadImages(images []image.Image) {
	for _, o := range m {
		if o.Images() {
			o.DownloadImages(images)
		}
	}
}
