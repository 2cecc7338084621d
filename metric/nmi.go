package metric

import (
	"image"
	"math"

	"gonum.org/v1/gonum/stat"
)

// DefaultBins is the histogram resolution of the mutual information metric
const DefaultBins = 64

// NMITarget is the value of the normalized mutual information of identical images
const NMITarget = 2.0

// NMI scores the rendering with normalized mutual information
// (H(A) + H(B)) / H(A, B), a single value in [1, 2].
type NMI struct {
	base
	bins          int
	width, height int
	reference     []uint8
	values        []float64
	target        []float64
}

// NewNMI creates a mutual information metric with the given histogram bins
func NewNMI(src Readback, bins int) *NMI {
	if bins <= 0 {
		bins = DefaultBins
	}
	return &NMI{
		base:   base{src: src},
		bins:   bins,
		values: make([]float64, 1),
		target: []float64{NMITarget},
	}
}

// SetBins changes the histogram resolution
func (m *NMI) SetBins(bins int) {
	if bins > 0 {
		m.bins = bins
	}
}

// SetImage implements ImageMetric
func (m *NMI) SetImage(img image.Image) {
	m.reference, m.width, m.height = redChannel(img)
	m.ready = true
}

// Values implements ImageMetric. A NaN result is replaced by the target.
func (m *NMI) Values() []float64 {
	if !m.ready {
		panic(ErrNoReference)
	}
	m.before()
	defer m.after()

	v := NormalizedMutualInformation(m.reference, m.rendered(m.width, m.height), m.bins)
	if math.IsNaN(v) {
		v = NMITarget
	}
	m.values[0] = v
	return m.values
}

// TargetValues implements ImageMetric
func (m *NMI) TargetValues() []float64 { return m.target }

// ValuesCount implements ImageMetric
func (m *NMI) ValuesCount() int { return 1 }

// NormalizedMutualInformation returns (H(A) + H(B)) / H(A, B) of two
// equally sized 8-bit images. Two constant images give NaN.
func NormalizedMutualInformation(a, b []uint8, bins int) float64 {
	if len(a) != len(b) {
		panic("metric: images differ in size")
	}
	if len(a) == 0 {
		return math.NaN()
	}

	pa := make([]float64, bins)
	pb := make([]float64, bins)
	pab := make([]float64, bins*bins)
	for i := range a {
		ia := int(a[i]) * bins / 256
		ib := int(b[i]) * bins / 256
		pa[ia]++
		pb[ib]++
		pab[ia*bins+ib]++
	}

	n := float64(len(a))
	for _, p := range [][]float64{pa, pb, pab} {
		for i := range p {
			p[i] /= n
		}
	}

	return (stat.Entropy(pa) + stat.Entropy(pb)) / stat.Entropy(pab)
}
