package register

import (
	"fmt"
	"image"
	"image/color"
	"image/png"
	"io"
	"log"
	"path/filepath"
	"sync"
	"time"

	"golang.org/x/image/font"
	"golang.org/x/image/font/basicfont"
	"golang.org/x/image/math/fixed"
	"gonum.org/v1/gonum/spatial/r3"
)

// DefaultObserver accumulates timings and counters for the measurement
// report, optionally logs each iteration and writes overlay images.
type DefaultObserver struct {
	mu sync.Mutex

	verbose    bool
	saveImages bool
	imagesPath string
	references []image.Image
	stream     io.Writer

	started map[Section]time.Time

	renderingTime    time.Duration
	metricTime       time.Duration
	registrationTime time.Duration

	renderedImages  int
	metricsComputed int
	iterations      int
	values          []float64
}

// NewDefaultObserver creates an observer that logs when verbose is set
func NewDefaultObserver(verbose bool) *DefaultObserver {
	return &DefaultObserver{
		verbose: verbose,
		started: make(map[Section]time.Time),
	}
}

// SaveImages writes an overlay per view and iteration into dir, comparing
// each render with the matching reference image.
func (o *DefaultObserver) SaveImages(dir string, references []image.Image) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.saveImages = true
	o.imagesPath = dir
	o.references = references
}

// SetStream receives every objective value, separated by semicolons
func (o *DefaultObserver) SetStream(w io.Writer) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.stream = w
}

// BeginSection implements Observer
func (o *DefaultObserver) BeginSection(s Section) {
	o.mu.Lock()
	defer o.mu.Unlock()
	switch s {
	case SectionRendering:
		o.renderedImages++
	case SectionMetric:
		o.metricsComputed++
	}
	o.started[s] = time.Now()
}

// EndSection implements Observer
func (o *DefaultObserver) EndSection(s Section) {
	o.mu.Lock()
	defer o.mu.Unlock()
	start, ok := o.started[s]
	if !ok {
		return
	}
	d := time.Since(start)
	switch s {
	case SectionRendering:
		o.renderingTime += d
	case SectionMetric:
		o.metricTime += d
	case SectionRegistration:
		o.registrationTime += d
		if o.verbose {
			log.Printf("[OBSERVER] registration finished in %v", d)
		}
	}
	delete(o.started, s)
}

// Iteration implements Observer
func (o *DefaultObserver) Iteration(iter int, objective float64) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.verbose {
		log.Printf("[OBSERVER] iteration: %d   objective: %g", iter, objective)
	}
	if o.stream != nil {
		fmt.Fprintf(o.stream, "%g;", objective)
	}
	o.values = append(o.values, objective)
	o.iterations++
}

func (o *DefaultObserver) RotationsChanged([]r3.Vec)    {}
func (o *DefaultObserver) TranslationsChanged([]r3.Vec) {}
func (o *DefaultObserver) ShapeChanged([]float64)       {}

// Images implements Observer
func (o *DefaultObserver) Images() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.saveImages
}

// DownloadImages writes <dir>/<view>_<iteration>.png for every render
func (o *DefaultObserver) DownloadImages(images []image.Image) {
	o.mu.Lock()
	dir, refs, iter := o.imagesPath, o.references, o.iterations
	o.mu.Unlock()

	for i, img := range images {
		if img == nil {
			continue
		}
		var ref image.Image
		if i < len(refs) {
			ref = refs[i]
		}
		overlay := Overlay(ref, img, fmt.Sprintf("view %d  iteration %d", i, iter))
		path := filepath.Join(dir, fmt.Sprintf("%d_%d.png", i, iter))
		if err := SavePNG(path, overlay); err != nil {
			log.Printf("[OBSERVER] saving %s: %v", path, err)
		}
	}
}

// RenderingTime is the total time spent rendering
func (o *DefaultObserver) RenderingTime() time.Duration {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.renderingTime
}

// MetricTime is the total time spent computing metric values
func (o *DefaultObserver) MetricTime() time.Duration {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.metricTime
}

// RegistrationTime is the total time spent in registration sections
func (o *DefaultObserver) RegistrationTime() time.Duration {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.registrationTime
}

// RenderedImages counts renders reported through SectionRendering
func (o *DefaultObserver) RenderedImages() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.renderedImages
}

// MetricsComputed counts metric evaluations
func (o *DefaultObserver) MetricsComputed() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.metricsComputed
}

// Iterations counts solver iterations over all stages
func (o *DefaultObserver) Iterations() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.iterations
}

// Values returns every objective reported so far
func (o *DefaultObserver) Values() []float64 {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]float64(nil), o.values...)
}

// Overlay draws the reference in red and the render in green, so matching
// bone shows yellow. ref may be nil. The result has the render's size.
func Overlay(ref, rendered image.Image, label string) *image.RGBA {
	b := rendered.Bounds()
	out := image.NewRGBA(image.Rect(0, 0, b.Dx(), b.Dy()))
	for y := 0; y < b.Dy(); y++ {
		for x := 0; x < b.Dx(); x++ {
			_, g, _, _ := rendered.At(b.Min.X+x, b.Min.Y+y).RGBA()
			c := color.RGBA{G: uint8(g >> 8), A: 255}
			if ref != nil {
				rb := ref.Bounds()
				if p := image.Pt(rb.Min.X+x, rb.Min.Y+y); p.In(rb) {
					r, _, _, _ := ref.At(p.X, p.Y).RGBA()
					c.R = uint8(r >> 8)
				}
			}
			out.SetRGBA(x, y, c)
		}
	}
	if label != "" {
		drawText(out, 4, 14, label, color.RGBA{R: 255, G: 255, B: 255, A: 255})
	}
	return out
}

func drawText(img *image.RGBA, x, y int, text string, c color.RGBA) {
	d := &font.Drawer{
		Dst:  img,
		Src:  image.NewUniform(c),
		Face: basicfont.Face7x13,
		Dot:  fixed.Point26_6{X: fixed.I(x), Y: fixed.I(y)},
	}
	d.DrawString(text)
}

// SavePNG writes img to path, creating the parent directory
func SavePNG(path string, img image.Image) error {
	f, err := createFile(path)
	if err != nil {
		return err
	}
	defer func() { _ = f.Close() }()
	return png.Encode(f, img)
}
