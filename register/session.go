package register

import (
	"fmt"
	"image"
	"log"
	"path/filepath"
	"strings"
	"time"

	"github.com/paulmach/orb"
	"gonum.org/v1/gonum/spatial/r3"

	"github.com/kwv/boneregister/mesh"
	"github.com/kwv/boneregister/metric"
)

// calibrationMaxAge is how long a cached length calibration is trusted
const calibrationMaxAge = 30 * 24 * time.Hour

// Session is a registration prepared from a Config: model loaded, images
// scaled to the detector and cropped, engine wired.
type Session struct {
	Config      *Config
	BaseDir     string
	Mesh        *mesh.Mesh
	Shape       *mesh.ShapeModel
	Engine      *Engine
	Renderers   []*mesh.CPURenderer
	References  []image.Image // metric reference per view, already cropped
	Calibration *mesh.LengthCalibration
}

// NewSession loads everything cfg refers to. Relative paths are resolved
// against baseDir.
func NewSession(cfg *Config, baseDir string) (*Session, error) {
	s := &Session{Config: cfg, BaseDir: baseDir}

	m, shape, err := mesh.LoadModel(s.path(cfg.Model))
	if err != nil {
		return nil, err
	}
	s.Mesh, s.Shape = m, shape

	views := make([]*View, len(cfg.Images))
	var masks []image.Image
	for i, ic := range cfg.Images {
		v, ref, mask, err := s.buildView(i, ic)
		if err != nil {
			return nil, fmt.Errorf("image %d: %w", i, err)
		}
		views[i] = v
		s.References = append(s.References, ref)
		if mask != nil {
			masks = append(masks, mask)
		}
	}

	fragments := make([]*Fragment, cfg.Fragments)
	for f := range fragments {
		fragments[f] = NewFragment(shape, views[f*cfg.Views:(f+1)*cfg.Views]...)
	}

	s.Engine, err = NewEngine(shape, fragments, metric.NewVertex(cfg.Method),
		WithStop(cfg.Stop.MinDelta, cfg.Stop.MaxIterations))
	if err != nil {
		return nil, err
	}

	if cfg.UsesMasks() {
		if err := s.Engine.SetMasks(masks); err != nil {
			return nil, err
		}
	}
	if err := s.Engine.SetImages(s.References); err != nil {
		return nil, err
	}

	if err := s.calibrate(); err != nil {
		return nil, err
	}

	poses, err := s.initialPoses()
	if err != nil {
		return nil, err
	}
	if poses != nil {
		if err := s.Engine.SetPoses(poses); err != nil {
			return nil, err
		}
	}
	return s, nil
}

func (s *Session) path(p string) string {
	if p == "" || filepath.IsAbs(p) || s.BaseDir == "" {
		return p
	}
	return filepath.Join(s.BaseDir, p)
}

// buildView scales the radiograph to the detector size, crops it and pairs
// a renderer with the configured metric.
func (s *Session) buildView(i int, ic ImageConfig) (*View, image.Image, image.Image, error) {
	cfg := s.Config
	raw, err := metric.LoadImage(s.path(ic.Path))
	if err != nil {
		return nil, nil, nil, err
	}
	w, h := ic.Perspective.DetectorSize(cfg.PixelSpacing)
	if w <= 0 || h <= 0 {
		return nil, nil, nil, fmt.Errorf("perspective gives a %dx%d detector", w, h)
	}
	from := raw.Bounds().Size()
	to := image.Pt(w, h)
	scaled := metric.ScaleImage(raw, w, h)

	crop, vertexCrop := s.crops(i, ic, scaled, from, to)

	r := mesh.NewCPURenderer(s.Shape, s.Mesh.Triangles)
	r.SetPerspective(ic.Perspective)
	r.SetSize(w, h)
	s.Renderers = append(s.Renderers, r)

	m, err := metric.New(cfg.Method, r)
	if err != nil {
		return nil, nil, nil, err
	}
	v := NewView(r, m)
	v.SetCrop(crop)
	v.VertexCrop = vertexCrop

	var ref image.Image = metric.SubImage(scaled, crop)
	if cfg.Method != metric.MethodMutualInformation {
		ref = metric.MaskImage(ref)
	}

	var mask image.Image
	if cfg.UsesMasks() {
		rawMask, err := metric.LoadImage(s.path(ic.Mask))
		if err != nil {
			return nil, nil, nil, err
		}
		mask = metric.SubImage(metric.ScaleImage(rawMask, w, h), crop)
	}
	return v, ref, mask, nil
}

// crops returns the render crop and vertex crop of image i in detector
// pixels. Explicit crops win; otherwise a fracture line drives the
// estimate, and without one the whole detector is used.
func (s *Session) crops(i int, ic ImageConfig, scaled image.Image, from, to image.Point) (image.Rectangle, orb.Bound) {
	fragment := i / s.Config.Views
	crop := scaled.Bounds()
	vertexCrop := unboundedCrop

	if ic.Fracture.P1 != ic.Fracture.P2 {
		p1 := ScalePoint(orb.Point(ic.Fracture.P1), from, to)
		p2 := ScalePoint(orb.Point(ic.Fracture.P2), from, to)
		est := EstimateCrop(scaled, p1, p2, ic.Fracture.Overflow, fragment > 0)
		crop, vertexCrop = est.Crop, est.VertexCrop
	}
	if ic.Crop != nil {
		crop = ScaleRect(ic.Crop.Rect(), from, to)
	}
	if ic.VertexCrop != nil {
		vertexCrop = RectBound(ScaleRect(ic.VertexCrop.Rect(), from, to))
	}
	return crop.Intersect(scaled.Bounds()), vertexCrop
}

// Rect converts the config rectangle to image coordinates
func (r RectConfig) Rect() image.Rectangle {
	return image.Rect(r.X, r.Y, r.X+r.Width, r.Y+r.Height)
}

// calibrate sets the shape length from the configured estimate, reusing a
// cached calibration for the same model and estimate.
func (s *Session) calibrate() error {
	est := s.Config.Length.Estimated
	if est <= 0 {
		return nil
	}
	cachePath := s.Config.Length.CachePath
	if cachePath == "" {
		cachePath = mesh.DefaultCalibrationCachePath
	}
	cachePath = s.path(cachePath)

	cached, err := mesh.LoadCalibration(cachePath)
	if err != nil {
		log.Printf("[REGISTER] ignoring length calibration cache: %v", err)
	}
	if cached.Matches(s.Config.Model, est) && !cached.NeedsRecalibration(calibrationMaxAge) {
		s.Calibration = cached
		return cached.Apply(s.Shape)
	}

	cal, err := mesh.CalibrateLength(s.Shape, est)
	if err != nil {
		return fmt.Errorf("length calibration: %w", err)
	}
	cal.Model = s.Config.Model
	s.Calibration = cal
	logf("length calibration: mean %.1f mm, estimated %.1f mm, first parameter %.3f sd", cal.MeanLength, est, cal.ParamStd)
	if err := mesh.SaveCalibration(cachePath, cal); err != nil {
		log.Printf("warning: failed to save length calibration: %v", err)
	}
	return nil
}

func (s *Session) initialPoses() ([]mesh.Pose, error) {
	if s.Config.InitialPoses != "" {
		path := s.path(s.Config.InitialPoses)
		var poses []mesh.Pose
		var err error
		if strings.EqualFold(filepath.Ext(path), ".csv") {
			poses, err = loadPosesCSV(path)
		} else {
			poses, err = LoadPoses(path)
		}
		if err != nil {
			return nil, err
		}
		if len(poses) != s.Config.Fragments {
			return nil, fmt.Errorf("%s has %d poses for %d fragments: %w", s.Config.InitialPoses, len(poses), s.Config.Fragments, ErrDimension)
		}
		return poses, nil
	}
	if len(s.Config.Poses) > 0 {
		return s.Config.Poses, nil
	}
	return nil, nil
}

// loadPosesCSV reads six numbers per fragment: rotation x y z, then
// translation x y z.
func loadPosesCSV(path string) ([]mesh.Pose, error) {
	values, err := LoadCSV(path)
	if err != nil {
		return nil, err
	}
	if len(values)%6 != 0 {
		return nil, fmt.Errorf("%s holds %d values, not a multiple of 6: %w", path, len(values), ErrDimension)
	}
	poses := make([]mesh.Pose, len(values)/6)
	for i := range poses {
		v := values[6*i:]
		poses[i] = mesh.Pose{
			Rotation:    r3.Vec{X: v[0], Y: v[1], Z: v[2]},
			Translation: r3.Vec{X: v[3], Y: v[4], Z: v[5]},
		}
	}
	return poses, nil
}

// WriteOutputs writes the configured poses, measurement and STL files.
func (s *Session) WriteOutputs(obs *DefaultObserver, stages []StageStats) error {
	out := s.Config.Output
	if out.Poses != "" {
		if err := SavePoses(s.path(out.Poses), s.Engine.Poses()); err != nil {
			return err
		}
		logf("wrote poses to %s", out.Poses)
	}
	if out.Measurement != "" {
		m := Measure(s.Engine, obs, stages, s.Calibration, s.Config.PixelSpacing)
		if err := SaveMeasurement(s.path(out.Measurement), m); err != nil {
			return err
		}
		logf("wrote measurement to %s", out.Measurement)
	}
	if out.STL != "" {
		base := s.path(out.STL)
		if !out.Crop && !out.Transform {
			return s.Engine.ExportSTL(base)
		}
		_, err := s.Engine.ExportEachSTL(base, ExportOptions{
			Transform: out.Transform,
			Crop:      out.Crop,
			LengthFix: out.LengthFix,
			CutPlanes: s.Config.CutPlanes(),
		})
		return err
	}
	return nil
}
