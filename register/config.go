package register

import (
	"github.com/kwv/boneregister/mesh"
	"github.com/kwv/boneregister/metric"
)

// Config is the full registration configuration file
type Config struct {
	Method          string         `yaml:"method" json:"method"`
	Fragments       int            `yaml:"fragments" json:"fragments"`
	Views           int            `yaml:"views" json:"views"`
	VertexMetric    bool           `yaml:"vertexMetric,omitempty" json:"vertexMetric,omitempty"`
	Verbose         bool           `yaml:"verbose,omitempty" json:"verbose,omitempty"`
	Model           string         `yaml:"model" json:"model"`
	ShapeComponents int            `yaml:"shapeComponents,omitempty" json:"shapeComponents,omitempty"` // first shape stage size (default 5)
	PixelSpacing    float64        `yaml:"pixelSpacing,omitempty" json:"pixelSpacing,omitempty"`       // detector mm per pixel (default 0.5)
	Stop            StopConfig     `yaml:"stop,omitempty" json:"stop,omitempty"`
	Images          []ImageConfig  `yaml:"images" json:"images"`
	InitialPoses    string         `yaml:"initialPoses,omitempty" json:"initialPoses,omitempty"` // poses XML file
	Poses           []mesh.Pose    `yaml:"poses,omitempty" json:"poses,omitempty"`
	Length          LengthConfig   `yaml:"length,omitempty" json:"length,omitempty"`
	CutPlane        *mesh.CutPlane `yaml:"cutPlane,omitempty" json:"cutPlane,omitempty"` // default for images without one
	Output          OutputConfig   `yaml:"output,omitempty" json:"output,omitempty"`
	MQTT            MQTTConfig     `yaml:"mqtt,omitempty" json:"mqtt,omitempty"`
	HTTP            HTTPConfig     `yaml:"http,omitempty" json:"http,omitempty"`
}

// StopConfig holds the stop strategy thresholds
type StopConfig struct {
	MinDelta      float64 `yaml:"minDelta,omitempty" json:"minDelta,omitempty"`
	MaxIterations int     `yaml:"maxIterations,omitempty" json:"maxIterations,omitempty"`
}

// ImageConfig describes one radiograph. Images are listed fragment by
// fragment, Views per fragment. Pixel coordinates refer to the file as
// stored, before scaling to the detector size.
type ImageConfig struct {
	Path        string         `yaml:"path" json:"path"`
	Mask        string         `yaml:"mask,omitempty" json:"mask,omitempty"`
	Perspective mesh.Pyramid   `yaml:"perspective" json:"perspective"`
	Crop        *RectConfig    `yaml:"crop,omitempty" json:"crop,omitempty"`             // explicit render crop
	VertexCrop  *RectConfig    `yaml:"vertexCrop,omitempty" json:"vertexCrop,omitempty"` // explicit vertex crop
	Fracture    FractureConfig `yaml:"fracture,omitempty" json:"fracture,omitempty"`
	CutPlane    *mesh.CutPlane `yaml:"cutPlane,omitempty" json:"cutPlane,omitempty"`
}

// RectConfig is a pixel rectangle
type RectConfig struct {
	X      int `yaml:"x" json:"x"`
	Y      int `yaml:"y" json:"y"`
	Width  int `yaml:"width" json:"width"`
	Height int `yaml:"height" json:"height"`
}

// FractureConfig is the fracture line drawn on an image, used to estimate
// crops when none are given.
type FractureConfig struct {
	P1       [2]float64 `yaml:"p1" json:"p1"`
	P2       [2]float64 `yaml:"p2" json:"p2"`
	Overflow Overflow   `yaml:"overflow,omitempty" json:"overflow,omitempty"`
}

// Overflow marks image borders the bone runs past; no padding is added there.
type Overflow struct {
	Top    bool `yaml:"top,omitempty" json:"top,omitempty"`
	Left   bool `yaml:"left,omitempty" json:"left,omitempty"`
	Bottom bool `yaml:"bottom,omitempty" json:"bottom,omitempty"`
	Right  bool `yaml:"right,omitempty" json:"right,omitempty"`
}

// LengthConfig drives the shape length calibration
type LengthConfig struct {
	Estimated float64 `yaml:"estimated,omitempty" json:"estimated,omitempty"` // bone length in mm, 0 disables
	CachePath string  `yaml:"cachePath,omitempty" json:"cachePath,omitempty"`
}

// OutputConfig selects what a run writes
type OutputConfig struct {
	Poses       string `yaml:"poses,omitempty" json:"poses,omitempty"`
	Measurement string `yaml:"measurement,omitempty" json:"measurement,omitempty"`
	STL         string `yaml:"stl,omitempty" json:"stl,omitempty"` // base name, without extension
	Transform   bool   `yaml:"transform,omitempty" json:"transform,omitempty"`
	Crop        bool   `yaml:"crop,omitempty" json:"crop,omitempty"`
	LengthFix   bool   `yaml:"lengthFix,omitempty" json:"lengthFix,omitempty"`
	ImagesPath  string `yaml:"imagesPath,omitempty" json:"imagesPath,omitempty"`
	SaveImages  bool   `yaml:"saveImages,omitempty" json:"saveImages,omitempty"`
}

// MQTTConfig holds MQTT connection settings
type MQTTConfig struct {
	Broker        string `yaml:"broker,omitempty" json:"broker,omitempty"`
	PublishPrefix string `yaml:"publishPrefix,omitempty" json:"publishPrefix,omitempty"`
	ClientID      string `yaml:"clientId,omitempty" json:"clientId,omitempty"`
	Username      string `yaml:"username,omitempty" json:"username,omitempty"`
	Password      string `yaml:"password,omitempty" json:"password,omitempty"`
}

// HTTPConfig holds the status server settings
type HTTPConfig struct {
	Port int `yaml:"port,omitempty" json:"port,omitempty"`
}

// UsesMasks reports whether the configured method reads mask images
func (c *Config) UsesMasks() bool {
	return metric.UsesMask(c.Method)
}

// ImageIndex returns the index into Images of a fragment's view
func (c *Config) ImageIndex(fragment, view int) int {
	return fragment*c.Views + view
}

// CutPlanes returns one cut plane per image, falling back to the shared
// plane. It returns nil if any image ends up without one.
func (c *Config) CutPlanes() []mesh.CutPlane {
	planes := make([]mesh.CutPlane, len(c.Images))
	for i, img := range c.Images {
		switch {
		case img.CutPlane != nil:
			planes[i] = *img.CutPlane
		case c.CutPlane != nil:
			planes[i] = *c.CutPlane
		default:
			return nil
		}
	}
	return planes
}
