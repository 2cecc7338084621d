package mesh

import (
	"gonum.org/v1/gonum/spatial/r3"
)

// Pose places a rigid body in the scene.
// Rotation holds angles in degrees about the X, Y and Z axes, applied in
// that order about the model origin; Translation is applied afterwards.
type Pose struct {
	Rotation    r3.Vec `yaml:"rotation" json:"rotation"`
	Translation r3.Vec `yaml:"translation" json:"translation"`
}

// Pyramid is the perspective frustum of one radiograph: the X-ray source
// and three corners of the detector plane, in world millimeters.
type Pyramid struct {
	Source     r3.Vec `yaml:"source" json:"source"`
	LeftTop    r3.Vec `yaml:"leftTop" json:"leftTop"`
	LeftBottom r3.Vec `yaml:"leftBottom" json:"leftBottom"`
	RightTop   r3.Vec `yaml:"rightTop" json:"rightTop"`
}

// Mesh is the triangle topology shared by every fragment.
// Vertices hold the mean shape; the current shape lives in ShapeModel.
type Mesh struct {
	Vertices  []r3.Vec
	Triangles [][3]int
}

// NumVertices returns the number of mesh vertices
func (m *Mesh) NumVertices() int {
	return len(m.Vertices)
}

// CutPlane is a fracture plane. A point v lies on the kept side when
// (dot(v, Normal) + D) * Sign <= 0.
type CutPlane struct {
	Normal r3.Vec  `yaml:"normal" json:"normal"`
	D      float64 `yaml:"d" json:"d"`
	Sign   float64 `yaml:"sign" json:"sign"`
}

// Keeps reports whether v is on the kept side of the plane
func (c CutPlane) Keeps(v r3.Vec) bool {
	return (r3.Dot(v, c.Normal)+c.D)*c.Sign <= 0
}
