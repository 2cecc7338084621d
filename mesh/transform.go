package mesh

import (
	"math"

	"gonum.org/v1/gonum/spatial/r3"
)

// Transform is a precomputed rigid transform: v' = R v + T.
type Transform struct {
	cols [3]r3.Vec // images of the unit axes under R
	t    r3.Vec
}

// Transform precomputes the rigid transform of the pose
func (p Pose) Transform() Transform {
	rx := r3.NewRotation(p.Rotation.X*math.Pi/180, r3.Vec{X: 1})
	ry := r3.NewRotation(p.Rotation.Y*math.Pi/180, r3.Vec{Y: 1})
	rz := r3.NewRotation(p.Rotation.Z*math.Pi/180, r3.Vec{Z: 1})

	rotate := func(v r3.Vec) r3.Vec {
		return rz.Rotate(ry.Rotate(rx.Rotate(v)))
	}

	return Transform{
		cols: [3]r3.Vec{
			rotate(r3.Vec{X: 1}),
			rotate(r3.Vec{Y: 1}),
			rotate(r3.Vec{Z: 1}),
		},
		t: p.Translation,
	}
}

// Apply transforms a single point
func (t Transform) Apply(v r3.Vec) r3.Vec {
	out := r3.Scale(v.X, t.cols[0])
	out = r3.Add(out, r3.Scale(v.Y, t.cols[1]))
	out = r3.Add(out, r3.Scale(v.Z, t.cols[2]))
	return r3.Add(out, t.t)
}

// ApplyAll transforms every point into a new slice
func (t Transform) ApplyAll(vs []r3.Vec) []r3.Vec {
	out := make([]r3.Vec, len(vs))
	for i, v := range vs {
		out[i] = t.Apply(v)
	}
	return out
}

// Project maps a world point onto the detector of a width x height image.
// The result is in pixels, x to the right of LeftTop and y downwards.
// ok is false for points that cannot be projected (on or behind the source plane).
func (py Pyramid) Project(p r3.Vec, width, height int) (x, y float64, ok bool) {
	u := r3.Sub(py.RightTop, py.LeftTop)
	v := r3.Sub(py.LeftBottom, py.LeftTop)
	n := r3.Cross(u, v)

	ray := r3.Sub(p, py.Source)
	denom := r3.Dot(n, ray)
	if denom == 0 {
		return 0, 0, false
	}
	t := r3.Dot(n, r3.Sub(py.LeftTop, py.Source)) / denom
	if t <= 0 {
		return 0, 0, false
	}

	hit := r3.Add(py.Source, r3.Scale(t, ray))
	rel := r3.Sub(hit, py.LeftTop)
	a := r3.Dot(rel, u) / r3.Dot(u, u)
	b := r3.Dot(rel, v) / r3.Dot(v, v)
	return a * float64(width), b * float64(height), true
}

// DetectorSize returns the image size in pixels of the detector plane at the
// given pixel spacing (millimeters per pixel).
func (py Pyramid) DetectorSize(pixelSpacing float64) (width, height int) {
	w := r3.Norm(r3.Sub(py.LeftTop, py.RightTop))
	h := r3.Norm(r3.Sub(py.LeftTop, py.LeftBottom))
	return int(w / pixelSpacing), int(h / pixelSpacing)
}

// Bounds returns the axis-aligned bounding box of the points.
// An empty input yields the zero box.
func Bounds(vs []r3.Vec) r3.Box {
	if len(vs) == 0 {
		return r3.Box{}
	}
	box := r3.Box{Min: vs[0], Max: vs[0]}
	for _, v := range vs[1:] {
		box.Min.X = math.Min(box.Min.X, v.X)
		box.Min.Y = math.Min(box.Min.Y, v.Y)
		box.Min.Z = math.Min(box.Min.Z, v.Z)
		box.Max.X = math.Max(box.Max.X, v.X)
		box.Max.Y = math.Max(box.Max.Y, v.Y)
		box.Max.Z = math.Max(box.Max.Z, v.Z)
	}
	return box
}

// BoxSize returns the extent of the box along each axis
func BoxSize(b r3.Box) r3.Vec {
	return r3.Sub(b.Max, b.Min)
}
