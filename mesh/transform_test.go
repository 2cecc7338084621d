package mesh

import (
	"math"
	"testing"

	"gonum.org/v1/gonum/spatial/r3"
)

const geomTol = 1e-9

func vecNear(a, b r3.Vec, tol float64) bool {
	return math.Abs(a.X-b.X) <= tol && math.Abs(a.Y-b.Y) <= tol && math.Abs(a.Z-b.Z) <= tol
}

// testPyramid looks down -Z from a source at z=1000 onto a 200x200 mm
// detector at z=-100. The world origin projects to the image center.
func testPyramid() Pyramid {
	return Pyramid{
		Source:     r3.Vec{Z: 1000},
		LeftTop:    r3.Vec{X: -100, Y: 100, Z: -100},
		RightTop:   r3.Vec{X: 100, Y: 100, Z: -100},
		LeftBottom: r3.Vec{X: -100, Y: -100, Z: -100},
	}
}

// ---------------------------------------------------------------------------
// Pose.Transform
// ---------------------------------------------------------------------------

func TestPoseTransform(t *testing.T) {
	tests := []struct {
		name string
		pose Pose
		in   r3.Vec
		want r3.Vec
	}{
		{"identity", Pose{}, r3.Vec{X: 1, Y: 2, Z: 3}, r3.Vec{X: 1, Y: 2, Z: 3}},
		{"translate", Pose{Translation: r3.Vec{X: 10, Y: -5}}, r3.Vec{X: 1}, r3.Vec{X: 11, Y: -5}},
		{"z 90", Pose{Rotation: r3.Vec{Z: 90}}, r3.Vec{X: 1}, r3.Vec{Y: 1}},
		{"x 90", Pose{Rotation: r3.Vec{X: 90}}, r3.Vec{Y: 1}, r3.Vec{Z: 1}},
		{"y 90", Pose{Rotation: r3.Vec{Y: 90}}, r3.Vec{Z: 1}, r3.Vec{X: 1}},
		// X first sends Y to Z, then Z about Z stays Z.
		{"x then z", Pose{Rotation: r3.Vec{X: 90, Z: 90}}, r3.Vec{Y: 1}, r3.Vec{Z: 1}},
		{"rotate then translate", Pose{Rotation: r3.Vec{Z: 180}, Translation: r3.Vec{X: 1}}, r3.Vec{X: 1}, r3.Vec{}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := tt.pose.Transform().Apply(tt.in)
			if !vecNear(got, tt.want, geomTol) {
				t.Errorf("Apply(%v) = %v, want %v", tt.in, got, tt.want)
			}
		})
	}
}

func TestTransformApplyAll(t *testing.T) {
	tf := Pose{Translation: r3.Vec{Z: 1}}.Transform()
	in := []r3.Vec{{X: 1}, {Y: 1}}
	out := tf.ApplyAll(in)

	if len(out) != 2 {
		t.Fatalf("len = %d, want 2", len(out))
	}
	if in[0].Z != 0 {
		t.Error("ApplyAll modified its input")
	}
	if out[1] != (r3.Vec{Y: 1, Z: 1}) {
		t.Errorf("out[1] = %v", out[1])
	}
}

// ---------------------------------------------------------------------------
// Pyramid
// ---------------------------------------------------------------------------

func TestPyramidProject(t *testing.T) {
	py := testPyramid()

	tests := []struct {
		name   string
		p      r3.Vec
		wantX  float64
		wantY  float64
		wantOK bool
	}{
		{"origin hits center", r3.Vec{}, 100, 100, true},
		{"plus x goes right", r3.Vec{X: 10}, 111, 100, true},
		{"plus y goes up", r3.Vec{Y: 10}, 100, 89, true},
		{"detector point is unmagnified", r3.Vec{X: -100, Y: 100, Z: -100}, 0, 0, true},
		{"behind source", r3.Vec{Z: 2000}, 0, 0, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			x, y, ok := py.Project(tt.p, 200, 200)
			if ok != tt.wantOK {
				t.Fatalf("ok = %v, want %v", ok, tt.wantOK)
			}
			if !ok {
				return
			}
			if math.Abs(x-tt.wantX) > 1e-9 || math.Abs(y-tt.wantY) > 1e-9 {
				t.Errorf("Project = (%g, %g), want (%g, %g)", x, y, tt.wantX, tt.wantY)
			}
		})
	}
}

func TestPyramidDetectorSize(t *testing.T) {
	w, h := testPyramid().DetectorSize(0.5)
	if w != 400 || h != 400 {
		t.Errorf("DetectorSize = %dx%d, want 400x400", w, h)
	}
}

// ---------------------------------------------------------------------------
// Bounds
// ---------------------------------------------------------------------------

func TestBounds(t *testing.T) {
	box := Bounds([]r3.Vec{{X: 1, Y: -2, Z: 3}, {X: -1, Y: 5, Z: 0}, {X: 0, Y: 0, Z: 10}})
	if box.Min != (r3.Vec{X: -1, Y: -2, Z: 0}) {
		t.Errorf("Min = %v", box.Min)
	}
	if box.Max != (r3.Vec{X: 1, Y: 5, Z: 10}) {
		t.Errorf("Max = %v", box.Max)
	}
	if size := BoxSize(box); size != (r3.Vec{X: 2, Y: 7, Z: 10}) {
		t.Errorf("BoxSize = %v", size)
	}
}

func TestBounds_Empty(t *testing.T) {
	if box := Bounds(nil); box != (r3.Box{}) {
		t.Errorf("Bounds(nil) = %v, want zero box", box)
	}
}

func TestCutPlaneKeeps(t *testing.T) {
	// Keeps z <= 5.
	c := CutPlane{Normal: r3.Vec{Z: 1}, D: -5, Sign: 1}
	if !c.Keeps(r3.Vec{Z: 0}) || !c.Keeps(r3.Vec{Z: 5}) {
		t.Error("expected points below the plane to be kept")
	}
	if c.Keeps(r3.Vec{Z: 6}) {
		t.Error("expected point above the plane to be cut")
	}

	c.Sign = -1
	if c.Keeps(r3.Vec{Z: 0}) {
		t.Error("flipped sign should cut the lower side")
	}
}
