package mesh

import "gonum.org/v1/gonum/spatial/r3"

// Cuboid returns an axis-aligned box mesh spanning min to max.
// Vertex i has the max coordinate on X, Y and Z when bit 0, 1 and 2 of i are set.
func Cuboid(min, max r3.Vec) *Mesh {
	verts := make([]r3.Vec, 8)
	for i := range verts {
		v := min
		if i&1 != 0 {
			v.X = max.X
		}
		if i&2 != 0 {
			v.Y = max.Y
		}
		if i&4 != 0 {
			v.Z = max.Z
		}
		verts[i] = v
	}

	return &Mesh{
		Vertices: verts,
		Triangles: [][3]int{
			{0, 4, 6}, {0, 6, 2}, // -x
			{1, 3, 7}, {1, 7, 5}, // +x
			{0, 1, 5}, {0, 5, 4}, // -y
			{2, 6, 7}, {2, 7, 3}, // +y
			{0, 2, 3}, {0, 3, 1}, // -z
			{4, 5, 7}, {4, 7, 6}, // +z
		},
	}
}

// StretchZ returns a shape component that moves every vertex along Z in
// proportion to its Z coordinate, lengthening the shape by scale per unit weight.
func StretchZ(vertices []r3.Vec, scale float64) []r3.Vec {
	out := make([]r3.Vec, len(vertices))
	for i, v := range vertices {
		out[i] = r3.Vec{Z: v.Z * scale}
	}
	return out
}
