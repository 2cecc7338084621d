package mesh

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"math"

	"gonum.org/v1/gonum/spatial/r3"
)

// ExportOptions selects which triangles end up in an STL file.
type ExportOptions struct {
	Transform *Transform // nil writes model coordinates
	Mask      []bool     // nil keeps every vertex
	Cut       *CutPlane  // tested on the written (transformed) coordinates
}

// WriteSTL writes a binary STL of the triangles whose three vertices all
// survive the mask and cut plane. It returns the number of triangles written.
func WriteSTL(w io.Writer, name string, vertices []r3.Vec, triangles [][3]int, opts ExportOptions) (int, error) {
	if opts.Mask != nil && len(opts.Mask) != len(vertices) {
		return 0, fmt.Errorf("mask has %d entries for %d vertices", len(opts.Mask), len(vertices))
	}

	out := vertices
	if opts.Transform != nil {
		out = opts.Transform.ApplyAll(vertices)
	}

	keep := func(i int) bool {
		if opts.Mask != nil && !opts.Mask[i] {
			return false
		}
		if opts.Cut != nil && !opts.Cut.Keeps(out[i]) {
			return false
		}
		return true
	}

	var body bytes.Buffer
	count := 0
	for _, tri := range triangles {
		if !keep(tri[0]) || !keep(tri[1]) || !keep(tri[2]) {
			continue
		}
		a, b, c := out[tri[0]], out[tri[1]], out[tri[2]]
		n := r3.Cross(r3.Sub(b, a), r3.Sub(c, a))
		if l := r3.Norm(n); l > 0 {
			n = r3.Scale(1/l, n)
		}
		for _, v := range []r3.Vec{n, a, b, c} {
			writeVec32(&body, v)
		}
		body.Write([]byte{0, 0}) // attribute byte count
		count++
	}

	var header [80]byte
	copy(header[:], name)
	if _, err := w.Write(header[:]); err != nil {
		return 0, fmt.Errorf("failed to write STL header: %w", err)
	}
	if err := binary.Write(w, binary.LittleEndian, uint32(count)); err != nil {
		return 0, fmt.Errorf("failed to write STL triangle count: %w", err)
	}
	if _, err := body.WriteTo(w); err != nil {
		return 0, fmt.Errorf("failed to write STL triangles: %w", err)
	}
	return count, nil
}

func writeVec32(buf *bytes.Buffer, v r3.Vec) {
	var b [12]byte
	binary.LittleEndian.PutUint32(b[0:], math.Float32bits(float32(v.X)))
	binary.LittleEndian.PutUint32(b[4:], math.Float32bits(float32(v.Y)))
	binary.LittleEndian.PutUint32(b[8:], math.Float32bits(float32(v.Z)))
	buf.Write(b[:])
}

// ReadSTLTriangleCount reads the triangle count of a binary STL stream.
func ReadSTLTriangleCount(r io.Reader) (int, error) {
	var header [80]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		return 0, fmt.Errorf("failed to read STL header: %w", err)
	}
	var n uint32
	if err := binary.Read(r, binary.LittleEndian, &n); err != nil {
		return 0, fmt.Errorf("failed to read STL triangle count: %w", err)
	}
	return int(n), nil
}
