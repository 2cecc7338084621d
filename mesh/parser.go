package mesh

import (
	"bytes"
	"compress/zlib"
	"encoding/json"
	"fmt"
	"io"
	"os"

	"gonum.org/v1/gonum/spatial/r3"
)

// modelFile is the on-disk layout of a statistical shape model.
type modelFile struct {
	Vertices   [][3]float64   `json:"vertices"`
	Triangles  [][3]int       `json:"triangles"`
	Components [][][3]float64 `json:"components"`
	Std        []float64      `json:"std"`
}

// LoadModel reads a shape model file. Both plain JSON and zlib-compressed
// JSON are accepted.
func LoadModel(path string) (*Mesh, *ShapeModel, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, nil, fmt.Errorf("reading model: %w", err)
	}
	return DecodeModelData(data)
}

// DecodeModelData decodes a shape model from raw or zlib-compressed JSON
func DecodeModelData(data []byte) (*Mesh, *ShapeModel, error) {
	if len(data) == 0 {
		return nil, nil, fmt.Errorf("empty model data")
	}

	jsonBytes := data
	if data[0] != '{' {
		inflated, err := inflateZlib(data)
		if err != nil {
			return nil, nil, fmt.Errorf("unknown model format: not JSON or zlib-compressed JSON")
		}
		jsonBytes = inflated
	}
	return ParseModelJSON(jsonBytes)
}

// ParseModelJSON parses shape model JSON and validates its topology.
func ParseModelJSON(data []byte) (*Mesh, *ShapeModel, error) {
	var f modelFile
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, nil, fmt.Errorf("parsing JSON: %w", err)
	}

	mean := toVecs(f.Vertices)
	for i, tri := range f.Triangles {
		for _, idx := range tri {
			if idx < 0 || idx >= len(mean) {
				return nil, nil, fmt.Errorf("triangle %d references vertex %d of %d", i, idx, len(mean))
			}
		}
	}

	components := make([][]r3.Vec, len(f.Components))
	for i, c := range f.Components {
		components[i] = toVecs(c)
	}

	shape, err := NewShapeModel(mean, components, f.Std)
	if err != nil {
		return nil, nil, err
	}
	return &Mesh{Vertices: mean, Triangles: f.Triangles}, shape, nil
}

// EncodeModelJSON is the inverse of ParseModelJSON for a model at zero parameters.
func EncodeModelJSON(m *Mesh, components [][]r3.Vec, std []float64) ([]byte, error) {
	f := modelFile{
		Vertices:   fromVecs(m.Vertices),
		Triangles:  m.Triangles,
		Components: make([][][3]float64, len(components)),
		Std:        std,
	}
	for i, c := range components {
		f.Components[i] = fromVecs(c)
	}
	return json.Marshal(f)
}

func toVecs(in [][3]float64) []r3.Vec {
	out := make([]r3.Vec, len(in))
	for i, v := range in {
		out[i] = r3.Vec{X: v[0], Y: v[1], Z: v[2]}
	}
	return out
}

func fromVecs(in []r3.Vec) [][3]float64 {
	out := make([][3]float64, len(in))
	for i, v := range in {
		out[i] = [3]float64{v.X, v.Y, v.Z}
	}
	return out
}

func inflateZlib(data []byte) ([]byte, error) {
	r, err := zlib.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	defer r.Close()
	return io.ReadAll(r)
}
