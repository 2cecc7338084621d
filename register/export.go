package register

import (
	"fmt"
	"os"
	"path/filepath"

	"gonum.org/v1/gonum/spatial/r3"

	"github.com/kwv/boneregister/mesh"
)

// ExportOptions controls ExportEachSTL
type ExportOptions struct {
	// Transform writes posed (world) coordinates instead of model ones.
	Transform bool
	// Crop keeps only the vertices inside each fragment's vertex crop.
	Crop bool
	// LengthFix replaces the crop with the fragment's cut plane.
	LengthFix bool
	// CutPlanes holds one plane per view; fragment i uses the plane of its
	// first view.
	CutPlanes []mesh.CutPlane
}

// ExportSTL writes the posed shape of the first fragment to base.stl.
func (e *Engine) ExportSTL(base string) error {
	_, err := writeSTLFile(base+".stl", e.fragments[0].views[0].Renderer, true, nil)
	return err
}

// ExportEachSTL writes base.<i>.stl for every fragment. With Crop and
// without Transform it also writes base.2.stl holding the vertices no
// cropped fragment kept. It returns the written paths.
func (e *Engine) ExportEachSTL(base string, opts ExportOptions) ([]string, error) {
	if opts.LengthFix && len(opts.CutPlanes) < len(e.views) {
		return nil, fmt.Errorf("%d cut planes for %d views: %w", len(opts.CutPlanes), len(e.views), ErrDimension)
	}

	var paths []string
	masks := make([][]bool, len(e.fragments))
	for i, f := range e.fragments {
		r := f.views[0].Renderer
		if opts.Crop {
			vertices := r.RecomputedVertices()
			masks[i] = r.VerticesMask(vertices, f.views[0].VertexCrop)
			if opts.LengthFix {
				masks[i] = cutMask(f.Pose(), vertices, opts.CutPlanes[i*e.viewCount])
			}
		}

		path := fmt.Sprintf("%s.%d.stl", base, i)
		if _, err := writeSTLFile(path, r, opts.Transform, masks[i]); err != nil {
			return paths, err
		}
		paths = append(paths, path)
	}

	if !opts.Transform && opts.Crop && len(e.fragments) >= 2 {
		rest := make([]bool, len(masks[0]))
		for j := range rest {
			rest[j] = !masks[0][j] && !masks[1][j]
		}
		path := base + ".2.stl"
		if _, err := writeSTLFile(path, e.fragments[0].views[0].Renderer, false, rest); err != nil {
			return paths, err
		}
		paths = append(paths, path)
	}
	return paths, nil
}

// cutMask keeps the vertices whose posed position lies on the kept side of
// the plane.
func cutMask(pose mesh.Pose, vertices []r3.Vec, plane mesh.CutPlane) []bool {
	tf := pose.Transform()
	mask := make([]bool, len(vertices))
	for i, v := range vertices {
		mask[i] = plane.Keeps(tf.Apply(v))
	}
	return mask
}

// createFile creates path along with any missing parent directories
func createFile(path string) (*os.File, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	return os.Create(path)
}

func writeSTLFile(path string, r mesh.Renderer, posed bool, mask []bool) (int, error) {
	f, err := createFile(path)
	if err != nil {
		return 0, fmt.Errorf("creating %s: %w", path, err)
	}
	n, err := r.ExportSTL(f, "boneregister", posed, mask)
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return n, fmt.Errorf("writing %s: %w", path, err)
	}
	logf("wrote %s (%d triangles)", path, n)
	return n, nil
}
