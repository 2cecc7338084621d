package mesh

import (
	"image"
	"image/draw"
	"io"

	"github.com/paulmach/orb"
	"github.com/tdewolff/canvas"
	"github.com/tdewolff/canvas/renderers/rasterizer"
	"github.com/tdewolff/canvas/renderers/svg"
	"gonum.org/v1/gonum/spatial/r3"
)

// Renderer draws the silhouette of one posed shape as seen through one
// perspective. Rendered pixels cover the crop window of the full detector
// image; outside the silhouette they are black.
type Renderer interface {
	SetPerspective(p Pyramid)
	SetSize(width, height int)
	SetCropWindow(crop image.Rectangle)
	SetRotation(r r3.Vec)
	SetTranslation(t r3.Vec)
	Rotation() r3.Vec
	Translation() r3.Vec

	RenderNow()
	RenderedImage() image.Image
	// RedChannel returns the red channel of the last render, rows bottom-up.
	RedChannel() []uint8
	// Size returns the dimensions of the rendered image (the crop window)
	Size() (width, height int)

	// RecomputedVertices returns the current shape in model coordinates.
	RecomputedVertices() []r3.Vec
	// VerticesMask reports for each vertex whether its projection under the
	// current pose falls inside crop, given in full-image pixels.
	VerticesMask(vertices []r3.Vec, crop orb.Bound) []bool

	// ExportSTL writes the shape, in world coordinates when posed is set.
	// A nil mask keeps every vertex.
	ExportSTL(w io.Writer, name string, posed bool, mask []bool) (int, error)
}

// canvasRenderer is implemented by both the svg and rasterizer renderers
type canvasRenderer interface {
	RenderPath(path *canvas.Path, style canvas.Style, m canvas.Matrix)
}

// CPURenderer rasterizes mesh silhouettes with the canvas rasterizer.
// The shape model is shared with other renderers and is never modified here.
type CPURenderer struct {
	shape     *ShapeModel
	triangles [][3]int

	pose    Pose
	pyramid Pyramid
	width   int
	height  int
	crop    image.Rectangle

	img *image.RGBA
	red []uint8
}

// NewCPURenderer creates a renderer for the given shape and topology
func NewCPURenderer(shape *ShapeModel, triangles [][3]int) *CPURenderer {
	return &CPURenderer{
		shape:     shape,
		triangles: triangles,
	}
}

// Pose, perspective and crop setters take effect on the next RenderNow.
func (r *CPURenderer) SetPerspective(p Pyramid)        { r.pyramid = p }
func (r *CPURenderer) SetCropWindow(c image.Rectangle) { r.crop = c }
func (r *CPURenderer) SetRotation(v r3.Vec)            { r.pose.Rotation = v }
func (r *CPURenderer) SetTranslation(v r3.Vec)         { r.pose.Translation = v }
func (r *CPURenderer) Rotation() r3.Vec                { return r.pose.Rotation }
func (r *CPURenderer) Translation() r3.Vec             { return r.pose.Translation }

// SetSize sets the full detector image size
func (r *CPURenderer) SetSize(width, height int) {
	r.width = width
	r.height = height
}

// Size implements Renderer
func (r *CPURenderer) Size() (int, int) {
	c := r.window()
	return c.Dx(), c.Dy()
}

// window is the crop window, or the full image when no crop is set.
func (r *CPURenderer) window() image.Rectangle {
	if r.crop.Empty() {
		return image.Rect(0, 0, r.width, r.height)
	}
	return r.crop
}

// RenderNow draws the current shape into the internal image.
func (r *CPURenderer) RenderNow() {
	win := r.window()
	w, h := float64(win.Dx()), float64(win.Dy())

	rast := rasterizer.New(w, h, canvas.DPMM(1), canvas.DefaultColorSpace)
	r.renderToCanvas(rast, win)

	img := image.NewRGBA(image.Rect(0, 0, win.Dx(), win.Dy()))
	draw.Draw(img, img.Bounds(), rast, rast.Bounds().Min, draw.Src)
	r.img = img
	r.red = nil
}

// WriteSVG writes the current silhouette as SVG
func (r *CPURenderer) WriteSVG(w io.Writer) error {
	win := r.window()
	s := svg.New(w, float64(win.Dx()), float64(win.Dy()), nil)
	r.renderToCanvas(s, win)
	return s.Close()
}

// renderToCanvas draws the silhouette (shared logic for SVG and PNG)
func (r *CPURenderer) renderToCanvas(renderer canvasRenderer, win image.Rectangle) {
	w, h := float64(win.Dx()), float64(win.Dy())

	bgStyle := canvas.DefaultStyle
	bgStyle.Fill = canvas.Paint{Color: canvas.Black}
	bgStyle.Stroke = canvas.Paint{Color: canvas.Transparent}
	renderer.RenderPath(canvas.Rectangle(w, h), bgStyle, canvas.Identity)

	path := r.silhouette(win)
	if path.Empty() {
		return
	}

	boneStyle := canvas.DefaultStyle
	boneStyle.Fill = canvas.Paint{Color: canvas.White}
	boneStyle.Stroke = canvas.Paint{Color: canvas.Transparent}
	renderer.RenderPath(path, boneStyle, canvas.Identity)
}

// silhouette builds one path of all projected triangles in canvas
// coordinates (origin bottom-left). Every triangle is wound the same way so
// the nonzero fill rule covers their union.
func (r *CPURenderer) silhouette(win image.Rectangle) *canvas.Path {
	tf := r.pose.Transform()
	verts := r.shape.Vertices()
	h := float64(win.Dy())

	pts := make([]canvas.Point, len(verts))
	ok := make([]bool, len(verts))
	for i, v := range verts {
		x, y, visible := r.pyramid.Project(tf.Apply(v), r.width, r.height)
		ok[i] = visible
		pts[i] = canvas.Point{X: x - float64(win.Min.X), Y: h - (y - float64(win.Min.Y))}
	}

	path := &canvas.Path{}
	for _, tri := range r.triangles {
		if !ok[tri[0]] || !ok[tri[1]] || !ok[tri[2]] {
			continue
		}
		a, b, c := pts[tri[0]], pts[tri[1]], pts[tri[2]]
		area := (b.X-a.X)*(c.Y-a.Y) - (c.X-a.X)*(b.Y-a.Y)
		if area == 0 {
			continue
		}
		if area < 0 {
			b, c = c, b
		}
		path.MoveTo(a.X, a.Y)
		path.LineTo(b.X, b.Y)
		path.LineTo(c.X, c.Y)
		path.Close()
	}
	return path
}

// RenderedImage returns the last render, or nil before the first one
func (r *CPURenderer) RenderedImage() image.Image {
	if r.img == nil {
		return nil
	}
	return r.img
}

// RedChannel implements Renderer
func (r *CPURenderer) RedChannel() []uint8 {
	if r.img == nil {
		return nil
	}
	if r.red != nil {
		return r.red
	}

	w, h := r.img.Bounds().Dx(), r.img.Bounds().Dy()
	red := make([]uint8, w*h)
	for row := 0; row < h; row++ {
		src := r.img.Pix[(h-1-row)*r.img.Stride:]
		dst := red[row*w : (row+1)*w]
		for x := range dst {
			dst[x] = src[4*x]
		}
	}
	r.red = red
	return red
}

// RecomputedVertices implements Renderer
func (r *CPURenderer) RecomputedVertices() []r3.Vec {
	return r.shape.Vertices()
}

// VerticesMask implements Renderer
func (r *CPURenderer) VerticesMask(vertices []r3.Vec, crop orb.Bound) []bool {
	tf := r.pose.Transform()
	mask := make([]bool, len(vertices))
	for i, v := range vertices {
		x, y, ok := r.pyramid.Project(tf.Apply(v), r.width, r.height)
		if !ok || x < 0 || y < 0 || x >= float64(r.width) || y >= float64(r.height) {
			continue
		}
		mask[i] = crop.Contains(orb.Point{x, y})
	}
	return mask
}

// ExportSTL implements Renderer
func (r *CPURenderer) ExportSTL(w io.Writer, name string, posed bool, mask []bool) (int, error) {
	opts := ExportOptions{Mask: mask}
	if posed {
		tf := r.pose.Transform()
		opts.Transform = &tf
	}
	return WriteSTL(w, name, r.shape.Vertices(), r.triangles, opts)
}
