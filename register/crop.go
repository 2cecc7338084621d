package register

import (
	"image"
	"image/color"

	"github.com/paulmach/orb"
)

const (
	// cropPadding is the fraction of the bone extent added around it.
	cropPadding = 0.2
	// cropThreshold is the red level above which a pixel belongs to bone.
	cropThreshold = 2
	// vertexCropExtent stands in for an unbounded vertex crop edge.
	vertexCropExtent = 1e5
)

// CropEstimate holds the crops derived from a segmented radiograph
type CropEstimate struct {
	// Crop is the render window, in image pixels.
	Crop image.Rectangle
	// VertexCrop is where the fragment's vertices are counted as seen.
	VertexCrop orb.Bound
}

// EstimateCrop bounds the bone in img, pads it by 20% except across
// overflowing borders, and splits it at the fracture line p1-p2. The upper
// fragment (lower false) keeps the image down to p2; the lower fragment
// keeps it from p2 on. The vertex crop is an unbounded band on the other
// side of the line: from p2 down for the upper fragment, up to p1 for the
// lower one. A segmentation without any bone pixel bounds the whole frame.
func EstimateCrop(img image.Image, p1, p2 orb.Point, overflow Overflow, lower bool) CropEstimate {
	b := img.Bounds()
	w, h := b.Dx(), b.Dy()

	left, top, right, bottom := w-1, h-1, 0, 0
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			c := color.RGBAModel.Convert(img.At(b.Min.X+x, b.Min.Y+y)).(color.RGBA)
			if c.R <= cropThreshold {
				continue
			}
			left = min(left, x)
			right = max(right, x)
			top = min(top, y)
			bottom = max(bottom, y)
		}
	}
	if right < left {
		// blank segmentation: treat the whole frame as bone
		left, top, right, bottom = 0, 0, w-1, h-1
	}

	hpad := int(float64(right-left) * cropPadding)
	vpad := int(float64(bottom-top) * cropPadding)
	lpad, rpad, tpad, bpad := hpad, hpad, vpad, vpad
	if overflow.Top {
		tpad = 0
	}
	if overflow.Left {
		lpad = 0
	}
	if overflow.Bottom {
		bpad = 0
	}
	if overflow.Right {
		rpad = 0
	}

	left = max(left-lpad, 0)
	right = min(right+rpad, w-1)
	split := int(p2[1])
	if lower {
		top = split
		bottom = min(bottom+bpad, h-1)
	} else {
		top = max(top-tpad, 0)
		bottom = split
	}

	est := CropEstimate{
		// corners are inclusive
		Crop: image.Rect(left, top, right+1, bottom+1).Add(b.Min),
	}
	if lower {
		est.VertexCrop = orb.Bound{
			Min: orb.Point{-vertexCropExtent, -vertexCropExtent},
			Max: orb.Point{vertexCropExtent, p1[1]},
		}
	} else {
		est.VertexCrop = orb.Bound{
			Min: orb.Point{-vertexCropExtent, p2[1]},
			Max: orb.Point{vertexCropExtent, vertexCropExtent},
		}
	}
	return est
}

// ScaleRect maps a rectangle from an image of size from to one of size to.
func ScaleRect(r image.Rectangle, from, to image.Point) image.Rectangle {
	sx := float64(to.X) / float64(from.X)
	sy := float64(to.Y) / float64(from.Y)
	return image.Rect(
		int(float64(r.Min.X)*sx), int(float64(r.Min.Y)*sy),
		int(float64(r.Max.X)*sx), int(float64(r.Max.Y)*sy),
	)
}

// ScalePoint maps a point the same way as ScaleRect
func ScalePoint(p orb.Point, from, to image.Point) orb.Point {
	return orb.Point{
		p[0] * float64(to.X) / float64(from.X),
		p[1] * float64(to.Y) / float64(from.Y),
	}
}

// RectBound converts a pixel rectangle to an orb.Bound
func RectBound(r image.Rectangle) orb.Bound {
	return orb.Bound{
		Min: orb.Point{float64(r.Min.X), float64(r.Min.Y)},
		Max: orb.Point{float64(r.Max.X), float64(r.Max.Y)},
	}
}
