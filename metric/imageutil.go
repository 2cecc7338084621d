package metric

import (
	"fmt"
	"image"
	"image/color"
	"image/draw"
	_ "image/jpeg"
	_ "image/png"
	"os"

	_ "golang.org/x/image/bmp"
	xdraw "golang.org/x/image/draw"
	_ "golang.org/x/image/tiff"
)

// maskThreshold is the channel level above which a pixel counts as bone
const maskThreshold = 10

// cropPadding is added around the content in CropRect
const cropPadding = 8

// LoadImage decodes a PNG, JPEG, BMP or TIFF radiograph.
func LoadImage(path string) (image.Image, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening image: %w", err)
	}
	defer f.Close()

	img, _, err := image.Decode(f)
	if err != nil {
		return nil, fmt.Errorf("decoding image %s: %w", path, err)
	}
	return img, nil
}

// MaskImage returns a binary image: white where any channel exceeds 10,
// black elsewhere.
func MaskImage(img image.Image) *image.Gray {
	b := img.Bounds()
	out := image.NewGray(image.Rect(0, 0, b.Dx(), b.Dy()))
	for y := 0; y < b.Dy(); y++ {
		for x := 0; x < b.Dx(); x++ {
			c := color.RGBAModel.Convert(img.At(b.Min.X+x, b.Min.Y+y)).(color.RGBA)
			if c.R > maskThreshold || c.G > maskThreshold || c.B > maskThreshold {
				out.SetGray(x, y, color.Gray{Y: 255})
			}
		}
	}
	return out
}

// CropRect returns the bounding box of pixels whose red channel exceeds 10,
// grown by 8 pixels on each side and clamped to the image. An image with
// no such pixel yields a rectangle around its top-left corner.
func CropRect(img image.Image) image.Rectangle {
	red, w, h := redChannel(img)

	left, top, right, bottom := w, h, -1, -1
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			if red[y*w+x] <= maskThreshold {
				continue
			}
			left = min(left, x)
			right = max(right, x)
			top = min(top, y)
			bottom = max(bottom, y)
		}
	}
	if right < 0 {
		left, top, right, bottom = 0, 0, 0, 0
	}

	r := image.Rect(left-cropPadding, top-cropPadding, right+cropPadding+1, bottom+cropPadding+1)
	return r.Intersect(image.Rect(0, 0, w, h)).Add(img.Bounds().Min)
}

// CropImage cuts img down to CropRect(img).
func CropImage(img image.Image) *image.RGBA {
	return SubImage(img, CropRect(img))
}

// SubImage copies the part of img inside r into a new image with origin (0,0).
func SubImage(img image.Image, r image.Rectangle) *image.RGBA {
	r = r.Intersect(img.Bounds())
	out := image.NewRGBA(image.Rect(0, 0, r.Dx(), r.Dy()))
	draw.Draw(out, out.Bounds(), img, r.Min, draw.Src)
	return out
}

// ScaleImage resamples img to width x height with bilinear filtering.
func ScaleImage(img image.Image, width, height int) *image.RGBA {
	out := image.NewRGBA(image.Rect(0, 0, width, height))
	xdraw.ApproxBiLinear.Scale(out, out.Bounds(), img, img.Bounds(), xdraw.Src, nil)
	return out
}
