// Package pixel holds the BGRA buffer primitives shared by the sender and the
// receiver: row extraction, strided blits and brightness keying.
package pixel

import (
	"image"

	"github.com/vango-dev/deltacast/pkg/region"
)

// BytesPerPixel is the size of one BGRA pixel.
const BytesPerPixel = region.BytesPerPixel

// Size returns the tight byte size of a width×height BGRA image.
func Size(width, height int) int {
	return width * height * BytesPerPixel
}

// Extract copies the rows of r out of a strided frame into a tight buffer
// (stride = r.Width*4). dst is reused when its capacity suffices.
func Extract(dst, frame []byte, stride int, r region.Rect) []byte {
	rowBytes := r.Width * BytesPerPixel
	n := rowBytes * r.Height
	if cap(dst) < n {
		dst = make([]byte, n)
	}
	dst = dst[:n]
	for row := 0; row < r.Height; row++ {
		src := (r.Y+row)*stride + r.X*BytesPerPixel
		copy(dst[row*rowBytes:(row+1)*rowBytes], frame[src:src+rowBytes])
	}
	return dst
}

// Blit copies a tight-stride region into dst at r, honouring dst's stride.
func Blit(dst []byte, dstStride int, src []byte, r region.Rect) {
	rowBytes := r.Width * BytesPerPixel
	for row := 0; row < r.Height; row++ {
		off := (r.Y+row)*dstStride + r.X*BytesPerPixel
		copy(dst[off:off+rowBytes], src[row*rowBytes:(row+1)*rowBytes])
	}
}

// Luma returns the BT.601 brightness of a BGRA pixel.
func Luma(b, g, r byte) uint8 {
	return uint8((299*uint32(r) + 587*uint32(g) + 114*uint32(b)) / 1000)
}

// ApplyChromaKey rewrites the alpha channel in place: pixels darker than
// threshold become fully transparent, all others fully opaque.
func ApplyChromaKey(buf []byte, threshold uint8) {
	for i := 0; i+3 < len(buf); i += BytesPerPixel {
		if Luma(buf[i], buf[i+1], buf[i+2]) < threshold {
			buf[i+3] = 0
		} else {
			buf[i+3] = 0xFF
		}
	}
}

// ToNRGBA converts a tight BGRA buffer to an image.NRGBA.
func ToNRGBA(buf []byte, width, height int) *image.NRGBA {
	img := image.NewNRGBA(image.Rect(0, 0, width, height))
	n := min(len(buf), len(img.Pix))
	for i := 0; i+3 < n; i += BytesPerPixel {
		img.Pix[i] = buf[i+2]
		img.Pix[i+1] = buf[i+1]
		img.Pix[i+2] = buf[i]
		img.Pix[i+3] = buf[i+3]
	}
	return img
}
