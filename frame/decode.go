/*Package frame turns raw LightField frame buffers into images.

Decode copies a borrowed, little-endian pixel buffer into an owned Image of
float64 pixels, applying a fixed orientation convention.  Accumulator keeps a
running mean over the frames of one acquisition.  The encoders produce FITS,
PNG and JPEG renditions of an Image for clients and recorders.
*/
package frame

import (
	"encoding/binary"
	"fmt"
	"math"

	"github.com/mbi-berlin/lightfield-http/lightfield"
)

// Image is a decoded frame.  Pix holds Height rows of Width columns, row-major.
// An Image is never modified once it has been published.
type Image struct {
	Format lightfield.PixelFormat `json:"format"`
	Height int                    `json:"height"`
	Width  int                    `json:"width"`
	Pix    []float64              `json:"pix"`
}

// At returns the pixel at column x, row y
func (i Image) At(x, y int) float64 {
	return i.Pix[y*i.Width+x]
}

// Orientation maps the source buffer onto the rows and columns of an Image
type Orientation int

const (
	// Transpose treats the buffer as sensor readout order, shaped (width, height):
	// out[y][x] = src[x*height + y].  This is the default.
	Transpose Orientation = iota

	// Identity treats the buffer as row-major (height, width): out[y][x] = src[y*width + x]
	Identity

	// Rotate90 rotates the readout array 90 degrees counter-clockwise:
	// out[y][x] = src[x*height + (height-1-y)]
	Rotate90
)

// ParseOrientation converts a configuration string to an Orientation.
// The empty string is Transpose.
func ParseOrientation(s string) (Orientation, error) {
	switch s {
	case "", "transpose":
		return Transpose, nil
	case "identity":
		return Identity, nil
	case "rotate90":
		return Rotate90, nil
	}
	return Transpose, fmt.Errorf("frame: unknown orientation %q", s)
}

// String satisfies fmt.Stringer
func (o Orientation) String() string {
	switch o {
	case Transpose:
		return "transpose"
	case Identity:
		return "identity"
	case Rotate90:
		return "rotate90"
	}
	return fmt.Sprintf("Orientation(%d)", int(o))
}

// UnsupportedFormatError is generated when a frame has a pixel format the decoder does not know
type UnsupportedFormatError struct {
	Format lightfield.PixelFormat
}

func (e *UnsupportedFormatError) Error() string {
	return fmt.Sprintf("frame: unsupported pixel format %v", e.Format)
}

// ShapeMismatchError is generated when the buffer length does not agree with the declared shape
type ShapeMismatchError struct {
	Len, Width, Height, BytesPerPixel int
}

func (e *ShapeMismatchError) Error() string {
	return fmt.Sprintf("frame: buffer of %d bytes does not hold %dx%d pixels of %d bytes",
		e.Len, e.Width, e.Height, e.BytesPerPixel)
}

// Decode copies raw into a new Image.  raw is not retained.
func Decode(raw []byte, format lightfield.PixelFormat, width, height int, o Orientation) (Image, error) {
	bpp := format.BytesPerPixel()
	if bpp == 0 {
		return Image{}, &UnsupportedFormatError{Format: format}
	}
	if width <= 0 || height <= 0 || len(raw) != width*height*bpp {
		return Image{}, &ShapeMismatchError{Len: len(raw), Width: width, Height: height, BytesPerPixel: bpp}
	}
	var elem func(int) float64
	switch format {
	case lightfield.Uint16:
		elem = func(i int) float64 { return float64(binary.LittleEndian.Uint16(raw[i*2:])) }
	case lightfield.Uint32:
		elem = func(i int) float64 { return float64(binary.LittleEndian.Uint32(raw[i*4:])) }
	case lightfield.Float32:
		elem = func(i int) float64 { return float64(math.Float32frombits(binary.LittleEndian.Uint32(raw[i*4:]))) }
	}
	var src func(x, y int) int
	switch o {
	case Identity:
		src = func(x, y int) int { return y*width + x }
	case Rotate90:
		src = func(x, y int) int { return x*height + (height - 1 - y) }
	default:
		src = func(x, y int) int { return x*height + y }
	}
	pix := make([]float64, width*height)
	for y := 0; y < height; y++ {
		row := pix[y*width : (y+1)*width]
		for x := range row {
			row[x] = elem(src(x, y))
		}
	}
	return Image{Format: format, Height: height, Width: width, Pix: pix}, nil
}

// FromFrame decodes an engine frame while its buffer is lent out
func FromFrame(f lightfield.Frame, o Orientation) (Image, error) {
	var img Image
	err := f.WithData(func(raw []byte) error {
		var err error
		img, err = Decode(raw, f.Format(), f.Width(), f.Height(), o)
		return err
	})
	return img, err
}
