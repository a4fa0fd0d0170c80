package frame

import (
	"image"
	"image/jpeg"
	"image/png"
	"io"
	"math"

	"github.com/astrogo/fitsio"
)

// Gray returns an 8-bit rendition of the image, linearly scaled so that the
// minimum pixel is black and the maximum is white.  A flat image is black.
func (i Image) Gray() *image.Gray {
	g := image.NewGray(image.Rect(0, 0, i.Width, i.Height))
	if len(i.Pix) == 0 {
		return g
	}
	lo, hi := math.Inf(1), math.Inf(-1)
	for _, v := range i.Pix {
		if v < lo {
			lo = v
		}
		if v > hi {
			hi = v
		}
	}
	scale := 0.
	if hi > lo {
		scale = 255 / (hi - lo)
	}
	for idx, v := range i.Pix {
		g.Pix[idx] = uint8((v-lo)*scale + 0.5)
	}
	return g
}

// WritePNG streams an 8-bit PNG of the image to w
func (i Image) WritePNG(w io.Writer) error {
	return png.Encode(w, i.Gray())
}

// WriteJPEG streams an 8-bit JPEG of the image to w
func (i Image) WriteJPEG(w io.Writer) error {
	return jpeg.Encode(w, i.Gray(), nil)
}

// WriteFITS streams a FITS file holding the image as 64-bit floats to w.
// NAXIS1 is the width.
func (i Image) WriteFITS(w io.Writer, metadata []fitsio.Card) error {
	fits, err := fitsio.Create(w)
	if err != nil {
		return err
	}
	defer fits.Close()
	im := fitsio.NewImage(-64, []int{i.Width, i.Height})
	defer im.Close()
	metadata = append(metadata, fitsio.Card{Name: "PIXFMT", Value: i.Format.String(), Comment: "source pixel format"})
	err = im.Header().Append(metadata...)
	if err != nil {
		return err
	}
	err = im.Write(i.Pix)
	if err != nil {
		return err
	}
	return fits.Write(im)
}
