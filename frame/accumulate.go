package frame

// Accumulator maintains the running mean of the frames of one acquisition.
// It is not thread safe; the owner serializes access.
type Accumulator struct {
	running Image
	count   int
}

// Reset discards the running mean
func (a *Accumulator) Reset() {
	a.running = Image{}
	a.count = 0
}

// Count is the number of frames in the running mean
func (a *Accumulator) Count() int {
	return a.count
}

// Accumulate folds img into the running mean and returns a copy of the mean.
// A frame whose shape differs from the running mean starts a new one.
func (a *Accumulator) Accumulate(img Image) Image {
	if a.count > 0 && (img.Width != a.running.Width || img.Height != a.running.Height) {
		a.Reset()
	}
	if a.count == 0 {
		a.running = Image{Format: img.Format, Height: img.Height, Width: img.Width, Pix: append([]float64(nil), img.Pix...)}
	} else {
		n := float64(a.count)
		for i, v := range img.Pix {
			a.running.Pix[i] = (a.running.Pix[i]*n + v) / (n + 1)
		}
		a.running.Format = img.Format
	}
	a.count++
	out := a.running
	out.Pix = append([]float64(nil), a.running.Pix...)
	return out
}
