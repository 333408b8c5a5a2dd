package imagecmp

import (
	"fmt"
	"image"
	"image/color"
)

// Mismatch describes why two images are not equal. It carries enough detail to
// diagnose a failure without rerunning the test.
type Mismatch struct {
	// Reason is "dimensions" or "pixels"
	Reason string

	GotBounds  image.Rectangle
	WantBounds image.Rectangle

	// First divergent pixel in row-major order
	Point     image.Point
	Got       color.NRGBA
	Want      color.NRGBA
	FirstDiff int // largest channel difference at Point

	MaxDiff         int // largest channel difference anywhere
	DivergentPixels int
	Tolerance       uint8

	// Paths of diff artifacts, when a diff directory is configured
	Artifacts []string
}

func (m *Mismatch) Error() string {
	if m.Reason == "dimensions" {
		return fmt.Sprintf("image mismatch: got %dx%d, want %dx%d",
			m.GotBounds.Dx(), m.GotBounds.Dy(), m.WantBounds.Dx(), m.WantBounds.Dy())
	}

	msg := fmt.Sprintf("image mismatch: first divergent pixel at (%d,%d): got %s, want %s (diff %d); %d pixels differ, max diff %d, tolerance %d",
		m.Point.X, m.Point.Y, rgba(m.Got), rgba(m.Want), m.FirstDiff, m.DivergentPixels, m.MaxDiff, m.Tolerance)
	if len(m.Artifacts) > 0 {
		msg += fmt.Sprintf("; artifacts: %v", m.Artifacts)
	}
	return msg
}

func rgba(c color.NRGBA) string {
	return fmt.Sprintf("rgba(%d,%d,%d,%d)", c.R, c.G, c.B, c.A)
}

// Compare returns nil when got and want have the same size and every channel of
// every pixel differs by at most tolerance. Otherwise it returns a *Mismatch.
// Channel layouts are normalized first, so an alpha-less image equals its opaque
// counterpart.
func Compare(got, want *Image, tolerance uint8) error {
	got, want = NormalizeChannels(got, want)

	gb, wb := got.Bounds(), want.Bounds()
	if gb.Dx() != wb.Dx() || gb.Dy() != wb.Dy() {
		return &Mismatch{Reason: "dimensions", GotBounds: gb, WantBounds: wb, Tolerance: tolerance}
	}

	var mismatch *Mismatch
	for y := 0; y < gb.Dy(); y++ {
		gRow := got.Pix.Pix[y*got.Pix.Stride : y*got.Pix.Stride+4*gb.Dx()]
		wRow := want.Pix.Pix[y*want.Pix.Stride : y*want.Pix.Stride+4*wb.Dx()]

		for x := 0; x < gb.Dx(); x++ {
			diff := pixelDiff(gRow[4*x:4*x+4], wRow[4*x:4*x+4])
			if diff <= int(tolerance) {
				continue
			}

			if mismatch == nil {
				mismatch = &Mismatch{
					Reason:     "pixels",
					GotBounds:  gb,
					WantBounds: wb,
					Point:      image.Pt(x, y),
					Got:        got.Pix.NRGBAAt(x, y),
					Want:       want.Pix.NRGBAAt(x, y),
					FirstDiff:  diff,
					Tolerance:  tolerance,
				}
			}
			mismatch.DivergentPixels++
			mismatch.MaxDiff = max(mismatch.MaxDiff, diff)
		}
	}

	if mismatch != nil {
		return mismatch
	}
	return nil
}

// pixelDiff returns the largest absolute difference over the four channels
func pixelDiff(a, b []uint8) int {
	var worst int
	for c := 0; c < 4; c++ {
		d := int(a[c]) - int(b[c])
		if d < 0 {
			d = -d
		}
		worst = max(worst, d)
	}
	return worst
}
