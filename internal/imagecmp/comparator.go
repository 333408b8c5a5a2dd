package imagecmp

import (
	"crypto/rand"
	"errors"
	"fmt"
	"image"
	"image/color"
	"image/png"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/oklog/ulid/v2"
)

// Comparator checks protocol image payloads against references
type Comparator struct {
	// Tolerance is the largest per-channel difference still counted as equal. Zero means exact.
	Tolerance uint8

	// DiffDir receives actual/expected/diff PNGs for every mismatch. Empty disables artifacts.
	DiffDir string
}

var (
	entropyMu sync.Mutex
	entropy   = ulid.Monotonic(rand.Reader, 0)
)

func newArtifactID() string {
	entropyMu.Lock()
	defer entropyMu.Unlock()
	return ulid.MustNew(ulid.Timestamp(time.Now()), entropy).String()
}

// Equal decodes two base64 payloads and compares them
func (c *Comparator) Equal(actualB64, expectedB64 string) error {
	actual, err := DecodeBase64(actualB64)
	if err != nil {
		return fmt.Errorf("actual image: %w", err)
	}

	expected, err := DecodeBase64(expectedB64)
	if err != nil {
		return fmt.Errorf("expected image: %w", err)
	}

	return c.EqualImages(actual, expected)
}

// EqualImages compares decoded images, writing artifacts on mismatch
func (c *Comparator) EqualImages(actual, expected *Image) error {
	err := Compare(actual, expected, c.Tolerance)
	if err == nil {
		return nil
	}

	var mismatch *Mismatch
	if !errors.As(err, &mismatch) || c.DiffDir == "" {
		return err
	}

	paths, werr := c.writeArtifacts(actual, expected, mismatch)
	if werr != nil {
		slog.Warn("failed to write image diff artifacts", "dir", c.DiffDir, "error", werr)
		return mismatch
	}

	mismatch.Artifacts = paths
	slog.Info("image diff artifacts written", "paths", paths)
	return mismatch
}

func (c *Comparator) writeArtifacts(actual, expected *Image, m *Mismatch) ([]string, error) {
	if err := os.MkdirAll(c.DiffDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create diff directory: %w", err)
	}

	id := newArtifactID()
	images := []struct {
		suffix string
		img    image.Image
	}{
		{"actual", actual.Pix},
		{"expected", expected.Pix},
	}
	if m.Reason == "pixels" {
		images = append(images, struct {
			suffix string
			img    image.Image
		}{"diff", DiffImage(actual, expected, c.Tolerance)})
	}

	paths := make([]string, 0, len(images))
	for _, entry := range images {
		path := filepath.Join(c.DiffDir, fmt.Sprintf("%s-%s.png", id, entry.suffix))
		if err := writePNG(path, entry.img); err != nil {
			return paths, err
		}
		paths = append(paths, path)
	}
	return paths, nil
}

func writePNG(path string, img image.Image) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create %s: %w", path, err)
	}
	defer f.Close()

	if err := png.Encode(f, img); err != nil {
		return fmt.Errorf("failed to encode %s: %w", path, err)
	}
	return f.Close()
}

// DiffImage paints divergent pixels red over a faded copy of expected. Both images must have the same size.
func DiffImage(actual, expected *Image, tolerance uint8) *image.NRGBA {
	actual, expected = NormalizeChannels(actual, expected)

	b := expected.Bounds()
	out := image.NewNRGBA(b)
	for y := 0; y < b.Dy(); y++ {
		for x := 0; x < b.Dx(); x++ {
			a := actual.Pix.NRGBAAt(x, y)
			e := expected.Pix.NRGBAAt(x, y)

			if pixelDiff([]uint8{a.R, a.G, a.B, a.A}, []uint8{e.R, e.G, e.B, e.A}) > int(tolerance) {
				out.SetNRGBA(x, y, color.NRGBA{R: 0xff, A: 0xff})
				continue
			}
			gray := uint8((int(e.R) + int(e.G) + int(e.B)) / 3)
			out.SetNRGBA(x, y, color.NRGBA{R: gray, G: gray, B: gray, A: 0x40})
		}
	}
	return out
}

// AssertImagesEqual fails the test when two base64 image payloads differ
func AssertImagesEqual(tb testing.TB, actualB64, expectedB64 string) {
	tb.Helper()

	c := &Comparator{}
	if err := c.Equal(actualB64, expectedB64); err != nil {
		tb.Fatalf("images differ: %v", err)
	}
}
