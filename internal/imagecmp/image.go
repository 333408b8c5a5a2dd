package imagecmp

import (
	"bytes"
	"encoding/base64"
	"fmt"
	"image"
	"image/color"
	"image/draw"
	_ "image/jpeg"
	_ "image/png"
	"strings"

	"github.com/dhruvsoni1802/bidi-harness/internal/protocol"
	_ "golang.org/x/image/webp"
)

// Image is a decoded raster held as straight-alpha RGBA pixels.
// Channels records whether the source carried an alpha channel (4) or not (3).
type Image struct {
	Pix      *image.NRGBA
	Channels int
	Format   string
}

// Bounds returns the pixel rectangle, always anchored at the origin
func (i *Image) Bounds() image.Rectangle {
	return i.Pix.Bounds()
}

// HasAlpha reports whether the image carries an alpha channel
func (i *Image) HasAlpha() bool {
	return i.Channels == 4
}

// DecodeBase64 decodes a base64 payload as delivered in protocol results.
// A data: URL prefix is accepted and stripped.
func DecodeBase64(payload string) (*Image, error) {
	if strings.HasPrefix(payload, "data:") {
		_, rest, ok := strings.Cut(payload, ",")
		if !ok {
			return nil, fmt.Errorf("%w: data URL without payload", protocol.ErrDecode)
		}
		payload = rest
	}

	data, err := base64.StdEncoding.DecodeString(strings.TrimSpace(payload))
	if err != nil {
		return nil, fmt.Errorf("%w: invalid base64: %v", protocol.ErrDecode, err)
	}
	return Decode(data)
}

// Decode decodes png, jpeg or webp bytes
func Decode(data []byte) (*Image, error) {
	if len(data) == 0 {
		return nil, fmt.Errorf("%w: empty payload", protocol.ErrDecode)
	}

	src, format, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", protocol.ErrDecode, err)
	}

	return FromImage(src, format), nil
}

// FromImage converts any image.Image into an Image anchored at the origin
func FromImage(src image.Image, format string) *Image {
	b := src.Bounds()
	dst := image.NewNRGBA(image.Rect(0, 0, b.Dx(), b.Dy()))

	// Going through draw would premultiply and lose precision on translucent pixels
	if n, ok := src.(*image.NRGBA); ok {
		for y := 0; y < b.Dy(); y++ {
			start := n.PixOffset(b.Min.X, b.Min.Y+y)
			copy(dst.Pix[y*dst.Stride:y*dst.Stride+4*b.Dx()], n.Pix[start:start+4*b.Dx()])
		}
	} else {
		draw.Draw(dst, dst.Bounds(), src, b.Min, draw.Src)
	}

	return &Image{
		Pix:      dst,
		Channels: channelsOf(src),
		Format:   format,
	}
}

// channelsOf decides from the color model whether the source has an alpha channel
func channelsOf(src image.Image) int {
	switch m := src.(type) {
	case *image.NRGBA, *image.NRGBA64, *image.Alpha, *image.Alpha16, *image.NYCbCrA:
		return 4
	case *image.Paletted:
		for _, c := range m.Palette {
			if _, _, _, a := c.RGBA(); a != 0xffff {
				return 4
			}
		}
		return 3
	case *image.RGBA, *image.RGBA64:
		// The png decoder uses these for opaque truecolor too
		if opaque, ok := src.(interface{ Opaque() bool }); ok && opaque.Opaque() {
			return 3
		}
		return 4
	}

	switch src.ColorModel() {
	case color.NRGBAModel, color.NRGBA64Model, color.AlphaModel, color.Alpha16Model:
		return 4
	}
	return 3
}

// NormalizeChannels brings two images to the same channel layout before comparison.
// An alpha-less image is treated as fully opaque; the result is the same whichever
// argument carries the alpha channel.
func NormalizeChannels(a, b *Image) (*Image, *Image) {
	if a.Channels == b.Channels {
		return a, b
	}
	return opaque(a), opaque(b)
}

// opaque returns img as a 4-channel image, forcing alpha to 255 when the source had none
func opaque(img *Image) *Image {
	if img.HasAlpha() {
		return img
	}

	pix := image.NewNRGBA(img.Pix.Bounds())
	copy(pix.Pix, img.Pix.Pix)
	for i := 3; i < len(pix.Pix); i += 4 {
		pix.Pix[i] = 0xff
	}

	return &Image{Pix: pix, Channels: 4, Format: img.Format}
}
