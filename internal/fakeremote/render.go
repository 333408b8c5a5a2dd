package fakeremote

import (
	"bytes"
	"encoding/base64"
	"fmt"
	"image"
	"image/color"
	"image/draw"
	"image/png"
	"net/url"
	"strings"

	"github.com/dhruvsoni1802/bidi-harness/internal/imagecmp"
	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"
)

// Offset of an iframe inside its parent document, the default body margin
const frameMargin = 8

// document is what loading a URL produces
type document struct {
	content image.Image
	frames  []string // iframe sources in document order
}

// parseDataURL splits data:[<mediatype>][;base64],<data>
func parseDataURL(raw string) (string, []byte, error) {
	rest, ok := strings.CutPrefix(raw, "data:")
	if !ok {
		return "", nil, fmt.Errorf("not a data URL")
	}

	meta, payload, ok := strings.Cut(rest, ",")
	if !ok {
		return "", nil, fmt.Errorf("data URL without payload")
	}

	mediaType, isBase64 := strings.CutSuffix(meta, ";base64")
	if mediaType == "" {
		mediaType = "text/plain"
	}
	if i := strings.Index(mediaType, ";"); i >= 0 {
		mediaType = mediaType[:i]
	}

	if isBase64 {
		data, err := base64.StdEncoding.DecodeString(payload)
		if err != nil {
			return "", nil, fmt.Errorf("invalid base64 payload: %w", err)
		}
		return mediaType, data, nil
	}

	if unescaped, err := url.PathUnescape(payload); err == nil {
		payload = unescaped
	}
	return mediaType, []byte(payload), nil
}

// load fetches the document for rawURL. Only data: URLs carry content,
// everything else renders as an empty page.
func load(rawURL string) document {
	mediaType, data, err := parseDataURL(rawURL)
	if err != nil {
		return document{}
	}

	switch {
	case strings.HasPrefix(mediaType, "image/"):
		img, err := imagecmp.Decode(data)
		if err != nil {
			return document{}
		}
		return document{content: img.Pix}

	case mediaType == "text/html":
		return document{frames: iframeSources(data)}
	}
	return document{}
}

// iframeSources returns the src of every iframe element in the markup
func iframeSources(markup []byte) []string {
	root, err := html.Parse(bytes.NewReader(markup))
	if err != nil {
		return nil
	}

	var sources []string
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.ElementNode && n.DataAtom == atom.Iframe {
			src := "about:blank"
			for _, attr := range n.Attr {
				if attr.Key == "src" && attr.Val != "" {
					src = attr.Val
				}
			}
			sources = append(sources, src)
		}
		for child := n.FirstChild; child != nil; child = child.NextSibling {
			walk(child)
		}
	}
	walk(root)

	return sources
}

// renderLocked paints c and its frames over a white page
func (b *Browser) renderLocked(c *browsingContext) *image.NRGBA {
	width, height := b.surfaceLocked(c)

	canvas := image.NewNRGBA(image.Rect(0, 0, width, height))
	draw.Draw(canvas, canvas.Bounds(), image.NewUniform(color.White), image.Point{}, draw.Src)

	if c.content != nil {
		bounds := c.content.Bounds()
		draw.Draw(canvas, bounds.Sub(bounds.Min), c.content, bounds.Min, draw.Over)
	}

	// Frames stack vertically below each other
	y := frameMargin
	for _, id := range c.children {
		child, ok := b.contexts[id]
		if !ok {
			continue
		}
		frame := b.renderLocked(child)
		at := frame.Bounds().Add(image.Pt(frameMargin, y))
		draw.Draw(canvas, at, frame, image.Point{}, draw.Src)
		y += frame.Bounds().Dy() + frameMargin
	}

	return canvas
}

func (b *Browser) surfaceLocked(c *browsingContext) (int, int) {
	if c.width > 0 && c.height > 0 {
		return c.width, c.height
	}
	if c.isTopLevel() {
		return DefaultViewportWidth, DefaultViewportHeight
	}
	if c.content != nil {
		bounds := c.content.Bounds()
		return bounds.Dx(), bounds.Dy()
	}
	return defaultFrameWidth, defaultFrameHeight
}

func encodePNG(img image.Image) (string, error) {
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(buf.Bytes()), nil
}
