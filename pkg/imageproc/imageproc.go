// Package imageproc implements the Image Processor (C8): pure, stateless
// byte-in/byte-out image functions. Nothing here calls an external service;
// the Export endpoint invokes it for on-demand thumbnails and format
// conversion. The Worker stores provider-generated images as returned and
// does not call into this package.
package imageproc

import (
	"bytes"
	"encoding/base64"
	"fmt"
	"image"
	"image/color"
	"image/jpeg"
	"image/png"
	"math"
	"sort"

	"golang.org/x/image/draw"
)

// Format is a supported export/convert target.
type Format string

const (
	FormatPNG  Format = "png"
	FormatJPG  Format = "jpg"
	FormatWebP Format = "webp"
	FormatSVG  Format = "svg"
)

// decode wraps image.Decode with a uniform error, auto-detecting the source
// format via the decoders registered by this package's imports.
func decode(data []byte) (image.Image, error) {
	img, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("decoding image: %w", err)
	}
	return img, nil
}

// ApplyPalette recolors img by mapping every pixel to the closest color (by
// squared Euclidean RGB distance) in colors. Neither the Worker nor
// Convert's svg path calls it.
func ApplyPalette(imageBytes []byte, colors []string) ([]byte, error) {
	if len(colors) == 0 {
		return nil, fmt.Errorf("applying palette: no colors given")
	}

	img, err := decode(imageBytes)
	if err != nil {
		return nil, err
	}

	palette, err := parseHexColors(colors)
	if err != nil {
		return nil, fmt.Errorf("applying palette: %w", err)
	}

	bounds := img.Bounds()
	out := image.NewRGBA(bounds)
	for y := bounds.Min.Y; y < bounds.Max.Y; y++ {
		for x := bounds.Min.X; x < bounds.Max.X; x++ {
			out.Set(x, y, nearestColor(img.At(x, y), palette))
		}
	}

	var buf bytes.Buffer
	if err := png.Encode(&buf, out); err != nil {
		return nil, fmt.Errorf("encoding recolored image: %w", err)
	}
	return buf.Bytes(), nil
}

// Thumbnail scales img down so neither dimension exceeds maxDim, preserving
// aspect ratio. Images already within bounds are returned unchanged (still
// re-encoded as PNG for a uniform output format). Uses x/image/draw's
// Catmull-Rom scaler for a sharper result than simple box averaging.
func Thumbnail(imageBytes []byte, maxDim int) ([]byte, error) {
	if maxDim <= 0 {
		return nil, fmt.Errorf("thumbnailing image: max dimension must be positive")
	}

	img, err := decode(imageBytes)
	if err != nil {
		return nil, err
	}

	bounds := img.Bounds()
	w, h := bounds.Dx(), bounds.Dy()
	scale := math.Min(float64(maxDim)/float64(w), float64(maxDim)/float64(h))
	if scale >= 1 {
		var buf bytes.Buffer
		if err := png.Encode(&buf, img); err != nil {
			return nil, fmt.Errorf("encoding thumbnail: %w", err)
		}
		return buf.Bytes(), nil
	}

	dstW := int(math.Round(float64(w) * scale))
	dstH := int(math.Round(float64(h) * scale))
	if dstW < 1 {
		dstW = 1
	}
	if dstH < 1 {
		dstH = 1
	}

	dst := image.NewRGBA(image.Rect(0, 0, dstW, dstH))
	draw.CatmullRom.Scale(dst, dst.Bounds(), img, bounds, draw.Over, nil)

	var buf bytes.Buffer
	if err := png.Encode(&buf, dst); err != nil {
		return nil, fmt.Errorf("encoding thumbnail: %w", err)
	}
	return buf.Bytes(), nil
}

// Convert re-encodes img into target, returning the bytes and their MIME
// content type. WebP has no pure-Go encoder in this deployment's dependency
// set (golang.org/x/image only decodes WebP) so it is rejected with a
// validation error rather than silently substituting a different format;
// see DESIGN.md.
func Convert(imageBytes []byte, target Format) ([]byte, string, error) {
	img, err := decode(imageBytes)
	if err != nil {
		return nil, "", err
	}

	switch target {
	case FormatPNG:
		var buf bytes.Buffer
		if err := png.Encode(&buf, img); err != nil {
			return nil, "", fmt.Errorf("encoding png: %w", err)
		}
		return buf.Bytes(), "image/png", nil

	case FormatJPG:
		var buf bytes.Buffer
		if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: 90}); err != nil {
			return nil, "", fmt.Errorf("encoding jpeg: %w", err)
		}
		return buf.Bytes(), "image/jpeg", nil

	case FormatSVG:
		var pngBuf bytes.Buffer
		if err := png.Encode(&pngBuf, img); err != nil {
			return nil, "", fmt.Errorf("encoding svg-embedded png: %w", err)
		}
		svg := wrapSVG(pngBuf.Bytes(), img.Bounds().Dx(), img.Bounds().Dy())
		return svg, "image/svg+xml", nil

	case FormatWebP:
		return nil, "", fmt.Errorf("webp output is not supported by this deployment; request png, jpg, or svg")

	default:
		return nil, "", fmt.Errorf("unsupported target format %q", target)
	}
}

// ExtractPalette returns the k most common colors in img as hex strings,
// ordered by descending frequency. Colors are bucketed to a coarse 16-level
// grid per channel before counting, which both reduces noise from
// anti-aliasing and caps the number of distinct buckets.
func ExtractPalette(imageBytes []byte, k int) ([]string, error) {
	if k <= 0 {
		return nil, fmt.Errorf("extracting palette: k must be positive")
	}

	img, err := decode(imageBytes)
	if err != nil {
		return nil, err
	}

	const bucketsPerChannel = 16
	const step = 256 / bucketsPerChannel

	counts := make(map[color.RGBA]int)
	bounds := img.Bounds()
	for y := bounds.Min.Y; y < bounds.Max.Y; y++ {
		for x := bounds.Min.X; x < bounds.Max.X; x++ {
			r, g, b, _ := img.At(x, y).RGBA()
			bucket := color.RGBA{
				R: uint8((r >> 8) / step * step),
				G: uint8((g >> 8) / step * step),
				B: uint8((b >> 8) / step * step),
				A: 255,
			}
			counts[bucket]++
		}
	}

	type bucketCount struct {
		c color.RGBA
		n int
	}
	ranked := make([]bucketCount, 0, len(counts))
	for c, n := range counts {
		ranked = append(ranked, bucketCount{c, n})
	}
	sort.Slice(ranked, func(i, j int) bool { return ranked[i].n > ranked[j].n })

	if len(ranked) > k {
		ranked = ranked[:k]
	}

	out := make([]string, len(ranked))
	for i, rc := range ranked {
		out[i] = fmt.Sprintf("#%02x%02x%02x", rc.c.R, rc.c.G, rc.c.B)
	}
	return out, nil
}

func parseHexColors(colors []string) ([]color.RGBA, error) {
	out := make([]color.RGBA, len(colors))
	for i, hex := range colors {
		c, err := parseHexColor(hex)
		if err != nil {
			return nil, err
		}
		out[i] = c
	}
	return out, nil
}

func parseHexColor(hex string) (color.RGBA, error) {
	if len(hex) != 7 || hex[0] != '#' {
		return color.RGBA{}, fmt.Errorf("invalid hex color %q", hex)
	}
	var r, g, b int
	if _, err := fmt.Sscanf(hex, "#%02x%02x%02x", &r, &g, &b); err != nil {
		return color.RGBA{}, fmt.Errorf("invalid hex color %q: %w", hex, err)
	}
	return color.RGBA{R: uint8(r), G: uint8(g), B: uint8(b), A: 255}, nil
}

func nearestColor(c color.Color, palette []color.RGBA) color.RGBA {
	r, g, b, _ := c.RGBA()
	r8, g8, b8 := uint8(r>>8), uint8(g>>8), uint8(b>>8)

	best := palette[0]
	bestDist := int64(math.MaxInt64)
	for _, p := range palette {
		dr := int64(r8) - int64(p.R)
		dg := int64(g8) - int64(p.G)
		db := int64(b8) - int64(p.B)
		dist := dr*dr + dg*dg + db*db
		if dist < bestDist {
			bestDist = dist
			best = p
		}
	}
	return best
}

func wrapSVG(pngData []byte, w, h int) []byte {
	b64 := base64.StdEncoding.EncodeToString(pngData)
	return []byte(fmt.Sprintf(
		`<svg xmlns="http://www.w3.org/2000/svg" width="%d" height="%d" viewBox="0 0 %d %d">`+
			`<image width="%d" height="%d" href="data:image/png;base64,%s"/>`+
			`</svg>`,
		w, h, w, h, w, h, b64,
	))
}
