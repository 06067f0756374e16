package imageproc

import (
	"bytes"
	"image"
	"image/color"
	"image/png"
	"testing"
)

func solidPNG(t *testing.T, w, h int, c color.RGBA) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.Set(x, y, c)
		}
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		t.Fatalf("encoding fixture png: %v", err)
	}
	return buf.Bytes()
}

func TestApplyPalette(t *testing.T) {
	src := solidPNG(t, 4, 4, color.RGBA{R: 200, G: 10, B: 10, A: 255})

	out, err := ApplyPalette(src, []string{"#ff0000", "#00ff00", "#0000ff"})
	if err != nil {
		t.Fatalf("ApplyPalette: %v", err)
	}

	img, err := decode(out)
	if err != nil {
		t.Fatalf("decoding result: %v", err)
	}
	r, g, b, _ := img.At(0, 0).RGBA()
	got := color.RGBA{R: uint8(r >> 8), G: uint8(g >> 8), B: uint8(b >> 8)}
	want := color.RGBA{R: 255, G: 0, B: 0}
	if got != want {
		t.Errorf("ApplyPalette mapped red-ish pixel to %v, want %v", got, want)
	}
}

func TestApplyPalette_RejectsEmptyPalette(t *testing.T) {
	src := solidPNG(t, 2, 2, color.RGBA{A: 255})
	if _, err := ApplyPalette(src, nil); err == nil {
		t.Fatal("expected error for empty palette")
	}
}

func TestThumbnail_ScalesDown(t *testing.T) {
	src := solidPNG(t, 200, 100, color.RGBA{R: 10, G: 20, B: 30, A: 255})

	out, err := Thumbnail(src, 50)
	if err != nil {
		t.Fatalf("Thumbnail: %v", err)
	}

	img, err := decode(out)
	if err != nil {
		t.Fatalf("decoding thumbnail: %v", err)
	}
	bounds := img.Bounds()
	if bounds.Dx() != 50 || bounds.Dy() != 25 {
		t.Errorf("thumbnail size = %dx%d, want 50x25", bounds.Dx(), bounds.Dy())
	}
}

func TestThumbnail_LeavesSmallImagesAlone(t *testing.T) {
	src := solidPNG(t, 10, 10, color.RGBA{A: 255})

	out, err := Thumbnail(src, 100)
	if err != nil {
		t.Fatalf("Thumbnail: %v", err)
	}

	img, err := decode(out)
	if err != nil {
		t.Fatalf("decoding thumbnail: %v", err)
	}
	if img.Bounds().Dx() != 10 || img.Bounds().Dy() != 10 {
		t.Errorf("thumbnail resized an already-small image: %v", img.Bounds())
	}
}

func TestConvert(t *testing.T) {
	src := solidPNG(t, 8, 8, color.RGBA{R: 1, G: 2, B: 3, A: 255})

	tests := []struct {
		target      Format
		wantCT      string
		wantErr     bool
	}{
		{FormatPNG, "image/png", false},
		{FormatJPG, "image/jpeg", false},
		{FormatSVG, "image/svg+xml", false},
		{FormatWebP, "", true},
	}

	for _, tt := range tests {
		out, ct, err := Convert(src, tt.target)
		if tt.wantErr {
			if err == nil {
				t.Errorf("Convert(%s): expected error, got none", tt.target)
			}
			continue
		}
		if err != nil {
			t.Fatalf("Convert(%s): %v", tt.target, err)
		}
		if ct != tt.wantCT {
			t.Errorf("Convert(%s) content type = %q, want %q", tt.target, ct, tt.wantCT)
		}
		if len(out) == 0 {
			t.Errorf("Convert(%s) returned no bytes", tt.target)
		}
	}
}

func TestExtractPalette(t *testing.T) {
	src := solidPNG(t, 16, 16, color.RGBA{R: 10, G: 20, B: 30, A: 255})

	colors, err := ExtractPalette(src, 3)
	if err != nil {
		t.Fatalf("ExtractPalette: %v", err)
	}
	if len(colors) != 1 {
		t.Fatalf("ExtractPalette on a solid image returned %d colors, want 1", len(colors))
	}
}

func TestExtractPalette_RejectsNonPositiveK(t *testing.T) {
	src := solidPNG(t, 2, 2, color.RGBA{A: 255})
	if _, err := ExtractPalette(src, 0); err == nil {
		t.Fatal("expected error for k=0")
	}
}
