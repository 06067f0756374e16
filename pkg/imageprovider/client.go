package imageprovider

import (
	"context"
	"fmt"

	"github.com/palettelab/conceptforge/internal/apperr"
)

// Client composes the Anthropic-backed palette namer with the opaque pixel
// provider into the single Provider the Worker depends on.
type Client struct {
	namer  *PaletteNamer
	pixels *PixelClient
}

// NewClient creates a Client.
func NewClient(namer *PaletteNamer, pixels *PixelClient) *Client {
	return &Client{namer: namer, pixels: pixels}
}

// GeneratePalettes implements Provider.
func (c *Client) GeneratePalettes(ctx context.Context, logoDescription, themeDescription string, n int) ([]Palette, error) {
	palettes, err := c.namer.GeneratePalettes(ctx, logoDescription, themeDescription, n)
	if err != nil {
		// A malformed or empty model response is not retried: it is not
		// the kind of transient failure message redelivery can fix.
		return nil, apperr.Permanent(fmt.Errorf("generating palettes: %w", err))
	}
	return palettes, nil
}

// GenerateImage implements Provider.
func (c *Client) GenerateImage(ctx context.Context, logoDescription, themeDescription string, palette *Palette) ([]byte, error) {
	return c.pixels.GenerateImage(ctx, logoDescription, themeDescription, palette)
}

// Refine implements Provider.
func (c *Client) Refine(ctx context.Context, baseImage []byte, instructions string, preserveAspects []string, updatedLogoDescription, updatedThemeDescription *string) ([]byte, error) {
	return c.pixels.Refine(ctx, baseImage, instructions, preserveAspects, updatedLogoDescription, updatedThemeDescription)
}

var _ Provider = (*Client)(nil)
