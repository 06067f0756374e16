// Package imageprovider implements the ImageProvider client (C4): a
// synchronous, potentially slow (up to 120s) call out to an external AI
// image service, plus the deterministic palette-naming step that precedes
// per-palette image generation. The production implementation splits this
// across two collaborators — an Anthropic text call for palette naming, and
// a REST call to the opaque image-pixel provider — behind a single
// interface so the Worker never knows the split exists.
package imageprovider

import (
	"context"
)

// Palette is an ordered list of 5 RGB hex colors under a human name, the
// unit the Worker recolors one Variation from.
type Palette struct {
	Name   string
	Colors []string
}

// Provider is the capability interface consumed by the Worker. Production
// code is backed by Client; tests use FakeProvider.
type Provider interface {
	// GeneratePalettes asks the provider for n named color palettes suited
	// to logoDescription/themeDescription. It does not produce pixels.
	GeneratePalettes(ctx context.Context, logoDescription, themeDescription string, n int) ([]Palette, error)

	// GenerateImage renders a base logo image for the given descriptions.
	// palette is nil for the "Original" variation, in which case the
	// provider chooses its own colors; otherwise the provider is asked to
	// honor palette's colors so stylistically consistent recolors result.
	GenerateImage(ctx context.Context, logoDescription, themeDescription string, palette *Palette) ([]byte, error)

	// Refine re-renders baseImage per instructions, preserving the named
	// aspects. updatedLogoDescription/updatedThemeDescription, if non-nil,
	// replace the original descriptions for this refinement.
	Refine(ctx context.Context, baseImage []byte, instructions string, preserveAspects []string, updatedLogoDescription, updatedThemeDescription *string) ([]byte, error)
}
