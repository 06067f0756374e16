// Package concept implements the Concept/Variation side of the MetaStore
// gateway: the durable record of a successful generation (one base image
// plus its recolored Variations), owned by its creator and immutable after
// creation except for cascade delete.
package concept

import (
	"time"

	"github.com/google/uuid"
)

// Variation is a single recolored rendering of a Concept under one palette.
type Variation struct {
	ID          uuid.UUID
	ConceptID   uuid.UUID
	PaletteName string
	Colors      []string // 5 ordered RGB hex strings
	ImagePath   string   // BlobStore key
	CreatedAt   time.Time
}

// Concept is the successful-generation output record.
type Concept struct {
	ID               uuid.UUID
	UserID           uuid.UUID
	LogoDescription  string
	ThemeDescription string
	ImagePath        string // base image, BlobStore key
	CreatedAt        time.Time
	Variations       []Variation
}

// Summary is the wire shape for GET /concepts/list.
type Summary struct {
	ConceptID        uuid.UUID `json:"concept_id"`
	LogoDescription  string    `json:"logo_description"`
	ThemeDescription string    `json:"theme_description"`
	ImageURL         string    `json:"image_url"`
	VariationCount   int       `json:"variation_count"`
	CreatedAt        time.Time `json:"created_at"`
}

// VariationDetail is the wire shape of a Variation within ConceptDetail, with
// the blob path resolved to a signed URL.
type VariationDetail struct {
	VariationID uuid.UUID `json:"variation_id"`
	PaletteName string    `json:"palette_name"`
	Colors      []string  `json:"colors"`
	ImageURL    string    `json:"image_url"`
	CreatedAt   time.Time `json:"created_at"`
}

// Detail is the wire shape for GET /concepts/{id}.
type Detail struct {
	ConceptID        uuid.UUID         `json:"concept_id"`
	LogoDescription  string            `json:"logo_description"`
	ThemeDescription string            `json:"theme_description"`
	ImageURL         string            `json:"image_url"`
	CreatedAt        time.Time         `json:"created_at"`
	Variations       []VariationDetail `json:"variations"`
}

// URLSigner resolves a BlobStore path to a caller-usable URL. Implemented by
// pkg/blobstore; kept as an interface here so this package never imports the
// storage SDK.
type URLSigner interface {
	SignedURL(path string) (string, error)
}

// ToSummary converts c to its list-view wire representation. A signing
// failure falls back to the raw BlobStore path rather than failing the
// whole list response; a later request gets a chance to re-sign it
// (spec §4.3).
func (c Concept) ToSummary(signer URLSigner) Summary {
	imageURL := signedOrRaw(signer, c.ImagePath)
	return Summary{
		ConceptID:        c.ID,
		LogoDescription:  c.LogoDescription,
		ThemeDescription: c.ThemeDescription,
		ImageURL:         imageURL,
		VariationCount:   len(c.Variations),
		CreatedAt:        c.CreatedAt,
	}
}

// ToDetail converts c to its detail-view wire representation, signing the
// base image and every variation's image path. A signing failure falls back
// to the raw path per spec §4.3.
func (c Concept) ToDetail(signer URLSigner) Detail {
	imageURL := signedOrRaw(signer, c.ImagePath)
	variations := make([]VariationDetail, 0, len(c.Variations))
	for _, v := range c.Variations {
		url := signedOrRaw(signer, v.ImagePath)
		variations = append(variations, VariationDetail{
			VariationID: v.ID,
			PaletteName: v.PaletteName,
			Colors:      v.Colors,
			ImageURL:    url,
			CreatedAt:   v.CreatedAt,
		})
	}
	return Detail{
		ConceptID:        c.ID,
		LogoDescription:  c.LogoDescription,
		ThemeDescription: c.ThemeDescription,
		ImageURL:         imageURL,
		CreatedAt:        c.CreatedAt,
		Variations:       variations,
	}
}

// signedOrRaw resolves path through signer, falling back to path itself if
// signing fails.
func signedOrRaw(signer URLSigner, path string) string {
	if url, err := signer.SignedURL(path); err == nil {
		return url
	}
	return path
}

// NewVariation is the input to Store.CreateWithVariations for a single
// palette's successful sub-generation.
type NewVariation struct {
	PaletteName string
	Colors      []string
	ImagePath   string
}
