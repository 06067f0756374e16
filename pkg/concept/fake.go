package concept

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/palettelab/conceptforge/internal/apperr"
)

// FakeRegistry is an in-memory Registrar for unit tests.
type FakeRegistry struct {
	mu       sync.Mutex
	concepts map[uuid.UUID]Concept
}

// NewFakeRegistry creates an empty FakeRegistry.
func NewFakeRegistry() *FakeRegistry {
	return &FakeRegistry{concepts: make(map[uuid.UUID]Concept)}
}

func (f *FakeRegistry) CreateWithVariations(ctx context.Context, userID uuid.UUID, logoDescription, themeDescription, imagePath string, variations []NewVariation) (Concept, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	c := Concept{
		ID:               uuid.New(),
		UserID:           userID,
		LogoDescription:  logoDescription,
		ThemeDescription: themeDescription,
		ImagePath:        imagePath,
		CreatedAt:        time.Now().UTC(),
	}
	for _, nv := range variations {
		c.Variations = append(c.Variations, Variation{
			ID:          uuid.New(),
			ConceptID:   c.ID,
			PaletteName: nv.PaletteName,
			Colors:      nv.Colors,
			ImagePath:   nv.ImagePath,
			CreatedAt:   c.CreatedAt,
		})
	}
	f.concepts[c.ID] = c
	return c, nil
}

func (f *FakeRegistry) Get(ctx context.Context, userID, id uuid.UUID) (Concept, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	c, ok := f.concepts[id]
	if !ok || c.UserID != userID {
		return Concept{}, apperr.NotFound("concept %s not found", id)
	}
	return c, nil
}

func (f *FakeRegistry) ListByUser(ctx context.Context, userID uuid.UUID, limit int) ([]Concept, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if limit <= 0 {
		limit = 10
	}

	var matched []Concept
	for _, c := range f.concepts {
		if c.UserID == userID {
			matched = append(matched, c)
		}
	}
	sort.Slice(matched, func(i, j int) bool { return matched[i].CreatedAt.After(matched[j].CreatedAt) })
	if len(matched) > limit {
		matched = matched[:limit]
	}
	return matched, nil
}

func (f *FakeRegistry) DeleteOlderThan(ctx context.Context, cutoff time.Time) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	var paths []string
	for id, c := range f.concepts {
		if c.CreatedAt.Before(cutoff) {
			paths = append(paths, c.ImagePath)
			for _, v := range c.Variations {
				paths = append(paths, v.ImagePath)
			}
			delete(f.concepts, id)
		}
	}
	return paths, nil
}

// FakeURLSigner implements URLSigner by returning the path unchanged with a
// fixed prefix, so tests can assert on it without a real BlobStore.
type FakeURLSigner struct {
	Prefix string
}

func (s FakeURLSigner) SignedURL(path string) (string, error) {
	prefix := s.Prefix
	if prefix == "" {
		prefix = "https://fake-blob.local/"
	}
	return prefix + path, nil
}

var _ Registrar = (*FakeRegistry)(nil)
var _ URLSigner = FakeURLSigner{}
