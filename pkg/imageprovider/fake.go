package imageprovider

import (
	"context"
	"fmt"
	"sync"

	"github.com/palettelab/conceptforge/internal/apperr"
)

// FakeProvider is an in-memory Provider for Dispatcher/Worker unit tests.
// It generates deterministic, tiny placeholder "image" bytes rather than
// calling out to any network service.
type FakeProvider struct {
	mu sync.Mutex

	// FailPaletteNames, if set, makes GenerateImage permanently fail for any
	// palette whose name is in the set, modeling the S5 partial-failure
	// scenario.
	FailPaletteNames map[string]bool
	// FailAll forces GeneratePalettes/GenerateImage/Refine to return a
	// permanent error unconditionally.
	FailAll bool
	// Calls records GenerateImage invocations in order, for assertions.
	Calls []string
}

// NewFakeProvider creates a FakeProvider with no induced failures.
func NewFakeProvider() *FakeProvider {
	return &FakeProvider{FailPaletteNames: map[string]bool{}}
}

func (f *FakeProvider) GeneratePalettes(_ context.Context, _, _ string, n int) ([]Palette, error) {
	if f.FailAll {
		return nil, apperr.Permanent(fmt.Errorf("fake provider: induced failure"))
	}
	names := []string{"Forest", "Cream", "Midnight", "Coral", "Slate", "Amber", "Mint", "Plum", "Sand", "Teal"}
	out := make([]Palette, 0, n)
	for i := 0; i < n; i++ {
		name := names[i%len(names)]
		out = append(out, Palette{
			Name: name,
			Colors: []string{
				fmt.Sprintf("#%02x0000", i*10%256),
				fmt.Sprintf("#00%02x00", i*20%256),
				fmt.Sprintf("#0000%02x", i*30%256),
				"#ffffff",
				"#000000",
			},
		})
	}
	return out, nil
}

func (f *FakeProvider) GenerateImage(_ context.Context, _, _ string, palette *Palette) ([]byte, error) {
	f.mu.Lock()
	name := "Original"
	if palette != nil {
		name = palette.Name
	}
	f.Calls = append(f.Calls, name)
	fail := f.FailAll || f.FailPaletteNames[name]
	f.mu.Unlock()

	if fail {
		return nil, apperr.Permanent(fmt.Errorf("fake provider: induced failure for palette %q", name))
	}
	return []byte(fmt.Sprintf("fake-image:%s", name)), nil
}

func (f *FakeProvider) Refine(_ context.Context, baseImage []byte, instructions string, _ []string, _, _ *string) ([]byte, error) {
	if f.FailAll {
		return nil, apperr.Permanent(fmt.Errorf("fake provider: induced failure"))
	}
	return append(append([]byte{}, baseImage...), []byte(":refined:"+instructions)...), nil
}

var _ Provider = (*FakeProvider)(nil)
