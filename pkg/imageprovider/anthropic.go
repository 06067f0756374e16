package imageprovider

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
)

// PaletteNamer generates named color palettes via a text completion. It is
// the deterministic "prompt to N palettes" step the Worker runs before any
// pixel generation.
type PaletteNamer struct {
	client anthropic.Client
	model  anthropic.Model
}

// NewPaletteNamer creates a PaletteNamer using the given API key and model
// name (e.g. "claude-3-5-haiku-latest").
func NewPaletteNamer(apiKey, model string) *PaletteNamer {
	return &PaletteNamer{
		client: anthropic.NewClient(option.WithAPIKey(apiKey)),
		model:  anthropic.Model(model),
	}
}

type paletteJSON struct {
	Name   string   `json:"name"`
	Colors []string `json:"colors"`
}

var jsonArrayPattern = regexp.MustCompile(`(?s)\[.*\]`)

// GeneratePalettes asks the model for n named 5-color palettes fitting the
// logo/theme descriptions, returned as strict JSON and parsed back into
// Palette values. Always returns n palettes on success; an empty or
// malformed model response is a Permanent error (no prompt retry — the
// model response is deterministic enough that redelivery won't help).
func (p *PaletteNamer) GeneratePalettes(ctx context.Context, logoDescription, themeDescription string, n int) ([]Palette, error) {
	prompt := fmt.Sprintf(`Propose exactly %d distinct color palettes for a logo described as %q with theme %q.
Respond with ONLY a JSON array, no prose, no markdown fences. Each element:
{"name": "<short palette name>", "colors": ["#RRGGBB", "#RRGGBB", "#RRGGBB", "#RRGGBB", "#RRGGBB"]}
Each "colors" array must have exactly 5 distinct hex colors.`, n, logoDescription, themeDescription)

	message, err := p.client.Messages.New(ctx, anthropic.MessageNewParams{
		Model:     p.model,
		MaxTokens: 1024,
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(prompt)),
		},
	})
	if err != nil {
		return nil, fmt.Errorf("calling anthropic for palette generation: %w", err)
	}

	var raw string
	for _, block := range message.Content {
		raw += block.Text
	}
	raw = strings.TrimSpace(raw)

	match := jsonArrayPattern.FindString(raw)
	if match == "" {
		return nil, fmt.Errorf("palette model response did not contain a JSON array")
	}

	var parsed []paletteJSON
	if err := json.Unmarshal([]byte(match), &parsed); err != nil {
		return nil, fmt.Errorf("parsing palette JSON: %w", err)
	}
	if len(parsed) < n {
		return nil, fmt.Errorf("palette model returned %d palettes, want %d", len(parsed), n)
	}
	parsed = parsed[:n]

	palettes := make([]Palette, 0, len(parsed))
	for _, pj := range parsed {
		if len(pj.Colors) != 5 {
			return nil, fmt.Errorf("palette %q has %d colors, want 5", pj.Name, len(pj.Colors))
		}
		palettes = append(palettes, Palette{Name: pj.Name, Colors: pj.Colors})
	}
	return palettes, nil
}
