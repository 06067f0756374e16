package imageprovider

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/palettelab/conceptforge/internal/apperr"
)

// PixelClient calls the opaque external image-generation HTTP API. The
// provider itself is treated as a black box per the spec: only its request
// and response shapes are specified here, not its implementation.
type PixelClient struct {
	httpClient *http.Client
	baseURL    string
	apiKey     string
}

// NewPixelClient creates a PixelClient with the 120s timeout the spec
// mandates for ImageProvider calls.
func NewPixelClient(baseURL, apiKey string) *PixelClient {
	return &PixelClient{
		httpClient: &http.Client{Timeout: 120 * time.Second},
		baseURL:    baseURL,
		apiKey:     apiKey,
	}
}

type generateRequest struct {
	LogoDescription  string   `json:"logo_description"`
	ThemeDescription string   `json:"theme_description"`
	PaletteColors    []string `json:"palette_colors,omitempty"`
}

type refineRequest struct {
	BaseImageB64            string   `json:"base_image_b64"`
	Instructions            string   `json:"instructions"`
	PreserveAspects         []string `json:"preserve_aspects,omitempty"`
	UpdatedLogoDescription  *string  `json:"updated_logo_description,omitempty"`
	UpdatedThemeDescription *string  `json:"updated_theme_description,omitempty"`
}

type imageResponse struct {
	ImageB64 string `json:"image_b64"`
}

// GenerateImage implements Provider.GenerateImage over HTTP.
func (c *PixelClient) GenerateImage(ctx context.Context, logoDescription, themeDescription string, palette *Palette) ([]byte, error) {
	req := generateRequest{LogoDescription: logoDescription, ThemeDescription: themeDescription}
	if palette != nil {
		req.PaletteColors = palette.Colors
	}
	return c.call(ctx, "/generate", req)
}

// Refine implements Provider.Refine over HTTP.
func (c *PixelClient) Refine(ctx context.Context, baseImage []byte, instructions string, preserveAspects []string, updatedLogoDescription, updatedThemeDescription *string) ([]byte, error) {
	req := refineRequest{
		BaseImageB64:            base64.StdEncoding.EncodeToString(baseImage),
		Instructions:            instructions,
		PreserveAspects:         preserveAspects,
		UpdatedLogoDescription:  updatedLogoDescription,
		UpdatedThemeDescription: updatedThemeDescription,
	}
	return c.call(ctx, "/refine", req)
}

func (c *PixelClient) call(ctx context.Context, path string, body any) ([]byte, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, apperr.Internal(fmt.Errorf("marshaling image provider request: %w", err))
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return nil, apperr.Internal(fmt.Errorf("building image provider request: %w", err))
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		// Network errors (timeouts, connection resets) are transient: the
		// Worker should let the message redeliver.
		return nil, apperr.Transient(fmt.Errorf("calling image provider %s: %w", path, err))
	}
	defer func() { _ = resp.Body.Close() }()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, apperr.Transient(fmt.Errorf("reading image provider response: %w", err))
	}

	switch {
	case resp.StatusCode >= 500:
		return nil, apperr.Transient(fmt.Errorf("image provider returned HTTP %d: %s", resp.StatusCode, raw))
	case resp.StatusCode == http.StatusTooManyRequests:
		return nil, apperr.Transient(fmt.Errorf("image provider rate limited the request"))
	case resp.StatusCode >= 400:
		return nil, apperr.Permanent(fmt.Errorf("image provider rejected the request (HTTP %d): %s", resp.StatusCode, raw))
	}

	var out imageResponse
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, apperr.Permanent(fmt.Errorf("parsing image provider response: %w", err))
	}

	data, err := base64.StdEncoding.DecodeString(out.ImageB64)
	if err != nil {
		return nil, apperr.Permanent(fmt.Errorf("decoding image provider response image: %w", err))
	}
	return data, nil
}
