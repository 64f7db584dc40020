// Package enhance produces cleaned-up variants of listing photos with an
// image-to-image model.
package enhance

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/generative-ai-go/genai"
	"github.com/rs/zerolog/log"
	"github.com/snaplist/listingd/internal/agent"
	"github.com/snaplist/listingd/pkg/models"
	"google.golang.org/api/option"
)

// DefaultModel is the image model used when none is configured.
const DefaultModel = "gemini-2.5-flash-image"

// ErrNoImage is returned when the model answers without image data.
var ErrNoImage = errors.New("model returned no image")

// Image is raw image bytes with their media type.
type Image struct {
	MediaType string
	Data      []byte
}

// Enhancer turns one photo into an enhanced variant.
type Enhancer interface {
	Enhance(ctx context.Context, img Image, prompt string) (*Image, error)
}

// Prompt builds the edit instruction for a listing photo. Category and
// condition come from the listing and may be empty.
func Prompt(category string, condition models.Condition) string {
	var sb strings.Builder
	sb.WriteString("Enhance this product photo for a resale marketplace listing. ")
	sb.WriteString("Improve lighting, white balance and sharpness, and replace a cluttered background with a clean neutral one. ")
	if category != "" {
		fmt.Fprintf(&sb, "The item is in the %q category. ", category)
	}
	if condition != "" {
		fmt.Fprintf(&sb, "Its condition is %q: keep every scratch, mark and sign of wear visible. ", condition)
	} else {
		sb.WriteString("Keep every scratch, mark and sign of wear visible. ")
	}
	sb.WriteString("Do not add, remove or alter the item itself. Return only the edited image.")
	return sb.String()
}

// ── Gemini ───────────────────────────────────────────────────

// Gemini calls a Gemini image model.
type Gemini struct {
	apiKey string
	model  string
}

// NewGemini creates the enhancer. No client is built until Enhance.
func NewGemini(apiKey, model string) *Gemini {
	if model == "" {
		model = DefaultModel
	}
	return &Gemini{apiKey: apiKey, model: model}
}

// Enhance sends the photo and the instruction and returns the first image
// part of the answer.
func (g *Gemini) Enhance(ctx context.Context, img Image, prompt string) (*Image, error) {
	if err := agent.RequireKey("enhance", "GEMINI_API_KEY", g.apiKey); err != nil {
		return nil, err
	}

	client, err := genai.NewClient(ctx, option.WithAPIKey(g.apiKey))
	if err != nil {
		return nil, fmt.Errorf("failed to create gemini client: %w", err)
	}
	defer client.Close()

	model := client.GenerativeModel(g.model)
	resp, err := model.GenerateContent(ctx,
		genai.Blob{MIMEType: img.MediaType, Data: img.Data},
		genai.Text(prompt),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to generate content: %w", err)
	}

	out, err := FirstImage(resp)
	if err != nil {
		return nil, err
	}

	log.Debug().
		Str("model", g.model).
		Str("media_type", out.MediaType).
		Int("bytes", len(out.Data)).
		Msg("Gemini enhancement complete")
	return out, nil
}

// FirstImage returns the first inline image across all candidates.
func FirstImage(resp *genai.GenerateContentResponse) (*Image, error) {
	if resp == nil || len(resp.Candidates) == 0 {
		return nil, fmt.Errorf("no candidates returned from Gemini")
	}

	var text []string
	for _, c := range resp.Candidates {
		if c.Content == nil {
			continue
		}
		for _, part := range c.Content.Parts {
			switch p := part.(type) {
			case genai.Blob:
				if strings.HasPrefix(p.MIMEType, "image/") && len(p.Data) > 0 {
					return &Image{MediaType: p.MIMEType, Data: p.Data}, nil
				}
			case genai.Text:
				text = append(text, string(p))
			}
		}
	}

	if len(text) > 0 {
		return nil, fmt.Errorf("%w: %s", ErrNoImage, agent.Truncate(strings.Join(text, " "), 200))
	}
	return nil, ErrNoImage
}
