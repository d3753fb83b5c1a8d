package ai

import (
	"context"
	"encoding/base64"
	"fmt"
)

const extractPrompt = `Extract all text from this book page image. Respond with a JSON object ` +
	`with exactly three string fields: "header" (running head, chapter title, or page number ` +
	`at the top), "body" (the main text, preserving paragraph breaks), and "footer" (footnotes ` +
	`or page number at the bottom). Use empty strings for absent regions. Respond with JSON only.`

// ExtractPageText runs vision extraction over a page image and returns the
// model output verbatim. The caller stores and normalizes it; a reply that is
// not valid JSON is still a usable extraction.
func (c *GeminiClient) ExtractPageText(ctx context.Context, image []byte, mimeType string) (string, error) {
	if len(image) == 0 {
		return "", fmt.Errorf("image bytes required")
	}
	if mimeType == "" {
		mimeType = "image/png"
	}
	reqBody := generateRequest{
		Contents: []content{{
			Role: "user",
			Parts: []part{
				{InlineData: &inlineData{MimeType: mimeType, Data: base64.StdEncoding.EncodeToString(image)}},
				{Text: extractPrompt},
			},
		}},
		GenerationConfig: &generationConfig{ResponseMimeType: "application/json"},
	}
	var resp generateResponse
	if err := c.doJSON(ctx, "POST", c.generateURL(c.visionModel), reqBody, &resp); err != nil {
		return "", err
	}
	if len(resp.Candidates) == 0 || len(resp.Candidates[0].Content.Parts) == 0 {
		return "", fmt.Errorf("empty extraction response")
	}
	return resp.Candidates[0].Content.Parts[0].Text, nil
}
