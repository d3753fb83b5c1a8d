package ai

import (
	"context"
	"encoding/base64"
	"fmt"
	"strings"
)

// SynthesizeSpeech converts text to raw audio using a prebuilt voice. The
// optional style prompt is prepended as a spoken-direction sentence, which is
// how the TTS models accept delivery instructions. The returned payload is
// raw PCM; the Format descriptor carries channel/rate/bit-depth hints.
func (c *GeminiClient) SynthesizeSpeech(ctx context.Context, text, voiceName, stylePrompt string) (SpeechAudio, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return SpeechAudio{}, fmt.Errorf("text required")
	}
	if voiceName == "" {
		voiceName = "Kore"
	}
	prompt := text
	if style := strings.TrimSpace(stylePrompt); style != "" {
		prompt = style + ": " + text
	}
	reqBody := generateRequest{
		Contents: []content{{
			Role:  "user",
			Parts: []part{{Text: prompt}},
		}},
		GenerationConfig: &generationConfig{
			ResponseModalities: []string{"AUDIO"},
			SpeechConfig: &speechConfig{
				VoiceConfig: voiceConfig{
					PrebuiltVoiceConfig: prebuiltVoiceConfig{VoiceName: voiceName},
				},
			},
		},
	}
	var resp generateResponse
	if err := c.doJSON(ctx, "POST", c.generateURL(c.speechModel), reqBody, &resp); err != nil {
		return SpeechAudio{}, err
	}
	if len(resp.Candidates) == 0 || len(resp.Candidates[0].Content.Parts) == 0 {
		return SpeechAudio{}, fmt.Errorf("empty synthesis response")
	}
	data := resp.Candidates[0].Content.Parts[0].InlineData
	if data == nil || data.Data == "" {
		return SpeechAudio{}, fmt.Errorf("synthesis response carried no audio payload")
	}
	raw, err := base64.StdEncoding.DecodeString(data.Data)
	if err != nil {
		return SpeechAudio{}, fmt.Errorf("decode audio payload: %w", err)
	}
	return SpeechAudio{Data: raw, Format: data.MimeType}, nil
}
