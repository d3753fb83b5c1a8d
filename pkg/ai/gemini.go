package ai

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"
)

const (
	defaultGeminiBaseURL   = "https://generativelanguage.googleapis.com/v1beta"
	defaultGeminiUploadURL = "https://generativelanguage.googleapis.com/upload/v1beta"
)

// ErrRateLimited marks upstream throughput exhaustion. Callers may retry
// with backoff; every other upstream failure is terminal for the request.
var ErrRateLimited = errors.New("generation backend rate limited")

// IsRateLimited reports whether err stems from upstream rate limiting.
func IsRateLimited(err error) bool {
	return errors.Is(err, ErrRateLimited)
}

// GeminiClient calls the Google AI Studio (Gemini) API. It covers the four
// backend capabilities this system consumes: vision extraction, speech
// synthesis, document-grounded chat, and the Files API.
type GeminiClient struct {
	apiKey     string
	baseURL    string
	uploadURL  string
	httpClient *http.Client

	visionModel string
	speechModel string
	chatModel   string
}

// GeminiConfig selects per-capability models. Empty fields fall back to
// conservative defaults.
type GeminiConfig struct {
	APIKey      string
	VisionModel string
	SpeechModel string
	ChatModel   string
	HTTPClient  *http.Client
}

// NewGeminiClient constructs a client with the provided API key.
func NewGeminiClient(cfg GeminiConfig) (*GeminiClient, error) {
	apiKey := strings.TrimSpace(cfg.APIKey)
	if apiKey == "" {
		return nil, fmt.Errorf("gemini api key required")
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 120 * time.Second}
	}
	visionModel := strings.TrimSpace(cfg.VisionModel)
	if visionModel == "" {
		visionModel = "gemini-2.0-flash"
	}
	speechModel := strings.TrimSpace(cfg.SpeechModel)
	if speechModel == "" {
		speechModel = "gemini-2.5-flash-preview-tts"
	}
	chatModel := strings.TrimSpace(cfg.ChatModel)
	if chatModel == "" {
		chatModel = "gemini-2.0-flash"
	}
	return &GeminiClient{
		apiKey:      apiKey,
		baseURL:     defaultGeminiBaseURL,
		uploadURL:   defaultGeminiUploadURL,
		httpClient:  httpClient,
		visionModel: visionModel,
		speechModel: speechModel,
		chatModel:   chatModel,
	}, nil
}

func normalizeModel(model string) string {
	model = strings.TrimSpace(model)
	model = strings.TrimPrefix(model, "models/")
	return model
}

func (c *GeminiClient) generateURL(model string) string {
	return fmt.Sprintf("%s/models/%s:generateContent?key=%s", c.baseURL, normalizeModel(model), c.apiKey)
}

func (c *GeminiClient) doJSON(ctx context.Context, method, url string, payload any, out any) error {
	var body []byte
	if payload != nil {
		var err error
		body, err = json.Marshal(payload)
		if err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		var errResp errorResponse
		_ = json.NewDecoder(resp.Body).Decode(&errResp)
		return classifyAPIError(resp.StatusCode, resp.Status, errResp)
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return err
	}
	return nil
}

func classifyAPIError(code int, status string, errResp errorResponse) error {
	msg := errResp.Error.Message
	if msg == "" {
		msg = status
	}
	if code == http.StatusTooManyRequests || errResp.Error.Status == "RESOURCE_EXHAUSTED" {
		return fmt.Errorf("gemini api error: %s: %w", msg, ErrRateLimited)
	}
	return fmt.Errorf("gemini api error: %s", msg)
}

type part struct {
	Text       string      `json:"text,omitempty"`
	InlineData *inlineData `json:"inlineData,omitempty"`
	FileData   *fileData   `json:"fileData,omitempty"`
}

type inlineData struct {
	MimeType string `json:"mimeType"`
	Data     string `json:"data"`
}

type fileData struct {
	MimeType string `json:"mimeType,omitempty"`
	FileURI  string `json:"fileUri"`
}

type content struct {
	Role  string `json:"role,omitempty"`
	Parts []part `json:"parts"`
}

type generationConfig struct {
	ResponseMimeType   string        `json:"responseMimeType,omitempty"`
	ResponseModalities []string      `json:"responseModalities,omitempty"`
	SpeechConfig       *speechConfig `json:"speechConfig,omitempty"`
}

type speechConfig struct {
	VoiceConfig voiceConfig `json:"voiceConfig"`
}

type voiceConfig struct {
	PrebuiltVoiceConfig prebuiltVoiceConfig `json:"prebuiltVoiceConfig"`
}

type prebuiltVoiceConfig struct {
	VoiceName string `json:"voiceName"`
}

type generateRequest struct {
	Contents          []content         `json:"contents"`
	SystemInstruction *content          `json:"systemInstruction,omitempty"`
	GenerationConfig  *generationConfig `json:"generationConfig,omitempty"`
}

type generateResponse struct {
	Candidates []struct {
		Content content `json:"content"`
	} `json:"candidates"`
	UsageMetadata usageMetadata `json:"usageMetadata"`
}

type usageMetadata struct {
	PromptTokenCount        int `json:"promptTokenCount"`
	CandidatesTokenCount    int `json:"candidatesTokenCount"`
	CachedContentTokenCount int `json:"cachedContentTokenCount"`
	TotalTokenCount         int `json:"totalTokenCount"`
}

type errorResponse struct {
	Error struct {
		Message string `json:"message"`
		Status  string `json:"status"`
	} `json:"error"`
}
