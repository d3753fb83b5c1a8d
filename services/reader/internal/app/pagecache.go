package app

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	retry "github.com/avast/retry-go/v4"

	"readvoice/pkg/ai"
	"readvoice/pkg/audio"
	"readvoice/pkg/domain"
	"readvoice/pkg/storage"
)

const (
	// defaultConfidence is recorded for fresh extractions; the backend does
	// not report one.
	defaultConfidence = 0.95

	rateLimitAttempts  = 3
	rateLimitBaseDelay = 500 * time.Millisecond
)

// fallbackPCM is assumed when the synthesis backend reports no format
// descriptor: 44.1 kHz, 16-bit, stereo.
var fallbackPCM = audio.Format{Channels: 2, SampleRate: 44100, BitDepth: 16}

// GetOrExtractPageText returns the extracted text for one page, running
// vision extraction exactly once per page. Repeat calls serve the stored
// row verbatim regardless of the image bytes supplied.
func (a *App) GetOrExtractPageText(ctx context.Context, userID, bookID string, pageNumber int, image []byte, imageMIME string) (domain.PageTextResult, error) {
	if strings.TrimSpace(bookID) == "" || pageNumber < 1 {
		return domain.PageTextResult{}, fmt.Errorf("%w: book id and positive page number required", domain.ErrValidation)
	}
	if _, err := a.loadAccessibleBook(userID, bookID); err != nil {
		return domain.PageTextResult{}, err
	}

	key := fmt.Sprintf("text:%s:%d", bookID, pageNumber)
	value, err, _ := a.flight.Do(key, func() (any, error) {
		return a.getOrExtractPageText(ctx, bookID, pageNumber, image, imageMIME)
	})
	if err != nil {
		return domain.PageTextResult{}, err
	}
	return value.(domain.PageTextResult), nil
}

func (a *App) getOrExtractPageText(ctx context.Context, bookID string, pageNumber int, image []byte, imageMIME string) (domain.PageTextResult, error) {
	cached, ok, err := a.store.GetPageText(bookID, pageNumber)
	if err != nil {
		return domain.PageTextResult{}, fmt.Errorf("load page text: %w", err)
	}
	if ok {
		page, _, err := a.store.GetPage(bookID, pageNumber)
		if err != nil {
			return domain.PageTextResult{}, fmt.Errorf("load page: %w", err)
		}
		return domain.PageTextResult{
			Cached:           true,
			Text:             NormalizeExtractedText(cached.RawText),
			Page:             page,
			ProcessingTimeMs: cached.ProcessingTimeMs,
		}, nil
	}

	page, err := a.store.GetOrCreatePage(bookID, pageNumber, domain.PlaceholderPageImage)
	if err != nil {
		return domain.PageTextResult{}, fmt.Errorf("get or create page: %w", err)
	}

	start := nowUTC()
	var raw string
	err = withRateLimitRetry(ctx, func() error {
		var extractErr error
		raw, extractErr = a.extractor.ExtractPageText(ctx, image, imageMIME)
		return extractErr
	})
	if err != nil {
		return domain.PageTextResult{}, classifyUpstream("extract page text", err)
	}
	elapsed := time.Since(start).Milliseconds()

	text := domain.PageText{
		PageID:           page.ID,
		RawText:          raw,
		Confidence:       defaultConfidence,
		ProcessingTimeMs: elapsed,
		Metadata:         map[string]string{"imageMime": imageMIME},
	}
	if err := a.store.UpsertPageText(text); err != nil {
		// The extraction cost is already incurred; surfacing the failure is
		// still better than claiming a cache entry that is not there.
		return domain.PageTextResult{}, fmt.Errorf("persist page text: %w", err)
	}
	return domain.PageTextResult{
		Cached:           false,
		Text:             NormalizeExtractedText(raw),
		Page:             page,
		ProcessingTimeMs: elapsed,
	}, nil
}

// GetOrGeneratePageAudio returns playable audio for one (page, voice) pair,
// synthesizing at most once per pair. A stored row only counts as a hit
// when it carries an audio URL.
func (a *App) GetOrGeneratePageAudio(ctx context.Context, userID, bookID string, pageNumber int, text, voiceKey string) (domain.PageAudioResult, error) {
	if strings.TrimSpace(bookID) == "" || pageNumber < 1 {
		return domain.PageAudioResult{}, fmt.Errorf("%w: book id and positive page number required", domain.ErrValidation)
	}
	if strings.TrimSpace(voiceKey) == "" {
		return domain.PageAudioResult{}, fmt.Errorf("%w: voice required", domain.ErrValidation)
	}
	if _, err := a.loadAccessibleBook(userID, bookID); err != nil {
		return domain.PageAudioResult{}, err
	}

	key := fmt.Sprintf("audio:%s:%d:%s", bookID, pageNumber, voiceKey)
	value, err, _ := a.flight.Do(key, func() (any, error) {
		return a.getOrGeneratePageAudio(ctx, userID, bookID, pageNumber, text, voiceKey)
	})
	if err != nil {
		return domain.PageAudioResult{}, err
	}
	return value.(domain.PageAudioResult), nil
}

func (a *App) getOrGeneratePageAudio(ctx context.Context, userID, bookID string, pageNumber int, text, voiceKey string) (domain.PageAudioResult, error) {
	cached, ok, err := a.store.GetPageAudio(bookID, pageNumber, voiceKey)
	if err != nil {
		return domain.PageAudioResult{}, fmt.Errorf("load page audio: %w", err)
	}
	if ok && cached.AudioURL != "" {
		page, _, err := a.store.GetPage(bookID, pageNumber)
		if err != nil {
			return domain.PageAudioResult{}, fmt.Errorf("load page: %w", err)
		}
		return domain.PageAudioResult{
			Cached:           true,
			AudioURL:         cached.AudioURL,
			DurationSeconds:  cached.DurationSeconds,
			Page:             page,
			ProcessingTimeMs: cached.ProcessingTimeMs,
		}, nil
	}

	if strings.TrimSpace(text) == "" {
		return domain.PageAudioResult{}, fmt.Errorf("%w: text required for synthesis", domain.ErrValidation)
	}
	page, err := a.store.GetOrCreatePage(bookID, pageNumber, domain.PlaceholderPageImage)
	if err != nil {
		return domain.PageAudioResult{}, fmt.Errorf("get or create page: %w", err)
	}
	persona := a.resolvePersona(voiceKey)

	start := nowUTC()
	var speech ai.SpeechAudio
	err = withRateLimitRetry(ctx, func() error {
		var synthErr error
		speech, synthErr = a.synthesizer.SynthesizeSpeech(ctx, text, persona.BaseVoice, persona.StylePrompt)
		return synthErr
	})
	if err != nil {
		return domain.PageAudioResult{}, classifyUpstream("synthesize page audio", err)
	}

	wrapped := audio.WrapPCM(speech.Data, speech.Format)
	format := audio.ParseFormat(speech.Format)
	if strings.TrimSpace(speech.Format) == "" {
		format = fallbackPCM
	}
	duration := format.Duration(len(speech.Data))

	objectKey := storage.ObjectKey("audio", userID, bookID, fmt.Sprintf("page_%d_%s.wav", pageNumber, voiceKey))
	audioURL, err := a.objects.Put(ctx, objectKey, bytes.NewReader(wrapped), int64(len(wrapped)), "audio/wav")
	if err != nil {
		return domain.PageAudioResult{}, fmt.Errorf("store audio blob: %w", err)
	}
	elapsed := time.Since(start).Milliseconds()

	record := domain.PageAudio{
		PageID:           page.ID,
		VoiceKey:         voiceKey,
		PersonaID:        persona.ID,
		AudioKey:         objectKey,
		AudioURL:         audioURL,
		DurationSeconds:  duration,
		Format:           "wav",
		SizeBytes:        int64(len(wrapped)),
		VoiceSettings:    personaSettings(persona),
		ProcessingTimeMs: elapsed,
	}
	if err := a.store.UpsertPageAudio(record); err != nil {
		return domain.PageAudioResult{}, fmt.Errorf("persist page audio: %w", err)
	}
	return domain.PageAudioResult{
		Cached:           false,
		AudioURL:         audioURL,
		DurationSeconds:  duration,
		Page:             page,
		ProcessingTimeMs: elapsed,
	}, nil
}

// NormalizeExtractedText resolves a stored extraction into the fixed
// {header, body, footer} record. Stored text may be a JSON object or plain
// prose; malformed cached data never fails the request. A non-string field
// in otherwise valid JSON coerces to the empty string.
func NormalizeExtractedText(raw string) domain.StructuredText {
	if strings.TrimSpace(raw) == "" {
		return domain.StructuredText{}
	}
	var fields map[string]any
	if err := json.Unmarshal([]byte(raw), &fields); err != nil {
		return domain.StructuredText{Body: raw}
	}
	return domain.StructuredText{
		Header: stringField(fields, "header"),
		Body:   stringField(fields, "body"),
		Footer: stringField(fields, "footer"),
	}
}

func stringField(fields map[string]any, key string) string {
	if s, ok := fields[key].(string); ok {
		return s
	}
	return ""
}

// withRateLimitRetry retries fn with doubling delays, but only when the
// backend signals throughput exhaustion. Other upstream failures surface
// immediately.
func withRateLimitRetry(ctx context.Context, fn func() error) error {
	return retry.Do(fn,
		retry.Context(ctx),
		retry.Attempts(rateLimitAttempts),
		retry.Delay(rateLimitBaseDelay),
		retry.DelayType(retry.BackOffDelay),
		retry.RetryIf(ai.IsRateLimited),
		retry.LastErrorOnly(true),
	)
}

func classifyUpstream(op string, err error) error {
	if ai.IsRateLimited(err) {
		return fmt.Errorf("%s: %s: %w", op, err, domain.ErrRateLimited)
	}
	return fmt.Errorf("%s: %s: %w", op, err, domain.ErrUpstreamGeneration)
}
