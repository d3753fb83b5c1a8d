package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"readvoice/pkg/ai"
	"readvoice/pkg/domain"
	"readvoice/pkg/store"
)

type fakeExtractor struct {
	calls int32
	reply string
	err   error
}

func (f *fakeExtractor) ExtractPageText(ctx context.Context, image []byte, mimeType string) (string, error) {
	atomic.AddInt32(&f.calls, 1)
	if f.err != nil {
		return "", f.err
	}
	return f.reply, nil
}

type fakeSynthesizer struct {
	calls  int32
	format string
	err    error
}

func (f *fakeSynthesizer) SynthesizeSpeech(ctx context.Context, text, voiceName, stylePrompt string) (ai.SpeechAudio, error) {
	atomic.AddInt32(&f.calls, 1)
	if f.err != nil {
		return ai.SpeechAudio{}, f.err
	}
	return ai.SpeechAudio{Data: []byte(voiceName + ":" + text), Format: f.format}, nil
}

type fakeObjects struct {
	mu   sync.Mutex
	puts map[string]int
}

func (f *fakeObjects) Put(ctx context.Context, key string, r io.Reader, size int64, contentType string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.puts == nil {
		f.puts = map[string]int{}
	}
	f.puts[key]++
	return "http://blobs.local/" + key, nil
}

func (f *fakeObjects) PresignGet(ctx context.Context, key string, expiry time.Duration) (string, error) {
	return "http://blobs.local/signed/" + key, nil
}

func (f *fakeObjects) Delete(ctx context.Context, key string) error { return nil }

func newTestApp(t *testing.T, extractor *fakeExtractor, synth *fakeSynthesizer) (*App, store.Store) {
	t.Helper()
	mem := store.NewMemoryStore()
	if err := mem.SaveBook(domain.Book{ID: "book-1", OwnerID: "user-1", Title: "Treasure Island"}); err != nil {
		t.Fatalf("seed book: %v", err)
	}
	app, err := New(Config{
		Store:       mem,
		Objects:     &fakeObjects{},
		Extractor:   extractor,
		Synthesizer: synth,
	})
	if err != nil {
		t.Fatalf("new app: %v", err)
	}
	return app, mem
}

func TestPageTextFirstCallExtractsAndCaches(t *testing.T) {
	extractor := &fakeExtractor{reply: `{"header":"Ch. 1","body":"Squire Trelawney kept the secret.","footer":"1"}`}
	app, _ := newTestApp(t, extractor, &fakeSynthesizer{})
	ctx := context.Background()

	first, err := app.GetOrExtractPageText(ctx, "user-1", "book-1", 1, []byte("img"), "image/png")
	if err != nil {
		t.Fatalf("first call: %v", err)
	}
	if first.Cached {
		t.Fatalf("first call reported cached")
	}
	if first.Text.Body != "Squire Trelawney kept the secret." {
		t.Fatalf("unexpected body %q", first.Text.Body)
	}

	second, err := app.GetOrExtractPageText(ctx, "user-1", "book-1", 1, []byte("different image"), "image/jpeg")
	if err != nil {
		t.Fatalf("second call: %v", err)
	}
	if !second.Cached {
		t.Fatalf("second call not served from cache")
	}
	if second.Text != first.Text {
		t.Fatalf("cached text %+v differs from original %+v", second.Text, first.Text)
	}
	if n := atomic.LoadInt32(&extractor.calls); n != 1 {
		t.Fatalf("extractor called %d times, want 1", n)
	}
}

func TestPageTextPerPageIndependence(t *testing.T) {
	extractor := &fakeExtractor{reply: `{"header":"","body":"text","footer":""}`}
	app, _ := newTestApp(t, extractor, &fakeSynthesizer{})
	ctx := context.Background()

	for _, page := range []int{1, 2, 3} {
		if _, err := app.GetOrExtractPageText(ctx, "user-1", "book-1", page, []byte("img"), "image/png"); err != nil {
			t.Fatalf("page %d: %v", page, err)
		}
	}
	if n := atomic.LoadInt32(&extractor.calls); n != 3 {
		t.Fatalf("extractor called %d times, want 3", n)
	}
}

func TestPageTextAccessChecks(t *testing.T) {
	app, mem := newTestApp(t, &fakeExtractor{reply: "{}"}, &fakeSynthesizer{})
	ctx := context.Background()

	if _, err := app.GetOrExtractPageText(ctx, "user-1", "missing", 1, []byte("img"), "image/png"); !errors.Is(err, domain.ErrBookNotFound) {
		t.Fatalf("missing book: got %v, want ErrBookNotFound", err)
	}
	if _, err := app.GetOrExtractPageText(ctx, "stranger", "book-1", 1, []byte("img"), "image/png"); !errors.Is(err, domain.ErrAccessDenied) {
		t.Fatalf("stranger: got %v, want ErrAccessDenied", err)
	}

	if err := mem.AddLibraryEntry("reader-2", "book-1"); err != nil {
		t.Fatalf("add library entry: %v", err)
	}
	if _, err := app.GetOrExtractPageText(ctx, "reader-2", "book-1", 1, []byte("img"), "image/png"); err != nil {
		t.Fatalf("library holder denied: %v", err)
	}
}

func TestPageTextUpstreamFailureNotCached(t *testing.T) {
	extractor := &fakeExtractor{err: errors.New("model unavailable")}
	app, _ := newTestApp(t, extractor, &fakeSynthesizer{})
	ctx := context.Background()

	if _, err := app.GetOrExtractPageText(ctx, "user-1", "book-1", 1, []byte("img"), "image/png"); !errors.Is(err, domain.ErrUpstreamGeneration) {
		t.Fatalf("got %v, want ErrUpstreamGeneration", err)
	}

	extractor.err = nil
	extractor.reply = `{"body":"recovered"}`
	result, err := app.GetOrExtractPageText(ctx, "user-1", "book-1", 1, []byte("img"), "image/png")
	if err != nil {
		t.Fatalf("retry after failure: %v", err)
	}
	if result.Cached {
		t.Fatalf("failed attempt left a cache entry")
	}
	if result.Text.Body != "recovered" {
		t.Fatalf("unexpected body %q", result.Text.Body)
	}
}

func TestPageTextRateLimitedSurfaces(t *testing.T) {
	extractor := &fakeExtractor{err: fmt.Errorf("quota: %w", ai.ErrRateLimited)}
	app, _ := newTestApp(t, extractor, &fakeSynthesizer{})

	_, err := app.GetOrExtractPageText(context.Background(), "user-1", "book-1", 1, []byte("img"), "image/png")
	if !errors.Is(err, domain.ErrRateLimited) {
		t.Fatalf("got %v, want ErrRateLimited", err)
	}
}

func TestPageTextValidation(t *testing.T) {
	app, _ := newTestApp(t, &fakeExtractor{reply: "{}"}, &fakeSynthesizer{})

	if _, err := app.GetOrExtractPageText(context.Background(), "user-1", "book-1", 0, []byte("img"), "image/png"); !errors.Is(err, domain.ErrValidation) {
		t.Fatalf("page 0: got %v, want ErrValidation", err)
	}
	if _, err := app.GetOrExtractPageText(context.Background(), "user-1", "", 1, []byte("img"), "image/png"); !errors.Is(err, domain.ErrValidation) {
		t.Fatalf("empty book: got %v, want ErrValidation", err)
	}
}

func TestNormalizeExtractedText(t *testing.T) {
	tests := []struct {
		name string
		raw  string
		want domain.StructuredText
	}{
		{
			name: "full object",
			raw:  `{"header":"H","body":"B","footer":"F"}`,
			want: domain.StructuredText{Header: "H", Body: "B", Footer: "F"},
		},
		{
			name: "missing fields default empty",
			raw:  `{"body":"only body"}`,
			want: domain.StructuredText{Body: "only body"},
		},
		{
			name: "non-string field coerces to empty",
			raw:  `{"header":7,"body":"B","footer":null}`,
			want: domain.StructuredText{Body: "B"},
		},
		{
			name: "plain prose becomes the body",
			raw:  "not json at all",
			want: domain.StructuredText{Body: "not json at all"},
		},
		{
			name: "empty input",
			raw:  "   ",
			want: domain.StructuredText{},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := NormalizeExtractedText(tt.raw)
			if got != tt.want {
				t.Fatalf("got %+v, want %+v", got, tt.want)
			}
		})
	}
}

func TestPageAudioFirstCallSynthesizesAndCaches(t *testing.T) {
	synth := &fakeSynthesizer{format: "audio/L16;codec=pcm;rate=24000"}
	app, _ := newTestApp(t, &fakeExtractor{reply: "{}"}, synth)
	ctx := context.Background()

	first, err := app.GetOrGeneratePageAudio(ctx, "user-1", "book-1", 1, "Fifteen men on the dead man's chest", "narrator")
	if err != nil {
		t.Fatalf("first call: %v", err)
	}
	if first.Cached {
		t.Fatalf("first call reported cached")
	}
	if first.AudioURL == "" {
		t.Fatalf("no audio URL returned")
	}

	second, err := app.GetOrGeneratePageAudio(ctx, "user-1", "book-1", 1, "completely different text", "narrator")
	if err != nil {
		t.Fatalf("second call: %v", err)
	}
	if !second.Cached {
		t.Fatalf("second call not served from cache")
	}
	if second.AudioURL != first.AudioURL {
		t.Fatalf("cached URL %q differs from original %q", second.AudioURL, first.AudioURL)
	}
	if n := atomic.LoadInt32(&synth.calls); n != 1 {
		t.Fatalf("synthesizer called %d times, want 1", n)
	}
}

func TestPageAudioPerVoiceIndependence(t *testing.T) {
	synth := &fakeSynthesizer{format: "audio/L16;rate=24000"}
	app, _ := newTestApp(t, &fakeExtractor{reply: "{}"}, synth)
	ctx := context.Background()

	narrator, err := app.GetOrGeneratePageAudio(ctx, "user-1", "book-1", 1, "text", "narrator")
	if err != nil {
		t.Fatalf("narrator: %v", err)
	}
	storyteller, err := app.GetOrGeneratePageAudio(ctx, "user-1", "book-1", 1, "text", "storyteller")
	if err != nil {
		t.Fatalf("storyteller: %v", err)
	}
	if narrator.AudioURL == storyteller.AudioURL {
		t.Fatalf("voices share an audio URL: %q", narrator.AudioURL)
	}
	if n := atomic.LoadInt32(&synth.calls); n != 2 {
		t.Fatalf("synthesizer called %d times, want 2", n)
	}
}

func TestPageAudioRecordShape(t *testing.T) {
	synth := &fakeSynthesizer{format: "audio/L16;codec=pcm;rate=24000"}
	app, mem := newTestApp(t, &fakeExtractor{reply: "{}"}, synth)

	if _, err := app.GetOrGeneratePageAudio(context.Background(), "user-1", "book-1", 2, "some text", "narrator"); err != nil {
		t.Fatalf("generate: %v", err)
	}
	record, ok, err := mem.GetPageAudio("book-1", 2, "narrator")
	if err != nil || !ok {
		t.Fatalf("stored audio missing: ok=%v err=%v", ok, err)
	}
	if record.Format != "wav" {
		t.Fatalf("format %q, want wav", record.Format)
	}
	pcmLen := len("Charon:some text")
	if record.SizeBytes != int64(pcmLen+44) {
		t.Fatalf("size %d, want pcm %d plus header", record.SizeBytes, pcmLen)
	}
	if record.VoiceSettings["baseVoice"] != "Charon" {
		t.Fatalf("voice settings %v missing base voice", record.VoiceSettings)
	}
}

func TestPageAudioEmptyDescriptorUsesFallbackRate(t *testing.T) {
	synth := &fakeSynthesizer{format: ""}
	app, mem := newTestApp(t, &fakeExtractor{reply: "{}"}, synth)

	result, err := app.GetOrGeneratePageAudio(context.Background(), "user-1", "book-1", 1, "text", "Zephyr")
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	record, _, _ := mem.GetPageAudio("book-1", 1, "Zephyr")
	pcm := float64(len("Zephyr:text"))
	want := pcm / float64(44100*2*2)
	if result.DurationSeconds != want || record.DurationSeconds != want {
		t.Fatalf("duration %v (stored %v), want %v", result.DurationSeconds, record.DurationSeconds, want)
	}
}

func TestPageAudioValidation(t *testing.T) {
	app, _ := newTestApp(t, &fakeExtractor{reply: "{}"}, &fakeSynthesizer{format: "audio/L16;rate=24000"})
	ctx := context.Background()

	if _, err := app.GetOrGeneratePageAudio(ctx, "user-1", "book-1", 1, "text", ""); !errors.Is(err, domain.ErrValidation) {
		t.Fatalf("empty voice: got %v, want ErrValidation", err)
	}
	if _, err := app.GetOrGeneratePageAudio(ctx, "user-1", "book-1", 1, "", "narrator"); !errors.Is(err, domain.ErrValidation) {
		t.Fatalf("empty text on miss: got %v, want ErrValidation", err)
	}
}

func TestConcurrentMissesCollapse(t *testing.T) {
	extractor := &fakeExtractor{reply: `{"body":"shared"}`}
	app, _ := newTestApp(t, extractor, &fakeSynthesizer{})
	ctx := context.Background()

	const workers = 16
	var wg sync.WaitGroup
	errs := make(chan error, workers)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := app.GetOrExtractPageText(ctx, "user-1", "book-1", 7, []byte("img"), "image/png")
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		if err != nil {
			t.Fatalf("concurrent call: %v", err)
		}
	}
	if n := atomic.LoadInt32(&extractor.calls); n != 1 {
		t.Fatalf("extractor called %d times under concurrency, want 1", n)
	}
}
