package app

import (
	"fmt"
	"time"

	"golang.org/x/sync/singleflight"

	"readvoice/pkg/ai"
	"readvoice/pkg/domain"
	"readvoice/pkg/storage"
	"readvoice/pkg/store"
)

// Config holds runtime configuration for the reader core.
type Config struct {
	DatabaseURL    string
	Store          store.Store
	Objects        storage.ObjectStore
	Extractor      ai.PageTextExtractor
	Synthesizer    ai.SpeechSynthesizer
	MinioEndpoint  string
	MinioAccessKey string
	MinioSecretKey string
	MinioBucket    string
	MinioPublicURL string
	MinioUseSSL    bool
	GeminiAPIKey   string
	VisionModel    string
	SpeechModel    string
}

// App serves the page artifact cache: per (book, page) extracted text and
// per (book, page, voice) synthesized audio, generated at most once and
// persisted.
type App struct {
	store       store.Store
	objects     storage.ObjectStore
	extractor   ai.PageTextExtractor
	synthesizer ai.SpeechSynthesizer

	// flight collapses concurrent misses for the same cache key into a
	// single generation within this process.
	flight singleflight.Group
}

// New constructs the application. Store, Objects, Extractor, and Synthesizer
// may be injected for tests; absent ones are built from the config.
func New(cfg Config) (*App, error) {
	dataStore := cfg.Store
	if dataStore == nil {
		if cfg.DatabaseURL == "" {
			return nil, fmt.Errorf("database URL required")
		}
		var err error
		dataStore, err = store.NewGormStore(cfg.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("init postgres store: %w", err)
		}
	}
	objects := cfg.Objects
	if objects == nil {
		var err error
		objects, err = storage.NewMinioStore(cfg.MinioEndpoint, cfg.MinioAccessKey, cfg.MinioSecretKey, cfg.MinioBucket, cfg.MinioPublicURL, cfg.MinioUseSSL)
		if err != nil {
			return nil, err
		}
	}
	extractor := cfg.Extractor
	synthesizer := cfg.Synthesizer
	if extractor == nil || synthesizer == nil {
		gemini, err := ai.NewGeminiClient(ai.GeminiConfig{
			APIKey:      cfg.GeminiAPIKey,
			VisionModel: cfg.VisionModel,
			SpeechModel: cfg.SpeechModel,
		})
		if err != nil {
			return nil, err
		}
		if extractor == nil {
			extractor = gemini
		}
		if synthesizer == nil {
			synthesizer = gemini
		}
	}
	app := &App{
		store:       dataStore,
		objects:     objects,
		extractor:   extractor,
		synthesizer: synthesizer,
	}
	if err := app.seedPersonas(); err != nil {
		return nil, fmt.Errorf("seed personas: %w", err)
	}
	return app, nil
}

// loadAccessibleBook resolves a book and checks that the requester owns it
// or holds it in their library. Access checks run before any state checks
// or external calls.
func (a *App) loadAccessibleBook(userID, bookID string) (domain.Book, error) {
	book, ok, err := a.store.GetBook(bookID)
	if err != nil {
		return domain.Book{}, fmt.Errorf("load book: %w", err)
	}
	if !ok {
		return domain.Book{}, domain.ErrBookNotFound
	}
	if book.OwnerID != userID {
		inLibrary, err := a.store.HasLibraryEntry(userID, bookID)
		if err != nil {
			return domain.Book{}, fmt.Errorf("check library: %w", err)
		}
		if !inLibrary {
			return domain.Book{}, domain.ErrAccessDenied
		}
	}
	return book, nil
}

func nowUTC() time.Time {
	return time.Now().UTC()
}
