package app

import (
	"fmt"
	"time"

	"readvoice/pkg/ai"
	"readvoice/pkg/domain"
	"readvoice/pkg/history"
	"readvoice/pkg/storage"
	"readvoice/pkg/store"
)

// Config holds runtime configuration for the chat core.
type Config struct {
	DatabaseURL    string
	Store          store.Store
	Documents      ai.DocumentChat
	Objects        storage.ObjectStore
	MinioEndpoint  string
	MinioAccessKey string
	MinioSecretKey string
	MinioBucket    string
	MinioPublicURL string
	MinioUseSSL    bool
	GeminiAPIKey   string
	ChatModel      string
	HistoryWindow  int
	UploadTimeout  time.Duration
}

// App manages per (user, book) conversations grounded in an uploaded copy
// of the book document.
type App struct {
	store         store.Store
	documents     ai.DocumentChat
	objects       storage.ObjectStore
	historyWindow int
	uploadTimeout time.Duration
}

// New constructs the application. Store, Documents, and Objects may be
// injected for tests; absent ones are built from the config.
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
	documents := cfg.Documents
	if documents == nil {
		gemini, err := ai.NewGeminiClient(ai.GeminiConfig{
			APIKey:    cfg.GeminiAPIKey,
			ChatModel: cfg.ChatModel,
		})
		if err != nil {
			return nil, err
		}
		documents = gemini
	}
	historyWindow := cfg.HistoryWindow
	if historyWindow <= 0 {
		historyWindow = history.DefaultWindow
	}
	uploadTimeout := cfg.UploadTimeout
	if uploadTimeout <= 0 {
		uploadTimeout = 2 * time.Minute
	}
	return &App{
		store:         dataStore,
		documents:     documents,
		objects:       objects,
		historyWindow: historyWindow,
		uploadTimeout: uploadTimeout,
	}, nil
}

// loadAccessibleBook resolves a book and checks that the requester owns it
// or holds it in their library.
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
