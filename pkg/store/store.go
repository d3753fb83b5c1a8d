package store

import (
	"errors"
	"time"

	"readvoice/pkg/domain"
)

// ErrNotFound is returned by lookups that distinguish absence from failure.
var ErrNotFound = errors.New("not found")

// Store defines persistence operations for books, pages, cached artifacts,
// conversations, and messages.
type Store interface {
	// books
	SaveBook(book domain.Book) error
	GetBook(id string) (domain.Book, bool, error)
	ListBooksByOwner(ownerID string) ([]domain.Book, error)
	AddLibraryEntry(userID, bookID string) error
	HasLibraryEntry(userID, bookID string) (bool, error)

	// pages
	GetOrCreatePage(bookID string, number int, imageKey string) (domain.Page, error)
	GetPage(bookID string, number int) (domain.Page, bool, error)

	// page artifacts
	GetPageText(bookID string, number int) (domain.PageText, bool, error)
	UpsertPageText(text domain.PageText) error
	GetPageAudio(bookID string, number int, voiceKey string) (domain.PageAudio, bool, error)
	UpsertPageAudio(audio domain.PageAudio) error

	// conversations
	GetConversation(id string) (domain.Conversation, bool, error)
	GetConversationByUserBook(userID, bookID string) (domain.Conversation, bool, error)
	ListConversationsByUser(userID string, limit int) ([]domain.Conversation, error)
	CreateConversation(c domain.Conversation) error
	SetConversationBinding(id string, fileURI, fileName *string, expiresAt *time.Time) error
	TouchConversation(id string, at time.Time) error

	// messages
	AppendMessage(msg domain.Message) error
	ListMessages(conversationID string, limit int) ([]domain.Message, error)

	// voice personas
	GetVoicePersona(id string) (domain.VoicePersona, bool, error)
	ListVoicePersonas() ([]domain.VoicePersona, error)
	SaveVoicePersona(p domain.VoicePersona) error
}
