package store

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"readvoice/pkg/domain"
)

// MemoryStore keeps all state in-process. It backs unit tests and local
// development without Postgres.
type MemoryStore struct {
	mu            sync.RWMutex
	books         map[string]domain.Book
	library       map[string]map[string]bool // userID -> bookID set
	pages         map[string]domain.Page     // key bookID/number
	pageTexts     map[string]domain.PageText // key pageID
	pageAudios    map[string]domain.PageAudio
	conversations map[string]domain.Conversation
	messages      map[string][]domain.Message
	personas      map[string]domain.VoicePersona
}

// NewMemoryStore initializes an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		books:         make(map[string]domain.Book),
		library:       make(map[string]map[string]bool),
		pages:         make(map[string]domain.Page),
		pageTexts:     make(map[string]domain.PageText),
		pageAudios:    make(map[string]domain.PageAudio),
		conversations: make(map[string]domain.Conversation),
		messages:      make(map[string][]domain.Message),
		personas:      make(map[string]domain.VoicePersona),
	}
}

func pageKey(bookID string, number int) string {
	return fmt.Sprintf("%s/%d", bookID, number)
}

func audioKey(pageID, voiceKey string) string {
	return pageID + "/" + voiceKey
}

// SaveBook stores or replaces a book record.
func (m *MemoryStore) SaveBook(b domain.Book) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.books[b.ID] = b
	return nil
}

// GetBook returns a book by ID.
func (m *MemoryStore) GetBook(id string) (domain.Book, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	b, ok := m.books[id]
	return b, ok, nil
}

// ListBooksByOwner returns books owned by a user.
func (m *MemoryStore) ListBooksByOwner(ownerID string) ([]domain.Book, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var res []domain.Book
	for _, b := range m.books {
		if b.OwnerID == ownerID {
			res = append(res, b)
		}
	}
	return res, nil
}

// AddLibraryEntry records book membership in a user's library.
func (m *MemoryStore) AddLibraryEntry(userID, bookID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.library[userID] == nil {
		m.library[userID] = make(map[string]bool)
	}
	m.library[userID][bookID] = true
	return nil
}

// HasLibraryEntry checks book membership in a user's library.
func (m *MemoryStore) HasLibraryEntry(userID, bookID string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.library[userID][bookID], nil
}

// GetOrCreatePage reuses or creates the page row for (bookID, number).
func (m *MemoryStore) GetOrCreatePage(bookID string, number int, imageKey string) (domain.Page, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := pageKey(bookID, number)
	if p, ok := m.pages[key]; ok {
		return p, nil
	}
	p := domain.Page{
		ID:        newRowID(),
		BookID:    bookID,
		Number:    number,
		ImageKey:  imageKey,
		CreatedAt: time.Now().UTC(),
	}
	m.pages[key] = p
	return p, nil
}

// GetPage returns a page row if present.
func (m *MemoryStore) GetPage(bookID string, number int) (domain.Page, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.pages[pageKey(bookID, number)]
	return p, ok, nil
}

// GetPageText returns extracted text for (bookID, number).
func (m *MemoryStore) GetPageText(bookID string, number int) (domain.PageText, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.pages[pageKey(bookID, number)]
	if !ok {
		return domain.PageText{}, false, nil
	}
	t, ok := m.pageTexts[p.ID]
	return t, ok, nil
}

// UpsertPageText stores extracted text keyed by page.
func (m *MemoryStore) UpsertPageText(text domain.PageText) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if text.ID == "" {
		text.ID = newRowID()
	}
	if text.CreatedAt.IsZero() {
		text.CreatedAt = time.Now().UTC()
	}
	m.pageTexts[text.PageID] = text
	return nil
}

// GetPageAudio returns audio for (bookID, number, voiceKey).
func (m *MemoryStore) GetPageAudio(bookID string, number int, voiceKey string) (domain.PageAudio, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.pages[pageKey(bookID, number)]
	if !ok {
		return domain.PageAudio{}, false, nil
	}
	a, ok := m.pageAudios[audioKey(p.ID, voiceKey)]
	return a, ok, nil
}

// UpsertPageAudio stores audio keyed by (page, voice).
func (m *MemoryStore) UpsertPageAudio(audio domain.PageAudio) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if audio.ID == "" {
		audio.ID = newRowID()
	}
	if audio.CreatedAt.IsZero() {
		audio.CreatedAt = time.Now().UTC()
	}
	m.pageAudios[audioKey(audio.PageID, audio.VoiceKey)] = audio
	return nil
}

// GetConversation returns a conversation by ID.
func (m *MemoryStore) GetConversation(id string) (domain.Conversation, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.conversations[id]
	return c, ok, nil
}

// GetConversationByUserBook returns the conversation for a (user, book) pair.
func (m *MemoryStore) GetConversationByUserBook(userID, bookID string) (domain.Conversation, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, c := range m.conversations {
		if c.UserID == userID && c.BookID == bookID {
			return c, true, nil
		}
	}
	return domain.Conversation{}, false, nil
}

// ListConversationsByUser returns a user's conversations, most recent first.
func (m *MemoryStore) ListConversationsByUser(userID string, limit int) ([]domain.Conversation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]domain.Conversation, 0)
	for _, c := range m.conversations {
		if c.UserID == userID {
			out = append(out, c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UpdatedAt.After(out[j].UpdatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// CreateConversation inserts a conversation.
func (m *MemoryStore) CreateConversation(c domain.Conversation) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.conversations[c.ID]; exists {
		return fmt.Errorf("conversation %s already exists", c.ID)
	}
	m.conversations[c.ID] = c
	return nil
}

// SetConversationBinding replaces the document reference fields.
func (m *MemoryStore) SetConversationBinding(id string, fileURI, fileName *string, expiresAt *time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.conversations[id]
	if !ok {
		return ErrNotFound
	}
	c.CacheFileURI = fileURI
	c.CacheFileName = fileName
	c.CacheExpiresAt = expiresAt
	c.UpdatedAt = time.Now().UTC()
	m.conversations[id] = c
	return nil
}

// TouchConversation bumps updated_at.
func (m *MemoryStore) TouchConversation(id string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.conversations[id]
	if !ok {
		return ErrNotFound
	}
	c.UpdatedAt = at
	m.conversations[id] = c
	return nil
}

// AppendMessage appends a message to its conversation.
func (m *MemoryStore) AppendMessage(msg domain.Message) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.messages[msg.ConversationID] = append(m.messages[msg.ConversationID], msg)
	return nil
}

// ListMessages returns the most recent messages in chronological order.
func (m *MemoryStore) ListMessages(conversationID string, limit int) ([]domain.Message, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	msgs := m.messages[conversationID]
	if limit > 0 && len(msgs) > limit {
		msgs = msgs[len(msgs)-limit:]
	}
	res := make([]domain.Message, len(msgs))
	copy(res, msgs)
	return res, nil
}

// GetVoicePersona returns a persona by ID.
func (m *MemoryStore) GetVoicePersona(id string) (domain.VoicePersona, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.personas[id]
	return p, ok, nil
}

// ListVoicePersonas returns public personas.
func (m *MemoryStore) ListVoicePersonas() ([]domain.VoicePersona, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var res []domain.VoicePersona
	for _, p := range m.personas {
		if p.Public {
			res = append(res, p)
		}
	}
	return res, nil
}

// SaveVoicePersona stores or updates a persona.
func (m *MemoryStore) SaveVoicePersona(p domain.VoicePersona) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.personas[p.ID] = p
	return nil
}
