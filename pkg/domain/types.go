package domain

import "time"

type ConversationType string

const (
	ConversationGeneral     ConversationType = "general"
	ConversationSummary     ConversationType = "summary"
	ConversationQuiz        ConversationType = "quiz"
	ConversationExplanation ConversationType = "explanation"
)

// PlaceholderPageImage marks a page row created before a real render exists.
const PlaceholderPageImage = "pending"

type Book struct {
	ID         string    `json:"id"`
	OwnerID    string    `json:"ownerId"`
	Title      string    `json:"title"`
	StorageKey string    `json:"-"`
	PageCount  int       `json:"pageCount,omitempty"`
	Thumbnail  string    `json:"thumbnail,omitempty"`
	CreatedAt  time.Time `json:"createdAt"`
	UpdatedAt  time.Time `json:"updatedAt"`
}

// Page is one page of one book, unique per (BookID, Number).
type Page struct {
	ID        string    `json:"id"`
	BookID    string    `json:"bookId"`
	Number    int       `json:"number"`
	ImageKey  string    `json:"imageKey"`
	CreatedAt time.Time `json:"createdAt"`
}

// PageText is the extracted text artifact for a page. At most one row per
// page; once produced it is served verbatim with no staleness check.
type PageText struct {
	ID               string            `json:"id"`
	PageID           string            `json:"pageId"`
	RawText          string            `json:"-"`
	Confidence       float64           `json:"confidence"`
	ProcessingTimeMs int64             `json:"processingTimeMs"`
	Metadata         map[string]string `json:"metadata,omitempty"`
	CreatedAt        time.Time         `json:"createdAt"`
}

// StructuredText is the normalized shape every cached extraction resolves to.
type StructuredText struct {
	Header string `json:"header"`
	Body   string `json:"body"`
	Footer string `json:"footer"`
}

// PageAudio is the synthesized audio artifact for one (page, voice) pair.
type PageAudio struct {
	ID               string            `json:"id"`
	PageID           string            `json:"pageId"`
	VoiceKey         string            `json:"voiceKey"`
	PersonaID        string            `json:"personaId,omitempty"`
	AudioKey         string            `json:"-"`
	AudioURL         string            `json:"audioUrl"`
	DurationSeconds  float64           `json:"durationSeconds"`
	Format           string            `json:"format"`
	SizeBytes        int64             `json:"sizeBytes"`
	VoiceSettings    map[string]string `json:"voiceSettings,omitempty"`
	ProcessingTimeMs int64             `json:"processingTimeMs"`
	CreatedAt        time.Time         `json:"createdAt"`
}

// VoicePersona names a base voice plus style parameters. The voice key is
// part of the audio cache key, so two personas sharing a base voice but
// different styles cache independently.
type VoicePersona struct {
	ID          string            `json:"id"`
	OwnerID     string            `json:"ownerId,omitempty"`
	Name        string            `json:"name"`
	BaseVoice   string            `json:"baseVoice"`
	StylePrompt string            `json:"stylePrompt,omitempty"`
	StyleParams map[string]string `json:"styleParams,omitempty"`
	Public      bool              `json:"public"`
	CreatedAt   time.Time         `json:"createdAt"`
}

// VoiceKey returns the audio cache key component for this persona.
func (p VoicePersona) VoiceKey() string {
	if p.ID != "" {
		return p.ID
	}
	return p.BaseVoice
}

// Conversation is the chat session for one (user, book) pair. CacheFileURI
// and CacheExpiresAt describe the externally hosted document reference; both
// are nil until the document has been uploaded.
type Conversation struct {
	ID             string           `json:"id"`
	UserID         string           `json:"userId"`
	BookID         string           `json:"bookId"`
	Title          string           `json:"title"`
	Type           ConversationType `json:"type"`
	CacheFileURI   *string          `json:"-"`
	CacheFileName  *string          `json:"-"`
	CacheExpiresAt *time.Time       `json:"cacheExpiresAt,omitempty"`
	CreatedAt      time.Time        `json:"createdAt"`
	UpdatedAt      time.Time        `json:"updatedAt"`
}

// BindingState is the derived lifecycle state of a conversation's document
// reference, computed in one place so callers never re-derive the nullable
// field comparisons.
type BindingState int

const (
	BindingUnbound BindingState = iota
	BindingBound
	BindingExpired
)

// Binding returns the derived state at time now.
func (c Conversation) Binding(now time.Time) BindingState {
	if c.CacheFileURI == nil || *c.CacheFileURI == "" {
		return BindingUnbound
	}
	if c.CacheExpiresAt == nil || !c.CacheExpiresAt.After(now) {
		return BindingExpired
	}
	return BindingBound
}

// HasActiveCache reports whether the bound document reference is usable.
func (c Conversation) HasActiveCache(now time.Time) bool {
	return c.Binding(now) == BindingBound
}

type Message struct {
	ID             string            `json:"id"`
	ConversationID string            `json:"conversationId"`
	Role           string            `json:"role"`
	Content        string            `json:"content"`
	TokensUsed     int               `json:"tokensUsed,omitempty"`
	CostEstimate   float64           `json:"costEstimate,omitempty"`
	Metadata       map[string]string `json:"metadata,omitempty"`
	CreatedAt      time.Time         `json:"createdAt"`
}

// TokenUsage is the per-reply breakdown reported by the generation backend.
type TokenUsage struct {
	Cached     int `json:"cached"`
	Prompt     int `json:"prompt"`
	Candidates int `json:"candidates"`
	Total      int `json:"total"`
}

// PageTextResult is returned by the page text cache.
type PageTextResult struct {
	Cached           bool           `json:"cached"`
	Text             StructuredText `json:"text"`
	Page             Page           `json:"page"`
	ProcessingTimeMs int64          `json:"processingTimeMs"`
}

// PageAudioResult is returned by the page audio cache.
type PageAudioResult struct {
	Cached           bool    `json:"cached"`
	AudioURL         string  `json:"audioUrl"`
	DurationSeconds  float64 `json:"durationSeconds"`
	Page             Page    `json:"page"`
	ProcessingTimeMs int64   `json:"processingTimeMs"`
}

// ChatReply is returned by a successful sendMessage call.
type ChatReply struct {
	Message    string     `json:"message"`
	MessageID  string     `json:"messageId"`
	TokensUsed TokenUsage `json:"tokensUsed"`
}

// ConversationStatus is the display shape for a conversation plus history.
type ConversationStatus struct {
	Conversation   Conversation `json:"conversation"`
	HasActiveCache bool         `json:"hasActiveCache"`
	CacheExpiresAt *time.Time   `json:"cacheExpiresAt,omitempty"`
	Messages       []Message    `json:"messages"`
}
