package store

import (
	"time"

	"gorm.io/datatypes"
)

// GORM models used for persistence.
type BookModel struct {
	ID         string `gorm:"primaryKey"`
	OwnerID    string `gorm:"not null;index"`
	Title      string `gorm:"not null"`
	StorageKey string
	PageCount  int
	Thumbnail  string
	CreatedAt  time.Time `gorm:"not null"`
	UpdatedAt  time.Time `gorm:"not null"`
}

type LibraryEntryModel struct {
	UserID    string    `gorm:"primaryKey"`
	BookID    string    `gorm:"primaryKey"`
	CreatedAt time.Time `gorm:"not null"`
}

type PageModel struct {
	ID        string    `gorm:"primaryKey"`
	BookID    string    `gorm:"not null;uniqueIndex:idx_pages_book_number,priority:1"`
	Number    int       `gorm:"not null;uniqueIndex:idx_pages_book_number,priority:2"`
	ImageKey  string    `gorm:"not null"`
	CreatedAt time.Time `gorm:"not null"`
}

type PageTextModel struct {
	ID               string         `gorm:"primaryKey"`
	PageID           string         `gorm:"not null;uniqueIndex"`
	RawText          string         `gorm:"type:text"`
	Confidence       float64        `gorm:"not null"`
	ProcessingTimeMs int64          `gorm:"not null"`
	Metadata         datatypes.JSON `gorm:"type:jsonb"`
	CreatedAt        time.Time      `gorm:"not null"`
}

type PageAudioModel struct {
	ID               string `gorm:"primaryKey"`
	PageID           string `gorm:"not null;uniqueIndex:idx_page_audio_voice,priority:1"`
	VoiceKey         string `gorm:"not null;uniqueIndex:idx_page_audio_voice,priority:2"`
	PersonaID        string
	AudioKey         string
	AudioURL         string
	DurationSeconds  float64
	Format           string
	SizeBytes        int64
	VoiceSettings    datatypes.JSON `gorm:"type:jsonb"`
	ProcessingTimeMs int64
	CreatedAt        time.Time `gorm:"not null"`
}

type ConversationModel struct {
	ID             string `gorm:"primaryKey"`
	UserID         string `gorm:"not null;uniqueIndex:idx_conversations_user_book,priority:1"`
	BookID         string `gorm:"not null;uniqueIndex:idx_conversations_user_book,priority:2"`
	Title          string `gorm:"not null"`
	Type           string `gorm:"not null;default:general"`
	CacheFileURI   *string
	CacheFileName  *string
	CacheExpiresAt *time.Time
	CreatedAt      time.Time `gorm:"not null"`
	UpdatedAt      time.Time `gorm:"not null"`
}

type MessageModel struct {
	ID             string         `gorm:"primaryKey"`
	ConversationID string         `gorm:"not null;index"`
	Role           string         `gorm:"not null"`
	Content        string         `gorm:"type:text;not null"`
	TokensUsed     int            `gorm:"not null;default:0"`
	CostEstimate   float64        `gorm:"not null;default:0"`
	Metadata       datatypes.JSON `gorm:"type:jsonb"`
	CreatedAt      time.Time      `gorm:"not null;index"`
}

type VoicePersonaModel struct {
	ID          string `gorm:"primaryKey"`
	OwnerID     string `gorm:"index"`
	Name        string `gorm:"not null"`
	BaseVoice   string `gorm:"not null"`
	StylePrompt string
	StyleParams datatypes.JSON `gorm:"type:jsonb"`
	Public      bool           `gorm:"not null;default:false"`
	CreatedAt   time.Time      `gorm:"not null"`
}
