package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"time"

	"gorm.io/datatypes"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	gormlogger "gorm.io/gorm/logger"

	"readvoice/pkg/domain"
)

const migrateLockID int64 = 84218421

// GormStore implements Store using GORM + Postgres.
type GormStore struct {
	db *gorm.DB
}

// NewGormStore opens the DB and runs auto-migrations under an advisory lock.
func NewGormStore(dsn string) (*GormStore, error) {
	gormLog := gormlogger.New(
		log.New(os.Stdout, "\r\n", log.LstdFlags),
		gormlogger.Config{
			SlowThreshold:             time.Second,
			LogLevel:                  gormlogger.Warn,
			IgnoreRecordNotFoundError: true,
			Colorful:                  false,
		},
	)
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{Logger: gormLog})
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	if err := withMigrationLock(db, func(tx *gorm.DB) error {
		if err := tx.AutoMigrate(
			&BookModel{},
			&LibraryEntryModel{},
			&PageModel{},
			&PageTextModel{},
			&PageAudioModel{},
			&ConversationModel{},
			&MessageModel{},
			&VoicePersonaModel{},
		); err != nil {
			return fmt.Errorf("auto migrate: %w", err)
		}
		return nil
	}); err != nil {
		return nil, err
	}
	return &GormStore{db: db}, nil
}

func withMigrationLock(db *gorm.DB, fn func(*gorm.DB) error) error {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	sqlDB, err := db.DB()
	if err != nil {
		return fmt.Errorf("get sql db: %w", err)
	}
	conn, err := sqlDB.Conn(ctx)
	if err != nil {
		return fmt.Errorf("open sql conn: %w", err)
	}
	defer conn.Close()
	if err := execAdvisory(ctx, conn, "SELECT pg_advisory_lock($1)", migrateLockID); err != nil {
		return fmt.Errorf("acquire migrate lock: %w", err)
	}
	defer func() {
		_ = execAdvisory(ctx, conn, "SELECT pg_advisory_unlock($1)", migrateLockID)
	}()
	return fn(db)
}

func execAdvisory(ctx context.Context, conn *sql.Conn, query string, lockID int64) error {
	_, err := conn.ExecContext(ctx, query, lockID)
	return err
}

// SaveBook stores or updates a book.
func (s *GormStore) SaveBook(b domain.Book) error {
	model := bookToModel(b)
	return s.db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "id"}},
		DoUpdates: clause.AssignmentColumns([]string{"owner_id", "title", "storage_key", "page_count", "thumbnail", "updated_at"}),
	}).Create(&model).Error
}

// GetBook returns a book by ID.
func (s *GormStore) GetBook(id string) (domain.Book, bool, error) {
	var model BookModel
	if err := s.db.First(&model, "id = ?", id).Error; err != nil {
		if err == gorm.ErrRecordNotFound {
			return domain.Book{}, false, nil
		}
		return domain.Book{}, false, err
	}
	return bookFromModel(model), true, nil
}

// ListBooksByOwner returns books filtered by owner ordered by created_at.
func (s *GormStore) ListBooksByOwner(ownerID string) ([]domain.Book, error) {
	var models []BookModel
	if err := s.db.Where("owner_id = ?", ownerID).Order("created_at ASC").Find(&models).Error; err != nil {
		return nil, err
	}
	res := make([]domain.Book, 0, len(models))
	for _, m := range models {
		res = append(res, bookFromModel(m))
	}
	return res, nil
}

// AddLibraryEntry records book membership in a user's library.
func (s *GormStore) AddLibraryEntry(userID, bookID string) error {
	model := LibraryEntryModel{UserID: userID, BookID: bookID, CreatedAt: time.Now().UTC()}
	return s.db.Clauses(clause.OnConflict{DoNothing: true}).Create(&model).Error
}

// HasLibraryEntry checks book membership in a user's library.
func (s *GormStore) HasLibraryEntry(userID, bookID string) (bool, error) {
	var count int64
	if err := s.db.Model(&LibraryEntryModel{}).
		Where("user_id = ? AND book_id = ?", userID, bookID).
		Count(&count).Error; err != nil {
		return false, err
	}
	return count > 0, nil
}

// GetOrCreatePage returns the page row for (bookID, number), creating it with
// the given image key when absent. The unique index on (book_id, number)
// makes concurrent creates converge on a single row.
func (s *GormStore) GetOrCreatePage(bookID string, number int, imageKey string) (domain.Page, error) {
	page, ok, err := s.GetPage(bookID, number)
	if err != nil {
		return domain.Page{}, err
	}
	if ok {
		return page, nil
	}
	model := PageModel{
		ID:        newRowID(),
		BookID:    bookID,
		Number:    number,
		ImageKey:  imageKey,
		CreatedAt: time.Now().UTC(),
	}
	if err := s.db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "book_id"}, {Name: "number"}},
		DoNothing: true,
	}).Create(&model).Error; err != nil {
		return domain.Page{}, err
	}
	// Re-read: a concurrent insert may have won the conflict.
	page, ok, err = s.GetPage(bookID, number)
	if err != nil {
		return domain.Page{}, err
	}
	if !ok {
		return domain.Page{}, fmt.Errorf("page %s/%d vanished after upsert", bookID, number)
	}
	return page, nil
}

// GetPage returns the page row for (bookID, number).
func (s *GormStore) GetPage(bookID string, number int) (domain.Page, bool, error) {
	var model PageModel
	if err := s.db.Where("book_id = ? AND number = ?", bookID, number).First(&model).Error; err != nil {
		if err == gorm.ErrRecordNotFound {
			return domain.Page{}, false, nil
		}
		return domain.Page{}, false, err
	}
	return pageFromModel(model), true, nil
}

// GetPageText returns the extracted text joined to its page row.
func (s *GormStore) GetPageText(bookID string, number int) (domain.PageText, bool, error) {
	var model PageTextModel
	err := s.db.
		Joins("JOIN page_models ON page_models.id = page_text_models.page_id").
		Where("page_models.book_id = ? AND page_models.number = ?", bookID, number).
		First(&model).Error
	if err != nil {
		if err == gorm.ErrRecordNotFound {
			return domain.PageText{}, false, nil
		}
		return domain.PageText{}, false, err
	}
	return pageTextFromModel(model), true, nil
}

// UpsertPageText stores extracted text keyed by page.
func (s *GormStore) UpsertPageText(text domain.PageText) error {
	model := pageTextToModel(text)
	if model.ID == "" {
		model.ID = newRowID()
	}
	if model.CreatedAt.IsZero() {
		model.CreatedAt = time.Now().UTC()
	}
	return s.db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "page_id"}},
		DoUpdates: clause.AssignmentColumns([]string{"raw_text", "confidence", "processing_time_ms", "metadata"}),
	}).Create(&model).Error
}

// GetPageAudio returns the audio artifact for (bookID, number, voiceKey).
func (s *GormStore) GetPageAudio(bookID string, number int, voiceKey string) (domain.PageAudio, bool, error) {
	var model PageAudioModel
	err := s.db.
		Joins("JOIN page_models ON page_models.id = page_audio_models.page_id").
		Where("page_models.book_id = ? AND page_models.number = ? AND page_audio_models.voice_key = ?", bookID, number, voiceKey).
		First(&model).Error
	if err != nil {
		if err == gorm.ErrRecordNotFound {
			return domain.PageAudio{}, false, nil
		}
		return domain.PageAudio{}, false, err
	}
	return pageAudioFromModel(model), true, nil
}

// UpsertPageAudio stores synthesized audio keyed by (page, voice).
func (s *GormStore) UpsertPageAudio(audio domain.PageAudio) error {
	model := pageAudioToModel(audio)
	if model.ID == "" {
		model.ID = newRowID()
	}
	if model.CreatedAt.IsZero() {
		model.CreatedAt = time.Now().UTC()
	}
	return s.db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "page_id"}, {Name: "voice_key"}},
		DoUpdates: clause.AssignmentColumns([]string{"persona_id", "audio_key", "audio_url", "duration_seconds", "format", "size_bytes", "voice_settings", "processing_time_ms"}),
	}).Create(&model).Error
}

// GetConversation returns a conversation by ID.
func (s *GormStore) GetConversation(id string) (domain.Conversation, bool, error) {
	var model ConversationModel
	if err := s.db.First(&model, "id = ?", id).Error; err != nil {
		if err == gorm.ErrRecordNotFound {
			return domain.Conversation{}, false, nil
		}
		return domain.Conversation{}, false, err
	}
	return conversationFromModel(model), true, nil
}

// GetConversationByUserBook returns the single conversation for a (user, book) pair.
func (s *GormStore) GetConversationByUserBook(userID, bookID string) (domain.Conversation, bool, error) {
	var model ConversationModel
	if err := s.db.Where("user_id = ? AND book_id = ?", userID, bookID).First(&model).Error; err != nil {
		if err == gorm.ErrRecordNotFound {
			return domain.Conversation{}, false, nil
		}
		return domain.Conversation{}, false, err
	}
	return conversationFromModel(model), true, nil
}

// ListConversationsByUser returns a user's conversations, most recent first.
func (s *GormStore) ListConversationsByUser(userID string, limit int) ([]domain.Conversation, error) {
	var models []ConversationModel
	if err := s.db.Where("user_id = ?", userID).
		Order("updated_at DESC").Limit(limit).Find(&models).Error; err != nil {
		return nil, err
	}
	out := make([]domain.Conversation, 0, len(models))
	for _, m := range models {
		out = append(out, conversationFromModel(m))
	}
	return out, nil
}

// CreateConversation inserts a conversation row.
func (s *GormStore) CreateConversation(c domain.Conversation) error {
	model := conversationToModel(c)
	return s.db.Create(&model).Error
}

// SetConversationBinding replaces the document reference fields. Passing nils
// clears the binding.
func (s *GormStore) SetConversationBinding(id string, fileURI, fileName *string, expiresAt *time.Time) error {
	return s.db.Model(&ConversationModel{}).Where("id = ?", id).Updates(map[string]any{
		"cache_file_uri":   fileURI,
		"cache_file_name":  fileName,
		"cache_expires_at": expiresAt,
		"updated_at":       time.Now().UTC(),
	}).Error
}

// TouchConversation bumps updated_at.
func (s *GormStore) TouchConversation(id string, at time.Time) error {
	return s.db.Model(&ConversationModel{}).Where("id = ?", id).
		Update("updated_at", at).Error
}

// AppendMessage inserts a message row.
func (s *GormStore) AppendMessage(msg domain.Message) error {
	model := messageToModel(msg)
	return s.db.Create(&model).Error
}

// ListMessages returns the most recent messages in chronological order.
func (s *GormStore) ListMessages(conversationID string, limit int) ([]domain.Message, error) {
	var models []MessageModel
	tx := s.db.Where("conversation_id = ?", conversationID).Order("created_at DESC")
	if limit > 0 {
		tx = tx.Limit(limit)
	}
	if err := tx.Find(&models).Error; err != nil {
		return nil, err
	}
	res := make([]domain.Message, 0, len(models))
	for i := len(models) - 1; i >= 0; i-- {
		res = append(res, messageFromModel(models[i]))
	}
	return res, nil
}

// GetVoicePersona returns a persona by ID.
func (s *GormStore) GetVoicePersona(id string) (domain.VoicePersona, bool, error) {
	var model VoicePersonaModel
	if err := s.db.First(&model, "id = ?", id).Error; err != nil {
		if err == gorm.ErrRecordNotFound {
			return domain.VoicePersona{}, false, nil
		}
		return domain.VoicePersona{}, false, err
	}
	return personaFromModel(model), true, nil
}

// ListVoicePersonas returns public personas ordered by name.
func (s *GormStore) ListVoicePersonas() ([]domain.VoicePersona, error) {
	var models []VoicePersonaModel
	if err := s.db.Where("public = ?", true).Order("name ASC").Find(&models).Error; err != nil {
		return nil, err
	}
	res := make([]domain.VoicePersona, 0, len(models))
	for _, m := range models {
		res = append(res, personaFromModel(m))
	}
	return res, nil
}

// SaveVoicePersona stores or updates a persona.
func (s *GormStore) SaveVoicePersona(p domain.VoicePersona) error {
	model := personaToModel(p)
	return s.db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "id"}},
		DoUpdates: clause.AssignmentColumns([]string{"owner_id", "name", "base_voice", "style_prompt", "style_params", "public"}),
	}).Create(&model).Error
}

func bookToModel(b domain.Book) BookModel {
	return BookModel{
		ID:         b.ID,
		OwnerID:    b.OwnerID,
		Title:      b.Title,
		StorageKey: b.StorageKey,
		PageCount:  b.PageCount,
		Thumbnail:  b.Thumbnail,
		CreatedAt:  b.CreatedAt,
		UpdatedAt:  b.UpdatedAt,
	}
}

func bookFromModel(m BookModel) domain.Book {
	return domain.Book{
		ID:         m.ID,
		OwnerID:    m.OwnerID,
		Title:      m.Title,
		StorageKey: m.StorageKey,
		PageCount:  m.PageCount,
		Thumbnail:  m.Thumbnail,
		CreatedAt:  m.CreatedAt,
		UpdatedAt:  m.UpdatedAt,
	}
}

func pageFromModel(m PageModel) domain.Page {
	return domain.Page{
		ID:        m.ID,
		BookID:    m.BookID,
		Number:    m.Number,
		ImageKey:  m.ImageKey,
		CreatedAt: m.CreatedAt,
	}
}

func pageTextToModel(t domain.PageText) PageTextModel {
	return PageTextModel{
		ID:               t.ID,
		PageID:           t.PageID,
		RawText:          t.RawText,
		Confidence:       t.Confidence,
		ProcessingTimeMs: t.ProcessingTimeMs,
		Metadata:         marshalJSONMap(t.Metadata),
		CreatedAt:        t.CreatedAt,
	}
}

func pageTextFromModel(m PageTextModel) domain.PageText {
	return domain.PageText{
		ID:               m.ID,
		PageID:           m.PageID,
		RawText:          m.RawText,
		Confidence:       m.Confidence,
		ProcessingTimeMs: m.ProcessingTimeMs,
		Metadata:         unmarshalJSONMap(m.Metadata),
		CreatedAt:        m.CreatedAt,
	}
}

func pageAudioToModel(a domain.PageAudio) PageAudioModel {
	return PageAudioModel{
		ID:               a.ID,
		PageID:           a.PageID,
		VoiceKey:         a.VoiceKey,
		PersonaID:        a.PersonaID,
		AudioKey:         a.AudioKey,
		AudioURL:         a.AudioURL,
		DurationSeconds:  a.DurationSeconds,
		Format:           a.Format,
		SizeBytes:        a.SizeBytes,
		VoiceSettings:    marshalJSONMap(a.VoiceSettings),
		ProcessingTimeMs: a.ProcessingTimeMs,
		CreatedAt:        a.CreatedAt,
	}
}

func pageAudioFromModel(m PageAudioModel) domain.PageAudio {
	return domain.PageAudio{
		ID:               m.ID,
		PageID:           m.PageID,
		VoiceKey:         m.VoiceKey,
		PersonaID:        m.PersonaID,
		AudioKey:         m.AudioKey,
		AudioURL:         m.AudioURL,
		DurationSeconds:  m.DurationSeconds,
		Format:           m.Format,
		SizeBytes:        m.SizeBytes,
		VoiceSettings:    unmarshalJSONMap(m.VoiceSettings),
		ProcessingTimeMs: m.ProcessingTimeMs,
		CreatedAt:        m.CreatedAt,
	}
}

func conversationToModel(c domain.Conversation) ConversationModel {
	typ := string(c.Type)
	if typ == "" {
		typ = string(domain.ConversationGeneral)
	}
	return ConversationModel{
		ID:             c.ID,
		UserID:         c.UserID,
		BookID:         c.BookID,
		Title:          c.Title,
		Type:           typ,
		CacheFileURI:   c.CacheFileURI,
		CacheFileName:  c.CacheFileName,
		CacheExpiresAt: c.CacheExpiresAt,
		CreatedAt:      c.CreatedAt,
		UpdatedAt:      c.UpdatedAt,
	}
}

func conversationFromModel(m ConversationModel) domain.Conversation {
	return domain.Conversation{
		ID:             m.ID,
		UserID:         m.UserID,
		BookID:         m.BookID,
		Title:          m.Title,
		Type:           domain.ConversationType(m.Type),
		CacheFileURI:   m.CacheFileURI,
		CacheFileName:  m.CacheFileName,
		CacheExpiresAt: m.CacheExpiresAt,
		CreatedAt:      m.CreatedAt,
		UpdatedAt:      m.UpdatedAt,
	}
}

func messageToModel(msg domain.Message) MessageModel {
	return MessageModel{
		ID:             msg.ID,
		ConversationID: msg.ConversationID,
		Role:           msg.Role,
		Content:        msg.Content,
		TokensUsed:     msg.TokensUsed,
		CostEstimate:   msg.CostEstimate,
		Metadata:       marshalJSONMap(msg.Metadata),
		CreatedAt:      msg.CreatedAt,
	}
}

func messageFromModel(m MessageModel) domain.Message {
	return domain.Message{
		ID:             m.ID,
		ConversationID: m.ConversationID,
		Role:           m.Role,
		Content:        m.Content,
		TokensUsed:     m.TokensUsed,
		CostEstimate:   m.CostEstimate,
		Metadata:       unmarshalJSONMap(m.Metadata),
		CreatedAt:      m.CreatedAt,
	}
}

func personaToModel(p domain.VoicePersona) VoicePersonaModel {
	return VoicePersonaModel{
		ID:          p.ID,
		OwnerID:     p.OwnerID,
		Name:        p.Name,
		BaseVoice:   p.BaseVoice,
		StylePrompt: p.StylePrompt,
		StyleParams: marshalJSONMap(p.StyleParams),
		Public:      p.Public,
		CreatedAt:   p.CreatedAt,
	}
}

func personaFromModel(m VoicePersonaModel) domain.VoicePersona {
	return domain.VoicePersona{
		ID:          m.ID,
		OwnerID:     m.OwnerID,
		Name:        m.Name,
		BaseVoice:   m.BaseVoice,
		StylePrompt: m.StylePrompt,
		StyleParams: unmarshalJSONMap(m.StyleParams),
		Public:      m.Public,
		CreatedAt:   m.CreatedAt,
	}
}

func marshalJSONMap(m map[string]string) datatypes.JSON {
	if len(m) == 0 {
		return nil
	}
	raw, _ := json.Marshal(m)
	return raw
}

func unmarshalJSONMap(raw datatypes.JSON) map[string]string {
	if len(raw) == 0 {
		return nil
	}
	var m map[string]string
	_ = json.Unmarshal(raw, &m)
	return m
}
