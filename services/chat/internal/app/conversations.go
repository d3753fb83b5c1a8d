package app

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"readvoice/internal/util"
	"readvoice/pkg/ai"
	"readvoice/pkg/domain"
	"readvoice/pkg/history"
)

const systemInstruction = "You are a reading companion. Answer questions about the attached book using only its contents. When the book does not cover something, say so instead of guessing."

// costPerThousandTokens approximates blended input/output pricing for cost
// reporting on stored messages. Reporting only, never enforcement.
const costPerThousandTokens = 0.00015

// presignExpiry bounds how long the upload backend can fetch the book
// document through the signed URL.
const presignExpiry = 15 * time.Minute

// GetOrCreateConversation returns the single conversation for (user, book),
// creating an unbound one on first use.
func (a *App) GetOrCreateConversation(ctx context.Context, userID, bookID string) (domain.ConversationStatus, error) {
	book, err := a.loadAccessibleBook(userID, bookID)
	if err != nil {
		return domain.ConversationStatus{}, err
	}
	conversation, err := a.ensureConversation(userID, book)
	if err != nil {
		return domain.ConversationStatus{}, err
	}
	return a.conversationStatus(conversation)
}

// ListConversations lists recent conversations for the user.
func (a *App) ListConversations(userID string, limit int) ([]domain.Conversation, error) {
	if limit <= 0 || limit > 100 {
		limit = 30
	}
	items, err := a.store.ListConversationsByUser(userID, limit)
	if err != nil {
		return nil, fmt.Errorf("list conversations: %w", err)
	}
	return items, nil
}

// ConversationStatus returns one conversation with its history, enforcing
// ownership.
func (a *App) ConversationStatus(userID, conversationID string) (domain.ConversationStatus, error) {
	conversation, err := a.loadOwnConversation(userID, conversationID)
	if err != nil {
		return domain.ConversationStatus{}, err
	}
	return a.conversationStatus(conversation)
}

// BindDocument uploads the book's stored document to the generation backend
// and binds the returned file reference to the conversation. Rebinding an
// already bound conversation replaces the reference and restarts the
// validity window.
func (a *App) BindDocument(ctx context.Context, userID, bookID string) (domain.ConversationStatus, error) {
	book, err := a.loadAccessibleBook(userID, bookID)
	if err != nil {
		return domain.ConversationStatus{}, err
	}
	conversation, err := a.ensureConversation(userID, book)
	if err != nil {
		return domain.ConversationStatus{}, err
	}
	if book.StorageKey == "" {
		return domain.ConversationStatus{}, fmt.Errorf("%w: book has no stored document", domain.ErrValidation)
	}

	documentURL, err := a.objects.PresignGet(ctx, book.StorageKey, presignExpiry)
	if err != nil {
		return domain.ConversationStatus{}, fmt.Errorf("presign book document: %w", err)
	}
	ref, err := a.documents.UploadFileFromURL(ctx, documentURL, book.Title)
	if err != nil {
		return domain.ConversationStatus{}, classifyUpstream("upload book document", err)
	}
	if err := a.documents.AwaitFileActive(ctx, ref.Name, a.uploadTimeout); err != nil {
		return domain.ConversationStatus{}, classifyUpstream("await document processing", err)
	}

	expiresAt := nowUTC().Add(ai.FileRetention)
	if err := a.store.SetConversationBinding(conversation.ID, &ref.URI, &ref.Name, &expiresAt); err != nil {
		return domain.ConversationStatus{}, fmt.Errorf("bind conversation: %w", err)
	}
	conversation.CacheFileURI = &ref.URI
	conversation.CacheFileName = &ref.Name
	conversation.CacheExpiresAt = &expiresAt
	return a.conversationStatus(conversation)
}

// RebindConversation refreshes an existing conversation's binding by
// re-uploading its book. This is the only way to extend a validity window;
// the backend offers no in-place extension.
func (a *App) RebindConversation(ctx context.Context, userID, conversationID string) (domain.ConversationStatus, error) {
	conversation, err := a.loadOwnConversation(userID, conversationID)
	if err != nil {
		return domain.ConversationStatus{}, err
	}
	return a.BindDocument(ctx, userID, conversation.BookID)
}

// SendMessage generates a grounded reply for the conversation and appends
// both turns to its history. The conversation must hold an unexpired
// document binding; anything else fails before the backend is called.
func (a *App) SendMessage(ctx context.Context, userID, conversationID, content string) (domain.ChatReply, error) {
	content = history.Sanitize(content)
	if content == "" {
		return domain.ChatReply{}, fmt.Errorf("%w: message required", domain.ErrValidation)
	}
	conversation, err := a.loadOwnConversation(userID, conversationID)
	if err != nil {
		return domain.ChatReply{}, err
	}
	if conversation.Binding(nowUTC()) != domain.BindingBound {
		return domain.ChatReply{}, domain.ErrSessionExpired
	}

	messages, err := a.store.ListMessages(conversation.ID, history.MaxMessages)
	if err != nil {
		return domain.ChatReply{}, fmt.Errorf("load history: %w", err)
	}
	if err := history.Validate(messages); err != nil {
		return domain.ChatReply{}, fmt.Errorf("%w: %s", domain.ErrValidation, err)
	}
	window := history.Trim(messages, a.historyWindow)

	reply, err := a.documents.GenerateGrounded(ctx, ai.GroundedRequest{
		FileURI:           *conversation.CacheFileURI,
		FileMimeType:      "application/pdf",
		History:           history.ToTurns(window),
		Message:           content,
		SystemInstruction: systemInstruction,
	})
	if err != nil {
		return domain.ChatReply{}, classifyUpstream("generate reply", err)
	}

	now := nowUTC()
	if err := a.store.AppendMessage(domain.Message{
		ID:             util.NewID(),
		ConversationID: conversation.ID,
		Role:           "user",
		Content:        content,
		CreatedAt:      now,
	}); err != nil {
		return domain.ChatReply{}, fmt.Errorf("save user message: %w", err)
	}
	// Stored messages feed future validation passes, so the reply has to
	// respect the same per-message cap as user input.
	assistantContent := reply.Text
	if len(assistantContent) > history.MaxContentLength {
		assistantContent = assistantContent[:history.MaxContentLength]
	}
	// Some backend responses omit usage metadata; fall back to a length
	// estimate so cost accounting never records zero for a real call.
	totalTokens := reply.Usage.Total
	if totalTokens == 0 {
		totalTokens = history.EstimateTokens(content) + history.EstimateTokens(reply.Text)
	}
	assistantID := util.NewID()
	if err := a.store.AppendMessage(domain.Message{
		ID:             assistantID,
		ConversationID: conversation.ID,
		Role:           "assistant",
		Content:        assistantContent,
		TokensUsed:     totalTokens,
		CostEstimate:   float64(totalTokens) / 1000 * costPerThousandTokens,
		CreatedAt:      now.Add(time.Millisecond),
	}); err != nil {
		return domain.ChatReply{}, fmt.Errorf("save assistant message: %w", err)
	}
	if err := a.store.TouchConversation(conversation.ID, now); err != nil {
		return domain.ChatReply{}, fmt.Errorf("update conversation: %w", err)
	}
	return domain.ChatReply{
		Message:   reply.Text,
		MessageID: assistantID,
		TokensUsed: domain.TokenUsage{
			Cached:     reply.Usage.Cached,
			Prompt:     reply.Usage.Prompt,
			Candidates: reply.Usage.Candidates,
			Total:      reply.Usage.Total,
		},
	}, nil
}

// UnbindDocument removes the conversation's document binding. Deleting the
// remote file is best effort: the backend expires files on its own, so a
// failed delete only costs remote quota until then.
func (a *App) UnbindDocument(ctx context.Context, userID, conversationID string) error {
	conversation, err := a.loadOwnConversation(userID, conversationID)
	if err != nil {
		return err
	}
	if conversation.CacheFileName != nil && *conversation.CacheFileName != "" {
		if err := a.documents.DeleteFile(ctx, *conversation.CacheFileName); err != nil {
			util.LoggerFromContext(ctx).Warn("remote file delete failed",
				slog.String("conversationId", conversation.ID),
				slog.String("error", err.Error()))
		}
	}
	if err := a.store.SetConversationBinding(conversation.ID, nil, nil, nil); err != nil {
		return fmt.Errorf("unbind conversation: %w", err)
	}
	return nil
}

func (a *App) ensureConversation(userID string, book domain.Book) (domain.Conversation, error) {
	conversation, ok, err := a.store.GetConversationByUserBook(userID, book.ID)
	if err != nil {
		return domain.Conversation{}, fmt.Errorf("load conversation: %w", err)
	}
	if ok {
		return conversation, nil
	}
	now := nowUTC()
	conversation = domain.Conversation{
		ID:        util.NewID(),
		UserID:    userID,
		BookID:    book.ID,
		Title:     conversationTitle(book.Title),
		Type:      domain.ConversationGeneral,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := a.store.CreateConversation(conversation); err != nil {
		return domain.Conversation{}, fmt.Errorf("create conversation: %w", err)
	}
	return conversation, nil
}

func (a *App) loadOwnConversation(userID, conversationID string) (domain.Conversation, error) {
	conversationID = strings.TrimSpace(conversationID)
	if conversationID == "" {
		return domain.Conversation{}, fmt.Errorf("%w: conversation id required", domain.ErrValidation)
	}
	conversation, ok, err := a.store.GetConversation(conversationID)
	if err != nil {
		return domain.Conversation{}, fmt.Errorf("load conversation: %w", err)
	}
	if !ok {
		return domain.Conversation{}, domain.ErrConversationNotFound
	}
	if conversation.UserID != userID {
		return domain.Conversation{}, domain.ErrAccessDenied
	}
	return conversation, nil
}

func (a *App) conversationStatus(conversation domain.Conversation) (domain.ConversationStatus, error) {
	// Display carries the full history; only generation windows it.
	messages, err := a.store.ListMessages(conversation.ID, 0)
	if err != nil {
		return domain.ConversationStatus{}, fmt.Errorf("load messages: %w", err)
	}
	return domain.ConversationStatus{
		Conversation:   conversation,
		HasActiveCache: conversation.HasActiveCache(nowUTC()),
		CacheExpiresAt: conversation.CacheExpiresAt,
		Messages:       messages,
	}, nil
}

func conversationTitle(bookTitle string) string {
	title := strings.TrimSpace(bookTitle)
	if title == "" {
		return "New conversation"
	}
	runes := []rune(title)
	if len(runes) > 40 {
		return string(runes[:40]) + "…"
	}
	return title
}

func classifyUpstream(op string, err error) error {
	if ai.IsRateLimited(err) {
		return fmt.Errorf("%s: %s: %w", op, err, domain.ErrRateLimited)
	}
	return fmt.Errorf("%s: %s: %w", op, err, domain.ErrUpstreamGeneration)
}
