package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"testing"
	"time"

	"readvoice/pkg/ai"
	"readvoice/pkg/domain"
	"readvoice/pkg/history"
	"readvoice/pkg/store"
)

type fakeDocuments struct {
	uploads    int
	deletes    []string
	uploadErr  error
	awaitErr   error
	generErr   error
	deleteErr  error
	lastReq    ai.GroundedRequest
	replyText  string
	replyUsage ai.Usage
	noUsage    bool
}

func (f *fakeDocuments) UploadFileFromURL(ctx context.Context, url, displayName string) (ai.FileRef, error) {
	if f.uploadErr != nil {
		return ai.FileRef{}, f.uploadErr
	}
	f.uploads++
	return ai.FileRef{
		URI:  fmt.Sprintf("https://files.example/v1beta/files/doc-%d", f.uploads),
		Name: fmt.Sprintf("files/doc-%d", f.uploads),
	}, nil
}

func (f *fakeDocuments) AwaitFileActive(ctx context.Context, name string, timeout time.Duration) error {
	return f.awaitErr
}

func (f *fakeDocuments) GenerateGrounded(ctx context.Context, req ai.GroundedRequest) (ai.GroundedReply, error) {
	if f.generErr != nil {
		return ai.GroundedReply{}, f.generErr
	}
	f.lastReq = req
	text := f.replyText
	if text == "" {
		text = "The island holds buried treasure."
	}
	usage := f.replyUsage
	if usage.Total == 0 && !f.noUsage {
		usage = ai.Usage{Prompt: 120, Candidates: 30, Cached: 0, Total: 150}
	}
	return ai.GroundedReply{Text: text, Usage: usage}, nil
}

func (f *fakeDocuments) DeleteFile(ctx context.Context, name string) error {
	f.deletes = append(f.deletes, name)
	return f.deleteErr
}

type fakeObjects struct{}

func (fakeObjects) Put(ctx context.Context, key string, r io.Reader, size int64, contentType string) (string, error) {
	return "http://blobs.local/" + key, nil
}

func (fakeObjects) PresignGet(ctx context.Context, key string, expiry time.Duration) (string, error) {
	return "http://blobs.local/signed/" + key, nil
}

func (fakeObjects) Delete(ctx context.Context, key string) error { return nil }

func newTestApp(t *testing.T, docs *fakeDocuments) (*App, *store.MemoryStore) {
	t.Helper()
	mem := store.NewMemoryStore()
	if err := mem.SaveBook(domain.Book{
		ID:         "book-1",
		OwnerID:    "user-1",
		Title:      "Treasure Island",
		StorageKey: "books/user-1/book-1/book.pdf",
	}); err != nil {
		t.Fatalf("seed book: %v", err)
	}
	chatApp, err := New(Config{
		Store:     mem,
		Documents: docs,
		Objects:   fakeObjects{},
	})
	if err != nil {
		t.Fatalf("new app: %v", err)
	}
	return chatApp, mem
}

func TestGetOrCreateConversationIsIdempotent(t *testing.T) {
	chatApp, _ := newTestApp(t, &fakeDocuments{})
	ctx := context.Background()

	first, err := chatApp.GetOrCreateConversation(ctx, "user-1", "book-1")
	if err != nil {
		t.Fatalf("first call: %v", err)
	}
	if first.HasActiveCache {
		t.Fatalf("new conversation claims an active binding")
	}
	second, err := chatApp.GetOrCreateConversation(ctx, "user-1", "book-1")
	if err != nil {
		t.Fatalf("second call: %v", err)
	}
	if second.Conversation.ID != first.Conversation.ID {
		t.Fatalf("second call created a new conversation: %s vs %s", second.Conversation.ID, first.Conversation.ID)
	}
}

func TestConversationAccessChecks(t *testing.T) {
	chatApp, _ := newTestApp(t, &fakeDocuments{})
	ctx := context.Background()

	if _, err := chatApp.GetOrCreateConversation(ctx, "user-1", "missing"); !errors.Is(err, domain.ErrBookNotFound) {
		t.Fatalf("missing book: got %v, want ErrBookNotFound", err)
	}
	if _, err := chatApp.GetOrCreateConversation(ctx, "stranger", "book-1"); !errors.Is(err, domain.ErrAccessDenied) {
		t.Fatalf("stranger: got %v, want ErrAccessDenied", err)
	}

	status, err := chatApp.GetOrCreateConversation(ctx, "user-1", "book-1")
	if err != nil {
		t.Fatalf("owner: %v", err)
	}
	if _, err := chatApp.ConversationStatus("stranger", status.Conversation.ID); !errors.Is(err, domain.ErrAccessDenied) {
		t.Fatalf("foreign conversation read: got %v, want ErrAccessDenied", err)
	}
	if _, err := chatApp.ConversationStatus("user-1", "missing"); !errors.Is(err, domain.ErrConversationNotFound) {
		t.Fatalf("missing conversation: got %v, want ErrConversationNotFound", err)
	}
}

func TestSendMessageRequiresBinding(t *testing.T) {
	chatApp, _ := newTestApp(t, &fakeDocuments{})
	ctx := context.Background()

	status, err := chatApp.GetOrCreateConversation(ctx, "user-1", "book-1")
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := chatApp.SendMessage(ctx, "user-1", status.Conversation.ID, "What is on the island?"); !errors.Is(err, domain.ErrSessionExpired) {
		t.Fatalf("unbound send: got %v, want ErrSessionExpired", err)
	}
}

func TestBindDocumentThenSend(t *testing.T) {
	docs := &fakeDocuments{}
	chatApp, _ := newTestApp(t, docs)
	ctx := context.Background()

	status, err := chatApp.BindDocument(ctx, "user-1", "book-1")
	if err != nil {
		t.Fatalf("bind: %v", err)
	}
	if !status.HasActiveCache {
		t.Fatalf("bound conversation reports no active binding")
	}
	if status.CacheExpiresAt == nil {
		t.Fatalf("no expiry recorded")
	}
	window := time.Until(*status.CacheExpiresAt)
	if window < 47*time.Hour || window > 49*time.Hour {
		t.Fatalf("expiry %v not near the 48h retention window", window)
	}

	reply, err := chatApp.SendMessage(ctx, "user-1", status.Conversation.ID, "What is on the island?")
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	if reply.Message == "" || reply.MessageID == "" {
		t.Fatalf("empty reply: %+v", reply)
	}
	if reply.TokensUsed.Total != 150 {
		t.Fatalf("token usage %+v not propagated", reply.TokensUsed)
	}
	if docs.lastReq.FileURI == "" {
		t.Fatalf("generation was not grounded in the uploaded file")
	}
	if docs.lastReq.SystemInstruction == "" {
		t.Fatalf("no system instruction sent")
	}
}

func TestSendMessagePersistsOrderedTurns(t *testing.T) {
	docs := &fakeDocuments{replyText: "Answer one."}
	chatApp, mem := newTestApp(t, docs)
	ctx := context.Background()

	status, err := chatApp.BindDocument(ctx, "user-1", "book-1")
	if err != nil {
		t.Fatalf("bind: %v", err)
	}
	if _, err := chatApp.SendMessage(ctx, "user-1", status.Conversation.ID, "Question one?"); err != nil {
		t.Fatalf("first send: %v", err)
	}
	docs.replyText = "Answer two."
	if _, err := chatApp.SendMessage(ctx, "user-1", status.Conversation.ID, "Question two?"); err != nil {
		t.Fatalf("second send: %v", err)
	}

	messages, err := mem.ListMessages(status.Conversation.ID, 10)
	if err != nil {
		t.Fatalf("list messages: %v", err)
	}
	wantRoles := []string{"user", "assistant", "user", "assistant"}
	if len(messages) != len(wantRoles) {
		t.Fatalf("stored %d messages, want %d", len(messages), len(wantRoles))
	}
	for i, role := range wantRoles {
		if messages[i].Role != role {
			t.Fatalf("message %d role %q, want %q", i, messages[i].Role, role)
		}
	}
	if messages[3].Content != "Answer two." {
		t.Fatalf("last message %q, want second answer", messages[3].Content)
	}
	if messages[3].TokensUsed == 0 || messages[3].CostEstimate == 0 {
		t.Fatalf("assistant message missing usage accounting: %+v", messages[3])
	}

	// Prior turns travel to the backend on the second call.
	if len(docs.lastReq.History) != 2 {
		t.Fatalf("second call carried %d history turns, want 2", len(docs.lastReq.History))
	}
	if docs.lastReq.History[1].Role != "model" {
		t.Fatalf("assistant turn sent as %q, want model", docs.lastReq.History[1].Role)
	}
}

func TestExpiredBindingRejectsSendButKeepsReference(t *testing.T) {
	docs := &fakeDocuments{}
	chatApp, mem := newTestApp(t, docs)
	ctx := context.Background()

	status, err := chatApp.BindDocument(ctx, "user-1", "book-1")
	if err != nil {
		t.Fatalf("bind: %v", err)
	}
	expired := time.Now().UTC().Add(-time.Minute)
	uri := *status.Conversation.CacheFileURI
	name := *status.Conversation.CacheFileName
	if err := mem.SetConversationBinding(status.Conversation.ID, &uri, &name, &expired); err != nil {
		t.Fatalf("force expiry: %v", err)
	}

	if _, err := chatApp.SendMessage(ctx, "user-1", status.Conversation.ID, "Still there?"); !errors.Is(err, domain.ErrSessionExpired) {
		t.Fatalf("expired send: got %v, want ErrSessionExpired", err)
	}
	conversation, ok, _ := mem.GetConversation(status.Conversation.ID)
	if !ok || conversation.CacheFileURI == nil || *conversation.CacheFileURI != uri {
		t.Fatalf("expiry cleared the stored reference: %+v", conversation)
	}
	if conversation.HasActiveCache(time.Now().UTC()) {
		t.Fatalf("expired binding reported active")
	}
}

func TestRebindRefreshesExpiry(t *testing.T) {
	docs := &fakeDocuments{}
	chatApp, mem := newTestApp(t, docs)
	ctx := context.Background()

	status, err := chatApp.BindDocument(ctx, "user-1", "book-1")
	if err != nil {
		t.Fatalf("bind: %v", err)
	}
	expired := time.Now().UTC().Add(-time.Minute)
	uri := *status.Conversation.CacheFileURI
	if err := mem.SetConversationBinding(status.Conversation.ID, &uri, status.Conversation.CacheFileName, &expired); err != nil {
		t.Fatalf("force expiry: %v", err)
	}

	rebound, err := chatApp.RebindConversation(ctx, "user-1", status.Conversation.ID)
	if err != nil {
		t.Fatalf("rebind: %v", err)
	}
	if !rebound.HasActiveCache {
		t.Fatalf("rebind left conversation inactive")
	}
	if *rebound.Conversation.CacheFileURI == uri {
		t.Fatalf("rebind kept the stale file reference")
	}
	if docs.uploads != 2 {
		t.Fatalf("uploads = %d, want 2", docs.uploads)
	}
	if _, err := chatApp.SendMessage(ctx, "user-1", status.Conversation.ID, "Back again?"); err != nil {
		t.Fatalf("send after rebind: %v", err)
	}
}

func TestUnbindDocumentBestEffortDelete(t *testing.T) {
	docs := &fakeDocuments{deleteErr: errors.New("remote delete unavailable")}
	chatApp, mem := newTestApp(t, docs)
	ctx := context.Background()

	status, err := chatApp.BindDocument(ctx, "user-1", "book-1")
	if err != nil {
		t.Fatalf("bind: %v", err)
	}
	if err := chatApp.UnbindDocument(ctx, "user-1", status.Conversation.ID); err != nil {
		t.Fatalf("unbind with failing remote delete: %v", err)
	}
	if len(docs.deletes) != 1 {
		t.Fatalf("remote delete attempted %d times, want 1", len(docs.deletes))
	}
	conversation, _, _ := mem.GetConversation(status.Conversation.ID)
	if conversation.CacheFileURI != nil || conversation.CacheExpiresAt != nil {
		t.Fatalf("unbind left binding fields set: %+v", conversation)
	}
	if _, err := chatApp.SendMessage(ctx, "user-1", status.Conversation.ID, "Anyone home?"); !errors.Is(err, domain.ErrSessionExpired) {
		t.Fatalf("send after unbind: got %v, want ErrSessionExpired", err)
	}
}

func TestOversizedReplyIsCappedAndConversationSurvives(t *testing.T) {
	docs := &fakeDocuments{replyText: strings.Repeat("a", history.MaxContentLength+1)}
	chatApp, mem := newTestApp(t, docs)
	ctx := context.Background()

	status, err := chatApp.BindDocument(ctx, "user-1", "book-1")
	if err != nil {
		t.Fatalf("bind: %v", err)
	}
	reply, err := chatApp.SendMessage(ctx, "user-1", status.Conversation.ID, "First question?")
	if err != nil {
		t.Fatalf("first send: %v", err)
	}
	if len(reply.Message) != history.MaxContentLength+1 {
		t.Fatalf("caller reply length %d, want the full backend text", len(reply.Message))
	}

	messages, err := mem.ListMessages(status.Conversation.ID, 0)
	if err != nil {
		t.Fatalf("list messages: %v", err)
	}
	if got := len(messages[1].Content); got != history.MaxContentLength {
		t.Fatalf("stored assistant content length %d, want cap %d", got, history.MaxContentLength)
	}

	// The stored history must remain valid for the next turn.
	docs.replyText = "short answer"
	if _, err := chatApp.SendMessage(ctx, "user-1", status.Conversation.ID, "Second question?"); err != nil {
		t.Fatalf("send after oversized reply: %v", err)
	}
}

func TestConversationStatusReturnsFullHistory(t *testing.T) {
	docs := &fakeDocuments{}
	chatApp, mem := newTestApp(t, docs)
	ctx := context.Background()

	status, err := chatApp.GetOrCreateConversation(ctx, "user-1", "book-1")
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	base := time.Now().UTC()
	const stored = history.MaxMessages + 10
	for i := 0; i < stored; i++ {
		role := "user"
		if i%2 == 1 {
			role = "assistant"
		}
		err := mem.AppendMessage(domain.Message{
			ID:             fmt.Sprintf("msg-%d", i),
			ConversationID: status.Conversation.ID,
			Role:           role,
			Content:        fmt.Sprintf("turn %d", i),
			CreatedAt:      base.Add(time.Duration(i) * time.Second),
		})
		if err != nil {
			t.Fatalf("append %d: %v", i, err)
		}
	}

	got, err := chatApp.ConversationStatus("user-1", status.Conversation.ID)
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if len(got.Messages) != stored {
		t.Fatalf("display history holds %d messages, want all %d", len(got.Messages), stored)
	}
}

func TestMissingUsageFallsBackToEstimate(t *testing.T) {
	docs := &fakeDocuments{replyText: "An answer with no usage metadata.", noUsage: true}
	chatApp, mem := newTestApp(t, docs)
	ctx := context.Background()

	status, err := chatApp.BindDocument(ctx, "user-1", "book-1")
	if err != nil {
		t.Fatalf("bind: %v", err)
	}
	question := "How long is the voyage?"
	if _, err := chatApp.SendMessage(ctx, "user-1", status.Conversation.ID, question); err != nil {
		t.Fatalf("send: %v", err)
	}

	messages, err := mem.ListMessages(status.Conversation.ID, 0)
	if err != nil {
		t.Fatalf("list messages: %v", err)
	}
	want := history.EstimateTokens(question) + history.EstimateTokens(docs.replyText)
	if messages[1].TokensUsed != want {
		t.Fatalf("estimated tokens %d, want %d", messages[1].TokensUsed, want)
	}
	if messages[1].CostEstimate <= 0 {
		t.Fatalf("cost estimate %v not positive", messages[1].CostEstimate)
	}
}

func TestBindDocumentUpstreamFailures(t *testing.T) {
	docs := &fakeDocuments{uploadErr: errors.New("backend unavailable")}
	chatApp, _ := newTestApp(t, docs)
	ctx := context.Background()

	if _, err := chatApp.BindDocument(ctx, "user-1", "book-1"); !errors.Is(err, domain.ErrUpstreamGeneration) {
		t.Fatalf("upload failure: got %v, want ErrUpstreamGeneration", err)
	}

	docs.uploadErr = fmt.Errorf("quota: %w", ai.ErrRateLimited)
	if _, err := chatApp.BindDocument(ctx, "user-1", "book-1"); !errors.Is(err, domain.ErrRateLimited) {
		t.Fatalf("rate-limited upload: got %v, want ErrRateLimited", err)
	}
}

func TestSendMessageValidation(t *testing.T) {
	docs := &fakeDocuments{}
	chatApp, _ := newTestApp(t, docs)
	ctx := context.Background()

	status, err := chatApp.BindDocument(ctx, "user-1", "book-1")
	if err != nil {
		t.Fatalf("bind: %v", err)
	}
	if _, err := chatApp.SendMessage(ctx, "user-1", status.Conversation.ID, "   "); !errors.Is(err, domain.ErrValidation) {
		t.Fatalf("blank message: got %v, want ErrValidation", err)
	}
	if _, err := chatApp.SendMessage(ctx, "stranger", status.Conversation.ID, "hello"); !errors.Is(err, domain.ErrAccessDenied) {
		t.Fatalf("foreign send: got %v, want ErrAccessDenied", err)
	}
	if _, err := chatApp.SendMessage(ctx, "user-1", "missing", "hello"); !errors.Is(err, domain.ErrConversationNotFound) {
		t.Fatalf("missing conversation: got %v, want ErrConversationNotFound", err)
	}
}
