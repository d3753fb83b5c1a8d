package store

import (
	"testing"
	"time"

	"readvoice/pkg/domain"
)

func TestGetOrCreatePageIsIdempotent(t *testing.T) {
	s := NewMemoryStore()

	first, err := s.GetOrCreatePage("book-1", 3, "pending")
	if err != nil {
		t.Fatalf("first create: %v", err)
	}
	second, err := s.GetOrCreatePage("book-1", 3, "other-key")
	if err != nil {
		t.Fatalf("second create: %v", err)
	}
	if second.ID != first.ID {
		t.Fatalf("duplicate page row: %s vs %s", second.ID, first.ID)
	}
	if second.ImageKey != first.ImageKey {
		t.Fatalf("existing page image key was replaced: %q", second.ImageKey)
	}
}

func TestUpsertPageTextKeepsOneRowPerPage(t *testing.T) {
	s := NewMemoryStore()
	page, err := s.GetOrCreatePage("book-1", 1, "pending")
	if err != nil {
		t.Fatalf("create page: %v", err)
	}

	if err := s.UpsertPageText(domain.PageText{PageID: page.ID, RawText: "first"}); err != nil {
		t.Fatalf("first upsert: %v", err)
	}
	if err := s.UpsertPageText(domain.PageText{PageID: page.ID, RawText: "second"}); err != nil {
		t.Fatalf("second upsert: %v", err)
	}
	text, ok, err := s.GetPageText("book-1", 1)
	if err != nil || !ok {
		t.Fatalf("get page text: ok=%v err=%v", ok, err)
	}
	if text.RawText != "second" {
		t.Fatalf("raw text %q, want the replacing row", text.RawText)
	}
}

func TestPageAudioKeyedByVoice(t *testing.T) {
	s := NewMemoryStore()
	page, err := s.GetOrCreatePage("book-1", 1, "pending")
	if err != nil {
		t.Fatalf("create page: %v", err)
	}

	voices := []string{"narrator", "storyteller"}
	for _, voice := range voices {
		err := s.UpsertPageAudio(domain.PageAudio{
			PageID:   page.ID,
			VoiceKey: voice,
			AudioURL: "http://blobs.local/" + voice,
		})
		if err != nil {
			t.Fatalf("upsert %s: %v", voice, err)
		}
	}
	for _, voice := range voices {
		audio, ok, err := s.GetPageAudio("book-1", 1, voice)
		if err != nil || !ok {
			t.Fatalf("get %s: ok=%v err=%v", voice, ok, err)
		}
		if audio.AudioURL != "http://blobs.local/"+voice {
			t.Fatalf("voice %s resolved to %q", voice, audio.AudioURL)
		}
	}
	if _, ok, _ := s.GetPageAudio("book-1", 1, "lecturer"); ok {
		t.Fatalf("unknown voice returned a row")
	}
}

func TestConversationBindingRoundTrip(t *testing.T) {
	s := NewMemoryStore()
	now := time.Now().UTC()
	conversation := domain.Conversation{
		ID: "conv-1", UserID: "user-1", BookID: "book-1",
		CreatedAt: now, UpdatedAt: now,
	}
	if err := s.CreateConversation(conversation); err != nil {
		t.Fatalf("create: %v", err)
	}

	uri := "https://files.example/v1beta/files/doc-1"
	name := "files/doc-1"
	expiry := now.Add(48 * time.Hour)
	if err := s.SetConversationBinding("conv-1", &uri, &name, &expiry); err != nil {
		t.Fatalf("bind: %v", err)
	}
	got, ok, _ := s.GetConversation("conv-1")
	if !ok || got.CacheFileURI == nil || *got.CacheFileURI != uri {
		t.Fatalf("binding not stored: %+v", got)
	}
	if !got.HasActiveCache(now) {
		t.Fatalf("fresh binding reported inactive")
	}

	if err := s.SetConversationBinding("conv-1", nil, nil, nil); err != nil {
		t.Fatalf("unbind: %v", err)
	}
	got, _, _ = s.GetConversation("conv-1")
	if got.CacheFileURI != nil || got.CacheExpiresAt != nil {
		t.Fatalf("unbind left fields set: %+v", got)
	}

	if err := s.SetConversationBinding("missing", &uri, &name, &expiry); err != ErrNotFound {
		t.Fatalf("bind missing conversation: got %v, want ErrNotFound", err)
	}
}

func TestListMessagesReturnsRecentWindowInOrder(t *testing.T) {
	s := NewMemoryStore()
	base := time.Now().UTC()
	for i := 0; i < 6; i++ {
		role := "user"
		if i%2 == 1 {
			role = "assistant"
		}
		err := s.AppendMessage(domain.Message{
			ID:             newRowID(),
			ConversationID: "conv-1",
			Role:           role,
			Content:        string(rune('a' + i)),
			CreatedAt:      base.Add(time.Duration(i) * time.Second),
		})
		if err != nil {
			t.Fatalf("append %d: %v", i, err)
		}
	}

	messages, err := s.ListMessages("conv-1", 4)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(messages) != 4 {
		t.Fatalf("got %d messages, want 4", len(messages))
	}
	for i := 1; i < len(messages); i++ {
		if messages[i].CreatedAt.Before(messages[i-1].CreatedAt) {
			t.Fatalf("messages out of chronological order at %d", i)
		}
	}
	if messages[0].Content != "c" || messages[3].Content != "f" {
		t.Fatalf("window does not hold the most recent entries: %q..%q", messages[0].Content, messages[3].Content)
	}
}
