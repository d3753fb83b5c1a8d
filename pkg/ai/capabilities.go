package ai

import (
	"context"
	"time"
)

// SpeechAudio is the raw synthesis payload plus its MIME format descriptor
// (for example "audio/L16;codec=pcm;rate=24000").
type SpeechAudio struct {
	Data   []byte
	Format string
}

// FileRef is the handle for a document uploaded to the backend. URI grounds
// generation calls; Name addresses the file for status polls and deletion.
type FileRef struct {
	URI  string
	Name string
}

// Turn is one prior conversation entry in backend role vocabulary
// ("user" or "model").
type Turn struct {
	Role string
	Text string
}

// GroundedRequest asks for an answer grounded in an uploaded document.
type GroundedRequest struct {
	FileURI           string
	FileMimeType      string
	History           []Turn
	Message           string
	SystemInstruction string
}

// Usage is the token accounting reported with a grounded reply.
type Usage struct {
	Prompt     int
	Candidates int
	Cached     int
	Total      int
}

// GroundedReply is the answer text plus token usage.
type GroundedReply struct {
	Text  string
	Usage Usage
}

// PageTextExtractor turns a page image into structured text.
type PageTextExtractor interface {
	ExtractPageText(ctx context.Context, image []byte, mimeType string) (string, error)
}

// SpeechSynthesizer turns text into raw audio.
type SpeechSynthesizer interface {
	SynthesizeSpeech(ctx context.Context, text, voiceName, stylePrompt string) (SpeechAudio, error)
}

// DocumentChat covers the document-upload lifecycle and grounded generation.
type DocumentChat interface {
	UploadFileFromURL(ctx context.Context, url, displayName string) (FileRef, error)
	AwaitFileActive(ctx context.Context, name string, timeout time.Duration) error
	GenerateGrounded(ctx context.Context, req GroundedRequest) (GroundedReply, error)
	DeleteFile(ctx context.Context, name string) error
}
