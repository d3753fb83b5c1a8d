package ai

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"
)

const (
	fileStateActive     = "ACTIVE"
	fileStateFailed     = "FAILED"
	fileStateProcessing = "PROCESSING"

	filePollInterval = 2 * time.Second

	// Uploaded documents are kept by the backend for a fixed window and
	// cannot be extended; callers must re-upload after it passes.
	FileRetention = 48 * time.Hour
)

type fileInfo struct {
	Name     string `json:"name"`
	URI      string `json:"uri"`
	State    string `json:"state"`
	MimeType string `json:"mimeType"`
}

type fileEnvelope struct {
	File fileInfo `json:"file"`
}

// UploadFileFromURL downloads the document at url and pushes it to the Files
// API under displayName. The source is expected to be reachable without
// credentials (a presigned or public URL).
func (c *GeminiClient) UploadFileFromURL(ctx context.Context, url, displayName string) (FileRef, error) {
	data, contentType, err := c.fetchDocument(ctx, url)
	if err != nil {
		return FileRef{}, fmt.Errorf("fetch document: %w", err)
	}
	uploadURL, err := c.startResumableUpload(ctx, displayName, contentType, int64(len(data)))
	if err != nil {
		return FileRef{}, fmt.Errorf("start upload: %w", err)
	}
	info, err := c.finalizeUpload(ctx, uploadURL, data)
	if err != nil {
		return FileRef{}, fmt.Errorf("finalize upload: %w", err)
	}
	if info.State == fileStateFailed {
		return FileRef{}, fmt.Errorf("upload processing failed for %s", displayName)
	}
	return FileRef{URI: info.URI, Name: info.Name}, nil
}

func (c *GeminiClient) fetchDocument(ctx context.Context, url string) ([]byte, string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, "", err
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, "", fmt.Errorf("document fetch returned %s", resp.Status)
	}
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, "", err
	}
	contentType := resp.Header.Get("Content-Type")
	if contentType == "" || strings.HasPrefix(contentType, "application/octet-stream") {
		contentType = "application/pdf"
	}
	return data, contentType, nil
}

func (c *GeminiClient) startResumableUpload(ctx context.Context, displayName, contentType string, size int64) (string, error) {
	meta, err := json.Marshal(map[string]any{
		"file": map[string]string{"display_name": displayName},
	})
	if err != nil {
		return "", err
	}
	url := fmt.Sprintf("%s/files?key=%s", c.uploadURL, c.apiKey)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(meta))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Goog-Upload-Protocol", "resumable")
	req.Header.Set("X-Goog-Upload-Command", "start")
	req.Header.Set("X-Goog-Upload-Header-Content-Length", strconv.FormatInt(size, 10))
	req.Header.Set("X-Goog-Upload-Header-Content-Type", contentType)
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		var errResp errorResponse
		_ = json.NewDecoder(resp.Body).Decode(&errResp)
		return "", classifyAPIError(resp.StatusCode, resp.Status, errResp)
	}
	uploadURL := resp.Header.Get("X-Goog-Upload-URL")
	if uploadURL == "" {
		return "", fmt.Errorf("upload session returned no upload URL")
	}
	return uploadURL, nil
}

func (c *GeminiClient) finalizeUpload(ctx context.Context, uploadURL string, data []byte) (fileInfo, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, uploadURL, bytes.NewReader(data))
	if err != nil {
		return fileInfo{}, err
	}
	req.Header.Set("X-Goog-Upload-Command", "upload, finalize")
	req.Header.Set("X-Goog-Upload-Offset", "0")
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fileInfo{}, err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		var errResp errorResponse
		_ = json.NewDecoder(resp.Body).Decode(&errResp)
		return fileInfo{}, classifyAPIError(resp.StatusCode, resp.Status, errResp)
	}
	var envelope fileEnvelope
	if err := json.NewDecoder(resp.Body).Decode(&envelope); err != nil {
		return fileInfo{}, err
	}
	return envelope.File, nil
}

// AwaitFileActive polls the file state every 2s until it is ACTIVE, fails on
// FAILED, and gives up after timeout.
func (c *GeminiClient) AwaitFileActive(ctx context.Context, name string, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	for {
		info, err := c.getFile(ctx, name)
		if err != nil {
			return err
		}
		switch info.State {
		case fileStateActive:
			return nil
		case fileStateFailed:
			return fmt.Errorf("file %s processing failed", name)
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("file %s not ready after %s", name, timeout)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(filePollInterval):
		}
	}
}

func (c *GeminiClient) getFile(ctx context.Context, name string) (fileInfo, error) {
	name = strings.TrimPrefix(name, "/")
	url := fmt.Sprintf("%s/%s?key=%s", c.baseURL, name, c.apiKey)
	var info fileInfo
	if err := c.doJSON(ctx, http.MethodGet, url, nil, &info); err != nil {
		return fileInfo{}, err
	}
	return info, nil
}

// DeleteFile removes an uploaded document.
func (c *GeminiClient) DeleteFile(ctx context.Context, name string) error {
	name = strings.TrimPrefix(name, "/")
	url := fmt.Sprintf("%s/%s?key=%s", c.baseURL, name, c.apiKey)
	return c.doJSON(ctx, http.MethodDelete, url, nil, nil)
}

// GenerateGrounded answers a message grounded in an uploaded document. The
// document reference rides on the final user turn together with the new
// message; prior history is replayed as-is.
func (c *GeminiClient) GenerateGrounded(ctx context.Context, req GroundedRequest) (GroundedReply, error) {
	if req.FileURI == "" {
		return GroundedReply{}, fmt.Errorf("file URI required")
	}
	mimeType := req.FileMimeType
	if mimeType == "" {
		mimeType = "application/pdf"
	}
	contents := make([]content, 0, len(req.History)+1)
	for _, turn := range req.History {
		contents = append(contents, content{
			Role:  turn.Role,
			Parts: []part{{Text: turn.Text}},
		})
	}
	contents = append(contents, content{
		Role: "user",
		Parts: []part{
			{FileData: &fileData{FileURI: req.FileURI, MimeType: mimeType}},
			{Text: req.Message},
		},
	})
	reqBody := generateRequest{Contents: contents}
	if strings.TrimSpace(req.SystemInstruction) != "" {
		reqBody.SystemInstruction = &content{Parts: []part{{Text: req.SystemInstruction}}}
	}
	var resp generateResponse
	if err := c.doJSON(ctx, http.MethodPost, c.generateURL(c.chatModel), reqBody, &resp); err != nil {
		return GroundedReply{}, err
	}
	if len(resp.Candidates) == 0 || len(resp.Candidates[0].Content.Parts) == 0 {
		return GroundedReply{}, fmt.Errorf("empty grounded response")
	}
	var sb strings.Builder
	for _, p := range resp.Candidates[0].Content.Parts {
		sb.WriteString(p.Text)
	}
	return GroundedReply{
		Text: sb.String(),
		Usage: Usage{
			Prompt:     resp.UsageMetadata.PromptTokenCount,
			Candidates: resp.UsageMetadata.CandidatesTokenCount,
			Cached:     resp.UsageMetadata.CachedContentTokenCount,
			Total:      resp.UsageMetadata.TotalTokenCount,
		},
	}, nil
}
