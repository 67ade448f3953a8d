package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// StatusError is a non-2xx response from the frontend.
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("frontend error (status %d): %s", e.StatusCode, e.Body)
}

// Webhook hands notifications to a messaging frontend over HTTP:
// text as JSON to <url>/text, photos as multipart uploads to <url>/photo.
type Webhook struct {
	baseURL string
	client  *http.Client
}

// NewWebhook creates a webhook notifier.
func NewWebhook(baseURL string) *Webhook {
	return &Webhook{
		baseURL: strings.TrimSuffix(baseURL, "/"),
		client:  &http.Client{Timeout: 30 * time.Second},
	}
}

type textRequest struct {
	ChatID int64  `json:"chat_id"`
	Text   string `json:"text"`
}

// NotifyText implements Notifier.
func (h *Webhook) NotifyText(ctx context.Context, chatID int64, text string) error {
	reqBody, err := json.Marshal(textRequest{ChatID: chatID, Text: text})
	if err != nil {
		return backoff.Permanent(fmt.Errorf("failed to marshal request: %w", err))
	}
	return h.post(ctx, "/text", "application/json", bytes.NewReader(reqBody))
}

// NotifyPhoto implements Notifier.
func (h *Webhook) NotifyPhoto(ctx context.Context, chatID int64, photoPath, caption string) error {
	imageData, err := os.ReadFile(photoPath) //nolint:gosec // path comes from the photo store
	if err != nil {
		return backoff.Permanent(fmt.Errorf("failed to read photo: %w", err))
	}

	var buf bytes.Buffer
	writer := multipart.NewWriter(&buf)
	if err := writer.WriteField("chat_id", strconv.FormatInt(chatID, 10)); err != nil {
		return backoff.Permanent(fmt.Errorf("failed to write chat_id: %w", err))
	}
	if err := writer.WriteField("caption", caption); err != nil {
		return backoff.Permanent(fmt.Errorf("failed to write caption: %w", err))
	}
	part, err := writer.CreateFormFile("file", filepath.Base(photoPath))
	if err != nil {
		return backoff.Permanent(fmt.Errorf("failed to create form file: %w", err))
	}
	if _, err := part.Write(imageData); err != nil {
		return backoff.Permanent(fmt.Errorf("failed to write image data: %w", err))
	}
	if err := writer.Close(); err != nil {
		return backoff.Permanent(fmt.Errorf("failed to close multipart writer: %w", err))
	}

	return h.post(ctx, "/photo", writer.FormDataContentType(), &buf)
}

// post sends one request. Client errors other than 429 are not worth retrying.
func (h *Webhook) post(ctx context.Context, endpoint, contentType string, body io.Reader) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, h.baseURL+endpoint, body)
	if err != nil {
		return backoff.Permanent(fmt.Errorf("failed to create request: %w", err))
	}
	req.Header.Set("Content-Type", contentType)

	resp, err := h.client.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}

	respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	statusErr := &StatusError{StatusCode: resp.StatusCode, Body: string(respBody)}
	if resp.StatusCode >= 400 && resp.StatusCode < 500 && resp.StatusCode != http.StatusTooManyRequests {
		return backoff.Permanent(statusErr)
	}
	return statusErr
}
