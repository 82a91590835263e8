// Copyright 2024-2026 Aiku AI

package roost

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/rs/zerolog"
)

// RESTError is returned for any non-2xx response from the Roost API.
type RESTError struct {
	Method string
	Path   string
	Status int
	Body   string
}

func (e *RESTError) Error() string {
	return fmt.Sprintf("roost api: %s %s returned %d: %s", e.Method, e.Path, e.Status, e.Body)
}

// Client is an authenticated Roost REST client.
type Client struct {
	baseURL string
	token   string
	http    *http.Client
	log     zerolog.Logger
}

// NewClient creates a Roost REST client for the given base URL and static
// bearer token. All requests run under a bounded timeout; a hung remote call
// fails the single relay operation instead of holding its channel forever.
func NewClient(baseURL, token string, log zerolog.Logger) *Client {
	return &Client{
		baseURL: baseURL,
		token:   token,
		http:    &http.Client{Timeout: 30 * time.Second},
		log:     log.With().Str("component", "roost_client").Logger(),
	}
}

// BaseURL returns the configured Roost base URL.
func (c *Client) BaseURL() string {
	return c.baseURL
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var reqBody io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to encode request body: %w", err)
		}
		reqBody = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reqBody)
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("roost api: %s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	respBody, _ := io.ReadAll(resp.Body)
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return &RESTError{Method: method, Path: path, Status: resp.StatusCode, Body: string(respBody)}
	}
	if out != nil {
		if err := json.Unmarshal(respBody, out); err != nil {
			return fmt.Errorf("failed to decode response from %s %s: %w", method, path, err)
		}
	}
	return nil
}

// CreateMessage posts a new message to a thread.
func (c *Client) CreateMessage(ctx context.Context, threadID string, req *MessageRequest) (*Message, error) {
	var msg Message
	err := c.do(ctx, http.MethodPost, fmt.Sprintf("/thread/%s/message", threadID), req, &msg)
	if err != nil {
		return nil, err
	}
	return &msg, nil
}

// UpdateMessage patches an existing message in a thread.
func (c *Client) UpdateMessage(ctx context.Context, threadID, messageID string, req *MessageRequest) (*Message, error) {
	var msg Message
	err := c.do(ctx, http.MethodPatch, fmt.Sprintf("/thread/%s/message/%s", threadID, messageID), req, &msg)
	if err != nil {
		return nil, err
	}
	return &msg, nil
}

// DeleteMessage removes a message from a thread.
func (c *Client) DeleteMessage(ctx context.Context, threadID, messageID string) error {
	return c.do(ctx, http.MethodDelete, fmt.Sprintf("/thread/%s/message/%s", threadID, messageID), nil, nil)
}

// GetMessage fetches a single message, used for reply previews.
func (c *Client) GetMessage(ctx context.Context, threadID, messageID string) (*Message, error) {
	var msg Message
	err := c.do(ctx, http.MethodGet, fmt.Sprintf("/thread/%s/message/%s", threadID, messageID), nil, &msg)
	if err != nil {
		return nil, err
	}
	return &msg, nil
}

// CreateMedia registers a new media object and returns its ID together with
// the URL the content must be uploaded to.
func (c *Client) CreateMedia(ctx context.Context, filename string, size int64) (*MediaHandle, error) {
	var handle MediaHandle
	err := c.do(ctx, http.MethodPost, "/media", map[string]any{
		"filename": filename,
		"size":     size,
	}, &handle)
	if err != nil {
		return nil, err
	}
	return &handle, nil
}

// UploadMedia uploads raw media content to an upload URL returned by
// CreateMedia.
func (c *Client) UploadMedia(ctx context.Context, uploadURL string, data []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPatch, uploadURL, bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("failed to build upload request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	req.Header.Set("Content-Type", "application/octet-stream")

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("roost media upload: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		body, _ := io.ReadAll(resp.Body)
		return &RESTError{Method: http.MethodPatch, Path: uploadURL, Status: resp.StatusCode, Body: string(body)}
	}
	return nil
}

// DownloadAttachment fetches the raw bytes of an attachment by URL. The URL
// may point at the Roost media store or at an external CDN; the bearer token
// is only attached for same-origin requests.
func (c *Client) DownloadAttachment(ctx context.Context, url string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to build download request: %w", err)
	}
	if c.baseURL != "" && len(url) >= len(c.baseURL) && url[:len(c.baseURL)] == c.baseURL {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("attachment download: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, &RESTError{Method: http.MethodGet, Path: url, Status: resp.StatusCode}
	}
	return io.ReadAll(resp.Body)
}
