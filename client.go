package convsync

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"
)

const (
	DefaultBaseURL = "https://prismer.cloud"
	DefaultTimeout = 30 * time.Second
)

// ============================================================================
// Client
// ============================================================================

// Client is the HTTP side of a Backend: history, send, update and private
// attachment fetches against the messaging API.
type Client struct {
	token      string
	baseURL    string
	agent      string
	pageSize   int
	httpClient *http.Client
}

type ClientOption func(*Client)

func WithBaseURL(url string) ClientOption {
	return func(c *Client) { c.baseURL = strings.TrimRight(url, "/") }
}

func WithTimeout(timeout time.Duration) ClientOption {
	return func(c *Client) { c.httpClient.Timeout = timeout }
}

func WithHTTPClient(client *http.Client) ClientOption {
	return func(c *Client) { c.httpClient = client }
}

// WithAgent sets the X-IM-Agent header sent with every request.
func WithAgent(agent string) ClientOption {
	return func(c *Client) { c.agent = agent }
}

// WithPageSize sets the limit sent with history requests. Zero leaves the
// page size to the server.
func WithPageSize(n int) ClientOption {
	return func(c *Client) { c.pageSize = n }
}

// NewClient creates a client authenticated with token.
func NewClient(token string, opts ...ClientOption) *Client {
	c := &Client{
		token:   token,
		baseURL: DefaultBaseURL,
		httpClient: &http.Client{
			Timeout: DefaultTimeout,
		},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// SetToken replaces the bearer token.
func (c *Client) SetToken(token string) {
	c.token = token
}

// BaseURL returns the API root the client talks to.
func (c *Client) BaseURL() string { return c.baseURL }

// ============================================================================
// Backend operations
// ============================================================================

// FetchHistory implements HistoryAPI.
func (c *Client) FetchHistory(ctx context.Context, conversationID, cursor string) (Page, error) {
	query := map[string]string{}
	if cursor != "" {
		query["cursor"] = cursor
	}
	if c.pageSize > 0 {
		query["limit"] = fmt.Sprintf("%d", c.pageSize)
	}
	res, err := c.do(ctx, "GET", messagesPath(conversationID), nil, query)
	if err != nil {
		return Page{}, err
	}
	var page Page
	if err := res.Decode(&page); err != nil {
		return Page{}, fmt.Errorf("failed to decode page: %w", err)
	}
	return page, nil
}

// SendMessage implements SendAPI. Local previews are uploaded as file parts;
// remote attachments are passed by reference.
func (c *Client) SendMessage(ctx context.Context, conversationID string, req SendRequest) (Message, error) {
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	_ = w.WriteField("content", req.Body)
	if req.ClientID != "" {
		_ = w.WriteField("clientId", req.ClientID)
	}
	for _, att := range req.Attachments {
		if !att.IsLocalPreview {
			_ = w.WriteField("attachments", att.SourceRef)
			continue
		}
		if err := writeFilePart(w, att); err != nil {
			return Message{}, err
		}
	}
	if err := w.Close(); err != nil {
		return Message{}, fmt.Errorf("failed to close multipart body: %w", err)
	}

	data, err := c.send(ctx, "POST", messagesPath(conversationID), &buf, w.FormDataContentType(), nil)
	if err != nil {
		return Message{}, err
	}
	return decodeMessage(data)
}

// MarkRead implements UpdateAPI.
func (c *Client) MarkRead(ctx context.Context, conversationID, messageID string) (Message, error) {
	res, err := c.do(ctx, "POST", messagePath(conversationID, messageID)+"/read", nil, nil)
	if err != nil {
		return Message{}, err
	}
	var m Message
	if err := res.Decode(&m); err != nil {
		return Message{}, fmt.Errorf("failed to decode message: %w", err)
	}
	return m, nil
}

// EditMessage implements UpdateAPI.
func (c *Client) EditMessage(ctx context.Context, conversationID, messageID, body string) (Message, error) {
	res, err := c.do(ctx, "PATCH", messagePath(conversationID, messageID), map[string]string{"content": body}, nil)
	if err != nil {
		return Message{}, err
	}
	var m Message
	if err := res.Decode(&m); err != nil {
		return Message{}, fmt.Errorf("failed to decode message: %w", err)
	}
	return m, nil
}

// DeleteMessage implements UpdateAPI.
func (c *Client) DeleteMessage(ctx context.Context, conversationID, messageID string) error {
	_, err := c.do(ctx, "DELETE", messagePath(conversationID, messageID), nil, nil)
	return err
}

// FetchAttachment implements AttachmentFetcher. Relative refs are resolved
// against the base URL; the bearer token is sent either way.
func (c *Client) FetchAttachment(ctx context.Context, ref string) ([]byte, string, error) {
	u := ref
	if !strings.HasPrefix(ref, "http://") && !strings.HasPrefix(ref, "https://") {
		u = c.baseURL + "/" + strings.TrimLeft(ref, "/")
	}
	req, err := http.NewRequestWithContext(ctx, "GET", u, nil)
	if err != nil {
		return nil, "", fmt.Errorf("failed to create request: %w", err)
	}
	c.setAuthHeaders(req)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, "", fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, "", fmt.Errorf("failed to read attachment: %w", err)
	}
	if resp.StatusCode >= 300 {
		return nil, "", fmt.Errorf("attachment fetch failed (%d)", resp.StatusCode)
	}
	mediaType := resp.Header.Get("Content-Type")
	if mediaType == "" {
		mediaType = guessMimeType(ref)
	}
	return data, mediaType, nil
}

// ============================================================================
// Realtime factories
// ============================================================================

// WSURL returns the WebSocket endpoint for token.
func (c *Client) WSURL(token string) string {
	base := strings.Replace(c.baseURL, "https://", "wss://", 1)
	base = strings.Replace(base, "http://", "ws://", 1)
	if token != "" {
		return base + "/ws?token=" + url.QueryEscape(token)
	}
	return base + "/ws"
}

// SSEURL returns the SSE endpoint for token.
func (c *Client) SSEURL(token string) string {
	if token != "" {
		return c.baseURL + "/sse?token=" + url.QueryEscape(token)
	}
	return c.baseURL + "/sse"
}

// NewRealtimeWS creates a WebSocket subscriber. Call Connect to establish the
// connection. A nil config uses the client's token and defaults.
func (c *Client) NewRealtimeWS(config *RealtimeConfig) *RealtimeWSClient {
	cfg := c.realtimeConfig(config)
	return &RealtimeWSClient{
		url:          c.WSURL(cfg.Token),
		config:       cfg,
		state:        StateDisconnected,
		recon:        newReconnector(cfg),
		pendingPings: make(map[string]chan PongPayload),

		realtimeHandlers: realtimeHandlers{dispatcher: newEventDispatcher(cfg.Logger)},
	}
}

// NewRealtimeSSE creates an SSE subscriber. Call Connect to establish the
// connection.
func (c *Client) NewRealtimeSSE(config *RealtimeConfig) *RealtimeSSEClient {
	cfg := c.realtimeConfig(config)
	return &RealtimeSSEClient{
		url:        c.SSEURL(cfg.Token),
		config:     cfg,
		state:      StateDisconnected,
		recon:      newReconnector(cfg),

		realtimeHandlers: realtimeHandlers{dispatcher: newEventDispatcher(cfg.Logger)},
	}
}

func (c *Client) realtimeConfig(config *RealtimeConfig) *RealtimeConfig {
	var cfg RealtimeConfig
	if config != nil {
		cfg = *config
	}
	if cfg.Token == "" {
		cfg.Token = c.token
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{}
	}
	cfg.defaults()
	return &cfg
}

// ============================================================================
// Internal request helpers
// ============================================================================

func messagesPath(conversationID string) string {
	return "/api/im/messages/" + url.PathEscape(conversationID)
}

func messagePath(conversationID, messageID string) string {
	return messagesPath(conversationID) + "/" + url.PathEscape(messageID)
}

func (c *Client) do(ctx context.Context, method, path string, body interface{}, query map[string]string) (*APIResult, error) {
	var (
		reader      io.Reader
		contentType string
	)
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal request: %w", err)
		}
		reader = bytes.NewReader(b)
		contentType = "application/json"
	}
	data, err := c.send(ctx, method, path, reader, contentType, query)
	if err != nil {
		return nil, err
	}
	return decodeResult(data)
}

func (c *Client) send(ctx context.Context, method, path string, body io.Reader, contentType string, query map[string]string) ([]byte, error) {
	u := c.baseURL + path
	if len(query) > 0 {
		params := url.Values{}
		for k, v := range query {
			params.Set(k, v)
		}
		u += "?" + params.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, method, u, body)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	c.setAuthHeaders(req)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}
	if resp.StatusCode >= 300 {
		if res, derr := decodeJSON[APIResult](data); derr == nil && res.Error != nil {
			return nil, res.Error
		}
		return nil, &APIError{Code: "HTTP_ERROR", Message: fmt.Sprintf("%s %s: %d", method, path, resp.StatusCode)}
	}
	return data, nil
}

func (c *Client) setAuthHeaders(req *http.Request) {
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	if c.agent != "" {
		req.Header.Set("X-IM-Agent", c.agent)
	}
}

func decodeJSON[T any](data []byte) (*T, error) {
	var result T
	if err := json.Unmarshal(data, &result); err != nil {
		return nil, fmt.Errorf("failed to unmarshal response: %w", err)
	}
	return &result, nil
}

// decodeResult unwraps the response envelope. A failed envelope becomes its
// *APIError.
func decodeResult(data []byte) (*APIResult, error) {
	res, err := decodeJSON[APIResult](data)
	if err != nil {
		return nil, err
	}
	if !res.OK {
		if res.Error != nil {
			return nil, res.Error
		}
		return nil, &APIError{Code: "UNKNOWN", Message: "request failed"}
	}
	return res, nil
}

func decodeMessage(data []byte) (Message, error) {
	res, err := decodeResult(data)
	if err != nil {
		return Message{}, err
	}
	var m Message
	if err := res.Decode(&m); err != nil {
		return Message{}, fmt.Errorf("failed to decode message: %w", err)
	}
	return m, nil
}

// writeFilePart adds a local preview to the form. SourceRef is a local path,
// optionally as a file:// URL.
func writeFilePart(w *multipart.Writer, att Attachment) error {
	path := strings.TrimPrefix(att.SourceRef, "file://")
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read attachment: %w", err)
	}
	mediaType := att.MediaType
	if mediaType == "" {
		mediaType = guessMimeType(path)
	}
	h := make(textproto.MIMEHeader)
	h.Set("Content-Disposition", fmt.Sprintf(`form-data; name="files"; filename=%q`, filepath.Base(path)))
	h.Set("Content-Type", mediaType)
	part, err := w.CreatePart(h)
	if err != nil {
		return fmt.Errorf("failed to create form file: %w", err)
	}
	if _, err := part.Write(data); err != nil {
		return fmt.Errorf("failed to write file data: %w", err)
	}
	return nil
}

// guessMimeType returns MIME type from file extension.
func guessMimeType(fileName string) string {
	ext := filepath.Ext(fileName)
	if ext == "" {
		return "application/octet-stream"
	}
	// Fallback for types not in Go's builtin registry
	fallback := map[string]string{
		".md": "text/markdown", ".yaml": "text/yaml", ".yml": "text/yaml",
		".webp": "image/webp", ".webm": "video/webm",
	}
	if m, ok := fallback[ext]; ok {
		return m
	}
	t := mime.TypeByExtension(ext)
	if t != "" {
		if idx := strings.Index(t, ";"); idx > 0 {
			t = strings.TrimSpace(t[:idx])
		}
		return t
	}
	return "application/octet-stream"
}
