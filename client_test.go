package convsync

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeEnvelope(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	raw, _ := json.Marshal(data)
	json.NewEncoder(w).Encode(APIResult{OK: status < 300, Data: raw})
}

func newTestClient(t *testing.T, h http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	return NewClient("tok-123", WithBaseURL(srv.URL+"/"), WithAgent("convsync-test"))
}

func TestClientFetchHistory(t *testing.T) {
	var gotQuery, gotAuth, gotAgent string
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodGet, r.Method)
		assert.Equal(t, "/api/im/messages/conv 1", r.URL.Path)
		gotQuery = r.URL.Query().Get("cursor")
		gotAuth = r.Header.Get("Authorization")
		gotAgent = r.Header.Get("X-IM-Agent")
		writeEnvelope(w, 200, Page{
			Messages:   []Message{{ID: "1", Body: "old"}, {ID: "2", Body: "newer"}},
			NextCursor: "next",
		})
	})

	page, err := c.FetchHistory(context.Background(), "conv 1", "abc")
	require.NoError(t, err)
	assert.Equal(t, "abc", gotQuery)
	assert.Equal(t, "Bearer tok-123", gotAuth)
	assert.Equal(t, "convsync-test", gotAgent)
	require.Len(t, page.Messages, 2)
	assert.Equal(t, "next", page.NextCursor)
}

func TestClientFetchHistoryPageSize(t *testing.T) {
	var limits []string
	handler := func(w http.ResponseWriter, r *http.Request) {
		limits = append(limits, r.URL.Query().Get("limit"))
		writeEnvelope(w, 200, Page{})
	}
	srv := httptest.NewServer(http.HandlerFunc(handler))
	t.Cleanup(srv.Close)

	_, err := NewClient("tok", WithBaseURL(srv.URL), WithPageSize(50)).FetchHistory(context.Background(), "c1", "")
	require.NoError(t, err)
	_, err = NewClient("tok", WithBaseURL(srv.URL)).FetchHistory(context.Background(), "c1", "")
	require.NoError(t, err)
	assert.Equal(t, []string{"50", ""}, limits)
}

func TestClientErrors(t *testing.T) {
	t.Run("error envelope", func(t *testing.T) {
		c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusForbidden)
			json.NewEncoder(w).Encode(APIResult{Error: &APIError{Code: "FORBIDDEN", Message: "nope"}})
		})
		_, err := c.FetchHistory(context.Background(), "c1", "")
		var apiErr *APIError
		require.ErrorAs(t, err, &apiErr)
		assert.Equal(t, "FORBIDDEN", apiErr.Code)
	})

	t.Run("bare status", func(t *testing.T) {
		c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusBadGateway)
		})
		err := c.DeleteMessage(context.Background(), "c1", "9")
		var apiErr *APIError
		require.ErrorAs(t, err, &apiErr)
		assert.Equal(t, "HTTP_ERROR", apiErr.Code)
		assert.Contains(t, apiErr.Message, "502")
	})

	t.Run("not ok with 200", func(t *testing.T) {
		c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
			json.NewEncoder(w).Encode(APIResult{OK: false})
		})
		_, err := c.MarkRead(context.Background(), "c1", "9")
		require.Error(t, err)
	})
}

func TestClientSendMessage(t *testing.T) {
	dir := t.TempDir()
	local := filepath.Join(dir, "shot.png")
	require.NoError(t, os.WriteFile(local, []byte("png-bytes"), 0o644))

	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		if !assert.NoError(t, r.ParseMultipartForm(1<<20)) {
			return
		}
		assert.Equal(t, "hello", r.FormValue("content"))
		assert.Equal(t, "cid-1", r.FormValue("clientId"))
		assert.Equal(t, []string{"files/existing.pdf"}, r.MultipartForm.Value["attachments"])

		files := r.MultipartForm.File["files"]
		if !assert.Len(t, files, 1) {
			return
		}
		assert.Equal(t, "shot.png", files[0].Filename)
		assert.Equal(t, "image/png", files[0].Header.Get("Content-Type"))
		f, _ := files[0].Open()
		data, _ := io.ReadAll(f)
		assert.Equal(t, "png-bytes", string(data))

		writeEnvelope(w, 201, Message{ID: "42", ClientID: "cid-1", Body: "hello", AuthorID: "me"})
	})

	m, err := c.SendMessage(context.Background(), "c1", SendRequest{
		Body:     "hello",
		ClientID: "cid-1",
		Attachments: []Attachment{
			{SourceRef: "file://" + local, IsLocalPreview: true},
			{SourceRef: "files/existing.pdf"},
		},
	})
	require.NoError(t, err)
	assert.Equal(t, "42", m.ID)
	assert.Equal(t, "cid-1", m.ClientID)
}

func TestClientSendMessageMissingPreview(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		t.Error("request must not be sent")
	})
	_, err := c.SendMessage(context.Background(), "c1", SendRequest{
		Body:        "x",
		Attachments: []Attachment{{SourceRef: "/does/not/exist.png", IsLocalPreview: true}},
	})
	require.Error(t, err)
}

func TestClientUpdates(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.Method == http.MethodPost && r.URL.Path == "/api/im/messages/c1/7/read":
			writeEnvelope(w, 200, Message{ID: "7"})
		case r.Method == http.MethodPatch && r.URL.Path == "/api/im/messages/c1/7":
			var body map[string]string
			json.NewDecoder(r.Body).Decode(&body)
			writeEnvelope(w, 200, Message{ID: "7", Body: body["content"]})
		case r.Method == http.MethodDelete && r.URL.Path == "/api/im/messages/c1/7":
			writeEnvelope(w, 200, nil)
		default:
			http.NotFound(w, r)
		}
	})

	_, err := c.MarkRead(context.Background(), "c1", "7")
	require.NoError(t, err)

	m, err := c.EditMessage(context.Background(), "c1", "7", "edited")
	require.NoError(t, err)
	assert.Equal(t, "edited", m.Body)

	require.NoError(t, c.DeleteMessage(context.Background(), "c1", "7"))
}

func TestClientFetchAttachment(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer tok-123" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		switch r.URL.Path {
		case "/files/a.txt":
			w.Header().Set("Content-Type", "text/plain")
			io.WriteString(w, "private")
		default:
			http.NotFound(w, r)
		}
	})

	data, mediaType, err := c.FetchAttachment(context.Background(), "/files/a.txt")
	require.NoError(t, err)
	assert.Equal(t, "private", string(data))
	assert.Equal(t, "text/plain", mediaType)

	_, _, err = c.FetchAttachment(context.Background(), c.BaseURL()+"/files/missing")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "404")
}

func TestClientRealtimeURLs(t *testing.T) {
	c := NewClient("a b", WithBaseURL("https://im.example.com"))
	assert.Equal(t, "wss://im.example.com/ws?token=a+b", c.WSURL("a b"))
	assert.Equal(t, "https://im.example.com/sse?token=a+b", c.SSEURL("a b"))
	assert.Equal(t, "wss://im.example.com/ws", c.WSURL(""))

	local := NewClient("", WithBaseURL("http://localhost:3000"))
	assert.True(t, strings.HasPrefix(local.WSURL("t"), "ws://localhost:3000/ws"))
}

func TestGuessMimeType(t *testing.T) {
	assert.Equal(t, "text/markdown", guessMimeType("README.md"))
	assert.Equal(t, "image/png", guessMimeType("a.png"))
	assert.Equal(t, "application/octet-stream", guessMimeType("noext"))
}
